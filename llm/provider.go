package llm

import (
	"net/http"
	"sort"
	"sync"

	"github.com/c360studio/envdraft/model"
)

// Provider defines the wire format of one LLM API family.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai", "ollama").
	Name() string

	// BuildURL constructs the full API endpoint URL.
	BuildURL(baseURL string) string

	// SetHeaders adds provider-specific headers other than authentication,
	// which the client applies from the endpoint configuration.
	SetHeaders(req *http.Request)

	// BuildRequestBody creates the JSON request body for the provider.
	BuildRequestBody(messages []Message, params model.Config) ([]byte, error)

	// ParseResponse extracts the response from provider-specific JSON.
	ParseResponse(body []byte) (*Response, error)
}

// providerRegistry holds registered providers.
var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry. Providers register from
// init, so a duplicate name panics.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	if _, dup := providerRegistry[p.Name()]; dup {
		panic("llm: provider registered twice: " + p.Name())
	}
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// ListProviders returns all registered provider names, sorted.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()

	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
