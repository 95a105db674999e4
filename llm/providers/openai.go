package providers

import (
	"net/http"
	"os"

	"github.com/c360studio/envdraft/llm"
)

// OpenAIProvider targets the hosted OpenAI API and gateways that speak it,
// such as OpenRouter or a regional model gateway in front of Qwen or GLM.
type OpenAIProvider struct {
	OllamaProvider // Embed for shared request/response format
}

func init() {
	llm.RegisterProvider(&OpenAIProvider{})
}

// Name returns the provider identifier.
func (o *OpenAIProvider) Name() string {
	return "openai"
}

// BuildURL constructs the OpenAI API endpoint.
func (o *OpenAIProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return chatCompletionsURL(baseURL)
}

// SetHeaders adds gateway attribution headers when configured.
func (o *OpenAIProvider) SetHeaders(req *http.Request) {
	if siteURL := os.Getenv("ENVDRAFT_SITE_URL"); siteURL != "" {
		req.Header.Set("HTTP-Referer", siteURL)
	}
	if siteName := os.Getenv("ENVDRAFT_SITE_NAME"); siteName != "" {
		req.Header.Set("X-Title", siteName)
	}
}
