package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strconv"

	"github.com/c360studio/envdraft/enterprise"
	"github.com/c360studio/envdraft/model"
	"github.com/c360studio/envdraft/template"
)

// Fingerprint hashes every input that affects a section's generated text:
// section identity, strategy, template text and guidance, the variable
// bindings in declaration order, the output-affecting generation parameters,
// and the template library version. Enterprise data outside the bindings
// does not participate, so reordering or adding unrelated keys keeps the
// fingerprint stable.
func Fingerprint(s *template.Section, bindings []enterprise.Binding, cfg model.Config, libraryVersion string) string {
	h := sha256.New()
	field(h, "section", s.Key.String())
	field(h, "strategy", string(s.Strategy))
	field(h, "template", s.TemplateText)
	field(h, "guidance", s.Guidance)
	for _, b := range bindings {
		field(h, "var", b.Name)
		field(h, "value", b.Value)
		field(h, "missing", strconv.FormatBool(b.Missing))
	}
	for _, f := range cfg.FingerprintFields() {
		field(h, "config", f)
	}
	field(h, "library", libraryVersion)
	return hex.EncodeToString(h.Sum(nil))
}

// field writes a length-prefixed name/value pair so no two distinct inputs
// can serialise to the same byte stream.
func field(h hash.Hash, name, value string) {
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(len(value))))
	h.Write([]byte{0})
	h.Write([]byte(value))
}

// Key is the cache key for a fingerprint: "<chapter>/<section>/<fingerprint>",
// so a prefix of "<chapter>/" or "<chapter>/<section>/" selects a chapter or
// a section for invalidation.
func Key(k template.Key, fingerprint string) string {
	return k.String() + "/" + fingerprint
}
