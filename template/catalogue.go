package template

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// chapterGlob selects chapter files under the template root.
const chapterGlob = "**/*.{yaml,yml}"

// idRe limits chapter and section ids to dot-separated ASCII tokens. Ids end
// up in shared cache keys, and NATS KV keys accept no wider set.
var idRe = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)

// chapterFile is the on-disk shape of one chapter.
type chapterFile struct {
	Chapter  string          `yaml:"chapter"`
	Title    string          `yaml:"title"`
	Sections []sectionRecord `yaml:"sections"`
}

// sectionRecord keeps the camelCase key names used by the library authors.
type sectionRecord struct {
	ID           string   `yaml:"id"`
	Title        string   `yaml:"title"`
	Type         string   `yaml:"type"`
	InputVars    []string `yaml:"inputVars"`
	TemplateText string   `yaml:"templateText"`
	AIPromptHint string   `yaml:"aiPromptHint"`
}

type documentsFile struct {
	Documents []documentRecord `yaml:"documents"`
}

type documentRecord struct {
	ID       string   `yaml:"id"`
	Title    string   `yaml:"title"`
	Sections []string `yaml:"sections"`
}

// Options locates a library on disk.
type Options struct {
	// Root is the directory holding chapter files.
	Root string

	// DocumentsFile lists document types. It may live inside Root; it is then
	// skipped during chapter discovery.
	DocumentsFile string

	Logger *slog.Logger
}

// Catalogue is the immutable, validated section library.
type Catalogue struct {
	sections  map[Key]*Section
	order     []Key
	documents map[string]*DocumentType
	version   string
}

// Load reads and validates a complete library. Any validation failure aborts
// the load with a *LoadError; no partial catalogue is returned.
func Load(opts Options) (*Catalogue, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	info, err := os.Stat(opts.Root)
	if err != nil {
		return nil, &LoadError{File: opts.Root, Reason: "template root not readable", Err: err}
	}
	if !info.IsDir() {
		return nil, &LoadError{File: opts.Root, Reason: "template root is not a directory"}
	}

	matches, err := doublestar.Glob(os.DirFS(opts.Root), chapterGlob)
	if err != nil {
		return nil, &LoadError{File: opts.Root, Reason: "scan chapter files", Err: err}
	}
	sort.Strings(matches)

	docsAbs, _ := filepath.Abs(opts.DocumentsFile)

	c := &Catalogue{
		sections:  make(map[Key]*Section),
		documents: make(map[string]*DocumentType),
	}
	hasher := sha256.New()

	for _, rel := range matches {
		path := filepath.Join(opts.Root, filepath.FromSlash(rel))
		if abs, _ := filepath.Abs(path); abs == docsAbs {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &LoadError{File: path, Reason: "read chapter file", Err: err}
		}
		fmt.Fprintf(hasher, "chapter:%s:%d\n", rel, len(data))
		hasher.Write(data)

		if err := c.addChapter(path, data); err != nil {
			return nil, err
		}
	}

	if len(c.order) == 0 {
		return nil, &LoadError{File: opts.Root, Reason: "no chapter files found"}
	}

	if opts.DocumentsFile != "" {
		data, err := os.ReadFile(opts.DocumentsFile)
		if err != nil {
			return nil, &LoadError{File: opts.DocumentsFile, Reason: "read documents file", Err: err}
		}
		fmt.Fprintf(hasher, "documents:%d\n", len(data))
		hasher.Write(data)

		if err := c.addDocuments(opts.DocumentsFile, data); err != nil {
			return nil, err
		}
	}

	c.version = hex.EncodeToString(hasher.Sum(nil))

	logger.Debug("Template library loaded",
		"root", opts.Root,
		"sections", len(c.order),
		"documents", len(c.documents),
		"version", c.version[:12])

	return c, nil
}

// decodeStrict decodes exactly one YAML document, rejecting unknown keys.
func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty document")
		}
		return err
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return fmt.Errorf("multiple YAML documents in one file")
	}
	return nil
}

func (c *Catalogue) addChapter(path string, data []byte) error {
	var ch chapterFile
	if err := decodeStrict(data, &ch); err != nil {
		return &LoadError{File: path, Reason: "parse chapter file", Err: err}
	}
	if err := validateID(ch.Chapter); err != nil {
		return &LoadError{File: path, Key: "chapter", Reason: err.Error()}
	}
	if len(ch.Sections) == 0 {
		return &LoadError{File: path, Key: ch.Chapter, Reason: "chapter has no sections"}
	}

	for i, rec := range ch.Sections {
		if err := validateID(rec.ID); err != nil {
			return &LoadError{File: path, Key: fmt.Sprintf("%s/sections[%d]", ch.Chapter, i), Reason: err.Error()}
		}
		key := Key{Chapter: ch.Chapter, Section: rec.ID}
		if _, dup := c.sections[key]; dup {
			return &LoadError{File: path, Key: key.String(), Reason: "duplicate section"}
		}

		s := &Section{
			Key:          key,
			ChapterTitle: ch.Title,
			Title:        strings.TrimSpace(rec.Title),
			Strategy:     Strategy(rec.Type),
			InputVars:    rec.InputVars,
			TemplateText: strings.TrimRight(rec.TemplateText, "\r\n"),
			Guidance:     strings.TrimSpace(rec.AIPromptHint),
		}
		if reason := validateSection(s); reason != "" {
			return &LoadError{File: path, Key: key.String(), Reason: reason}
		}

		c.sections[key] = s
		c.order = append(c.order, key)
	}
	return nil
}

func (c *Catalogue) addDocuments(path string, data []byte) error {
	var df documentsFile
	if err := decodeStrict(data, &df); err != nil {
		return &LoadError{File: path, Reason: "parse documents file", Err: err}
	}
	for _, rec := range df.Documents {
		if rec.ID == "" {
			return &LoadError{File: path, Reason: "document without id"}
		}
		if _, dup := c.documents[rec.ID]; dup {
			return &LoadError{File: path, Key: rec.ID, Reason: "duplicate document type"}
		}
		if len(rec.Sections) == 0 {
			return &LoadError{File: path, Key: rec.ID, Reason: "document lists no sections"}
		}

		doc := &DocumentType{ID: rec.ID, Title: rec.Title, Sections: make([]Key, 0, len(rec.Sections))}
		seen := make(map[Key]bool, len(rec.Sections))
		for _, ref := range rec.Sections {
			key, err := ParseKey(ref)
			if err != nil {
				return &LoadError{File: path, Key: rec.ID, Reason: err.Error()}
			}
			if _, ok := c.sections[key]; !ok {
				return &LoadError{File: path, Key: rec.ID, Reason: fmt.Sprintf("references unknown section %s", key)}
			}
			if seen[key] {
				return &LoadError{File: path, Key: rec.ID, Reason: fmt.Sprintf("lists section %s twice", key)}
			}
			seen[key] = true
			doc.Sections = append(doc.Sections, key)
		}
		c.documents[rec.ID] = doc
	}
	return nil
}

func validateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("missing id")
	case !idRe.MatchString(id):
		return fmt.Errorf("id %q must be ASCII letters, digits, '-' or '_' separated by single dots", id)
	}
	return nil
}

// validateSection enforces the per-strategy invariants. It returns an empty
// string when the section is valid.
func validateSection(s *Section) string {
	if s.Title == "" {
		return "missing title"
	}
	if !s.Strategy.Valid() {
		return fmt.Sprintf("unknown type %q", s.Strategy)
	}
	for _, v := range s.InputVars {
		if !validPath(v) {
			return fmt.Sprintf("invalid input variable %q", v)
		}
	}

	hasText := strings.TrimSpace(s.TemplateText) != ""
	hasHint := s.Guidance != ""

	switch s.Strategy {
	case StrategyFixed:
		if !hasText {
			return "fixed section requires templateText"
		}
		if len(s.InputVars) > 0 {
			return "fixed section must not declare inputVars"
		}
		if hasHint {
			return "fixed section must not declare aiPromptHint"
		}
	case StrategyVariableFilled:
		if !hasText {
			return "variable_filled section requires templateText"
		}
	case StrategyAIWritten:
		if !hasHint {
			return "ai_written section requires aiPromptHint"
		}
		if hasText {
			return "ai_written section must not declare templateText"
		}
	case StrategyHybrid:
		if !hasText || !hasHint {
			return "hybrid section requires both templateText and aiPromptHint"
		}
	}

	if s.Strategy == StrategyVariableFilled || s.Strategy == StrategyHybrid {
		declared := make(map[string]bool, len(s.InputVars))
		for _, v := range s.InputVars {
			declared[v] = true
		}
		for _, name := range Placeholders(s.TemplateText) {
			if !declared[name] {
				return fmt.Sprintf("placeholder {{%s}} is not a declared input variable", name)
			}
		}
	}
	return ""
}

func validPath(p string) bool {
	if p == "" {
		return false
	}
	for _, seg := range strings.Split(p, ".") {
		if seg == "" {
			return false
		}
	}
	return true
}

// Get returns the section for key.
func (c *Catalogue) Get(key Key) (*Section, bool) {
	s, ok := c.sections[key]
	return s, ok
}

// ListFor returns the ordered sections of a document type.
func (c *Catalogue) ListFor(documentID string) ([]*Section, error) {
	doc, ok := c.documents[documentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDocument, documentID)
	}
	out := make([]*Section, len(doc.Sections))
	for i, key := range doc.Sections {
		out[i] = c.sections[key]
	}
	return out, nil
}

// Document returns a registered document type.
func (c *Catalogue) Document(documentID string) (*DocumentType, bool) {
	doc, ok := c.documents[documentID]
	return doc, ok
}

// Documents returns all document types sorted by ID.
func (c *Catalogue) Documents() []*DocumentType {
	out := make([]*DocumentType, 0, len(c.documents))
	for _, d := range c.documents {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sections returns every section in load order.
func (c *Catalogue) Sections() []*Section {
	out := make([]*Section, len(c.order))
	for i, key := range c.order {
		out[i] = c.sections[key]
	}
	return out
}

// Len returns the number of sections.
func (c *Catalogue) Len() int {
	return len(c.order)
}

// Version is a stable hash over every file that made up the library.
func (c *Catalogue) Version() string {
	return c.version
}
