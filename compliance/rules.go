// Package compliance validates generated section text against the regulatory
// rule matrix: phrases a section must cover, phrases it must avoid, and
// structural requirements checked by named predicates.
package compliance

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxEntriesPerList bounds each of the three rule lists of a section.
const maxEntriesPerList = 64

// Severity is the enforcement level of a rule.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Kind names the rule list an entry belongs to.
type Kind string

const (
	KindMustCover   Kind = "must_cover"
	KindAvoid       Kind = "avoid"
	KindRequirement Kind = "requirement"
)

// Entry is a single rule. must_cover and avoid entries match Phrase or any of
// AnyOf; requirement entries run the predicate named by Check.
type Entry struct {
	ID       string   `yaml:"id"`
	Phrase   string   `yaml:"phrase"`
	AnyOf    []string `yaml:"any_of"`
	Check    string   `yaml:"check"`
	Arg      string   `yaml:"arg"`
	Severity Severity `yaml:"severity"`
	Message  string   `yaml:"message"`

	patterns []*regexp.Regexp
}

var entryFields = map[string]bool{
	"id": true, "phrase": true, "any_of": true, "check": true,
	"arg": true, "severity": true, "message": true,
}

// UnmarshalYAML accepts either a bare phrase or a full mapping. Unknown keys
// are rejected so typos in the matrix fail the load.
func (e *Entry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		e.Phrase = node.Value
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: rule entry must be a string or mapping", node.Line)
	}
	for i := 0; i < len(node.Content); i += 2 {
		if key := node.Content[i].Value; !entryFields[key] {
			return fmt.Errorf("line %d: unknown rule field %q", node.Content[i].Line, key)
		}
	}
	type plain Entry
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*e = Entry(p)
	return nil
}

// RuleSet holds the three rule lists for one section.
type RuleSet struct {
	MustCover    []Entry `yaml:"must_cover"`
	Avoid        []Entry `yaml:"avoid"`
	Requirements []Entry `yaml:"requirements"`
}

// Len returns the total number of rules.
func (r *RuleSet) Len() int {
	if r == nil {
		return 0
	}
	return len(r.MustCover) + len(r.Avoid) + len(r.Requirements)
}

type matrixFile struct {
	Version  string              `yaml:"version"`
	Sections map[string]*RuleSet `yaml:"sections"`
}

// LoadError reports an invalid rule matrix.
type LoadError struct {
	File   string
	Key    string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	msg := "rule matrix load failed"
	if e.File != "" {
		msg += ": " + e.File
	}
	if e.Key != "" {
		msg += " [" + e.Key + "]"
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error { return e.Err }

// Matrix maps section keys ("chapter/section") to their rules. It is
// immutable once built.
type Matrix struct {
	rules   map[string]*RuleSet
	version string
}

// LoadMatrix reads a rule matrix file. An empty path yields an empty matrix.
func LoadMatrix(path string) (*Matrix, error) {
	if path == "" {
		return NewMatrix(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{File: path, Reason: "read rules file", Err: err}
	}

	var mf matrixFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&mf); err != nil && !errors.Is(err, io.EOF) {
		return nil, &LoadError{File: path, Reason: "parse rules file", Err: err}
	}

	m, err := NewMatrix(mf.Sections)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.File = path
		}
		return nil, err
	}
	sum := sha256.Sum256(data)
	m.version = hex.EncodeToString(sum[:])
	return m, nil
}

// NewMatrix validates rules, applies defaults, and compiles matchers.
func NewMatrix(rules map[string]*RuleSet) (*Matrix, error) {
	m := &Matrix{rules: make(map[string]*RuleSet, len(rules))}

	keys := make([]string, 0, len(rules))
	for k := range rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		rs := rules[key]
		if rs == nil {
			continue
		}
		if !strings.Contains(key, "/") {
			return nil, &LoadError{Key: key, Reason: "section key must be chapter/section"}
		}
		built := &RuleSet{}
		var err error
		if built.MustCover, err = prepare(key, KindMustCover, rs.MustCover); err != nil {
			return nil, err
		}
		if built.Avoid, err = prepare(key, KindAvoid, rs.Avoid); err != nil {
			return nil, err
		}
		if built.Requirements, err = prepare(key, KindRequirement, rs.Requirements); err != nil {
			return nil, err
		}
		m.rules[key] = built
	}
	return m, nil
}

func prepare(section string, kind Kind, entries []Entry) ([]Entry, error) {
	if len(entries) > maxEntriesPerList {
		return nil, &LoadError{Key: section, Reason: fmt.Sprintf("%s has %d entries (max %d)", kind, len(entries), maxEntriesPerList)}
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		e.patterns = nil
		if e.ID == "" {
			e.ID = fmt.Sprintf("%s:%s[%d]", section, kind, i)
		}
		switch e.Severity {
		case "":
			e.Severity = SeverityError
		case SeverityError, SeverityWarning:
		default:
			return nil, &LoadError{Key: e.ID, Reason: fmt.Sprintf("unknown severity %q", e.Severity)}
		}

		if kind == KindRequirement {
			if e.Check == "" {
				return nil, &LoadError{Key: e.ID, Reason: "requirement needs a check"}
			}
			pred, ok := predicates[e.Check]
			if !ok {
				return nil, &LoadError{Key: e.ID, Reason: fmt.Sprintf("unknown check %q", e.Check)}
			}
			if err := pred.validate(e.Arg); err != nil {
				return nil, &LoadError{Key: e.ID, Reason: fmt.Sprintf("check %s", e.Check), Err: err}
			}
			if e.Check == "regex" {
				e.patterns = []*regexp.Regexp{regexp.MustCompile(e.Arg)}
			}
		} else {
			if e.Check != "" {
				return nil, &LoadError{Key: e.ID, Reason: fmt.Sprintf("%s entries take no check", kind)}
			}
			phrases := append([]string{e.Phrase}, e.AnyOf...)
			for _, p := range phrases {
				if strings.TrimSpace(p) == "" {
					continue
				}
				e.patterns = append(e.patterns, regexp.MustCompile(`(?i)`+regexp.QuoteMeta(strings.TrimSpace(p))))
			}
			if len(e.patterns) == 0 {
				return nil, &LoadError{Key: e.ID, Reason: "entry has no phrase"}
			}
		}
		out[i] = e
	}
	return out, nil
}

// RulesFor returns the rules for a section key.
func (m *Matrix) RulesFor(sectionKey string) (*RuleSet, bool) {
	if m == nil {
		return nil, false
	}
	rs, ok := m.rules[sectionKey]
	return rs, ok
}

// Sections returns the keys that carry rules, sorted.
func (m *Matrix) Sections() []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m.rules))
	for k := range m.rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Version is a content hash of the rules file (empty for in-memory matrices).
func (m *Matrix) Version() string {
	if m == nil {
		return ""
	}
	return m.version
}
