// Package prompt turns a section template and enterprise data into the text
// handed to the LLM provider. Building is pure: the same section and data
// always produce byte-identical prompts, and no generation parameter is ever
// written into the prompt body.
package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/c360studio/envdraft/enterprise"
	"github.com/c360studio/envdraft/template"
)

// DefaultMissingValue is substituted for variables absent from the data.
const DefaultMissingValue = "未提供"

// SystemRole names the drafting domain and the regulations the author is
// presumed to know.
const SystemRole = "你是一名资深的环境影响评价与突发环境事件应急管理工程师，" +
	"熟悉《中华人民共和国环境保护法》《突发环境事件应急管理办法》、" +
	"《企业突发环境事件风险分级方法》（HJ 941-2018）、" +
	"《建设项目环境风险评价技术导则》（HJ 169-2018）以及" +
	"《企业事业单位突发环境事件应急预案备案管理办法（试行）》，" +
	"请以正式、客观、可供备案审查的书面语撰写文件章节。"

// ValidationError reports a required variable whose path cannot be resolved
// because an intermediate value is not a mapping.
type ValidationError struct {
	Section string
	Field   string
	Reason  string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("section %s: variable %s: %s", e.Section, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Prompt is a built prompt plus the inputs that produced it.
type Prompt struct {
	Section  template.Key      `json:"section"`
	Strategy template.Strategy `json:"strategy"`
	Title    string            `json:"title"`

	// EnterpriseName is used by degraded-mode stubs; empty when unresolvable.
	EnterpriseName string `json:"enterprise_name,omitempty"`

	// System is the system-role block; empty for deterministic strategies.
	System string `json:"system,omitempty"`
	// User carries the remaining blocks.
	User string `json:"user"`

	Bindings []enterprise.Binding `json:"bindings,omitempty"`
}

// String returns the full prompt text: System and User separated by a blank
// line.
func (p *Prompt) String() string {
	if p.System == "" {
		return p.User
	}
	return p.System + "\n\n" + p.User
}

// Missing returns the names of variables that fell back to the missing value.
func (p *Prompt) Missing() []string {
	var out []string
	for _, b := range p.Bindings {
		if b.Missing {
			out = append(out, b.Name)
		}
	}
	return out
}

// Builder builds prompts. The zero value uses DefaultMissingValue and
// SystemRole.
type Builder struct {
	MissingValue string
	System       string
}

// NewBuilder returns a builder substituting missingValue for absent data.
func NewBuilder(missingValue string) *Builder {
	return &Builder{MissingValue: missingValue}
}

func (b *Builder) missing() string {
	if b == nil || b.MissingValue == "" {
		return DefaultMissingValue
	}
	return b.MissingValue
}

func (b *Builder) system() string {
	if b == nil || b.System == "" {
		return SystemRole
	}
	return b.System
}

// instruction is the serialised form of a variable_filled prompt. Map keys
// are emitted sorted by encoding/json, so the output is deterministic.
type instruction struct {
	Template  string            `json:"template"`
	Variables map[string]string `json:"variables"`
}

// Build constructs the prompt for section s.
func (b *Builder) Build(s *template.Section, data enterprise.Data) (*Prompt, error) {
	p := &Prompt{
		Section:        s.Key,
		Strategy:       s.Strategy,
		Title:          s.Title,
		EnterpriseName: data.Name(),
	}

	if s.Strategy == template.StrategyFixed {
		p.User = s.TemplateText
		return p, nil
	}

	bindings, err := b.project(s, data)
	if err != nil {
		return nil, err
	}
	p.Bindings = bindings

	switch s.Strategy {
	case template.StrategyVariableFilled:
		vars := make(map[string]string, len(bindings))
		for _, bd := range bindings {
			vars[bd.Name] = bd.Value
		}
		raw, err := json.Marshal(instruction{Template: s.TemplateText, Variables: vars})
		if err != nil {
			return nil, fmt.Errorf("marshal instruction: %w", err)
		}
		p.User = string(raw)

	case template.StrategyAIWritten, template.StrategyHybrid:
		p.System = b.system()

		var sb strings.Builder
		sb.WriteString("## 任务：")
		sb.WriteString(s.Title)
		sb.WriteString("\n\n")
		sb.WriteString(strings.TrimSpace(s.Guidance))
		sb.WriteString("\n\n## 企业信息\n")
		if len(bindings) == 0 {
			sb.WriteString("（无）\n")
		}
		for _, bd := range bindings {
			sb.WriteString(bd.Name)
			sb.WriteString(": ")
			sb.WriteString(bd.Value)
			sb.WriteString("\n")
		}
		if s.Strategy == template.StrategyHybrid {
			sb.WriteString("\n## 本节开头（已由系统填写，请紧接其后续写，不要重复）\n")
			sb.WriteString(fill(s.TemplateText, bindings, data, b.missing()))
			sb.WriteString("\n")
		}
		p.User = strings.TrimRight(sb.String(), "\n")

	default:
		return nil, fmt.Errorf("section %s: unknown strategy %q", s.Key, s.Strategy)
	}
	return p, nil
}

// Render produces the locally substituted text of a section: the template
// verbatim for fixed sections and the filled template for variable_filled
// and hybrid ones. ai_written sections render to the empty string.
func (b *Builder) Render(s *template.Section, data enterprise.Data) (string, []enterprise.Binding, error) {
	switch s.Strategy {
	case template.StrategyFixed:
		return s.TemplateText, nil, nil
	case template.StrategyAIWritten:
		return "", nil, nil
	}
	bindings, err := b.project(s, data)
	if err != nil {
		return "", nil, err
	}
	return fill(s.TemplateText, bindings, data, b.missing()), bindings, nil
}

// Corrective returns a copy of p whose user block asks the model to fix the
// violations listed in feedback.
func Corrective(p *Prompt, feedback string) *Prompt {
	out := *p
	out.Bindings = append([]enterprise.Binding(nil), p.Bindings...)
	if feedback = strings.TrimSpace(feedback); feedback != "" {
		out.User = p.User + "\n\n" + feedback
	}
	return &out
}

func (b *Builder) project(s *template.Section, data enterprise.Data) ([]enterprise.Binding, error) {
	bindings, err := data.Project(s.InputVars, b.missing())
	if err != nil {
		var pe *enterprise.PathError
		if errors.As(err, &pe) {
			return nil, &ValidationError{Section: s.Key.String(), Field: pe.Path, Reason: "cannot descend into non-mapping value", Err: err}
		}
		return nil, err
	}
	return bindings, nil
}

// fill substitutes placeholders from bindings. Names outside the bindings are
// resolved against data directly so a stray placeholder never leaks through.
func fill(text string, bindings []enterprise.Binding, data enterprise.Data, missing string) string {
	values := make(map[string]string, len(bindings))
	for _, bd := range bindings {
		values[bd.Name] = bd.Value
	}
	return template.ReplacePlaceholders(text, func(name string) string {
		if v, ok := values[name]; ok {
			return v
		}
		if v, ok, err := data.Lookup(name); err == nil && ok {
			return enterprise.Format(v)
		}
		return missing
	})
}
