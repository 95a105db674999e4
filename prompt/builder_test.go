package prompt

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/envdraft/enterprise"
	"github.com/c360studio/envdraft/template"
)

func section(strategy template.Strategy) *template.Section {
	s := &template.Section{
		Key:      template.Key{Chapter: "2", Section: "2.1"},
		Title:    "企业基本情况",
		Strategy: strategy,
	}
	switch strategy {
	case template.StrategyFixed:
		s.TemplateText = "A"
	case template.StrategyVariableFilled:
		s.TemplateText = "Name: {{name}}; City: {{city}}"
		s.InputVars = []string{"name", "city"}
	case template.StrategyAIWritten:
		s.Guidance = "describe overview"
		s.InputVars = []string{"enterprise_name", "address.city"}
	case template.StrategyHybrid:
		s.TemplateText = "{{enterprise_name}}位于{{address.city}}。"
		s.Guidance = "继续描述周边环境敏感目标"
		s.InputVars = []string{"enterprise_name", "address.city"}
	}
	return s
}

func TestBuild_Fixed(t *testing.T) {
	p, err := NewBuilder("").Build(section(template.StrategyFixed), enterprise.Data{"name": "ACME"})
	require.NoError(t, err)
	assert.Equal(t, "A", p.String())
	assert.Empty(t, p.System)
	assert.Empty(t, p.Bindings)
}

func TestBuild_VariableFilled(t *testing.T) {
	p, err := NewBuilder("").Build(section(template.StrategyVariableFilled), enterprise.Data{"name": "ACME"})
	require.NoError(t, err)

	var in instruction
	require.NoError(t, json.Unmarshal([]byte(p.User), &in))
	assert.Equal(t, "Name: {{name}}; City: {{city}}", in.Template)
	assert.Equal(t, map[string]string{"name": "ACME", "city": "未提供"}, in.Variables)
	assert.Equal(t, []string{"city"}, p.Missing())
}

func TestBuild_AIWrittenBlocks(t *testing.T) {
	data := enterprise.Data{"enterprise_name": "ACME", "address": map[string]any{"city": "Suzhou"}}
	p, err := NewBuilder("").Build(section(template.StrategyAIWritten), data)
	require.NoError(t, err)

	assert.Equal(t, SystemRole, p.System)
	assert.Equal(t, "ACME", p.EnterpriseName)

	want := "## 任务：企业基本情况\n\n" +
		"describe overview\n\n" +
		"## 企业信息\n" +
		"enterprise_name: ACME\n" +
		"address.city: Suzhou"
	assert.Equal(t, want, p.User)
	assert.True(t, strings.HasPrefix(p.String(), SystemRole+"\n\n## 任务："))

	for _, param := range []string{"temperature", "max_tokens", "top_p"} {
		assert.NotContains(t, p.String(), param)
	}
}

func TestBuild_AIWrittenMissingVariable(t *testing.T) {
	p, err := NewBuilder("N/A").Build(section(template.StrategyAIWritten), enterprise.Data{})
	require.NoError(t, err)
	assert.Contains(t, p.User, "enterprise_name: N/A\naddress.city: N/A")
	assert.Equal(t, []string{"enterprise_name", "address.city"}, p.Missing())
}

func TestBuild_HybridCarriesFilledOpening(t *testing.T) {
	data := enterprise.Data{"enterprise_name": "ACME", "address": map[string]any{"city": "Suzhou"}}
	p, err := NewBuilder("").Build(section(template.StrategyHybrid), data)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(p.User, "ACME位于Suzhou。"))
	assert.Contains(t, p.User, "继续描述周边环境敏感目标")
}

func TestBuild_Deterministic(t *testing.T) {
	b := NewBuilder("")
	a := enterprise.Data{"enterprise_name": "ACME", "address": map[string]any{"city": "Suzhou", "zip": "215000"}, "x": 1}
	c := enterprise.Data{"x": 2, "address": map[string]any{"zip": "215000", "city": "Suzhou"}, "enterprise_name": "ACME"}

	for _, st := range []template.Strategy{template.StrategyFixed, template.StrategyVariableFilled, template.StrategyAIWritten, template.StrategyHybrid} {
		p1, err := b.Build(section(st), a)
		require.NoError(t, err)
		p2, err := b.Build(section(st), a)
		require.NoError(t, err)
		assert.Equal(t, p1.String(), p2.String(), st)

		if st != template.StrategyVariableFilled {
			p3, err := b.Build(section(st), c)
			require.NoError(t, err)
			assert.Equal(t, p1.String(), p3.String(), st)
		}
	}
}

func TestBuild_NonMappingIntermediate(t *testing.T) {
	_, err := NewBuilder("").Build(section(template.StrategyAIWritten), enterprise.Data{"address": "Suzhou"})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "address.city", ve.Field)
	assert.Equal(t, "2/2.1", ve.Section)
}

func TestRender(t *testing.T) {
	b := NewBuilder("")
	s := section(template.StrategyVariableFilled)

	text, _, err := b.Render(s, enterprise.Data{"name": "ACME", "city": "Suzhou"})
	require.NoError(t, err)
	assert.Equal(t, "Name: ACME; City: Suzhou", text)

	text, bindings, err := b.Render(s, enterprise.Data{"name": "ACME"})
	require.NoError(t, err)
	assert.Equal(t, "Name: ACME; City: 未提供", text)
	assert.True(t, bindings[1].Missing)

	text, _, err = b.Render(section(template.StrategyFixed), nil)
	require.NoError(t, err)
	assert.Equal(t, "A", text)

	text, _, err = b.Render(section(template.StrategyAIWritten), nil)
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestCorrective(t *testing.T) {
	p := &Prompt{System: "sys", User: "task", Bindings: []enterprise.Binding{{Name: "a", Value: "1"}}}
	c := Corrective(p, "## 合规校验未通过\n\n- “缺少必备内容”\n")

	assert.Equal(t, "task\n\n## 合规校验未通过\n\n- “缺少必备内容”", c.User)
	assert.Equal(t, "task", p.User)
	assert.Equal(t, "sys", c.System)

	assert.Equal(t, "task", Corrective(p, "  ").User)
}
