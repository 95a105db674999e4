package export

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/envdraft/assembler"
	"github.com/c360studio/envdraft/generator"
)

const sampleHTML = `<!DOCTYPE html><html lang="zh-CN"><head><meta charset="utf-8"/><title>突发环境事件应急预案</title></head><body>` +
	`<article class="envdraft-document" data-document-type="emergency_plan" data-generated-at="2026-03-01T09:00:00Z">` +
	`<h1>突发环境事件应急预案</h1>` +
	`<nav class="toc"><ol><li><a href="#chap-1">第1章 总则</a><ol><li><a href="#sec-1-1.1">1.1 编制目的</a></li></ol></li></ol></nav>` +
	`<section class="chapter" id="chap-1"><h2>第1章 总则</h2>` +
	`<section class="section" id="sec-1-1.1" data-section="1/1.1"><h3>1.1 编制目的</h3><div class="content"><p>为规范应急管理工作，特编制本预案。</p></div></section>` +
	`<section class="section" id="sec-1-1.2" data-section="1/1.2"><h3>1.2 企业概况</h3>` +
	`<aside class="provenance" data-section="1/1.2" data-strategy="ai_written" data-cached="true" data-score="95" data-outcome="ok"></aside>` +
	`<div class="content"><p>ACME 位于苏州。</p><table><thead><tr><th>物质</th><th>储量</th></tr></thead><tbody><tr><td>液氯</td><td>5 t</td></tr></tbody></table></div></section>` +
	`<section class="section fallback" id="sec-1-1.3" data-section="1/1.3"><h3>1.3 风险物质</h3>` +
	`<aside class="provenance" data-section="1/1.3" data-strategy="hybrid" data-cached="false" data-score="100" data-outcome="degraded" data-error-kind="quota_denied"></aside>` +
	`<div class="content"><p>【待补充】本节“风险物质”未能自动生成。</p></div></section>` +
	`</section></article></body></html>`

func TestParseProvenance(t *testing.T) {
	markers, err := ParseProvenance(sampleHTML)
	require.NoError(t, err)
	require.Len(t, markers, 2)

	assert.Equal(t, Marker{
		Section:  "1/1.2",
		Strategy: "ai_written",
		Cached:   true,
		Score:    95,
		Outcome:  "ok",
	}, markers[0])

	assert.Equal(t, "1/1.3", markers[1].Section)
	assert.Equal(t, "degraded", markers[1].Outcome)
	assert.Equal(t, "quota_denied", markers[1].ErrorKind)
	assert.True(t, markers[1].Fallback)
	assert.False(t, markers[1].Cached)
}

func TestToMarkdown(t *testing.T) {
	out, err := ToMarkdown(sampleHTML)
	require.NoError(t, err)

	assert.Contains(t, out, "# 突发环境事件应急预案")
	assert.Contains(t, out, "## 第1章 总则")
	assert.Contains(t, out, "### 1.1 编制目的")
	assert.Contains(t, out, "为规范应急管理工作，特编制本预案。")
	assert.Contains(t, out, "液氯")
	assert.Contains(t, out, "【待补充】")
	assert.NotContains(t, out, "provenance")
	assert.NotContains(t, out, "#sec-1-1.1", "table of contents is dropped")
	assert.NotContains(t, out, "\n\n\n")
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
	}{
		{"html", FormatHTML},
		{".md", FormatMarkdown},
		{"md", FormatMarkdown},
		{"Markdown", FormatMarkdown},
		{"json", FormatJSON},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseFormat("docx")
	assert.Error(t, err)
}

func TestWrite(t *testing.T) {
	doc := &assembler.Document{
		ID:    "d1",
		Type:  "emergency_plan",
		Title: "突发环境事件应急预案",
		HTML:  sampleHTML,
		Provenance: []generator.Summary{
			{Section: "1/1.2", Outcome: generator.OutcomeOK, Score: 95},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, doc, FormatHTML))
	assert.Equal(t, sampleHTML, buf.String())

	buf.Reset()
	require.NoError(t, Write(&buf, doc, FormatJSON))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "emergency_plan", decoded["document_type"])
	assert.Len(t, decoded["provenance"], 1)

	buf.Reset()
	require.NoError(t, Write(&buf, doc, FormatMarkdown))
	assert.Contains(t, buf.String(), "# 突发环境事件应急预案")

	assert.Error(t, Write(&buf, doc, Format("pdf")))
}

func TestFormatRegistry(t *testing.T) {
	for name, info := range FormatRegistry {
		assert.Equal(t, name, info.Name)
		assert.NotEmpty(t, info.MIMEType)
		assert.NotEmpty(t, info.Extension)
	}
	_, ok := GetFormatInfo(FormatMarkdown)
	assert.True(t, ok)
}
