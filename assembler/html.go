package assembler

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/c360studio/envdraft/generator"
	"github.com/c360studio/envdraft/template"
)

// Class names and attributes of the rendered skeleton. Downstream parsers
// (export.ParseProvenance) key on these.
const (
	ClassDocument   = "envdraft-document"
	ClassSection    = "section"
	ClassFallback   = "fallback"
	ClassProvenance = "provenance"

	AttrSection   = "data-section"
	AttrStrategy  = "data-strategy"
	AttrCached    = "data-cached"
	AttrScore     = "data-score"
	AttrOutcome   = "data-outcome"
	AttrErrorKind = "data-error-kind"
)

var (
	blockSplitRe = regexp.MustCompile(`\n[ \t]*\n`)
	tableSepRe   = regexp.MustCompile(`^\s*\|?\s*:?-{3,}:?\s*(\|\s*:?-{3,}:?\s*)*\|?\s*$`)
)

// chapterGroup is a run of consecutive sections of one chapter.
type chapterGroup struct {
	chapter string
	title   string
	anchor  string
	records []*generator.Record
}

func groupChapters(records []*generator.Record) []*chapterGroup {
	var groups []*chapterGroup
	seen := make(map[string]int)
	for _, rec := range records {
		ch := rec.Section.Chapter
		if n := len(groups); n > 0 && groups[n-1].chapter == ch {
			groups[n-1].records = append(groups[n-1].records, rec)
			continue
		}
		seen[ch]++
		anchor := "chap-" + ch
		if seen[ch] > 1 {
			anchor += "-" + strconv.Itoa(seen[ch])
		}
		groups = append(groups, &chapterGroup{
			chapter: ch,
			title:   rec.ChapterTitle,
			anchor:  anchor,
			records: []*generator.Record{rec},
		})
	}
	return groups
}

// render builds the document HTML. Everything except the generated-at stamp
// is a function of the document title and the records.
func render(docType, title string, records []*generator.Record, generatedAt time.Time) (string, error) {
	doc := &html.Node{Type: html.DocumentNode}
	doc.AppendChild(&html.Node{Type: html.DoctypeNode, Data: "html"})

	root := elem(atom.Html, "lang", "zh-CN")
	doc.AppendChild(root)

	head := elem(atom.Head)
	head.AppendChild(elem(atom.Meta, "charset", "utf-8"))
	head.AppendChild(withText(elem(atom.Title), title))
	root.AppendChild(head)

	body := elem(atom.Body)
	root.AppendChild(body)

	article := elem(atom.Article,
		"class", ClassDocument,
		"data-document-type", docType,
		"data-generated-at", generatedAt.UTC().Format(time.RFC3339))
	body.AppendChild(article)
	article.AppendChild(withText(elem(atom.H1), title))

	groups := groupChapters(records)
	article.AppendChild(toc(groups))

	for _, g := range groups {
		chapter := elem(atom.Section, "class", "chapter", "id", g.anchor)
		chapter.AppendChild(withText(elem(atom.H2), chapterHeading(g)))
		for _, rec := range g.records {
			chapter.AppendChild(sectionNode(rec))
		}
		article.AppendChild(chapter)
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", err
	}
	buf.WriteByte('\n')
	return buf.String(), nil
}

func toc(groups []*chapterGroup) *html.Node {
	nav := elem(atom.Nav, "class", "toc")
	outer := elem(atom.Ol)
	nav.AppendChild(outer)
	for _, g := range groups {
		li := elem(atom.Li)
		li.AppendChild(withText(elem(atom.A, "href", "#"+g.anchor), chapterHeading(g)))
		inner := elem(atom.Ol)
		for _, rec := range g.records {
			item := elem(atom.Li)
			item.AppendChild(withText(elem(atom.A, "href", "#"+rec.Section.Anchor()), sectionHeading(rec)))
			inner.AppendChild(item)
		}
		li.AppendChild(inner)
		outer.AppendChild(li)
	}
	return nav
}

func chapterHeading(g *chapterGroup) string {
	if g.title == "" {
		return "第" + g.chapter + "章"
	}
	return "第" + g.chapter + "章 " + g.title
}

func sectionHeading(rec *generator.Record) string {
	return rec.Section.Section + " " + rec.Title
}

func sectionNode(rec *generator.Record) *html.Node {
	class := ClassSection
	if rec.Fallback {
		class += " " + ClassFallback
	}
	sec := elem(atom.Section,
		"class", class,
		"id", rec.Section.Anchor(),
		AttrSection, rec.Section.String())
	sec.AppendChild(withText(elem(atom.H3), sectionHeading(rec)))

	if rec.Strategy != template.StrategyFixed {
		sec.AppendChild(provenanceNode(rec))
	}

	content := elem(atom.Div, "class", "content")
	for _, block := range blocks(rec.Text) {
		content.AppendChild(block)
	}
	sec.AppendChild(content)
	return sec
}

func provenanceNode(rec *generator.Record) *html.Node {
	strategy := string(rec.Strategy)
	if strategy == "" {
		strategy = "unknown"
	}
	attrs := []string{
		"class", ClassProvenance,
		AttrSection, rec.Section.String(),
		AttrStrategy, strategy,
		AttrCached, strconv.FormatBool(rec.Cached),
		AttrScore, strconv.Itoa(rec.Score()),
		AttrOutcome, string(rec.Outcome),
	}
	if rec.ErrorKind != "" {
		attrs = append(attrs, AttrErrorKind, string(rec.ErrorKind))
	}
	return elem(atom.Aside, attrs...)
}

// blocks splits text into paragraphs on blank lines. A block whose lines are
// all pipe-delimited rows with a separator line becomes a table; single
// newlines inside a paragraph become <br>.
func blocks(body string) []*html.Node {
	var out []*html.Node
	for _, raw := range blockSplitRe.Split(strings.ReplaceAll(body, "\r\n", "\n"), -1) {
		block := strings.Trim(raw, "\n")
		if strings.TrimSpace(block) == "" {
			continue
		}
		if t := table(block); t != nil {
			out = append(out, t)
			continue
		}
		p := elem(atom.P)
		for i, line := range strings.Split(block, "\n") {
			if i > 0 {
				p.AppendChild(elem(atom.Br))
				p.AppendChild(textNode("\n"))
			}
			p.AppendChild(textNode(line))
		}
		out = append(out, p)
	}
	return out
}

func table(block string) *html.Node {
	lines := strings.Split(block, "\n")
	if len(lines) < 2 || !tableSepRe.MatchString(lines[1]) {
		return nil
	}
	for _, l := range lines {
		if !strings.HasPrefix(strings.TrimSpace(l), "|") {
			return nil
		}
	}

	t := elem(atom.Table)
	thead := elem(atom.Thead)
	thead.AppendChild(row(atom.Th, lines[0]))
	t.AppendChild(thead)

	tbody := elem(atom.Tbody)
	for _, l := range lines[2:] {
		tbody.AppendChild(row(atom.Td, l))
	}
	t.AppendChild(tbody)
	return t
}

func row(cell atom.Atom, line string) *html.Node {
	tr := elem(atom.Tr)
	line = strings.TrimSpace(line)
	line = strings.TrimSuffix(strings.TrimPrefix(line, "|"), "|")
	for _, c := range strings.Split(line, "|") {
		tr.AppendChild(withText(elem(cell), strings.TrimSpace(c)))
	}
	return tr
}

func elem(a atom.Atom, attrs ...string) *html.Node {
	n := &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String()}
	for i := 0; i+1 < len(attrs); i += 2 {
		n.Attr = append(n.Attr, html.Attribute{Key: attrs[i], Val: attrs[i+1]})
	}
	return n
}

func textNode(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

func withText(n *html.Node, s string) *html.Node {
	n.AppendChild(textNode(s))
	return n
}
