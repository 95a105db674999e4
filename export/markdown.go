package export

import (
	"bytes"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
)

var excessiveLinesRe = regexp.MustCompile(`\n{3,}`)

// Converter converts assembled HTML to Markdown. The table of contents and
// provenance markers are dropped; fallback sections keep their stub text.
type Converter struct {
	converter *md.Converter
}

// NewConverter creates a converter with GitHub-flavoured tables.
func NewConverter() *Converter {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &Converter{converter: converter}
}

// Convert returns the Markdown for an assembled document.
func (c *Converter) Convert(document string) (string, error) {
	doc, err := html.Parse(strings.NewReader(document))
	if err != nil {
		return "", err
	}

	root := findElement(doc, "article")
	if root == nil {
		root = findElement(doc, "body")
	}
	if root == nil {
		root = doc
	}
	removeElements(root, "nav", "aside")

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return "", err
	}

	out, err := c.converter.ConvertString(buf.String())
	if err != nil {
		return "", err
	}
	out = excessiveLinesRe.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out) + "\n", nil
}

var defaultConverter = NewConverter()

// ToMarkdown converts assembled HTML with the default converter.
func ToMarkdown(document string) (string, error) {
	return defaultConverter.Convert(document)
}

// findElement returns the first element named tag in document order.
func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

// removeElements detaches every element named in tags.
func removeElements(n *html.Node, tags ...string) {
	drop := make(map[string]bool, len(tags))
	for _, t := range tags {
		drop[t] = true
	}

	var doomed []*html.Node
	var collect func(*html.Node)
	collect = func(node *html.Node) {
		if node.Type == html.ElementNode && drop[node.Data] {
			doomed = append(doomed, node)
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)

	for _, node := range doomed {
		if node.Parent != nil {
			node.Parent.RemoveChild(node)
		}
	}
}
