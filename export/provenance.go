package export

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/c360studio/envdraft/assembler"
)

// Marker is one provenance marker read back from assembled HTML.
type Marker struct {
	Section   string `json:"section"`
	Strategy  string `json:"strategy"`
	Cached    bool   `json:"cached"`
	Score     int    `json:"score"`
	Outcome   string `json:"outcome"`
	ErrorKind string `json:"error_kind,omitempty"`
	Fallback  bool   `json:"fallback,omitempty"`
}

// ParseProvenance extracts the provenance markers of an assembled document in
// document order. Fixed sections carry no marker and are not reported.
func ParseProvenance(document string) ([]Marker, error) {
	doc, err := html.Parse(strings.NewReader(document))
	if err != nil {
		return nil, err
	}

	var markers []Marker
	var walk func(n *html.Node, fallback bool)
	walk = func(n *html.Node, fallback bool) {
		if n.Type == html.ElementNode {
			if n.Data == "section" && hasClass(n, assembler.ClassSection) {
				fallback = hasClass(n, assembler.ClassFallback)
			}
			if n.Data == "aside" && hasClass(n, assembler.ClassProvenance) {
				markers = append(markers, markerFrom(n, fallback))
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, fallback)
		}
	}
	walk(doc, false)
	return markers, nil
}

func markerFrom(n *html.Node, fallback bool) Marker {
	m := Marker{
		Section:   attr(n, assembler.AttrSection),
		Strategy:  attr(n, assembler.AttrStrategy),
		Outcome:   attr(n, assembler.AttrOutcome),
		ErrorKind: attr(n, assembler.AttrErrorKind),
		Fallback:  fallback,
	}
	m.Cached, _ = strconv.ParseBool(attr(n, assembler.AttrCached))
	m.Score, _ = strconv.Atoi(attr(n, assembler.AttrScore))
	return m
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}
