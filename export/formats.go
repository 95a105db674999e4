// Package export turns assembled documents into the formats consumed by the
// downstream DOCX/PDF renderers: the HTML itself, Markdown, and a JSON
// envelope carrying the provenance list.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/c360studio/envdraft/assembler"
)

// Format names an export format.
type Format string

const (
	FormatHTML     Format = "html"
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
)

// FormatInfo provides metadata about an export format.
type FormatInfo struct {
	// Name is the format identifier.
	Name Format

	// MIMEType is the standard MIME type.
	MIMEType string

	// Extension is the file extension (with dot).
	Extension string

	// Description describes the format.
	Description string
}

// FormatRegistry contains metadata for all supported formats.
var FormatRegistry = map[Format]FormatInfo{
	FormatHTML: {
		Name:        FormatHTML,
		MIMEType:    "text/html; charset=utf-8",
		Extension:   ".html",
		Description: "Assembled HTML with section anchors and provenance markers",
	},
	FormatMarkdown: {
		Name:        FormatMarkdown,
		MIMEType:    "text/markdown; charset=utf-8",
		Extension:   ".md",
		Description: "GitHub-flavoured Markdown for DOCX/PDF conversion",
	},
	FormatJSON: {
		Name:        FormatJSON,
		MIMEType:    "application/json",
		Extension:   ".json",
		Description: "Document envelope with HTML and structured provenance",
	},
}

// GetFormatInfo returns metadata for a format.
func GetFormatInfo(format Format) (FormatInfo, bool) {
	info, ok := FormatRegistry[format]
	return info, ok
}

// ParseFormat resolves a format name or file extension.
func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for name, info := range FormatRegistry {
		if s == string(name) || s == info.Extension || "."+s == info.Extension {
			return name, nil
		}
	}
	return "", fmt.Errorf("unknown export format %q (supported: %s)", s, strings.Join(formatNames(), ", "))
}

func formatNames() []string {
	names := make([]string, 0, len(FormatRegistry))
	for name := range FormatRegistry {
		names = append(names, string(name))
	}
	sort.Strings(names)
	return names
}

// Write renders doc in format to w.
func Write(w io.Writer, doc *assembler.Document, format Format) error {
	switch format {
	case FormatHTML:
		_, err := io.WriteString(w, doc.HTML)
		return err
	case FormatMarkdown:
		md, err := ToMarkdown(doc.HTML)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, md)
		return err
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(doc)
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
}
