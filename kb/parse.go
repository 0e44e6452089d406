package kb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Section is one heading-delimited block of a parsed knowledge document.
type Section struct {
	Heading string
	Ref     string // section label, e.g. "2.1" or "Refunds"
	Content string
}

// parseFile dispatches on file extension. Markdown and plain text are
// parsed natively; PDFs go through text extraction.
func parseFile(path string) ([]Section, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	switch ext {
	case "md", "markdown":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading markdown file: %w", err)
		}
		return parseMarkdown(string(data), filepath.Base(path)), nil
	case "txt":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading text file: %w", err)
		}
		return parseText(string(data), filepath.Base(path)), nil
	case "pdf":
		return parsePDF(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

// parseMarkdown splits markdown into sections at heading lines. Content
// before the first heading becomes a preamble section titled after the file.
func parseMarkdown(text, filename string) []Section {
	lines := strings.Split(text, "\n")
	var sections []Section
	heading := filename
	ref := ""
	var body strings.Builder

	flush := func() {
		content := strings.TrimSpace(body.String())
		if content != "" {
			sections = append(sections, Section{Heading: heading, Ref: ref, Content: content})
		}
		body.Reset()
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			flush()
			heading = strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			ref = sectionRef(heading)
			continue
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	flush()
	return sections
}

// parseText returns the whole file as a single section titled after the file.
func parseText(text, filename string) []Section {
	content := strings.TrimSpace(text)
	if content == "" {
		return nil
	}
	return []Section{{Heading: filename, Content: content}}
}

// parsePDF extracts per-page plain text and splits it at likely heading
// lines (all-caps lines, numbered section labels).
func parsePDF(path string) ([]Section, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	var sections []Section
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages that fail to extract
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		sections = append(sections, splitPageSections(text)...)
	}
	if len(sections) == 0 {
		return nil, fmt.Errorf("%w: no extractable text in %s", ErrParsingFailed, filepath.Base(path))
	}
	return sections, nil
}

func splitPageSections(text string) []Section {
	lines := strings.Split(text, "\n")
	var sections []Section
	heading := ""
	var body strings.Builder

	flush := func() {
		content := strings.TrimSpace(body.String())
		if content != "" {
			sections = append(sections, Section{Heading: heading, Ref: sectionRef(heading), Content: content})
		}
		body.Reset()
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if isLikelyHeading(trimmed) {
			flush()
			heading = trimmed
			continue
		}
		body.WriteString(trimmed)
		body.WriteString("\n")
	}
	flush()

	if len(sections) == 0 {
		sections = append(sections, Section{Content: text})
	}
	return sections
}

func isLikelyHeading(line string) bool {
	if len(line) > 120 {
		return false
	}
	// All caps and short
	if len(line) > 2 && len(line) < 100 && line == strings.ToUpper(line) && strings.ContainsAny(line, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		return true
	}
	// Numbered section like "1.", "2.3", "4.1.2"
	if line[0] >= '0' && line[0] <= '9' && strings.Contains(line[:min(10, len(line))], ".") {
		return true
	}
	lower := strings.ToLower(line)
	return strings.HasPrefix(lower, "section ") || strings.HasPrefix(lower, "policy ") ||
		strings.HasPrefix(lower, "article ") || strings.HasPrefix(lower, "appendix ")
}

// sectionRef extracts a short label from a heading: the leading numbering if
// present, otherwise the heading itself.
func sectionRef(heading string) string {
	if heading == "" {
		return ""
	}
	first := strings.Fields(heading)[0]
	if first[0] >= '0' && first[0] <= '9' {
		return strings.TrimRight(first, ".")
	}
	return heading
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
