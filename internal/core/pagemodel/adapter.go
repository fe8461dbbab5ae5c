// Package pagemodel normalizes raw OCR page output into a uniform structure
// of text spans, table cell grids, and section-heading candidates.
package pagemodel

import (
	"regexp"
	"strings"

	"github.com/trestle-ai/trestle/internal/models"
)

var (
	separatorRe = regexp.MustCompile(`^\|[\s\-:|]+\|?$`)
	hashRe      = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
	numberedRe  = regexp.MustCompile(`^(\d+(?:\.\d+)*)[.)]?\s+(\S.*)$`)
)

// Adapter converts one page of provider markdown into a models.Page. It is
// stateless; continuation flags are derived from the page's own shape, with
// the cross-page decision left to the chunker's policy.
type Adapter struct{}

func New() *Adapter { return &Adapter{} }

// Normalize parses the raw page into ordered elements. Empty OCR output
// yields a page with no elements.
func (a *Adapter) Normalize(raw *models.RawPage) *models.Page {
	page := &models.Page{Number: raw.Number}
	lines := strings.Split(raw.Markdown, "\n")

	var para []string
	flushPara := func() {
		if len(para) == 0 {
			return
		}
		text := strings.TrimSpace(strings.Join(para, "\n"))
		para = nil
		if text == "" {
			return
		}
		page.Elements = append(page.Elements, models.PageElement{
			Span: &models.TextSpan{Kind: models.SpanText, Text: text},
		})
	}

	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])

		switch {
		case line == "":
			flushPara()

		case isTableRow(line):
			flushPara()
			var tableLines []string
			for i < len(lines) && isTableRow(strings.TrimSpace(lines[i])) {
				tableLines = append(tableLines, strings.TrimSpace(lines[i]))
				i++
			}
			i-- // the outer loop advances past the table
			table := parseTable(tableLines)
			table.ContinuesFromPrevious = len(page.Elements) == 0 && len(table.Header) == 0
			page.Elements = append(page.Elements, models.PageElement{Table: table})

		default:
			if text, level, ok := headingCandidate(line); ok {
				flushPara()
				page.Elements = append(page.Elements, models.PageElement{
					Span: &models.TextSpan{Kind: models.SpanHeading, Text: text, Level: level},
				})
			} else {
				para = append(para, line)
			}
		}
	}
	flushPara()

	// A table with no non-table content after it runs to the page break and
	// may continue on the next page.
	if n := len(page.Elements); n > 0 && page.Elements[n-1].Table != nil {
		page.Elements[n-1].Table.ContinuesOnNext = true
	}

	return page
}

func isTableRow(line string) bool {
	return strings.HasPrefix(line, "|") && strings.Count(line, "|") >= 2
}

func isSeparatorRow(line string) bool {
	return separatorRe.MatchString(line) && strings.Contains(line, "-")
}

// parseTable builds a cell grid from consecutive table lines. Rows before a
// markdown separator row form the header. Ragged grids are kept as raw text
// and flagged malformed so the chunker can degrade them.
func parseTable(lines []string) *models.TableBlock {
	t := &models.TableBlock{Raw: strings.Join(lines, "\n")}

	sepIdx := -1
	for i, line := range lines {
		if isSeparatorRow(line) {
			sepIdx = i
			break
		}
	}

	for i, line := range lines {
		if i == sepIdx {
			continue
		}
		cells := splitCells(line)
		if sepIdx > 0 && i < sepIdx {
			t.Header = append(t.Header, cells)
		} else {
			t.Rows = append(t.Rows, cells)
		}
	}

	cols := t.Columns()
	for _, row := range t.Header {
		if len(row) != cols {
			t.Malformed = true
		}
	}
	for _, row := range t.Rows {
		if len(row) != cols {
			t.Malformed = true
		}
	}
	return t
}

func splitCells(line string) []string {
	line = strings.TrimPrefix(line, "|")
	line = strings.TrimSuffix(line, "|")
	parts := strings.Split(line, "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells
}

// headingCandidate detects markdown hash headings and numbered section
// headings like "3.2 Foundations". The heading level is the hash count or
// the number of dotted segments.
func headingCandidate(line string) (text string, level int, ok bool) {
	if m := hashRe.FindStringSubmatch(line); m != nil {
		return strings.TrimSpace(m[2]), len(m[1]), true
	}
	if m := numberedRe.FindStringSubmatch(line); m != nil {
		title := m[2]
		// Numbered headings are short titles, not prose sentences.
		if len(title) <= 80 && !strings.HasSuffix(title, ".") && startsUpper(title) {
			return strings.TrimSpace(m[1] + " " + title), strings.Count(m[1], ".") + 1, true
		}
	}
	return "", 0, false
}

func startsUpper(s string) bool {
	if s == "" {
		return false
	}
	c := s[0]
	return c >= 'A' && c <= 'Z'
}
