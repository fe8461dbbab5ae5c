// Package chunker produces bounded, context-enriched chunks from normalized
// pages, treating tabular structure as a first-class unit: no table row is
// ever split across chunks, and tables spanning page breaks are reassembled
// into one logical table.
package chunker

import (
	"strings"

	"github.com/trestle-ai/trestle/internal/models"
)

// Config bounds text chunk sizes. Text chunks never exceed
// MaxChunkSize + Overlap characters; table chunks are exempt.
type Config struct {
	MaxChunkSize int
	Overlap      int
}

// ContinuationPolicy decides whether a table opening a page continues the
// table that closed the previous page. The exact heuristic is tunable, not a
// fixed law.
type ContinuationPolicy func(prev, next *models.TableBlock) bool

// DefaultContinuationPolicy merges when the previous page's table ran to the
// page break and the new page opens with a headerless table of the same
// column count.
func DefaultContinuationPolicy(prev, next *models.TableBlock) bool {
	if prev == nil || next == nil {
		return false
	}
	return prev.ContinuesOnNext && next.ContinuesFromPrevious && prev.Columns() == next.Columns()
}

// Chunker walks a document's page stream and emits ordered chunks.
type Chunker struct {
	cfg    Config
	policy ContinuationPolicy
}

func New(cfg Config) *Chunker {
	return NewWithPolicy(cfg, DefaultContinuationPolicy)
}

func NewWithPolicy(cfg Config, policy ContinuationPolicy) *Chunker {
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = 1500
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if policy == nil {
		policy = DefaultContinuationPolicy
	}
	return &Chunker{cfg: cfg, policy: policy}
}

type heading struct {
	text  string
	level int
}

// tableAcc accumulates one logical table, possibly across page breaks.
type tableAcc struct {
	header    [][]string
	rows      [][]string
	raws      []string
	startPage int
	endPage   int
	malformed bool
	heading   []string
	last      *models.TableBlock
}

type chunkRun struct {
	cfg      Config
	policy   ContinuationPolicy
	docID    string
	stack    []heading
	buf      strings.Builder
	bufPath  []string
	bufStart int
	bufEnd   int
	open     *tableAcc
	pos      int
	out      []models.Chunk
}

// Chunk converts the ordered page sequence of one document into chunks.
// Malformed tables degrade to table_degraded text chunks rather than
// failing the document.
func (c *Chunker) Chunk(documentID string, pages []*models.Page) []models.Chunk {
	s := c.NewStream(documentID)
	var out []models.Chunk
	for _, page := range pages {
		out = append(out, s.Push(page)...)
	}
	return append(out, s.Close()...)
}

// Stream chunks a page sequence incrementally: Push returns the chunks that
// closed while processing the page, letting the ingestion pipeline record
// progress page by page. A chunk held open across a page break (an unclosed
// table, an unfilled prose buffer) is only emitted by a later Push or Close.
type Stream struct {
	run *chunkRun
}

// NewStream starts an incremental chunking run for one document.
func (c *Chunker) NewStream(documentID string) *Stream {
	return &Stream{run: &chunkRun{cfg: c.cfg, policy: c.policy, docID: documentID}}
}

// Push feeds the next page and returns the chunks it closed.
func (s *Stream) Push(page *models.Page) []models.Chunk {
	r := s.run
	mark := len(r.out)

	if page.Empty() {
		return nil // heading stack survives blank pages
	}
	idx := 0
	if r.open != nil {
		if tbl := firstTable(page); tbl != nil && r.policy(r.open.last, tbl) {
			r.open.append(tbl, page.Number)
			idx = 1
			// The merged table closes here unless it is also this page's
			// last element and runs to the page break.
			if !(len(page.Elements) == 1 && tbl.ContinuesOnNext) {
				r.emitTable(r.open)
				r.open = nil
			}
		} else {
			r.emitTable(r.open)
			r.open = nil
		}
	}
	for ; idx < len(page.Elements); idx++ {
		el := page.Elements[idx]
		if el.Span != nil {
			r.addSpan(el.Span, page.Number)
			continue
		}
		r.flushProse()
		tbl := el.Table
		acc := newTableAcc(tbl, page.Number, r.path())
		if idx == len(page.Elements)-1 && tbl.ContinuesOnNext {
			r.open = acc // hold across the page break
		} else {
			r.emitTable(acc)
		}
	}

	return r.out[mark:]
}

// Close ends the document: any open table closes unconditionally and the
// remaining prose flushes.
func (s *Stream) Close() []models.Chunk {
	r := s.run
	mark := len(r.out)
	if r.open != nil {
		r.emitTable(r.open)
		r.open = nil
	}
	r.flushProse()
	return r.out[mark:]
}

func firstTable(page *models.Page) *models.TableBlock {
	if len(page.Elements) == 0 {
		return nil
	}
	return page.Elements[0].Table
}

// addSpan accumulates prose, updating the heading stack on heading spans and
// cutting when the buffer exceeds the size bound.
func (r *chunkRun) addSpan(span *models.TextSpan, pageNum int) {
	if span.Kind == models.SpanHeading {
		r.pushHeading(span)
	}
	if r.buf.Len() == 0 {
		r.bufPath = r.path()
		r.bufStart = pageNum
	} else {
		r.buf.WriteString("\n\n")
	}
	r.bufEnd = pageNum
	r.buf.WriteString(span.Text)

	for r.buf.Len() > r.cfg.MaxChunkSize {
		r.cutProse(pageNum)
	}
}

// cutProse emits the first MaxChunkSize characters (preferring a whitespace
// boundary) and seeds the remainder with the trailing Overlap characters.
func (r *chunkRun) cutProse(pageNum int) {
	text := r.buf.String()
	cut := r.cfg.MaxChunkSize
	if i := strings.LastIndexAny(text[:cut], " \n\t"); i > cut/2 {
		cut = i
	}
	emitted := text[:cut]
	rest := strings.TrimLeft(text[cut:], " \n\t")

	r.emitText(emitted, r.bufStart, pageNum)

	overlap := emitted
	if len(overlap) > r.cfg.Overlap {
		overlap = overlap[len(overlap)-r.cfg.Overlap:]
	}
	r.buf.Reset()
	r.buf.WriteString(overlap)
	if rest != "" {
		r.buf.WriteString(rest)
	}
	r.bufPath = r.path()
	r.bufStart = pageNum
	r.bufEnd = pageNum
}

// flushProse emits whatever prose remains, without carrying overlap.
func (r *chunkRun) flushProse() {
	text := strings.TrimSpace(r.buf.String())
	r.buf.Reset()
	if text == "" {
		return
	}
	r.emitText(text, r.bufStart, r.bufEnd)
}

func (r *chunkRun) emitText(text string, startPage, endPage int) {
	r.out = append(r.out, models.Chunk{
		ID:          models.ChunkID(r.docID, startPage, endPage, text),
		DocumentID:  r.docID,
		Type:        models.ChunkTypeText,
		StartPage:   startPage,
		EndPage:     endPage,
		HeadingPath: r.bufPath,
		Text:        text,
		Length:      len(text),
		Position:    r.pos,
	})
	r.pos++
}

func newTableAcc(tbl *models.TableBlock, pageNum int, path []string) *tableAcc {
	acc := &tableAcc{startPage: pageNum, endPage: pageNum, heading: path, last: tbl}
	acc.header = tbl.Header
	acc.rows = append(acc.rows, tbl.Rows...)
	acc.raws = append(acc.raws, tbl.Raw)
	acc.malformed = tbl.Malformed
	return acc
}

func (a *tableAcc) append(tbl *models.TableBlock, pageNum int) {
	a.rows = append(a.rows, tbl.Rows...)
	a.raws = append(a.raws, tbl.Raw)
	a.endPage = pageNum
	a.malformed = a.malformed || tbl.Malformed
	a.last = tbl
}

// emitTable closes a logical table. Malformed grids degrade to a text chunk
// of the raw cell text. An oversized table is split on row boundaries with
// the header rows duplicated into every part; a table chunk without its
// header is not interpretable.
func (r *chunkRun) emitTable(acc *tableAcc) {
	if acc.malformed {
		text := strings.TrimSpace(strings.Join(acc.raws, "\n"))
		if text == "" {
			return
		}
		r.out = append(r.out, models.Chunk{
			ID:          models.ChunkID(r.docID, acc.startPage, acc.endPage, text),
			DocumentID:  r.docID,
			Type:        models.ChunkTypeTableDegraded,
			StartPage:   acc.startPage,
			EndPage:     acc.endPage,
			HeadingPath: acc.heading,
			Text:        text,
			Length:      len(text),
			Position:    r.pos,
		})
		r.pos++
		return
	}

	for _, rows := range splitRows(acc.header, acc.rows, r.cfg.MaxChunkSize) {
		text := renderTable(acc.header, rows)
		r.out = append(r.out, models.Chunk{
			ID:          models.ChunkID(r.docID, acc.startPage, acc.endPage, text),
			DocumentID:  r.docID,
			Type:        models.ChunkTypeTable,
			StartPage:   acc.startPage,
			EndPage:     acc.endPage,
			HeadingPath: acc.heading,
			Text:        text,
			Length:      len(text),
			Position:    r.pos,
		})
		r.pos++
	}
}

// splitRows groups body rows so each part renders within maxSize. A part
// always holds at least one row: rows are never split, so a single oversized
// row stays whole and the part exceeds the bound.
func splitRows(header [][]string, rows [][]string, maxSize int) [][][]string {
	if len(rows) == 0 {
		return [][][]string{nil}
	}
	base := len(renderTable(header, nil))

	var parts [][][]string
	var part [][]string
	size := base
	for _, row := range rows {
		rowLen := len(renderRow(row)) + 1
		if len(part) > 0 && size+rowLen > maxSize {
			parts = append(parts, part)
			part = nil
			size = base
		}
		part = append(part, row)
		size += rowLen
	}
	if len(part) > 0 {
		parts = append(parts, part)
	}
	return parts
}

func renderTable(header [][]string, rows [][]string) string {
	var b strings.Builder
	cols := 0
	for _, h := range header {
		b.WriteString(renderRow(h))
		b.WriteString("\n")
		if len(h) > cols {
			cols = len(h)
		}
	}
	if cols > 0 {
		b.WriteString("|")
		b.WriteString(strings.Repeat(" --- |", cols))
		b.WriteString("\n")
	}
	for _, row := range rows {
		b.WriteString(renderRow(row))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderRow(cells []string) string {
	return "| " + strings.Join(cells, " | ") + " |"
}

// pushHeading pops ancestors at or below the new heading's level, then
// pushes it.
func (r *chunkRun) pushHeading(span *models.TextSpan) {
	level := span.Level
	if level <= 0 {
		level = 1
	}
	for len(r.stack) > 0 && r.stack[len(r.stack)-1].level >= level {
		r.stack = r.stack[:len(r.stack)-1]
	}
	r.stack = append(r.stack, heading{text: span.Text, level: level})
}

func (r *chunkRun) path() []string {
	if len(r.stack) == 0 {
		return nil
	}
	out := make([]string, len(r.stack))
	for i, h := range r.stack {
		out[i] = h.text
	}
	return out
}
