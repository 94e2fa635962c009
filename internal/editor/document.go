package editor

import (
	"strings"
	"unicode/utf8"

	"github.com/rivo/uniseg"
)

const defaultHistoryLimit = 1000

// Pos is a cursor position as a row and a grapheme column within that row.
type Pos struct {
	Row         int
	GraphemeCol int
}

// Selection is a half-open byte range of the document text.
type Selection struct {
	Start int
	End   int
}

func (s Selection) Empty() bool { return s.Start == s.End }

type DocumentOptions struct {
	HistoryLimit int // default: 1000; negative disables history
}

type snapshot struct {
	text   string
	cursor int
	anchor int
}

// Document is the editable text with a cursor and selection. Offsets are byte
// offsets and always sit on a rune boundary.
type Document struct {
	text    string
	version uint64
	cursor  int
	anchor  int

	limit int
	undo  []snapshot
	redo  []snapshot
}

func NewDocument(text string, opt DocumentOptions) *Document {
	limit := opt.HistoryLimit
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	return &Document{text: text, limit: limit}
}

func (d *Document) Text() string { return d.text }

func (d *Document) Len() int { return len(d.text) }

// Version increases on every effective change to text, cursor or selection.
func (d *Document) Version() uint64 { return d.version }

func (d *Document) Cursor() int { return d.cursor }

func (d *Document) SetCursor(offset int) {
	next := d.clamp(offset)
	if next == d.cursor && d.anchor == d.cursor {
		return
	}
	d.cursor = next
	d.anchor = next
	d.version++
}

// Selection returns the normalized selection, or false when it is empty.
func (d *Document) Selection() (Selection, bool) {
	if d.anchor == d.cursor {
		return Selection{Start: d.cursor, End: d.cursor}, false
	}
	if d.anchor < d.cursor {
		return Selection{Start: d.anchor, End: d.cursor}, true
	}
	return Selection{Start: d.cursor, End: d.anchor}, true
}

// SetSelection selects [anchor, cursor); the cursor ends up at cursor.
func (d *Document) SetSelection(anchor, cursor int) {
	a, c := d.clamp(anchor), d.clamp(cursor)
	if a == d.anchor && c == d.cursor {
		return
	}
	d.anchor, d.cursor = a, c
	d.version++
}

// Replace swaps text[start:end] for text and leaves the cursor after the
// inserted text. It reports whether the document changed.
func (d *Document) Replace(start, end int, text string) bool {
	start, end = d.clamp(start), d.clamp(end)
	if end < start {
		start, end = end, start
	}
	if d.text[start:end] == text {
		return false
	}
	d.recordUndo()
	d.text = d.text[:start] + text + d.text[end:]
	d.cursor = start + len(text)
	d.anchor = d.cursor
	d.version++
	return true
}

// Insert replaces the selection, or inserts at the cursor when nothing is
// selected.
func (d *Document) Insert(text string) bool {
	sel, _ := d.Selection()
	return d.Replace(sel.Start, sel.End, text)
}

// SetText replaces the whole text, as a host update does. The cursor and
// selection are kept where possible.
func (d *Document) SetText(text string) bool {
	if text == d.text {
		return false
	}
	d.recordUndo()
	d.text = text
	d.cursor = d.clamp(d.cursor)
	d.anchor = d.clamp(d.anchor)
	d.version++
	return true
}

// Position converts a byte offset to a row and grapheme column.
func (d *Document) Position(offset int) Pos {
	offset = d.clamp(offset)
	head := d.text[:offset]
	row := strings.Count(head, "\n")
	lineStart := strings.LastIndexByte(head, '\n') + 1
	return Pos{Row: row, GraphemeCol: uniseg.GraphemeClusterCount(head[lineStart:])}
}

// Offset converts a position back to a byte offset, clamping rows and
// columns to the document.
func (d *Document) Offset(p Pos) int {
	if p.Row < 0 {
		return 0
	}
	lineStart := 0
	for row := 0; row < p.Row; row++ {
		idx := strings.IndexByte(d.text[lineStart:], '\n')
		if idx < 0 {
			return len(d.text)
		}
		lineStart += idx + 1
	}
	lineEnd := len(d.text)
	if idx := strings.IndexByte(d.text[lineStart:], '\n'); idx >= 0 {
		lineEnd = lineStart + idx
	}
	if p.GraphemeCol <= 0 {
		return lineStart
	}
	g := uniseg.NewGraphemes(d.text[lineStart:lineEnd])
	col := 0
	for g.Next() {
		col++
		_, end := g.Positions()
		if col == p.GraphemeCol {
			return lineStart + end
		}
	}
	return lineEnd
}

func (d *Document) CanUndo() bool { return len(d.undo) > 0 }

func (d *Document) CanRedo() bool { return len(d.redo) > 0 }

func (d *Document) Undo() bool {
	if len(d.undo) == 0 {
		return false
	}
	i := len(d.undo) - 1
	prev := d.undo[i]
	d.undo = d.undo[:i]
	d.redo = append(d.redo, d.snapshot())
	d.restore(prev)
	return true
}

func (d *Document) Redo() bool {
	if len(d.redo) == 0 {
		return false
	}
	i := len(d.redo) - 1
	next := d.redo[i]
	d.redo = d.redo[:i]
	d.pushUndo(d.snapshot())
	d.restore(next)
	return true
}

func (d *Document) snapshot() snapshot {
	return snapshot{text: d.text, cursor: d.cursor, anchor: d.anchor}
}

func (d *Document) restore(s snapshot) {
	d.text = s.text
	d.cursor = d.clamp(s.cursor)
	d.anchor = d.clamp(s.anchor)
	d.version++
}

func (d *Document) recordUndo() {
	d.pushUndo(d.snapshot())
	d.redo = nil
}

func (d *Document) pushUndo(s snapshot) {
	if d.limit <= 0 {
		return
	}
	d.undo = append(d.undo, s)
	if len(d.undo) > d.limit {
		d.undo = d.undo[len(d.undo)-d.limit:]
	}
}

// clamp bounds offset to the text and backs it up to a rune boundary.
func (d *Document) clamp(offset int) int {
	if offset <= 0 {
		return 0
	}
	if offset >= len(d.text) {
		return len(d.text)
	}
	for offset > 0 && !utf8.RuneStart(d.text[offset]) {
		offset--
	}
	return offset
}
