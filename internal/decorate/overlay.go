package decorate

import (
	"sort"
	"strings"
)

// Placeholder renders the visible stand-in for a collapsed range.
type Placeholder func(r Range) string

func DefaultPlaceholder(r Range) string {
	return "[" + r.Label + "]"
}

type span struct {
	rawStart, rawEnd int
	visStart, visEnd int
}

// OffsetMap translates offsets between the raw text and its collapsed view.
type OffsetMap struct {
	spans []span
}

// Collapse renders text with every range replaced by its placeholder. text is
// not modified; with no ranges the view is text itself.
func Collapse(text string, ranges []Range, placeholder Placeholder) (string, OffsetMap) {
	ranges = normalizeRanges(ranges, len(text))
	if len(ranges) == 0 {
		return text, OffsetMap{}
	}
	if placeholder == nil {
		placeholder = DefaultPlaceholder
	}
	var b strings.Builder
	b.Grow(len(text))
	spans := make([]span, 0, len(ranges))
	cursor := 0
	for _, r := range ranges {
		b.WriteString(text[cursor:r.Start])
		visStart := b.Len()
		b.WriteString(placeholder(r))
		spans = append(spans, span{rawStart: r.Start, rawEnd: r.End, visStart: visStart, visEnd: b.Len()})
		cursor = r.End
	}
	b.WriteString(text[cursor:])
	return b.String(), OffsetMap{spans: spans}
}

// ToVisible maps a raw offset to the collapsed view. Offsets inside a
// collapsed range land on the start of its placeholder.
func (m OffsetMap) ToVisible(raw int) int {
	delta := 0
	for _, s := range m.spans {
		if raw <= s.rawStart {
			return raw + delta
		}
		if raw < s.rawEnd {
			return s.visStart
		}
		delta += (s.visEnd - s.visStart) - (s.rawEnd - s.rawStart)
	}
	return raw + delta
}

// ToRaw maps an offset in the collapsed view back to the raw text. Offsets
// inside a placeholder land on the start of the hidden range.
func (m OffsetMap) ToRaw(visible int) int {
	delta := 0
	for _, s := range m.spans {
		if visible <= s.visStart {
			return visible - delta
		}
		if visible < s.visEnd {
			return s.rawStart
		}
		delta += (s.visEnd - s.visStart) - (s.rawEnd - s.rawStart)
	}
	return visible - delta
}

// Hidden reports whether raw falls strictly inside a collapsed range.
func (m OffsetMap) Hidden(raw int) bool {
	for _, s := range m.spans {
		if raw > s.rawStart && raw < s.rawEnd {
			return true
		}
	}
	return false
}

// Visible returns the ranges that intersect [from, to). ranges must be
// ordered by start offset.
func Visible(ranges []Range, from, to int) []Range {
	if to <= from || len(ranges) == 0 {
		return nil
	}
	first := sort.Search(len(ranges), func(i int) bool {
		return ranges[i].End > from
	})
	var out []Range
	for i := first; i < len(ranges) && ranges[i].Start < to; i++ {
		out = append(out, ranges[i])
	}
	return out
}

// normalizeRanges drops empty, out of bounds and overlapping ranges and sorts
// the rest by start offset.
func normalizeRanges(ranges []Range, textLen int) []Range {
	valid := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if r.Start < 0 || r.End > textLen || r.Start >= r.End {
			continue
		}
		valid = append(valid, r)
	}
	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Start < valid[j].Start
	})
	out := valid[:0]
	for _, r := range valid {
		if len(out) > 0 && r.Start < out[len(out)-1].End {
			continue
		}
		out = append(out, r)
	}
	return out
}
