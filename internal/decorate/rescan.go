package decorate

import "strings"

// Rescan brings prev up to date with text. Only the lines touched by the edit
// are scanned again; ranges on other lines are kept and shifted. The outcome
// is the same as a full Scan of text.
func (s *Scanner) Rescan(prev Result, text string) Result {
	if prev.Threshold != s.threshold {
		return s.Scan(text)
	}
	old := prev.Text
	if old == text {
		return Result{Text: text, Threshold: s.threshold, Ranges: append([]Range(nil), prev.Ranges...)}
	}

	prefix := commonPrefix(old, text)
	suffix := commonSuffix(old[prefix:], text[prefix:])

	lineStart := strings.LastIndexByte(text[:prefix], '\n') + 1
	oldLineEnd := lineEnd(old, len(old)-suffix)
	newLineEnd := lineEnd(text, len(text)-suffix)
	delta := len(text) - len(old)

	ranges := make([]Range, 0, len(prev.Ranges)+1)
	for _, r := range prev.Ranges {
		if r.Start < lineStart {
			ranges = append(ranges, r)
		}
	}
	ranges = append(ranges, s.scanSegment(text[lineStart:newLineEnd], lineStart)...)
	for _, r := range prev.Ranges {
		if r.Start > oldLineEnd {
			r.Start += delta
			r.End += delta
			ranges = append(ranges, r)
		}
	}
	return Result{Text: text, Threshold: s.threshold, Ranges: normalizeRanges(ranges, len(text))}
}

func commonPrefix(a, b string) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func commonSuffix(a, b string) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[len(a)-1-i] == b[len(b)-1-i] {
		i++
	}
	return i
}

// lineEnd returns the offset of the first newline at or after pos, or len(text).
func lineEnd(text string, pos int) int {
	if idx := strings.IndexByte(text[pos:], '\n'); idx >= 0 {
		return pos + idx
	}
	return len(text)
}
