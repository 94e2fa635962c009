package decorate

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultThreshold = 100
	DefaultLabel     = "image"
	defaultCacheSize = 64
)

var ErrInvalidInput = errors.New("invalid input")

// imageRefPattern matches ![alt](data:<type>/<subtype>;base64,<data>). Alt text
// and data never contain a newline, so a match is always confined to one line.
var imageRefPattern = regexp.MustCompile(`!\[([^\]\n]*)\]\((data:([A-Za-z0-9][A-Za-z0-9!#$&^_.+-]*/[A-Za-z0-9][A-Za-z0-9!#$&^_.+-]*);base64,)([A-Za-z0-9+/_-]+={0,2})\)`)

// Range covers the base64 payload of one embedded image reference. Offsets are
// byte offsets into the scanned text, half-open [Start, End).
type Range struct {
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Label    string `json:"label"`
	MimeType string `json:"mimeType,omitempty"`
}

func (r Range) Len() int {
	return r.End - r.Start
}

// Result is a scan of one text snapshot. It carries the text so a later
// Rescan can work out what changed.
type Result struct {
	Text      string
	Threshold int
	Ranges    []Range
}

type Options struct {
	// Threshold is the payload length that must be exceeded before a payload
	// is collapsed. Zero selects DefaultThreshold.
	Threshold    int
	DefaultLabel string
	CacheSize    int
}

type Scanner struct {
	threshold    int
	defaultLabel string
	cache        *lru.Cache[string, []Range]
}

func NewScanner(opts Options) (*Scanner, error) {
	if opts.Threshold < 0 {
		return nil, fmt.Errorf("%w: collapse threshold must not be negative", ErrInvalidInput)
	}
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	label := opts.DefaultLabel
	if label == "" {
		label = DefaultLabel
	}
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, []Range](size)
	if err != nil {
		return nil, err
	}
	return &Scanner{
		threshold:    threshold,
		defaultLabel: label,
		cache:        cache,
	}, nil
}

func (s *Scanner) Threshold() int {
	return s.threshold
}

// Scan returns every collapsible payload in text, ordered by start offset.
func (s *Scanner) Scan(text string) Result {
	key := s.cacheKey(text)
	if cached, ok := s.cache.Get(key); ok {
		return Result{Text: text, Threshold: s.threshold, Ranges: append([]Range(nil), cached...)}
	}
	ranges := s.scanSegment(text, 0)
	s.cache.Add(key, ranges)
	return Result{Text: text, Threshold: s.threshold, Ranges: append([]Range(nil), ranges...)}
}

func (s *Scanner) scanSegment(segment string, base int) []Range {
	matches := imageRefPattern.FindAllStringSubmatchIndex(segment, -1)
	ranges := make([]Range, 0, len(matches))
	for _, m := range matches {
		// m holds pairs for: full match, alt, prefix, mime type, data.
		if len(m) < 10 || m[8] < 0 || m[9] < m[8] {
			continue
		}
		start, end := m[8], m[9]
		if end-start <= s.threshold {
			continue
		}
		label := s.defaultLabel
		if m[2] >= 0 && m[3] > m[2] {
			label = segment[m[2]:m[3]]
		}
		mimeType := ""
		if m[6] >= 0 {
			mimeType = segment[m[6]:m[7]]
		}
		ranges = append(ranges, Range{
			Start:    base + start,
			End:      base + end,
			Label:    label,
			MimeType: mimeType,
		})
	}
	return normalizeRanges(ranges, base+len(segment))
}

func (s *Scanner) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:]) + ":" + strconv.Itoa(s.threshold)
}
