// Package ranges parses and prints job id ranges such as "1-3,7,10-12".
package ranges

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrEmptyRange   = errors.New("empty range")
	ErrInvalidRange = errors.New("invalid range")
)

// span is an inclusive interval.
type span struct {
	lo, hi int64
}

// Range is a sorted, merged set of inclusive id intervals.
type Range struct {
	spans []span
}

// Parse reads a comma separated list of ids and lo-hi intervals.
func Parse(s string) (Range, error) {
	var r Range
	s = strings.TrimSpace(s)
	if s == "" {
		return r, ErrEmptyRange
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, err := parseSpan(part)
		if err != nil {
			return Range{}, err
		}
		r.AddSpan(lo, hi)
	}
	if r.IsEmpty() {
		return r, ErrEmptyRange
	}
	return r, nil
}

func parseSpan(part string) (int64, int64, error) {
	loStr, hiStr, isSpan := strings.Cut(part, "-")
	lo, err := strconv.ParseInt(strings.TrimSpace(loStr), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRange, part)
	}
	hi := lo
	if isSpan {
		hi, err = strconv.ParseInt(strings.TrimSpace(hiStr), 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRange, part)
		}
	}
	if lo < 0 || hi < lo {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRange, part)
	}
	return lo, hi, nil
}

// Add inserts a single id.
func (r *Range) Add(id int64) {
	r.AddSpan(id, id)
}

// AddSpan inserts [lo, hi], merging with adjacent or overlapping spans.
func (r *Range) AddSpan(lo, hi int64) {
	if hi < lo {
		return
	}
	r.spans = append(r.spans, span{lo, hi})
	sort.Slice(r.spans, func(i, j int) bool { return r.spans[i].lo < r.spans[j].lo })

	merged := r.spans[:1]
	for _, s := range r.spans[1:] {
		last := &merged[len(merged)-1]
		if s.lo-1 <= last.hi {
			if s.hi > last.hi {
				last.hi = s.hi
			}
			continue
		}
		merged = append(merged, s)
	}
	r.spans = merged
}

// Contains reports whether id is in the range.
func (r Range) Contains(id int64) bool {
	i := sort.Search(len(r.spans), func(i int) bool { return r.spans[i].hi >= id })
	return i < len(r.spans) && r.spans[i].lo <= id
}

// IsEmpty reports whether the range holds no ids.
func (r Range) IsEmpty() bool {
	return len(r.spans) == 0
}

// Merge adds every id of other.
func (r *Range) Merge(other Range) {
	for _, s := range other.spans {
		r.AddSpan(s.lo, s.hi)
	}
}

// Size is the number of ids in the range, capped at math.MaxInt64.
func (r Range) Size() int64 {
	var n int64
	for _, s := range r.spans {
		w := s.hi - s.lo
		if w == math.MaxInt64 || n > math.MaxInt64-w-1 {
			return math.MaxInt64
		}
		n += w + 1
	}
	return n
}

// Split divides the range at max: ids <= max and ids above it.
func (r Range) Split(max int64) (below, above Range) {
	for _, s := range r.spans {
		switch {
		case s.hi <= max:
			below.spans = append(below.spans, s)
		case s.lo > max:
			above.spans = append(above.spans, s)
		default:
			below.spans = append(below.spans, span{s.lo, max})
			above.spans = append(above.spans, span{max + 1, s.hi})
		}
	}
	return below, above
}

// Each calls fn for every id in ascending order until fn returns false.
// Bound the range with Split first; a parsed range may be huge.
func (r Range) Each(fn func(id int64) bool) {
	for _, s := range r.spans {
		for id := s.lo; ; id++ {
			if !fn(id) {
				return
			}
			if id == s.hi {
				break
			}
		}
	}
}

// String prints the canonical form, e.g. "1-3,7".
func (r Range) String() string {
	parts := make([]string, 0, len(r.spans))
	for _, s := range r.spans {
		if s.lo == s.hi {
			parts = append(parts, strconv.FormatInt(s.lo, 10))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", s.lo, s.hi))
		}
	}
	return strings.Join(parts, ",")
}
