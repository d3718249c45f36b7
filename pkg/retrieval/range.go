package retrieval

import (
	"strconv"
	"strings"
)

// parseRange parses a Range header of form "bytes=start-end" (single-range
// only; additional ranges after a comma are ignored) against an object of
// the given total length.
//
// Returns (start, end, ok, satisfiable): ok is false for syntactically
// invalid headers, which callers must ignore per protocol; satisfiable is
// false when the header is well-formed but no byte can be served (start at
// or beyond total, or a zero-length suffix), which maps to a 416.
// start and end are inclusive offsets.
func parseRange(hdr string, total int64) (start, end int64, ok, satisfiable bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(hdr, prefix) {
		return 0, 0, false, false
	}
	spec := strings.TrimPrefix(hdr, prefix)
	if i := strings.IndexByte(spec, ','); i >= 0 {
		spec = spec[:i]
	}
	seg := strings.TrimSpace(spec)
	dash := strings.IndexByte(seg, '-')
	if dash < 0 {
		return 0, 0, false, false
	}
	first, last := seg[:dash], seg[dash+1:]

	if first == "" {
		// suffix form: bytes=-N means the final N bytes
		suf, err := strconv.ParseInt(last, 10, 64)
		if err != nil {
			return 0, 0, false, false
		}
		if suf <= 0 || total == 0 {
			return 0, 0, true, false
		}
		if suf > total {
			suf = total
		}
		return total - suf, total - 1, true, true
	}

	s, err := strconv.ParseInt(first, 10, 64)
	if err != nil || s < 0 {
		return 0, 0, false, false
	}
	if s >= total {
		return 0, 0, true, false
	}
	if last == "" {
		// open-ended: bytes=N-
		return s, total - 1, true, true
	}
	e, err := strconv.ParseInt(last, 10, 64)
	if err != nil || e < s {
		return 0, 0, false, false
	}
	if e >= total {
		e = total - 1
	}
	return s, e, true, true
}
