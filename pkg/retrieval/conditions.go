package retrieval

import (
	"net/http"
	"strings"
	"time"
)

// Conditions carries the client-asserted preconditions and range of a
// retrieval request, parsed off the wire but not yet evaluated.
type Conditions struct {
	IfMatch           string // raw header value; may be "*" or a quoted list
	IfNoneMatch       string
	IfModifiedSince   time.Time // zero when absent or unparseable
	IfUnmodifiedSince time.Time
	Range             string // raw Range header, e.g. "bytes=0-4"
}

// ParseConditions extracts retrieval conditions from request headers.
// Malformed date headers are ignored, matching protocol behavior.
func ParseConditions(h http.Header) Conditions {
	return Conditions{
		IfMatch:           h.Get("If-Match"),
		IfNoneMatch:       h.Get("If-None-Match"),
		IfModifiedSince:   parseHTTPDate(h.Get("If-Modified-Since")),
		IfUnmodifiedSince: parseHTTPDate(h.Get("If-Unmodified-Since")),
		Range:             h.Get("Range"),
	}
}

func parseHTTPDate(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// etagMatches reports whether the recorded etag satisfies a header value,
// which may be "*", a single entity tag, or a comma-separated list. Quotes
// and weak prefixes are stripped before comparison; the recorded etag is the
// bare hex hash.
func etagMatches(header, etag string) bool {
	if header == "*" {
		return true
	}
	for _, part := range strings.Split(header, ",") {
		candidate := strings.TrimSpace(part)
		candidate = strings.TrimPrefix(candidate, "W/")
		candidate = strings.Trim(candidate, `"`)
		if candidate == etag {
			return true
		}
	}
	return false
}
