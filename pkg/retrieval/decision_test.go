package retrieval

import (
	"net/http"
	"testing"
	"time"

	"slabstore/pkg/metadata"
)

var testMod = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testInfo() metadata.ObjectInfo {
	return metadata.ObjectInfo{
		Bucket:       "b",
		Key:          "test-object.txt",
		Size:         11,
		ETag:         "5eb63bbbe01eeed093cb22bb8f5acdc3",
		LastModified: testMod,
	}
}

func TestEvaluateConditionals(t *testing.T) {
	const etag = "5eb63bbbe01eeed093cb22bb8f5acdc3"
	earlier := testMod.Add(-time.Hour)
	later := testMod.Add(time.Hour)

	cases := []struct {
		name string
		cond Conditions
		want DecisionKind
	}{
		{"no conditions", Conditions{}, DecideFull},
		{"if-match current", Conditions{IfMatch: `"` + etag + `"`}, DecideFull},
		{"if-match unquoted", Conditions{IfMatch: etag}, DecideFull},
		{"if-match star", Conditions{IfMatch: "*"}, DecideFull},
		{"if-match stale", Conditions{IfMatch: `"0000deadbeef"`}, DecidePreconditionFailed},
		{"if-none-match current", Conditions{IfNoneMatch: `"` + etag + `"`}, DecideNotModified},
		{"if-none-match star", Conditions{IfNoneMatch: "*"}, DecideNotModified},
		{"if-none-match other", Conditions{IfNoneMatch: `"0000deadbeef"`}, DecideFull},
		{"if-none-match list hit", Conditions{IfNoneMatch: `"aaaa", "` + etag + `"`}, DecideNotModified},
		{"modified-since older", Conditions{IfModifiedSince: earlier}, DecideFull},
		{"modified-since same", Conditions{IfModifiedSince: testMod}, DecideNotModified},
		{"modified-since newer", Conditions{IfModifiedSince: later}, DecideNotModified},
		{"unmodified-since newer", Conditions{IfUnmodifiedSince: later}, DecideFull},
		{"unmodified-since same", Conditions{IfUnmodifiedSince: testMod}, DecideFull},
		{"unmodified-since older", Conditions{IfUnmodifiedSince: earlier}, DecidePreconditionFailed},
		// Match variants take precedence over the Since variants.
		{
			"if-match wins over unmodified-since",
			Conditions{IfMatch: etag, IfUnmodifiedSince: earlier},
			DecideFull,
		},
		{
			"if-none-match wins over modified-since",
			Conditions{IfNoneMatch: `"0000deadbeef"`, IfModifiedSince: later},
			DecideFull,
		},
		// A failed precondition is checked before not-modified handling.
		{
			"precondition failure beats not-modified",
			Conditions{IfMatch: `"0000deadbeef"`, IfNoneMatch: etag},
			DecidePreconditionFailed,
		},
		// Preconditions gate range handling entirely.
		{
			"304 suppresses range",
			Conditions{IfNoneMatch: etag, Range: "bytes=0-4"},
			DecideNotModified,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Evaluate(testInfo(), c.cond)
			if got.Kind != c.want {
				t.Fatalf("Evaluate(%+v).Kind = %v, want %v", c.cond, got.Kind, c.want)
			}
		})
	}
}

func TestEvaluateRanges(t *testing.T) {
	cases := []struct {
		name       string
		rng        string
		want       DecisionKind
		start, end int64
	}{
		{"first five", "bytes=0-4", DecidePartial, 0, 4},
		{"middle", "bytes=3-7", DecidePartial, 3, 7},
		{"open ended", "bytes=5-", DecidePartial, 5, 10},
		{"end clamped", "bytes=5-500", DecidePartial, 5, 10},
		{"suffix", "bytes=-5", DecidePartial, 6, 10},
		{"suffix longer than object", "bytes=-500", DecidePartial, 0, 10},
		{"whole as range", "bytes=0-10", DecidePartial, 0, 10},
		{"start at length", "bytes=11-", DecideRangeNotSatisfiable, 0, 0},
		{"start beyond length", "bytes=500-", DecideRangeNotSatisfiable, 0, 0},
		{"zero suffix", "bytes=-0", DecideRangeNotSatisfiable, 0, 0},
		// Syntactically invalid ranges are ignored.
		{"garbage", "bytes=abc", DecideFull, 0, 10},
		{"not bytes unit", "items=0-4", DecideFull, 0, 10},
		{"inverted", "bytes=7-3", DecideFull, 0, 10},
		{"bare dash", "bytes=-", DecideFull, 0, 10},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Evaluate(testInfo(), Conditions{Range: c.rng})
			if got.Kind != c.want {
				t.Fatalf("Kind = %v, want %v", got.Kind, c.want)
			}
			if got.Kind == DecidePartial && (got.Start != c.start || got.End != c.end) {
				t.Fatalf("range = [%d,%d], want [%d,%d]", got.Start, got.End, c.start, c.end)
			}
		})
	}
}

func TestDecisionLength(t *testing.T) {
	if n := (Decision{Kind: DecideFull}).Length(11); n != 11 {
		t.Fatalf("full length = %d, want 11", n)
	}
	if n := (Decision{Kind: DecidePartial, Start: 0, End: 4}).Length(11); n != 5 {
		t.Fatalf("partial length = %d, want 5", n)
	}
	if n := (Decision{Kind: DecideNotModified}).Length(11); n != 0 {
		t.Fatalf("not-modified length = %d, want 0", n)
	}
}

func TestParseConditions(t *testing.T) {
	h := http.Header{}
	h.Set("If-Match", `"abc"`)
	h.Set("If-Modified-Since", testMod.Format(http.TimeFormat))
	h.Set("If-Unmodified-Since", "not a date")
	h.Set("Range", "bytes=0-4")
	c := ParseConditions(h)
	if c.IfMatch != `"abc"` || c.Range != "bytes=0-4" {
		t.Fatalf("parsed %+v", c)
	}
	if !c.IfModifiedSince.Equal(testMod) {
		t.Fatalf("IfModifiedSince = %v, want %v", c.IfModifiedSince, testMod)
	}
	if !c.IfUnmodifiedSince.IsZero() {
		t.Fatalf("malformed date not ignored: %v", c.IfUnmodifiedSince)
	}
}
