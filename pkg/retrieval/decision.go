package retrieval

import (
	"time"

	"slabstore/pkg/metadata"
)

// DecisionKind enumerates the possible outcomes of evaluating conditions
// against object metadata.
type DecisionKind int

const (
	// DecideFull serves the whole object with a 200.
	DecideFull DecisionKind = iota
	// DecidePartial serves the byte range [Start, End] with a 206.
	DecidePartial
	// DecideNotModified short-circuits with a 304 and no body.
	DecideNotModified
	// DecidePreconditionFailed rejects the request with a 412.
	DecidePreconditionFailed
	// DecideRangeNotSatisfiable rejects the range with a 416 reporting the
	// object's total length.
	DecideRangeNotSatisfiable
)

// Decision is the outcome of the pure conditional/range evaluation. Start
// and End are inclusive byte offsets, meaningful only for DecidePartial.
type Decision struct {
	Kind  DecisionKind
	Start int64
	End   int64
}

// Length returns the number of bytes the decision will serve.
func (d Decision) Length(total int64) int64 {
	switch d.Kind {
	case DecideFull:
		return total
	case DecidePartial:
		return d.End - d.Start + 1
	default:
		return 0
	}
}

// Evaluate applies conditional headers and the Range header to the object's
// recorded metadata and returns what the response should be. It is a pure
// function of its inputs and performs no I/O.
//
// Precedence follows the protocol: If-Match, then If-Unmodified-Since (only
// when If-Match is absent), then If-None-Match, then If-Modified-Since (only
// when If-None-Match is absent). The Range header is considered only once
// all preconditions pass. A syntactically invalid Range is ignored; a
// well-formed but unsatisfiable one yields DecideRangeNotSatisfiable.
func Evaluate(info metadata.ObjectInfo, cond Conditions) Decision {
	// Timestamps on the wire have second granularity.
	modTime := info.LastModified.Truncate(time.Second)

	if cond.IfMatch != "" {
		if !etagMatches(cond.IfMatch, info.ETag) {
			return Decision{Kind: DecidePreconditionFailed}
		}
	} else if !cond.IfUnmodifiedSince.IsZero() && modTime.After(cond.IfUnmodifiedSince) {
		return Decision{Kind: DecidePreconditionFailed}
	}

	if cond.IfNoneMatch != "" {
		if etagMatches(cond.IfNoneMatch, info.ETag) {
			return Decision{Kind: DecideNotModified}
		}
	} else if !cond.IfModifiedSince.IsZero() && !modTime.After(cond.IfModifiedSince) {
		return Decision{Kind: DecideNotModified}
	}

	if cond.Range != "" {
		start, end, ok, satisfiable := parseRange(cond.Range, info.Size)
		if ok {
			if !satisfiable {
				return Decision{Kind: DecideRangeNotSatisfiable}
			}
			return Decision{Kind: DecidePartial, Start: start, End: end}
		}
	}
	return Decision{Kind: DecideFull, Start: 0, End: info.Size - 1}
}
