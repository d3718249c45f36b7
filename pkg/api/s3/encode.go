package s3

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"slabstore/pkg/metadata"
	"slabstore/pkg/retrieval"
	"slabstore/pkg/storage"
)

// request ID plumbing: one ID is minted per request in the router and rides
// the context so handlers and error bodies can correlate.

type ctxKey string

const requestIDKey ctxKey = "s3RequestID"

func withRequestID(ctx context.Context) (context.Context, string) {
	id := uuid.NewString()
	return context.WithValue(ctx, requestIDKey, id), id
}

func requestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// s3Error is the protocol error body.
type s3Error struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource,omitempty"`
	Key       string   `xml:"Key,omitempty"`
	RequestID string   `xml:"RequestId"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message, key string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(s3Error{
		Code:      code,
		Message:   message,
		Resource:  r.URL.Path,
		Key:       key,
		RequestID: requestID(r.Context()),
	})
}

// writeRetrievalError maps retrieval-path errors onto the wire taxonomy.
// Integrity and I/O failures are logged server-side and reported as opaque
// InternalError to the client.
func writeRetrievalError(w http.ResponseWriter, r *http.Request, key string, err error) {
	switch {
	case errors.Is(err, metadata.ErrNoSuchBucket):
		writeError(w, r, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist.", "")
	case errors.Is(err, metadata.ErrNoSuchKey):
		writeError(w, r, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.", key)
	case errors.Is(err, storage.ErrIntegrity):
		slog.Error("integrity failure on read",
			slog.String("key", key),
			slog.String("requestID", requestID(r.Context())),
			slog.String("error", err.Error()),
		)
		writeError(w, r, http.StatusInternalServerError, "InternalError",
			"We encountered an internal error. Please try again.", key)
	default:
		slog.Error("retrieval failed",
			slog.String("key", key),
			slog.String("requestID", requestID(r.Context())),
			slog.String("error", err.Error()),
		)
		writeError(w, r, http.StatusInternalServerError, "InternalError",
			"We encountered an internal error. Please try again.", key)
	}
}

// writeResult encodes a retrieval result: status line, entity headers and,
// when sendBody is set, the streamed body. Content-Length is always the
// byte count actually sent, not the object's full size.
//
// If the body stream fails after the status has been written, the connection
// is aborted so the client sees a truncated transfer instead of a clean EOF
// on short data.
func writeResult(w http.ResponseWriter, r *http.Request, res *retrieval.Result, sendBody bool) {
	info := res.Info
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")

	switch res.Decision.Kind {
	case retrieval.DecideNotModified:
		h.Set("ETag", quoteETag(info.ETag))
		w.WriteHeader(http.StatusNotModified)
		return
	case retrieval.DecidePreconditionFailed:
		writeError(w, r, http.StatusPreconditionFailed, "PreconditionFailed",
			"At least one of the pre-conditions you specified did not hold.", info.Key)
		return
	case retrieval.DecideRangeNotSatisfiable:
		h.Set("Content-Range", "bytes */"+itoa64(info.Size))
		writeError(w, r, http.StatusRequestedRangeNotSatisfiable, "InvalidRange",
			"The requested range is not satisfiable.", info.Key)
		return
	}

	h.Set("ETag", quoteETag(info.ETag))
	h.Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	if info.ContentType != "" {
		h.Set("Content-Type", info.ContentType)
	}
	h.Set("Content-Length", itoa64(res.ContentLength))

	status := http.StatusOK
	if res.Decision.Kind == retrieval.DecidePartial {
		status = http.StatusPartialContent
		h.Set("Content-Range",
			"bytes "+itoa64(res.Decision.Start)+"-"+itoa64(res.Decision.End)+"/"+itoa64(info.Size))
	}
	w.WriteHeader(status)

	if !sendBody || res.Body == nil {
		return
	}
	n, err := io.Copy(w, res.Body)
	if err != nil || n != res.ContentLength {
		slog.Error("body stream aborted",
			slog.String("key", info.Key),
			slog.String("requestID", requestID(r.Context())),
			slog.Int64("sent", n),
			slog.Int64("expected", res.ContentLength),
		)
		// Kill the connection; a complete-looking short response must
		// never reach the client.
		panic(http.ErrAbortHandler)
	}
}

func quoteETag(s string) string { return `"` + s + `"` }

func itoa64(n int64) string { return strconv.FormatInt(n, 10) }
