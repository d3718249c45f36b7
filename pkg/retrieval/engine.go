package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"

	"slabstore/pkg/metadata"
	"slabstore/pkg/storage"
)

// Result is the response descriptor for a retrieval. For DecideFull and
// DecidePartial, Body streams exactly ContentLength bytes; for the other
// decisions Body is nil. Info is always populated so the encoder can emit
// ETag, Last-Modified and Content-Range even on 304/412/416.
type Result struct {
	Info          metadata.ObjectInfo
	Decision      Decision
	Body          io.ReadCloser
	ContentLength int64
}

// Engine resolves (bucket, key) to a response descriptor. It holds no
// per-request state; every call is independent and read-only.
type Engine struct {
	idx   metadata.Index
	store storage.BlobStore
}

// NewEngine wires the metadata index and blob store.
func NewEngine(idx metadata.Index, store storage.BlobStore) *Engine {
	return &Engine{idx: idx, store: store}
}

// Get resolves the object, evaluates conditions and ranges, and opens the
// resulting byte range. body=false (HEAD) skips opening the stream but goes
// through the same evaluation and integrity checks.
//
// Errors: metadata.ErrNoSuchBucket / ErrNoSuchKey propagate as-is;
// storage.ErrIntegrity signals a corrupt entry (recorded metadata and stored
// bytes disagree, or the entry was flagged by the scrubber); anything else
// is an I/O failure, surfaced without retry.
func (e *Engine) Get(ctx context.Context, bucket, key string, cond Conditions, body bool) (*Result, error) {
	info, err := e.idx.Lookup(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	if info.Corrupt {
		return nil, fmt.Errorf("%s/%s flagged by scrubber: %w", bucket, key, storage.ErrIntegrity)
	}

	d := Evaluate(info, cond)
	res := &Result{Info: info, Decision: d, ContentLength: d.Length(info.Size)}
	switch d.Kind {
	case DecideNotModified, DecidePreconditionFailed, DecideRangeNotSatisfiable:
		return res, nil
	}

	// The stored length must match the record before any byte is sent;
	// a mismatch means corruption, never a short read.
	stored, err := e.store.Stat(ctx, info.Location)
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			return nil, fmt.Errorf("%s/%s location %q: %w", bucket, key, info.Location, storage.ErrIntegrity)
		}
		return nil, err
	}
	if stored != info.Size {
		return nil, fmt.Errorf("%s/%s stored %d bytes, recorded %d: %w",
			bucket, key, stored, info.Size, storage.ErrIntegrity)
	}

	if !body || res.ContentLength == 0 {
		return res, nil
	}
	rc, err := e.store.ReadRange(ctx, info.Location, d.Start, res.ContentLength)
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			return nil, fmt.Errorf("%s/%s location %q: %w", bucket, key, info.Location, storage.ErrIntegrity)
		}
		return nil, err
	}
	res.Body = rc
	return res, nil
}
