package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Location is an opaque handle to a stored byte sequence. It is issued by a
// BlobStore on write and is only meaningful to the store that issued it.
// Locations are immutable: the bytes behind a location never change after
// Write returns. Overwriting an object produces a new location; the old one
// stays readable until the orphan sweep reclaims it.
type Location string

// Errors returned by BlobStore implementations.
var (
	// ErrBlobNotFound signals that a location does not resolve to any blob.
	// A metadata entry pointing at such a location is corrupt.
	ErrBlobNotFound = errors.New("storage: blob not found")

	// ErrIntegrity signals that the stored bytes disagree with recorded
	// metadata (length or hash). Reads must fail rather than return
	// partial or wrong data.
	ErrIntegrity = errors.New("storage: integrity check failed")
)

// BlobStore abstracts immutable blob I/O for the retrieval path.
//
// Implementations MUST be safe for concurrent use. Reads in progress must be
// unaffected by concurrent writes: a write never mutates bytes behind an
// existing location.
//
// ReadRange must stream: it may not buffer the full blob to serve a sub-range.
type BlobStore interface {
	// Write streams r to durable storage and returns the new location,
	// the byte count, and the hex MD5 of the content (the object ETag).
	Write(ctx context.Context, r io.Reader) (Location, int64, string, error)

	// ReadRange opens the byte range [off, off+n) of the blob at loc.
	// n < 0 means "to the end". Returns ErrBlobNotFound if loc does not
	// resolve.
	ReadRange(ctx context.Context, loc Location, off, n int64) (io.ReadCloser, error)

	// Stat returns the stored byte length of the blob at loc.
	Stat(ctx context.Context, loc Location) (int64, error)

	// ModTime returns when the blob at loc was committed. The orphan
	// sweep uses it to spare freshly written blobs whose index record
	// has not landed yet.
	ModTime(ctx context.Context, loc Location) (time.Time, error)

	// Remove deletes the blob at loc. Only the orphan sweep should call
	// this; the serving path never removes blobs.
	Remove(ctx context.Context, loc Location) error

	// Walk visits every stored location. Used by the integrity scrubber
	// and the orphan sweep.
	Walk(ctx context.Context, fn func(Location) error) error
}
