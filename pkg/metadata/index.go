package metadata

import (
	"context"
	"errors"
	"time"

	"slabstore/pkg/storage"
)

// Bucket represents a bucket entry in the index.
type Bucket struct {
	Name         string    `json:"name"`
	CreationDate time.Time `json:"creationDate"`
}

// ObjectInfo is the metadata record for the current version of an object.
// The Location points at an immutable blob owned by the object store; the
// index never mutates storage through it.
type ObjectInfo struct {
	Bucket       string           `json:"bucket"`
	Key          string           `json:"key"`
	Size         int64            `json:"size"`
	ETag         string           `json:"etag"` // hex MD5, unquoted
	ContentType  string           `json:"contentType"`
	LastModified time.Time        `json:"lastModified"`
	VersionID    string           `json:"versionID"`
	Location     storage.Location `json:"location"`

	// Corrupt is set by the integrity scrubber when the stored bytes no
	// longer match this record. Retrieval must fail closed for such entries.
	Corrupt bool `json:"corrupt,omitempty"`
}

// Errors returned by Index implementations.
var (
	ErrNoSuchBucket   = errors.New("metadata: no such bucket")
	ErrNoSuchKey      = errors.New("metadata: no such key")
	ErrBucketExists   = errors.New("metadata: bucket already exists")
	ErrBucketNotEmpty = errors.New("metadata: bucket not empty")
)

// Index maps (bucket, key) to object metadata and storage location.
//
// Implementations MUST be safe for concurrent use, and Lookup must be
// linearizable with respect to the most recently completed Put for the same
// key: once Put returns, no Lookup may observe the older record.
type Index interface {
	CreateBucket(ctx context.Context, name string) error
	DeleteBucket(ctx context.Context, name string) error
	BucketExists(ctx context.Context, name string) (bool, error)
	ListBuckets(ctx context.Context) ([]Bucket, error)

	// Lookup resolves the current version of (bucket, key).
	// Returns ErrNoSuchBucket or ErrNoSuchKey.
	Lookup(ctx context.Context, bucket, key string) (ObjectInfo, error)

	// Put commits info as the current version of (info.Bucket, info.Key),
	// atomically replacing any previous record. The previous record is
	// returned (nil if this is the first write) so the caller can hand the
	// superseded location to the orphan sweep.
	Put(ctx context.Context, info ObjectInfo) (prev *ObjectInfo, err error)

	// Delete removes the current record and returns it.
	Delete(ctx context.Context, bucket, key string) (ObjectInfo, error)

	// MarkCorrupt flags the record for (bucket, key) if it still carries
	// versionID; a newer write wins over a stale corruption verdict.
	MarkCorrupt(ctx context.Context, bucket, key, versionID string) error

	// WalkObjects visits every current object record. Visit order is
	// unspecified. Used by the scrubber and the orphan sweep.
	WalkObjects(ctx context.Context, fn func(ObjectInfo) error) error
}
