package retrieval

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"slabstore/pkg/metadata"
	"slabstore/pkg/storage"
)

func newTestEngine(t *testing.T) (*Engine, metadata.Index, storage.BlobStore) {
	t.Helper()
	idx := metadata.NewMemoryIndex()
	fs, err := storage.NewLocalFS([]string{t.TempDir()})
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	return NewEngine(idx, fs), idx, fs
}

func putObject(t *testing.T, idx metadata.Index, fs storage.BlobStore, bucket, key string, content []byte) metadata.ObjectInfo {
	t.Helper()
	ctx := context.Background()
	loc, size, etag, err := fs.Write(ctx, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	info := metadata.ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         size,
		ETag:         etag,
		ContentType:  "text/plain",
		LastModified: time.Now().UTC(),
		VersionID:    "v1",
		Location:     loc,
	}
	if _, err := idx.Put(ctx, info); err != nil {
		t.Fatalf("Put: %v", err)
	}
	return info
}

func TestEngineFullObject(t *testing.T) {
	e, idx, fs := newTestEngine(t)
	ctx := context.Background()
	if err := idx.CreateBucket(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	putObject(t, idx, fs, "b", "test-object.txt", []byte("hello world"))

	res, err := e.Get(ctx, "b", "test-object.txt", Conditions{}, true)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer res.Body.Close()
	if res.Decision.Kind != DecideFull || res.ContentLength != 11 {
		t.Fatalf("decision %v length %d", res.Decision.Kind, res.ContentLength)
	}
	b, _ := io.ReadAll(res.Body)
	if string(b) != "hello world" {
		t.Fatalf("body = %q", b)
	}
}

func TestEnginePartial(t *testing.T) {
	e, idx, fs := newTestEngine(t)
	ctx := context.Background()
	if err := idx.CreateBucket(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	putObject(t, idx, fs, "b", "o", []byte("hello world"))

	res, err := e.Get(ctx, "b", "o", Conditions{Range: "bytes=0-4"}, true)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer res.Body.Close()
	if res.Decision.Kind != DecidePartial || res.ContentLength != 5 {
		t.Fatalf("decision %v length %d", res.Decision.Kind, res.ContentLength)
	}
	b, _ := io.ReadAll(res.Body)
	if string(b) != "hello" {
		t.Fatalf("body = %q", b)
	}

	// Suffix range returns the final bytes.
	res, err = e.Get(ctx, "b", "o", Conditions{Range: "bytes=-5"}, true)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer res.Body.Close()
	b, _ = io.ReadAll(res.Body)
	if string(b) != "world" {
		t.Fatalf("suffix body = %q", b)
	}
}

func TestEngineNoBodyDecisions(t *testing.T) {
	e, idx, fs := newTestEngine(t)
	ctx := context.Background()
	if err := idx.CreateBucket(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	info := putObject(t, idx, fs, "b", "o", []byte("hello world"))

	res, err := e.Get(ctx, "b", "o", Conditions{IfNoneMatch: info.ETag}, true)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Decision.Kind != DecideNotModified || res.Body != nil || res.ContentLength != 0 {
		t.Fatalf("unexpected 304 result: %+v", res)
	}

	res, err = e.Get(ctx, "b", "o", Conditions{Range: "bytes=100-"}, true)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Decision.Kind != DecideRangeNotSatisfiable || res.Body != nil {
		t.Fatalf("unexpected 416 result: %+v", res)
	}
	if res.Info.Size != 11 {
		t.Fatalf("416 must still carry total length, got %d", res.Info.Size)
	}
}

func TestEngineNotFound(t *testing.T) {
	e, idx, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Get(ctx, "nope", "k", Conditions{}, true); !errors.Is(err, metadata.ErrNoSuchBucket) {
		t.Fatalf("err = %v, want ErrNoSuchBucket", err)
	}
	if err := idx.CreateBucket(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Get(ctx, "b", "missing", Conditions{}, true); !errors.Is(err, metadata.ErrNoSuchKey) {
		t.Fatalf("err = %v, want ErrNoSuchKey", err)
	}
}

func TestEngineIntegrityFailures(t *testing.T) {
	e, idx, fs := newTestEngine(t)
	ctx := context.Background()
	if err := idx.CreateBucket(ctx, "b"); err != nil {
		t.Fatal(err)
	}

	// Recorded size disagrees with the stored blob.
	info := putObject(t, idx, fs, "b", "short", []byte("hello world"))
	info.Size = 999
	if _, err := idx.Put(ctx, info); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Get(ctx, "b", "short", Conditions{}, true); !errors.Is(err, storage.ErrIntegrity) {
		t.Fatalf("size mismatch err = %v, want ErrIntegrity", err)
	}

	// Location points at nothing.
	info2 := putObject(t, idx, fs, "b", "dangling", []byte("abc"))
	info2.Location = "blobs/00/0000000000000000"
	if _, err := idx.Put(ctx, info2); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Get(ctx, "b", "dangling", Conditions{}, true); !errors.Is(err, storage.ErrIntegrity) {
		t.Fatalf("dangling err = %v, want ErrIntegrity", err)
	}

	// Entry flagged by the scrubber fails closed.
	info3 := putObject(t, idx, fs, "b", "flagged", []byte("xyz"))
	if err := idx.MarkCorrupt(ctx, "b", "flagged", info3.VersionID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Get(ctx, "b", "flagged", Conditions{}, true); !errors.Is(err, storage.ErrIntegrity) {
		t.Fatalf("flagged err = %v, want ErrIntegrity", err)
	}
}

func TestEngineHeadSkipsBody(t *testing.T) {
	e, idx, fs := newTestEngine(t)
	ctx := context.Background()
	if err := idx.CreateBucket(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	putObject(t, idx, fs, "b", "o", []byte("hello world"))

	res, err := e.Get(ctx, "b", "o", Conditions{}, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Body != nil {
		t.Fatal("HEAD opened a body stream")
	}
	if res.ContentLength != 11 {
		t.Fatalf("ContentLength = %d, want 11", res.ContentLength)
	}
}
