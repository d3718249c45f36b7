// Package integrity provides the background scrubber: it re-hashes stored
// blobs against the metadata index and flags entries whose bytes no longer
// match, and it reclaims blobs no index entry references (the leftovers of
// content-addressed overwrites and deletes).
package integrity

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"slabstore/pkg/metadata"
	"slabstore/pkg/storage"
)

// Stats captures scrubber activity counters.
type Stats struct {
	Scanned   uint64        `json:"scanned"`   // object records verified since start
	Corrupt   uint64        `json:"corrupt"`   // records flagged corrupt since start
	Swept     uint64        `json:"swept"`     // orphan blobs removed since start
	Errors    uint64        `json:"errors"`    // I/O errors encountered
	LastRun   time.Time     `json:"lastRun"`   // last completed pass
	LastError string        `json:"lastError"` // last error string (if any)
	Uptime    time.Duration `json:"uptime"`    // time since Start
}

// Config configures scrubber behavior.
type Config struct {
	// Interval controls periodic scrub cadence when running in background.
	Interval time.Duration
	// Concurrency controls how many objects are verified in parallel.
	Concurrency int
	// SweepOrphans enables removal of unreferenced blobs after each pass.
	SweepOrphans bool
}

// Scrubber is the background integrity verifier interface.
// Implementations MUST be concurrency-safe.
type Scrubber interface {
	// Start launches background scrubbing until Stop is called or the
	// context is canceled.
	Start(ctx context.Context) error
	// Stop requests the background loop to stop and waits for completion.
	Stop(ctx context.Context) error
	// RunOnce performs a single scrub pass synchronously.
	RunOnce(ctx context.Context) error
	// Stats returns a snapshot of the current counters.
	Stats() Stats
}

// BlobScrubber walks the metadata index, verifies each record's blob
// (length, then full MD5 against the recorded ETag), and marks mismatching
// records corrupt so the retrieval path fails closed. It never repairs.
type BlobScrubber struct {
	cfg   Config
	idx   metadata.Index
	store storage.BlobStore

	mu       sync.RWMutex
	start    time.Time
	running  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopSent bool

	scanned   atomic.Uint64
	corrupt   atomic.Uint64
	swept     atomic.Uint64
	errs      atomic.Uint64
	lastRun   atomic.Pointer[time.Time]
	lastError atomic.Pointer[string]
}

// NewBlobScrubber creates a scrubber over the given index and store.
// Concurrency <= 0 defaults to 1; Interval <= 0 defaults to one hour.
func NewBlobScrubber(idx metadata.Index, store storage.BlobStore, cfg Config) *BlobScrubber {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &BlobScrubber{
		cfg:   cfg,
		idx:   idx,
		store: store,
	}
}

// Start may be called again after Stop returns; each run gets fresh
// stop/done channels.
func (s *BlobScrubber) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scrubber: already running")
	}
	s.mu.Lock()
	s.start = time.Now()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.stopSent = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()
	go s.loop(ctx, stopCh, doneCh)
	return nil
}

func (s *BlobScrubber) loop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer func() {
		s.running.Store(false)
		close(doneCh)
	}()
	// initial pass immediately
	_ = s.doRunOnce(ctx)
	t := time.NewTimer(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-t.C:
			_ = s.doRunOnce(ctx)
			t.Reset(s.cfg.Interval)
		}
	}
}

func (s *BlobScrubber) Stop(ctx context.Context) error {
	s.mu.Lock()
	doneCh := s.doneCh
	if doneCh != nil && !s.stopSent {
		close(s.stopCh)
		s.stopSent = true
	}
	s.mu.Unlock()
	if doneCh == nil {
		return nil
	}
	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *BlobScrubber) RunOnce(ctx context.Context) error {
	return s.doRunOnce(ctx)
}

func (s *BlobScrubber) doRunOnce(ctx context.Context) error {
	err := s.scanAll(ctx)
	if err == nil && s.cfg.SweepOrphans {
		err = s.sweepOrphans(ctx)
	}
	now := time.Now()
	s.lastRun.Store(&now)
	if err != nil {
		msg := err.Error()
		s.lastError.Store(&msg)
	}
	return err
}

func (s *BlobScrubber) Stats() Stats {
	var lastRun time.Time
	if p := s.lastRun.Load(); p != nil {
		lastRun = *p
	}
	var lastErr string
	if e := s.lastError.Load(); e != nil {
		lastErr = *e
	}
	s.mu.RLock()
	start := s.start
	s.mu.RUnlock()
	var uptime time.Duration
	if !start.IsZero() {
		uptime = time.Since(start)
	}
	return Stats{
		Scanned:   s.scanned.Load(),
		Corrupt:   s.corrupt.Load(),
		Swept:     s.swept.Load(),
		Errors:    s.errs.Load(),
		LastRun:   lastRun,
		LastError: lastErr,
		Uptime:    uptime,
	}
}

func (s *BlobScrubber) scanAll(ctx context.Context) error {
	jobs := make(chan metadata.ObjectInfo, 256)

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for info := range jobs {
				s.verifyObject(ctx, info)
			}
		}()
	}

	walkErr := s.idx.WalkObjects(ctx, func(info metadata.ObjectInfo) error {
		select {
		case jobs <- info:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	close(jobs)
	wg.Wait()
	return walkErr
}

func (s *BlobScrubber) verifyObject(ctx context.Context, info metadata.ObjectInfo) {
	defer s.scanned.Add(1)
	if info.Corrupt {
		return
	}

	size, err := s.store.Stat(ctx, info.Location)
	switch {
	case errors.Is(err, storage.ErrBlobNotFound):
		s.flag(ctx, info, "blob missing")
		return
	case err != nil:
		s.errs.Add(1)
		return
	}
	if size != info.Size {
		s.flag(ctx, info, "length mismatch")
		return
	}

	rc, err := s.store.ReadRange(ctx, info.Location, 0, -1)
	if err != nil {
		s.errs.Add(1)
		return
	}
	h := md5.New()
	_, err = io.Copy(h, rc)
	rc.Close()
	if err != nil {
		s.errs.Add(1)
		return
	}
	if hex.EncodeToString(h.Sum(nil)) != info.ETag {
		s.flag(ctx, info, "hash mismatch")
	}
}

func (s *BlobScrubber) flag(ctx context.Context, info metadata.ObjectInfo, reason string) {
	s.corrupt.Add(1)
	slog.Error("scrubber: corrupt object",
		slog.String("bucket", info.Bucket),
		slog.String("key", info.Key),
		slog.String("version", info.VersionID),
		slog.String("reason", reason),
	)
	if err := s.idx.MarkCorrupt(ctx, info.Bucket, info.Key, info.VersionID); err != nil &&
		!errors.Is(err, metadata.ErrNoSuchKey) && !errors.Is(err, metadata.ErrNoSuchBucket) {
		s.errs.Add(1)
	}
}

// sweepOrphans removes blobs no current index record references. A blob is
// only removed if it is unreferenced in BOTH an index snapshot taken before
// the blob walk and one taken after it, AND its mtime is older than the
// scrub interval. The age grace covers the PUT window between the blob
// commit and the index commit, which no number of snapshots can close.
func (s *BlobScrubber) sweepOrphans(ctx context.Context) error {
	referenced := make(map[storage.Location]struct{})
	err := s.idx.WalkObjects(ctx, func(info metadata.ObjectInfo) error {
		referenced[info.Location] = struct{}{}
		return nil
	})
	if err != nil {
		return err
	}
	var candidates []storage.Location
	err = s.store.Walk(ctx, func(loc storage.Location) error {
		if _, ok := referenced[loc]; !ok {
			candidates = append(candidates, loc)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}
	// Re-check against a fresh snapshot: anything PUT since the first
	// walk is spared this pass.
	fresh := make(map[storage.Location]struct{})
	err = s.idx.WalkObjects(ctx, func(info metadata.ObjectInfo) error {
		fresh[info.Location] = struct{}{}
		return nil
	})
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-s.cfg.Interval)
	for _, loc := range candidates {
		if _, ok := fresh[loc]; ok {
			continue
		}
		mt, err := s.store.ModTime(ctx, loc)
		if err != nil {
			if !errors.Is(err, storage.ErrBlobNotFound) {
				s.errs.Add(1)
			}
			continue
		}
		if mt.After(cutoff) {
			continue
		}
		if err := s.store.Remove(ctx, loc); err != nil {
			if !errors.Is(err, storage.ErrBlobNotFound) {
				s.errs.Add(1)
			}
			continue
		}
		s.swept.Add(1)
	}
	return nil
}
