package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"
)

// LocalFS implements BlobStore on a single local directory. Blobs are
// content-addressed: the location is derived from the MD5 of the content, so
// identical writes land on the same path and a rewrite never changes bytes an
// open reader is consuming.
//
// Layout: <base>/blobs/<md5[0:2]>/<md5>
type LocalFS struct {
	base string // absolute base directory

	obs Observer // optional, set via SetObserver
}

// Observer receives per-operation storage instrumentation.
// Implemented by metrics.StorageMetrics.
type Observer interface {
	Observe(op string, bytes int64, err error, dur time.Duration)
}

// NewLocalFS creates a LocalFS rooted at the first non-empty dir from dirs.
func NewLocalFS(dirs []string) (*LocalFS, error) {
	var base string
	for _, d := range dirs {
		if d != "" {
			base = d
			break
		}
	}
	if base == "" {
		return nil, fmt.Errorf("no data directory configured")
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(abs, "blobs"), 0o700); err != nil {
		return nil, err
	}
	return &LocalFS{base: abs}, nil
}

// SetObserver wires a storage instrumentation sink. Must be called before
// serving traffic; not safe to swap concurrently with reads.
func (l *LocalFS) SetObserver(o Observer) { l.obs = o }

// BaseDir returns the absolute base directory.
func (l *LocalFS) BaseDir() string { return l.base }

func (l *LocalFS) observe(op string, n int64, err error, start time.Time) {
	if l.obs != nil {
		l.obs.Observe(op, n, err, time.Since(start))
	}
}

func (l *LocalFS) Write(ctx context.Context, r io.Reader) (Location, int64, string, error) {
	start := time.Now()
	loc, n, etag, err := l.write(r)
	l.observe("write", n, err, start)
	return loc, n, etag, err
}

func (l *LocalFS) write(r io.Reader) (Location, int64, string, error) {
	// Stream to a temp file while hashing; the final path depends on the
	// hash, so the blob is staged first and renamed into place.
	tmp, err := os.CreateTemp(filepath.Join(l.base, "blobs"), ".staging-*")
	if err != nil {
		return "", 0, "", fmt.Errorf("stage blob: %w", err)
	}
	tmpName := tmp.Name()
	h := md5.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", n, "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", n, "", fmt.Errorf("sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", n, "", err
	}
	etag := hex.EncodeToString(h.Sum(nil))
	loc := Location("blobs/" + etag[:2] + "/" + etag)
	final := filepath.Join(l.base, filepath.FromSlash(string(loc)))
	if err := os.MkdirAll(filepath.Dir(final), 0o700); err != nil {
		os.Remove(tmpName)
		return "", n, "", err
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", n, "", fmt.Errorf("commit blob: %w", err)
	}
	// Make the rename durable before the metadata pointer can reference it.
	if err := syncDir(filepath.Dir(final)); err != nil {
		return "", n, "", fmt.Errorf("sync blob dir: %w", err)
	}
	return loc, n, etag, nil
}

// syncDir fsyncs the directory holding a freshly renamed blob. Windows has
// no directory sync, and some filesystems (tmpfs) return EINVAL for it;
// both cases are treated as done.
func syncDir(dir string) error {
	if dir == "" || runtime.GOOS == "windows" {
		return nil
	}
	df, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer df.Close()
	if err := df.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		return err
	}
	return nil
}

func (l *LocalFS) ReadRange(ctx context.Context, loc Location, off, n int64) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := l.readRange(loc, off, n)
	l.observe("read", n, err, start)
	return rc, err
}

func (l *LocalFS) readRange(loc Location, off, n int64) (io.ReadCloser, error) {
	path, err := l.blobPath(loc)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	if off > 0 {
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek blob: %w", err)
		}
	}
	if n < 0 {
		return f, nil
	}
	return &limitedFile{f: f, r: io.LimitReader(f, n)}, nil
}

func (l *LocalFS) Stat(ctx context.Context, loc Location) (int64, error) {
	path, err := l.blobPath(loc)
	if err != nil {
		return 0, err
	}
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrBlobNotFound
		}
		return 0, fmt.Errorf("stat blob: %w", err)
	}
	return st.Size(), nil
}

func (l *LocalFS) ModTime(ctx context.Context, loc Location) (time.Time, error) {
	path, err := l.blobPath(loc)
	if err != nil {
		return time.Time{}, err
	}
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, ErrBlobNotFound
		}
		return time.Time{}, fmt.Errorf("stat blob: %w", err)
	}
	return st.ModTime(), nil
}

func (l *LocalFS) Remove(ctx context.Context, loc Location) error {
	start := time.Now()
	err := l.remove(loc)
	l.observe("remove", 0, err, start)
	return err
}

func (l *LocalFS) remove(loc Location) error {
	path, err := l.blobPath(loc)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrBlobNotFound
		}
		return err
	}
	// best-effort: drop the fan-out dir if it emptied
	_ = removeIfEmpty(filepath.Dir(path), filepath.Join(l.base, "blobs"))
	return nil
}

func (l *LocalFS) Walk(ctx context.Context, fn func(Location) error) error {
	root := filepath.Join(l.base, "blobs")
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".staging-") {
			return nil
		}
		rel, rerr := filepath.Rel(l.base, p)
		if rerr != nil {
			return nil
		}
		return fn(Location(filepath.ToSlash(rel)))
	})
}

func (l *LocalFS) blobPath(loc Location) (string, error) {
	clean := strings.TrimPrefix(filepath.Clean("/"+filepath.FromSlash(string(loc))), string(os.PathSeparator))
	p := filepath.Join(l.base, clean)
	// prevent escape: resolved path must stay under base
	if !strings.HasPrefix(p+string(os.PathSeparator), l.base+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid blob location %q", loc)
	}
	return p, nil
}

func removeIfEmpty(dir, stop string) error {
	if dir == stop || dir == "/" || dir == "." || dir == "" {
		return nil
	}
	e, err := os.ReadDir(dir)
	if err != nil || len(e) > 0 {
		return nil
	}
	return os.Remove(dir)
}

// limitedFile couples a LimitReader with the underlying file's Close.
type limitedFile struct {
	f *os.File
	r io.Reader
}

func (l *limitedFile) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedFile) Close() error               { return l.f.Close() }
