package metadata

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryIndex is a simple in-memory Index suitable for development and unit
// tests. It is NOT durable and should not be used in production.
type MemoryIndex struct {
	mu      sync.RWMutex
	buckets map[string]Bucket
	objects map[string]map[string]ObjectInfo // bucket -> key -> info
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		buckets: make(map[string]Bucket),
		objects: make(map[string]map[string]ObjectInfo),
	}
}

func (m *MemoryIndex) CreateBucket(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[name]; ok {
		return ErrBucketExists
	}
	m.buckets[name] = Bucket{Name: name, CreationDate: time.Now().UTC()}
	m.objects[name] = make(map[string]ObjectInfo)
	return nil
}

func (m *MemoryIndex) DeleteBucket(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[name]; !ok {
		return ErrNoSuchBucket
	}
	if len(m.objects[name]) > 0 {
		return ErrBucketNotEmpty
	}
	delete(m.buckets, name)
	delete(m.objects, name)
	return nil
}

func (m *MemoryIndex) BucketExists(ctx context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.buckets[name]
	return ok, nil
}

// ListBuckets returns all buckets sorted by name for stable output.
func (m *MemoryIndex) ListBuckets(ctx context.Context) ([]Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Bucket, 0, len(m.buckets))
	for _, b := range m.buckets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryIndex) Lookup(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	objs, ok := m.objects[bucket]
	if !ok {
		return ObjectInfo{}, ErrNoSuchBucket
	}
	info, ok := objs[key]
	if !ok {
		return ObjectInfo{}, ErrNoSuchKey
	}
	return info, nil
}

func (m *MemoryIndex) Put(ctx context.Context, info ObjectInfo) (*ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, ok := m.objects[info.Bucket]
	if !ok {
		return nil, ErrNoSuchBucket
	}
	var prev *ObjectInfo
	if old, ok := objs[info.Key]; ok {
		cp := old
		prev = &cp
	}
	objs[info.Key] = info
	return prev, nil
}

func (m *MemoryIndex) Delete(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, ok := m.objects[bucket]
	if !ok {
		return ObjectInfo{}, ErrNoSuchBucket
	}
	info, ok := objs[key]
	if !ok {
		return ObjectInfo{}, ErrNoSuchKey
	}
	delete(objs, key)
	return info, nil
}

func (m *MemoryIndex) MarkCorrupt(ctx context.Context, bucket, key, versionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, ok := m.objects[bucket]
	if !ok {
		return ErrNoSuchBucket
	}
	info, ok := objs[key]
	if !ok {
		return ErrNoSuchKey
	}
	// A newer write supersedes the verdict.
	if info.VersionID != versionID {
		return nil
	}
	info.Corrupt = true
	objs[key] = info
	return nil
}

func (m *MemoryIndex) WalkObjects(ctx context.Context, fn func(ObjectInfo) error) error {
	// Snapshot under the read lock so fn may call back into the index.
	m.mu.RLock()
	snapshot := make([]ObjectInfo, 0)
	for _, objs := range m.objects {
		for _, info := range objs {
			snapshot = append(snapshot, info)
		}
	}
	m.mu.RUnlock()
	for _, info := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}
