package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketsBucket = []byte("buckets")
	objectsBucket = []byte("objects")
)

// BoltIndex is a durable Index backed by a single bbolt file. bbolt gives
// serializable transactions, so Lookup after a committed Put always sees the
// new record.
//
// Object records are keyed "<bucket>\x00<key>"; NUL cannot appear in bucket
// names, so prefixes are unambiguous.
type BoltIndex struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the index database at path.
func OpenBolt(path string) (*BoltIndex, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketsBucket, objectsBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init index db: %w", err)
	}
	return &BoltIndex{db: db}, nil
}

// Close releases the underlying database file.
func (b *BoltIndex) Close() error { return b.db.Close() }

func objectKey(bucket, key string) []byte {
	k := make([]byte, 0, len(bucket)+1+len(key))
	k = append(k, bucket...)
	k = append(k, 0)
	k = append(k, key...)
	return k
}

func bucketPrefix(bucket string) []byte {
	return append([]byte(bucket), 0)
}

func (b *BoltIndex) CreateBucket(ctx context.Context, name string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bb := tx.Bucket(bucketsBucket)
		if bb.Get([]byte(name)) != nil {
			return ErrBucketExists
		}
		raw, err := json.Marshal(Bucket{Name: name, CreationDate: time.Now().UTC()})
		if err != nil {
			return err
		}
		return bb.Put([]byte(name), raw)
	})
}

func (b *BoltIndex) DeleteBucket(ctx context.Context, name string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bb := tx.Bucket(bucketsBucket)
		if bb.Get([]byte(name)) == nil {
			return ErrNoSuchBucket
		}
		c := tx.Bucket(objectsBucket).Cursor()
		prefix := bucketPrefix(name)
		if k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix) {
			return ErrBucketNotEmpty
		}
		return bb.Delete([]byte(name))
	})
}

func (b *BoltIndex) BucketExists(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketsBucket).Get([]byte(name)) != nil
		return nil
	})
	return ok, err
}

func (b *BoltIndex) ListBuckets(ctx context.Context) ([]Bucket, error) {
	var out []Bucket
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketsBucket).ForEach(func(_, v []byte) error {
			var bk Bucket
			if err := json.Unmarshal(v, &bk); err != nil {
				return err
			}
			out = append(out, bk)
			return nil
		})
	})
	return out, err
}

func (b *BoltIndex) Lookup(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	var info ObjectInfo
	err := b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketsBucket).Get([]byte(bucket)) == nil {
			return ErrNoSuchBucket
		}
		raw := tx.Bucket(objectsBucket).Get(objectKey(bucket, key))
		if raw == nil {
			return ErrNoSuchKey
		}
		return json.Unmarshal(raw, &info)
	})
	return info, err
}

func (b *BoltIndex) Put(ctx context.Context, info ObjectInfo) (*ObjectInfo, error) {
	var prev *ObjectInfo
	err := b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketsBucket).Get([]byte(info.Bucket)) == nil {
			return ErrNoSuchBucket
		}
		ob := tx.Bucket(objectsBucket)
		k := objectKey(info.Bucket, info.Key)
		if raw := ob.Get(k); raw != nil {
			var old ObjectInfo
			if err := json.Unmarshal(raw, &old); err == nil {
				prev = &old
			}
		}
		raw, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return ob.Put(k, raw)
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

func (b *BoltIndex) Delete(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	var info ObjectInfo
	err := b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketsBucket).Get([]byte(bucket)) == nil {
			return ErrNoSuchBucket
		}
		ob := tx.Bucket(objectsBucket)
		k := objectKey(bucket, key)
		raw := ob.Get(k)
		if raw == nil {
			return ErrNoSuchKey
		}
		if err := json.Unmarshal(raw, &info); err != nil {
			return err
		}
		return ob.Delete(k)
	})
	return info, err
}

func (b *BoltIndex) MarkCorrupt(ctx context.Context, bucket, key, versionID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketsBucket).Get([]byte(bucket)) == nil {
			return ErrNoSuchBucket
		}
		ob := tx.Bucket(objectsBucket)
		k := objectKey(bucket, key)
		raw := ob.Get(k)
		if raw == nil {
			return ErrNoSuchKey
		}
		var info ObjectInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return err
		}
		if info.VersionID != versionID {
			return nil
		}
		info.Corrupt = true
		out, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return ob.Put(k, out)
	})
}

func (b *BoltIndex) WalkObjects(ctx context.Context, fn func(ObjectInfo) error) error {
	// Collect under the view transaction, call fn outside it so fn may
	// update the index without deadlocking.
	var infos []ObjectInfo
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(objectsBucket).ForEach(func(_, v []byte) error {
			var info ObjectInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}
			infos = append(infos, info)
			return nil
		})
	})
	if err != nil {
		return err
	}
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}
