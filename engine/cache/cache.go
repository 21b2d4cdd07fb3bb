package cache

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Options tunes how the database is opened
type Options struct {
	Timeout time.Duration // lock acquisition timeout (default 10s)
	NoSync  bool          // skip fsync, for tests and throwaway caches
}

// Storage is the set of named cache buckets (the CacheStorage of a worker).
// It is safe for concurrent use; BoltDB serializes writers.
type Storage struct {
	db       *bolt.DB
	store    *Store
	basePath string
	closed   atomic.Bool
}

// Open opens or creates storage at the given directory
func Open(basePath string, opts Options) (*Storage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	boltOpts := &bolt.Options{
		Timeout:      timeout,
		FreelistType: bolt.FreelistArrayType,
		NoSync:       opts.NoSync,
		NoGrowSync:   opts.NoSync,
	}

	db, err := bolt.Open(filepath.Join(basePath, "cache.db"), 0644, boltOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}

	store, err := NewStore(filepath.Join(basePath, "store"))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	s := &Storage{
		db:       db,
		store:    store,
		basePath: basePath,
	}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database. Safe to call more than once.
func (s *Storage) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = s.store.Close()
	return s.db.Close()
}

// Path returns the storage directory
func (s *Storage) Path() string {
	return s.basePath
}

func (s *Storage) initSchema() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(BucketMeta))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", BucketMeta, err)
		}
		if meta.Get([]byte(KeySchemaVersion)) == nil {
			v := make([]byte, 4)
			binary.BigEndian.PutUint32(v, SchemaVersion)
			return meta.Put([]byte(KeySchemaVersion), v)
		}
		return nil
	})
}

func reserved(name string) bool {
	return name == "" || strings.HasPrefix(name, reservedPrefix)
}

// Names lists every cache bucket, sorted
func (s *Storage) Names() ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if !reserved(string(name)) {
				names = append(names, string(name))
			}
			return nil
		})
	})
	sort.Strings(names)
	return names, err
}

// Has reports whether a bucket exists
func (s *Storage) Has(name string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	if reserved(name) {
		return false, nil
	}
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket([]byte(name)) != nil
		return nil
	})
	return found, err
}

// Delete drops a bucket with all of its entries. Blobs referenced only by
// the bucket become garbage for the next GC. Reports whether it existed.
func (s *Storage) Delete(name string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	if reserved(name) {
		return false, ErrReservedName
	}
	deleted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(name)) == nil {
			return nil
		}
		if err := tx.DeleteBucket([]byte(name)); err != nil {
			return fmt.Errorf("failed to delete bucket %s: %w", name, err)
		}
		deleted = true
		return nil
	})
	return deleted, err
}

// Bucket returns a handle to the named bucket. The bucket itself is created
// on first write.
func (s *Storage) Bucket(name string) *Bucket {
	return &Bucket{name: name, s: s}
}

// Match looks up key across every bucket in name order, returning the first hit
func (s *Storage) Match(key string) (*Entry, string, error) {
	names, err := s.Names()
	if err != nil {
		return nil, "", err
	}
	for _, name := range names {
		e, err := s.Bucket(name).Entry(key)
		if err != nil {
			return nil, "", err
		}
		if e != nil {
			return e, name, nil
		}
	}
	return nil, "", nil
}

// Clear removes every bucket and every blob
func (s *Storage) Clear() error {
	names, err := s.Names()
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := s.Delete(name); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(filepath.Join(s.basePath, "store")); err != nil {
		return fmt.Errorf("failed to remove store: %w", err)
	}
	return nil
}

// Store returns the blob store
func (s *Storage) Store() *Store {
	return s.store
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
