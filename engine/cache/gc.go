package cache

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"
)

// GCConfig controls garbage collection of orphaned body blobs
type GCConfig struct {
	MinAge time.Duration // blobs younger than this are kept; a Put may not have committed yet
	DryRun bool          // only report what would be deleted
}

// DefaultGCConfig returns sensible defaults
func DefaultGCConfig() GCConfig {
	return GCConfig{
		MinAge: time.Minute,
	}
}

// GCResult contains statistics from a GC run
type GCResult struct {
	DeletedBlobs int
	DeletedBytes int64
	ScannedBlobs int
	LiveBlobs    int
	Duration     time.Duration
}

// liveHashes collects every body hash referenced by any bucket
func (s *Storage) liveHashes() (map[string]bool, error) {
	live := make(map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, root *bolt.Bucket) error {
			if reserved(string(name)) {
				return nil
			}
			entries := root.Bucket([]byte(SubEntries))
			if entries == nil {
				return nil
			}
			return entries.ForEach(func(_, v []byte) error {
				var e Entry
				if err := Decode(v, &e); err != nil {
					return nil // skip corrupt entries
				}
				if e.BodyHash != "" {
					live[e.BodyHash] = true
				}
				return nil
			})
		})
	})
	return live, err
}

// RunGC deletes blobs no entry references anymore. Buckets removed by
// activation or eviction leave their large bodies behind until this runs.
func (s *Storage) RunGC(cfg GCConfig) (*GCResult, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	start := time.Now()

	live, err := s.liveHashes()
	if err != nil {
		return nil, fmt.Errorf("failed to scan live hashes: %w", err)
	}

	blobs, err := s.store.List(categoryBodies)
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}

	result := &GCResult{
		ScannedBlobs: len(blobs),
		LiveBlobs:    len(live),
	}

	cutoff := start.Add(-cfg.MinAge)
	var (
		deletedBlobs atomic.Int64
		deletedBytes atomic.Int64
	)

	g := new(errgroup.Group)
	g.SetLimit(runtime.NumCPU())
	for _, blob := range blobs {
		if live[blob.Hash] || blob.ModTime.After(cutoff) {
			continue
		}
		g.Go(func() error {
			if cfg.DryRun {
				deletedBlobs.Add(1)
				deletedBytes.Add(blob.Size)
				return nil
			}
			freed := s.store.Delete(categoryBodies, blob.Hash)
			if freed > 0 {
				deletedBlobs.Add(1)
				deletedBytes.Add(freed)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result.DeletedBlobs = int(deletedBlobs.Load())
	result.DeletedBytes = deletedBytes.Load()
	result.Duration = time.Since(start)

	if !cfg.DryRun {
		err = s.db.Update(func(tx *bolt.Tx) error {
			v := make([]byte, 8)
			binary.BigEndian.PutUint64(v, uint64(time.Now().Unix()))
			return tx.Bucket([]byte(BucketMeta)).Put([]byte(KeyLastGC), v)
		})
		if err != nil {
			return result, fmt.Errorf("failed to record GC time: %w", err)
		}
	}

	return result, nil
}
