package cache

import (
	"encoding/binary"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// Stats gathers counts across all buckets and the blob store
func (s *Storage) Stats() (*Stats, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	stats := &Stats{Buckets: make(map[string]int)}

	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(BucketMeta))
		if v := meta.Get([]byte(KeySchemaVersion)); len(v) == 4 {
			stats.SchemaVersion = int(binary.BigEndian.Uint32(v))
		}
		if v := meta.Get([]byte(KeyLastGC)); len(v) == 8 {
			stats.LastGC = int64(binary.BigEndian.Uint64(v))
		}

		return tx.ForEach(func(name []byte, root *bolt.Bucket) error {
			if reserved(string(name)) {
				return nil
			}
			entries := root.Bucket([]byte(SubEntries))
			if entries == nil {
				stats.Buckets[string(name)] = 0
				return nil
			}
			n := 0
			err := entries.ForEach(func(_, v []byte) error {
				n++
				var e Entry
				if err := Decode(v, &e); err != nil {
					return nil
				}
				if e.Inline() {
					stats.InlineEntries++
					stats.InlineBytes += e.Size
				} else {
					stats.BlobEntries++
				}
				return nil
			})
			stats.Buckets[string(name)] = n
			stats.TotalEntries += n
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	stats.StoreBytes, stats.StoreBlobs, err = s.store.Size(categoryBodies)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(filepath.Join(s.basePath, "cache.db")); err == nil {
		stats.DBBytes = info.Size()
	}
	return stats, nil
}
