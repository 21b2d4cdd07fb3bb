package cache

import (
	"bytes"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Verify checks storage integrity and returns a list of problems
func (s *Storage) Verify() ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var problems []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, root *bolt.Bucket) error {
			if reserved(string(name)) {
				return nil
			}
			entries, order := root.Bucket([]byte(SubEntries)), root.Bucket([]byte(SubOrder))
			if entries == nil || order == nil {
				problems = append(problems, fmt.Sprintf("bucket %s: missing nested buckets", name))
				return nil
			}

			err := entries.ForEach(func(k, v []byte) error {
				var e Entry
				if err := Decode(v, &e); err != nil {
					problems = append(problems, fmt.Sprintf("bucket %s: corrupt entry %s", name, k))
					return nil
				}
				if got := order.Get(seqKey(e.Seq)); !bytes.Equal(got, k) {
					problems = append(problems, fmt.Sprintf("bucket %s: entry %s has no order slot %d", name, k, e.Seq))
				}
				if !e.Inline() && !s.store.Exists(categoryBodies, e.BodyHash) {
					problems = append(problems, fmt.Sprintf("bucket %s: missing body blob %s for %s", name, e.BodyHash, k))
				}
				return nil
			})
			if err != nil {
				return err
			}

			return order.ForEach(func(seq, k []byte) error {
				if entries.Get(k) == nil {
					problems = append(problems, fmt.Sprintf("bucket %s: order slot %x points at missing entry %s", name, seq, k))
				}
				return nil
			})
		})
	})

	return problems, err
}
