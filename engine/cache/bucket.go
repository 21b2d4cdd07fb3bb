package cache

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Kush-Singh-26/vallenato/engine/models"
)

// Bucket is a handle to one named cache bucket. Entries keep insertion
// order; re-putting a key moves it to the back.
type Bucket struct {
	name string
	s    *Storage
}

// Name returns the bucket name
func (b *Bucket) Name() string {
	return b.name
}

// view runs fn against the bucket's nested buckets, skipping fn when the
// bucket has not been created yet.
func (b *Bucket) view(fn func(entries, order *bolt.Bucket) error) error {
	if b.s.closed.Load() {
		return ErrClosed
	}
	if reserved(b.name) {
		return ErrReservedName
	}
	return b.s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(b.name))
		if root == nil {
			return nil
		}
		entries, order := root.Bucket([]byte(SubEntries)), root.Bucket([]byte(SubOrder))
		if entries == nil || order == nil {
			return nil
		}
		return fn(entries, order)
	})
}

// Entry returns the stored record for key, or nil when absent
func (b *Bucket) Entry(key string) (*Entry, error) {
	var result *Entry
	err := b.view(func(entries, _ *bolt.Bucket) error {
		data := entries.Get([]byte(key))
		if data == nil {
			return nil
		}
		var e Entry
		if err := Decode(data, &e); err != nil {
			return fmt.Errorf("corrupt entry %q: %w", key, err)
		}
		result = &e
		return nil
	})
	return result, err
}

// Match returns the cached response for key, or nil on a miss
func (b *Bucket) Match(key string) (*models.Response, error) {
	e, err := b.Entry(key)
	if err != nil || e == nil {
		return nil, err
	}
	return b.s.Response(e)
}

// Response resolves an entry's body (inline or from the blob store)
func (s *Storage) Response(e *Entry) (*models.Response, error) {
	if e.Inline() {
		body := make([]byte, len(e.Body))
		copy(body, e.Body)
		return toResponse(e, body), nil
	}
	body, err := s.store.Get(categoryBodies, e.BodyHash, e.Compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to load body for %q: %w", e.Key, err)
	}
	return toResponse(e, body), nil
}

// Put stores resp under key, creating the bucket if needed
func (b *Bucket) Put(key string, resp *models.Response) error {
	if b.s.closed.Load() {
		return ErrClosed
	}
	if reserved(b.name) {
		return ErrReservedName
	}
	if err := checkKey(key); err != nil {
		return err
	}

	e := &Entry{
		Key:      key,
		Status:   resp.Status,
		Header:   map[string][]string(resp.Header.Clone()),
		Size:     int64(len(resp.Body)),
		StoredAt: time.Now().UnixNano(),
	}
	if len(resp.Body) >= InlineBodyThreshold {
		hash, ct, err := b.s.store.Put(categoryBodies, resp.Body)
		if err != nil {
			return fmt.Errorf("failed to store body: %w", err)
		}
		e.BodyHash = hash
		e.Compressed = ct != CompressionNone
	} else if resp.Body != nil {
		e.Body = append([]byte(nil), resp.Body...)
	}

	return b.s.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte(b.name))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", b.name, err)
		}
		entries, err := root.CreateBucketIfNotExists([]byte(SubEntries))
		if err != nil {
			return err
		}
		order, err := root.CreateBucketIfNotExists([]byte(SubOrder))
		if err != nil {
			return err
		}

		if old := entries.Get([]byte(key)); old != nil {
			var prev Entry
			if err := Decode(old, &prev); err == nil {
				if err := order.Delete(seqKey(prev.Seq)); err != nil {
					return err
				}
			}
		}

		seq, err := root.NextSequence()
		if err != nil {
			return err
		}
		e.Seq = seq

		data, err := Encode(e)
		if err != nil {
			return err
		}
		if err := entries.Put([]byte(key), data); err != nil {
			return err
		}
		return order.Put(seqKey(seq), []byte(key))
	})
}

// Remove deletes key; reports whether it was present
func (b *Bucket) Remove(key string) (bool, error) {
	if b.s.closed.Load() {
		return false, ErrClosed
	}
	removed := false
	err := b.s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(b.name))
		if root == nil {
			return nil
		}
		entries, order := root.Bucket([]byte(SubEntries)), root.Bucket([]byte(SubOrder))
		if entries == nil || order == nil {
			return nil
		}
		data := entries.Get([]byte(key))
		if data == nil {
			return nil
		}
		var e Entry
		if err := Decode(data, &e); err == nil {
			if err := order.Delete(seqKey(e.Seq)); err != nil {
				return err
			}
		}
		removed = true
		return entries.Delete([]byte(key))
	})
	return removed, err
}

// Keys returns keys oldest first
func (b *Bucket) Keys() ([]string, error) {
	var keys []string
	err := b.view(func(_, order *bolt.Bucket) error {
		return order.ForEach(func(_, v []byte) error {
			keys = append(keys, string(v))
			return nil
		})
	})
	return keys, err
}

// Entries returns every record oldest first. Unlike the other readers it
// reports a bucket that was never created as ErrBucketNotFound.
func (b *Bucket) Entries() ([]*Entry, error) {
	if b.s.closed.Load() {
		return nil, ErrClosed
	}
	if reserved(b.name) {
		return nil, ErrReservedName
	}
	var out []*Entry
	err := b.s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(b.name))
		if root == nil {
			return fmt.Errorf("%w: %s", ErrBucketNotFound, b.name)
		}
		entries, order := root.Bucket([]byte(SubEntries)), root.Bucket([]byte(SubOrder))
		if entries == nil || order == nil {
			return nil
		}
		return order.ForEach(func(_, k []byte) error {
			data := entries.Get(k)
			if data == nil {
				return nil
			}
			var e Entry
			if err := Decode(data, &e); err != nil {
				return nil // Verify reports these
			}
			out = append(out, &e)
			return nil
		})
	})
	return out, err
}

// Len returns the number of entries
func (b *Bucket) Len() (int, error) {
	n := 0
	err := b.view(func(entries, _ *bolt.Bucket) error {
		n = entries.Stats().KeyN
		return nil
	})
	return n, err
}

// Trim evicts the oldest entries until at most limit remain, inside one
// write transaction. limit <= 0 means unbounded. Returns the evicted count.
func (b *Bucket) Trim(limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	if b.s.closed.Load() {
		return 0, ErrClosed
	}
	evicted := 0
	err := b.s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(b.name))
		if root == nil {
			return nil
		}
		entries, order := root.Bucket([]byte(SubEntries)), root.Bucket([]byte(SubOrder))
		if entries == nil || order == nil {
			return nil
		}

		type slot struct{ seq, key []byte }
		var slots []slot
		if err := order.ForEach(func(k, v []byte) error {
			slots = append(slots, slot{
				seq: append([]byte(nil), k...),
				key: append([]byte(nil), v...),
			})
			return nil
		}); err != nil {
			return err
		}

		excess := len(slots) - limit
		for i := 0; i < excess; i++ {
			if err := order.Delete(slots[i].seq); err != nil {
				return err
			}
			if err := entries.Delete(slots[i].key); err != nil {
				return err
			}
			evicted++
		}
		return nil
	})
	return evicted, err
}
