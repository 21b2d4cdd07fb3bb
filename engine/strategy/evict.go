package strategy

import (
	"github.com/apex/log"

	"github.com/Kush-Singh-26/vallenato/engine/cache"
	"github.com/Kush-Singh-26/vallenato/engine/policy"
)

// Enforce bounds a bucket to limit entries, evicting oldest-inserted first.
// It is FIFO, not LRU: reads do not refresh an entry's position. limit <= 0
// uses the default bound.
func Enforce(b cache.Target, limit int) (int, error) {
	if limit <= 0 {
		limit = policy.DefaultMaxCacheItems
	}
	n, err := b.Trim(limit)
	if err != nil {
		return n, err
	}
	if n > 0 {
		log.WithField("bucket", b.Name()).WithField("evicted", n).Debug("cache bound enforced")
	}
	return n, nil
}
