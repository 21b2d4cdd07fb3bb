// Package strategy implements the ways a classified request is answered:
// cache-first for static assets, network-first with a timeout for the public
// API, and bypass for HTML, private and auth routes. No strategy returns an
// error; every failure degrades to a cached or synthesized response.
package strategy

import (
	"context"

	"github.com/apex/log"

	"github.com/Kush-Singh-26/vallenato/engine/cache"
	"github.com/Kush-Singh-26/vallenato/engine/metrics"
	"github.com/Kush-Singh-26/vallenato/engine/models"
)

// Handler answers one request
type Handler interface {
	Serve(ctx context.Context, req *models.Request) *models.Response
}

// Bucket is the cache a strategy reads and writes; *cache.Bucket implements it
type Bucket interface {
	cache.Target
	Match(key string) (*models.Response, error)
}

// Writer queues background cache writes; *cache.AsyncWriter implements it
type Writer interface {
	Put(b cache.Target, key string, resp *models.Response, limit int) bool
	Trim(b cache.Target, limit int) bool
}

// lookup reads key from b, treating read errors as a miss
func lookup(b Bucket, key string) *models.Response {
	resp, err := b.Match(key)
	if err != nil {
		log.WithError(err).WithField("bucket", b.Name()).WithField("key", key).Warn("cache read failed")
		return nil
	}
	return resp
}

func statsOrNop(m *metrics.WorkerMetrics) *metrics.WorkerMetrics {
	if m == nil {
		return metrics.New()
	}
	return m
}
