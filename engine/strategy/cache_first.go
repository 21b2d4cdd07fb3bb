package strategy

import (
	"context"
	"net/http"

	"github.com/apex/log"

	"github.com/Kush-Singh-26/vallenato/engine/fetch"
	"github.com/Kush-Singh-26/vallenato/engine/metrics"
	"github.com/Kush-Singh-26/vallenato/engine/models"
)

// CacheFirst serves static assets. Assets are assumed content-hashed, so a
// cached copy is served without any freshness check.
type CacheFirst struct {
	Fetcher  fetch.Fetcher
	Bucket   Bucket
	Writer   Writer
	MaxItems int
	Metrics  *metrics.WorkerMetrics
}

// Serve implements Handler
func (s *CacheFirst) Serve(ctx context.Context, req *models.Request) *models.Response {
	m := statsOrNop(s.Metrics)
	key := req.Key()

	if cached := lookup(s.Bucket, key); cached != nil {
		m.RecordHit()
		return cached
	}
	m.RecordMiss()

	resp, err := s.Fetcher.Fetch(ctx, req)
	if err != nil {
		log.WithError(err).WithField("url", req.URL.String()).Debug("static fetch failed")
		// another request may have filled the bucket meanwhile
		if cached := lookup(s.Bucket, key); cached != nil {
			m.RecordStale()
			return cached
		}
		m.RecordOffline()
		return Offline()
	}

	// only exact 200s; a cached 404 would break the asset for good
	if resp.Status == http.StatusOK {
		err := s.Bucket.Put(key, resp.Clone())
		m.RecordStore(err)
		if err != nil {
			log.WithError(err).WithField("bucket", s.Bucket.Name()).WithField("key", key).Warn("static cache write failed")
		} else if !s.Writer.Trim(s.Bucket, s.MaxItems) {
			m.RecordDroppedWrite()
		}
	}
	return resp
}
