package strategy

import (
	"context"
	"time"

	"github.com/apex/log"

	"github.com/Kush-Singh-26/vallenato/engine/fetch"
	"github.com/Kush-Singh-26/vallenato/engine/metrics"
	"github.com/Kush-Singh-26/vallenato/engine/models"
	"github.com/Kush-Singh-26/vallenato/engine/policy"
)

// NetworkFirst serves the public API: the network is raced against Timeout
// and the bucket is only consulted when the network is slow or unreachable.
type NetworkFirst struct {
	Fetcher  fetch.Fetcher
	Bucket   Bucket
	Writer   Writer
	MaxItems int
	Timeout  time.Duration
	Metrics  *metrics.WorkerMetrics
}

type outcome struct {
	resp *models.Response
	err  error
}

func (s *NetworkFirst) timeout() time.Duration {
	if s.Timeout <= 0 {
		return policy.DefaultAPITimeout
	}
	return s.Timeout
}

// Serve implements Handler
func (s *NetworkFirst) Serve(ctx context.Context, req *models.Request) *models.Response {
	m := statsOrNop(s.Metrics)
	// API responses may be user specific; credentialed callers get their own key
	key := req.UserKey()

	// The fetch is detached from ctx: after losing the race it keeps going so
	// its cache write can still land. The fetcher's own timeout bounds it.
	done := make(chan outcome, 1)
	go func() {
		resp, err := s.Fetcher.Fetch(context.WithoutCancel(ctx), req)
		if err == nil && resp.OK() {
			if !s.Writer.Put(s.Bucket, key, resp.Clone(), s.MaxItems) {
				m.RecordDroppedWrite()
			}
		}
		done <- outcome{resp: resp, err: err}
	}()

	timer := time.NewTimer(s.timeout())
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			log.WithError(out.err).WithField("url", req.URL.String()).Debug("api fetch failed")
			return s.fallback(m, key, Offline, m.RecordOffline)
		}
		return out.resp
	case <-timer.C:
		m.RecordSoftTimeout()
		log.WithField("url", req.URL.String()).WithField("timeout", s.timeout()).Debug("api fetch timed out")
		return s.fallback(m, key, Timeout, m.RecordTimeout)
	case <-ctx.Done():
		// the client is gone; nobody reads this
		return Offline()
	}
}

// fallback prefers any cached copy over a synthesized error
func (s *NetworkFirst) fallback(m *metrics.WorkerMetrics, key string, synth func() *models.Response, record func()) *models.Response {
	if cached := lookup(s.Bucket, key); cached != nil {
		m.RecordHit()
		m.RecordStale()
		return cached
	}
	m.RecordMiss()
	record()
	return synth()
}
