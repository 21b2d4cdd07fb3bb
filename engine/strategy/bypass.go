package strategy

import (
	"context"

	"github.com/apex/log"

	"github.com/Kush-Singh-26/vallenato/engine/fetch"
	"github.com/Kush-Singh-26/vallenato/engine/metrics"
	"github.com/Kush-Singh-26/vallenato/engine/models"
)

// Bypass always goes to the network and never touches a bucket. Used for
// HTML, private routes and auth endpoints, whose responses are either the
// latest app shell or user specific.
type Bypass struct {
	Fetcher fetch.Fetcher
	Metrics *metrics.WorkerMetrics
}

// Serve implements Handler
func (s *Bypass) Serve(ctx context.Context, req *models.Request) *models.Response {
	resp, err := s.Fetcher.Fetch(ctx, req)
	if err != nil {
		log.WithError(err).WithField("url", req.URL.String()).Debug("bypass fetch failed")
		statsOrNop(s.Metrics).RecordOffline()
		return Offline()
	}
	return resp
}
