package server

import (
	"encoding/json"
	"net/http"

	"github.com/apex/log"

	"github.com/Kush-Singh-26/vallenato/engine/generators"
	"github.com/Kush-Singh-26/vallenato/engine/metrics"
)

const (
	StatsPath         = "/__vallenato/stats"
	ServiceWorkerPath = "/__vallenato/sw.js"
)

type statsPayload struct {
	Version  string           `json:"version"`
	State    string           `json:"state"`
	Buckets  []string         `json:"buckets"`
	Upstream string           `json:"upstream"`
	Metrics  metrics.Snapshot `json:"metrics"`
}

func (s *Server) handleStats(rw http.ResponseWriter, r *http.Request) {
	w := s.current.Load()
	if w == nil {
		http.Error(rw, "no active generation", http.StatusServiceUnavailable)
		return
	}

	payload := statsPayload{
		Version:  w.Versions().Version,
		State:    w.State().String(),
		Buckets:  w.Versions().Current(),
		Upstream: w.Config().Upstream,
		Metrics:  s.metrics.Snapshot(),
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(rw).Encode(payload); err != nil {
		log.WithError(err).Debug("stats write failed")
	}
}

func (s *Server) handleServiceWorker(rw http.ResponseWriter, r *http.Request) {
	w := s.current.Load()
	if w == nil {
		http.Error(rw, "no active generation", http.StatusServiceUnavailable)
		return
	}

	rw.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Service-Worker-Allowed", "/")
	if err := generators.RenderSW(rw, w.Config(), true); err != nil {
		log.WithError(err).Error("render sw.js")
	}
}
