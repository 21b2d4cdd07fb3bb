// Package metrics tracks what the edge worker did with each request.
package metrics

import (
	"fmt"
	"sync/atomic"
	"time"
)

// WorkerMetrics holds counters shared by every request goroutine.
// All methods are safe for concurrent use.
type WorkerMetrics struct {
	StartTime time.Time

	passthrough  atomic.Int64
	bypass       atomic.Int64
	cacheFirst   atomic.Int64
	networkFirst atomic.Int64

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64

	stores        atomic.Int64
	storeFailures atomic.Int64
	evictions     atomic.Int64
	droppedWrites atomic.Int64

	softTimeouts     atomic.Int64
	staleServed      atomic.Int64
	offlineResponses atomic.Int64
	timeoutResponses atomic.Int64
}

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	Uptime           string  `json:"uptime"`
	Passthrough      int64   `json:"passthrough"`
	Bypass           int64   `json:"bypass"`
	CacheFirst       int64   `json:"cache_first"`
	NetworkFirst     int64   `json:"network_first"`
	CacheHits        int64   `json:"cache_hits"`
	CacheMisses      int64   `json:"cache_misses"`
	HitRate          float64 `json:"hit_rate"`
	Stores           int64   `json:"stores"`
	StoreFailures    int64   `json:"store_failures"`
	Evictions        int64   `json:"evictions"`
	DroppedWrites    int64   `json:"dropped_writes"`
	SoftTimeouts     int64   `json:"soft_timeouts"`
	StaleServed      int64   `json:"stale_served"`
	OfflineResponses int64   `json:"offline_responses"`
	TimeoutResponses int64   `json:"timeout_responses"`
}

// New creates a metrics instance.
func New() *WorkerMetrics {
	return &WorkerMetrics{StartTime: time.Now()}
}

// RecordStrategy counts a classified request by strategy name.
func (m *WorkerMetrics) RecordStrategy(name string) {
	switch name {
	case "bypass":
		m.bypass.Add(1)
	case "cache-first":
		m.cacheFirst.Add(1)
	case "network-first":
		m.networkFirst.Add(1)
	default:
		m.passthrough.Add(1)
	}
}

// RecordHit counts a response served from a bucket.
func (m *WorkerMetrics) RecordHit() { m.cacheHits.Add(1) }

// RecordMiss counts a bucket lookup that found nothing.
func (m *WorkerMetrics) RecordMiss() { m.cacheMisses.Add(1) }

// RecordStore counts a cache write and its outcome.
func (m *WorkerMetrics) RecordStore(err error) {
	if err != nil {
		m.storeFailures.Add(1)
		return
	}
	m.stores.Add(1)
}

// RecordEvictions adds n evicted entries.
func (m *WorkerMetrics) RecordEvictions(n int) {
	if n > 0 {
		m.evictions.Add(int64(n))
	}
}

// RecordDroppedWrite counts a background write rejected by a full queue.
func (m *WorkerMetrics) RecordDroppedWrite() { m.droppedWrites.Add(1) }

// RecordSoftTimeout counts a network-first race lost by the network.
func (m *WorkerMetrics) RecordSoftTimeout() { m.softTimeouts.Add(1) }

// RecordStale counts a cached response served because the network failed or was slow.
func (m *WorkerMetrics) RecordStale() { m.staleServed.Add(1) }

// RecordOffline counts a synthesized 503.
func (m *WorkerMetrics) RecordOffline() { m.offlineResponses.Add(1) }

// RecordTimeout counts a synthesized 504.
func (m *WorkerMetrics) RecordTimeout() { m.timeoutResponses.Add(1) }

// HitRate returns the cache hit percentage.
func (m *WorkerMetrics) HitRate() float64 {
	hits, misses := m.cacheHits.Load(), m.cacheMisses.Load()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

// Snapshot copies the counters.
func (m *WorkerMetrics) Snapshot() Snapshot {
	return Snapshot{
		Uptime:           time.Since(m.StartTime).Round(time.Second).String(),
		Passthrough:      m.passthrough.Load(),
		Bypass:           m.bypass.Load(),
		CacheFirst:       m.cacheFirst.Load(),
		NetworkFirst:     m.networkFirst.Load(),
		CacheHits:        m.cacheHits.Load(),
		CacheMisses:      m.cacheMisses.Load(),
		HitRate:          m.HitRate(),
		Stores:           m.stores.Load(),
		StoreFailures:    m.storeFailures.Load(),
		Evictions:        m.evictions.Load(),
		DroppedWrites:    m.droppedWrites.Load(),
		SoftTimeouts:     m.softTimeouts.Load(),
		StaleServed:      m.staleServed.Load(),
		OfflineResponses: m.offlineResponses.Load(),
		TimeoutResponses: m.timeoutResponses.Load(),
	}
}

// String returns a single-line summary.
func (m *WorkerMetrics) String() string {
	s := m.Snapshot()
	handled := s.Bypass + s.CacheFirst + s.NetworkFirst
	return fmt.Sprintf("📊 Handled %d requests in %s (cache: %d/%d hits, %.0f%%, %d stale, %d offline)",
		handled,
		s.Uptime,
		s.CacheHits,
		s.CacheHits+s.CacheMisses,
		s.HitRate,
		s.StaleServed,
		s.OfflineResponses+s.TimeoutResponses,
	)
}
