// Package run wires one worker generation: the classifier, the strategies,
// the background writer and the lifecycle controller around shared bucket
// storage.
package run

import (
	"context"
	"fmt"
	"sync"

	"github.com/apex/log"

	"github.com/Kush-Singh-26/vallenato/engine/cache"
	"github.com/Kush-Singh-26/vallenato/engine/config"
	"github.com/Kush-Singh-26/vallenato/engine/fetch"
	"github.com/Kush-Singh-26/vallenato/engine/lifecycle"
	"github.com/Kush-Singh-26/vallenato/engine/metrics"
	"github.com/Kush-Singh-26/vallenato/engine/models"
	"github.com/Kush-Singh-26/vallenato/engine/policy"
	"github.com/Kush-Singh-26/vallenato/engine/strategy"
)

// Worker is one generation. It answers intercepted requests until a newer
// generation claims and it is retired.
type Worker struct {
	cfg      *config.Config
	versions policy.Versions
	rules    policy.Rules
	storage  *cache.Storage
	writer   *cache.AsyncWriter
	metrics  *metrics.WorkerMetrics
	life     *lifecycle.Controller

	handlers map[policy.Strategy]strategy.Handler

	bg sync.WaitGroup
}

// New builds a generation over storage and installs it. Storage is shared
// between generations and is not closed by the worker. A nil m gets fresh
// counters.
func New(ctx context.Context, cfg *config.Config, storage *cache.Storage, fetcher fetch.Fetcher, m *metrics.WorkerMetrics) (*Worker, error) {
	if m == nil {
		m = metrics.New()
	}

	w := &Worker{
		cfg:      cfg,
		versions: cfg.Versions(),
		rules:    cfg.Rules(),
		storage:  storage,
		metrics:  m,
	}
	w.writer = cache.NewAsyncWriter(cfg.WriteQueue.Workers, cfg.WriteQueue.Size, w.recordWrite)
	w.life = lifecycle.New(w.versions, storage)

	w.handlers = map[policy.Strategy]strategy.Handler{
		policy.Bypass: &strategy.Bypass{Fetcher: fetcher, Metrics: m},
		policy.CacheFirst: &strategy.CacheFirst{
			Fetcher:  fetcher,
			Bucket:   storage.Bucket(w.versions.Static()),
			Writer:   w.writer,
			MaxItems: cfg.MaxCacheItems,
			Metrics:  m,
		},
		policy.NetworkFirst: &strategy.NetworkFirst{
			Fetcher:  fetcher,
			Bucket:   storage.Bucket(w.versions.API()),
			Writer:   w.writer,
			MaxItems: cfg.MaxCacheItems,
			Timeout:  cfg.APITimeout,
			Metrics:  m,
		},
	}

	if err := w.life.Install(ctx); err != nil {
		_ = w.writer.Close()
		return nil, fmt.Errorf("install %s: %w", w.versions.Version, err)
	}
	return w, nil
}

func (w *Worker) recordWrite(res cache.WriteResult) {
	if res.Op == cache.OpPut {
		w.metrics.RecordStore(res.Err)
	}
	w.metrics.RecordEvictions(res.Evicted)
}

// Handle classifies req and serves it. handled is false for requests the
// worker does not intercept (non-GET or unmatched); the caller must apply
// its default behaviour to those. A handled request always gets a response.
func (w *Worker) Handle(ctx context.Context, req *models.Request) (resp *models.Response, handled bool) {
	d := w.rules.Classify(req)
	w.metrics.RecordStrategy(d.Strategy.String())

	h, ok := w.handlers[d.Strategy]
	if !ok {
		log.WithField("method", req.Method).WithField("path", req.Path()).WithField("rule", d.Rule).Debug("not intercepted")
		return nil, false
	}

	log.WithFields(log.Fields{
		"path":     req.Path(),
		"strategy": d.Strategy.String(),
		"rule":     d.Rule,
	}).Debug("intercepted")
	return h.Serve(ctx, req), true
}

// Classify exposes the routing decision without serving
func (w *Worker) Classify(req *models.Request) policy.Decision {
	return w.rules.Classify(req)
}

// Activate purges buckets outside this generation's version set, runs claim
// and then, in the background, re-bounds the current buckets and collects
// the blobs the purge orphaned.
func (w *Worker) Activate(ctx context.Context, claim func()) (lifecycle.Result, error) {
	w.life.Claim = claim
	w.life.OnActivated = func(res lifecycle.Result) {
		w.bg.Add(1)
		go func() {
			defer w.bg.Done()
			w.afterActivate(res)
		}()
	}
	return w.life.Activate(ctx)
}

func (w *Worker) afterActivate(res lifecycle.Result) {
	// the bound may have shrunk since these buckets were filled
	for _, name := range res.Kept {
		if _, err := strategy.Enforce(w.storage.Bucket(name), w.cfg.MaxCacheItems); err != nil {
			log.WithError(err).WithField("bucket", name).Warn("could not re-bound bucket")
		}
	}
	if len(res.Deleted) == 0 {
		return
	}

	gc, err := w.storage.RunGC(cache.GCConfig{MinAge: w.cfg.GCMinAge})
	if err != nil {
		log.WithError(err).Warn("post-activation gc failed")
		return
	}
	log.WithField("blobs", gc.DeletedBlobs).WithField("bytes", gc.DeletedBytes).Info("post-activation gc")
}

// Retire marks the generation redundant and drains its pending writes
func (w *Worker) Retire() {
	w.life.Redundant()
	_ = w.writer.Close()
	w.bg.Wait()
}

// Wait blocks until queued cache writes and activation work have finished
func (w *Worker) Wait() {
	w.writer.Wait()
	w.bg.Wait()
}

// Versions returns the generation's bucket names
func (w *Worker) Versions() policy.Versions { return w.versions }

// State returns the lifecycle state
func (w *Worker) State() lifecycle.State { return w.life.State() }

// Metrics returns the counters this generation records into
func (w *Worker) Metrics() *metrics.WorkerMetrics { return w.metrics }

// Config returns the configuration the generation was built from
func (w *Worker) Config() *config.Config { return w.cfg }
