package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/klauspost/compress/gzhttp"
	"github.com/spf13/afero"

	"github.com/Kush-Singh-26/vallenato/engine/cache"
	"github.com/Kush-Singh-26/vallenato/engine/config"
	"github.com/Kush-Singh-26/vallenato/engine/fetch"
	"github.com/Kush-Singh-26/vallenato/engine/metrics"
	"github.com/Kush-Singh-26/vallenato/engine/run"
)

// Server is the caching proxy. It owns the bucket storage and the active
// generation; config reloads replace the generation without a restart.
type Server struct {
	storage *cache.Storage
	fetcher fetch.Fetcher
	metrics *metrics.WorkerMetrics
	current run.Current
	proxy   *httputil.ReverseProxy

	cfgFs     afero.Fs
	cfgPath   string
	overrides func(*config.Config)

	reloadMu sync.Mutex
}

// Options configures New
type Options struct {
	Config  *config.Config
	Storage *cache.Storage
	// Fetcher defaults to an HTTP fetcher bounded by UpstreamTimeout.
	Fetcher fetch.Fetcher

	// ConfigFs and ConfigPath locate the file reloads read from.
	ConfigFs   afero.Fs
	ConfigPath string
	// Overrides is applied to every reloaded config, e.g. CLI flags.
	Overrides func(*config.Config)
}

// New builds the first generation and claims with it. Stale buckets from
// older versions are purged before New returns.
func New(ctx context.Context, opts Options) (*Server, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = fetch.NewHTTPFetcher(opts.Config.UpstreamTimeout, opts.Config.MaxBodyBytes)
	}
	cfgFs := opts.ConfigFs
	if cfgFs == nil {
		cfgFs = afero.NewOsFs()
	}

	s := &Server{
		storage:   opts.Storage,
		fetcher:   fetcher,
		metrics:   metrics.New(),
		cfgFs:     cfgFs,
		cfgPath:   opts.ConfigPath,
		overrides: opts.Overrides,
	}
	s.proxy = newReverseProxy(&s.current)

	if err := s.promote(ctx, opts.Config); err != nil {
		return nil, err
	}
	return s, nil
}

// promote installs a generation for cfg and makes it current
func (s *Server) promote(ctx context.Context, cfg *config.Config) error {
	w, err := run.New(ctx, cfg, s.storage, s.fetcher, s.metrics)
	if err != nil {
		return err
	}
	res, err := s.current.Promote(ctx, w)
	if err != nil {
		// the generation is serving; only the purge was incomplete
		log.WithError(err).Warn("activation finished with errors")
	}
	log.WithFields(log.Fields{
		"version":  cfg.CacheVersion,
		"upstream": cfg.Upstream,
		"deleted":  len(res.Deleted),
		"took":     res.Duration,
	}).Info("generation active")
	return nil
}

// Reload reads the config file again and, if it is valid, promotes a new
// generation built from it. An invalid file leaves the current one serving.
func (s *Server) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	cfg, err := config.Load(s.cfgFs, s.cfgPath)
	if err != nil {
		return err
	}
	if s.overrides != nil {
		s.overrides(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("reloaded config: %w", err)
	}
	return s.promote(ctx, cfg)
}

// Current returns the active generation
func (s *Server) Current() *run.Worker {
	return s.current.Load()
}

// Metrics returns the counters shared by every generation
func (s *Server) Metrics() *metrics.WorkerMetrics {
	return s.metrics
}

// Handler returns the full HTTP handler: control endpoints plus the
// compressed proxy.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+StatsPath, s.handleStats)
	mux.HandleFunc("GET "+ServiceWorkerPath, s.handleServiceWorker)
	mux.Handle("/", http.HandlerFunc(s.handleProxy))
	return gzhttp.GzipHandler(mux)
}

// Serve accepts connections on l until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	cfg := s.Current().Config()
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(l)
	}()

	select {
	case err := <-errCh:
		s.current.Shutdown()
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err := httpServer.Shutdown(shutdownCtx)
	if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) && err == nil {
		err = serveErr
	}
	// drain pending cache writes before storage is closed
	s.current.Shutdown()
	return err
}

// Run listens on the configured address, watches the config file and
// serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.Current().Config()
	l, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}

	if s.cfgPath != "" {
		w, err := WatchConfig(s.cfgPath, cfg.DebounceDuration, func() {
			if err := s.Reload(ctx); err != nil {
				log.WithError(err).Error("config reload rejected")
			}
		})
		if err != nil {
			log.WithError(err).Warn("config watch disabled")
		} else {
			defer w.Close()
		}
	}

	fmt.Printf("🌐 Proxying http://%s -> %s\n", l.Addr(), cfg.Upstream)
	fmt.Printf("   Buckets: %v\n", cfg.Versions().Current())
	err = s.Serve(ctx, l)
	fmt.Println("✅ Server stopped.")
	return err
}
