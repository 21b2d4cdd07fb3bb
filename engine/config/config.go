// Package config loads vallenato.yaml. Every field has a default, so a
// missing file is a valid configuration as long as an upstream is given
// some other way (flag or environment).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/Kush-Singh-26/vallenato/engine/models"
	"github.com/Kush-Singh-26/vallenato/engine/policy"
)

// DefaultPath is the config file looked up when none is given
const DefaultPath = "vallenato.yaml"

// Config is the full runtime configuration
type Config struct {
	Listen   string `yaml:"listen"`   // proxy listen address (default: localhost:2604)
	Upstream string `yaml:"upstream"` // origin base URL, required
	CacheDir string `yaml:"cacheDir"` // bucket database and blob store (default: .vallenato-cache)

	// Generation
	CachePrefix   string `yaml:"cachePrefix"`   // bucket name prefix (default: vallenato)
	CacheVersion  string `yaml:"cacheVersion"`  // bucket name suffix; changing it purges old buckets (default: v4)
	MaxCacheItems int    `yaml:"maxCacheItems"` // per-bucket bound (default: 50)

	// Timeouts
	APITimeout       time.Duration `yaml:"apiTimeout"`       // network-first race (default: 8s)
	UpstreamTimeout  time.Duration `yaml:"upstreamTimeout"`  // hard cap on any upstream fetch (default: 60s)
	ShutdownTimeout  time.Duration `yaml:"shutdownTimeout"`  // graceful shutdown (default: 5s)
	DebounceDuration time.Duration `yaml:"debounceDuration"` // config watcher debounce (default: 300ms)
	CacheDBTimeout   time.Duration `yaml:"cacheDBTimeout"`   // BoltDB lock wait (default: 10s)
	GCMinAge         time.Duration `yaml:"gcMinAge"`         // orphan blobs younger than this survive GC (default: 1m)

	MaxBodyBytes int64 `yaml:"maxBodyBytes"` // largest upstream body buffered for caching (default: 32MB)

	Routes     RoutesConfig     `yaml:"routes"`
	WriteQueue WriteQueueConfig `yaml:"writeQueue"`
}

// RoutesConfig overrides the classifier tables
type RoutesConfig struct {
	PrivatePrefixes    []string `yaml:"privatePrefixes"`
	AuthPrefixes       []string `yaml:"authPrefixes"`
	APIPrefix          string   `yaml:"apiPrefix"`
	StaticDestinations []string `yaml:"staticDestinations"`
}

// WriteQueueConfig sizes the background cache writer
type WriteQueueConfig struct {
	Workers int `yaml:"workers"` // default: 2
	Size    int `yaml:"size"`    // default: 256
}

// Default returns the built-in configuration
func Default() *Config {
	rules := policy.DefaultRules()
	dests := make([]string, len(rules.StaticDestinations))
	for i, d := range rules.StaticDestinations {
		dests[i] = string(d)
	}

	return &Config{
		Listen:   "localhost:2604",
		CacheDir: ".vallenato-cache",

		CachePrefix:   policy.DefaultPrefix,
		CacheVersion:  policy.DefaultVersion,
		MaxCacheItems: policy.DefaultMaxCacheItems,

		APITimeout:       policy.DefaultAPITimeout,
		UpstreamTimeout:  60 * time.Second,
		ShutdownTimeout:  5 * time.Second,
		DebounceDuration: 300 * time.Millisecond,
		CacheDBTimeout:   10 * time.Second,
		GCMinAge:         time.Minute,

		MaxBodyBytes: 32 * 1024 * 1024,

		Routes: RoutesConfig{
			PrivatePrefixes:    rules.PrivatePrefixes,
			AuthPrefixes:       rules.AuthPrefixes,
			APIPrefix:          rules.APIPrefix,
			StaticDestinations: dests,
		},
		WriteQueue: WriteQueueConfig{Workers: 2, Size: 256},
	}
}

// Load reads path from fsys over the defaults. A missing file yields the
// defaults; a malformed one is an error. The result is not validated so
// that flags can still fill in required fields.
func Load(fsys afero.Fs, path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}

	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.clamp()
	return cfg, nil
}

// clamp fills zero values left by a partial file
func (c *Config) clamp() {
	d := Default()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.CacheDir == "" {
		c.CacheDir = d.CacheDir
	}
	if c.CachePrefix == "" {
		c.CachePrefix = d.CachePrefix
	}
	if c.CacheVersion == "" {
		c.CacheVersion = d.CacheVersion
	}
	if c.WriteQueue.Workers < 1 {
		c.WriteQueue.Workers = 1
	}
	if c.WriteQueue.Workers > 64 {
		c.WriteQueue.Workers = 64
	}
	if c.WriteQueue.Size < 1 {
		c.WriteQueue.Size = d.WriteQueue.Size
	}
	if c.DebounceDuration < 10*time.Millisecond {
		c.DebounceDuration = 10 * time.Millisecond
	}
	if c.ShutdownTimeout < time.Second {
		c.ShutdownTimeout = time.Second
	}
	if c.CacheDBTimeout < time.Second {
		c.CacheDBTimeout = time.Second
	}
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	if c.Upstream == "" {
		return errors.New("upstream is required")
	}
	u, err := url.Parse(c.Upstream)
	if err != nil {
		return fmt.Errorf("upstream: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream %q: scheme must be http or https", c.Upstream)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream %q: missing host", c.Upstream)
	}
	if c.MaxCacheItems < 1 {
		return fmt.Errorf("maxCacheItems must be positive, got %d", c.MaxCacheItems)
	}
	if c.APITimeout <= 0 {
		return fmt.Errorf("apiTimeout must be positive, got %s", c.APITimeout)
	}
	if c.UpstreamTimeout < c.APITimeout {
		return fmt.Errorf("upstreamTimeout (%s) must not be shorter than apiTimeout (%s)", c.UpstreamTimeout, c.APITimeout)
	}
	if c.GCMinAge < 0 {
		return fmt.Errorf("gcMinAge must not be negative, got %s", c.GCMinAge)
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("maxBodyBytes must not be negative, got %d", c.MaxBodyBytes)
	}
	return nil
}

// UpstreamURL returns the parsed upstream. Call Validate first.
func (c *Config) UpstreamURL() *url.URL {
	u, _ := url.Parse(c.Upstream)
	return u
}

// Versions returns the bucket name set of this configuration
func (c *Config) Versions() policy.Versions {
	return policy.Versions{Prefix: c.CachePrefix, Version: c.CacheVersion}
}

// Rules returns the classifier table of this configuration
func (c *Config) Rules() policy.Rules {
	r := policy.Rules{
		PrivatePrefixes: c.Routes.PrivatePrefixes,
		AuthPrefixes:    c.Routes.AuthPrefixes,
		APIPrefix:       c.Routes.APIPrefix,
	}
	for _, d := range c.Routes.StaticDestinations {
		r.StaticDestinations = append(r.StaticDestinations, models.ParseDestination(d))
	}
	return r
}
