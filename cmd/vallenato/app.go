package main

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v3"

	"github.com/Kush-Singh-26/vallenato/engine/cache"
	"github.com/Kush-Singh-26/vallenato/engine/config"
	"github.com/Kush-Singh-26/vallenato/engine/generators"
	"github.com/Kush-Singh-26/vallenato/engine/lifecycle"
	"github.com/Kush-Singh-26/vallenato/internal/clean"
	"github.com/Kush-Singh-26/vallenato/internal/server"
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "vallenato",
		Usage: "caching edge proxy for the course marketplace",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "config file",
				Value:   config.DefaultPath,
				Sources: cli.NewValueSourceChain(cli.EnvVar("VALLENATO_CONFIG")),
			},
			&cli.StringFlag{
				Name:    "upstream",
				Usage:   "origin base URL",
				Sources: cli.NewValueSourceChain(cli.EnvVar("VALLENATO_UPSTREAM")),
			},
			&cli.StringFlag{
				Name:    "listen",
				Usage:   "proxy listen address",
				Sources: cli.NewValueSourceChain(cli.EnvVar("VALLENATO_LISTEN")),
			},
			&cli.StringFlag{
				Name:    "cache-dir",
				Usage:   "bucket database and blob store directory",
				Sources: cli.NewValueSourceChain(cli.EnvVar("VALLENATO_CACHE_DIR")),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			activateCommand(),
			swCommand(),
			cleanCommand(),
			cacheCommand(),
		},
	}
}

// overrides applies flag and environment values over a loaded config
func overrides(cmd *cli.Command) func(*config.Config) {
	upstream, listen, cacheDir := cmd.String("upstream"), cmd.String("listen"), cmd.String("cache-dir")
	return func(cfg *config.Config) {
		if upstream != "" {
			cfg.Upstream = upstream
		}
		if listen != "" {
			cfg.Listen = listen
		}
		if cacheDir != "" {
			cfg.CacheDir = cacheDir
		}
	}
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(afero.NewOsFs(), cmd.String("config"))
	if err != nil {
		return nil, err
	}
	overrides(cmd)(cfg)
	return cfg, nil
}

func openStorage(cfg *config.Config) (*cache.Storage, error) {
	s, err := cache.Open(cfg.CacheDir, cache.Options{Timeout: cfg.CacheDBTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	return s, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the caching proxy",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			storage, err := openStorage(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = storage.Close() }()

			srv, err := server.New(ctx, server.Options{
				Config:     cfg,
				Storage:    storage,
				ConfigFs:   afero.NewOsFs(),
				ConfigPath: cmd.String("config"),
				Overrides:  overrides(cmd),
			})
			if err != nil {
				return err
			}
			err = srv.Run(ctx)
			fmt.Println(srv.Metrics().String())
			return err
		},
	}
}

func activateCommand() *cli.Command {
	return &cli.Command{
		Name:  "activate",
		Usage: "purge buckets from other cache versions without serving",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			storage, err := openStorage(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = storage.Close() }()

			c := lifecycle.New(cfg.Versions(), storage)
			if err := c.Install(ctx); err != nil {
				return err
			}
			res, err := c.Activate(ctx)
			for _, name := range res.Deleted {
				fmt.Printf("🗑️  Deleted %s\n", name)
			}
			if err != nil {
				return err
			}

			gc, err := storage.RunGC(cache.GCConfig{MinAge: cfg.GCMinAge})
			if err != nil {
				return err
			}
			fmt.Printf("✅ Activated %s (%d stale buckets, %d orphan blobs removed)\n",
				cfg.CacheVersion, len(res.Deleted), gc.DeletedBlobs)
			return nil
		},
	}
}

func swCommand() *cli.Command {
	return &cli.Command{
		Name:  "sw",
		Usage: "write the browser service worker implementing the same policy",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "directory to write sw.js into",
				Value:   "public",
			},
			&cli.BoolFlag{
				Name:  "minify",
				Usage: "minify the output",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path, err := generators.GenerateSW(afero.NewOsFs(), cmd.String("output"), cfg, cmd.Bool("minify"))
			if err != nil {
				return err
			}
			fmt.Printf("📱 Service worker written to %s\n", path)
			return nil
		},
	}
}

func cleanCommand() *cli.Command {
	return &cli.Command{
		Name:  "clean",
		Usage: "remove the whole cache directory",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			wg, err := clean.Run(cfg.CacheDir)
			if err != nil {
				return err
			}
			wg.Wait()
			return nil
		},
	}
}
