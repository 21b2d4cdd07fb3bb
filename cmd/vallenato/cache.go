package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/Kush-Singh-26/vallenato/engine/cache"
	"github.com/Kush-Singh-26/vallenato/engine/config"
)

func cacheCommand() *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "inspect and maintain the bucket storage",
		Commands: []*cli.Command{
			{Name: "stats", Usage: "show cache statistics", Action: withStorage(cacheStats)},
			{
				Name:  "gc",
				Usage: "delete body blobs no entry references",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "dry-run", Aliases: []string{"n"}, Usage: "show what would be deleted without deleting"},
				},
				Action: withStorage(cacheGC),
			},
			{Name: "verify", Usage: "check cache integrity", Action: withStorage(cacheVerify)},
			{Name: "clear", Usage: "delete every bucket and blob", Action: withStorage(cacheClear)},
			{
				Name:      "inspect",
				Usage:     "show the cache entry for a URL",
				ArgsUsage: "<url>",
				Action:    withStorage(cacheInspect),
			},
			{Name: "buckets", Usage: "list buckets and whether they are current", Action: withStorage(cacheBuckets)},
			{
				Name:      "ls",
				Usage:     "list the entries of a bucket, oldest first",
				ArgsUsage: "<bucket>",
				Action:    withStorage(cacheList),
			},
		},
	}
}

type storageAction func(cmd *cli.Command, cfg *config.Config, s *cache.Storage) error

func withStorage(fn storageAction) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		s, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
		return fn(cmd, cfg, s)
	}
}

func cacheStats(_ *cli.Command, cfg *config.Config, s *cache.Storage) error {
	stats, err := s.Stats()
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Println("📊 Cache Statistics")
	fmt.Println("════════════════════════════════════════")
	fmt.Printf("Directory:       %s\n", s.Path())
	fmt.Printf("Schema Version:  %d\n", stats.SchemaVersion)
	fmt.Printf("Buckets:         %d\n", len(stats.Buckets))
	fmt.Printf("Total Entries:   %d\n", stats.TotalEntries)
	fmt.Printf("Database Size:   %s\n", humanize.Bytes(uint64(stats.DBBytes)))
	fmt.Printf("Store Size:      %s in %d blobs\n", humanize.Bytes(uint64(stats.StoreBytes)), stats.StoreBlobs)

	if stats.LastGC > 0 {
		fmt.Printf("Last GC:         %s\n", humanize.Time(time.Unix(stats.LastGC, 0)))
	} else {
		fmt.Printf("Last GC:         never\n")
	}

	if stats.TotalEntries > 0 {
		fmt.Println("\n📦 Entries")
		fmt.Println("────────────────────────────────────────")
		fmt.Printf("Inline:          %d (%.1f%%, %s)\n", stats.InlineEntries,
			float64(stats.InlineEntries)*100/float64(stats.TotalEntries), humanize.Bytes(uint64(stats.InlineBytes)))
		fmt.Printf("Blob:            %d (%.1f%%)\n", stats.BlobEntries,
			float64(stats.BlobEntries)*100/float64(stats.TotalEntries))
	}
	return nil
}

func cacheGC(cmd *cli.Command, cfg *config.Config, s *cache.Storage) error {
	dryRun := cmd.Bool("dry-run")
	gcCfg := cache.GCConfig{MinAge: cfg.GCMinAge, DryRun: dryRun}

	if dryRun {
		fmt.Println("🗑️  Running GC (dry run)...")
	} else {
		fmt.Println("🗑️  Running garbage collection...")
	}

	result, err := s.RunGC(gcCfg)
	if err != nil {
		return fmt.Errorf("GC failed: %w", err)
	}

	fmt.Println("════════════════════════════════════════")
	fmt.Printf("Scanned:    %d blobs\n", result.ScannedBlobs)
	fmt.Printf("Live:       %d blobs\n", result.LiveBlobs)
	fmt.Printf("Deleted:    %d blobs (%s)\n", result.DeletedBlobs, humanize.Bytes(uint64(result.DeletedBytes)))
	fmt.Printf("Duration:   %v\n", result.Duration)

	if dryRun {
		fmt.Println("\n(No changes made - dry run mode)")
	} else {
		fmt.Println("\n✅ GC complete")
	}
	return nil
}

func cacheVerify(_ *cli.Command, _ *config.Config, s *cache.Storage) error {
	fmt.Println("🔍 Verifying cache integrity...")

	issues, err := s.Verify()
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	if len(issues) == 0 {
		fmt.Println("✅ Cache is healthy - no issues found")
		return nil
	}
	fmt.Printf("⚠️  Found %d issues:\n", len(issues))
	for i, e := range issues {
		fmt.Printf("  %d. %s\n", i+1, e)
	}
	return fmt.Errorf("%d integrity issues", len(issues))
}

func cacheClear(_ *cli.Command, _ *config.Config, s *cache.Storage) error {
	fmt.Println("🗑️  Clearing all cache data...")
	if err := s.Clear(); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	fmt.Println("✅ Cache cleared")
	return nil
}

func cacheInspect(cmd *cli.Command, _ *config.Config, s *cache.Storage) error {
	if cmd.Args().Len() < 1 {
		return fmt.Errorf("usage: vallenato cache inspect <url>")
	}
	key := "GET " + cmd.Args().First()

	e, bucket, err := s.Match(key)
	if err != nil {
		return fmt.Errorf("error looking up %s: %w", key, err)
	}
	if e == nil {
		return fmt.Errorf("no cache entry found for: %s", key)
	}

	fmt.Println("📄 Cache Entry")
	fmt.Println("════════════════════════════════════════")
	fmt.Printf("Key:          %s\n", e.Key)
	fmt.Printf("Bucket:       %s\n", bucket)
	fmt.Printf("Status:       %d\n", e.Status)
	fmt.Printf("Size:         %s\n", humanize.Bytes(uint64(e.Size)))
	fmt.Printf("Stored:       %s (%s)\n", e.StoredTime().Format(time.RFC3339), humanize.Time(e.StoredTime()))
	fmt.Printf("Sequence:     %d\n", e.Seq)
	if e.Inline() {
		fmt.Printf("Body:         inline\n")
	} else {
		fmt.Printf("Body:         %s (compressed: %v)\n", truncateHash(e.BodyHash), e.Compressed)
	}

	names := make([]string, 0, len(e.Header))
	for k := range e.Header {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Printf("  %s: %v\n", k, e.Header[k])
	}
	return nil
}

func cacheBuckets(_ *cli.Command, cfg *config.Config, s *cache.Storage) error {
	names, err := s.Names()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No buckets.")
		return nil
	}

	versions := cfg.Versions()
	for _, name := range names {
		n, err := s.Bucket(name).Len()
		if err != nil {
			return err
		}
		marker := "stale"
		if versions.IsCurrent(name) {
			marker = "current"
		}
		fmt.Printf("%-32s %4d/%d  %s\n", name, n, cfg.MaxCacheItems, marker)
	}
	return nil
}

func cacheList(cmd *cli.Command, _ *config.Config, s *cache.Storage) error {
	if cmd.Args().Len() < 1 {
		return fmt.Errorf("usage: vallenato cache ls <bucket>")
	}
	name := cmd.Args().First()

	entries, err := s.Bucket(name).Entries()
	if errors.Is(err, cache.ErrBucketNotFound) {
		return fmt.Errorf("no bucket named %s (see `vallenato cache buckets`)", name)
	}
	if err != nil {
		return err
	}

	fmt.Printf("📦 %s: %d entries\n", name, len(entries))
	for _, e := range entries {
		fmt.Printf("%6d  %3d  %8s  %-14s  %s\n", e.Seq, e.Status, humanize.Bytes(uint64(e.Size)), humanize.Time(e.StoredTime()), e.Key)
	}
	return nil
}

func truncateHash(hash string) string {
	if len(hash) > 16 {
		return hash[:8] + "..." + hash[len(hash)-8:]
	}
	return hash
}
