package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/blackmichael/post-heatmap/internal/config"
	"github.com/blackmichael/post-heatmap/internal/domain"
	"github.com/blackmichael/post-heatmap/internal/mirror"
	"github.com/blackmichael/post-heatmap/internal/storage"
	"github.com/blackmichael/post-heatmap/internal/telegram"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var (
		limit       int
		sinceDays   int
		channels    []string
		rebuildOnly bool
		runMirror   bool
		prune       bool
	)

	flagSet := pflag.NewFlagSet("backfill", pflag.ContinueOnError)
	flagSet.IntVar(&limit, "limit", cfg.Backfill.Limit, "maximum messages to read per channel (0 for no limit)")
	flagSet.IntVar(&sinceDays, "since-days", cfg.Backfill.Days, "stop at messages older than this many days (0 for no cutoff)")
	flagSet.StringSliceVar(&channels, "channel", cfg.Telegram.Channels, "channel to read (repeatable)")
	flagSet.BoolVar(&rebuildOnly, "rebuild-only", false, "skip reading history and only rebuild the heatmap from stored events")
	flagSet.BoolVar(&runMirror, "mirror", false, "mirror events into the secondary backend afterwards")
	flagSet.BoolVar(&prune, "prune", false, "with --mirror, delete target events missing from the primary")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	cfg.Backfill.Days = sinceDays

	level, _ := cfg.Level()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg, cfg.StoreBackend)
	if err != nil {
		return err
	}
	defer store.Close()

	window := cfg.YearWindow()
	reconciler := domain.NewReconciler(store, store, cfg.Strategy(), window, logger)

	if rebuildOnly {
		fmt.Printf("Rebuilding heatmap from stored events (%s)...\n", cfg.StoreBackend)
		report, err := reconciler.Rebuild(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Rebuilt %s buckets from %s events (%s rejected, %s stale removed, %s failed) in %s\n",
			humanize.Comma(int64(report.Buckets)),
			humanize.Comma(int64(report.Events)),
			humanize.Comma(int64(report.Rejected)),
			humanize.Comma(report.Stale),
			humanize.Comma(int64(report.Failed)),
			report.Duration.Round(time.Millisecond),
		)
	} else {
		if err := cfg.RequireRelay(); err != nil {
			return err
		}
		if len(channels) == 0 {
			return fmt.Errorf("--channel is required")
		}

		source := telegram.NewClient(cfg.Telegram.RelayURL, cfg.Telegram.RelayToken, cfg.Telegram.HistoryRPS, logger)
		syncService, err := domain.NewSyncService(source, store, store, domain.NewParser(cfg.ParserPolicy()), reconciler, window, logger)
		if err != nil {
			return fmt.Errorf("create sync service: %w", err)
		}

		since := cfg.BackfillSince(time.Now())
		if since.IsZero() {
			fmt.Printf("Backfilling %v, up to %d messages each...\n", channels, limit)
		} else {
			fmt.Printf("Backfilling %v, up to %d messages each, back to %s...\n", channels, limit, humanize.Time(since))
		}

		report, err := syncService.Backfill(ctx, domain.BackfillOptions{
			Channels: channels,
			Limit:    limit,
			Since:    since,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Run %s: processed %s messages, parsed %s, synced %s events (%s skipped, %s rejected, %s failed)\n",
			report.RunID,
			humanize.Comma(int64(report.Processed)),
			humanize.Comma(int64(report.Parsed)),
			humanize.Comma(int64(report.Synced)),
			humanize.Comma(int64(report.Skipped)),
			humanize.Comma(int64(report.Rejected)),
			humanize.Comma(int64(report.Failed)),
		)
		fmt.Printf("Heatmap rebuilt: %s buckets in %s\n", humanize.Comma(int64(report.Buckets)), report.Duration.Round(time.Millisecond))
	}

	if !runMirror {
		return nil
	}

	target := cfg.MirrorTarget()
	if target == "" {
		return fmt.Errorf("--mirror needs a secondary backend (set DATABASE_URL or SQLITE_PATH)")
	}
	secondary, err := storage.Open(ctx, cfg, target)
	if err != nil {
		return fmt.Errorf("open mirror target: %w", err)
	}
	defer secondary.Close()

	m := mirror.New(store, secondary, domain.NewReconciler(secondary, secondary, domain.StrategyRecompute, window, logger), logger)
	m.Prune = prune

	fmt.Printf("Mirroring %s -> %s...\n", cfg.StoreBackend, target)
	report, err := m.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Mirror %s: copied %s events (%s failed, %s pruned), %s buckets\n",
		report.RunID,
		humanize.Comma(int64(report.Copied)),
		humanize.Comma(int64(report.Failed)),
		humanize.Comma(report.Pruned),
		humanize.Comma(int64(report.Rebuild.Buckets)),
	)
	return nil
}
