package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/blackmichael/post-heatmap/internal/config"
	"github.com/blackmichael/post-heatmap/internal/domain"
	"github.com/blackmichael/post-heatmap/internal/httpserver"
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
	level, _ := cfg.Level()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	store, err := storage.Open(ctx, cfg, cfg.StoreBackend)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("opened store", "backend", cfg.StoreBackend)

	window := cfg.YearWindow()
	reconciler := domain.NewReconciler(store, store, cfg.Strategy(), window, logger)

	var wg sync.WaitGroup

	// Start one listener per channel in the background
	if err := cfg.RequireRelay(); err != nil {
		logger.Warn("message relay not configured, listeners disabled", "reason", err)
	} else {
		source := telegram.NewClient(cfg.Telegram.RelayURL, cfg.Telegram.RelayToken, cfg.Telegram.HistoryRPS, logger)
		syncService, err := domain.NewSyncService(source, store, store, domain.NewParser(cfg.ParserPolicy()), reconciler, window, logger)
		if err != nil {
			return fmt.Errorf("create sync service: %w", err)
		}
		for _, channel := range cfg.Telegram.Channels {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := syncService.Listen(ctx, channel); err != nil && ctx.Err() == nil {
					logger.Error("listener exited with error", "channel", channel, "error", err)
				}
			}()
		}
	}

	// Start the scheduled mirror into the secondary backend
	if cfg.MirrorCron != "" {
		target := cfg.MirrorTarget()
		if target == "" {
			logger.Warn("MIRROR_CRON set but no secondary backend configured, mirror disabled")
		} else {
			secondary, err := storage.Open(ctx, cfg, target)
			if err != nil {
				return fmt.Errorf("open mirror target: %w", err)
			}
			defer secondary.Close()

			m := mirror.New(store, secondary, domain.NewReconciler(secondary, secondary, domain.StrategyRecompute, window, logger), logger)
			scheduler, err := mirror.NewScheduler(cfg.MirrorCron, func(ctx context.Context) error {
				_, err := m.Run(ctx)
				return err
			}, logger)
			if err != nil {
				return err
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				scheduler.Run(ctx)
			}()
			logger.Info("mirror scheduled", "target", target, "cron", cfg.MirrorCron)
		}
	}

	// Start the HTTP server
	heatmap := domain.NewHeatmapService(store, store, cfg.PeriodReference, logger)
	server := httpserver.NewServer(cfg, heatmap, logger)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("server started", "port", cfg.Port, "strategy", cfg.Strategy(), "channels", cfg.Telegram.Channels)

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	wg.Wait()
	return nil
}
