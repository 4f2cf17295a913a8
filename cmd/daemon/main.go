// SPDX-License-Identifier: MIT

// Command daemon runs the klipnote transcription service: the HTTP surface,
// the two model worker pools and the broker reaper in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/klipnote/klipnote/internal/api"
	"github.com/klipnote/klipnote/internal/broker"
	"github.com/klipnote/klipnote/internal/config"
	"github.com/klipnote/klipnote/internal/gpu"
	"github.com/klipnote/klipnote/internal/jobs"
	klog "github.com/klipnote/klipnote/internal/log"
	"github.com/klipnote/klipnote/internal/metrics"
	"github.com/klipnote/klipnote/internal/probe"
	"github.com/klipnote/klipnote/internal/transcribe"
	"github.com/klipnote/klipnote/internal/upload"
	"github.com/klipnote/klipnote/internal/worker"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

// shutdownTimeout bounds graceful HTTP drain on SIGTERM.
const shutdownTimeout = 15 * time.Second

// queueDepthInterval is the cadence of the queue depth gauge refresh.
const queueDepthInterval = 15 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg := config.FromEnv()
	klog.Configure(klog.Config{
		Level:   cfg.LogLevel,
		Service: "klipnote",
		Version: version,
	})
	logger := klog.WithComponent("daemon")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.invalid").
			Msg("configuration rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.UploadDir, 0o750); err != nil {
		logger.Fatal().
			Err(err).
			Str("path", cfg.UploadDir).
			Msg("failed to create upload directory")
	}

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("addr", cfg.Listen).
		Msg("starting klipnote")
	logger.Info().Msgf("→ Redis: %s (db %d)", cfg.RedisAddr, cfg.RedisDB)
	logger.Info().Msgf("→ Uploads: %s (max %d bytes, %dh)", cfg.UploadDir, cfg.MaxFileSize, cfg.MaxDurationHours)
	logger.Info().Msgf("→ Routing default: %s", cfg.DefaultTranscriptionModel)
	logger.Info().Msgf("→ Pools: belle2=%d whisperx=%d (visibility %s, max deliveries %d)",
		cfg.Belle2Concurrency, cfg.WhisperxConcurrency, cfg.VisibilityTimeout, cfg.MaxDeliveries)

	client, err := jobs.NewClient(jobs.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, klog.WithComponent("redis"))
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "redis.connect_failed").
			Msg("cannot reach redis")
	}
	defer func() {
		_ = client.Close()
	}()

	store := jobs.NewStore(client, klog.WithComponent("store"))
	b := broker.New(client, cfg.VisibilityTimeout, klog.WithComponent("broker"))

	// Jobs stranded in processing by a crash become failed(worker_lost) so
	// clients see a retryable terminal state instead of a stuck 40%.
	if recovered, err := store.RecoverOrphans(ctx, b); err != nil {
		logger.Error().Err(err).Msg("orphan recovery incomplete")
	} else if recovered > 0 {
		logger.Warn().Int("recovered", recovered).Msg("recovered orphaned jobs from previous run")
	}

	prober := probe.New(cfg.FFprobePath, cfg.ProbeTimeout, klog.WithComponent("probe"))
	pipeline := upload.New(upload.Config{
		UploadDir:    cfg.UploadDir,
		MaxFileSize:  cfg.MaxFileSize,
		MaxDuration:  cfg.MaxDuration(),
		AllowedTypes: cfg.AllowedMediaTypes,
		DefaultModel: cfg.DefaultTranscriptionModel,
	}, store, b, prober, klog.WithComponent("upload"))

	srv := api.New(cfg, store, b, pipeline, klog.Base())
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	pools := []*worker.Pool{
		worker.NewPool(worker.Config{
			Model:               config.ModelBelle2,
			Concurrency:         cfg.Belle2Concurrency,
			MaxDeliveries:       cfg.MaxDeliveries,
			InferenceMultiplier: cfg.InferenceMultiplier,
			DrainTimeout:        cfg.DrainTimeout,
		}, store, b,
			gpu.NewLease(config.ModelBelle2, cfg.Belle2Concurrency, klog.WithComponent("gpu")),
			transcribe.NewCLIBackend(config.ModelBelle2, cfg.Belle2Command, klog.WithComponent("transcribe")),
			klog.WithComponent("worker")),
		worker.NewPool(worker.Config{
			Model:               config.ModelWhisperx,
			Concurrency:         cfg.WhisperxConcurrency,
			MaxDeliveries:       cfg.MaxDeliveries,
			InferenceMultiplier: cfg.InferenceMultiplier,
			DrainTimeout:        cfg.DrainTimeout,
		}, store, b,
			gpu.NewLease(config.ModelWhisperx, cfg.WhisperxConcurrency, klog.WithComponent("gpu")),
			transcribe.NewCLIBackend(config.ModelWhisperx, cfg.WhisperxCommand, klog.WithComponent("transcribe")),
			klog.WithComponent("worker")),
	}
	models := []string{config.ModelBelle2, config.ModelWhisperx}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.Listen).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info().Msg("draining http server")
		return httpServer.Shutdown(shutdownCtx)
	})

	for _, pool := range pools {
		pool := pool
		g.Go(func() error {
			return pool.Run(ctx)
		})
	}

	g.Go(func() error {
		err := b.RunReaper(ctx, models)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		ticker := time.NewTicker(queueDepthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				for _, model := range models {
					if depth, err := b.Depth(ctx, model); err == nil {
						metrics.SetQueueDepth(model, depth)
					}
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("daemon exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("daemon stopped")
}
