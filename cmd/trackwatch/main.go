package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trackwatch/trackwatch/internal/aggregate"
	"github.com/trackwatch/trackwatch/internal/audiosource"
	"github.com/trackwatch/trackwatch/internal/config"
	"github.com/trackwatch/trackwatch/internal/database"
	"github.com/trackwatch/trackwatch/internal/fanout"
	"github.com/trackwatch/trackwatch/internal/httpapi"
	"github.com/trackwatch/trackwatch/internal/manager"
	"github.com/trackwatch/trackwatch/internal/metrics"
	"github.com/trackwatch/trackwatch/internal/recognize"
	"github.com/trackwatch/trackwatch/internal/recognize/provider"
	"github.com/trackwatch/trackwatch/internal/window"
	"github.com/trackwatch/trackwatch/internal/worker"
)

// ingestSampleRate and ingestChannels are the fixed PCM format every
// decoded stream is normalized to before windowing and recognition.
const (
	ingestSampleRate = 44100
	ingestChannels   = 2
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	logger.Info("starting trackwatch",
		"http_port", cfg.HTTPPort,
		"db_path", cfg.DBPath,
		"streams", len(cfg.Streams),
		"window_seconds", cfg.WindowSeconds,
		"hop_seconds", cfg.HopSeconds,
	)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	streamRepo := database.NewStreamRepository(db)
	trackRepo := database.NewTrackRepository(db)
	recognitionRepo := database.NewRecognitionRepository(db)
	playRepo := database.NewPlayRepository(db)

	recognizers, confirmingProvider, providerNames := buildRecognizers(cfg)
	if confirmingProvider == "" {
		logger.Error("no designated confirming provider configured (set TRACKWATCH_PROVIDER_<NAME>_CONFIRMING=true)")
		os.Exit(1)
	}

	recognizeTimeout := recognizeCallTimeout(cfg)
	fo := fanout.New(recognizers, int64(cfg.GlobalMaxInflight), int64(cfg.PerProviderMaxInflight), recognizeTimeout)
	agg := aggregate.New(cfg.TwoHitHopTolerance)

	newWorker := func(streamID int64, sc config.StreamConfig) *worker.Worker {
		wcfg := worker.Config{
			StreamID:           streamID,
			StreamName:         sc.Name,
			ConfirmingProvider: confirmingProvider,
			DedupSeconds:       int64(cfg.DedupSeconds),
			AudioSource: audiosource.Config{
				URL:        sc.URL,
				Transport:  sc.Transport,
				SampleRate: ingestSampleRate,
				Channels:   ingestChannels,
			},
			Window: window.Config{
				WindowSeconds: cfg.WindowSeconds,
				HopSeconds:    cfg.HopSeconds,
				SampleRate:    ingestSampleRate,
				Channels:      ingestChannels,
				ReadTimeout:   time.Duration(cfg.HopSeconds+30) * time.Second,
			},
		}
		return worker.New(wcfg, window.NewSystemClock(), fo, agg, trackRepo, recognitionRepo, playRepo, logger)
	}

	mgr := manager.New(streamRepo, newWorker, logger)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	if err := mgr.Start(appCtx, cfg.Streams); err != nil {
		logger.Error("failed to start stream workers", "error", err)
		os.Exit(1)
	}

	if cfg.StreamsFile != "" {
		reloads, err := config.WatchStreamsFile(appCtx, cfg.StreamsFile, logger)
		if err != nil {
			logger.Error("failed to watch streams file", "path", cfg.StreamsFile, "error", err)
			os.Exit(1)
		}
		go func() {
			for streams := range reloads {
				logger.Info("reloading streams", "count", len(streams))
				if err := mgr.Reload(streams); err != nil {
					logger.Error("stream reload failed", "error", err)
				}
			}
		}()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(mgr, fo, fo, agg, providerNames, time.Now()))

	apiHandler := httpapi.NewServer(mgr, registry, logger)
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      apiHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("http server error", "error", err)
	}

	logger.Info("shutting down")
	appCancel()
	mgr.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}

// buildRecognizers constructs a Recognizer per enabled provider and
// identifies the one designated as the confirming provider.
func buildRecognizers(cfg *config.Config) ([]recognize.Recognizer, string, []string) {
	var recognizers []recognize.Recognizer
	var names []string
	confirming := ""

	for _, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		var r recognize.Recognizer
		switch p.Name {
		case "shazamlike":
			r = provider.NewShazamlike(p.Name, p.BaseURL, p.APIKey, nil)
		case "acrcloudlike":
			r = provider.NewACRCloudlike(p.Name, p.BaseURL, p.APIKey, nil)
		default:
			continue
		}
		recognizers = append(recognizers, r)
		names = append(names, p.Name)
		if p.Confirming {
			confirming = p.Name
		}
	}
	return recognizers, confirming, names
}

// recognizeCallTimeout picks the per-call recognize timeout as the
// longest configured provider timeout, so fan-out never cuts off the
// slowest enabled provider early.
func recognizeCallTimeout(cfg *config.Config) time.Duration {
	longest := 10 * time.Second
	for _, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		if d := time.Duration(p.Timeout) * time.Second; d > longest {
			longest = d
		}
	}
	return longest
}
