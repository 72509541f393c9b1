package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/vad-service/internal/config"
	"github.com/skypro1111/vad-service/internal/metrics"
	"github.com/skypro1111/vad-service/internal/server"
	"github.com/skypro1111/vad-service/internal/vad"
	"github.com/skypro1111/vad-service/internal/vad/remote"
	"github.com/skypro1111/vad-service/internal/vad/silero"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "vad-service"
	serviceVersion    = "1.0.0"
	shutdownTimeout   = 10 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Bool("udp_enabled", cfg.Server.Enabled),
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.Bool("http_enabled", cfg.HTTP.Enabled),
		slog.Int("http_port", cfg.HTTP.Port),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("chunk_samples", cfg.Audio.ChunkSamples),
		slog.Float64("vad_threshold", cfg.VAD.Threshold),
		slog.Int("min_silence_ms", cfg.VAD.MinSilenceDuration),
		slog.String("scorer", cfg.Scorer.Type),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

// run wires the engine to its transports and blocks until SIGINT or SIGTERM.
func run(cfg *config.Config, logger *slog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)

	scorer, closer := buildScorer(cfg, logger)
	if closer != nil {
		defer func() {
			if err := closer.Close(); err != nil {
				logger.Warn("Error closing scorer", slog.String("error", err.Error()))
			}
		}()
	}

	engine, err := vad.NewEngine(engineConfig(cfg),
		vad.WithScorer(scorer),
		vad.WithLogger(logger),
		vad.WithObserver(appMetrics),
	)
	if err != nil {
		return fmt.Errorf("failed to create VAD engine: %w", err)
	}
	logger.Info("VAD engine initialized",
		slog.String("backend", engine.Backend()),
		slog.Int("min_silence_frames", engine.MinSilenceFrames(cfg.Audio.ChunkSamples)),
	)

	var udpServer *server.UDPServer
	if cfg.Server.Enabled {
		udpServer = server.NewUDPServer(&cfg.Server, logger, engine, appMetrics)
		if err := udpServer.Start(); err != nil {
			return fmt.Errorf("failed to start UDP server: %w", err)
		}
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(server.HTTPServerConfig{
			Port:         cfg.HTTP.Port,
			Address:      cfg.HTTP.Address,
			ReadTimeout:  cfg.HTTP.GetReadTimeout(),
			WriteTimeout: cfg.HTTP.GetWriteTimeout(),
			MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
			ChunkSamples: cfg.Audio.ChunkSamples,
		}, logger, cfg, engine, udpServer, appMetrics)

		if err := httpServer.Start(); err != nil {
			if udpServer != nil {
				udpServer.Stop()
			}
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	if udpServer == nil && httpServer == nil {
		return errors.New("both UDP and HTTP are disabled, nothing to serve")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Service started successfully, waiting for signals...")

	g, gctx := errgroup.WithContext(ctx)

	if httpServer != nil {
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Stop(shutdownCtx); err != nil {
				return fmt.Errorf("error stopping HTTP server: %w", err)
			}
			return nil
		})
	}

	if udpServer != nil {
		g.Go(func() error {
			<-gctx.Done()
			return udpServer.Stop()
		})
	}

	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	if err := g.Wait(); err != nil {
		return err
	}

	stats := engine.Stats()
	logger.Info("Final engine statistics",
		slog.String("backend", stats.Backend),
		slog.Int("sessions", stats.Sessions),
		slog.Uint64("detections", stats.Detections),
		slog.Uint64("events", stats.Events),
		slog.Uint64("fallbacks", stats.Fallbacks),
	)
	return nil
}

func engineConfig(cfg *config.Config) vad.Config {
	return vad.Config{
		SampleRate:         cfg.Audio.SampleRate,
		Threshold:          cfg.VAD.Threshold,
		MinSilenceDuration: cfg.VAD.GetMinSilenceDuration(),
		SilenceAccounting:  vad.SilenceAccounting(cfg.VAD.SilenceAccounting),
		ScoreTimeout:       cfg.VAD.GetScoreTimeout(),
	}
}

// buildScorer returns the configured primary scorer and whatever must be
// closed at shutdown. A backend that cannot be loaded is logged and the
// engine runs on energy alone (nil scorer).
func buildScorer(cfg *config.Config, logger *slog.Logger) (vad.Scorer, io.Closer) {
	switch cfg.Scorer.Type {
	case config.ScorerSilero:
		s, err := silero.New(silero.Config{
			ModelPath:   cfg.Scorer.ModelPath,
			LibraryPath: cfg.Scorer.LibraryPath,
			SampleRate:  cfg.Audio.SampleRate,
			Threads:     cfg.Scorer.Threads,
		}, logger)
		if err != nil {
			logger.Warn("Silero VAD unavailable, running energy-only",
				slog.String("model_path", cfg.Scorer.ModelPath),
				slog.String("error", err.Error()),
			)
			return nil, nil
		}
		return s, s

	case config.ScorerRemote:
		c, err := remote.NewClient(remote.Config{
			Endpoint:      cfg.Scorer.Endpoint,
			APIKey:        cfg.Scorer.APIKey,
			SampleRate:    cfg.Audio.SampleRate,
			Timeout:       cfg.Scorer.GetTimeoutDuration(),
			MaxRetries:    cfg.Scorer.MaxRetries,
			MaxConcurrent: cfg.Scorer.MaxConcurrent,
		}, logger)
		if err != nil {
			logger.Warn("Remote VAD unavailable, running energy-only",
				slog.String("endpoint", cfg.Scorer.Endpoint),
				slog.String("error", err.Error()),
			)
			return nil, nil
		}
		return c, c

	default:
		return nil, nil
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output io.Writer
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
