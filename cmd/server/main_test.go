package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/vad-service/internal/config"
	"github.com/skypro1111/vad-service/internal/vad"
	"github.com/skypro1111/vad-service/internal/vad/remote"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildScorer(t *testing.T) {
	t.Run("energy", func(t *testing.T) {
		cfg := config.Default()
		scorer, closer := buildScorer(cfg, discardLogger())
		assert.Nil(t, scorer)
		assert.Nil(t, closer)
	})

	t.Run("silero without model falls back", func(t *testing.T) {
		cfg := config.Default()
		cfg.Scorer.Type = config.ScorerSilero
		cfg.Scorer.ModelPath = filepath.Join(t.TempDir(), "missing.onnx")

		scorer, closer := buildScorer(cfg, discardLogger())
		assert.Nil(t, scorer)
		assert.Nil(t, closer)
	})

	t.Run("remote with bad endpoint falls back", func(t *testing.T) {
		cfg := config.Default()
		cfg.Scorer.Type = config.ScorerRemote
		cfg.Scorer.Endpoint = "ftp://example"

		scorer, _ := buildScorer(cfg, discardLogger())
		assert.Nil(t, scorer)
	})

	t.Run("remote", func(t *testing.T) {
		cfg := config.Default()
		cfg.Scorer.Type = config.ScorerRemote
		cfg.Scorer.Endpoint = "http://127.0.0.1:1/vad"

		scorer, closer := buildScorer(cfg, discardLogger())
		require.NotNil(t, scorer)
		assert.IsType(t, &remote.Client{}, scorer)
		assert.Equal(t, "remote", scorer.Name())
		require.NoError(t, closer.Close())
	})
}

func TestEngineConfig(t *testing.T) {
	cfg := config.Default()
	cfg.VAD.MinSilenceDuration = 300
	cfg.VAD.ScoreTimeout = 40
	cfg.VAD.SilenceAccounting = "samples"

	got := engineConfig(cfg)
	assert.Equal(t, vad.Config{
		SampleRate:         16000,
		Threshold:          0.5,
		MinSilenceDuration: 300 * time.Millisecond,
		SilenceAccounting:  vad.SilenceSamples,
		ScoreTimeout:       40 * time.Millisecond,
	}, got)

	_, err := vad.NewEngine(got)
	assert.NoError(t, err)
}

func TestInitLogger(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := initLogger(config.LoggingConfig{Level: tt.level, Format: "json", Output: "stderr"})
			assert.True(t, logger.Enabled(context.Background(), tt.want))
			assert.False(t, logger.Enabled(context.Background(), tt.want-1))
		})
	}

	t.Run("file output", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "service.log")
		logger := initLogger(config.LoggingConfig{Level: "info", Format: "text", Output: path})
		logger.Info("hello")
		assert.FileExists(t, path)
	})
}
