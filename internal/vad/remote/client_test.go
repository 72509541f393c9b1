package remote

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/vad-service/internal/audio"
	"github.com/skypro1111/vad-service/internal/vad"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, url string, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		Endpoint:   url,
		SampleRate: 16000,
		Timeout:    time.Second,
		MaxRetries: 2,
		Backoff:    time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		expectErr bool
	}{
		{"valid", Config{Endpoint: "http://localhost:8002/vad", SampleRate: 16000}, false},
		{"empty endpoint", Config{SampleRate: 16000}, true},
		{"not http", Config{Endpoint: "localhost:8002", SampleRate: 16000}, true},
		{"zero sample rate", Config{Endpoint: "http://localhost:8002/vad"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient(tt.config, testLogger())
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "/reset", c.config.ResetPath)
			assert.Equal(t, 10, c.config.MaxConcurrent)
			require.NoError(t, c.Close())
		})
	}
}

func TestScoreSendsChunk(t *testing.T) {
	var got ScoreRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"probability": 0.73}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.APIKey = "secret" })

	samples := []int16{1, -2, 300}
	p, err := c.Score("call-1", samples)
	require.NoError(t, err)
	assert.InDelta(t, 0.73, p, 1e-9)

	assert.Equal(t, "call-1", got.SessionID)
	assert.Equal(t, 16000, got.SampleRate)
	raw, err := base64.StdEncoding.DecodeString(got.AudioData)
	require.NoError(t, err)
	assert.Equal(t, samples, audio.DecodePCM16(raw))

	stats := c.GetStats()
	assert.Equal(t, uint64(1), stats.TotalRequests)
	assert.Equal(t, uint64(1), stats.SuccessRequests)
	assert.Equal(t, 100.0, stats.SuccessRate)
}

func TestScoreRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "model warming up", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"probability": 0.2}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	p, err := c.Score("s", []int16{1, 2})
	require.NoError(t, err)
	assert.InDelta(t, 0.2, p, 1e-9)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, uint64(2), c.GetStats().TotalRetries)
}

func TestScoreDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad audio", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	_, err := c.Score("s", []int16{1, 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, vad.ErrBackendFailure)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(1), c.GetStats().FailedRequests)
}

func TestScoreRejectsMalformedResponses(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `probability=0.5`},
		{"missing field", `{"status": "start"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL, nil)
			_, err := c.Score("s", []int16{1})
			assert.ErrorIs(t, err, vad.ErrBackendFailure)
		})
	}
}

func TestScoreTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			time.Sleep(200 * time.Millisecond)
		}
		w.Write([]byte(`{"probability": 0.9}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.Timeout = 50 * time.Millisecond })

	p, err := c.Score("s", []int16{1})
	require.NoError(t, err)
	assert.InDelta(t, 0.9, p, 1e-9)
}

func TestResetSessionPostsReset(t *testing.T) {
	var (
		mu     sync.Mutex
		resets []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/vad", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"probability": 0.1}`))
	})
	mux.HandleFunc("/vad/reset", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		resets = append(resets, body["session_id"])
		mu.Unlock()
		w.Write([]byte(`{"status": "reset"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/vad", nil)

	// Unknown sessions are not sent.
	c.ResetSession("never-seen")

	_, err := c.Score("a", []int16{1})
	require.NoError(t, err)
	_, err = c.Score("b", []int16{1})
	require.NoError(t, err)

	c.ResetSession("a")
	c.ResetAll()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, resets)
}

func TestEngineFallsBackWhenRemoteFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.MaxRetries = 0 })
	e, err := vad.NewEngine(vad.DefaultConfig(), vad.WithScorer(c), vad.WithLogger(testLogger()))
	require.NoError(t, err)

	ev, err := e.Detect(audio.ConstantPCM16(320, 20000), "s")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, vad.EventStart, ev.Kind)
	assert.Equal(t, uint64(1), e.Stats().Fallbacks)
}

func TestScoreAfterClose(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1/vad", nil)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Score("s", []int16{1})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBackoff(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1/vad", func(cfg *Config) {
		cfg.Backoff = 10 * time.Millisecond
		cfg.MaxBackoff = 50 * time.Millisecond
	})

	assert.Equal(t, 10*time.Millisecond, c.backoff(1))
	assert.Equal(t, 20*time.Millisecond, c.backoff(2))
	assert.Equal(t, 40*time.Millisecond, c.backoff(3))
	assert.Equal(t, 50*time.Millisecond, c.backoff(4))
	assert.Equal(t, 50*time.Millisecond, c.backoff(60))
}
