package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/vad-service/internal/audio"
	"github.com/skypro1111/vad-service/internal/config"
	"github.com/skypro1111/vad-service/internal/metrics"
	"github.com/skypro1111/vad-service/internal/vad"
)

const chunkSamples = 512

var fixedTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// 20000/32768 is above the default 0.5 threshold.
func loudChunk() []byte  { return audio.ConstantPCM16(chunkSamples, 20000) }
func quietChunk() []byte { return audio.ConstantPCM16(chunkSamples, 0) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, m *metrics.Metrics) *vad.Engine {
	t.Helper()
	engine, err := vad.NewEngine(vad.DefaultConfig(),
		vad.WithLogger(testLogger()),
		vad.WithObserver(m),
		vad.WithClock(func() time.Time { return fixedTime }),
	)
	require.NoError(t, err)
	return engine
}

type testAPI struct {
	server  *httptest.Server
	engine  *vad.Engine
	metrics *metrics.Metrics
	http    *HTTPServer
}

func newTestAPI(t *testing.T, maxBody int64) *testAPI {
	t.Helper()

	m := metrics.NewMetrics(prometheus.NewRegistry())
	engine := newTestEngine(t, m)
	h := NewHTTPServer(HTTPServerConfig{
		Address:      "127.0.0.1",
		MaxBodyBytes: maxBody,
		ChunkSamples: chunkSamples,
	}, testLogger(), config.Default(), engine, nil, m)

	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)

	return &testAPI{server: srv, engine: engine, metrics: m, http: h}
}

func (a *testAPI) postJSON(t *testing.T, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return a.post(t, path, "application/json", data)
}

func (a *testAPI) post(t *testing.T, path, contentType string, body []byte) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(a.server.URL+path, contentType, bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode, decodeBody(t, resp)
}

func (a *testAPI) get(t *testing.T, path string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(a.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func detectBody(chunk []byte, sessionID string) map[string]string {
	body := map[string]string{"audio_data": base64.StdEncoding.EncodeToString(chunk)}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	return body
}

func TestDetectStartAndEnd(t *testing.T) {
	api := newTestAPI(t, 0)

	status, body := api.postJSON(t, "/vad", detectBody(loudChunk(), "call-1"))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "start", body["status"])
	assert.Equal(t, float64(fixedTime.UnixMilli()), body["timestamp"])

	// 500 ms at 16 kHz with 512-sample chunks needs 15 silent chunks.
	for i := 0; i < 14; i++ {
		status, body = api.postJSON(t, "/vad", detectBody(quietChunk(), "call-1"))
		require.Equal(t, http.StatusOK, status)
		require.Contains(t, body, "status")
		require.Nil(t, body["status"], "chunk %d", i)
		require.NotContains(t, body, "timestamp")
	}

	status, body = api.postJSON(t, "/vad", detectBody(quietChunk(), "call-1"))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "end", body["status"])
}

func TestDetectDefaultSession(t *testing.T) {
	api := newTestAPI(t, 0)

	status, body := api.postJSON(t, "/vad", detectBody(loudChunk(), ""))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "start", body["status"])

	snap, ok := api.engine.Session(DefaultSessionID)
	require.True(t, ok)
	assert.True(t, snap.Speaking)
}

func TestDetectBadRequests(t *testing.T) {
	api := newTestAPI(t, 0)

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"missing audio_data", `{"session_id":"a"}`, "missing audio_data"},
		{"invalid base64", `{"audio_data":"***"}`, "base64"},
		{"empty audio", `{"audio_data":""}`, "empty"},
		{"single byte", `{"audio_data":"AQ=="}`, "no 16-bit sample"},
		{"blank session id", `{"audio_data":"AAAA","session_id":"   "}`, "session id"},
		{"malformed json", `{"audio_data":`, "invalid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := api.post(t, "/vad", "application/json", []byte(tt.body))
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Contains(t, body["error"], tt.wantErr)
		})
	}
}

func TestDetectWAVBody(t *testing.T) {
	api := newTestAPI(t, 0)

	wav, err := audio.EncodeWAV(audio.DecodePCM16(loudChunk()), 16000)
	require.NoError(t, err)

	status, body := api.post(t, "/vad?session_id=wav", "audio/wav", wav)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "start", body["status"])

	_, ok := api.engine.Session("wav")
	assert.True(t, ok)
}

func TestDetectWAVSampleRateMismatch(t *testing.T) {
	api := newTestAPI(t, 0)

	wav, err := audio.EncodeWAV(audio.DecodePCM16(loudChunk()), 8000)
	require.NoError(t, err)

	status, body := api.post(t, "/vad", "audio/wav", wav)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "sample rate")
}

func TestDetectRawPCMBody(t *testing.T) {
	api := newTestAPI(t, 0)

	status, body := api.post(t, "/vad?session_id=raw", "application/octet-stream", loudChunk())
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "start", body["status"])
}

func TestDetectBodyTooLarge(t *testing.T) {
	api := newTestAPI(t, 1024)

	status, _ := api.post(t, "/vad", "application/octet-stream", make([]byte, 4096))
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)
}

func TestDetectMethodNotAllowed(t *testing.T) {
	api := newTestAPI(t, 0)

	status, body := api.get(t, "/vad")
	assert.Equal(t, http.StatusMethodNotAllowed, status)
	assert.NotEmpty(t, body["error"])
}

func TestResetEndpoint(t *testing.T) {
	api := newTestAPI(t, 0)

	api.postJSON(t, "/vad", detectBody(loudChunk(), "r1"))
	snap, _ := api.engine.Session("r1")
	require.True(t, snap.Speaking)

	status, body := api.postJSON(t, "/vad/reset", map[string]string{"session_id": "r1"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "reset", body["status"])

	snap, _ = api.engine.Session("r1")
	assert.False(t, snap.Speaking)

	// A reset start is reported again.
	_, body = api.postJSON(t, "/vad", detectBody(loudChunk(), "r1"))
	assert.Equal(t, "start", body["status"])
}

func TestResetWithoutBody(t *testing.T) {
	api := newTestAPI(t, 0)

	api.postJSON(t, "/vad", detectBody(loudChunk(), ""))

	for _, path := range []string{"/vad/reset", "/reset"} {
		status, body := api.post(t, path, "application/json", nil)
		require.Equal(t, http.StatusOK, status, path)
		assert.Equal(t, "reset", body["status"])
	}

	snap, _ := api.engine.Session(DefaultSessionID)
	assert.False(t, snap.Speaking)
}

func TestResetUnknownSession(t *testing.T) {
	api := newTestAPI(t, 0)

	status, body := api.postJSON(t, "/vad/reset", map[string]string{"session_id": "ghost"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "reset", body["status"])
	assert.Equal(t, 0, api.engine.SessionCount())
}

func TestClearEndpoint(t *testing.T) {
	api := newTestAPI(t, 0)

	for _, id := range []string{"a", "b", "c"} {
		api.postJSON(t, "/vad", detectBody(loudChunk(), id))
	}

	status, body := api.post(t, "/vad/clear", "application/json", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "cleared", body["status"])
	assert.Equal(t, float64(3), body["sessions"])
	assert.Equal(t, 0, api.engine.SessionCount())
}

func TestHealthEndpoints(t *testing.T) {
	api := newTestAPI(t, 0)

	status, body := api.get(t, "/vad/health")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]interface{}{"status": "healthy", "service": "vad"}, body)

	status, body = api.get(t, "/health")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
	components, ok := body["components"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, components, "vad_engine")
	assert.NotContains(t, components, "udp_server")
}

func TestSessionEndpoints(t *testing.T) {
	api := newTestAPI(t, 0)

	api.postJSON(t, "/vad", detectBody(loudChunk(), "s2"))
	api.postJSON(t, "/vad", detectBody(quietChunk(), "s1"))

	status, body := api.get(t, "/sessions")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), body["total_sessions"])
	sessions, ok := body["sessions"].([]interface{})
	require.True(t, ok)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s1", sessions[0].(map[string]interface{})["session_id"])

	status, body = api.get(t, "/sessions/s2")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["speaking"])
	assert.Equal(t, float64(1), body["chunks"])

	status, _ = api.get(t, "/sessions/missing")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestConfigEndpointOmitsAPIKey(t *testing.T) {
	api := newTestAPI(t, 0)
	api.http.config.Scorer.APIKey = "secret"

	resp, err := http.Get(api.server.URL + "/config")
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(raw), "secret")
	assert.Contains(t, string(raw), `"min_silence_frames":15`)
	assert.Contains(t, string(raw), `"active_backend":"energy"`)
}

func TestStatsEndpoint(t *testing.T) {
	api := newTestAPI(t, 0)
	api.postJSON(t, "/vad", detectBody(loudChunk(), "x"))

	status, body := api.get(t, "/stats")
	require.Equal(t, http.StatusOK, status)
	stats, ok := body["vad"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), stats["detections"])
	assert.Equal(t, float64(1), stats["events"])
}

func TestRootAndNotFound(t *testing.T) {
	api := newTestAPI(t, 0)

	status, body := api.get(t, "/")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "endpoints")

	status, _ = api.get(t, "/nope")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t, 0)
	api.postJSON(t, "/vad", detectBody(loudChunk(), "m"))
	api.post(t, "/vad", "application/json", []byte(`{}`))

	resp, err := http.Get(api.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(raw)
	assert.Contains(t, text, `vad_http_requests_total{endpoint="/vad",method="POST",status_code="200"} 1`)
	assert.Contains(t, text, `vad_http_errors_total{endpoint="/vad",error_type="client_error",method="POST"} 1`)
	assert.Contains(t, text, `vad_events_total{kind="start"} 1`)
}

func TestRecoveryMiddleware(t *testing.T) {
	api := newTestAPI(t, 0)

	handler := api.http.withRecovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/vad", strings.NewReader("{}")))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}
