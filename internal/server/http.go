package server

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/vad-service/internal/audio"
	"github.com/skypro1111/vad-service/internal/config"
	"github.com/skypro1111/vad-service/internal/metrics"
	"github.com/skypro1111/vad-service/internal/vad"
)

const (
	serviceName    = "vad-service"
	serviceVersion = "1.0.0"

	// DefaultSessionID is used by the HTTP API when a request names no session.
	DefaultSessionID = "default"
)

// HTTPServer provides the VAD HTTP API plus monitoring endpoints
type HTTPServer struct {
	server    *http.Server
	handler   http.Handler
	logger    *slog.Logger
	config    *config.Config
	engine    *vad.Engine
	udpServer *UDPServer // nil when UDP is disabled
	metrics   *metrics.Metrics
	cfg       HTTPServerConfig

	// Hijacked websocket connections are not tracked by Shutdown; they
	// derive from baseCtx and end when Stop cancels it. Stop then waits on
	// streams so no handler is still inside the engine when it returns.
	baseCtx       context.Context
	cancelStreams context.CancelFunc
	streams       sync.WaitGroup

	startTime time.Time
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port         int
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodyBytes int64
	ChunkSamples int // frame size for websocket streams
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger,
	appConfig *config.Config, engine *vad.Engine, udpServer *UDPServer, m *metrics.Metrics) *HTTPServer {

	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = 512
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	h := &HTTPServer{
		logger:        logger,
		config:        appConfig,
		engine:        engine,
		udpServer:     udpServer,
		metrics:       m,
		cfg:           cfg,
		baseCtx:       baseCtx,
		cancelStreams: cancel,
		startTime:     time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = h.withRecovery(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      h.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}

	return h
}

// Handler returns the root handler, for embedding and tests.
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Detection API
	mux.HandleFunc("/vad", h.withMetrics("/vad", h.handleDetect))
	mux.HandleFunc("/vad/reset", h.withMetrics("/vad/reset", h.handleReset))
	mux.HandleFunc("/vad/clear", h.withMetrics("/vad/clear", h.handleClear))
	mux.HandleFunc("/vad/health", h.withMetrics("/vad/health", h.handleVADHealth))
	mux.HandleFunc("/vad/stream", h.withMetrics("/vad/stream", h.handleStream))

	// Older clients post resets to the root path.
	mux.HandleFunc("/reset", h.withMetrics("/reset", h.handleReset))

	// Monitoring
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", h.metrics.Handler())

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// withRecovery turns a handler panic into a 500 response
func (h *HTTPServer) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.logger.Error("HTTP handler panic",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Any("panic", rec),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Start binds the listen address and serves in the background. Bind errors
// are returned; later serve errors are logged.
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP API server",
		slog.String("address", ln.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	err := h.server.Shutdown(ctx)
	h.cancelStreams()

	done := make(chan struct{})
	go func() {
		h.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn("Timed out waiting for streams to close")
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// detectRequest is the JSON body of POST /vad
type detectRequest struct {
	AudioData *string `json:"audio_data"`
	SessionID string  `json:"session_id"`
}

// detectResponse is returned by POST /vad. Status is null when the chunk
// caused no transition.
type detectResponse struct {
	Status    *string `json:"status"`
	Timestamp *int64  `json:"timestamp,omitempty"`
}

type resetRequest struct {
	SessionID string `json:"session_id"`
}

// handleDetect implements POST /vad
func (h *HTTPServer) handleDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)

	pcm, sessionID, status, err := h.readDetectBody(r)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	h.metrics.RecordChunk(len(pcm) / audio.BytesPerSample)

	event, err := h.engine.Detect(pcm, sessionID)
	if err != nil {
		h.writeEngineError(w, "VAD detection failed", sessionID, err)
		return
	}

	resp := detectResponse{}
	if event != nil {
		kind := string(event.Kind)
		ts := event.UnixMilli()
		resp.Status = &kind
		resp.Timestamp = &ts
	}
	writeJSON(w, http.StatusOK, resp)
}

// readDetectBody extracts the PCM chunk and session id from a POST /vad
// request. JSON bodies carry base64 audio; WAV and raw PCM bodies take the
// session from the query string.
func (h *HTTPServer) readDetectBody(r *http.Request) ([]byte, string, int, error) {
	mediaType := "application/json"
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			mediaType = mt
		}
	}

	switch mediaType {
	case "audio/wav", "audio/wave", "audio/x-wav", "application/octet-stream":
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, "", bodyErrorStatus(err), fmt.Errorf("failed to read body: %w", err)
		}
		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" {
			sessionID = DefaultSessionID
		}
		if mediaType == "application/octet-stream" && !audio.IsWAV(body) {
			return body, sessionID, http.StatusOK, nil
		}

		pcm, info, err := audio.ExtractPCM(body)
		if err != nil {
			return nil, "", http.StatusBadRequest, err
		}
		if rate := h.engine.Config().SampleRate; int(info.SampleRate) != rate {
			return nil, "", http.StatusBadRequest,
				fmt.Errorf("WAV sample rate %d Hz does not match service rate %d Hz", info.SampleRate, rate)
		}
		return pcm, sessionID, http.StatusOK, nil

	default:
		var req detectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, "", bodyErrorStatus(err), fmt.Errorf("invalid JSON body: %w", err)
		}
		if req.AudioData == nil {
			return nil, "", http.StatusBadRequest, fmt.Errorf("missing audio_data field")
		}
		pcm, err := base64.StdEncoding.DecodeString(*req.AudioData)
		if err != nil {
			return nil, "", http.StatusBadRequest, fmt.Errorf("audio_data is not valid base64: %w", err)
		}
		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = DefaultSessionID
		}
		return pcm, sessionID, http.StatusOK, nil
	}
}

func bodyErrorStatus(err error) int {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

// handleReset implements POST /vad/reset
func (h *HTTPServer) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req resetRequest
	if r.Body != nil && r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, bodyErrorStatus(err), fmt.Sprintf("invalid JSON body: %v", err))
			return
		}
	}
	if req.SessionID == "" {
		req.SessionID = r.URL.Query().Get("session_id")
	}
	if req.SessionID == "" {
		req.SessionID = DefaultSessionID
	}

	if err := h.engine.Reset(req.SessionID); err != nil {
		h.writeEngineError(w, "VAD reset failed", req.SessionID, err)
		return
	}
	h.metrics.RecordSessionReset()

	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// handleClear implements POST /vad/clear
func (h *HTTPServer) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	n := h.engine.ClearAll()
	h.metrics.RecordSessionClear()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "cleared",
		"sessions": n,
	})
}

// handleVADHealth implements GET /vad/health
func (h *HTTPServer) handleVADHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "vad"})
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	engineStats := h.engine.Stats()
	components := map[string]interface{}{
		"vad_engine": map[string]interface{}{
			"status":          "running",
			"backend":         engineStats.Backend,
			"active_sessions": engineStats.Sessions,
			"fallbacks":       engineStats.Fallbacks,
		},
	}
	if h.udpServer != nil {
		udpStats := h.udpServer.GetStatistics()
		components["udp_server"] = map[string]interface{}{
			"status":            "running",
			"packets_received":  udpStats.PacketsReceived,
			"packets_processed": udpStats.PacketsProcessed,
			"parse_errors":      udpStats.ParseErrors,
			"queue_size":        udpStats.QueueSize,
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	})
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sessions := h.engine.Sessions()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	})
}

// handleSessionDetail implements the /sessions/{session_id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sessionID := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session id required")
		return
	}

	snapshot, ok := h.engine.Session(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// The scorer API key is left out.
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"enabled":      h.config.Server.Enabled,
			"udp_port":     h.config.Server.UDPPort,
			"bind_address": h.config.Server.BindAddress,
			"buffer_size":  h.config.Server.BufferSize,
			"workers":      h.config.Server.Workers,
			"queue_size":   h.config.Server.QueueSize,
		},
		"audio": map[string]interface{}{
			"sample_rate":   h.config.Audio.SampleRate,
			"channels":      h.config.Audio.Channels,
			"bit_depth":     h.config.Audio.BitDepth,
			"chunk_samples": h.config.Audio.ChunkSamples,
		},
		"vad": map[string]interface{}{
			"threshold":            h.config.VAD.Threshold,
			"min_silence_duration": h.config.VAD.MinSilenceDuration,
			"silence_accounting":   h.config.VAD.SilenceAccounting,
			"score_timeout":        h.config.VAD.ScoreTimeout,
			"min_silence_frames":   h.engine.MinSilenceFrames(h.config.Audio.ChunkSamples),
		},
		"scorer": map[string]interface{}{
			"type":           h.config.Scorer.Type,
			"active_backend": h.engine.Backend(),
			"model_path":     h.config.Scorer.ModelPath,
			"endpoint":       h.config.Scorer.Endpoint,
			"timeout":        h.config.Scorer.Timeout,
			"max_retries":    h.config.Scorer.MaxRetries,
			"max_concurrent": h.config.Scorer.MaxConcurrent,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"vad":       h.engine.Stats(),
	}
	if h.udpServer != nil {
		stats["udp"] = h.udpServer.GetStatistics()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Voice Activity Detection Service",
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                      "API documentation",
			"POST /vad":                  "Detect speech start/end in one audio chunk",
			"POST /vad/reset":            "Reset one session",
			"POST /vad/clear":            "Drop all sessions",
			"GET /vad/health":            "VAD liveness probe",
			"GET /vad/stream":            "WebSocket audio streaming",
			"GET /health":                "Service health check",
			"GET /sessions":              "List all sessions",
			"GET /sessions/{session_id}": "Get one session",
			"GET /config":                "Get service configuration",
			"GET /stats":                 "Get service statistics",
			"GET /metrics":               "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

// writeEngineError maps engine errors onto HTTP status codes
func (h *HTTPServer) writeEngineError(w http.ResponseWriter, msg, sessionID string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, vad.ErrInvalidArgument) {
		status = http.StatusBadRequest
	}

	level := slog.LevelError
	if status < 500 {
		level = slog.LevelWarn
	}
	h.logger.Log(context.Background(), level, msg,
		slog.String("session_id", sessionID),
		slog.String("error", err.Error()),
	)
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
