package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/skypro1111/vad-service/internal/audio"
)

// Stream message types.
const (
	msgTypeSession = "session"
	msgTypeEvent   = "event"
	msgTypeReset   = "reset"
	msgTypeAudio   = "audio"
	msgTypeError   = "error"
)

// streamMessage is the JSON shape of every text frame on /vad/stream, in
// both directions.
type streamMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	AudioData string `json:"audio_data,omitempty"`
	Error     string `json:"error,omitempty"`
}

// streamConn is one websocket client feeding a single VAD session.
type streamConn struct {
	h         *HTTPServer
	conn      *websocket.Conn
	sessionID string
	framer    *audio.Framer
	logger    *slog.Logger
}

// handleStream implements GET /vad/stream.
//
// Binary frames carry raw 16-bit PCM and are re-framed to the configured
// chunk size. Text frames carry JSON control messages. Every start or end
// event is written back as a JSON "event" message.
func (h *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	h.streams.Add(1)
	defer h.streams.Done()

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// Server read/write deadlines would otherwise cut long-lived streams.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}
	conn.SetReadLimit(h.cfg.MaxBodyBytes)

	framer, err := audio.NewFramer(h.cfg.ChunkSamples)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "framer setup failed")
		return
	}

	s := &streamConn{
		h:         h,
		conn:      conn,
		sessionID: sessionID,
		framer:    framer,
		logger:    h.logger.With(slog.String("session_id", sessionID)),
	}

	h.metrics.WSConnected()
	s.logger.Info("Stream connected", slog.String("remote_addr", r.RemoteAddr))

	err = s.serve(r.Context())

	if resetErr := h.engine.Reset(sessionID); resetErr != nil {
		s.logger.Warn("Failed to reset session on disconnect", slog.String("error", resetErr.Error()))
	}
	h.metrics.WSDisconnected()

	if err != nil {
		s.logger.Warn("Stream closed with error", slog.String("error", err.Error()))
		conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	s.logger.Info("Stream disconnected", slog.Uint64("frames", framer.FramesOut()))
	conn.Close(websocket.StatusNormalClosure, "")
}

// serve reads frames until the client goes away or ctx is done. A normal
// close returns nil.
func (s *streamConn) serve(ctx context.Context) error {
	if err := s.write(ctx, streamMessage{Type: msgTypeSession, SessionID: s.sessionID}); err != nil {
		return err
	}

	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
				return nil
			}
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}

		switch typ {
		case websocket.MessageBinary:
			s.h.metrics.RecordWSMessage("in", msgTypeAudio)
			if err := s.feed(ctx, data); err != nil {
				return err
			}
		case websocket.MessageText:
			if err := s.control(ctx, data); err != nil {
				return err
			}
		}
	}
}

// control handles one JSON text frame.
func (s *streamConn) control(ctx context.Context, data []byte) error {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.h.metrics.RecordWSMessage("in", "invalid")
		return s.writeError(ctx, fmt.Sprintf("invalid control message: %v", err))
	}
	s.h.metrics.RecordWSMessage("in", msg.Type)

	switch msg.Type {
	case msgTypeReset:
		s.framer.Reset()
		if err := s.h.engine.Reset(s.sessionID); err != nil {
			return s.writeError(ctx, err.Error())
		}
		s.h.metrics.RecordSessionReset()
		return s.write(ctx, streamMessage{Type: msgTypeReset, SessionID: s.sessionID})

	case msgTypeAudio:
		pcm, err := base64.StdEncoding.DecodeString(msg.AudioData)
		if err != nil {
			return s.writeError(ctx, fmt.Sprintf("audio_data is not valid base64: %v", err))
		}
		return s.feed(ctx, pcm)

	default:
		return s.writeError(ctx, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// feed re-frames pcm and runs every complete chunk through the engine.
func (s *streamConn) feed(ctx context.Context, pcm []byte) error {
	for _, chunk := range s.framer.Write(pcm) {
		s.h.metrics.RecordChunk(len(chunk) / audio.BytesPerSample)

		event, err := s.h.engine.Detect(chunk, s.sessionID)
		if err != nil {
			if werr := s.writeError(ctx, err.Error()); werr != nil {
				return werr
			}
			continue
		}
		if event == nil {
			continue
		}

		err = s.write(ctx, streamMessage{
			Type:      msgTypeEvent,
			SessionID: s.sessionID,
			Status:    string(event.Kind),
			Timestamp: event.UnixMilli(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *streamConn) writeError(ctx context.Context, msg string) error {
	s.logger.Debug("Stream client error", slog.String("error", msg))
	return s.write(ctx, streamMessage{Type: msgTypeError, SessionID: s.sessionID, Error: msg})
}

func (s *streamConn) write(ctx context.Context, msg streamMessage) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := wsjson.Write(ctx, s.conn, msg); err != nil {
		return fmt.Errorf("write %s message: %w", msg.Type, err)
	}
	s.h.metrics.RecordWSMessage("out", msg.Type)
	return nil
}
