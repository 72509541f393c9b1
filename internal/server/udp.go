package server

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/skypro1111/vad-service/internal/audio"
	"github.com/skypro1111/vad-service/internal/config"
	"github.com/skypro1111/vad-service/internal/metrics"
	"github.com/skypro1111/vad-service/internal/protocol"
	"github.com/skypro1111/vad-service/internal/vad"
)

// UDPServer receives audio and reset packets and answers each start or end
// transition with an event packet sent back to the originating address.
//
// Packets are sharded onto workers by session id, so the chunks of one
// session are always detected in arrival order.
type UDPServer struct {
	conn    *net.UDPConn
	config  *config.ServerConfig
	logger  *slog.Logger
	engine  *vad.Engine
	metrics *metrics.Metrics

	// Concurrency management
	ctx      context.Context
	cancel   context.CancelFunc
	recvDone chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	// One queue per worker
	queues []chan *incomingPacket

	// Statistics
	packetsReceived  uint64
	packetsProcessed uint64
	parseErrors      uint64
	packetsDropped   uint64
	eventsSent       uint64
	mu               sync.RWMutex
}

// incomingPacket represents a received UDP packet with metadata
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
	timestamp  time.Time
}

// NewUDPServer creates a new UDP server instance
func NewUDPServer(cfg *config.ServerConfig, logger *slog.Logger, engine *vad.Engine, m *metrics.Metrics) *UDPServer {
	ctx, cancel := context.WithCancel(context.Background())

	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	perWorker := cfg.QueueSize / workers
	if perWorker < 1 {
		perWorker = 1
	}

	queues := make([]chan *incomingPacket, workers)
	for i := range queues {
		queues[i] = make(chan *incomingPacket, perWorker)
	}

	return &UDPServer{
		config:   cfg,
		logger:   logger,
		engine:   engine,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		recvDone: make(chan struct{}),
		queues:   queues,
	}
}

// Start begins listening for UDP packets
func (s *UDPServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.UDPPort))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	s.conn = conn

	if err := s.conn.SetReadBuffer(s.config.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("UDP server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("buffer_size", s.config.BufferSize),
		slog.Int("workers", len(s.queues)),
	)

	for i, queue := range s.queues {
		s.wg.Add(1)
		go s.packetProcessor(i, queue)
	}

	go s.receiveLoop()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop drains the worker queues and closes the socket. It is safe to call
// more than once.
func (s *UDPServer) Stop() error {
	s.stopOnce.Do(s.stop)
	return nil
}

func (s *UDPServer) stop() {
	s.logger.Info("Stopping UDP server...")

	s.cancel()

	if s.conn == nil {
		return
	}

	// Unblock the pending read, then wait for the receive loop so nothing
	// is queued after the queues are closed.
	if err := s.conn.SetReadDeadline(time.Now()); err != nil {
		s.logger.Warn("Error interrupting UDP read", slog.String("error", err.Error()))
	}
	<-s.recvDone

	for _, queue := range s.queues {
		close(queue)
	}
	s.wg.Wait()

	if err := s.conn.Close(); err != nil {
		s.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
	}

	stats := s.GetStatistics()
	s.logger.Info("UDP server stopped",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("parse_errors", stats.ParseErrors),
		slog.Uint64("packets_dropped", stats.PacketsDropped),
		slog.Uint64("events_sent", stats.EventsSent),
	)
}

// receiveLoop is the main packet receiving loop
func (s *UDPServer) receiveLoop() {
	defer close(s.recvDone)

	buffer := make([]byte, s.config.BufferSize)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		// Periodic deadline so cancellation is noticed without traffic
		if err := s.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			return
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
		}

		s.mu.Lock()
		s.packetsReceived++
		s.mu.Unlock()
		s.metrics.RecordPacketReceived()

		// The read buffer is reused
		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		packet := &incomingPacket{
			data:       packetData,
			remoteAddr: remoteAddr,
			timestamp:  time.Now(),
		}

		queue := s.queues[s.shard(packetData)]
		select {
		case queue <- packet:
			s.metrics.SetQueueSize(s.queueLen())
		default:
			s.mu.Lock()
			s.packetsDropped++
			s.mu.Unlock()

			s.logger.Warn("Packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("packet_size", n),
			)
		}
	}
}

// shard picks the worker for a raw packet from its session id bytes.
// Packets too short to carry an id go to worker 0 and fail parsing there.
func (s *UDPServer) shard(data []byte) int {
	if len(s.queues) == 1 || len(data) < protocol.HeaderSize {
		return 0
	}
	idEnd := protocol.HeaderSize + int(data[protocol.HeaderSize-1])
	if idEnd > len(data) {
		return 0
	}
	h := fnv.New32a()
	h.Write(data[protocol.HeaderSize:idEnd])
	return int(h.Sum32() % uint32(len(s.queues)))
}

func (s *UDPServer) queueLen() int {
	n := 0
	for _, queue := range s.queues {
		n += len(queue)
	}
	return n
}

// packetProcessor processes packets from one worker queue
func (s *UDPServer) packetProcessor(workerID int, queue <-chan *incomingPacket) {
	defer s.wg.Done()

	s.logger.Debug("Packet processor started", slog.Int("worker_id", workerID))

	for packet := range queue {
		s.handlePacket(packet, workerID)
	}

	s.logger.Debug("Packet processor stopped", slog.Int("worker_id", workerID))
}

// handlePacket processes a single incoming packet
func (s *UDPServer) handlePacket(packet *incomingPacket, workerID int) {
	parsedPacket, err := protocol.ParsePacket(packet.data)
	if err != nil {
		s.mu.Lock()
		s.parseErrors++
		s.mu.Unlock()
		s.metrics.RecordParseError()

		s.logger.Error("Failed to parse packet",
			slog.String("remote_addr", packet.remoteAddr.String()),
			slog.Int("packet_size", len(packet.data)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
		return
	}

	s.mu.Lock()
	s.packetsProcessed++
	s.mu.Unlock()
	s.metrics.RecordPacketProcessed()

	switch parsedPacket.Header.PacketType {
	case protocol.PacketTypeAudio:
		s.processAudioPacket(parsedPacket, packet.remoteAddr, workerID)
	case protocol.PacketTypeReset:
		s.processResetPacket(parsedPacket, workerID)
	default:
		s.logger.Warn("Unexpected packet type from client",
			slog.String("session_id", parsedPacket.SessionID),
			slog.Int("packet_type", int(parsedPacket.Header.PacketType)),
			slog.String("remote_addr", packet.remoteAddr.String()),
			slog.Int("worker_id", workerID),
		)
	}
}

// processAudioPacket runs the chunk through the engine and answers with an
// event packet when the session changed state
func (s *UDPServer) processAudioPacket(packet *protocol.ParsedPacket, remoteAddr *net.UDPAddr, workerID int) {
	payload := packet.Audio
	s.metrics.RecordChunk(len(payload.AudioData) / audio.BytesPerSample)

	event, err := s.engine.Detect(payload.AudioData, packet.SessionID)
	if err != nil {
		s.logger.Error("VAD detection failed",
			slog.String("session_id", packet.SessionID),
			slog.Uint64("sequence", uint64(payload.Sequence)),
			slog.Int("audio_size", len(payload.AudioData)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
		return
	}

	s.logger.Debug("Audio packet processed",
		slog.String("session_id", packet.SessionID),
		slog.Uint64("sequence", uint64(payload.Sequence)),
		slog.Int("audio_size", len(payload.AudioData)),
		slog.Int("worker_id", workerID),
	)

	if event == nil {
		return
	}

	kind, err := protocol.EventKindFromName(string(event.Kind))
	if err != nil {
		s.logger.Error("Unmappable event kind", slog.String("status", string(event.Kind)))
		return
	}
	reply, err := protocol.EncodeEventPacket(packet.SessionID, kind, payload.Sequence, event.Timestamp)
	if err != nil {
		s.logger.Error("Failed to encode event packet",
			slog.String("session_id", packet.SessionID),
			slog.String("error", err.Error()),
		)
		return
	}

	if _, err := s.conn.WriteToUDP(reply, remoteAddr); err != nil {
		s.logger.Error("Failed to send event packet",
			slog.String("session_id", packet.SessionID),
			slog.String("remote_addr", remoteAddr.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	s.eventsSent++
	s.mu.Unlock()
	s.metrics.RecordEventSent()
}

// processResetPacket returns the session to silence
func (s *UDPServer) processResetPacket(packet *protocol.ParsedPacket, workerID int) {
	if err := s.engine.Reset(packet.SessionID); err != nil {
		s.logger.Error("Failed to reset session",
			slog.String("session_id", packet.SessionID),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
		return
	}
	s.metrics.RecordSessionReset()
}

// GetStatistics returns current server statistics
func (s *UDPServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	capacity := 0
	for _, queue := range s.queues {
		capacity += cap(queue)
	}

	return ServerStatistics{
		PacketsReceived:  s.packetsReceived,
		PacketsProcessed: s.packetsProcessed,
		ParseErrors:      s.parseErrors,
		PacketsDropped:   s.packetsDropped,
		EventsSent:       s.eventsSent,
		ActiveSessions:   uint64(s.engine.SessionCount()),
		QueueSize:        uint64(s.queueLen()),
		QueueCapacity:    uint64(capacity),
	}
}

// ServerStatistics represents server performance metrics
type ServerStatistics struct {
	PacketsReceived  uint64 `json:"packets_received"`
	PacketsProcessed uint64 `json:"packets_processed"`
	ParseErrors      uint64 `json:"parse_errors"`
	PacketsDropped   uint64 `json:"packets_dropped"`
	EventsSent       uint64 `json:"events_sent"`
	ActiveSessions   uint64 `json:"active_sessions"`
	QueueSize        uint64 `json:"queue_size"`
	QueueCapacity    uint64 `json:"queue_capacity"`
}
