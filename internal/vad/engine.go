package vad

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/skypro1111/vad-service/internal/audio"
)

// EventKind identifies a speech transition.
type EventKind string

const (
	EventStart EventKind = "start"
	EventEnd   EventKind = "end"
)

// Event is emitted by Detect when a session changes state.
type Event struct {
	Kind        EventKind `json:"status"`
	Timestamp   time.Time `json:"-"`
	Probability float64   `json:"probability"`
}

// UnixMilli returns the event timestamp in milliseconds since the epoch.
func (e Event) UnixMilli() int64 {
	return e.Timestamp.UnixMilli()
}

// Config holds the engine parameters. It is read once by NewEngine.
type Config struct {
	SampleRate         int               // Hz
	Threshold          float64           // speech when probability > Threshold
	MinSilenceDuration time.Duration     // debounce before an end event
	SilenceAccounting  SilenceAccounting // how the debounce is measured
	ScoreTimeout       time.Duration     // 0 waits for the scorer indefinitely
}

// DefaultConfig returns 16 kHz, threshold 0.5 and 500 ms minimum silence.
func DefaultConfig() Config {
	return Config{
		SampleRate:         16000,
		Threshold:          0.5,
		MinSilenceDuration: 500 * time.Millisecond,
		SilenceAccounting:  SilenceChunks,
	}
}

// Validate checks the configuration ranges.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", c.Threshold)
	}
	if c.MinSilenceDuration < 0 {
		return fmt.Errorf("min silence duration cannot be negative, got %s", c.MinSilenceDuration)
	}
	if c.ScoreTimeout < 0 {
		return fmt.Errorf("score timeout cannot be negative, got %s", c.ScoreTimeout)
	}
	if _, err := ParseSilenceAccounting(string(c.SilenceAccounting)); err != nil {
		return err
	}
	return nil
}

// Observer receives engine measurements. metrics.Metrics implements it.
type Observer interface {
	ObserveDetection(backend string, speech bool, elapsed time.Duration)
	ObserveEvent(kind string)
	ObserveFallback(backend string)
	SetActiveSessions(n int)
}

type nopObserver struct{}

func (nopObserver) ObserveDetection(string, bool, time.Duration) {}
func (nopObserver) ObserveEvent(string)                          {}
func (nopObserver) ObserveFallback(string)                       {}
func (nopObserver) SetActiveSessions(int)                        {}

// Option configures an Engine.
type Option func(*Engine)

// WithScorer sets the primary scorer. A nil scorer keeps the energy backend.
func WithScorer(s Scorer) Option {
	return func(e *Engine) { e.scorer = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine tracks speech state for any number of independent sessions.
//
// Detect, Reset and ClearAll are safe for concurrent use. Calls for different
// sessions never wait on each other's session lock.
type Engine struct {
	cfg      Config
	debounce debounce
	scorer   Scorer
	energy   EnergyScorer
	store    *sessionStore
	logger   *slog.Logger
	observer Observer
	now      func() time.Time

	detections atomic.Uint64
	events     atomic.Uint64
	fallbacks  atomic.Uint64
}

// NewEngine creates an engine. Without WithScorer it scores by energy only.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid vad config: %w", err)
	}
	accounting, _ := ParseSilenceAccounting(string(cfg.SilenceAccounting))
	cfg.SilenceAccounting = accounting

	e := &Engine{
		cfg: cfg,
		debounce: debounce{
			accounting:   accounting,
			minSilenceMs: cfg.MinSilenceDuration.Milliseconds(),
			sampleRate:   int64(cfg.SampleRate),
		},
		store:    newSessionStore(),
		logger:   slog.Default(),
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Detect scores one chunk of 16-bit little-endian mono PCM for sessionID and
// returns the resulting start or end event, or nil when the session did not
// change state. An odd trailing byte is ignored.
func (e *Engine) Detect(chunk []byte, sessionID string) (*Event, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: session id cannot be empty", ErrInvalidArgument)
	}
	if len(chunk) == 0 {
		return nil, fmt.Errorf("%w: audio data cannot be empty", ErrInvalidArgument)
	}
	if len(chunk) < audio.BytesPerSample {
		return nil, fmt.Errorf("%w: %d byte audio buffer holds no 16-bit sample", ErrInvalidArgument, len(chunk))
	}

	started := time.Now()
	samples := audio.DecodePCM16(chunk)
	probability, backend := e.score(sessionID, samples)
	speech := probability > e.cfg.Threshold

	now := e.now()
	var (
		kind    EventKind
		emitted bool
	)
	created := e.store.update(sessionID, now, func(st *sessionState) {
		st.chunks++
		st.lastActivity = now
		kind, emitted = e.debounce.advance(st, speech, len(samples))
		if emitted {
			st.events++
		}
	})

	if created {
		e.observer.SetActiveSessions(e.store.count())
		e.logger.Debug("Created VAD session", slog.String("session_id", sessionID))
	}
	e.detections.Add(1)
	e.observer.ObserveDetection(backend, speech, time.Since(started))

	if !emitted {
		return nil, nil
	}

	e.events.Add(1)
	e.observer.ObserveEvent(string(kind))
	e.logger.Info("Voice activity event",
		slog.String("session_id", sessionID),
		slog.String("status", string(kind)),
		slog.Float64("probability", probability),
		slog.String("backend", backend),
	)

	return &Event{Kind: kind, Timestamp: now, Probability: probability}, nil
}

// score returns the speech probability and the name of the backend that
// produced it.
func (e *Engine) score(sessionID string, samples []int16) (float64, string) {
	if e.scorer != nil {
		p, err := e.callScorer(sessionID, samples)
		if err == nil {
			return p, e.scorer.Name()
		}

		e.fallbacks.Add(1)
		e.observer.ObserveFallback(e.scorer.Name())
		e.logger.Warn("Scorer failed, falling back to energy backend",
			slog.String("backend", e.scorer.Name()),
			slog.String("session_id", sessionID),
			slog.Int("samples", len(samples)),
			slog.String("error", err.Error()),
		)
	}
	return MeanAbsEnergy(samples), e.energy.Name()
}

// callScorer invokes the primary scorer, bounded by ScoreTimeout when set.
func (e *Engine) callScorer(sessionID string, samples []int16) (float64, error) {
	if e.cfg.ScoreTimeout <= 0 {
		return safeScore(e.scorer, sessionID, samples)
	}

	type result struct {
		p   float64
		err error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := safeScore(e.scorer, sessionID, samples)
		ch <- result{p: p, err: err}
	}()

	timer := time.NewTimer(e.cfg.ScoreTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.p, r.err
	case <-timer.C:
		return 0, fmt.Errorf("%w: %s did not answer within %s", ErrBackendFailure, e.scorer.Name(), e.cfg.ScoreTimeout)
	}
}

func safeScore(s Scorer, sessionID string, samples []int16) (p float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = 0, fmt.Errorf("%w: %s panicked: %v", ErrBackendFailure, s.Name(), r)
		}
	}()

	p, err = s.Score(sessionID, samples)
	if err != nil {
		if errors.Is(err, ErrBackendFailure) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %s: %w", ErrBackendFailure, s.Name(), err)
	}
	if !validProbability(p) {
		return 0, fmt.Errorf("%w: %s returned probability %v outside [0,1]", ErrBackendFailure, s.Name(), p)
	}
	return p, nil
}

// Reset returns a session to the silent state. Resetting an unknown session
// is a no-op.
func (e *Engine) Reset(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: session id cannot be empty", ErrInvalidArgument)
	}

	existed := e.store.reset(sessionID)
	if r, ok := e.scorer.(SessionResetter); ok {
		r.ResetSession(sessionID)
	}
	if existed {
		e.logger.Info("VAD session reset", slog.String("session_id", sessionID))
	}
	return nil
}

// ClearAll drops every session and returns how many were dropped.
func (e *Engine) ClearAll() int {
	n := e.store.clear()
	if r, ok := e.scorer.(SessionResetter); ok {
		r.ResetAll()
	}
	e.observer.SetActiveSessions(0)
	e.logger.Info("All VAD sessions cleared", slog.Int("sessions", n))
	return n
}

// Session returns a snapshot of one session.
func (e *Engine) Session(sessionID string) (SessionSnapshot, bool) {
	return e.store.get(sessionID)
}

// Sessions returns snapshots of all sessions ordered by id.
func (e *Engine) Sessions() []SessionSnapshot {
	return e.store.list()
}

// SessionCount returns the number of tracked sessions.
func (e *Engine) SessionCount() int {
	return e.store.count()
}

// Backend returns the name of the primary scorer.
func (e *Engine) Backend() string {
	if e.scorer != nil {
		return e.scorer.Name()
	}
	return e.energy.Name()
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config {
	return e.cfg
}

// MinSilenceFrames returns how many consecutive non-speech chunks of
// numSamples samples end a speech segment under chunk accounting.
func (e *Engine) MinSilenceFrames(numSamples int) int {
	return e.debounce.minSilenceFrames(numSamples)
}

// Stats holds engine counters.
type Stats struct {
	Backend    string `json:"backend"`
	Sessions   int    `json:"sessions"`
	Detections uint64 `json:"detections"`
	Events     uint64 `json:"events"`
	Fallbacks  uint64 `json:"fallbacks"`
}

// Stats returns the current engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Backend:    e.Backend(),
		Sessions:   e.store.count(),
		Detections: e.detections.Load(),
		Events:     e.events.Load(),
		Fallbacks:  e.fallbacks.Load(),
	}
}
