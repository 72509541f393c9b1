package silero

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/skypro1111/vad-service/internal/vad"
)

const stateLen = 2 * 1 * 128 // (2, batch=1, hidden=128)

var (
	// ErrChunkTooShort is returned when a chunk is shorter than one model window.
	ErrChunkTooShort = errors.New("chunk shorter than one model window")
	// ErrClosed is returned by Score after Close.
	ErrClosed = errors.New("silero scorer closed")
)

// Config configures the Silero scorer.
type Config struct {
	ModelPath   string // silero_vad.onnx
	LibraryPath string // onnxruntime shared library; empty uses the platform default
	SampleRate  int    // 8000 or 16000
	Threads     int    // intra-op threads, 0 keeps the runtime default
}

// inferFunc runs one model window. input is context followed by the window.
type inferFunc func(input, state []float32, sampleRate int) (float32, []float32, error)

// Scorer is a vad.Scorer backed by the Silero recurrent model. Each session
// keeps its own recurrent state and audio context.
type Scorer struct {
	sampleRate  int
	window      int
	contextSize int
	infer       inferFunc
	logger      *slog.Logger

	// runMu is held shared by Score for the whole of inference and
	// exclusively by Close, so the session is never destroyed mid-run.
	runMu   sync.RWMutex
	session *ort.DynamicAdvancedSession
	closed  bool

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	mu      sync.Mutex
	state   []float32
	context []float32
}

func newStream(contextSize int) *stream {
	return &stream{
		state:   make([]float32, stateLen),
		context: make([]float32, contextSize),
	}
}

var envMu sync.Mutex

// initEnvironment initializes the process-wide ONNX Runtime environment once.
func initEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		if _, err := os.Stat(libraryPath); err != nil {
			return fmt.Errorf("onnxruntime library: %w", err)
		}
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// windowFor returns the model window and context length for a sample rate.
func windowFor(sampleRate int) (window, context int, err error) {
	switch sampleRate {
	case 16000:
		return 512, 64, nil
	case 8000:
		return 256, 32, nil
	default:
		return 0, 0, fmt.Errorf("silero requires a sample rate of 8000 or 16000 Hz, got %d", sampleRate)
	}
}

// New loads the model and returns a ready scorer. Errors here are not fatal
// to a service; callers are expected to run energy-only instead.
func New(cfg Config, logger *slog.Logger) (*Scorer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	window, contextSize, err := windowFor(cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("silero model path is empty")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("silero model: %w", err)
	}

	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if cfg.Threads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.Threads); err != nil {
			return nil, fmt.Errorf("failed to set intra op threads: %w", err)
		}
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("failed to set inter op threads: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		options)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	s := newScorer(cfg.SampleRate, window, contextSize, nil, logger)
	s.session = session
	s.infer = s.run

	logger.Info("Silero VAD model loaded",
		slog.String("model_path", cfg.ModelPath),
		slog.Int("sample_rate", cfg.SampleRate),
		slog.Int("window_samples", window),
	)
	return s, nil
}

func newScorer(sampleRate, window, contextSize int, infer inferFunc, logger *slog.Logger) *Scorer {
	return &Scorer{
		sampleRate:  sampleRate,
		window:      window,
		contextSize: contextSize,
		infer:       infer,
		logger:      logger,
		streams:     make(map[string]*stream),
	}
}

// Name returns "silero".
func (s *Scorer) Name() string { return "silero" }

// WindowSamples returns the number of samples the model consumes per run.
func (s *Scorer) WindowSamples() int { return s.window }

// Score runs every whole window of samples through the model, carrying the
// session's recurrent state, and returns the highest window probability.
// Trailing samples that do not fill a window are not scored.
func (s *Scorer) Score(sessionID string, samples []int16) (float64, error) {
	windows := len(samples) / s.window
	if windows == 0 {
		return 0, fmt.Errorf("%w: %w (%d samples, window %d)", vad.ErrBackendFailure, ErrChunkTooShort, len(samples), s.window)
	}

	s.runMu.RLock()
	defer s.runMu.RUnlock()
	if s.closed {
		return 0, fmt.Errorf("%w: %w", vad.ErrBackendFailure, ErrClosed)
	}

	st := s.stream(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	input := make([]float32, s.contextSize+s.window)
	var best float32
	for w := 0; w < windows; w++ {
		copy(input, st.context)
		for i, v := range samples[w*s.window : (w+1)*s.window] {
			input[s.contextSize+i] = float32(v) / 32768.0
		}

		p, state, err := s.infer(input, st.state, s.sampleRate)
		if err != nil {
			return 0, fmt.Errorf("%w: silero inference: %w", vad.ErrBackendFailure, err)
		}
		if len(state) != stateLen {
			return 0, fmt.Errorf("%w: silero returned state of %d values, want %d", vad.ErrBackendFailure, len(state), stateLen)
		}
		copy(st.state, state)
		copy(st.context, input[len(input)-s.contextSize:])
		if p > best {
			best = p
		}
	}
	return float64(best), nil
}

func (s *Scorer) stream(sessionID string) *stream {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[sessionID]
	if !ok {
		st = newStream(s.contextSize)
		s.streams[sessionID] = st
	}
	return st
}

// ResetSession forgets the recurrent state of one session.
func (s *Scorer) ResetSession(sessionID string) {
	s.mu.Lock()
	delete(s.streams, sessionID)
	s.mu.Unlock()
}

// ResetAll forgets every session's recurrent state.
func (s *Scorer) ResetAll() {
	s.mu.Lock()
	s.streams = make(map[string]*stream)
	s.mu.Unlock()
}

// Streams returns the number of sessions with model state.
func (s *Scorer) Streams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// run performs one inference on the ONNX session.
func (s *Scorer) run(input, state []float32, sampleRate int) (float32, []float32, error) {
	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(input))), input)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	stateTensor, err := ort.NewTensor(ort.NewShape(2, 1, 128), state)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create state tensor: %w", err)
	}
	defer stateTensor.Destroy()

	srTensor, err := ort.NewTensor(ort.NewShape(1), []int64{int64(sampleRate)})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create sr tensor: %w", err)
	}
	defer srTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	stateOutTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create state output tensor: %w", err)
	}
	defer stateOutTensor.Destroy()

	err = s.session.Run(
		[]ort.Value{inputTensor, stateTensor, srTensor},
		[]ort.Value{outputTensor, stateOutTensor},
	)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to run inference: %w", err)
	}

	newState := make([]float32, stateLen)
	copy(newState, stateOutTensor.GetData())
	return outputTensor.GetData()[0], newState, nil
}

// Close waits for in-flight Score calls and releases the ONNX session.
// Later calls to Score fail with ErrClosed.
func (s *Scorer) Close() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.closed = true
	if s.session != nil {
		if err := s.session.Destroy(); err != nil {
			return fmt.Errorf("failed to destroy ONNX session: %w", err)
		}
		s.session = nil
		s.logger.Info("Silero VAD model released")
	}
	return nil
}
