package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	HTTP    HTTPConfig    `yaml:"http"`
	Audio   AudioConfig   `yaml:"audio"`
	VAD     VADConfig     `yaml:"vad"`
	Scorer  ScorerConfig  `yaml:"scorer"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains UDP server configuration
type ServerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	UDPPort     int    `yaml:"udp_port"`
	BindAddress string `yaml:"bind_address"`
	BufferSize  int    `yaml:"buffer_size"`
	Workers     int    `yaml:"workers"`
	QueueSize   int    `yaml:"queue_size"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port         int    `yaml:"port"`
	Address      string `yaml:"address"`
	Enabled      bool   `yaml:"enabled"`
	ReadTimeout  int    `yaml:"read_timeout"`   // seconds
	WriteTimeout int    `yaml:"write_timeout"`  // seconds
	MaxBodyBytes int64  `yaml:"max_body_bytes"` // limit for POST /vad bodies
}

// AudioConfig contains audio format parameters
type AudioConfig struct {
	SampleRate   int `yaml:"sample_rate"`
	Channels     int `yaml:"channels"`
	BitDepth     int `yaml:"bit_depth"`
	ChunkSamples int `yaml:"chunk_samples"` // frame size for streamed audio
}

// VADConfig contains Voice Activity Detection configuration
type VADConfig struct {
	Threshold          float64 `yaml:"threshold"`
	MinSilenceDuration int     `yaml:"min_silence_duration"` // milliseconds
	SilenceAccounting  string  `yaml:"silence_accounting"`   // "chunks" or "samples"
	ScoreTimeout       int     `yaml:"score_timeout"`        // milliseconds, 0 disables
}

// ScorerConfig selects and configures the speech probability backend.
type ScorerConfig struct {
	Type string `yaml:"type"` // energy, silero or remote

	// silero
	ModelPath   string `yaml:"model_path"`
	LibraryPath string `yaml:"library_path"`
	Threads     int    `yaml:"threads"`

	// remote
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // milliseconds per attempt
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Scorer types.
const (
	ScorerEnergy = "energy"
	ScorerSilero = "silero"
	ScorerRemote = "remote"
)

// Default returns the configuration used for any field a file leaves out.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Enabled:     true,
			UDPPort:     4444,
			BindAddress: "0.0.0.0",
			BufferSize:  65536,
			Workers:     8,
			QueueSize:   1024,
		},
		HTTP: HTTPConfig{
			Port:         8002,
			Address:      "0.0.0.0",
			Enabled:      true,
			ReadTimeout:  15,
			WriteTimeout: 15,
			MaxBodyBytes: 10 << 20,
		},
		Audio: AudioConfig{
			SampleRate:   16000,
			Channels:     1,
			BitDepth:     16,
			ChunkSamples: 512,
		},
		VAD: VADConfig{
			Threshold:          0.5,
			MinSilenceDuration: 500,
			SilenceAccounting:  "chunks",
		},
		Scorer: ScorerConfig{
			Type:          ScorerEnergy,
			Timeout:       2000,
			MaxRetries:    2,
			MaxConcurrent: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Scorer.Validate(); err != nil {
		return fmt.Errorf("scorer config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if c.Scorer.Type == ScorerSilero && c.Audio.SampleRate != 8000 && c.Audio.SampleRate != 16000 {
		return fmt.Errorf("silero scorer requires sample_rate 8000 or 16000, got %d", c.Audio.SampleRate)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if !s.Enabled {
		return nil
	}

	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", s.UDPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", s.BufferSize)
	}

	if s.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", s.Workers)
	}

	if s.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", s.QueueSize)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if !h.Enabled {
		return nil
	}

	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
	}

	if h.Address == "" {
		return fmt.Errorf("http address cannot be empty when HTTP is enabled")
	}

	if h.ReadTimeout < 0 || h.WriteTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	if h.MaxBodyBytes < 1024 {
		return fmt.Errorf("max_body_bytes must be at least 1024, got %d", h.MaxBodyBytes)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", a.BitDepth)
	}

	if a.ChunkSamples < 1 {
		return fmt.Errorf("chunk_samples must be positive, got %d", a.ChunkSamples)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.Threshold < 0 || v.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", v.Threshold)
	}

	if v.MinSilenceDuration < 0 {
		return fmt.Errorf("min_silence_duration cannot be negative, got %d", v.MinSilenceDuration)
	}

	switch v.SilenceAccounting {
	case "", "chunks", "samples":
	default:
		return fmt.Errorf("silence_accounting must be 'chunks' or 'samples', got '%s'", v.SilenceAccounting)
	}

	if v.ScoreTimeout < 0 {
		return fmt.Errorf("score_timeout cannot be negative, got %d", v.ScoreTimeout)
	}

	return nil
}

// Validate validates scorer configuration. A missing model file is not an
// error here: the service starts energy-only and logs a warning instead.
func (s *ScorerConfig) Validate() error {
	switch s.Type {
	case ScorerEnergy:
	case ScorerSilero:
		if s.ModelPath == "" {
			return fmt.Errorf("model_path cannot be empty for the silero scorer")
		}
		if s.Threads < 0 {
			return fmt.Errorf("threads cannot be negative, got %d", s.Threads)
		}
	case ScorerRemote:
		if s.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for the remote scorer")
		}
		if s.Timeout < 1 {
			return fmt.Errorf("timeout must be at least 1 ms, got %d", s.Timeout)
		}
		if s.MaxRetries < 0 {
			return fmt.Errorf("max_retries cannot be negative, got %d", s.MaxRetries)
		}
		if s.MaxConcurrent < 1 {
			return fmt.Errorf("max_concurrent must be at least 1, got %d", s.MaxConcurrent)
		}
	default:
		return fmt.Errorf("type must be one of [energy, silero, remote], got '%s'", s.Type)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output is stdout, stderr or a file path.
	return nil
}

// GetMinSilenceDuration returns the minimum silence duration as a time.Duration
func (v *VADConfig) GetMinSilenceDuration() time.Duration {
	return time.Duration(v.MinSilenceDuration) * time.Millisecond
}

// GetScoreTimeout returns the scorer deadline as a time.Duration
func (v *VADConfig) GetScoreTimeout() time.Duration {
	return time.Duration(v.ScoreTimeout) * time.Millisecond
}

// GetTimeoutDuration returns the remote scorer timeout as a time.Duration
func (s *ScorerConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Millisecond
}

// GetReadTimeout returns the HTTP read timeout as a time.Duration
func (h *HTTPConfig) GetReadTimeout() time.Duration {
	return time.Duration(h.ReadTimeout) * time.Second
}

// GetWriteTimeout returns the HTTP write timeout as a time.Duration
func (h *HTTPConfig) GetWriteTimeout() time.Duration {
	return time.Duration(h.WriteTimeout) * time.Second
}
