package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Audio sources
const (
	SourceMicrophone = "microphone"
	SourceWAV        = "wav"
	SourceArchive    = "archive"
)

// Transcription engines
const (
	EngineVosk        = "vosk"
	EngineWhisperHTTP = "whisper-http"
)

// Config represents the complete transcriber configuration
type Config struct {
	Audio         AudioConfig         `yaml:"audio"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	SessionLog    SessionLogConfig    `yaml:"session_log"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Control       ControlConfig       `yaml:"control"`
	Redis         RedisConfig         `yaml:"redis"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// AudioConfig contains capture parameters
type AudioConfig struct {
	Source          string  `yaml:"source"`
	SampleRate      int     `yaml:"sample_rate"`
	ChunkDuration   float64 `yaml:"chunk_duration"` // seconds
	FramesPerBuffer int     `yaml:"frames_per_buffer"`
	InputPath       string  `yaml:"input_path"`
}

// TranscriptionConfig selects and configures the inference engine
type TranscriptionConfig struct {
	Engine    string  `yaml:"engine"`
	ServerURL string  `yaml:"server_url"`
	Language  string  `yaml:"language"`
	Timeout   float64 `yaml:"timeout"` // seconds, 0 disables
}

// SessionLogConfig contains session document persistence settings
type SessionLogConfig struct {
	Path          string `yaml:"path"`
	FlushAttempts int    `yaml:"flush_attempts"`
	RetryDelayMs  int    `yaml:"retry_delay_ms"`
}

type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// ControlConfig contains operator controls
type ControlConfig struct {
	QuitToken      string `yaml:"quit_token"`
	BacklogWarning int    `yaml:"backlog_warning"`
}

// RedisConfig contains transcript event publishing settings
type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when no file exists
func Default() *Config {
	return &Config{
		Audio: AudioConfig{
			Source:          SourceMicrophone,
			SampleRate:      16000,
			ChunkDuration:   5,
			FramesPerBuffer: 1024,
		},
		Transcription: TranscriptionConfig{
			Engine:    EngineVosk,
			ServerURL: "ws://localhost:2700",
			Language:  "en",
		},
		SessionLog: SessionLogConfig{
			Path:          "transcriptions.json",
			FlushAttempts: 3,
			RetryDelayMs:  200,
		},
		Archive: ArchiveConfig{Dir: "recordings"},
		Control: ControlConfig{
			QuitToken:      "q",
			BacklogWarning: 8,
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			ChannelPrefix: "transcripts:",
		},
		Metrics: MetricsConfig{Address: ":9090"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

// Load reads the configuration file on top of the defaults. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// Validate checks every section
func (c *Config) Validate() error {
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}
	if err := c.SessionLog.Validate(); err != nil {
		return fmt.Errorf("session_log config: %w", err)
	}
	if err := c.Archive.Validate(); err != nil {
		return fmt.Errorf("archive config: %w", err)
	}
	if err := c.Control.Validate(); err != nil {
		return fmt.Errorf("control config: %w", err)
	}
	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("redis config: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	switch a.Source {
	case SourceMicrophone:
	case SourceWAV, SourceArchive:
		if a.InputPath == "" {
			return fmt.Errorf("input_path is required for source '%s'", a.Source)
		}
	default:
		return fmt.Errorf("source must be one of [microphone, wav, archive], got '%s'", a.Source)
	}

	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}

	if a.ChunkDuration <= 0 {
		return fmt.Errorf("chunk_duration must be positive, got %f", a.ChunkDuration)
	}

	if a.FramesPerBuffer < 1 {
		return fmt.Errorf("frames_per_buffer must be at least 1, got %d", a.FramesPerBuffer)
	}
	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.Engine != EngineVosk && t.Engine != EngineWhisperHTTP {
		return fmt.Errorf("engine must be '%s' or '%s', got '%s'", EngineVosk, EngineWhisperHTTP, t.Engine)
	}
	if t.ServerURL == "" {
		return fmt.Errorf("server_url cannot be empty")
	}
	if t.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative, got %f", t.Timeout)
	}
	return nil
}

func (s *SessionLogConfig) Validate() error {
	if s.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if s.FlushAttempts < 1 {
		return fmt.Errorf("flush_attempts must be at least 1, got %d", s.FlushAttempts)
	}
	if s.RetryDelayMs < 0 {
		return fmt.Errorf("retry_delay_ms cannot be negative, got %d", s.RetryDelayMs)
	}
	return nil
}

func (a *ArchiveConfig) Validate() error {
	if a.Enabled && a.Dir == "" {
		return fmt.Errorf("dir cannot be empty when archiving is enabled")
	}
	return nil
}

func (c *ControlConfig) Validate() error {
	if strings.TrimSpace(c.QuitToken) == "" {
		return fmt.Errorf("quit_token cannot be empty or whitespace")
	}
	if c.BacklogWarning < 0 {
		return fmt.Errorf("backlog_warning cannot be negative, got %d", c.BacklogWarning)
	}
	return nil
}

func (r *RedisConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	if r.Addr == "" {
		return fmt.Errorf("addr cannot be empty when redis is enabled")
	}
	if r.DB < 0 {
		return fmt.Errorf("db cannot be negative, got %d", r.DB)
	}
	return nil
}

func (m *MetricsConfig) Validate() error {
	if m.Enabled && m.Address == "" {
		return fmt.Errorf("address cannot be empty when metrics are enabled")
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

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'console', got '%s'", l.Format)
	}

	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}
	return nil
}

// GetChunkDuration returns the block length as a time.Duration
func (a *AudioConfig) GetChunkDuration() time.Duration {
	return time.Duration(a.ChunkDuration * float64(time.Second))
}

// GetTimeoutDuration returns the engine transport timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout * float64(time.Second))
}

// GetRetryDelay returns the pause between flush attempts
func (s *SessionLogConfig) GetRetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMs) * time.Millisecond
}
