package transcriber

import (
	"context"
	"fmt"
	"time"

	"github.com/amanullahtanweer/stream-transcriber/internal/audio"
)

// Engine turns one block of audio into text. Calls are synchronous and an
// Engine is used by a single goroutine; implementations need not be safe
// for concurrent use.
type Engine interface {
	Transcribe(ctx context.Context, block audio.Block) (string, error)
	Close() error
}

// InferenceError reports a failed transcription of a single block.
type InferenceError struct {
	Engine string
	Err    error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("%s inference failed: %v", e.Engine, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// Config selects and configures an engine
type Config struct {
	Engine    string // "vosk" or "whisper-http"
	ServerURL string
	Language  string
	Timeout   time.Duration // transport timeout, 0 disables it
}

// New creates the engine named by config.Engine
func New(config Config) (Engine, error) {
	switch config.Engine {
	case "vosk":
		return NewVoskTranscriber(config.ServerURL, config.Timeout)
	case "whisper-http":
		return NewWhisperHTTPTranscriber(config.ServerURL, config.Language, config.Timeout)
	default:
		return nil, fmt.Errorf("unknown transcription engine: %s", config.Engine)
	}
}
