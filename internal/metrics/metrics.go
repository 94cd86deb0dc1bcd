package metrics

import (
	"fmt"
	"sync"
	"time"
)

// SessionMetrics accumulates per-session counters for the closing summary.
type SessionMetrics struct {
	Engine           string
	Session          string
	StartTime        time.Time
	EndTime          time.Time
	AudioDuration    time.Duration
	InferenceTime    time.Duration
	BlocksCaptured   int
	ChunksWritten    int
	InferenceErrors  int
	PersistErrors    int
	TranscriptLength int
	FirstResultTime  *time.Time
	mu               sync.Mutex
}

func NewSessionMetrics(engine, session string) *SessionMetrics {
	return &SessionMetrics{
		Engine:    engine,
		Session:   session,
		StartTime: time.Now(),
	}
}

func (m *SessionMetrics) AddCaptured(audio time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BlocksCaptured++
	m.AudioDuration += audio
}

func (m *SessionMetrics) AddTranscribed(text string, took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FirstResultTime == nil {
		now := time.Now()
		m.FirstResultTime = &now
	}
	m.ChunksWritten++
	m.TranscriptLength += len(text)
	m.InferenceTime += took
}

func (m *SessionMetrics) AddInferenceError(took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InferenceErrors++
	m.InferenceTime += took
}

func (m *SessionMetrics) AddPersistError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PersistErrors++
}

func (m *SessionMetrics) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EndTime = time.Now()
}

// RealTimeFactor is inference time divided by audio time; below 1 means
// transcription keeps up with capture.
func (m *SessionMetrics) RealTimeFactor() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.realTimeFactor()
}

func (m *SessionMetrics) realTimeFactor() float64 {
	if m.AudioDuration <= 0 {
		return 0
	}
	return m.InferenceTime.Seconds() / m.AudioDuration.Seconds()
}

func (m *SessionMetrics) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	duration := m.EndTime.Sub(m.StartTime)
	var latency time.Duration
	if m.FirstResultTime != nil {
		latency = m.FirstResultTime.Sub(m.StartTime)
	}

	return fmt.Sprintf(
		"Engine: %s\n"+
			"Session: %s\n"+
			"Duration: %v\n"+
			"Audio Duration: %.2f seconds\n"+
			"Blocks Captured: %d\n"+
			"Chunks Written: %d\n"+
			"Inference Errors: %d\n"+
			"Persistence Errors: %d\n"+
			"Transcript Length: %d chars\n"+
			"First Result Latency: %v\n"+
			"Real-time Factor: %.2fx\n",
		m.Engine,
		m.Session,
		duration,
		m.AudioDuration.Seconds(),
		m.BlocksCaptured,
		m.ChunksWritten,
		m.InferenceErrors,
		m.PersistErrors,
		m.TranscriptLength,
		latency,
		m.realTimeFactor(),
	)
}
