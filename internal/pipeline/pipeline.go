// Package pipeline runs one recording session: a capture goroutine feeding a
// transcription goroutine through an unbounded queue, stopped by a quit
// listener or a device failure.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amanullahtanweer/stream-transcriber/internal/audio"
	"github.com/amanullahtanweer/stream-transcriber/internal/metrics"
	"github.com/amanullahtanweer/stream-transcriber/internal/notify"
	"github.com/amanullahtanweer/stream-transcriber/internal/queue"
	"github.com/amanullahtanweer/stream-transcriber/internal/sessionlog"
	"github.com/amanullahtanweer/stream-transcriber/internal/shutdown"
	"github.com/amanullahtanweer/stream-transcriber/internal/transcriber"
)

// ErrNotRestartable is returned by Run on a pipeline that already ran
var ErrNotRestartable = errors.New("pipeline already ran; create a new one for a new session")

// Stop reasons other than the quit command
const (
	ReasonDeviceError = "device error"
	ReasonCancelled   = "cancelled"
)

// State of the coordinator. Transitions only move forward.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Publisher receives transcript events for live consumers
type Publisher interface {
	Publish(ctx context.Context, event notify.Event) (int64, error)
}

// Config for one pipeline run
type Config struct {
	QuitToken      string // line that stops recording, case-insensitive
	BacklogWarning int    // queue depth that triggers a warning, 0 disables
	ArchiveDir     string // directory for the session audio archive, empty disables
	EngineName     string // reported in the session summary
}

// Result describes a finished run
type Result struct {
	RunID      uuid.UUID
	Session    *sessionlog.Session
	StopReason string
	Summary    string
}

// Pipeline coordinates capture, transcription and the quit listener for a
// single session. It is not restartable.
type Pipeline struct {
	config     Config
	source     audio.Source
	engine     transcriber.Engine
	log        *sessionlog.Log
	publisher  Publisher
	collectors *metrics.Collectors
	logger     *zap.Logger

	runID   uuid.UUID
	state   atomic.Int32
	queue   *queue.Queue[audio.Block]
	stop    *shutdown.Signal
	session *sessionlog.Session
	stats   *metrics.SessionMetrics
	archive *audio.ArchiveWriter

	captureErr error
}

// New wires a pipeline. source and engine are owned by the capture and
// transcription goroutines for the whole run; the caller closes them after
// Run returns.
func New(config Config, source audio.Source, engine transcriber.Engine, log *sessionlog.Log, logger *zap.Logger) *Pipeline {
	if strings.TrimSpace(config.QuitToken) == "" {
		config.QuitToken = "q"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	runID := uuid.New()
	return &Pipeline{
		config:     config,
		source:     source,
		engine:     engine,
		log:        log,
		collectors: metrics.NewCollectors(nil),
		logger:     logger.Named("pipeline").With(zap.String("run_id", runID.String())),
		runID:      runID,
		queue:      queue.New[audio.Block](),
		stop:       shutdown.NewSignal(),
	}
}

// SetPublisher attaches a publisher for chunk and session events
func (p *Pipeline) SetPublisher(publisher Publisher) {
	p.publisher = publisher
}

// SetCollectors replaces the default unregistered metrics
func (p *Pipeline) SetCollectors(collectors *metrics.Collectors) {
	p.collectors = collectors
}

// State returns the current coordinator state
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// RunID identifies this run in logs, the session record and the archive
func (p *Pipeline) RunID() uuid.UUID { return p.runID }

// Stop raises the shutdown signal as the quit command would.
func (p *Pipeline) Stop(reason string) {
	p.stop.Set(reason)
}

// Run opens a session, records until the quit token is read from input, ctx
// is cancelled or capture fails, then drains every captured block through
// transcription and closes the session. input may be nil. A capture failure
// is returned wrapped after the session has been closed.
func (p *Pipeline) Run(ctx context.Context, input io.Reader) (*Result, error) {
	if !p.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return nil, ErrNotRestartable
	}

	session, err := p.log.OpenSession(p.runID.String())
	if err != nil {
		p.state.Store(int32(StateClosed))
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	p.session = session
	p.stats = metrics.NewSessionMetrics(p.config.EngineName, session.Name)
	p.collectors.SessionsOpened.Inc()
	p.logger = p.logger.With(zap.String("session", session.Name))
	p.openArchive()

	p.logger.Info("Recording started",
		zap.String("log_path", p.log.Path()),
		zap.String("quit_token", p.config.QuitToken))

	var tasks, listener sync.WaitGroup

	listener.Add(1)
	go func() {
		defer listener.Done()
		select {
		case <-ctx.Done():
			if p.stop.Set(ReasonCancelled) {
				p.logger.Info("Stop requested", zap.Error(ctx.Err()))
			}
		case <-p.stop.Done():
		}
	}()
	if input != nil {
		listener.Add(1)
		go func() {
			defer listener.Done()
			shutdown.Listen(input, p.config.QuitToken, p.stop, p.logger)
		}()
	}

	var capture sync.WaitGroup
	capture.Add(1)
	go func() {
		defer capture.Done()
		p.capture()
	}()

	tasks.Add(1)
	go func() {
		defer tasks.Done()
		p.transcribe(context.WithoutCancel(ctx))
	}()

	capture.Wait()
	p.state.Store(int32(StateDraining))
	p.queue.Close()
	p.logger.Info("Recording stopped, draining queued blocks",
		zap.String("reason", p.stop.Reason()),
		zap.Int("queued", p.queue.Len()))

	tasks.Wait()
	closeErr := p.closeSession(ctx)
	p.state.Store(int32(StateClosed))
	listener.Wait()

	result := &Result{
		RunID:      p.runID,
		Session:    session,
		StopReason: p.stop.Reason(),
		Summary:    p.stats.Summary(),
	}
	if p.captureErr != nil {
		return result, fmt.Errorf("capture stopped: %w", p.captureErr)
	}
	if closeErr != nil {
		return result, fmt.Errorf("failed to close session: %w", closeErr)
	}
	return result, nil
}

// capture records blocks until the signal is set. The signal is only
// checked between blocks, so a block in flight always completes.
func (p *Pipeline) capture() {
	for n := 1; !p.stop.IsSet(); n++ {
		p.logger.Debug("Capturing block", zap.Int("block", n))
		block, err := p.source.Capture()
		if err != nil {
			p.captureErr = err
			p.collectors.CaptureFailures.Inc()
			p.logger.Error("Capture failed, stopping recording", zap.Int("block", n), zap.Error(err))
			p.stop.Set(ReasonDeviceError)
			return
		}
		p.handoff(block)
	}
}

func (p *Pipeline) handoff(block audio.Block) {
	if p.archive != nil {
		if err := p.archive.Write(block); err != nil {
			p.logger.Warn("Audio archive write failed, archiving disabled for this session", zap.Error(err))
			p.closeArchive()
		}
	}

	p.collectors.BlocksCaptured.Inc()
	p.stats.AddCaptured(block.Duration())

	depth, err := p.queue.Put(block)
	if err != nil {
		// Close only happens after capture returns
		p.logger.Error("Dropped block after end of stream", zap.Error(err))
		return
	}
	p.collectors.QueueDepth.Set(float64(depth))
	if limit := p.config.BacklogWarning; limit > 0 && depth >= limit && depth%limit == 0 {
		p.logger.Warn("Transcription is falling behind capture", zap.Int("queued", depth))
	}
}

// transcribe consumes blocks until the end-of-stream marker. Sequence
// numbers follow capture order; a failed block still uses its number.
func (p *Pipeline) transcribe(ctx context.Context) {
	seq := 0
	for {
		block, ok := p.queue.Get()
		if !ok {
			return
		}
		seq++
		p.collectors.QueueDepth.Set(float64(p.queue.Len()))

		started := time.Now()
		text, err := p.engine.Transcribe(ctx, block)
		took := time.Since(started)
		p.collectors.InferenceDuration.Observe(took.Seconds())

		if err != nil {
			p.collectors.InferenceFailures.Inc()
			p.stats.AddInferenceError(took)
			p.logger.Warn("Transcription failed, skipping chunk", zap.Int("chunk", seq), zap.Error(err))
			continue
		}

		p.logger.Info("Transcription", zap.Int("chunk", seq), zap.String("text", text), zap.Duration("took", took))
		p.stats.AddTranscribed(text, took)

		if err := p.log.AppendChunk(p.session, sessionlog.Chunk{Seq: seq, Text: text}); err != nil {
			var persistErr *sessionlog.PersistenceError
			if !errors.As(err, &persistErr) {
				p.logger.Error("Chunk rejected by session log", zap.Int("chunk", seq), zap.Error(err))
				continue
			}
			p.collectors.PersistFailures.Inc()
			p.stats.AddPersistError()
		}
		p.collectors.ChunksTranscribed.Inc()

		p.publish(ctx, notify.Event{Type: notify.EventChunk, Chunk: seq, Text: text})
	}
}

func (p *Pipeline) closeSession(ctx context.Context) error {
	p.closeArchive()

	err := p.log.CloseSession(p.session)
	if err != nil {
		p.logger.Error("Failed to persist session end", zap.Error(err))
	} else {
		p.collectors.SessionsClosed.Inc()
	}

	p.stats.Finalize()
	p.logger.Info("Session finished",
		zap.Int("chunks", len(p.session.Transcript)),
		zap.Float64("real_time_factor", p.stats.RealTimeFactor()))

	p.publish(context.WithoutCancel(ctx), notify.Event{Type: notify.EventSessionClosed})
	return err
}

func (p *Pipeline) publish(ctx context.Context, event notify.Event) {
	if p.publisher == nil {
		return
	}
	event.Session = p.session.Name
	event.RunID = p.runID.String()
	event.Time = time.Now()
	if _, err := p.publisher.Publish(ctx, event); err != nil {
		p.logger.Warn("Failed to publish transcript event", zap.String("type", event.Type), zap.Error(err))
	}
}

func (p *Pipeline) openArchive() {
	if p.config.ArchiveDir == "" {
		return
	}
	archive, err := audio.NewArchiveWriter(p.config.ArchiveDir, p.session.Name, p.runID)
	if err != nil {
		p.logger.Warn("Audio archive unavailable, recording without it", zap.Error(err))
		return
	}
	p.archive = archive
	p.logger.Info("Archiving audio", zap.String("path", archive.Path()))
}

func (p *Pipeline) closeArchive() {
	if p.archive == nil {
		return
	}
	if err := p.archive.Close(); err != nil {
		p.logger.Warn("Failed to close audio archive", zap.Error(err))
	}
	p.archive = nil
}
