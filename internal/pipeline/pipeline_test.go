package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/amanullahtanweer/stream-transcriber/internal/audio"
	"github.com/amanullahtanweer/stream-transcriber/internal/metrics"
	"github.com/amanullahtanweer/stream-transcriber/internal/notify"
	"github.com/amanullahtanweer/stream-transcriber/internal/sessionlog"
	"github.com/amanullahtanweer/stream-transcriber/internal/shutdown"
	"github.com/amanullahtanweer/stream-transcriber/internal/transcriber"
)

// fakeSource hands out tagged blocks. onCapture runs while block n is being
// recorded; failAt makes capture n return a device error.
type fakeSource struct {
	mu        sync.Mutex
	calls     int
	failAt    int
	onCapture func(n int)
}

func (s *fakeSource) Capture() (audio.Block, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	if s.onCapture != nil {
		s.onCapture(n)
	}
	if s.failAt > 0 && n >= s.failAt {
		return audio.Block{}, &audio.DeviceError{Op: "read", Err: errors.New("device unplugged")}
	}
	// first sample carries the block number so the engine can tell blocks apart
	return audio.Block{Samples: []float32{float32(n), 0, 0, 0}, SampleRate: 4, CapturedAt: time.Now()}, nil
}

func (s *fakeSource) Close() error { return nil }

func (s *fakeSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeEngine transcribes block n as "text n" and fails for blocks in fail.
// before runs ahead of each call, after the previous chunk was logged.
type fakeEngine struct {
	mu     sync.Mutex
	fail   map[int]bool
	delay  time.Duration
	seen   []int
	before func(n int)
}

func (e *fakeEngine) Transcribe(ctx context.Context, block audio.Block) (string, error) {
	n := int(block.Samples[0])
	e.mu.Lock()
	e.seen = append(e.seen, n)
	e.mu.Unlock()

	if e.before != nil {
		e.before(n)
	}

	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.fail[n] {
		return "", &transcriber.InferenceError{Engine: "fake", Err: fmt.Errorf("block %d rejected", n)}
	}
	return fmt.Sprintf("text %d", n), nil
}

func (e *fakeEngine) Close() error { return nil }

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingPublisher) Publish(ctx context.Context, event notify.Event) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return 1, nil
}

func readSessions(t *testing.T, path string) map[string]sessionlog.Session {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	var doc map[string]sessionlog.Session
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Log is not valid JSON: %v\n%s", err, data)
	}
	return doc
}

func seqs(chunks []sessionlog.Chunk) []int {
	out := make([]int, len(chunks))
	for i, c := range chunks {
		out[i] = c.Seq
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// quitDuring types the quit token while block n is being captured and waits
// until the listener has raised the signal, so capture n still completes.
func quitDuring(p **Pipeline, n int, w io.Writer) func(int) {
	return func(call int) {
		if call != n {
			return
		}
		fmt.Fprintln(w, "Q")
		<-(*p).stop.Done()
	}
}

func TestRunQuitAfterThreeBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcriptions.json")
	inR, inW := io.Pipe()
	defer inW.Close()

	var p *Pipeline
	source := &fakeSource{onCapture: quitDuring(&p, 3, inW)}
	engine := &fakeEngine{}
	p = New(Config{QuitToken: "q", EngineName: "fake"}, source, engine, sessionlog.New(path, sessionlog.Options{}, nil), nil)

	result, err := p.Run(context.Background(), inR)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.StopReason != shutdown.ReasonQuitCommand {
		t.Errorf("Expected quit command stop, got %q", result.StopReason)
	}
	if source.Calls() != 3 {
		t.Errorf("Expected 3 captures, got %d", source.Calls())
	}
	if p.State() != StateClosed {
		t.Errorf("Expected closed state, got %s", p.State())
	}

	doc := readSessions(t, path)
	rec, ok := doc["recording-1"]
	if !ok {
		t.Fatalf("Expected recording-1 in %v", doc)
	}
	if rec.End == nil {
		t.Error("Session should be closed")
	}
	if !equalInts(seqs(rec.Transcript), []int{1, 2, 3}) {
		t.Errorf("Expected chunks 1,2,3, got %v", seqs(rec.Transcript))
	}
	if rec.Transcript[1].Text != "text 2" {
		t.Errorf("Expected 'text 2', got %q", rec.Transcript[1].Text)
	}
	if rec.RunID != p.RunID().String() {
		t.Errorf("Expected run id %s, got %s", p.RunID(), rec.RunID)
	}
}

func TestRunSkipsFailedInference(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcriptions.json")
	var p *Pipeline
	source := &fakeSource{onCapture: func(n int) {
		if n == 3 {
			p.Stop(shutdown.ReasonQuitCommand)
		}
	}}
	engine := &fakeEngine{fail: map[int]bool{2: true}}
	p = New(Config{}, source, engine, sessionlog.New(path, sessionlog.Options{}, nil), nil)

	if _, err := p.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	rec := readSessions(t, path)["recording-1"]
	if !equalInts(seqs(rec.Transcript), []int{1, 3}) {
		t.Errorf("Expected chunks 1,3, got %v", seqs(rec.Transcript))
	}
	if rec.End == nil {
		t.Error("Session should be closed")
	}
}

func TestRunQuitMidCaptureKeepsBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcriptions.json")
	inR, inW := io.Pipe()
	defer inW.Close()

	var p *Pipeline
	source := &fakeSource{onCapture: quitDuring(&p, 2, inW)}
	engine := &fakeEngine{}
	p = New(Config{}, source, engine, sessionlog.New(path, sessionlog.Options{}, nil), nil)

	if _, err := p.Run(context.Background(), inR); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if source.Calls() != 2 {
		t.Errorf("No capture should start after quit, got %d captures", source.Calls())
	}
	rec := readSessions(t, path)["recording-1"]
	if !equalInts(seqs(rec.Transcript), []int{1, 2}) {
		t.Errorf("Expected chunks 1,2, got %v", seqs(rec.Transcript))
	}
}

func TestRunOnMalformedLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcriptions.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	var p *Pipeline
	source := &fakeSource{onCapture: func(n int) { p.Stop(shutdown.ReasonQuitCommand) }}
	p = New(Config{}, source, &fakeEngine{}, sessionlog.New(path, sessionlog.Options{}, nil), nil)

	result, err := p.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Session.Name != "recording-1" {
		t.Errorf("Expected recording-1, got %s", result.Session.Name)
	}
	doc := readSessions(t, path)
	if len(doc) != 1 || len(doc["recording-1"].Transcript) != 1 {
		t.Errorf("Expected a single session with one chunk, got %+v", doc)
	}
}

func TestRunDrainsBacklog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcriptions.json")
	var p *Pipeline
	source := &fakeSource{onCapture: func(n int) {
		if n == 6 {
			p.Stop(shutdown.ReasonQuitCommand)
		}
	}}
	engine := &fakeEngine{delay: 20 * time.Millisecond}
	p = New(Config{BacklogWarning: 2}, source, engine, sessionlog.New(path, sessionlog.Options{}, nil), nil)

	if _, err := p.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	rec := readSessions(t, path)["recording-1"]
	if !equalInts(seqs(rec.Transcript), []int{1, 2, 3, 4, 5, 6}) {
		t.Errorf("Every captured block should be transcribed, got %v", seqs(rec.Transcript))
	}
	if !equalInts(engine.seen, []int{1, 2, 3, 4, 5, 6}) {
		t.Errorf("Engine should see blocks in capture order, got %v", engine.seen)
	}
}

func TestRunDeviceError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcriptions.json")
	source := &fakeSource{failAt: 3}
	reg := prometheus.NewRegistry()
	collectors := metrics.NewCollectors(reg)

	p := New(Config{}, source, &fakeEngine{}, sessionlog.New(path, sessionlog.Options{}, nil), nil)
	p.SetCollectors(collectors)

	result, err := p.Run(context.Background(), nil)
	var devErr *audio.DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("Expected DeviceError, got %v", err)
	}
	if result == nil || result.StopReason != ReasonDeviceError {
		t.Fatalf("Expected device error stop reason, got %+v", result)
	}

	rec := readSessions(t, path)["recording-1"]
	if rec.End == nil {
		t.Error("Session should be closed after a device error")
	}
	if !equalInts(seqs(rec.Transcript), []int{1, 2}) {
		t.Errorf("Expected chunks 1,2, got %v", seqs(rec.Transcript))
	}
	if got := testutil.ToFloat64(collectors.CaptureFailures); got != 1 {
		t.Errorf("Expected 1 capture failure, got %f", got)
	}
	if got := testutil.ToFloat64(collectors.SessionsClosed); got != 1 {
		t.Errorf("Expected 1 closed session, got %f", got)
	}
}

func TestRunContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcriptions.json")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var p *Pipeline
	source := &fakeSource{onCapture: func(n int) {
		if n == 2 {
			cancel()
			<-p.stop.Done()
		}
	}}
	p = New(Config{}, source, &fakeEngine{}, sessionlog.New(path, sessionlog.Options{}, nil), nil)

	result, err := p.Run(ctx, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.StopReason != ReasonCancelled {
		t.Errorf("Expected cancelled stop, got %q", result.StopReason)
	}
	// inference is not cut short by the cancelled context
	rec := readSessions(t, path)["recording-1"]
	if !equalInts(seqs(rec.Transcript), []int{1, 2}) {
		t.Errorf("Expected chunks 1,2, got %v", seqs(rec.Transcript))
	}
}

func TestRunPublishesEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcriptions.json")
	var p *Pipeline
	source := &fakeSource{onCapture: func(n int) {
		if n == 2 {
			p.Stop(shutdown.ReasonQuitCommand)
		}
	}}
	publisher := &recordingPublisher{}
	p = New(Config{}, source, &fakeEngine{}, sessionlog.New(path, sessionlog.Options{}, nil), nil)
	p.SetPublisher(publisher)

	if _, err := p.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	tests := []struct {
		typ   string
		chunk int
	}{
		{notify.EventChunk, 1},
		{notify.EventChunk, 2},
		{notify.EventSessionClosed, 0},
	}
	if len(publisher.events) != len(tests) {
		t.Fatalf("Expected %d events, got %+v", len(tests), publisher.events)
	}
	for i, tt := range tests {
		got := publisher.events[i]
		if got.Type != tt.typ || got.Chunk != tt.chunk || got.Session != "recording-1" {
			t.Errorf("Event %d: expected %s/%d, got %+v", i, tt.typ, tt.chunk, got)
		}
	}
}

func TestRunWritesArchive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transcriptions.json")
	archiveDir := filepath.Join(dir, "archive")

	var p *Pipeline
	source := &fakeSource{onCapture: func(n int) {
		if n == 2 {
			p.Stop(shutdown.ReasonQuitCommand)
		}
	}}
	p = New(Config{ArchiveDir: archiveDir}, source, &fakeEngine{}, sessionlog.New(path, sessionlog.Options{}, nil), nil)

	if _, err := p.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	replay, err := audio.NewArchiveSource(filepath.Join(archiveDir, "recording-1"+audio.ArchiveExt), 4, time.Second, false)
	if err != nil {
		t.Fatalf("Failed to open archive: %v", err)
	}
	defer replay.Close()
	if replay.ID() != p.RunID() {
		t.Errorf("Archive id %s does not match run id %s", replay.ID(), p.RunID())
	}
}

func TestRunContinuesWhenLogBecomesUnwritable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	path := filepath.Join(dir, "transcriptions.json")

	var p *Pipeline
	source := &fakeSource{onCapture: func(n int) {
		if n == 3 {
			p.Stop(shutdown.ReasonQuitCommand)
		}
	}}
	engine := &fakeEngine{before: func(n int) {
		if n == 2 {
			// chunk 1 is on disk; every later write fails
			os.RemoveAll(dir)
		}
	}}
	collectors := metrics.NewCollectors(prometheus.NewRegistry())
	p = New(Config{}, source, engine, sessionlog.New(path, sessionlog.Options{FlushAttempts: 1}, nil), nil)
	p.SetCollectors(collectors)

	result, err := p.Run(context.Background(), nil)
	var persistErr *sessionlog.PersistenceError
	if !errors.As(err, &persistErr) {
		t.Fatalf("Expected the session close failure, got %v", err)
	}
	if result == nil {
		t.Fatal("Expected a result alongside the close error")
	}
	if !equalInts(engine.seen, []int{1, 2, 3}) {
		t.Errorf("Every block should still be transcribed, got %v", engine.seen)
	}
	if !equalInts(seqs(result.Session.Transcript), []int{1, 2, 3}) {
		t.Errorf("Chunks should be kept in memory, got %v", seqs(result.Session.Transcript))
	}
	if got := testutil.ToFloat64(collectors.PersistFailures); got != 2 {
		t.Errorf("Expected 2 persistence failures, got %f", got)
	}
	if got := testutil.ToFloat64(collectors.SessionsClosed); got != 0 {
		t.Errorf("Unpersisted close should not count as closed, got %f", got)
	}
	if p.State() != StateClosed {
		t.Errorf("Expected closed state, got %s", p.State())
	}
}

func TestRunNotRestartable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcriptions.json")
	var p *Pipeline
	source := &fakeSource{onCapture: func(n int) { p.Stop(shutdown.ReasonQuitCommand) }}
	p = New(Config{}, source, &fakeEngine{}, sessionlog.New(path, sessionlog.Options{}, nil), nil)

	if _, err := p.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := p.Run(context.Background(), nil); !errors.Is(err, ErrNotRestartable) {
		t.Errorf("Expected ErrNotRestartable, got %v", err)
	}
}

func TestRunFailsWhenSessionCannotOpen(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	// parent of the log is a regular file
	path := filepath.Join(blocker, "transcriptions.json")

	source := &fakeSource{}
	p := New(Config{}, source, &fakeEngine{}, sessionlog.New(path, sessionlog.Options{}, nil), nil)

	_, err := p.Run(context.Background(), nil)
	var persistErr *sessionlog.PersistenceError
	if !errors.As(err, &persistErr) {
		t.Fatalf("Expected PersistenceError, got %v", err)
	}
	if source.Calls() != 0 {
		t.Errorf("Capture should not start without a session, got %d captures", source.Calls())
	}
	if p.State() != StateClosed {
		t.Errorf("Expected closed state, got %s", p.State())
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateRunning, "running"},
		{StateDraining, "draining"},
		{StateClosed, "closed"},
		{State(9), "state(9)"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestSequenceNumbersFollowCaptureOrder(t *testing.T) {
	tests := []struct {
		name   string
		blocks int
		fail   map[int]bool
		want   []int
	}{
		{"no failures", 4, nil, []int{1, 2, 3, 4}},
		{"first fails", 3, map[int]bool{1: true}, []int{2, 3}},
		{"last fails", 3, map[int]bool{3: true}, []int{1, 2}},
		{"scattered failures", 7, map[int]bool{2: true, 4: true, 5: true}, []int{1, 3, 6, 7}},
		{"all fail", 2, map[int]bool{1: true, 2: true}, []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "transcriptions.json")
			var p *Pipeline
			source := &fakeSource{onCapture: func(n int) {
				if n == tt.blocks {
					p.Stop(shutdown.ReasonQuitCommand)
				}
			}}
			p = New(Config{}, source, &fakeEngine{fail: tt.fail}, sessionlog.New(path, sessionlog.Options{}, nil), nil)

			if _, err := p.Run(context.Background(), nil); err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			rec := readSessions(t, path)["recording-1"]
			if !equalInts(seqs(rec.Transcript), tt.want) {
				t.Errorf("Expected chunks %v, got %v", tt.want, seqs(rec.Transcript))
			}
		})
	}
}
