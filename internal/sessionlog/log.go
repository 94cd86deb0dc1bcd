// Package sessionlog persists recording sessions and their transcript chunks
// in a single JSON document keyed by session name.
package sessionlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// NamePrefix is prepended to the session number to form a session name
const NamePrefix = "recording-"

// Document maps session name to the raw session record. Records of other
// sessions are kept as raw JSON so rewriting the file leaves them unchanged.
type Document map[string]json.RawMessage

// Options tunes persistence
type Options struct {
	FlushAttempts int           // writes tried per flush, at least 1
	RetryDelay    time.Duration // pause between attempts
	Now           func() time.Time
}

// Log owns the document for one recording run. It is meant for a single
// writer; the mutex only guards against accidental concurrent use.
type Log struct {
	path    string
	opts    Options
	logger  *zap.Logger
	mu      sync.Mutex
	doc     Document
	open    *Session
	degrade bool
}

// New creates a Log for path. Nothing is read until OpenSession.
func New(path string, opts Options, logger *zap.Logger) *Log {
	if opts.FlushAttempts < 1 {
		opts.FlushAttempts = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{path: path, opts: opts, logger: logger.Named("sessionlog")}
}

// Path returns the document location
func (l *Log) Path() string { return l.path }

// Degraded reports whether the last flush failed
func (l *Log) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degrade
}

// Load reads the document at path. A missing or empty file is an empty
// document. An unparseable file yields an empty document and a
// *MalformedLogError. A file that exists but cannot be read yields a
// *UnreadableLogError and must not be overwritten.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Document{}, nil
	}
	if err != nil {
		return nil, &UnreadableLogError{Path: path, Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Document{}, nil
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, &MalformedLogError{Path: path, Err: err}
	}
	if doc == nil {
		// a literal null
		return Document{}, &MalformedLogError{Path: path, Err: fmt.Errorf("document is not an object")}
	}
	return doc, nil
}

// NextName returns the name for a new session: recording-<count+1>, bumped
// past any name already present.
func NextName(doc Document) string {
	for n := len(doc) + 1; ; n++ {
		name := fmt.Sprintf("%s%d", NamePrefix, n)
		if _, exists := doc[name]; !exists {
			return name
		}
	}
}

// OpenSession loads the document, adds a new open session and persists it
// before returning. Failing to persist here is fatal to the caller.
func (l *Log) OpenSession(runID string) (*Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.open != nil {
		return nil, fmt.Errorf("session %s already open", l.open.Name)
	}

	doc, err := Load(l.path)
	var malformed *MalformedLogError
	if errors.As(err, &malformed) {
		l.logger.Warn("Session log malformed, starting with an empty log; it will be overwritten on first flush",
			zap.String("path", l.path), zap.Error(err))
	} else if err != nil {
		return nil, &PersistenceError{Path: l.path, Attempts: 1, Err: err}
	}

	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &PersistenceError{Path: l.path, Attempts: 1, Err: err}
		}
	}

	l.doc = doc
	l.warnInterrupted()

	session := &Session{
		Name:       NextName(doc),
		RunID:      runID,
		Start:      Timestamp{l.opts.Now()},
		Transcript: []Chunk{},
	}
	l.open = session

	if err := l.flush(); err != nil {
		l.open = nil
		delete(l.doc, session.Name)
		return nil, err
	}

	l.logger.Info("Session opened",
		zap.String("session", session.Name),
		zap.Int("previous_sessions", len(doc)-1))
	return session, nil
}

// AppendChunk adds chunk to session and rewrites the document. On a write
// failure the chunk stays in memory and is written by the next successful
// flush; the returned error is a *PersistenceError.
func (l *Log) AppendChunk(session *Session, chunk Chunk) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.check(session); err != nil {
		return err
	}
	if n := len(session.Transcript); n > 0 && session.Transcript[n-1].Seq >= chunk.Seq {
		return fmt.Errorf("%w: chunk %d after %d", ErrOutOfOrder, chunk.Seq, session.Transcript[n-1].Seq)
	}

	session.Transcript = append(session.Transcript, chunk)
	return l.flush()
}

// CloseSession sets the end time and persists. Closing an already closed
// session never moves the end time.
func (l *Log) CloseSession(session *Session) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if session != nil && session.Closed() {
		// retry a close whose write failed, without moving the end time
		if session == l.open && l.degrade {
			return l.flush()
		}
		return nil
	}
	if err := l.check(session); err != nil {
		return err
	}

	session.End = &Timestamp{l.opts.Now()}
	if err := l.flush(); err != nil {
		return err
	}
	l.logger.Info("Session closed",
		zap.String("session", session.Name),
		zap.Int("chunks", len(session.Transcript)))
	return nil
}

func (l *Log) check(session *Session) error {
	if session == nil || session != l.open {
		return ErrUnknownSession
	}
	if session.Closed() {
		return ErrSessionClosed
	}
	return nil
}

// warnInterrupted reports sessions left open by a run that never closed them.
func (l *Log) warnInterrupted() {
	var names []string
	for name, raw := range l.doc {
		var rec struct {
			End *json.RawMessage `json:"end"`
		}
		if json.Unmarshal(raw, &rec) == nil && (rec.End == nil || string(*rec.End) == "null") {
			names = append(names, name)
		}
	}
	if len(names) > 0 {
		sort.Strings(names)
		l.logger.Warn("Found sessions without an end time from interrupted runs; they are not resumed",
			zap.Strings("sessions", names))
	}
}

// flush writes the whole document, retrying up to FlushAttempts times.
func (l *Log) flush() error {
	raw, err := json.Marshal(l.open)
	if err != nil {
		return &PersistenceError{Path: l.path, Attempts: 0, Err: err}
	}
	l.doc[l.open.Name] = raw

	data, err := json.MarshalIndent(l.doc, "", "  ")
	if err != nil {
		return &PersistenceError{Path: l.path, Attempts: 0, Err: err}
	}

	var lastErr error
	for attempt := 1; attempt <= l.opts.FlushAttempts; attempt++ {
		if lastErr = writeAtomic(l.path, data); lastErr == nil {
			if l.degrade {
				l.logger.Info("Session log writes recovered", zap.String("path", l.path))
			}
			l.degrade = false
			return nil
		}
		l.logger.Warn("Session log write failed",
			zap.String("path", l.path),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", l.opts.FlushAttempts),
			zap.Error(lastErr))
		if attempt < l.opts.FlushAttempts && l.opts.RetryDelay > 0 {
			time.Sleep(l.opts.RetryDelay)
		}
	}

	l.degrade = true
	l.logger.Warn("Session log durability degraded, transcript is held in memory until a write succeeds",
		zap.String("path", l.path),
		zap.String("session", l.open.Name),
		zap.Int("chunks_in_memory", len(l.open.Transcript)))
	return &PersistenceError{Path: l.path, Attempts: l.opts.FlushAttempts, Err: lastErr}
}

// writeAtomic writes data to a temp file next to path, verifies it, and
// renames it over path so readers see either the old or the new document.
func writeAtomic(path string, data []byte) error {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	written, err := os.ReadFile(tmpName)
	if err != nil {
		return err
	}
	if !bytes.Equal(written, data) {
		return fmt.Errorf("verify %s: content mismatch", tmpName)
	}

	if err := os.Chmod(tmpName, 0644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Summary describes one stored session for listing
type Summary struct {
	Name   string
	Start  time.Time
	End    *time.Time
	Chunks int
	Err    error // set when the record could not be decoded
}

// List returns a summary of every session in the document at path, oldest
// first. A malformed document lists as empty with a *MalformedLogError; an
// unreadable one returns a *UnreadableLogError.
func List(path string) ([]Summary, error) {
	doc, err := Load(path)

	summaries := make([]Summary, 0, len(doc))
	for name, raw := range doc {
		var s Session
		if decodeErr := json.Unmarshal(raw, &s); decodeErr != nil {
			summaries = append(summaries, Summary{Name: name, Err: decodeErr})
			continue
		}
		summary := Summary{Name: name, Start: s.Start.Time, Chunks: len(s.Transcript)}
		if s.End != nil {
			end := s.End.Time
			summary.End = &end
		}
		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].Start.Equal(summaries[j].Start) {
			return summaries[i].Start.Before(summaries[j].Start)
		}
		return summaries[i].Name < summaries[j].Name
	})
	return summaries, err
}
