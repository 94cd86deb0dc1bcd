package sessionlog

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned when appending to a closed session
	ErrSessionClosed = errors.New("session is closed")
	// ErrUnknownSession is returned for a session this log did not open
	ErrUnknownSession = errors.New("session not opened by this log")
	// ErrOutOfOrder is returned when a chunk does not follow the last one
	ErrOutOfOrder = errors.New("chunk sequence out of order")
)

// PersistenceError reports that the log document could not be written after
// every attempt. In-memory state is kept.
type PersistenceError struct {
	Path     string
	Attempts int
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist session log %s after %d attempt(s): %v", e.Path, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// MalformedLogError reports a log document that could not be parsed. The
// log is then treated as empty.
type MalformedLogError struct {
	Path string
	Err  error
}

func (e *MalformedLogError) Error() string {
	return fmt.Sprintf("malformed session log %s: %v", e.Path, e.Err)
}

func (e *MalformedLogError) Unwrap() error { return e.Err }

// UnreadableLogError reports a log document that exists but could not be
// read. Unlike a malformed log it is never replaced.
type UnreadableLogError struct {
	Path string
	Err  error
}

func (e *UnreadableLogError) Error() string {
	return fmt.Sprintf("cannot read session log %s: %v", e.Path, e.Err)
}

func (e *UnreadableLogError) Unwrap() error { return e.Err }
