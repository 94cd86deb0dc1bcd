// Package shutdown holds the process-wide stop flag and the stdin quit
// listener that sets it.
package shutdown

import (
	"sync"
	"sync/atomic"
)

// Signal is a set-once cancellation flag. Reads never block; Done can be
// used in select statements.
type Signal struct {
	set    atomic.Bool
	once   sync.Once
	done   chan struct{}
	reason atomic.Value // string
}

func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Set raises the flag. Only the first call has an effect; it reports whether
// this call raised it.
func (s *Signal) Set(reason string) bool {
	raised := false
	s.once.Do(func() {
		s.reason.Store(reason)
		s.set.Store(true)
		close(s.done)
		raised = true
	})
	return raised
}

// IsSet reports whether the flag has been raised
func (s *Signal) IsSet() bool {
	return s.set.Load()
}

// Done is closed when the flag is raised
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Reason returns the reason given to the first Set call
func (s *Signal) Reason() string {
	if r, ok := s.reason.Load().(string); ok {
		return r
	}
	return ""
}
