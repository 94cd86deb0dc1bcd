package shutdown

import (
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSignalSetOnce(t *testing.T) {
	sig := NewSignal()
	if sig.IsSet() {
		t.Fatal("Signal should not be set initially")
	}

	if !sig.Set("first") {
		t.Error("First Set should report true")
	}
	if sig.Set("second") {
		t.Error("Second Set should report false")
	}
	if !sig.IsSet() {
		t.Error("Signal should be set")
	}
	if sig.Reason() != "first" {
		t.Errorf("Expected reason 'first', got %q", sig.Reason())
	}

	select {
	case <-sig.Done():
	default:
		t.Error("Done should be closed after Set")
	}
}

func TestSignalConcurrentSet(t *testing.T) {
	sig := NewSignal()
	var wg sync.WaitGroup
	var mu sync.Mutex
	raised := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sig.Set("race") {
				mu.Lock()
				raised++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if raised != 1 {
		t.Errorf("Expected exactly one raising Set, got %d", raised)
	}
}

func TestIsQuit(t *testing.T) {
	testCases := []struct {
		line     string
		expected bool
	}{
		{"q", true},
		{"Q", true},
		{"q   ", true},
		{"q\r", true},
		{"  q", true},
		{"quit", false},
		{"", false},
		{"qq", false},
	}

	for _, tc := range testCases {
		if got := IsQuit(tc.line, "q"); got != tc.expected {
			t.Errorf("IsQuit(%q) = %v, expected %v", tc.line, got, tc.expected)
		}
	}
}

func TestListenSetsSignalOnQuit(t *testing.T) {
	sig := NewSignal()
	input := strings.NewReader("hello\nnot now\n Q \nignored\n")

	done := make(chan struct{})
	go func() {
		Listen(input, "q", sig, zap.NewNop())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Listen did not return after quit token")
	}
	if !sig.IsSet() {
		t.Fatal("Signal should be set by quit token")
	}
	if sig.Reason() != ReasonQuitCommand {
		t.Errorf("Expected reason %q, got %q", ReasonQuitCommand, sig.Reason())
	}
}

func TestListenReturnsOnEOFWithoutSetting(t *testing.T) {
	sig := NewSignal()
	Listen(strings.NewReader("something\nelse\n"), "q", sig, zap.NewNop())
	if sig.IsSet() {
		t.Error("Signal should not be set when input ends without quit")
	}
}

func TestListenReturnsWhenSignalRaisedElsewhere(t *testing.T) {
	sig := NewSignal()
	reader, writer := io.Pipe()
	defer writer.Close()

	done := make(chan struct{})
	go func() {
		Listen(reader, "q", sig, zap.NewNop())
		close(done)
	}()

	sig.Set("device error")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Listen did not return after signal was raised")
	}
}
