package shutdown

import (
	"bufio"
	"io"
	"strings"

	"go.uber.org/zap"
)

// ReasonQuitCommand is recorded when the quit token is read from input
const ReasonQuitCommand = "quit command"

// IsQuit reports whether line is the quit token, ignoring case and
// surrounding whitespace.
func IsQuit(line, token string) bool {
	return strings.EqualFold(strings.TrimSpace(line), strings.TrimSpace(token))
}

// Listen reads lines from input until the quit token arrives, the signal is
// raised elsewhere, or input ends. It only ever writes to sig. The line
// reader goroutine may outlive Listen while blocked on input; it holds no
// shared state other than its channel.
func Listen(input io.Reader, token string, sig *Signal, logger *zap.Logger) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(input)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-sig.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Warn("Quit listener input failed", zap.Error(err))
		}
	}()

	for {
		select {
		case <-sig.Done():
			return
		case line, ok := <-lines:
			if !ok {
				logger.Debug("Quit listener input closed")
				return
			}
			if IsQuit(line, token) {
				if sig.Set(ReasonQuitCommand) {
					logger.Info("Quit command received. Stopping...")
				}
				return
			}
		}
	}
}
