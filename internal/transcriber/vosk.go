package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amanullahtanweer/stream-transcriber/internal/audio"
)

// voskFrameBytes is the PCM payload sent per websocket message
const voskFrameBytes = 8000

// VoskTranscriber sends each block to a Vosk server as its own utterance:
// a config message, the PCM frames, then EOF. Only final results are kept.
type VoskTranscriber struct {
	serverURL string
	timeout   time.Duration
	dialer    *websocket.Dialer
}

// VoskResult is one reply from the Vosk server
type VoskResult struct {
	Text   string `json:"text"`
	Result []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Conf  float64 `json:"conf"`
	} `json:"result"`
	Partial *string `json:"partial"`
}

type voskConfig struct {
	Config struct {
		SampleRate int `json:"sample_rate"`
	} `json:"config"`
}

func NewVoskTranscriber(serverURL string, timeout time.Duration) (*VoskTranscriber, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("vosk server URL is required")
	}
	return &VoskTranscriber{
		serverURL: serverURL,
		timeout:   timeout,
		dialer:    &websocket.Dialer{HandshakeTimeout: timeout},
	}, nil
}

// Transcribe streams block to the server and joins the final results.
func (vt *VoskTranscriber) Transcribe(ctx context.Context, block audio.Block) (string, error) {
	text, err := vt.transcribe(ctx, block)
	if err != nil {
		return "", &InferenceError{Engine: "vosk", Err: err}
	}
	return text, nil
}

func (vt *VoskTranscriber) transcribe(ctx context.Context, block audio.Block) (string, error) {
	conn, _, err := vt.dialer.DialContext(ctx, vt.serverURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to connect to Vosk server: %w", err)
	}
	defer conn.Close()

	var cfg voskConfig
	cfg.Config.SampleRate = block.SampleRate
	vt.extendDeadline(conn)
	if err := conn.WriteJSON(cfg); err != nil {
		return "", fmt.Errorf("failed to send config: %w", err)
	}

	var texts []string
	pcm := audio.ToPCM16(block.Samples)
	for i := 0; i < len(pcm); i += voskFrameBytes {
		end := i + voskFrameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		vt.extendDeadline(conn)
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[i:end]); err != nil {
			return "", fmt.Errorf("failed to send audio to Vosk: %w", err)
		}
		result, err := vt.readResult(conn)
		if err != nil {
			return "", err
		}
		if result.Partial == nil && result.Text != "" {
			texts = append(texts, result.Text)
		}
	}

	vt.extendDeadline(conn)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"eof" : 1}`)); err != nil {
		return "", fmt.Errorf("failed to send EOF to Vosk: %w", err)
	}
	final, err := vt.readResult(conn)
	if err != nil {
		return "", err
	}
	if final.Text != "" {
		texts = append(texts, final.Text)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return strings.TrimSpace(strings.Join(texts, " ")), nil
}

func (vt *VoskTranscriber) readResult(conn *websocket.Conn) (VoskResult, error) {
	var result VoskResult
	_, message, err := conn.ReadMessage()
	if err != nil {
		return result, fmt.Errorf("failed to read Vosk result: %w", err)
	}
	if err := json.Unmarshal(message, &result); err != nil {
		return result, fmt.Errorf("failed to parse Vosk result: %w", err)
	}
	return result, nil
}

func (vt *VoskTranscriber) extendDeadline(conn *websocket.Conn) {
	if vt.timeout <= 0 {
		return
	}
	deadline := time.Now().Add(vt.timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
}

func (vt *VoskTranscriber) Close() error {
	return nil
}
