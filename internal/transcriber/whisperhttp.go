package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/orcaman/writerseeker"

	"github.com/amanullahtanweer/stream-transcriber/internal/audio"
)

// WhisperHTTPTranscriber posts each block as a WAV file to a whisper.cpp
// style server (POST /inference, multipart form, JSON response).
type WhisperHTTPTranscriber struct {
	endpoint   string
	language   string
	httpClient *http.Client
}

type whisperResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

func NewWhisperHTTPTranscriber(serverURL, language string, timeout time.Duration) (*WhisperHTTPTranscriber, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("whisper server URL is required")
	}
	endpoint := strings.TrimRight(serverURL, "/")
	if !strings.HasSuffix(endpoint, "/inference") {
		endpoint += "/inference"
	}
	return &WhisperHTTPTranscriber{
		endpoint:   endpoint,
		language:   language,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (wt *WhisperHTTPTranscriber) Transcribe(ctx context.Context, block audio.Block) (string, error) {
	text, err := wt.transcribe(ctx, block)
	if err != nil {
		return "", &InferenceError{Engine: "whisper-http", Err: err}
	}
	return text, nil
}

func (wt *WhisperHTTPTranscriber) transcribe(ctx context.Context, block audio.Block) (string, error) {
	wavData, err := encodeWAV(block)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", "chunk.wav")
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(wavData); err != nil {
		return "", fmt.Errorf("failed to write form file: %w", err)
	}
	fields := map[string]string{
		"temperature":     "0.0",
		"response_format": "json",
	}
	if wt.language != "" {
		fields["language"] = wt.language
	}
	for key, value := range fields {
		if err := form.WriteField(key, value); err != nil {
			return "", fmt.Errorf("failed to write form field %s: %w", key, err)
		}
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("failed to close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wt.endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := wt.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result whisperResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("server error: %s", result.Error)
	}
	return strings.TrimSpace(result.Text), nil
}

func (wt *WhisperHTTPTranscriber) Close() error {
	wt.httpClient.CloseIdleConnections()
	return nil
}

// encodeWAV renders a block as a 16-bit mono RIFF WAV file in memory.
func encodeWAV(block audio.Block) ([]byte, error) {
	out := &writerseeker.WriterSeeker{}
	encoder := wav.NewEncoder(out, block.SampleRate, 16, 1, 1)

	buf := &goaudio.IntBuffer{
		Data:           audio.ToInts(block.Samples, 16),
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: block.SampleRate},
		SourceBitDepth: 16,
	}
	if err := encoder.Write(buf); err != nil {
		return nil, fmt.Errorf("encoder write buffer: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("encoder close: %w", err)
	}

	data, err := io.ReadAll(out.Reader())
	if err != nil {
		return nil, fmt.Errorf("reading wav into memory: %w", err)
	}
	return data, nil
}
