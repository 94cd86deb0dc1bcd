// Package mic captures blocks from the default input device through PortAudio.
package mic

import (
	"fmt"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/amanullahtanweer/stream-transcriber/internal/audio"
)

// Microphone reads mono float32 samples from the default input device.
type Microphone struct {
	stream       *portaudio.Stream
	buffer       []float32
	sampleRate   int
	blockSamples int
}

// Open initializes PortAudio and starts the default input stream.
func Open(sampleRate int, chunkDuration time.Duration, framesPerBuffer int) (*Microphone, error) {
	if framesPerBuffer <= 0 {
		framesPerBuffer = 1024
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, &audio.DeviceError{Op: "initialize", Err: err}
	}

	buffer := make([]float32, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), len(buffer), buffer)
	if err != nil {
		portaudio.Terminate()
		return nil, &audio.DeviceError{Op: "open", Err: err}
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, &audio.DeviceError{Op: "start", Err: err}
	}

	return &Microphone{
		stream:       stream,
		buffer:       buffer,
		sampleRate:   sampleRate,
		blockSamples: audio.BlockSamples(sampleRate, chunkDuration),
	}, nil
}

// Capture blocks until a full block has been read from the device. Any read
// error, including an input overflow, fails the whole block.
func (m *Microphone) Capture() (audio.Block, error) {
	samples := make([]float32, 0, m.blockSamples)
	for len(samples) < m.blockSamples {
		if err := m.stream.Read(); err != nil {
			return audio.Block{}, &audio.DeviceError{
				Op:  "read",
				Err: fmt.Errorf("after %d of %d samples: %w", len(samples), m.blockSamples, err),
			}
		}
		need := m.blockSamples - len(samples)
		if need > len(m.buffer) {
			need = len(m.buffer)
		}
		samples = append(samples, m.buffer[:need]...)
	}
	return audio.Block{Samples: samples, SampleRate: m.sampleRate, CapturedAt: time.Now()}, nil
}

// Close stops the stream and releases PortAudio.
func (m *Microphone) Close() error {
	var err error
	if m.stream != nil {
		if stopErr := m.stream.Stop(); stopErr != nil {
			err = stopErr
		}
		if closeErr := m.stream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	portaudio.Terminate()
	return err
}
