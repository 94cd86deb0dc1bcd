package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrShortRead is wrapped in a DeviceError when a source runs out of
// samples part way through a block.
var ErrShortRead = errors.New("short read")

// WAVSource replays a PCM WAV file as if it were a microphone. Multi-channel
// files are downmixed to mono. The file's sample rate must match the
// pipeline's; no resampling is done.
type WAVSource struct {
	file         *os.File
	decoder      *wav.Decoder
	sampleRate   int
	channels     int
	blockSamples int
	paced        bool
	chunk        time.Duration
}

// NewWAVSource opens path for replay in blocks of chunkDuration. When paced
// is set each Capture takes at least chunkDuration, like a live device.
func NewWAVSource(path string, sampleRate int, chunkDuration time.Duration, paced bool) (*WAVSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &DeviceError{Op: "open", Err: err}
	}

	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		file.Close()
		return nil, &DeviceError{Op: "open", Err: fmt.Errorf("%s is not a valid WAV file", path)}
	}
	decoder.ReadInfo()
	if int(decoder.SampleRate) != sampleRate {
		file.Close()
		return nil, &DeviceError{Op: "open", Err: fmt.Errorf("%s is %dHz, expected %dHz", path, decoder.SampleRate, sampleRate)}
	}
	channels := int(decoder.NumChans)
	if channels < 1 {
		channels = 1
	}

	return &WAVSource{
		file:         file,
		decoder:      decoder,
		sampleRate:   sampleRate,
		channels:     channels,
		blockSamples: BlockSamples(sampleRate, chunkDuration),
		paced:        paced,
		chunk:        chunkDuration,
	}, nil
}

// Capture reads the next block from the file. Reaching the end of the file
// before the block is full is a short read.
func (s *WAVSource) Capture() (Block, error) {
	started := time.Now()

	buf := &goaudio.IntBuffer{
		Data:   make([]int, s.blockSamples*s.channels),
		Format: &goaudio.Format{NumChannels: s.channels, SampleRate: s.sampleRate},
	}
	n, err := s.decoder.PCMBuffer(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return Block{}, &DeviceError{Op: "read", Err: err}
	}
	if n < len(buf.Data) {
		return Block{}, &DeviceError{Op: "read", Err: fmt.Errorf("%w: got %d of %d samples", ErrShortRead, n/s.channels, s.blockSamples)}
	}

	bitDepth := buf.SourceBitDepth
	if bitDepth == 0 {
		bitDepth = int(s.decoder.BitDepth)
	}
	samples := downmix(buf.Data, s.channels, bitDepth)

	if s.paced {
		if wait := s.chunk - time.Since(started); wait > 0 {
			time.Sleep(wait)
		}
	}

	return Block{Samples: samples, SampleRate: s.sampleRate, CapturedAt: time.Now()}, nil
}

func (s *WAVSource) Close() error {
	return s.file.Close()
}

func downmix(data []int, channels, bitDepth int) []float32 {
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(int(1) << (bitDepth - 1))
	out := make([]float32, len(data)/channels)
	for i := range out {
		var sum int
		for c := 0; c < channels; c++ {
			sum += data[i*channels+c]
		}
		out[i] = float32(sum) / float32(channels) / scale
	}
	return out
}
