package audio

/*
Archive files use AudioSocket framing so they can be inspected and replayed
with the same tooling as live AudioSocket streams:

	ID message (pipeline run id)
	slin message * N (signed 16-bit little-endian PCM, mono)
	hangup message (written on Close)

Frames are written directly with SlinMessage. SendSlinChunks paces its
writes at 20ms per chunk for live playback and would stall the capture loop.
*/

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/CyCoreSystems/audiosocket"
	"github.com/google/uuid"
)

// archiveFrameSize keeps each frame well under the 65535 byte payload limit
// and sample aligned.
const archiveFrameSize = 32000

// ArchiveExt is the file extension used for session archives
const ArchiveExt = ".slin"

// ArchiveWriter appends captured blocks to a session archive file.
type ArchiveWriter struct {
	file *os.File
	w    *bufio.Writer
	path string
}

// NewArchiveWriter creates <dir>/<name>.slin and writes the ID header.
func NewArchiveWriter(dir, name string, id uuid.UUID) (*ArchiveWriter, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	path := filepath.Join(dir, name+ArchiveExt)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive %s: %w", path, err)
	}

	aw := &ArchiveWriter{file: file, w: bufio.NewWriter(file), path: path}
	if _, err := aw.w.Write(audiosocket.IDMessage(id)); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write archive header: %w", err)
	}
	return aw, nil
}

// Path returns the archive file location
func (aw *ArchiveWriter) Path() string { return aw.path }

// Write appends one block and flushes it to the file.
func (aw *ArchiveWriter) Write(block Block) error {
	pcm := ToPCM16(block.Samples)
	for i := 0; i < len(pcm); i += archiveFrameSize {
		end := i + archiveFrameSize
		if end > len(pcm) {
			end = len(pcm)
		}
		if _, err := aw.w.Write(audiosocket.SlinMessage(pcm[i:end])); err != nil {
			return fmt.Errorf("failed to write archive frame: %w", err)
		}
	}
	return aw.w.Flush()
}

// Close writes the hangup trailer and closes the file.
func (aw *ArchiveWriter) Close() error {
	_, werr := aw.w.Write(audiosocket.HangupMessage())
	ferr := aw.w.Flush()
	cerr := aw.file.Close()
	return errors.Join(werr, ferr, cerr)
}

// ArchiveSource replays an archive written by ArchiveWriter.
type ArchiveSource struct {
	file         *os.File
	r            *bufio.Reader
	id           uuid.UUID
	sampleRate   int
	blockSamples int
	pending      []float32
	ended        bool
	paced        bool
	chunk        time.Duration
}

// NewArchiveSource opens an archive and reads its ID header.
func NewArchiveSource(path string, sampleRate int, chunkDuration time.Duration, paced bool) (*ArchiveSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &DeviceError{Op: "open", Err: err}
	}
	r := bufio.NewReader(file)
	id, err := audiosocket.GetID(r)
	if err != nil {
		file.Close()
		return nil, &DeviceError{Op: "open", Err: fmt.Errorf("failed to read archive header: %w", err)}
	}

	return &ArchiveSource{
		file:         file,
		r:            r,
		id:           id,
		sampleRate:   sampleRate,
		blockSamples: BlockSamples(sampleRate, chunkDuration),
		paced:        paced,
		chunk:        chunkDuration,
	}, nil
}

// ID returns the run id recorded in the archive header
func (s *ArchiveSource) ID() uuid.UUID { return s.id }

// Capture returns the next full block. Running out of frames first is a
// short read.
func (s *ArchiveSource) Capture() (Block, error) {
	started := time.Now()

	for len(s.pending) < s.blockSamples && !s.ended {
		msg, err := audiosocket.NextMessage(s.r)
		if err == io.EOF {
			s.ended = true
			break
		}
		if err != nil {
			return Block{}, &DeviceError{Op: "read", Err: err}
		}

		switch msg.Kind() {
		case audiosocket.KindSlin:
			s.pending = append(s.pending, FromPCM16(msg.Payload())...)
		case audiosocket.KindHangup:
			s.ended = true
		case audiosocket.KindError:
			return Block{}, &DeviceError{Op: "read", Err: fmt.Errorf("archive error frame: code %d", msg.ErrorCode())}
		}
	}

	if len(s.pending) < s.blockSamples {
		return Block{}, &DeviceError{Op: "read", Err: fmt.Errorf("%w: got %d of %d samples", ErrShortRead, len(s.pending), s.blockSamples)}
	}

	samples := make([]float32, s.blockSamples)
	copy(samples, s.pending)
	s.pending = s.pending[s.blockSamples:]

	if s.paced {
		if wait := s.chunk - time.Since(started); wait > 0 {
			time.Sleep(wait)
		}
	}

	return Block{Samples: samples, SampleRate: s.sampleRate, CapturedAt: time.Now()}, nil
}

func (s *ArchiveSource) Close() error {
	return s.file.Close()
}
