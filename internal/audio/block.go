package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Block is one fixed-length run of mono samples captured at SampleRate.
// A Block is handed from stage to stage and never shared; callers must not
// modify Samples after passing the block on.
type Block struct {
	Samples    []float32
	SampleRate int
	CapturedAt time.Time
}

// Duration returns the audio length covered by the block
func (b Block) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Source produces fixed-duration sample blocks on demand.
type Source interface {
	// Capture blocks until a full block has been collected. Any failure,
	// including a short read, is returned as a *DeviceError.
	Capture() (Block, error)
	Close() error
}

// DeviceError reports an unusable capture device or a short read.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// BlockSamples returns the number of samples in a block of the given length
func BlockSamples(sampleRate int, chunkDuration time.Duration) int {
	return int(math.Round(chunkDuration.Seconds() * float64(sampleRate)))
}

// ToPCM16 converts float samples in [-1, 1] to little-endian signed 16-bit PCM.
func ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(floatToInt16(s)))
	}
	return out
}

// FromPCM16 converts little-endian signed 16-bit PCM to float samples.
// A trailing odd byte is ignored.
func FromPCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:i*2+2]))) / 32768
	}
	return out
}

// ToInts converts float samples to integer samples at the given bit depth
func ToInts(samples []float32, bitDepth int) []int {
	scale := float64(int(1) << (bitDepth - 1))
	out := make([]int, len(samples))
	for i, s := range samples {
		v := math.Round(float64(clamp(s)) * scale)
		if v > scale-1 {
			v = scale - 1
		}
		out[i] = int(v)
	}
	return out
}

func floatToInt16(s float32) int16 {
	v := math.Round(float64(clamp(s)) * 32768)
	if v > math.MaxInt16 {
		v = math.MaxInt16
	}
	return int16(v)
}

func clamp(s float32) float32 {
	switch {
	case s > 1:
		return 1
	case s < -1:
		return -1
	}
	return s
}
