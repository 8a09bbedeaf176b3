package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Frame is a block of little-endian PCM16 mono samples.
type Frame []byte

// Source supplies capture frames at a fixed rate and format.
type Source interface {
	Start(ctx context.Context) error
	Frames() <-chan Frame
	Stop() error
}

// Format describes the capture stream shared by every source.
type Format struct {
	SampleRate    int
	FrameDuration time.Duration
	MaxBuffer     time.Duration
}

func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.FrameDuration <= 0 {
		return fmt.Errorf("frame duration must be positive, got %s", f.FrameDuration)
	}
	if f.MaxBuffer < f.FrameDuration {
		return fmt.Errorf("max buffer %s is shorter than one frame", f.MaxBuffer)
	}
	return nil
}

// FrameBytes is the size of one frame in bytes.
func (f Format) FrameBytes() int {
	samples := int(int64(f.SampleRate) * int64(f.FrameDuration) / int64(time.Second))
	if samples < 1 {
		samples = 1
	}
	return samples * 2
}

// BufferFrames is the ring capacity that holds MaxBuffer worth of audio.
func (f Format) BufferFrames() int {
	n := int(f.MaxBuffer / f.FrameDuration)
	if n < 1 {
		n = 1
	}
	return n
}

// Duration returns the playback length of n PCM16 bytes.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(n/2) * int64(time.Second) / int64(f.SampleRate))
}

// Float32ToPCM16 clamps samples to [-1, 1] and encodes them as PCM16.
func Float32ToPCM16(samples []float32) Frame {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(math.Round(float64(s)*math.MaxInt16))))
	}
	return out
}

// Samples decodes PCM16 bytes into integer samples. A trailing odd byte is
// ignored.
func Samples(pcm []byte) []int {
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return samples
}
