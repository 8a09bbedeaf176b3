package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testFormat() Format {
	return Format{SampleRate: 24000, FrameDuration: 20 * time.Millisecond, MaxBuffer: 100 * time.Millisecond}
}

func TestFormatSizing(t *testing.T) {
	f := testFormat()
	if got := f.FrameBytes(); got != 960 {
		t.Fatalf("expected 960 bytes per frame, got %d", got)
	}
	if got := f.BufferFrames(); got != 5 {
		t.Fatalf("expected 5 buffered frames, got %d", got)
	}
	if got := f.Duration(48000); got != time.Second {
		t.Fatalf("expected 1s, got %s", got)
	}
	if err := (Format{SampleRate: 24000, FrameDuration: 20 * time.Millisecond}).Validate(); err == nil {
		t.Fatal("expected error for buffer shorter than a frame")
	}
}

func TestRingDropsOldest(t *testing.T) {
	ring := NewRing(3)
	var callbacks int
	ring.OnDrop(func() { callbacks++ })

	for i := 0; i < 5; i++ {
		ring.Push(Frame{byte(i)})
	}
	if ring.Len() != 3 {
		t.Fatalf("expected 3 frames, got %d", ring.Len())
	}
	if ring.Dropped() != 2 || callbacks != 2 {
		t.Fatalf("expected 2 drops, got %d (callbacks %d)", ring.Dropped(), callbacks)
	}
	for want := 2; want < 5; want++ {
		got := <-ring.Frames()
		if got[0] != byte(want) {
			t.Fatalf("expected frame %d, got %d", want, got[0])
		}
	}
}

func TestRingPushNeverBlocks(t *testing.T) {
	ring := NewRing(1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			ring.Push(Frame{0})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push blocked on a full ring")
	}
	if ring.Dropped() != 999 {
		t.Fatalf("expected 999 drops, got %d", ring.Dropped())
	}
}

func TestFloat32ToPCM16Clamps(t *testing.T) {
	pcm := Float32ToPCM16([]float32{0, 1, -1, 2, -2})
	samples := Samples(pcm)
	want := []int{0, 32767, -32767, 32767, -32767}
	for i := range want {
		if samples[i] != want[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, want[i], samples[i])
		}
	}
}

func TestEncodeWAV(t *testing.T) {
	pcm := Float32ToPCM16([]float32{0, 0.5, -0.5, 0.25})
	data, err := EncodeWAV(pcm, 24000)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		t.Fatalf("missing RIFF/WAVE header: %q", data[:12])
	}
	if rate := binary.LittleEndian.Uint32(data[24:28]); rate != 24000 {
		t.Fatalf("expected sample rate 24000, got %d", rate)
	}
	if !bytes.HasSuffix(data, pcm) {
		t.Fatal("expected pcm payload at the end of the file")
	}

	if _, err := EncodeWAV([]byte{1}, 24000); err == nil {
		t.Fatal("expected alignment error")
	}
}

func TestExecSourceReadsFrames(t *testing.T) {
	script := writeScript(t, "capture.sh", "#!/bin/sh\nhead -c 1920 /dev/zero\nexec sleep 5\n")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	src, err := NewExecSource(script, testFormat(), logger)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case frame := <-src.Frames():
			if len(frame) != 960 {
				t.Fatalf("expected 960-byte frame, got %d", len(frame))
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestExecSourceRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecSource("  ", testFormat(), nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestSilenceSource(t *testing.T) {
	src := NewSilenceSource(testFormat())
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case frame := <-src.Frames():
		if len(frame) != 960 {
			t.Fatalf("unexpected frame size %d", len(frame))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for silence")
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}
