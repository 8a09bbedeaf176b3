package audio

import (
	"context"
	"sync"
	"time"
)

// SilenceSource emits zeroed frames in real time. Used by the mock provider
// mode and tests.
type SilenceSource struct {
	format Format
	ring   *Ring

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSilenceSource(format Format) *SilenceSource {
	return &SilenceSource{format: format, ring: NewRing(format.BufferFrames())}
}

func (s *SilenceSource) Frames() <-chan Frame { return s.ring.Frames() }

func (s *SilenceSource) Ring() *Ring { return s.ring }

func (s *SilenceSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.format.FrameDuration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ring.Push(make(Frame, s.format.FrameBytes()))
			}
		}
	}()
	return nil
}

func (s *SilenceSource) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
	return nil
}
