package sink

import (
	"sync"
	"testing"
	"time"
)

func silentFrame(n int) []byte {
	return make([]byte, n)
}

func loudFrame(n int, amp int16) []byte {
	out := make([]byte, n*4) // stereo int16
	for i := 0; i < n; i++ {
		out[4*i] = byte(amp)
		out[4*i+1] = byte(amp >> 8)
		out[4*i+2] = byte(amp)
		out[4*i+3] = byte(amp >> 8)
	}
	return out
}

func TestProcessSegmentDiscardsShortUtterance(t *testing.T) {
	var called bool
	var mu sync.Mutex
	s := New(func(userID string, pcm []byte, epoch uint64) {
		mu.Lock()
		called = true
		mu.Unlock()
	}, nil)
	defer s.Close()

	s.ProcessSegment("u1", loudFrame(100, 5000)) // far under MinUtteranceBytes after downsample
	s.pipelineWG.Wait()

	mu.Lock()
	defer mu.Unlock()
	if called {
		t.Error("expected short segment to be discarded")
	}
}

func TestProcessSegmentDispatchesLongUtterance(t *testing.T) {
	received := make(chan []byte, 1)
	s := New(func(userID string, pcm []byte, epoch uint64) {
		received <- pcm
	}, nil)
	defer s.Close()

	// Need >= MinUtteranceBytes (16000) after downsample (factor 6 from stereo+3x).
	s.ProcessSegment("u1", loudFrame(MinUtteranceBytes*6+100, 5000))

	select {
	case pcm := <-received:
		if len(pcm) < MinUtteranceBytes {
			t.Errorf("expected at least %d bytes, got %d", MinUtteranceBytes, len(pcm))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestWriteFlushesAfterSilence(t *testing.T) {
	received := make(chan []byte, 1)
	s := New(func(userID string, pcm []byte, epoch uint64) {
		received <- pcm
	}, nil)
	defer s.Close()

	for i := 0; i < 500; i++ {
		s.Write("u1", loudFrame(160, 5000)) // 20ms @ 8kHz-equivalent frame count, just needs rms>threshold
	}
	for i := 0; i < 5; i++ {
		s.Write("u1", silentFrame(640))
	}

	select {
	case <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("expected flush after silence")
	}
}

func TestProcessSegmentSuppressesEchoDuringPlayback(t *testing.T) {
	var called bool
	var mu sync.Mutex
	s := New(func(userID string, pcm []byte, epoch uint64) {
		mu.Lock()
		called = true
		mu.Unlock()
	}, nil)
	defer s.Close()

	s.SetPlaybackActive(true)
	// amp=800 clears SilenceThreshold (300) but not PlaybackSpeechThreshold (1200).
	s.ProcessSegment("u1", loudFrame(MinUtteranceBytes*6+100, 800))
	s.pipelineWG.Wait()

	mu.Lock()
	defer mu.Unlock()
	if called {
		t.Error("expected segment below playback threshold to be suppressed")
	}
}

func TestPlaybackActiveRaisesThreshold(t *testing.T) {
	s := New(func(userID string, pcm []byte, epoch uint64) {}, nil)
	defer s.Close()

	if s.threshold() != SilenceThreshold {
		t.Fatalf("expected default threshold %v, got %v", SilenceThreshold, s.threshold())
	}
	s.SetPlaybackActive(true)
	if s.threshold() != PlaybackSpeechThreshold {
		t.Fatalf("expected playback threshold %v, got %v", PlaybackSpeechThreshold, s.threshold())
	}
}

func TestDrainBumpsEpoch(t *testing.T) {
	s := New(func(userID string, pcm []byte, epoch uint64) {}, nil)
	defer s.Close()

	e0 := s.Epoch()
	e1 := s.Drain()
	if e1 != e0+1 {
		t.Errorf("expected epoch to increment by 1, got %d -> %d", e0, e1)
	}
}
