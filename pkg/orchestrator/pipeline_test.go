package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeStreamLLM lets a test control exactly when deltas arrive, so it can
// reliably interrupt a turn mid-stream.
type fakeStreamLLM struct {
	mu       sync.Mutex
	gate     chan struct{} // closed to release a blocked Stream call
	deltas   []string
	blockAt  int // index (0-based) to block before sending
	released bool
}

func newFakeStreamLLM(deltas []string, blockAt int) *fakeStreamLLM {
	return &fakeStreamLLM{deltas: deltas, blockAt: blockAt, gate: make(chan struct{})}
}

func (f *fakeStreamLLM) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.released {
		f.released = true
		close(f.gate)
	}
}

func (f *fakeStreamLLM) Stream(ctx context.Context, sessionID, text, senderName, senderID, agentID string, onDelta func(string) error) error {
	for i, d := range f.deltas {
		if i == f.blockAt {
			select {
			case <-f.gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := onDelta(d); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStreamLLM) Reset(ctx context.Context, sessionID string) error   { return nil }
func (f *fakeStreamLLM) Compact(ctx context.Context, sessionID string) error { return nil }
func (f *fakeStreamLLM) Name() string                                       { return "fake-stream-llm" }

func newTestOrchestrator(stream LLMStreamProvider) *Orchestrator {
	o := New(&MockSTTProvider{transcribeResult: "hello"}, &MockLLMProvider{}, &MockTTSProvider{synthesizeResult: []byte{1, 2, 3}}, DefaultConfig())
	o.SetStreamingLLM(stream)
	return o
}

func drainEvents(t *testing.T, events <-chan OrchestratorEvent, want EventType, timeout time.Duration) OrchestratorEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %v", want)
		}
	}
}

func TestPipelineRunHandlesUtterance(t *testing.T) {
	stream := newFakeStreamLLM([]string{"Hello there."}, -1)
	orch := newTestOrchestrator(stream)
	session := orch.NewSessionWithDefaults("u1")

	var played [][]byte
	var mu sync.Mutex
	play := func(ctx context.Context, wav []byte) error {
		mu.Lock()
		played = append(played, wav)
		mu.Unlock()
		return nil
	}

	pr := NewPipelineRun(context.Background(), orch, session, play, func(bool) {})
	defer pr.Close()

	pr.HandleUtterance(TurnMeta{SessionID: "voice:g1:c1:u1", SenderName: "Alice", SenderID: "u1"}, make([]byte, 16000), 0, func() uint64 { return 0 })

	drainEvents(t, pr.Events(), BotSpeaking, 2*time.Second)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(played)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for playback")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPipelineRunDropsStaleUtterance(t *testing.T) {
	stream := newFakeStreamLLM([]string{"reply"}, -1)
	orch := newTestOrchestrator(stream)
	session := orch.NewSessionWithDefaults("u1")

	var called bool
	var mu sync.Mutex
	play := func(ctx context.Context, wav []byte) error {
		mu.Lock()
		called = true
		mu.Unlock()
		return nil
	}

	pr := NewPipelineRun(context.Background(), orch, session, play, func(bool) {})
	defer pr.Close()

	// sinkEpoch (0) no longer matches the current epoch (1): dropped before
	// any LLM/TTS work starts.
	pr.HandleUtterance(TurnMeta{SessionID: "s1", SenderID: "u1"}, make([]byte, 16000), 0, func() uint64 { return 1 })

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if called {
		t.Error("expected stale utterance to be dropped, but playback was triggered")
	}
}

func TestPipelineRunBargeInCapturesPartialAndUnblocksNextTurn(t *testing.T) {
	stream := newFakeStreamLLM([]string{"I was about to say ", "something long."}, 1)
	orch := newTestOrchestrator(stream)
	session := orch.NewSessionWithDefaults("u1")

	play := func(ctx context.Context, wav []byte) error { return nil }
	pr := NewPipelineRun(context.Background(), orch, session, play, func(bool) {})
	defer pr.Close()

	meta := TurnMeta{SessionID: "s1", SenderName: "Alice", SenderID: "u1"}
	pr.HandleUtterance(meta, make([]byte, 16000), 0, func() uint64 { return 0 })

	drainEvents(t, pr.Events(), BotThinking, 2*time.Second)
	// give the first delta a moment to land before the barge-in fires
	time.Sleep(50 * time.Millisecond)

	// A real barge-in (the bridge's speaking_start crossing the playback
	// RMS threshold) interrupts the first turn before it finishes; this is
	// the only path that calls Interrupt, never an ordinary queued
	// utterance from a second speaker.
	pr.Interrupt()

	drainEvents(t, pr.Events(), Interrupted, 2*time.Second)

	// The interrupted turn records its partial once its LLM stream returns,
	// which happens after Interrupted is emitted; wait for it to land.
	var partial string
	for waitUntil := time.Now().Add(2 * time.Second); partial == "" && time.Now().Before(waitUntil); {
		if partial = pr.InterruptedPartial(); partial == "" {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if partial != "I was about to say " {
		t.Errorf("expected captured partial %q, got %q", "I was about to say ", partial)
	}

	// Calling it again returns empty: it's consumed exactly once.
	if again := pr.InterruptedPartial(); again != "" {
		t.Errorf("expected partial to be cleared after first read, got %q", again)
	}

	stream.release()

	// With the first turn cleared, a second speaker's utterance now
	// proceeds rather than queueing behind a dead turn forever.
	stream2 := newFakeStreamLLM([]string{"second reply"}, -1)
	orch.SetStreamingLLM(stream2)
	pr.HandleUtterance(TurnMeta{SessionID: "s2", SenderName: "Bob", SenderID: "u2"}, make([]byte, 16000), 0, func() uint64 { return 0 })

	drainEvents(t, pr.Events(), BotSpeaking, 2*time.Second)
}

func TestPipelineRunInterruptIsIdempotentWhenIdle(t *testing.T) {
	stream := newFakeStreamLLM([]string{"hi"}, -1)
	orch := newTestOrchestrator(stream)
	session := orch.NewSessionWithDefaults("u1")

	pr := NewPipelineRun(context.Background(), orch, session, func(ctx context.Context, wav []byte) error { return nil }, func(bool) {})
	defer pr.Close()

	pr.Interrupt()
	pr.Interrupt()

	select {
	case ev := <-pr.Events():
		t.Fatalf("expected no events from interrupting an idle pipeline, got %v", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPipelineRunQueuesSecondUtteranceWithoutInterrupting(t *testing.T) {
	stream := newFakeStreamLLM([]string{"first reply"}, -1)
	orch := newTestOrchestrator(stream)
	session := orch.NewSessionWithDefaults("u1")

	play := func(ctx context.Context, wav []byte) error { return nil }
	pr := NewPipelineRun(context.Background(), orch, session, play, func(bool) {})
	defer pr.Close()

	pr.HandleUtterance(TurnMeta{SessionID: "s1", SenderName: "Alice", SenderID: "u1"}, make([]byte, 16000), 0, func() uint64 { return 0 })
	drainEvents(t, pr.Events(), BotSpeaking, 2*time.Second)

	// A second utterance arriving after the first turn is already under
	// way must queue behind the session mutex, not interrupt it: ordinary
	// turn-taking never raises Interrupted, only a real barge-in does.
	pr.HandleUtterance(TurnMeta{SessionID: "s1", SenderName: "Alice", SenderID: "u1"}, make([]byte, 16000), 0, func() uint64 { return 0 })

	select {
	case ev := <-pr.Events():
		if ev.Type == Interrupted {
			t.Fatalf("second queued utterance must not interrupt the first turn")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPipelineRunLLMErrorEmitsErrorEvent(t *testing.T) {
	errStream := &erroringStreamLLM{err: errors.New("backend down")}
	orch := newTestOrchestrator(errStream)
	session := orch.NewSessionWithDefaults("u1")

	pr := NewPipelineRun(context.Background(), orch, session, func(ctx context.Context, wav []byte) error { return nil }, func(bool) {})
	defer pr.Close()

	pr.HandleUtterance(TurnMeta{SessionID: "s1", SenderID: "u1"}, make([]byte, 16000), 0, func() uint64 { return 0 })

	drainEvents(t, pr.Events(), ErrorEvent, 2*time.Second)
}

type erroringStreamLLM struct{ err error }

func (e *erroringStreamLLM) Stream(ctx context.Context, sessionID, text, senderName, senderID, agentID string, onDelta func(string) error) error {
	return e.err
}
func (e *erroringStreamLLM) Reset(ctx context.Context, sessionID string) error   { return nil }
func (e *erroringStreamLLM) Compact(ctx context.Context, sessionID string) error { return nil }
func (e *erroringStreamLLM) Name() string                                       { return "erroring-stream-llm" }
