package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/teamhashing/voicegateway/pkg/audio"
)

// PlayFunc hands a WAV-framed audio buffer to whatever actually plays it
// (the voice bridge, in production; a local speaker in the dev harness). It
// should block until playback completes.
type PlayFunc func(ctx context.Context, wav []byte) error

// PlaybackActiveFunc is notified when the pipeline starts or stops playing
// audio, so the caller can raise/lower its speech-detection threshold
// (the primary echo/barge-in suppression mechanism).
type PlaybackActiveFunc func(active bool)

// TurnMeta identifies the speaker and routing target for one utterance.
// sessionID is the per-user LLM session key (the stable
// "voice:<guild>:<channel>:<user>" derivation); agentID selects a backend
// agent via the x-agent-id header when non-default.
type TurnMeta struct {
	SessionID  string
	SenderName string
	SenderID   string
	AgentID    string
}

// PipelineRun is the single-flight turn engine for one voice Session
// (one guild's one active channel, per spec.md §4.3/§4.5). Exactly one
// turn is ever in flight: a new utterance from any speaker in the channel
// queues behind whatever the previous speaker's turn is doing rather than
// killing it, matching the data model's "one Orchestrator run holds the
// Session's processing lock at a time" invariant. Only a genuine
// SPEAKING+RMS-threshold barge-in signal (spec.md §4.4) calls Interrupt.
//
// Synthesis and playback run as two independent worker goroutines
// connected by channels, so the TTS worker can get ahead of playback
// instead of the whole turn blocking on one call per sentence.
type PipelineRun struct {
	orch    *Orchestrator
	session *ConversationSession

	play            PlayFunc
	setPlaybackMode PlaybackActiveFunc
	thinkingStart   func(ctx context.Context) error
	thinkingStop    func(ctx context.Context) error
	drain           func()
	sentenceSilence time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	events chan OrchestratorEvent

	mu                 sync.Mutex
	generation         uint64 // bumped on every new turn or interruption
	turnCancel         context.CancelFunc
	isThinking         bool
	isSpeaking         bool
	thinkingOn         bool // thinking sound started and not yet stopped
	interruptedPartial string

	// turnMu serializes whole turns (spec.md §4.3 "Single-flight per
	// session": a session-wide mutex ensures only one Orchestrator run
	// proceeds at a time; new utterances queue behind it, they do not
	// cancel it). turnWG tracks the sentence/audio items still in flight
	// for the turn currently holding turnMu, so the holder can wait for
	// synthesis and playback to actually finish (or be cleared by a real
	// barge-in) before releasing it to the next queued utterance.
	turnMu sync.Mutex
	turnWG sync.WaitGroup

	sentenceCh chan sentenceJob
	audioCh    chan audioJob

	wg        sync.WaitGroup
	closeOnce sync.Once
}

type sentenceJob struct {
	generation uint64
	text       string
}

type audioJob struct {
	generation uint64
	wav        []byte
}

// NewPipelineRun constructs the single pipeline for a voice Session.
func NewPipelineRun(ctx context.Context, orch *Orchestrator, session *ConversationSession, play PlayFunc, setPlaybackMode PlaybackActiveFunc) *PipelineRun {
	pCtx, cancel := context.WithCancel(ctx)
	pr := &PipelineRun{
		orch:            orch,
		session:         session,
		play:            play,
		setPlaybackMode: setPlaybackMode,
		ctx:             pCtx,
		cancel:          cancel,
		events:          make(chan OrchestratorEvent, 256),
		sentenceCh:      make(chan sentenceJob, 32),
		audioCh:         make(chan audioJob, 8),
	}

	pr.wg.Add(2)
	go pr.ttsWorker()
	go pr.playWorker()

	return pr
}

func (pr *PipelineRun) Events() <-chan OrchestratorEvent {
	return pr.events
}

// SetThinkingSound installs the looping audible-feedback hooks the caller
// uses to bridge STT latency (spec.md §4.3 stage 2): start is invoked as
// soon as an utterance begins processing, stop as soon as the first real
// audio item is ready to play (or the turn ends up producing no audio at
// all). Both are optional; a nil hook is a no-op. Must be called before
// the first HandleUtterance.
func (pr *PipelineRun) SetThinkingSound(start, stop func(ctx context.Context) error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.thinkingStart = start
	pr.thinkingStop = stop
}

func (pr *PipelineRun) startThinkingSound() {
	pr.mu.Lock()
	start := pr.thinkingStart
	pr.thinkingOn = true
	pr.mu.Unlock()
	if start == nil {
		return
	}
	if err := start(pr.ctx); err != nil && pr.ctx.Err() == nil {
		pr.orch.logger.Warn("thinking sound start failed", "error", err)
	}
}

// SetDrain installs the play worker's post-playback hooks (spec.md §4.3
// stage 6: `bridge.play → sink.drain → sleep(sentence_silence)`). drain
// bumps the sink epoch so echo captured during this item's playback can't
// reach the next utterance; sentenceSilence is the pause observed between
// sentences before the next queued audio item plays. Both are optional.
func (pr *PipelineRun) SetDrain(drain func(), sentenceSilence time.Duration) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.drain = drain
	pr.sentenceSilence = sentenceSilence
}

func (pr *PipelineRun) stopThinkingSound() {
	pr.mu.Lock()
	stop := pr.thinkingStop
	on := pr.thinkingOn
	pr.thinkingOn = false
	pr.mu.Unlock()
	if stop == nil || !on {
		return
	}
	if err := stop(pr.ctx); err != nil && pr.ctx.Err() == nil {
		pr.orch.logger.Warn("thinking sound stop failed", "error", err)
	}
}

// InterruptedPartial returns (and clears) the partial LLM response left
// over from a barge-in, so the caller can splice it into the next
// utterance's prompt (spec.md §4.3 stage 4, §8 property 7). Returns "" if
// the previous turn completed normally or produced no tokens.
func (pr *PipelineRun) InterruptedPartial() string {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	partial := pr.interruptedPartial
	pr.interruptedPartial = ""
	return partial
}

// HandleUtterance runs one full turn for a transcribed utterance. epoch is
// the sink epoch captured when the utterance was buffered; if the sink has
// since moved on, the turn is abandoned before any LLM/TTS work starts.
func (pr *PipelineRun) HandleUtterance(meta TurnMeta, pcm16Mono16k []byte, sinkEpoch uint64, currentSinkEpoch func() uint64) {
	if currentSinkEpoch != nil && sinkEpoch != currentSinkEpoch() {
		pr.orch.logger.Debug("dropping stale utterance", "session", meta.SessionID)
		return
	}

	pr.startThinkingSound()

	transcript, err := pr.orch.Transcribe(pr.ctx, pcm16Mono16k, pr.session.GetCurrentLanguage())
	if err != nil {
		pr.stopThinkingSound()
		pr.emit(meta.SessionID, ErrorEvent, fmt.Sprintf("transcription failed: %v", err))
		return
	}
	if transcript == "" {
		pr.stopThinkingSound()
		return
	}
	if currentSinkEpoch != nil && sinkEpoch != currentSinkEpoch() {
		pr.stopThinkingSound()
		return
	}

	pr.emit(meta.SessionID, TranscriptFinal, transcript)

	if partial := pr.InterruptedPartial(); partial != "" {
		transcript = fmt.Sprintf("(My previous reply was interrupted before I finished. What I had said so far: %q) %s", partial, transcript)
	}

	pr.session.AddMessage("user", transcript)
	pr.startTurn(meta, transcript)
}

// startTurn queues a new LLM/TTS turn behind whatever turn (if any) is
// currently in flight (spec.md §4.3 "Single-flight per session"). It never
// interrupts the current turn itself: only a genuine barge-in signal
// (SPEAKING + RMS over threshold, spec.md §4.4) does that, via Interrupt,
// called by the Session Controller, not from here.
func (pr *PipelineRun) startTurn(meta TurnMeta, text string) {
	go func() {
		pr.turnMu.Lock()
		defer pr.turnMu.Unlock()

		pr.mu.Lock()
		pr.generation++
		gen := pr.generation
		turnCtx, turnCancel := context.WithCancel(pr.ctx)
		pr.turnCancel = turnCancel
		pr.isThinking = true
		pr.mu.Unlock()

		pr.emit(meta.SessionID, BotThinking, nil)

		pr.runTurn(turnCtx, gen, meta, text)
		pr.turnWG.Wait()
		// A turn that produced no playable audio never reached the play
		// worker's stop; release the thinking sound here.
		pr.stopThinkingSound()
	}()
}

func (pr *PipelineRun) runTurn(ctx context.Context, gen uint64, meta TurnMeta, text string) {
	splitter := NewSentenceSplitter()

	response, err := pr.orch.StreamResponse(ctx, pr.session, meta.SessionID, text, meta.SenderName, meta.SenderID, meta.AgentID, func(delta string) error {
		for _, sentence := range splitter.Feed(delta) {
			pr.enqueueSentence(meta.SessionID, gen, sentence)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	})

	if ctx.Err() != nil {
		// Barge-in (or session shutdown) cut the stream short. Preserve
		// what was produced so far per spec.md §8 property 7; the next
		// utterance splices it back in as context.
		if response != "" {
			pr.mu.Lock()
			pr.interruptedPartial = response
			pr.mu.Unlock()
		}
		return
	}

	if pr.isStale(gen) {
		return
	}

	if err != nil {
		pr.stopThinkingSound()
		pr.emit(meta.SessionID, ErrorEvent, fmt.Sprintf("LLM error: %v", err))
		pr.mu.Lock()
		pr.isThinking = false
		pr.mu.Unlock()
		return
	}

	for _, sentence := range splitter.Flush() {
		pr.enqueueSentence(meta.SessionID, gen, sentence)
	}

	pr.mu.Lock()
	pr.isThinking = false
	pr.mu.Unlock()
}

func (pr *PipelineRun) enqueueSentence(sessionID string, gen uint64, text string) {
	if pr.isStale(gen) {
		return
	}
	pr.turnWG.Add(1)
	select {
	case pr.sentenceCh <- sentenceJob{generation: gen, text: text}:
	case <-pr.ctx.Done():
		pr.turnWG.Done()
	}
}

func (pr *PipelineRun) isStale(gen uint64) bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return gen != pr.generation
}

func (pr *PipelineRun) ttsWorker() {
	defer pr.wg.Done()
	for {
		select {
		case <-pr.ctx.Done():
			return
		case job, ok := <-pr.sentenceCh:
			if !ok {
				return
			}
			if pr.isStale(job.generation) {
				pr.turnWG.Done()
				continue
			}

			var pcm []byte
			err := pr.orch.SynthesizeStream(pr.ctx, job.text, pr.session.GetCurrentVoice(), pr.session.GetCurrentLanguage(), func(chunk []byte) error {
				pcm = append(pcm, chunk...)
				return nil
			})
			if err != nil {
				if pr.ctx.Err() == nil {
					pr.emit("", ErrorEvent, fmt.Sprintf("TTS error: %v", err))
				}
				pr.turnWG.Done()
				continue
			}
			if pr.isStale(job.generation) || len(pcm) == 0 {
				pr.turnWG.Done()
				continue
			}

			wav := framePCMAsWAV(pcm, pr.orch.GetConfig().SampleRate)

			// Ownership of the turnWG slot transfers to playWorker along
			// with the job; it calls Done once playback finishes.
			select {
			case pr.audioCh <- audioJob{generation: job.generation, wav: wav}:
			case <-pr.ctx.Done():
				pr.turnWG.Done()
				return
			}
		}
	}
}

func (pr *PipelineRun) playWorker() {
	defer pr.wg.Done()
	for {
		select {
		case <-pr.ctx.Done():
			return
		case job, ok := <-pr.audioCh:
			if !ok {
				return
			}
			if pr.isStale(job.generation) {
				pr.turnWG.Done()
				continue
			}

			pr.mu.Lock()
			pr.isSpeaking = true
			pr.mu.Unlock()

			pr.stopThinkingSound()

			if pr.setPlaybackMode != nil {
				pr.setPlaybackMode(true)
			}
			pr.emit("", BotSpeaking, nil)

			if pr.play != nil {
				if err := pr.play(pr.ctx, job.wav); err != nil && pr.ctx.Err() == nil {
					pr.emit("", ErrorEvent, fmt.Sprintf("playback error: %v", err))
				}
			}

			pr.mu.Lock()
			drain := pr.drain
			sentenceSilence := pr.sentenceSilence
			pr.mu.Unlock()

			if drain != nil {
				drain()
			}
			if sentenceSilence > 0 {
				select {
				case <-time.After(sentenceSilence):
				case <-pr.ctx.Done():
				}
			}

			if pr.setPlaybackMode != nil {
				pr.setPlaybackMode(false)
			}

			pr.mu.Lock()
			// Only clear isSpeaking if no newer turn has started.
			if job.generation == pr.generation {
				pr.isSpeaking = false
			}
			pr.mu.Unlock()

			pr.turnWG.Done()
		}
	}
}

// Interrupt cancels the in-flight turn (if any), invalidates any
// already-queued sentences/audio, aborts TTS, and emits an Interrupted
// event. Safe to call when nothing is in flight. It does NOT call
// bridge.StopPlaying: the caller (the Session Controller, which owns the
// bridge handle) is responsible for that per spec.md §4.4.
func (pr *PipelineRun) Interrupt() {
	pr.mu.Lock()
	turnCancel := pr.turnCancel
	wasActive := pr.isThinking || pr.isSpeaking
	pr.turnCancel = nil
	pr.isThinking = false
	pr.isSpeaking = false
	pr.generation++ // stale out anything already queued on sentenceCh/audioCh
	pr.mu.Unlock()

	if turnCancel != nil {
		turnCancel()
	}
	if wasActive {
		pr.stopThinkingSound()
		if pr.orch.tts != nil {
			if err := pr.orch.tts.Abort(); err != nil {
				pr.orch.logger.Warn("tts abort failed", "error", err)
			}
		}
		if pr.setPlaybackMode != nil {
			pr.setPlaybackMode(false)
		}
		pr.emit("", Interrupted, nil)
	}
}

// IsSpeaking reports whether the bot is currently playing audio.
func (pr *PipelineRun) IsSpeaking() bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.isSpeaking
}

// IsActive reports whether a turn is thinking or speaking, i.e. whether a
// barge-in would actually interrupt anything.
func (pr *PipelineRun) IsActive() bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.isThinking || pr.isSpeaking
}

func (pr *PipelineRun) emit(sessionID string, t EventType, data interface{}) {
	select {
	case <-pr.ctx.Done():
		return
	default:
	}
	event := OrchestratorEvent{Type: t, SessionID: sessionID, Data: data}
	select {
	case pr.events <- event:
	case <-pr.ctx.Done():
	default:
	}
}

// Close cancels the run and waits for its workers to exit. Call once the
// session owning this run is torn down.
func (pr *PipelineRun) Close() {
	pr.closeOnce.Do(func() {
		pr.cancel()
		pr.wg.Wait()
		close(pr.events)
	})
}

func framePCMAsWAV(pcm []byte, sampleRate int) []byte {
	return audio.NewWavBuffer(pcm, sampleRate)
}
