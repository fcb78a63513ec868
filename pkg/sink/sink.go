// Package sink buffers per-speaker audio arriving from the voice bridge and
// turns it into discrete utterances ready for transcription.
//
// Two ingestion paths exist. ProcessSegment is used when the bridge itself
// performs voice-activity segmentation and simply hands over whole
// utterances. Write is the fallback: raw 20ms frames are accumulated here
// and segmented with an energy-based VAD, mirroring the approach the
// original Python sink used before a segmenting bridge was available.
//
// A buffer's "pipeline" (the synthesize/respond work triggered by a flush)
// runs as an independent goroutine that is never cancelled by new speech
// arriving mid-flight; Close waits for outstanding work rather than
// cancelling it. An epoch counter lets a caller invalidate stale results
// without tearing down goroutines: a flush captures the epoch and passes it
// to the flush callback, which can discard its result if the epoch has moved
// on by the time it completes.
package sink

import (
	"sync"
	"time"

	"github.com/teamhashing/voicegateway/pkg/audio"
	"github.com/teamhashing/voicegateway/pkg/orchestrator"
)

const (
	// SilenceThreshold is the RMS floor below which a frame is silence.
	SilenceThreshold = 300
	// PlaybackSpeechThreshold is the RMS floor used instead of
	// SilenceThreshold while the bot is playing audio, to avoid the bot's
	// own output (picked up via room echo) re-triggering speech detection.
	PlaybackSpeechThreshold = 1200
	// VADSilenceDuration is how long RMS must stay below threshold before
	// a buffered utterance is flushed.
	VADSilenceDuration = time.Second
	// MaxBufferDuration forces a flush even without silence, so a user
	// who never pauses still gets a response.
	MaxBufferDuration = 120 * time.Second
	// MinUtteranceBytes is 0.5s of 16kHz mono 16-bit PCM; anything shorter
	// is almost certainly a false trigger and is discarded.
	MinUtteranceBytes = 16000
)

// FlushFunc is invoked once per completed utterance with 16kHz mono PCM.
// epoch is the Sink epoch captured when the utterance was flushed;
// callers that want stale-result protection should compare it against
// Sink.Epoch() before acting on a slow downstream result.
type FlushFunc func(userID string, pcm16Mono16k []byte, epoch uint64)

type speakerState struct {
	buf          []byte
	speaking     bool
	lastSpeech   time.Time
	bufferStart  time.Time
	silenceTimer *time.Timer
}

// Sink accumulates per-user audio for one guild's voice channel.
type Sink struct {
	mu       sync.Mutex
	speakers map[string]*speakerState
	epoch    uint64

	playbackActive bool

	pipelineWG sync.WaitGroup

	flush  FlushFunc
	logger orchestrator.Logger

	echoGuard EchoGuard
}

// EchoGuard is an optional secondary filter consulted on the raw-chunk
// fallback path while the bot is playing audio. It is not required for
// correctness: SetPlaybackActive's threshold raise is the primary
// mechanism. An implementation that always returns false is equivalent to
// not having one.
type EchoGuard interface {
	IsEcho(chunk []byte) bool
	RecordPlayedAudio(chunk []byte)
	Clear()
}

func New(flush FlushFunc, logger orchestrator.Logger) *Sink {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	return &Sink{
		speakers: make(map[string]*speakerState),
		flush:    flush,
		logger:   logger,
	}
}

// SetEchoGuard installs the optional correlation-based echo suppressor.
func (s *Sink) SetEchoGuard(g EchoGuard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.echoGuard = g
}

// Epoch returns the current generation counter.
func (s *Sink) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// SetPlaybackActive raises (or restores) the speech-detection threshold
// while the bot is speaking, the primary barge-in/echo mitigation.
func (s *Sink) SetPlaybackActive(active bool) {
	s.mu.Lock()
	s.playbackActive = active
	s.mu.Unlock()
}

func (s *Sink) threshold() float64 {
	if s.playbackActive {
		return PlaybackSpeechThreshold
	}
	return SilenceThreshold
}

// ProcessSegment accepts a whole utterance the bridge has already
// segmented (48kHz stereo PCM). It applies the same RMS gate as the
// fallback VAD path (raised while the bot is playing, so bot echo picked
// up by the segmenting bridge doesn't reach the pipeline), downsamples,
// and hands the result to the flush callback.
func (s *Sink) ProcessSegment(userID string, pcm48kStereo []byte) {
	rms := audio.RMS16(downmixForRMS(pcm48kStereo))

	s.mu.Lock()
	threshold := s.threshold()
	s.mu.Unlock()

	if rms <= threshold {
		s.logger.Debug("segment below threshold, discarding", "user", userID, "rms", rms, "threshold", threshold)
		return
	}

	mono16k := audio.Downsample48kStereoTo16kMono(pcm48kStereo)
	if len(mono16k) < MinUtteranceBytes {
		s.logger.Debug("segment too short, discarding", "user", userID, "bytes", len(mono16k))
		return
	}
	epoch := s.Epoch()
	s.dispatch(userID, mono16k, epoch)
}

// Write feeds one raw 48kHz stereo frame (typically 20ms) into the
// fallback energy-based VAD path for userID.
func (s *Sink) Write(userID string, frame []byte) {
	if len(frame) == 0 {
		return
	}

	rms := audio.RMS16(downmixForRMS(frame))

	s.mu.Lock()
	st, ok := s.speakers[userID]
	if !ok {
		st = &speakerState{}
		s.speakers[userID] = st
	}

	guard := s.echoGuard
	playbackActive := s.playbackActive
	threshold := s.threshold()
	s.mu.Unlock()

	if playbackActive && guard != nil && guard.IsEcho(frame) {
		return
	}

	now := time.Now()

	if rms > threshold {
		s.mu.Lock()
		wasSpeaking := st.speaking
		if !wasSpeaking {
			st.bufferStart = now
		}
		st.speaking = true
		st.lastSpeech = now
		st.buf = append(st.buf, frame...)
		if st.silenceTimer != nil {
			st.silenceTimer.Stop()
			st.silenceTimer = nil
		}
		overLong := now.Sub(st.bufferStart) >= MaxBufferDuration
		s.mu.Unlock()

		if overLong {
			s.flushSpeaker(userID)
		}
		return
	}

	// Below threshold.
	s.mu.Lock()
	if !st.speaking {
		s.mu.Unlock()
		return
	}
	st.buf = append(st.buf, frame...)
	if st.silenceTimer == nil {
		st.silenceTimer = time.AfterFunc(VADSilenceDuration, func() {
			s.onSilenceConfirmed(userID)
		})
	}
	s.mu.Unlock()
}

func (s *Sink) onSilenceConfirmed(userID string) {
	s.mu.Lock()
	st, ok := s.speakers[userID]
	if !ok || !st.speaking {
		s.mu.Unlock()
		return
	}
	st.speaking = false
	st.silenceTimer = nil
	s.mu.Unlock()

	s.flushSpeaker(userID)
}

func (s *Sink) flushSpeaker(userID string) {
	s.mu.Lock()
	st, ok := s.speakers[userID]
	if !ok || len(st.buf) == 0 {
		s.mu.Unlock()
		return
	}
	raw := st.buf
	st.buf = nil
	st.bufferStart = time.Now()
	epoch := s.epoch
	s.mu.Unlock()

	mono16k := audio.Downsample48kStereoTo16kMono(raw)
	if len(mono16k) < MinUtteranceBytes {
		s.logger.Debug("utterance too short, discarding", "user", userID, "bytes", len(mono16k))
		return
	}
	s.dispatch(userID, mono16k, epoch)
}

func (s *Sink) dispatch(userID string, pcm []byte, epoch uint64) {
	if s.flush == nil {
		return
	}
	s.pipelineWG.Add(1)
	go func() {
		defer s.pipelineWG.Done()
		s.flush(userID, pcm, epoch)
	}()
}

// Drain bumps the epoch so in-flight pipeline results can self-identify as
// stale, without cancelling the goroutines running them.
func (s *Sink) Drain() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	return s.epoch
}

// Reset clears one speaker's buffer and silence timer, e.g. on barge-in.
func (s *Sink) Reset(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.speakers[userID]
	if !ok {
		return
	}
	st.buf = nil
	st.speaking = false
	if st.silenceTimer != nil {
		st.silenceTimer.Stop()
		st.silenceTimer = nil
	}
}

// Close cancels pending silence timers and waits for in-flight pipeline
// goroutines to finish.
func (s *Sink) Close() {
	s.mu.Lock()
	for _, st := range s.speakers {
		if st.silenceTimer != nil {
			st.silenceTimer.Stop()
		}
	}
	s.speakers = make(map[string]*speakerState)
	s.mu.Unlock()
	s.pipelineWG.Wait()
}

// downmixForRMS averages stereo pairs so the RMS computed on a 48kHz
// stereo frame lines up with the mono thresholds callers expect.
func downmixForRMS(stereo []byte) []byte {
	n := len(stereo) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(stereo[2*i]) | int16(stereo[2*i+1])<<8
	}
	if len(samples)%2 != 0 {
		out := make([]byte, len(samples)*2)
		for i, v := range samples {
			out[2*i] = byte(v)
			out[2*i+1] = byte(v >> 8)
		}
		return out
	}
	mono := make([]int16, len(samples)/2)
	for i := range mono {
		l := int32(samples[2*i])
		r := int32(samples[2*i+1])
		mono[i] = int16((l + r) / 2)
	}
	out := make([]byte, len(mono)*2)
	for i, v := range mono {
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}
