// Package session implements the per-guild voice conversation lifecycle
// described in spec.md §4.5: joining the bridge, wiring the sink into the
// pipeline, handling reconnects and barge-in signals from the bridge, and
// tearing everything down cleanly on stop. The actual platform connection
// (Discord gateway events, voice credential capture) is an external
// collaborator; this package only consumes the small surface it needs.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teamhashing/voicegateway/pkg/audio"
	"github.com/teamhashing/voicegateway/pkg/bridge"
	"github.com/teamhashing/voicegateway/pkg/orchestrator"
	"github.com/teamhashing/voicegateway/pkg/sink"
)

// VoiceCredentials are the raw Discord VOICE_STATE_UPDATE/VOICE_SERVER_UPDATE
// payloads the platform layer captured when the bot joined. The Controller
// forwards them to the bridge untouched and keeps a copy to replay on
// reconnect.
type VoiceCredentials struct {
	VoiceState  interface{}
	VoiceServer interface{}
}

// JoinRequest carries everything the Controller needs from the platform
// layer to join a voice channel. BotUserID and VoiceSessionID come from the
// platform's own gateway connection; the Controller never derives them.
type JoinRequest struct {
	ChannelID      string
	BotUserID      string
	VoiceSessionID string
	Credentials    VoiceCredentials
}

// Warmer is implemented by providers that benefit from connecting ahead of
// the first real call (e.g. a provider that lazily dials a websocket).
type Warmer interface {
	Warm(ctx context.Context) error
}

// Providers bundles the per-session provider set the Controller wires into
// its Orchestrator.
type Providers struct {
	STT       orchestrator.STTProvider
	StreamLLM orchestrator.LLMStreamProvider
	TTS       orchestrator.TTSProvider
	WakeWord  orchestrator.WakeWordProvider
}

// SpeakerIdentity is what the platform layer knows about a speaking user
// that the Controller itself has no business tracking: display name and
// per-user agent routing.
type SpeakerIdentity struct {
	Name    string
	AgentID string
}

// IdentityResolver looks up a speaking user's display name and routed
// agent without the Controller needing to know about guild member lists.
type IdentityResolver interface {
	Resolve(guildID, userID string) SpeakerIdentity
}

// MemberCounter reports how many non-bot humans are currently present in a
// voice channel. It backs the crowded-channel wake-word nuance (spec.md
// §4.3 stage 1: an authorized speaker in a channel with more than two
// non-bot members, the speaker included, still needs the wake word, so one
// open mic doesn't let everyone's
// side conversation trigger the pipeline).
type MemberCounter interface {
	NonBotMemberCount(guildID, channelID string) int
}

// Config holds the session-lifecycle timing knobs (spec.md §4.5 / §9).
type Config struct {
	WaitReadyTimeout time.Duration
	PlayTimeout      time.Duration
	ShutdownGrace    time.Duration
	RequireWakeWord  bool
	SentenceSilence  time.Duration
	Language         orchestrator.Language
}

// noopLLM satisfies orchestrator.LLMProvider for sessions that only ever
// use the streaming path; the one-shot Complete method is never called by
// the Controller.
type noopLLM struct{}

func (noopLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	return "", fmt.Errorf("non-streaming completion not supported by the gateway")
}
func (noopLLM) Name() string { return "none" }

// Controller owns one guild's active voice conversation: the bridge join,
// the audio sink, and the single PipelineRun serving whichever channel
// member is currently speaking (spec.md Invariant 2: exactly one
// Orchestrator run holds the session's processing lock at a time).
type Controller struct {
	guildID string

	bridge      *bridge.Client
	orch        *orchestrator.Orchestrator
	ttsProvider orchestrator.TTSProvider
	sink        *sink.Sink
	pipeline    *orchestrator.PipelineRun
	identity    IdentityResolver
	wakeword    orchestrator.WakeWordProvider
	authStore   orchestrator.AuthStore
	members     MemberCounter

	cfg    Config
	logger orchestrator.Logger

	mu             sync.Mutex
	active         bool
	channelID      string
	botUserID      string
	voiceSessionID string
	creds          VoiceCredentials
	sessionID      string // channel-scoped id: "voice:<guild>:<channel>"

	cancel context.CancelFunc
}

// New constructs a Controller for one guild. It does not join a channel or
// start any goroutines until Start is called.
func New(guildID string, br *bridge.Client, providers Providers, identity IdentityResolver, cfg Config, logger orchestrator.Logger) *Controller {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.Language = cfg.Language

	orch := orchestrator.NewWithLogger(providers.STT, noopLLM{}, providers.TTS, nil, orchCfg, logger)
	orch.SetStreamingLLM(providers.StreamLLM)

	return &Controller{
		guildID:     guildID,
		bridge:      br,
		orch:        orch,
		ttsProvider: providers.TTS,
		identity:    identity,
		wakeword:    providers.WakeWord,
		cfg:         cfg,
		logger:      logger,
	}
}

// SetAuthGate installs the authorization and membership collaborators the
// wake-word gate consults (spec.md §4.3 stage 1). Both are optional: with
// neither wired, every speaker is treated as authorized and no channel is
// ever considered crowded, so every utterance passes the gate and
// RequireWakeWord has no effect.
func (c *Controller) SetAuthGate(auth orchestrator.AuthStore, members MemberCounter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authStore = auth
	c.members = members
}

// IsActive reports whether this Controller currently owns a live voice
// session.
func (c *Controller) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Start joins the voice channel and begins processing audio. It blocks
// until the bridge confirms readiness or the wait-ready timeout elapses.
func (c *Controller) Start(ctx context.Context, req JoinRequest) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return fmt.Errorf("session already active for guild %s", c.guildID)
	}
	c.channelID = req.ChannelID
	c.botUserID = req.BotUserID
	c.voiceSessionID = req.VoiceSessionID
	c.creds = req.Credentials
	c.sessionID = fmt.Sprintf("voice:%s:%s", c.guildID, req.ChannelID)
	c.mu.Unlock()

	warmCtx, warmCancel := context.WithTimeout(ctx, 5*time.Second)
	defer warmCancel()
	c.warmUp(warmCtx)

	if err := c.bridge.Join(ctx, c.guildID, req.ChannelID, req.BotUserID, req.VoiceSessionID); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	if err := c.bridge.SendVoiceStateUpdate(ctx, req.Credentials.VoiceState); err != nil {
		return fmt.Errorf("forward voice state: %w", err)
	}
	if err := c.bridge.SendVoiceServerUpdate(ctx, req.Credentials.VoiceServer); err != nil {
		return fmt.Errorf("forward voice server: %w", err)
	}
	if !c.bridge.WaitReady(c.guildID, c.cfg.WaitReadyTimeout) {
		return fmt.Errorf("bridge did not become ready for guild %s", c.guildID)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	convSession := c.orch.NewSessionWithDefaults(c.sessionID)

	s := sink.New(c.handleUtterance, c.logger)
	s.SetEchoGuard(orchestrator.NewEchoSuppressor())

	play := func(ctx context.Context, wav []byte) error {
		return c.bridge.Play(ctx, c.guildID, wav, c.cfg.PlayTimeout)
	}
	setPlaybackMode := func(active bool) {
		s.SetPlaybackActive(active)
	}

	pr := orchestrator.NewPipelineRun(runCtx, c.orch, convSession, play, setPlaybackMode)
	pr.SetDrain(func() { s.Drain() }, c.cfg.SentenceSilence)
	thinkingTone := orchestrator.GenerateThinkingTone(c.orch.GetConfig().SampleRate, 2000)
	thinkingWAV := audio.NewWavBuffer(thinkingTone, c.orch.GetConfig().SampleRate)
	pr.SetThinkingSound(
		func(ctx context.Context) error { return c.bridge.PlayLoop(ctx, c.guildID, thinkingWAV) },
		func(ctx context.Context) error { return c.bridge.StopPlaying(ctx, c.guildID, false) },
	)

	c.mu.Lock()
	c.sink = s
	c.pipeline = pr
	c.cancel = cancel
	c.active = true
	c.mu.Unlock()

	c.bridge.RegisterAudioCallback(c.guildID, c.onAudio)
	c.bridge.RegisterSpeakingCallback(c.guildID, c.onSpeakingStart)
	c.bridge.RegisterReconnectCallback(c.guildID, c.onReconnect)

	c.logger.Info("voice session started", "guild", c.guildID, "channel", req.ChannelID, "session", c.sessionID)
	return nil
}

// warmUp fans out independent provider warm-up work so join latency isn't
// paid twice (once here, once on the first real turn).
func (c *Controller) warmUp(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)

	if warmer, ok := c.ttsProvider.(Warmer); ok {
		g.Go(func() error { return warmer.Warm(gctx) })
	}
	if c.wakeword != nil {
		g.Go(func() error {
			c.wakeword.Reset()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		c.logger.Warn("provider warm-up failed, continuing anyway", "error", err)
	}
}

// Stop disconnects from the bridge and releases all session state. Any
// in-flight pipeline turn is given ShutdownGrace to finish before being
// cancelled outright.
func (c *Controller) Stop(ctx context.Context) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	pr := c.pipeline
	s := c.sink
	cancel := c.cancel
	c.mu.Unlock()

	c.bridge.UnregisterAudioCallback(c.guildID)
	c.bridge.RegisterSpeakingCallback(c.guildID, func(string, float64) {})
	c.bridge.RegisterReconnectCallback(c.guildID, func() {})

	if pr != nil {
		grace := c.cfg.ShutdownGrace
		if grace <= 0 {
			grace = 2 * time.Second
		}
		done := make(chan struct{})
		go func() {
			for pr.IsActive() {
				time.Sleep(50 * time.Millisecond)
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(grace):
		}
	}

	if cancel != nil {
		cancel()
	}
	if pr != nil {
		pr.Close()
	}
	if s != nil {
		s.Close()
	}

	if err := c.bridge.Disconnect(ctx, c.guildID); err != nil {
		c.logger.Warn("bridge disconnect failed", "guild", c.guildID, "error", err)
	}

	if stream := c.orch.StreamingLLM(); stream != nil {
		compactCtx, compactCancel := context.WithTimeout(ctx, 2*time.Second)
		err := stream.Compact(compactCtx, c.sessionID)
		compactCancel()
		if err != nil {
			c.logger.Warn("best-effort session compact failed", "session", c.sessionID, "error", err)
		}
	}

	c.logger.Info("voice session stopped", "guild", c.guildID)
}

// MoveTo relocates the session to a different channel in the same guild,
// re-joining via the bridge with the same credentials.
func (c *Controller) MoveTo(ctx context.Context, channelID string) error {
	c.mu.Lock()
	botUserID := c.botUserID
	voiceSessionID := c.voiceSessionID
	c.mu.Unlock()

	if err := c.bridge.Join(ctx, c.guildID, channelID, botUserID, voiceSessionID); err != nil {
		return fmt.Errorf("move: %w", err)
	}
	if !c.bridge.WaitReady(c.guildID, c.cfg.WaitReadyTimeout) {
		return fmt.Errorf("bridge did not become ready after move for guild %s", c.guildID)
	}

	c.mu.Lock()
	c.channelID = channelID
	c.sessionID = fmt.Sprintf("voice:%s:%s", c.guildID, channelID)
	c.mu.Unlock()

	return nil
}

// onReconnect re-issues the join and cached voice credentials after the
// bridge socket reconnects (spec.md §4.1 "Reconnects with exponential
// backoff"; the bridge can't resume mid-call state, so the Controller must
// replay the handshake).
func (c *Controller) onReconnect() {
	c.mu.Lock()
	active := c.active
	channelID := c.channelID
	botUserID := c.botUserID
	voiceSessionID := c.voiceSessionID
	creds := c.creds
	c.mu.Unlock()
	if !active {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.bridge.Join(ctx, c.guildID, channelID, botUserID, voiceSessionID); err != nil {
		c.logger.Warn("reconnect: rejoin failed", "guild", c.guildID, "error", err)
		return
	}
	if err := c.bridge.SendVoiceStateUpdate(ctx, creds.VoiceState); err != nil {
		c.logger.Warn("reconnect: forward voice state failed", "guild", c.guildID, "error", err)
		return
	}
	if err := c.bridge.SendVoiceServerUpdate(ctx, creds.VoiceServer); err != nil {
		c.logger.Warn("reconnect: forward voice server failed", "guild", c.guildID, "error", err)
		return
	}
	if !c.bridge.WaitReady(c.guildID, c.cfg.WaitReadyTimeout) {
		c.logger.Warn("reconnect: bridge did not become ready", "guild", c.guildID)
	}
}

// onSpeakingStart is the bridge's early-warning barge-in signal (spec.md
// §4.4): it fires while the bot is mid-playback if a non-bot user starts
// talking loudly enough, ahead of the segmented-audio path noticing.
func (c *Controller) onSpeakingStart(userID string, rms float64) {
	c.mu.Lock()
	pr := c.pipeline
	c.mu.Unlock()
	if pr == nil || !pr.IsSpeaking() {
		return
	}
	if rms <= sink.PlaybackSpeechThreshold {
		return
	}

	pr.Interrupt()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.bridge.StopPlaying(ctx, c.guildID, true); err != nil {
		c.logger.Warn("stop playing on barge-in failed", "guild", c.guildID, "error", err)
	}
}

// onAudio routes a bridge-segmented utterance into the sink.
func (c *Controller) onAudio(userID string, pcm []byte, guildID string) {
	c.mu.Lock()
	s := c.sink
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.ProcessSegment(userID, pcm)
}

// handleUtterance is the sink's flush callback: it resolves the speaker's
// identity, enforces the auth/wake-word gate, and hands the utterance to the
// pipeline.
//
// Gate (spec.md §4.3 stage 1): an unauthorized speaker is rejected outright
// unless RequireWakeWord opts them into a wake-word challenge; an
// authorized speaker is waved through unless the channel is crowded (more
// than two non-bot members present, the speaker included) and a wake word
// is configured, in which
// case they need it too.
func (c *Controller) handleUtterance(userID string, pcm16Mono16k []byte, epoch uint64) {
	c.mu.Lock()
	pr := c.pipeline
	s := c.sink
	guildID := c.guildID
	channelID := c.channelID
	authStore := c.authStore
	members := c.members
	c.mu.Unlock()
	if pr == nil || s == nil {
		return
	}

	authorized := true
	if authStore != nil {
		authorized = authStore.IsAuthorized(orchestrator.GuildKey(guildID), orchestrator.UserKey(userID))
	}

	needsWakeWord := false
	if !authorized {
		if !c.cfg.RequireWakeWord {
			return
		}
		needsWakeWord = true
	} else if c.wakeword != nil && members != nil && members.NonBotMemberCount(guildID, channelID) > 2 {
		needsWakeWord = true
	}

	if needsWakeWord {
		if c.wakeword == nil {
			return
		}
		detected, err := c.wakeword.Detect(pcm16Mono16k)
		if err != nil {
			c.logger.Warn("wake word detection error, passing utterance through", "error", err)
		} else if !detected {
			return
		} else {
			c.wakeword.Reset()
		}
	}

	identity := SpeakerIdentity{Name: fmt.Sprintf("User#%s", userID)}
	if c.identity != nil {
		identity = c.identity.Resolve(guildID, userID)
	}

	meta := orchestrator.TurnMeta{
		SessionID:  fmt.Sprintf("voice:%s:%s:%s", guildID, channelID, userID),
		SenderName: identity.Name,
		SenderID:   userID,
		AgentID:    identity.AgentID,
	}

	pr.HandleUtterance(meta, pcm16Mono16k, epoch, s.Epoch)
}
