// Command gateway is the production entrypoint: it wires the bridge
// client, the per-guild session controllers, and the cross-guild channel
// manager together against real STT/LLM/TTS providers, then waits for the
// platform layer to drive it.
//
// The platform layer itself — the Discord gateway connection that tracks
// guild membership and voice-state changes, captures join voice
// credentials, and exposes slash commands — is explicitly out of scope
// (spec.md §1/§6.1). This binary builds the core and registers its two
// platform-facing seams (channel.MembershipView, channel.JoinRequestBuilder)
// with minimal stand-ins so the gateway runs standalone; a real deployment
// replaces those two adapters with ones backed by an actual Discord client
// and calls Manager.HandleVoiceStateChange on every voice-state event.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/teamhashing/voicegateway/pkg/bridge"
	"github.com/teamhashing/voicegateway/pkg/channel"
	"github.com/teamhashing/voicegateway/pkg/config"
	"github.com/teamhashing/voicegateway/pkg/logging"
	"github.com/teamhashing/voicegateway/pkg/orchestrator"
	llmProvider "github.com/teamhashing/voicegateway/pkg/providers/llm"
	sttProvider "github.com/teamhashing/voicegateway/pkg/providers/stt"
	ttsProvider "github.com/teamhashing/voicegateway/pkg/providers/tts"
	"github.com/teamhashing/voicegateway/pkg/providers/wakeword"
	"github.com/teamhashing/voicegateway/pkg/session"
)

// allowAllAuthStore is the minimal stand-in for the out-of-scope
// auth/routing store (spec.md §6.1): every user is authorized, and the
// store is always reported non-empty. Swap for a real persisted store
// before deploying to a guild where that matters.
type allowAllAuthStore struct{}

func (allowAllAuthStore) IsAuthorized(guild orchestrator.GuildKey, user orchestrator.UserKey) bool {
	return true
}
func (allowAllAuthStore) AuthorizedCount(guild orchestrator.GuildKey) int { return 1 }

// staticMembershipView is a placeholder MembershipView that assumes at
// least one authorized human is always present. A real deployment wires
// this to the platform layer's own member cache so leave rules (spec.md
// §4.6) observe true channel occupancy.
type staticMembershipView struct{}

func (staticMembershipView) Membership(guild orchestrator.GuildKey, ch orchestrator.ChannelKey) channel.Membership {
	return channel.Membership{HumanCount: 1, AuthorizedCount: 1}
}

// staticMemberCounter is the placeholder session.MemberCounter paired with
// staticMembershipView above: it reports every channel as sparse, so the
// crowded-channel wake-word nuance never fires until a real platform
// adapter supplies true headcounts.
type staticMemberCounter struct{}

func (staticMemberCounter) NonBotMemberCount(guildID, channelID string) int { return 1 }

// noJoinBuilder reports that it cannot assemble a join request: without a
// real platform adapter there are no voice credentials to capture. It
// exists so the binary links and starts; auto-join attempts log and no-op
// until a real JoinRequestBuilder is substituted.
type noJoinBuilder struct{}

func (noJoinBuilder) Build(ctx context.Context, guild orchestrator.GuildKey, ch orchestrator.ChannelKey) (session.JoinRequest, error) {
	return session.JoinRequest{}, errors.New("no platform adapter configured: cannot capture voice credentials")
}

// defaultIdentity resolves every speaker to a generic display name; a real
// deployment supplies a platform-backed session.IdentityResolver that
// knows guild member display names and per-user agent routing.
type defaultIdentity struct{}

func (defaultIdentity) Resolve(guildID, userID string) session.SpeakerIdentity {
	return session.SpeakerIdentity{Name: "User#" + userID}
}

func main() {
	cfg := config.Load()
	logger := logging.NewSlogLogger(cfg.LogLevel)

	stt := buildSTT(cfg, logger)
	tts := ttsProvider.NewLokutorTTS(cfg.LokutorAPIKey)
	streamLLM := llmProvider.NewStreamingClient(apiKeyFor(cfg), cfg.LLMBaseURL, cfg.LLMModel, cfg.DefaultAgentID, logger)
	wakeWord := wakeword.New()

	br := bridge.New(cfg.BridgeURL, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	br.Start(ctx)
	if err := br.WaitConnected(ctx); err != nil {
		log.Fatalf("failed to connect to voice bridge at %s: %v", cfg.BridgeURL, err)
	}
	logger.Info("connected to voice bridge", "url", cfg.BridgeURL)

	allowlist := make(map[orchestrator.ChannelKey]struct{}, len(cfg.GlobalChannelAllowlist))
	for _, c := range cfg.GlobalChannelAllowlist {
		allowlist[orchestrator.ChannelKey(c)] = struct{}{}
	}

	newController := func(guild orchestrator.GuildKey) *session.Controller {
		ctrl := session.New(string(guild), br, session.Providers{
			STT:       stt,
			StreamLLM: streamLLM,
			TTS:       tts,
			WakeWord:  wakeWord,
		}, defaultIdentity{}, session.Config{
			WaitReadyTimeout: cfg.WaitReadyTimeout,
			PlayTimeout:      cfg.PlayTimeout,
			ShutdownGrace:    cfg.ShutdownGrace,
			RequireWakeWord:  cfg.RequireWakeWord,
			SentenceSilence:  cfg.SentenceSilence,
			Language:         cfg.Language,
		}, logger)
		ctrl.SetAuthGate(allowAllAuthStore{}, staticMemberCounter{})
		return ctrl
	}

	mgr := channel.New(channel.Config{
		AutoJoin:          true,
		GlobalAllowlist:   allowlist,
		DefaultInactivity: cfg.DefaultInactivity,
		NoAuthInactivity:  cfg.NoAuthInactivity,
	}, allowAllAuthStore{}, staticMembershipView{}, noJoinBuilder{}, newController, logger)

	logger.Info("voice gateway started; waiting for a platform adapter to drive channel.Manager")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	mgr.Shutdown(context.Background())
	br.Stop()
}

func apiKeyFor(cfg config.Config) string {
	switch cfg.LLMProvider {
	case "openai":
		return cfg.OpenAIAPIKey
	case "anthropic":
		return cfg.AnthropicAPIKey
	case "google":
		return cfg.GoogleAPIKey
	case "groq":
		fallthrough
	default:
		return cfg.GroqAPIKey
	}
}

func buildSTT(cfg config.Config, logger orchestrator.Logger) orchestrator.STTProvider {
	switch cfg.STTProvider {
	case "openai":
		return sttProvider.NewOpenAISTT(cfg.OpenAIAPIKey, "whisper-1")
	case "deepgram":
		return sttProvider.NewDeepgramSTT(cfg.DeepgramAPIKey)
	case "assemblyai":
		return sttProvider.NewAssemblyAISTT(cfg.AssemblyAIAPIKey)
	case "groq":
		fallthrough
	default:
		return sttProvider.NewGroqSTT(cfg.GroqAPIKey, "whisper-large-v3-turbo")
	}
}
