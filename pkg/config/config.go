// Package config loads the gateway's runtime configuration from the
// environment (and an optional .env file), mirroring the provider-switch
// pattern cmd/agent/main.go uses, extended with the bridge/session knobs
// the multi-guild gateway needs. Per-guild overrides (channel allowlists,
// per-user agent routing, voice preferences) live in the auth/routing
// store, not here: this struct is the immutable, process-wide baseline.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/teamhashing/voicegateway/pkg/orchestrator"
)

// Config is the immutable baseline the gateway is constructed from. Runtime
// per-guild overrides belong in the auth/routing store (admin commands),
// never here, per spec.md Design Notes "Global frozen config".
type Config struct {
	BridgeURL string

	STTProvider string
	LLMProvider string
	TTSProvider string

	GroqAPIKey       string
	OpenAIAPIKey     string
	AnthropicAPIKey  string
	GoogleAPIKey     string
	DeepgramAPIKey   string
	AssemblyAIAPIKey string
	LokutorAPIKey    string
	LLMBaseURL       string
	LLMModel         string
	DefaultAgentID   string

	Language orchestrator.Language

	WaitReadyTimeout     time.Duration
	PlayTimeout          time.Duration
	SentenceSilence      time.Duration
	ShutdownGrace        time.Duration
	DefaultInactivity    time.Duration
	NoAuthInactivity     time.Duration
	RequireWakeWord      bool
	WakeWordCrowdMinSize int

	GlobalChannelAllowlist []string

	LogLevel string
}

// Load reads process environment variables (after attempting to load a
// .env file, ignored if absent) into a Config with the teacher's defaults
// preserved wherever the spec doesn't override them.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	cfg := Config{
		BridgeURL: getenv("VOICE_BRIDGE_URL", "ws://127.0.0.1:8765/ws"),

		STTProvider: getenv("STT_PROVIDER", "groq"),
		LLMProvider: getenv("LLM_PROVIDER", "groq"),
		TTSProvider: getenv("TTS_PROVIDER", "lokutor"),

		GroqAPIKey:       os.Getenv("GROQ_API_KEY"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		GoogleAPIKey:     os.Getenv("GOOGLE_API_KEY"),
		DeepgramAPIKey:   os.Getenv("DEEPGRAM_API_KEY"),
		AssemblyAIAPIKey: os.Getenv("ASSEMBLYAI_API_KEY"),
		LokutorAPIKey:    os.Getenv("LOKUTOR_API_KEY"),
		LLMBaseURL:       getenv("LLM_BASE_URL", "https://api.groq.com/openai/v1"),
		LLMModel:         getenv("LLM_MODEL", "llama-3.3-70b-versatile"),
		DefaultAgentID:   os.Getenv("DEFAULT_AGENT_ID"),

		Language: orchestrator.Language(getenv("AGENT_LANGUAGE", string(orchestrator.LanguageEn))),

		WaitReadyTimeout:     getenvDuration("BRIDGE_READY_TIMEOUT", 15*time.Second),
		PlayTimeout:          getenvDuration("BRIDGE_PLAY_TIMEOUT", 30*time.Second),
		SentenceSilence:      getenvDuration("SENTENCE_SILENCE", 250*time.Millisecond),
		ShutdownGrace:        getenvDuration("SESSION_SHUTDOWN_GRACE", 2*time.Second),
		DefaultInactivity:    getenvDuration("INACTIVITY_TIMEOUT", 300*time.Second),
		NoAuthInactivity:     getenvDuration("NO_AUTH_INACTIVITY_TIMEOUT", 30*time.Second),
		RequireWakeWord:      getenvBool("REQUIRE_WAKE_WORD", false),
		WakeWordCrowdMinSize: getenvInt("WAKE_WORD_CROWD_MIN_SIZE", 2),

		GlobalChannelAllowlist: splitCSV(os.Getenv("CHANNEL_ALLOWLIST")),

		LogLevel: getenv("LOG_LEVEL", "info"),
	}

	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
