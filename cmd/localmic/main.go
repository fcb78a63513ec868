// Command localmic is a local dev harness: it drives the same pkg/sink and
// pkg/orchestrator pipeline the production gateway uses (epoch invalidation,
// single-flight turns, barge-in), but talks to the machine's own microphone
// and speakers via gen2brain/malgo instead of the voice bridge, so the
// conversation loop can be exercised without Discord or a running bridge
// process.
package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/teamhashing/voicegateway/pkg/config"
	"github.com/teamhashing/voicegateway/pkg/logging"
	"github.com/teamhashing/voicegateway/pkg/orchestrator"
	llmProvider "github.com/teamhashing/voicegateway/pkg/providers/llm"
	sttProvider "github.com/teamhashing/voicegateway/pkg/providers/stt"
	ttsProvider "github.com/teamhashing/voicegateway/pkg/providers/tts"
	"github.com/teamhashing/voicegateway/pkg/sink"
)

// captureSampleRate/captureChannels match what pkg/sink's fallback VAD path
// (Sink.Write, downmixForRMS) assumes: 48kHz stereo frames.
const (
	captureSampleRate = 48000
	captureChannels   = 2
	localUserID       = "local-mic"
)

// noopLLM satisfies orchestrator.LLMProvider for a session that only ever
// drives the streaming path (mirrors pkg/session.Controller's own stand-in).
type noopLLM struct{}

func (noopLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	return "", fmt.Errorf("non-streaming completion not supported by localmic")
}
func (noopLLM) Name() string { return "none" }

func main() {
	cfg := config.Load()
	logger := logging.NewSlogLogger(cfg.LogLevel)

	stt := buildSTT(cfg, logger)
	tts := ttsProvider.NewLokutorTTS(cfg.LokutorAPIKey)
	streamLLM := llmProvider.NewStreamingClient(apiKeyFor(cfg), cfg.LLMBaseURL, cfg.LLMModel, cfg.DefaultAgentID, logger)

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.Language = cfg.Language
	orch := orchestrator.NewWithLogger(stt, noopLLM{}, tts, nil, orchCfg, logger)
	orch.SetStreamingLLM(streamLLM)

	session := orch.NewSessionWithDefaults(localUserID)
	systemPrompt := "You are a helpful and concise voice assistant. Use short sentences suitable for speech."
	if cfg.Language == orchestrator.LanguageEs {
		systemPrompt = "Eres un asistente de voz útil y conciso. Usa frases cortas adecuadas para el habla."
	}
	orch.SetSystemPrompt(session, systemPrompt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	player := newLocalPlayer()

	pr := orchestrator.NewPipelineRun(ctx, orch, session, player.play, nil)
	defer pr.Close()

	var s *sink.Sink
	s = sink.New(func(userID string, pcm16Mono16k []byte, epoch uint64) {
		meta := orchestrator.TurnMeta{
			SessionID:  "local:" + userID,
			SenderName: "Local user",
			SenderID:   userID,
		}
		pr.HandleUtterance(meta, pcm16Mono16k, epoch, s.Epoch)
	}, logger)
	defer s.Close()

	pr.SetDrain(func() { s.Drain() }, cfg.SentenceSilence)

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer mctx.Uninit()

	captureConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	captureConfig.Capture.Format = malgo.FormatS16
	captureConfig.Capture.Channels = captureChannels
	captureConfig.SampleRate = captureSampleRate
	captureConfig.Alsa.NoMMap = 1

	var rmsMu sync.Mutex
	lastRMS := 0.0

	onCapture := func(pOutput, pInput []byte, frameCount uint32) {
		if len(pInput) == 0 {
			return
		}

		rms := frameRMS(pInput)
		rmsMu.Lock()
		lastRMS = rms
		rmsMu.Unlock()

		// Genuine barge-in: the bot is mid-playback and the mic picked up
		// speech loud enough that it isn't just room echo of the bot's own
		// output (spec.md §4.4, mirrored here from pkg/session.Controller's
		// bridge speaking_start handling since there is no bridge here).
		if pr.IsSpeaking() && rms > sink.PlaybackSpeechThreshold {
			pr.Interrupt()
			player.stop()
		}

		s.SetPlaybackActive(pr.IsSpeaking())
		s.Write(localUserID, pInput)
	}

	captureDevice, err := malgo.InitDevice(mctx.Context, captureConfig, malgo.DeviceCallbacks{
		Data: onCapture,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer captureDevice.Uninit()

	playbackConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	playbackConfig.Playback.Format = malgo.FormatS16
	playbackConfig.Playback.Channels = 1
	playbackConfig.SampleRate = uint32(orch.GetConfig().SampleRate)
	playbackConfig.Alsa.NoMMap = 1

	playbackDevice, err := malgo.InitDevice(mctx.Context, playbackConfig, malgo.DeviceCallbacks{
		Data: func(pOutput, pInput []byte, frameCount uint32) {
			player.pull(pOutput)
		},
	})
	if err != nil {
		log.Fatal(err)
	}
	defer playbackDevice.Uninit()

	if err := captureDevice.Start(); err != nil {
		log.Fatal(err)
	}
	defer captureDevice.Stop()
	if err := playbackDevice.Start(); err != nil {
		log.Fatal(err)
	}
	defer playbackDevice.Stop()

	fmt.Printf("Configured: STT=%s | LLM=%s | TTS=Lokutor | Language=%s\n", cfg.STTProvider, cfg.LLMProvider, cfg.Language)
	fmt.Println("Voice agent started; listening to microphone. Press Ctrl+C to exit.")

	go func() {
		for {
			rmsMu.Lock()
			level := lastRMS
			rmsMu.Unlock()
			dots := int(level / 200)
			if dots > 40 {
				dots = 40
			}
			meter := ""
			for i := 0; i < dots; i++ {
				meter += "|"
			}
			fmt.Printf("\r[MIC ENERGY: %-40s]", meter)
			time.Sleep(100 * time.Millisecond)
		}
	}()

	go func() {
		for event := range pr.Events() {
			switch event.Type {
			case orchestrator.BotThinking:
				fmt.Printf("\r\033[K[LLM] Thinking...\n")
			case orchestrator.BotSpeaking:
				fmt.Printf("\r\033[K[TTS] Speaking...\n")
			case orchestrator.Interrupted:
				fmt.Printf("\r\033[K[INTERRUPTED] barge-in detected.\n")
			case orchestrator.ErrorEvent:
				fmt.Printf("\r\033[K[ERROR] %v\n", event.Data)
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("\nShutting down...")
}

// localPlayer buffers WAV-framed pipeline output for the playback device's
// pull callback, standing in for the bridge's blocking Play call: play
// blocks until the buffered PCM has actually been drained by the device, or
// stop clears it early on barge-in.
type localPlayer struct {
	mu  sync.Mutex
	buf []byte
	gen uint64
}

func newLocalPlayer() *localPlayer { return &localPlayer{} }

func (p *localPlayer) play(ctx context.Context, wav []byte) error {
	pcm := stripWAVHeader(wav)
	p.mu.Lock()
	p.buf = append(p.buf, pcm...)
	myGen := p.gen
	p.mu.Unlock()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		remaining := len(p.buf)
		stopped := p.gen != myGen
		p.mu.Unlock()
		if stopped || remaining == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *localPlayer) stop() {
	p.mu.Lock()
	p.buf = nil
	p.gen++
	p.mu.Unlock()
}

func (p *localPlayer) pull(out []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := copy(out, p.buf)
	p.buf = p.buf[n:]
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}

// stripWAVHeader drops the 44-byte canonical PCM header audio.NewWavBuffer
// writes, leaving the raw little-endian 16-bit samples the playback device
// callback expects.
func stripWAVHeader(wav []byte) []byte {
	const canonicalHeaderLen = 44
	if len(wav) <= canonicalHeaderLen {
		return nil
	}
	return wav[canonicalHeaderLen:]
}

func frameRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
		f := float64(sample)
		sum += f * f
	}
	return math.Sqrt(sum / float64(n))
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
