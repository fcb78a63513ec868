package orchestrator

import "math"

// ThinkingToneFrequency is the pitch of the soft tone played while the LLM
// is composing a reply, giving the user feedback that something is
// happening during what would otherwise be dead air.
const ThinkingToneFrequency = 220.0 // Hz, a low A

// GenerateThinkingTone renders durationMs of 16-bit mono PCM at sampleRate
// using a raised-cosine envelope ((1-cos)/2) instead of a hard-edged sine
// burst, so looped playback doesn't click at the loop boundary.
func GenerateThinkingTone(sampleRate int, durationMs int) []byte {
	n := sampleRate * durationMs / 1000
	out := make([]byte, n*2)

	for i := 0; i < n; i++ {
		t := float64(i) / float64(sampleRate)
		phase := 2 * math.Pi * ThinkingToneFrequency * t

		envelopePhase := 2 * math.Pi * float64(i) / float64(n)
		envelope := (1 - math.Cos(envelopePhase)) / 2

		sample := math.Sin(phase) * envelope * 0.2 // keep it quiet
		v := int16(sample * 32767)
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}

	return out
}
