// Package wakeword provides the WakeWordProvider the pipeline's auth gate
// consults (spec.md §4.3 stage 1). The wake-word model itself is an
// external collaborator (spec.md §1, §6.1); this package only supplies the
// interface binding and a fail-open stub for deployments that don't
// configure one.
package wakeword

import "github.com/teamhashing/voicegateway/pkg/orchestrator"

// NoneProvider is a fail-open WakeWordProvider: with no model configured,
// every utterance is treated as if the wake word were detected, mirroring
// original_source/clippy/audio/wake_word.py's behavior when the optional
// openwakeword dependency isn't installed (detect() returns true rather
// than silently dropping audio the pipeline otherwise can't process).
type NoneProvider struct{}

// New returns the fail-open stub. Plugging in a real detector means
// satisfying orchestrator.WakeWordProvider with a model-backed
// implementation and handing it to the Session Controller in place of
// this one; no concrete model binding ships here (out of scope, spec.md §1).
func New() *NoneProvider {
	return &NoneProvider{}
}

func (n *NoneProvider) Detect(frame []byte) (bool, error) {
	return true, nil
}

func (n *NoneProvider) Reset() {}

func (n *NoneProvider) Name() string {
	return "wakeword-none"
}

var _ orchestrator.WakeWordProvider = (*NoneProvider)(nil)
