package audio

import "testing"

func int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

func TestDownsample48kStereoTo16kMonoLength(t *testing.T) {
	// 9 stereo frames (18 int16 samples) -> 9 mono samples -> 3 output samples
	samples := make([]int16, 18)
	for i := range samples {
		samples[i] = 1000
	}
	raw := int16ToBytes(samples)

	out := Downsample48kStereoTo16kMono(raw)
	if len(out) != 6 {
		t.Fatalf("expected 6 bytes (3 samples), got %d", len(out))
	}
}

func TestDownsample48kStereoTo16kMonoAverages(t *testing.T) {
	// Constant-amplitude stereo signal should downsample to the same amplitude.
	samples := make([]int16, 600)
	for i := range samples {
		samples[i] = 2000
	}
	raw := int16ToBytes(samples)

	out := Downsample48kStereoTo16kMono(raw)
	for i := 0; i < len(out)/2; i++ {
		v := int16(out[2*i]) | int16(out[2*i+1])<<8
		if v != 2000 {
			t.Fatalf("sample %d: expected 2000, got %d", i, v)
		}
	}
}

func TestRMS16Silence(t *testing.T) {
	data := make([]byte, 200)
	if rms := RMS16(data); rms != 0 {
		t.Errorf("expected 0 RMS for silence, got %f", rms)
	}
}

func TestRMS16ConstantSignal(t *testing.T) {
	samples := make([]int16, 100)
	for i := range samples {
		samples[i] = 1000
	}
	data := int16ToBytes(samples)
	if rms := RMS16(data); rms != 1000 {
		t.Errorf("expected 1000 RMS, got %f", rms)
	}
}
