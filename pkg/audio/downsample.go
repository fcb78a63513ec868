package audio

// Downsample48kStereoTo16kMono converts 48kHz stereo 16-bit PCM (the format
// Discord voice delivers once decoded) to 16kHz mono 16-bit PCM, the format
// every STT provider here expects.
//
// The stereo-to-mono step averages the L/R pair. The 48kHz-to-16kHz step
// averages each block of 3 consecutive mono samples rather than picking
// every third one outright: plain decimation aliases high-frequency energy
// back into the speech band, and averaging acts as a crude low-pass filter
// that avoids it.
func Downsample48kStereoTo16kMono(raw []byte) []byte {
	n := len(raw) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(raw[2*i]) | int16(raw[2*i+1])<<8
	}

	var mono []int16
	if len(samples)%2 == 0 {
		mono = make([]int16, len(samples)/2)
		for i := range mono {
			l := int32(samples[2*i])
			r := int32(samples[2*i+1])
			mono[i] = int16((l + r) / 2)
		}
	} else {
		mono = samples
	}

	outLen := len(mono) / 3
	out := make([]byte, outLen*2)
	for i := 0; i < outLen; i++ {
		a := int32(mono[3*i])
		b := int32(mono[3*i+1])
		c := int32(mono[3*i+2])
		avg := int16((a + b + c) / 3)
		out[2*i] = byte(avg)
		out[2*i+1] = byte(avg >> 8)
	}
	return out
}
