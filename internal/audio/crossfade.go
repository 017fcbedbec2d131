package audio

// Smoothstep returns the smoothstep interpolation for t in [0,1].
// Formula: 3t^2 - 2t^3.
func Smoothstep(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

// MixFrame adds src into acc while the gain moves from one level to the
// next along a smoothstep curve. Both channels of a sample pair get the
// same gain. len(acc) must be at least len(src).
func MixFrame(acc []int32, src []int16, from, to float64) {
	pairs := len(src) / Channels
	if pairs == 0 {
		return
	}
	for p := 0; p < pairs; p++ {
		gain := to
		if from != to {
			gain = from + (to-from)*Smoothstep(float64(p)/float64(pairs))
		}
		for c := 0; c < Channels; c++ {
			i := p*Channels + c
			acc[i] += int32(float64(src[i]) * gain)
		}
	}
}

// Clip converts an accumulator to int16, saturating at the int16 range.
func Clip(acc []int32) []int16 {
	out := make([]int16, len(acc))
	for i, v := range acc {
		switch {
		case v > 32767:
			out[i] = 32767
		case v < -32768:
			out[i] = -32768
		default:
			out[i] = int16(v)
		}
	}
	return out
}
