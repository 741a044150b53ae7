package dsp

import "math"

// Q15 is a signed 1.15 fixed point sample.
type Q15 = int16

const q15Scale = 32768.0

// FromFloat converts a float in [-1, 1) to Q15, saturating outside it.
func FromFloat(x float32) Q15 {
	v := math.Round(float64(x) * q15Scale)
	if v >= math.MaxInt16 {
		return math.MaxInt16
	}
	if v <= math.MinInt16 {
		return math.MinInt16
	}
	return Q15(v)
}

func ToFloat(q Q15) float32 {
	return float32(q) / q15Scale
}

// MulQ15 multiplies two Q15 values with rounding and saturation.
func MulQ15(a, b Q15) Q15 {
	p := (int32(a)*int32(b) + 1<<14) >> 15
	if p > math.MaxInt16 {
		return math.MaxInt16
	}
	if p < math.MinInt16 {
		return math.MinInt16
	}
	return Q15(p)
}

// Control voltages use 512 units per semitone; note 64 is 0.
const VOctPerSemitone = 512

func MIDINoteToVOct(note uint8) int16 {
	return (int16(note) - 64) * VOctPerSemitone
}

func VOctToFreqScale(voct float32) float32 {
	return float32(math.Pow(2, float64(voct)/(VOctPerSemitone*12)))
}

// VOctToFrequency maps a control voltage to Hz; note 69 (A4) is 440 Hz.
func VOctToFrequency(voct float32) float32 {
	return 440 * VOctToFreqScale(voct-5*VOctPerSemitone)
}

// SoftClip is a rational tanh approximation clamped to [-3, 3].
func SoftClip(x float32) float32 {
	y := x
	if y < -3 {
		y = -3
	} else if y > 3 {
		y = 3
	}
	return y * (27 + y*y) / (27 + 9*y*y)
}
