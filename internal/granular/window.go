package granular

import "math"

const (
	// LUTSize is the number of entries in a grain window table.
	LUTSize     = 4096
	tukeyAlpha  = 0.5
	silenceEps  = 0.001
	releaseStep = 0.015 // per sample, so fade time scales with sample rate
)

// WindowLUT is a precomputed Tukey (tapered cosine) grain envelope.
type WindowLUT [LUTSize]float32

// NewWindowLUT builds a Tukey window with the given taper fraction.
// alpha 0 is rectangular, 1 is a Hann window.
func NewWindowLUT(alpha float64) *WindowLUT {
	alpha = clamp(alpha, 0, 1)
	var w WindowLUT
	for i := range w {
		p := float64(i) / float64(LUTSize-1)
		w[i] = float32(tukey(p, alpha))
	}
	return &w
}

func tukey(p, alpha float64) float64 {
	if alpha <= 0 {
		return 1
	}
	half := alpha / 2
	switch {
	case p < half:
		return 0.5 * (1 + math.Cos(math.Pi*(2*p/alpha-1)))
	case p > 1-half:
		return 0.5 * (1 + math.Cos(math.Pi*(2*p/alpha-2/alpha+1)))
	default:
		return 1
	}
}

// At returns the window value for a phase into a grain. invGrainLen is
// (LUTSize-1)/grainLen.
func (w *WindowLUT) At(phase int, invGrainLen float64) float32 {
	idx := int(float64(phase) * invGrainLen)
	if idx >= LUTSize {
		idx = LUTSize - 1
	}
	return w[idx]
}
