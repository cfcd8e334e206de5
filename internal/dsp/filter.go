// Package dsp holds the small per-sample processors shared by the cassette
// chain and the synthesizer. Nothing here allocates after construction.
package dsp

import "math"

// CompressParams configures a soft-knee compressor stage.
type CompressParams struct {
	Mult   float32
	Thresh float32
	Ramp   float32
}

// Compress scales x by mult, then reduces the magnitude above thresh by ramp.
// The sign of the scaled input is preserved.
func Compress(x, mult, thresh, ramp float32) float32 {
	x *= mult
	ax := float32(math.Abs(float64(x)))
	if ax > thresh {
		ax = thresh + ramp*(ax-thresh)
	}
	if x >= 0 {
		return ax
	}
	return -ax
}

// CompressBlock applies Compress in place.
func CompressBlock(samples []float32, p CompressParams) {
	for i, x := range samples {
		samples[i] = Compress(x, p.Mult, p.Thresh, p.Ramp)
	}
}

// HighPass is a one-pole differencing filter: y[i] = a*(y[i-1] + x[i] - x[i-1]).
// The last input and output survive between blocks.
type HighPass struct {
	prevX float32
	prevY float32
}

// Process filters samples in place with the given alpha.
func (h *HighPass) Process(samples []float32, alpha float32) {
	for i, x := range samples {
		y := alpha * (h.prevY + x - h.prevX)
		h.prevX = x
		h.prevY = y
		samples[i] = y
	}
}

// Reset clears the carried history.
func (h *HighPass) Reset() {
	h.prevX = 0
	h.prevY = 0
}

// LowPass is one-pole smoothing: y[i] = y[i-1] + a*(x[i] - y[i-1]).
type LowPass struct {
	prevY float32
}

// Process filters samples in place with the given alpha.
func (l *LowPass) Process(samples []float32, alpha float32) {
	for i, x := range samples {
		l.prevY += alpha * (x - l.prevY)
		samples[i] = l.prevY
	}
}

// Step filters a single sample.
func (l *LowPass) Step(x, alpha float32) float32 {
	l.prevY += alpha * (x - l.prevY)
	return l.prevY
}

// Reset clears the carried history.
func (l *LowPass) Reset() {
	l.prevY = 0
}

// Clamp limits x to [-1, 1].
func Clamp(x float32) float32 {
	if x > 1 {
		return 1
	}
	if x < -1 {
		return -1
	}
	return x
}

// Lerp blends a toward b by t.
func Lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
