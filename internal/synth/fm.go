// Package synth generates the procedural voice: a small enveloped oscillator
// and a character-timed state machine that keys it.
package synth

import (
	"math"
	"strings"

	"github.com/loqalabs/loqa-cassette/internal/dsp"
)

const twoPi = 2 * math.Pi

// Wave selects the oscillator shape.
type Wave int

const (
	WaveSin Wave = iota
	WaveSaw
	WavePulse
)

func (w Wave) String() string {
	switch w {
	case WaveSin:
		return "sin"
	case WaveSaw:
		return "saw"
	default:
		return "pulse"
	}
}

// ParseWave maps sin and saw (any case); anything else is a pulse.
func ParseWave(s string) Wave {
	switch {
	case strings.EqualFold(s, "sin"):
		return WaveSin
	case strings.EqualFold(s, "saw"):
		return WaveSaw
	default:
		return WavePulse
	}
}

// Config shapes one note. Envelope times are in samples.
type Config struct {
	Amp dsp.ASDR
	// AmpSmooth and FreqSmooth are divisors: 1 follows the target
	// immediately, larger values glide.
	AmpSmooth  float64
	Wave       Wave
	PulseWidth float64 // radians of phase where the pulse is high
	Freq       float64 // Hz
	FreqSmooth float64

	LowPassAlpha float64
	Volume       float64
}

// DefaultConfig is a sine at 1Hz with no smoothing and an open filter.
func DefaultConfig() Config {
	return Config{
		AmpSmooth:    1,
		Wave:         WaveSin,
		Freq:         1,
		FreqSmooth:   1,
		LowPassAlpha: 1,
		Volume:       1,
	}
}

// FMSynth is a single-voice oscillator with an amplitude envelope, glide on
// amplitude and frequency, and a one-pole low-pass on the output. It is not
// safe for concurrent use.
type FMSynth struct {
	sampleRate float64
	cfg        Config
	pitch      float64
	enabled    bool

	env     dsp.Envelope
	lowPass dsp.LowPass
	phase   float64
	amp     float64
	freq    float64

	keydown bool
}

// NewFMSynth returns an enabled synth at sampleRate.
func NewFMSynth(sampleRate int) *FMSynth {
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	return &FMSynth{
		sampleRate: float64(sampleRate),
		cfg:        DefaultConfig(),
		pitch:      1,
		enabled:    true,
		freq:       1,
	}
}

func (s *FMSynth) Config() Config { return s.cfg }
func (s *FMSynth) SetConfig(c Config) { s.cfg = c }

// ConfigMut gives in-place access for per-note tweaks.
func (s *FMSynth) ConfigMut() *Config { return &s.cfg }

func (s *FMSynth) SetEnabled(enabled bool) { s.enabled = enabled }
func (s *FMSynth) Enabled() bool { return s.enabled }

// SetPitch multiplies the configured frequency. Non-positive values reset it
// to 1.
func (s *FMSynth) SetPitch(p float64) {
	if p <= 0 || math.IsNaN(p) || math.IsInf(p, 0) {
		p = 1
	}
	s.pitch = p
}

func (s *FMSynth) Pitch() float64 { return s.pitch }

// SetKeydown gates the envelope. Repeating the current state is a no-op.
func (s *FMSynth) SetKeydown(down bool) {
	if down == s.keydown {
		return
	}
	s.keydown = down
	s.env.Gate(down)
}

func (s *FMSynth) Keydown() bool { return s.keydown }

// Freq returns the current, smoothed, oscillator frequency.
func (s *FMSynth) Freq() float64 { return s.freq }

// Amp returns the current smoothed amplitude.
func (s *FMSynth) Amp() float64 { return s.amp }

// Next generates one sample.
func (s *FMSynth) Next() float32 {
	level := s.env.Next(s.cfg.Amp)
	s.amp += (level - s.amp) / smoothing(s.cfg.AmpSmooth)
	s.freq += (s.cfg.Freq*s.pitch - s.freq) / smoothing(s.cfg.FreqSmooth)

	var x float64
	switch s.cfg.Wave {
	case WaveSin:
		x = math.Sin(s.phase)
	case WaveSaw:
		x = s.phase/math.Pi - 1
	default:
		if s.phase < s.cfg.PulseWidth {
			x = 1
		} else {
			x = -1
		}
	}

	s.phase += twoPi * s.freq / s.sampleRate
	if s.phase >= twoPi || s.phase < 0 {
		s.phase = math.Mod(s.phase, twoPi)
		if s.phase < 0 {
			s.phase += twoPi
		}
	}

	return s.lowPass.Step(float32(x*s.amp), float32(s.cfg.LowPassAlpha)) * float32(s.cfg.Volume)
}

// FillBuffer overwrites buf with mono samples, or silence while disabled.
func (s *FMSynth) FillBuffer(buf []float32) {
	if !s.enabled {
		for i := range buf {
			buf[i] = 0
		}
		return
	}
	for i := range buf {
		buf[i] = s.Next()
	}
}

// MixInto adds the synth to every channel of frames*channels interleaved
// samples.
func (s *FMSynth) MixInto(dst []float32, frames, channels int) {
	if !s.enabled || channels <= 0 {
		return
	}
	if limit := len(dst) / channels; frames > limit {
		frames = limit
	}
	for f := 0; f < frames; f++ {
		y := s.Next()
		base := f * channels
		for c := 0; c < channels; c++ {
			dst[base+c] += y
		}
	}
}

// Idle reports whether the envelope has fully released.
func (s *FMSynth) Idle() bool {
	return !s.keydown && s.env.Stage() == dsp.StageIdle && math.Abs(s.amp) < 1e-6
}

func smoothing(k float64) float64 {
	if k < 1 || math.IsNaN(k) {
		return 1
	}
	return k
}
