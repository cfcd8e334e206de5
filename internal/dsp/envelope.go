package dsp

// Stage is the current segment of an Envelope.
type Stage int

const (
	StageIdle Stage = iota
	StageAttack
	StageDecay
	StageSustain
	StageRelease
)

// ASDR times are measured in samples; Sustain is a level in [0, 1].
type ASDR struct {
	Attack  float64
	Decay   float64
	Sustain float64
	Release float64
}

// Envelope is a linear attack/decay/sustain/release generator stepped once per
// sample.
type Envelope struct {
	stage       Stage
	level       float64
	releaseFrom float64
}

// Gate opens (attack) or closes (release) the envelope. Re-opening keeps the
// current level so retriggers do not click.
func (e *Envelope) Gate(on bool) {
	if on {
		e.stage = StageAttack
		return
	}
	if e.stage != StageIdle {
		e.stage = StageRelease
		e.releaseFrom = e.level
	}
}

// Stage reports the active segment.
func (e *Envelope) Stage() Stage { return e.stage }

// Level reports the last generated level.
func (e *Envelope) Level() float64 { return e.level }

// Next advances one sample and returns the new level.
func (e *Envelope) Next(cfg ASDR) float64 {
	sustain := cfg.Sustain
	if sustain < 0 {
		sustain = 0
	} else if sustain > 1 {
		sustain = 1
	}

	switch e.stage {
	case StageAttack:
		if cfg.Attack <= 0 {
			e.level = 1
		} else {
			e.level += 1 / cfg.Attack
		}
		if e.level >= 1 {
			e.level = 1
			e.stage = StageDecay
		}
	case StageDecay:
		if cfg.Decay <= 0 {
			e.level = sustain
		} else {
			e.level -= (1 - sustain) / cfg.Decay
		}
		if e.level <= sustain {
			e.level = sustain
			e.stage = StageSustain
		}
	case StageSustain:
		e.level = sustain
	case StageRelease:
		if cfg.Release <= 0 || e.releaseFrom <= 0 {
			e.level = 0
		} else {
			e.level -= e.releaseFrom / cfg.Release
		}
		if e.level <= 0 {
			e.level = 0
			e.stage = StageIdle
		}
	}
	return e.level
}
