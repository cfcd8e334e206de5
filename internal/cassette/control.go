package cassette

import (
	"math"

	"github.com/loqalabs/loqa-cassette/internal/constants"
)

const (
	defaultWeightDivisor = 22050
	defaultDecelMult     = 1.8
	stoppedSpeed         = 0.001
)

// Control integrates the tape head. Velocity is in samples per sample and
// eases toward the target rather than jumping, so play and pause ramp like a
// motor spinning up and down.
type Control struct {
	consts constants.Source

	length  float64
	pos     float64
	vel     float64
	speed   float64
	playing bool
}

// NewControl returns a stopped head on a tape of length samples.
func NewControl(length float64, consts constants.Source) *Control {
	if length <= 0 {
		length = 1
	}
	return &Control{consts: constants.OrEmpty(consts), length: length, speed: 1}
}

func (c *Control) StartPlaying() { c.playing = true }
func (c *Control) StopPlaying() { c.playing = false }
func (c *Control) Playing() bool { return c.playing }

// SetPos places the head, reduced modulo the tape length.
func (c *Control) SetPos(pos float64) { c.pos = c.wrap(pos) }

func (c *Control) SetVel(vel float64) { c.vel = vel }
func (c *Control) Pos() float64 { return c.pos }
func (c *Control) Vel() float64 { return c.vel }
func (c *Control) Length() float64 { return c.length }

// SetTargetSpeed sets the velocity approached while playing. Negative
// speeds are clamped to 0.
func (c *Control) SetTargetSpeed(speed float64) {
	if speed < 0 || math.IsNaN(speed) {
		speed = 0
	}
	c.speed = speed
}

// TargetSpeed returns the configured playing speed.
func (c *Control) TargetSpeed() float64 { return c.speed }

// TargetVel is the speed while playing and 0 otherwise.
func (c *Control) TargetVel() float64 {
	if c.playing {
		return c.speed
	}
	return 0
}

// Tick advances dt samples. The blend factor is dt times the base weight
// (1/cassette_control_weight_divisor), or that weight scaled by
// cassette_control_weight_decel_mult when the target is stopped. It is
// capped at 1 so velocity never passes the target.
func (c *Control) Tick(dt float64) {
	if dt == 0 {
		return
	}
	target := c.TargetVel()

	div := constants.DoubleOr(c.consts, "cassette_control_weight_divisor", defaultWeightDivisor)
	if div == 0 {
		div = 1
	}
	weight := 1 / div
	if math.Abs(target) <= stoppedSpeed {
		weight *= constants.DoubleOr(c.consts, "cassette_control_weight_decel_mult", defaultDecelMult)
	}

	alpha := math.Abs(dt * weight)
	if alpha > 1 {
		alpha = 1
	}
	c.vel += (target - c.vel) * alpha
	c.pos = c.wrap(c.pos + c.vel*dt)
}

func (c *Control) wrap(pos float64) float64 {
	pos = math.Mod(pos, c.length)
	if pos < 0 {
		pos += c.length
	}
	return pos
}
