// Package cassette implements the tape: record buffers, the tape-head
// control loop, the playback coloring chain and the per-block orchestration
// that ties them to the host engine.
package cassette

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/loqalabs/loqa-cassette/internal/annotation"
	"github.com/loqalabs/loqa-cassette/internal/constants"
	"github.com/loqalabs/loqa-cassette/internal/dsp"
	"github.com/loqalabs/loqa-cassette/internal/host"
)

// State is the transport mode.
type State int

const (
	StatePaused State = iota
	StatePlaying
	StateRecording
)

func (s State) String() string {
	switch s {
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	case StateRecording:
		return "recording"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ParseState accepts the names produced by String.
func ParseState(s string) (State, error) {
	switch s {
	case "paused":
		return StatePaused, nil
	case "playing":
		return StatePlaying, nil
	case "recording":
		return StateRecording, nil
	default:
		return StatePaused, fmt.Errorf("unknown cassette state %q", s)
	}
}

const (
	// DefaultBufferSize holds 40 seconds of mono audio at 44.1kHz.
	DefaultBufferSize  = 44100 * 10 * 4
	DefaultBufferCount = 2
	DefaultBlockSize   = 4096

	// Above this tape speed the caption comes from the tape instead of the
	// live channels.
	velThreshold = 0.01

	defaultRecordNoise    = 0.01
	defaultPlaybackVolume = 1
)

// TextSource supplies a fallback caption, typically the speech synth.
type TextSource interface {
	TryGetText() (string, bool)
}

// Options sizes a DSP. Zero fields take the defaults above.
type Options struct {
	BufferSize  int
	BufferCount int
	// BlockSize preallocates the playback scratch buffer. Larger blocks grow
	// it once.
	BlockSize int
	// Seed drives the record dither.
	Seed uint64
}

// DSP is the block orchestrator. Everything except the annotation store is
// owned by the audio thread: callers on other goroutines must go through a
// facade that serializes access with the callback.
type DSP struct {
	consts   constants.Source
	store    *annotation.Store
	channels host.ChannelSource
	fallback TextSource

	buffers []*RecordBuffer
	active  int
	state   State

	control *Control
	dist    *Distortion

	current annotation.Value
	play    []float32
	rng     *rand.Rand
}

// NewDSP builds a paused cassette. store and channels may be nil.
func NewDSP(opts Options, consts constants.Source, store *annotation.Store, channels host.ChannelSource) *DSP {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.BufferCount <= 0 {
		opts.BufferCount = DefaultBufferCount
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	consts = constants.OrEmpty(consts)

	buffers := make([]*RecordBuffer, opts.BufferCount)
	for i := range buffers {
		buffers[i] = NewRecordBuffer(opts.BufferSize)
	}
	return &DSP{
		consts:   consts,
		store:    store,
		channels: channels,
		buffers:  buffers,
		control:  NewControl(float64(opts.BufferSize), consts),
		dist:     NewDistortion(consts),
		play:     make([]float32, opts.BlockSize),
		rng:      rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}
}

// SetTextSource installs the caption fallback used when neither the tape nor
// a live channel has one.
func (d *DSP) SetTextSource(ts TextSource) { d.fallback = ts }

// SetState switches transport mode. Entering PLAYING ramps the head up,
// anything else ramps it down. Recording starts at the head and leaves the
// head where recording stopped.
func (d *DSP) SetState(s State) {
	prev := d.state
	d.state = s
	buf := d.buffers[d.active]
	switch {
	case s == StateRecording && prev != StateRecording:
		buf.Seek(int(d.control.Pos()))
		d.control.SetVel(0)
	case s != StateRecording && prev == StateRecording:
		d.control.SetPos(float64(buf.Cursor()))
	}
	if s == StatePlaying {
		d.control.StartPlaying()
	} else {
		d.control.StopPlaying()
	}
}

func (d *DSP) State() State { return d.state }

// SetActive selects a side. Out-of-range ids select the last one.
func (d *DSP) SetActive(id int) {
	if id < 0 {
		id = 0
	}
	d.active = min(id, len(d.buffers)-1)
}

func (d *DSP) GetActive() int { return d.active }

// BufferCount returns the number of sides.
func (d *DSP) BufferCount() int { return len(d.buffers) }

// SetPlaybackRate sets the playing tape speed, clamped to >= 0.
func (d *DSP) SetPlaybackRate(rate float64) { d.control.SetTargetSpeed(rate) }

func (d *DSP) PlaybackRate() float64 { return d.control.TargetSpeed() }

// Seek moves the head and the active cursor to a fraction of the tape.
func (d *DSP) Seek(frac float64) {
	if math.IsNaN(frac) {
		return
	}
	frac = math.Max(0, math.Min(1, frac))
	buf := d.buffers[d.active]
	pos := frac * float64(buf.Len()-1)
	d.control.SetPos(pos)
	buf.Seek(int(pos))
}

// GetWaveform returns the interpolated sample at a fraction of the active
// tape, 0 outside [0, 1].
func (d *DSP) GetWaveform(pos float64) float32 {
	if !(pos >= 0 && pos <= 1) {
		return 0
	}
	buf := d.buffers[d.active]
	return buf.ReadPosInterpolate(pos * float64(buf.Len()-1))
}

// Overview fills dst with evenly spaced GetWaveform values across the tape.
func (d *DSP) Overview(dst []float32) {
	n := len(dst)
	if n == 1 {
		dst[0] = d.GetWaveform(0)
		return
	}
	for i := range dst {
		dst[i] = d.GetWaveform(float64(i) / float64(n-1))
	}
}

// CopyActive copies the active tape from slot 0 into dst.
func (d *DSP) CopyActive(dst []float32) int {
	return d.buffers[d.active].CopySamples(dst)
}

// GetActivePosition returns the active cursor as a fraction of the tape.
func (d *DSP) GetActivePosition() float64 { return d.buffers[d.active].GetPosition() }

// CurrentAnnotation is the caption chosen by the last block.
func (d *DSP) CurrentAnnotation() annotation.Value { return d.current }

// Control exposes the head for status reporting.
func (d *DSP) Control() *Control { return d.control }

// Register creates the processing node on engine.
func (d *DSP) Register(engine host.Engine) (host.Node, error) {
	node, err := engine.CreateProcessingNode(d.Callback)
	if err != nil {
		return nil, fmt.Errorf("could not create processing node: %w", err)
	}
	return node, nil
}

func (d *DSP) currentAnnotation() annotation.Value {
	if d.state != StateRecording && math.Abs(d.control.Vel()) > velThreshold {
		return d.buffers[d.active].ReadOffsetAnnotation(0)
	}
	if d.store != nil && d.channels != nil {
		for _, ch := range d.channels.Channels() {
			if !ch.Playing || !ch.HasSound {
				continue
			}
			// Only the first playing channel is consulted.
			if v := d.store.GetAnnotation(ch.SoundID, float64(ch.PositionMs)/1000); v.Valid {
				return v
			}
			break
		}
	}
	if d.fallback != nil {
		if text, ok := d.fallback.TryGetText(); ok {
			return annotation.Some(text)
		}
	}
	return annotation.Value{}
}

func (d *DSP) noise(amp float32) float32 {
	n := d.rng.Float32()
	if d.rng.IntN(2) == 0 {
		n = -n
	}
	return n * amp
}

// Callback processes one block of frames*channels interleaved samples. It
// updates the caption, mixes tape playback into out and either records the
// mono input or advances the head.
func (d *DSP) Callback(in, out []float32, frames, channels int) {
	if channels <= 0 || frames <= 0 {
		return
	}
	if limit := min(len(in), len(out)) / channels; frames > limit {
		frames = limit
	}

	d.current = d.currentAnnotation()
	buf := d.buffers[d.active]
	recording := d.state == StateRecording

	var play []float32
	if !recording {
		if cap(d.play) < frames {
			d.play = make([]float32, frames)
		}
		play = d.play[:frames]
		pos, vel := d.control.Pos(), d.control.Vel()
		for i := range play {
			play[i] = buf.ReadPosInterpolate(pos + float64(i)*vel)
		}
		d.dist.Run(play)
	}

	volume := float32(constants.DoubleOr(d.consts, "cassette_playback_volume", defaultPlaybackVolume))
	noiseAmp := float32(constants.DoubleOr(d.consts, "cassette_record_noise", defaultRecordNoise))
	inv := 1 / float32(channels)

	for f := 0; f < frames; f++ {
		var mono float32
		base := f * channels
		for c := 0; c < channels; c++ {
			x := in[base+c]
			mono += x * inv
			if play != nil {
				x += volume * play[f]
			}
			out[base+c] = dsp.Clamp(x)
		}
		if recording {
			buf.Push(mono+d.noise(noiseAmp), d.current)
		}
	}

	if !recording {
		d.control.Tick(float64(frames))
		buf.Seek(int(d.control.Pos()))
	}
}
