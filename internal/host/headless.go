package host

import (
	"context"
	"sync"
	"time"
)

// HeadlessEngine drives a node without a device. Blocks run either on demand
// through Pump or on a wall-clock ticker through Run.
type HeadlessEngine struct {
	sampleRate int
	channels   int
	frames     int

	slot Slot

	mu      sync.Mutex
	node    *headlessNode
	scratch []float32
}

// NewHeadless returns an engine with the given geometry. Non-positive values
// fall back to 44100 Hz, stereo, 512 frames.
func NewHeadless(sampleRate, channels, frames int) *HeadlessEngine {
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	if channels <= 0 {
		channels = 2
	}
	if frames <= 0 {
		frames = 512
	}
	return &HeadlessEngine{
		sampleRate: sampleRate,
		channels:   channels,
		frames:     frames,
		scratch:    make([]float32, frames*channels),
	}
}

func (e *HeadlessEngine) SampleRate() int { return e.sampleRate }
func (e *HeadlessEngine) Channels() int { return e.channels }

// FramesPerBlock returns the block length used by Run.
func (e *HeadlessEngine) FramesPerBlock() int { return e.frames }

// CreateProcessingNode registers cb. The node does nothing until Start.
func (e *HeadlessEngine) CreateProcessingNode(cb BlockCallback) (Node, error) {
	if cb == nil {
		return nil, ErrNilCallback
	}
	n := &headlessNode{engine: e, cb: cb}
	if err := e.slot.Claim(n); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.node = n
	e.mu.Unlock()
	return n, nil
}

// Pump runs one block of len(out)/channels frames. in may be shorter than out
// or nil; missing input reads as silence. It returns ErrClosed when no started
// node is registered.
func (e *HeadlessEngine) Pump(in, out []float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.node
	if n == nil || !n.started {
		return ErrClosed
	}
	frames := len(out) / e.channels
	size := frames * e.channels
	if cap(e.scratch) < size {
		e.scratch = make([]float32, size)
	}
	buf := e.scratch[:size]
	c := copy(buf, in)
	for i := c; i < size; i++ {
		buf[i] = 0
	}
	n.cb(buf, out[:size], frames, e.channels)
	return nil
}

// Run pumps one block per block period until ctx is done or the node closes.
// feed fills the input block (nil for silence); sink receives each output
// block (nil to discard). Both run on the engine goroutine.
func (e *HeadlessEngine) Run(ctx context.Context, feed func(in []float32), sink func(out []float32)) error {
	period := time.Duration(float64(time.Second) * float64(e.frames) / float64(e.sampleRate))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	in := make([]float32, e.frames*e.channels)
	out := make([]float32, e.frames*e.channels)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if feed != nil {
				feed(in)
			}
			if err := e.Pump(in, out); err != nil {
				return err
			}
			if sink != nil {
				sink(out)
			}
		}
	}
}

type headlessNode struct {
	engine  *HeadlessEngine
	cb      BlockCallback
	started bool
}

func (n *headlessNode) Start() error {
	n.engine.mu.Lock()
	defer n.engine.mu.Unlock()
	if n.engine.node != n {
		return ErrClosed
	}
	n.started = true
	return nil
}

func (n *headlessNode) Close() error {
	n.engine.mu.Lock()
	if n.engine.node == n {
		n.engine.node = nil
	}
	n.started = false
	n.engine.mu.Unlock()
	n.engine.slot.Release(n)
	return nil
}
