// Package oto drives the cassette from an oto output stream. There is no
// capture, so the callback always sees a silent input.
package oto

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/ebitengine/oto/v3"

	"github.com/loqalabs/loqa-cassette/internal/host"
)

const bytesPerSample = 4

// Options selects the output format.
type Options struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
}

// Engine implements host.Engine on an oto context. oto allows one context
// per process.
type Engine struct {
	opts Options
	log  *slog.Logger
	ctx  *oto.Context
	slot host.Slot
}

// New creates the oto context and waits until the device is ready.
func New(opts Options, log *slog.Logger) (*Engine, error) {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 44100
	}
	if opts.Channels <= 0 {
		opts.Channels = 2
	}
	if opts.FramesPerBuffer <= 0 {
		opts.FramesPerBuffer = 512
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   opts.SampleRate,
		ChannelCount: opts.Channels,
		Format:       oto.FormatFloat32LE,
	})
	if err != nil {
		return nil, fmt.Errorf("create oto context: %w", err)
	}
	<-ready
	return &Engine{opts: opts, log: log.With(slog.String("component", "oto")), ctx: ctx}, nil
}

func (e *Engine) SampleRate() int { return e.opts.SampleRate }
func (e *Engine) Channels() int { return e.opts.Channels }

// CreateProcessingNode returns a player whose reads are served by cb.
func (e *Engine) CreateProcessingNode(cb host.BlockCallback) (host.Node, error) {
	if cb == nil {
		return nil, host.ErrNilCallback
	}
	size := e.opts.FramesPerBuffer * e.opts.Channels
	n := &node{
		engine: e,
		source: &source{cb: cb, channels: e.opts.Channels, in: make([]float32, size), out: make([]float32, size)},
	}
	if err := e.slot.Claim(n); err != nil {
		return nil, err
	}
	n.player = e.ctx.NewPlayer(n.source)
	e.log.Info("player created", slog.Int("sample_rate", e.opts.SampleRate), slog.Int("channels", e.opts.Channels))
	return n, nil
}

// source adapts a block callback to the io.Reader oto pulls PCM from.
type source struct {
	cb       host.BlockCallback
	channels int
	in       []float32
	out      []float32
}

func (s *source) Read(p []byte) (int, error) {
	frames := len(p) / (bytesPerSample * s.channels)
	size := frames * s.channels
	if len(s.out) < size {
		s.in = make([]float32, size)
		s.out = make([]float32, size)
	}
	in, out := s.in[:size], s.out[:size]
	if frames > 0 {
		s.cb(in, out, frames, s.channels)
	}
	for i, x := range out {
		binary.LittleEndian.PutUint32(p[i*bytesPerSample:], math.Float32bits(x))
	}
	for i := size * bytesPerSample; i < len(p); i++ {
		p[i] = 0
	}
	return len(p), nil
}

type node struct {
	engine *Engine
	source *source
	player *oto.Player

	mu      sync.Mutex
	started bool
	closed  bool
}

func (n *node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return host.ErrClosed
	}
	if !n.started {
		n.player.Play()
		n.started = true
	}
	return nil
}

func (n *node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	n.started = false
	err := n.player.Close()
	n.engine.slot.Release(n)
	return err
}
