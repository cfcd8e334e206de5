// Package portaudio drives the cassette from a duplex PortAudio stream, so
// the microphone can be recorded onto the tape.
package portaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/loqalabs/loqa-cassette/internal/host"
)

var (
	initMu    sync.Mutex
	initCount int
)

// acquire initializes PortAudio on first use.
func acquire() error {
	initMu.Lock()
	defer initMu.Unlock()
	if initCount == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("portaudio initialization failed: %w", err)
		}
	}
	initCount++
	return nil
}

// release terminates PortAudio when the last user is done.
func release() {
	initMu.Lock()
	defer initMu.Unlock()
	initCount--
	if initCount <= 0 {
		_ = portaudio.Terminate()
		initCount = 0
	}
}

// Options selects the stream geometry. InputDevice matches a device name
// exactly or, failing that, by substring; empty uses the system default.
type Options struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
	InputDevice     string
}

// Engine implements host.Engine on PortAudio.
type Engine struct {
	opts Options
	log  *slog.Logger
	slot host.Slot

	mu     sync.Mutex
	closed bool
}

// New initializes PortAudio. Close the engine to release it.
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
	if err := acquire(); err != nil {
		return nil, err
	}
	return &Engine{opts: opts, log: log.With(slog.String("component", "portaudio"))}, nil
}

func (e *Engine) SampleRate() int { return e.opts.SampleRate }
func (e *Engine) Channels() int { return e.opts.Channels }

// CreateProcessingNode opens a stream that calls cb for each buffer. When no
// input device is available the callback sees silence.
func (e *Engine) CreateProcessingNode(cb host.BlockCallback) (host.Node, error) {
	if cb == nil {
		return nil, host.ErrNilCallback
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, host.ErrClosed
	}

	n := &node{engine: e}
	if err := e.slot.Claim(n); err != nil {
		return nil, err
	}

	in, err := e.inputDevice()
	if err != nil {
		e.slot.Release(n)
		return nil, err
	}
	out, err := portaudio.DefaultOutputDevice()
	if err != nil {
		e.slot.Release(n)
		return nil, fmt.Errorf("default output device: %w", err)
	}

	ch := e.opts.Channels
	params := portaudio.LowLatencyParameters(in, out)
	params.Output.Channels = ch
	params.SampleRate = float64(e.opts.SampleRate)
	params.FramesPerBuffer = e.opts.FramesPerBuffer

	var stream *portaudio.Stream
	if in != nil {
		params.Input.Channels = ch
		stream, err = portaudio.OpenStream(params, func(input, output []float32) {
			cb(input, output, len(output)/ch, ch)
		})
	} else {
		silence := make([]float32, e.opts.FramesPerBuffer*ch)
		stream, err = portaudio.OpenStream(params, func(output []float32) {
			if len(silence) < len(output) {
				silence = make([]float32, len(output))
			}
			cb(silence[:len(output)], output, len(output)/ch, ch)
		})
	}
	if err != nil {
		e.slot.Release(n)
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	n.stream = stream

	inName := "none"
	if in != nil {
		inName = in.Name
	}
	e.log.Info("stream opened",
		slog.String("input", inName),
		slog.String("output", out.Name),
		slog.Int("sample_rate", e.opts.SampleRate),
		slog.Int("channels", ch),
	)
	return n, nil
}

func (e *Engine) inputDevice() (*portaudio.DeviceInfo, error) {
	name := e.opts.InputDevice
	if name == "" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			e.log.Warn("no default input device, recording silence", slog.String("error", err.Error()))
			return nil, nil
		}
		return dev, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 && dev.Name == name {
			return dev, nil
		}
	}
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 && strings.Contains(dev.Name, name) {
			e.log.Info("using partial device match", slog.String("device", dev.Name))
			return dev, nil
		}
	}
	return nil, fmt.Errorf("input device not found: %s", name)
}

// Close releases PortAudio. Close nodes first.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	release()
	return nil
}

type node struct {
	engine *Engine
	stream *portaudio.Stream

	mu      sync.Mutex
	started bool
}

func (n *node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stream == nil {
		return host.ErrClosed
	}
	if n.started {
		return nil
	}
	if err := n.stream.Start(); err != nil {
		return fmt.Errorf("failed to start stream: %w", err)
	}
	n.started = true
	return nil
}

func (n *node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stream == nil {
		return nil
	}
	var errs []error
	if n.started {
		errs = append(errs, n.stream.Stop())
	}
	errs = append(errs, n.stream.Close())
	n.stream = nil
	n.started = false
	n.engine.slot.Release(n)
	return errors.Join(errs...)
}
