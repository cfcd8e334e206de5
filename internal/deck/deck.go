// Package deck owns the cassette and everything the audio callback touches.
// Other goroutines talk to it through a command queue and request/reply
// queries that the callback services between blocks, and read a status
// snapshot it publishes after every block.
package deck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-cassette/internal/annotation"
	"github.com/loqalabs/loqa-cassette/internal/cassette"
	"github.com/loqalabs/loqa-cassette/internal/constants"
	"github.com/loqalabs/loqa-cassette/internal/host"
	"github.com/loqalabs/loqa-cassette/internal/synth"
)

var (
	ErrClosed       = errors.New("deck closed")
	ErrUnknownSound = host.ErrUnknownSound
)

const (
	defaultCommandQueue = 64
	defaultMaxChannels  = 8
	maxCommandsPerBlock = 32
	maxQueriesPerBlock  = 4
	annotationBacklog   = 16
)

// Config sizes a Deck.
type Config struct {
	SampleRate   int
	BufferSize   int
	BufferCount  int
	BlockSize    int
	CommandQueue int
	MaxChannels  int
	Seed         uint64

	SpeechEnabled bool
	Speaker       string
}

// Status is the snapshot published after each block.
type Status struct {
	State        cassette.State
	Active       int
	Position     float64 // cursor as a fraction of the tape
	HeadPos      float64 // head in samples
	Velocity     float64
	PlaybackRate float64
	Annotation   annotation.Value
	Talking      bool
	Pitch        float64
	Blocks       uint64
}

type cmdKind int

const (
	cmdState cmdKind = iota
	cmdActive
	cmdRate
	cmdSeek
	cmdTalk
	cmdSpeaker
	cmdPitch
	cmdPlay
	cmdStop
	cmdStopAll
)

type command struct {
	kind  cmdKind
	state cassette.State
	index int
	value float64
	text  string
	sound uint64
}

type queryKind int

const (
	queryWaveform queryKind = iota
	queryOverview
	querySnapshot
)

type query struct {
	kind  queryKind
	pos   float64
	dst   []float32
	reply chan result
}

type result struct {
	value float32
	n     int
}

// Deck is safe for concurrent use. Process must only be called by the
// engine that the deck is registered with.
type Deck struct {
	log *slog.Logger

	dsp    *cassette.DSP
	mixer  *host.Mixer
	fm     *synth.FMSynth
	speech *synth.Speech
	talk   bool

	cmds    chan command
	queries chan query
	events  chan annotation.Value
	closed  chan struct{}
	once    sync.Once

	bus  []float32
	last annotation.Value

	statusMu sync.RWMutex
	status   Status

	blocks    atomic.Uint64
	changes   atomic.Uint64
	dropped   atomic.Uint64
	lastBlock atomic.Int64

	metricReg metric.Registration
}

// New builds a paused deck. store may be nil when captions are not used.
func New(cfg Config, consts constants.Source, store *annotation.Store, log *slog.Logger) *Deck {
	if log == nil {
		log = slog.Default()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 44100
	}
	if cfg.CommandQueue <= 0 {
		cfg.CommandQueue = defaultCommandQueue
	}
	if cfg.MaxChannels <= 0 {
		cfg.MaxChannels = defaultMaxChannels
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = cassette.DefaultBlockSize
	}

	mixer := host.NewMixer(cfg.SampleRate, cfg.MaxChannels)
	dsp := cassette.NewDSP(cassette.Options{
		BufferSize:  cfg.BufferSize,
		BufferCount: cfg.BufferCount,
		BlockSize:   cfg.BlockSize,
		Seed:        cfg.Seed,
	}, consts, store, mixer)

	fm := synth.NewFMSynth(cfg.SampleRate)
	speech := synth.NewSpeech(consts, fm)
	speech.SetSpeaker(cfg.Speaker)
	if cfg.SpeechEnabled {
		dsp.SetTextSource(speech)
	}

	d := &Deck{
		log:     log.With(slog.String("component", "deck")),
		dsp:     dsp,
		mixer:   mixer,
		fm:      fm,
		speech:  speech,
		talk:    cfg.SpeechEnabled,
		cmds:    make(chan command, cfg.CommandQueue),
		queries: make(chan query, maxQueriesPerBlock),
		events:  make(chan annotation.Value, annotationBacklog),
		closed:  make(chan struct{}),
		bus:     make([]float32, cfg.BlockSize*2),
	}
	d.status = d.snapshot()

	if err := d.initMetrics(); err != nil {
		d.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return d
}

// AddSound registers a sound with the mixer. Call it before Register.
func (d *Deck) AddSound(s host.Sound) error { return d.mixer.AddSound(s) }

// HasSound reports whether id was registered.
func (d *Deck) HasSound(id uint64) bool { return d.mixer.HasSound(id) }

// Register creates the processing node on engine.
func (d *Deck) Register(engine host.Engine) (host.Node, error) {
	node, err := engine.CreateProcessingNode(d.Process)
	if err != nil {
		return nil, fmt.Errorf("could not create processing node: %w", err)
	}
	return node, nil
}

// Close stops accepting commands and queries. It does not close the node.
func (d *Deck) Close() {
	d.once.Do(func() {
		close(d.closed)
		if d.metricReg != nil {
			_ = d.metricReg.Unregister()
		}
	})
}

func (d *Deck) SetState(ctx context.Context, s cassette.State) error {
	return d.send(ctx, command{kind: cmdState, state: s})
}

func (d *Deck) SetActive(ctx context.Context, index int) error {
	return d.send(ctx, command{kind: cmdActive, index: index})
}

func (d *Deck) SetPlaybackRate(ctx context.Context, rate float64) error {
	return d.send(ctx, command{kind: cmdRate, value: rate})
}

// Seek moves the head to a fraction of the tape.
func (d *Deck) Seek(ctx context.Context, frac float64) error {
	return d.send(ctx, command{kind: cmdSeek, value: frac})
}

// Talk starts the speech synth on text. Empty text stops it.
func (d *Deck) Talk(ctx context.Context, text string) error {
	return d.send(ctx, command{kind: cmdTalk, text: text})
}

func (d *Deck) SetSpeaker(ctx context.Context, speaker string) error {
	return d.send(ctx, command{kind: cmdSpeaker, text: speaker})
}

// SetPitch scales the speech frequency. Non-positive values reset it to 1.
func (d *Deck) SetPitch(ctx context.Context, pitch float64) error {
	return d.send(ctx, command{kind: cmdPitch, value: pitch})
}

// PlaySound starts a registered sound on a free channel.
func (d *Deck) PlaySound(ctx context.Context, id uint64) error {
	if !d.mixer.HasSound(id) {
		return fmt.Errorf("sound %d: %w", id, ErrUnknownSound)
	}
	return d.send(ctx, command{kind: cmdPlay, sound: id})
}

func (d *Deck) StopSound(ctx context.Context, id uint64) error {
	return d.send(ctx, command{kind: cmdStop, sound: id})
}

// StopAllSounds silences every mixer channel.
func (d *Deck) StopAllSounds(ctx context.Context) error {
	return d.send(ctx, command{kind: cmdStopAll})
}

func (d *Deck) send(ctx context.Context, c command) error {
	select {
	case <-d.closed:
		return ErrClosed
	default:
	}
	select {
	case d.cmds <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.closed:
		return ErrClosed
	}
}

// Status returns the snapshot published by the last block.
func (d *Deck) Status() Status {
	d.statusMu.RLock()
	defer d.statusMu.RUnlock()
	return d.status
}

// Annotations delivers the current annotation whenever it changes. Changes
// are dropped while the channel is full.
func (d *Deck) Annotations() <-chan annotation.Value { return d.events }

// Waveform samples the active tape at a fraction of its length.
func (d *Deck) Waveform(ctx context.Context, pos float64) (float32, error) {
	r, err := d.ask(ctx, query{kind: queryWaveform, pos: pos})
	return r.value, err
}

// Overview fills dst with evenly spaced samples of the active tape.
func (d *Deck) Overview(ctx context.Context, dst []float32) error {
	_, err := d.ask(ctx, query{kind: queryOverview, dst: dst})
	return err
}

// Snapshot copies the active tape into dst and returns the samples copied.
func (d *Deck) Snapshot(ctx context.Context, dst []float32) (int, error) {
	r, err := d.ask(ctx, query{kind: querySnapshot, dst: dst})
	return r.n, err
}

func (d *Deck) ask(ctx context.Context, q query) (result, error) {
	q.reply = make(chan result, 1)
	select {
	case <-d.closed:
		return result{}, ErrClosed
	default:
	}
	select {
	case d.queries <- q:
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-d.closed:
		return result{}, ErrClosed
	}
	select {
	case r := <-q.reply:
		return r, nil
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-d.closed:
		return result{}, ErrClosed
	}
}

// Process is the engine block callback.
func (d *Deck) Process(in, out []float32, frames, channels int) {
	start := time.Now()
	if channels <= 0 || frames <= 0 {
		return
	}
	if limit := min(len(in), len(out)) / channels; frames > limit {
		frames = limit
	}
	size := frames * channels

	d.applyCommands()

	if cap(d.bus) < size {
		d.bus = make([]float32, size)
	}
	bus := d.bus[:size]
	copy(bus, in[:size])
	d.mixer.Mix(bus, frames, channels)
	if d.talk {
		// Speech durations are counted in blocks.
		d.speech.Tick()
		d.fm.MixInto(bus, frames, channels)
	}

	d.dsp.Callback(bus, out, frames, channels)

	d.blocks.Add(1)
	if cur := d.dsp.CurrentAnnotation(); cur != d.last {
		d.last = cur
		d.changes.Add(1)
		select {
		case d.events <- cur:
		default:
			d.dropped.Add(1)
		}
	}
	if d.statusMu.TryLock() {
		d.status = d.snapshot()
		d.statusMu.Unlock()
	}
	d.answerQueries()
	d.lastBlock.Store(int64(time.Since(start)))
}

func (d *Deck) applyCommands() {
	for i := 0; i < maxCommandsPerBlock; i++ {
		select {
		case c := <-d.cmds:
			d.apply(c)
		default:
			return
		}
	}
}

func (d *Deck) apply(c command) {
	switch c.kind {
	case cmdState:
		d.dsp.SetState(c.state)
	case cmdActive:
		d.dsp.SetActive(c.index)
	case cmdRate:
		d.dsp.SetPlaybackRate(c.value)
	case cmdSeek:
		d.dsp.Seek(c.value)
	case cmdTalk:
		d.speech.Talk(c.text)
	case cmdSpeaker:
		d.speech.SetSpeaker(c.text)
	case cmdPitch:
		d.fm.SetPitch(c.value)
	case cmdPlay:
		// A full mixer drops the request.
		_, _ = d.mixer.Play(c.sound)
	case cmdStop:
		d.mixer.Stop(c.sound)
	case cmdStopAll:
		d.mixer.StopAll()
	}
}

func (d *Deck) answerQueries() {
	for i := 0; i < maxQueriesPerBlock; i++ {
		select {
		case q := <-d.queries:
			var r result
			switch q.kind {
			case queryWaveform:
				r.value = d.dsp.GetWaveform(q.pos)
			case queryOverview:
				if len(q.dst) > 0 {
					d.dsp.Overview(q.dst)
				}
				r.n = len(q.dst)
			case querySnapshot:
				r.n = d.dsp.CopyActive(q.dst)
			}
			q.reply <- r
		default:
			return
		}
	}
}

func (d *Deck) snapshot() Status {
	ctl := d.dsp.Control()
	return Status{
		State:        d.dsp.State(),
		Active:       d.dsp.GetActive(),
		Position:     d.dsp.GetActivePosition(),
		HeadPos:      ctl.Pos(),
		Velocity:     ctl.Vel(),
		PlaybackRate: d.dsp.PlaybackRate(),
		Annotation:   d.dsp.CurrentAnnotation(),
		Talking:      d.speech.IsTalking(),
		Pitch:        d.fm.Pitch(),
		Blocks:       d.blocks.Load(),
	}
}

func (d *Deck) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-cassette/deck")
	blocks, err := meter.Int64ObservableCounter("cassette.deck.blocks", metric.WithDescription("Audio blocks processed"))
	if err != nil {
		return err
	}
	changes, err := meter.Int64ObservableCounter("cassette.deck.annotation_changes", metric.WithDescription("Current annotation changes"))
	if err != nil {
		return err
	}
	dropped, err := meter.Int64ObservableCounter("cassette.deck.annotation_dropped", metric.WithDescription("Annotation changes nobody was reading"))
	if err != nil {
		return err
	}
	duration, err := meter.Float64ObservableGauge("cassette.deck.block_duration", metric.WithDescription("Processing time of the last block"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	reg, err := meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(blocks, int64(d.blocks.Load()))
		obs.ObserveInt64(changes, int64(d.changes.Load()))
		obs.ObserveInt64(dropped, int64(d.dropped.Load()))
		obs.ObserveFloat64(duration, float64(d.lastBlock.Load())/float64(time.Millisecond))
		return nil
	}, blocks, changes, dropped, duration)
	if err != nil {
		return err
	}
	d.metricReg = reg
	return nil
}
