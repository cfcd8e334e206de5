// Command cassette-render runs a WAV file through the deck offline: it records
// the input onto the tape, rewinds and writes the playback to a new file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-cassette/internal/annotation"
	"github.com/loqalabs/loqa-cassette/internal/cassette"
	"github.com/loqalabs/loqa-cassette/internal/constants"
	"github.com/loqalabs/loqa-cassette/internal/deck"
	"github.com/loqalabs/loqa-cassette/internal/host"
	"github.com/loqalabs/loqa-cassette/internal/wavio"
)

type options struct {
	in        string
	out       string
	constants string
	rate      float64
	block     int
	seed      uint64
	tail      float64
}

func main() {
	var opts options
	flag.StringVar(&opts.in, "in", "", "Input WAV file")
	flag.StringVar(&opts.out, "out", "out.wav", "Output WAV file")
	flag.StringVar(&opts.constants, "constants", "", "Optional constants YAML file")
	flag.Float64Var(&opts.rate, "rate", 1, "Playback rate")
	flag.IntVar(&opts.block, "block", 512, "Frames per block")
	flag.Uint64Var(&opts.seed, "seed", 0, "Noise seed")
	flag.Float64Var(&opts.tail, "tail", 0.5, "Seconds of extra playback after the input length")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if err := run(opts, logger); err != nil {
		logger.Error("render failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(opts options, log *slog.Logger) error {
	if opts.in == "" {
		return errors.New("-in is required")
	}
	if opts.block <= 0 {
		return fmt.Errorf("invalid block size %d", opts.block)
	}
	clip, err := wavio.Load(opts.in)
	if err != nil {
		return err
	}
	input := clip.Mono()
	if len(input) == 0 {
		return errors.New("input has no samples")
	}

	consts := constants.Static(nil)
	if opts.constants != "" {
		if consts, err = constants.Open(opts.constants, log); err != nil {
			return err
		}
	}

	d := deck.New(deck.Config{
		SampleRate: clip.SampleRate,
		BufferSize: len(input),
		BlockSize:  opts.block,
		Seed:       opts.seed,
	}, consts, annotation.NewStore(), log)
	defer d.Close()

	engine := host.NewHeadless(clip.SampleRate, 1, opts.block)
	node, err := d.Register(engine)
	if err != nil {
		return err
	}
	defer node.Close()
	if err := node.Start(); err != nil {
		return err
	}

	ctx := context.Background()
	in := make([]float32, opts.block)
	out := make([]float32, opts.block)

	if err := d.SetState(ctx, cassette.StateRecording); err != nil {
		return err
	}
	for off := 0; off < len(input); off += opts.block {
		n := copy(in, input[off:])
		clear(in[n:])
		if err := engine.Pump(in, out); err != nil {
			return err
		}
	}

	if err := d.Seek(ctx, 0); err != nil {
		return err
	}
	if err := d.SetPlaybackRate(ctx, opts.rate); err != nil {
		return err
	}
	if err := d.SetState(ctx, cassette.StatePlaying); err != nil {
		return err
	}

	total := len(input) + int(opts.tail*float64(clip.SampleRate))
	rendered := make([]float32, 0, total+opts.block)
	clear(in)
	for len(rendered) < total {
		if err := engine.Pump(in, out); err != nil {
			return err
		}
		rendered = append(rendered, out...)
	}

	if err := wavio.Save(opts.out, wavio.Clip{Samples: rendered[:total], SampleRate: clip.SampleRate, Channels: 1}); err != nil {
		return err
	}
	log.Info("rendered",
		slog.String("in", opts.in),
		slog.String("out", opts.out),
		slog.Int("samples", total),
		slog.Uint64("blocks", d.Status().Blocks))
	return nil
}
