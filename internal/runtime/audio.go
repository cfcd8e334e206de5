package runtime

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-cassette/internal/config"
	"github.com/loqalabs/loqa-cassette/internal/host"
	"github.com/loqalabs/loqa-cassette/internal/host/oto"
	"github.com/loqalabs/loqa-cassette/internal/host/portaudio"
)

func openEngine(cfg config.AudioConfig, log *slog.Logger) (host.Engine, func() error, error) {
	switch cfg.Backend {
	case "portaudio":
		e, err := portaudio.New(portaudio.Options{
			SampleRate:      cfg.SampleRate,
			Channels:        cfg.Channels,
			FramesPerBuffer: cfg.FramesPerBuffer,
			InputDevice:     cfg.InputDevice,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return e, e.Close, nil
	case "oto":
		e, err := oto.New(oto.Options{
			SampleRate:      cfg.SampleRate,
			Channels:        cfg.Channels,
			FramesPerBuffer: cfg.FramesPerBuffer,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return e, nil, nil
	case "headless", "":
		return host.NewHeadless(cfg.SampleRate, cfg.Channels, cfg.FramesPerBuffer), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown audio backend %q", cfg.Backend)
	}
}
