package runtime

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-cassette/internal/annotation"
	"github.com/loqalabs/loqa-cassette/internal/bus"
	"github.com/loqalabs/loqa-cassette/internal/captionstore"
	"github.com/loqalabs/loqa-cassette/internal/config"
	"github.com/loqalabs/loqa-cassette/internal/constants"
	"github.com/loqalabs/loqa-cassette/internal/control"
	"github.com/loqalabs/loqa-cassette/internal/deck"
	"github.com/loqalabs/loqa-cassette/internal/host"
	"github.com/loqalabs/loqa-cassette/internal/natsserver"
	"github.com/loqalabs/loqa-cassette/internal/presence"
	"github.com/loqalabs/loqa-cassette/internal/protocol"
	"github.com/loqalabs/loqa-cassette/internal/wavio"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	metrics     http.Handler
	ready       atomic.Bool
	wg          sync.WaitGroup

	consts    *constants.Reader
	captions  *annotation.Store
	captionDB *captionstore.Store
	deck      *deck.Deck

	engine      host.Engine
	node        host.Node
	closeEngine func() error

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	control  *control.Service
	presence *presence.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metrics, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metrics

	if err := r.setup(ctx); err != nil {
		r.teardown()
		r.closeTelemetry()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slogError(err))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	r.teardown()
	r.wg.Wait()
	r.closeTelemetry()

	return nil
}

// setup builds everything except telemetry and the HTTP listener. Background
// work started here stops with ctx.
func (r *Runtime) setup(ctx context.Context) error {
	if err := r.openConstants(ctx); err != nil {
		return err
	}

	r.captions = annotation.NewStore()
	captionDB, err := captionstore.Open(ctx, r.cfg.Captions, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open caption store: %w", err)
	}
	r.captionDB = captionDB
	if _, err := captionDB.LoadInto(ctx, r.captions); err != nil {
		r.logger.Warn("failed to load captions", slogError(err))
	}

	r.deck = deck.New(deck.Config{
		SampleRate:    r.cfg.Audio.SampleRate,
		BufferSize:    r.cfg.BufferSize(),
		BufferCount:   r.cfg.Cassette.BufferCount,
		BlockSize:     r.cfg.Audio.FramesPerBuffer,
		CommandQueue:  r.cfg.Cassette.CommandQueue,
		MaxChannels:   r.cfg.Audio.MaxVoices,
		Seed:          r.cfg.Cassette.Seed,
		SpeechEnabled: r.cfg.Speech.Enabled,
		Speaker:       r.cfg.Speech.Speaker,
	}, r.consts, r.captions, r.logger)
	r.loadSounds()

	r.startAudio(ctx)

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) openConstants(ctx context.Context) error {
	path := r.cfg.Constants.Path
	if path == "" {
		r.consts = constants.Static(nil)
		return nil
	}
	reader, err := constants.Open(path, r.logger)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load constants: %w", err)
		}
		r.logger.Warn("constants file not found, using defaults", slog.String("path", path))
		r.consts = constants.Static(nil)
		return nil
	}
	r.consts = reader
	interval := time.Duration(r.cfg.Constants.ReloadIntervalMS) * time.Millisecond
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		reader.Watch(ctx, interval)
	}()
	return nil
}

// loadSounds registers the configured clips. A sound that fails to load is
// skipped.
func (r *Runtime) loadSounds() {
	for _, sc := range r.cfg.Sounds {
		clip, err := wavio.Load(sc.Path)
		if err != nil {
			r.logger.Warn("failed to load sound", slog.Uint64("id", sc.ID), slogError(err))
			continue
		}
		err = r.deck.AddSound(host.Sound{
			ID:         sc.ID,
			Samples:    clip.Mono(),
			SampleRate: clip.SampleRate,
			Loop:       sc.Loop,
			Gain:       float32(sc.Gain),
		})
		if err != nil {
			r.logger.Warn("failed to register sound", slog.Uint64("id", sc.ID), slogError(err))
			continue
		}
		if sc.Captions != "" {
			if _, err := r.captions.ParseAddAnnotationList(sc.ID, sc.Captions); err != nil {
				r.logger.Warn("malformed sound captions", slog.Uint64("id", sc.ID), slogError(err))
			}
		}
	}
}

// startAudio registers the deck with the configured engine. Failure disables
// audio but leaves the rest of the runtime up.
func (r *Runtime) startAudio(ctx context.Context) {
	log := r.logger.With(slog.String("backend", r.cfg.Audio.Backend))
	engine, closeEngine, err := openEngine(r.cfg.Audio, r.logger)
	if err != nil {
		log.Error("audio engine unavailable", slogError(err))
		return
	}
	r.engine = engine
	r.closeEngine = closeEngine

	node, err := r.deck.Register(engine)
	if err != nil {
		log.Error("audio disabled", slogError(err))
		return
	}
	if err := node.Start(); err != nil {
		log.Error("audio disabled", slogError(err))
		_ = node.Close()
		return
	}
	r.node = node

	if headless, ok := engine.(*host.HeadlessEngine); ok {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := headless.Run(ctx, nil, nil); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, host.ErrClosed) {
				log.Warn("headless engine stopped", slogError(err))
			}
		}()
	}
	log.Info("audio started",
		slog.Int("sample_rate", engine.SampleRate()),
		slog.Int("channels", engine.Channels()))
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.cfg.Presence.ID, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.nats = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r.bus = client

	var persist control.CaptionSink
	if r.captionDB.Persistent() {
		persist = r.captionDB
	}
	svc := control.NewService(ctx, client, r.deck, r.captions, persist, r.logger)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start control service: %w", err)
	}
	r.control = svc

	registry, err := presence.NewRegistry(ctx, r.cfg.Presence, r.announcement(), r.deck, client, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start presence registry: %w", err)
	}
	r.presence = registry
	return nil
}

func (r *Runtime) announcement() protocol.DeckAnnounce {
	a := protocol.DeckAnnounce{
		DeckID:        r.cfg.Presence.ID,
		Runtime:       r.cfg.RuntimeName,
		Backend:       r.cfg.Audio.Backend,
		SampleRate:    r.cfg.Audio.SampleRate,
		RecordSeconds: r.cfg.Cassette.RecordSeconds,
	}
	for _, sc := range r.cfg.Sounds {
		if r.deck.HasSound(sc.ID) {
			a.Sounds = append(a.Sounds, sc.ID)
		}
	}
	return a
}

// teardown releases what setup built, in reverse order. It tolerates a
// partial setup.
func (r *Runtime) teardown() {
	if r.presence != nil {
		r.presence.Close()
	}
	if r.control != nil {
		r.control.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.node != nil {
		if err := r.node.Close(); err != nil {
			r.logger.Warn("audio node close error", slogError(err))
		}
	}
	if r.closeEngine != nil {
		if err := r.closeEngine(); err != nil {
			r.logger.Warn("audio engine close error", slogError(err))
		}
	}
	if r.deck != nil {
		r.deck.Close()
	}
	if r.captionDB != nil {
		if err := r.captionDB.Close(); err != nil {
			r.logger.Warn("caption store close error", slogError(err))
		}
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
