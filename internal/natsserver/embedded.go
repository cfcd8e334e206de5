// Package natsserver runs an in-process NATS server so a single deck needs no
// external broker.
package natsserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/loqalabs/loqa-cassette/internal/config"
)

const (
	defaultStoreDir = "./data/nats"
	readyTimeout    = 5 * time.Second

	// The annotation stream is memory backed and capped by message count.
	maxJetStreamMemory = 64 << 20
)

// EmbeddedServer is a running in-process server.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start runs an embedded server with JetStream for the deck called name. It
// returns nil when the bus is not embedded. A port of -1 picks a free one.
func Start(cfg config.BusConfig, name string, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	storeDir := cfg.StoreDir
	if storeDir == "" {
		storeDir = defaultStoreDir
	}

	opts := &server.Options{
		ServerName:         serverName(name),
		Host:               "0.0.0.0",
		Port:               cfg.Port,
		JetStream:          true,
		JetStreamMaxMemory: maxJetStreamMemory,
		StoreDir:           storeDir,
		NoSigs:             true,
	}
	if cfg.Username != "" || cfg.Password != "" {
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	} else if cfg.Token != "" {
		opts.Authorization = cfg.Token
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, errors.New("embedded NATS server failed to start within 5 seconds")
	}

	log = log.With(slog.String("component", "natsserver"), slog.String("server_name", ns.Name()))
	log.Info("embedded bus started",
		slog.String("addr", ns.Addr().String()),
		slog.String("store_dir", storeDir),
		slog.Bool("jetstream", ns.JetStreamEnabled()))

	return &EmbeddedServer{ns: ns, log: log}, nil
}

// serverName keeps the deck id usable as a server name, which may not hold
// spaces.
func serverName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "loqa-cassette"
	}
	return "cassette-" + strings.ReplaceAll(name, " ", "_")
}

// Name is the server name reported to clients.
func (e *EmbeddedServer) Name() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.Name()
}

// ClientURL is the loopback address local clients should connect to.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	addr, ok := e.ns.Addr().(*net.TCPAddr)
	if !ok {
		return e.ns.ClientURL()
	}
	return fmt.Sprintf("nats://127.0.0.1:%d", addr.Port)
}

func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded bus")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
