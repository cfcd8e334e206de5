package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-cassette/internal/bus"
	"github.com/loqalabs/loqa-cassette/internal/cassette"
	"github.com/loqalabs/loqa-cassette/internal/config"
	"github.com/loqalabs/loqa-cassette/internal/deck"
	"github.com/loqalabs/loqa-cassette/internal/natsserver"
	"github.com/loqalabs/loqa-cassette/internal/protocol"
)

type fixedStatus deck.Status

func (f fixedStatus) Status() deck.Status { return deck.Status(f) }

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T) *bus.Client {
	t.Helper()
	log := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, t.Name(), log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, "presence-test", log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func presenceConfig(id string) config.PresenceConfig {
	return config.PresenceConfig{ID: id, HeartbeatInterval: 30, HeartbeatTimeout: 120}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func find(decks []DeckInfo, id string) (DeckInfo, bool) {
	for _, d := range decks {
		if d.ID == id {
			return d, true
		}
	}
	return DeckInfo{}, false
}

func TestDecksSeeEachOther(t *testing.T) {
	client := connect(t)
	ctx := context.Background()

	a, err := NewRegistry(ctx, presenceConfig("deck-a"), protocol.DeckAnnounce{Backend: "headless", Sounds: []uint64{4}},
		fixedStatus{State: cassette.StateRecording, Position: 0.25}, client, newLogger())
	if err != nil {
		t.Fatalf("registry a: %v", err)
	}
	defer a.Close()
	if !a.Healthy() {
		t.Fatalf("local deck should be healthy after announcing")
	}

	b, err := NewRegistry(ctx, presenceConfig("deck-b"), protocol.DeckAnnounce{Backend: "oto"}, nil, client, newLogger())
	if err != nil {
		t.Fatalf("registry b: %v", err)
	}
	defer b.Close()

	waitFor(t, "deck-b to see deck-a recording", func() bool {
		d, ok := find(b.Query(nil), "deck-a")
		return ok && d.State == "recording" && d.Position == 0.25 && d.Backend == "headless"
	})

	waitFor(t, "deck-a to see deck-b", func() bool {
		_, ok := find(a.Query(nil), "deck-b")
		return ok
	})

	if got := b.Query(WithSound(4)); len(got) != 1 || got[0].ID != "deck-a" {
		t.Fatalf("sound filter = %+v", got)
	}
	if got := b.Query(WithState("recording")); len(got) != 1 {
		t.Fatalf("state filter = %+v", got)
	}
	all := a.Query(nil)
	if len(all) != 2 || all[0].ID != "deck-a" || all[1].ID != "deck-b" {
		t.Fatalf("expected decks ordered by id, got %+v", all)
	}
}

func TestSilentDeckBecomesUnhealthy(t *testing.T) {
	client := connect(t)
	ctx := context.Background()

	a, err := NewRegistry(ctx, presenceConfig("deck-a"), protocol.DeckAnnounce{}, nil, client, newLogger())
	if err != nil {
		t.Fatalf("registry a: %v", err)
	}
	defer a.Close()
	b, err := NewRegistry(ctx, presenceConfig("deck-b"), protocol.DeckAnnounce{}, nil, client, newLogger())
	if err != nil {
		t.Fatalf("registry b: %v", err)
	}

	waitFor(t, "deck-b healthy", func() bool {
		d, ok := find(a.Query(HealthyOnly), "deck-b")
		return ok && d.Healthy
	})
	b.Close()

	waitFor(t, "deck-b unhealthy", func() bool {
		d, ok := find(a.Query(nil), "deck-b")
		return ok && !d.Healthy
	})
	if !a.Healthy() {
		t.Fatalf("deck-a still heartbeating and should stay healthy")
	}
}

func TestHeartbeatSubjectIsOneToken(t *testing.T) {
	if got := heartbeatSubject("studio.deck 1"); got != "cassette.deck.heartbeat.studio_deck_1" {
		t.Fatalf("subject = %q", got)
	}
}
