package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-cassette/internal/config"
	"github.com/loqalabs/loqa-cassette/internal/natsserver"
	"github.com/loqalabs/loqa-cassette/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T) *Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, "bus-test", newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	c, err := Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, "", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, "deck", newLogger()); err == nil {
		t.Fatalf("expected an error without servers")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Connect(ctx, config.BusConfig{Servers: []string{"nats://127.0.0.1:1"}}, "deck", newLogger()); err == nil {
		t.Fatalf("expected a cancelled context to fail")
	}
}

func TestPublishAndRespondJSON(t *testing.T) {
	c := connect(t)
	if !c.Healthy() || c.JetStream() == nil {
		t.Fatalf("expected a healthy client with jetstream")
	}

	events := make(chan protocol.AnnotationEvent, 1)
	subs, err := c.SubscribeAll(map[string]nats.MsgHandler{
		protocol.SubjectAnnotationCurrent: func(msg *nats.Msg) {
			var evt protocol.AnnotationEvent
			if err := json.Unmarshal(msg.Data, &evt); err == nil {
				events <- evt
			}
		},
		protocol.SubjectQueryStatus: func(msg *nats.Msg) {
			_ = RespondJSON(msg, protocol.Status{State: "playing"})
		},
	})
	if err != nil {
		t.Fatalf("SubscribeAll: %v", err)
	}
	t.Cleanup(func() { Drain(subs) })
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(subs))
	}

	if err := c.PublishJSON(protocol.SubjectAnnotationCurrent, protocol.AnnotationEvent{Text: "door", Valid: true}); err != nil {
		t.Fatalf("PublishJSON: %v", err)
	}
	select {
	case evt := <-events:
		if evt.Text != "door" || !evt.Valid {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event not delivered")
	}

	msg, err := c.Conn().Request(protocol.SubjectQueryStatus, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var st protocol.Status
	if err := json.Unmarshal(msg.Data, &st); err != nil || st.State != "playing" {
		t.Fatalf("reply = %+v, %v", st, err)
	}
}

func TestPublishJSONRejectsUnmarshalable(t *testing.T) {
	c := connect(t)
	if err := c.PublishJSON("cassette.test", func() {}); err == nil {
		t.Fatalf("expected a marshal error")
	}
}

func TestRespondJSONWithoutReply(t *testing.T) {
	if err := RespondJSON(&nats.Msg{Subject: "cassette.test"}, protocol.Ack{OK: true}); err != nil {
		t.Fatalf("a message without a reply subject should be ignored: %v", err)
	}
}
