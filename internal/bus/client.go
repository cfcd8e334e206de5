// Package bus holds the deck's NATS connection and the JSON helpers the
// control service and presence registry share.
package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-cassette/internal/config"
)

const (
	defaultName   = "loqa-cassette"
	reconnectWait = 500 * time.Millisecond
)

// Client is one NATS connection. JetStream is nil when the server does not
// offer it; callers fall back to core publish.
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *slog.Logger
}

// Connect dials cfg.Servers and keeps reconnecting for the life of the
// client. name identifies the deck in server monitoring.
func Connect(ctx context.Context, cfg config.BusConfig, name string, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		name = defaultName
	}
	log = log.With(slog.String("component", "bus"), slog.String("client", name))

	options := []nats.Option{
		nats.Name(name),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("bus disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("bus reconnected", slog.String("server", c.ConnectedUrl()))
		}),
		// Slow annotation or heartbeat consumers surface here.
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			attrs := []any{slog.String("error", err.Error())}
			if sub != nil {
				attrs = append(attrs, slog.String("subject", sub.Subject))
			}
			log.Warn("bus async error", attrs...)
		}),
	}
	options = append(options, credentials(cfg)...)

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	c := &Client{conn: conn, log: log}
	if js, err := conn.JetStream(); err != nil {
		log.Warn("jetstream unavailable, annotation events will not be retained", slog.String("error", err.Error()))
	} else {
		c.js = js
	}

	log.Info("connected to bus", slog.String("servers", url), slog.String("server", conn.ConnectedUrl()))
	return c, nil
}

func credentials(cfg config.BusConfig) []nats.Option {
	var opts []nats.Option
	if cfg.Username != "" || cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		opts = append(opts, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}
	return opts
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing bus connection")
	_ = c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) JetStream() nats.JetStreamContext {
	return c.js
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// PublishJSON marshals v and publishes it on subject.
func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// RespondJSON answers msg with v. Messages without a reply subject are
// ignored.
func RespondJSON(msg *nats.Msg, v any) error {
	if msg.Reply == "" {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	return msg.Respond(data)
}

// SubscribeAll subscribes every handler and flushes, so the server knows
// about the subscriptions when it returns. On failure the subscriptions made
// so far are drained.
func (c *Client) SubscribeAll(handlers map[string]nats.MsgHandler) ([]*nats.Subscription, error) {
	subs := make([]*nats.Subscription, 0, len(handlers))
	for subject, h := range handlers {
		sub, err := c.conn.Subscribe(subject, h)
		if err != nil {
			Drain(subs)
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	if err := c.conn.Flush(); err != nil {
		Drain(subs)
		return nil, fmt.Errorf("flush subscriptions: %w", err)
	}
	return subs, nil
}

// Drain stops delivery on every subscription once its pending messages are
// handled.
func Drain(subs []*nats.Subscription) {
	for _, sub := range subs {
		_ = sub.Drain()
	}
}
