// Package presence tracks the decks sharing a bus. Each deck announces itself
// once, then publishes heartbeats carrying its transport state; a deck that
// misses heartbeats for longer than the timeout is marked unhealthy.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-cassette/internal/bus"
	"github.com/loqalabs/loqa-cassette/internal/config"
	"github.com/loqalabs/loqa-cassette/internal/deck"
	"github.com/loqalabs/loqa-cassette/internal/protocol"
)

// DeckInfo is the registry's view of one deck.
type DeckInfo struct {
	ID            string    `json:"id"`
	Runtime       string    `json:"runtime,omitempty"`
	Backend       string    `json:"backend,omitempty"`
	SampleRate    int       `json:"sample_rate,omitempty"`
	RecordSeconds int       `json:"record_seconds,omitempty"`
	Sounds        []uint64  `json:"sounds,omitempty"`
	State         string    `json:"state,omitempty"`
	Position      float64   `json:"position"`
	LastSeen      time.Time `json:"last_seen"`
	Healthy       bool      `json:"healthy"`
}

// StatusSource reports the local transport state for heartbeats.
type StatusSource interface {
	Status() deck.Status
}

type Registry struct {
	cfg    config.PresenceConfig
	local  protocol.DeckAnnounce
	status StatusSource
	log    *slog.Logger
	bus    *bus.Client
	now    func() time.Time

	mu        sync.RWMutex
	decks     map[string]*DeckInfo
	announced map[string]bool

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	subs    []*nats.Subscription
	metrics metric.Registration
}

// NewRegistry subscribes to announcements and heartbeats, announces the
// local deck and starts its heartbeat. local.DeckID defaults to cfg.ID.
func NewRegistry(ctx context.Context, cfg config.PresenceConfig, local protocol.DeckAnnounce, status StatusSource, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	if local.DeckID == "" {
		local.DeckID = cfg.ID
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:       cfg,
		local:     local,
		status:    status,
		log:       log.With(slog.String("component", "presence-registry"), slog.String("deck_id", local.DeckID)),
		bus:       busClient,
		now:       func() time.Time { return time.Now().UTC() },
		decks:     make(map[string]*DeckInfo),
		announced: make(map[string]bool),
		cancel:    cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce deck", slog.String("error", err.Error()))
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	bus.Drain(r.subs)
	r.subs = nil
	r.wg.Wait()
	if r.metrics != nil {
		_ = r.metrics.Unregister()
		r.metrics = nil
	}
}

// subscribe returns once the server holds the subscriptions, so the first
// announce cannot race past them.
func (r *Registry) subscribe() error {
	subs, err := r.bus.SubscribeAll(map[string]nats.MsgHandler{
		protocol.SubjectDeckAnnounce:         r.handleAnnounce,
		protocol.SubjectDeckHeartbeat + ".*": r.handleHeartbeat,
	})
	if err != nil {
		return fmt.Errorf("presence: %w", err)
	}
	r.subs = subs
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := r.local
	msg.Timestamp = r.now()
	if err := r.bus.PublishJSON(protocol.SubjectDeckAnnounce, msg); err != nil {
		return err
	}
	r.applyAnnounce(msg)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := protocol.DeckHeartbeat{DeckID: r.local.DeckID, Timestamp: r.now()}
	if r.status != nil {
		st := r.status.Status()
		msg.State = st.State.String()
		msg.Position = st.Position
	}
	return r.bus.PublishJSON(heartbeatSubject(r.local.DeckID), msg)
}

// heartbeatSubject keeps the deck id a single subject token.
func heartbeatSubject(id string) string {
	token := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(id)
	return protocol.SubjectDeckHeartbeat + "." + token
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a protocol.DeckAnnounce
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.DeckID == "" {
		r.log.Warn("invalid announce message", slog.String("subject", msg.Subject))
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = r.now()
	}
	// Answer a deck new to us so it learns what it missed before joining.
	if first := r.applyAnnounce(a); first && a.DeckID != r.local.DeckID {
		if err := r.announce(); err != nil {
			r.log.Warn("failed to announce deck", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.DeckHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.DeckID == "" {
		r.log.Warn("invalid heartbeat message", slog.String("subject", msg.Subject))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.entry(hb.DeckID)
	d.State = hb.State
	d.Position = hb.Position
	d.LastSeen = hb.Timestamp
	d.Healthy = true
}

// applyAnnounce reports whether this is the first announce seen from the deck.
func (r *Registry) applyAnnounce(a protocol.DeckAnnounce) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	first := !r.announced[a.DeckID]
	r.announced[a.DeckID] = true
	d := r.entry(a.DeckID)
	d.Runtime = a.Runtime
	d.Backend = a.Backend
	d.SampleRate = a.SampleRate
	d.RecordSeconds = a.RecordSeconds
	d.Sounds = append([]uint64(nil), a.Sounds...)
	d.LastSeen = a.Timestamp
	d.Healthy = true
	return first
}

// entry must be called with mu held.
func (r *Registry) entry(id string) *DeckInfo {
	d, ok := r.decks[id]
	if !ok {
		d = &DeckInfo{ID: id}
		r.decks[id] = d
	}
	return d
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.now()
	for _, d := range r.decks {
		if now.Sub(d.LastSeen) > timeout {
			d.Healthy = false
		}
	}
}

// Healthy reports whether the local deck is currently seen on the bus.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.decks[r.local.DeckID]
	return ok && d.Healthy
}

// Query returns copies of the known decks accepted by filter, ordered by id.
// A nil filter accepts every deck.
func (r *Registry) Query(filter func(DeckInfo) bool) []DeckInfo {
	r.mu.RLock()
	results := make([]DeckInfo, 0, len(r.decks))
	for _, d := range r.decks {
		info := *d
		info.Sounds = append([]uint64(nil), d.Sounds...)
		if filter == nil || filter(info) {
			results = append(results, info)
		}
	}
	r.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func WithState(state string) func(DeckInfo) bool {
	return func(d DeckInfo) bool { return d.State == state }
}

func WithSound(id uint64) func(DeckInfo) bool {
	return func(d DeckInfo) bool {
		for _, s := range d.Sounds {
			if s == id {
				return true
			}
		}
		return false
	}
}

func HealthyOnly(d DeckInfo) bool { return d.Healthy }

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-cassette/presence")
	known, err := meter.Int64ObservableGauge("cassette.presence.decks", metric.WithDescription("Number of known decks"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("cassette.presence.healthy", metric.WithDescription("Number of decks with a recent heartbeat"))
	if err != nil {
		return err
	}
	r.metrics, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, live := r.snapshotCounts()
		obs.ObserveInt64(known, total)
		obs.ObserveInt64(healthy, live)
		return nil
	}, known, healthy)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total, live int64
	for _, d := range r.decks {
		total++
		if d.Healthy {
			live++
		}
	}
	return total, live
}
