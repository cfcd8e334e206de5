// Package control exposes the deck on the NATS bus: transport commands,
// caption registration, status queries and annotation change events.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-cassette/internal/annotation"
	"github.com/loqalabs/loqa-cassette/internal/bus"
	"github.com/loqalabs/loqa-cassette/internal/cassette"
	"github.com/loqalabs/loqa-cassette/internal/deck"
	"github.com/loqalabs/loqa-cassette/internal/protocol"
)

const commandTimeout = 2 * time.Second

// Deck is the part of deck.Deck the service drives.
type Deck interface {
	SetState(ctx context.Context, s cassette.State) error
	SetActive(ctx context.Context, index int) error
	SetPlaybackRate(ctx context.Context, rate float64) error
	Seek(ctx context.Context, frac float64) error
	Talk(ctx context.Context, text string) error
	SetSpeaker(ctx context.Context, speaker string) error
	SetPitch(ctx context.Context, pitch float64) error
	PlaySound(ctx context.Context, id uint64) error
	StopSound(ctx context.Context, id uint64) error
	StopAllSounds(ctx context.Context) error
	Status() deck.Status
	Annotations() <-chan annotation.Value
}

// CaptionSink persists captions accepted from the bus.
type CaptionSink interface {
	Add(ctx context.Context, sourceID uint64, anns ...annotation.Annotation) error
	DeleteSource(ctx context.Context, sourceID uint64) (int64, error)
}

type Service struct {
	bus      *bus.Client
	deck     Deck
	captions *annotation.Store
	persist  CaptionSink
	tracer   trace.Tracer

	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewService wires the deck to the bus. persist may be nil.
func NewService(parent context.Context, busClient *bus.Client, d Deck, captions *annotation.Store, persist CaptionSink, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:      busClient,
		deck:     d,
		captions: captions,
		persist:  persist,
		tracer:   otel.Tracer("github.com/loqalabs/loqa-cassette/control"),
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "control-service")),
	}
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectControlState:  s.handleState,
		protocol.SubjectControlActive: s.handleActive,
		protocol.SubjectControlRate:   s.handleRate,
		protocol.SubjectControlSeek:   s.handleSeek,
		protocol.SubjectCaptionAdd:    s.handleCaptionAdd,
		protocol.SubjectCaptionDelete: s.handleCaptionDelete,
		protocol.SubjectSoundPlay:     s.handleSoundPlay,
		protocol.SubjectSoundStop:     s.handleSoundStop,
		protocol.SubjectSoundStopAll:  s.handleSoundStopAll,
		protocol.SubjectSpeechTalk:    s.handleTalk,
		protocol.SubjectQueryStatus:   s.handleStatus,
	}
	subs, err := s.bus.SubscribeAll(handlers)
	if err != nil {
		return err
	}
	s.subs = subs

	s.ensureStream()

	s.wg.Add(1)
	go s.forwardAnnotations()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.unsubscribe()
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return len(s.subs) > 0 && s.bus.Healthy() }

func (s *Service) unsubscribe() {
	bus.Drain(s.subs)
	s.subs = nil
}

// ensureStream retains annotation events when the server runs JetStream.
func (s *Service) ensureStream() {
	js := s.bus.JetStream()
	if js == nil {
		return
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     protocol.StreamAnnotations,
		Subjects: []string{protocol.SubjectAnnotationCurrent},
		Storage:  nats.MemoryStorage,
		MaxMsgs:  10000,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		s.logger.Warn("annotation stream unavailable", slogError(err))
	}
}

func (s *Service) forwardAnnotations() {
	defer s.wg.Done()
	events := s.deck.Annotations()
	for {
		select {
		case <-s.ctx.Done():
			return
		case v := <-events:
			evt := protocol.AnnotationEvent{Text: v.Text, Valid: v.Valid, Timestamp: time.Now().UTC()}
			if err := s.bus.PublishJSON(protocol.SubjectAnnotationCurrent, evt); err != nil {
				s.logger.Warn("failed to publish annotation event", slogError(err))
			}
		}
	}
}

// command decodes msg into req, runs apply under a span and acks when the
// sender asked for a reply. apply fills in the counts of the ack.
func command[T any](s *Service, msg *nats.Msg, apply func(context.Context, T, *protocol.Ack) error) {
	ctx, span := s.tracer.Start(s.ctx, msg.Subject, trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var req T
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode command", slog.String("subject", msg.Subject), slogError(err))
		span.SetStatus(codes.Error, "decode")
		s.reply(msg, protocol.Ack{Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	var ack protocol.Ack
	if err := apply(ctx, req, &ack); err != nil {
		s.logger.Warn("command failed", slog.String("subject", msg.Subject), slogError(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		ack.Error = err.Error()
		s.reply(msg, ack)
		return
	}
	ack.OK = true
	s.reply(msg, ack)
}

func (s *Service) reply(msg *nats.Msg, ack protocol.Ack) {
	if err := bus.RespondJSON(msg, ack); err != nil {
		s.logger.Warn("failed to send ack", slog.String("subject", msg.Subject), slogError(err))
	}
}

func (s *Service) handleState(msg *nats.Msg) {
	command(s, msg, func(ctx context.Context, req protocol.StateCommand, _ *protocol.Ack) error {
		state, err := cassette.ParseState(req.State)
		if err != nil {
			return err
		}
		return s.deck.SetState(ctx, state)
	})
}

func (s *Service) handleActive(msg *nats.Msg) {
	command(s, msg, func(ctx context.Context, req protocol.ActiveCommand, _ *protocol.Ack) error {
		return s.deck.SetActive(ctx, req.Index)
	})
}

func (s *Service) handleRate(msg *nats.Msg) {
	command(s, msg, func(ctx context.Context, req protocol.RateCommand, _ *protocol.Ack) error {
		return s.deck.SetPlaybackRate(ctx, req.Rate)
	})
}

func (s *Service) handleSeek(msg *nats.Msg) {
	command(s, msg, func(ctx context.Context, req protocol.SeekCommand, _ *protocol.Ack) error {
		return s.deck.Seek(ctx, req.Position)
	})
}

func (s *Service) handleSoundPlay(msg *nats.Msg) {
	command(s, msg, func(ctx context.Context, req protocol.SoundCommand, _ *protocol.Ack) error {
		return s.deck.PlaySound(ctx, req.SoundID)
	})
}

func (s *Service) handleSoundStop(msg *nats.Msg) {
	command(s, msg, func(ctx context.Context, req protocol.SoundCommand, _ *protocol.Ack) error {
		return s.deck.StopSound(ctx, req.SoundID)
	})
}

func (s *Service) handleSoundStopAll(msg *nats.Msg) {
	command(s, msg, func(ctx context.Context, _ protocol.StopAllCommand, _ *protocol.Ack) error {
		return s.deck.StopAllSounds(ctx)
	})
}

func (s *Service) handleTalk(msg *nats.Msg) {
	command(s, msg, func(ctx context.Context, req protocol.TalkCommand, _ *protocol.Ack) error {
		if req.Pitch < 0 {
			return fmt.Errorf("pitch %v must not be negative", req.Pitch)
		}
		if req.Speaker != "" {
			if err := s.deck.SetSpeaker(ctx, req.Speaker); err != nil {
				return err
			}
		}
		if req.Pitch > 0 {
			if err := s.deck.SetPitch(ctx, req.Pitch); err != nil {
				return err
			}
		}
		return s.deck.Talk(ctx, req.Text)
	})
}

// handleCaptionAdd keeps the entries parsed before a malformed one, both in
// memory and on disk, and reports the failure.
func (s *Service) handleCaptionAdd(msg *nats.Msg) {
	command(s, msg, func(ctx context.Context, req protocol.CaptionAdd, ack *protocol.Ack) error {
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("cassette.source_id", int64(req.SourceID)))
		parsed, parseErr := annotation.ParseList(req.Captions)
		for _, a := range parsed {
			s.captions.AddAnnotation(req.SourceID, a)
		}
		ack.Added = len(parsed)
		if s.persist != nil && len(parsed) > 0 {
			if err := s.persist.Add(ctx, req.SourceID, parsed...); err != nil {
				return errors.Join(parseErr, err)
			}
		}
		return parseErr
	})
}

// handleCaptionDelete forgets a source in memory first, so lookups stop
// matching even when the database delete fails.
func (s *Service) handleCaptionDelete(msg *nats.Msg) {
	command(s, msg, func(ctx context.Context, req protocol.CaptionDelete, ack *protocol.Ack) error {
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("cassette.source_id", int64(req.SourceID)))
		ack.Removed = s.captions.RemoveSource(req.SourceID)
		if s.persist == nil {
			return nil
		}
		if _, err := s.persist.DeleteSource(ctx, req.SourceID); err != nil {
			return fmt.Errorf("delete persisted captions: %w", err)
		}
		return nil
	})
}

func (s *Service) handleStatus(msg *nats.Msg) {
	_, span := s.tracer.Start(s.ctx, msg.Subject, trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	if err := bus.RespondJSON(msg, StatusMessage(s.deck.Status())); err != nil {
		s.logger.Warn("failed to send status", slogError(err))
	}
}

// StatusMessage converts a deck snapshot to its wire form.
func StatusMessage(st deck.Status) protocol.Status {
	return protocol.Status{
		State:         st.State.String(),
		Active:        st.Active,
		Position:      st.Position,
		HeadPos:       st.HeadPos,
		Velocity:      st.Velocity,
		PlaybackRate:  st.PlaybackRate,
		Annotation:    st.Annotation.Text,
		HasAnnotation: st.Annotation.Valid,
		Talking:       st.Talking,
		Pitch:         st.Pitch,
		Blocks:        st.Blocks,
		Timestamp:     time.Now().UTC(),
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
