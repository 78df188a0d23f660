// Package archive persists transcript lifecycle events from the bus into the
// event store.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

type Service struct {
	bus    *bus.Client
	store  *eventstore.Store
	logger *slog.Logger
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	ready  bool
}

func NewService(parent context.Context, busClient *bus.Client, store *eventstore.Store, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:    busClient,
		store:  store,
		logger: logger.With(slog.String("component", "archive")),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to transcript events. Nothing is subscribed when the
// store is ephemeral or no bus is available.
func (s *Service) Start() error {
	if s.store == nil || s.store.Ephemeral() || s.bus == nil {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTranscriptPrefix+".>", s.handle)
	if err != nil {
		return fmt.Errorf("subscribe transcript events: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	if s.store == nil || s.store.Ephemeral() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Service) handle(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()

	var err error
	switch msg.Subject {
	case protocol.SubjectSessionOpened:
		var evt protocol.SessionEvent
		if err = json.Unmarshal(msg.Data, &evt); err == nil {
			err = s.store.OpenSession(ctx, evt.SessionID, evt.RemoteAddr, evt.Timestamp)
		}
	case protocol.SubjectSessionClosed:
		var evt protocol.SessionEvent
		if err = json.Unmarshal(msg.Data, &evt); err == nil {
			err = s.store.CloseSession(ctx, evt.SessionID, evt.Text, evt.Offset, evt.Timestamp)
		}
	case protocol.SubjectChunk:
		var evt protocol.ChunkEvent
		if err = json.Unmarshal(msg.Data, &evt); err == nil {
			err = s.store.AppendChunk(ctx, eventstore.Chunk{
				SessionID: evt.SessionID,
				Sequence:  evt.Sequence,
				Text:      evt.Text,
				Segments:  evt.Segments,
				Offset:    evt.Offset,
				Duration:  evt.Duration,
				Language:  evt.Language,
				CreatedAt: evt.Timestamp,
			})
		}
	default:
		return
	}
	if err != nil {
		s.logger.Warn("failed to archive transcript event",
			slog.String("subject", msg.Subject),
			slog.String("error", err.Error()))
	}
}
