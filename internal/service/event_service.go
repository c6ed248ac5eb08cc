package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const replayBatch = 200

// Broadcaster pushes encoded events to live clients, e.g. the WebSocket hub.
type Broadcaster interface {
	BroadcastEvent(ev domain.Event, payload []byte)
}

// EventNotifier forwards events to operators.
type EventNotifier interface {
	Notify(ctx context.Context, ev domain.Event) error
}

// EventService implements domain.EventSink. Emit records the event in a
// bounded in-memory ring and queues it; Run fans queued events out to the
// notifier, hub, signal bus and audit log. A slow or failing target never
// blocks the ledger.
type EventService struct {
	mu   sync.RWMutex
	ring []domain.Event
	next int
	full bool

	queue chan domain.Event

	notifier EventNotifier
	hub      Broadcaster
	bus      domain.SignalBus
	channel  string
	stream   string
	audit    domain.AuditStore
	logger   *slog.Logger
}

// NewEventService keeps the last size events in memory.
func NewEventService(size int, logger *slog.Logger) *EventService {
	if size <= 0 {
		size = 500
	}
	return &EventService{
		ring:   make([]domain.Event, size),
		queue:  make(chan domain.Event, 1024),
		logger: logger.With(slog.String("component", "events")),
	}
}

// SetNotifier enables operator notifications.
func (s *EventService) SetNotifier(n EventNotifier) { s.notifier = n }

// SetBroadcaster enables pushing events to live clients.
func (s *EventService) SetBroadcaster(b Broadcaster) { s.hub = b }

// SetBus publishes events on channel and appends them to stream.
func (s *EventService) SetBus(bus domain.SignalBus, channel, stream string) {
	s.bus = bus
	s.channel = channel
	s.stream = stream
}

// SetAudit records every event in the audit log.
func (s *EventService) SetAudit(a domain.AuditStore) { s.audit = a }

// Emit implements domain.EventSink.
func (s *EventService) Emit(_ context.Context, ev domain.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	s.mu.Lock()
	s.recordLocked(ev)
	s.mu.Unlock()

	select {
	case s.queue <- ev:
	default:
		s.logger.Warn("event queue full, fan-out skipped", slog.String("type", string(ev.Type)))
	}
}

func (s *EventService) recordLocked(ev domain.Event) {
	s.ring[s.next] = ev
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.full = true
	}
}

// Replay loads the newest events from the bus stream into the in-memory
// ring, so recent events survive a restart. Replayed events are not fanned
// out again. Without a stream it does nothing.
func (s *EventService) Replay(ctx context.Context) (int, error) {
	if s.bus == nil || s.stream == "" {
		return 0, nil
	}
	var (
		events  []domain.Event
		lastID  = "0"
		skipped int
	)
	for {
		msgs, err := s.bus.StreamRead(ctx, s.stream, lastID, replayBatch)
		if err != nil {
			return 0, fmt.Errorf("events: replay %s: %w", s.stream, err)
		}
		for _, m := range msgs {
			var ev domain.Event
			if err := json.Unmarshal(m.Payload, &ev); err != nil || ev.Type == "" {
				skipped++
				continue
			}
			events = append(events, ev)
		}
		if len(events) > len(s.ring) {
			events = append(events[:0], events[len(events)-len(s.ring):]...)
		}
		if len(msgs) < replayBatch {
			break
		}
		lastID = msgs[len(msgs)-1].ID
	}

	s.mu.Lock()
	for _, ev := range events {
		s.recordLocked(ev)
	}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "events replayed",
		slog.String("stream", s.stream),
		slog.Int("events", len(events)),
		slog.Int("skipped", skipped),
	)
	return len(events), nil
}

// Recent returns up to limit events, newest first. An empty typ matches all.
func (s *EventService) Recent(limit int, typ domain.EventType) []domain.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.next
	if s.full {
		n = len(s.ring)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.Event, 0, limit)
	for i := 1; i <= n && len(out) < limit; i++ {
		ev := s.ring[(s.next-i+len(s.ring))%len(s.ring)]
		if typ != "" && ev.Type != typ {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Run fans out queued events until ctx is cancelled, then drains what is
// left with a short grace period.
func (s *EventService) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return nil
		case ev := <-s.queue:
			s.fanOut(ctx, ev)
		}
	}
}

func (s *EventService) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-s.queue:
			s.fanOut(ctx, ev)
		default:
			return
		}
	}
}

func (s *EventService) fanOut(ctx context.Context, ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.WarnContext(ctx, "encode event", slog.String("error", err.Error()))
		return
	}
	if s.hub != nil {
		s.hub.BroadcastEvent(ev, payload)
	}
	if s.bus != nil {
		if s.channel != "" {
			if err := s.bus.Publish(ctx, s.channel, payload); err != nil {
				s.logger.WarnContext(ctx, "publish event failed", slog.String("error", err.Error()))
			}
		}
		if s.stream != "" {
			if err := s.bus.StreamAppend(ctx, s.stream, payload); err != nil {
				s.logger.WarnContext(ctx, "append event stream failed", slog.String("error", err.Error()))
			}
		}
	}
	if s.audit != nil {
		detail := map[string]any{"instrument": ev.Instrument, "message": ev.Message}
		for k, v := range ev.Fields {
			detail[k] = v
		}
		if err := s.audit.Log(ctx, string(ev.Type), detail); err != nil {
			s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	if s.notifier != nil {
		// Sender errors are logged by the notifier.
		_ = s.notifier.Notify(ctx, ev)
	}
}

var _ domain.EventSink = (*EventService)(nil)
