package redis

import (
	"context"
	"fmt"
	"log/slog"

	jsoniter "github.com/json-iterator/go"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SignalSource decodes entry signals published as JSON on a Pub/Sub
// channel. Malformed payloads are logged and dropped.
type SignalSource struct {
	bus     domain.SignalBus
	channel string
	logger  *slog.Logger
}

// NewSignalSource creates a SignalSource reading channel from bus.
func NewSignalSource(bus domain.SignalBus, channel string, logger *slog.Logger) *SignalSource {
	return &SignalSource{
		bus:     bus,
		channel: channel,
		logger:  logger.With(slog.String("component", "signal_source")),
	}
}

// Signals subscribes and returns a channel closed when ctx is done.
func (s *SignalSource) Signals(ctx context.Context) (<-chan domain.EntrySignal, error) {
	raw, err := s.bus.Subscribe(ctx, s.channel)
	if err != nil {
		return nil, fmt.Errorf("redis: signals: %w", err)
	}

	out := make(chan domain.EntrySignal, 32)
	go func() {
		defer close(out)
		for payload := range raw {
			var sig domain.EntrySignal
			if err := json.Unmarshal(payload, &sig); err != nil {
				s.logger.Warn("dropping malformed signal",
					slog.String("error", err.Error()),
					slog.Int("bytes", len(payload)),
				)
				continue
			}
			select {
			case out <- sig:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
