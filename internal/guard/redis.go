package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

// MarkerStore is a TTL'd single-holder key, implemented by redis.Marker.
type MarkerStore interface {
	Acquire(ctx context.Context, value []byte) error
	Holder(ctx context.Context) ([]byte, error)
	Refresh(ctx context.Context, value []byte) error
	Release(ctx context.Context, value []byte) error
	TTL() time.Duration
}

// RedisGuard holds a marker in Redis and refreshes it every TTL/3 until
// released. Lost is closed if a refresh finds the marker gone or taken.
type RedisGuard struct {
	store  MarkerStore
	logger *slog.Logger

	mu     sync.Mutex
	value  []byte
	stop   context.CancelFunc
	done   chan struct{}
	lost   chan struct{}
	lostMu sync.Once
}

// NewRedisGuard creates a RedisGuard.
func NewRedisGuard(store MarkerStore, logger *slog.Logger) *RedisGuard {
	return &RedisGuard{
		store:  store,
		logger: logger.With(slog.String("component", "guard")),
		lost:   make(chan struct{}),
	}
}

// Lost is closed when the marker is lost while held.
func (g *RedisGuard) Lost() <-chan struct{} { return g.lost }

// Acquire sets the marker and starts the heartbeat.
func (g *RedisGuard) Acquire(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.value != nil {
		return nil
	}

	h := newHolder(time.Now())
	value, err := h.encode()
	if err != nil {
		return fmt.Errorf("guard: encode holder: %w", err)
	}
	if err := g.store.Acquire(ctx, value); err != nil {
		if !errors.Is(err, domain.ErrLockHeld) {
			return fmt.Errorf("guard: %w", err)
		}
		holder := "unknown holder"
		if b, herr := g.store.Holder(ctx); herr == nil {
			if existing, derr := decodeHolder(b); derr == nil {
				holder = existing.String()
			}
		}
		return fmt.Errorf("guard: marker held by %s: %w", holder, domain.ErrAlreadyRunning)
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	g.value = value
	g.stop = cancel
	g.done = make(chan struct{})
	go g.heartbeat(hbCtx, value, g.done)

	g.logger.Info("instance guard acquired", slog.String("backend", "redis"), slog.Int("pid", h.PID))
	return nil
}

func (g *RedisGuard) heartbeat(ctx context.Context, value []byte, done chan struct{}) {
	defer close(done)

	interval := g.store.TTL() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(ctx, interval)
			err := g.store.Refresh(rctx, value)
			cancel()
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			g.logger.Error("guard heartbeat failed", slog.String("error", err.Error()))
			if errors.Is(err, domain.ErrLockLost) {
				g.lostMu.Do(func() { close(g.lost) })
				return
			}
		}
	}
}

// Release stops the heartbeat and deletes the marker if it is still ours.
func (g *RedisGuard) Release(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.value == nil {
		return nil
	}
	g.stop()
	<-g.done
	value := g.value
	g.value = nil

	if err := g.store.Release(ctx, value); err != nil {
		return fmt.Errorf("guard: release: %w", err)
	}
	g.logger.Info("instance guard released", slog.String("backend", "redis"))
	return nil
}
