package guard

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

// FileGuard holds an O_EXCL marker file. A marker left by a dead process, by
// an earlier process with our own pid, or one that cannot be parsed is
// reclaimed.
type FileGuard struct {
	path   string
	logger *slog.Logger
	alive  func(pid int) bool

	mu   sync.Mutex
	self *Holder
}

// NewFileGuard creates a guard on path.
func NewFileGuard(path string, logger *slog.Logger) *FileGuard {
	return &FileGuard{
		path:   path,
		logger: logger.With(slog.String("component", "guard")),
		alive:  processAlive,
	}
}

// Path returns the marker path.
func (g *FileGuard) Path() string { return g.path }

// Acquire writes the marker or returns domain.ErrAlreadyRunning naming the
// live holder.
func (g *FileGuard) Acquire(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.self != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(g.path), 0o755); err != nil {
		return fmt.Errorf("guard: mkdir: %w", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		h := newHolder(time.Now())
		err := g.create(h)
		if err == nil {
			g.self = &h
			g.logger.Info("instance guard acquired", slog.String("path", g.path), slog.Int("pid", h.PID))
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("guard: create marker: %w", err)
		}

		existing, readErr := g.read()
		switch {
		case readErr != nil:
			g.logger.Warn("reclaiming unreadable marker", slog.String("path", g.path), slog.String("error", readErr.Error()))
		case existing.PID == os.Getpid():
			g.logger.Warn("reclaiming marker left with our pid", slog.String("holder", existing.String()))
		case g.alive(existing.PID):
			return fmt.Errorf("guard: %s held by %s: %w", g.path, existing, domain.ErrAlreadyRunning)
		default:
			g.logger.Warn("reclaiming stale marker", slog.String("holder", existing.String()))
		}
		if err := os.Remove(g.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("guard: remove stale marker: %w", err)
		}
	}
	return fmt.Errorf("guard: %s contended: %w", g.path, domain.ErrAlreadyRunning)
}

func (g *FileGuard) create(h Holder) error {
	b, err := h.encode()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(g.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(g.path)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(g.path)
		return err
	}
	return f.Close()
}

func (g *FileGuard) read() (Holder, error) {
	b, err := os.ReadFile(g.path)
	if err != nil {
		return Holder{}, err
	}
	return decodeHolder(b)
}

// Release removes the marker if it is still ours.
func (g *FileGuard) Release(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.self == nil {
		return nil
	}
	self := *g.self
	g.self = nil

	existing, err := g.read()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("guard: read marker on release: %w", err)
	}
	if existing.Token != self.Token {
		g.logger.Warn("marker no longer ours, leaving it", slog.String("holder", existing.String()))
		return nil
	}
	if err := os.Remove(g.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("guard: remove marker: %w", err)
	}
	g.logger.Info("instance guard released", slog.String("path", g.path))
	return nil
}
