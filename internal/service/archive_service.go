package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

// ArchiveService periodically copies closed trades to cold storage.
type ArchiveService struct {
	archiver domain.Archiver
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewArchiveService creates an ArchiveService running every interval
// (default 6h).
func NewArchiveService(archiver domain.Archiver, interval time.Duration, logger *slog.Logger) *ArchiveService {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &ArchiveService{
		archiver: archiver,
		interval: interval,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "archive")),
	}
}

// RunOnce archives every complete day before today.
func (s *ArchiveService) RunOnce(ctx context.Context) (int64, error) {
	n, err := s.archiver.ArchiveTrades(ctx, s.now())
	if err != nil {
		return n, err
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "trades archived", slog.Int64("count", n))
	}
	return n, nil
}

// Run archives once at start and then every interval.
func (s *ArchiveService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
