// Package filestore persists trade history, aggregates and the ledger
// snapshot as JSON files in a single directory.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	tradesFile   = "trades.json"
	dailyFile    = "daily_stats.json"
	lifetimeFile = "lifetime_stats.json"
	ledgerFile   = "ledger.json"
)

// Store implements domain.Persistence on the local filesystem.
type Store struct {
	dir    string
	logger *slog.Logger

	mu     sync.Mutex
	loaded bool
	trades []domain.TradeRecord
	ids    map[string]struct{}
}

// New creates the data directory if needed and returns a Store rooted at it.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create %s: %w", dir, err)
	}
	return &Store{
		dir:    dir,
		logger: logger.With(slog.String("component", "filestore")),
	}, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// RecordTrade appends t to history unless a trade with the same ID exists,
// then recomputes the aggregates touched by it. Both steps are safe to
// repeat after a partial failure.
func (s *Store) RecordTrade(_ context.Context, t domain.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadTradesLocked(); err != nil {
		return err
	}
	if _, dup := s.ids[t.ID]; !dup {
		next := make([]domain.TradeRecord, len(s.trades), len(s.trades)+1)
		copy(next, s.trades)
		next = append(next, t)
		if err := s.writeJSON(tradesFile, next); err != nil {
			return fmt.Errorf("filestore: record trade %s: %w", t.ID, err)
		}
		s.trades = next
		s.ids[t.ID] = struct{}{}
	}

	daily, err := s.loadDailyLocked()
	if err != nil {
		return err
	}
	day := t.Day()
	daily[day] = domain.ComputeDaily(day, s.trades)
	if err := s.writeJSON(dailyFile, daily); err != nil {
		return fmt.Errorf("filestore: write daily stats: %w", err)
	}
	if err := s.writeJSON(lifetimeFile, domain.ComputeLifetime(s.trades)); err != nil {
		return fmt.Errorf("filestore: write lifetime stats: %w", err)
	}
	return nil
}

// ListTrades returns trades ordered by close time, filtered by opts.
func (s *Store) ListTrades(_ context.Context, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadTradesLocked(); err != nil {
		return nil, err
	}
	return filterTrades(s.trades, opts), nil
}

func filterTrades(trades []domain.TradeRecord, opts domain.ListOpts) []domain.TradeRecord {
	out := make([]domain.TradeRecord, 0, len(trades))
	for _, t := range trades {
		if opts.Instrument != "" && t.Instrument != opts.Instrument {
			continue
		}
		if opts.Since != nil && t.ClosedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !t.ClosedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ClosedAt.Before(out[j].ClosedAt) })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []domain.TradeRecord{}
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out
}

// DailyAggregate returns the stored aggregate for date or ErrNotFound.
func (s *Store) DailyAggregate(_ context.Context, date string) (domain.DailyAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	daily, err := s.loadDailyLocked()
	if err != nil {
		return domain.DailyAggregate{}, err
	}
	agg, ok := daily[date]
	if !ok {
		return domain.DailyAggregate{}, fmt.Errorf("filestore: daily stats %s: %w", date, domain.ErrNotFound)
	}
	return agg, nil
}

// LifetimeStats returns the stored lifetime statistics.
func (s *Store) LifetimeStats(_ context.Context) (domain.LifetimeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats domain.LifetimeStats
	found, err := s.readJSON(lifetimeFile, &stats)
	if err != nil {
		return domain.LifetimeStats{}, fmt.Errorf("filestore: read lifetime stats: %w", err)
	}
	if !found {
		if err := s.loadTradesLocked(); err != nil {
			return domain.LifetimeStats{}, err
		}
		return domain.ComputeLifetime(s.trades), nil
	}
	return stats, nil
}

// Recalculate rebuilds every daily aggregate and the lifetime statistics from
// trade history.
func (s *Store) Recalculate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadTradesLocked(); err != nil {
		return err
	}
	daily := make(map[string]domain.DailyAggregate)
	for _, t := range s.trades {
		agg := daily[t.Day()]
		agg.Date = t.Day()
		agg.Apply(t)
		daily[t.Day()] = agg
	}
	if err := s.writeJSON(dailyFile, daily); err != nil {
		return fmt.Errorf("filestore: recalculate daily stats: %w", err)
	}
	if err := s.writeJSON(lifetimeFile, domain.ComputeLifetime(s.trades)); err != nil {
		return fmt.Errorf("filestore: recalculate lifetime stats: %w", err)
	}
	s.logger.InfoContext(ctx, "statistics recalculated",
		slog.Int("trades", len(s.trades)),
		slog.Int("days", len(daily)),
	)
	return nil
}

// SaveSnapshot writes the ledger snapshot.
func (s *Store) SaveSnapshot(_ context.Context, snap domain.LedgerSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeJSON(ledgerFile, snap); err != nil {
		return fmt.Errorf("filestore: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the ledger snapshot or returns ErrNotFound.
func (s *Store) LoadSnapshot(_ context.Context) (domain.LedgerSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap domain.LedgerSnapshot
	found, err := s.readJSON(ledgerFile, &snap)
	if err != nil {
		return domain.LedgerSnapshot{}, fmt.Errorf("filestore: load snapshot: %w", err)
	}
	if !found {
		return domain.LedgerSnapshot{}, fmt.Errorf("filestore: load snapshot: %w", domain.ErrNotFound)
	}
	return snap, nil
}

func (s *Store) loadTradesLocked() error {
	if s.loaded {
		return nil
	}
	var trades []domain.TradeRecord
	if _, err := s.readJSON(tradesFile, &trades); err != nil {
		return fmt.Errorf("filestore: read trades: %w", err)
	}
	s.trades = trades
	s.ids = make(map[string]struct{}, len(trades))
	for _, t := range trades {
		s.ids[t.ID] = struct{}{}
	}
	s.loaded = true
	return nil
}

func (s *Store) loadDailyLocked() (map[string]domain.DailyAggregate, error) {
	daily := make(map[string]domain.DailyAggregate)
	if _, err := s.readJSON(dailyFile, &daily); err != nil {
		return nil, fmt.Errorf("filestore: read daily stats: %w", err)
	}
	if daily == nil {
		daily = make(map[string]domain.DailyAggregate)
	}
	return daily, nil
}

func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return writeAtomic(s.path(name), data)
}

// readJSON decodes name into v. A missing or corrupt primary file falls back
// to its backup. found is false when neither exists.
func (s *Store) readJSON(name string, v any) (found bool, err error) {
	path := s.path(name)
	primaryErr := decodeFile(path, v)
	if primaryErr == nil {
		return true, nil
	}

	resetValue(v)
	backupErr := decodeFile(path+backupSuffix, v)
	switch {
	case backupErr == nil:
		s.logger.Warn("restored from backup",
			slog.String("file", name),
			slog.String("error", primaryErr.Error()),
		)
		return true, nil
	case errors.Is(primaryErr, fs.ErrNotExist) && errors.Is(backupErr, fs.ErrNotExist):
		return false, nil
	case errors.Is(primaryErr, fs.ErrNotExist):
		return false, fmt.Errorf("%s backup: %w", name, backupErr)
	default:
		return false, fmt.Errorf("%s: %w", name, primaryErr)
	}
}

// resetValue zeroes the value v points to so a partial decode of a corrupt
// file does not leak into the backup decode.
func resetValue(v any) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv.Elem().Set(reflect.Zero(rv.Elem().Type()))
	}
}

func decodeFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
