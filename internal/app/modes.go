package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/spotguard/internal/cache/redis"
	"github.com/alanyoungcy/spotguard/internal/domain"
	"github.com/alanyoungcy/spotguard/internal/executor"
	"github.com/alanyoungcy/spotguard/internal/feed"
	"github.com/alanyoungcy/spotguard/internal/ledger"
	"github.com/alanyoungcy/spotguard/internal/monitor"
	"github.com/alanyoungcy/spotguard/internal/risk"
	"github.com/alanyoungcy/spotguard/internal/server"
	"github.com/alanyoungcy/spotguard/internal/server/handler"
	"github.com/alanyoungcy/spotguard/internal/server/ws"
	"github.com/alanyoungcy/spotguard/internal/service"
)

// ErrGuardLost is returned when the exclusivity marker is taken over while
// the engine is running.
var ErrGuardLost = errors.New("app: exclusivity guard lost")

// engine is the set of components built around one ledger.
type engine struct {
	ledger     *ledger.Ledger
	events     *service.EventService
	control    *service.ControlService
	supervisor *monitor.Supervisor
	executor   *executor.Executor // nil in monitor mode
}

// TradeMode accepts entry signals, monitors every open position and serves
// the HTTP API.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")
	return a.runEngine(ctx, deps, true)
}

// MonitorMode manages existing positions to completion. No new entries are
// accepted.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	return a.runEngine(ctx, deps, false)
}

// ReportMode prints lifetime statistics and today's aggregate, optionally
// rebuilding aggregates from trade history first.
func (a *App) ReportMode(ctx context.Context, deps *Dependencies) error {
	if a.recalculate {
		if deps.Guard != nil {
			if err := deps.Guard.Acquire(ctx); err != nil {
				return fmt.Errorf("report: %w", err)
			}
			defer func() { _ = deps.Guard.Release(context.Background()) }()
		}
		if err := deps.Store.Recalculate(ctx); err != nil {
			return fmt.Errorf("report: recalculate: %w", err)
		}
		a.logger.InfoContext(ctx, "aggregates rebuilt from trade history")
	}

	stats, err := deps.Store.LifetimeStats(ctx)
	if err != nil {
		return fmt.Errorf("report: lifetime stats: %w", err)
	}
	today := domain.DayOf(time.Now())
	daily, err := deps.Store.DailyAggregate(ctx, today)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("report: daily aggregate: %w", err)
	}
	daily.Date = today

	writeReport(a.out, stats, daily)
	return nil
}

// runEngine holds the guard for the engine's lifetime, restores the ledger
// and runs every component under one errgroup.
func (a *App) runEngine(ctx context.Context, deps *Dependencies, entries bool) error {
	if err := deps.Guard.Acquire(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := deps.Guard.Release(relCtx); err != nil {
			a.logger.Warn("guard release failed", slog.String("error", err.Error()))
		}
	}()

	eng, err := a.buildEngine(ctx, deps, entries)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	var signals <-chan domain.EntrySignal
	if eng.executor != nil {
		signals, err = a.signalChannel(ctx, deps)
		if err != nil {
			return err
		}
	}

	if lg, ok := deps.Guard.(interface{ Lost() <-chan struct{} }); ok {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return nil
			case <-lg.Lost():
				a.logger.Error("exclusivity guard lost, stopping engine")
				return ErrGuardLost
			}
		})
	}

	hub := ws.NewHub(func() any { return eng.control.Status(context.Background()) }, a.root)
	eng.events.SetBroadcaster(hub)
	eng.control.SetClientCounter(hub.ClientCount)
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return eng.events.Run(ctx) })
	g.Go(func() error { return eng.supervisor.Run(ctx) })

	if eng.executor != nil {
		g.Go(func() error { return eng.executor.Run(ctx, signals) })
	}

	a.startFeed(ctx, g, deps, eng.supervisor)

	if a.cfg.Exchange.SyncBalance {
		bal := service.NewBalanceService(deps.Exchange, eng.ledger, a.cfg.Exchange.QuoteAsset,
			a.cfg.Exchange.BalanceInterval.Duration, a.root)
		if err := bal.Sync(ctx); err != nil {
			a.logger.WarnContext(ctx, "initial balance sync failed", slog.String("error", err.Error()))
		}
		g.Go(func() error { return bal.Run(ctx) })
	}

	if deps.Archiver != nil {
		arch := service.NewArchiveService(deps.Archiver, a.cfg.Archive.Interval.Duration, a.root)
		g.Go(func() error { return arch.Run(ctx) })
	}

	if a.cfg.Server.Enabled {
		srv := a.newServer(deps, eng, hub)
		g.Go(func() error { return srv.Run(ctx) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// buildEngine creates the ledger, restores its state and builds the
// components that drive it.
func (a *App) buildEngine(ctx context.Context, deps *Dependencies, entries bool) (*engine, error) {
	cfg := a.cfg

	events := service.NewEventService(cfg.Ledger.EventBuffer, a.root)
	if deps.Notifier.Enabled() {
		events.SetNotifier(deps.Notifier)
	}
	if deps.SignalBus != nil {
		events.SetBus(deps.SignalBus, cfg.Redis.EventChannel, cfg.Redis.EventStream)
		if _, err := events.Replay(ctx); err != nil {
			a.logger.WarnContext(ctx, "event replay failed", slog.String("error", err.Error()))
		}
	}
	if deps.Audit != nil {
		events.SetAudit(deps.Audit)
	}

	l := ledger.New(ledger.Config{
		InitialBalance:   cfg.Ledger.InitialBalance,
		HeatCeiling:      cfg.Risk.HeatCeiling,
		CooldownDuration: cfg.Ledger.CooldownDuration.Duration,
		MaxCloseAttempts: cfg.Ledger.MaxCloseAttempts,
		MaxPositions:     cfg.Risk.MaxPositions,
		DailyLossLimit:   cfg.Risk.DailyLossLimit,
		FeeRate:          cfg.Ledger.FeeRate,
		Trail: risk.TrailParams{
			ActivationPct: cfg.Exits.TrailActivationPct,
			ATRMultiplier: cfg.Exits.TrailATRMultiplier,
			FallbackPct:   cfg.Exits.TrailFallbackPct,
			TightenRate:   cfg.Exits.TrailTightenRate,
			MinScale:      cfg.Exits.TrailMinScale,
		},
	}, deps.Store, events, a.root)

	restored, err := l.Restore(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.logger.InfoContext(ctx, "ledger ready", slog.Int("restored_positions", restored))

	filler := executor.PaperFiller{SlippageBps: cfg.Entry.SlippageBps}

	sup := monitor.NewSupervisor(l, deps.PriceFeed, filler, cfg.Entry.Instruments, monitor.Config{
		PollInterval:     cfg.Monitor.PollInterval.Duration,
		PriceTimeout:     cfg.Monitor.PriceTimeout.Duration,
		MaxTickJumpPct:   cfg.Monitor.MaxTickJumpPct,
		StopConfirmTicks: cfg.Monitor.StopConfirmTicks,
		SweepInterval:    cfg.Monitor.SweepInterval.Duration,
		MaxPositionAge:   cfg.Monitor.MaxPositionAge.Duration,
	}, a.root)

	control := service.NewControlService(l, deps.Store, deps.Prices, events, cfg.Mode, cfg.Risk.HeatCeiling, a.root)
	if deps.Audit != nil {
		control.SetAudit(deps.Audit)
	}

	eng := &engine{
		ledger:     l,
		events:     events,
		control:    control,
		supervisor: sup,
	}

	if entries {
		exec := executor.New(executor.Config{
			MinConfidence: cfg.Entry.MinConfidence,
			DedupTTL:      cfg.Entry.DedupTTL.Duration,
			Instruments:   cfg.Entry.Instruments,
			Sizing: risk.SizingParams{
				RiskPerTrade:      cfg.Risk.RiskPerTrade,
				MaxSinglePosition: cfg.Risk.MaxSinglePosition,
				EdgeCap:           cfg.Risk.EdgeCap,
				VolatilityScaling: cfg.Risk.VolatilityScaling,
				MinQuantity:       cfg.Risk.MinQuantity,
				QuantityStep:      cfg.Risk.QuantityStep,
			},
			Levels: risk.LevelParams{
				StopATRMultiplier: cfg.Exits.StopATRMultiplier,
				StopPct:           cfg.Exits.StopPct,
				RewardRisk:        cfg.Exits.RewardRisk,
			},
			KellyMinTrades: cfg.Risk.KellyMinTrades,
			MinEdge:        cfg.Risk.MinEdge,
		}, l, deps.PriceFeed, filler, events, a.root)
		exec.SetVolatilitySource(deps.Exchange)
		exec.SetStats(deps.Store)
		exec.SetWatcher(sup)
		eng.executor = exec
	}

	return eng, nil
}

// signalChannel subscribes to entry signals on the bus. Without a bus (or
// with signals disabled) the returned channel never delivers and entries
// arrive only through POST /api/signals.
func (a *App) signalChannel(ctx context.Context, deps *Dependencies) (<-chan domain.EntrySignal, error) {
	if !a.cfg.Entry.SignalsEnabled || deps.SignalBus == nil {
		a.logger.InfoContext(ctx, "bus signals disabled; entries accepted over HTTP only")
		return nil, nil
	}
	src := redis.NewSignalSource(deps.SignalBus, a.cfg.Entry.SignalChannel, a.root)
	ch, err := src.Signals(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.logger.InfoContext(ctx, "subscribed to entry signals", slog.String("channel", a.cfg.Entry.SignalChannel))
	return ch, nil
}

// startFeed keeps the Redis price cache warm. With the exchange as the
// source the poller writes exchange prices into the cache and republishes
// them; with Redis as the source the relay copies published ticks into it.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies, sup *monitor.Supervisor) {
	if !a.cfg.Feed.Relay || deps.PriceCache == nil {
		return
	}
	switch a.cfg.Feed.Source {
	case "redis":
		relay := feed.NewRelay(deps.SignalBus, deps.PriceCache, a.cfg.Feed.PriceChannel, a.root)
		g.Go(func() error { return relay.Run(ctx) })
	default:
		poller := feed.NewPoller(deps.Exchange, deps.PriceCache, sup, a.cfg.Feed.PollInterval.Duration, a.root)
		poller.SetPublisher(deps.SignalBus, a.cfg.Feed.PriceChannel)
		g.Go(func() error { return poller.Run(ctx) })
	}
}

// newServer builds the HTTP API over the engine.
func (a *App) newServer(deps *Dependencies, eng *engine, hub *ws.Hub) *server.Server {
	var submit handler.SignalHandlerFunc
	if eng.executor != nil {
		submit = eng.executor.Handle
	}
	return server.NewServer(server.Config{
		Host:        a.cfg.Server.Host,
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(deps.Checks, a.root),
		Control: handler.NewControlHandler(eng.control, a.cfg.Risk.HeatCeiling, a.root),
		Signals: handler.NewSignalHandler(submit, a.root),
	}, hub, a.root)
}
