package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"surge_bot/internal/models"
	"surge_bot/internal/modules/config"
	positions "surge_bot/internal/modules/positions/service"
	"surge_bot/pkg/workerpool"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Stream: сессия котировок.
type Stream interface {
	Connect(ctx context.Context) error
	Run(ctx context.Context) error
	Ticks() <-chan models.Tick
	Subscribe(codes ...string) error
	OnState(fn func(connected bool))
	Close(ctx context.Context) error
}

// Screener: первая стадия отбора на тике.
type Screener interface {
	OnTick(t models.Tick) (models.Candidate, bool)
}

// Positions: менеджер позиций.
type Positions interface {
	NeedsExit(t models.Tick) (models.ExitReason, bool)
	OnTick(ctx context.Context, t models.Tick) (bool, error)
	OpenCodes() []string
	Reconcile(ctx context.Context) (positions.ReconcileReport, error)
}

type Jobs interface {
	Submit(key string, fn workerpool.Job) bool
	Run(ctx context.Context) error
	Drain(ctx context.Context) bool
}

type Watchlist interface {
	Codes(ctx context.Context) ([]string, error)
}

// Health: флаги для проб.
type Health interface {
	SetReady(v bool)
	SetWSConnected(v bool)
	TouchTick(t time.Time)
}

type Notifier interface {
	Notify(ctx context.Context, msg string)
}

type Options struct {
	ReconcileInterval time.Duration
	WatchlistRefresh  time.Duration
	Grace             time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ReconcileInterval: cfg.Positions.ReconcileInterval,
		WatchlistRefresh:  cfg.Watchlist.Refresh,
		Grace:             cfg.Shutdown.Grace,
	}
}

// Engine связывает стрим, отбор и позиции. Цикл тиков один,
// тяжёлая работа уходит в пул.
type Engine struct {
	opt       Options
	stream    Stream
	screener  Screener
	positions Positions
	jobs      Jobs
	watchlist Watchlist
	health    Health
	notify    Notifier
	log       *zap.Logger

	cancel   context.CancelFunc
	poolStop context.CancelFunc
	wg       sync.WaitGroup
	fatal    chan error
}

func NewEngine(opt Options, stream Stream, screener Screener, pos Positions, jobs Jobs, wl Watchlist, health Health, notify Notifier, log *zap.Logger) *Engine {
	return &Engine{
		opt:       opt,
		stream:    stream,
		screener:  screener,
		positions: pos,
		jobs:      jobs,
		watchlist: wl,
		health:    health,
		notify:    notify,
		log:       log.Named("runner"),
		fatal:     make(chan error, 1),
	}
}

// Fatal отдаёт ошибку, после которой работать нельзя (отказ авторизации стрима).
func (e *Engine) Fatal() <-chan error { return e.fatal }

// Start сверяется с брокером, подключается, подписывается и запускает фоновые циклы.
func (e *Engine) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	e.cancel = cancel
	poolCtx, poolStop := context.WithCancel(context.Background())
	e.poolStop = poolStop

	e.reconcile(ctx, "startup")

	e.stream.OnState(func(connected bool) {
		e.health.SetWSConnected(connected)
		e.health.SetReady(connected)
	})
	if err := e.stream.Connect(parent); err != nil {
		cancel()
		poolStop()
		if errors.Is(err, models.ErrAuth) {
			e.notify.Notify(ctx, "🛑 stream login rejected: "+err.Error())
		}
		return errors.Wrap(err, "stream connect")
	}

	codes := e.watchCodes(ctx)
	if err := e.stream.Subscribe(codes...); err != nil {
		e.log.Warn("[RUNNER] subscribe failed", zap.Error(err))
	}
	e.log.Info("[RUNNER] started", zap.Int("codes", len(codes)))

	e.goLoop(func() {
		if err := e.jobs.Run(poolCtx); err != nil {
			e.log.Error("[RUNNER] pool stopped", zap.Error(err))
		}
	})
	e.goLoop(func() {
		if err := e.stream.Run(ctx); err != nil {
			e.log.Error("[RUNNER] stream stopped", zap.Error(err))
			e.notify.Notify(ctx, "🛑 stream stopped: "+err.Error())
			select {
			case e.fatal <- err:
			default:
			}
		}
	})
	e.goLoop(func() { e.tickLoop(ctx) })
	e.goLoop(func() { e.every(ctx, e.opt.ReconcileInterval, func() { e.reconcile(ctx, "periodic") }) })
	e.goLoop(func() { e.every(ctx, e.opt.WatchlistRefresh, func() { e.refreshWatchlist(ctx) }) })

	e.notify.Notify(ctx, fmt.Sprintf("🚀 surge_bot started: %d codes watched", len(codes)))
	return nil
}

// Stop закрывает стрим, пул дорабатывает очередь в пределах Grace.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel == nil {
		return nil
	}
	e.health.SetReady(false)

	grace := e.opt.Grace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	gctx, gcancel := context.WithTimeout(ctx, grace)
	defer gcancel()

	if err := e.stream.Close(gctx); err != nil {
		e.log.Warn("[RUNNER] stream close", zap.Error(err))
	}
	e.cancel()

	if !e.jobs.Drain(gctx) {
		e.log.Warn("[RUNNER] grace period expired, cancelling jobs")
	}
	e.poolStop()
	e.wg.Wait()
	close(e.fatal)
	e.cancel = nil
	e.log.Info("[RUNNER] stopped")
	return nil
}

func (e *Engine) goLoop(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// tickLoop единственный читает тики и на сети не блокируется.
func (e *Engine) tickLoop(ctx context.Context) {
	ticks := e.stream.Ticks()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ticks:
			if !ok {
				return
			}
			e.onTick(t)
		}
	}
}

func (e *Engine) onTick(t models.Tick) {
	e.health.TouchTick(t.At)

	if _, exit := e.positions.NeedsExit(t); exit {
		e.jobs.Submit("exit:"+t.Code, func(ctx context.Context) {
			if _, err := e.positions.OnTick(ctx, t); err != nil {
				e.log.Warn("[RUNNER] exit failed", zap.String("code", t.Code), zap.Error(err))
			}
		})
	}
	e.screener.OnTick(t)
}

func (e *Engine) every(ctx context.Context, d time.Duration, fn func()) {
	if d <= 0 {
		return
	}
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (e *Engine) reconcile(ctx context.Context, why string) {
	report, err := e.positions.Reconcile(ctx)
	if err != nil {
		e.log.Warn("[RUNNER] reconcile failed", zap.String("trigger", why), zap.Error(err))
		return
	}
	if len(report.Adopted) > 0 {
		// усыновлённые коды нужно слушать
		if err := e.stream.Subscribe(report.Adopted...); err != nil {
			e.log.Warn("[RUNNER] subscribe adopted", zap.Error(err))
		}
	}
}

func (e *Engine) watchCodes(ctx context.Context) []string {
	codes := e.positions.OpenCodes()
	wl, err := e.watchlist.Codes(ctx)
	if err != nil {
		e.log.Warn("[RUNNER] watchlist unavailable", zap.Error(err))
	}
	return append(codes, wl...)
}

func (e *Engine) refreshWatchlist(ctx context.Context) {
	codes, err := e.watchlist.Codes(ctx)
	if err != nil {
		e.log.Warn("[RUNNER] watchlist refresh failed", zap.Error(err))
		return
	}
	// подписка идемпотентна, уйдут только новые коды
	if err := e.stream.Subscribe(codes...); err != nil {
		e.log.Warn("[RUNNER] subscribe on refresh", zap.Error(err))
	}
}
