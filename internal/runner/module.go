package runner

import (
	"context"

	bootstrap "surge_bot/internal/modules/bootstrap/service"
	"surge_bot/internal/modules/config"
	health "surge_bot/internal/modules/health/service"
	ws "surge_bot/internal/modules/kiwoom_websocket/service"
	positions "surge_bot/internal/modules/positions/service"
	screening "surge_bot/internal/modules/screening/service"
	"surge_bot/pkg/workerpool"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module() fx.Option {
	return fx.Module("runner",
		fx.Provide(
			func(cfg *config.Config, log *zap.Logger) *workerpool.Pool {
				return workerpool.New(cfg.Screening.Workers, cfg.Screening.QueueSize, log)
			},
			// менеджер позиций открывает то, что прошло отбор
			func(m *positions.Manager) screening.Opener { return m },
			func(
				cfg *config.Config,
				s *ws.Session,
				p *screening.Pipeline,
				m *positions.Manager,
				pool *workerpool.Pool,
				wl *bootstrap.Watchlist,
				h *health.State,
				n positions.Notifier,
				log *zap.Logger,
			) *Engine {
				return NewEngine(OptionsFromConfig(cfg), s, p, m, pool, wl, h, n, log)
			},
		),
		fx.Invoke(func(lc fx.Lifecycle, sd fx.Shutdowner, e *Engine, log *zap.Logger) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					if err := e.Start(ctx); err != nil {
						return err
					}
					go func() {
						if err, ok := <-e.Fatal(); ok {
							log.Error("[RUNNER] fatal, shutting down", zap.Error(err))
							_ = sd.Shutdown(fx.ExitCode(1))
						}
					}()
					return nil
				},
				OnStop: e.Stop,
			})
		}),
	)
}
