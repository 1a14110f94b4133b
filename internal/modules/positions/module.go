package positions

import (
	"surge_bot/internal/modules/config"
	rest "surge_bot/internal/modules/kiwoom_client/service"
	orders "surge_bot/internal/modules/orders/service"
	"surge_bot/internal/modules/positions/service"
	store "surge_bot/internal/modules/store/service"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module собирает менеджер позиций. Состояние поднимается из журнала сразу,
// а сверку с брокером делает runner при старте.
func Module() fx.Option {
	return fx.Module("positions",
		fx.Provide(
			func(cfg *config.Config, gw *orders.Gateway, rc *rest.Client, j *store.Journal, n service.Notifier, log *zap.Logger) *service.Manager {
				m := service.NewManager(service.OptionsFromConfig(cfg), gw, rc, j, n, log)
				m.Restore(j.Snapshot())
				return m
			},
		),
	)
}
