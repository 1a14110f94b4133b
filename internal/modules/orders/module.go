package orders

import (
	"surge_bot/internal/modules/config"
	rest "surge_bot/internal/modules/kiwoom_client/service"
	"surge_bot/internal/modules/orders/service"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module() fx.Option {
	return fx.Module("orders",
		fx.Provide(
			func(cfg *config.Config, rc *rest.Client, log *zap.Logger) *service.Gateway {
				return service.NewGateway(rc, service.OrderPolicy(cfg), cfg.Orders.Timeout, log)
			},
		),
	)
}
