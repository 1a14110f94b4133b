package bootstrap

import (
	bootstrap "surge_bot/internal/modules/bootstrap/service"
	rest "surge_bot/internal/modules/kiwoom_client/service"

	"go.uber.org/fx"
)

// Module: источник watchlist. Подписку и периодическое обновление ведёт runner.
func Module() fx.Option {
	return fx.Module("bootstrap",
		fx.Provide(
			func(rc *rest.Client) bootstrap.Ranker { return rc },
			bootstrap.NewWatchlist,
		),
	)
}
