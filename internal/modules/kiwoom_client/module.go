package kiwoom_client

import (
	"surge_bot/internal/modules/kiwoom_client/service"

	"go.uber.org/fx"
)

// Module: REST-клиент Kiwoom (токен, графики, заявки, счёт).
func Module() fx.Option {
	return fx.Module("kiwoom_client",
		fx.Provide(
			service.NewClient,
		),
	)
}
