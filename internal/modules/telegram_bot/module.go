package telegram

import (
	"context"

	positions "surge_bot/internal/modules/positions/service"
	"surge_bot/internal/modules/telegram_bot/service"

	"go.uber.org/fx"
)

func Module() fx.Option {
	return fx.Module("telegram",
		fx.Provide(
			service.NewTelegram,
		),

		// Адаптер: *service.Telegram -> positions.Notifier
		fx.Provide(
			func(t *service.Telegram) positions.Notifier {
				return t
			},
		),
		// Запуск long-polling через Lifecycle
		fx.Invoke(
			func(lc fx.Lifecycle, t *service.Telegram, m *positions.Manager) {
				t.Attach(m)
				var cancel context.CancelFunc
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error {
						var ctx context.Context
						ctx, cancel = context.WithCancel(context.Background())
						t.Start(ctx)
						return nil
					},
					OnStop: func(context.Context) error {
						if cancel != nil {
							cancel()
						}
						t.Stop()
						return nil
					},
				})
			},
		),
	)
}
