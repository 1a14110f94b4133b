package screening

import (
	"surge_bot/internal/modules/config"
	rest "surge_bot/internal/modules/kiwoom_client/service"
	"surge_bot/internal/modules/screening/service"
	"surge_bot/pkg/workerpool"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module собирает конвейер отбора. Opener (менеджер позиций) и пул приходят из runner.
func Module() fx.Option {
	return fx.Module("screening",
		fx.Provide(
			func(cfg *config.Config, rc *rest.Client, opener service.Opener, pool *workerpool.Pool, log *zap.Logger) *service.Pipeline {
				return service.NewPipeline(service.OptionsFromConfig(cfg), rc, opener, pool, log)
			},
		),
	)
}
