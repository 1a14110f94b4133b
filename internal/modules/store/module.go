package store

import (
	"context"

	"surge_bot/internal/modules/config"
	"surge_bot/internal/modules/postgres"
	"surge_bot/internal/modules/store/service"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewBackend выбирает хранилище по store.driver.
func NewBackend(ctx context.Context, lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (service.Backend, error) {
	switch cfg.Store.Driver {
	case "postgres":
		tx, err := postgres.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				tx.Close()
				return nil
			},
		})
		pg := service.NewPostgres(tx)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		log.Info("[STORE] using postgres")
		return pg, nil
	default:
		log.Info("[STORE] using file", zap.String("path", cfg.Store.Path))
		return service.NewFile(cfg.Store.Path), nil
	}
}

func NewJournal(ctx context.Context, lc fx.Lifecycle, b service.Backend, log *zap.Logger) (*service.Journal, error) {
	j, err := service.NewJournal(ctx, b, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return j.Close()
		},
	})
	return j, nil
}

func Module() fx.Option {
	return fx.Module("store",
		fx.Provide(
			NewBackend,
			NewJournal,
		),
	)
}
