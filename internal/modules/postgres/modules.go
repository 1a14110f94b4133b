package postgres

import (
	"context"

	"surge_bot/internal/modules/config"
	"surge_bot/pkg/db"

	"github.com/pkg/errors"
)

// Open поднимает пул по cfg.DB и проверяет соединение.
// Пул закрывает вызывающий через PgTxManager.Close.
func Open(ctx context.Context, cfg *config.Config) (*db.PgTxManager, error) {
	poolMaster, err := db.NewPool(ctx, db.PoolConfig{
		DSN:      cfg.DB,
		MaxConns: 4,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create poolMaster")
	}

	if err := poolMaster.Ping(ctx); err != nil {
		poolMaster.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	return db.NewPgTxManager(poolMaster), nil
}
