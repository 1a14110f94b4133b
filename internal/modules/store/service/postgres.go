package service

import (
	"context"
	"time"

	"surge_bot/internal/models"
	"surge_bot/pkg/db"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS bought_codes (
	code           TEXT PRIMARY KEY,
	status         TEXT        NOT NULL,
	attempts       INT         NOT NULL DEFAULT 0,
	updated_at     TIMESTAMPTZ NOT NULL,
	cooldown_until TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS positions (
	code       TEXT PRIMARY KEY,
	id         TEXT        NOT NULL,
	payload    JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS closed_positions (
	id        TEXT PRIMARY KEY,
	code      TEXT        NOT NULL,
	payload   JSONB       NOT NULL,
	closed_at TIMESTAMPTZ NOT NULL
);`

// closedLoadLimit ограничивает, сколько архива тянем в память.
const closedLoadLimit = 500

// Postgres: то же состояние в трёх таблицах. Позиция хранится jsonb.
type Postgres struct {
	tx db.TxManager
}

func NewPostgres(tx db.TxManager) *Postgres {
	return &Postgres{tx: tx}
}

// Migrate создаёт таблицы, если их нет.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.tx.Conn().Exec(ctx, schema)
	return errors.Wrap(err, "Postgres.Migrate")
}

func (p *Postgres) Load(ctx context.Context) (snap models.Snapshot, err error) {
	defer func() {
		if err != nil {
			err = errors.Wrap(err, "Postgres.Load")
		}
	}()

	snap = models.NewSnapshot()
	err = p.tx.RunMaster(ctx, func(ctx context.Context, tx db.Transaction) error {
		rows, err := tx.Query(ctx, `SELECT code, status, attempts, updated_at, cooldown_until FROM bought_codes`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var (
				rec      models.BoughtRecord
				status   string
				cooldown *time.Time
			)
			if err := rows.Scan(&rec.Code, &status, &rec.Attempts, &rec.UpdatedAt, &cooldown); err != nil {
				rows.Close()
				return err
			}
			rec.Status = models.BoughtStatus(status)
			if cooldown != nil {
				rec.CooldownUntil = *cooldown
			}
			snap.Bought[rec.Code] = rec
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		open, err := scanPayloads(ctx, tx, `SELECT payload FROM positions`)
		if err != nil {
			return err
		}
		for _, pos := range open {
			snap.Positions[pos.Code] = pos
		}

		closed, err := scanPayloads(ctx, tx,
			`SELECT payload FROM (SELECT payload, closed_at FROM closed_positions ORDER BY closed_at DESC LIMIT $1) t ORDER BY closed_at`,
			closedLoadLimit)
		if err != nil {
			return err
		}
		snap.Closed = closed
		return nil
	})
	return snap, err
}

func (p *Postgres) PutBought(ctx context.Context, rec models.BoughtRecord) error {
	var cooldown *time.Time
	if !rec.CooldownUntil.IsZero() {
		cooldown = &rec.CooldownUntil
	}
	_, err := p.tx.Conn().Exec(ctx, `
		INSERT INTO bought_codes (code, status, attempts, updated_at, cooldown_until)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (code) DO UPDATE
		SET status = EXCLUDED.status,
		    attempts = EXCLUDED.attempts,
		    updated_at = EXCLUDED.updated_at,
		    cooldown_until = EXCLUDED.cooldown_until`,
		rec.Code, string(rec.Status), rec.Attempts, rec.UpdatedAt, cooldown)
	return errors.Wrap(err, "Postgres.PutBought")
}

func (p *Postgres) DeleteBought(ctx context.Context, code string) error {
	_, err := p.tx.Conn().Exec(ctx, `DELETE FROM bought_codes WHERE code = $1`, code)
	return errors.Wrap(err, "Postgres.DeleteBought")
}

func (p *Postgres) SavePosition(ctx context.Context, pos models.Position) error {
	payload, err := sonic.Marshal(pos)
	if err != nil {
		return errors.Wrap(err, "Postgres.SavePosition marshal")
	}
	_, err = p.tx.Conn().Exec(ctx, `
		INSERT INTO positions (code, id, payload, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (code) DO UPDATE
		SET id = EXCLUDED.id, payload = EXCLUDED.payload, updated_at = now()`,
		pos.Code, pos.ID, payload)
	return errors.Wrap(err, "Postgres.SavePosition")
}

// ArchivePosition удаляет из открытых и пишет в архив одной транзакцией.
func (p *Postgres) ArchivePosition(ctx context.Context, pos models.Position) error {
	payload, err := sonic.Marshal(pos)
	if err != nil {
		return errors.Wrap(err, "Postgres.ArchivePosition marshal")
	}
	closedAt := pos.ExitTime
	if closedAt.IsZero() {
		closedAt = time.Now()
	}
	err = p.tx.RunMaster(ctx, func(ctx context.Context, tx db.Transaction) error {
		if _, err := tx.Exec(ctx, `DELETE FROM positions WHERE code = $1`, pos.Code); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO closed_positions (id, code, payload, closed_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING`,
			pos.ID, pos.Code, payload, closedAt)
		return err
	})
	return errors.Wrap(err, "Postgres.ArchivePosition")
}

// Close ничего не делает, пулом владеет модуль postgres.
func (p *Postgres) Close() error { return nil }

func scanPayloads(ctx context.Context, tx db.Transaction, sql string, args ...any) ([]models.Position, error) {
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	raws, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, err
	}

	out := make([]models.Position, 0, len(raws))
	for _, raw := range raws {
		var pos models.Position
		if err := sonic.Unmarshal(raw, &pos); err != nil {
			return nil, errors.Wrap(err, "decode position")
		}
		out = append(out, pos)
	}
	return out, nil
}
