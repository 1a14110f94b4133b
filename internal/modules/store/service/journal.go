package service

import (
	"context"
	"sync"

	"surge_bot/internal/models"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// maxClosedKept ограничивает архив закрытых сделок в файле и в памяти.
const maxClosedKept = 1000

// Backend это конкретное хранилище (файл или postgres).
type Backend interface {
	Load(ctx context.Context) (models.Snapshot, error)
	PutBought(ctx context.Context, rec models.BoughtRecord) error
	DeleteBought(ctx context.Context, code string) error
	SavePosition(ctx context.Context, pos models.Position) error
	ArchivePosition(ctx context.Context, pos models.Position) error
	Close() error
}

// Journal это единственный путь записи состояния. Запись сериализована,
// зеркало в памяти меняется только после успешной записи в backend,
// поэтому память и диск не расходятся.
type Journal struct {
	mu     sync.Mutex
	b      Backend
	mirror models.Snapshot
	log    *zap.Logger
}

func NewJournal(ctx context.Context, b Backend, log *zap.Logger) (*Journal, error) {
	snap, err := b.Load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load state")
	}
	if snap.Bought == nil {
		snap.Bought = make(map[string]models.BoughtRecord)
	}
	if snap.Positions == nil {
		snap.Positions = make(map[string]models.Position)
	}
	snap.Closed = keepRecent(snap.Closed)
	log = log.Named("store")
	log.Info("[STORE] state loaded",
		zap.Int("bought", len(snap.Bought)),
		zap.Int("open", len(snap.Positions)),
		zap.Int("closed", len(snap.Closed)),
	)
	return &Journal{b: b, mirror: snap, log: log}, nil
}

// Snapshot отдаёт копию зафиксированного состояния.
func (j *Journal) Snapshot() models.Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.mirror.Clone()
}

func (j *Journal) PutBought(ctx context.Context, rec models.BoughtRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.b.PutBought(ctx, rec); err != nil {
		return j.fail("put bought", rec.Code, err)
	}
	j.mirror.Bought[rec.Code] = rec
	return nil
}

func (j *Journal) DeleteBought(ctx context.Context, code string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.b.DeleteBought(ctx, code); err != nil {
		return j.fail("delete bought", code, err)
	}
	delete(j.mirror.Bought, code)
	return nil
}

func (j *Journal) SavePosition(ctx context.Context, pos models.Position) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.b.SavePosition(ctx, pos); err != nil {
		return j.fail("save position", pos.Code, err)
	}
	j.mirror.Positions[pos.Code] = pos
	return nil
}

// ArchivePosition переносит закрытую позицию из открытых в архив.
func (j *Journal) ArchivePosition(ctx context.Context, pos models.Position) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.b.ArchivePosition(ctx, pos); err != nil {
		return j.fail("archive position", pos.Code, err)
	}
	delete(j.mirror.Positions, pos.Code)
	j.mirror.Closed = keepRecent(append(j.mirror.Closed, pos))
	return nil
}

// keepRecent оставляет последние maxClosedKept закрытых сделок.
func keepRecent(closed []models.Position) []models.Position {
	if n := len(closed); n > maxClosedKept {
		return closed[n-maxClosedKept:]
	}
	return closed
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.b.Close()
}

func (j *Journal) fail(op, code string, err error) error {
	j.log.Error("[STORE] write failed", zap.String("op", op), zap.String("code", code), zap.Error(err))
	return errors.Wrapf(models.ErrPersistence, "%s %s: %v", op, code, err)
}
