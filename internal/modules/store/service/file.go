package service

import (
	"context"
	"os"
	"path/filepath"

	"surge_bot/internal/models"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
)

// File хранит состояние одним JSON-документом. Запись атомарная
// (временный файл, fsync, rename).
type File struct {
	path string
	doc  models.Snapshot
}

func NewFile(path string) *File {
	return &File{path: path, doc: models.NewSnapshot()}
}

func (f *File) Load(context.Context) (models.Snapshot, error) {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		f.doc = models.NewSnapshot()
		return f.doc.Clone(), nil
	}
	if err != nil {
		return models.Snapshot{}, errors.Wrapf(err, "read %s", f.path)
	}

	doc := models.NewSnapshot()
	if len(raw) > 0 {
		if err := sonic.Unmarshal(raw, &doc); err != nil {
			return models.Snapshot{}, errors.Wrapf(err, "decode %s", f.path)
		}
	}
	if doc.Bought == nil {
		doc.Bought = make(map[string]models.BoughtRecord)
	}
	if doc.Positions == nil {
		doc.Positions = make(map[string]models.Position)
	}
	f.doc = doc
	return f.doc.Clone(), nil
}

func (f *File) PutBought(_ context.Context, rec models.BoughtRecord) error {
	return f.apply(func(doc *models.Snapshot) { doc.Bought[rec.Code] = rec })
}

func (f *File) DeleteBought(_ context.Context, code string) error {
	return f.apply(func(doc *models.Snapshot) { delete(doc.Bought, code) })
}

func (f *File) SavePosition(_ context.Context, pos models.Position) error {
	return f.apply(func(doc *models.Snapshot) { doc.Positions[pos.Code] = pos })
}

func (f *File) ArchivePosition(_ context.Context, pos models.Position) error {
	return f.apply(func(doc *models.Snapshot) {
		delete(doc.Positions, pos.Code)
		doc.Closed = keepRecent(append(doc.Closed, pos))
	})
}

func (f *File) Close() error { return nil }

// apply меняет копию документа и подменяет её только после успешной записи.
func (f *File) apply(mutate func(doc *models.Snapshot)) error {
	next := f.doc.Clone()
	mutate(&next)
	if err := f.write(next); err != nil {
		return err
	}
	f.doc = next
	return nil
}

func (f *File) write(doc models.Snapshot) error {
	raw, err := sonic.ConfigStd.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode state")
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "mkdir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp")
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName) // после rename файла уже нет
	}()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write temp")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "fsync temp")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp")
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return errors.Wrap(err, "rename")
	}
	return nil
}
