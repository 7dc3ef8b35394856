package local

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// PebbleStorage is a Pebble LSM-tree backed Store.
type PebbleStorage struct {
	db     *pebble.DB
	path   string
	logger *zap.Logger
}

// NewPebbleStorage creates a PebbleStorage instance (not yet opened).
func NewPebbleStorage(dbPath string, logger *zap.Logger) *PebbleStorage {
	return &PebbleStorage{
		path:   dbPath,
		logger: logger,
	}
}

// Init opens the Pebble database.
func (p *PebbleStorage) Init() error {
	opts := &pebble.Options{
		Logger: &pebbleLogger{p.logger},
	}
	db, err := pebble.Open(p.path, opts)
	if err != nil {
		return fmt.Errorf("pebble open %s: %w", p.path, err)
	}
	p.db = db
	p.logger.Info("Pebble storage opened", zap.String("path", p.path))
	return nil
}

// Close flushes and closes the database.
func (p *PebbleStorage) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// Get returns a copy of the value at key.
func (p *PebbleStorage) Get(key []byte) ([]byte, error) {
	data, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()
	return clone(data), nil
}

// Scan iterates all keys under prefix.
func (p *PebbleStorage) Scan(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(clone(iter.Key()), clone(iter.Value())); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Commit writes the batch with a single synced Pebble batch.
func (p *PebbleStorage) Commit(b *Batch) error {
	if b.Len() == 0 {
		return nil
	}
	batch := p.db.NewBatch()
	defer batch.Close()
	for _, o := range b.ops {
		var err error
		switch o.kind {
		case opSet:
			err = batch.Set(o.key, o.value, nil)
		case opDelete:
			err = batch.Delete(o.key, nil)
		}
		if err != nil {
			return fmt.Errorf("pebble batch: %w", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble commit: %w", err)
	}
	return nil
}

// pebbleLogger adapts zap.Logger to the pebble.Logger interface.
type pebbleLogger struct {
	z *zap.Logger
}

func (l *pebbleLogger) Infof(format string, args ...any) {
	l.z.Sugar().Infof(format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...any) {
	l.z.Sugar().Fatalf(format, args...)
}
