package local

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerStorage is a Badger backed Store. With an empty path it runs fully in memory.
type BadgerStorage struct {
	db     *badger.DB
	path   string
	logger *zap.Logger
}

// NewBadgerStorage creates a BadgerStorage instance (not yet opened).
func NewBadgerStorage(dbPath string, logger *zap.Logger) *BadgerStorage {
	return &BadgerStorage{path: dbPath, logger: logger}
}

// NewMemoryStorage creates an in-memory Badger store. Nothing survives Close.
func NewMemoryStorage(logger *zap.Logger) *BadgerStorage {
	return &BadgerStorage{logger: logger}
}

// Init opens the Badger database.
func (b *BadgerStorage) Init() error {
	opts := badger.DefaultOptions(b.path).
		WithLogger(&badgerLogger{b.logger.Sugar()}).
		WithLoggingLevel(badger.WARNING)
	if b.path == "" {
		opts = opts.WithInMemory(true)
	} else {
		opts = opts.WithSyncWrites(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("badger open %s: %w", b.path, err)
	}
	b.db = db
	b.logger.Info("Badger storage opened", zap.String("path", b.path), zap.Bool("inMemory", b.path == ""))
	return nil
}

// Close closes the database.
func (b *BadgerStorage) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// Get returns a copy of the value at key.
func (b *BadgerStorage) Get(key []byte) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return val, nil
}

// Scan iterates all keys under prefix.
func (b *BadgerStorage) Scan(prefix []byte, fn func(key, value []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("badger value: %w", err)
			}
			if err := fn(item.KeyCopy(nil), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// Commit applies the batch inside one Badger read-write transaction.
func (b *BadgerStorage) Commit(batch *Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, o := range batch.ops {
			var err error
			switch o.kind {
			case opSet:
				err = txn.Set(o.key, o.value)
			case opDelete:
				err = txn.Delete(o.key)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger commit: %w", err)
	}
	return nil
}

// badgerLogger adapts zap to the badger.Logger interface.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...any)   { l.s.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...any) { l.s.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...any)    { l.s.Infof(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...any)   { l.s.Debugf(format, args...) }
