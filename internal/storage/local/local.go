// Package local defines the Store interface for the node's authoritative key-value state.
package local

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("not found")

// Store is the single-node authoritative KV store backing the marketplace and the issuer.
type Store interface {
	// Init opens/creates the underlying store.
	Init() error
	// Close flushes and closes the store.
	Close() error
	// Get returns a copy of the value stored at key, or ErrNotFound.
	Get(key []byte) ([]byte, error)
	// Scan calls fn for every key with the given prefix, in key order.
	Scan(prefix []byte, fn func(key, value []byte) error) error
	// Commit applies every operation in b atomically.
	Commit(b *Batch) error
}

type opKind int

const (
	opSet opKind = iota
	opDelete
)

type op struct {
	kind  opKind
	key   []byte
	value []byte
}

// Batch is an ordered list of writes applied by Store.Commit in one atomic step.
type Batch struct {
	ops []op
}

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Set queues a write of value at key.
func (b *Batch) Set(key, value []byte) {
	b.ops = append(b.ops, op{kind: opSet, key: clone(key), value: clone(value)})
}

// Delete queues removal of key.
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, op{kind: opDelete, key: clone(key)})
}

// Len returns the number of queued operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Reset drops all queued operations.
func (b *Batch) Reset() {
	b.ops = b.ops[:0]
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// prefixUpperBound returns the smallest key greater than every key with the given prefix,
// or nil when no such key exists.
func prefixUpperBound(prefix []byte) []byte {
	end := clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Open builds the Store for the named backend. "memory" ignores path.
func Open(backend, path string, logger *zap.Logger) (Store, error) {
	switch backend {
	case "", "pebble":
		return NewPebbleStorage(path, logger), nil
	case "badger":
		return NewBadgerStorage(path, logger), nil
	case "memory":
		return NewMemoryStorage(logger), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", backend)
	}
}
