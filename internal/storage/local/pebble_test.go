package local_test

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggydv12/maison/internal/storage/local"
)

func setupPebble(t *testing.T) *local.PebbleStorage {
	t.Helper()
	dir := t.TempDir()
	logger, _ := zap.NewDevelopment()
	s := local.NewPebbleStorage(dir+"/test-pebble", logger)
	require.NoError(t, s.Init())
	t.Cleanup(func() {
		s.Close()
		os.RemoveAll(dir)
	})
	return s
}

func setupBadger(t *testing.T) *local.BadgerStorage {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	s := local.NewBadgerStorage(t.TempDir()+"/test-badger", logger)
	require.NoError(t, s.Init())
	t.Cleanup(func() { s.Close() })
	return s
}

func setupMemory(t *testing.T) *local.BadgerStorage {
	t.Helper()
	s := local.NewMemoryStorage(zap.NewNop())
	require.NoError(t, s.Init())
	t.Cleanup(func() { s.Close() })
	return s
}

// every backend must pass the same contract
func backends(t *testing.T) map[string]local.Store {
	return map[string]local.Store{
		"pebble": setupPebble(t),
		"badger": setupBadger(t),
		"memory": setupMemory(t),
	}
}

func TestStoreCommitGet(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := local.NewBatch()
			b.Set([]byte("mkt/brand/a"), []byte(`{"name":"a"}`))
			b.Set([]byte("mkt/brand/b"), []byte(`{"name":"b"}`))
			require.NoError(t, s.Commit(b))

			got, err := s.Get([]byte("mkt/brand/a"))
			require.NoError(t, err)
			assert.Equal(t, `{"name":"a"}`, string(got))
		})
	}
}

func TestStoreGetMissing(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get([]byte("nope"))
			assert.True(t, errors.Is(err, local.ErrNotFound))
		})
	}
}

func TestStoreDeleteAndOverwrite(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := local.NewBatch()
			b.Set([]byte("k1"), []byte("v1"))
			b.Set([]byte("k2"), []byte("v2"))
			require.NoError(t, s.Commit(b))

			b = local.NewBatch()
			b.Delete([]byte("k1"))
			b.Set([]byte("k2"), []byte("v2b"))
			require.NoError(t, s.Commit(b))

			_, err := s.Get([]byte("k1"))
			assert.ErrorIs(t, err, local.ErrNotFound)
			got, err := s.Get([]byte("k2"))
			require.NoError(t, err)
			assert.Equal(t, "v2b", string(got))
		})
	}
}

func TestStoreScanPrefix(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := local.NewBatch()
			b.Set([]byte("mkt/active/x/1"), []byte("1"))
			b.Set([]byte("mkt/active/x/2"), []byte("2"))
			b.Set([]byte("mkt/activf"), []byte("outside"))
			b.Set([]byte("mkt/sold/y/1"), []byte("3"))
			require.NoError(t, s.Commit(b))

			var keys []string
			err := s.Scan([]byte("mkt/active/"), func(k, v []byte) error {
				keys = append(keys, string(k))
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"mkt/active/x/1", "mkt/active/x/2"}, keys)
		})
	}
}

func TestStoreScanStopsOnError(t *testing.T) {
	s := setupPebble(t)
	b := local.NewBatch()
	b.Set([]byte("p/1"), []byte("1"))
	b.Set([]byte("p/2"), []byte("2"))
	require.NoError(t, s.Commit(b))

	boom := errors.New("boom")
	calls := 0
	err := s.Scan([]byte("p/"), func(k, v []byte) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestEmptyBatchIsNoop(t *testing.T) {
	s := setupPebble(t)
	assert.NoError(t, s.Commit(local.NewBatch()))
}

func TestPebbleReopenKeepsData(t *testing.T) {
	dir := t.TempDir() + "/reopen"
	s := local.NewPebbleStorage(dir, zap.NewNop())
	require.NoError(t, s.Init())
	b := local.NewBatch()
	b.Set([]byte("host/seq"), []byte("7"))
	require.NoError(t, s.Commit(b))
	require.NoError(t, s.Close())

	s2 := local.NewPebbleStorage(dir, zap.NewNop())
	require.NoError(t, s2.Init())
	defer s2.Close()
	got, err := s2.Get([]byte("host/seq"))
	require.NoError(t, err)
	assert.Equal(t, "7", string(got))
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := local.Open("rocks", "", zap.NewNop())
	assert.Error(t, err)

	s, err := local.Open("memory", "", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Init())
	assert.NoError(t, s.Close())
}
