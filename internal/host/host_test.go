package host_test

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggydv12/maison/internal/errs"
	"github.com/iggydv12/maison/internal/event"
	"github.com/iggydv12/maison/internal/host"
	"github.com/iggydv12/maison/internal/storage/local"
)

var (
	alice   = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	custody = common.HexToAddress("0x00000000000000000000000000000000000c0570")
)

func setupHost(t *testing.T) (*host.Host, *event.Bus, local.Store) {
	t.Helper()
	store := local.NewPebbleStorage(t.TempDir()+"/host", zap.NewNop())
	require.NoError(t, store.Init())
	bus := event.NewBus(nil, zap.NewNop())
	t.Cleanup(func() {
		bus.Stop()
		store.Close()
	})
	h, err := host.New(store, bus, nil, zap.NewNop())
	require.NoError(t, err)
	return h, bus, store
}

func TestFundAndBalance(t *testing.T) {
	h, _, _ := setupHost(t)
	require.NoError(t, h.Fund(alice, uint256.NewInt(500)))
	require.NoError(t, h.Fund(alice, uint256.NewInt(20)))

	assert.Equal(t, uint64(520), h.BalanceOf(alice).Uint64())
	assert.True(t, h.BalanceOf(bob).IsZero())
}

func TestExecuteMovesValueIntoCustody(t *testing.T) {
	h, _, _ := setupHost(t)
	require.NoError(t, h.Fund(alice, uint256.NewInt(100)))

	err := h.Execute(alice, custody, uint256.NewInt(30), func(tx *host.Tx) error {
		assert.Equal(t, alice, tx.Caller())
		assert.Equal(t, uint64(30), tx.Value().Uint64())
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(70), h.BalanceOf(alice).Uint64())
	assert.Equal(t, uint64(30), h.BalanceOf(custody).Uint64())
}

func TestExecuteInsufficientAccountBalance(t *testing.T) {
	h, _, _ := setupHost(t)
	require.NoError(t, h.Fund(alice, uint256.NewInt(10)))

	state := map[string]int{"tokens": 0}
	err := h.Execute(alice, custody, uint256.NewInt(11), func(tx *host.Tx) error {
		state["tokens"] = 1
		tx.OnRollback(func() { state["tokens"] = 0 })
		return tx.Put("nft/owner/0", alice)
	})
	assert.True(t, errs.Is(err, errs.InsufficientPayment))
	assert.Equal(t, 0, state["tokens"])
	assert.Equal(t, uint64(10), h.BalanceOf(alice).Uint64())
	assert.True(t, h.BalanceOf(custody).IsZero())
}

func TestExecuteLogicErrorBeforePayment(t *testing.T) {
	h, _, _ := setupHost(t)

	boom := errs.New(errs.Forbidden, "not a registered client")
	err := h.Execute(alice, custody, uint256.NewInt(11), func(tx *host.Tx) error {
		return boom
	})
	assert.True(t, errs.Is(err, errs.Forbidden))
	assert.True(t, h.BalanceOf(alice).IsZero())
}

func TestExecuteCustodyCannotPayItself(t *testing.T) {
	h, bus, _ := setupHost(t)
	require.NoError(t, h.Fund(custody, uint256.NewInt(10)))
	_, events := bus.Subscribe(event.Any)
	seq := h.Seq()

	ran := false
	err := h.Execute(custody, custody, uint256.NewInt(5), func(tx *host.Tx) error {
		ran = true
		return nil
	})
	assert.True(t, errs.Is(err, errs.InvalidArgument))
	assert.False(t, ran)
	assert.Equal(t, uint64(10), h.BalanceOf(custody).Uint64())
	assert.Equal(t, seq, h.Seq())
	assert.Len(t, events, 0)

	// without value the custody account may still act as caller
	require.NoError(t, h.Execute(custody, custody, nil, func(tx *host.Tx) error { return nil }))
}

func TestExecuteFailureRollsBackEverything(t *testing.T) {
	h, bus, store := setupHost(t)
	require.NoError(t, h.Fund(alice, uint256.NewInt(100)))
	_, events := bus.Subscribe(event.ListingCreated)

	state := map[string]int{"listings": 0}
	boom := errs.New(errs.Forbidden, "not a registered brand")
	err := h.Execute(alice, custody, uint256.NewInt(40), func(tx *host.Tx) error {
		state["listings"] = 1
		tx.OnRollback(func() { state["listings"] = 0 })
		require.NoError(t, tx.Put("mkt/active/x/0", "listing"))
		tx.Emit(event.ListingCreated, nil)
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, 0, state["listings"])
	assert.Equal(t, uint64(100), h.BalanceOf(alice).Uint64())
	assert.True(t, h.BalanceOf(custody).IsZero())
	_, getErr := store.Get([]byte("mkt/active/x/0"))
	assert.ErrorIs(t, getErr, local.ErrNotFound)
	assert.Len(t, events, 0)
}

func TestExecutePanicIsReverted(t *testing.T) {
	h, _, _ := setupHost(t)
	require.NoError(t, h.Fund(alice, uint256.NewInt(5)))

	err := h.Execute(alice, custody, uint256.NewInt(5), func(tx *host.Tx) error {
		panic("oops")
	})
	assert.Error(t, err)
	assert.Equal(t, uint64(5), h.BalanceOf(alice).Uint64())
}

func TestEventsPublishedInCommitOrder(t *testing.T) {
	h, bus, _ := setupHost(t)
	_, events := bus.Subscribe(event.Any)

	for i := 0; i < 3; i++ {
		err := h.Execute(alice, custody, nil, func(tx *host.Tx) error {
			tx.Emit(event.ClientRegistered, event.ClientRegisteredData{Client: bob})
			return nil
		})
		require.NoError(t, err)
	}

	for want := uint64(1); want <= 3; want++ {
		select {
		case evt := <-events:
			assert.Equal(t, want, evt.Seq)
			assert.Equal(t, custody.Hex(), evt.Source)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	assert.Equal(t, uint64(3), h.Seq())
}

func TestTransferInsideUnit(t *testing.T) {
	h, _, _ := setupHost(t)
	require.NoError(t, h.Fund(custody, uint256.NewInt(50)))

	err := h.Execute(alice, custody, nil, func(tx *host.Tx) error {
		return tx.Transfer(custody, bob, uint256.NewInt(50))
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(50), h.BalanceOf(bob).Uint64())
	assert.True(t, h.BalanceOf(custody).IsZero())
}

func TestStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir() + "/restart"
	store := local.NewPebbleStorage(dir, zap.NewNop())
	require.NoError(t, store.Init())
	bus := event.NewBus(nil, zap.NewNop())
	defer bus.Stop()

	h, err := host.New(store, bus, nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, h.Fund(alice, uint256.NewInt(77)))
	require.NoError(t, store.Close())

	store2 := local.NewPebbleStorage(dir, zap.NewNop())
	require.NoError(t, store2.Init())
	defer store2.Close()
	h2, err := host.New(store2, bus, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, uint64(77), h2.BalanceOf(alice).Uint64())
	assert.Equal(t, uint64(1), h2.Seq())
}

func TestApplyGenesisOnce(t *testing.T) {
	h, _, _ := setupHost(t)
	alloc := map[common.Address]*uint256.Int{alice: uint256.NewInt(9), bob: uint256.NewInt(1)}

	applied, err := h.ApplyGenesis(alloc)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = h.ApplyGenesis(alloc)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, uint64(9), h.BalanceOf(alice).Uint64())
}

type failingStore struct {
	local.Store
}

func (failingStore) Commit(*local.Batch) error { return errors.New("disk full") }

func TestCommitFailureRollsBack(t *testing.T) {
	_, bus, store := setupHost(t)
	h, err := host.New(failingStore{store}, bus, nil, zap.NewNop())
	require.NoError(t, err)

	err = h.Fund(alice, uint256.NewInt(3))
	assert.ErrorContains(t, err, "disk full")
	assert.True(t, h.BalanceOf(alice).IsZero())
	assert.Equal(t, uint64(0), h.Seq())
}
