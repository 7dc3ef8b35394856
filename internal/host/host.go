// Package host runs marketplace and issuer operations as serialized, all-or-nothing units of work.
//
// A unit of work runs the component's logic against a Tx, moves the attached value from the
// caller into the component's custody account, and then either commits every buffered storage
// write in one batch and publishes the buffered events, or undoes every in-memory change it made.
package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/iggydv12/maison/internal/errs"
	"github.com/iggydv12/maison/internal/event"
	"github.com/iggydv12/maison/internal/storage/local"
)

const (
	accountPrefix = "acct/"
	seqKey        = "host/seq"
	genesisKey    = "host/genesis"
)

type metrics struct {
	units    *prometheus.CounterVec
	accounts prometheus.Gauge
}

// Host owns external account balances and the global unit-of-work lock.
type Host struct {
	mu       sync.RWMutex
	store    local.Store
	bus      *event.Bus
	balances map[common.Address]*uint256.Int
	seq      uint64
	metrics  *metrics
	logger   *zap.Logger
}

// New creates a Host over an opened store and restores balances and the event sequence.
func New(store local.Store, bus *event.Bus, reg prometheus.Registerer, logger *zap.Logger) (*Host, error) {
	h := &Host{
		store:    store,
		bus:      bus,
		balances: make(map[common.Address]*uint256.Int),
		logger:   logger,
	}
	if reg != nil {
		factory := promauto.With(reg)
		h.metrics = &metrics{
			units: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "maison_units_total",
				Help: "Units of work, by outcome",
			}, []string{"outcome"}),
			accounts: factory.NewGauge(prometheus.GaugeOpts{
				Name: "maison_accounts",
				Help: "External accounts with a recorded balance",
			}),
		}
	}
	if err := h.load(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Host) load() error {
	err := h.store.Scan([]byte(accountPrefix), func(key, value []byte) error {
		addr := common.HexToAddress(strings.TrimPrefix(string(key), accountPrefix))
		bal := new(uint256.Int)
		if err := json.Unmarshal(value, bal); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		h.balances[addr] = bal
		return nil
	})
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	raw, err := h.store.Get([]byte(seqKey))
	switch {
	case errors.Is(err, local.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load seq: %w", err)
	default:
		if err := json.Unmarshal(raw, &h.seq); err != nil {
			return fmt.Errorf("decode seq: %w", err)
		}
	}
	h.setAccountGauge()
	h.logger.Info("Host state restored",
		zap.Int("accounts", len(h.balances)),
		zap.Uint64("seq", h.seq),
	)
	return nil
}

// Store exposes the backing store so components can restore their own state.
func (h *Host) Store() local.Store {
	return h.store
}

// Execute runs fn as one unit of work on behalf of caller. A non-zero value is moved
// from caller to custody once fn succeeds, so errors from fn take precedence over an
// unfunded caller. A custody account cannot pay itself. Any error rolls back the
// transfer and every change registered through the Tx, and drops buffered writes and events.
func (h *Host) Execute(caller, custody common.Address, value *uint256.Int, fn func(*Tx) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	tx := newTx(h, caller, custody, value)
	if err := h.run(tx, fn); err != nil {
		tx.rollback()
		h.count("reverted")
		return err
	}

	seq := h.seq
	for i := range tx.events {
		seq++
		tx.events[i].Seq = seq
	}
	if seq != h.seq {
		if err := tx.Put(seqKey, seq); err != nil {
			tx.rollback()
			h.count("reverted")
			return err
		}
	}
	if err := h.store.Commit(tx.batch); err != nil {
		tx.rollback()
		h.count("reverted")
		return fmt.Errorf("commit: %w", err)
	}
	h.seq = seq
	h.count("committed")
	h.setAccountGauge()

	for _, evt := range tx.events {
		h.bus.Publish(evt)
	}
	return nil
}

func (h *Host) run(tx *Tx, fn func(*Tx) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Unit of work panicked", zap.String("panic", fmt.Sprint(r)))
			err = fmt.Errorf("unit of work panicked: %v", r)
		}
	}()
	if !tx.value.IsZero() && tx.caller == tx.custody {
		return errs.New(errs.InvalidArgument, "custody account cannot attach value to its own call")
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Transfer(tx.caller, tx.custody, tx.value)
}

// View runs fn under the read lock. fn must not call Execute.
func (h *Host) View(fn func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn()
}

// BalanceOf returns the external balance of addr.
func (h *Host) BalanceOf(addr common.Address) *uint256.Int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.balanceOf(addr).Clone()
}

// Seq returns the sequence number of the last committed event.
func (h *Host) Seq() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// Fund credits addr with amount from outside the system.
func (h *Host) Fund(addr common.Address, amount *uint256.Int) error {
	return h.Execute(common.Address{}, addr, nil, func(tx *Tx) error {
		return tx.credit(addr, amount)
	})
}

// ApplyGenesis funds the given accounts once. It reports whether the allocation ran.
func (h *Host) ApplyGenesis(alloc map[common.Address]*uint256.Int) (bool, error) {
	applied := false
	err := h.Execute(common.Address{}, common.Address{}, nil, func(tx *Tx) error {
		_, err := h.store.Get([]byte(genesisKey))
		if err == nil {
			return nil
		}
		if !errors.Is(err, local.ErrNotFound) {
			return fmt.Errorf("genesis marker: %w", err)
		}
		for addr, amount := range alloc {
			if err := tx.credit(addr, amount); err != nil {
				return err
			}
		}
		applied = true
		return tx.Put(genesisKey, len(alloc))
	})
	return applied, err
}

func (h *Host) balanceOf(addr common.Address) *uint256.Int {
	if bal, ok := h.balances[addr]; ok {
		return bal
	}
	return new(uint256.Int)
}

func (h *Host) count(outcome string) {
	if h.metrics != nil {
		h.metrics.units.WithLabelValues(outcome).Inc()
	}
}

func (h *Host) setAccountGauge() {
	if h.metrics != nil {
		h.metrics.accounts.Set(float64(len(h.balances)))
	}
}

// Tx is the handle a component uses inside a unit of work.
type Tx struct {
	h       *Host
	caller  common.Address
	custody common.Address
	value   *uint256.Int
	batch   *local.Batch
	undo    []func()
	events  []event.Event
}

func newTx(h *Host, caller, custody common.Address, value *uint256.Int) *Tx {
	v := new(uint256.Int)
	if value != nil {
		v.Set(value)
	}
	return &Tx{
		h:       h,
		caller:  caller,
		custody: custody,
		value:   v,
		batch:   local.NewBatch(),
	}
}

// Caller is the attested identity the unit runs for.
func (tx *Tx) Caller() common.Address { return tx.caller }

// Value is the amount the caller attached.
func (tx *Tx) Value() *uint256.Int { return tx.value.Clone() }

// Put buffers a JSON-encoded write of v at key.
func (tx *Tx) Put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	tx.batch.Set([]byte(key), data)
	return nil
}

// OnRollback registers fn to undo an in-memory change if the unit fails.
// Undo functions run in reverse registration order.
func (tx *Tx) OnRollback(fn func()) {
	tx.undo = append(tx.undo, fn)
}

// Emit buffers an event, published only if the unit commits.
func (tx *Tx) Emit(eventType event.Type, data any) {
	tx.events = append(tx.events, event.New(eventType, tx.custody.Hex(), data))
}

// Transfer moves amount between external accounts.
func (tx *Tx) Transfer(from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	fromBal := tx.h.balanceOf(from)
	if fromBal.Lt(amount) {
		return errs.Newf(errs.InsufficientPayment, "insufficient account balance: have %s, need %s", fromBal.Dec(), amount.Dec())
	}
	if from == to {
		return nil
	}
	toBal := tx.h.balanceOf(to)
	newTo, overflow := new(uint256.Int).AddOverflow(toBal, amount)
	if overflow {
		return errs.New(errs.InvalidArgument, "balance overflow")
	}
	tx.setBalance(from, new(uint256.Int).Sub(fromBal, amount))
	tx.setBalance(to, newTo)
	return tx.flushBalances(from, to)
}

func (tx *Tx) credit(addr common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	newBal, overflow := new(uint256.Int).AddOverflow(tx.h.balanceOf(addr), amount)
	if overflow {
		return errs.New(errs.InvalidArgument, "balance overflow")
	}
	tx.setBalance(addr, newBal)
	tx.Emit(event.Funded, event.FundedData{Account: addr, Amount: amount.Clone()})
	return tx.flushBalances(addr)
}

func (tx *Tx) setBalance(addr common.Address, bal *uint256.Int) {
	prev, existed := tx.h.balances[addr]
	tx.h.balances[addr] = bal
	tx.OnRollback(func() {
		if existed {
			tx.h.balances[addr] = prev
		} else {
			delete(tx.h.balances, addr)
		}
	})
}

func (tx *Tx) flushBalances(addrs ...common.Address) error {
	for _, addr := range addrs {
		if err := tx.Put(accountKey(addr), tx.h.balances[addr]); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Tx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.events = nil
	tx.batch.Reset()
}

func accountKey(addr common.Address) string {
	return accountPrefix + addr.Hex()
}
