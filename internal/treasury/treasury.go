// Package treasury tracks the funds a component holds in custody and lets its administrator withdraw them.
package treasury

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/iggydv12/maison/internal/errs"
	"github.com/iggydv12/maison/internal/event"
	"github.com/iggydv12/maison/internal/host"
	"github.com/iggydv12/maison/internal/storage/local"
)

// Treasury is not safe for concurrent use on its own; it is only touched inside
// host units of work and host views.
type Treasury struct {
	admin   common.Address
	custody common.Address
	key     string
	balance *uint256.Int
}

// New creates a Treasury persisting its balance under "<namespace>/treasury".
func New(admin, custody common.Address, namespace string) *Treasury {
	return &Treasury{
		admin:   admin,
		custody: custody,
		key:     namespace + "/treasury",
		balance: new(uint256.Int),
	}
}

// Load restores the balance from store.
func (t *Treasury) Load(store local.Store) error {
	raw, err := store.Get([]byte(t.key))
	if errors.Is(err, local.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", t.key, err)
	}
	bal := new(uint256.Int)
	if err := json.Unmarshal(raw, bal); err != nil {
		return fmt.Errorf("decode %s: %w", t.key, err)
	}
	t.balance = bal
	return nil
}

// Admin returns the administrator address.
func (t *Treasury) Admin() common.Address {
	return t.admin
}

// RequireAdmin fails with Unauthorized unless caller is the administrator.
func (t *Treasury) RequireAdmin(caller common.Address) error {
	if caller != t.admin {
		return errs.New(errs.Unauthorized, "caller is not the administrator")
	}
	return nil
}

// Deposit accounts amount that the host moves into custody when the unit commits.
func (t *Treasury) Deposit(tx *host.Tx, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	next, overflow := new(uint256.Int).AddOverflow(t.balance, amount)
	if overflow {
		return errs.New(errs.InvalidArgument, "treasury balance overflow")
	}
	t.set(tx, next)
	return tx.Put(t.key, next)
}

// Balance returns the tracked balance to the administrator.
func (t *Treasury) Balance(caller common.Address) (*uint256.Int, error) {
	if err := t.RequireAdmin(caller); err != nil {
		return nil, err
	}
	return t.balance.Clone(), nil
}

// Withdraw sends the whole balance to the administrator. The tracked balance is
// zeroed before the outgoing transfer.
func (t *Treasury) Withdraw(tx *host.Tx) (*uint256.Int, error) {
	if err := t.RequireAdmin(tx.Caller()); err != nil {
		return nil, err
	}
	amount := t.balance.Clone()
	t.set(tx, new(uint256.Int))
	if err := tx.Put(t.key, t.balance); err != nil {
		return nil, err
	}
	if err := tx.Transfer(t.custody, t.admin, amount); err != nil {
		return nil, fmt.Errorf("withdraw transfer: %w", err)
	}
	tx.Emit(event.Withdrawn, event.WithdrawnData{Component: t.custody, To: t.admin, Amount: amount})
	return amount, nil
}

func (t *Treasury) set(tx *host.Tx, next *uint256.Int) {
	prev := t.balance
	t.balance = next
	tx.OnRollback(func() { t.balance = prev })
}
