// Package issuer mints sequential non-fungible tokens against a fee and tracks their owners.
package issuer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/iggydv12/maison/internal/errs"
	"github.com/iggydv12/maison/internal/event"
	"github.com/iggydv12/maison/internal/host"
	"github.com/iggydv12/maison/internal/storage/local"
	"github.com/iggydv12/maison/internal/treasury"
)

const (
	namespace    = "nft"
	tokenPrefix  = namespace + "/token/"
	mintedPrefix = namespace + "/minted/"
	nextKey      = namespace + "/next"
)

// Token is a minted token. URI never changes after mint.
type Token struct {
	ID    uint64         `json:"id"`
	Owner common.Address `json:"owner"`
	URI   string         `json:"uri"`
}

// Policy restricts who may mint and how often.
type Policy struct {
	// MinMintFee is the least a mint must pay. When zero, any positive payment is enough.
	MinMintFee    *uint256.Int
	AdminOnly     bool
	OncePerCaller bool
}

// Config holds the issuer's construction parameters.
type Config struct {
	Admin   common.Address
	Address common.Address // custody account and token contract address
	BaseURI string
	Policy  Policy
}

// Issuer is the token contract.
type Issuer struct {
	host     *host.Host
	cfg      Config
	treasury *treasury.Treasury

	nextID uint64
	tokens map[uint64]Token
	minted map[common.Address]bool

	supply prometheus.Gauge
	logger *zap.Logger
}

// New restores the issuer from the host's store.
func New(h *host.Host, cfg Config, reg prometheus.Registerer, logger *zap.Logger) (*Issuer, error) {
	if cfg.Policy.MinMintFee == nil {
		cfg.Policy.MinMintFee = new(uint256.Int)
	}
	is := &Issuer{
		host:     h,
		cfg:      cfg,
		treasury: treasury.New(cfg.Admin, cfg.Address, namespace),
		tokens:   make(map[uint64]Token),
		minted:   make(map[common.Address]bool),
		logger:   logger,
	}
	if reg != nil {
		is.supply = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "maison_issuer_supply",
			Help: "Tokens minted by the issuer",
		})
	}
	if err := is.load(h.Store()); err != nil {
		return nil, err
	}
	is.observe()
	return is, nil
}

func (is *Issuer) load(store local.Store) error {
	if err := is.treasury.Load(store); err != nil {
		return err
	}
	raw, err := store.Get([]byte(nextKey))
	switch {
	case errors.Is(err, local.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load next id: %w", err)
	default:
		if err := json.Unmarshal(raw, &is.nextID); err != nil {
			return fmt.Errorf("decode next id: %w", err)
		}
	}
	err = store.Scan([]byte(tokenPrefix), func(key, value []byte) error {
		var t Token
		if err := json.Unmarshal(value, &t); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		is.tokens[t.ID] = t
		return nil
	})
	if err != nil {
		return fmt.Errorf("load tokens: %w", err)
	}
	err = store.Scan([]byte(mintedPrefix), func(key, _ []byte) error {
		is.minted[common.HexToAddress(string(key[len(mintedPrefix):]))] = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("load minted: %w", err)
	}
	is.logger.Info("Issuer restored", zap.Uint64("nextId", is.nextID), zap.Int("tokens", len(is.tokens)))
	return nil
}

// Address returns the token contract address.
func (is *Issuer) Address() common.Address {
	return is.cfg.Address
}

// BaseURI returns the prefix every token URI starts with.
func (is *Issuer) BaseURI() string {
	return is.cfg.BaseURI
}

// Mint assigns the next token id to caller.
func (is *Issuer) Mint(caller common.Address, value *uint256.Int) (uint64, error) {
	t, err := is.MintToken(caller, value)
	return t.ID, err
}

// MintToken is Mint returning the full token record.
func (is *Issuer) MintToken(caller common.Address, value *uint256.Int) (Token, error) {
	var tok Token
	err := is.host.Execute(caller, is.cfg.Address, value, func(tx *host.Tx) error {
		p := is.cfg.Policy
		if p.AdminOnly {
			if err := is.treasury.RequireAdmin(caller); err != nil {
				return err
			}
		}
		paid := tx.Value()
		if paid.IsZero() || paid.Lt(p.MinMintFee) {
			return errs.Newf(errs.InsufficientPayment, "mint fee is at least %s wei", minimum(p.MinMintFee).Dec())
		}
		if p.OncePerCaller && is.minted[caller] {
			return errs.New(errs.AlreadyMinted, "caller already minted a token")
		}

		id := is.nextID
		tok = Token{ID: id, Owner: caller, URI: is.cfg.BaseURI + strconv.FormatUint(id, 10)}
		if err := is.putToken(tx, tok); err != nil {
			return err
		}
		is.nextID = id + 1
		tx.OnRollback(func() { is.nextID = id })
		if err := tx.Put(nextKey, is.nextID); err != nil {
			return err
		}
		if p.OncePerCaller {
			is.minted[caller] = true
			tx.OnRollback(func() { delete(is.minted, caller) })
			if err := tx.Put(mintedPrefix+caller.Hex(), true); err != nil {
				return err
			}
		}
		if err := is.treasury.Deposit(tx, paid); err != nil {
			return err
		}
		tx.Emit(event.TokenMinted, event.TokenTransferData{TokenID: id, To: caller, URI: tok.URI})
		return nil
	})
	if err != nil {
		return Token{}, err
	}
	is.observe()
	is.logger.Info("Token minted", zap.Uint64("tokenId", tok.ID), zap.Stringer("owner", caller))
	return tok, nil
}

// Transfer moves token id from caller to to. Only the current owner may transfer.
func (is *Issuer) Transfer(caller, to common.Address, id uint64) error {
	err := is.host.Execute(caller, is.cfg.Address, nil, func(tx *host.Tx) error {
		tok, ok := is.tokens[id]
		if !ok {
			return errs.New(errs.NotFound, "token doesn't exist")
		}
		if tok.Owner != caller {
			return errs.New(errs.Unauthorized, "caller is not the token owner")
		}
		if to == (common.Address{}) {
			return errs.New(errs.InvalidArgument, "transfer to the zero address")
		}
		from := tok.Owner
		tok.Owner = to
		if err := is.putToken(tx, tok); err != nil {
			return err
		}
		tx.Emit(event.TokenTransferred, event.TokenTransferData{TokenID: id, From: from, To: to, URI: tok.URI})
		return nil
	})
	if err != nil {
		return err
	}
	is.logger.Info("Token transferred", zap.Uint64("tokenId", id), zap.Stringer("from", caller), zap.Stringer("to", to))
	return nil
}

// TokenURI returns the URI of a minted token.
func (is *Issuer) TokenURI(id uint64) (string, error) {
	t, err := is.Token(id)
	if err != nil {
		return "", err
	}
	return t.URI, nil
}

// OwnerOf returns the current owner of a minted token.
func (is *Issuer) OwnerOf(id uint64) (common.Address, error) {
	t, err := is.Token(id)
	if err != nil {
		return common.Address{}, err
	}
	return t.Owner, nil
}

// Token returns the record for id.
func (is *Issuer) Token(id uint64) (Token, error) {
	var t Token
	var ok bool
	is.host.View(func() { t, ok = is.tokens[id] })
	if !ok {
		return Token{}, errs.New(errs.NotFound, "token doesn't exist")
	}
	return t, nil
}

// TotalSupply returns the number of minted tokens.
func (is *Issuer) TotalSupply() uint64 {
	var n uint64
	is.host.View(func() { n = is.nextID })
	return n
}

// ContractBalance returns the issuer's treasury balance. Administrator only.
func (is *Issuer) ContractBalance(caller common.Address) (*uint256.Int, error) {
	var bal *uint256.Int
	var err error
	is.host.View(func() {
		bal, err = is.treasury.Balance(caller)
	})
	return bal, err
}

// Withdraw sends the issuer's whole treasury balance to the administrator.
func (is *Issuer) Withdraw(caller common.Address) (*uint256.Int, error) {
	var amount *uint256.Int
	err := is.host.Execute(caller, is.cfg.Address, nil, func(tx *host.Tx) error {
		var err error
		amount, err = is.treasury.Withdraw(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	is.logger.Info("Issuer treasury withdrawn", zap.String("amount", amount.Dec()))
	return amount, nil
}

func (is *Issuer) putToken(tx *host.Tx, t Token) error {
	prev, existed := is.tokens[t.ID]
	is.tokens[t.ID] = t
	tx.OnRollback(func() {
		if existed {
			is.tokens[t.ID] = prev
		} else {
			delete(is.tokens, t.ID)
		}
	})
	return tx.Put(fmt.Sprintf("%s%020d", tokenPrefix, t.ID), t)
}

func (is *Issuer) observe() {
	if is.supply != nil {
		is.supply.Set(float64(is.TotalSupply()))
	}
}

func minimum(fee *uint256.Int) *uint256.Int {
	if fee.IsZero() {
		return uint256.NewInt(1)
	}
	return fee
}
