// Package ledger implements the marketplace: brand and client registries, active and sold
// listing stores, and the marketplace treasury.
package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/iggydv12/maison/internal/errs"
	"github.com/iggydv12/maison/internal/event"
	"github.com/iggydv12/maison/internal/host"
	"github.com/iggydv12/maison/internal/treasury"
)

const (
	namespace    = "mkt"
	brandPrefix  = namespace + "/brand/"
	clientPrefix = namespace + "/client/"
	activePrefix = namespace + "/active/"
	soldPrefix   = namespace + "/sold/"
)

// Marketplace is the listing ledger. All state lives in memory and is mirrored to the
// host's store; every mutation runs as one host unit of work.
type Marketplace struct {
	host     *host.Host
	cfg      Config
	treasury *treasury.Treasury
	tokens   map[common.Address]TokenLedger

	brands  map[common.Address]RoleEntry
	clients map[common.Address]RoleEntry
	active  map[common.Address]map[uint64]Listing // seller → tokenId
	sold    map[common.Address]map[uint64]Listing // buyer → tokenId

	metrics *metrics
	logger  *zap.Logger
}

// New restores the marketplace from the host's store. When cfg.AdminIsBrand is set and
// the administrator is not yet a brand, it is registered in a first unit of work.
func New(h *host.Host, cfg Config, tokens []TokenLedger, reg prometheus.Registerer, logger *zap.Logger) (*Marketplace, error) {
	if cfg.MinListingFee == nil {
		cfg.MinListingFee = new(uint256.Int)
	}
	m := &Marketplace{
		host:     h,
		cfg:      cfg,
		treasury: treasury.New(cfg.Admin, cfg.Address, namespace),
		tokens:   make(map[common.Address]TokenLedger),
		brands:   make(map[common.Address]RoleEntry),
		clients:  make(map[common.Address]RoleEntry),
		active:   make(map[common.Address]map[uint64]Listing),
		sold:     make(map[common.Address]map[uint64]Listing),
		metrics:  newMetrics(reg),
		logger:   logger,
	}
	for _, t := range tokens {
		m.tokens[t.Address()] = t
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	if cfg.AdminIsBrand && !m.brands[cfg.Admin].IsRegistered {
		if err := m.RegisterBrand(cfg.Admin, cfg.Admin, cfg.AdminBrandName); err != nil {
			return nil, fmt.Errorf("register admin brand: %w", err)
		}
	}
	m.observe()
	return m, nil
}

func (m *Marketplace) load() error {
	store := m.host.Store()
	if err := m.treasury.Load(store); err != nil {
		return err
	}
	roles := func(prefix string, into map[common.Address]RoleEntry) error {
		return store.Scan([]byte(prefix), func(key, value []byte) error {
			var e RoleEntry
			if err := json.Unmarshal(value, &e); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			into[e.Address] = e
			return nil
		})
	}
	listings := func(prefix string, into map[common.Address]map[uint64]Listing) error {
		return store.Scan([]byte(prefix), func(key, value []byte) error {
			owner, err := parseListingKey(prefix, string(key))
			if err != nil {
				return err
			}
			var l Listing
			if err := json.Unmarshal(value, &l); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			if into[owner] == nil {
				into[owner] = make(map[uint64]Listing)
			}
			into[owner][l.TokenID] = l
			return nil
		})
	}
	if err := roles(brandPrefix, m.brands); err != nil {
		return fmt.Errorf("load brands: %w", err)
	}
	if err := roles(clientPrefix, m.clients); err != nil {
		return fmt.Errorf("load clients: %w", err)
	}
	if err := listings(activePrefix, m.active); err != nil {
		return fmt.Errorf("load active listings: %w", err)
	}
	if err := listings(soldPrefix, m.sold); err != nil {
		return fmt.Errorf("load sold listings: %w", err)
	}
	m.logger.Info("Marketplace restored",
		zap.Int("brands", len(m.brands)),
		zap.Int("clients", len(m.clients)),
		zap.Int("active", countListings(m.active)),
		zap.Int("sold", countListings(m.sold)),
	)
	return nil
}

// Admin returns the administrator address.
func (m *Marketplace) Admin() common.Address {
	return m.cfg.Admin
}

// Address returns the marketplace custody account.
func (m *Marketplace) Address() common.Address {
	return m.cfg.Address
}

// MinListingFee returns the minimum payment for creating a listing.
func (m *Marketplace) MinListingFee() *uint256.Int {
	return m.cfg.MinListingFee.Clone()
}

// RegisterBrand registers or renames a brand. Administrator only.
func (m *Marketplace) RegisterBrand(caller, addr common.Address, name string) error {
	err := m.host.Execute(caller, m.cfg.Address, nil, func(tx *host.Tx) error {
		if err := m.treasury.RequireAdmin(caller); err != nil {
			return err
		}
		if addr == (common.Address{}) {
			return errs.New(errs.InvalidArgument, "brand address is the zero address")
		}
		if err := m.putRole(tx, m.brands, brandPrefix, RoleEntry{Address: addr, Name: name, IsRegistered: true}); err != nil {
			return err
		}
		tx.Emit(event.BrandRegistered, event.BrandRegisteredData{Brand: addr, Name: name})
		return nil
	})
	if err != nil {
		return err
	}
	m.observe()
	m.logger.Info("Brand registered", zap.Stringer("brand", addr), zap.String("name", name))
	return nil
}

// RegisterClient registers a client. Administrator only.
func (m *Marketplace) RegisterClient(caller, addr common.Address) error {
	err := m.host.Execute(caller, m.cfg.Address, nil, func(tx *host.Tx) error {
		if err := m.treasury.RequireAdmin(caller); err != nil {
			return err
		}
		if addr == (common.Address{}) {
			return errs.New(errs.InvalidArgument, "client address is the zero address")
		}
		if err := m.putRole(tx, m.clients, clientPrefix, RoleEntry{Address: addr, IsRegistered: true}); err != nil {
			return err
		}
		tx.Emit(event.ClientRegistered, event.ClientRegisteredData{Client: addr})
		return nil
	})
	if err != nil {
		return err
	}
	m.observe()
	m.logger.Info("Client registered", zap.Stringer("client", addr))
	return nil
}

// CreateListing lists tokenID for sale by caller. The attached value is a listing fee kept
// by the treasury; it is unrelated to price.
func (m *Marketplace) CreateListing(caller common.Address, value *uint256.Int, tokenContract common.Address, tokenID uint64, price *uint256.Int, description string) (Listing, error) {
	var listing Listing
	err := m.host.Execute(caller, m.cfg.Address, value, func(tx *host.Tx) error {
		if !m.brands[caller].IsRegistered {
			return errs.New(errs.Forbidden, "not a registered brand")
		}
		paid := tx.Value()
		if paid.Lt(m.cfg.MinListingFee) {
			return errs.Newf(errs.InsufficientPayment, "listing fee is at least %s wei", m.cfg.MinListingFee.Dec())
		}
		if price == nil || price.IsZero() {
			return errs.New(errs.InvalidArgument, "price must be positive")
		}
		listing = Listing{
			TokenContract: tokenContract,
			TokenID:       tokenID,
			Seller:        caller,
			Price:         price.Clone(),
			Description:   description,
			IsSold:        false,
		}
		if err := m.putListing(tx, m.active, activePrefix, caller, listing); err != nil {
			return err
		}
		if err := m.treasury.Deposit(tx, paid); err != nil {
			return err
		}
		tx.Emit(event.ListingCreated, event.ListingCreatedData{
			Seller:        caller,
			TokenContract: tokenContract,
			TokenID:       tokenID,
			Price:         price.Clone(),
			Description:   description,
		})
		return nil
	})
	if err != nil {
		return Listing{}, err
	}
	m.observe()
	m.logger.Info("Listing created",
		zap.Stringer("seller", caller),
		zap.Uint64("tokenId", tokenID),
		zap.String("price", price.Dec()),
	)
	return listing, nil
}

// BuyListing buys the active listing (seller, tokenID) for caller.
//
// The repeat-purchase guard looks at the caller's own sold slot for tokenID. The active
// listing is left untouched, so a different client can still buy it.
func (m *Marketplace) BuyListing(caller common.Address, value *uint256.Int, seller common.Address, tokenID uint64) (Listing, error) {
	var bought Listing
	err := m.host.Execute(caller, m.cfg.Address, value, func(tx *host.Tx) error {
		if !m.clients[caller].IsRegistered {
			return errs.New(errs.Forbidden, "not a registered client")
		}
		listing, ok := m.active[seller][tokenID]
		if !ok {
			return errs.New(errs.NotFound, "listing does not exist")
		}
		if prev, ok := m.sold[caller][tokenID]; ok && prev.IsSold {
			return errs.New(errs.NotFound, "listing doesn't exist")
		}
		paid := tx.Value()
		if paid.Lt(listing.Price) {
			return errs.Newf(errs.InsufficientPayment, "price is %s wei", listing.Price.Dec())
		}
		bought = listing
		bought.Price = listing.Price.Clone()
		bought.IsSold = true
		if err := m.putListing(tx, m.sold, soldPrefix, caller, bought); err != nil {
			return err
		}
		if err := m.treasury.Deposit(tx, paid); err != nil {
			return err
		}
		tx.Emit(event.ListingSold, event.ListingSoldData{
			Seller:  seller,
			Buyer:   caller,
			TokenID: tokenID,
			Price:   listing.Price.Clone(),
		})
		return nil
	})
	if err != nil {
		return Listing{}, err
	}
	m.observe()
	m.logger.Info("Listing sold",
		zap.Stringer("seller", seller),
		zap.Stringer("buyer", caller),
		zap.Uint64("tokenId", tokenID),
	)
	return bought, nil
}

// ContractBalance returns the treasury balance. Administrator only.
func (m *Marketplace) ContractBalance(caller common.Address) (*uint256.Int, error) {
	var bal *uint256.Int
	var err error
	m.host.View(func() {
		bal, err = m.treasury.Balance(caller)
	})
	return bal, err
}

// Withdraw sends the whole treasury balance to the administrator and returns the amount.
func (m *Marketplace) Withdraw(caller common.Address) (*uint256.Int, error) {
	var amount *uint256.Int
	err := m.host.Execute(caller, m.cfg.Address, nil, func(tx *host.Tx) error {
		var err error
		amount, err = m.treasury.Withdraw(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.observe()
	m.logger.Info("Marketplace treasury withdrawn", zap.String("amount", amount.Dec()))
	return amount, nil
}

// Brand returns the brand entry for addr; the zero entry when unknown.
func (m *Marketplace) Brand(addr common.Address) RoleEntry {
	var e RoleEntry
	m.host.View(func() { e = m.brands[addr] })
	return e
}

// Client returns the client entry for addr; the zero entry when unknown.
func (m *Marketplace) Client(addr common.Address) RoleEntry {
	var e RoleEntry
	m.host.View(func() { e = m.clients[addr] })
	return e
}

// ActiveListing returns the listing created by seller for tokenID.
func (m *Marketplace) ActiveListing(seller common.Address, tokenID uint64) (Listing, bool) {
	return m.lookup(m.active, seller, tokenID)
}

// SoldListing returns buyer's purchased copy of tokenID.
func (m *Marketplace) SoldListing(buyer common.Address, tokenID uint64) (Listing, bool) {
	return m.lookup(m.sold, buyer, tokenID)
}

func (m *Marketplace) lookup(store map[common.Address]map[uint64]Listing, owner common.Address, tokenID uint64) (Listing, bool) {
	var l Listing
	var ok bool
	m.host.View(func() {
		l, ok = store[owner][tokenID]
		if ok {
			l.Price = l.Price.Clone()
		}
	})
	return l, ok
}

// Listings returns every active listing ordered by seller, then token id.
func (m *Marketplace) Listings() []Listing {
	var out []Listing
	m.host.View(func() {
		for _, byID := range m.active {
			for _, l := range byID {
				l.Price = l.Price.Clone()
				out = append(out, l)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if c := strings.Compare(out[i].Seller.Hex(), out[j].Seller.Hex()); c != 0 {
			return c < 0
		}
		return out[i].TokenID < out[j].TokenID
	})
	return out
}

// ListingDetails returns the active listing with its owner and URI as reported by the
// token ledger registered for its contract. Lookup failures leave those fields empty.
func (m *Marketplace) ListingDetails(seller common.Address, tokenID uint64) (ListingDetails, error) {
	l, ok := m.ActiveListing(seller, tokenID)
	if !ok {
		return ListingDetails{}, errs.New(errs.NotFound, "listing does not exist")
	}
	d := ListingDetails{Listing: l}
	tl, ok := m.tokens[l.TokenContract]
	if !ok {
		return d, nil
	}
	if owner, err := tl.OwnerOf(tokenID); err == nil {
		d.Owner = &owner
	} else {
		m.logger.Debug("Token owner lookup failed", zap.Uint64("tokenId", tokenID), zap.Error(err))
	}
	if uri, err := tl.TokenURI(tokenID); err == nil {
		d.URI = uri
	}
	return d, nil
}

func (m *Marketplace) putRole(tx *host.Tx, registry map[common.Address]RoleEntry, prefix string, e RoleEntry) error {
	prev, existed := registry[e.Address]
	registry[e.Address] = e
	tx.OnRollback(func() {
		if existed {
			registry[e.Address] = prev
		} else {
			delete(registry, e.Address)
		}
	})
	return tx.Put(prefix+e.Address.Hex(), e)
}

func (m *Marketplace) putListing(tx *host.Tx, store map[common.Address]map[uint64]Listing, prefix string, owner common.Address, l Listing) error {
	inner, ok := store[owner]
	if !ok {
		inner = make(map[uint64]Listing)
		store[owner] = inner
	}
	prev, existed := inner[l.TokenID]
	inner[l.TokenID] = l
	tx.OnRollback(func() {
		if existed {
			inner[l.TokenID] = prev
			return
		}
		delete(inner, l.TokenID)
		if len(inner) == 0 {
			delete(store, owner)
		}
	})
	return tx.Put(listingKey(prefix, owner, l.TokenID), l)
}

// listingKey zero-pads the token id so store order matches numeric order.
func listingKey(prefix string, owner common.Address, tokenID uint64) string {
	return fmt.Sprintf("%s%s/%020d", prefix, owner.Hex(), tokenID)
}

func parseListingKey(prefix, key string) (common.Address, error) {
	rest := strings.TrimPrefix(key, prefix)
	addr, id, ok := strings.Cut(rest, "/")
	if !ok || !common.IsHexAddress(addr) {
		return common.Address{}, fmt.Errorf("malformed listing key %q", key)
	}
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return common.Address{}, fmt.Errorf("malformed listing key %q: %w", key, err)
	}
	return common.HexToAddress(addr), nil
}

func countListings(store map[common.Address]map[uint64]Listing) int {
	n := 0
	for _, byID := range store {
		n += len(byID)
	}
	return n
}
