package issuer_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggydv12/maison/internal/errs"
	"github.com/iggydv12/maison/internal/event"
	"github.com/iggydv12/maison/internal/host"
	"github.com/iggydv12/maison/internal/issuer"
	"github.com/iggydv12/maison/internal/ledger"
	"github.com/iggydv12/maison/internal/storage/local"
	"github.com/iggydv12/maison/internal/units"
)

var (
	admin   = common.HexToAddress("0x00000000000000000000000000000000000ad111")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	address = common.HexToAddress("0x00000000000000000000000000000000000000f7")
)

var _ ledger.TokenLedger = (*issuer.Issuer)(nil)

func setup(t *testing.T, policy issuer.Policy) (*issuer.Issuer, *host.Host, *event.Bus) {
	t.Helper()
	store := local.NewMemoryStorage(zap.NewNop())
	require.NoError(t, store.Init())
	bus := event.NewBus(nil, zap.NewNop())
	t.Cleanup(func() {
		bus.Stop()
		store.Close()
	})
	h, err := host.New(store, bus, nil, zap.NewNop())
	require.NoError(t, err)
	for _, a := range []common.Address{admin, alice, bob} {
		require.NoError(t, h.Fund(a, units.Ether(10)))
	}
	is, err := issuer.New(h, issuer.Config{
		Admin:   admin,
		Address: address,
		BaseURI: "ipfs://maison/",
		Policy:  policy,
	}, nil, zap.NewNop())
	require.NoError(t, err)
	return is, h, bus
}

func defaultPolicy() issuer.Policy {
	return issuer.Policy{MinMintFee: units.MustParse("0.0001 ether")}
}

func TestMintAssignsSequentialIDs(t *testing.T) {
	is, _, bus := setup(t, defaultPolicy())
	_, minted := bus.Subscribe(event.TokenMinted)

	id, err := is.Mint(alice, units.MustParse("0.0001 ether"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id)

	_, err = is.TokenURI(1)
	assert.True(t, errs.Is(err, errs.NotFound))
	assert.Equal(t, "token doesn't exist", errs.ReasonOf(err))

	id, err = is.Mint(bob, units.MustParse("0.01 ether"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	uri, err := is.TokenURI(1)
	require.NoError(t, err)
	assert.Equal(t, "ipfs://maison/1", uri)
	owner, err := is.OwnerOf(0)
	require.NoError(t, err)
	assert.Equal(t, alice, owner)
	assert.Equal(t, uint64(2), is.TotalSupply())

	evt := <-minted
	assert.Equal(t, event.TokenTransferData{TokenID: 0, From: common.Address{}, To: alice, URI: "ipfs://maison/0"}, evt.Data)
}

func TestMintBelowMinimum(t *testing.T) {
	is, h, _ := setup(t, defaultPolicy())

	_, err := is.Mint(alice, units.MustParse("0.00009 ether"))
	assert.True(t, errs.Is(err, errs.InsufficientPayment))
	assert.Equal(t, uint64(0), is.TotalSupply())
	assert.Equal(t, units.Ether(10), h.BalanceOf(alice))

	// the first successful mint still gets id 0
	id, err := is.Mint(alice, units.MustParse("0.0001 ether"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id)
}

func TestMintZeroMinimumStillNeedsPayment(t *testing.T) {
	is, _, _ := setup(t, issuer.Policy{})

	_, err := is.Mint(alice, nil)
	assert.True(t, errs.Is(err, errs.InsufficientPayment))
	_, err = is.Mint(alice, uint256.NewInt(1))
	assert.NoError(t, err)
}

func TestMintAdminOnly(t *testing.T) {
	policy := defaultPolicy()
	policy.AdminOnly = true
	is, h, _ := setup(t, policy)

	_, err := is.Mint(alice, units.Ether(1))
	assert.True(t, errs.Is(err, errs.Unauthorized))
	assert.Equal(t, units.Ether(10), h.BalanceOf(alice))

	_, err = is.Mint(admin, units.Ether(1))
	assert.NoError(t, err)
}

func TestMintOncePerCaller(t *testing.T) {
	policy := defaultPolicy()
	policy.OncePerCaller = true
	is, _, _ := setup(t, policy)

	_, err := is.Mint(alice, units.Ether(1))
	require.NoError(t, err)
	_, err = is.Mint(alice, units.Ether(1))
	assert.True(t, errs.Is(err, errs.AlreadyMinted))

	id, err := is.Mint(bob, units.Ether(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
}

func TestTransferOwnership(t *testing.T) {
	is, _, bus := setup(t, defaultPolicy())
	_, transfers := bus.Subscribe(event.TokenTransferred)

	id, err := is.Mint(alice, units.Ether(1))
	require.NoError(t, err)

	err = is.Transfer(bob, bob, id)
	assert.True(t, errs.Is(err, errs.Unauthorized))
	err = is.Transfer(alice, common.Address{}, id)
	assert.True(t, errs.Is(err, errs.InvalidArgument))
	err = is.Transfer(alice, bob, 99)
	assert.True(t, errs.Is(err, errs.NotFound))

	require.NoError(t, is.Transfer(alice, bob, id))
	owner, err := is.OwnerOf(id)
	require.NoError(t, err)
	assert.Equal(t, bob, owner)

	tok, err := is.Token(id)
	require.NoError(t, err)
	assert.Equal(t, "ipfs://maison/0", tok.URI)

	evt := <-transfers
	assert.Equal(t, event.TokenTransferData{TokenID: id, From: alice, To: bob, URI: "ipfs://maison/0"}, evt.Data)
}

func TestIssuerTreasury(t *testing.T) {
	is, h, _ := setup(t, defaultPolicy())

	_, err := is.Mint(alice, units.Ether(1))
	require.NoError(t, err)
	_, err = is.Mint(bob, units.Ether(2))
	require.NoError(t, err)

	_, err = is.ContractBalance(alice)
	assert.True(t, errs.Is(err, errs.Unauthorized))
	_, err = is.Withdraw(bob)
	assert.True(t, errs.Is(err, errs.Unauthorized))

	bal, err := is.ContractBalance(admin)
	require.NoError(t, err)
	assert.Equal(t, units.Ether(3), bal)

	amount, err := is.Withdraw(admin)
	require.NoError(t, err)
	assert.Equal(t, units.Ether(3), amount)
	assert.Equal(t, units.Ether(13), h.BalanceOf(admin))

	bal, err = is.ContractBalance(admin)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestIssuerCannotMintToItself(t *testing.T) {
	is, h, _ := setup(t, defaultPolicy())
	_, err := is.Mint(alice, units.Ether(1))
	require.NoError(t, err)
	require.NoError(t, h.Fund(address, units.Ether(1)))

	_, err = is.Mint(address, units.Ether(1))
	assert.True(t, errs.Is(err, errs.InvalidArgument))
	assert.Equal(t, uint64(1), is.TotalSupply())
	assert.Equal(t, units.Ether(2), h.BalanceOf(address))

	bal, err := is.ContractBalance(admin)
	require.NoError(t, err)
	assert.Equal(t, units.Ether(1), bal)

	// withdraw still drains exactly what was paid in
	amount, err := is.Withdraw(admin)
	require.NoError(t, err)
	assert.Equal(t, units.Ether(1), amount)
	assert.Equal(t, units.Ether(1), h.BalanceOf(address))
}

func TestMintErrorsBeforePayment(t *testing.T) {
	policy := defaultPolicy()
	policy.AdminOnly = true
	is, _, _ := setup(t, policy)

	pauper := common.HexToAddress("0x0000000000000000000000000000000000009a09")
	_, err := is.Mint(pauper, units.Ether(1))
	assert.True(t, errs.Is(err, errs.Unauthorized))
}

func TestIssuerRestoresState(t *testing.T) {
	policy := defaultPolicy()
	policy.OncePerCaller = true
	is, h, _ := setup(t, policy)

	_, err := is.Mint(alice, units.Ether(1))
	require.NoError(t, err)

	restored, err := issuer.New(h, issuer.Config{
		Admin:   admin,
		Address: address,
		BaseURI: "ipfs://maison/",
		Policy:  policy,
	}, nil, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), restored.TotalSupply())
	_, err = restored.Mint(alice, units.Ether(1))
	assert.True(t, errs.Is(err, errs.AlreadyMinted))
	id, err := restored.Mint(bob, units.Ether(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
}
