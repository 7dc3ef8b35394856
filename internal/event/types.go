package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	BrandRegistered  Type = "marketplace.brand_registered"
	ClientRegistered Type = "marketplace.client_registered"
	ListingCreated   Type = "marketplace.listing_created"
	ListingSold      Type = "marketplace.listing_sold"
	TokenMinted      Type = "issuer.token_minted"
	TokenTransferred Type = "issuer.token_transferred"
	Withdrawn        Type = "treasury.withdrawn"
	Funded           Type = "host.funded"
)

// Types lists every event type emitted by this module.
var Types = []Type{
	BrandRegistered,
	ClientRegistered,
	ListingCreated,
	ListingSold,
	TokenMinted,
	TokenTransferred,
	Withdrawn,
	Funded,
}

type BrandRegisteredData struct {
	Brand common.Address `json:"brand"`
	Name  string         `json:"name"`
}

type ClientRegisteredData struct {
	Client common.Address `json:"client"`
}

type ListingCreatedData struct {
	Seller        common.Address `json:"seller"`
	TokenContract common.Address `json:"tokenContract"`
	TokenID       uint64         `json:"tokenId"`
	Price         *uint256.Int   `json:"price"`
	Description   string         `json:"description"`
}

type ListingSoldData struct {
	Seller  common.Address `json:"seller"`
	Buyer   common.Address `json:"buyer"`
	TokenID uint64         `json:"tokenId"`
	Price   *uint256.Int   `json:"price"`
}

// TokenTransferData is used for both mint (From is the zero address) and ownership transfer.
type TokenTransferData struct {
	TokenID uint64         `json:"tokenId"`
	From    common.Address `json:"from"`
	To      common.Address `json:"to"`
	URI     string         `json:"uri"`
}

type WithdrawnData struct {
	Component common.Address `json:"component"`
	To        common.Address `json:"to"`
	Amount    *uint256.Int   `json:"amount"`
}

type FundedData struct {
	Account common.Address `json:"account"`
	Amount  *uint256.Int   `json:"amount"`
}
