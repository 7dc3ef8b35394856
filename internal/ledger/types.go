package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RoleEntry is a brand or client registration. Clients carry no name.
type RoleEntry struct {
	Address      common.Address `json:"address"`
	Name         string         `json:"name,omitempty"`
	IsRegistered bool           `json:"isRegistered"`
}

// Listing is a token offered by a brand. The same record, with IsSold set,
// is copied into the sold store under the buyer.
type Listing struct {
	TokenContract common.Address `json:"tokenContract"`
	TokenID       uint64         `json:"tokenId"`
	Seller        common.Address `json:"seller"`
	Price         *uint256.Int   `json:"price"`
	Description   string         `json:"description"`
	IsSold        bool           `json:"isSold"`
}

// ListingDetails is a listing enriched with what its token ledger reports.
type ListingDetails struct {
	Listing
	Owner *common.Address `json:"owner,omitempty"`
	URI   string          `json:"uri,omitempty"`
}

// TokenLedger is the token contract capability the marketplace is given.
type TokenLedger interface {
	Address() common.Address
	Mint(caller common.Address, value *uint256.Int) (uint64, error)
	OwnerOf(id uint64) (common.Address, error)
	TokenURI(id uint64) (string, error)
}

// Config holds the marketplace's construction parameters.
type Config struct {
	Admin          common.Address
	Address        common.Address // custody account
	MinListingFee  *uint256.Int
	AdminIsBrand   bool
	AdminBrandName string
}
