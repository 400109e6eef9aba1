package market

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OrderFormat selects the trading format of a listing.
type OrderFormat string

const (
	FormatInstant OrderFormat = "INSTANT"
	FormatAuction OrderFormat = "AUCTION"
)

// Order is a live listing for a single asset. At most one order exists per
// (collection, asset id) key; presence in the book is the Listed state, and
// removal is the terminal state (sold, cancelled or finalized unsold).
type Order struct {
	Collection common.Address `json:"collection"`
	AssetID    *big.Int       `json:"asset_id"`

	// Owner held the asset at listing time and receives the proceeds of a
	// sale or the asset back on cancel/retake. Seller is the account that
	// placed the listing; it may be an operator approved by the owner.
	Owner  common.Address `json:"owner"`
	Seller common.Address `json:"seller"`

	Format   OrderFormat `json:"format"`
	BuyPrice *big.Int    `json:"buy_price"`

	// Auction-only fields. StartPrice is the minimum first bid, EndTime the
	// finalization deadline. HighestBid is nil until the first bid lands.
	StartPrice    *big.Int       `json:"start_price,omitempty"`
	EndTime       time.Time      `json:"end_time,omitzero"`
	HighestBid    *big.Int       `json:"highest_bid,omitempty"`
	HighestBidder common.Address `json:"highest_bidder,omitempty"`

	ListedAt time.Time `json:"listed_at"`
}

// HasBid reports whether at least one bid has been accepted.
func (o *Order) HasBid() bool { return o.HighestBid != nil }

// clone returns a deep copy so callers can never mutate book state through a
// query result.
func (o *Order) clone() *Order {
	c := *o
	c.AssetID = new(big.Int).Set(o.AssetID)
	c.BuyPrice = new(big.Int).Set(o.BuyPrice)
	if o.StartPrice != nil {
		c.StartPrice = new(big.Int).Set(o.StartPrice)
	}
	if o.HighestBid != nil {
		c.HighestBid = new(big.Int).Set(o.HighestBid)
	}
	return &c
}

// CollectionStatus mirrors the registry flags for one collection.
type CollectionStatus struct {
	Registered    bool `json:"registered"`
	OrdersEnabled bool `json:"orders_enabled"`
}

// orderKey identifies a listing. Asset ids are arbitrary-precision, so the
// map key uses their canonical decimal string.
type orderKey struct {
	collection common.Address
	asset      string
}

func keyOf(collection common.Address, assetID *big.Int) orderKey {
	return orderKey{collection: collection, asset: assetID.String()}
}

// Listing is one element of a create batch.
type Listing struct {
	AssetID    *big.Int
	BuyPrice   *big.Int
	StartPrice *big.Int  // auctions only
	EndTime    time.Time // auctions only
}

// Bid is one element of a bid batch.
type Bid struct {
	AssetID *big.Int
	Amount  *big.Int
}
