package market

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// EventType names every record the engine emits.
type EventType string

const (
	EventCollectionRegistered EventType = "COLLECTION_REGISTERED"
	EventOrdersEnabled        EventType = "ORDERS_ENABLED"
	EventOrdersDisabled       EventType = "ORDERS_DISABLED"
	EventOrderCreated         EventType = "ORDER_CREATED"
	EventOrderCancelled       EventType = "ORDER_CANCELLED"
	EventBidPlaced            EventType = "BID_PLACED"
	EventSale                 EventType = "SALE"
	EventRetake               EventType = "RETAKE"
)

// Event is the envelope shared by all records. Seq is strictly increasing per
// engine instance; Collection is nil only for the global order toggle.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	Seq        uint64          `json:"seq"`
	Type       EventType       `json:"type"`
	Time       time.Time       `json:"time"`
	Collection *common.Address `json:"collection,omitempty"`
	Data       any             `json:"data"`
}

// PartitionKey groups related events for partitioned transports: records of
// the same collection stay ordered relative to each other.
func (e Event) PartitionKey() string {
	if e.Collection != nil {
		return e.Collection.Hex()
	}
	return string(e.Type)
}

// CollectionRegistered records a successful collection onboarding.
type CollectionRegistered struct {
	Collection common.Address `json:"collection"`
}

// OrdersToggled records an enable/disable flip. Collection is nil for the
// global switch.
type OrdersToggled struct {
	Collection *common.Address `json:"collection,omitempty"`
}

// OrderCreated records a batch of new listings; a single create is a batch of
// one. StartPrices and EndTimes are present only for auctions.
type OrderCreated struct {
	Collection  common.Address   `json:"collection"`
	AssetIDs    []*big.Int       `json:"asset_ids"`
	Seller      common.Address   `json:"seller"`
	Owners      []common.Address `json:"owners"`
	BuyPrices   []*big.Int       `json:"buy_prices"`
	StartPrices []*big.Int       `json:"start_prices,omitempty"`
	EndTimes    []time.Time      `json:"end_times,omitempty"`
}

// OrderCancelled records a batch of cancelled listings.
type OrderCancelled struct {
	Collection common.Address `json:"collection"`
	AssetIDs   []*big.Int     `json:"asset_ids"`
}

// BidPlaced records one accepted bid.
type BidPlaced struct {
	Collection common.Address `json:"collection"`
	AssetID    *big.Int       `json:"asset_id"`
	Bidder     common.Address `json:"bidder"`
	Amount     *big.Int       `json:"amount"`
}

// Sale records settled assets moving to a buyer.
type Sale struct {
	Collection common.Address `json:"collection"`
	AssetIDs   []*big.Int     `json:"asset_ids"`
	Buyer      common.Address `json:"buyer"`
}

// Retake records unsold auctioned assets returning to their owners.
type Retake struct {
	Collection common.Address `json:"collection"`
	AssetIDs   []*big.Int     `json:"asset_ids"`
}

// Sink receives committed events. Publish must not block the engine for long
// and must never fail an already-committed operation; implementations log and
// drop on transport trouble.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Publish(ctx context.Context, ev Event) { f(ctx, ev) }
