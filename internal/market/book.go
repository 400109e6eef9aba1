package market

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// orderBook is the authoritative map from (collection, asset id) to the one
// live order for that key. The engine lock serializes all access; the book
// itself carries no synchronization.
type orderBook struct {
	orders map[orderKey]*Order
}

func newOrderBook() *orderBook {
	return &orderBook{orders: make(map[orderKey]*Order)}
}

func (b *orderBook) get(collection common.Address, assetID *big.Int) (*Order, bool) {
	o, ok := b.orders[keyOf(collection, assetID)]
	return o, ok
}

func (b *orderBook) isListed(collection common.Address, assetID *big.Int) bool {
	_, ok := b.orders[keyOf(collection, assetID)]
	return ok
}

// insert assumes the caller has already checked the key is free.
func (b *orderBook) insert(o *Order) {
	b.orders[keyOf(o.Collection, o.AssetID)] = o
}

func (b *orderBook) remove(collection common.Address, assetID *big.Int) {
	delete(b.orders, keyOf(collection, assetID))
}

func (b *orderBook) size() int { return len(b.orders) }
