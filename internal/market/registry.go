package market

import (
	"github.com/ethereum/go-ethereum/common"
)

// collectionRegistry tracks onboarded collections and the order-creation
// gates. It is owned by the engine, which serializes all access; methods here
// assume the engine lock is held.
type collectionRegistry struct {
	collections   map[common.Address]*CollectionStatus
	globalEnabled bool
}

func newCollectionRegistry() *collectionRegistry {
	return &collectionRegistry{
		collections:   make(map[common.Address]*CollectionStatus),
		globalEnabled: true,
	}
}

const opRegisterCollection = "market.RegisterCollection"

// register onboards a collection with orders enabled. Registration is not
// idempotent: re-registering an onboarded collection is rejected, matching
// the AlreadyExists contract of the admin API.
func (r *collectionRegistry) register(collection common.Address) error {
	if _, ok := r.collections[collection]; ok {
		return errf(CodeAlreadyExists, opRegisterCollection, "collection %s already registered", collection)
	}
	r.collections[collection] = &CollectionStatus{Registered: true, OrdersEnabled: true}
	return nil
}

func (r *collectionRegistry) setEnabled(op string, collection common.Address, enabled bool) error {
	st, ok := r.collections[collection]
	if !ok {
		return errf(CodeNotFound, op, "collection %s not registered", collection)
	}
	st.OrdersEnabled = enabled
	return nil
}

func (r *collectionRegistry) setGlobalEnabled(enabled bool) {
	r.globalEnabled = enabled
}

// canCreate gates order creation only; cancel, buy, bid and finalize never
// consult it.
func (r *collectionRegistry) canCreate(collection common.Address) bool {
	st, ok := r.collections[collection]
	return ok && st.Registered && st.OrdersEnabled && r.globalEnabled
}

func (r *collectionRegistry) status(collection common.Address) CollectionStatus {
	if st, ok := r.collections[collection]; ok {
		return *st
	}
	return CollectionStatus{}
}
