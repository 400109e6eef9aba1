package market

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// custodian moves assets in and out of engine custody through the external
// registry and keeps a local held-set so a double take or a release of an
// unheld asset is caught before any external call. The engine lock serializes
// all access.
type custodian struct {
	registry AssetRegistry
	// identity is the address holding escrowed assets in the external
	// registry; sellers must approve it as an operator before listing.
	identity common.Address
	held     map[orderKey]bool
}

func newCustodian(registry AssetRegistry, identity common.Address) *custodian {
	return &custodian{
		registry: registry,
		identity: identity,
		held:     make(map[orderKey]bool),
	}
}

// take moves custody of the asset from its current owner to the engine.
func (c *custodian) take(ctx context.Context, op string, collection common.Address, assetID *big.Int, from common.Address) error {
	key := keyOf(collection, assetID)
	if c.held[key] {
		return errf(CodeAlreadyExists, op, "asset %s/%s already in escrow", collection, assetID)
	}

	owner, err := c.registry.OwnerOf(ctx, collection, assetID)
	if err != nil {
		return wrapf(CodeExternalFailure, op, err, "owner lookup for %s/%s", collection, assetID)
	}
	if owner != from {
		return errf(CodePreconditionFailed, op, "%s does not own asset %s/%s", from, collection, assetID)
	}

	approved, err := c.registry.IsApprovedForAll(ctx, collection, owner, c.identity)
	if err != nil {
		return wrapf(CodeExternalFailure, op, err, "approval lookup for %s/%s", collection, assetID)
	}
	if !approved {
		return errf(CodePreconditionFailed, op, "asset %s/%s not approved for escrow", collection, assetID)
	}

	if err := c.registry.TransferFrom(ctx, collection, from, c.identity, assetID); err != nil {
		return wrapf(CodeExternalFailure, op, err, "escrow transfer of %s/%s", collection, assetID)
	}
	c.held[key] = true
	return nil
}

// release moves custody from the engine to the recipient. Callers invoke it
// only after the order-state transition is committed, so a failed release
// leaves the asset retrievable without reopening the order.
func (c *custodian) release(ctx context.Context, op string, collection common.Address, assetID *big.Int, to common.Address) error {
	key := keyOf(collection, assetID)
	if !c.held[key] {
		return errf(CodeNotFound, op, "asset %s/%s not in escrow", collection, assetID)
	}
	if err := c.registry.TransferFrom(ctx, collection, c.identity, to, assetID); err != nil {
		return wrapf(CodeExternalFailure, op, err, "escrow release of %s/%s to %s", collection, assetID, to)
	}
	delete(c.held, key)
	return nil
}

func (c *custodian) holds(collection common.Address, assetID *big.Int) bool {
	return c.held[keyOf(collection, assetID)]
}
