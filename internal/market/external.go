package market

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AssetRegistry is the external ownership registry for unique assets. The
// engine never caches ownership beyond its own escrow bookkeeping; every
// decision that depends on ownership reads through this interface.
type AssetRegistry interface {
	OwnerOf(ctx context.Context, collection common.Address, assetID *big.Int) (common.Address, error)
	IsApprovedForAll(ctx context.Context, collection, owner, operator common.Address) (bool, error)
	TransferFrom(ctx context.Context, collection common.Address, from, to common.Address, assetID *big.Int) error
}

// PaymentSender pushes native-currency payments. A returned error means no
// value moved and the enclosing operation must abort.
type PaymentSender interface {
	Pay(ctx context.Context, to common.Address, amount *big.Int) error
}

// Clock supplies the current time. Auction deadlines are evaluated lazily at
// call time; the engine runs no timers.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall-clock Clock used unless a test installs its own.
var SystemClock Clock = systemClock{}
