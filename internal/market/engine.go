// Package market implements a non-custodial marketplace engine for unique
// assets. Two trading formats, instant fixed-price sale and timed ascending
// auction, share one escrow, settlement and fee core. The engine holds
// in-memory state only; asset ownership and value transfer live behind the
// AssetRegistry and PaymentSender interfaces.
package market

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config carries the construction-time parameters of the engine. Admin may
// register collections and flip order gates; FeeSink receives the market cut;
// Custodian is the identity holding escrowed assets in the external registry.
type Config struct {
	Admin     common.Address
	FeeSink   common.Address
	Custodian common.Address

	// FeeNumerator/FeeDenominator define the settlement fee. Zero values
	// select the default 1/100.
	FeeNumerator   uint64
	FeeDenominator uint64
}

const (
	defaultFeeNumerator   = 1
	defaultFeeDenominator = 100
)

// Engine is the marketplace core. Every exported operation is serialized by a
// single mutex, giving the all-or-nothing, no-interleaving semantics the
// order state machine depends on.
type Engine struct {
	mu sync.RWMutex

	cfg      Config
	fees     FeeSchedule
	registry *collectionRegistry
	escrow   *custodian
	book     *orderBook

	bank  PaymentSender
	clock Clock
	log   *zap.Logger
	sinks []Sink

	seq uint64
}

// Option customizes an Engine at construction.
type Option func(*Engine)

// WithClock installs a time source other than the system clock.
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLogger installs the engine logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

// WithSinks registers event sinks; committed events fan out to each in order.
func WithSinks(sinks ...Sink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, sinks...) }
}

// NewEngine builds an engine over the external collaborators.
func NewEngine(cfg Config, assets AssetRegistry, bank PaymentSender, opts ...Option) (*Engine, error) {
	if cfg.FeeNumerator == 0 && cfg.FeeDenominator == 0 {
		cfg.FeeNumerator = defaultFeeNumerator
		cfg.FeeDenominator = defaultFeeDenominator
	}
	fees, err := NewFeeSchedule(cfg.FeeNumerator, cfg.FeeDenominator)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		fees:     fees,
		registry: newCollectionRegistry(),
		escrow:   newCustodian(assets, cfg.Custodian),
		book:     newOrderBook(),
		bank:     bank,
		clock:    SystemClock,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Fees returns the settlement fee schedule.
func (e *Engine) Fees() FeeSchedule { return e.fees }

// ---------------------------------------------------------------------------
// Collection administration

// RegisterCollection onboards a collection. Admin only; duplicate
// registration is rejected.
func (e *Engine) RegisterCollection(ctx context.Context, caller, collection common.Address) (Event, error) {
	const op = opRegisterCollection

	e.mu.Lock()
	if err := e.requireAdmin(op, caller); err != nil {
		e.mu.Unlock()
		return e.fail(op, err)
	}
	if err := e.registry.register(collection); err != nil {
		e.mu.Unlock()
		return e.fail(op, err)
	}
	ev := e.newEvent(EventCollectionRegistered, &collection, CollectionRegistered{Collection: collection})
	e.mu.Unlock()

	e.commit(ctx, op, ev)
	return ev, nil
}

// SetOrdersEnabled flips the per-collection order gate. Admin only. Live
// orders are unaffected.
func (e *Engine) SetOrdersEnabled(ctx context.Context, caller, collection common.Address, enabled bool) (Event, error) {
	const op = "market.SetOrdersEnabled"

	e.mu.Lock()
	if err := e.requireAdmin(op, caller); err != nil {
		e.mu.Unlock()
		return e.fail(op, err)
	}
	if err := e.registry.setEnabled(op, collection, enabled); err != nil {
		e.mu.Unlock()
		return e.fail(op, err)
	}
	ev := e.newEvent(toggleEventType(enabled), &collection, OrdersToggled{Collection: &collection})
	e.mu.Unlock()

	e.commit(ctx, op, ev)
	return ev, nil
}

// SetOrdersEnabledGlobally flips the process-wide order gate. Admin only.
func (e *Engine) SetOrdersEnabledGlobally(ctx context.Context, caller common.Address, enabled bool) (Event, error) {
	const op = "market.SetOrdersEnabledGlobally"

	e.mu.Lock()
	if err := e.requireAdmin(op, caller); err != nil {
		e.mu.Unlock()
		return e.fail(op, err)
	}
	e.registry.setGlobalEnabled(enabled)
	ev := e.newEvent(toggleEventType(enabled), nil, OrdersToggled{})
	e.mu.Unlock()

	e.commit(ctx, op, ev)
	return ev, nil
}

func toggleEventType(enabled bool) EventType {
	if enabled {
		return EventOrdersEnabled
	}
	return EventOrdersDisabled
}

// ---------------------------------------------------------------------------
// Listing

// CreateOrder lists a single asset; it is a batch of one.
func (e *Engine) CreateOrder(ctx context.Context, seller, collection common.Address, format OrderFormat, listing Listing) (Event, error) {
	return e.CreateOrders(ctx, seller, collection, format, []Listing{listing})
}

// CreateOrders lists a batch of assets for the given format. The batch is
// all-or-nothing: any invalid element, duplicate asset id, or failed escrow
// transfer aborts the whole call with no listing committed.
func (e *Engine) CreateOrders(ctx context.Context, seller, collection common.Address, format OrderFormat, listings []Listing) (Event, error) {
	const op = "market.CreateOrders"

	e.mu.Lock()

	if len(listings) == 0 {
		e.mu.Unlock()
		return e.fail(op, errf(CodeInvalidArgument, op, "empty batch"))
	}
	if format != FormatInstant && format != FormatAuction {
		e.mu.Unlock()
		return e.fail(op, errf(CodeInvalidArgument, op, "unknown order format %q", format))
	}
	if err := e.requireCreatable(op, collection); err != nil {
		e.mu.Unlock()
		return e.fail(op, err)
	}

	now := e.clock.Now()
	orders := make([]*Order, 0, len(listings))
	seen := make(map[orderKey]bool, len(listings))

	for _, l := range listings {
		if err := e.validateListing(op, collection, format, l, now, seen); err != nil {
			e.mu.Unlock()
			return e.fail(op, err)
		}

		owner, err := e.escrow.registry.OwnerOf(ctx, collection, l.AssetID)
		if err != nil {
			e.mu.Unlock()
			return e.fail(op, wrapf(CodeExternalFailure, op, err, "owner lookup for %s/%s", collection, l.AssetID))
		}
		if owner != seller {
			approved, err := e.escrow.registry.IsApprovedForAll(ctx, collection, owner, seller)
			if err != nil {
				e.mu.Unlock()
				return e.fail(op, wrapf(CodeExternalFailure, op, err, "operator lookup for %s/%s", collection, l.AssetID))
			}
			if !approved {
				e.mu.Unlock()
				return e.fail(op, errf(CodeUnauthorized, op, "%s is neither owner nor approved operator of %s/%s", seller, collection, l.AssetID))
			}
		}

		o := &Order{
			Collection: collection,
			AssetID:    new(big.Int).Set(l.AssetID),
			Owner:      owner,
			Seller:     seller,
			Format:     format,
			BuyPrice:   new(big.Int).Set(l.BuyPrice),
			ListedAt:   now,
		}
		if format == FormatAuction {
			o.StartPrice = new(big.Int).Set(l.StartPrice)
			o.EndTime = l.EndTime
		}
		orders = append(orders, o)
	}

	// Escrow every asset. A failure hands back what was already taken so the
	// aborted batch leaves no asset in custody.
	for i, o := range orders {
		if err := e.escrow.take(ctx, op, collection, o.AssetID, o.Owner); err != nil {
			for _, taken := range orders[:i] {
				if rerr := e.escrow.release(ctx, op, collection, taken.AssetID, taken.Owner); rerr != nil {
					e.log.Error("escrow give-back failed during aborted create",
						zap.String("collection", collection.Hex()),
						zap.String("asset", taken.AssetID.String()),
						zap.Error(rerr))
				}
			}
			e.mu.Unlock()
			return e.fail(op, err)
		}
	}

	for _, o := range orders {
		e.book.insert(o)
	}
	ordersListed.Set(float64(e.book.size()))

	ev := e.newEvent(EventOrderCreated, &collection, newOrderCreated(collection, seller, format, orders))
	e.mu.Unlock()

	e.commit(ctx, op, ev)
	return ev, nil
}

func (e *Engine) validateListing(op string, collection common.Address, format OrderFormat, l Listing, now time.Time, seen map[orderKey]bool) error {
	if l.AssetID == nil || l.BuyPrice == nil {
		return errf(CodeInvalidArgument, op, "listing is missing asset id or buy price")
	}
	key := keyOf(collection, l.AssetID)
	if seen[key] {
		return errf(CodeAlreadyExists, op, "asset %s appears twice in batch", l.AssetID)
	}
	seen[key] = true
	if e.book.isListed(collection, l.AssetID) {
		return errf(CodeAlreadyExists, op, "asset %s/%s already listed", collection, l.AssetID)
	}
	if l.BuyPrice.Sign() <= 0 {
		return errf(CodeInvalidArgument, op, "buy price must be positive for asset %s", l.AssetID)
	}

	switch format {
	case FormatInstant:
		if l.StartPrice != nil || !l.EndTime.IsZero() {
			return errf(CodeInvalidArgument, op, "start price and end time are auction-only fields")
		}
	case FormatAuction:
		if l.StartPrice == nil || l.StartPrice.Sign() <= 0 {
			return errf(CodeInvalidArgument, op, "start price must be positive for asset %s", l.AssetID)
		}
		if l.StartPrice.Cmp(l.BuyPrice) >= 0 {
			return errf(CodeInvalidArgument, op, "start price must be below buy price for asset %s", l.AssetID)
		}
		if !l.EndTime.After(now) {
			return errf(CodeInvalidArgument, op, "end time must be in the future for asset %s", l.AssetID)
		}
	}
	return nil
}

func newOrderCreated(collection common.Address, seller common.Address, format OrderFormat, orders []*Order) OrderCreated {
	data := OrderCreated{
		Collection: collection,
		Seller:     seller,
		AssetIDs:   make([]*big.Int, len(orders)),
		Owners:     make([]common.Address, len(orders)),
		BuyPrices:  make([]*big.Int, len(orders)),
	}
	if format == FormatAuction {
		data.StartPrices = make([]*big.Int, len(orders))
		data.EndTimes = make([]time.Time, len(orders))
	}
	for i, o := range orders {
		data.AssetIDs[i] = o.AssetID
		data.Owners[i] = o.Owner
		data.BuyPrices[i] = o.BuyPrice
		if format == FormatAuction {
			data.StartPrices[i] = o.StartPrice
			data.EndTimes[i] = o.EndTime
		}
	}
	return data
}

// ---------------------------------------------------------------------------
// Cancellation

// CancelOrder cancels a single listing; it is a batch of one.
func (e *Engine) CancelOrder(ctx context.Context, caller, collection common.Address, assetID *big.Int) (Event, error) {
	return e.CancelOrders(ctx, caller, collection, []*big.Int{assetID})
}

// CancelOrders cancels a batch of listings and returns the assets to their
// owners. Only the seller or the owner of a listing may cancel it, and an
// auction that has received a bid can no longer be cancelled.
func (e *Engine) CancelOrders(ctx context.Context, caller, collection common.Address, assetIDs []*big.Int) (Event, error) {
	const op = "market.CancelOrders"

	e.mu.Lock()

	orders, err := e.resolveBatch(op, collection, assetIDs)
	if err != nil {
		e.mu.Unlock()
		return e.fail(op, err)
	}
	for _, o := range orders {
		if caller != o.Seller && caller != o.Owner {
			e.mu.Unlock()
			return e.fail(op, errf(CodeUnauthorized, op, "%s may not cancel order for %s/%s", caller, collection, o.AssetID))
		}
		if o.Format == FormatAuction && o.HasBid() {
			e.mu.Unlock()
			return e.fail(op, errf(CodePreconditionFailed, op, "auction for %s/%s has a bid and cannot be cancelled", collection, o.AssetID))
		}
	}

	for _, o := range orders {
		e.book.remove(collection, o.AssetID)
	}
	ordersListed.Set(float64(e.book.size()))
	ev := e.newEvent(EventOrderCancelled, &collection, OrderCancelled{Collection: collection, AssetIDs: assetIDs})

	// Escrow releases run after the cancellations are committed; a failed
	// release leaves the asset with the custodian for retry and cannot
	// resurrect the order.
	var releaseErr error
	for _, o := range orders {
		if err := e.escrow.release(ctx, op, collection, o.AssetID, o.Owner); err != nil {
			e.log.Error("escrow release failed after cancel",
				zap.String("collection", collection.Hex()),
				zap.String("asset", o.AssetID.String()),
				zap.Error(err))
			if releaseErr == nil {
				releaseErr = err
			}
		}
	}
	e.mu.Unlock()

	e.commit(ctx, op, ev)
	return ev, releaseErr
}

// ---------------------------------------------------------------------------
// Instant-sale settlement

// Buy settles a single instant-sale listing; paid must equal the buy price
// exactly.
func (e *Engine) Buy(ctx context.Context, payer, collection common.Address, assetID *big.Int, paid *big.Int) (Event, error) {
	return e.BuyMany(ctx, payer, collection, []*big.Int{assetID}, paid)
}

// BuyMany settles a batch of instant-sale listings. The aggregate payment
// must equal the sum of the buy prices exactly; each listing settles
// independently but the whole call is all-or-nothing.
func (e *Engine) BuyMany(ctx context.Context, payer, collection common.Address, assetIDs []*big.Int, paid *big.Int) (Event, error) {
	const op = "market.BuyMany"

	e.mu.Lock()

	if paid == nil {
		e.mu.Unlock()
		return e.fail(op, errf(CodeInvalidArgument, op, "missing payment amount"))
	}
	orders, err := e.resolveBatch(op, collection, assetIDs)
	if err != nil {
		e.mu.Unlock()
		return e.fail(op, err)
	}

	total := new(big.Int)
	for _, o := range orders {
		if o.Format != FormatInstant {
			e.mu.Unlock()
			return e.fail(op, errf(CodePreconditionFailed, op, "order for %s/%s is not an instant sale", collection, o.AssetID))
		}
		total.Add(total, o.BuyPrice)
	}
	if paid.Cmp(total) != 0 {
		e.mu.Unlock()
		return e.fail(op, errf(CodePreconditionFailed, op, "payment %s does not match required total %s", paid, total))
	}

	// Split and pay out before touching the book: a failed payment aborts
	// with no internal state change.
	totalFee := new(big.Int)
	for _, o := range orders {
		fee, due := e.fees.Split(o.BuyPrice)
		if err := e.bank.Pay(ctx, o.Owner, due); err != nil {
			e.mu.Unlock()
			return e.fail(op, wrapf(CodeExternalFailure, op, err, "payout to owner %s", o.Owner))
		}
		totalFee.Add(totalFee, fee)
	}
	if totalFee.Sign() > 0 {
		if err := e.bank.Pay(ctx, e.cfg.FeeSink, totalFee); err != nil {
			e.mu.Unlock()
			return e.fail(op, wrapf(CodeExternalFailure, op, err, "fee payout"))
		}
	}

	for _, o := range orders {
		e.book.remove(collection, o.AssetID)
	}
	ordersListed.Set(float64(e.book.size()))
	salesTotal.WithLabelValues(string(FormatInstant)).Add(float64(len(orders)))
	observeFee(totalFee)

	ev := e.newEvent(EventSale, &collection, Sale{Collection: collection, AssetIDs: assetIDs, Buyer: payer})

	releaseErr := e.releaseAll(ctx, op, collection, orders, func(*Order) common.Address { return payer })
	e.mu.Unlock()

	e.commit(ctx, op, ev)
	return ev, releaseErr
}

// ---------------------------------------------------------------------------
// Auction settlement

// PlaceBid places a single bid; the payment is the bid amount itself.
func (e *Engine) PlaceBid(ctx context.Context, bidder, collection common.Address, assetID, amount *big.Int) ([]Event, error) {
	if amount == nil {
		const op = "market.PlaceBids"
		_, err := e.fail(op, errf(CodeInvalidArgument, op, "missing bid amount"))
		return nil, err
	}
	return e.PlaceBids(ctx, bidder, collection, []Bid{{AssetID: assetID, Amount: amount}}, amount)
}

// PlaceBids places a batch of bids. paid must equal the sum of the bid
// amounts exactly. Each accepted bid strictly exceeds the previous highest
// bid (or meets the start price when it is the first), and the outbid party
// is refunded in full before the new bid is recorded; a failed refund rejects
// the whole call. A bid reaching the buy-now price settles the auction
// immediately at the full bid amount.
func (e *Engine) PlaceBids(ctx context.Context, bidder, collection common.Address, bids []Bid, paid *big.Int) ([]Event, error) {
	const op = "market.PlaceBids"

	e.mu.Lock()

	if len(bids) == 0 {
		e.mu.Unlock()
		_, err := e.fail(op, errf(CodeInvalidArgument, op, "empty batch"))
		return nil, err
	}
	if paid == nil {
		e.mu.Unlock()
		_, err := e.fail(op, errf(CodeInvalidArgument, op, "missing payment amount"))
		return nil, err
	}

	now := e.clock.Now()
	total := new(big.Int)
	orders := make([]*Order, 0, len(bids))
	seen := make(map[orderKey]bool, len(bids))

	for _, b := range bids {
		if b.AssetID == nil || b.Amount == nil {
			e.mu.Unlock()
			_, err := e.fail(op, errf(CodeInvalidArgument, op, "bid is missing asset id or amount"))
			return nil, err
		}
		key := keyOf(collection, b.AssetID)
		if seen[key] {
			e.mu.Unlock()
			_, err := e.fail(op, errf(CodeInvalidArgument, op, "asset %s appears twice in batch", b.AssetID))
			return nil, err
		}
		seen[key] = true

		o, ok := e.book.get(collection, b.AssetID)
		if !ok {
			e.mu.Unlock()
			_, err := e.fail(op, errf(CodeNotFound, op, "no live order for %s/%s", collection, b.AssetID))
			return nil, err
		}
		if o.Format != FormatAuction {
			e.mu.Unlock()
			_, err := e.fail(op, errf(CodePreconditionFailed, op, "order for %s/%s is not an auction", collection, b.AssetID))
			return nil, err
		}
		if !now.Before(o.EndTime) {
			e.mu.Unlock()
			_, err := e.fail(op, errf(CodePreconditionFailed, op, "auction for %s/%s has ended", collection, b.AssetID))
			return nil, err
		}
		if o.HasBid() {
			if b.Amount.Cmp(o.HighestBid) <= 0 {
				e.mu.Unlock()
				_, err := e.fail(op, errf(CodePreconditionFailed, op, "bid %s does not exceed highest bid %s for %s/%s", b.Amount, o.HighestBid, collection, b.AssetID))
				return nil, err
			}
		} else if b.Amount.Cmp(o.StartPrice) < 0 {
			e.mu.Unlock()
			_, err := e.fail(op, errf(CodePreconditionFailed, op, "bid %s is below start price %s for %s/%s", b.Amount, o.StartPrice, collection, b.AssetID))
			return nil, err
		}

		total.Add(total, b.Amount)
		orders = append(orders, o)
	}
	if paid.Cmp(total) != 0 {
		e.mu.Unlock()
		_, err := e.fail(op, errf(CodePreconditionFailed, op, "payment %s does not match bid total %s", paid, total))
		return nil, err
	}

	// All payments precede any internal mutation: refunds of outbid parties
	// first, then settlement payouts for buy-now bids, then the aggregate
	// fee. Any failure aborts with the book untouched.
	totalFee := new(big.Int)
	soldCount := 0
	for i, b := range bids {
		o := orders[i]
		if o.HasBid() {
			if err := e.bank.Pay(ctx, o.HighestBidder, o.HighestBid); err != nil {
				e.mu.Unlock()
				_, ferr := e.fail(op, wrapf(CodeExternalFailure, op, err, "refund to outbid %s", o.HighestBidder))
				return nil, ferr
			}
		}
		if b.Amount.Cmp(o.BuyPrice) >= 0 {
			fee, due := e.fees.Split(b.Amount)
			if err := e.bank.Pay(ctx, o.Owner, due); err != nil {
				e.mu.Unlock()
				_, ferr := e.fail(op, wrapf(CodeExternalFailure, op, err, "payout to owner %s", o.Owner))
				return nil, ferr
			}
			totalFee.Add(totalFee, fee)
			soldCount++
		}
	}
	if totalFee.Sign() > 0 {
		if err := e.bank.Pay(ctx, e.cfg.FeeSink, totalFee); err != nil {
			e.mu.Unlock()
			_, ferr := e.fail(op, wrapf(CodeExternalFailure, op, err, "fee payout"))
			return nil, ferr
		}
	}

	// Commit. Buy-now bids leave the book; the rest ratchet the order.
	evs := make([]Event, 0, len(bids)+soldCount)
	var sold []*Order
	for i, b := range bids {
		o := orders[i]
		evs = append(evs, e.newEvent(EventBidPlaced, &collection, BidPlaced{
			Collection: collection,
			AssetID:    b.AssetID,
			Bidder:     bidder,
			Amount:     b.Amount,
		}))
		if b.Amount.Cmp(o.BuyPrice) >= 0 {
			e.book.remove(collection, o.AssetID)
			sold = append(sold, o)
			evs = append(evs, e.newEvent(EventSale, &collection, Sale{
				Collection: collection,
				AssetIDs:   []*big.Int{b.AssetID},
				Buyer:      bidder,
			}))
		} else {
			o.HighestBid = new(big.Int).Set(b.Amount)
			o.HighestBidder = bidder
		}
	}
	ordersListed.Set(float64(e.book.size()))
	if soldCount > 0 {
		salesTotal.WithLabelValues(string(FormatAuction)).Add(float64(soldCount))
	}
	observeFee(totalFee)

	releaseErr := e.releaseAll(ctx, op, collection, sold, func(*Order) common.Address { return bidder })
	e.mu.Unlock()

	e.commit(ctx, op, evs...)
	return evs, releaseErr
}

// FinalizeAuction finalizes a single auction past its deadline; it is a batch
// of one.
func (e *Engine) FinalizeAuction(ctx context.Context, collection common.Address, assetID *big.Int) ([]Event, error) {
	return e.FinalizeAuctions(ctx, collection, []*big.Int{assetID})
}

// FinalizeAuctions settles a batch of auctions whose deadlines have passed.
// Anyone may finalize; proceeds route to the owner and the asset to the
// highest bidder, or back to the owner when no bid was placed. Finalizing an
// auction before its deadline fails.
func (e *Engine) FinalizeAuctions(ctx context.Context, collection common.Address, assetIDs []*big.Int) ([]Event, error) {
	const op = "market.FinalizeAuctions"

	e.mu.Lock()

	orders, err := e.resolveBatch(op, collection, assetIDs)
	if err != nil {
		e.mu.Unlock()
		_, ferr := e.fail(op, err)
		return nil, ferr
	}

	now := e.clock.Now()
	for _, o := range orders {
		if o.Format != FormatAuction {
			e.mu.Unlock()
			_, ferr := e.fail(op, errf(CodePreconditionFailed, op, "order for %s/%s is not an auction", collection, o.AssetID))
			return nil, ferr
		}
		if now.Before(o.EndTime) {
			e.mu.Unlock()
			_, ferr := e.fail(op, errf(CodePreconditionFailed, op, "auction for %s/%s has not ended", collection, o.AssetID))
			return nil, ferr
		}
	}

	totalFee := new(big.Int)
	soldCount := 0
	for _, o := range orders {
		if !o.HasBid() {
			continue
		}
		fee, due := e.fees.Split(o.HighestBid)
		if err := e.bank.Pay(ctx, o.Owner, due); err != nil {
			e.mu.Unlock()
			_, ferr := e.fail(op, wrapf(CodeExternalFailure, op, err, "payout to owner %s", o.Owner))
			return nil, ferr
		}
		totalFee.Add(totalFee, fee)
		soldCount++
	}
	if totalFee.Sign() > 0 {
		if err := e.bank.Pay(ctx, e.cfg.FeeSink, totalFee); err != nil {
			e.mu.Unlock()
			_, ferr := e.fail(op, wrapf(CodeExternalFailure, op, err, "fee payout"))
			return nil, ferr
		}
	}

	evs := make([]Event, 0, len(orders))
	for _, o := range orders {
		e.book.remove(collection, o.AssetID)
		if o.HasBid() {
			evs = append(evs, e.newEvent(EventSale, &collection, Sale{
				Collection: collection,
				AssetIDs:   []*big.Int{o.AssetID},
				Buyer:      o.HighestBidder,
			}))
		} else {
			evs = append(evs, e.newEvent(EventRetake, &collection, Retake{
				Collection: collection,
				AssetIDs:   []*big.Int{o.AssetID},
			}))
		}
	}
	ordersListed.Set(float64(e.book.size()))
	if soldCount > 0 {
		salesTotal.WithLabelValues(string(FormatAuction)).Add(float64(soldCount))
	}
	observeFee(totalFee)

	releaseErr := e.releaseAll(ctx, op, collection, orders, func(o *Order) common.Address {
		if o.HasBid() {
			return o.HighestBidder
		}
		return o.Owner
	})
	e.mu.Unlock()

	e.commit(ctx, op, evs...)
	return evs, releaseErr
}

// ---------------------------------------------------------------------------
// Queries

// IsListed reports whether a live order exists for the asset.
func (e *Engine) IsListed(collection common.Address, assetID *big.Int) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.isListed(collection, assetID)
}

// GetOrder returns a copy of the live order for the asset, if any.
func (e *Engine) GetOrder(collection common.Address, assetID *big.Int) (*Order, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.book.get(collection, assetID)
	if !ok {
		return nil, false
	}
	return o.clone(), true
}

// GetCollectionStatus returns the registry flags for the collection.
func (e *Engine) GetCollectionStatus(collection common.Address) CollectionStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry.status(collection)
}

// CanCreate reports whether order creation is currently allowed for the
// collection.
func (e *Engine) CanCreate(collection common.Address) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry.canCreate(collection)
}

// InEscrow reports whether the custodian currently holds the asset.
func (e *Engine) InEscrow(collection common.Address, assetID *big.Int) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.escrow.holds(collection, assetID)
}

// ---------------------------------------------------------------------------
// Internals

func (e *Engine) requireAdmin(op string, caller common.Address) error {
	if caller != e.cfg.Admin {
		return errf(CodeUnauthorized, op, "%s is not the market admin", caller)
	}
	return nil
}

// requireCreatable distinguishes an unregistered collection from a disabled
// one so callers see NotFound versus PreconditionFailed.
func (e *Engine) requireCreatable(op string, collection common.Address) error {
	st := e.registry.status(collection)
	if !st.Registered {
		return errf(CodeNotFound, op, "collection %s not registered", collection)
	}
	if !st.OrdersEnabled || !e.registry.globalEnabled {
		return errf(CodePreconditionFailed, op, "order creation disabled for collection %s", collection)
	}
	return nil
}

// resolveBatch validates batch shape and returns the live orders for the
// asset ids, rejecting empty batches, nil or duplicate ids and unknown keys.
func (e *Engine) resolveBatch(op string, collection common.Address, assetIDs []*big.Int) ([]*Order, error) {
	if len(assetIDs) == 0 {
		return nil, errf(CodeInvalidArgument, op, "empty batch")
	}
	orders := make([]*Order, 0, len(assetIDs))
	seen := make(map[orderKey]bool, len(assetIDs))
	for _, id := range assetIDs {
		if id == nil {
			return nil, errf(CodeInvalidArgument, op, "nil asset id in batch")
		}
		key := keyOf(collection, id)
		if seen[key] {
			return nil, errf(CodeInvalidArgument, op, "asset %s appears twice in batch", id)
		}
		seen[key] = true
		o, ok := e.book.get(collection, id)
		if !ok {
			return nil, errf(CodeNotFound, op, "no live order for %s/%s", collection, id)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// releaseAll hands escrowed assets to their recipients after the enclosing
// transition has been committed. Failures are logged and the first one is
// returned; the held-set keeps failed releases retrievable.
func (e *Engine) releaseAll(ctx context.Context, op string, collection common.Address, orders []*Order, recipient func(*Order) common.Address) error {
	var first error
	for _, o := range orders {
		if err := e.escrow.release(ctx, op, collection, o.AssetID, recipient(o)); err != nil {
			e.log.Error("escrow release failed after settlement",
				zap.String("collection", collection.Hex()),
				zap.String("asset", o.AssetID.String()),
				zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// newEvent stamps the envelope; callers hold the engine lock.
func (e *Engine) newEvent(t EventType, collection *common.Address, data any) Event {
	e.seq++
	return Event{
		ID:         uuid.New(),
		Seq:        e.seq,
		Type:       t,
		Time:       e.clock.Now(),
		Collection: collection,
		Data:       data,
	}
}

// commit records a successful operation and fans its events out to the sinks.
// Runs outside the engine lock.
func (e *Engine) commit(ctx context.Context, op string, evs ...Event) {
	observeOp(op, nil)
	for _, ev := range evs {
		e.log.Info("event committed",
			zap.String("op", op),
			zap.String("type", string(ev.Type)),
			zap.Uint64("seq", ev.Seq))
		for _, s := range e.sinks {
			s.Publish(ctx, ev)
		}
	}
}

// fail records a rejected operation.
func (e *Engine) fail(op string, err error) (Event, error) {
	observeOp(op, err)
	e.log.Debug("operation rejected", zap.String("op", op), zap.Error(err))
	return Event{}, err
}
