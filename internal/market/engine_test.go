package market

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	adminAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	feeSink   = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	custody   = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000011")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000022")
	carol     = common.HexToAddress("0x0000000000000000000000000000000000000033")
	dave      = common.HexToAddress("0x0000000000000000000000000000000000000044")
	nft       = common.HexToAddress("0x0000000000000000000000000000000000001001")
	otherNFT  = common.HexToAddress("0x0000000000000000000000000000000000001002")
)

// fakeAssets is an in-memory ownership registry.
type fakeAssets struct {
	owners      map[orderKey]common.Address
	approvals   map[common.Address]map[common.Address]bool
	transferErr error
	transfers   int
}

func newFakeAssets() *fakeAssets {
	return &fakeAssets{
		owners:    make(map[orderKey]common.Address),
		approvals: make(map[common.Address]map[common.Address]bool),
	}
}

func (f *fakeAssets) mint(collection common.Address, assetID *big.Int, owner common.Address) {
	f.owners[keyOf(collection, assetID)] = owner
}

func (f *fakeAssets) approve(owner, operator common.Address) {
	if f.approvals[owner] == nil {
		f.approvals[owner] = make(map[common.Address]bool)
	}
	f.approvals[owner][operator] = true
}

func (f *fakeAssets) OwnerOf(_ context.Context, collection common.Address, assetID *big.Int) (common.Address, error) {
	owner, ok := f.owners[keyOf(collection, assetID)]
	if !ok {
		return common.Address{}, fmt.Errorf("unknown asset %s/%s", collection, assetID)
	}
	return owner, nil
}

func (f *fakeAssets) IsApprovedForAll(_ context.Context, _ common.Address, owner, operator common.Address) (bool, error) {
	return f.approvals[owner][operator], nil
}

func (f *fakeAssets) TransferFrom(_ context.Context, collection common.Address, from, to common.Address, assetID *big.Int) error {
	if f.transferErr != nil {
		return f.transferErr
	}
	key := keyOf(collection, assetID)
	if f.owners[key] != from {
		return fmt.Errorf("%s does not hold %s/%s", from, collection, assetID)
	}
	f.owners[key] = to
	f.transfers++
	return nil
}

type payment struct {
	to     common.Address
	amount *big.Int
}

// fakeBank records payments and can be told to reject specific recipients.
type fakeBank struct {
	payments []payment
	failFor  map[common.Address]bool
}

func newFakeBank() *fakeBank {
	return &fakeBank{failFor: make(map[common.Address]bool)}
}

func (b *fakeBank) Pay(_ context.Context, to common.Address, amount *big.Int) error {
	if b.failFor[to] {
		return fmt.Errorf("payment to %s rejected", to)
	}
	b.payments = append(b.payments, payment{to: to, amount: new(big.Int).Set(amount)})
	return nil
}

func (b *fakeBank) totalTo(to common.Address) *big.Int {
	total := new(big.Int)
	for _, p := range b.payments {
		if p.to == to {
			total.Add(total, p.amount)
		}
	}
	return total
}

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time          { return c.now }
func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type testEnv struct {
	engine *Engine
	assets *fakeAssets
	bank   *fakeBank
	clock  *manualClock
	events []Event
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		assets: newFakeAssets(),
		bank:   newFakeBank(),
		clock:  &manualClock{now: time.Unix(1_700_000_000, 0).UTC()},
	}
	sink := SinkFunc(func(_ context.Context, ev Event) { env.events = append(env.events, ev) })
	engine, err := NewEngine(
		Config{Admin: adminAddr, FeeSink: feeSink, Custodian: custody},
		env.assets, env.bank,
		WithClock(env.clock),
		WithLogger(zaptest.NewLogger(t)),
		WithSinks(sink),
	)
	require.NoError(t, err)
	env.engine = engine
	return env
}

// registerNFT onboards the default collection as admin.
func (env *testEnv) registerNFT(t *testing.T) {
	t.Helper()
	_, err := env.engine.RegisterCollection(context.Background(), adminAddr, nft)
	require.NoError(t, err)
}

// mintApproved mints the asset to owner and approves the custodian.
func (env *testEnv) mintApproved(assetID int64, owner common.Address) *big.Int {
	id := big.NewInt(assetID)
	env.assets.mint(nft, id, owner)
	env.assets.approve(owner, custody)
	return id
}

func (env *testEnv) listInstant(t *testing.T, seller common.Address, assetID *big.Int, price int64) {
	t.Helper()
	_, err := env.engine.CreateOrder(context.Background(), seller, nft, FormatInstant, Listing{
		AssetID:  assetID,
		BuyPrice: big.NewInt(price),
	})
	require.NoError(t, err)
}

func (env *testEnv) listAuction(t *testing.T, seller common.Address, assetID *big.Int, start, buyNow int64, d time.Duration) {
	t.Helper()
	_, err := env.engine.CreateOrder(context.Background(), seller, nft, FormatAuction, Listing{
		AssetID:    assetID,
		BuyPrice:   big.NewInt(buyNow),
		StartPrice: big.NewInt(start),
		EndTime:    env.clock.Now().Add(d),
	})
	require.NoError(t, err)
}

func TestRegisterCollection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ev, err := env.engine.RegisterCollection(ctx, adminAddr, nft)
	require.NoError(t, err)
	assert.Equal(t, EventCollectionRegistered, ev.Type)
	assert.Equal(t, uint64(1), ev.Seq)

	st := env.engine.GetCollectionStatus(nft)
	assert.True(t, st.Registered)
	assert.True(t, st.OrdersEnabled)
	assert.True(t, env.engine.CanCreate(nft))

	// Non-admin callers are rejected.
	_, err = env.engine.RegisterCollection(ctx, alice, otherNFT)
	require.True(t, IsCode(err, CodeUnauthorized))

	// Re-registration is rejected and does not reset the gate.
	_, err = env.engine.SetOrdersEnabled(ctx, adminAddr, nft, false)
	require.NoError(t, err)
	_, err = env.engine.RegisterCollection(ctx, adminAddr, nft)
	require.True(t, IsCode(err, CodeAlreadyExists))
	assert.False(t, env.engine.GetCollectionStatus(nft).OrdersEnabled)
}

func TestOrderGating(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerNFT(t)
	id := env.mintApproved(1, alice)

	// Unregistered collection: NotFound, not a gating failure.
	_, err := env.engine.CreateOrder(ctx, alice, otherNFT, FormatInstant, Listing{AssetID: id, BuyPrice: big.NewInt(10)})
	require.True(t, IsCode(err, CodeNotFound))

	// Per-collection gate.
	_, err = env.engine.SetOrdersEnabled(ctx, adminAddr, nft, false)
	require.NoError(t, err)
	assert.False(t, env.engine.CanCreate(nft))
	_, err = env.engine.CreateOrder(ctx, alice, nft, FormatInstant, Listing{AssetID: id, BuyPrice: big.NewInt(10)})
	require.True(t, IsCode(err, CodePreconditionFailed))

	_, err = env.engine.SetOrdersEnabled(ctx, adminAddr, nft, true)
	require.NoError(t, err)

	// Global gate overrides the per-collection one.
	_, err = env.engine.SetOrdersEnabledGlobally(ctx, adminAddr, false)
	require.NoError(t, err)
	assert.False(t, env.engine.CanCreate(nft))
	_, err = env.engine.CreateOrder(ctx, alice, nft, FormatInstant, Listing{AssetID: id, BuyPrice: big.NewInt(10)})
	require.True(t, IsCode(err, CodePreconditionFailed))

	_, err = env.engine.SetOrdersEnabledGlobally(ctx, adminAddr, true)
	require.NoError(t, err)
	env.listInstant(t, alice, id, 10)

	// Disabling the gate leaves live orders tradable.
	_, err = env.engine.SetOrdersEnabled(ctx, adminAddr, nft, false)
	require.NoError(t, err)
	_, err = env.engine.Buy(ctx, bob, nft, id, big.NewInt(10))
	require.NoError(t, err)
}

func TestCreateOrderEscrow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerNFT(t)
	id := env.mintApproved(1, alice)

	env.listInstant(t, alice, id, 100)

	// The asset moved to the custodian and is tracked as held.
	owner, err := env.assets.OwnerOf(ctx, nft, id)
	require.NoError(t, err)
	assert.Equal(t, custody, owner)
	assert.True(t, env.engine.InEscrow(nft, id))
	assert.True(t, env.engine.IsListed(nft, id))

	o, ok := env.engine.GetOrder(nft, id)
	require.True(t, ok)
	assert.Equal(t, alice, o.Owner)
	assert.Equal(t, alice, o.Seller)
	assert.Equal(t, FormatInstant, o.Format)
	assert.False(t, o.HasBid())

	// Double-listing the same asset is rejected.
	_, err = env.engine.CreateOrder(ctx, alice, nft, FormatInstant, Listing{AssetID: id, BuyPrice: big.NewInt(100)})
	require.True(t, IsCode(err, CodeAlreadyExists))
}

func TestCreateOrderBySellerOperator(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerNFT(t)
	id := env.mintApproved(1, alice)

	// Bob is neither owner nor operator.
	_, err := env.engine.CreateOrder(ctx, bob, nft, FormatInstant, Listing{AssetID: id, BuyPrice: big.NewInt(50)})
	require.True(t, IsCode(err, CodeUnauthorized))

	// Approving bob as alice's operator lets him list on her behalf; the
	// order still names alice as owner and she receives the proceeds.
	env.assets.approve(alice, bob)
	env.listInstant(t, bob, id, 50)

	o, ok := env.engine.GetOrder(nft, id)
	require.True(t, ok)
	assert.Equal(t, alice, o.Owner)
	assert.Equal(t, bob, o.Seller)

	_, err = env.engine.Buy(ctx, carol, nft, id, big.NewInt(50))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(50), env.bank.totalTo(alice))
	assert.Zero(t, env.bank.totalTo(bob).Sign())
}

func TestCreateOrdersValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerNFT(t)
	id := env.mintApproved(1, alice)

	cases := []struct {
		name     string
		format   OrderFormat
		listings []Listing
		code     Code
	}{
		{"empty batch", FormatInstant, nil, CodeInvalidArgument},
		{"unknown format", OrderFormat("DUTCH"), []Listing{{AssetID: id, BuyPrice: big.NewInt(1)}}, CodeInvalidArgument},
		{"missing buy price", FormatInstant, []Listing{{AssetID: id}}, CodeInvalidArgument},
		{"zero buy price", FormatInstant, []Listing{{AssetID: id, BuyPrice: big.NewInt(0)}}, CodeInvalidArgument},
		{"auction fields on instant", FormatInstant, []Listing{{AssetID: id, BuyPrice: big.NewInt(5), StartPrice: big.NewInt(1)}}, CodeInvalidArgument},
		{"auction without start price", FormatAuction, []Listing{{AssetID: id, BuyPrice: big.NewInt(5), EndTime: env.clock.Now().Add(time.Hour)}}, CodeInvalidArgument},
		{"start price at buy price", FormatAuction, []Listing{{AssetID: id, BuyPrice: big.NewInt(5), StartPrice: big.NewInt(5), EndTime: env.clock.Now().Add(time.Hour)}}, CodeInvalidArgument},
		{"end time in the past", FormatAuction, []Listing{{AssetID: id, BuyPrice: big.NewInt(5), StartPrice: big.NewInt(1), EndTime: env.clock.Now().Add(-time.Hour)}}, CodeInvalidArgument},
		{"duplicate asset in batch", FormatInstant, []Listing{
			{AssetID: id, BuyPrice: big.NewInt(5)},
			{AssetID: id, BuyPrice: big.NewInt(6)},
		}, CodeAlreadyExists},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.engine.CreateOrders(ctx, alice, nft, tc.format, tc.listings)
			require.Error(t, err)
			assert.True(t, IsCode(err, tc.code), "got %v", err)
			assert.False(t, env.engine.IsListed(nft, id))
		})
	}
}

func TestCreateOrdersBatchAbortReturnsEscrow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerNFT(t)
	id1 := env.mintApproved(1, alice)
	id2 := env.mintApproved(2, alice)
	// Asset 3 exists but the custodian is not approved for its owner, so the
	// second escrow transfer fails mid-batch.
	id3 := big.NewInt(3)
	env.assets.mint(nft, id3, bob)
	env.assets.approve(bob, alice)

	_, err := env.engine.CreateOrders(ctx, alice, nft, FormatInstant, []Listing{
		{AssetID: id1, BuyPrice: big.NewInt(10)},
		{AssetID: id2, BuyPrice: big.NewInt(20)},
		{AssetID: id3, BuyPrice: big.NewInt(30)},
	})
	require.True(t, IsCode(err, CodePreconditionFailed))

	// Nothing listed, nothing left in custody.
	for _, id := range []*big.Int{id1, id2, id3} {
		assert.False(t, env.engine.IsListed(nft, id))
		assert.False(t, env.engine.InEscrow(nft, id))
	}
	owner, err := env.assets.OwnerOf(ctx, nft, id1)
	require.NoError(t, err)
	assert.Equal(t, alice, owner)
}

func TestCancelOrders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerNFT(t)
	id := env.mintApproved(1, alice)
	env.listInstant(t, alice, id, 100)

	// A stranger may not cancel.
	_, err := env.engine.CancelOrder(ctx, bob, nft, id)
	require.True(t, IsCode(err, CodeUnauthorized))
	assert.True(t, env.engine.IsListed(nft, id))

	ev, err := env.engine.CancelOrder(ctx, alice, nft, id)
	require.NoError(t, err)
	assert.Equal(t, EventOrderCancelled, ev.Type)
	assert.False(t, env.engine.IsListed(nft, id))
	assert.False(t, env.engine.InEscrow(nft, id))

	// The asset went back to its owner.
	owner, err := env.assets.OwnerOf(ctx, nft, id)
	require.NoError(t, err)
	assert.Equal(t, alice, owner)

	// Cancelling a dead order is NotFound.
	_, err = env.engine.CancelOrder(ctx, alice, nft, id)
	require.True(t, IsCode(err, CodeNotFound))

	// The asset can be listed again after a cancel.
	env.listInstant(t, alice, id, 100)
	assert.True(t, env.engine.IsListed(nft, id))
}

func TestCancelByOwnerAfterOperatorListing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerNFT(t)
	id := env.mintApproved(1, alice)
	env.assets.approve(alice, bob)
	env.listInstant(t, bob, id, 100)

	// The owner can cancel what her operator listed.
	_, err := env.engine.CancelOrder(ctx, alice, nft, id)
	require.NoError(t, err)

	owner, err := env.assets.OwnerOf(ctx, nft, id)
	require.NoError(t, err)
	assert.Equal(t, alice, owner)
}

func TestCancelBatchAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerNFT(t)
	id1 := env.mintApproved(1, alice)
	id2 := env.mintApproved(2, bob)
	env.listInstant(t, alice, id1, 10)
	env.listInstant(t, bob, id2, 20)

	// Alice cannot sweep bob's order into her cancel batch.
	_, err := env.engine.CancelOrders(ctx, alice, nft, []*big.Int{id1, id2})
	require.True(t, IsCode(err, CodeUnauthorized))
	assert.True(t, env.engine.IsListed(nft, id1))
	assert.True(t, env.engine.IsListed(nft, id2))

	// Duplicate ids are rejected.
	_, err = env.engine.CancelOrders(ctx, alice, nft, []*big.Int{id1, id1})
	require.True(t, IsCode(err, CodeInvalidArgument))

	_, err = env.engine.CancelOrders(ctx, alice, nft, []*big.Int{id1})
	require.NoError(t, err)
	assert.False(t, env.engine.IsListed(nft, id1))
	assert.True(t, env.engine.IsListed(nft, id2))
}

func TestCancelCommitsEvenWhenReleaseFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerNFT(t)
	id := env.mintApproved(1, alice)
	env.listInstant(t, alice, id, 100)

	env.assets.transferErr = fmt.Errorf("registry unavailable")
	ev, err := env.engine.CancelOrder(ctx, alice, nft, id)
	require.Error(t, err)
	assert.Equal(t, EventOrderCancelled, ev.Type)

	// The order is gone but the asset stays with the custodian for retry.
	assert.False(t, env.engine.IsListed(nft, id))
	assert.True(t, env.engine.InEscrow(nft, id))
}

func TestEventSequenceIsStrictlyIncreasing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerNFT(t)
	id1 := env.mintApproved(1, alice)
	id2 := env.mintApproved(2, alice)
	env.listInstant(t, alice, id1, 10)
	env.listAuction(t, alice, id2, 2, 9, time.Hour)
	_, err := env.engine.Buy(ctx, bob, nft, id1, big.NewInt(10))
	require.NoError(t, err)

	require.NotEmpty(t, env.events)
	for i := 1; i < len(env.events); i++ {
		assert.Equal(t, env.events[i-1].Seq+1, env.events[i].Seq)
	}
}

func TestGetOrderReturnsCopy(t *testing.T) {
	env := newTestEnv(t)
	env.registerNFT(t)
	id := env.mintApproved(1, alice)
	env.listInstant(t, alice, id, 100)

	o, ok := env.engine.GetOrder(nft, id)
	require.True(t, ok)
	o.BuyPrice.SetInt64(1)

	fresh, ok := env.engine.GetOrder(nft, id)
	require.True(t, ok)
	assert.Equal(t, big.NewInt(100), fresh.BuyPrice)
}
