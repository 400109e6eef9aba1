package journal

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/uniqx/market-engine/internal/market"
)

func testEvent(seq uint64, t market.EventType) market.Event {
	collection := common.HexToAddress("0x0000000000000000000000000000000000001001")
	return market.Event{
		ID:         uuid.New(),
		Seq:        seq,
		Type:       t,
		Time:       time.Unix(1_700_000_000, 0).UTC(),
		Collection: &collection,
		Data: market.Sale{
			Collection: collection,
			AssetIDs:   []*big.Int{big.NewInt(7)},
			Buyer:      common.HexToAddress("0x0000000000000000000000000000000000000022"),
		},
	}
}

func TestJournalAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events", "market.jsonl")
	j, err := Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx := context.Background()
	j.Publish(ctx, testEvent(1, market.EventOrderCreated))
	j.Publish(ctx, testEvent(2, market.EventSale))
	require.NoError(t, j.Close())

	var entries []Entry
	require.NoError(t, Replay(path, func(e Entry) error {
		entries = append(entries, e)
		return nil
	}))
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].Seq)
	assert.Equal(t, market.EventOrderCreated, entries[0].Type)
	assert.Equal(t, market.EventSale, entries[1].Type)
	assert.NotEmpty(t, entries[1].Data)
}

func TestJournalAppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "market.jsonl")
	ctx := context.Background()

	j, err := Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	j.Publish(ctx, testEvent(1, market.EventOrderCreated))
	require.NoError(t, j.Close())

	j, err = Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	j.Publish(ctx, testEvent(2, market.EventOrderCancelled))
	require.NoError(t, j.Sync())
	require.NoError(t, j.Close())

	var seqs []uint64
	require.NoError(t, Replay(path, func(e Entry) error {
		seqs = append(seqs, e.Seq)
		return nil
	}))
	assert.Equal(t, []uint64{1, 2}, seqs)
}

func TestReplayStopsOnCallbackError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "market.jsonl")
	ctx := context.Background()

	j, err := Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	j.Publish(ctx, testEvent(1, market.EventOrderCreated))
	j.Publish(ctx, testEvent(2, market.EventSale))
	require.NoError(t, j.Close())

	seen := 0
	err = Replay(path, func(Entry) error {
		seen++
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, seen)
}
