// Copyright 2024 The Openlot Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, prices ...int64) *Engine {
	t.Helper()
	items := make([]*EngineItem, 0, len(prices))
	for i, price := range prices {
		items = append(items, &EngineItem{
			ID:               uuid.Must(uuid.NewV4()),
			Name:             "item-" + string(rune('A'+i)),
			StartingPrice:    price,
			DurationSec:      60,
			ExtraDurationSec: 15,
		})
	}
	return NewEngine(uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), items, 3600, 1000)
}

func TestEngineCreateInitialState(t *testing.T) {
	engine := newTestEngine(t, 100, 50)
	state := engine.State()

	assert.Equal(t, AuctionStatusCreated, state.Status)
	assert.Equal(t, 0, state.CurrentItemIndex)
	require.Len(t, state.Items, 2)
	for i, item := range state.Items {
		assert.Equal(t, i, item.Order)
		assert.Equal(t, ItemStatusPending, item.Status)
		assert.Equal(t, item.StartingPrice, item.HighestBid)
		assert.True(t, item.HighestBidder.IsNil())
		assert.False(t, item.Extended)
	}
}

func TestEngineStart(t *testing.T) {
	engine := newTestEngine(t, 100, 50)

	require.NoError(t, engine.Start(2000))
	state := engine.State()
	assert.Equal(t, AuctionStatusLive, state.Status)
	assert.Equal(t, int64(2000), state.StartedAt)
	assert.Equal(t, ItemStatusLive, state.Items[0].Status)
	assert.Equal(t, ItemStatusPending, state.Items[1].Status)

	// Starting twice is an illegal transition.
	assert.ErrorIs(t, engine.Start(3000), ErrIllegalTransition)
}

func TestEngineStartNoItems(t *testing.T) {
	engine := NewEngine(uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), nil, 3600, 1000)
	assert.ErrorIs(t, engine.Start(2000), ErrNoItems)
}

func TestEnginePlaceBid(t *testing.T) {
	engine := newTestEngine(t, 100)
	bidder := uuid.Must(uuid.NewV4())

	// Not live yet.
	assert.ErrorIs(t, engine.PlaceBid(bidder, 150), ErrNotLive)

	require.NoError(t, engine.Start(2000))

	assert.ErrorIs(t, engine.PlaceBid(bidder, 100), ErrBidTooLow)
	assert.ErrorIs(t, engine.PlaceBid(bidder, 50), ErrBidTooLow)

	require.NoError(t, engine.PlaceBid(bidder, 150))
	item := engine.CurrentItem()
	assert.Equal(t, int64(150), item.HighestBid)
	assert.Equal(t, bidder, item.HighestBidder)

	// Equal to current highest loses.
	assert.ErrorIs(t, engine.PlaceBid(uuid.Must(uuid.NewV4()), 150), ErrBidTooLow)
}

func TestEngineEndCurrentItemSold(t *testing.T) {
	engine := newTestEngine(t, 100, 50)
	bidder := uuid.Must(uuid.NewV4())
	require.NoError(t, engine.Start(2000))
	require.NoError(t, engine.PlaceBid(bidder, 150))

	itemClose, err := engine.EndCurrentItem(5000)
	require.NoError(t, err)
	assert.True(t, itemClose.HasWinner)
	assert.Equal(t, bidder, itemClose.WinnerID)
	assert.Equal(t, int64(150), itemClose.FinalPrice)
	assert.Equal(t, ItemStatusSold, engine.State().Items[0].Status)
	assert.Equal(t, int64(5000), engine.State().Items[0].SoldAt)

	// Double close is rejected.
	_, err = engine.EndCurrentItem(5001)
	assert.ErrorIs(t, err, ErrNoLiveItem)
}

func TestEngineEndCurrentItemUnsold(t *testing.T) {
	engine := newTestEngine(t, 100)
	require.NoError(t, engine.Start(2000))

	itemClose, err := engine.EndCurrentItem(5000)
	require.NoError(t, err)
	assert.False(t, itemClose.HasWinner)
	assert.True(t, itemClose.WinnerID.IsNil())
	assert.Equal(t, int64(100), itemClose.FinalPrice)
	assert.Equal(t, ItemStatusUnsold, engine.State().Items[0].Status)
	assert.Equal(t, int64(0), engine.State().Items[0].SoldAt)
}

func TestEngineAdvanceToNextItem(t *testing.T) {
	engine := newTestEngine(t, 100, 50)
	require.NoError(t, engine.Start(2000))
	_, err := engine.EndCurrentItem(3000)
	require.NoError(t, err)

	nextLive, err := engine.AdvanceToNextItem(3000)
	require.NoError(t, err)
	assert.True(t, nextLive)
	assert.Equal(t, 1, engine.State().CurrentItemIndex)
	assert.Equal(t, ItemStatusLive, engine.State().Items[1].Status)
	assert.Equal(t, int64(50), engine.State().Items[1].HighestBid)

	_, err = engine.EndCurrentItem(4000)
	require.NoError(t, err)
	nextLive, err = engine.AdvanceToNextItem(4000)
	require.NoError(t, err)
	assert.False(t, nextLive)
	assert.Equal(t, AuctionStatusEnded, engine.State().Status)
	assert.Equal(t, int64(4000), engine.State().EndedAt)
}

func TestEngineAdvanceWithLiveItemRejected(t *testing.T) {
	engine := newTestEngine(t, 100)
	require.NoError(t, engine.Start(2000))
	_, err := engine.AdvanceToNextItem(3000)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestEngineExtendCurrentItem(t *testing.T) {
	engine := newTestEngine(t, 100)

	assert.ErrorIs(t, engine.ExtendCurrentItem(), ErrNotLive)

	require.NoError(t, engine.Start(2000))
	require.NoError(t, engine.ExtendCurrentItem())
	assert.True(t, engine.CurrentItem().Extended)

	// Only one extension per item.
	assert.ErrorIs(t, engine.ExtendCurrentItem(), ErrAlreadyExtended)
}

func TestEngineEndAuction(t *testing.T) {
	engine := newTestEngine(t, 100, 50)
	bidderX := uuid.Must(uuid.NewV4())
	require.NoError(t, engine.Start(2000))
	require.NoError(t, engine.PlaceBid(bidderX, 150))
	_, err := engine.EndCurrentItem(3000)
	require.NoError(t, err)

	outcomes := engine.EndAuction(3000)
	require.Len(t, outcomes, 2)
	assert.Equal(t, AuctionStatusEnded, engine.State().Status)

	assert.True(t, outcomes[0].HasWinner)
	assert.Equal(t, bidderX, outcomes[0].WinnerID)
	assert.Equal(t, int64(150), outcomes[0].FinalPrice)

	assert.False(t, outcomes[1].HasWinner)
	assert.Equal(t, int64(50), outcomes[1].FinalPrice)

	// Idempotent: second call returns the same summary without mutation.
	endedAt := engine.State().EndedAt
	again := engine.EndAuction(9999)
	assert.Equal(t, outcomes, again)
	assert.Equal(t, endedAt, engine.State().EndedAt)
}

func TestEngineNoMutationAfterEnd(t *testing.T) {
	engine := newTestEngine(t, 100)
	require.NoError(t, engine.Start(2000))
	_, err := engine.EndCurrentItem(3000)
	require.NoError(t, err)
	_, err = engine.AdvanceToNextItem(3000)
	require.NoError(t, err)
	require.Equal(t, AuctionStatusEnded, engine.State().Status)

	before := engine.Snapshot()
	assert.ErrorIs(t, engine.PlaceBid(uuid.Must(uuid.NewV4()), 500), ErrNotLive)
	assert.ErrorIs(t, engine.ExtendCurrentItem(), ErrNotLive)
	_, err = engine.EndCurrentItem(4000)
	assert.ErrorIs(t, err, ErrNotLive)
	assert.Equal(t, before, engine.Snapshot())
}

func TestEngineSnapshotRoundTrip(t *testing.T) {
	engine := newTestEngine(t, 100, 50)
	require.NoError(t, engine.Start(2000))
	require.NoError(t, engine.PlaceBid(uuid.Must(uuid.NewV4()), 175))
	require.NoError(t, engine.ExtendCurrentItem())

	snapshot := engine.Snapshot()

	restored := NewEngineFromState(snapshot)
	assert.Equal(t, snapshot, restored.Snapshot())

	// The snapshot is a deep copy: mutating the engine afterwards must
	// not leak into it.
	require.NoError(t, engine.PlaceBid(uuid.Must(uuid.NewV4()), 200))
	assert.Equal(t, int64(175), snapshot.Items[0].HighestBid)
	assert.Equal(t, int64(175), restored.CurrentItem().HighestBid)
}

func TestEngineExactlyOneLiveItemWhileLive(t *testing.T) {
	engine := newTestEngine(t, 100, 50, 75)
	require.NoError(t, engine.Start(2000))

	for {
		state := engine.State()
		if state.Status != AuctionStatusLive {
			break
		}
		liveCount := 0
		for i, item := range state.Items {
			if item.Status == ItemStatusLive {
				liveCount++
				assert.Equal(t, state.CurrentItemIndex, i)
			}
			if i < state.CurrentItemIndex {
				assert.Contains(t, []ItemStatus{ItemStatusSold, ItemStatusUnsold}, item.Status)
			}
			if i > state.CurrentItemIndex {
				assert.Equal(t, ItemStatusPending, item.Status)
			}
		}
		assert.Equal(t, 1, liveCount)

		_, err := engine.EndCurrentItem(3000)
		require.NoError(t, err)
		_, err = engine.AdvanceToNextItem(3000)
		require.NoError(t, err)
	}
}
