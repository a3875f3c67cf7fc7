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
	"context"
	"sync"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalArbiterCheckAndSet(t *testing.T) {
	arbiter := NewLocalArbiter()
	ctx := context.Background()
	auctionID := uuid.Must(uuid.NewV4())
	itemID := uuid.Must(uuid.NewV4())
	bidder := uuid.Must(uuid.NewV4())

	require.NoError(t, arbiter.SeedItem(ctx, auctionID, itemID, 100, uuid.Nil))

	// At or below the seed loses.
	accepted, err := arbiter.CheckAndSet(ctx, auctionID, itemID, bidder, 100)
	require.NoError(t, err)
	assert.False(t, accepted)

	accepted, err = arbiter.CheckAndSet(ctx, auctionID, itemID, bidder, 150)
	require.NoError(t, err)
	assert.True(t, accepted)

	// Ties lose: equal amount after an accepted write is rejected.
	accepted, err = arbiter.CheckAndSet(ctx, auctionID, itemID, uuid.Must(uuid.NewV4()), 150)
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestLocalArbiterConcurrentBids(t *testing.T) {
	arbiter := NewLocalArbiter()
	ctx := context.Background()
	auctionID := uuid.Must(uuid.NewV4())
	itemID := uuid.Must(uuid.NewV4())

	require.NoError(t, arbiter.SeedItem(ctx, auctionID, itemID, 100, uuid.Nil))

	var wg sync.WaitGroup
	var mu sync.Mutex
	acceptedAmounts := make([]int64, 0, 25)
	for amount := int64(101); amount <= 125; amount++ {
		wg.Add(1)
		go func(amount int64) {
			defer wg.Done()
			accepted, err := arbiter.CheckAndSet(ctx, auctionID, itemID, uuid.Must(uuid.NewV4()), amount)
			require.NoError(t, err)
			if accepted {
				mu.Lock()
				acceptedAmounts = append(acceptedAmounts, amount)
				mu.Unlock()
			}
		}(amount)
	}
	wg.Wait()

	// 125 always wins the race regardless of arrival order.
	max := int64(0)
	for _, amount := range acceptedAmounts {
		if amount > max {
			max = amount
		}
	}
	assert.Equal(t, int64(125), max)

	// Post-state satisfies highest >= any accepted amount.
	accepted, err := arbiter.CheckAndSet(ctx, auctionID, itemID, uuid.Must(uuid.NewV4()), 125)
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestLocalArbiterEqualAmountsRace(t *testing.T) {
	arbiter := NewLocalArbiter()
	ctx := context.Background()
	auctionID := uuid.Must(uuid.NewV4())
	itemID := uuid.Must(uuid.NewV4())

	require.NoError(t, arbiter.SeedItem(ctx, auctionID, itemID, 100, uuid.Nil))

	var wg sync.WaitGroup
	var acceptedCount int32
	var mu sync.Mutex
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			accepted, err := arbiter.CheckAndSet(ctx, auctionID, itemID, uuid.Must(uuid.NewV4()), 130)
			require.NoError(t, err)
			if accepted {
				mu.Lock()
				acceptedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// First arrival wins, all other equal amounts lose.
	assert.Equal(t, int32(1), acceptedCount)
}

func TestLocalArbiterClearItem(t *testing.T) {
	arbiter := NewLocalArbiter()
	ctx := context.Background()
	auctionID := uuid.Must(uuid.NewV4())
	itemID := uuid.Must(uuid.NewV4())

	require.NoError(t, arbiter.SeedItem(ctx, auctionID, itemID, 100, uuid.Nil))
	require.NoError(t, arbiter.ClearItem(ctx, auctionID, itemID))

	// With no seed present any first write wins.
	accepted, err := arbiter.CheckAndSet(ctx, auctionID, itemID, uuid.Must(uuid.NewV4()), 1)
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestLocalArbiterIdempotency(t *testing.T) {
	arbiter := NewLocalArbiter()
	ctx := context.Background()
	key := IdempotencyKey{
		AuctionID: uuid.Must(uuid.NewV4()),
		ItemID:    uuid.Must(uuid.NewV4()),
		BidderID:  uuid.Must(uuid.NewV4()),
		Key:       "k1",
	}

	outcome, err := arbiter.GetIdempotencyResult(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, outcome)

	claimed, err := arbiter.ClaimIdempotency(ctx, key)
	require.NoError(t, err)
	assert.True(t, claimed)

	// A second claim on the same key is refused while pending.
	claimed, err = arbiter.ClaimIdempotency(ctx, key)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, arbiter.StoreIdempotencyResult(ctx, key, &BidOutcome{Accepted: true}))

	outcome, err = arbiter.GetIdempotencyResult(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.True(t, outcome.Accepted)

	// Stored results survive claims from late retries.
	claimed, err = arbiter.ClaimIdempotency(ctx, key)
	require.NoError(t, err)
	assert.False(t, claimed)

	// A different key is unrelated.
	other := key
	other.Key = "k2"
	outcome, err = arbiter.GetIdempotencyResult(ctx, other)
	require.NoError(t, err)
	assert.Nil(t, outcome)
}

func TestLocalArbiterConcurrentClaims(t *testing.T) {
	arbiter := NewLocalArbiter()
	ctx := context.Background()
	key := IdempotencyKey{
		AuctionID: uuid.Must(uuid.NewV4()),
		ItemID:    uuid.Must(uuid.NewV4()),
		BidderID:  uuid.Must(uuid.NewV4()),
		Key:       "retry",
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	owners := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := arbiter.ClaimIdempotency(ctx, key)
			require.NoError(t, err)
			if claimed {
				mu.Lock()
				owners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, owners)
}
