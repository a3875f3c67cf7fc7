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
	"time"

	"github.com/gofrs/uuid/v5"
)

const (
	// How long a claimed-but-unresolved bid attempt blocks retries of the
	// same idempotency key.
	idempotencyClaimTTL = 30 * time.Second
	// How long a stored bid outcome remains observable to retries.
	idempotencyResultTTL = 600 * time.Second
	// Idempotency keys longer than this are truncated on arrival.
	idempotencyKeyMaxLen = 128
)

// IdempotencyKey identifies one logical bid attempt under client retry.
type IdempotencyKey struct {
	AuctionID uuid.UUID
	ItemID    uuid.UUID
	BidderID  uuid.UUID
	Key       string
}

// BidOutcome is the stored result of a bid attempt, returned verbatim to
// every retry carrying the same idempotency key.
type BidOutcome struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Arbiter is the single source of truth for which concurrent bid won the
// race on an item. The check-and-set must be atomic with respect to any
// other concurrent bid on the same item; ties on amount lose, first
// arrival wins. It also hosts the idempotency markers for bid retries.
type Arbiter interface {
	// SeedItem installs the given highest bid and bidder for the item;
	// uuid.Nil clears the bidder. Called with the starting price and no
	// bidder when an item goes live, and with the recovered highest bid
	// and bidder on recovery.
	SeedItem(ctx context.Context, auctionID, itemID uuid.UUID, highestBid int64, highestBidder uuid.UUID) error
	// CheckAndSet atomically accepts the bid iff amount exceeds the
	// current highest for the item.
	CheckAndSet(ctx context.Context, auctionID, itemID, bidderID uuid.UUID, amount int64) (bool, error)
	// ClearItem deletes the item's bid keys. Called when an item closes.
	ClearItem(ctx context.Context, auctionID, itemID uuid.UUID) error
	// ClearAuction bulk-deletes all bid keys for the auction's items.
	ClearAuction(ctx context.Context, auctionID uuid.UUID, itemIDs []uuid.UUID) error

	// ClaimIdempotency sets a pending marker iff absent and reports
	// whether the caller now owns the claim.
	ClaimIdempotency(ctx context.Context, key IdempotencyKey) (bool, error)
	// GetIdempotencyResult returns a previously stored outcome, or nil.
	GetIdempotencyResult(ctx context.Context, key IdempotencyKey) (*BidOutcome, error)
	// StoreIdempotencyResult records the outcome and clears the pending
	// marker in one step.
	StoreIdempotencyResult(ctx context.Context, key IdempotencyKey, outcome *BidOutcome) error

	Stop()
}

type localArbiterItem struct {
	highestBid    int64
	highestBidder uuid.UUID
	seeded        bool
}

type localArbiterClaim struct {
	pendingUntil time.Time
	outcome      *BidOutcome
	resultUntil  time.Time
}

// LocalArbiter is a process-local arbiter used for single-node deploys
// and tests. Same contract as the Redis arbiter, mutual exclusion via a
// single mutex rather than per-key scripted atomicity.
type LocalArbiter struct {
	sync.Mutex
	items  map[string]*localArbiterItem
	claims map[string]*localArbiterClaim
}

func NewLocalArbiter() *LocalArbiter {
	return &LocalArbiter{
		items:  make(map[string]*localArbiterItem),
		claims: make(map[string]*localArbiterClaim),
	}
}

func localItemKey(auctionID, itemID uuid.UUID) string {
	return "auction:" + auctionID.String() + ":item:" + itemID.String()
}

func localClaimKey(key IdempotencyKey) string {
	return localItemKey(key.AuctionID, key.ItemID) + ":bidder:" + key.BidderID.String() + ":idem:" + key.Key
}

func (a *LocalArbiter) SeedItem(ctx context.Context, auctionID, itemID uuid.UUID, highestBid int64, highestBidder uuid.UUID) error {
	a.Lock()
	defer a.Unlock()
	a.items[localItemKey(auctionID, itemID)] = &localArbiterItem{
		highestBid:    highestBid,
		highestBidder: highestBidder,
		seeded:        true,
	}
	return nil
}

func (a *LocalArbiter) CheckAndSet(ctx context.Context, auctionID, itemID, bidderID uuid.UUID, amount int64) (bool, error) {
	a.Lock()
	defer a.Unlock()
	key := localItemKey(auctionID, itemID)
	item, found := a.items[key]
	if !found {
		item = &localArbiterItem{}
		a.items[key] = item
	}
	if !item.seeded || amount > item.highestBid {
		item.highestBid = amount
		item.highestBidder = bidderID
		item.seeded = true
		return true, nil
	}
	return false, nil
}

func (a *LocalArbiter) ClearItem(ctx context.Context, auctionID, itemID uuid.UUID) error {
	a.Lock()
	defer a.Unlock()
	delete(a.items, localItemKey(auctionID, itemID))
	return nil
}

func (a *LocalArbiter) ClearAuction(ctx context.Context, auctionID uuid.UUID, itemIDs []uuid.UUID) error {
	a.Lock()
	defer a.Unlock()
	for _, itemID := range itemIDs {
		delete(a.items, localItemKey(auctionID, itemID))
	}
	return nil
}

func (a *LocalArbiter) ClaimIdempotency(ctx context.Context, key IdempotencyKey) (bool, error) {
	a.Lock()
	defer a.Unlock()
	now := time.Now()
	claimKey := localClaimKey(key)
	claim, found := a.claims[claimKey]
	if found {
		if claim.outcome != nil && now.Before(claim.resultUntil) {
			return false, nil
		}
		if claim.outcome == nil && now.Before(claim.pendingUntil) {
			return false, nil
		}
	}
	a.claims[claimKey] = &localArbiterClaim{pendingUntil: now.Add(idempotencyClaimTTL)}
	return true, nil
}

func (a *LocalArbiter) GetIdempotencyResult(ctx context.Context, key IdempotencyKey) (*BidOutcome, error) {
	a.Lock()
	defer a.Unlock()
	claim, found := a.claims[localClaimKey(key)]
	if !found || claim.outcome == nil || time.Now().After(claim.resultUntil) {
		return nil, nil
	}
	outcome := *claim.outcome
	return &outcome, nil
}

func (a *LocalArbiter) StoreIdempotencyResult(ctx context.Context, key IdempotencyKey, outcome *BidOutcome) error {
	a.Lock()
	defer a.Unlock()
	stored := *outcome
	a.claims[localClaimKey(key)] = &localArbiterClaim{
		outcome:     &stored,
		resultUntil: time.Now().Add(idempotencyResultTTL),
	}
	return nil
}

func (a *LocalArbiter) Stop() {}
