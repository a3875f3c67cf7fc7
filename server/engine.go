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
	"github.com/gofrs/uuid/v5"
)

type AuctionStatus string

const (
	AuctionStatusCreated AuctionStatus = "CREATED"
	AuctionStatusLive    AuctionStatus = "LIVE"
	AuctionStatusEnded   AuctionStatus = "ENDED"
)

type ItemStatus string

const (
	ItemStatusPending ItemStatus = "PENDING"
	ItemStatusLive    ItemStatus = "LIVE"
	ItemStatusSold    ItemStatus = "SOLD"
	ItemStatusUnsold  ItemStatus = "UNSOLD"
)

// EngineItem is the engine's view of a single lot. HighestBidder is the
// zero UUID while no bid above the starting price has been committed.
type EngineItem struct {
	ID               uuid.UUID
	Order            int
	Name             string
	StartingPrice    int64
	DurationSec      int
	ExtraDurationSec int
	Status           ItemStatus
	HighestBid       int64
	HighestBidder    uuid.UUID
	Extended         bool
	StartedAt        int64
	SoldAt           int64
}

// EngineState is the complete state of one auction. All timestamps are
// epoch milliseconds and are supplied by the caller, never read from a
// clock here.
type EngineState struct {
	AuctionID        uuid.UUID
	SellerID         uuid.UUID
	Status           AuctionStatus
	CurrentItemIndex int
	MaxDurationSec   int
	CreatedAt        int64
	StartedAt        int64
	EndedAt          int64
	Items            []*EngineItem
}

// ItemClose is the outcome of closing the current item.
type ItemClose struct {
	ItemID     uuid.UUID
	WinnerID   uuid.UUID
	HasWinner  bool
	FinalPrice int64
	HadBids    bool
}

// ItemOutcome is one row of an auction summary.
type ItemOutcome struct {
	ItemID     uuid.UUID
	WinnerID   uuid.UUID
	HasWinner  bool
	FinalPrice int64
}

// Engine is the deterministic per-auction state machine. It performs no
// I/O, reads no clocks and writes no logs; given the same initial state
// and the same sequence of calls it always produces identical state. The
// coordinator owns serialization, the engine only enforces transitions.
type Engine struct {
	state *EngineState
}

// NewEngine builds an engine holding a fresh auction in CREATED status.
// Item order follows the slice order given.
func NewEngine(auctionID, sellerID uuid.UUID, items []*EngineItem, maxDurationSec int, nowMs int64) *Engine {
	st := &EngineState{
		AuctionID:        auctionID,
		SellerID:         sellerID,
		Status:           AuctionStatusCreated,
		CurrentItemIndex: 0,
		MaxDurationSec:   maxDurationSec,
		CreatedAt:        nowMs,
		Items:            make([]*EngineItem, 0, len(items)),
	}
	for i, item := range items {
		clone := *item
		clone.Order = i
		clone.Status = ItemStatusPending
		clone.HighestBid = item.StartingPrice
		clone.HighestBidder = uuid.Nil
		clone.Extended = false
		st.Items = append(st.Items, &clone)
	}
	return &Engine{state: st}
}

// NewEngineFromState wraps a previously snapshotted state, deep copying it.
func NewEngineFromState(state *EngineState) *Engine {
	return &Engine{state: copyState(state)}
}

func (e *Engine) State() *EngineState {
	return e.state
}

func (e *Engine) CurrentItem() *EngineItem {
	if e.state.CurrentItemIndex < 0 || e.state.CurrentItemIndex >= len(e.state.Items) {
		return nil
	}
	return e.state.Items[e.state.CurrentItemIndex]
}

// Start transitions the auction CREATED -> LIVE and puts the first item live.
func (e *Engine) Start(nowMs int64) error {
	if e.state.Status != AuctionStatusCreated {
		return ErrIllegalTransition
	}
	if len(e.state.Items) == 0 {
		return ErrNoItems
	}
	e.state.Status = AuctionStatusLive
	e.state.StartedAt = nowMs
	e.state.CurrentItemIndex = 0
	first := e.state.Items[0]
	first.Status = ItemStatusLive
	first.HighestBid = first.StartingPrice
	first.HighestBidder = uuid.Nil
	first.StartedAt = nowMs
	return nil
}

// PlaceBid performs the admissibility check and, when admissible, commits
// the bid to the current item. The committed value mirrors what the
// arbiter accepted; because mutations are serialized per auction the
// amount is guaranteed to also exceed the engine's prior highest.
func (e *Engine) PlaceBid(bidderID uuid.UUID, amount int64) error {
	if err := e.CheckBid(amount); err != nil {
		return err
	}
	item := e.CurrentItem()
	item.HighestBid = amount
	item.HighestBidder = bidderID
	return nil
}

// CheckBid reports whether a bid of the given amount is currently
// admissible without mutating any state. Advisory only: the arbiter has
// the authoritative answer for races.
func (e *Engine) CheckBid(amount int64) error {
	if e.state.Status != AuctionStatusLive {
		return ErrNotLive
	}
	item := e.CurrentItem()
	if item == nil || item.Status != ItemStatusLive {
		return ErrNoLiveItem
	}
	if amount <= item.HighestBid {
		return ErrBidTooLow
	}
	return nil
}

// EndCurrentItem closes the live item. SOLD requires a bidder above the
// starting price, anything else is UNSOLD.
func (e *Engine) EndCurrentItem(nowMs int64) (*ItemClose, error) {
	if e.state.Status != AuctionStatusLive {
		return nil, ErrNotLive
	}
	item := e.CurrentItem()
	if item == nil || item.Status != ItemStatusLive {
		return nil, ErrNoLiveItem
	}
	hadBids := item.HighestBidder != uuid.Nil && item.HighestBid > item.StartingPrice
	close := &ItemClose{
		ItemID:     item.ID,
		FinalPrice: item.HighestBid,
		HadBids:    hadBids,
	}
	if hadBids {
		item.Status = ItemStatusSold
		item.SoldAt = nowMs
		close.WinnerID = item.HighestBidder
		close.HasWinner = true
	} else {
		item.Status = ItemStatusUnsold
	}
	return close, nil
}

// AdvanceToNextItem moves the auction to the next pending item, or ends
// the auction when the closed item was the last one. Returns true when a
// next item went live.
func (e *Engine) AdvanceToNextItem(nowMs int64) (bool, error) {
	if e.state.Status != AuctionStatusLive {
		return false, ErrNotLive
	}
	current := e.CurrentItem()
	if current == nil || current.Status == ItemStatusLive || current.Status == ItemStatusPending {
		return false, ErrIllegalTransition
	}
	next := e.state.CurrentItemIndex + 1
	if next >= len(e.state.Items) {
		e.state.Status = AuctionStatusEnded
		e.state.EndedAt = nowMs
		return false, nil
	}
	e.state.CurrentItemIndex = next
	item := e.state.Items[next]
	item.Status = ItemStatusLive
	item.HighestBid = item.StartingPrice
	item.HighestBidder = uuid.Nil
	item.StartedAt = nowMs
	return true, nil
}

// ExtendCurrentItem marks the single allowed extension on the live item.
func (e *Engine) ExtendCurrentItem() error {
	if e.state.Status != AuctionStatusLive {
		return ErrNotLive
	}
	item := e.CurrentItem()
	if item == nil || item.Status != ItemStatusLive {
		return ErrNoLiveItem
	}
	if item.Extended {
		return ErrAlreadyExtended
	}
	item.Extended = true
	return nil
}

// EndAuction forces the auction to ENDED and returns the per-item
// outcomes. Idempotent: calling on an already ended auction returns the
// summary without further mutation.
func (e *Engine) EndAuction(nowMs int64) []*ItemOutcome {
	if e.state.Status != AuctionStatusEnded {
		e.state.Status = AuctionStatusEnded
		e.state.EndedAt = nowMs
	}
	outcomes := make([]*ItemOutcome, 0, len(e.state.Items))
	for _, item := range e.state.Items {
		outcome := &ItemOutcome{
			ItemID:     item.ID,
			FinalPrice: item.HighestBid,
		}
		if item.Status == ItemStatusSold {
			outcome.WinnerID = item.HighestBidder
			outcome.HasWinner = true
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// Snapshot returns a deep copy of the current state suitable for
// persistence or transfer.
func (e *Engine) Snapshot() *EngineState {
	return copyState(e.state)
}

// Restore replaces the engine state with a deep copy of the given state.
func (e *Engine) Restore(state *EngineState) {
	e.state = copyState(state)
}

func copyState(state *EngineState) *EngineState {
	clone := *state
	clone.Items = make([]*EngineItem, 0, len(state.Items))
	for _, item := range state.Items {
		itemClone := *item
		clone.Items = append(clone.Items, &itemClone)
	}
	return &clone
}
