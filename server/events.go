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

// Envelope is the server-to-client realtime message. Exactly one payload
// field is set per message.
type Envelope struct {
	Cid          string             `json:"cid,omitempty"`
	AuctionState *AuctionStateView  `json:"auction_state,omitempty"`
	ItemSold     *ItemSoldEvent     `json:"item_sold,omitempty"`
	AuctionEnded *AuctionEndedEvent `json:"auction_ended,omitempty"`
	BidResult    *BidResult         `json:"bid_result,omitempty"`
	Error        *ErrorEvent        `json:"error,omitempty"`
}

// ClientEnvelope is the client-to-server realtime message.
type ClientEnvelope struct {
	Cid          string               `json:"cid,omitempty"`
	JoinAuction  *JoinAuctionMessage  `json:"join_auction,omitempty"`
	LeaveAuction *LeaveAuctionMessage `json:"leave_auction,omitempty"`
	PlaceBid     *PlaceBidMessage     `json:"place_bid,omitempty"`
}

type JoinAuctionMessage struct {
	AuctionID string `json:"auctionId"`
}

type LeaveAuctionMessage struct {
	AuctionID string `json:"auctionId"`
}

type PlaceBidMessage struct {
	AuctionID      string `json:"auctionId"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// BidResult is always returned as a value, never an error, across the
// protocol boundary.
type BidResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

type ItemStateView struct {
	ItemID           string `json:"itemId"`
	ItemOrder        int    `json:"itemOrder"`
	Name             string `json:"name"`
	StartingPrice    int64  `json:"startingPrice"`
	DurationSec      int    `json:"durationSec"`
	ExtraDurationSec int    `json:"extraDurationSec"`
	Status           string `json:"status"`
	HighestBid       int64  `json:"highestBid"`
	HighestBidderID  string `json:"highestBidderId,omitempty"`
	Extended         bool   `json:"extended"`
	SoldAt           int64  `json:"soldAt,omitempty"`
}

// AuctionStateView is the broadcast state snapshot. ItemEndTime is the
// absolute expiry of the live item in epoch milliseconds, present only
// while an item timer is armed, so clients can render a countdown.
type AuctionStateView struct {
	AuctionID        string           `json:"auctionId"`
	SellerID         string           `json:"sellerId"`
	Status           string           `json:"status"`
	CurrentItemIndex int              `json:"currentItemIndex"`
	MaxDurationSec   int              `json:"maxDurationSec"`
	CreatedAt        int64            `json:"createdAt"`
	StartedAt        int64            `json:"startedAt,omitempty"`
	EndedAt          int64            `json:"endedAt,omitempty"`
	ItemEndTime      int64            `json:"itemEndTime,omitempty"`
	Items            []*ItemStateView `json:"items"`
}

type ItemSoldEvent struct {
	AuctionID  string `json:"auctionId"`
	ItemID     string `json:"itemId"`
	WinnerID   string `json:"winnerId,omitempty"`
	FinalPrice int64  `json:"finalPrice"`
}

type AuctionEndedEvent struct {
	AuctionID string              `json:"auctionId"`
	Results   []*ItemResultView   `json:"results"`
}

type ItemResultView struct {
	ItemID     string `json:"itemId"`
	WinnerID   string `json:"winnerId,omitempty"`
	FinalPrice int64  `json:"finalPrice"`
	SoldAt     int64  `json:"soldAt,omitempty"`
}

// AuctionSummary is one row of the control plane listing.
type AuctionSummary struct {
	AuctionID     string `json:"auctionId"`
	SellerID      string `json:"sellerId"`
	SellerName    string `json:"sellerName"`
	Status        string `json:"status"`
	FirstItemName string `json:"firstItemName"`
	ItemCount     int    `json:"itemCount"`
	CreatedAt     int64  `json:"createdAt"`
}

func stateView(state *EngineState, itemEndTimeMs int64) *AuctionStateView {
	view := &AuctionStateView{
		AuctionID:        state.AuctionID.String(),
		SellerID:         state.SellerID.String(),
		Status:           string(state.Status),
		CurrentItemIndex: state.CurrentItemIndex,
		MaxDurationSec:   state.MaxDurationSec,
		CreatedAt:        state.CreatedAt,
		StartedAt:        state.StartedAt,
		EndedAt:          state.EndedAt,
		ItemEndTime:      itemEndTimeMs,
		Items:            make([]*ItemStateView, 0, len(state.Items)),
	}
	for _, item := range state.Items {
		view.Items = append(view.Items, itemView(item))
	}
	return view
}

func itemView(item *EngineItem) *ItemStateView {
	view := &ItemStateView{
		ItemID:           item.ID.String(),
		ItemOrder:        item.Order,
		Name:             item.Name,
		StartingPrice:    item.StartingPrice,
		DurationSec:      item.DurationSec,
		ExtraDurationSec: item.ExtraDurationSec,
		Status:           string(item.Status),
		HighestBid:       item.HighestBid,
		Extended:         item.Extended,
		SoldAt:           item.SoldAt,
	}
	if !item.HighestBidder.IsNil() {
		view.HighestBidderID = item.HighestBidder.String()
	}
	return view
}
