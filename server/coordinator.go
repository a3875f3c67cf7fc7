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
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// NewItemParams describes one item of a new auction.
type NewItemParams struct {
	Name             string `json:"name"`
	StartingPrice    int64  `json:"startingPrice"`
	DurationSec      int    `json:"durationSec,omitempty"`
	ExtraDurationSec int    `json:"extraDurationSec,omitempty"`
}

// Coordinator binds engine, arbiter, log, scheduler and hub for every
// auction it tracks. Auctions that have not ended live in the in-memory
// registry; ended auctions are served straight from the log.
type Coordinator struct {
	logger    *zap.Logger
	config    Config
	store     Store
	arbiter   Arbiter
	scheduler *Scheduler
	hub       *Hub
	metrics   *Metrics

	auctions     *MapOf[uuid.UUID, *auctionHandler]
	auctionCount *atomic.Int64
	stopped      *atomic.Bool
}

func NewCoordinator(logger *zap.Logger, config Config, store Store, arbiter Arbiter, scheduler *Scheduler, hub *Hub, metrics *Metrics) *Coordinator {
	return &Coordinator{
		logger:    logger,
		config:    config,
		store:     store,
		arbiter:   arbiter,
		scheduler: scheduler,
		hub:       hub,
		metrics:   metrics,

		auctions:     &MapOf[uuid.UUID, *auctionHandler]{},
		auctionCount: atomic.NewInt64(0),
		stopped:      atomic.NewBool(false),
	}
}

// CreateAuction validates the seller and items, persists the new auction
// in its initial form and registers its handler.
func (c *Coordinator) CreateAuction(ctx context.Context, sellerID uuid.UUID, items []*NewItemParams) (*AuctionStateView, error) {
	if c.stopped.Load() {
		return nil, ErrShutdown
	}
	if len(items) == 0 {
		return nil, ErrNoItems
	}

	if _, err := c.store.GetUser(ctx, sellerID); err != nil {
		return nil, err
	}

	engineItems := make([]*EngineItem, 0, len(items))
	for _, params := range items {
		if params.Name == "" || len(params.Name) > 128 || params.StartingPrice < 0 || params.DurationSec < 0 {
			return nil, ErrInvariant
		}
		durationSec := params.DurationSec
		if durationSec == 0 {
			durationSec = c.config.GetAuction().DefaultItemDurationSec
		}
		extraSec := params.ExtraDurationSec
		if extraSec == 0 {
			extraSec = c.config.GetAuction().DefaultExtraDurationSec
		}
		engineItems = append(engineItems, &EngineItem{
			ID:               uuid.Must(uuid.NewV4()),
			Name:             params.Name,
			StartingPrice:    params.StartingPrice,
			DurationSec:      durationSec,
			ExtraDurationSec: extraSec,
		})
	}

	auctionID := uuid.Must(uuid.NewV4())
	engine := NewEngine(auctionID, sellerID, engineItems, c.config.GetAuction().MaxDurationSec, nowMs())

	if err := c.store.AppendAuction(ctx, engine.State()); err != nil {
		c.logger.Error("Failed to persist new auction", zap.Error(err))
		return nil, ErrUnavailable
	}

	handler := newAuctionHandler(c.logger, c, engine)
	c.auctions.Store(auctionID, handler)
	c.metrics.GaugeLiveAuctions(float64(c.auctionCount.Inc()))
	c.logger.Info("Auction created", zap.String("aid", auctionID.String()), zap.Int("items", len(engineItems)))

	return stateView(engine.State(), 0), nil
}

// StartAuction begins the auction's first item.
func (c *Coordinator) StartAuction(ctx context.Context, auctionID uuid.UUID) (*AuctionStateView, error) {
	handler, found := c.auctions.Load(auctionID)
	if !found {
		return nil, ErrAuctionNotFound
	}
	return handler.QueueStart(ctx)
}

// ExtendItem grants the current item its one extension. Seller only.
func (c *Coordinator) ExtendItem(ctx context.Context, auctionID, sellerID uuid.UUID) (*AuctionStateView, error) {
	handler, found := c.auctions.Load(auctionID)
	if !found {
		return nil, ErrAuctionNotFound
	}
	return handler.QueueExtend(ctx, sellerID)
}

// PlaceBid routes the bid into the auction's serialized mutation queue.
// The outcome is always a value, never an error.
func (c *Coordinator) PlaceBid(ctx context.Context, auctionID, bidderID uuid.UUID, amount int64, idempotencyKey string) *BidResult {
	handler, found := c.auctions.Load(auctionID)
	if !found {
		return &BidResult{Accepted: false, Reason: ReasonNotFound}
	}
	return handler.QueuePlaceBid(ctx, bidderID, amount, idempotencyKey)
}

// GetAuction returns the live view for tracked auctions, or the durable
// view for ended ones.
func (c *Coordinator) GetAuction(ctx context.Context, auctionID uuid.UUID) (*AuctionStateView, error) {
	if handler, found := c.auctions.Load(auctionID); found {
		view, err := handler.QueueGetState(ctx)
		if err == nil {
			return view, nil
		}
		// The handler stopped under us, fall through to the log.
	}
	state, err := c.store.LoadOne(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	return stateView(state, 0), nil
}

// ListAuctions returns the control plane summary rows.
func (c *Coordinator) ListAuctions(ctx context.Context) ([]*AuctionSummary, error) {
	return c.store.ListAuctions(ctx, c.config.GetAuction().ListLimit)
}

// Recover rebuilds handlers for every auction the log reports as not
// ended. Live auctions get the arbiter re-seeded from the persisted item
// state and the expiry re-armed with the time remaining since the item
// started; items with no recorded start fall back to the full window.
func (c *Coordinator) Recover(ctx context.Context) error {
	states, err := c.store.LoadActive(ctx)
	if err != nil {
		return err
	}

	for _, state := range states {
		engine := NewEngineFromState(state)
		handler := newAuctionHandler(c.logger, c, engine)
		c.auctions.Store(state.AuctionID, handler)
		c.auctionCount.Inc()

		if state.Status != AuctionStatusLive {
			continue
		}
		item := engine.CurrentItem()
		if item == nil || item.Status != ItemStatusLive {
			c.logger.Error("Recovered live auction with no live item", zap.String("aid", state.AuctionID.String()))
			continue
		}

		if err := c.arbiter.SeedItem(ctx, state.AuctionID, item.ID, item.HighestBid, item.HighestBidder); err != nil {
			c.logger.Error("Failed to re-seed arbiter on recovery", zap.String("aid", state.AuctionID.String()), zap.Error(err))
		}

		remaining := recoveryWindow(item, nowMs())
		c.scheduler.Schedule(state.AuctionID, remaining, handler.queueExpire)
		c.logger.Info("Recovered live auction",
			zap.String("aid", state.AuctionID.String()),
			zap.String("item", item.ID.String()),
			zap.Duration("remaining", remaining))
	}

	c.metrics.GaugeLiveAuctions(float64(c.auctionCount.Load()))
	c.logger.Info("Auction recovery complete", zap.Int("count", len(states)))
	return nil
}

// recoveryWindow derives how long the restored item still has to run.
func recoveryWindow(item *EngineItem, now int64) time.Duration {
	windowMs := int64(item.DurationSec) * 1000
	if item.Extended {
		windowMs += int64(item.ExtraDurationSec) * 1000
	}
	if item.StartedAt == 0 {
		// No recorded start, grant the full window again.
		return time.Duration(windowMs) * time.Millisecond
	}
	remaining := item.StartedAt + windowMs - now
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(remaining) * time.Millisecond
}

// Count returns the number of auctions currently tracked in memory.
func (c *Coordinator) Count() int {
	return int(c.auctionCount.Load())
}

func (c *Coordinator) removeAuction(auctionID uuid.UUID) {
	if _, found := c.auctions.Load(auctionID); !found {
		return
	}
	c.auctions.Delete(auctionID)
	c.metrics.GaugeLiveAuctions(float64(c.auctionCount.Dec()))
}

// Stop terminates every tracked handler. In-memory state is discarded;
// the log plus Recover bring live auctions back on the next start.
func (c *Coordinator) Stop() {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}
	c.auctions.Range(func(id uuid.UUID, handler *auctionHandler) bool {
		handler.Stop()
		return true
	})
}
