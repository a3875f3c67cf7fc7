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

const (
	// Bounded wait for a duplicate in-flight bid to resolve.
	idempotencyPollAttempts = 40
	idempotencyPollInterval = 25 * time.Millisecond

	// Attempts for terminal transitions, which must eventually land.
	terminalPersistAttempts = 3
	terminalPersistBackoff  = 100 * time.Millisecond
)

type auctionStateResult struct {
	View  *AuctionStateView
	Error error
}

// auctionHandler owns the lifetime of one auction. Every mutation runs on
// the handler's single goroutine, which is the per-auction critical
// section: engine, arbiter, log write and event emit happen inside one
// queued call, so subscribers observe mutations in a total order.
type auctionHandler struct {
	logger      *zap.Logger
	coordinator *Coordinator
	store       Store
	arbiter     Arbiter
	scheduler   *Scheduler
	hub         *Hub
	metrics     *Metrics

	id     uuid.UUID
	room   string
	engine *Engine

	callCh  chan func(*auctionHandler)
	stopCh  chan struct{}
	stopped *atomic.Bool
}

func newAuctionHandler(logger *zap.Logger, c *Coordinator, engine *Engine) *auctionHandler {
	id := engine.State().AuctionID
	h := &auctionHandler{
		logger:      logger.With(zap.String("aid", id.String())),
		coordinator: c,
		store:       c.store,
		arbiter:     c.arbiter,
		scheduler:   c.scheduler,
		hub:         c.hub,
		metrics:     c.metrics,

		id:     id,
		room:   AuctionRoom(id),
		engine: engine,

		callCh:  make(chan func(*auctionHandler), c.config.GetAuction().CallQueueSize),
		stopCh:  make(chan struct{}),
		stopped: atomic.NewBool(false),
	}

	// Continuously run queued calls until the auction stops.
	go func() {
		for {
			select {
			case <-h.stopCh:
				return
			case call := <-h.callCh:
				call(h)
			}
		}
	}()

	return h
}

// Stop terminates the handler's mutation loop. Idempotent.
func (h *auctionHandler) Stop() {
	if !h.stopped.CompareAndSwap(false, true) {
		return
	}
	h.scheduler.Cancel(h.id)
	close(h.stopCh)
}

func (h *auctionHandler) queueCall(fn func(*auctionHandler)) bool {
	if h.stopped.Load() {
		return false
	}
	select {
	case h.callCh <- fn:
		return true
	default:
		// The call queue is full, the handler isn't processing fast enough.
		h.logger.Warn("Auction handler call queue full")
		return false
	}
}

// queueExpire enqueues the timer-driven item close. Expiry must not be
// dropped when the queue is momentarily full, so this send blocks on the
// timer goroutine until the handler drains or stops.
func (h *auctionHandler) queueExpire() {
	if h.stopped.Load() {
		return
	}
	select {
	case h.callCh <- func(h *auctionHandler) { h.expire() }:
	case <-h.stopCh:
	}
}

func (h *auctionHandler) QueueStart(ctx context.Context) (*AuctionStateView, error) {
	resultCh := make(chan *auctionStateResult, 1)
	queued := h.queueCall(func(h *auctionHandler) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		view, err := h.start(ctx)
		resultCh <- &auctionStateResult{View: view, Error: err}
	})
	if !queued {
		return nil, ErrUnavailable
	}
	select {
	case result := <-resultCh:
		return result.View, result.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.stopCh:
		return nil, ErrShutdown
	}
}

func (h *auctionHandler) QueueExtend(ctx context.Context, sellerID uuid.UUID) (*AuctionStateView, error) {
	resultCh := make(chan *auctionStateResult, 1)
	queued := h.queueCall(func(h *auctionHandler) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		view, err := h.extend(ctx, sellerID)
		resultCh <- &auctionStateResult{View: view, Error: err}
	})
	if !queued {
		return nil, ErrUnavailable
	}
	select {
	case result := <-resultCh:
		return result.View, result.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.stopCh:
		return nil, ErrShutdown
	}
}

func (h *auctionHandler) QueuePlaceBid(ctx context.Context, bidderID uuid.UUID, amount int64, idempotencyKey string) *BidResult {
	resultCh := make(chan *BidResult, 1)
	queued := h.queueCall(func(h *auctionHandler) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		resultCh <- h.placeBid(ctx, bidderID, amount, idempotencyKey)
	})
	if !queued {
		return &BidResult{Accepted: false, Reason: ReasonUnavailable}
	}
	select {
	case result := <-resultCh:
		return result
	case <-ctx.Done():
		return &BidResult{Accepted: false, Reason: ReasonUnavailable}
	case <-h.stopCh:
		// The auction ended while the bid was queued.
		return &BidResult{Accepted: false, Reason: ReasonNotLive}
	}
}

func (h *auctionHandler) QueueGetState(ctx context.Context) (*AuctionStateView, error) {
	resultCh := make(chan *auctionStateResult, 1)
	queued := h.queueCall(func(h *auctionHandler) {
		resultCh <- &auctionStateResult{View: h.currentView()}
	})
	if !queued {
		return nil, ErrUnavailable
	}
	select {
	case result := <-resultCh:
		return result.View, result.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.stopCh:
		return nil, ErrShutdown
	}
}

func (h *auctionHandler) currentView() *AuctionStateView {
	var endTimeMs int64
	if endTime, armed := h.scheduler.EndTime(h.id); armed {
		endTimeMs = timeToMs(endTime)
	}
	return stateView(h.engine.State(), endTimeMs)
}

func (h *auctionHandler) broadcastState() {
	h.hub.Broadcast(h.room, &Envelope{AuctionState: h.currentView()})
}

func (h *auctionHandler) start(ctx context.Context) (*AuctionStateView, error) {
	now := nowMs()
	snapshot := h.engine.Snapshot()
	if err := h.engine.Start(now); err != nil {
		return nil, err
	}
	item := h.engine.CurrentItem()

	if err := h.arbiter.SeedItem(ctx, h.id, item.ID, item.StartingPrice, uuid.Nil); err != nil {
		h.engine.Restore(snapshot)
		h.logger.Error("Failed to seed arbiter for first item", zap.Error(err))
		return nil, ErrUnavailable
	}
	if err := h.store.SetAuctionStatus(ctx, h.id, AuctionStatusLive, &AuctionStatusUpdate{StartedAtMs: &now}); err != nil {
		h.engine.Restore(snapshot)
		h.logger.Error("Failed to persist auction start", zap.Error(err))
		return nil, ErrUnavailable
	}
	if err := h.store.SetItemStatus(ctx, item.ID, ItemStatusLive, &ItemStatusUpdate{StartedAtMs: &now}); err != nil {
		h.engine.Restore(snapshot)
		h.logger.Error("Failed to persist first item start", zap.Error(err))
		return nil, ErrUnavailable
	}

	h.scheduler.Schedule(h.id, time.Duration(item.DurationSec)*time.Second, h.queueExpire)
	h.logger.Info("Auction started", zap.String("item", item.ID.String()), zap.Int("duration_sec", item.DurationSec))

	view := h.currentView()
	h.hub.Broadcast(h.room, &Envelope{AuctionState: view})
	return view, nil
}

func (h *auctionHandler) extend(ctx context.Context, sellerID uuid.UUID) (*AuctionStateView, error) {
	if h.engine.State().SellerID != sellerID {
		return nil, ErrPermissionDenied
	}

	snapshot := h.engine.Snapshot()
	if err := h.engine.ExtendCurrentItem(); err != nil {
		return nil, err
	}
	item := h.engine.CurrentItem()

	extended := true
	if err := h.store.SetItemStatus(ctx, item.ID, ItemStatusLive, &ItemStatusUpdate{Extended: &extended}); err != nil {
		h.engine.Restore(snapshot)
		h.logger.Error("Failed to persist item extension", zap.Error(err))
		return nil, ErrUnavailable
	}

	extra := time.Duration(item.ExtraDurationSec) * time.Second
	if endAt, ok := h.scheduler.Extend(h.id, extra, h.queueExpire); ok {
		h.logger.Info("Item extended", zap.String("item", item.ID.String()), zap.Int64("end_time_ms", timeToMs(endAt)))
	} else {
		// No armed timer should be impossible for a live item.
		h.logger.Error("No expiry timer armed for live item, arming extension window only", zap.String("item", item.ID.String()))
		h.scheduler.Schedule(h.id, extra, h.queueExpire)
	}

	view := h.currentView()
	h.hub.Broadcast(h.room, &Envelope{AuctionState: view})
	return view, nil
}

func (h *auctionHandler) placeBid(ctx context.Context, bidderID uuid.UUID, amount int64, idempotencyKey string) *BidResult {
	// A keyed bid resolves through the idempotency protocol before any
	// other check, so every retry of the same attempt observes the same
	// outcome regardless of what happened to the item since.
	var idemKey IdempotencyKey
	hasIdemKey := idempotencyKey != ""
	if hasIdemKey {
		if len(idempotencyKey) > idempotencyKeyMaxLen {
			idempotencyKey = idempotencyKey[:idempotencyKeyMaxLen]
		}
		item := h.engine.CurrentItem()
		if item == nil {
			h.metrics.CountBidRejected()
			return &BidResult{Accepted: false, Reason: ReasonNoLiveItem}
		}
		idemKey = IdempotencyKey{AuctionID: h.id, ItemID: item.ID, BidderID: bidderID, Key: idempotencyKey}

		outcome, err := h.arbiter.GetIdempotencyResult(ctx, idemKey)
		if err != nil {
			h.logger.Error("Failed to read stored bid outcome", zap.Error(err))
			return &BidResult{Accepted: false, Reason: ReasonUnavailable}
		}
		if outcome != nil {
			return &BidResult{Accepted: outcome.Accepted, Reason: outcome.Reason}
		}

		claimed, err := h.arbiter.ClaimIdempotency(ctx, idemKey)
		if err != nil {
			h.logger.Error("Failed to claim bid idempotency", zap.Error(err))
			return &BidResult{Accepted: false, Reason: ReasonUnavailable}
		}
		if !claimed {
			// Another attempt with the same key is in flight. Wait a
			// bounded time for its outcome to land.
			if outcome := h.awaitIdempotencyResult(ctx, idemKey); outcome != nil {
				return &BidResult{Accepted: outcome.Accepted, Reason: outcome.Reason}
			}
			h.metrics.CountBidRejected()
			return &BidResult{Accepted: false, Reason: ReasonDuplicateInFlight}
		}
	}

	// Deterministic rejections never touch the arbiter's bid keys.
	if err := h.engine.CheckBid(amount); err != nil {
		h.metrics.CountBidRejected()
		result := &BidResult{Accepted: false, Reason: bidReason(err)}
		if hasIdemKey {
			if err := h.arbiter.StoreIdempotencyResult(ctx, idemKey, &BidOutcome{Accepted: false, Reason: result.Reason}); err != nil {
				h.logger.Error("Failed to store bid outcome", zap.Error(err))
			}
		}
		return result
	}

	item := h.engine.CurrentItem()

	accepted, err := h.arbiter.CheckAndSet(ctx, h.id, item.ID, bidderID, amount)
	if err != nil {
		h.logger.Error("Arbiter unavailable for bid", zap.Error(err))
		return &BidResult{Accepted: false, Reason: ReasonUnavailable}
	}

	var result *BidResult
	if !accepted {
		// The engine view was racy, the arbiter's answer wins.
		result = &BidResult{Accepted: false, Reason: ReasonOutpacedByAnother}
		h.metrics.CountBidRejected()
	} else {
		if err := h.engine.PlaceBid(bidderID, amount); err != nil {
			// Cannot happen while mutations are serialized per auction.
			h.logger.Error("Engine rejected an arbiter-accepted bid", zap.Error(err), zap.Int64("amount", amount))
			return &BidResult{Accepted: false, Reason: ReasonInternal}
		}
		// An arbiter-accepted bid is reported accepted even if the log
		// write fails; durable truth catches up from the live state.
		if err := h.store.AppendBid(ctx, h.id, item.ID, bidderID, amount); err != nil {
			h.logger.Error("Failed to persist accepted bid", zap.String("item", item.ID.String()), zap.Int64("amount", amount), zap.Error(err))
		}
		result = &BidResult{Accepted: true}
		h.metrics.CountBidAccepted()
	}

	if hasIdemKey {
		if err := h.arbiter.StoreIdempotencyResult(ctx, idemKey, &BidOutcome{Accepted: result.Accepted, Reason: result.Reason}); err != nil {
			h.logger.Error("Failed to store bid outcome", zap.Error(err))
		}
	}

	if result.Accepted {
		h.broadcastState()
	}
	return result
}

func (h *auctionHandler) awaitIdempotencyResult(ctx context.Context, key IdempotencyKey) *BidOutcome {
	for i := 0; i < idempotencyPollAttempts; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(idempotencyPollInterval):
		}
		outcome, err := h.arbiter.GetIdempotencyResult(ctx, key)
		if err != nil {
			h.logger.Error("Failed to poll stored bid outcome", zap.Error(err))
			return nil
		}
		if outcome != nil {
			return outcome
		}
	}
	return nil
}

// expire closes the current item when its timer fires, then advances the
// auction. Runs under the same serialization as every other mutation, so
// a stale timer callback is rejected by the engine's state checks.
func (h *auctionHandler) expire() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := nowMs()
	itemClose, err := h.engine.EndCurrentItem(now)
	if err != nil {
		// Already closed by a competing transition, nothing to do.
		h.logger.Debug("Expiry fired with no live item", zap.Error(err))
		return
	}
	// The fired timer is spent, drop it so broadcast state carries no
	// stale end time until the next item is scheduled.
	h.scheduler.Cancel(h.id)

	h.persistTerminal("finalize item", func() error {
		return h.store.FinalizeItem(ctx, h.id, itemClose, now)
	})
	if err := h.arbiter.ClearItem(ctx, h.id, itemClose.ItemID); err != nil {
		h.logger.Warn("Failed to clear arbiter keys for closed item", zap.Error(err))
	}
	if itemClose.HasWinner {
		h.metrics.CountItemSold()
	} else {
		h.metrics.CountItemUnsold()
	}

	sold := &ItemSoldEvent{
		AuctionID:  h.id.String(),
		ItemID:     itemClose.ItemID.String(),
		FinalPrice: itemClose.FinalPrice,
	}
	if itemClose.HasWinner {
		sold.WinnerID = itemClose.WinnerID.String()
	}
	h.hub.Broadcast(h.room, &Envelope{ItemSold: sold})
	h.broadcastState()

	nextLive, err := h.engine.AdvanceToNextItem(now)
	if err != nil {
		h.logger.Error("Failed to advance auction", zap.Error(err))
		return
	}

	if !nextLive {
		h.endAuction(ctx, now)
		return
	}

	item := h.engine.CurrentItem()
	if err := h.arbiter.SeedItem(ctx, h.id, item.ID, item.StartingPrice, uuid.Nil); err != nil {
		// The item CAS falls back to first-write-wins until a seed lands;
		// admissibility in the engine still enforces the starting price.
		h.logger.Error("Failed to seed arbiter for next item", zap.Error(err))
	}
	if err := h.store.SetItemStatus(ctx, item.ID, ItemStatusLive, &ItemStatusUpdate{StartedAtMs: &now}); err != nil {
		h.logger.Error("Failed to persist next item start", zap.Error(err))
	}
	index := h.engine.State().CurrentItemIndex
	if err := h.store.SetAuctionStatus(ctx, h.id, AuctionStatusLive, &AuctionStatusUpdate{CurrentItemIndex: &index}); err != nil {
		h.logger.Error("Failed to persist item index", zap.Error(err))
	}

	h.scheduler.Schedule(h.id, time.Duration(item.DurationSec)*time.Second, h.queueExpire)
	h.logger.Info("Next item live", zap.String("item", item.ID.String()), zap.Int("index", index))
	h.broadcastState()
}

func (h *auctionHandler) endAuction(ctx context.Context, now int64) {
	outcomes := h.engine.EndAuction(now)

	h.persistTerminal("finalize auction", func() error {
		return h.store.FinalizeAuction(ctx, h.id, now, outcomes)
	})

	itemIDs := make([]uuid.UUID, 0, len(h.engine.State().Items))
	for _, item := range h.engine.State().Items {
		itemIDs = append(itemIDs, item.ID)
	}
	if err := h.arbiter.ClearAuction(ctx, h.id, itemIDs); err != nil {
		h.logger.Warn("Failed to clear arbiter keys for ended auction", zap.Error(err))
	}

	ended := &AuctionEndedEvent{
		AuctionID: h.id.String(),
		Results:   make([]*ItemResultView, 0, len(outcomes)),
	}
	for _, outcome := range outcomes {
		result := &ItemResultView{
			ItemID:     outcome.ItemID.String(),
			FinalPrice: outcome.FinalPrice,
		}
		if outcome.HasWinner {
			result.WinnerID = outcome.WinnerID.String()
		}
		ended.Results = append(ended.Results, result)
	}
	h.hub.Broadcast(h.room, &Envelope{AuctionEnded: ended})
	h.broadcastState()
	h.metrics.CountAuctionEnded()

	h.logger.Info("Auction ended", zap.Int("items", len(outcomes)))
	h.coordinator.removeAuction(h.id)
	h.Stop()
}

// persistTerminal retries a terminal transition which must eventually
// land in the log.
func (h *auctionHandler) persistTerminal(op string, fn func() error) {
	var err error
	for attempt := 0; attempt < terminalPersistAttempts; attempt++ {
		if err = fn(); err == nil {
			return
		}
		h.logger.Warn("Retrying terminal persistence", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
		time.Sleep(terminalPersistBackoff)
	}
	h.logger.Error("Terminal persistence failed, durable state lags live state", zap.String("op", op), zap.Error(err))
}

func nowMs() int64 {
	return time.Now().UTC().UnixNano() / int64(time.Millisecond)
}
