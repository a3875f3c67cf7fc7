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
	"database/sql"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

var ErrDisplayNameInUse = errors.New("display name already in use")

// User is an authenticated identity. ExternalID is the subject the
// identity provider vouches for; DisplayName is unique server-wide.
type User struct {
	ID          uuid.UUID
	ExternalID  string
	DisplayName string
	CreateTime  time.Time
	UpdateTime  time.Time
}

// AuctionStatusUpdate carries the optional columns written together with
// an auction status change.
type AuctionStatusUpdate struct {
	StartedAtMs      *int64
	EndedAtMs        *int64
	CurrentItemIndex *int
}

// ItemStatusUpdate carries the optional columns written together with an
// item status change.
type ItemStatusUpdate struct {
	HighestBid      *int64
	HighestBidderID *uuid.UUID
	Extended        *bool
	StartedAtMs     *int64
	SoldAtMs        *int64
}

// Store is the durable source of truth for auctions. The coordinator
// writes through it after the arbiter accepts; in-memory engine state is
// a cache of live auctions and ended auctions are served from here.
type Store interface {
	UpsertUser(ctx context.Context, externalID, displayName string) (*User, error)
	GetUser(ctx context.Context, userID uuid.UUID) (*User, error)
	UpdateDisplayName(ctx context.Context, userID uuid.UUID, displayName string) (*User, error)

	AppendAuction(ctx context.Context, state *EngineState) error
	SetAuctionStatus(ctx context.Context, auctionID uuid.UUID, status AuctionStatus, update *AuctionStatusUpdate) error
	SetItemStatus(ctx context.Context, itemID uuid.UUID, status ItemStatus, update *ItemStatusUpdate) error
	AppendBid(ctx context.Context, auctionID, itemID, bidderID uuid.UUID, amount int64) error
	FinalizeItem(ctx context.Context, auctionID uuid.UUID, close *ItemClose, soldAtMs int64) error
	FinalizeAuction(ctx context.Context, auctionID uuid.UUID, endedAtMs int64, results []*ItemOutcome) error

	LoadActive(ctx context.Context) ([]*EngineState, error)
	LoadOne(ctx context.Context, auctionID uuid.UUID) (*EngineState, error)
	ListAuctions(ctx context.Context, limit int) ([]*AuctionSummary, error)
}

type sqlStore struct {
	logger *zap.Logger
	db     *sql.DB
}

func NewSQLStore(logger *zap.Logger, db *sql.DB) Store {
	return &sqlStore{
		logger: logger,
		db:     db,
	}
}

func msToTime(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond)).UTC()
}

func timeToMs(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func nullableTime(ms *int64) interface{} {
	if ms == nil {
		return nil
	}
	return msToTime(*ms)
}

func (s *sqlStore) UpsertUser(ctx context.Context, externalID, displayName string) (*User, error) {
	query := `
INSERT INTO users (id, external_id, display_name)
VALUES ($1, $2, $3)
ON CONFLICT (external_id) DO UPDATE SET update_time = now()
RETURNING id, external_id, display_name, create_time, update_time`

	// A fresh external identity may collide on display name with an
	// existing user. Retry with a discriminator suffix, the profile
	// endpoint lets the user pick a better one later.
	candidate := displayName
	for i := 0; i < 3; i++ {
		user := &User{}
		err := s.db.QueryRowContext(ctx, query, uuid.Must(uuid.NewV4()), externalID, candidate).
			Scan(&user.ID, &user.ExternalID, &user.DisplayName, &user.CreateTime, &user.UpdateTime)
		if err == nil {
			return user, nil
		}
		if isUniqueViolation(err) {
			discriminator := uuid.Must(uuid.NewV4()).String()[:8]
			candidate = truncateDisplayName(displayName, discriminator)
			continue
		}
		return nil, err
	}
	return nil, ErrDisplayNameInUse
}

func truncateDisplayName(displayName, discriminator string) string {
	suffixed := displayName + "-" + discriminator
	if len(suffixed) > 64 {
		keep := 64 - len(discriminator) - 1
		suffixed = displayName[:keep] + "-" + discriminator
	}
	return suffixed
}

func (s *sqlStore) GetUser(ctx context.Context, userID uuid.UUID) (*User, error) {
	user := &User{}
	err := s.db.QueryRowContext(ctx, `
SELECT id, external_id, display_name, create_time, update_time FROM users WHERE id = $1`, userID).
		Scan(&user.ID, &user.ExternalID, &user.DisplayName, &user.CreateTime, &user.UpdateTime)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *sqlStore) UpdateDisplayName(ctx context.Context, userID uuid.UUID, displayName string) (*User, error) {
	user := &User{}
	err := s.db.QueryRowContext(ctx, `
UPDATE users SET display_name = $2, update_time = now() WHERE id = $1
RETURNING id, external_id, display_name, create_time, update_time`, userID, displayName).
		Scan(&user.ID, &user.ExternalID, &user.DisplayName, &user.CreateTime, &user.UpdateTime)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if isUniqueViolation(err) {
		return nil, ErrDisplayNameInUse
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *sqlStore) AppendAuction(ctx context.Context, state *EngineState) error {
	return ExecuteInTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO auctions (id, seller_id, status, current_item_index, max_duration_sec, create_time)
VALUES ($1, $2, $3, $4, $5, $6)`,
			state.AuctionID, state.SellerID, string(state.Status), state.CurrentItemIndex, state.MaxDurationSec, msToTime(state.CreatedAt)); err != nil {
			return err
		}
		for _, item := range state.Items {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO auction_items (id, auction_id, item_order, name, starting_price, duration_sec, extra_duration_sec, status, highest_bid, extended)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				item.ID, state.AuctionID, item.Order, item.Name, item.StartingPrice, item.DurationSec, item.ExtraDurationSec, string(item.Status), item.HighestBid, item.Extended); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqlStore) SetAuctionStatus(ctx context.Context, auctionID uuid.UUID, status AuctionStatus, update *AuctionStatusUpdate) error {
	if update == nil {
		update = &AuctionStatusUpdate{}
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE auctions SET
  status = $2,
  start_time = COALESCE($3, start_time),
  end_time = COALESCE($4, end_time),
  current_item_index = COALESCE($5, current_item_index)
WHERE id = $1`,
		auctionID, string(status), nullableTime(update.StartedAtMs), nullableTime(update.EndedAtMs), update.CurrentItemIndex)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrAuctionNotFound
	}
	return nil
}

func (s *sqlStore) SetItemStatus(ctx context.Context, itemID uuid.UUID, status ItemStatus, update *ItemStatusUpdate) error {
	if update == nil {
		update = &ItemStatusUpdate{}
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE auction_items SET
  status = $2,
  highest_bid = COALESCE($3, highest_bid),
  highest_bidder_id = COALESCE($4, highest_bidder_id),
  extended = COALESCE($5, extended),
  start_time = COALESCE($6, start_time),
  sold_time = COALESCE($7, sold_time)
WHERE id = $1`,
		itemID, string(status), update.HighestBid, update.HighestBidderID, update.Extended, nullableTime(update.StartedAtMs), nullableTime(update.SoldAtMs))
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrAuctionNotFound
	}
	return nil
}

// AppendBid appends the bid row and mirrors the item's new highest bid in
// a single transaction, keeping the persisted bid sequence strictly
// amount-monotone per item.
func (s *sqlStore) AppendBid(ctx context.Context, auctionID, itemID, bidderID uuid.UUID, amount int64) error {
	return ExecuteInTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO bids (id, auction_id, item_id, bidder_id, amount)
VALUES ($1, $2, $3, $4, $5)`,
			uuid.Must(uuid.NewV4()), auctionID, itemID, bidderID, amount); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE auction_items SET highest_bid = $2, highest_bidder_id = $3 WHERE id = $1`,
			itemID, amount, bidderID); err != nil {
			return err
		}
		return nil
	})
}

// FinalizeItem flips the item to SOLD or UNSOLD and creates the result
// row iff there is a winner, atomically.
func (s *sqlStore) FinalizeItem(ctx context.Context, auctionID uuid.UUID, close *ItemClose, soldAtMs int64) error {
	return ExecuteInTx(ctx, s.db, func(tx *sql.Tx) error {
		status := ItemStatusUnsold
		if close.HasWinner {
			status = ItemStatusSold
		}
		var soldTime interface{}
		if close.HasWinner {
			soldTime = msToTime(soldAtMs)
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE auction_items SET status = $2, sold_time = $3 WHERE id = $1`,
			close.ItemID, string(status), soldTime); err != nil {
			return err
		}
		if close.HasWinner {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO item_results (item_id, auction_id, winner_id, final_price, sold_time)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (item_id) DO UPDATE SET winner_id = $3, final_price = $4, sold_time = $5`,
				close.ItemID, auctionID, close.WinnerID, close.FinalPrice, msToTime(soldAtMs)); err != nil {
				return err
			}
		}
		return nil
	})
}

// FinalizeAuction records the terminal auction status and upserts a
// result row per winning item, atomically.
func (s *sqlStore) FinalizeAuction(ctx context.Context, auctionID uuid.UUID, endedAtMs int64, results []*ItemOutcome) error {
	return ExecuteInTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE auctions SET status = $2, end_time = $3 WHERE id = $1`,
			auctionID, string(AuctionStatusEnded), msToTime(endedAtMs)); err != nil {
			return err
		}
		for _, result := range results {
			if !result.HasWinner {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO item_results (item_id, auction_id, winner_id, final_price, sold_time)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (item_id) DO UPDATE SET winner_id = $3, final_price = $4`,
				result.ItemID, auctionID, result.WinnerID, result.FinalPrice, msToTime(endedAtMs)); err != nil {
				return err
			}
		}
		return nil
	})
}

const auctionStateQuery = `
SELECT
  a.id, a.seller_id, a.status, a.current_item_index, a.max_duration_sec, a.create_time, a.start_time, a.end_time,
  i.id, i.item_order, i.name, i.starting_price, i.duration_sec, i.extra_duration_sec, i.status, i.highest_bid, i.highest_bidder_id, i.extended, i.start_time, i.sold_time
FROM auctions a
JOIN auction_items i ON i.auction_id = a.id`

func (s *sqlStore) LoadActive(ctx context.Context) ([]*EngineState, error) {
	rows, err := s.db.QueryContext(ctx, auctionStateQuery+`
WHERE a.status <> 'ENDED'
ORDER BY a.create_time, a.id, i.item_order`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuctionStates(rows)
}

func (s *sqlStore) LoadOne(ctx context.Context, auctionID uuid.UUID) (*EngineState, error) {
	rows, err := s.db.QueryContext(ctx, auctionStateQuery+`
WHERE a.id = $1
ORDER BY i.item_order`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	states, err := scanAuctionStates(rows)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, ErrAuctionNotFound
	}
	return states[0], nil
}

func scanAuctionStates(rows *sql.Rows) ([]*EngineState, error) {
	states := make([]*EngineState, 0, 10)
	var current *EngineState
	for rows.Next() {
		var (
			auctionID, sellerID       uuid.UUID
			auctionStatus             string
			currentItemIndex          int
			maxDurationSec            int
			createTime                time.Time
			startTime, endTime        sql.NullTime
			itemID                    uuid.UUID
			itemOrder                 int
			name                      string
			startingPrice, highestBid int64
			durationSec, extraSec     int
			itemStatus                string
			highestBidderID           uuid.NullUUID
			extended                  bool
			itemStartTime, soldTime   sql.NullTime
		)
		if err := rows.Scan(
			&auctionID, &sellerID, &auctionStatus, &currentItemIndex, &maxDurationSec, &createTime, &startTime, &endTime,
			&itemID, &itemOrder, &name, &startingPrice, &durationSec, &extraSec, &itemStatus, &highestBid, &highestBidderID, &extended, &itemStartTime, &soldTime,
		); err != nil {
			return nil, err
		}

		if current == nil || current.AuctionID != auctionID {
			current = &EngineState{
				AuctionID:        auctionID,
				SellerID:         sellerID,
				Status:           AuctionStatus(auctionStatus),
				CurrentItemIndex: currentItemIndex,
				MaxDurationSec:   maxDurationSec,
				CreatedAt:        timeToMs(createTime),
				Items:            make([]*EngineItem, 0, 4),
			}
			if startTime.Valid {
				current.StartedAt = timeToMs(startTime.Time)
			}
			if endTime.Valid {
				current.EndedAt = timeToMs(endTime.Time)
			}
			states = append(states, current)
		}

		item := &EngineItem{
			ID:               itemID,
			Order:            itemOrder,
			Name:             name,
			StartingPrice:    startingPrice,
			DurationSec:      durationSec,
			ExtraDurationSec: extraSec,
			Status:           ItemStatus(itemStatus),
			HighestBid:       highestBid,
			Extended:         extended,
		}
		if highestBidderID.Valid {
			item.HighestBidder = highestBidderID.UUID
		}
		if itemStartTime.Valid {
			item.StartedAt = timeToMs(itemStartTime.Time)
		}
		if soldTime.Valid {
			item.SoldAt = timeToMs(soldTime.Time)
		}
		current.Items = append(current.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return states, nil
}

func (s *sqlStore) ListAuctions(ctx context.Context, limit int) ([]*AuctionSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT a.id, a.seller_id, u.display_name, a.status, a.create_time,
  (SELECT name FROM auction_items WHERE auction_id = a.id AND item_order = 0) AS first_item_name,
  (SELECT COUNT(*) FROM auction_items WHERE auction_id = a.id) AS item_count
FROM auctions a
JOIN users u ON u.id = a.seller_id
ORDER BY a.create_time DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]*AuctionSummary, 0, limit)
	for rows.Next() {
		var (
			auctionID, sellerID uuid.UUID
			sellerName, status  string
			createTime          time.Time
			firstItemName       sql.NullString
			itemCount           int
		)
		if err := rows.Scan(&auctionID, &sellerID, &sellerName, &status, &createTime, &firstItemName, &itemCount); err != nil {
			return nil, err
		}
		summaries = append(summaries, &AuctionSummary{
			AuctionID:     auctionID.String(),
			SellerID:      sellerID.String(),
			SellerName:    sellerName,
			Status:        status,
			FirstItemName: firstItemName.String,
			ItemCount:     itemCount,
			CreatedAt:     timeToMs(createTime),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return summaries, nil
}
