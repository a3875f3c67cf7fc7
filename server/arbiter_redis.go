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
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Scripted check-and-set: accept iff no current highest or the new amount
// strictly exceeds it. Runs atomically per key on the Redis side, which
// makes it the race decider across every node bidding on the same item.
var bidCheckAndSetScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if (not current) or (tonumber(ARGV[1]) > tonumber(current)) then
  redis.call('SET', KEYS[1], ARGV[1])
  redis.call('SET', KEYS[2], ARGV[2])
  return 1
end
return 0
`)

// Store the bid outcome and drop the pending marker in one atomic step.
var storeOutcomeScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('DEL', KEYS[2])
return 1
`)

// RedisArbiter arbitrates concurrent bids through per-key scripted
// atomicity in Redis. Key layout:
//
//	auction:<aid>:item:<iid>:highest_bid
//	auction:<aid>:item:<iid>:highest_bidder
//	auction:<aid>:item:<iid>:idem:<bidder>:<key>:pending
//	auction:<aid>:item:<iid>:idem:<bidder>:<key>:result
type RedisArbiter struct {
	logger *zap.Logger
	client redis.UniversalClient

	ctx         context.Context
	ctxCancelFn context.CancelFunc
}

func NewRedisArbiter(logger *zap.Logger, config Config) *RedisArbiter {
	ctx, ctxCancelFn := context.WithCancel(context.Background())

	var client redis.UniversalClient
	if addrs := config.GetArbiter().ClusterAddresses; len(addrs) > 0 {
		clusterOpts := redis.ClusterOptions{
			Addrs:    addrs,
			Password: config.GetArbiter().ClusterPassword,
		}
		if config.GetArbiter().ClusterTLSEnabled {
			clusterOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		client = redis.NewClusterClient(&clusterOpts)
	} else {
		arbiterURL, err := url.Parse(config.GetArbiter().Address)
		if err != nil {
			logger.Fatal("Bad arbiter connection URL", zap.Error(err))
		}
		password, _ := arbiterURL.User.Password()
		database := 0
		if path := strings.TrimPrefix(arbiterURL.Path, "/"); path != "" {
			database, err = strconv.Atoi(path)
			if err != nil {
				logger.Fatal("Bad arbiter database in connection URL", zap.Error(err))
			}
		}
		opts := redis.Options{
			Addr:     arbiterURL.Host,
			Password: password,
			DB:       database,
		}
		if arbiterURL.Scheme == "rediss" {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		client = redis.NewClient(&opts)
	}

	return &RedisArbiter{
		logger: logger,
		client: client,

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}
}

func (a *RedisArbiter) Stop() {
	a.ctxCancelFn()
	if err := a.client.Close(); err != nil {
		a.logger.Warn("Error closing arbiter client", zap.Error(err))
	}
}

func itemKeyPrefix(auctionID, itemID uuid.UUID) string {
	return fmt.Sprintf("auction:%s:item:%s", auctionID.String(), itemID.String())
}

func idemKeyPrefix(key IdempotencyKey) string {
	return fmt.Sprintf("%s:idem:%s:%s", itemKeyPrefix(key.AuctionID, key.ItemID), key.BidderID.String(), key.Key)
}

func (a *RedisArbiter) SeedItem(ctx context.Context, auctionID, itemID uuid.UUID, highestBid int64, highestBidder uuid.UUID) error {
	prefix := itemKeyPrefix(auctionID, itemID)
	pipe := a.client.TxPipeline()
	pipe.Set(ctx, prefix+":highest_bid", highestBid, 0)
	if highestBidder == uuid.Nil {
		pipe.Del(ctx, prefix+":highest_bidder")
	} else {
		pipe.Set(ctx, prefix+":highest_bidder", highestBidder.String(), 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: arbiter seed: %v", ErrUnavailable, err)
	}
	return nil
}

func (a *RedisArbiter) CheckAndSet(ctx context.Context, auctionID, itemID, bidderID uuid.UUID, amount int64) (bool, error) {
	prefix := itemKeyPrefix(auctionID, itemID)
	keys := []string{prefix + ":highest_bid", prefix + ":highest_bidder"}
	accepted, err := bidCheckAndSetScript.Run(ctx, a.client, keys, amount, bidderID.String()).Int()
	if err != nil {
		return false, fmt.Errorf("%w: arbiter check-and-set: %v", ErrUnavailable, err)
	}
	return accepted == 1, nil
}

func (a *RedisArbiter) ClearItem(ctx context.Context, auctionID, itemID uuid.UUID) error {
	prefix := itemKeyPrefix(auctionID, itemID)
	if err := a.client.Del(ctx, prefix+":highest_bid", prefix+":highest_bidder").Err(); err != nil {
		return fmt.Errorf("%w: arbiter clear item: %v", ErrUnavailable, err)
	}
	return nil
}

func (a *RedisArbiter) ClearAuction(ctx context.Context, auctionID uuid.UUID, itemIDs []uuid.UUID) error {
	keys := make([]string, 0, len(itemIDs)*2)
	for _, itemID := range itemIDs {
		prefix := itemKeyPrefix(auctionID, itemID)
		keys = append(keys, prefix+":highest_bid", prefix+":highest_bidder")
	}
	if len(keys) == 0 {
		return nil
	}
	if err := a.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: arbiter clear auction: %v", ErrUnavailable, err)
	}
	return nil
}

func (a *RedisArbiter) ClaimIdempotency(ctx context.Context, key IdempotencyKey) (bool, error) {
	claimed, err := a.client.SetNX(ctx, idemKeyPrefix(key)+":pending", 1, idempotencyClaimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("%w: arbiter idempotency claim: %v", ErrUnavailable, err)
	}
	return claimed, nil
}

func (a *RedisArbiter) GetIdempotencyResult(ctx context.Context, key IdempotencyKey) (*BidOutcome, error) {
	payload, err := a.client.Get(ctx, idemKeyPrefix(key)+":result").Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: arbiter idempotency get: %v", ErrUnavailable, err)
	}
	outcome := &BidOutcome{}
	if err := json.Unmarshal(payload, outcome); err != nil {
		return nil, fmt.Errorf("malformed stored bid outcome: %w", err)
	}
	return outcome, nil
}

func (a *RedisArbiter) StoreIdempotencyResult(ctx context.Context, key IdempotencyKey, outcome *BidOutcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	prefix := idemKeyPrefix(key)
	keys := []string{prefix + ":result", prefix + ":pending"}
	if err := storeOutcomeScript.Run(ctx, a.client, keys, payload, idempotencyResultTTL.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("%w: arbiter idempotency store: %v", ErrUnavailable, err)
	}
	return nil
}
