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
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// NewSocketWsHandler returns the HTTP handler that upgrades the realtime
// channel. The bearer token is carried in the "token" query parameter on
// the handshake; the authenticated user is bound to the session for its
// whole lifetime.
func NewSocketWsHandler(logger *zap.Logger, config Config, store Store, coordinator *Coordinator, hub *Hub) http.HandlerFunc {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "Missing or invalid token", http.StatusUnauthorized)
			return
		}
		userID, username, err := AuthenticateToken(r.Context(), logger, config, store, token)
		if err != nil {
			http.Error(w, "Missing or invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written a response to the client.
			logger.Debug("Could not upgrade websocket connection", zap.Error(err))
			return
		}

		session := NewWSSession(logger, config, userID, username, conn, func(s Session) {
			hub.LeaveAll(s.ID())
		})

		session.Consume(func(reqLogger *zap.Logger, s Session, envelope *ClientEnvelope) {
			processRequest(reqLogger, config, coordinator, hub, s, envelope)
		})
	}
}

func processRequest(logger *zap.Logger, config Config, coordinator *Coordinator, hub *Hub, session Session, envelope *ClientEnvelope) {
	switch {
	case envelope.JoinAuction != nil:
		auctionID, err := uuid.FromString(envelope.JoinAuction.AuctionID)
		if err != nil {
			_ = session.Send(&Envelope{Cid: envelope.Cid, Error: &ErrorEvent{Message: "invalid auction id"}})
			return
		}

		ctx, cancel := requestContext()
		defer cancel()
		state, err := coordinator.GetAuction(ctx, auctionID)
		if err != nil {
			_ = session.Send(&Envelope{Cid: envelope.Cid, Error: &ErrorEvent{Message: "auction not found"}})
			return
		}

		hub.Join(AuctionRoom(auctionID), session)
		// The joiner immediately sees the current state without waiting
		// for the next mutation broadcast.
		_ = session.Send(&Envelope{Cid: envelope.Cid, AuctionState: state})

	case envelope.LeaveAuction != nil:
		auctionID, err := uuid.FromString(envelope.LeaveAuction.AuctionID)
		if err != nil {
			_ = session.Send(&Envelope{Cid: envelope.Cid, Error: &ErrorEvent{Message: "invalid auction id"}})
			return
		}
		hub.Leave(AuctionRoom(auctionID), session)

	case envelope.PlaceBid != nil:
		auctionID, err := uuid.FromString(envelope.PlaceBid.AuctionID)
		if err != nil {
			_ = session.Send(&Envelope{Cid: envelope.Cid, Error: &ErrorEvent{Message: "invalid auction id"}})
			return
		}

		ctx, cancel := requestContext()
		defer cancel()
		result := coordinator.PlaceBid(ctx, auctionID, session.UserID(), envelope.PlaceBid.Amount, envelope.PlaceBid.IdempotencyKey)
		_ = session.Send(&Envelope{Cid: envelope.Cid, BidResult: result})

	default:
		logger.Warn("Received unrecognized message")
		_ = session.Send(&Envelope{Cid: envelope.Cid, Error: &ErrorEvent{Message: "unrecognized message"}})
	}
}

func requestContext() (context.Context, context.CancelFunc) {
	// Generous ceiling covering the bounded idempotency poll plus arbiter
	// and log round trips.
	return context.WithTimeout(context.Background(), 5*time.Second)
}
