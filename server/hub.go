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
	"encoding/json"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// AuctionRoom is the room name every subscriber of an auction addresses.
func AuctionRoom(auctionID uuid.UUID) string {
	return "auction:" + auctionID.String()
}

// Hub fans coordinator events out to realtime subscribers grouped by
// room. Events for one auction are published from that auction's single
// mutation goroutine, so local subscribers observe them in mutation
// order; ordering across auctions is not guaranteed.
type Hub struct {
	sync.RWMutex
	logger *zap.Logger

	rooms      map[string]map[uuid.UUID]Session
	bySession  map[uuid.UUID]map[string]struct{}
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,

		rooms:     make(map[string]map[uuid.UUID]Session),
		bySession: make(map[uuid.UUID]map[string]struct{}),
	}
}

// Join subscribes the session to the room.
func (h *Hub) Join(room string, session Session) {
	h.Lock()
	defer h.Unlock()
	members, found := h.rooms[room]
	if !found {
		members = make(map[uuid.UUID]Session)
		h.rooms[room] = members
	}
	members[session.ID()] = session

	joined, found := h.bySession[session.ID()]
	if !found {
		joined = make(map[string]struct{})
		h.bySession[session.ID()] = joined
	}
	joined[room] = struct{}{}
}

// Leave unsubscribes the session from the room.
func (h *Hub) Leave(room string, session Session) {
	h.Lock()
	defer h.Unlock()
	h.leaveLocked(room, session.ID())
}

// LeaveAll unsubscribes the session from every room it joined. Called on
// connection close.
func (h *Hub) LeaveAll(sessionID uuid.UUID) {
	h.Lock()
	defer h.Unlock()
	for room := range h.bySession[sessionID] {
		h.leaveLocked(room, sessionID)
	}
}

func (h *Hub) leaveLocked(room string, sessionID uuid.UUID) {
	if members, found := h.rooms[room]; found {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if joined, found := h.bySession[sessionID]; found {
		delete(joined, room)
		if len(joined) == 0 {
			delete(h.bySession, sessionID)
		}
	}
}

// Count returns the number of subscribers currently in the room.
func (h *Hub) Count(room string) int {
	h.RLock()
	defer h.RUnlock()
	return len(h.rooms[room])
}

// Broadcast encodes the envelope once and routes it to every subscriber
// of the room. Send failures are logged per session and do not affect the
// remaining subscribers or the mutation that produced the event.
func (h *Hub) Broadcast(room string, envelope *Envelope) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		h.logger.Error("Could not marshal broadcast envelope", zap.String("room", room), zap.Error(err))
		return
	}

	h.RLock()
	sessions := make([]Session, 0, len(h.rooms[room]))
	for _, session := range h.rooms[room] {
		sessions = append(sessions, session)
	}
	h.RUnlock()

	for _, session := range sessions {
		if err := session.SendBytes(payload); err != nil {
			h.logger.Warn("Failed to route broadcast to session", zap.String("room", room), zap.String("sid", session.ID().String()), zap.Error(err))
		}
	}
}
