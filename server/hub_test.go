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
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testSession records everything sent to it.
type testSession struct {
	mu       sync.Mutex
	id       uuid.UUID
	userID   uuid.UUID
	username string
	received []*Envelope
}

func newTestSession(username string) *testSession {
	return &testSession{
		id:       uuid.Must(uuid.NewV4()),
		userID:   uuid.Must(uuid.NewV4()),
		username: username,
	}
}

func (s *testSession) Logger() *zap.Logger { return zap.NewNop() }
func (s *testSession) ID() uuid.UUID       { return s.id }
func (s *testSession) UserID() uuid.UUID   { return s.userID }
func (s *testSession) Username() string    { return s.username }
func (s *testSession) Consume(func(logger *zap.Logger, session Session, envelope *ClientEnvelope)) {
}

func (s *testSession) Send(envelope *Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return s.SendBytes(payload)
}

func (s *testSession) SendBytes(payload []byte) error {
	envelope := &Envelope{}
	if err := json.Unmarshal(payload, envelope); err != nil {
		return err
	}
	s.mu.Lock()
	s.received = append(s.received, envelope)
	s.mu.Unlock()
	return nil
}

func (s *testSession) Close() {}

func (s *testSession) Received() []*Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Envelope, len(s.received))
	copy(out, s.received)
	return out
}

func TestHubBroadcastToRoomMembers(t *testing.T) {
	hub := NewHub(zap.NewNop())
	auctionID := uuid.Must(uuid.NewV4())
	room := AuctionRoom(auctionID)

	inRoom := newTestSession("in")
	alsoInRoom := newTestSession("also")
	outside := newTestSession("out")
	hub.Join(room, inRoom)
	hub.Join(room, alsoInRoom)
	hub.Join(AuctionRoom(uuid.Must(uuid.NewV4())), outside)

	hub.Broadcast(room, &Envelope{ItemSold: &ItemSoldEvent{AuctionID: auctionID.String(), FinalPrice: 150}})

	require.Len(t, inRoom.Received(), 1)
	require.Len(t, alsoInRoom.Received(), 1)
	assert.Empty(t, outside.Received())
	assert.Equal(t, int64(150), inRoom.Received()[0].ItemSold.FinalPrice)
}

func TestHubLeave(t *testing.T) {
	hub := NewHub(zap.NewNop())
	room := AuctionRoom(uuid.Must(uuid.NewV4()))

	session := newTestSession("s")
	hub.Join(room, session)
	assert.Equal(t, 1, hub.Count(room))

	hub.Leave(room, session)
	assert.Equal(t, 0, hub.Count(room))

	hub.Broadcast(room, &Envelope{Error: &ErrorEvent{Message: "x"}})
	assert.Empty(t, session.Received())
}

func TestHubLeaveAll(t *testing.T) {
	hub := NewHub(zap.NewNop())
	roomA := AuctionRoom(uuid.Must(uuid.NewV4()))
	roomB := AuctionRoom(uuid.Must(uuid.NewV4()))

	session := newTestSession("s")
	hub.Join(roomA, session)
	hub.Join(roomB, session)

	hub.LeaveAll(session.ID())
	assert.Equal(t, 0, hub.Count(roomA))
	assert.Equal(t, 0, hub.Count(roomB))
}

func TestHubBroadcastOrderPreserved(t *testing.T) {
	hub := NewHub(zap.NewNop())
	room := AuctionRoom(uuid.Must(uuid.NewV4()))
	session := newTestSession("s")
	hub.Join(room, session)

	for i := int64(1); i <= 10; i++ {
		hub.Broadcast(room, &Envelope{ItemSold: &ItemSoldEvent{FinalPrice: i}})
	}

	received := session.Received()
	require.Len(t, received, 10)
	for i, envelope := range received {
		assert.Equal(t, int64(i+1), envelope.ItemSold.FinalPrice)
	}
}
