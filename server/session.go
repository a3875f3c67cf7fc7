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
	"go.uber.org/zap"

	"github.com/gofrs/uuid/v5"
)

// Session is a single authenticated realtime connection. The bidder
// identity carried by every inbound message is bound here at handshake
// time and never taken from message payloads.
type Session interface {
	Logger() *zap.Logger
	ID() uuid.UUID
	UserID() uuid.UUID
	Username() string

	// Consume runs the session's read loop until the connection closes,
	// handing each decoded message to process.
	Consume(process func(logger *zap.Logger, session Session, envelope *ClientEnvelope))

	Send(envelope *Envelope) error
	SendBytes(payload []byte) error
	Close()
}
