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
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
)

type scheduledExpiry struct {
	timer *time.Timer
	endAt time.Time
}

// Scheduler arms one single-shot expiry timer per auction for the item
// currently live. Extension never resets the window to the full duration,
// it only adds on top of the time remaining now.
type Scheduler struct {
	sync.Mutex
	timers  map[uuid.UUID]*scheduledExpiry
	stopped bool
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		timers: make(map[uuid.UUID]*scheduledExpiry),
	}
}

// Schedule arms the auction's expiry timer to fire once after d, replacing
// any previously armed timer. The callback runs on a timer goroutine; the
// coordinator re-enters its own per-auction serialization from there.
func (s *Scheduler) Schedule(auctionID uuid.UUID, d time.Duration, fn func()) time.Time {
	if d < 0 {
		d = 0
	}
	endAt := time.Now().Add(d)

	s.Lock()
	defer s.Unlock()
	if s.stopped {
		return endAt
	}
	if existing, found := s.timers[auctionID]; found {
		existing.timer.Stop()
	}
	s.timers[auctionID] = &scheduledExpiry{
		timer: time.AfterFunc(d, fn),
		endAt: endAt,
	}
	return endAt
}

// Extend pushes the armed timer out by extra beyond the time remaining:
// new end = now + max(0, previous end - now) + extra. Returns the new end
// time, or false when no timer is armed for the auction.
func (s *Scheduler) Extend(auctionID uuid.UUID, extra time.Duration, fn func()) (time.Time, bool) {
	s.Lock()
	defer s.Unlock()
	existing, found := s.timers[auctionID]
	if !found || s.stopped {
		return time.Time{}, false
	}
	existing.timer.Stop()

	now := time.Now()
	remaining := existing.endAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	d := remaining + extra
	endAt := now.Add(d)
	s.timers[auctionID] = &scheduledExpiry{
		timer: time.AfterFunc(d, fn),
		endAt: endAt,
	}
	return endAt, true
}

// EndTime returns the absolute expiry time of the armed timer, if any.
func (s *Scheduler) EndTime(auctionID uuid.UUID) (time.Time, bool) {
	s.Lock()
	defer s.Unlock()
	existing, found := s.timers[auctionID]
	if !found {
		return time.Time{}, false
	}
	return existing.endAt, true
}

// Cancel disarms and forgets the auction's timer.
func (s *Scheduler) Cancel(auctionID uuid.UUID) {
	s.Lock()
	defer s.Unlock()
	if existing, found := s.timers[auctionID]; found {
		existing.timer.Stop()
		delete(s.timers, auctionID)
	}
}

// Stop disarms every timer and rejects further scheduling.
func (s *Scheduler) Stop() {
	s.Lock()
	defer s.Unlock()
	s.stopped = true
	for auctionID, existing := range s.timers {
		existing.timer.Stop()
		delete(s.timers, auctionID)
	}
}
