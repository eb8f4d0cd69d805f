/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package store

import (
	"log/slog"
	"slices"
)

// Event is published after a change becomes visible.
type Event interface{ event() }

// PanelGeometryChanged means the panel's crop at Rev does not exist yet.
type PanelGeometryChanged struct {
	PanelID string
	PageID  string
	Rev     uint64
}

// PanelRemoved means the panel left the present state.
type PanelRemoved struct {
	PanelID string
}

func (PanelGeometryChanged) event() {}
func (PanelRemoved) event()         {}

// Subscribe registers fn for every future event. Handlers run on the
// publishing goroutine in publication order and must not call back into
// Update, Undo or Redo synchronously.
func (s *Store) Subscribe(fn func(Event)) (cancel func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// emitUnlock releases s.mu and delivers events. emitMu is taken before s.mu
// is released so concurrent updates deliver in commit order.
func (s *Store) emitUnlock(events []Event) {
	if len(events) == 0 {
		s.mu.Unlock()
		return
	}
	s.emitMu.Lock()
	s.mu.Unlock()
	defer s.emitMu.Unlock()

	s.subMu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, s.subs[id])
	}
	s.subMu.Unlock()

	for _, ev := range events {
		for _, h := range handlers {
			s.deliver(h, ev)
		}
	}
}

func (s *Store) deliver(h func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("event handler panic", slog.Any("panic", r))
		}
	}()
	h(ev)
}
