/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package undo

import (
	"sync"
	"time"
)

// Config controls depth caps and coalescing behavior.
type Config struct {
	// MaxDepth limits the number of past snapshots kept (0 means 100).
	MaxDepth int
	// MinInterval coalesces pushes carrying the same non-empty key that arrive
	// within the interval: the present is replaced instead of pushing a new
	// past entry. Zero disables coalescing.
	MinInterval time.Duration
}

// History is a bounded past/present/future stack of immutable snapshots.
// T is expected to be a value or pointer the caller never mutates once pushed.
// It is safe for concurrent use.
type History[T any] struct {
	cfg     Config
	mu      sync.Mutex
	past    []T
	present T
	future  []T

	lastKey string
	lastTS  time.Time
}

// New creates a history whose present is initial.
func New[T any](initial T, cfg Config) *History[T] {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 100
	}
	return &History[T]{cfg: cfg, present: initial}
}

// Present returns the current snapshot.
func (h *History[T]) Present() T {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.present
}

// Push makes next the present, moving the prior present onto past and
// clearing the redo stack.
func (h *History[T]) Push(next T) {
	h.PushKeyed(next, "", time.Time{})
}

// PushFrom records a transition whose "before" state is base rather than the
// current present. Used to collapse a live gesture (many transient presents)
// into a single undoable step.
func (h *History[T]) PushFrom(base, next T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.past = append(h.past, base)
	h.present = next
	h.future = nil
	h.lastKey = ""
	h.enforceCapsLocked()
}

// PushKeyed is Push with coalescing: if key is non-empty, equals the key of
// the previous push and ts is within MinInterval of it, the present is
// replaced in place. The redo stack is cleared either way.
func (h *History[T]) PushKeyed(next T, key string, ts time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if key != "" && key == h.lastKey && h.cfg.MinInterval > 0 && len(h.past) > 0 && ts.Sub(h.lastTS) < h.cfg.MinInterval {
		h.present = next
		h.future = nil
		h.lastTS = ts
		return
	}
	h.past = append(h.past, h.present)
	h.present = next
	h.future = nil
	h.lastKey, h.lastTS = key, ts
	h.enforceCapsLocked()
}

// Replace swaps the present without touching past or future. Derived updates
// (caches, progress) go through here.
func (h *History[T]) Replace(next T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.present = next
}

// Undo restores the previous snapshot and returns it.
func (h *History[T]) Undo() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.past) == 0 {
		var zero T
		return zero, false
	}
	prev := h.past[len(h.past)-1]
	h.past = h.past[:len(h.past)-1]
	h.future = append(h.future, h.present)
	h.present = prev
	h.lastKey = ""
	return prev, true
}

// Redo re-applies the most recently undone snapshot.
func (h *History[T]) Redo() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.future) == 0 {
		var zero T
		return zero, false
	}
	next := h.future[len(h.future)-1]
	h.future = h.future[:len(h.future)-1]
	h.past = append(h.past, h.present)
	h.present = next
	h.lastKey = ""
	h.enforceCapsLocked()
	return next, true
}

// CanUndo / CanRedo report whether the respective stack is non-empty.
func (h *History[T]) CanUndo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.past) > 0
}

func (h *History[T]) CanRedo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.future) > 0
}

// Clear drops past and future, keeping the present.
func (h *History[T]) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.past, h.future = nil, nil
	h.lastKey = ""
}

// Stats returns stack sizes for diagnostics.
func (h *History[T]) Stats() (past int, future int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.past), len(h.future)
}

func (h *History[T]) enforceCapsLocked() {
	if extra := len(h.past) - h.cfg.MaxDepth; extra > 0 {
		// drop the oldest and release references for the GC
		var zero T
		for i := 0; i < extra; i++ {
			h.past[i] = zero
		}
		h.past = append([]T(nil), h.past[extra:]...)
	}
}
