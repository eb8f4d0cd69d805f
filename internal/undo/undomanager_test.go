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
	"testing"
	"time"
)

func TestUndoRedoBasic(t *testing.T) {
	h := New("a", Config{MaxDepth: 10})
	h.Push("b")
	h.Push("c")
	if past, future := h.Stats(); past != 2 || future != 0 {
		t.Fatalf("expected 2 past and 0 future, got past=%d future=%d", past, future)
	}
	s, ok := h.Undo()
	if !ok || s != "b" {
		t.Fatalf("undo expected 'b', got ok=%v s=%q", ok, s)
	}
	s, ok = h.Redo()
	if !ok || s != "c" {
		t.Fatalf("redo expected 'c', got ok=%v s=%q", ok, s)
	}
	if h.Present() != "c" {
		t.Fatalf("present = %q, want c", h.Present())
	}
}

func TestNewEditAfterUndoClearsRedo(t *testing.T) {
	h := New(0, Config{})
	h.Push(1)
	h.Push(2)
	h.Undo()
	if !h.CanRedo() {
		t.Fatalf("expected redo to be available after undo")
	}
	h.Push(3)
	if h.CanRedo() {
		t.Fatalf("a new edit must clear the redo stack")
	}
	if s, _ := h.Undo(); s != 1 {
		t.Fatalf("undo after new edit = %d, want 1", s)
	}
}

func TestUndoLawOverSequence(t *testing.T) {
	h := New(0, Config{MaxDepth: 50})
	for i := 1; i <= 20; i++ {
		h.Push(i)
	}
	for n := 20; n >= 1; n-- {
		got, ok := h.Undo()
		if !ok || got != n-1 {
			t.Fatalf("undo of edit %d = %d ok=%v, want %d", n, got, ok, n-1)
		}
		redone, _ := h.Redo()
		if redone != n {
			t.Fatalf("redo of edit %d = %d", n, redone)
		}
		h.Undo()
	}
	if _, ok := h.Undo(); ok {
		t.Fatalf("undo past the initial state must fail")
	}
}

func TestReplaceDoesNotPushHistory(t *testing.T) {
	h := New("a", Config{})
	h.Push("b")
	h.Replace("b'")
	if past, _ := h.Stats(); past != 1 {
		t.Fatalf("replace pushed history: past=%d", past)
	}
	if s, _ := h.Undo(); s != "a" {
		t.Fatalf("undo = %q, want a", s)
	}
	if s, _ := h.Redo(); s != "b'" {
		t.Fatalf("redo = %q, want b'", s)
	}
}

func TestPushFromCollapsesGesture(t *testing.T) {
	h := New("base", Config{})
	h.Replace("drag1")
	h.Replace("drag2")
	h.PushFrom("base", "final")
	if past, _ := h.Stats(); past != 1 {
		t.Fatalf("gesture must produce a single history entry, got %d", past)
	}
	if s, _ := h.Undo(); s != "base" {
		t.Fatalf("undo = %q, want base", s)
	}
}

func TestCoalesce(t *testing.T) {
	h := New("", Config{MinInterval: 50 * time.Millisecond})
	t0 := time.Now()
	h.PushKeyed("H", "text:p1", t0)
	h.PushKeyed("He", "text:p1", t0.Add(10*time.Millisecond))
	h.PushKeyed("Hel", "text:p1", t0.Add(20*time.Millisecond))
	if past, _ := h.Stats(); past != 1 {
		t.Fatalf("expected coalesced to 1 entry, got %d", past)
	}
	h.PushKeyed("Hel!", "text:p1", t0.Add(200*time.Millisecond))
	if past, _ := h.Stats(); past != 2 {
		t.Fatalf("expected a new entry after the interval, got %d", past)
	}
	if s, _ := h.Undo(); s != "Hel" {
		t.Fatalf("undo = %q, want Hel", s)
	}
}

func TestDepthCap(t *testing.T) {
	h := New(0, Config{MaxDepth: 3})
	for i := 1; i <= 10; i++ {
		h.Push(i)
	}
	if past, _ := h.Stats(); past != 3 {
		t.Fatalf("expected depth cap 3, got %d", past)
	}
	var last int
	for {
		s, ok := h.Undo()
		if !ok {
			break
		}
		last = s
	}
	if last != 7 {
		t.Fatalf("oldest retained snapshot = %d, want 7", last)
	}
}
