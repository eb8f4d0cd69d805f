/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package fallback

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPlanSequenceAndDelays(t *testing.T) {
	p := NewPlan([]string{"a", "b"}, Backoff{Attempts: 3, Base: time.Second, Max: 3 * time.Second})
	want := []Attempt{
		{"a", 1, 0}, {"a", 2, time.Second}, {"a", 3, 2 * time.Second},
		{"b", 1, 0}, {"b", 2, time.Second}, {"b", 3, 2 * time.Second},
	}
	for i, w := range want {
		got, ok := p.Next()
		if !ok || got != w {
			t.Fatalf("attempt %d = %+v ok=%v, want %+v", i, got, ok, w)
		}
	}
	if _, ok := p.Next(); ok {
		t.Fatalf("plan must be finite")
	}
	p.Reset()
	if a, ok := p.Next(); !ok || a.Resource != "a" || a.Number != 1 {
		t.Fatalf("reset did not restart: %+v", a)
	}
}

func TestPlanDelayCap(t *testing.T) {
	p := NewPlan([]string{"a"}, Backoff{Attempts: 6, Base: time.Second, Max: 5 * time.Second})
	var delays []time.Duration
	for {
		a, ok := p.Next()
		if !ok {
			break
		}
		delays = append(delays, a.Delay)
	}
	want := []time.Duration{0, time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delays = %v, want %v", delays, want)
		}
	}
}

func TestPlanSkipResource(t *testing.T) {
	p := NewPlan([]string{"a", "b"}, Backoff{Attempts: 3})
	p.Next()
	p.SkipResource()
	a, ok := p.Next()
	if !ok || a.Resource != "b" || a.Number != 1 {
		t.Fatalf("after skip got %+v", a)
	}
}

func TestPoolCooldownWithFakeClock(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	p := NewPool([]string{"k1", "k2", "k1", ""}, PoolOptions{FailThreshold: 2, Cooldown: time.Minute, Clock: clock})
	if p.Len() != 2 {
		t.Fatalf("duplicates/empties must be dropped, len=%d", p.Len())
	}
	p.MarkFailure("k1")
	if got := p.Available(); len(got) != 2 {
		t.Fatalf("one failure must not park: %v", got)
	}
	p.MarkFailure("k1")
	if got := p.Available(); len(got) != 1 || got[0] != "k2" {
		t.Fatalf("k1 should be cooling down: %v", got)
	}
	now = now.Add(61 * time.Second)
	if got := p.Available(); len(got) != 2 || got[0] != "k1" {
		t.Fatalf("k1 should be back in priority order: %v", got)
	}
}

func TestPoolAllCoolingReturnsEarliestFirst(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewPool([]string{"a", "b"}, PoolOptions{FailThreshold: 1, Cooldown: time.Minute, Clock: func() time.Time { return now }})
	p.MarkFailure("b")
	now = now.Add(10 * time.Second)
	p.MarkFailure("a")
	got := p.Available()
	if len(got) != 2 || got[0] != "b" {
		t.Fatalf("expected b (earliest cooldown end) first, got %v", got)
	}
	p.MarkSuccess("a")
	if got := p.Available(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("success must clear cooldown: %v", got)
	}
}

func TestPoolPickRoundRobin(t *testing.T) {
	p := NewPool([]string{"x", "y"}, PoolOptions{})
	a, _ := p.Pick()
	b, _ := p.Pick()
	c, _ := p.Pick()
	if a != "x" || b != "y" || c != "x" {
		t.Fatalf("pick order = %s %s %s", a, b, c)
	}
}

func TestRunFallsBackAcrossResources(t *testing.T) {
	var slept []time.Duration
	sleep := func(_ context.Context, d time.Duration) error { slept = append(slept, d); return nil }
	plan := NewPlan([]string{"primary", "backup"}, Backoff{Attempts: 2, Base: time.Second})
	var calls []string
	a, err := Run(context.Background(), plan, RunOptions{Sleep: sleep}, func(_ context.Context, a Attempt) error {
		calls = append(calls, a.Resource)
		if a.Resource == "primary" {
			return errors.New("boom")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if a.Resource != "backup" || len(calls) != 3 {
		t.Fatalf("calls = %v, final = %+v", calls, a)
	}
	if len(slept) != 1 || slept[0] != time.Second {
		t.Fatalf("slept = %v", slept)
	}
}

func TestRunExhaustedAggregatesErrors(t *testing.T) {
	sentinel := errors.New("sentinel")
	plan := NewPlan([]string{"m1", "m2"}, Backoff{Attempts: 2})
	pool := NewPool([]string{"m1", "m2"}, PoolOptions{FailThreshold: 10})
	_, err := Run(context.Background(), plan, RunOptions{Pool: pool}, func(context.Context, Attempt) error {
		return sentinel
	})
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %T %v", err, err)
	}
	if ex.Attempts != 4 || !errors.Is(err, sentinel) {
		t.Fatalf("attempts=%d is(sentinel)=%v", ex.Attempts, errors.Is(err, sentinel))
	}
	for _, h := range pool.Snapshot() {
		if h.FailCount != 2 {
			t.Fatalf("fail count for %s = %d", h.ID, h.FailCount)
		}
	}
}

func TestRunPermanentSkipsRetries(t *testing.T) {
	plan := NewPlan([]string{"m1", "m2"}, Backoff{Attempts: 3})
	var calls []string
	_, err := Run(context.Background(), plan, RunOptions{}, func(_ context.Context, a Attempt) error {
		calls = append(calls, a.Resource)
		return Permanent(errors.New("bad request"))
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(calls) != 2 || calls[0] != "m1" || calls[1] != "m2" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	plan := NewPlan([]string{"m1"}, Backoff{Attempts: 5})
	n := 0
	_, err := Run(ctx, plan, RunOptions{}, func(context.Context, Attempt) error {
		n++
		cancel()
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) || n != 1 {
		t.Fatalf("err=%v calls=%d", err, n)
	}
}

type hintErr struct{ d time.Duration }

func (e hintErr) Error() string              { return "slow down" }
func (e hintErr) RetryHint() time.Duration { return e.d }

func TestRunHonorsRetryHintOnSameResource(t *testing.T) {
	var slept []time.Duration
	sleep := func(_ context.Context, d time.Duration) error { slept = append(slept, d); return nil }
	plan := NewPlan([]string{"m1", "m2"}, Backoff{Attempts: 2, Base: time.Second, Max: 5 * time.Second})
	_, err := Run(context.Background(), plan, RunOptions{Sleep: sleep}, func(context.Context, Attempt) error {
		return hintErr{d: time.Minute}
	})
	if err == nil {
		t.Fatalf("expected exhaustion")
	}
	// m1#2 waits the capped hint, m2#1 starts immediately, m2#2 waits the capped hint
	want := []time.Duration{5 * time.Second, 5 * time.Second}
	if len(slept) != len(want) || slept[0] != want[0] || slept[1] != want[1] {
		t.Fatalf("slept = %v, want %v", slept, want)
	}
}
