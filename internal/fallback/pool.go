/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package fallback implements the two-level policy used for every external
// model call: retry the same resource with exponential backoff, then move to
// the next resource in priority order. Resources are model IDs or API keys;
// their health is tracked in a Pool with an injectable clock.
package fallback

import (
	"sync"
	"time"
)

// Clock returns the current time. Tests inject a fake.
type Clock func() time.Time

// Health is the observable state of one resource.
type Health struct {
	ID            string
	FailCount     int
	CooldownUntil time.Time
}

// PoolOptions tunes the health policy.
type PoolOptions struct {
	// FailThreshold consecutive failures park a resource for Cooldown.
	FailThreshold int
	Cooldown      time.Duration
	Clock         Clock
}

// Pool is an ordered set of resources with per-resource health.
// It is safe for concurrent use.
type Pool struct {
	mu    sync.Mutex
	opts  PoolOptions
	items []Health
	next  int
}

// NewPool creates a pool in priority order. Duplicate and empty IDs are dropped.
func NewPool(ids []string, opts PoolOptions) *Pool {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	p := &Pool{opts: opts}
	seen := map[string]bool{}
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		p.items = append(p.items, Health{ID: id})
	}
	return p
}

// Len returns the number of resources.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Available returns resource IDs in priority order, skipping those cooling
// down. When every resource is cooling down all of them are returned, sorted
// by the earliest cooldown end, so callers are never left with nothing to try.
func (p *Pool) Available() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.opts.Clock()
	var ready []string
	for _, h := range p.items {
		if !now.Before(h.CooldownUntil) {
			ready = append(ready, h.ID)
		}
	}
	if len(ready) > 0 || len(p.items) == 0 {
		return ready
	}
	cooling := append([]Health(nil), p.items...)
	for i := 1; i < len(cooling); i++ {
		for j := i; j > 0 && cooling[j].CooldownUntil.Before(cooling[j-1].CooldownUntil); j-- {
			cooling[j], cooling[j-1] = cooling[j-1], cooling[j]
		}
	}
	out := make([]string, len(cooling))
	for i, h := range cooling {
		out[i] = h.ID
	}
	return out
}

// Pick returns the next available resource in round-robin order. Used for API
// keys, where load should be spread rather than always hitting the first.
func (p *Pool) Pick() (string, bool) {
	avail := p.Available()
	if len(avail) == 0 {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := avail[p.next%len(avail)]
	p.next++
	return id, true
}

// MarkFailure records a failed call. Reaching the threshold parks the resource.
func (p *Pool) MarkFailure(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.items {
		if p.items[i].ID != id {
			continue
		}
		p.items[i].FailCount++
		if p.items[i].FailCount >= p.opts.FailThreshold {
			p.items[i].CooldownUntil = p.opts.Clock().Add(p.opts.Cooldown)
			p.items[i].FailCount = 0
		}
		return
	}
}

// MarkSuccess resets the resource's failure state.
func (p *Pool) MarkSuccess(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.items {
		if p.items[i].ID == id {
			p.items[i].FailCount = 0
			p.items[i].CooldownUntil = time.Time{}
			return
		}
	}
}

// Snapshot returns a copy of every resource's health.
func (p *Pool) Snapshot() []Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Health(nil), p.items...)
}
