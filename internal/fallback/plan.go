/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package fallback

import "time"

// Attempt describes one call to make: which resource, the 1-based attempt
// number on that resource, and how long to wait before making it.
type Attempt struct {
	Resource string
	Number   int
	Delay    time.Duration
}

// Backoff configures the retry-within-resource policy.
type Backoff struct {
	// Attempts per resource, including the first call.
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// Plan is a lazy, finite and restartable sequence of attempts:
// resource 1 attempt 1..N, then resource 2 attempt 1..N, and so on.
// The first attempt on every resource has no delay; retry k waits
// Base*2^(k-1), capped at Max.
type Plan struct {
	resources []string
	backoff   Backoff
	res       int
	attempt   int
	skipped   bool
}

// NewPlan builds a plan over resources in the given order.
func NewPlan(resources []string, b Backoff) *Plan {
	if b.Attempts <= 0 {
		b.Attempts = 1
	}
	if b.Base < 0 {
		b.Base = 0
	}
	return &Plan{resources: append([]string(nil), resources...), backoff: b}
}

// Next returns the next attempt, or false once every resource is exhausted.
func (p *Plan) Next() (Attempt, bool) {
	if p.skipped {
		p.skipped = false
		p.res++
		p.attempt = 0
	}
	if p.attempt >= p.backoff.Attempts {
		p.res++
		p.attempt = 0
	}
	if p.res >= len(p.resources) {
		return Attempt{}, false
	}
	p.attempt++
	return Attempt{
		Resource: p.resources[p.res],
		Number:   p.attempt,
		Delay:    p.delay(p.attempt),
	}, true
}

// SkipResource abandons the remaining attempts on the current resource; the
// next call to Next starts on the following one. Used for errors that a retry
// cannot fix (bad request, auth).
func (p *Plan) SkipResource() {
	if p.attempt > 0 {
		p.skipped = true
	}
}

// Reset restarts the sequence from the first resource.
func (p *Plan) Reset() {
	p.res, p.attempt, p.skipped = 0, 0, false
}

// Total returns the maximum number of attempts the plan can yield.
func (p *Plan) Total() int { return len(p.resources) * p.backoff.Attempts }

func (p *Plan) delay(n int) time.Duration {
	if n <= 1 || p.backoff.Base <= 0 {
		return 0
	}
	d := p.backoff.Base
	for i := 2; i < n; i++ {
		d *= 2
		if p.backoff.Max > 0 && d >= p.backoff.Max {
			return p.backoff.Max
		}
	}
	if p.backoff.Max > 0 && d > p.backoff.Max {
		return p.backoff.Max
	}
	return d
}
