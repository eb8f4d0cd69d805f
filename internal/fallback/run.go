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
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the real Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying on the same resource. The plan
// moves on to the next resource instead.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ExhaustedError is returned when every attempt of a plan failed.
// It unwraps to every individual attempt error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	errs := multierr.Errors(e.Err)
	if len(errs) == 0 {
		return fmt.Sprintf("all %d attempts failed", e.Attempts)
	}
	return fmt.Sprintf("all %d attempts failed, last: %v", e.Attempts, errs[len(errs)-1])
}

func (e *ExhaustedError) Unwrap() []error { return multierr.Errors(e.Err) }

// Last returns the error of the final attempt.
func (e *ExhaustedError) Last() error {
	errs := multierr.Errors(e.Err)
	if len(errs) == 0 {
		return nil
	}
	return errs[len(errs)-1]
}

// Hinter is implemented by errors that carry a server-provided wait, such as
// a Retry-After header. Run waits at least that long before retrying the same
// resource, capped at the plan's maximum backoff.
type Hinter interface {
	RetryHint() time.Duration
}

func retryHint(err error) time.Duration {
	var h Hinter
	if errors.As(err, &h) {
		return h.RetryHint()
	}
	return 0
}

// RunOptions wires the collaborators of Run. Zero values are usable.
type RunOptions struct {
	Sleep Sleeper
	// Pool, when set, receives success/failure marks for each attempt's resource.
	Pool *Pool
	Log  *slog.Logger
}

// Run consumes plan, calling fn for each attempt until one succeeds. Context
// cancellation stops immediately with the context error. When the plan is
// exhausted an *ExhaustedError aggregating every attempt error is returned.
func Run(ctx context.Context, plan *Plan, opts RunOptions, fn func(ctx context.Context, a Attempt) error) (Attempt, error) {
	sleep := opts.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	var (
		all   error
		count int
		hint  time.Duration
	)
	for {
		a, ok := plan.Next()
		if !ok {
			break
		}
		delay := a.Delay
		if a.Number > 1 && hint > delay {
			delay = hint
			if plan.backoff.Max > 0 && delay > plan.backoff.Max {
				delay = plan.backoff.Max
			}
		}
		hint = 0
		if delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return a, err
			}
		}
		if err := ctx.Err(); err != nil {
			return a, err
		}
		count++
		err := fn(ctx, a)
		if err == nil {
			if opts.Pool != nil {
				opts.Pool.MarkSuccess(a.Resource)
			}
			return a, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return a, err
			}
		}
		if opts.Pool != nil {
			opts.Pool.MarkFailure(a.Resource)
		}
		hint = retryHint(err)
		all = multierr.Append(all, fmt.Errorf("%s attempt %d: %w", a.Resource, a.Number, err))
		if opts.Log != nil {
			opts.Log.Warn("attempt failed",
				slog.String("resource", a.Resource),
				slog.Int("attempt", a.Number),
				slog.Bool("permanent", IsPermanent(err)),
				slog.Any("err", err))
		}
		if IsPermanent(err) {
			plan.SkipResource()
		}
	}
	return Attempt{}, &ExhaustedError{Attempts: count, Err: all}
}
