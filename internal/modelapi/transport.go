/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package modelapi is the HTTP plumbing shared by the narrative and speech
// transports: API key rotation over a fallback.Pool, request pacing, status
// classification and JSON round trips.
package modelapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"gocomicnarrator/internal/fallback"
	applog "gocomicnarrator/internal/log"
)

const defaultTimeout = 120 * time.Second

// ErrNoKey is returned when no API key is configured.
var ErrNoKey = errors.New("api key required")

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, Snippet(e.Body))
}

// RetryHint exposes Retry-After to fallback.Run.
func (e *StatusError) RetryHint() time.Duration { return e.RetryAfter }

// Retryable reports whether repeating the same call can succeed: timeouts,
// rate limits, server errors and key problems (another key may work).
func (e *StatusError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode == http.StatusUnauthorized,
		e.StatusCode == http.StatusForbidden,
		e.StatusCode >= http.StatusInternalServerError:
		return true
	}
	return false
}

func (e *StatusError) keyFault() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	return false
}

// Config configures a Transport.
type Config struct {
	BaseURL string
	// Keys rotates API keys round-robin; keys failing repeatedly cool down.
	Keys *fallback.Pool
	// AuthHeader receives AuthPrefix+key. Defaults to "Authorization: Bearer".
	AuthHeader string
	AuthPrefix string
	Timeout    time.Duration
	// RequestsPerMinute paces calls across all keys; 0 disables pacing.
	RequestsPerMinute int
}

type Transport struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

// Option customizes a Transport.
type Option func(*Transport)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

func New(cfg Config, opts ...Option) *Transport {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.AuthHeader == "" {
		cfg.AuthHeader, cfg.AuthPrefix = "Authorization", "Bearer "
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	t := &Transport{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    applog.WithComponent("modelapi"),
	}
	if cfg.RequestsPerMinute > 0 {
		t.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// PostJSON sends payload to BaseURL+path and decodes the response into out.
// Errors that retrying cannot fix are marked with fallback.Permanent so the
// caller's plan skips to the next model.
func (t *Transport) PostJSON(ctx context.Context, path string, payload, out any) error {
	key, err := t.key()
	if err != nil {
		return fallback.Permanent(err)
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fallback.Permanent(fmt.Errorf("encode request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fallback.Permanent(fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(t.cfg.AuthHeader, t.cfg.AuthPrefix+key)
	}
	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("http error (timeout=%s): %w", t.cfg.Timeout, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	t.log.Debug("model call",
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("took", time.Since(start)))
	if resp.StatusCode >= http.StatusMultipleChoices {
		se := &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
		if se.keyFault() && t.cfg.Keys != nil {
			t.cfg.Keys.MarkFailure(key)
		}
		if !se.Retryable() {
			return fallback.Permanent(se)
		}
		return se
	}
	if t.cfg.Keys != nil {
		t.cfg.Keys.MarkSuccess(key)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w (snippet: %s)", err, Snippet(string(data)))
	}
	return nil
}

func (t *Transport) key() (string, error) {
	if t.cfg.Keys == nil || t.cfg.Keys.Len() == 0 {
		return "", ErrNoKey
	}
	k, _ := t.cfg.Keys.Pick()
	return k, nil
}

// ParseRetryAfter accepts delta-seconds or an HTTP date. Invalid or past
// values yield 0.
func ParseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if s, err := strconv.Atoi(value); err == nil {
		if s < 0 {
			return 0
		}
		return time.Duration(s) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

// Snippet flattens and truncates s for error messages.
func Snippet(s string) string {
	clean := strings.Join(strings.Fields(s), " ")
	if clean == "" {
		return "<empty>"
	}
	const limit = 160
	if r := []rune(clean); len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return clean
}
