/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package speech produces narration audio for one panel at a time. The
// previous panel's text is sent along as prosody context only; models may
// render it too, so the clip for the current text is always the last
// segment of the answer.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gocomicnarrator/internal/fallback"
	applog "gocomicnarrator/internal/log"
)

type Request struct {
	Text         string
	PreviousText string
	Voice        string
	Rate         float64
	Pitch        float64
	VolumeGainDB float64
}

// Segment is one audio part of a model answer: raw 16-bit little-endian
// mono PCM.
type Segment struct {
	PCM        []byte
	SampleRate int
}

type Response struct {
	Segments     []Segment
	FinishReason string
}

// Audio is the clip selected for the current panel.
type Audio struct {
	PCM          []byte
	SampleRate   int
	FinishReason string
}

type Model interface {
	Synthesize(ctx context.Context, model string, req Request) (Response, error)
}

// NoAudioError is an answer without any audio part.
type NoAudioError struct {
	FinishReason string
}

func (e *NoAudioError) Error() string {
	if e.FinishReason == "" {
		return "model returned no audio"
	}
	return fmt.Sprintf("model returned no audio (finish reason %s)", e.FinishReason)
}

type Options struct {
	Models  []string
	Backoff fallback.Backoff
	Health  *fallback.Pool
	Sleep   fallback.Sleeper
	// SampleRate is assumed for segments that do not state one.
	SampleRate int
}

type Client struct {
	model Model
	opts  Options
	log   *slog.Logger
}

func NewClient(m Model, opts Options) *Client {
	if opts.Backoff.Attempts <= 0 {
		opts.Backoff.Attempts = 3
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 24000
	}
	return &Client{model: m, opts: opts, log: applog.WithComponent("speech")}
}

// Synthesize renders req.Text. Answers without audio count as failed
// attempts; once the plan is exhausted the error wraps the last
// *NoAudioError so its finish reason reaches the caller.
func (c *Client) Synthesize(ctx context.Context, req Request) (Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Audio{}, errors.New("synthesize: empty text")
	}
	models := c.opts.Models
	if c.opts.Health != nil {
		models = c.opts.Health.Available()
	}
	if len(models) == 0 {
		return Audio{}, errors.New("synthesize: no models configured")
	}
	var out Audio
	plan := fallback.NewPlan(models, c.opts.Backoff)
	_, err := fallback.Run(ctx, plan, fallback.RunOptions{Sleep: c.opts.Sleep, Pool: c.opts.Health, Log: c.log},
		func(ctx context.Context, a fallback.Attempt) error {
			resp, err := c.model.Synthesize(ctx, a.Resource, req)
			if err != nil {
				return err
			}
			out, err = c.selectCurrent(resp)
			return err
		})
	if err != nil {
		return Audio{}, fmt.Errorf("synthesize: %w", err)
	}
	return out, nil
}

// selectCurrent keeps only the last segment; earlier ones belong to the
// context text.
func (c *Client) selectCurrent(resp Response) (Audio, error) {
	if len(resp.Segments) == 0 {
		return Audio{}, &NoAudioError{FinishReason: resp.FinishReason}
	}
	last := resp.Segments[len(resp.Segments)-1]
	if len(last.PCM) == 0 {
		return Audio{}, &NoAudioError{FinishReason: resp.FinishReason}
	}
	if len(resp.Segments) > 1 {
		c.log.Debug("discarding context audio", slog.Int("segments", len(resp.Segments)-1))
	}
	rate := last.SampleRate
	if rate <= 0 {
		rate = c.opts.SampleRate
	}
	return Audio{PCM: last.PCM, SampleRate: rate, FinishReason: resp.FinishReason}, nil
}
