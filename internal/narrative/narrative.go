/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package narrative turns a chapter's panel batch into per-panel narration.
// One batched model call covers a whole chapter; continuity across chapter
// boundaries is carried by the trailing context string. Every call goes
// through the retry-then-fallback policy of package fallback and every
// response must account for every submitted panel.
package narrative

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"gocomicnarrator/internal/fallback"
	applog "gocomicnarrator/internal/log"
)

// Panel is one unit of the batch: the panel ID and its cropped image.
type Panel struct {
	ID    string
	Image []byte
	MIME  string
}

type Request struct {
	Panels         []Panel
	CharacterNotes string
	// Languages in output order. The first is the reference language.
	Languages []string
	// TrailingContext is the last narration of the previous chapter.
	TrailingContext string
}

// Result is the narration of one panel.
type Result struct {
	PanelID   string            `json:"panelId"`
	Text      map[string]string `json:"text"`
	KeyAction string            `json:"keyAction,omitempty"`
	Dialogue  string            `json:"dialogue,omitempty"`
	Tone      string            `json:"tone,omitempty"`
}

// Model is one external narrative model endpoint. model names which of the
// configured models to call.
type Model interface {
	Generate(ctx context.Context, model string, req Request) ([]Result, error)
}

// ContractError reports a response that does not account for the batch.
// Missing lists submitted IDs absent from the response; Invalid lists IDs
// that were not submitted, duplicated or lack a requested language.
type ContractError struct {
	Missing []string
	Invalid []string
}

func (e *ContractError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing panels "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid panels "+strings.Join(e.Invalid, ", "))
	}
	return "narrative contract violated: " + strings.Join(parts, "; ")
}

type Options struct {
	// Models in priority order. With Health set, models cooling down are
	// tried last.
	Models  []string
	Backoff fallback.Backoff
	Health  *fallback.Pool
	Sleep   fallback.Sleeper
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
	return &Client{model: m, opts: opts, log: applog.WithComponent("narrative")}
}

// Narrate runs one batch. Results come back in submission order. A response
// that misses a panel is never partially accepted: it counts as a failed
// attempt and the plan moves on. When every attempt failed the returned
// error wraps a *fallback.ExhaustedError whose attempt errors can be
// inspected with errors.As, including any *ContractError.
func (c *Client) Narrate(ctx context.Context, req Request) ([]Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	models := c.opts.Models
	if c.opts.Health != nil {
		models = c.opts.Health.Available()
	}
	if len(models) == 0 {
		return nil, errors.New("narrate: no models configured")
	}
	plan := fallback.NewPlan(models, c.opts.Backoff)
	log := applog.WithOperation(c.log, "narrate")
	var out []Result
	a, err := fallback.Run(ctx, plan, fallback.RunOptions{Sleep: c.opts.Sleep, Pool: c.opts.Health, Log: log},
		func(ctx context.Context, a fallback.Attempt) error {
			res, err := c.model.Generate(ctx, a.Resource, req)
			if err != nil {
				return err
			}
			out, err = Check(req, res)
			return err
		})
	if err != nil {
		return nil, fmt.Errorf("narrate %d panels: %w", len(req.Panels), err)
	}
	log.Info("batch narrated",
		slog.String("model", a.Resource),
		slog.Int("attempt", a.Number),
		slog.Int("panels", len(out)))
	return out, nil
}

func validateRequest(req Request) error {
	if len(req.Panels) == 0 {
		return errors.New("narrate: empty batch")
	}
	if len(req.Languages) == 0 {
		return errors.New("narrate: no target languages")
	}
	seen := make(map[string]bool, len(req.Panels))
	for _, p := range req.Panels {
		if p.ID == "" {
			return errors.New("narrate: panel without id")
		}
		if seen[p.ID] {
			return fmt.Errorf("narrate: duplicate panel %s", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// Check enforces the batch contract on a model response and returns the
// results in submission order: every submitted ID exactly once, nothing
// else, and non-empty text for every requested language.
func Check(req Request, res []Result) ([]Result, error) {
	byID := make(map[string]Result, len(res))
	var invalid []string
	submitted := make(map[string]bool, len(req.Panels))
	for _, p := range req.Panels {
		submitted[p.ID] = true
	}
	for _, r := range res {
		id := strings.TrimSpace(r.PanelID)
		switch {
		case !submitted[id]:
			invalid = append(invalid, r.PanelID)
			continue
		case hasID(byID, id):
			invalid = append(invalid, id)
			continue
		}
		r.PanelID = id
		byID[id] = r
	}
	out := make([]Result, 0, len(req.Panels))
	var missing []string
	for _, p := range req.Panels {
		r, ok := byID[p.ID]
		if !ok {
			missing = append(missing, p.ID)
			continue
		}
		if !complete(r, req.Languages) {
			invalid = append(invalid, p.ID)
			continue
		}
		out = append(out, normalize(r))
	}
	if len(missing) > 0 || len(invalid) > 0 {
		slices.Sort(invalid)
		return nil, &ContractError{Missing: missing, Invalid: slices.Compact(invalid)}
	}
	return out, nil
}

func hasID(m map[string]Result, id string) bool {
	_, ok := m[id]
	return ok
}

func complete(r Result, langs []string) bool {
	for _, l := range langs {
		if strings.TrimSpace(r.Text[l]) == "" {
			return false
		}
	}
	return true
}

func normalize(r Result) Result {
	text := make(map[string]string, len(r.Text))
	for l, t := range r.Text {
		text[l] = strings.TrimSpace(t)
	}
	r.Text = text
	r.KeyAction = strings.TrimSpace(r.KeyAction)
	r.Dialogue = strings.TrimSpace(r.Dialogue)
	r.Tone = strings.TrimSpace(r.Tone)
	return r
}
