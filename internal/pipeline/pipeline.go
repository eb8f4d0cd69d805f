/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package pipeline runs the batch stages over a project: detection across
// pages, narration chapter by chapter and narration audio panel by panel.
// A Stop request takes effect at the next page, chapter or panel boundary;
// calls already in flight are allowed to finish and their results are kept.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"gocomicnarrator/internal/crop"
	"gocomicnarrator/internal/detect"
	"gocomicnarrator/internal/domain"
	applog "gocomicnarrator/internal/log"
	"gocomicnarrator/internal/narrative"
	"gocomicnarrator/internal/speech"
	"gocomicnarrator/internal/store"
)

// ErrStopped is returned when a batch ended early because Stop was called.
var ErrStopped = errors.New("stopped")

// Narrator produces narration for one chapter batch.
type Narrator interface {
	Narrate(ctx context.Context, req narrative.Request) ([]narrative.Result, error)
}

// Voicer renders narration audio for one panel.
type Voicer interface {
	Synthesize(ctx context.Context, req speech.Request) (speech.Audio, error)
}

// Deps are the collaborators of a Pipeline. Only the ones a stage needs must
// be set: detection needs Detector, narration Narrator, voicing Voicer.
type Deps struct {
	Detector *detect.Detector
	Crops    *crop.Regenerator
	Narrator Narrator
	Voicer   Voicer
}

type Options struct {
	// Languages in output order; the first is the reference language.
	Languages []string
	// CharacterNotes override the project's metadata notes when set.
	CharacterNotes string
	// Detection concurrency across pages.
	Concurrency int
	// Redetect replaces existing panels in DetectAll; otherwise only pages
	// without panels are detected.
	Redetect bool

	Voice        string
	Rate         float64
	Pitch        float64
	VolumeGainDB float64

	// Progress, when set, is told about every recorded panel status change.
	// It runs on the batch goroutine.
	Progress func(panelIDs []string, status domain.PanelStatus)
}

type Pipeline struct {
	store *store.Store
	deps  Deps
	opts  Options
	stop  atomic.Bool
	log   *slog.Logger
}

// New builds a pipeline over s. It also points s at the speech parameters in
// opts, so clips rendered with other settings read as pending.
func New(s *store.Store, deps Deps, opts Options) *Pipeline {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if deps.Crops == nil {
		deps.Crops = crop.NewRegenerator(s, nil, crop.RegeneratorOptions{})
	}
	if deps.Detector == nil {
		deps.Detector = detect.New(detect.DefaultOptions())
	}
	p := &Pipeline{store: s, deps: deps, opts: opts, log: applog.WithComponent("pipeline")}
	s.SetVoice(p.voice())
	return p
}

func (p *Pipeline) voice() domain.VoiceParams {
	return domain.VoiceParams{
		Voice:        p.opts.Voice,
		Rate:         p.opts.Rate,
		Pitch:        p.opts.Pitch,
		VolumeGainDB: p.opts.VolumeGainDB,
	}
}

// Stop asks the running batch to end at the next safe boundary. It is safe to
// call from any goroutine, including a signal handler.
func (p *Pipeline) Stop() {
	if !p.stop.Swap(true) {
		p.log.Info("stop requested")
	}
}

// Stopped reports whether a stop is pending.
func (p *Pipeline) Stopped() bool { return p.stop.Load() }

// begin clears a stale stop request before a new top-level batch.
func (p *Pipeline) begin() { p.stop.Store(false) }

// halt reports whether the batch must end now and why.
func (p *Pipeline) halt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.stop.Load() {
		return ErrStopped
	}
	return nil
}

func (p *Pipeline) referenceLanguage() string {
	if len(p.opts.Languages) == 0 {
		return ""
	}
	return p.opts.Languages[0]
}
