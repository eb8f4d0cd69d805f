/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"go.uber.org/multierr"

	"gocomicnarrator/internal/domain"
	applog "gocomicnarrator/internal/log"
	"gocomicnarrator/internal/narrative"
	"gocomicnarrator/internal/store"
)

// NarrateAll narrates every chapter in order. A failed chapter is recorded
// and the next one still runs; its trailing context is whatever the failed
// chapter's last panel holds. The returned error aggregates every chapter
// failure, plus ErrStopped when a stop ended the run early.
func (p *Pipeline) NarrateAll(ctx context.Context) error {
	p.begin()
	var errs error
	for _, c := range p.store.Snapshot().Chapters() {
		if err := p.halt(ctx); err != nil {
			return multierr.Append(errs, err)
		}
		if err := p.NarrateChapter(ctx, c.ID); err != nil {
			if ctx.Err() != nil {
				return multierr.Append(errs, err)
			}
			p.log.Error("chapter narration failed", slog.String("chapter", c.Name), slog.Any("err", err))
			errs = multierr.Append(errs, fmt.Errorf("chapter %q: %w", c.Name, err))
		}
	}
	return errs
}

// NarrateChapter sends every panel of the chapter in one batch, threading
// the reference-language text of the previous chapter's last panel as
// context. Results land in one undoable step.
func (p *Pipeline) NarrateChapter(ctx context.Context, chapterID string) error {
	if p.deps.Narrator == nil {
		return errors.New("narrate: no narrator configured")
	}
	if len(p.opts.Languages) == 0 {
		return errors.New("narrate: no target languages")
	}
	st := p.store.Snapshot()
	ch, ok := st.Chapter(chapterID)
	if !ok {
		return fmt.Errorf("chapter %s: %w", chapterID, store.ErrNotFound)
	}
	ctx = applog.WithChapter(ctx, chapterID)
	log := p.log.With(slog.String("chapter", ch.Name))

	panels := st.ChapterPanels(chapterID)
	if len(panels) == 0 {
		return p.store.SetChapterStatus(chapterID, domain.BatchComplete, "")
	}
	if err := p.store.SetChapterStatus(chapterID, domain.BatchProcessing, ""); err != nil {
		return err
	}
	all := make([]string, len(panels))
	for i, pn := range panels {
		all[i] = pn.ID
	}
	// summarizing covers gathering the panel images for the request
	p.setStatuses(all, domain.PanelSummarizing, "")

	req := narrative.Request{
		Languages:       p.opts.Languages,
		CharacterNotes:  p.characterNotes(),
		TrailingContext: p.trailingContext(st, chapterID),
	}
	var skipped []string
	for _, pn := range panels {
		img, ok := p.panelImage(pn.ID)
		if !ok {
			skipped = append(skipped, pn.ID)
			continue
		}
		req.Panels = append(req.Panels, narrative.Panel{ID: pn.ID, Image: img, MIME: "image/png"})
	}
	p.setStatuses(skipped, domain.PanelSkipped, "no image")
	if len(req.Panels) == 0 {
		return p.fail(chapterID, errors.New("no panel has an image"))
	}
	ids := make([]string, len(req.Panels))
	for i, rp := range req.Panels {
		ids[i] = rp.ID
	}
	p.setStatuses(ids, domain.PanelNarrating, "")

	log.Info("narrating chapter", slog.Int("panels", len(ids)), slog.Bool("context", req.TrailingContext != ""))
	results, err := p.deps.Narrator.Narrate(ctx, req)
	if err != nil {
		p.setStatuses(ids, domain.PanelError, err.Error())
		return p.fail(chapterID, err)
	}
	var done []string
	if err := p.store.Update(store.Significant, func(tx *store.Tx) error {
		done = done[:0]
		for _, r := range results {
			if _, ok := tx.Panel(r.PanelID); !ok {
				// deleted while the call was in flight
				continue
			}
			done = append(done, r.PanelID)
			err := tx.EditPanel(r.PanelID, func(m *domain.Panel) {
				text := maps.Clone(m.Text)
				if text == nil {
					text = make(map[string]string, len(r.Text))
				}
				for _, lang := range p.opts.Languages {
					text[lang] = r.Text[lang]
				}
				m.Text = text
				m.KeyAction, m.Dialogue, m.Tone = r.KeyAction, r.Dialogue, r.Tone
				m.Status, m.Error = domain.PanelComplete, ""
			})
			if err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return p.fail(chapterID, fmt.Errorf("record narration: %w", err))
	}
	p.report(done, domain.PanelComplete)
	log.Info("chapter narrated", slog.Int("panels", len(results)))
	return p.store.SetChapterStatus(chapterID, domain.BatchComplete, "")
}

func (p *Pipeline) fail(chapterID string, err error) error {
	if serr := p.store.SetChapterStatus(chapterID, domain.BatchError, err.Error()); serr != nil {
		p.log.Warn("chapter status not recorded", slog.Any("err", serr))
	}
	return err
}

// trailingContext is the reference-language text of the previous chapter's
// last panel as currently held in the store.
func (p *Pipeline) trailingContext(st *store.State, chapterID string) string {
	prev, ok := st.PreviousChapter(chapterID)
	if !ok {
		return ""
	}
	last, ok := st.LastPanel(prev)
	if !ok {
		return ""
	}
	return last.TextIn(p.referenceLanguage())
}

func (p *Pipeline) characterNotes() string {
	if p.opts.CharacterNotes != "" {
		return p.opts.CharacterNotes
	}
	return p.store.Metadata().CharacterNotes
}

// panelImage returns the current crop, rendering it first when missing.
func (p *Pipeline) panelImage(panelID string) ([]byte, bool) {
	if data, ok := p.store.Crop(panelID); ok {
		return data, true
	}
	if !p.deps.Crops.Regenerate(panelID) {
		return nil, false
	}
	return p.store.Crop(panelID)
}

func (p *Pipeline) setStatuses(ids []string, status domain.PanelStatus, msg string) {
	if len(ids) == 0 {
		return
	}
	err := p.store.Update(store.Derived, func(tx *store.Tx) error {
		for _, id := range ids {
			if _, ok := tx.Panel(id); !ok {
				continue
			}
			if err := tx.EditPanel(id, func(m *domain.Panel) { m.Status, m.Error = status, msg }); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		p.log.Warn("panel status not recorded", slog.String("status", string(status)), slog.Any("err", err))
		return
	}
	p.report(ids, status)
}

func (p *Pipeline) report(ids []string, status domain.PanelStatus) {
	if p.opts.Progress == nil || len(ids) == 0 {
		return
	}
	p.opts.Progress(ids, status)
}
