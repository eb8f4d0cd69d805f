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
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"gocomicnarrator/internal/detect"
	"gocomicnarrator/internal/domain"
	"gocomicnarrator/internal/store"
)

type detection struct {
	pageID     string
	candidates []detect.Candidate
}

// DetectAll proposes panels for every page, concurrently across pages, and
// records all proposals as one undoable step. Pages finished before a stop
// are kept. Crops are rendered before it returns.
func (p *Pipeline) DetectAll(ctx context.Context) error {
	p.begin()
	var pages []domain.Page
	st := p.store.Snapshot()
	for _, c := range st.Chapters() {
		for _, pg := range st.ChapterPages(c.ID) {
			if p.opts.Redetect || len(pg.PanelIDs) == 0 {
				pages = append(pages, pg)
			}
		}
	}
	if len(pages) == 0 {
		return nil
	}

	results := make([]*detection, len(pages))
	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for i, pg := range pages {
		g.Go(func() error {
			if err := p.halt(ctx); err != nil {
				return err
			}
			results[i] = &detection{pageID: pg.ID, candidates: p.deps.Detector.DetectBytes(pg.Source)}
			return nil
		})
	}
	stopErr := g.Wait()

	done, err := p.apply(results)
	if err != nil {
		return err
	}
	p.log.Info("detection finished", slog.Int("pages", done), slog.Int("requested", len(pages)))
	if err := p.deps.Crops.Sync(ctx); err != nil && stopErr == nil {
		return err
	}
	return stopErr
}

// DetectPage replaces the panels of one page with fresh proposals.
func (p *Pipeline) DetectPage(ctx context.Context, pageID string) error {
	pg, ok := p.store.Snapshot().Page(pageID)
	if !ok {
		return fmt.Errorf("page %s: %w", pageID, store.ErrNotFound)
	}
	d := &detection{pageID: pageID, candidates: p.deps.Detector.DetectBytes(pg.Source)}
	if _, err := p.apply([]*detection{d}); err != nil {
		return err
	}
	return p.deps.Crops.Sync(ctx)
}

func (p *Pipeline) apply(results []*detection) (int, error) {
	n := 0
	err := p.store.Update(store.Significant, func(tx *store.Tx) error {
		for _, d := range results {
			if d == nil {
				continue
			}
			panels := make([]domain.Panel, len(d.candidates))
			for i, c := range d.candidates {
				panels[i] = domain.Panel{Rect: c.Rect, Confidence: c.Confidence, Status: domain.PanelPending}
			}
			if _, err := tx.ReplacePagePanels(d.pageID, panels); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("record detection: %w", err)
	}
	return n, nil
}
