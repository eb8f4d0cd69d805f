/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package store

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"

	"gocomicnarrator/internal/domain"
	"gocomicnarrator/internal/geometry"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidRect = errors.New("rectangle outside page or empty")
)

// NewID returns a time-ordered unique ID.
func NewID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// Tx stages changes against a snapshot. Maps are copied on first write;
// entities are cloned before they are modified. Nothing is visible to other
// readers until the enclosing Update returns.
type Tx struct {
	base *State
	st   *State

	cowChapters, cowPages, cowPanels bool
	chaptersChanged                  bool
	touched                          map[string]bool
	removed                          []string
}

func newTx(base *State) *Tx {
	return &Tx{
		base:    base,
		st:      &State{chapters: base.chapters, pages: base.pages, panels: base.panels, order: base.order},
		touched: map[string]bool{},
	}
}

func (tx *Tx) Chapter(id string) (domain.Chapter, bool) {
	c, ok := tx.st.chapters[id]
	if !ok {
		return domain.Chapter{}, false
	}
	return *c.Clone(), true
}

func (tx *Tx) Page(id string) (domain.Page, bool) {
	p, ok := tx.st.pages[id]
	if !ok {
		return domain.Page{}, false
	}
	return *p.Clone(), true
}

func (tx *Tx) Panel(id string) (domain.Panel, bool) {
	p, ok := tx.st.panels[id]
	if !ok {
		return domain.Panel{}, false
	}
	return *p.Clone(), true
}

// PagePanels returns the staged panels of a page in order.
func (tx *Tx) PagePanels(pageID string) []domain.Panel {
	pg, ok := tx.st.pages[pageID]
	if !ok {
		return nil
	}
	out := make([]domain.Panel, 0, len(pg.PanelIDs))
	for _, id := range pg.PanelIDs {
		out = append(out, *tx.st.panels[id].Clone())
	}
	return out
}

// ChapterPanels returns the staged panels of a chapter in reading order.
func (tx *Tx) ChapterPanels(chapterID string) []domain.Panel {
	c, ok := tx.st.chapters[chapterID]
	if !ok {
		return nil
	}
	var out []domain.Panel
	for _, pg := range c.PageIDs {
		out = append(out, tx.PagePanels(pg)...)
	}
	return out
}

// PutChapter inserts or replaces a chapter.
func (tx *Tx) PutChapter(c domain.Chapter) {
	tx.writeChapters()
	tx.st.chapters[c.ID] = c.Clone()
	tx.chaptersChanged = true
}

// PutPage inserts or replaces a page. A new page is appended to its
// chapter's page list.
func (tx *Tx) PutPage(p domain.Page) error {
	c, ok := tx.st.chapters[p.ChapterID]
	if !ok {
		return fmt.Errorf("chapter %s: %w", p.ChapterID, ErrNotFound)
	}
	if old, exists := tx.st.pages[p.ID]; exists && (old.Width != p.Width || old.Height != p.Height) && old.Width > 0 {
		return fmt.Errorf("page %s: pixel size is immutable", p.ID)
	}
	tx.writePages()
	tx.st.pages[p.ID] = p.Clone()
	tx.touched[p.ID] = true
	if !slices.Contains(c.PageIDs, p.ID) {
		nc := c.Clone()
		nc.PageIDs = append(nc.PageIDs, p.ID)
		tx.writeChapters()
		tx.st.chapters[nc.ID] = nc
		tx.chaptersChanged = true
	}
	return nil
}

// EditChapter applies fn to a clone of the chapter and stores it.
func (tx *Tx) EditChapter(id string, fn func(c *domain.Chapter)) error {
	c, ok := tx.st.chapters[id]
	if !ok {
		return fmt.Errorf("chapter %s: %w", id, ErrNotFound)
	}
	nc := c.Clone()
	fn(nc)
	nc.ID = id
	tx.writeChapters()
	tx.st.chapters[id] = nc
	tx.chaptersChanged = true
	return nil
}

// EditPanel applies fn to a clone of the panel and stores it. The panel's
// identity, page and index are owned by the transaction and are restored
// after fn runs.
func (tx *Tx) EditPanel(id string, fn func(p *domain.Panel)) error {
	p, ok := tx.st.panels[id]
	if !ok {
		return fmt.Errorf("panel %s: %w", id, ErrNotFound)
	}
	np := p.Clone()
	fn(np)
	np.ID, np.PageID, np.Index, np.GeomRev = p.ID, p.PageID, p.Index, p.GeomRev
	tx.writePanels()
	tx.st.panels[id] = np
	return nil
}

// SetRect moves a panel. The rectangle is clamped to the page.
func (tx *Tx) SetRect(id string, r geometry.Rect) error {
	return tx.EditPanel(id, func(p *domain.Panel) { p.Rect = geometry.Clamp(r) })
}

// InsertPanel adds p to a page at position at (clamped to the valid range)
// and returns its ID. An empty ID is generated.
func (tx *Tx) InsertPanel(pageID string, at int, p domain.Panel) (string, error) {
	pg, ok := tx.st.pages[pageID]
	if !ok {
		return "", fmt.Errorf("page %s: %w", pageID, ErrNotFound)
	}
	if p.ID == "" {
		p.ID = NewID()
	}
	if _, exists := tx.st.panels[p.ID]; exists {
		return "", fmt.Errorf("panel %s already exists", p.ID)
	}
	if p.Status == "" {
		p.Status = domain.PanelPending
	}
	p.PageID = pageID
	p.Rect = geometry.Clamp(p.Rect)
	at = max(0, min(at, len(pg.PanelIDs)))

	np := pg.Clone()
	np.PanelIDs = slices.Insert(np.PanelIDs, at, p.ID)
	tx.writePages()
	tx.st.pages[pageID] = np
	tx.writePanels()
	tx.st.panels[p.ID] = p.Clone()
	tx.touched[pageID] = true
	return p.ID, nil
}

// RemovePanel deletes a panel and its slot on the page.
func (tx *Tx) RemovePanel(id string) error {
	p, ok := tx.st.panels[id]
	if !ok {
		return fmt.Errorf("panel %s: %w", id, ErrNotFound)
	}
	if pg, ok := tx.st.pages[p.PageID]; ok {
		np := pg.Clone()
		np.PanelIDs = slices.DeleteFunc(np.PanelIDs, func(s string) bool { return s == id })
		tx.writePages()
		tx.st.pages[np.ID] = np
		tx.touched[np.ID] = true
	}
	tx.writePanels()
	delete(tx.st.panels, id)
	tx.removed = append(tx.removed, id)
	return nil
}

// ReplacePagePanels swaps every panel of a page for the given ones, in order.
func (tx *Tx) ReplacePagePanels(pageID string, panels []domain.Panel) ([]string, error) {
	pg, ok := tx.st.pages[pageID]
	if !ok {
		return nil, fmt.Errorf("page %s: %w", pageID, ErrNotFound)
	}
	for _, id := range slices.Clone(pg.PanelIDs) {
		if err := tx.RemovePanel(id); err != nil {
			return nil, err
		}
	}
	ids := make([]string, 0, len(panels))
	for i, p := range panels {
		id, err := tx.InsertPanel(pageID, i, p)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (tx *Tx) writeChapters() {
	if !tx.cowChapters {
		tx.st.chapters = maps.Clone(tx.st.chapters)
		tx.cowChapters = true
	}
}

func (tx *Tx) writePages() {
	if !tx.cowPages {
		tx.st.pages = maps.Clone(tx.st.pages)
		tx.cowPages = true
	}
}

func (tx *Tx) writePanels() {
	if !tx.cowPanels {
		tx.st.panels = maps.Clone(tx.st.panels)
		tx.cowPanels = true
	}
}

func (tx *Tx) dirty() bool {
	return tx.cowChapters || tx.cowPages || tx.cowPanels
}

// reindex renumbers panels on every touched page so indexes stay contiguous.
func (tx *Tx) reindex() {
	for pgID := range tx.touched {
		pg, ok := tx.st.pages[pgID]
		if !ok {
			continue
		}
		for i, id := range pg.PanelIDs {
			p := tx.st.panels[id]
			if p.Index == i && p.PageID == pgID {
				continue
			}
			np := p.Clone()
			np.Index, np.PageID = i, pgID
			tx.writePanels()
			tx.st.panels[id] = np
		}
	}
}

// validate enforces the panel rectangle invariant on every changed panel.
func (tx *Tx) validate() error {
	if !tx.cowPanels {
		return nil
	}
	for id, p := range tx.st.panels {
		if tx.base.panels[id] == p {
			continue
		}
		if !p.Rect.Valid() {
			return fmt.Errorf("panel %s %+v: %w", id, p.Rect, ErrInvalidRect)
		}
	}
	return nil
}

// geometryDiff lists panels of next whose rectangle differs from base (or
// that are new) and panels of base missing from next.
func geometryDiff(base, next *State) (changed, removed []string) {
	for id, p := range next.panels {
		bp, ok := base.panels[id]
		if ok && (bp == p || bp.Rect == p.Rect) {
			continue
		}
		changed = append(changed, id)
	}
	for id := range base.panels {
		if _, ok := next.panels[id]; !ok {
			removed = append(removed, id)
		}
	}
	slices.Sort(changed)
	slices.Sort(removed)
	return changed, removed
}
