/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package editor

import (
	"log/slog"
	"maps"
	"strings"

	"gocomicnarrator/internal/domain"
	"gocomicnarrator/internal/geometry"
	"gocomicnarrator/internal/store"
)

// DuplicateOffset is how far below the original a duplicate is placed.
const DuplicateOffset = 0.02

func newPanel(r geometry.Rect) domain.Panel {
	return domain.Panel{Rect: r, Status: domain.PanelPending, Confidence: 1}
}

// apply runs a history-significant edit on the selected panel. Rejected
// geometry is a silent no-op; fn returns false for that.
func (e *Editor) apply(op string, fn func(tx *store.Tx, p domain.Panel) (bool, error)) bool {
	e.Cancel()
	if e.selected == "" {
		return false
	}
	changed := false
	err := e.store.Update(store.Significant, func(tx *store.Tx) error {
		p, ok := tx.Panel(e.selected)
		if !ok {
			return nil
		}
		var err error
		changed, err = fn(tx, p)
		return err
	})
	if err != nil {
		e.log.Warn(op+" failed", slog.String("panel", e.selected), slog.Any("err", err))
		return false
	}
	return changed
}

// Split cuts the selected panel at page-normalized y into two new panels.
// Both start over as pending with no narrative; the top half is selected.
func (e *Editor) Split(y float64) bool {
	var top string
	ok := e.apply("split", func(tx *store.Tx, p domain.Panel) (bool, error) {
		a, b, ok := geometry.Split(p.Rect, y)
		if !ok {
			return false, nil
		}
		if err := tx.RemovePanel(p.ID); err != nil {
			return false, err
		}
		id, err := tx.InsertPanel(p.PageID, p.Index, newPanel(a))
		if err != nil {
			return false, err
		}
		if _, err := tx.InsertPanel(p.PageID, p.Index+1, newPanel(b)); err != nil {
			return false, err
		}
		top = id
		return true, nil
	})
	if ok {
		e.selected = top
	}
	return ok
}

// CropTop moves the selected panel's top edge to y. Text and audio stay.
func (e *Editor) CropTop(y float64) bool { return e.cropEdge(y, geometry.Top) }

// CropBottom moves the selected panel's bottom edge to y.
func (e *Editor) CropBottom(y float64) bool { return e.cropEdge(y, geometry.Bottom) }

func (e *Editor) cropEdge(y float64, edge geometry.Edge) bool {
	return e.apply("crop "+edge.String(), func(tx *store.Tx, p domain.Panel) (bool, error) {
		r, ok := geometry.CropEdge(p.Rect, y, edge)
		if !ok {
			return false, nil
		}
		return true, tx.SetRect(p.ID, r)
	})
}

// MergeWithNext folds the narrative of the next panel on the same page into
// the selected one and removes the next panel. Geometry is unchanged.
func (e *Editor) MergeWithNext() bool {
	return e.apply("merge", func(tx *store.Tx, p domain.Panel) (bool, error) {
		page, ok := tx.Page(p.PageID)
		if !ok || p.Index+1 >= len(page.PanelIDs) {
			return false, nil
		}
		next, _ := tx.Panel(page.PanelIDs[p.Index+1])
		err := tx.EditPanel(p.ID, func(m *domain.Panel) {
			m.Text = mergeText(p.Text, next.Text)
			m.KeyAction = join(p.KeyAction, next.KeyAction)
			m.Dialogue = join(p.Dialogue, next.Dialogue)
		})
		if err != nil {
			return false, err
		}
		return true, tx.RemovePanel(next.ID)
	})
}

func mergeText(a, b map[string]string) map[string]string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := maps.Clone(a)
	if out == nil {
		out = map[string]string{}
	}
	for lang, t := range b {
		out[lang] = join(out[lang], t)
	}
	return out
}

func join(a, b string) string { return strings.TrimSpace(a + " " + b) }

// Delete removes the selected panel and selects the panel that took its
// slot, or the new last panel of the page.
func (e *Editor) Delete() bool {
	var page string
	var at int
	ok := e.apply("delete", func(tx *store.Tx, p domain.Panel) (bool, error) {
		page, at = p.PageID, p.Index
		return true, tx.RemovePanel(p.ID)
	})
	if !ok {
		return false
	}
	e.selected = ""
	panels := e.store.Snapshot().PagePanels(page)
	switch {
	case at < len(panels):
		e.selected = panels[at].ID
	case len(panels) > 0:
		e.selected = panels[len(panels)-1].ID
	}
	return true
}

// Duplicate copies the selected panel just below the original and selects
// the copy.
func (e *Editor) Duplicate() bool {
	var dup string
	ok := e.apply("duplicate", func(tx *store.Tx, p domain.Panel) (bool, error) {
		c := newPanel(geometry.Translate(p.Rect, 0, DuplicateOffset))
		c.Text = maps.Clone(p.Text)
		c.KeyAction, c.Dialogue, c.Tone = p.KeyAction, p.Dialogue, p.Tone
		id, err := tx.InsertPanel(p.PageID, p.Index+1, c)
		dup = id
		return err == nil, err
	})
	if ok {
		e.selected = dup
	}
	return ok
}

// SetText edits the selected panel's narrative in one language.
func (e *Editor) SetText(lang, text string) bool {
	if e.selected == "" {
		return false
	}
	if err := e.store.SetText(e.selected, lang, text); err != nil {
		e.log.Warn("text edit failed", slog.Any("err", err))
		return false
	}
	return true
}
