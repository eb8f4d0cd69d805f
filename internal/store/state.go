/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package store

import (
	"cmp"
	"slices"
	"sync"

	"gocomicnarrator/internal/domain"
)

// State is one immutable snapshot of every chapter, page and panel.
// Entities are addressed by ID. A new snapshot copies the ID maps but shares
// every entity it did not change with its predecessor, so history entries
// cost one map copy rather than a deep copy of the project.
//
// Accessors return clones; the entities held by a State are never mutated.
type State struct {
	chapters map[string]*domain.Chapter
	pages    map[string]*domain.Page
	panels   map[string]*domain.Panel
	// chapter IDs ordered by rank
	order []string

	flatOnce sync.Once
	flat     []string
	pos      map[string]int
}

func emptyState() *State {
	return &State{
		chapters: map[string]*domain.Chapter{},
		pages:    map[string]*domain.Page{},
		panels:   map[string]*domain.Panel{},
	}
}

// Chapters returns all chapters in reading order.
func (s *State) Chapters() []domain.Chapter {
	out := make([]domain.Chapter, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.chapters[id].Clone())
	}
	return out
}

func (s *State) Chapter(id string) (domain.Chapter, bool) {
	c, ok := s.chapters[id]
	if !ok {
		return domain.Chapter{}, false
	}
	return *c.Clone(), true
}

// Page returns the page with id. The Source bytes are shared and must be
// treated as read-only.
func (s *State) Page(id string) (domain.Page, bool) {
	p, ok := s.pages[id]
	if !ok {
		return domain.Page{}, false
	}
	return *p.Clone(), true
}

func (s *State) Panel(id string) (domain.Panel, bool) {
	p, ok := s.panels[id]
	if !ok {
		return domain.Panel{}, false
	}
	return *p.Clone(), true
}

// PagePanels returns the panels of a page ordered by index.
func (s *State) PagePanels(pageID string) []domain.Panel {
	pg, ok := s.pages[pageID]
	if !ok {
		return nil
	}
	out := make([]domain.Panel, 0, len(pg.PanelIDs))
	for _, id := range pg.PanelIDs {
		if p, ok := s.panels[id]; ok {
			out = append(out, *p.Clone())
		}
	}
	return out
}

// ChapterPages returns the pages of a chapter in order.
func (s *State) ChapterPages(chapterID string) []domain.Page {
	c, ok := s.chapters[chapterID]
	if !ok {
		return nil
	}
	out := make([]domain.Page, 0, len(c.PageIDs))
	for _, id := range c.PageIDs {
		if p, ok := s.pages[id]; ok {
			out = append(out, *p.Clone())
		}
	}
	return out
}

// ChapterPanels returns the panels of a chapter in reading order.
func (s *State) ChapterPanels(chapterID string) []domain.Panel {
	c, ok := s.chapters[chapterID]
	if !ok {
		return nil
	}
	var out []domain.Panel
	for _, pid := range c.PageIDs {
		out = append(out, s.PagePanels(pid)...)
	}
	return out
}

// ChapterOf returns the chapter ID owning a panel.
func (s *State) ChapterOf(panelID string) (string, bool) {
	p, ok := s.panels[panelID]
	if !ok {
		return "", false
	}
	pg, ok := s.pages[p.PageID]
	if !ok {
		return "", false
	}
	return pg.ChapterID, true
}

// ReadingOrder returns every panel ID flattened across pages and chapters.
func (s *State) ReadingOrder() []string {
	s.index()
	return slices.Clone(s.flat)
}

// Position returns the offset of a panel in the global reading order.
func (s *State) Position(panelID string) (int, bool) {
	s.index()
	i, ok := s.pos[panelID]
	return i, ok
}

// Next returns the panel after id in reading order, crossing page and
// chapter boundaries.
func (s *State) Next(id string) (string, bool) {
	s.index()
	i, ok := s.pos[id]
	if !ok || i+1 >= len(s.flat) {
		return "", false
	}
	return s.flat[i+1], true
}

// Prev returns the panel before id in reading order.
func (s *State) Prev(id string) (string, bool) {
	s.index()
	i, ok := s.pos[id]
	if !ok || i == 0 {
		return "", false
	}
	return s.flat[i-1], true
}

// First returns the first panel in reading order.
func (s *State) First() (string, bool) {
	s.index()
	if len(s.flat) == 0 {
		return "", false
	}
	return s.flat[0], true
}

// LastPanel returns the final panel of a chapter in reading order.
func (s *State) LastPanel(chapterID string) (domain.Panel, bool) {
	c, ok := s.chapters[chapterID]
	if !ok {
		return domain.Panel{}, false
	}
	for i := len(c.PageIDs) - 1; i >= 0; i-- {
		pg, ok := s.pages[c.PageIDs[i]]
		if !ok || len(pg.PanelIDs) == 0 {
			continue
		}
		return *s.panels[pg.PanelIDs[len(pg.PanelIDs)-1]].Clone(), true
	}
	return domain.Panel{}, false
}

// PreviousChapter returns the chapter ranked before chapterID.
func (s *State) PreviousChapter(chapterID string) (string, bool) {
	i := slices.Index(s.order, chapterID)
	if i <= 0 {
		return "", false
	}
	return s.order[i-1], true
}

// PanelCount is the number of panels across the project.
func (s *State) PanelCount() int { return len(s.panels) }

func (s *State) index() {
	s.flatOnce.Do(func() {
		s.pos = make(map[string]int, len(s.panels))
		for _, cid := range s.order {
			for _, pgid := range s.chapters[cid].PageIDs {
				pg, ok := s.pages[pgid]
				if !ok {
					continue
				}
				for _, id := range pg.PanelIDs {
					s.pos[id] = len(s.flat)
					s.flat = append(s.flat, id)
				}
			}
		}
	})
}

// sortChapters rebuilds the chapter order from ranks; ties keep name order.
func (s *State) sortChapters() {
	s.order = make([]string, 0, len(s.chapters))
	for id := range s.chapters {
		s.order = append(s.order, id)
	}
	slices.SortFunc(s.order, func(a, b string) int {
		ca, cb := s.chapters[a], s.chapters[b]
		if c := cmp.Compare(ca.Rank, cb.Rank); c != 0 {
			return c
		}
		if c := cmp.Compare(ca.Name, cb.Name); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
}
