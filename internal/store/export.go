/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package store

import (
	"fmt"

	"gocomicnarrator/internal/domain"
)

// ExportPanel is one panel ready for packaging.
type ExportPanel struct {
	Panel    domain.Panel
	Page     string // page display name
	PageNo   int    // 1-based page number within the chapter
	Crop     []byte // nil while the crop is being regenerated
	Audio    map[string]domain.Audio
	Position int // 0-based position within the chapter
}

// ChapterExport is the export view of one chapter.
type ChapterExport struct {
	Chapter  domain.Chapter
	Metadata domain.Metadata
	Panels   []ExportPanel
}

// MissingCrops lists panels without a current crop.
func (c ChapterExport) MissingCrops() []string {
	var out []string
	for _, p := range c.Panels {
		if p.Crop == nil {
			out = append(out, p.Panel.ID)
		}
	}
	return out
}

// ExportChapter returns the chapter's panels in reading order with their
// current crop bytes and ready audio. Outdated artifacts are left out.
func (s *Store) ExportChapter(chapterID string) (ChapterExport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.committedLocked()
	c, ok := st.chapters[chapterID]
	if !ok {
		return ChapterExport{}, fmt.Errorf("chapter %s: %w", chapterID, ErrNotFound)
	}
	out := ChapterExport{Chapter: *c.Clone(), Metadata: s.meta}
	for n, pgID := range c.PageIDs {
		pg, ok := st.pages[pgID]
		if !ok {
			continue
		}
		for _, id := range pg.PanelIDs {
			p := st.panels[id]
			ep := ExportPanel{
				Panel:    *p.Clone(),
				Page:     pg.Name,
				PageNo:   n + 1,
				Audio:    map[string]domain.Audio{},
				Position: len(out.Panels),
			}
			if data, ok := s.cropLocked(id, p.GeomRev); ok {
				ep.Crop = data
			}
			for lang := range s.audio[id] {
				if a := s.audioLocked(st, id, lang); a.Status == domain.AudioReady {
					ep.Audio[lang] = a
				}
			}
			out.Panels = append(out.Panels, ep)
		}
	}
	return out, nil
}
