/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"

	"gocomicnarrator/internal/domain"
	"gocomicnarrator/internal/geometry"
)

type cropEntry struct {
	rev  uint64
	data []byte
}

// CropTarget is what a crop worker needs to render one panel.
type CropTarget struct {
	PanelID string
	Rev     uint64
	Rect    geometry.Rect
	Page    domain.Page
}

// CropTarget returns the committed geometry of a panel together with its
// page. During a live gesture the pre-gesture geometry is returned, because
// the live rectangle has not been assigned a revision yet.
func (s *Store) CropTarget(panelID string) (CropTarget, bool) {
	s.mu.Lock()
	st := s.committedLocked()
	s.mu.Unlock()
	p, ok := st.panels[panelID]
	if !ok {
		return CropTarget{}, false
	}
	pg, ok := st.pages[p.PageID]
	if !ok {
		return CropTarget{}, false
	}
	return CropTarget{PanelID: p.ID, Rev: p.GeomRev, Rect: p.Rect, Page: *pg}, true
}

// SetCrop stores a rendered crop. It is rejected (false) when the panel is
// gone or has moved on to another revision, so a slow crop can never
// overwrite a newer one.
func (s *Store) SetCrop(panelID string, rev uint64, data []byte) bool {
	if len(data) == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.committedLocked().panels[panelID]
	if !ok || p.GeomRev != rev {
		return false
	}
	entries := s.crops[panelID]
	for i, e := range entries {
		if e.rev == rev {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	entries = append(entries, cropEntry{rev: rev, data: data})
	if extra := len(entries) - s.cropDepth; extra > 0 {
		entries = entries[extra:]
	}
	s.crops[panelID] = entries
	return true
}

// Crop returns the crop matching the panel's current geometry. A missing or
// outdated crop reports false: the panel needs regeneration.
func (s *Store) Crop(panelID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.committedLocked().panels[panelID]
	if !ok {
		return nil, false
	}
	return s.cropLocked(panelID, p.GeomRev)
}

func (s *Store) cropLocked(panelID string, rev uint64) ([]byte, bool) {
	for _, e := range s.crops[panelID] {
		if e.rev == rev {
			return e.data, true
		}
	}
	return nil, false
}

// NeedsCrop lists, in reading order, panels without a crop for their
// current geometry.
func (s *Store) NeedsCrop() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.committedLocked()
	var out []string
	for _, id := range st.ReadingOrder() {
		if _, ok := s.cropLocked(id, st.panels[id].GeomRev); !ok {
			out = append(out, id)
		}
	}
	return out
}

// AudioDigest identifies the input an audio clip was rendered from.
func AudioDigest(text string, v domain.VoiceParams) string {
	h := sha256.New()
	_, _ = fmt.Fprintf(h, "%s\x00%g\x00%g\x00%g\x00", v.Voice, v.Rate, v.Pitch, v.VolumeGainDB)
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil)[:12])
}

// SetVoice sets the speech parameters clips are checked against. Clips
// rendered with other parameters read as pending from then on.
func (s *Store) SetVoice(v domain.VoiceParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voice = v
}

// Voice returns the current speech parameters.
func (s *Store) Voice() domain.VoiceParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice
}

// SetAudio stores the audio state of one panel and language. Ready clips
// should carry the Digest of the text and voice they were rendered from.
func (s *Store) SetAudio(panelID, lang string, a domain.Audio) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.committedLocked().panels[panelID]; !ok {
		return false
	}
	m := s.audio[panelID]
	if m == nil {
		m = map[string]domain.Audio{}
		s.audio[panelID] = m
	}
	m[lang] = a
	return true
}

// Audio returns the audio state for a panel and language. A clip rendered
// from text or voice parameters that have changed since reports pending with
// no PCM.
func (s *Store) Audio(panelID, lang string) domain.Audio {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioLocked(s.committedLocked(), panelID, lang)
}

func (s *Store) audioLocked(st *State, panelID, lang string) domain.Audio {
	p, ok := st.panels[panelID]
	if !ok {
		return domain.Audio{Status: domain.AudioPending}
	}
	a, ok := s.audio[panelID][lang]
	if !ok {
		return domain.Audio{Status: domain.AudioPending}
	}
	if a.Status == domain.AudioGenerating {
		return a
	}
	if a.Digest != AudioDigest(p.TextIn(lang), s.voice) {
		return domain.Audio{Status: domain.AudioPending, Voice: a.Voice}
	}
	return a
}

// AudioAll returns the per-language audio state of a panel.
func (s *Store) AudioAll(panelID string) map[string]domain.Audio {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.committedLocked()
	out := make(map[string]domain.Audio, len(s.audio[panelID]))
	for lang := range maps.Keys(s.audio[panelID]) {
		out[lang] = s.audioLocked(st, panelID, lang)
	}
	return out
}

func (s *Store) releaseLocked(panelID string) {
	delete(s.crops, panelID)
	delete(s.audio, panelID)
}
