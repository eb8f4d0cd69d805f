/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package domain defines the entities shared by the store, the pipeline and
// persistence. Entities reference each other by ID; ordering lives in the
// parent's ID list (Chapter.PageIDs, Page.PanelIDs).
package domain

import (
	"maps"
	"slices"

	"gocomicnarrator/internal/geometry"
)

// Project is the manifest persisted to narrator.json.
type Project struct {
	Name     string    `json:"name"`
	Metadata Metadata  `json:"metadata"`
	Chapters []Chapter `json:"chapters"`
	Pages    []Page    `json:"pages"`
	Panels   []Panel   `json:"panels"`
}

type Metadata struct {
	Series         string   `json:"series,omitempty"`
	Creators       string   `json:"creators,omitempty"`
	Notes          string   `json:"notes,omitempty"`
	CharacterNotes string   `json:"characterNotes,omitempty"`
	Languages      []string `json:"languages,omitempty"`
}

// PanelStatus tracks a panel through the narration pipeline.
type PanelStatus string

const (
	PanelPending     PanelStatus = "pending"
	PanelSummarizing PanelStatus = "summarizing"
	PanelNarrating   PanelStatus = "narrating"
	PanelComplete    PanelStatus = "complete"
	PanelSkipped     PanelStatus = "skipped"
	PanelError       PanelStatus = "error"
)

// BatchStatus is the state of a chapter-level batch operation.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchComplete   BatchStatus = "complete"
	BatchError      BatchStatus = "error"
)

// AudioStatus is the state of one per-language audio artifact.
type AudioStatus string

const (
	AudioPending    AudioStatus = "pending"
	AudioGenerating AudioStatus = "generating"
	AudioReady      AudioStatus = "ready"
	AudioFailed     AudioStatus = "failed"
)

type Chapter struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Rank orders chapters; derived from a natural sort of Source at ingest.
	Rank    int         `json:"rank"`
	Source  string      `json:"source,omitempty"`
	PageIDs []string    `json:"pageIds"`
	Status  BatchStatus `json:"status"`
	Error   string      `json:"error,omitempty"`
}

func (c *Chapter) Clone() *Chapter {
	out := *c
	out.PageIDs = slices.Clone(c.PageIDs)
	return &out
}

// Page is one source raster. Width and Height anchor every normalized panel
// rectangle on the page and never change once set.
type Page struct {
	ID        string   `json:"id"`
	ChapterID string   `json:"chapterId"`
	Name      string   `json:"name"`
	File      string   `json:"file,omitempty"`
	MIME      string   `json:"mime"`
	Width     int      `json:"width"`
	Height    int      `json:"height"`
	PanelIDs  []string `json:"panelIds"`
	// Source holds the encoded raster; it is stored next to the manifest.
	Source []byte `json:"-"`
}

func (p *Page) Clone() *Page {
	out := *p
	out.PanelIDs = slices.Clone(p.PanelIDs)
	return &out
}

type Panel struct {
	ID         string            `json:"id"`
	PageID     string            `json:"pageId"`
	Index      int               `json:"index"`
	Rect       geometry.Rect     `json:"rect"`
	Confidence float64           `json:"confidence"`
	Text       map[string]string `json:"text,omitempty"`
	KeyAction  string            `json:"keyAction,omitempty"`
	Dialogue   string            `json:"dialogue,omitempty"`
	Tone       string            `json:"tone,omitempty"`
	Status     PanelStatus       `json:"status"`
	Error      string            `json:"error,omitempty"`
	// GeomRev changes on every geometry edit. Crop artifacts are keyed by it.
	GeomRev uint64 `json:"geomRev"`
}

func (p *Panel) Clone() *Panel {
	out := *p
	out.Text = maps.Clone(p.Text)
	return &out
}

// TextIn returns the panel text for lang, or "".
func (p *Panel) TextIn(lang string) string {
	if p == nil || p.Text == nil {
		return ""
	}
	return p.Text[lang]
}

// Audio is a narrated clip for one panel in one language. PCM is raw,
// headerless 16-bit little-endian mono at SampleRate.
type Audio struct {
	Status       AudioStatus `json:"status"`
	PCM          []byte      `json:"-"`
	SampleRate   int         `json:"sampleRate,omitempty"`
	Voice        string      `json:"voice,omitempty"`
	Digest       string      `json:"digest,omitempty"`
	FinishReason string      `json:"finishReason,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// VoiceParams are the speech settings a clip is rendered with. A change to
// any of them makes existing clips stale.
type VoiceParams struct {
	Voice        string  `json:"voice,omitempty" yaml:"voice"`
	Rate         float64 `json:"rate,omitempty" yaml:"rate"`
	Pitch        float64 `json:"pitch,omitempty" yaml:"pitch"`
	VolumeGainDB float64 `json:"volumeGainDb,omitempty" yaml:"volume_gain_db"`
}
