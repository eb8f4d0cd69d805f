/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package store is the single source of truth for a narration project: an
// arena of chapters, pages and panels kept as immutable snapshots under an
// undo history, plus a side table of derived artifacts (panel crops and
// narrated audio) that never enters the history.
package store

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gocomicnarrator/internal/domain"
	applog "gocomicnarrator/internal/log"
	"gocomicnarrator/internal/undo"
)

// Significance decides whether an update is recorded in the undo history.
type Significance int

const (
	// Derived updates (statuses, progress) replace the present in place.
	Derived Significance = iota
	// Significant updates push the prior present onto the undo stack.
	Significant
)

type Options struct {
	// MaxDepth caps the undo stack (0 means 100).
	MaxDepth int
	// CoalesceWindow merges consecutive SetText calls on the same panel and
	// language into one undo step.
	CoalesceWindow time.Duration
	// CropRevisions is how many crop revisions are kept per panel so undo can
	// show a previous crop without regenerating it (0 means 4).
	CropRevisions int
	Clock         func() time.Time
}

type Store struct {
	mu   sync.Mutex
	hist *undo.History[*State]
	rev  uint64
	name string
	meta domain.Metadata

	gestureBase *State

	crops     map[string][]cropEntry
	audio     map[string]map[string]domain.Audio
	voice     domain.VoiceParams
	cropDepth int

	emitMu  sync.Mutex
	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int

	clock func() time.Time
	log   *slog.Logger
}

// New returns an empty store.
func New(opts Options) *Store {
	if opts.CropRevisions <= 0 {
		opts.CropRevisions = 4
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Store{
		hist:      undo.New(emptyState(), undo.Config{MaxDepth: opts.MaxDepth, MinInterval: opts.CoalesceWindow}),
		crops:     map[string][]cropEntry{},
		audio:     map[string]map[string]domain.Audio{},
		cropDepth: opts.CropRevisions,
		subs:      map[int]func(Event){},
		clock:     opts.Clock,
		log:       applog.WithComponent("store"),
	}
}

// FromProject builds a store from a persisted or freshly ingested project.
// Panel order comes from each page's PanelIDs; indexes are renumbered and
// panels without a geometry revision get one. The history starts empty.
func FromProject(p domain.Project, opts Options) (*Store, error) {
	s := New(opts)
	s.name, s.meta = p.Name, p.Metadata

	st := emptyState()
	for i := range p.Chapters {
		c := p.Chapters[i]
		st.chapters[c.ID] = c.Clone()
	}
	for i := range p.Pages {
		pg := p.Pages[i]
		if _, ok := st.chapters[pg.ChapterID]; !ok {
			return nil, fmt.Errorf("page %s: chapter %s: %w", pg.ID, pg.ChapterID, ErrNotFound)
		}
		st.pages[pg.ID] = pg.Clone()
	}
	for i := range p.Panels {
		pn := p.Panels[i]
		if _, ok := st.pages[pn.PageID]; !ok {
			return nil, fmt.Errorf("panel %s: page %s: %w", pn.ID, pn.PageID, ErrNotFound)
		}
		if pn.GeomRev > s.rev {
			s.rev = pn.GeomRev
		}
		st.panels[pn.ID] = pn.Clone()
	}
	for _, pn := range st.panels {
		if pn.GeomRev == 0 {
			s.rev++
			pn.GeomRev = s.rev
		}
	}
	// panels are owned by st now; renumber in place
	for _, pg := range st.pages {
		for i, id := range pg.PanelIDs {
			pn, ok := st.panels[id]
			if !ok {
				return nil, fmt.Errorf("page %s lists panel %s: %w", pg.ID, id, ErrNotFound)
			}
			pn.Index = i
		}
	}
	st.sortChapters()
	s.hist = undo.New(st, undo.Config{MaxDepth: opts.MaxDepth, MinInterval: opts.CoalesceWindow})
	return s, nil
}

// Project returns the persisted form of the present state.
func (s *Store) Project() domain.Project {
	s.mu.Lock()
	st := s.committedLocked()
	p := domain.Project{Name: s.name, Metadata: s.meta}
	s.mu.Unlock()

	for _, c := range st.Chapters() {
		p.Chapters = append(p.Chapters, c)
		for _, pg := range st.ChapterPages(c.ID) {
			p.Pages = append(p.Pages, pg)
			p.Panels = append(p.Panels, st.PagePanels(pg.ID)...)
		}
	}
	return p
}

func (s *Store) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Store) Metadata() domain.Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.meta
	m.Languages = append([]string(nil), s.meta.Languages...)
	return m
}

func (s *Store) SetMetadata(m domain.Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = m
}

// Snapshot returns the present state.
func (s *Store) Snapshot() *State { return s.hist.Present() }

// Update runs fn against a transaction on the present state and publishes the
// result. Rectangle changes get a fresh geometry revision and produce
// PanelGeometryChanged events; removed panels lose their artifacts and
// produce PanelRemoved. If fn fails nothing is published.
func (s *Store) Update(sig Significance, fn func(tx *Tx) error) error {
	return s.update(sig, "", fn)
}

// SetText edits one language of a panel's narrative. Rapid edits of the same
// field coalesce into one undo step.
func (s *Store) SetText(panelID, lang, text string) error {
	return s.update(Significant, "text/"+panelID+"/"+lang, func(tx *Tx) error {
		return tx.EditPanel(panelID, func(p *domain.Panel) {
			if p.Text == nil {
				p.Text = map[string]string{}
			}
			p.Text[lang] = text
		})
	})
}

func (s *Store) update(sig Significance, key string, fn func(tx *Tx) error) error {
	s.mu.Lock()
	if s.gestureBase != nil {
		defer s.mu.Unlock()
		if sig != Derived {
			return fmt.Errorf("history update during an active gesture")
		}
		return s.derivedDuringGestureLocked(fn)
	}
	base := s.hist.Present()
	tx := newTx(base)
	if err := fn(tx); err != nil {
		s.mu.Unlock()
		return err
	}
	if !tx.dirty() {
		s.mu.Unlock()
		return nil
	}
	next, events, err := s.finishLocked(tx, base)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	switch {
	case sig == Derived:
		s.hist.Replace(next)
	case key != "":
		s.hist.PushKeyed(next, key, s.clock())
	default:
		s.hist.Push(next)
	}
	for _, id := range tx.removed {
		if _, back := next.panels[id]; !back {
			s.releaseLocked(id)
		}
	}
	s.emitUnlock(events)
	return nil
}

// derivedDuringGestureLocked applies a derived update to both the live state
// and the gesture base, so it survives a cancelled gesture. Geometry is left
// to the gesture.
func (s *Store) derivedDuringGestureLocked(fn func(tx *Tx) error) error {
	for _, target := range []**State{&s.gestureBase, nil} {
		cur := s.hist.Present()
		if target != nil {
			cur = *target
		}
		tx := newTx(cur)
		if err := fn(tx); err != nil {
			return err
		}
		if !tx.dirty() {
			continue
		}
		tx.reindex()
		if tx.chaptersChanged {
			tx.st.sortChapters()
		}
		if target != nil {
			*target = tx.st
		} else {
			s.hist.Replace(tx.st)
		}
	}
	return nil
}

// finishLocked reindexes, validates and stamps new geometry revisions on tx,
// diffing against diffBase.
func (s *Store) finishLocked(tx *Tx, diffBase *State) (*State, []Event, error) {
	tx.reindex()
	if err := tx.validate(); err != nil {
		return nil, nil, err
	}
	if tx.chaptersChanged {
		tx.st.sortChapters()
	}
	changed, removed := geometryDiff(diffBase, tx.st)
	var events []Event
	for _, id := range removed {
		events = append(events, PanelRemoved{PanelID: id})
	}
	for _, id := range changed {
		np := tx.st.panels[id].Clone()
		s.rev++
		np.GeomRev = s.rev
		tx.writePanels()
		tx.st.panels[id] = np
		events = append(events, PanelGeometryChanged{PanelID: id, PageID: np.PageID, Rev: np.GeomRev})
	}
	return tx.st, events, nil
}

// BeginGesture starts a live pointer gesture. Until it is committed or
// cancelled, GestureUpdate replaces the present without history, revisions
// or events.
func (s *Store) BeginGesture() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gestureBase == nil {
		s.gestureBase = s.hist.Present()
	}
}

func (s *Store) InGesture() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gestureBase != nil
}

// GestureUpdate applies a live frame of the current gesture.
func (s *Store) GestureUpdate(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gestureBase == nil {
		return fmt.Errorf("no active gesture")
	}
	tx := newTx(s.hist.Present())
	if err := fn(tx); err != nil {
		return err
	}
	tx.reindex()
	if err := tx.validate(); err != nil {
		return err
	}
	if tx.dirty() {
		s.hist.Replace(tx.st)
	}
	return nil
}

// CommitGesture records the whole gesture as one undo step. It reports false
// when the gesture changed nothing.
func (s *Store) CommitGesture() bool {
	s.mu.Lock()
	base := s.gestureBase
	s.gestureBase = nil
	if base == nil {
		s.mu.Unlock()
		return false
	}
	present := s.hist.Present()
	if changed, removed := geometryDiff(base, present); len(changed) == 0 && len(removed) == 0 {
		s.mu.Unlock()
		return false
	}
	tx := newTx(present)
	next, events, err := s.finishLocked(tx, base)
	if err != nil {
		// live frames were validated already; fall back to the base
		s.hist.Replace(base)
		s.mu.Unlock()
		s.log.Error("gesture commit rejected", slog.Any("err", err))
		return false
	}
	s.hist.PushFrom(base, next)
	s.emitUnlock(events)
	return true
}

// CancelGesture restores the state from before the gesture.
func (s *Store) CancelGesture() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gestureBase != nil {
		s.hist.Replace(s.gestureBase)
		s.gestureBase = nil
	}
}

// Undo restores the previous history-significant state. Panels whose crop
// at the restored revision is no longer held are announced again so they
// get regenerated.
func (s *Store) Undo() bool {
	return s.step(s.hist.Undo)
}

// Redo re-applies the most recently undone change.
func (s *Store) Redo() bool {
	return s.step(s.hist.Redo)
}

func (s *Store) CanUndo() bool { return s.hist.CanUndo() }
func (s *Store) CanRedo() bool { return s.hist.CanRedo() }

func (s *Store) step(move func() (*State, bool)) bool {
	s.mu.Lock()
	if s.gestureBase != nil {
		s.hist.Replace(s.gestureBase)
		s.gestureBase = nil
	}
	before := s.hist.Present()
	after, ok := move()
	if !ok {
		s.mu.Unlock()
		return false
	}
	changed, removed := geometryDiff(before, after)
	var events []Event
	for _, id := range removed {
		events = append(events, PanelRemoved{PanelID: id})
	}
	for _, id := range changed {
		p := after.panels[id]
		if _, ok := s.cropLocked(id, p.GeomRev); !ok {
			events = append(events, PanelGeometryChanged{PanelID: id, PageID: p.PageID, Rev: p.GeomRev})
		}
	}
	s.emitUnlock(events)
	return true
}

// committedLocked is the present, or the gesture base while a gesture is live.
func (s *Store) committedLocked() *State {
	if s.gestureBase != nil {
		return s.gestureBase
	}
	return s.hist.Present()
}

// SetPanelStatus records pipeline progress for a panel without history.
func (s *Store) SetPanelStatus(id string, status domain.PanelStatus, msg string) error {
	return s.Update(Derived, func(tx *Tx) error {
		return tx.EditPanel(id, func(p *domain.Panel) { p.Status, p.Error = status, msg })
	})
}

// SetChapterStatus records batch progress for a chapter without history.
func (s *Store) SetChapterStatus(id string, status domain.BatchStatus, msg string) error {
	return s.Update(Derived, func(tx *Tx) error {
		return tx.EditChapter(id, func(c *domain.Chapter) { c.Status, c.Error = status, msg })
	})
}
