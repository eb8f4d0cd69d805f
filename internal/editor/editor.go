/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package editor is the UI-agnostic panel editing surface: a pointer state
// machine for drawing, moving and resizing panels plus the explicit panel
// actions (split, crop, merge, delete, duplicate) and global navigation.
// All coordinates are page-normalized. An Editor is driven from a single UI
// goroutine; it only ever touches the store synchronously.
package editor

import (
	"log/slog"
	"math"

	"gocomicnarrator/internal/domain"
	"gocomicnarrator/internal/geometry"
	applog "gocomicnarrator/internal/log"
	"gocomicnarrator/internal/store"
)

// Mode is the pointer session state.
type Mode int

const (
	Idle Mode = iota
	Drawing
	Moving
	Resizing
)

func (m Mode) String() string {
	switch m {
	case Drawing:
		return "drawing"
	case Moving:
		return "moving"
	case Resizing:
		return "resizing"
	default:
		return "idle"
	}
}

type Options struct {
	// MinDraw is the smallest width and height a drawn panel may have.
	MinDraw float64
	// HandleRadius is the pick distance around a resize handle.
	HandleRadius float64
	// SnapThreshold enables edge snapping while moving when > 0.
	SnapThreshold float64
}

func DefaultOptions() Options {
	return Options{MinDraw: 0.01, HandleRadius: 0.012}
}

type Editor struct {
	store *store.Store
	opts  Options

	page     string
	selected string

	mode    Mode
	handle  Handle
	start   geometry.Pt
	origin  geometry.Rect
	preview geometry.Rect
	anchors []geometry.Rect
	guides  []geometry.Guide

	log *slog.Logger
}

func New(s *store.Store, opts Options) *Editor {
	d := DefaultOptions()
	if opts.MinDraw > 0 {
		d.MinDraw = opts.MinDraw
	}
	if opts.HandleRadius > 0 {
		d.HandleRadius = opts.HandleRadius
	}
	d.SnapThreshold = opts.SnapThreshold
	return &Editor{store: s, opts: d, log: applog.WithComponent("editor")}
}

func (e *Editor) Mode() Mode                { return e.mode }
func (e *Editor) Page() string              { return e.page }
func (e *Editor) Selected() string          { return e.selected }
func (e *Editor) Guides() []geometry.Guide  { return e.guides }

// Preview is the rectangle being drawn, if any.
func (e *Editor) Preview() (geometry.Rect, bool) {
	return e.preview, e.mode == Drawing
}

// SetPage shows a page and clears the selection.
func (e *Editor) SetPage(pageID string) {
	e.Cancel()
	e.page = pageID
	e.selected = ""
}

// Select selects a panel anywhere in the project and shows its page.
func (e *Editor) Select(panelID string) bool {
	p, ok := e.store.Snapshot().Panel(panelID)
	if !ok {
		return false
	}
	e.page, e.selected = p.PageID, panelID
	return true
}

// HitTest returns the panel under pt and the handle hit, if any. Handles of
// the selected panel win over panel bodies; among overlapping bodies the
// panel later in reading order is on top.
func (e *Editor) HitTest(pt geometry.Pt) (string, Handle) {
	st := e.store.Snapshot()
	if e.selected != "" {
		if p, ok := st.Panel(e.selected); ok && p.PageID == e.page {
			if h := handleAt(p.Rect, pt, e.opts.HandleRadius); h != HandleNone {
				return p.ID, h
			}
		}
	}
	panels := st.PagePanels(e.page)
	for i := len(panels) - 1; i >= 0; i-- {
		if panels[i].Rect.Contains(pt) {
			return panels[i].ID, HandleNone
		}
	}
	return "", HandleNone
}

// PointerDown starts a session: on a handle of the selected panel it resizes,
// on a panel body it selects and moves, on empty page area it draws.
func (e *Editor) PointerDown(pt geometry.Pt) Mode {
	if e.mode != Idle {
		e.Cancel()
	}
	e.start, e.guides = pt, nil
	id, h := e.HitTest(pt)
	switch {
	case id == "":
		e.selected = ""
		e.mode = Drawing
		e.preview = geometry.Rect{X: pt.X, Y: pt.Y}
		return e.mode
	case h != HandleNone:
		e.mode, e.handle = Resizing, h
	default:
		e.mode, e.handle = Moving, HandleNone
	}
	e.selected = id
	st := e.store.Snapshot()
	p, _ := st.Panel(id)
	e.origin = p.Rect
	e.anchors = e.anchors[:0]
	for _, o := range st.PagePanels(e.page) {
		if o.ID != id {
			e.anchors = append(e.anchors, o.Rect)
		}
	}
	e.store.BeginGesture()
	return e.mode
}

// PointerMove updates the live session. Geometry changes are pushed to the
// store as live frames without history.
func (e *Editor) PointerMove(pt geometry.Pt) {
	dx, dy := pt.X-e.start.X, pt.Y-e.start.Y
	switch e.mode {
	case Drawing:
		e.preview = geometry.Clamp(geometry.FromPoints(e.start, pt))
	case Moving:
		r := geometry.Translate(e.origin, dx, dy)
		r, e.guides = geometry.Snap(r, e.anchors, e.opts.SnapThreshold)
		e.live(r)
	case Resizing:
		r := geometry.Clamp(Resize(e.origin, e.handle, dx, dy))
		if r.W <= 0 || r.H <= 0 {
			// passing through the opposite edge; keep the last valid frame
			return
		}
		e.live(r)
	}
}

func (e *Editor) live(r geometry.Rect) {
	id := e.selected
	if err := e.store.GestureUpdate(func(tx *store.Tx) error { return tx.SetRect(id, r) }); err != nil {
		e.log.Debug("live frame rejected", slog.Any("err", err))
	}
}

// PointerUp ends the session. A finished draw creates a panel when it is
// large enough; a move or resize becomes one undoable step. It reports
// whether the project changed.
func (e *Editor) PointerUp(pt geometry.Pt) bool {
	defer func() {
		e.mode, e.handle, e.guides = Idle, HandleNone, nil
	}()
	switch e.mode {
	case Drawing:
		r := geometry.Clamp(geometry.FromPoints(e.start, pt))
		if r.W <= e.opts.MinDraw || r.H <= e.opts.MinDraw {
			return false
		}
		return e.insertDrawn(r)
	case Moving, Resizing:
		e.PointerMove(pt)
		return e.store.CommitGesture()
	}
	return false
}

// Cancel abandons the current session, restoring pre-gesture geometry.
func (e *Editor) Cancel() {
	if e.mode == Moving || e.mode == Resizing {
		e.store.CancelGesture()
	}
	e.mode, e.handle, e.guides = Idle, HandleNone, nil
}

func (e *Editor) insertDrawn(r geometry.Rect) bool {
	if e.page == "" {
		return false
	}
	var id string
	err := e.store.Update(store.Significant, func(tx *store.Tx) error {
		at := readingSlot(tx.PagePanels(e.page), r)
		var err error
		id, err = tx.InsertPanel(e.page, at, newPanel(r))
		return err
	})
	if err != nil {
		e.log.Warn("draw rejected", slog.Any("err", err))
		return false
	}
	e.selected = id
	return true
}

// Next selects the following panel in global reading order.
func (e *Editor) Next() bool { return e.walk(true) }

// Previous selects the preceding panel in global reading order.
func (e *Editor) Previous() bool { return e.walk(false) }

func (e *Editor) walk(forward bool) bool {
	st := e.store.Snapshot()
	if e.selected == "" {
		id, ok := st.First()
		if pp := st.PagePanels(e.page); len(pp) > 0 {
			id, ok = pp[0].ID, true
		}
		return ok && e.Select(id)
	}
	var (
		id string
		ok bool
	)
	if forward {
		id, ok = st.Next(e.selected)
	} else {
		id, ok = st.Prev(e.selected)
	}
	return ok && e.Select(id)
}

// Undo reverts the last history-significant change.
func (e *Editor) Undo() bool {
	e.Cancel()
	ok := e.store.Undo()
	e.reconcile()
	return ok
}

// Redo re-applies the last undone change.
func (e *Editor) Redo() bool {
	e.Cancel()
	ok := e.store.Redo()
	e.reconcile()
	return ok
}

// reconcile keeps the selection valid after the state jumped.
func (e *Editor) reconcile() {
	st := e.store.Snapshot()
	if e.selected == "" {
		return
	}
	if p, ok := st.Panel(e.selected); ok {
		e.page = p.PageID
		return
	}
	e.selected = ""
	if pp := st.PagePanels(e.page); len(pp) > 0 {
		e.selected = pp[0].ID
	}
}

// readingSlot returns the index at which r belongs among panels: row-major by
// top edge, then by left edge for panels on the same row.
func readingSlot(panels []domain.Panel, r geometry.Rect) int {
	const rowTol = 0.01
	for i, p := range panels {
		dy := p.Rect.Y - r.Y
		if dy > rowTol || (math.Abs(dy) <= rowTol && p.Rect.X > r.X) {
			return i
		}
	}
	return len(panels)
}
