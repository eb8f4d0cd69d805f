/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package editor

import (
	"math"
	"math/rand"
	"testing"

	"gocomicnarrator/internal/domain"
	"gocomicnarrator/internal/geometry"
	"gocomicnarrator/internal/store"
)

func newEditor(t *testing.T) (*Editor, *store.Store) {
	t.Helper()
	s, err := store.FromProject(domain.Project{
		Chapters: []domain.Chapter{
			{ID: "c1", Rank: 0, PageIDs: []string{"pg1", "pg2"}},
			{ID: "c2", Rank: 1, PageIDs: []string{"pg3"}},
		},
		Pages: []domain.Page{
			{ID: "pg1", ChapterID: "c1", Width: 100, Height: 100, PanelIDs: []string{"a", "b"}},
			{ID: "pg2", ChapterID: "c1", Width: 100, Height: 100, PanelIDs: []string{"c"}},
			{ID: "pg3", ChapterID: "c2", Width: 100, Height: 100, PanelIDs: []string{"d"}},
		},
		Panels: []domain.Panel{
			{ID: "a", PageID: "pg1", Rect: geometry.R(0, 0, 1, 0.5), Text: map[string]string{"en": "Hello"}},
			{ID: "b", PageID: "pg1", Rect: geometry.R(0, 0.5, 1, 0.5), Text: map[string]string{"en": "world"}},
			{ID: "c", PageID: "pg2", Rect: geometry.R(0.1, 0.1, 0.2, 0.2), Text: map[string]string{"en": "c"}},
			{ID: "d", PageID: "pg3", Rect: geometry.R(0, 0.2, 1, 0.3), Text: map[string]string{"en": "d"}},
		},
	}, store.Options{})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return New(s, Options{}), s
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func nearRect(a, b geometry.Rect) bool {
	return near(a.X, b.X) && near(a.Y, b.Y) && near(a.W, b.W) && near(a.H, b.H)
}

func rectOf(t *testing.T, s *store.Store, id string) geometry.Rect {
	t.Helper()
	p, ok := s.Snapshot().Panel(id)
	if !ok {
		t.Fatalf("panel %s missing", id)
	}
	return p.Rect
}

func assertInvariants(t *testing.T, s *store.Store) {
	t.Helper()
	st := s.Snapshot()
	for _, c := range st.Chapters() {
		for _, pg := range st.ChapterPages(c.ID) {
			for i, p := range st.PagePanels(pg.ID) {
				if p.Index != i {
					t.Fatalf("page %s: panel %s index %d at position %d", pg.ID, p.ID, p.Index, i)
				}
				r := p.Rect
				if !(r.X >= 0 && r.Y >= 0 && r.X+r.W <= 1 && r.Y+r.H <= 1 && r.W > 0 && r.H > 0) {
					t.Fatalf("panel %s rect escapes the page: %+v", p.ID, r)
				}
			}
		}
	}
}

func TestResizePastOppositeEdgeNormalizes(t *testing.T) {
	e, s := newEditor(t)
	e.Select("c")
	if m := e.PointerDown(geometry.Pt{X: 0.3, Y: 0.3}); m != Resizing {
		t.Fatalf("pointer on the bottom-right grip should resize, got %s", m)
	}
	e.PointerMove(geometry.Pt{X: 0.2, Y: 0.2})
	e.PointerMove(geometry.Pt{X: 0.05, Y: 0.05})
	if !e.PointerUp(geometry.Pt{X: 0.05, Y: 0.05}) {
		t.Fatalf("resize should change the panel")
	}
	got := rectOf(t, s, "c")
	if !nearRect(got, geometry.R(0.05, 0.05, 0.05, 0.05)) {
		t.Fatalf("resize result = %+v, want origin at the drag point with positive size", got)
	}
	if e.Mode() != Idle {
		t.Fatalf("mode after pointer up = %s", e.Mode())
	}
}

func TestResizeHandles(t *testing.T) {
	r := geometry.R(0.2, 0.2, 0.4, 0.4)
	cases := []struct {
		h      Handle
		dx, dy float64
		want   geometry.Rect
	}{
		{HandleN, 0, 0.1, geometry.R(0.2, 0.3, 0.4, 0.3)},
		{HandleE, 0.1, 0.5, geometry.R(0.2, 0.2, 0.5, 0.4)},
		{HandleW, -0.1, 0, geometry.R(0.1, 0.2, 0.5, 0.4)},
		{HandleNW, 0.5, 0.5, geometry.R(0.6, 0.6, 0.1, 0.1)},
		{HandleS, 0, -0.6, geometry.R(0.2, 0, 0.4, 0.2)},
	}
	for _, tc := range cases {
		if got := Resize(r, tc.h, tc.dx, tc.dy); !nearRect(got, tc.want) {
			t.Errorf("%s by (%v,%v) = %+v, want %+v", tc.h, tc.dx, tc.dy, got, tc.want)
		}
	}
}

func TestDrawCreatesPanelInReadingOrder(t *testing.T) {
	e, s := newEditor(t)
	e.SetPage("pg2")
	if m := e.PointerDown(geometry.Pt{X: 0.5, Y: 0.5}); m != Drawing {
		t.Fatalf("pointer on empty area should draw, got %s", m)
	}
	e.PointerMove(geometry.Pt{X: 0.6, Y: 0.6})
	if r, ok := e.Preview(); !ok || !nearRect(r, geometry.R(0.5, 0.5, 0.1, 0.1)) {
		t.Fatalf("preview = %+v %v", r, ok)
	}
	if !e.PointerUp(geometry.Pt{X: 0.7, Y: 0.8}) {
		t.Fatalf("draw should create a panel")
	}
	panels := s.Snapshot().PagePanels("pg2")
	if len(panels) != 2 || panels[0].ID != "c" || panels[1].ID != e.Selected() {
		t.Fatalf("drawn panel not inserted after c: %+v", panels)
	}
	if !nearRect(panels[1].Rect, geometry.R(0.5, 0.5, 0.2, 0.3)) {
		t.Fatalf("drawn rect = %+v", panels[1].Rect)
	}

	e.PointerDown(geometry.Pt{X: 0.05, Y: 0.6})
	e.PointerUp(geometry.Pt{X: 0.055, Y: 0.9})
	if n := len(s.Snapshot().PagePanels("pg2")); n != 2 {
		t.Fatalf("a too-narrow draw must be discarded, have %d panels", n)
	}
	assertInvariants(t, s)
}

func TestMoveClampsAndIsOneUndoStep(t *testing.T) {
	e, s := newEditor(t)
	e.Select("a")
	if m := e.PointerDown(geometry.Pt{X: 0.5, Y: 0.25}); m != Moving {
		t.Fatalf("pointer on the body should move, got %s", m)
	}
	e.PointerMove(geometry.Pt{X: 0.5, Y: 0.35})
	if s.CanUndo() {
		t.Fatalf("live frames must not enter history")
	}
	if !e.PointerUp(geometry.Pt{X: 0.5, Y: 2}) {
		t.Fatalf("move should change the panel")
	}
	if got := rectOf(t, s, "a"); !nearRect(got, geometry.R(0, 0.5, 1, 0.5)) {
		t.Fatalf("move must clamp inside the page, got %+v", got)
	}
	if !e.Undo() {
		t.Fatalf("undo failed")
	}
	if got := rectOf(t, s, "a"); !nearRect(got, geometry.R(0, 0, 1, 0.5)) {
		t.Fatalf("undo must restore the pre-drag rect, got %+v", got)
	}
	if s.CanUndo() {
		t.Fatalf("the whole drag should be a single undo step")
	}
}

func TestSplit(t *testing.T) {
	e, s := newEditor(t)
	e.Select("a")
	if !e.Split(0.25) {
		t.Fatalf("split failed")
	}
	panels := s.Snapshot().PagePanels("pg1")
	if len(panels) != 3 {
		t.Fatalf("expected 3 panels, got %d", len(panels))
	}
	top, bottom := panels[0], panels[1]
	if top.ID == "a" || bottom.ID == "a" || e.Selected() != top.ID {
		t.Fatalf("split halves must be new panels with the top selected")
	}
	if !nearRect(top.Rect, geometry.R(0, 0, 1, 0.25)) || !nearRect(bottom.Rect, geometry.R(0, 0.25, 1, 0.25)) {
		t.Fatalf("halves = %+v / %+v", top.Rect, bottom.Rect)
	}
	if len(top.Text) != 0 || top.Status != domain.PanelPending {
		t.Fatalf("halves start over as pending: %+v", top)
	}
	if e.Split(0.001) {
		t.Fatalf("a split leaving a sliver must be a no-op")
	}
	assertInvariants(t, s)

	e.Undo()
	if _, ok := s.Snapshot().Panel("a"); !ok || e.Selected() != "a" {
		t.Fatalf("undo should bring a back and reselect it, selected %q", e.Selected())
	}
}

func TestCropTopScenario(t *testing.T) {
	e, s := newEditor(t)
	e.Select("d")
	if !e.CropTop(0.25) {
		t.Fatalf("crop top failed")
	}
	p, _ := s.Snapshot().Panel("d")
	if !nearRect(p.Rect, geometry.R(0, 0.25, 1, 0.25)) {
		t.Fatalf("crop top = %+v", p.Rect)
	}
	if p.TextIn("en") != "d" {
		t.Fatalf("crop must keep the narrative")
	}
	if e.CropBottom(0.252) {
		t.Fatalf("a degenerate crop must be a no-op")
	}
}

func TestMergeWithNext(t *testing.T) {
	e, s := newEditor(t)
	before := s.Snapshot().PanelCount()
	e.Select("a")
	if !e.MergeWithNext() {
		t.Fatalf("merge failed")
	}
	st := s.Snapshot()
	a, _ := st.Panel("a")
	if a.TextIn("en") != "Hello world" {
		t.Fatalf("merged text = %q", a.TextIn("en"))
	}
	if _, ok := st.Panel("b"); ok {
		t.Fatalf("successor must be removed")
	}
	if st.PanelCount() != before-1 {
		t.Fatalf("panel count %d, want %d", st.PanelCount(), before-1)
	}
	if !nearRect(a.Rect, geometry.R(0, 0, 1, 0.5)) {
		t.Fatalf("merge must not change geometry: %+v", a.Rect)
	}
	if e.MergeWithNext() {
		t.Fatalf("the last panel on a page has nothing to merge")
	}
	assertInvariants(t, s)
}

func TestDeleteReselectsNeighbour(t *testing.T) {
	e, s := newEditor(t)
	e.Select("a")
	if !e.Delete() || e.Selected() != "b" {
		t.Fatalf("deleting a should select b, got %q", e.Selected())
	}
	if p, _ := s.Snapshot().Panel("b"); p.Index != 0 {
		t.Fatalf("b should be reindexed to 0, got %d", p.Index)
	}
	if !e.Delete() || e.Selected() != "" {
		t.Fatalf("deleting the only panel leaves no selection, got %q", e.Selected())
	}

	e2, _ := newEditor(t)
	e2.Select("b")
	if !e2.Delete() || e2.Selected() != "a" {
		t.Fatalf("deleting the last panel selects the new last, got %q", e2.Selected())
	}
}

func TestDuplicate(t *testing.T) {
	e, s := newEditor(t)
	e.Select("c")
	if !e.Duplicate() {
		t.Fatalf("duplicate failed")
	}
	panels := s.Snapshot().PagePanels("pg2")
	if len(panels) != 2 || panels[1].ID != e.Selected() {
		t.Fatalf("duplicate must follow the original: %+v", panels)
	}
	if !nearRect(panels[1].Rect, geometry.R(0.1, 0.12, 0.2, 0.2)) || panels[1].TextIn("en") != "c" {
		t.Fatalf("duplicate = %+v", panels[1])
	}
}

func TestNavigationIsGlobal(t *testing.T) {
	e, _ := newEditor(t)
	e.Select("b")
	for _, want := range []string{"c", "d"} {
		if !e.Next() || e.Selected() != want {
			t.Fatalf("next = %q, want %q", e.Selected(), want)
		}
	}
	if e.Page() != "pg3" {
		t.Fatalf("navigation must follow the panel to its page, page = %q", e.Page())
	}
	if e.Next() {
		t.Fatalf("no panel after d")
	}
	if !e.Previous() || e.Selected() != "c" {
		t.Fatalf("previous = %q", e.Selected())
	}
}

func TestRandomEditsKeepInvariants(t *testing.T) {
	e, s := newEditor(t)
	rng := rand.New(rand.NewSource(7))
	pages := []string{"pg1", "pg2", "pg3"}
	pt := func() geometry.Pt { return geometry.Pt{X: rng.Float64()*1.4 - 0.2, Y: rng.Float64()*1.4 - 0.2} }

	for i := 0; i < 400; i++ {
		if panels := s.Snapshot().PagePanels(pages[rng.Intn(len(pages))]); len(panels) > 0 {
			e.Select(panels[rng.Intn(len(panels))].ID)
		}
		switch rng.Intn(10) {
		case 0:
			e.Split(rng.Float64())
		case 1:
			e.CropTop(rng.Float64())
		case 2:
			e.CropBottom(rng.Float64())
		case 3:
			e.MergeWithNext()
		case 4:
			e.Delete()
		case 5:
			e.Duplicate()
		case 6, 7:
			e.PointerDown(pt())
			e.PointerMove(pt())
			e.PointerUp(pt())
		case 8:
			e.Undo()
		case 9:
			e.Redo()
		}
		assertInvariants(t, s)
	}
}
