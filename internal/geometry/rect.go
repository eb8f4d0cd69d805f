/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package geometry holds pure helpers for panel rectangles expressed in
// page-normalized coordinates, where (0,0) is the top-left corner of the page
// and (1,1) the bottom-right. None of the functions here fail loudly: a
// rejected operation returns the input unchanged and ok=false.
package geometry

import "math"

// Epsilon is the smallest height a split or crop may leave behind.
const Epsilon = 0.005

// Pt is a point in normalized page space.
type Pt struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is an axis-aligned rectangle defined by its top-left corner and size.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Edge selects which horizontal edge CropEdge moves.
type Edge int

const (
	Top Edge = iota
	Bottom
)

func (e Edge) String() string {
	if e == Top {
		return "top"
	}
	return "bottom"
}

// Full is the rectangle covering the whole page.
var Full = Rect{X: 0, Y: 0, W: 1, H: 1}

func R(x, y, w, h float64) Rect { return Rect{X: x, Y: y, W: w, H: h} }

func (r Rect) Right() float64  { return r.X + r.W }
func (r Rect) Bottom() float64 { return r.Y + r.H }
func (r Rect) Center() Pt      { return Pt{X: r.X + r.W/2, Y: r.Y + r.H/2} }

// Contains reports whether p lies inside r, edges included.
func (r Rect) Contains(p Pt) bool {
	return p.X >= r.X && p.Y >= r.Y && p.X <= r.X+r.W && p.Y <= r.Y+r.H
}

// Valid reports whether r satisfies the panel invariant: positive size and
// fully inside the unit square.
func (r Rect) Valid() bool {
	return r.W > 0 && r.H > 0 && r.X >= 0 && r.Y >= 0 && r.X+r.W <= 1 && r.Y+r.H <= 1
}

// Normalize flips negative widths or heights by moving the origin, so a
// rectangle dragged past its opposite edge becomes a positive one again.
func Normalize(r Rect) Rect {
	if r.W < 0 {
		r.X += r.W
		r.W = -r.W
	}
	if r.H < 0 {
		r.Y += r.H
		r.H = -r.H
	}
	return r
}

// FromPoints returns the rectangle spanned by two corners in any order.
func FromPoints(a, b Pt) Rect {
	return Normalize(Rect{X: a.X, Y: a.Y, W: b.X - a.X, H: b.Y - a.Y})
}

// Clamp clips r to the unit square. The origin is clipped to [0,1] and the
// size shrinks so the far edges stay inside. The result may have zero size
// when r lies entirely outside the page; callers check Valid.
func Clamp(r Rect) Rect {
	r = Normalize(r)
	x0 := clamp01(r.X)
	y0 := clamp01(r.Y)
	x1 := clamp01(r.X + r.W)
	y1 := clamp01(r.Y + r.H)
	return Rect{X: x0, Y: y0, W: fit(x0, x1-x0), H: fit(y0, y1-y0)}
}

// fit shrinks size by ulps until origin+size no longer rounds past 1.
func fit(origin, size float64) float64 {
	for size > 0 && origin+size > 1 {
		size = math.Nextafter(size, 0)
	}
	return size
}

// Translate moves r by (dx,dy) keeping its size; the origin is held inside
// the page so the rectangle never escapes it.
func Translate(r Rect, dx, dy float64) Rect {
	r = Clamp(r)
	r.X = math.Min(math.Max(r.X+dx, 0), 1-r.W)
	r.Y = math.Min(math.Max(r.Y+dy, 0), 1-r.H)
	r.W, r.H = fit(r.X, r.W), fit(r.Y, r.H)
	return r
}

// Overlaps reports whether a and b share interior area. Rectangles that only
// touch along an edge do not overlap.
func Overlaps(a, b Rect) bool {
	a, b = Normalize(a), Normalize(b)
	return a.X < b.X+b.W && b.X < a.X+a.W && a.Y < b.Y+b.H && b.Y < a.Y+a.H
}

// Split cuts r horizontally at y. Both halves keep r's x and w. The split
// line must lie strictly inside (r.Y, r.Y+r.H) and leave at least Epsilon on
// each side. The halves reproduce r's vertical extent exactly:
// bottom.Y+bottom.H == r.Y+r.H and top.H+bottom.H == r.H. To get there the
// cut may move by a few ulps from y.
func Split(r Rect, y float64) (top, bottom Rect, ok bool) {
	end := r.Y + r.H
	if y <= r.Y || y >= end {
		return r, Rect{}, false
	}
	if y-r.Y <= Epsilon || end-y <= Epsilon {
		return r, Rect{}, false
	}
	for _, cut := range near(y, 2) {
		for _, bh := range near(end-cut, 2) {
			if bh <= Epsilon || cut+bh != end {
				continue
			}
			for _, th := range near(r.H-bh, 2) {
				if th > Epsilon && th+bh == r.H {
					top = Rect{X: r.X, Y: r.Y, W: r.W, H: th}
					bottom = Rect{X: r.X, Y: cut, W: r.W, H: bh}
					return top, bottom, true
				}
			}
		}
	}
	return r, Rect{}, false
}

// near returns v followed by its neighbours up to n ulps away, closest first.
func near(v float64, n int) []float64 {
	out := make([]float64, 1, 2*n+1)
	out[0] = v
	up, down := v, v
	for range n {
		up, down = math.Nextafter(up, math.Inf(1)), math.Nextafter(down, math.Inf(-1))
		out = append(out, up, down)
	}
	return out
}

// CropEdge moves the top or bottom edge of r to y and recomputes the height.
func CropEdge(r Rect, y float64, edge Edge) (Rect, bool) {
	out := r
	switch edge {
	case Top:
		out.Y = y
		out.H = r.Y + r.H - y
	case Bottom:
		out.H = y - r.Y
	default:
		return r, false
	}
	if out.H <= Epsilon || out.Y < 0 || out.Y+out.H > 1 {
		return r, false
	}
	return out, true
}

// ToPixels maps r onto a w x h raster. Edges are rounded to the nearest
// pixel and clipped to the raster.
func ToPixels(r Rect, w, h int) (x0, y0, x1, y1 int) {
	r = Clamp(r)
	fw, fh := float64(w), float64(h)
	x0 = int(math.Round(r.X * fw))
	y0 = int(math.Round(r.Y * fh))
	x1 = int(math.Round((r.X + r.W) * fw))
	y1 = int(math.Round((r.Y + r.H) * fh))
	x0, x1 = clampInt(x0, 0, w), clampInt(x1, 0, w)
	y0, y1 = clampInt(y0, 0, h), clampInt(y1, 0, h)
	return x0, y0, x1, y1
}

// FloatRound rounds v to n decimals.
func FloatRound(v float64, n int) float64 {
	p := math.Pow(10, float64(n))
	return math.Round(v*p) / p
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
