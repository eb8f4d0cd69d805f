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

	"gocomicnarrator/internal/geometry"
)

// Handle is one of the eight resize grips: four corners and four edge
// midpoints.
type Handle int

const (
	HandleNone Handle = iota
	HandleNW
	HandleN
	HandleNE
	HandleE
	HandleSE
	HandleS
	HandleSW
	HandleW
)

var handleNames = [...]string{"none", "nw", "n", "ne", "e", "se", "s", "sw", "w"}

func (h Handle) String() string {
	if h < 0 || int(h) >= len(handleNames) {
		return "invalid"
	}
	return handleNames[h]
}

// edges reports which edges a handle drags.
func (h Handle) edges() (left, top, right, bottom bool) {
	switch h {
	case HandleNW:
		return true, true, false, false
	case HandleN:
		return false, true, false, false
	case HandleNE:
		return false, true, true, false
	case HandleE:
		return false, false, true, false
	case HandleSE:
		return false, false, true, true
	case HandleS:
		return false, false, false, true
	case HandleSW:
		return true, false, false, true
	case HandleW:
		return true, false, false, false
	}
	return false, false, false, false
}

// HandlePoints returns the grip positions of r, indexed by Handle-1.
func HandlePoints(r geometry.Rect) [8]geometry.Pt {
	cx, cy := r.X+r.W/2, r.Y+r.H/2
	return [8]geometry.Pt{
		{X: r.X, Y: r.Y},
		{X: cx, Y: r.Y},
		{X: r.Right(), Y: r.Y},
		{X: r.Right(), Y: cy},
		{X: r.Right(), Y: r.Bottom()},
		{X: cx, Y: r.Bottom()},
		{X: r.X, Y: r.Bottom()},
		{X: r.X, Y: cy},
	}
}

// handleAt returns the closest grip within radius of pt.
func handleAt(r geometry.Rect, pt geometry.Pt, radius float64) Handle {
	best, bestD := HandleNone, math.Inf(1)
	for i, hp := range HandlePoints(r) {
		d := math.Hypot(pt.X-hp.X, pt.Y-hp.Y)
		if d <= radius && d < bestD {
			best, bestD = Handle(i+1), d
		}
	}
	return best
}

// Resize drags the edges selected by h by (dx, dy). Width and height may
// cross zero while dragging past the opposite edge; the result is normalized
// so it always has a positive size with the origin flipped accordingly.
func Resize(r geometry.Rect, h Handle, dx, dy float64) geometry.Rect {
	left, top, right, bottom := h.edges()
	if left {
		r.X += dx
		r.W -= dx
	}
	if right {
		r.W += dx
	}
	if top {
		r.Y += dy
		r.H -= dy
	}
	if bottom {
		r.H += dy
	}
	return geometry.Normalize(r)
}
