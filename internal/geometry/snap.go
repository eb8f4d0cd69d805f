/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package geometry

// Edge snapping for panel moves. Deterministic and UI-agnostic so the editor
// can apply it per frame and tests can assert exact results.

import "math"

// Guide is a line a moving rectangle snapped to.
// Vertical guides carry an x position, horizontal ones a y position.
type Guide struct {
	Vertical bool
	Pos      float64
}

// Snap aligns the edges of moving with the nearest edges of anchors (and the
// page borders) when they are closer than threshold. X and Y snap
// independently. A threshold <= 0 disables snapping.
func Snap(moving Rect, anchors []Rect, threshold float64) (Rect, []Guide) {
	if threshold <= 0 {
		return moving, nil
	}
	all := append(append(make([]Rect, 0, len(anchors)+1), anchors...), Full)

	bestDX, bestDY := math.Inf(1), math.Inf(1)
	var gx, gy Guide
	for _, a := range all {
		// left/right of moving against left/right of anchor, including abutting
		for _, pair := range [][2]float64{
			{moving.X, a.X}, {moving.Right(), a.Right()},
			{moving.X, a.Right()}, {moving.Right(), a.X},
		} {
			d := pair[1] - pair[0]
			if math.Abs(d) <= threshold && math.Abs(d) < math.Abs(bestDX) {
				bestDX = d
				gx = Guide{Vertical: true, Pos: pair[1]}
			}
		}
		for _, pair := range [][2]float64{
			{moving.Y, a.Y}, {moving.Bottom(), a.Bottom()},
			{moving.Y, a.Bottom()}, {moving.Bottom(), a.Y},
		} {
			d := pair[1] - pair[0]
			if math.Abs(d) <= threshold && math.Abs(d) < math.Abs(bestDY) {
				bestDY = d
				gy = Guide{Vertical: false, Pos: pair[1]}
			}
		}
	}

	out := moving
	var guides []Guide
	if !math.IsInf(bestDX, 1) {
		out.X += bestDX
		guides = append(guides, gx)
	}
	if !math.IsInf(bestDY, 1) {
		out.Y += bestDY
		guides = append(guides, gy)
	}
	if len(guides) > 0 {
		out = Translate(out, 0, 0)
	}
	return out, guides
}
