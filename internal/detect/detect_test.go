/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package detect

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"gocomicnarrator/internal/geometry"
)

// page returns a w x h white page with the given dark blocks [x0,y0,x1,y1).
func page(w, h int, blocks ...[4]int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	for _, b := range blocks {
		for y := b[1]; y < b[3]; y++ {
			for x := b[0]; x < b[2]; x++ {
				img.SetGray(x, y, color.Gray{Y: 30})
			}
		}
	}
	return img
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestDetectTwoRowPanels(t *testing.T) {
	img := page(100, 400, [4]int{0, 20, 100, 180}, [4]int{0, 220, 100, 380})
	got := New(Options{}).Detect(img)
	if len(got) != 2 {
		t.Fatalf("expected 2 panels, got %d: %+v", len(got), got)
	}
	want := []geometry.Rect{geometry.R(0, 0.05, 1, 0.4), geometry.R(0, 0.55, 1, 0.4)}
	for i, c := range got {
		r := c.Rect
		if !near(r.X, want[i].X) || !near(r.Y, want[i].Y) || !near(r.W, want[i].W) || !near(r.H, want[i].H) {
			t.Fatalf("panel %d = %+v, want %+v", i, r, want[i])
		}
		if c.Confidence != GutterConfidence {
			t.Fatalf("confidence = %v", c.Confidence)
		}
	}
}

func TestDetectUniformGrayFallsBack(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 120, 200))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	got := New(Options{}).Detect(img)
	if len(got) != 1 || got[0].Rect != geometry.Full {
		t.Fatalf("expected single full-page panel, got %+v", got)
	}
	if got[0].Confidence != FallbackConfidence {
		t.Fatalf("fallback confidence = %v", got[0].Confidence)
	}
}

func TestDetectBlankPageFallsBack(t *testing.T) {
	got := New(Options{}).Detect(page(50, 50))
	if len(got) != 1 || got[0].Rect != geometry.Full {
		t.Fatalf("expected fallback, got %+v", got)
	}
}

func TestSingleLightRowIsNoise(t *testing.T) {
	img := page(100, 400, [4]int{0, 20, 100, 180}, [4]int{0, 181, 100, 380})
	got := New(Options{}).Detect(img)
	if len(got) != 1 {
		t.Fatalf("a single light row must not split a panel: %+v", got)
	}
}

func TestSliversAreDiscarded(t *testing.T) {
	// a 3px dark line in the middle of a gutter is not a panel
	img := page(100, 400, [4]int{0, 20, 100, 180}, [4]int{0, 199, 100, 202}, [4]int{0, 220, 100, 380})
	got := New(Options{}).Detect(img)
	if len(got) != 2 {
		t.Fatalf("expected sliver to be dropped, got %+v", got)
	}
}

func TestSplitColumns(t *testing.T) {
	img := page(200, 100, [4]int{10, 10, 90, 90}, [4]int{110, 10, 190, 90})
	got := New(Options{SplitColumns: true}).Detect(img)
	if len(got) != 2 {
		t.Fatalf("expected 2 column panels, got %+v", got)
	}
	if !near(got[0].Rect.X, 0.05) || !near(got[1].Rect.X, 0.55) || !near(got[0].Rect.W, 0.4) {
		t.Fatalf("columns = %+v", got)
	}
	if !near(got[0].Rect.Y, 0.1) || !near(got[0].Rect.H, 0.8) {
		t.Fatalf("column rows = %+v", got[0].Rect)
	}
}

func TestDetectBytes(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, page(100, 400, [4]int{0, 20, 100, 180}, [4]int{0, 220, 100, 380})); err != nil {
		t.Fatalf("encode: %v", err)
	}
	d := New(Options{})
	if got := d.DetectBytes(buf.Bytes()); len(got) != 2 {
		t.Fatalf("expected 2 panels from png, got %d", len(got))
	}
	if got := d.DetectBytes([]byte("not an image")); len(got) != 1 || got[0].Rect != geometry.Full {
		t.Fatalf("garbage must degrade to fallback: %+v", got)
	}
}

func TestDetectNilImage(t *testing.T) {
	if got := New(Options{}).Detect(nil); len(got) != 1 {
		t.Fatalf("nil image must degrade to fallback")
	}
}
