/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package detect proposes panel rectangles for a page by looking for light
// horizontal gutters between panels. Detection is advisory: it never fails,
// and a page without a usable signal yields one full-page panel.
package detect

import (
	"bytes"
	"image"
	"log/slog"

	// decoders for the formats comic scans come in
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"

	"gocomicnarrator/internal/geometry"
	applog "gocomicnarrator/internal/log"
)

const (
	GutterConfidence   = 0.9
	FallbackConfidence = 0.1
)

// Candidate is a proposed panel in reading order.
type Candidate struct {
	Rect       geometry.Rect
	Confidence float64
}

// Options tunes the gutter projection.
type Options struct {
	// WhiteThreshold is the mean row luminance (0..255) above which a row is
	// considered blank.
	WhiteThreshold int
	// MinGutterRows is the shortest run of blank rows accepted as a gutter.
	// Zero derives max(2, height/200).
	MinGutterRows int
	// MinPanelFraction drops spans shorter than this share of the page height.
	MinPanelFraction float64
	// SplitColumns runs the same projection vertically inside each row span
	// to separate side-by-side panels.
	SplitColumns bool
}

func DefaultOptions() Options {
	return Options{WhiteThreshold: 240, MinPanelFraction: 0.04}
}

type Detector struct {
	opts Options
	log  *slog.Logger
}

func New(opts Options) *Detector {
	d := DefaultOptions()
	if opts.WhiteThreshold > 0 {
		d.WhiteThreshold = opts.WhiteThreshold
	}
	if opts.MinGutterRows > 0 {
		d.MinGutterRows = opts.MinGutterRows
	}
	if opts.MinPanelFraction > 0 {
		d.MinPanelFraction = opts.MinPanelFraction
	}
	d.SplitColumns = opts.SplitColumns
	return &Detector{opts: d, log: applog.WithComponent("detect")}
}

// Fallback is the single full-page candidate used when detection finds nothing.
func Fallback() []Candidate {
	return []Candidate{{Rect: geometry.Full, Confidence: FallbackConfidence}}
}

// DetectBytes decodes an encoded raster and detects panels in it. Undecodable
// input degrades to the fallback.
func (d *Detector) DetectBytes(data []byte) []Candidate {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		d.log.Warn("decode failed, using full-page fallback", slog.Any("err", err))
		return Fallback()
	}
	return d.Detect(img)
}

// Detect returns panels in top-to-bottom (then left-to-right) order.
func (d *Detector) Detect(img image.Image) (out []Candidate) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("detector panic, using full-page fallback", slog.Any("panic", r))
			out = Fallback()
		}
	}()
	if img == nil {
		return Fallback()
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return Fallback()
	}
	gray := imaging.Grayscale(img)
	w, h := gray.Bounds().Dx(), gray.Bounds().Dy()

	rows := rowMeans(gray, 0, w, 0, h)
	spans, gutters := d.spans(rows, h)
	if gutters == 0 || len(spans) == 0 {
		d.log.Debug("no gutters found", slog.Int("w", w), slog.Int("h", h))
		return Fallback()
	}

	for _, s := range spans {
		y := float64(s[0]) / float64(h)
		sh := float64(s[1]-s[0]) / float64(h)
		row := geometry.Clamp(geometry.Rect{X: 0, Y: y, W: 1, H: sh})
		if !d.opts.SplitColumns {
			out = append(out, Candidate{Rect: row, Confidence: GutterConfidence})
			continue
		}
		cols := colMeans(gray, 0, w, s[0], s[1])
		cspans, cg := d.spans(cols, w)
		if cg == 0 || len(cspans) < 2 {
			out = append(out, Candidate{Rect: row, Confidence: GutterConfidence})
			continue
		}
		for _, c := range cspans {
			x := float64(c[0]) / float64(w)
			cw := float64(c[1]-c[0]) / float64(w)
			out = append(out, Candidate{
				Rect:       geometry.Clamp(geometry.Rect{X: x, Y: row.Y, W: cw, H: row.H}),
				Confidence: GutterConfidence,
			})
		}
	}
	if len(out) == 0 {
		return Fallback()
	}
	d.log.Debug("panels detected", slog.Int("count", len(out)))
	return out
}

// spans classifies each profile entry as light or dark, confirms light runs
// of at least minRun as gutters, and returns the [start,end) spans between
// confirmed gutters that are long enough to be panels. The second result is
// the number of confirmed gutters.
func (d *Detector) spans(profile []float64, length int) ([][2]int, int) {
	minRun := d.opts.MinGutterRows
	if minRun <= 0 {
		minRun = max(2, length/200)
	}
	minSpan := int(d.opts.MinPanelFraction * float64(length))
	if minSpan < 1 {
		minSpan = 1
	}
	thr := float64(d.opts.WhiteThreshold)

	var (
		out     [][2]int
		gutters int
		start   = 0 // start of the current content span
		runFrom = -1
	)
	flush := func(end int) {
		if end-start >= minSpan {
			out = append(out, [2]int{start, end})
		}
	}
	for i := 0; i <= len(profile); i++ {
		light := i < len(profile) && profile[i] > thr
		if light {
			if runFrom < 0 {
				runFrom = i
			}
			continue
		}
		if runFrom >= 0 {
			if i-runFrom >= minRun {
				gutters++
				flush(runFrom)
				start = i
			}
			runFrom = -1
		}
	}
	if start < len(profile) {
		flush(len(profile))
	}
	return out, gutters
}

func rowMeans(img *image.NRGBA, x0, x1, y0, y1 int) []float64 {
	out := make([]float64, 0, y1-y0)
	n := float64(x1 - x0)
	for y := y0; y < y1; y++ {
		var sum int
		off := y*img.Stride + x0*4
		for x := x0; x < x1; x++ {
			sum += int(img.Pix[off])
			off += 4
		}
		out = append(out, float64(sum)/n)
	}
	return out
}

func colMeans(img *image.NRGBA, x0, x1, y0, y1 int) []float64 {
	out := make([]float64, x1-x0)
	n := float64(y1 - y0)
	for y := y0; y < y1; y++ {
		off := y*img.Stride + x0*4
		for x := x0; x < x1; x++ {
			out[x-x0] += float64(img.Pix[off])
			off += 4
		}
	}
	for i := range out {
		out[i] /= n
	}
	return out
}
