/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package crop cuts panel images out of page rasters and keeps the store's
// crop artifacts in step with geometry edits.
package crop

import (
	"bytes"
	"image"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"gocomicnarrator/internal/geometry"
)

// Cropper renders the part of a page raster covered by a normalized rect.
type Cropper struct {
	Format imaging.Format
}

// New returns a PNG cropper. PNG output for the same pixels is byte-stable,
// which the artifact cache relies on.
func New() *Cropper { return &Cropper{Format: imaging.PNG} }

// Crop returns the encoded crop of img under r, or nil when r maps to zero
// pixels in either direction or encoding fails.
func (c *Cropper) Crop(img image.Image, r geometry.Rect) []byte {
	if img == nil {
		return nil
	}
	b := img.Bounds()
	x0, y0, x1, y1 := geometry.ToPixels(r, b.Dx(), b.Dy())
	if x1-x0 <= 0 || y1-y0 <= 0 {
		return nil
	}
	sub := imaging.Crop(img, image.Rect(b.Min.X+x0, b.Min.Y+y0, b.Min.X+x1, b.Min.Y+y1))
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, sub, c.Format); err != nil {
		return nil
	}
	return buf.Bytes()
}

// CropBytes decodes an encoded page and crops it.
func (c *Cropper) CropBytes(page []byte, r geometry.Rect) []byte {
	img, err := Decode(page)
	if err != nil {
		return nil
	}
	return c.Crop(img, r)
}

// Decode decodes an encoded page raster. EXIF orientation is honored so the
// crop lines up with what the user sees.
func Decode(data []byte) (image.Image, error) {
	return imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
}
