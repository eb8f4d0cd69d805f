/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package ingest

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDirGroupsChaptersInNaturalOrder(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Saga")
	writePNG(t, filepath.Join(root, "cover.png"), 4, 6)
	writePNG(t, filepath.Join(root, "Chapter 10", "2.png"), 3, 2)
	writePNG(t, filepath.Join(root, "Chapter 10", "10.png"), 3, 2)
	writePNG(t, filepath.Join(root, "Chapter 10", "1.png"), 3, 2)
	writePNG(t, filepath.Join(root, "Chapter 2", "a.png"), 5, 7)
	writePNG(t, filepath.Join(root, ".thumbs", "x.png"), 1, 1)
	if err := os.WriteFile(filepath.Join(root, "Chapter 2", "notes.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "Chapter 2", "broken.jpg"), []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0x10}, 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := Dir(root)
	if err != nil {
		t.Fatalf("Dir: %v", err)
	}
	p := res.Project
	if p.Name != "Saga" {
		t.Fatalf("name = %q", p.Name)
	}
	var names []string
	for i, c := range p.Chapters {
		names = append(names, c.Name)
		if c.Rank != i {
			t.Fatalf("chapter %s rank %d at position %d", c.Name, c.Rank, i)
		}
	}
	if len(names) != 3 || names[0] != "Saga" || names[1] != "Chapter 2" || names[2] != "Chapter 10" {
		t.Fatalf("chapters = %v", names)
	}

	pages := map[string]string{}
	for _, pg := range p.Pages {
		pages[pg.ID] = pg.Name
		if pg.MIME != "image/png" || len(pg.Source) == 0 {
			t.Fatalf("page %+v", pg)
		}
	}
	var order []string
	for _, id := range p.Chapters[2].PageIDs {
		order = append(order, pages[id])
	}
	if len(order) != 3 || order[0] != "1.png" || order[1] != "2.png" || order[2] != "10.png" {
		t.Fatalf("page order = %v", order)
	}
	for _, pg := range p.Pages {
		if pg.Name == "a.png" && (pg.Width != 5 || pg.Height != 7 || pg.ChapterID != p.Chapters[1].ID) {
			t.Fatalf("a.png = %+v", pg)
		}
	}
	if len(res.Skipped) != 2 {
		t.Fatalf("skipped = %+v", res.Skipped)
	}
}

func TestDirWithoutImages(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "readme.md"), []byte("# hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Dir(root); !errors.Is(err, ErrNoPages) {
		t.Fatalf("expected ErrNoPages, got %v", err)
	}
}

func TestNewPageRejectsNonImages(t *testing.T) {
	if _, err := NewPage("x.txt", []byte("plain text")); err == nil {
		t.Fatalf("text must be rejected")
	}
	if _, err := NewPage("empty", nil); err == nil {
		t.Fatalf("empty data must be rejected")
	}
}

// orientedJPEG encodes a w x h JPEG carrying an EXIF orientation tag.
func orientedJPEG(t *testing.T, w, h int, orientation byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h)), nil); err != nil {
		t.Fatal(err)
	}
	exif := []byte("Exif\x00\x00")
	exif = append(exif, 'I', 'I', 0x2A, 0x00, 0x08, 0x00, 0x00, 0x00)
	exif = append(exif, 0x01, 0x00) // one IFD entry
	exif = append(exif, 0x12, 0x01, 0x03, 0x00, 0x01, 0x00, 0x00, 0x00, orientation, 0x00, 0x00, 0x00)
	exif = append(exif, 0x00, 0x00, 0x00, 0x00)
	n := len(exif) + 2
	app1 := append([]byte{0xFF, 0xE1, byte(n >> 8), byte(n)}, exif...)

	src := buf.Bytes()
	out := append([]byte{}, src[:2]...)
	out = append(out, app1...)
	return append(out, src[2:]...)
}

func TestNewPageAppliesExifOrientation(t *testing.T) {
	pg, err := NewPage("rotated.jpg", orientedJPEG(t, 8, 4, 6))
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	if pg.Width != 4 || pg.Height != 8 {
		t.Fatalf("size = %dx%d, want 4x8 after rotation", pg.Width, pg.Height)
	}
	pg, err = NewPage("upright.jpg", orientedJPEG(t, 8, 4, 1))
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	if pg.Width != 8 || pg.Height != 4 {
		t.Fatalf("size = %dx%d, want 8x4", pg.Width, pg.Height)
	}
}
