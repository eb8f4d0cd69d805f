/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package ingest turns a folder of page images into a project. Every
// directory holding images becomes one chapter; chapters and pages are
// ordered by a natural sort of their names ("2" before "10").
package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
	"github.com/h2non/filetype"
	"github.com/maruel/natural"

	"gocomicnarrator/internal/domain"
	applog "gocomicnarrator/internal/log"
	"gocomicnarrator/internal/store"
)

// ErrNoPages is returned when a source holds no usable image.
var ErrNoPages = errors.New("no page images found")

// Skipped names a file that was not ingested and why.
type Skipped struct {
	Path   string
	Reason string
}

// Result is an ingested project plus the files left out.
type Result struct {
	Project domain.Project
	Skipped []Skipped
}

// Dir ingests root. Loose images directly in root form a chapter named after
// root itself; it ranks before the subdirectory chapters.
func Dir(root string) (Result, error) {
	log := applog.WithComponent("ingest")
	groups := map[string][]string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && len(d.Name()) > 0 && d.Name()[0] == '.' {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || d.Name()[0] == '.' {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return err
		}
		groups[rel] = append(groups[rel], path)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("scan %s: %w", root, err)
	}

	dirs := make([]string, 0, len(groups))
	for rel := range groups {
		if rel != "." {
			dirs = append(dirs, rel)
		}
	}
	sort.Sort(natural.StringSlice(dirs))
	if _, ok := groups["."]; ok {
		dirs = append([]string{"."}, dirs...)
	}

	var res Result
	for _, rel := range dirs {
		name := rel
		if rel == "." {
			name = filepath.Base(root)
		}
		ch := domain.Chapter{ID: store.NewID(), Name: name, Source: rel, Status: domain.BatchPending}
		files := groups[rel]
		sort.Sort(natural.StringSlice(files))
		for _, path := range files {
			data, err := os.ReadFile(path)
			if err != nil {
				return Result{}, fmt.Errorf("read %s: %w", path, err)
			}
			pg, err := NewPage(filepath.Base(path), data)
			if err != nil {
				log.Debug("skipping file", slog.String("path", path), slog.Any("err", err))
				res.Skipped = append(res.Skipped, Skipped{Path: path, Reason: err.Error()})
				continue
			}
			pg.ChapterID = ch.ID
			ch.PageIDs = append(ch.PageIDs, pg.ID)
			res.Project.Pages = append(res.Project.Pages, pg)
		}
		if len(ch.PageIDs) == 0 {
			continue
		}
		ch.Rank = len(res.Project.Chapters)
		res.Project.Chapters = append(res.Project.Chapters, ch)
	}
	if len(res.Project.Pages) == 0 {
		return res, fmt.Errorf("%s: %w", root, ErrNoPages)
	}
	res.Project.Name = filepath.Base(root)
	log.Info("ingested",
		slog.String("root", root),
		slog.Int("chapters", len(res.Project.Chapters)),
		slog.Int("pages", len(res.Project.Pages)),
		slog.Int("skipped", len(res.Skipped)))
	return res, nil
}

// NewPage sniffs the content type of data and reads its pixel size after
// applying any EXIF orientation. Files that are not decodable images are
// rejected.
func NewPage(name string, data []byte) (domain.Page, error) {
	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown || !filetype.IsImage(data) {
		return domain.Page{}, errors.New("not an image")
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return domain.Page{}, fmt.Errorf("unsupported %s image: %w", kind.MIME.Value, err)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return domain.Page{}, fmt.Errorf("empty %s image", kind.MIME.Value)
	}
	return domain.Page{
		ID:     store.NewID(),
		Name:   name,
		MIME:   kind.MIME.Value,
		Width:  b.Dx(),
		Height: b.Dy(),
		Source: data,
	}, nil
}
