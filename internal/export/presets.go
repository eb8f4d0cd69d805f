/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * Licensed under the Apache License, Version 2.0
 */

package export

import (
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"

	"gocomicnarrator/internal/store"
)

// PresetName represents a named export preset.
type PresetName string

const (
	// PresetReader produces an archive for comic readers.
	PresetReader PresetName = "reader"
	// PresetScript produces the narration script for review.
	PresetScript PresetName = "script"
	// PresetAll produces every format.
	PresetAll PresetName = "all"
)

// Formats.
const (
	FormatCBZ = "cbz"
	FormatPDF = "pdf"
	FormatPNG = "png"
)

// BatchOptions controls batch export across chapters and formats.
//
// Path semantics:
//   - If OutDir is empty or relative, outputs go under <exportsDir>/<OutDir or preset>/.
//   - CBZ and PDF outputs are named <nn>-<chapter>.cbz/pdf.
//   - PNG outputs go to png/<nn>-<chapter>/.
type BatchOptions struct {
	Preset      PresetName
	Formats     []string // allowed: cbz, pdf, png; empty means preset defaults
	Chapters    []string // chapter IDs; empty means all chapters
	Languages   []string
	SkipMissing bool
	OutDir      string
}

// Source is the store surface batch export reads from.
type Source interface {
	Snapshot() *store.State
	ExportChapter(chapterID string) (store.ChapterExport, error)
}

// BatchExport runs exports according to the given preset. A failing chapter
// does not stop the others; all failures are returned together with the
// paths written.
func BatchExport(src Source, exportsDir string, opt BatchOptions) ([]string, error) {
	formats := opt.Formats
	if len(formats) == 0 {
		formats = presetDefaultFormats(opt.Preset)
	}
	for i := range formats {
		formats[i] = strings.ToLower(strings.TrimSpace(formats[i]))
		switch formats[i] {
		case FormatCBZ, FormatPDF, FormatPNG:
		default:
			return nil, fmt.Errorf("unknown format: %s", formats[i])
		}
	}

	baseOut := opt.OutDir
	if baseOut == "" {
		baseOut = string(opt.Preset)
	}
	if !filepath.IsAbs(baseOut) {
		baseOut = filepath.Join(exportsDir, baseOut)
	}

	chapters := opt.Chapters
	if len(chapters) == 0 {
		for _, c := range src.Snapshot().Chapters() {
			chapters = append(chapters, c.ID)
		}
	}
	if len(chapters) == 0 {
		return nil, fmt.Errorf("project has no chapters")
	}

	lang := ""
	if len(opt.Languages) > 0 {
		lang = opt.Languages[0]
	}
	var written []string
	var errs error
	for _, id := range chapters {
		ch, err := src.ExportChapter(id)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		stem := fmt.Sprintf("%02d-%s", ch.Chapter.Rank+1, fileSafe(ch.Chapter.Name))
		for _, f := range formats {
			var out []string
			var err error
			switch f {
			case FormatCBZ:
				var p string
				p, err = ExportChapterCBZ(ch, baseOut, stem+".cbz", CBZOptions{Languages: opt.Languages, SkipMissing: opt.SkipMissing})
				out = append(out, p)
			case FormatPDF:
				var p string
				p, err = ExportChapterPDF(ch, baseOut, stem+".pdf", PDFOptions{Language: lang, SkipMissing: opt.SkipMissing})
				out = append(out, p)
			case FormatPNG:
				out, err = ExportChapterPNGs(ch, baseOut, filepath.Join("png", stem), PNGOptions{SkipMissing: opt.SkipMissing})
			}
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s chapter %q: %w", f, ch.Chapter.Name, err))
				continue
			}
			written = append(written, out...)
		}
	}
	return written, errs
}

func presetDefaultFormats(p PresetName) []string {
	switch p {
	case PresetScript:
		return []string{FormatPDF}
	case PresetAll:
		return []string{FormatCBZ, FormatPDF, FormatPNG}
	default:
		return []string{FormatCBZ}
	}
}
