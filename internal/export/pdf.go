/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package export

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jung-kurt/gofpdf"

	"gocomicnarrator/internal/store"
)

// PDFOptions controls the narration script layout. Units are points (pt).
type PDFOptions struct {
	// Language selects the narration text; empty means the first project language.
	Language string
	// PageWidth and PageHeight default to A4.
	PageWidth  float64
	PageHeight float64
	Margin     float64
	// ImageHeight caps the height of each panel image.
	ImageHeight float64
	SkipMissing bool
}

func (o *PDFOptions) defaults(ch store.ChapterExport) {
	if o.PageWidth <= 0 || o.PageHeight <= 0 {
		o.PageWidth, o.PageHeight = 595, 842
	}
	if o.Margin <= 0 {
		o.Margin = 36
	}
	if o.ImageHeight <= 0 {
		o.ImageHeight = 300
	}
	if o.Language == "" && len(ch.Metadata.Languages) > 0 {
		o.Language = ch.Metadata.Languages[0]
	}
}

// ExportChapterPDF writes the narration script of a chapter to outPath.
// Relative paths are placed under exportsDir.
func ExportChapterPDF(ch store.ChapterExport, exportsDir, outPath string, opt PDFOptions) (string, error) {
	outPath = resolveOut(exportsDir, outPath, ".pdf")
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", fmt.Errorf("ensure out dir: %w", err)
	}
	var buf bytes.Buffer
	if err := WritePDF(&buf, ch, opt); err != nil {
		return "", err
	}
	if err := os.WriteFile(outPath, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write pdf: %w", err)
	}
	return outPath, nil
}

// WritePDF lays out one block per panel: a heading, the panel image scaled
// to fit, then the narration text with dialogue and tone notes.
func WritePDF(w io.Writer, ch store.ChapterExport, opt PDFOptions) error {
	panels, err := exportable(ch, opt.SkipMissing)
	if err != nil {
		return err
	}
	opt.defaults(ch)

	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		UnitStr: "pt",
		Size:    gofpdf.SizeType{Wd: opt.PageWidth, Ht: opt.PageHeight},
	})
	pdf.SetTitle(ch.Chapter.Name, true)
	if ch.Metadata.Creators != "" {
		pdf.SetAuthor(ch.Metadata.Creators, true)
	}
	pdf.SetCreator("Go Comic Narrator", false)
	pdf.SetMargins(opt.Margin, opt.Margin, opt.Margin)
	pdf.SetAutoPageBreak(true, opt.Margin)
	// Core fonts are cp1252; translate UTF-8 text for them.
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	contentW := opt.PageWidth - 2*opt.Margin

	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 18)
	pdf.MultiCell(contentW, 22, tr(ch.Chapter.Name), "", "L", false)
	if ch.Metadata.Series != "" {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(contentW, 14, tr(ch.Metadata.Series), "", "L", false)
	}
	pdf.Ln(8)

	for i, p := range panels {
		name := fmt.Sprintf("panel-%d", i+1)
		info := pdf.RegisterImageOptionsReader(name, gofpdf.ImageOptions{ImageType: "PNG", ReadDpi: false}, bytes.NewReader(p.Crop))
		if pdf.Err() {
			return fmt.Errorf("panel %s image: %w", p.Panel.ID, pdf.Error())
		}
		iw, ih := fitBox(info.Width(), info.Height(), contentW, opt.ImageHeight)
		// keep heading and image together
		if pdf.GetY()+20+ih > opt.PageHeight-opt.Margin {
			pdf.AddPage()
		}
		pdf.SetFont("Helvetica", "B", 12)
		pdf.CellFormat(contentW, 16, tr(fmt.Sprintf("Panel %d  (page %d, %s)", i+1, p.PageNo, p.Page)), "", 1, "L", false, 0, "")
		y := pdf.GetY()
		pdf.ImageOptions(name, opt.Margin, y, iw, ih, false, gofpdf.ImageOptions{ImageType: "PNG"}, 0, "")
		pdf.SetY(y + ih + 6)

		pdf.SetFont("Helvetica", "", 11)
		text := p.Panel.TextIn(opt.Language)
		if text == "" {
			pdf.SetFont("Helvetica", "I", 11)
			text = "(no narration)"
		}
		pdf.MultiCell(contentW, 14, tr(text), "", "L", false)
		if p.Panel.Dialogue != "" {
			pdf.SetFont("Helvetica", "I", 10)
			pdf.MultiCell(contentW, 13, tr("Dialogue: "+p.Panel.Dialogue), "", "L", false)
		}
		if p.Panel.Tone != "" {
			pdf.SetFont("Helvetica", "I", 10)
			pdf.MultiCell(contentW, 13, tr("Tone: "+p.Panel.Tone), "", "L", false)
		}
		pdf.Ln(10)
	}
	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

// fitBox scales w x h to fit inside maxW x maxH, keeping the aspect ratio.
func fitBox(w, h, maxW, maxH float64) (float64, float64) {
	if w <= 0 || h <= 0 {
		return maxW, maxH
	}
	s := maxW / w
	if h*s > maxH {
		s = maxH / h
	}
	return w * s, h * s
}
