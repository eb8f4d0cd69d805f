/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package export

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gocomicnarrator/internal/store"
)

// CBZOptions controls CBZ export behavior.
type CBZOptions struct {
	// Languages limits the exported text and audio; empty means all.
	Languages []string
	// SkipMissing leaves out panels without a current crop instead of failing.
	SkipMissing bool
}

// Entry is one panel in narration.json.
type Entry struct {
	Index      int               `json:"index"`
	PanelID    string            `json:"panelId"`
	Page       string            `json:"page"`
	PageNo     int               `json:"pageNo"`
	Image      string            `json:"image"`
	Confidence float64           `json:"confidence"`
	Text       map[string]string `json:"text,omitempty"`
	KeyAction  string            `json:"keyAction,omitempty"`
	Dialogue   string            `json:"dialogue,omitempty"`
	Tone       string            `json:"tone,omitempty"`
	Audio      map[string]Clip   `json:"audio,omitempty"`
}

// Clip references a raw PCM file inside the archive.
type Clip struct {
	File       string `json:"file"`
	SampleRate int    `json:"sampleRate"`
	Voice      string `json:"voice,omitempty"`
}

// Narration is the narration.json document.
type Narration struct {
	Chapter string  `json:"chapter"`
	Series  string  `json:"series,omitempty"`
	Format  string  `json:"audioFormat"`
	Panels  []Entry `json:"panels"`
}

const pcmFormat = "s16le-mono"

// ExportChapterCBZ packages a chapter into a CBZ (ZIP) archive at outPath.
// Relative paths are placed under exportsDir.
func ExportChapterCBZ(ch store.ChapterExport, exportsDir, outPath string, opt CBZOptions) (string, error) {
	outPath = resolveOut(exportsDir, outPath, ".cbz")
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", fmt.Errorf("ensure out dir: %w", err)
	}
	f, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("create cbz: %w", err)
	}
	if err := WriteCBZ(f, ch, opt); err != nil {
		_ = f.Close()
		_ = os.Remove(outPath)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close cbz: %w", err)
	}
	return outPath, nil
}

// WriteCBZ writes the archive: one PNG per panel in reading order, raw PCM
// per language under audio/<lang>/, ComicInfo.xml and narration.json.
func WriteCBZ(w io.Writer, ch store.ChapterExport, opt CBZOptions) error {
	panels, err := exportable(ch, opt.SkipMissing)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(w)
	pad := padWidth(len(panels))
	doc := Narration{Chapter: ch.Chapter.Name, Series: ch.Metadata.Series, Format: pcmFormat}
	for i, p := range panels {
		name := fmt.Sprintf("%0*d", pad, i+1)
		e := Entry{
			Index:      i,
			PanelID:    p.Panel.ID,
			Page:       p.Page,
			PageNo:     p.PageNo,
			Image:      name + ".png",
			Confidence: p.Panel.Confidence,
			Text:       pickLanguages(p.Panel.Text, opt.Languages),
			KeyAction:  p.Panel.KeyAction,
			Dialogue:   p.Panel.Dialogue,
			Tone:       p.Panel.Tone,
		}
		if err := addZipFile(zw, e.Image, p.Crop); err != nil {
			return fmt.Errorf("zip add image: %w", err)
		}
		for _, lang := range sortedKeys(p.Audio) {
			if !wanted(lang, opt.Languages) {
				continue
			}
			a := p.Audio[lang]
			file := fmt.Sprintf("audio/%s/%s.pcm", lang, name)
			if err := addZipFile(zw, file, a.PCM); err != nil {
				return fmt.Errorf("zip add audio: %w", err)
			}
			if e.Audio == nil {
				e.Audio = map[string]Clip{}
			}
			e.Audio[lang] = Clip{File: file, SampleRate: a.SampleRate, Voice: a.Voice}
		}
		doc.Panels = append(doc.Panels, e)
	}

	manifest, err := buildComicInfoXML(ch, len(panels), opt.Languages)
	if err != nil {
		return fmt.Errorf("build manifest: %w", err)
	}
	if err := addZipFile(zw, "ComicInfo.xml", []byte(manifest)); err != nil {
		return fmt.Errorf("zip add manifest: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal narration: %w", err)
	}
	if err := addZipFile(zw, "narration.json", data); err != nil {
		return fmt.Errorf("zip add narration: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zip: %w", err)
	}
	return nil
}

func addZipFile(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func buildComicInfoXML(ch store.ChapterExport, pageCount int, langs []string) (string, error) {
	meta := ch.Metadata
	series := meta.Series
	if series == "" {
		series = ch.Chapter.Name
	}
	lang := ""
	if len(langs) > 0 {
		lang = langs[0]
	} else if len(meta.Languages) > 0 {
		lang = meta.Languages[0]
	}
	buf := &bytes.Buffer{}
	var werr error
	wf := func(format string, args ...any) {
		if werr != nil {
			return
		}
		_, werr = fmt.Fprintf(buf, format, args...)
	}
	wf("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n")
	wf("<ComicInfo xmlns:xsi=\"http://www.w3.org/2001/XMLSchema-instance\">\n")
	wf("  <Series>%s</Series>\n", xmlEsc(series))
	wf("  <Title>%s</Title>\n", xmlEsc(ch.Chapter.Name))
	wf("  <Number>%d</Number>\n", ch.Chapter.Rank+1)
	wf("  <PageCount>%d</PageCount>\n", pageCount)
	if meta.Creators != "" {
		wf("  <Writer>%s</Writer>\n", xmlEsc(meta.Creators))
	}
	if meta.Notes != "" {
		wf("  <Summary>%s</Summary>\n", xmlEsc(meta.Notes))
	}
	if lang != "" {
		wf("  <LanguageISO>%s</LanguageISO>\n", xmlEsc(lang))
	}
	wf("  <ReadingDirection>LeftToRight</ReadingDirection>\n")
	wf("</ComicInfo>\n")
	if werr != nil {
		return "", fmt.Errorf("build xml: %w", werr)
	}
	return buf.String(), nil
}

func xmlEsc(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")
	return r.Replace(s)
}

func resolveOut(exportsDir, outPath, ext string) string {
	if !filepath.IsAbs(outPath) && exportsDir != "" {
		outPath = filepath.Join(exportsDir, outPath)
	}
	if !strings.HasSuffix(strings.ToLower(outPath), ext) {
		outPath += ext
	}
	return outPath
}

func padWidth(n int) int {
	switch {
	case n >= 1000:
		return 4
	case n >= 100:
		return 3
	case n >= 10:
		return 2
	default:
		return 1
	}
}

func wanted(lang string, langs []string) bool {
	return len(langs) == 0 || slices.Contains(langs, lang)
}

func pickLanguages(text map[string]string, langs []string) map[string]string {
	if len(text) == 0 {
		return nil
	}
	out := make(map[string]string, len(text))
	for k, v := range text {
		if wanted(k, langs) {
			out[k] = v
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
