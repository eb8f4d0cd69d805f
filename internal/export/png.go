/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package export

import (
	"fmt"
	"os"
	"path/filepath"

	"gocomicnarrator/internal/store"
)

// PNGOptions controls loose panel image export.
type PNGOptions struct {
	SkipMissing bool
}

// ExportChapterPNGs writes each panel crop as <chapter>-panel-<n>.png into
// outDir. Relative directories are placed under exportsDir. It returns the
// written paths in reading order.
func ExportChapterPNGs(ch store.ChapterExport, exportsDir, outDir string, opt PNGOptions) ([]string, error) {
	panels, err := exportable(ch, opt.SkipMissing)
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(outDir) && exportsDir != "" {
		outDir = filepath.Join(exportsDir, outDir)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure out dir: %w", err)
	}
	pad := padWidth(len(panels))
	base := fileSafe(ch.Chapter.Name)
	out := make([]string, 0, len(panels))
	for i, p := range panels {
		path := filepath.Join(outDir, fmt.Sprintf("%s-panel-%0*d.png", base, pad, i+1))
		if err := os.WriteFile(path, p.Crop, 0o644); err != nil {
			return out, fmt.Errorf("write png: %w", err)
		}
		out = append(out, path)
	}
	return out, nil
}

// fileSafe replaces characters that are awkward in file names.
func fileSafe(name string) string {
	b := []byte(name)
	for i, c := range b {
		switch c {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			b[i] = '_'
		}
	}
	if len(b) == 0 {
		return "chapter"
	}
	return string(b)
}
