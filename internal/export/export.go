/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package export packages narrated chapters: CBZ archives with panel
// images, audio and narration.json, a PDF narration script, and loose PNGs.
// Every exporter reads a store.ChapterExport, so outdated crops and audio
// never reach an archive.
package export

import (
	"fmt"
	"strings"

	"gocomicnarrator/internal/store"
)

// MissingCropsError reports panels whose crop is not current yet.
type MissingCropsError struct {
	PanelIDs []string
}

func (e *MissingCropsError) Error() string {
	return fmt.Sprintf("%d panels without current crop: %s", len(e.PanelIDs), strings.Join(e.PanelIDs, ", "))
}

// exportable returns the panels that can be packaged.
func exportable(ch store.ChapterExport, skipMissing bool) ([]store.ExportPanel, error) {
	if missing := ch.MissingCrops(); len(missing) > 0 && !skipMissing {
		return nil, &MissingCropsError{PanelIDs: missing}
	}
	out := make([]store.ExportPanel, 0, len(ch.Panels))
	for _, p := range ch.Panels {
		if p.Crop != nil {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("chapter %q has no exportable panels", ch.Chapter.Name)
	}
	return out, nil
}
