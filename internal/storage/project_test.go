/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gocomicnarrator/internal/domain"
	"gocomicnarrator/internal/geometry"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 12))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func sampleProject(t *testing.T) domain.Project {
	return domain.Project{
		Name:     "Test Project",
		Chapters: []domain.Chapter{{ID: "c1", Name: "One", PageIDs: []string{"pg1"}, Status: domain.BatchPending}},
		Pages: []domain.Page{{
			ID: "pg1", ChapterID: "c1", Name: "1.png", MIME: "image/png", Width: 8, Height: 12,
			PanelIDs: []string{"p1"}, Source: pngBytes(t),
		}},
		Panels: []domain.Panel{{ID: "p1", PageID: "pg1", Rect: geometry.R(0, 0, 1, 0.5), Status: domain.PanelPending, GeomRev: 1}},
	}
}

func TestInitProjectCreatesStructureAndManifest(t *testing.T) {
	root := t.TempDir()
	ph, err := InitProject(root, sampleProject(t))
	if err != nil {
		t.Fatalf("InitProject error: %v", err)
	}
	b, err := os.ReadFile(ph.ManifestPath)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var got domain.Project
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if got.Name != "Test Project" {
		t.Fatalf("manifest name mismatch: got %q", got.Name)
	}
	if got.Pages[0].File != "pages/pg1.png" {
		t.Fatalf("page file = %q", got.Pages[0].File)
	}
	if bytes.Contains(b, []byte("source\"")) {
		t.Fatalf("raster bytes leaked into manifest")
	}
	for _, d := range []string{PagesDirName, ExportsDirName, BackupsDirName} {
		if fi, err := os.Stat(filepath.Join(root, d)); err != nil || !fi.IsDir() {
			t.Fatalf("expected directory %s to exist", d)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "pages", "pg1.png")); err != nil {
		t.Fatalf("page file missing: %v", err)
	}
}

func TestOpenLoadsPageSources(t *testing.T) {
	root := t.TempDir()
	proj := sampleProject(t)
	if _, err := InitProject(root, proj); err != nil {
		t.Fatalf("InitProject error: %v", err)
	}
	ph, err := Open(root)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if !bytes.Equal(ph.Project.Pages[0].Source, proj.Pages[0].Source) {
		t.Fatalf("page source not restored")
	}
	if ph.Recovered {
		t.Fatalf("healthy manifest reported as recovered")
	}
}

func TestSaveCreatesTimestampedBackup(t *testing.T) {
	root := t.TempDir()
	ph, err := InitProject(root, sampleProject(t))
	if err != nil {
		t.Fatalf("InitProject error: %v", err)
	}
	ph.Project.Metadata.Notes = "changed"
	if err := Save(ph); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if n := len(listBackups(filepath.Join(root, BackupsDirName))); n == 0 {
		t.Fatalf("expected at least one backup file, found 0")
	}
}

func TestPruneBackupsKeepsNewest(t *testing.T) {
	bdir := t.TempDir()
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("%s.2025010%d-000000.000.bak", ManifestFileName, i)
		if err := os.WriteFile(filepath.Join(bdir, name), []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	pruneBackups(bdir, 2)
	left := listBackups(bdir)
	if len(left) != 2 || !strings.Contains(left[0], "20250103") || !strings.Contains(left[1], "20250104") {
		t.Fatalf("left = %v", left)
	}
}

func TestOpenFallsBackToLatestBackupOnCorruption(t *testing.T) {
	root := t.TempDir()
	ph, err := InitProject(root, sampleProject(t))
	if err != nil {
		t.Fatalf("InitProject error: %v", err)
	}
	ph.Project.Metadata.Notes = "touch"
	if err := Save(ph); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if err := os.WriteFile(ph.ManifestPath, []byte("{ this is not json"), 0o644); err != nil {
		t.Fatalf("corrupt manifest: %v", err)
	}
	opened, err := Open(root)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if opened.Project.Name != "Test Project" || !opened.Recovered {
		t.Fatalf("opened = %+v recovered=%v", opened.Project.Name, opened.Recovered)
	}
	if len(opened.Project.Pages[0].Source) == 0 {
		t.Fatalf("page source not loaded from backup manifest")
	}
}

func TestOpenWithoutManifestOrBackups(t *testing.T) {
	if _, err := Open(t.TempDir()); err == nil {
		t.Fatalf("expected error for empty directory")
	}
}

func TestAutosaveCrashSnapshotWritesFile(t *testing.T) {
	root := t.TempDir()
	ph, err := InitProject(root, sampleProject(t))
	if err != nil {
		t.Fatalf("InitProject error: %v", err)
	}
	path, err := AutosaveCrashSnapshot(ph)
	if err != nil {
		t.Fatalf("AutosaveCrashSnapshot error: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var got domain.Project
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if got.Name != "Test Project" {
		t.Fatalf("snapshot content mismatch: got %q", got.Name)
	}
}
