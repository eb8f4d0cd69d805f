/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package crash

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gocomicnarrator/internal/domain"
	"gocomicnarrator/internal/storage"
)

type liveProject struct{ name string }

func (l liveProject) Project() domain.Project { return domain.Project{Name: l.name} }

// TestRecoverWritesReportAndAutosave ensures Recover handles a panic, writes a report,
// autosaves the live project, and does not terminate the test process due to injected exitFn.
func TestRecoverWritesReportAndAutosave(t *testing.T) {
	// Capture stderr temporarily to avoid noisy test logs
	oldStderr := os.Stderr
	r, w, _ := os.Pipe()
	os.Stderr = w
	defer func() {
		_ = w.Close()
		os.Stderr = oldStderr
		_, _ = io.Copy(io.Discard, r)
	}()

	called := 0
	oldExit := exitFn
	exitFn = func(code int) { called = code }
	defer func() { exitFn = oldExit }()

	root := t.TempDir()
	ph := &storage.ProjectHandle{Root: root, ManifestPath: filepath.Join(root, storage.ManifestFileName)}

	func() {
		defer Recover(ph, liveProject{name: "live"})
		panic("boom")
	}()

	bdir := filepath.Join(root, storage.BackupsDirName)
	files, _ := os.ReadDir(bdir)
	var report, snapshot string
	for _, f := range files {
		switch {
		case strings.HasPrefix(f.Name(), "crash-") && strings.HasSuffix(f.Name(), ".log"):
			report = filepath.Join(bdir, f.Name())
		case strings.Contains(f.Name(), ".crash-"):
			snapshot = filepath.Join(bdir, f.Name())
		}
	}
	if report == "" || snapshot == "" {
		t.Fatalf("expected crash report and snapshot under backups dir, got %v", files)
	}
	b, err := os.ReadFile(report)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if !bytes.Contains(b, []byte("Panic: boom")) {
		t.Fatalf("report does not contain panic: %s", string(b))
	}
	b, err = os.ReadFile(snapshot)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var got domain.Project
	if err := json.Unmarshal(b, &got); err != nil || got.Name != "live" {
		t.Fatalf("snapshot = %q, %v", got.Name, err)
	}
	if called != 2 {
		t.Fatalf("expected exit code 2, got %d", called)
	}
}
