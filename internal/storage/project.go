/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/h2non/filetype"

	"gocomicnarrator/internal/domain"
	applog "gocomicnarrator/internal/log"
)

const (
	ManifestFileName = "narrator.json"
	BackupsDirName   = "backups"
	PagesDirName     = "pages"
	ExportsDirName   = "exports"

	// MaxBackups is how many manifest backups are kept; older ones are pruned.
	MaxBackups = 20
)

var standardSubDirs = []string{
	PagesDirName,
	ExportsDirName,
	BackupsDirName,
}

// ProjectHandle keeps track of the project state loaded/saved from disk.
// Root is the project directory containing narrator.json and subfolders.
// Project holds the in-memory representation of the manifest; page rasters
// are loaded into Page.Source.
type ProjectHandle struct {
	Root         string
	ManifestPath string
	Project      domain.Project
	// Recovered is set when the manifest was unreadable and a backup was used.
	Recovered bool
}

// InitProject creates a new project directory at root (creating it if it doesn't exist),
// scaffolds the standard subfolders, writes page rasters to pages/ and the manifest transactionally.
func InitProject(root string, proj domain.Project) (*ProjectHandle, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("root path is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create project root: %w", err)
	}
	for _, d := range standardSubDirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, fmt.Errorf("create subdir %s: %w", d, err)
		}
	}
	ph := &ProjectHandle{
		Root:         root,
		ManifestPath: filepath.Join(root, ManifestFileName),
		Project:      proj,
	}
	if err := Save(ph); err != nil {
		return nil, err
	}
	return ph, nil
}

// Open loads an existing project from the given root directory.
// If the current manifest cannot be read or parsed, it will attempt last backup.
func Open(root string) (*ProjectHandle, error) {
	l := applog.WithOperation(applog.WithComponent("storage"), "open").With(slog.String("root", root))
	mpath := filepath.Join(root, ManifestFileName)
	ph := &ProjectHandle{Root: root, ManifestPath: mpath}
	b, err := os.ReadFile(mpath)
	if err == nil {
		err = json.Unmarshal(b, &ph.Project)
	}
	if err != nil {
		proj, berr := openFromLatestBackup(root)
		if berr != nil {
			return nil, fmt.Errorf("open manifest: %w; backup attempt: %v", err, berr)
		}
		l.Warn("manifest unreadable, using latest backup", slog.Any("err", err))
		ph.Project, ph.Recovered = *proj, true
	}
	if err := loadPages(root, ph.Project.Pages); err != nil {
		return nil, err
	}
	return ph, nil
}

// Save writes page rasters that are not yet on disk, then the manifest with
// transactional semantics and a timestamped backup of the previous manifest (if present).
func Save(ph *ProjectHandle) error {
	if ph == nil {
		return errors.New("nil ProjectHandle")
	}
	if ph.Root == "" || ph.ManifestPath == "" {
		return errors.New("invalid ProjectHandle: missing paths")
	}
	if err := savePages(ph.Root, ph.Project.Pages); err != nil {
		return err
	}
	data, err := json.MarshalIndent(ph.Project, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	data = append(data, '\n')

	bdir := filepath.Join(ph.Root, BackupsDirName)
	if err := os.MkdirAll(bdir, 0o755); err != nil {
		return fmt.Errorf("ensure backups dir: %w", err)
	}
	if _, statErr := os.Stat(ph.ManifestPath); statErr == nil {
		stamp := time.Now().Format("20060102-150405.000")
		bpath := filepath.Join(bdir, fmt.Sprintf("%s.%s.bak", ManifestFileName, stamp))
		if cerr := copyFile(ph.ManifestPath, bpath); cerr != nil {
			return fmt.Errorf("backup current manifest: %w", cerr)
		}
		pruneBackups(bdir, MaxBackups)
	}

	// Transactional write: to temp file in same directory, then rename over target
	dir := filepath.Dir(ph.ManifestPath)
	temp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d-%d", ManifestFileName, os.Getpid(), rand.Int()))
	if werr := writeFileSync(temp, data); werr != nil {
		return fmt.Errorf("write temp manifest: %w", werr)
	}
	// On Windows, replace by removing destination first if needed
	if _, err := os.Stat(ph.ManifestPath); err == nil {
		_ = os.Remove(ph.ManifestPath)
	}
	if rerr := os.Rename(temp, ph.ManifestPath); rerr != nil {
		_ = os.Remove(temp)
		return fmt.Errorf("replace manifest: %w", rerr)
	}
	return nil
}

// savePages assigns every page a file under pages/ and writes the ones that
// do not exist yet. Page files are immutable, so existing files are kept.
func savePages(root string, pages []domain.Page) error {
	if err := os.MkdirAll(filepath.Join(root, PagesDirName), 0o755); err != nil {
		return fmt.Errorf("ensure pages dir: %w", err)
	}
	for i := range pages {
		pg := &pages[i]
		if pg.File == "" {
			if len(pg.Source) == 0 {
				continue
			}
			pg.File = filepath.ToSlash(filepath.Join(PagesDirName, pg.ID+pageExt(pg.Source)))
		}
		path := filepath.Join(root, filepath.FromSlash(pg.File))
		if _, err := os.Stat(path); err == nil || len(pg.Source) == 0 {
			continue
		}
		if err := writeFileSync(path, pg.Source); err != nil {
			return fmt.Errorf("write page %s: %w", pg.Name, err)
		}
	}
	return nil
}

func loadPages(root string, pages []domain.Page) error {
	for i := range pages {
		pg := &pages[i]
		if pg.File == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(pg.File)))
		if err != nil {
			return fmt.Errorf("read page %s: %w", pg.Name, err)
		}
		pg.Source = data
	}
	return nil
}

func pageExt(data []byte) string {
	kind, err := filetype.Match(data)
	if err == nil && kind != filetype.Unknown && kind.Extension != "" {
		return "." + kind.Extension
	}
	return ".bin"
}

// writeFileSync writes data to a file, ensures it is flushed to disk.
func writeFileSync(path string, data []byte) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

// copyFile copies a file from src to dst (overwrites dst if exists).
func copyFile(src, dst string) (err error) {
	sf, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sf.Close(); err == nil {
			err = cerr
		}
	}()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	df, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := df.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := io.Copy(df, sf); err != nil {
		return err
	}
	return df.Sync()
}

func listBackups(bdir string) []string {
	ents, err := os.ReadDir(bdir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		if strings.HasPrefix(name, ManifestFileName+".") && strings.HasSuffix(name, ".bak") {
			out = append(out, filepath.Join(bdir, name))
		}
	}
	sort.Strings(out) // timestamp in name yields lexicographic order
	return out
}

func pruneBackups(bdir string, keep int) {
	all := listBackups(bdir)
	for len(all) > keep {
		_ = os.Remove(all[0])
		all = all[1:]
	}
}

// openFromLatestBackup tries the backups newest first.
func openFromLatestBackup(root string) (*domain.Project, error) {
	candidates := listBackups(filepath.Join(root, BackupsDirName))
	if len(candidates) == 0 {
		return nil, errors.New("no backups found")
	}
	var lastErr error
	for i := len(candidates) - 1; i >= 0; i-- {
		b, err := os.ReadFile(candidates[i])
		if err != nil {
			lastErr = err
			continue
		}
		var p domain.Project
		if err := json.Unmarshal(b, &p); err != nil {
			lastErr = fmt.Errorf("parse %s: %w", filepath.Base(candidates[i]), err)
			continue
		}
		return &p, nil
	}
	return nil, lastErr
}

// AutosaveCrashSnapshot writes the in-memory manifest to a timestamped file
// under backups/ without touching narrator.json. Page files are not written.
func AutosaveCrashSnapshot(ph *ProjectHandle) (string, error) {
	if ph == nil || ph.Root == "" {
		return "", errors.New("invalid ProjectHandle: missing root")
	}
	data, err := json.MarshalIndent(ph.Project, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	bdir := filepath.Join(ph.Root, BackupsDirName)
	if err := os.MkdirAll(bdir, 0o755); err != nil {
		return "", fmt.Errorf("ensure backups dir: %w", err)
	}
	stamp := time.Now().Format("20060102-150405.000")
	path := filepath.Join(bdir, fmt.Sprintf("%s.crash-%s.json", ManifestFileName, stamp))
	if err := writeFileSync(path, append(data, '\n')); err != nil {
		return "", fmt.Errorf("write crash snapshot: %w", err)
	}
	return path, nil
}
