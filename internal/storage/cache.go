/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gocomicnarrator/internal/domain"
	applog "gocomicnarrator/internal/log"
	"gocomicnarrator/internal/store"
	"gocomicnarrator/internal/version"

	// Pure-Go SQLite driver (CGO-free)
	_ "modernc.org/sqlite"
)

const (
	// CacheDirName stores all per-project derived data under the project root.
	CacheDirName  = ".gcn"
	CacheFileName = "cache.sqlite"

	// schemaVersion tracks the local SQLite schema for the artifact cache.
	// Bump this when you perform breaking schema changes and add migrations.
	schemaVersion = 2

	opTimeout = 5 * time.Second
)

// CachePath returns the full path to the project's cache database file.
func CachePath(projectRoot string) string {
	return filepath.Join(projectRoot, CacheDirName, CacheFileName)
}

// Cache is the per-project artifact cache. Crops are evicted least recently
// used first once their total size exceeds the cap; audio rows are never
// evicted. Cache satisfies crop.Cache.
type Cache struct {
	db       *sql.DB
	path     string
	maxBytes int64
	now      func() time.Time
	// Rebuilt reports that the database was unusable and has been recreated.
	Rebuilt bool
}

// CacheOption customizes OpenCache.
type CacheOption func(*Cache)

// WithClock replaces time.Now for access stamps.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// OpenCache opens (creating if needed) the cache at .gcn/cache.sqlite. A
// database that fails to open or fails its integrity check is backed up and
// recreated empty. maxBytes <= 0 disables crop eviction.
func OpenCache(projectRoot string, maxBytes int64, opts ...CacheOption) (*Cache, error) {
	l := applog.WithOperation(applog.WithComponent("storage"), "cache_open").With(
		slog.String("root", projectRoot),
	)
	if strings.TrimSpace(projectRoot) == "" {
		return nil, errors.New("project root is required")
	}
	c := &Cache{path: CachePath(projectRoot), maxBytes: maxBytes, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	db, err := openCacheDB(c.path)
	if err == nil {
		if herr := checkHealth(db); herr != nil {
			_ = db.Close()
			err = herr
		}
	}
	if err != nil {
		l.Warn("cache unusable, rebuilding", slog.Any("err", err))
		backupCacheFile(c.path)
		for _, suffix := range []string{"", "-wal", "-shm"} {
			_ = os.Remove(c.path + suffix)
		}
		db, err = openCacheDB(c.path)
		if err != nil {
			return nil, fmt.Errorf("rebuild cache: %w", err)
		}
		c.Rebuilt = true
	}
	c.db = db
	l.Info("cache ready", slog.String("path", c.path))
	return c, nil
}

func openCacheDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create %s dir: %w", CacheDirName, err)
	}
	// Use a URI with shared cache and set busy timeout. Convert to forward slashes for SQLite URI.
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=busy_timeout(5000)", filepath.ToSlash(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	steps := []func(context.Context, *sql.DB) error{ensureMetaAndVersion, ensureCacheSchema, runMigrations}
	for _, step := range steps {
		if err := step(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

// checkHealth runs quick_check and probes the core tables.
func checkHealth(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	var chk string
	if err := db.QueryRowContext(ctx, `PRAGMA quick_check;`).Scan(&chk); err != nil {
		return fmt.Errorf("quick_check: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(chk), "ok") {
		return fmt.Errorf("quick_check: %s", chk)
	}
	for _, t := range []string{"crops", "audio"} {
		if _, err := db.ExecContext(ctx, "SELECT 1 FROM "+t+" LIMIT 1;"); err != nil {
			return fmt.Errorf("probe %s: %w", t, err)
		}
	}
	return nil
}

// backupCacheFile copies the current cache file into a timestamped backup in .gcn/backups.
func backupCacheFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	bdir := filepath.Join(filepath.Dir(path), BackupsDirName)
	_ = os.MkdirAll(bdir, 0o755)
	stamp := time.Now().Format("20060102-150405")
	_ = os.WriteFile(filepath.Join(bdir, fmt.Sprintf("%s.%s.bak", filepath.Base(path), stamp)), data, 0o644)
}

func ensureMetaAndVersion(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS version (
			id          INTEGER PRIMARY KEY CHECK(id=1),
			schema      INTEGER NOT NULL,
			app         TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);`,
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	appv := version.String()
	var curSchema int
	err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&curSchema)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Fresh databases start at schema 1 and are migrated forward.
		if _, err := db.ExecContext(ctx, `INSERT INTO version (id, schema, app, created_at, updated_at) VALUES(1, 1, ?, ?, ?)`, appv, now, now); err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read version: %w", err)
	default:
		if _, err := db.ExecContext(ctx, `UPDATE version SET app=?, updated_at=? WHERE id=1`, appv, now); err != nil {
			return fmt.Errorf("update version: %w", err)
		}
	}
	return nil
}

func ensureCacheSchema(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		// Rendered panel crops keyed by page and pixel rectangle.
		`CREATE TABLE IF NOT EXISTS crops (
			key         TEXT    PRIMARY KEY,
			blob        BLOB    NOT NULL,
			size        INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL,
			last_access INTEGER NOT NULL
		);`,
		// Narration clips, one per panel and language.
		`CREATE TABLE IF NOT EXISTS audio (
			panel_id      TEXT    NOT NULL,
			lang          TEXT    NOT NULL,
			status        TEXT    NOT NULL,
			digest        TEXT    NOT NULL,
			voice         TEXT,
			sample_rate   INTEGER NOT NULL DEFAULT 0,
			finish_reason TEXT,
			pcm           BLOB,
			PRIMARY KEY(panel_id, lang)
		);`,
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure cache schema: %w", err)
		}
	}
	return nil
}

// runMigrations applies incremental schema migrations up to schemaVersion.
func runMigrations(ctx context.Context, db *sql.DB) error {
	var cur int
	if err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&cur); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for cur < schemaVersion {
		next := cur + 1
		var stmts []string
		switch next {
		case 2:
			stmts = []string{`CREATE INDEX IF NOT EXISTS idx_crops_access ON crops(last_access);`}
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", next, err)
		}
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d stmt failed: %w", next, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE version SET schema=?, updated_at=? WHERE id=1`, next, time.Now().UTC().Format(time.RFC3339)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d update version: %w", next, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d commit: %w", next, err)
		}
		cur = next
	}
	return nil
}

// SchemaVersion reports the schema the open database is at.
func (c *Cache) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := c.db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&v)
	return v, err
}

func (c *Cache) Close() error { return c.db.Close() }

// GetCrop returns the cached crop for key and refreshes its access time.
func (c *Cache) GetCrop(key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	var blob []byte
	err := c.db.QueryRowContext(ctx, `SELECT blob FROM crops WHERE key=?`, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query crop: %w", err)
	}
	// touch
	_, _ = c.db.ExecContext(ctx, `UPDATE crops SET last_access=? WHERE key=?`, c.now().UnixNano(), key)
	return blob, true, nil
}

// PutCrop upserts a crop and enforces the size cap via LRU eviction.
func (c *Cache) PutCrop(key string, data []byte) error {
	if len(data) == 0 {
		return errors.New("empty crop")
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	now := c.now().UnixNano()
	_, err := c.db.ExecContext(ctx, `INSERT INTO crops(key,blob,size,updated_at,last_access)
		VALUES(?,?,?,?,?)
		ON CONFLICT(key) DO UPDATE SET blob=excluded.blob, size=excluded.size, updated_at=excluded.updated_at, last_access=excluded.last_access`,
		key, data, len(data), now, now)
	if err != nil {
		return fmt.Errorf("upsert crop: %w", err)
	}
	if c.maxBytes > 0 {
		return c.evictToFit(ctx, c.maxBytes)
	}
	return nil
}

// evictToFit deletes least-recently-used crops until total size <= capBytes.
func (c *Cache) evictToFit(ctx context.Context, capBytes int64) error {
	total, err := c.cropBytes(ctx)
	if err != nil {
		return err
	}
	if total <= capBytes {
		return nil
	}
	rows, err := c.db.QueryContext(ctx, `SELECT key, size FROM crops ORDER BY last_access ASC`)
	if err != nil {
		return fmt.Errorf("select victims: %w", err)
	}
	var victims []any
	cur := total
	for rows.Next() {
		var key string
		var sz int64
		if err := rows.Scan(&key, &sz); err != nil {
			_ = rows.Close()
			return err
		}
		victims = append(victims, key)
		cur -= sz
		if cur <= capBytes {
			break
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	// Close the cursor before writing; the pool holds a single connection.
	if err := rows.Close(); err != nil {
		return err
	}
	if len(victims) == 0 {
		return nil
	}
	q := `DELETE FROM crops WHERE key IN (?` + strings.Repeat(",?", len(victims)-1) + `)`
	if _, err := c.db.ExecContext(ctx, q, victims...); err != nil {
		return fmt.Errorf("evict delete: %w", err)
	}
	applog.WithComponent("storage").Debug("evicted crops", slog.Int("count", len(victims)), slog.Int64("bytes", total-cur))
	return nil
}

func (c *Cache) cropBytes(ctx context.Context) (int64, error) {
	var total int64
	if err := c.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size),0) FROM crops`).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum crop size: %w", err)
	}
	return total, nil
}

// TotalCropBytes returns total bytes held by cached crops.
func (c *Cache) TotalCropBytes(ctx context.Context) (int64, error) {
	return c.cropBytes(ctx)
}

// SaveAudio replaces the stored audio with the store's ready clips. Clips of
// deleted panels and clips whose text changed since rendering are dropped.
func (c *Cache) SaveAudio(ctx context.Context, s *store.Store) (int, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin audio save: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM audio`); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("clear audio: %w", err)
	}
	n := 0
	for _, id := range s.Snapshot().ReadingOrder() {
		for lang, a := range s.AudioAll(id) {
			if a.Status != domain.AudioReady || len(a.PCM) == 0 {
				continue
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO audio(panel_id,lang,status,digest,voice,sample_rate,finish_reason,pcm)
				VALUES(?,?,?,?,?,?,?,?)`,
				id, lang, string(a.Status), a.Digest, a.Voice, a.SampleRate, a.FinishReason, a.PCM)
			if err != nil {
				_ = tx.Rollback()
				return 0, fmt.Errorf("insert audio %s/%s: %w", id, lang, err)
			}
			n++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit audio save: %w", err)
	}
	return n, nil
}

// LoadAudio restores stored clips into s. Rows for panels s does not know are
// skipped. It returns the number of clips restored.
func (c *Cache) LoadAudio(ctx context.Context, s *store.Store) (int, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT panel_id, lang, status, digest, COALESCE(voice,''), sample_rate, COALESCE(finish_reason,''), pcm FROM audio`)
	if err != nil {
		return 0, fmt.Errorf("query audio: %w", err)
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var id, lang, status string
		var a domain.Audio
		if err := rows.Scan(&id, &lang, &status, &a.Digest, &a.Voice, &a.SampleRate, &a.FinishReason, &a.PCM); err != nil {
			return n, err
		}
		a.Status = domain.AudioStatus(status)
		if s.SetAudio(id, lang, a) {
			n++
		}
	}
	return n, rows.Err()
}
