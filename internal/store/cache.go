package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/nrel/hpcpipe/pkg/model"
)

// cacheSchema mirrors the teacher's idempotent IF-NOT-EXISTS migration
// style; unlike that store, this table is a derived, rebuildable view and
// never the source of truth for task state (SPEC_FULL.md §4.J).
var cacheSchema = []string{
	`CREATE TABLE IF NOT EXISTS task_cache (
		step            TEXT NOT NULL,
		tag             TEXT NOT NULL,
		state           TEXT NOT NULL,
		job_id          TEXT NOT NULL DEFAULT '',
		runtime_seconds REAL NOT NULL DEFAULT 0,
		host            TEXT NOT NULL DEFAULT '',
		output          TEXT NOT NULL DEFAULT '',
		artifact_mirror_url TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (step, tag)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_cache_state ON task_cache(state)`,
}

// Cache is a read-only, rebuildable SQLite materialized view over a
// FileStore's aggregate status file, used by the `status` CLI command to
// filter/sort quickly over large projects. Deleting the backing file is
// always safe; Rebuild regenerates it from the aggregate file's current
// contents.
type Cache struct {
	db       *sql.DB
	path     string
	lastMod  int64
}

// OpenCache opens (creating if absent) the SQLite cache file alongside a
// FileStore's status directory.
func OpenCache(projectDir string) (*Cache, error) {
	dir := filepath.Join(projectDir, ".status")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("status cache: create dir: %w", err)
	}
	path := filepath.Join(dir, "cache.sqlite")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("status cache: open: %w", err)
	}
	for _, stmt := range cacheSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("status cache: migrate: %w", err)
		}
	}
	return &Cache{db: db, path: path}, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Rebuild replaces the cache contents with the given step summaries,
// unconditionally; RebuildIfStale adds an mtime check in front of it.
// The cache is purely a derived read-side optimization.
func (c *Cache) Rebuild(summaries []StepSummary) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("status cache: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM task_cache`); err != nil {
		return fmt.Errorf("status cache: clear: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO task_cache(step, tag, state, job_id, runtime_seconds, host, output, artifact_mirror_url) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("status cache: prepare: %w", err)
	}
	defer stmt.Close()

	for _, summary := range summaries {
		for _, task := range summary.Tasks {
			if _, err := stmt.Exec(summary.Step, task.Tag, string(task.State), task.JobID, task.RuntimeSeconds, task.Host, task.Output, task.ArtifactMirrorURL); err != nil {
				return fmt.Errorf("status cache: insert: %w", err)
			}
		}
	}

	return tx.Commit()
}

// RebuildIfStale rebuilds the cache from the status file at aggregatePath
// only if that file's modification time differs from the one seen at this
// Cache's last rebuild. That time is held in memory only, so a newly
// opened Cache always rebuilds on its first call.
func (c *Cache) RebuildIfStale(aggregatePath string, summaries []StepSummary) error {
	info, err := os.Stat(aggregatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	mod := info.ModTime().UnixNano()
	if mod == c.lastMod {
		return nil
	}
	if err := c.Rebuild(summaries); err != nil {
		return err
	}
	c.lastMod = mod
	return nil
}

// ByState returns cached task rows in the given state, across all steps,
// ordered by step then tag.
func (c *Cache) ByState(state model.TaskState) ([]CachedTask, error) {
	rows, err := c.db.Query(`SELECT step, tag, state, job_id, runtime_seconds, host, output, artifact_mirror_url FROM task_cache WHERE state = ? ORDER BY step, tag`, string(state))
	if err != nil {
		return nil, fmt.Errorf("status cache: query: %w", err)
	}
	defer rows.Close()

	var out []CachedTask
	for rows.Next() {
		var t CachedTask
		if err := rows.Scan(&t.Step, &t.Tag, &t.State, &t.JobID, &t.RuntimeSeconds, &t.Host, &t.Output, &t.ArtifactMirrorURL); err != nil {
			return nil, fmt.Errorf("status cache: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CachedTask is one row of the Status Cache's materialized view.
type CachedTask struct {
	Step              string
	Tag               string
	State             string
	JobID             string
	RuntimeSeconds    float64
	Host              string
	Output            string
	ArtifactMirrorURL string
}
