/*
Copyright 2025 The CloudPaste Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package fsindex maintains the filename search index: a per-mount
// table of filesystem entries with a trigram full-text shadow over
// entry name and path, fed by
// rebuild traversals and a dirty queue of write notifications. Search
// is strictly index-only; a mount that has not been indexed does not
// get traversed at query time.
//
// The index is derived data. It lives in its own SQLite file, never in
// the gateway database, and is excluded from backups: losing it costs
// one rebuild, nothing more.
package fsindex // import "cloudpaste.org/pkg/fsindex"

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"go4.org/syncutil"

	"cloudpaste.org/pkg/auth"
	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/mount"
	"cloudpaste.org/pkg/types"
)

// Tunables, overridable per call through RebuildConfig.
const (
	defaultBatchSize = 200
	defaultMaxDepth  = 16

	// dirtyRebuildThreshold is the dirty-queue length past which
	// draining costs more than starting over.
	dirtyRebuildThreshold = 5000
)

// MountState is the index lifecycle of one mount.
type MountState string

const (
	StateNotReady MountState = "not_ready"
	StateIndexing MountState = "indexing"
	StateReady    MountState = "ready"
	StateError    MountState = "error"
)

// Index owns the search database.
type Index struct {
	db     *sql.DB
	gate   *syncutil.Gate
	signer *auth.Signer
	router *mount.Router
	reg    *driver.Registry

	searchCache *searchCache
}

// Open opens (creating if needed) the index database at path. "" keeps
// it in memory, for tests.
func Open(ctx context.Context, path string, router *mount.Router, reg *driver.Registry, signer *auth.Signer) (*Index, error) {
	if path == "" {
		path = "file::memory:?mode=memory&cache=shared"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("fsindex: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return nil, fmt.Errorf("fsindex: %s: %w", pragma, err)
		}
	}
	ix := &Index{
		db:          db,
		gate:        syncutil.NewGate(1),
		signer:      signer,
		router:      router,
		reg:         reg,
		searchCache: newSearchCache(),
	}
	if err := ix.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return ix, nil
}

func (ix *Index) Close() error { return ix.db.Close() }

// schemaVersion stamps the index layout via PRAGMA user_version. The
// index is derived data, so a layout change drops the old tables and
// costs one rebuild instead of a migration.
const schemaVersion = 2

func (ix *Index) initSchema(ctx context.Context) error {
	var ver int
	if err := ix.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&ver); err != nil {
		return fmt.Errorf("fsindex: user_version: %w", err)
	}
	if ver != 0 && ver != schemaVersion {
		drops := []string{
			`DROP TRIGGER IF EXISTS fs_search_entries_ai`,
			`DROP TRIGGER IF EXISTS fs_search_entries_ad`,
			`DROP TRIGGER IF EXISTS fs_search_entries_au`,
			`DROP TABLE IF EXISTS fs_search_index_fts`,
			`DROP TABLE IF EXISTS fs_search_index_entries`,
			`DROP TABLE IF EXISTS fs_search_index_state`,
			`DROP TABLE IF EXISTS fs_search_index_dirty`,
		}
		for _, q := range drops {
			if _, err := ix.db.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("fsindex: schema: %w", err)
			}
		}
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fs_search_index_entries (
			mount_id     TEXT    NOT NULL,
			s3_key       TEXT    NOT NULL,
			name         TEXT    NOT NULL,
			path         TEXT    NOT NULL,
			size         INTEGER NOT NULL DEFAULT 0,
			type         INTEGER NOT NULL DEFAULT 0,
			modified_ms  INTEGER NOT NULL DEFAULT 0,
			is_directory INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (mount_id, s3_key)
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS fs_search_index_fts USING fts5(
			name,
			path,
			content='fs_search_index_entries',
			content_rowid='rowid',
			tokenize='trigram'
		)`,
		`CREATE TRIGGER IF NOT EXISTS fs_search_entries_ai AFTER INSERT ON fs_search_index_entries BEGIN
			INSERT INTO fs_search_index_fts(rowid, name, path) VALUES (new.rowid, new.name, new.path);
		END`,
		`CREATE TRIGGER IF NOT EXISTS fs_search_entries_ad AFTER DELETE ON fs_search_index_entries BEGIN
			INSERT INTO fs_search_index_fts(fs_search_index_fts, rowid, name, path) VALUES ('delete', old.rowid, old.name, old.path);
		END`,
		`CREATE TRIGGER IF NOT EXISTS fs_search_entries_au AFTER UPDATE ON fs_search_index_entries BEGIN
			INSERT INTO fs_search_index_fts(fs_search_index_fts, rowid, name, path) VALUES ('delete', old.rowid, old.name, old.path);
			INSERT INTO fs_search_index_fts(rowid, name, path) VALUES (new.rowid, new.name, new.path);
		END`,
		`CREATE TABLE IF NOT EXISTS fs_search_index_state (
			mount_id        TEXT PRIMARY KEY,
			state           TEXT NOT NULL,
			entry_count     INTEGER NOT NULL DEFAULT 0,
			last_rebuild_ms INTEGER NOT NULL DEFAULT 0,
			error           TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS fs_search_index_dirty (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			mount_id     TEXT    NOT NULL,
			s3_key       TEXT    NOT NULL,
			op           TEXT    NOT NULL,
			is_directory INTEGER NOT NULL DEFAULT 0,
			queued_ms    INTEGER NOT NULL
		)`,
	}
	for _, q := range stmts {
		if _, err := ix.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("fsindex: schema: %w", err)
		}
	}
	if _, err := ix.db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return fmt.Errorf("fsindex: user_version: %w", err)
	}
	return nil
}

func (ix *Index) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	ix.gate.Start()
	defer ix.gate.Done()
	return ix.db.ExecContext(ctx, q, args...)
}

func (ix *Index) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	ix.gate.Start()
	defer ix.gate.Done()
	return ix.db.QueryContext(ctx, q, args...)
}

func (ix *Index) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	ix.gate.Start()
	defer ix.gate.Done()
	return ix.db.QueryRowContext(ctx, q, args...)
}

// NoteWrite queues a dirty entry for a changed key. It satisfies
// vfs.IndexNotifier and never blocks the write path on index trouble.
func (ix *Index) NoteWrite(mountID, storageKey string, isDir, removed bool) {
	op := "upsert"
	if removed {
		op = "delete"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := ix.exec(ctx,
		`INSERT INTO fs_search_index_dirty (mount_id, s3_key, op, is_directory, queued_ms) VALUES (?, ?, ?, ?, ?)`,
		mountID, storageKey, op, boolInt(isDir), time.Now().UnixMilli())
	if err != nil {
		log.Printf("[fsindex] dirty enqueue %s %s/%s: %v", op, mountID, storageKey, err)
	}
	ix.searchCache.clear()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// State returns the index state of one mount, StateNotReady when it
// was never indexed.
func (ix *Index) State(ctx context.Context, mountID string) (MountState, error) {
	var s string
	err := ix.queryRow(ctx, `SELECT state FROM fs_search_index_state WHERE mount_id = ?`, mountID).Scan(&s)
	if err == sql.ErrNoRows {
		return StateNotReady, nil
	}
	if err != nil {
		return StateNotReady, err
	}
	return MountState(s), nil
}

func (ix *Index) setState(ctx context.Context, mountID string, state MountState, entryCount int, errMsg string) error {
	_, err := ix.exec(ctx, `
		INSERT INTO fs_search_index_state (mount_id, state, entry_count, last_rebuild_ms, error)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (mount_id) DO UPDATE SET
			state = excluded.state,
			entry_count = excluded.entry_count,
			last_rebuild_ms = excluded.last_rebuild_ms,
			error = excluded.error`,
		mountID, string(state), entryCount, time.Now().UnixMilli(), errMsg)
	return err
}

// DirtyCount returns the queue length.
func (ix *Index) DirtyCount(ctx context.Context) (int, error) {
	var n int
	err := ix.queryRow(ctx, `SELECT COUNT(*) FROM fs_search_index_dirty`).Scan(&n)
	return n, err
}

// MountStatus is one row of the status payload.
type MountStatus struct {
	MountID       string     `json:"mount_id"`
	MountPath     string     `json:"mount_path"`
	State         MountState `json:"state"`
	EntryCount    int        `json:"entryCount"`
	LastRebuildMs int64      `json:"lastRebuildMs,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Status is the index health summary served to admins.
type Status struct {
	Mounts            []MountStatus `json:"mounts"`
	DirtyCount        int           `json:"dirtyCount"`
	RecommendedAction string        `json:"recommendedAction"` // none|wait|apply-dirty|rebuild
	Reason            string        `json:"reason,omitempty"`
}

// Status reports per-mount states, the dirty backlog, and what the
// operator should do about it.
func (ix *Index) Status(ctx context.Context) (*Status, error) {
	mounts, err := ix.router.Visible(ctx, &auth.Identity{Admin: true})
	if err != nil {
		return nil, err
	}
	st := &Status{RecommendedAction: "none"}

	states := make(map[string]MountStatus)
	rows, err := ix.query(ctx, `SELECT mount_id, state, entry_count, last_rebuild_ms, error FROM fs_search_index_state`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var ms MountStatus
		var state string
		if err := rows.Scan(&ms.MountID, &state, &ms.EntryCount, &ms.LastRebuildMs, &ms.Error); err != nil {
			rows.Close()
			return nil, err
		}
		ms.State = MountState(state)
		states[ms.MountID] = ms
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var anyIndexing, anyNotReady bool
	for _, m := range mounts {
		ms, ok := states[m.ID]
		if !ok {
			ms = MountStatus{MountID: m.ID, State: StateNotReady}
		}
		ms.MountPath = m.MountPath
		st.Mounts = append(st.Mounts, ms)
		switch ms.State {
		case StateIndexing:
			anyIndexing = true
		case StateNotReady, StateError:
			anyNotReady = true
		}
	}

	st.DirtyCount, err = ix.DirtyCount(ctx)
	if err != nil {
		return nil, err
	}

	switch {
	case st.DirtyCount > dirtyRebuildThreshold:
		st.RecommendedAction, st.Reason = "rebuild", "dirty_too_large"
	case anyNotReady:
		st.RecommendedAction, st.Reason = "rebuild", "index_not_ready"
	case anyIndexing:
		st.RecommendedAction, st.Reason = "wait", "indexing"
	case st.DirtyCount > 0:
		st.RecommendedAction, st.Reason = "apply-dirty", "dirty_pending"
	}
	return st, nil
}

// upsertBatch writes a batch of entries in one transaction.
func (ix *Index) upsertBatch(ctx context.Context, mountID string, entries []types.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ix.gate.Start()
	defer ix.gate.Done()
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO fs_search_index_entries (mount_id, s3_key, name, path, size, type, modified_ms, is_directory)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (mount_id, s3_key) DO UPDATE SET
			name = excluded.name,
			path = excluded.path,
			size = excluded.size,
			type = excluded.type,
			modified_ms = excluded.modified_ms,
			is_directory = excluded.is_directory`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, mountID, e.Key, e.Name, e.Path, e.Size, int(e.Type), e.Modified.UnixMilli(), boolInt(e.IsDirectory)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// deletePrefix removes the entry at key and everything below it.
func (ix *Index) deletePrefix(ctx context.Context, mountID, key string) error {
	_, err := ix.exec(ctx,
		`DELETE FROM fs_search_index_entries WHERE mount_id = ? AND (s3_key = ? OR s3_key LIKE ? ESCAPE '\')`,
		mountID, key, likePrefix(key)+"/%")
	return err
}

// deleteMount drops every entry of a mount, for rebuilds and mount
// removal.
func (ix *Index) DeleteMount(ctx context.Context, mountID string) error {
	if _, err := ix.exec(ctx, `DELETE FROM fs_search_index_entries WHERE mount_id = ?`, mountID); err != nil {
		return err
	}
	if _, err := ix.exec(ctx, `DELETE FROM fs_search_index_dirty WHERE mount_id = ?`, mountID); err != nil {
		return err
	}
	_, err := ix.exec(ctx, `DELETE FROM fs_search_index_state WHERE mount_id = ?`, mountID)
	ix.searchCache.clear()
	return err
}

// likePrefix escapes LIKE metacharacters in a literal prefix.
func likePrefix(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

func (ix *Index) entryCount(ctx context.Context, mountID string) (int, error) {
	var n int
	err := ix.queryRow(ctx, `SELECT COUNT(*) FROM fs_search_index_entries WHERE mount_id = ?`, mountID).Scan(&n)
	return n, err
}
