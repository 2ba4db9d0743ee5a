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

package fsindex

import (
	"context"
	"time"

	"cloudpaste.org/pkg/auth"
	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

// RebuildConfig tunes a rebuild run. Zero values take the defaults.
type RebuildConfig struct {
	// MountIDs restricts the run; empty rebuilds every active mount.
	MountIDs []string `json:"mountIds,omitempty"`
	// MaxDepth stops the traversal below this directory depth.
	MaxDepth int `json:"maxDepth,omitempty"`
	// MaxMountsPerRun bounds one run; remaining mounts wait for the
	// next.
	MaxMountsPerRun int `json:"maxMountsPerRun,omitempty"`
	BatchSize       int `json:"batchSize,omitempty"`
}

func (c *RebuildConfig) defaults() {
	if c.MaxDepth <= 0 {
		c.MaxDepth = defaultMaxDepth
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
}

// MountProgress is the per-mount outcome of a rebuild, reported as the
// run goes.
type MountProgress struct {
	MountID         string `json:"mount_id"`
	MountPath       string `json:"mount_path"`
	Status          string `json:"status"` // processing|success|failed|skipped
	ScannedDirs     int    `json:"scannedDirs"`
	DiscoveredCount int    `json:"discoveredCount"`
	UpsertedCount   int    `json:"upsertedCount"`
	DurationMs      int64  `json:"durationMs"`
	Error           string `json:"error,omitempty"`
}

// ProgressFunc hears per-mount progress updates. May be nil.
type ProgressFunc func(MountProgress)

// Rebuild re-indexes mounts from scratch: mark indexing, traverse
// depth-first upserting batches, swap in the fresh entries, mark ready.
// A failed mount goes to the error state without touching the others.
func (ix *Index) Rebuild(ctx context.Context, cfg RebuildConfig, progress ProgressFunc) ([]MountProgress, error) {
	cfg.defaults()
	if progress == nil {
		progress = func(MountProgress) {}
	}

	mounts, err := ix.router.Visible(ctx, &auth.Identity{Admin: true})
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(cfg.MountIDs))
	for _, id := range cfg.MountIDs {
		want[id] = true
	}

	var results []MountProgress
	done := 0
	for _, m := range mounts {
		if len(want) > 0 && !want[m.ID] {
			continue
		}
		if cfg.MaxMountsPerRun > 0 && done >= cfg.MaxMountsPerRun {
			results = append(results, MountProgress{MountID: m.ID, MountPath: m.MountPath, Status: types.ItemSkipped})
			continue
		}
		done++
		mp := ix.rebuildMount(ctx, m, cfg, progress)
		results = append(results, mp)
		if err := ctx.Err(); err != nil {
			return results, err
		}
	}
	ix.searchCache.clear()
	return results, nil
}

func (ix *Index) rebuildMount(ctx context.Context, m *types.Mount, cfg RebuildConfig, progress ProgressFunc) MountProgress {
	start := time.Now()
	mp := MountProgress{MountID: m.ID, MountPath: m.MountPath, Status: "processing"}
	progress(mp)

	fail := func(err error) MountProgress {
		ix.setState(ctx, m.ID, StateError, 0, err.Error())
		mp.Status = types.ItemFailed
		mp.Error = err.Error()
		mp.DurationMs = time.Since(start).Milliseconds()
		progress(mp)
		return mp
	}

	if err := ix.setState(ctx, m.ID, StateIndexing, 0, ""); err != nil {
		return fail(err)
	}
	drv, _, err := ix.reg.Driver(ctx, m.StorageConfigID)
	if err != nil {
		return fail(err)
	}
	// Old entries go first so renames and deletes do not linger. Until
	// the walk finishes the mount is in indexing state and excluded
	// from search anyway.
	if _, err := ix.exec(ctx, `DELETE FROM fs_search_index_entries WHERE mount_id = ?`, m.ID); err != nil {
		return fail(err)
	}

	w := &walker{ix: ix, mount: m, drv: drv, batchSize: cfg.BatchSize, mp: &mp, progress: progress}
	if err := w.walk(ctx, "", cfg.MaxDepth); err != nil {
		return fail(err)
	}
	if err := w.flush(ctx); err != nil {
		return fail(err)
	}
	// The walk observed current state; dirty entries queued before it
	// are stale now.
	if _, err := ix.exec(ctx, `DELETE FROM fs_search_index_dirty WHERE mount_id = ? AND queued_ms < ?`, m.ID, start.UnixMilli()); err != nil {
		return fail(err)
	}

	count, err := ix.entryCount(ctx, m.ID)
	if err != nil {
		return fail(err)
	}
	if err := ix.setState(ctx, m.ID, StateReady, count, ""); err != nil {
		return fail(err)
	}
	mp.Status = types.ItemSuccess
	mp.UpsertedCount = count
	mp.DurationMs = time.Since(start).Milliseconds()
	progress(mp)
	return mp
}

// walker accumulates entries during a DFS and flushes them in batches.
type walker struct {
	ix        *Index
	mount     *types.Mount
	drv       driver.Driver
	batchSize int
	batch     []types.Entry
	mp        *MountProgress
	progress  ProgressFunc
}

func (w *walker) walk(ctx context.Context, key string, depthLeft int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mp.ScannedDirs++
	cursor := ""
	for {
		page, err := w.drv.List(ctx, key, driver.ListOpts{Cursor: cursor})
		if err != nil {
			return err
		}
		for _, e := range page.Entries {
			e.Path = w.subPath(e.Key)
			w.mp.DiscoveredCount++
			w.batch = append(w.batch, e)
			if len(w.batch) >= w.batchSize {
				if err := w.flush(ctx); err != nil {
					return err
				}
			}
			if e.IsDirectory && depthLeft > 1 {
				if err := w.walk(ctx, e.Key, depthLeft-1); err != nil {
					return err
				}
			}
		}
		if !page.Truncated || page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

func (w *walker) subPath(key string) string {
	if key == "" {
		return w.mount.MountPath
	}
	return w.mount.MountPath + "/" + key
}

func (w *walker) flush(ctx context.Context) error {
	if len(w.batch) == 0 {
		return nil
	}
	if err := w.ix.upsertBatch(ctx, w.mount.ID, w.batch); err != nil {
		return err
	}
	w.mp.UpsertedCount += len(w.batch)
	w.batch = w.batch[:0]
	w.progress(*w.mp)
	return nil
}

// DirtyConfig tunes an apply-dirty run.
type DirtyConfig struct {
	BatchSize int `json:"batchSize,omitempty"`
	// MaxItems stops the run after draining this many entries; the rest
	// wait for the next run. Zero drains everything.
	MaxItems int `json:"maxItems,omitempty"`
	// RebuildDirectorySubtree re-walks a dirty directory instead of
	// touching only its own row.
	RebuildDirectorySubtree *bool `json:"rebuildDirectorySubtree,omitempty"`
	MaxDepth                int   `json:"maxDepth,omitempty"`
}

// DirtyResult summarizes one apply-dirty run.
type DirtyResult struct {
	Drained  int `json:"drained"`
	Upserted int `json:"upserted"`
	Deleted  int `json:"deleted"`
	Failed   int `json:"failed"`
}

// ApplyDirty drains the dirty queue in FIFO order. Each entry is
// re-statted (or re-walked, for directories) against the live backend;
// a failing entry is dropped with a count rather than wedging the
// queue.
func (ix *Index) ApplyDirty(ctx context.Context, cfg DirtyConfig) (*DirtyResult, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	subtree := cfg.RebuildDirectorySubtree == nil || *cfg.RebuildDirectorySubtree

	res := &DirtyResult{}
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if cfg.MaxItems > 0 && res.Drained >= cfg.MaxItems {
			ix.searchCache.clear()
			return res, nil
		}
		n := cfg.BatchSize
		if cfg.MaxItems > 0 && cfg.MaxItems-res.Drained < n {
			n = cfg.MaxItems - res.Drained
		}
		rows, err := ix.query(ctx,
			`SELECT id, mount_id, s3_key, op, is_directory FROM fs_search_index_dirty ORDER BY id LIMIT ?`,
			n)
		if err != nil {
			return res, err
		}
		type dirtyRow struct {
			id      int64
			mountID string
			key     string
			op      string
			isDir   bool
		}
		var batch []dirtyRow
		for rows.Next() {
			var r dirtyRow
			var d int
			if err := rows.Scan(&r.id, &r.mountID, &r.key, &r.op, &d); err != nil {
				rows.Close()
				return res, err
			}
			r.isDir = d != 0
			batch = append(batch, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return res, err
		}
		if len(batch) == 0 {
			ix.searchCache.clear()
			return res, nil
		}

		for _, r := range batch {
			if err := ix.applyOne(ctx, r.mountID, r.key, r.op, r.isDir, subtree, cfg.MaxDepth); err != nil {
				res.Failed++
			} else if r.op == "delete" {
				res.Deleted++
			} else {
				res.Upserted++
			}
			if _, err := ix.exec(ctx, `DELETE FROM fs_search_index_dirty WHERE id = ?`, r.id); err != nil {
				return res, err
			}
			res.Drained++
		}
	}
}

func (ix *Index) applyOne(ctx context.Context, mountID, key, op string, isDir, subtree bool, maxDepth int) error {
	if op == "delete" {
		return ix.deletePrefix(ctx, mountID, key)
	}
	m, err := ix.router.MountByID(ctx, mountID)
	if err != nil {
		// The mount is gone; so are its entries.
		return ix.deletePrefix(ctx, mountID, key)
	}
	drv, _, err := ix.reg.Driver(ctx, m.StorageConfigID)
	if err != nil {
		return err
	}
	entry, err := drv.Stat(ctx, key)
	if types.IsKind(err, types.KindNotFound) {
		return ix.deletePrefix(ctx, mountID, key)
	}
	if err != nil {
		return err
	}
	entry.Path = mountSubPath(m, key)
	if err := ix.upsertBatch(ctx, mountID, []types.Entry{*entry}); err != nil {
		return err
	}
	if entry.IsDirectory && subtree {
		w := &walker{ix: ix, mount: m, drv: drv, batchSize: defaultBatchSize, mp: &MountProgress{}, progress: func(MountProgress) {}}
		if err := w.walk(ctx, key, maxDepth); err != nil {
			return err
		}
		return w.flush(ctx)
	}
	return nil
}

func mountSubPath(m *types.Mount, key string) string {
	if key == "" {
		return m.MountPath
	}
	return m.MountPath + "/" + key
}
