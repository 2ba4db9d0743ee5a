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

package jobs

import (
	"context"
	"encoding/json"
	"sync"

	"go4.org/syncutil"

	"cloudpaste.org/pkg/auth"
	"cloudpaste.org/pkg/fsindex"
	"cloudpaste.org/pkg/types"
	"cloudpaste.org/pkg/vfs"
)

// CopyItemSpec is one source/target pair of a copy job.
type CopyItemSpec struct {
	SourcePath string `json:"sourcePath"`
	TargetPath string `json:"targetPath"`
}

// CopyPayload is the payload of a "copy" job. The submitting handler
// has already checked the caller's reach over every path, so the
// worker runs unscoped.
type CopyPayload struct {
	Items   []CopyItemSpec `json:"items"`
	Options struct {
		SkipExisting   bool `json:"skipExisting,omitempty"`
		MaxConcurrency int  `json:"maxConcurrency,omitempty"`
	} `json:"options"`
}

const maxCopyConcurrency = 8

// CopyHandler copies items across the VFS, cross-mount included.
func CopyHandler(fs *vfs.FS) Handler {
	return Handler{
		Kind:         KindCopy,
		Concurrency:  2,
		Run:          func(ctx context.Context, rc *Run) error { return runCopy(ctx, fs, rc) },
		RetryPayload: copyRetryPayload,
	}
}

func runCopy(ctx context.Context, fs *vfs.FS, rc *Run) error {
	var p CopyPayload
	if err := json.Unmarshal(rc.Job.Payload, &p); err != nil {
		return types.NewInvalidInput("bad copy payload: %v", err)
	}
	if len(p.Items) == 0 {
		return types.NewInvalidInput("copy job has no items")
	}
	conc := p.Options.MaxConcurrency
	if conc <= 0 {
		conc = 1
	}
	if conc > maxCopyConcurrency {
		conc = maxCopyConcurrency
	}
	rc.SetTotals(ctx, len(p.Items), 0)

	id := &auth.Identity{Admin: true}
	gate := syncutil.NewGate(conc)
	var wg sync.WaitGroup
	for _, item := range p.Items {
		if ctx.Err() != nil {
			break
		}
		item := item
		gate.Start()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer gate.Done()
			res := types.ItemResult{SourcePath: item.SourcePath, TargetPath: item.TargetPath}
			if p.Options.SkipExisting {
				if _, err := fs.Get(ctx, id, item.TargetPath, ""); err == nil {
					res.Status = types.ItemSkipped
					rc.Item(ctx, res)
					return
				}
			}
			n, err := fs.CopyItem(ctx, id, item.SourcePath, item.TargetPath)
			if err != nil {
				res.Status = types.ItemFailed
				res.Error = err.Error()
			} else {
				res.Status = types.ItemSuccess
				rc.AddBytes(ctx, n)
			}
			rc.Item(ctx, res)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func copyRetryPayload(payload json.RawMessage, failed []types.ItemResult) (json.RawMessage, error) {
	var p CopyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, types.NewInvalidInput("bad copy payload: %v", err)
	}
	want := make(map[string]bool, len(failed))
	for _, f := range failed {
		want[f.SourcePath] = true
	}
	var keep []CopyItemSpec
	for _, it := range p.Items {
		if want[it.SourcePath] {
			keep = append(keep, it)
		}
	}
	p.Items = keep
	return json.Marshal(p)
}

// RebuildPayload is the payload of an "fs_index_rebuild" job.
type RebuildPayload struct {
	MountIDs []string `json:"mountIds,omitempty"`
	Options  struct {
		BatchSize       int `json:"batchSize,omitempty"`
		MaxDepth        int `json:"maxDepth,omitempty"`
		MaxMountsPerRun int `json:"maxMountsPerRun,omitempty"`
	} `json:"options"`
}

// RebuildHandler runs full index rebuilds, one mount at a time.
func RebuildHandler(ix *fsindex.Index) Handler {
	return Handler{
		Kind:        KindIndexRebuild,
		Concurrency: 1,
		Run: func(ctx context.Context, rc *Run) error {
			var p RebuildPayload
			if len(rc.Job.Payload) > 0 {
				if err := json.Unmarshal(rc.Job.Payload, &p); err != nil {
					return types.NewInvalidInput("bad rebuild payload: %v", err)
				}
			}
			cfg := fsindex.RebuildConfig{
				MountIDs:        p.MountIDs,
				BatchSize:       p.Options.BatchSize,
				MaxDepth:        p.Options.MaxDepth,
				MaxMountsPerRun: p.Options.MaxMountsPerRun,
			}
			_, err := ix.Rebuild(ctx, cfg, func(mp fsindex.MountProgress) {
				switch mp.Status {
				case types.ItemSuccess, types.ItemFailed, types.ItemSkipped:
					rc.Item(ctx, types.ItemResult{SourcePath: mp.MountPath, Status: mp.Status, Error: mp.Error})
				default:
					rc.Flush(ctx)
				}
			})
			return err
		},
	}
}

// ApplyDirtyPayload is the payload of an "fs_index_apply_dirty" job.
type ApplyDirtyPayload struct {
	Options struct {
		BatchSize               int   `json:"batchSize,omitempty"`
		MaxItems                int   `json:"maxItems,omitempty"`
		RebuildDirectorySubtree *bool `json:"rebuildDirectorySubtree,omitempty"`
		MaxDepth                int   `json:"maxDepth,omitempty"`
	} `json:"options"`
}

// ApplyDirtyHandler drains the index dirty queue.
func ApplyDirtyHandler(ix *fsindex.Index) Handler {
	return Handler{
		Kind:        KindApplyDirty,
		Concurrency: 1,
		Run: func(ctx context.Context, rc *Run) error {
			var p ApplyDirtyPayload
			if len(rc.Job.Payload) > 0 {
				if err := json.Unmarshal(rc.Job.Payload, &p); err != nil {
					return types.NewInvalidInput("bad apply-dirty payload: %v", err)
				}
			}
			res, err := ix.ApplyDirty(ctx, fsindex.DirtyConfig{
				BatchSize:               p.Options.BatchSize,
				MaxItems:                p.Options.MaxItems,
				RebuildDirectorySubtree: p.Options.RebuildDirectorySubtree,
				MaxDepth:                p.Options.MaxDepth,
			})
			if res != nil {
				rc.mu.Lock()
				rc.Job.Stats.TotalItems = res.Drained
				rc.Job.Stats.ProcessedItems = res.Drained
				rc.Job.Stats.SuccessCount = res.Upserted + res.Deleted
				rc.Job.Stats.FailedCount = res.Failed
				rc.mu.Unlock()
				rc.Flush(ctx)
			}
			return err
		},
	}
}
