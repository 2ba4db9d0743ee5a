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
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cloudpaste.org/pkg/auth"
	"cloudpaste.org/pkg/driver"
	_ "cloudpaste.org/pkg/driver/memory"
	"cloudpaste.org/pkg/mount"
	"cloudpaste.org/pkg/types"
)

type fixedMounts []*types.Mount

func (f fixedMounts) ListMounts(ctx context.Context) ([]*types.Mount, error) { return f, nil }

type fixedConfigs map[string]*types.StorageConfig

func (f fixedConfigs) StorageConfig(ctx context.Context, id string) (*types.StorageConfig, error) {
	cfg, ok := f[id]
	if !ok {
		return nil, types.NewNotFound("storage config %q not found", id)
	}
	return cfg, nil
}

func admin() *auth.Identity { return &auth.Identity{Admin: true} }

type fixture struct {
	ix  *Index
	reg *driver.Registry
}

func newFixture(t *testing.T, mounts fixedMounts) *fixture {
	t.Helper()
	now := time.Now()
	cfgs := fixedConfigs{}
	for _, m := range mounts {
		cfgs[m.StorageConfigID] = &types.StorageConfig{
			ID: m.StorageConfigID, StorageType: "memory", Params: map[string]any{}, UpdatedAt: now,
		}
	}
	reg := driver.NewRegistry(cfgs)
	ix, err := Open(context.Background(), filepath.Join(t.TempDir(), "index.db"),
		mount.NewRouter(mounts), reg, auth.NewSigner("test-secret"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	return &fixture{ix: ix, reg: reg}
}

func (f *fixture) write(t *testing.T, cfgID, key, content string) {
	t.Helper()
	drv, _, err := f.reg.Driver(context.Background(), cfgID)
	if err != nil {
		t.Fatal(err)
	}
	if i := strings.LastIndexByte(key, '/'); i > 0 {
		if err := drv.Mkdir(context.Background(), key[:i]); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := drv.Write(context.Background(), key, strings.NewReader(content), driver.WriteOpts{Size: int64(len(content))}); err != nil {
		t.Fatal(err)
	}
}

func mkMount(id, path, cfg string) *types.Mount {
	return &types.Mount{ID: id, MountPath: path, StorageConfigID: cfg, IsActive: true}
}

func TestRebuildAndSearch(t *testing.T) {
	f := newFixture(t, fixedMounts{mkMount("m1", "/files", "s1")})
	ctx := context.Background()
	f.write(t, "s1", "docs/report-2026.pdf", "x")
	f.write(t, "s1", "docs/notes.txt", "x")
	f.write(t, "s1", "readme.md", "x")

	results, err := f.ix.Rebuild(ctx, RebuildConfig{}, nil)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if len(results) != 1 || results[0].Status != types.ItemSuccess {
		t.Fatalf("rebuild results = %+v", results)
	}
	if results[0].UpsertedCount != 4 { // docs/, 2 files in it, readme.md
		t.Errorf("upserted = %d, want 4", results[0].UpsertedCount)
	}
	if state, _ := f.ix.State(ctx, "m1"); state != StateReady {
		t.Fatalf("state = %q, want ready", state)
	}

	res, err := f.ix.Search(ctx, admin(), SearchReq{Query: "report"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !res.IndexReady || len(res.Entries) != 1 {
		t.Fatalf("search result = %+v", res)
	}
	if res.Entries[0].Path != "/files/docs/report-2026.pdf" {
		t.Errorf("hit path = %q", res.Entries[0].Path)
	}
}

func TestSearchMinQueryLength(t *testing.T) {
	f := newFixture(t, fixedMounts{mkMount("m1", "/files", "s1")})
	_, err := f.ix.Search(context.Background(), admin(), SearchReq{Query: "ab"})
	if !types.IsKind(err, types.KindInvalidInput) {
		t.Fatalf("short query: err = %v, want InvalidInput", err)
	}
}

func TestSearchGating(t *testing.T) {
	f := newFixture(t, fixedMounts{
		mkMount("m1", "/a", "s1"),
		mkMount("m2", "/b", "s2"),
		mkMount("m3", "/c", "s3"),
	})
	ctx := context.Background()
	f.write(t, "s1", "alpha-file.txt", "x")
	f.write(t, "s2", "alpha-too.txt", "x")

	// m1 ready, m2 indexing, m3 never indexed.
	if _, err := f.ix.Rebuild(ctx, RebuildConfig{MountIDs: []string{"m1"}}, nil); err != nil {
		t.Fatalf("Rebuild m1: %v", err)
	}
	if err := f.ix.setState(ctx, "m2", StateIndexing, 0, ""); err != nil {
		t.Fatal(err)
	}

	res, err := f.ix.Search(ctx, admin(), SearchReq{Query: "alpha", Scope: ScopeGlobal})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !res.IndexReady || !res.IndexPartial {
		t.Fatalf("ready/partial = %v/%v, want true/true", res.IndexReady, res.IndexPartial)
	}
	if len(res.SkippedMounts) != 2 {
		t.Fatalf("skipped = %+v", res.SkippedMounts)
	}
	for _, sm := range res.SkippedMounts {
		if sm.Reason != "index_not_ready" {
			t.Errorf("skip reason = %q", sm.Reason)
		}
	}
	if len(res.Entries) != 1 || res.Entries[0].Name != "alpha-file.txt" {
		t.Fatalf("entries = %+v", res.Entries)
	}
	if len(res.SearchableMounts) != 1 || res.SearchableMounts[0] != "m1" {
		t.Errorf("searchable mounts = %v, want [m1]", res.SearchableMounts)
	}

	// Scoped search against a non-ready mount answers with a hint, not
	// an error.
	res, err = f.ix.Search(ctx, admin(), SearchReq{Query: "alpha", Scope: ScopeMount, MountID: "m2"})
	if err != nil {
		t.Fatalf("scoped Search: %v", err)
	}
	if res.IndexReady || res.Hint == "" {
		t.Fatalf("scoped result = %+v", res)
	}
}

func TestSearchPathFragment(t *testing.T) {
	f := newFixture(t, fixedMounts{mkMount("m1", "/files", "s1")})
	ctx := context.Background()
	f.write(t, "s1", "archive-2024/notes.txt", "x")
	if _, err := f.ix.Rebuild(ctx, RebuildConfig{}, nil); err != nil {
		t.Fatal(err)
	}

	// "archive" appears only in the parent directory, so the file can
	// match through its path alone.
	res, err := f.ix.Search(ctx, admin(), SearchReq{Query: "archive"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	found := false
	for _, e := range res.Entries {
		if e.Name == "notes.txt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("path-only fragment missed notes.txt: %+v", res.Entries)
	}
}

func TestApplyDirty(t *testing.T) {
	f := newFixture(t, fixedMounts{mkMount("m1", "/files", "s1")})
	ctx := context.Background()
	f.write(t, "s1", "old.txt", "x")
	if _, err := f.ix.Rebuild(ctx, RebuildConfig{}, nil); err != nil {
		t.Fatal(err)
	}

	// A new file and a removed one, reported through the notifier.
	f.write(t, "s1", "fresh.txt", "x")
	f.ix.NoteWrite("m1", "fresh.txt", false, false)
	drv, _, _ := f.reg.Driver(ctx, "s1")
	if err := drv.Delete(ctx, "old.txt", false); err != nil {
		t.Fatal(err)
	}
	f.ix.NoteWrite("m1", "old.txt", false, true)

	if n, _ := f.ix.DirtyCount(ctx); n != 2 {
		t.Fatalf("dirty count = %d, want 2", n)
	}
	res, err := f.ix.ApplyDirty(ctx, DirtyConfig{})
	if err != nil {
		t.Fatalf("ApplyDirty: %v", err)
	}
	if res.Drained != 2 || res.Upserted != 1 || res.Deleted != 1 {
		t.Fatalf("dirty result = %+v", res)
	}
	if n, _ := f.ix.DirtyCount(ctx); n != 0 {
		t.Fatalf("queue not drained: %d", n)
	}

	sr, err := f.ix.Search(ctx, admin(), SearchReq{Query: "fresh"})
	if err != nil {
		t.Fatal(err)
	}
	if len(sr.Entries) != 1 {
		t.Fatalf("fresh not indexed: %+v", sr.Entries)
	}
	sr, err = f.ix.Search(ctx, admin(), SearchReq{Query: "old.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if len(sr.Entries) != 0 {
		t.Fatalf("old.txt still indexed: %+v", sr.Entries)
	}
}

func TestStatusRecommendations(t *testing.T) {
	f := newFixture(t, fixedMounts{mkMount("m1", "/files", "s1")})
	ctx := context.Background()

	st, err := f.ix.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.RecommendedAction != "rebuild" || st.Reason != "index_not_ready" {
		t.Fatalf("fresh status = %+v", st)
	}

	if _, err := f.ix.Rebuild(ctx, RebuildConfig{}, nil); err != nil {
		t.Fatal(err)
	}
	st, _ = f.ix.Status(ctx)
	if st.RecommendedAction != "none" {
		t.Fatalf("post-rebuild status = %+v", st)
	}

	f.ix.NoteWrite("m1", "x.txt", false, false)
	st, _ = f.ix.Status(ctx)
	if st.RecommendedAction != "apply-dirty" || st.Reason != "dirty_pending" {
		t.Fatalf("dirty status = %+v", st)
	}
}

func TestSearchCursorPagination(t *testing.T) {
	f := newFixture(t, fixedMounts{mkMount("m1", "/files", "s1")})
	ctx := context.Background()
	for _, name := range []string{"batch-a.txt", "batch-b.txt", "batch-c.txt"} {
		f.write(t, "s1", name, "x")
	}
	if _, err := f.ix.Rebuild(ctx, RebuildConfig{}, nil); err != nil {
		t.Fatal(err)
	}

	res, err := f.ix.Search(ctx, admin(), SearchReq{Query: "batch", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 2 || res.NextCursor == "" {
		t.Fatalf("page 1 = %+v", res)
	}
	res2, err := f.ix.Search(ctx, admin(), SearchReq{Query: "batch", Limit: 2, Cursor: res.NextCursor})
	if err != nil {
		t.Fatal(err)
	}
	if len(res2.Entries) != 1 || res2.NextCursor != "" {
		t.Fatalf("page 2 = %+v", res2)
	}

	// A cursor belongs to its query.
	if _, err := f.ix.Search(ctx, admin(), SearchReq{Query: "other", Limit: 2, Cursor: res.NextCursor}); !types.IsKind(err, types.KindInvalidInput) {
		t.Fatalf("cursor reuse: err = %v, want InvalidInput", err)
	}
	// A tampered cursor is rejected.
	if _, err := f.ix.Search(ctx, admin(), SearchReq{Query: "batch", Limit: 2, Cursor: res.NextCursor + "x"}); !types.IsKind(err, types.KindInvalidInput) {
		t.Fatalf("tampered cursor: err = %v, want InvalidInput", err)
	}
}
