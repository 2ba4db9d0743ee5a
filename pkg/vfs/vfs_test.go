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

package vfs

import (
	"context"
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

type fixedMeta map[string]*types.DirectoryMeta

func (f fixedMeta) FSMetaChain(ctx context.Context, path string) ([]*types.DirectoryMeta, error) {
	// Root-down chain of metas whose path is a prefix of path.
	var chain []*types.DirectoryMeta
	for _, p := range []string{"/", path} {
		if m, ok := f[p]; ok {
			chain = append(chain, m)
		}
	}
	return chain, nil
}

func admin() *auth.Identity { return &auth.Identity{Admin: true} }

func testFS(t *testing.T, mounts fixedMounts, meta MetaSource) *FS {
	t.Helper()
	now := time.Now()
	cfgs := fixedConfigs{}
	for _, m := range mounts {
		cfgs[m.StorageConfigID] = &types.StorageConfig{
			ID:          m.StorageConfigID,
			StorageType: "memory",
			Params:      map[string]any{},
			UpdatedAt:   now,
		}
	}
	if meta == nil {
		meta = fixedMeta{}
	}
	return New(mount.NewRouter(mounts), driver.NewRegistry(cfgs), meta, auth.NewSigner("test-secret"))
}

func mkMount(id, path, cfg string) *types.Mount {
	return &types.Mount{ID: id, MountPath: path, StorageConfigID: cfg, IsActive: true, WebProxy: true}
}

func TestListSortsDirsFirst(t *testing.T) {
	fs := testFS(t, fixedMounts{mkMount("m1", "/files", "s1")}, nil)
	ctx := context.Background()
	id := admin()

	if err := fs.Mkdir(ctx, id, "/files/zeta"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	for _, name := range []string{"Beta.txt", "alpha.txt"} {
		if _, err := fs.WriteFile(ctx, id, "/files/"+name, strings.NewReader("x"), driver.WriteOpts{Size: 1, ContentType: "text/plain"}); err != nil {
			t.Fatalf("WriteFile %s: %v", name, err)
		}
	}

	l, err := fs.List(ctx, id, "/files", ListOpts{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	got := make([]string, len(l.Entries))
	for i, e := range l.Entries {
		got[i] = e.Name
	}
	want := []string{"zeta", "alpha.txt", "Beta.txt"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("listing order = %v, want %v", got, want)
	}
	if l.Entries[1].Path != "/files/alpha.txt" {
		t.Errorf("entry path = %q", l.Entries[1].Path)
	}
}

func TestVirtualDirectories(t *testing.T) {
	fs := testFS(t, fixedMounts{
		mkMount("m1", "/media/photos", "s1"),
		mkMount("m2", "/media/video", "s2"),
	}, nil)
	ctx := context.Background()

	l, err := fs.List(ctx, admin(), "/", ListOpts{})
	if err != nil {
		t.Fatalf("List /: %v", err)
	}
	if !l.IsVirtual || len(l.Entries) != 1 || l.Entries[0].Name != "media" {
		t.Fatalf("root listing = %+v", l)
	}

	l, err = fs.List(ctx, admin(), "/media", ListOpts{})
	if err != nil {
		t.Fatalf("List /media: %v", err)
	}
	if len(l.Entries) != 2 {
		t.Fatalf("virtual /media = %+v", l.Entries)
	}

	if _, err := fs.List(ctx, admin(), "/nope", ListOpts{}); !types.IsKind(err, types.KindNotFound) {
		t.Fatalf("List /nope: err = %v, want NotFound", err)
	}
}

func TestListCacheInvalidatedByWrite(t *testing.T) {
	fs := testFS(t, fixedMounts{mkMount("m1", "/files", "s1")}, nil)
	ctx := context.Background()
	id := admin()

	if _, err := fs.List(ctx, id, "/files", ListOpts{}); err != nil {
		t.Fatalf("List: %v", err)
	}
	if _, err := fs.WriteFile(ctx, id, "/files/new.txt", strings.NewReader("hi"), driver.WriteOpts{Size: 2}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	l, err := fs.List(ctx, id, "/files", ListOpts{})
	if err != nil {
		t.Fatalf("List after write: %v", err)
	}
	if len(l.Entries) != 1 || l.Entries[0].Name != "new.txt" {
		t.Fatalf("stale listing after write: %+v", l.Entries)
	}
}

func TestHidePatterns(t *testing.T) {
	meta := fixedMeta{
		"/files": &types.DirectoryMeta{Path: "/files", HidePatterns: []string{`^\.`, `~$`}},
	}
	fs := testFS(t, fixedMounts{mkMount("m1", "/files", "s1")}, meta)
	ctx := context.Background()
	id := admin()

	for _, name := range []string{".hidden", "draft~", "keep.txt"} {
		if _, err := fs.WriteFile(ctx, id, "/files/"+name, strings.NewReader("x"), driver.WriteOpts{Size: 1}); err != nil {
			t.Fatalf("WriteFile %s: %v", name, err)
		}
	}

	// Hide patterns do not apply to the admin.
	l, err := fs.List(ctx, id, "/files", ListOpts{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(l.Entries) != 3 {
		t.Fatalf("admin sees %d entries, want 3", len(l.Entries))
	}

	key := &types.APIKey{ID: "k1", BasicPath: "/", Permissions: types.PermMountView}
	l, err = fs.List(ctx, &auth.Identity{Key: key}, "/files", ListOpts{})
	if err != nil {
		t.Fatalf("List as key: %v", err)
	}
	if len(l.Entries) != 1 || l.Entries[0].Name != "keep.txt" {
		t.Fatalf("filtered listing = %+v", l.Entries)
	}
}

func TestPasswordGate(t *testing.T) {
	hash, err := auth.HashPassword("sesame")
	if err != nil {
		t.Fatal(err)
	}
	meta := fixedMeta{
		"/files": &types.DirectoryMeta{Path: "/files", PasswordHash: hash, PasswordInherit: true},
	}
	fs := testFS(t, fixedMounts{mkMount("m1", "/files", "s1")}, meta)
	ctx := context.Background()
	key := &types.APIKey{ID: "k1", BasicPath: "/", Permissions: types.PermMountView}
	viewer := &auth.Identity{Key: key}

	if _, err := fs.List(ctx, viewer, "/files", ListOpts{}); !types.IsKind(err, types.KindPermissionDenied) {
		t.Fatalf("List without password: err = %v, want PermissionDenied", err)
	}

	if _, err := fs.VerifyPassword(ctx, "/files", "wrong"); !types.IsKind(err, types.KindPermissionDenied) {
		t.Fatalf("VerifyPassword wrong: err = %v", err)
	}
	token, err := fs.VerifyPassword(ctx, "/files", "sesame")
	if err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if _, err := fs.List(ctx, viewer, "/files", ListOpts{PathToken: token}); err != nil {
		t.Fatalf("List with token: %v", err)
	}

	// The admin never hits the gate.
	if _, err := fs.List(ctx, admin(), "/files", ListOpts{}); err != nil {
		t.Fatalf("admin List: %v", err)
	}
}

func TestRenameAndRemove(t *testing.T) {
	fs := testFS(t, fixedMounts{mkMount("m1", "/files", "s1")}, nil)
	ctx := context.Background()
	id := admin()

	if _, err := fs.WriteFile(ctx, id, "/files/a.txt", strings.NewReader("hello"), driver.WriteOpts{Size: 5}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := fs.Rename(ctx, id, "/files/a.txt", "/files/b.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := fs.Get(ctx, id, "/files/a.txt", ""); !types.IsKind(err, types.KindNotFound) {
		t.Fatalf("old path survives rename: err = %v", err)
	}
	info, err := fs.Get(ctx, id, "/files/b.txt", "")
	if err != nil {
		t.Fatalf("Get after rename: %v", err)
	}
	if info.LinkType != types.LinkProxy {
		t.Errorf("linkType = %q, want proxy", info.LinkType)
	}
	if info.PreviewURL == "" || !strings.Contains(info.DownloadURL, "download=true") {
		t.Errorf("links = %q / %q", info.PreviewURL, info.DownloadURL)
	}

	results := fs.BatchRemove(ctx, id, []string{"/files/b.txt", "/files/missing.txt"}, DeleteBoth)
	if results[0].Status != types.ItemSuccess {
		t.Errorf("delete b.txt: %+v", results[0])
	}
	if results[1].Status != types.ItemFailed {
		t.Errorf("delete missing: %+v", results[1])
	}
}

func TestCrossMountCopy(t *testing.T) {
	fs := testFS(t, fixedMounts{
		mkMount("m1", "/src", "s1"),
		mkMount("m2", "/dst", "s2"),
	}, nil)
	ctx := context.Background()
	id := admin()

	if err := fs.Mkdir(ctx, id, "/src/dir"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := fs.WriteFile(ctx, id, "/src/dir/f.txt", strings.NewReader("payload"), driver.WriteOpts{Size: 7}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	moved, err := fs.CopyItem(ctx, id, "/src/dir", "/dst/dir")
	if err != nil {
		t.Fatalf("CopyItem: %v", err)
	}
	if moved != 7 {
		t.Errorf("moved = %d, want 7", moved)
	}
	info, err := fs.Get(ctx, id, "/dst/dir/f.txt", "")
	if err != nil {
		t.Fatalf("Get copy: %v", err)
	}
	if info.Size != 7 {
		t.Errorf("copied size = %d", info.Size)
	}
}

func TestMetaInheritance(t *testing.T) {
	chain := []*types.DirectoryMeta{
		{Path: "/", HeaderMarkdown: "# root", HeaderInherit: true, HidePatterns: []string{`^a`}, HideInherit: false},
		{Path: "/sub", FooterMarkdown: "bye"},
	}
	eff := resolveMeta(chain, "/sub")
	if eff.HeaderMarkdown != "# root" {
		t.Errorf("header = %q, want inherited", eff.HeaderMarkdown)
	}
	if eff.FooterMarkdown != "bye" {
		t.Errorf("footer = %q", eff.FooterMarkdown)
	}
	if len(eff.HidePatterns) != 0 {
		t.Errorf("non-inheriting hide patterns leaked: %v", eff.HidePatterns)
	}
}
