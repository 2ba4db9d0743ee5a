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

package share

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cloudpaste.org/pkg/auth"
	"cloudpaste.org/pkg/driver"
	_ "cloudpaste.org/pkg/driver/memory"
	"cloudpaste.org/pkg/store"
	"cloudpaste.org/pkg/types"
)

type fixedConfigs map[string]*types.StorageConfig

func (f fixedConfigs) StorageConfig(ctx context.Context, id string) (*types.StorageConfig, error) {
	cfg, ok := f[id]
	if !ok {
		return nil, types.NewNotFound("storage config %q not found", id)
	}
	return cfg, nil
}

func newTestService(t *testing.T) (*Service, *driver.Registry) {
	t.Helper()
	db, err := store.Open(context.Background(), "sqlite:"+filepath.Join(t.TempDir(), "cloudpaste.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	reg := driver.NewRegistry(fixedConfigs{
		"s1": {ID: "s1", StorageType: "memory", Params: map[string]any{}, UpdatedAt: time.Now()},
	})
	return New(db, reg, auth.NewSigner("test-secret")), reg
}

func putObject(t *testing.T, reg *driver.Registry, key, content string) {
	t.Helper()
	drv, _, err := reg.Driver(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := drv.Write(context.Background(), key, strings.NewReader(content), driver.WriteOpts{Size: int64(len(content))}); err != nil {
		t.Fatal(err)
	}
}

func TestCreateSlugHandling(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	r, err := s.Create(ctx, CreateReq{Kind: types.ShareText, Target: "hello"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(r.Slug) != GeneratedSlugLength {
		t.Errorf("generated slug = %q", r.Slug)
	}

	if _, err := s.Create(ctx, CreateReq{Slug: "mine", Kind: types.ShareText, Target: "x"}); err != nil {
		t.Fatalf("custom slug: %v", err)
	}
	if _, err := s.Create(ctx, CreateReq{Slug: "mine", Kind: types.ShareText, Target: "y"}); !types.IsKind(err, types.KindConflict) {
		t.Fatalf("slug collision: err = %v, want Conflict", err)
	}
	if _, err := s.Create(ctx, CreateReq{Slug: "bad slug!", Kind: types.ShareText, Target: "x"}); !types.IsKind(err, types.KindInvalidInput) {
		t.Fatalf("bad slug: err = %v, want InvalidInput", err)
	}
}

func TestFileShareStreamAndViews(t *testing.T) {
	s, reg := newTestService(t)
	ctx := context.Background()
	putObject(t, reg, "shared/report.txt", "report body")

	r, err := s.Create(ctx, CreateReq{
		Kind: types.ShareFile, Target: "shared/report.txt", StorageConfigID: "s1",
		FileName: "report.txt", Size: 11, ContentType: "text/plain", MaxViews: 2,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	v, err := s.Get(ctx, r.Slug)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.RequiresPassword || v.PreviewURL == nil || v.DownloadURL == nil {
		t.Fatalf("view = %+v", v)
	}
	if !strings.Contains(*v.DownloadURL, "download=true") {
		t.Errorf("downloadUrl = %q", *v.DownloadURL)
	}

	c, err := s.Open(ctx, r.Slug, "", "", 0, -1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	body, _ := io.ReadAll(c.Reader)
	c.Reader.Close()
	if string(body) != "report body" {
		t.Errorf("body = %q", body)
	}

	// A byte range streams the slice and keeps the full size.
	c, err = s.Open(ctx, r.Slug, "", "", 7, 4)
	if err != nil {
		t.Fatalf("Open range: %v", err)
	}
	body, _ = io.ReadAll(c.Reader)
	c.Reader.Close()
	if string(body) != "body" || c.Size != 11 {
		t.Errorf("range = %q, size = %d", body, c.Size)
	}

	// max_views=2 is spent now.
	if _, err := s.Open(ctx, r.Slug, "", "", 0, -1); !types.IsKind(err, types.KindGone) {
		t.Fatalf("spent share: err = %v, want Gone", err)
	}
}

func TestProtectedShare(t *testing.T) {
	s, reg := newTestService(t)
	ctx := context.Background()
	putObject(t, reg, "secret.bin", "classified")

	r, err := s.Create(ctx, CreateReq{
		Kind: types.ShareFile, Target: "secret.bin", StorageConfigID: "s1",
		FileName: "secret.bin", Password: "hunter2",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	v, err := s.Get(ctx, r.Slug)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !v.RequiresPassword || v.PreviewURL != nil || v.DownloadURL != nil {
		t.Fatalf("locked view leaks URLs: %+v", v)
	}

	if _, err := s.Verify(ctx, r.Slug, "wrong"); !types.IsKind(err, types.KindPermissionDenied) {
		t.Fatalf("wrong password: err = %v", err)
	}
	v, err = s.Verify(ctx, r.Slug, "hunter2")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if v.Token == "" || v.PreviewURL == nil {
		t.Fatalf("verified view = %+v", v)
	}

	if _, err := s.Open(ctx, r.Slug, "", "", 0, -1); !types.IsKind(err, types.KindPermissionDenied) {
		t.Fatalf("open without token: err = %v", err)
	}
	c, err := s.Open(ctx, r.Slug, v.Token, "", 0, -1)
	if err != nil {
		t.Fatalf("open with token: %v", err)
	}
	c.Reader.Close()
}

func TestTextShareContent(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	r, err := s.Create(ctx, CreateReq{Kind: types.ShareText, Target: "inline text", FileName: "note.txt"})
	if err != nil {
		t.Fatal(err)
	}
	c, err := s.Open(ctx, r.Slug, "", "", 0, -1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	body, _ := io.ReadAll(c.Reader)
	c.Reader.Close()
	if string(body) != "inline text" {
		t.Errorf("body = %q", body)
	}
	if !strings.HasPrefix(c.ContentType, "text/plain") {
		t.Errorf("contentType = %q", c.ContentType)
	}
}

func TestPasteLifecycle(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	p, err := s.CreatePaste(ctx, PasteReq{Content: "snippet", Remark: "demo", Password: "pw", MaxViews: 1})
	if err != nil {
		t.Fatalf("CreatePaste: %v", err)
	}

	v, err := s.GetPaste(ctx, p.Slug)
	if err != nil {
		t.Fatalf("GetPaste: %v", err)
	}
	if !v.RequiresPassword || v.Content != "" {
		t.Fatalf("locked paste leaks content: %+v", v)
	}

	v, err = s.VerifyPaste(ctx, p.Slug, "pw")
	if err != nil {
		t.Fatalf("VerifyPaste: %v", err)
	}
	if v.Content != "snippet" || v.Token == "" {
		t.Fatalf("verified paste = %+v", v)
	}

	raw, err := s.RawPaste(ctx, p.Slug, v.Token, "")
	if err != nil {
		t.Fatalf("RawPaste: %v", err)
	}
	if raw != "snippet" {
		t.Errorf("raw = %q", raw)
	}
	// max_views=1 consumed by the raw fetch.
	if _, err := s.RawPaste(ctx, p.Slug, v.Token, ""); !types.IsKind(err, types.KindGone) {
		t.Fatalf("spent paste: err = %v, want Gone", err)
	}
}

func TestClearExpired(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	if _, err := s.CreatePaste(ctx, PasteReq{Content: "old", ExpiresAt: &past}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(ctx, CreateReq{Kind: types.ShareText, Target: "old", ExpiresAt: &past}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreatePaste(ctx, PasteReq{Content: "fresh"}); err != nil {
		t.Fatal(err)
	}

	pastes, shares, err := s.ClearExpired(ctx)
	if err != nil {
		t.Fatalf("ClearExpired: %v", err)
	}
	if pastes != 1 || shares != 1 {
		t.Errorf("cleared = %d pastes, %d shares", pastes, shares)
	}
	got, err := s.ListPastes(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Content != "fresh" {
		t.Fatalf("survivors = %+v", got)
	}
}
