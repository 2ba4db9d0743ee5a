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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go4.org/jsonconfig"

	"cloudpaste.org/pkg/auth"
	"cloudpaste.org/pkg/driver"
	_ "cloudpaste.org/pkg/driver/memory"
	"cloudpaste.org/pkg/fsindex"
	"cloudpaste.org/pkg/jobs"
	"cloudpaste.org/pkg/mount"
	"cloudpaste.org/pkg/scheduler"
	"cloudpaste.org/pkg/share"
	"cloudpaste.org/pkg/store"
	"cloudpaste.org/pkg/types"
	"cloudpaste.org/pkg/upload"
	"cloudpaste.org/pkg/vfs"
)

const testAdminPassword = "opensesame"

// testServer is a full stack on an in-memory storage backend and a
// temp-dir SQLite database.
type testServer struct {
	*Server
	h  http.Handler
	st *store.Store
	sg *auth.Signer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.Open(ctx, "sqlite:"+filepath.Join(dir, "main.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	hash, err := auth.HashPassword(testAdminPassword)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := st.SetSetting(ctx, store.SettingAdminPasswordHash, hash); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}

	signer := auth.NewSigner("test-sign-secret")
	sessions := auth.NewSessionTokens("test-jwt-secret", 0)
	authr := &auth.Authenticator{Sessions: sessions, Keys: st}

	router := mount.NewRouter(st)
	reg := driver.NewRegistry(st)
	fs := vfs.New(router, reg, st, signer)

	ix, err := fsindex.Open(ctx, filepath.Join(dir, "index.db"), router, reg, signer)
	if err != nil {
		t.Fatalf("fsindex.Open: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	fs.SetIndexNotifier(ix)

	upSessions := upload.NewSessions(0)
	t.Cleanup(upSessions.Close)
	partsDB, err := upload.OpenPartsDB(filepath.Join(dir, "parts"))
	if err != nil {
		t.Fatalf("OpenPartsDB: %v", err)
	}
	t.Cleanup(func() { partsDB.Close() })
	engine := upload.NewEngine(upSessions, partsDB, st, upload.NewBroker())

	runner := jobs.New(st)
	runner.Register(jobs.CopyHandler(fs))
	runner.Register(jobs.RebuildHandler(ix))
	runner.Register(jobs.ApplyDirtyHandler(ix))
	if err := runner.Start(ctx); err != nil {
		t.Fatalf("runner.Start: %v", err)
	}
	t.Cleanup(runner.Close)

	srv := New(Config{
		Store:     st,
		Auth:      authr,
		Sessions:  sessions,
		Signer:    signer,
		Router:    router,
		Registry:  reg,
		FS:        fs,
		Index:     ix,
		Engine:    engine,
		Shares:    share.New(st, reg, signer),
		Runner:    runner,
		Scheduler: scheduler.New(st, runner),
	})
	return &testServer{Server: srv, h: srv.Handler(), st: st, sg: signer}
}

// seedMount creates a memory-backed mount at mountPath and returns it.
func (ts *testServer) seedMount(t *testing.T, mountPath string) *types.Mount {
	t.Helper()
	ctx := context.Background()
	cfg := &types.StorageConfig{
		Name:        "mem-" + strings.Trim(mountPath, "/"),
		StorageType: "memory",
		Params:      map[string]any{},
	}
	if err := ts.st.CreateStorageConfig(ctx, cfg); err != nil {
		t.Fatalf("CreateStorageConfig: %v", err)
	}
	m := &types.Mount{
		Name:            strings.Trim(mountPath, "/"),
		MountPath:       mountPath,
		StorageConfigID: cfg.ID,
		IsActive:        true,
		WebProxy:        true,
	}
	if err := ts.st.CreateMount(ctx, m); err != nil {
		t.Fatalf("CreateMount: %v", err)
	}
	ts.router.Invalidate()
	return m
}

// seedAPIKey creates a key with the given permissions and returns its
// plaintext secret.
func (ts *testServer) seedAPIKey(t *testing.T, perms types.Permission) string {
	t.Helper()
	k := &types.APIKey{Name: "test-key", Permissions: perms}
	if err := ts.st.CreateAPIKey(context.Background(), k); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	return k.Key
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	return rec
}

// login performs the admin login flow and returns the session token.
func (ts *testServer) login(t *testing.T) string {
	t.Helper()
	rec := ts.do(jsonReq("POST", "/api/admin/login", map[string]any{"password": testAdminPassword}, ""))
	if rec.Code != 200 {
		t.Fatalf("login: status %d, body %s", rec.Code, rec.Body)
	}
	var data struct {
		Token string `json:"token"`
	}
	decodeData(t, rec, &data)
	if data.Token == "" {
		t.Fatal("login returned no token")
	}
	return data.Token
}

func jsonReq(method, url string, body any, bearer string) *http.Request {
	var r io.Reader
	if body != nil {
		js, _ := json.Marshal(body)
		r = bytes.NewReader(js)
	}
	req := httptest.NewRequest(method, url, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return req
}

// decodeData unmarshals the envelope's data field into out.
func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	var env struct {
		Code    int             `json:"code"`
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("bad envelope %q: %v", rec.Body, err)
	}
	if !env.Success {
		t.Fatalf("envelope not successful: %s", rec.Body)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("bad data %q: %v", env.Data, err)
		}
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(httptest.NewRequest("GET", "/api/health", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var data struct {
		Status string `json:"status"`
	}
	decodeData(t, rec, &data)
	if data.Status != "ok" {
		t.Errorf("status = %q", data.Status)
	}
}

func TestAdminLoginFlow(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(jsonReq("POST", "/api/admin/login", map[string]any{"password": "wrong"}, ""))
	if rec.Code != 401 {
		t.Fatalf("bad password: status = %d, want 401", rec.Code)
	}

	token := ts.login(t)

	rec = ts.do(jsonReq("GET", "/api/admin/settings", nil, token))
	if rec.Code != 200 {
		t.Fatalf("settings with token: status = %d, body %s", rec.Code, rec.Body)
	}

	rec = ts.do(jsonReq("POST", "/api/admin/logout", nil, token))
	if rec.Code != 200 {
		t.Fatalf("logout: status = %d", rec.Code)
	}

	rec = ts.do(jsonReq("GET", "/api/admin/settings", nil, token))
	if rec.Code != 401 {
		t.Fatalf("settings after logout: status = %d, want 401", rec.Code)
	}
}

func TestAdminSettingsHidePasswordHash(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)

	rec := ts.do(jsonReq("GET", "/api/admin/settings", nil, token))
	if strings.Contains(rec.Body.String(), "admin_password_hash") {
		t.Errorf("settings response leaks the password hash: %s", rec.Body)
	}

	rec = ts.do(jsonReq("PUT", "/api/admin/settings", map[string]any{"admin_password_hash": "x"}, token))
	if rec.Code != 400 {
		t.Errorf("setting the hash directly: status = %d, want 400", rec.Code)
	}
}

func TestGuestConfig(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest("GET", "/api/public/guest-config", nil))
	var data struct {
		Enabled     bool             `json:"enabled"`
		Permissions types.Permission `json:"permissions"`
	}
	decodeData(t, rec, &data)
	if data.Enabled {
		t.Fatal("guest enabled with no guest key")
	}

	k := &types.APIKey{Name: "guest", Permissions: types.PermMountView, IsGuest: true}
	if err := ts.st.CreateAPIKey(context.Background(), k); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	rec = ts.do(httptest.NewRequest("GET", "/api/public/guest-config", nil))
	decodeData(t, rec, &data)
	if !data.Enabled || data.Permissions != types.PermMountView {
		t.Errorf("guest config = %+v", data)
	}
}

func multipartUpload(t *testing.T, url, path, content, bearer string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("path", path); err != nil {
		t.Fatal(err)
	}
	fw, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprint(fw, content)
	w.Close()
	req := httptest.NewRequest("POST", url, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+bearer)
	return req
}

func TestFSUploadListDownload(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMount(t, "/files")
	token := ts.login(t)

	rec := ts.do(multipartUpload(t, "/api/fs/upload", "/files/hello.txt", "hello world", token))
	if rec.Code != 200 {
		t.Fatalf("upload: status = %d, body %s", rec.Code, rec.Body)
	}
	var entry types.Entry
	decodeData(t, rec, &entry)
	if entry.Name != "hello.txt" || entry.Size != 11 {
		t.Errorf("entry = %+v", entry)
	}

	rec = ts.do(jsonReq("GET", "/api/fs/list?path=/files", nil, token))
	if rec.Code != 200 {
		t.Fatalf("list: status = %d, body %s", rec.Code, rec.Body)
	}
	var listing struct {
		Items []types.Entry `json:"items"`
	}
	decodeData(t, rec, &listing)
	if len(listing.Items) != 1 || listing.Items[0].Name != "hello.txt" {
		t.Fatalf("items = %+v", listing.Items)
	}

	rec = ts.do(jsonReq("GET", "/api/fs/content?path=/files/hello.txt", nil, token))
	if rec.Code != 200 {
		t.Fatalf("content: status = %d, body %s", rec.Code, rec.Body)
	}
	if rec.Body.String() != "hello world" {
		t.Errorf("content = %q", rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
}

func TestSignedContent(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMount(t, "/files")
	token := ts.login(t)

	rec := ts.do(multipartUpload(t, "/api/fs/upload", "/files/secret.txt", "classified", token))
	if rec.Code != 200 {
		t.Fatalf("upload: status = %d", rec.Code)
	}

	// No credentials, no signature.
	rec = ts.do(httptest.NewRequest("GET", "/api/fs/content?path=/files/secret.txt", nil))
	if rec.Code != 401 {
		t.Fatalf("anonymous: status = %d, want 401", rec.Code)
	}

	// A valid signature stands in for credentials.
	q := ts.sg.SignedQuery("/files/secret.txt", time.Hour, time.Now())
	rec = ts.do(httptest.NewRequest("GET", "/api/fs/content?path=/files/secret.txt&"+q, nil))
	if rec.Code != 200 {
		t.Fatalf("signed: status = %d, body %s", rec.Code, rec.Body)
	}
	if rec.Body.String() != "classified" {
		t.Errorf("signed body = %q", rec.Body)
	}

	// Expired signatures are refused.
	past := time.Now().Add(-time.Hour).Unix()
	mac := ts.sg.Sign("GET", "/files/secret.txt", past)
	url := fmt.Sprintf("/api/fs/content?path=/files/secret.txt&sign=%s&exp=%d", mac, past)
	rec = ts.do(httptest.NewRequest("GET", url, nil))
	if rec.Code != 403 {
		t.Fatalf("expired: status = %d, want 403", rec.Code)
	}

	// Forged signatures too.
	rec = ts.do(httptest.NewRequest("GET", "/api/fs/content?path=/files/secret.txt&sign=bogus&exp=0", nil))
	if rec.Code != 403 {
		t.Fatalf("forged: status = %d, want 403", rec.Code)
	}
}

func TestSignedProxyRoute(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMount(t, "/files")
	token := ts.login(t)

	rec := ts.do(multipartUpload(t, "/api/fs/upload", "/files/a.txt", "proxy me", token))
	if rec.Code != 200 {
		t.Fatalf("upload: status = %d", rec.Code)
	}

	q := ts.sg.SignedQuery("/files/a.txt", time.Hour, time.Now())
	rec = ts.do(httptest.NewRequest("GET", "/api/p/files/a.txt?"+q, nil))
	if rec.Code != 200 {
		t.Fatalf("signed proxy: status = %d, body %s", rec.Code, rec.Body)
	}
	if rec.Body.String() != "proxy me" {
		t.Errorf("body = %q", rec.Body)
	}

	rec = ts.do(httptest.NewRequest("GET", "/api/p/files/a.txt", nil))
	if rec.Code != 401 {
		t.Fatalf("unsigned anonymous proxy: status = %d, want 401", rec.Code)
	}
}

func TestAPIKeyPermissions(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMount(t, "/files")
	secret := ts.seedAPIKey(t, types.PermMountView)

	req := httptest.NewRequest("GET", "/api/fs/list?path=/files", nil)
	req.Header.Set("Authorization", "ApiKey "+secret)
	rec := ts.do(req)
	if rec.Code != 200 {
		t.Fatalf("list with view key: status = %d, body %s", rec.Code, rec.Body)
	}

	req = jsonReq("POST", "/api/fs/mkdir", map[string]any{"path": "/files/new"}, "")
	req.Header.Set("Authorization", "ApiKey "+secret)
	rec = ts.do(req)
	if rec.Code != 403 {
		t.Fatalf("mkdir with view-only key: status = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/fs/list?path=/files", nil)
	req.Header.Set("Authorization", "ApiKey nosuchkey")
	rec = ts.do(req)
	if rec.Code != 401 {
		t.Fatalf("bogus key: status = %d, want 401", rec.Code)
	}
}

func TestMountAdminFlow(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)

	var cfg types.StorageConfig
	rec := ts.do(jsonReq("POST", "/api/storage", map[string]any{
		"name": "mem", "storage_type": "memory", "params": map[string]any{},
	}, token))
	if rec.Code != 201 {
		t.Fatalf("create storage: status = %d, body %s", rec.Code, rec.Body)
	}
	decodeData(t, rec, &cfg)

	rec = ts.do(jsonReq("POST", "/api/mount/create", map[string]any{
		"name": "docs", "mount_path": "/docs", "storage_config_id": cfg.ID, "is_active": true,
	}, token))
	if rec.Code != 201 {
		t.Fatalf("create mount: status = %d, body %s", rec.Code, rec.Body)
	}
	var m types.Mount
	decodeData(t, rec, &m)

	// The router sees the new mount without a restart.
	rec = ts.do(jsonReq("GET", "/api/fs/list?path=/docs", nil, token))
	if rec.Code != 200 {
		t.Fatalf("list new mount: status = %d, body %s", rec.Code, rec.Body)
	}

	// A storage config backing a mount cannot be deleted.
	rec = ts.do(jsonReq("DELETE", "/api/storage/"+cfg.ID, nil, token))
	if rec.Code != 409 {
		t.Fatalf("delete in-use storage: status = %d, want 409", rec.Code)
	}

	rec = ts.do(jsonReq("DELETE", "/api/mount/"+m.ID, nil, token))
	if rec.Code != 200 {
		t.Fatalf("delete mount: status = %d, body %s", rec.Code, rec.Body)
	}
	rec = ts.do(jsonReq("DELETE", "/api/storage/"+cfg.ID, nil, token))
	if rec.Code != 200 {
		t.Fatalf("delete storage: status = %d, body %s", rec.Code, rec.Body)
	}
}

// extlinkDriver is the smallest driver that can answer SourceURL: its
// objects' bytes live on an external origin under base.
type extlinkDriver struct{ base string }

func init() {
	driver.Register("extlink", extlinkCaps(), func(cfg *types.StorageConfig, params jsonconfig.Obj) (driver.Driver, error) {
		base := params.OptionalString("base", "")
		if err := params.Validate(); err != nil {
			return nil, err
		}
		return &extlinkDriver{base: base}, nil
	})
}

func extlinkCaps() driver.Capabilities {
	return driver.Capabilities{
		FS:    driver.FSCaps{List: true, Stat: true},
		Share: driver.ShareCaps{URL: true},
	}
}

func (d *extlinkDriver) Type() string { return "extlink" }

func (d *extlinkDriver) Capabilities() driver.Capabilities { return extlinkCaps() }

func (d *extlinkDriver) List(ctx context.Context, key string, opts driver.ListOpts) (*driver.Listing, error) {
	return &driver.Listing{}, nil
}

func (d *extlinkDriver) Stat(ctx context.Context, key string) (*types.Entry, error) {
	if key == "" {
		return &types.Entry{IsDirectory: true, Type: types.TypeFolder}, nil
	}
	return &types.Entry{Name: path.Base(key), Key: key}, nil
}

func (d *extlinkDriver) Open(ctx context.Context, key string, offset, length int64) (*driver.Object, error) {
	return nil, driver.Unsupported("extlink", "read")
}

func (d *extlinkDriver) Write(ctx context.Context, key string, r io.Reader, opts driver.WriteOpts) (string, error) {
	return "", driver.Unsupported("extlink", "write")
}

func (d *extlinkDriver) Delete(ctx context.Context, key string, recursive bool) error {
	return driver.Unsupported("extlink", "delete")
}

func (d *extlinkDriver) Mkdir(ctx context.Context, key string) error {
	return driver.Unsupported("extlink", "mkdir")
}

func (d *extlinkDriver) Rename(ctx context.Context, oldKey, newKey string) error {
	return driver.Unsupported("extlink", "rename")
}

func (d *extlinkDriver) Copy(ctx context.Context, srcKey, dstKey string) error {
	return driver.Unsupported("extlink", "copy")
}

func (d *extlinkDriver) SourceURL(ctx context.Context, key string, opts driver.URLOpts) (string, error) {
	return d.base + "/" + key, nil
}

// seedExtMount creates an extlink-backed mount whose upstream URLs
// point under base. WebProxy stays off so direct links are allowed.
func (ts *testServer) seedExtMount(t *testing.T, mountPath, base string) *types.Mount {
	t.Helper()
	ctx := context.Background()
	cfg := &types.StorageConfig{
		Name:        "ext-" + strings.Trim(mountPath, "/"),
		StorageType: "extlink",
		Params:      map[string]any{"base": base},
	}
	if err := ts.st.CreateStorageConfig(ctx, cfg); err != nil {
		t.Fatalf("CreateStorageConfig: %v", err)
	}
	m := &types.Mount{
		Name:            strings.Trim(mountPath, "/"),
		MountPath:       mountPath,
		StorageConfigID: cfg.ID,
		IsActive:        true,
	}
	if err := ts.st.CreateMount(ctx, m); err != nil {
		t.Fatalf("CreateMount: %v", err)
	}
	ts.router.Invalidate()
	return m
}

func TestDownloadRedirect(t *testing.T) {
	ts := newTestServer(t)
	ts.seedExtMount(t, "/ext", "https://cdn.example.com/bucket")
	token := ts.login(t)

	rec := ts.do(jsonReq("GET", "/api/fs/download?path=/ext/file.bin", nil, token))
	if rec.Code != 302 {
		t.Fatalf("download: status = %d, want 302, body %s", rec.Code, rec.Body)
	}
	if loc := rec.Header().Get("Location"); loc != "https://cdn.example.com/bucket/file.bin" {
		t.Errorf("Location = %q", loc)
	}
}

func TestDownloadStreamsProxyMount(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMount(t, "/files")
	token := ts.login(t)

	rec := ts.do(multipartUpload(t, "/api/fs/upload", "/files/keep.txt", "stay local", token))
	if rec.Code != 200 {
		t.Fatalf("upload: status = %d", rec.Code)
	}

	// web_proxy mounts never leak backend URLs.
	rec = ts.do(jsonReq("GET", "/api/fs/download?path=/files/keep.txt", nil, token))
	if rec.Code != 200 {
		t.Fatalf("download: status = %d, body %s", rec.Code, rec.Body)
	}
	if rec.Body.String() != "stay local" {
		t.Errorf("body = %q", rec.Body)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment") {
		t.Errorf("Content-Disposition = %q", cd)
	}
}

func TestURLProxyRoutes(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-test")
		fmt.Fprint(w, "upstream payload")
	}))
	defer origin.Close()

	ts := newTestServer(t)
	ts.seedExtMount(t, "/ext", origin.URL)
	token := ts.login(t)

	rec := ts.do(jsonReq("POST", "/api/paste/url/proxy-ticket", map[string]any{"path": "/ext/file.bin"}, token))
	if rec.Code != 200 {
		t.Fatalf("mint ticket: status = %d, body %s", rec.Code, rec.Body)
	}
	var minted struct {
		Ticket string `json:"ticket"`
	}
	decodeData(t, rec, &minted)
	if minted.Ticket == "" {
		t.Fatal("no ticket minted")
	}

	// Both proxy spellings serve the ticketed fetch, anonymously.
	for _, route := range []string{"/api/paste/url/proxy", "/api/share/url/proxy"} {
		rec = ts.do(httptest.NewRequest("GET", route+"?path=/ext/file.bin&ticket="+minted.Ticket, nil))
		if rec.Code != 200 {
			t.Fatalf("%s: status = %d, body %s", route, rec.Code, rec.Body)
		}
		if rec.Body.String() != "upstream payload" {
			t.Errorf("%s body = %q", route, rec.Body)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/x-test" {
			t.Errorf("%s content type = %q", route, ct)
		}
	}

	rec = ts.do(httptest.NewRequest("GET", "/api/paste/url/proxy?path=/ext/file.bin&ticket=bogus", nil))
	if rec.Code != 403 {
		t.Fatalf("forged ticket: status = %d, want 403", rec.Code)
	}
}

func TestShareURLInfo(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "1234")
	}))
	defer origin.Close()

	ts := newTestServer(t)
	token := ts.login(t)

	rec := ts.do(jsonReq("GET", "/api/share/url/info?url="+origin.URL+"/dl", nil, token))
	if rec.Code != 200 {
		t.Fatalf("url info: status = %d, body %s", rec.Code, rec.Body)
	}
	var info struct {
		Filename     string `json:"filename"`
		Size         int64  `json:"size"`
		ContentType  string `json:"contentType"`
		AcceptRanges bool   `json:"acceptRanges"`
	}
	decodeData(t, rec, &info)
	if info.Filename != "report.pdf" {
		t.Errorf("filename = %q", info.Filename)
	}
	if info.Size != 1234 {
		t.Errorf("size = %d", info.Size)
	}
	if info.ContentType != "application/pdf" || !info.AcceptRanges {
		t.Errorf("info = %+v", info)
	}

	rec = ts.do(jsonReq("GET", "/api/share/url/info?url=ftp://example.com/x", nil, token))
	if rec.Code != 400 {
		t.Fatalf("ftp url: status = %d, want 400", rec.Code)
	}
}

func TestContentSuffixRange(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMount(t, "/files")
	token := ts.login(t)

	rec := ts.do(multipartUpload(t, "/api/fs/upload", "/files/hello.txt", "hello world", token))
	if rec.Code != 200 {
		t.Fatalf("upload: status = %d", rec.Code)
	}

	req := jsonReq("GET", "/api/fs/content?path=/files/hello.txt", nil, token)
	req.Header.Set("Range", "bytes=-5")
	rec = ts.do(req)
	if rec.Code != 206 {
		t.Fatalf("suffix range: status = %d, body %s", rec.Code, rec.Body)
	}
	if rec.Body.String() != "world" {
		t.Errorf("body = %q, want the last five bytes", rec.Body)
	}
	if cr := rec.Header().Get("Content-Range"); cr != "bytes 6-10/11" {
		t.Errorf("Content-Range = %q", cr)
	}

	// A suffix longer than the object is the whole object.
	req = jsonReq("GET", "/api/fs/content?path=/files/hello.txt", nil, token)
	req.Header.Set("Range", "bytes=-64")
	rec = ts.do(req)
	if rec.Code != 200 || rec.Body.String() != "hello world" {
		t.Fatalf("oversized suffix: status = %d, body %q", rec.Code, rec.Body)
	}

	req = jsonReq("GET", "/api/fs/content?path=/files/hello.txt", nil, token)
	req.Header.Set("Range", "bytes=-")
	rec = ts.do(req)
	if rec.Code != 416 {
		t.Fatalf("empty suffix: status = %d, want 416", rec.Code)
	}
}

func TestStorageTypesPublic(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(httptest.NewRequest("GET", "/api/storage-types", nil))
	var data struct {
		Types []string `json:"types"`
	}
	decodeData(t, rec, &data)
	found := false
	for _, typ := range data.Types {
		if typ == "memory" {
			found = true
		}
	}
	if !found {
		t.Errorf("types = %v, memory driver missing", data.Types)
	}
}
