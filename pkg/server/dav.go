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
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/webdav"

	"cloudpaste.org/internal/magic"
	"cloudpaste.org/pkg/auth"
	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/store"
	"cloudpaste.org/pkg/types"
	"cloudpaste.org/pkg/vfs"
)

// maxDavLockTTL caps client-requested lock timeouts.
const maxDavLockTTL = time.Hour

// davReadMethods do not mutate; they require webdav_read, everything
// else requires webdav_manage.
var davReadMethods = map[string]bool{
	"OPTIONS":  true,
	"GET":      true,
	"HEAD":     true,
	"PROPFIND": true,
}

// davIdentity resolves WebDAV credentials. Basic auth carries either
// an API key secret or the admin password in the password slot; Bearer
// and ApiKey schemes work as on the JSON API.
func (s *Server) davIdentity(req *http.Request) (*auth.Identity, error) {
	if _, pass, ok := req.BasicAuth(); ok {
		key, err := s.db.APIKeyBySecret(req.Context(), pass)
		if err == nil {
			if key.Expired(time.Now()) {
				return nil, types.NewUnauthenticated("API key expired")
			}
			return &auth.Identity{Key: key}, nil
		}
		if !types.IsKind(err, types.KindNotFound) {
			return nil, err
		}
		hash, err := s.db.Setting(req.Context(), adminPasswordKey)
		if err == nil && auth.CheckPassword(hash, pass) == nil {
			return &auth.Identity{Admin: true}, nil
		}
		return nil, types.NewUnauthenticated("bad credentials")
	}
	return s.auth.Identify(req)
}

// davHandler builds the /dav handler: auth and permission gate in
// front, GET/HEAD routed through the mount's webdav_policy, everything
// else delegated to the webdav package with a DB-backed lock system.
func (s *Server) davHandler() http.Handler {
	h := &webdav.Handler{
		Prefix:     "/dav",
		FileSystem: &davFS{fs: s.fs},
		LockSystem: &davLockSystem{db: s.db},
	}
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		id, err := s.davIdentity(req)
		if err != nil || id.IsAnonymous() {
			rw.Header().Set("WWW-Authenticate", `Basic realm="CloudPaste WebDAV"`)
			http.Error(rw, "authentication required", http.StatusUnauthorized)
			return
		}
		perm := types.PermWebDAVManage
		if davReadMethods[req.Method] {
			perm = types.PermWebDAVRead
		}
		if !id.Can(perm) {
			http.Error(rw, "permission denied", http.StatusForbidden)
			return
		}
		p := strings.TrimPrefix(req.URL.Path, "/dav")
		if p == "" {
			p = "/"
		}
		if err := id.CheckPath(types.NormalizePath(p)); err != nil {
			http.Error(rw, "path outside key scope", http.StatusForbidden)
			return
		}
		if req.Method == "PROPFIND" && strings.EqualFold(req.Header.Get("Depth"), "infinity") {
			if err := s.davDepthGuard(req, id, types.NormalizePath(p)); err != nil {
				http.Error(rw, err.Error(), http.StatusForbidden)
				return
			}
		}
		if (req.Method == "GET" || req.Method == "HEAD") && !strings.HasSuffix(p, "/") {
			s.serveDavContent(rw, req, id, types.NormalizePath(p))
			return
		}
		h.ServeHTTP(rw, req.WithContext(auth.NewContext(req.Context(), id)))
	})
}

// defaultDavDepthLimit bounds how many entries a Depth: infinity
// PROPFIND may expand to when no setting overrides it.
const defaultDavDepthLimit = 10000

// davDepthGuard pre-walks the subtree of an infinite-depth PROPFIND
// and rejects walks that would expand past the entry limit. Walk
// errors are left for the webdav handler to surface.
func (s *Server) davDepthGuard(req *http.Request, id *auth.Identity, root string) error {
	limit, err := s.db.SettingInt(req.Context(), store.SettingWebDAVDepthLimit, defaultDavDepthLimit)
	if err != nil || limit <= 0 {
		limit = defaultDavDepthLimit
	}
	count := 0
	queue := []string{root}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]
		l, err := s.fs.List(req.Context(), id, dir, vfs.ListOpts{})
		if err != nil {
			return nil
		}
		for _, e := range l.Entries {
			count++
			if count > limit {
				return types.NewPermissionDenied("depth infinity listing exceeds %d entries", limit)
			}
			if e.IsDirectory {
				queue = append(queue, e.Path)
			}
		}
	}
	return nil
}

// serveDavContent answers a DAV GET per the mount policy: 302 to the
// backend when allowed, same-origin streaming otherwise.
func (s *Server) serveDavContent(rw http.ResponseWriter, req *http.Request, id *auth.Identity, p string) {
	res, err := s.router.Resolve(req.Context(), p)
	if err == nil && res.Mount.WebDAVPolicy != types.WebDAVProxy {
		if u, err := s.fs.SourceRedirect(req.Context(), id, p); err == nil && u != "" {
			http.Redirect(rw, req, u, http.StatusFound)
			return
		}
	}
	s.streamFile(rw, req, id, p, false)
}

// davFS adapts the VFS to webdav.FileSystem. The caller's identity
// rides in the context, installed by davHandler.
type davFS struct {
	fs *vfs.FS
}

func davErr(err error) error {
	if err == nil {
		return nil
	}
	if types.IsKind(err, types.KindNotFound) {
		return os.ErrNotExist
	}
	if types.IsKind(err, types.KindPermissionDenied) {
		return os.ErrPermission
	}
	return err
}

func (d *davFS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	return davErr(d.fs.Mkdir(ctx, auth.FromContext(ctx), types.NormalizePath(name)))
}

func (d *davFS) RemoveAll(ctx context.Context, name string) error {
	return davErr(d.fs.Remove(ctx, auth.FromContext(ctx), types.NormalizePath(name), vfs.DeleteBoth))
}

func (d *davFS) Rename(ctx context.Context, oldName, newName string) error {
	return davErr(d.fs.Rename(ctx, auth.FromContext(ctx),
		types.NormalizePath(oldName), types.NormalizePath(newName)))
}

func (d *davFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	return d.stat(ctx, auth.FromContext(ctx), types.NormalizePath(name))
}

func (d *davFS) stat(ctx context.Context, id *auth.Identity, p string) (os.FileInfo, error) {
	if p == "/" {
		return &davFileInfo{e: types.Entry{Name: "/", Path: "/", IsDirectory: true}}, nil
	}
	fi, err := d.fs.Get(ctx, id, p, "")
	if err == nil {
		return &davFileInfo{e: fi.Entry}, nil
	}
	if !types.IsKind(err, types.KindNotFound) {
		return nil, davErr(err)
	}
	// Virtual directories (mount roots, prefixes) have no backend
	// object; a listable path is a directory.
	if _, lerr := d.fs.List(ctx, id, p, vfs.ListOpts{Limit: 1}); lerr == nil {
		return &davFileInfo{e: types.Entry{
			Name:        path.Base(p),
			Path:        p,
			IsDirectory: true,
		}}, nil
	}
	return nil, os.ErrNotExist
}

func (d *davFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	id := auth.FromContext(ctx)
	p := types.NormalizePath(name)
	if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		return newDavWriteFile(ctx, d.fs, id, p), nil
	}
	fi, err := d.stat(ctx, id, p)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return &davDir{ctx: ctx, fs: d.fs, id: id, path: p, fi: fi}, nil
	}
	return &davReadFile{ctx: ctx, fs: d.fs, id: id, path: p, fi: fi}, nil
}

// davFileInfo presents a VFS entry as an os.FileInfo.
type davFileInfo struct {
	e types.Entry
}

func (fi *davFileInfo) Name() string { return fi.e.Name }
func (fi *davFileInfo) Size() int64  { return fi.e.Size }
func (fi *davFileInfo) Mode() os.FileMode {
	if fi.e.IsDirectory {
		return os.ModeDir | 0755
	}
	return 0644
}
func (fi *davFileInfo) ModTime() time.Time { return fi.e.Modified }
func (fi *davFileInfo) IsDir() bool        { return fi.e.IsDirectory }
func (fi *davFileInfo) Sys() any           { return nil }

// davReadFile streams a file through OpenRead, reopening at the new
// offset after a seek.
type davReadFile struct {
	ctx    context.Context
	fs     *vfs.FS
	id     *auth.Identity
	path   string
	fi     os.FileInfo
	offset int64
	rc     io.ReadCloser
}

func (f *davReadFile) Read(p []byte) (int, error) {
	if f.rc == nil {
		obj, _, err := f.fs.OpenRead(f.ctx, f.id, f.path, "", f.offset, -1)
		if err != nil {
			return 0, davErr(err)
		}
		f.rc = obj.Reader
	}
	n, err := f.rc.Read(p)
	f.offset += int64(n)
	return n, err
}

func (f *davReadFile) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = f.offset + offset
	case io.SeekEnd:
		abs = f.fi.Size() + offset
	default:
		return 0, os.ErrInvalid
	}
	if abs < 0 {
		return 0, os.ErrInvalid
	}
	if abs != f.offset && f.rc != nil {
		f.rc.Close()
		f.rc = nil
	}
	f.offset = abs
	return abs, nil
}

func (f *davReadFile) Close() error {
	if f.rc != nil {
		return f.rc.Close()
	}
	return nil
}

func (f *davReadFile) Write(p []byte) (int, error)            { return 0, os.ErrPermission }
func (f *davReadFile) Readdir(count int) ([]os.FileInfo, error) { return nil, os.ErrInvalid }
func (f *davReadFile) Stat() (os.FileInfo, error)             { return f.fi, nil }

// davDir lists lazily on first Readdir.
type davDir struct {
	ctx     context.Context
	fs      *vfs.FS
	id      *auth.Identity
	path    string
	fi      os.FileInfo
	entries []os.FileInfo
	listed  bool
	pos     int
}

func (d *davDir) Readdir(count int) ([]os.FileInfo, error) {
	if !d.listed {
		l, err := d.fs.List(d.ctx, d.id, d.path, vfs.ListOpts{})
		if err != nil {
			return nil, davErr(err)
		}
		for i := range l.Entries {
			d.entries = append(d.entries, &davFileInfo{e: l.Entries[i]})
		}
		d.listed = true
	}
	if count <= 0 {
		out := d.entries[d.pos:]
		d.pos = len(d.entries)
		return out, nil
	}
	if d.pos >= len(d.entries) {
		return nil, io.EOF
	}
	end := d.pos + count
	if end > len(d.entries) {
		end = len(d.entries)
	}
	out := d.entries[d.pos:end]
	d.pos = end
	return out, nil
}

func (d *davDir) Read(p []byte) (int, error)             { return 0, os.ErrInvalid }
func (d *davDir) Write(p []byte) (int, error)            { return 0, os.ErrInvalid }
func (d *davDir) Seek(int64, int) (int64, error)         { return 0, os.ErrInvalid }
func (d *davDir) Close() error                           { return nil }
func (d *davDir) Stat() (os.FileInfo, error)             { return d.fi, nil }

// davWriteFile pipes PUT bodies into the VFS write path. The upload
// runs on its own goroutine; Close reports its outcome.
type davWriteFile struct {
	pw   *io.PipeWriter
	path string
	size int64
	done chan error
}

func newDavWriteFile(ctx context.Context, fs *vfs.FS, id *auth.Identity, p string) *davWriteFile {
	pr, pw := io.Pipe()
	f := &davWriteFile{pw: pw, path: p, done: make(chan error, 1)}
	go func() {
		_, err := fs.WriteFile(ctx, id, p, pr, driver.WriteOpts{
			Size:        -1,
			ContentType: magic.MIMETypeByExtension(path.Ext(p)),
		})
		pr.CloseWithError(err)
		f.done <- err
	}()
	return f
}

func (f *davWriteFile) Write(p []byte) (int, error) {
	n, err := f.pw.Write(p)
	f.size += int64(n)
	return n, err
}

func (f *davWriteFile) Close() error {
	f.pw.Close()
	return davErr(<-f.done)
}

func (f *davWriteFile) Read(p []byte) (int, error)              { return 0, os.ErrInvalid }
func (f *davWriteFile) Seek(int64, int) (int64, error)          { return 0, os.ErrInvalid }
func (f *davWriteFile) Readdir(count int) ([]os.FileInfo, error) { return nil, os.ErrInvalid }
func (f *davWriteFile) Stat() (os.FileInfo, error) {
	return &davFileInfo{e: types.Entry{
		Name:     path.Base(f.path),
		Path:     f.path,
		Size:     f.size,
		Modified: time.Now(),
	}}, nil
}

// davLockSystem keeps WebDAV locks in the webdav_locks table so they
// survive restarts and are shared across instances. A process-local
// mutex serializes check-then-create.
type davLockSystem struct {
	db *store.Store
	mu sync.Mutex
}

func (ls *davLockSystem) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func davLockTTL(d time.Duration) time.Duration {
	if d <= 0 || d > maxDavLockTTL {
		return maxDavLockTTL
	}
	return d
}

func (ls *davLockSystem) Create(now time.Time, details webdav.LockDetails) (string, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ctx, cancel := ls.ctx()
	defer cancel()

	root := types.NormalizePath(details.Root)
	held, err := ls.db.DavLocksUnder(ctx, root, now)
	if err != nil {
		return "", err
	}
	if len(held) > 0 {
		return "", webdav.ErrLocked
	}
	buf := make([]byte, 16)
	rand.Read(buf)
	token := "opaquelocktoken:" + hex.EncodeToString(buf)
	err = ls.db.CreateDavLock(ctx, &types.DavLock{
		Token:         token,
		Root:          root,
		OwnerXML:      details.OwnerXML,
		InfiniteDepth: !details.ZeroDepth,
		ExpiresAt:     now.Add(davLockTTL(details.Duration)),
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

func (ls *davLockSystem) Refresh(now time.Time, token string, duration time.Duration) (webdav.LockDetails, error) {
	ctx, cancel := ls.ctx()
	defer cancel()
	l, err := ls.db.RefreshDavLock(ctx, token, now.Add(davLockTTL(duration)))
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return webdav.LockDetails{}, webdav.ErrNoSuchLock
		}
		return webdav.LockDetails{}, err
	}
	return webdav.LockDetails{
		Root:      l.Root,
		Duration:  l.ExpiresAt.Sub(now),
		OwnerXML:  l.OwnerXML,
		ZeroDepth: !l.InfiniteDepth,
	}, nil
}

func (ls *davLockSystem) Unlock(now time.Time, token string) error {
	ctx, cancel := ls.ctx()
	defer cancel()
	if err := ls.db.DeleteDavLock(ctx, token); err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return webdav.ErrNoSuchLock
		}
		return err
	}
	return nil
}

// Confirm checks that every unexpired lock covering the named paths is
// matched by a submitted token. The lock token is the gate: holders
// proceed, everyone else gets 423.
func (ls *davLockSystem) Confirm(now time.Time, name0, name1 string, conditions ...webdav.Condition) (func(), error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ctx, cancel := ls.ctx()
	defer cancel()

	for _, name := range []string{name0, name1} {
		if name == "" {
			continue
		}
		p := types.NormalizePath(name)
		held, err := ls.db.DavLocksUnder(ctx, p, now)
		if err != nil {
			return nil, err
		}
		for _, l := range held {
			if !l.Covers(p) && strings.TrimSuffix(l.Root, "/") != strings.TrimSuffix(p, "/") {
				continue
			}
			matched := false
			for _, c := range conditions {
				if !c.Not && c.Token == l.Token {
					matched = true
					break
				}
			}
			if !matched {
				return nil, webdav.ErrConfirmationFailed
			}
		}
	}
	return func() {}, nil
}
