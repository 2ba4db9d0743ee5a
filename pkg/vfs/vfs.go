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

// Package vfs is the virtual filesystem service: it joins the mount
// router, the storage drivers, the directory metadata and the listing
// cache into the path-addressed API the HTTP and WebDAV layers serve.
package vfs // import "cloudpaste.org/pkg/vfs"

import (
	"context"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"cloudpaste.org/pkg/auth"
	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/mount"
	"cloudpaste.org/pkg/types"
)

// pathTokenTTL is how long one password unlock of a protected
// directory remains valid.
const pathTokenTTL = 24 * time.Hour

// MetaSource loads directory metadata chains. *store.Store satisfies
// it.
type MetaSource interface {
	FSMetaChain(ctx context.Context, path string) ([]*types.DirectoryMeta, error)
}

// IndexNotifier hears about filesystem writes so the search index can
// queue dirty entries. Notifications are fire-and-forget.
type IndexNotifier interface {
	NoteWrite(mountID, storageKey string, isDir, removed bool)
}

// FS is the virtual filesystem service.
type FS struct {
	router *mount.Router
	reg    *driver.Registry
	meta   MetaSource
	signer *auth.Signer
	cache  *DirCache
	index  IndexNotifier
}

// New returns a filesystem service. Call SetIndexNotifier once the
// index exists; writes before that simply go unindexed until a rebuild.
func New(router *mount.Router, reg *driver.Registry, meta MetaSource, signer *auth.Signer) *FS {
	return &FS{
		router: router,
		reg:    reg,
		meta:   meta,
		signer: signer,
		cache:  NewDirCache(),
	}
}

// SetIndexNotifier wires the search index's dirty queue.
func (fs *FS) SetIndexNotifier(n IndexNotifier) { fs.index = n }

// Cache exposes the directory cache for the admin cache endpoints.
func (fs *FS) Cache() *DirCache { return fs.cache }

// Router exposes the mount router.
func (fs *FS) Router() *mount.Router { return fs.router }

func (fs *FS) resolve(ctx context.Context, id *auth.Identity, p string) (*mount.Resolved, driver.Driver, error) {
	res, err := fs.router.ResolveFor(ctx, id, p)
	if err != nil {
		return nil, nil, err
	}
	drv, _, err := fs.reg.Driver(ctx, res.Mount.StorageConfigID)
	if err != nil {
		return nil, nil, err
	}
	return res, drv, nil
}

func viewerScope(id *auth.Identity) string {
	if id.Admin {
		return "admin"
	}
	return id.BasicPath()
}

// effectiveMetaAt loads and folds the meta chain for a directory path.
// A missing meta source means no metadata anywhere.
func (fs *FS) effectiveMetaAt(ctx context.Context, p string) (*effectiveMeta, error) {
	if fs.meta == nil {
		return &effectiveMeta{}, nil
	}
	chain, err := fs.meta.FSMetaChain(ctx, p)
	if err != nil {
		return nil, err
	}
	return resolveMeta(chain, p), nil
}

// checkPassword enforces a directory password gate for non-admins. A
// valid path token covering the protecting prefix passes; so does the
// plaintext password.
func (fs *FS) checkPassword(ctx context.Context, id *auth.Identity, p, token, password string) error {
	if id.Admin {
		return nil
	}
	eff, err := fs.effectiveMetaAt(ctx, p)
	if err != nil {
		return err
	}
	if eff.PasswordHash == "" {
		return nil
	}
	if token != "" {
		if _, err := fs.signer.CheckPathToken(token, p, time.Now()); err == nil {
			return nil
		}
	}
	if password != "" && auth.CheckPassword(eff.PasswordHash, password) == nil {
		return nil
	}
	return types.NewPermissionDenied("directory requires a password")
}

// VerifyPassword checks a directory password and mints a path token
// bound to the protecting prefix, so one unlock covers the subtree.
func (fs *FS) VerifyPassword(ctx context.Context, p, password string) (string, error) {
	p = types.NormalizePath(p)
	eff, err := fs.effectiveMetaAt(ctx, p)
	if err != nil {
		return "", err
	}
	if eff.PasswordHash == "" {
		return "", types.NewInvalidInput("path %q is not password protected", p)
	}
	if err := auth.CheckPassword(eff.PasswordHash, password); err != nil {
		return "", types.NewPermissionDenied("wrong password")
	}
	return fs.signer.MintPathToken(eff.PasswordPath, pathTokenTTL, time.Now()), nil
}

// ListOpts parameterizes List.
type ListOpts struct {
	// PathToken and Password satisfy a directory password gate.
	PathToken string
	Password  string
	// Refresh bypasses the cache.
	Refresh bool
	// Cursor resumes a truncated backend listing; cursored pages are
	// never cached.
	Cursor string
	Limit  int
}

// Listing is a rendered directory.
type Listing struct {
	Path       string        `json:"path"`
	MountID    string        `json:"mount_id,omitempty"`
	IsVirtual  bool          `json:"isVirtual,omitempty"`
	Entries    []types.Entry `json:"items"`
	HeaderHTML string        `json:"headerHtml,omitempty"`
	FooterHTML string        `json:"footerHtml,omitempty"`
	Truncated  bool          `json:"truncated,omitempty"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

// List returns the directory at p: backend entries merged with virtual
// mount directories, metadata applied, sorted directories-first and
// case-insensitive by name.
func (fs *FS) List(ctx context.Context, id *auth.Identity, p string, opts ListOpts) (*Listing, error) {
	p = strings.TrimSuffix(types.NormalizePath(p), "/")
	if p == "" {
		p = "/"
	}
	if err := id.CheckPath(p); err != nil {
		return nil, err
	}
	if err := fs.checkPassword(ctx, id, p, opts.PathToken, opts.Password); err != nil {
		return nil, err
	}

	res, err := fs.router.ResolveFor(ctx, id, p)
	if types.IsKind(err, types.KindNotFound) {
		return fs.virtualList(ctx, id, p)
	}
	if err != nil {
		return nil, err
	}

	scope := viewerScope(id)
	cacheable := opts.Cursor == ""
	if cacheable && !opts.Refresh {
		if l, ok := fs.cache.get(res.Mount.ID, res.Key, scope); ok {
			return l, nil
		}
	}

	drv, _, err := fs.reg.Driver(ctx, res.Mount.StorageConfigID)
	if err != nil {
		return nil, err
	}
	page, err := drv.List(ctx, res.Key, driver.ListOpts{Cursor: opts.Cursor, Limit: opts.Limit})
	if err != nil {
		return nil, err
	}

	eff, err := fs.effectiveMetaAt(ctx, p)
	if err != nil {
		return nil, err
	}
	hidden := func(string) bool { return false }
	if !id.Admin {
		hidden = hideFilter(eff.HidePatterns)
	}

	entries := make([]types.Entry, 0, len(page.Entries))
	seen := make(map[string]bool, len(page.Entries))
	for _, e := range page.Entries {
		if hidden(e.Name) {
			continue
		}
		e.Path = res.SubPath(e.Key)
		entries = append(entries, e)
		seen[e.Name] = true
	}
	// Mounts nested below this directory appear as virtual folders.
	for _, name := range fs.nestedMountDirs(ctx, id, p) {
		if !seen[name] && !hidden(name) {
			entries = append(entries, virtualDir(name, p))
		}
	}
	sortEntries(entries)

	l := &Listing{
		Path:       p,
		MountID:    res.Mount.ID,
		Entries:    entries,
		HeaderHTML: renderMarkdown(eff.HeaderMarkdown),
		FooterHTML: renderMarkdown(eff.FooterMarkdown),
		Truncated:  page.Truncated,
		NextCursor: page.NextCursor,
	}
	if cacheable && !page.Truncated {
		fs.cache.put(res.Mount.ID, res.Key, scope, l, res.Mount.CacheTTL(DefaultCacheTTL))
	}
	return l, nil
}

func virtualDir(name, parent string) types.Entry {
	p := parent
	if p == "/" {
		p = ""
	}
	return types.Entry{
		Name:        name,
		Path:        p + "/" + name,
		IsDirectory: true,
		Type:        types.TypeFolder,
	}
}

// nestedMountDirs returns the child directory names p gains from
// mounts below it.
func (fs *FS) nestedMountDirs(ctx context.Context, id *auth.Identity, p string) []string {
	mounts, err := fs.router.Visible(ctx, id)
	if err != nil {
		return nil
	}
	base := strings.TrimSuffix(p, "/")
	seen := make(map[string]bool)
	var names []string
	for _, m := range mounts {
		mp := strings.TrimSuffix(m.MountPath, "/")
		if mp == base || !strings.HasPrefix(mp, base+"/") {
			continue
		}
		seg := mp[len(base)+1:]
		if i := strings.IndexByte(seg, '/'); i >= 0 {
			seg = seg[:i]
		}
		if seg != "" && !seen[seg] {
			seen[seg] = true
			names = append(names, seg)
		}
	}
	return names
}

// virtualList renders a directory that exists only as a prefix of
// mount paths.
func (fs *FS) virtualList(ctx context.Context, id *auth.Identity, p string) (*Listing, error) {
	names := fs.nestedMountDirs(ctx, id, p)
	if len(names) == 0 && p != "/" {
		return nil, types.NewNotFound("path %q not found", p)
	}
	entries := make([]types.Entry, 0, len(names))
	for _, name := range names {
		entries = append(entries, virtualDir(name, p))
	}
	sortEntries(entries)
	return &Listing{Path: p, IsVirtual: true, Entries: entries}, nil
}

func sortEntries(entries []types.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDirectory != entries[j].IsDirectory {
			return entries[i].IsDirectory
		}
		ni, nj := strings.ToLower(entries[i].Name), strings.ToLower(entries[j].Name)
		if ni != nj {
			return ni < nj
		}
		return entries[i].Name < entries[j].Name
	})
}

// FileInfo is a stat result plus the computed link fields.
type FileInfo struct {
	types.Entry
	LinkType    types.LinkType `json:"linkType"`
	PreviewURL  string         `json:"previewUrl,omitempty"`
	DownloadURL string         `json:"downloadUrl,omitempty"`
}

// Get stats p and decides how its content should be fetched.
func (fs *FS) Get(ctx context.Context, id *auth.Identity, p, pathToken string) (*FileInfo, error) {
	p = types.NormalizePath(p)
	if err := fs.checkPassword(ctx, id, types.ParentPath(p), pathToken, ""); err != nil {
		return nil, err
	}
	res, drv, err := fs.resolve(ctx, id, p)
	if err != nil {
		return nil, err
	}
	entry, err := drv.Stat(ctx, res.Key)
	if err != nil {
		return nil, err
	}
	entry.Path = p

	info := &FileInfo{Entry: *entry}
	if entry.IsDirectory {
		return info, nil
	}
	info.LinkType, info.PreviewURL, info.DownloadURL = fs.link(ctx, drv, res, entry)
	return info, nil
}

// link decides the link type for a file and builds its URLs. Proxy
// links are signed when the mount demands it.
func (fs *FS) link(ctx context.Context, drv driver.Driver, res *mount.Resolved, entry *types.Entry) (types.LinkType, string, string) {
	caps := drv.Capabilities()
	if !res.Mount.WebProxy {
		if us, ok := drv.(driver.URLSource); ok {
			ttl := fs.signTTL(res.Mount)
			if caps.Share.URL {
				preview, err1 := us.SourceURL(ctx, res.Key, driver.URLOpts{TTL: ttl})
				download, err2 := us.SourceURL(ctx, res.Key, driver.URLOpts{TTL: ttl, Download: true, Filename: entry.Name})
				if err1 == nil && err2 == nil {
					return types.LinkDirect, preview, download
				}
			}
			// The upstream URL exists but is not browser-usable;
			// clients fetch it through the ticketed URL proxy.
			esc := url.QueryEscape(entry.Path)
			ticket := fs.signer.MintTicket("url_proxy", entry.Path, time.Now())
			base := "/api/p/url?path=" + esc + "&ticket=" + url.QueryEscape(ticket)
			return types.LinkURLProxy, base, base + "&download=true"
		}
	}
	preview := fs.proxyURL(res.Mount, entry.Path, false)
	return types.LinkProxy, preview, fs.proxyURL(res.Mount, entry.Path, true)
}

func (fs *FS) signTTL(m *types.Mount) time.Duration {
	if m.SignExpiresSec != nil && *m.SignExpiresSec > 0 {
		return time.Duration(*m.SignExpiresSec) * time.Second
	}
	return 0
}

// proxyURL builds the same-origin content URL for p, signed when the
// mount requires signatures.
func (fs *FS) proxyURL(m *types.Mount, p string, download bool) string {
	u := "/api/fs/content?path=" + url.QueryEscape(p)
	if download {
		u += "&download=true"
	}
	if m.EnableSign {
		u += "&" + fs.signer.SignedQuery(p, fs.signTTL(m), time.Now())
	}
	return u
}

// SourceRedirect returns a direct upstream URL for p when the driver
// and mount allow a 302, and "" when the content must be streamed.
func (fs *FS) SourceRedirect(ctx context.Context, id *auth.Identity, p string) (string, error) {
	p = types.NormalizePath(p)
	res, drv, err := fs.resolve(ctx, id, p)
	if err != nil {
		return "", err
	}
	if res.Mount.WebProxy || !drv.Capabilities().Share.URL {
		return "", nil
	}
	us, ok := drv.(driver.URLSource)
	if !ok {
		return "", nil
	}
	return us.SourceURL(ctx, res.Key, driver.URLOpts{
		TTL:      fs.signTTL(res.Mount),
		Download: true,
		Filename: types.BaseName(p),
	})
}

// OpenRead opens p's content for same-origin streaming. offset/length
// follow the driver range convention.
func (fs *FS) OpenRead(ctx context.Context, id *auth.Identity, p, pathToken string, offset, length int64) (*driver.Object, *mount.Resolved, error) {
	p = types.NormalizePath(p)
	if err := fs.checkPassword(ctx, id, types.ParentPath(p), pathToken, ""); err != nil {
		return nil, nil, err
	}
	res, drv, err := fs.resolve(ctx, id, p)
	if err != nil {
		return nil, nil, err
	}
	obj, err := drv.Open(ctx, res.Key, offset, length)
	if err != nil {
		return nil, nil, err
	}
	return obj, res, nil
}

// UpstreamURL resolves p to the raw upstream URL the ticketed URL
// proxy fetches on the client's behalf.
func (fs *FS) UpstreamURL(ctx context.Context, id *auth.Identity, p string) (string, error) {
	p = types.NormalizePath(p)
	res, drv, err := fs.resolve(ctx, id, p)
	if err != nil {
		return "", err
	}
	us, ok := drv.(driver.URLSource)
	if !ok {
		return "", types.NewInvalidInput("storage backend has no upstream URL")
	}
	return us.SourceURL(ctx, res.Key, driver.URLOpts{TTL: fs.signTTL(res.Mount)})
}

// ResolveWrite resolves p for a write operation and hands back the
// driver, so the upload engine can take over the byte transfer.
func (fs *FS) ResolveWrite(ctx context.Context, id *auth.Identity, p string) (driver.Driver, *mount.Resolved, error) {
	p = types.NormalizePath(p)
	res, drv, err := fs.resolve(ctx, id, p)
	if err != nil {
		return nil, nil, err
	}
	if !drv.Capabilities().FS.Write {
		return nil, nil, types.NewReadOnly("storage backend is read-only")
	}
	return drv, res, nil
}

// NoteWrite records that something changed at res: the listing cache
// forgets the surrounding directories and the index queues a dirty
// entry.
func (fs *FS) NoteWrite(res *mount.Resolved, isDir, removed bool) {
	parent := types.ParentPath("/" + res.Key)
	fs.cache.InvalidatePrefix(res.Mount.ID, strings.Trim(parent, "/"))
	if isDir || removed {
		fs.cache.InvalidatePrefix(res.Mount.ID, res.Key)
	}
	if fs.index != nil {
		fs.index.NoteWrite(res.Mount.ID, res.Key, isDir, removed)
	}
}

// Mkdir creates a directory. Creating an existing directory succeeds;
// a file in the way is a Conflict.
func (fs *FS) Mkdir(ctx context.Context, id *auth.Identity, p string) error {
	drv, res, err := fs.ResolveWrite(ctx, id, p)
	if err != nil {
		return err
	}
	if err := drv.Mkdir(ctx, res.Key); err != nil {
		return err
	}
	fs.NoteWrite(res, true, false)
	return nil
}

// WriteFile streams content into p, replacing what was there.
func (fs *FS) WriteFile(ctx context.Context, id *auth.Identity, p string, r io.Reader, opts driver.WriteOpts) (*types.Entry, error) {
	drv, res, err := fs.ResolveWrite(ctx, id, p)
	if err != nil {
		return nil, err
	}
	etag, err := drv.Write(ctx, res.Key, r, opts)
	if err != nil {
		return nil, err
	}
	fs.NoteWrite(res, false, false)
	entry, err := drv.Stat(ctx, res.Key)
	if err != nil {
		entry = &types.Entry{Name: types.BaseName(p), Key: res.Key, Size: opts.Size, ContentType: opts.ContentType, ETag: etag, Modified: time.Now()}
	}
	entry.Path = types.NormalizePath(p)
	return entry, nil
}

// Rename moves oldPath to newPath. Within one mount the driver does
// it; across mounts only single files move, by copy and delete.
func (fs *FS) Rename(ctx context.Context, id *auth.Identity, oldPath, newPath string) error {
	srcDrv, src, err := fs.ResolveWrite(ctx, id, oldPath)
	if err != nil {
		return err
	}
	dstDrv, dst, err := fs.ResolveWrite(ctx, id, newPath)
	if err != nil {
		return err
	}
	if src.Mount.ID == dst.Mount.ID {
		if !srcDrv.Capabilities().FS.Rename {
			return types.NewInvalidInput("storage backend does not support rename")
		}
		if err := srcDrv.Rename(ctx, src.Key, dst.Key); err != nil {
			return err
		}
	} else {
		entry, err := srcDrv.Stat(ctx, src.Key)
		if err != nil {
			return err
		}
		if entry.IsDirectory {
			return types.NewInvalidInput("cross-mount directory rename requires a copy job")
		}
		if _, err := fs.copyFile(ctx, srcDrv, dstDrv, src.Key, dst.Key, entry); err != nil {
			return err
		}
		if err := srcDrv.Delete(ctx, src.Key, false); err != nil {
			return err
		}
	}
	fs.NoteWrite(src, true, true)
	fs.NoteWrite(dst, true, false)
	return nil
}

// DeleteMode selects what a remove touches.
type DeleteMode string

const (
	// DeleteBoth removes backend content and gateway records.
	DeleteBoth DeleteMode = "both"
	// DeleteRecordOnly drops gateway records (index, cache) and leaves
	// the backend content alone.
	DeleteRecordOnly DeleteMode = "record_only"
	// DeleteStorageOnly removes backend content and leaves records to
	// the next index pass.
	DeleteStorageOnly DeleteMode = "storage_only"
)

// Remove deletes p. Directories go recursively.
func (fs *FS) Remove(ctx context.Context, id *auth.Identity, p string, mode DeleteMode) error {
	if mode == "" {
		mode = DeleteBoth
	}
	drv, res, err := fs.ResolveWrite(ctx, id, p)
	if err != nil {
		return err
	}
	isDir := strings.HasSuffix(p, "/")
	if entry, err := drv.Stat(ctx, res.Key); err == nil {
		isDir = entry.IsDirectory
	}
	if mode != DeleteRecordOnly {
		if err := drv.Delete(ctx, res.Key, true); err != nil {
			return err
		}
	}
	if mode != DeleteStorageOnly {
		fs.NoteWrite(res, isDir, true)
	} else {
		fs.cache.InvalidatePrefix(res.Mount.ID, res.Key)
	}
	return nil
}

// BatchRemove deletes several paths, recording a result per item.
// Failures never abort the batch.
func (fs *FS) BatchRemove(ctx context.Context, id *auth.Identity, paths []string, mode DeleteMode) []types.ItemResult {
	results := make([]types.ItemResult, 0, len(paths))
	for _, p := range paths {
		r := types.ItemResult{SourcePath: p, Status: types.ItemSuccess}
		if err := fs.Remove(ctx, id, p, mode); err != nil {
			r.Status = types.ItemFailed
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return results
}

// CopyItem copies src to dst, recursing into directories, and returns
// the bytes moved. Same-mount copies use the driver; cross-mount copies
// stream through the gateway.
func (fs *FS) CopyItem(ctx context.Context, id *auth.Identity, srcPath, dstPath string) (int64, error) {
	src, srcDrv, err := fs.resolve(ctx, id, types.NormalizePath(srcPath))
	if err != nil {
		return 0, err
	}
	dstDrv, dst, err := fs.ResolveWrite(ctx, id, dstPath)
	if err != nil {
		return 0, err
	}

	var moved int64
	if src.Mount.ID == dst.Mount.ID && srcDrv.Capabilities().FS.Copy {
		if err := srcDrv.Copy(ctx, src.Key, dst.Key); err != nil {
			return 0, err
		}
		if entry, err := srcDrv.Stat(ctx, src.Key); err == nil {
			moved = entry.Size
		}
	} else {
		entry, err := srcDrv.Stat(ctx, src.Key)
		if err != nil {
			return 0, err
		}
		moved, err = fs.copyTree(ctx, srcDrv, dstDrv, src.Key, dst.Key, entry)
		if err != nil {
			return moved, err
		}
	}
	fs.NoteWrite(dst, true, false)
	return moved, nil
}

func (fs *FS) copyTree(ctx context.Context, srcDrv, dstDrv driver.Driver, srcKey, dstKey string, entry *types.Entry) (int64, error) {
	if !entry.IsDirectory {
		return fs.copyFile(ctx, srcDrv, dstDrv, srcKey, dstKey, entry)
	}
	if err := dstDrv.Mkdir(ctx, dstKey); err != nil {
		return 0, err
	}
	var moved int64
	cursor := ""
	for {
		page, err := srcDrv.List(ctx, srcKey, driver.ListOpts{Cursor: cursor})
		if err != nil {
			return moved, err
		}
		for i := range page.Entries {
			child := &page.Entries[i]
			n, err := fs.copyTree(ctx, srcDrv, dstDrv, joinKey(srcKey, child.Name), joinKey(dstKey, child.Name), child)
			moved += n
			if err != nil {
				return moved, err
			}
		}
		if !page.Truncated || page.NextCursor == "" {
			return moved, nil
		}
		cursor = page.NextCursor
	}
}

func (fs *FS) copyFile(ctx context.Context, srcDrv, dstDrv driver.Driver, srcKey, dstKey string, entry *types.Entry) (int64, error) {
	obj, err := srcDrv.Open(ctx, srcKey, 0, -1)
	if err != nil {
		return 0, err
	}
	defer obj.Reader.Close()
	_, err = dstDrv.Write(ctx, dstKey, obj.Reader, driver.WriteOpts{Size: entry.Size, ContentType: entry.ContentType})
	if err != nil {
		return 0, err
	}
	return entry.Size, nil
}

func joinKey(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
