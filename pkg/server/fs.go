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
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"cloudpaste.org/internal/magic"
	"cloudpaste.org/pkg/auth"
	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/fsindex"
	"cloudpaste.org/pkg/httputil"
	"cloudpaste.org/pkg/jobs"
	"cloudpaste.org/pkg/share"
	"cloudpaste.org/pkg/types"
	"cloudpaste.org/pkg/upload"
	"cloudpaste.org/pkg/vfs"
)

// pathToken extracts a directory password token from the X-FS-Path-Token
// header or the path_token query parameter.
func pathToken(req *http.Request) string {
	if t := req.Header.Get("X-FS-Path-Token"); t != "" {
		return t
	}
	return req.URL.Query().Get("path_token")
}

func (s *Server) serveFSList(rw http.ResponseWriter, req *http.Request) {
	defer httputil.Recover(rw, req)
	p := httputil.MustGet(req, "path")
	l, err := s.fs.List(req.Context(), identity(req), p, vfs.ListOpts{
		PathToken: pathToken(req),
		Password:  req.FormValue("password"),
		Refresh:   httputil.OptionalBool(req, "refresh"),
		Cursor:    req.FormValue("cursor"),
		Limit:     httputil.OptionalInt(req, "limit"),
	})
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, l)
}

func (s *Server) serveFSGet(rw http.ResponseWriter, req *http.Request) {
	defer httputil.Recover(rw, req)
	p := httputil.MustGet(req, "path")
	info, err := s.fs.Get(req.Context(), identity(req), p, pathToken(req))
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, info)
}

func (s *Server) serveFSFileLink(rw http.ResponseWriter, req *http.Request) {
	defer httputil.Recover(rw, req)
	p := httputil.MustGet(req, "path")
	info, err := s.fs.Get(req.Context(), identity(req), p, pathToken(req))
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	if info.IsDirectory {
		httputil.ServeError(rw, req, types.NewInvalidInput("path %q is a directory", p).WithField("path"))
		return
	}
	httputil.ReturnJSON(rw, map[string]any{
		"linkType":    info.LinkType,
		"previewUrl":  info.PreviewURL,
		"downloadUrl": info.DownloadURL,
	})
}

// serveFSDownload hands out p's content to an authenticated caller: a
// 302 to the backend when the driver can mint a direct URL, otherwise
// an attachment stream honoring Range.
func (s *Server) serveFSDownload(rw http.ResponseWriter, req *http.Request) {
	defer httputil.Recover(rw, req)
	p := httputil.MustGet(req, "path")
	id := identity(req)
	if u, err := s.fs.SourceRedirect(req.Context(), id, p); err == nil && u != "" {
		http.Redirect(rw, req, u, http.StatusFound)
		return
	}
	s.streamFile(rw, req, id, p, true)
}

// serveFSContent is the same-origin proxy target built by the link
// layer. It admits authenticated viewers, and anonymous callers whose
// URL carries a valid signature when the mount demands one.
func (s *Server) serveFSContent(rw http.ResponseWriter, req *http.Request) {
	defer httputil.Recover(rw, req)
	p := httputil.MustGet(req, "path")
	id, err := s.contentIdentity(req, p)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	s.streamFile(rw, req, id, p, httputil.OptionalBool(req, "download"))
}

// contentIdentity authorizes a content request: a signed URL stands in
// for credentials, otherwise the caller needs mount view permission.
func (s *Server) contentIdentity(req *http.Request, p string) (*auth.Identity, error) {
	id, err := s.auth.Identify(req)
	if err != nil {
		return nil, err
	}
	norm := types.NormalizePath(p)
	res, rerr := s.router.Resolve(req.Context(), norm)
	if rerr != nil {
		return nil, rerr
	}
	sign, expStr := req.FormValue("sign"), req.FormValue("exp")
	if res.Mount.EnableSign || (sign != "" && !id.Can(types.PermMountView)) {
		exp, err := strconv.ParseInt(expStr, 10, 64)
		if err != nil {
			return nil, types.NewInvalidInput("missing or malformed exp").WithField("exp")
		}
		if err := s.signer.Verify("GET", norm, exp, sign, time.Now()); err != nil {
			return nil, err
		}
		// The signature is the authorization.
		return &auth.Identity{Admin: true}, nil
	}
	if !id.Can(types.PermMountView) {
		if id.IsAnonymous() {
			return nil, types.NewUnauthenticated("authentication required")
		}
		return nil, types.NewPermissionDenied("missing permission")
	}
	return id, nil
}

// parseRange parses a single-range "bytes=start-end" header into the
// driver's offset/length form. A missing header is (0, -1). A suffix
// range "bytes=-n" sets suffix with length n; the caller resolves the
// offset once it knows the object size.
func parseRange(h string) (offset, length int64, suffix, ok bool) {
	if h == "" {
		return 0, -1, false, true
	}
	spec, found := strings.CutPrefix(h, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, 0, false, false
	}
	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false, false
	}
	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false, false
		}
		return 0, n, true, true
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false, false
	}
	if endStr == "" {
		return start, -1, false, true
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return 0, 0, false, false
	}
	return start, end - start + 1, false, true
}

func (s *Server) streamFile(rw http.ResponseWriter, req *http.Request, id *auth.Identity, p string, download bool) {
	offset, length, suffix, ok := parseRange(req.Header.Get("Range"))
	if !ok {
		rw.Header().Set("Content-Range", "bytes */*")
		http.Error(rw, "invalid range", http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if suffix {
		info, err := s.fs.Get(req.Context(), id, p, pathToken(req))
		if err != nil {
			httputil.ServeError(rw, req, err)
			return
		}
		if length >= info.Size {
			offset, length = 0, -1
		} else {
			offset = info.Size - length
		}
	}
	obj, _, err := s.fs.OpenRead(req.Context(), id, p, pathToken(req), offset, length)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	defer obj.Reader.Close()

	name := types.BaseName(types.NormalizePath(p))
	ct := obj.ContentType
	if ct == "" {
		ct = mime.TypeByExtension(path.Ext(name))
	}
	if ct == "" {
		ct = "application/octet-stream"
	}
	h := rw.Header()
	h.Set("Content-Type", ct)
	h.Set("Accept-Ranges", "bytes")
	if obj.ETag != "" {
		h.Set("ETag", obj.ETag)
	}
	if download {
		h.Set("Content-Disposition", fmt.Sprintf("attachment; filename*=UTF-8''%s", url.PathEscape(name)))
	}
	status := http.StatusOK
	if obj.ContentRange != "" {
		h.Set("Content-Range", obj.ContentRange)
		if length >= 0 {
			h.Set("Content-Length", strconv.FormatInt(length, 10))
		}
		status = http.StatusPartialContent
	} else if obj.Size > 0 {
		h.Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	rw.WriteHeader(status)
	if req.Method == "HEAD" {
		return
	}
	io.Copy(rw, obj.Reader)
}

func (s *Server) serveFSMkdir(rw http.ResponseWriter, req *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	if err := s.fs.Mkdir(req.Context(), identity(req), body.Path); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, map[string]any{"path": types.NormalizePath(body.Path)})
}

// serveFSUpload accepts a multipart form ("file" field plus a "path"
// field naming the target directory or file) and streams it through
// the upload engine so progress reaches the websocket.
func (s *Server) serveFSUpload(rw http.ResponseWriter, req *http.Request) {
	id := identity(req)
	mr, err := req.MultipartReader()
	if err != nil {
		httputil.ServeError(rw, req, types.NewInvalidInput("multipart form expected: %v", err))
		return
	}
	var target string
	for {
		part, err := mr.NextPart()
		if err != nil {
			httputil.ServeError(rw, req, types.NewInvalidInput("no file field in form"))
			return
		}
		if part.FormName() == "path" {
			buf := make([]byte, 4096)
			n, _ := part.Read(buf)
			target = string(buf[:n])
			continue
		}
		if part.FormName() != "file" {
			continue
		}
		p := target
		if p == "" {
			p = req.URL.Query().Get("path")
		}
		if strings.HasSuffix(p, "/") || p == "" {
			p += part.FileName()
		}
		entry, err := s.writeThroughEngine(req, id, p, part, -1, part.Header.Get("Content-Type"))
		if err != nil {
			httputil.ServeError(rw, req, err)
			return
		}
		httputil.ReturnJSON(rw, entry)
		return
	}
}

// writeThroughEngine resolves a write target and streams r into it via
// the engine, which publishes progress and enforces quota.
func (s *Server) writeThroughEngine(req *http.Request, id *auth.Identity, p string, r io.Reader, size int64, contentType string) (*types.Entry, error) {
	drv, res, err := s.fs.ResolveWrite(req.Context(), id, p)
	if err != nil {
		return nil, err
	}
	if contentType == "" || contentType == "application/octet-stream" {
		var sniffed string
		sniffed, r = magic.MIMETypeFromReader(r)
		if sniffed == "" {
			sniffed = magic.MIMETypeByExtension(path.Ext(p))
		}
		if sniffed != "" {
			contentType = sniffed
		}
	}
	entry, err := s.engine.Stream(req.Context(), drv, upload.Target{
		MountID:         res.Mount.ID,
		StorageConfigID: res.Mount.StorageConfigID,
		Key:             res.Key,
		Path:            types.NormalizePath(p),
	}, r, driver.WriteOpts{Size: size, ContentType: contentType})
	if err != nil {
		return nil, err
	}
	s.fs.NoteWrite(res, false, false)
	return entry, nil
}

// serveFSUpdate rewrites a text file in place.
func (s *Server) serveFSUpdate(rw http.ResponseWriter, req *http.Request) {
	var body struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	if body.Path == "" {
		httputil.ServeError(rw, req, types.NewInvalidInput("path is required").WithField("path"))
		return
	}
	entry, err := s.fs.WriteFile(req.Context(), identity(req), body.Path,
		strings.NewReader(body.Content),
		driver.WriteOpts{Size: int64(len(body.Content)), ContentType: "text/plain; charset=utf-8"})
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, entry)
}

func (s *Server) serveFSRename(rw http.ResponseWriter, req *http.Request) {
	var body struct {
		OldPath string `json:"oldPath"`
		NewPath string `json:"newPath"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	if err := s.fs.Rename(req.Context(), identity(req), body.OldPath, body.NewPath); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, map[string]any{
		"oldPath": types.NormalizePath(body.OldPath),
		"newPath": types.NormalizePath(body.NewPath),
	})
}

func (s *Server) serveFSBatchRemove(rw http.ResponseWriter, req *http.Request) {
	var body struct {
		Paths []string       `json:"paths"`
		Mode  vfs.DeleteMode `json:"mode,omitempty"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	if len(body.Paths) == 0 {
		httputil.ServeError(rw, req, types.NewInvalidInput("paths is required").WithField("paths"))
		return
	}
	results := s.fs.BatchRemove(req.Context(), identity(req), body.Paths, body.Mode)
	failed := 0
	for _, r := range results {
		if r.Status == types.ItemFailed {
			failed++
		}
	}
	httputil.ReturnJSON(rw, map[string]any{
		"itemResults": results,
		"failedCount": failed,
	})
}

// serveFSBatchCopy validates the items against the caller's path
// sandbox and submits an async copy job.
func (s *Server) serveFSBatchCopy(rw http.ResponseWriter, req *http.Request) {
	id := identity(req)
	var body jobs.CopyPayload
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	if len(body.Items) == 0 {
		httputil.ServeError(rw, req, types.NewInvalidInput("items is required").WithField("items"))
		return
	}
	// Path permissions are enforced here, at submit time; the worker
	// runs unscoped.
	for _, item := range body.Items {
		if err := id.CheckPath(types.NormalizePath(item.SourcePath)); err != nil {
			httputil.ServeError(rw, req, err)
			return
		}
		if err := id.CheckPath(types.NormalizePath(item.TargetPath)); err != nil {
			httputil.ServeError(rw, req, err)
			return
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	job, err := s.runner.Submit(req.Context(), jobs.KindCopy, payload, id.Name(), types.TriggerAPI)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSONCode(rw, http.StatusAccepted, job)
}

func (s *Server) serveFSSearch(rw http.ResponseWriter, req *http.Request) {
	defer httputil.Recover(rw, req)
	res, err := s.index.Search(req.Context(), identity(req), fsindex.SearchReq{
		Query:   httputil.MustGet(req, "q"),
		Scope:   fsindex.SearchScope(req.FormValue("scope")),
		MountID: req.FormValue("mount_id"),
		Dir:     req.FormValue("dir"),
		Limit:   httputil.OptionalInt(req, "limit"),
		Cursor:  req.FormValue("cursor"),
	})
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, res)
}

func (s *Server) serveFSVerifyPassword(rw http.ResponseWriter, req *http.Request) {
	var body struct {
		Path     string `json:"path"`
		Password string `json:"password"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	token, err := s.fs.VerifyPassword(req.Context(), body.Path, body.Password)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, map[string]any{"token": token})
}

// serveFSCreateShare turns a mounted file into a slug-addressed share
// without re-uploading it.
func (s *Server) serveFSCreateShare(rw http.ResponseWriter, req *http.Request) {
	id := identity(req)
	var body struct {
		Path      string     `json:"path"`
		Slug      string     `json:"slug,omitempty"`
		Password  string     `json:"password,omitempty"`
		MaxViews  int        `json:"max_views,omitempty"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	p := types.NormalizePath(body.Path)
	res, err := s.router.ResolveFor(req.Context(), id, p)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	drv, _, err := s.reg.Driver(req.Context(), res.Mount.StorageConfigID)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	entry, err := drv.Stat(req.Context(), res.Key)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	if entry.IsDirectory {
		httputil.ServeError(rw, req, types.NewInvalidInput("directories cannot be shared").WithField("path"))
		return
	}
	rec, err := s.shares.Create(req.Context(), share.CreateReq{
		Slug:            body.Slug,
		Kind:            types.ShareFile,
		Target:          res.Key,
		FileName:        entry.Name,
		Size:            entry.Size,
		ContentType:     entry.ContentType,
		StorageConfigID: res.Mount.StorageConfigID,
		Password:        body.Password,
		MaxViews:        body.MaxViews,
		ExpiresAt:       body.ExpiresAt,
		CreatedBy:       id.Name(),
	})
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSONCode(rw, http.StatusCreated, rec)
}

// Directory metadata administration.

func (s *Server) serveFSMetaList(rw http.ResponseWriter, req *http.Request) {
	metas, err := s.db.ListFSMeta(req.Context())
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, metas)
}

func (s *Server) serveFSMetaUpsert(rw http.ResponseWriter, req *http.Request) {
	var body struct {
		types.DirectoryMeta
		// Password sets a new directory password; "-" clears it, ""
		// keeps the stored one.
		Password string `json:"password,omitempty"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	if body.Path == "" {
		httputil.ServeError(rw, req, types.NewInvalidInput("path is required").WithField("path"))
		return
	}
	m := body.DirectoryMeta
	m.Path = types.NormalizePath(m.Path)
	switch body.Password {
	case "":
		if old, err := s.db.FSMeta(req.Context(), m.Path); err == nil {
			m.PasswordHash = old.PasswordHash
		}
	case "-":
		m.PasswordHash = ""
	default:
		hash, err := auth.HashPassword(body.Password)
		if err != nil {
			httputil.ServeError(rw, req, err)
			return
		}
		m.PasswordHash = hash
	}
	if err := s.db.UpsertFSMeta(req.Context(), &m); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	s.fs.Cache().Clear()
	httputil.ReturnJSON(rw, &m)
}

func (s *Server) serveFSMetaDelete(rw http.ResponseWriter, req *http.Request) {
	p := req.FormValue("path")
	if p == "" {
		httputil.ServeError(rw, req, types.NewInvalidInput("path is required").WithField("path"))
		return
	}
	if err := s.db.DeleteFSMeta(req.Context(), types.NormalizePath(p)); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	s.fs.Cache().Clear()
	httputil.ReturnJSON(rw, map[string]any{"deleted": true})
}
