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
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/httputil"
	"cloudpaste.org/pkg/share"
	"cloudpaste.org/pkg/types"
	"cloudpaste.org/pkg/upload"
)

// newObjectID returns a random hex name component for stored share
// objects.
func newObjectID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// uploadOptions is the X-FS-Options / X-Share-Options header payload:
// base64-encoded JSON riding along a raw-body upload.
type uploadOptions struct {
	Slug            string     `json:"slug,omitempty"`
	Password        string     `json:"password,omitempty"`
	MaxViews        int        `json:"max_views,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	StorageConfigID string     `json:"storage_config_id,omitempty"`
	Path            string     `json:"path,omitempty"`
}

// decodeOptions reads the first present header of names as base64 JSON.
func decodeOptions(req *http.Request, names ...string) (*uploadOptions, error) {
	opts := &uploadOptions{}
	for _, name := range names {
		h := req.Header.Get(name)
		if h == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(h)
		if err != nil {
			return nil, types.NewInvalidInput("malformed %s header", name)
		}
		if err := json.Unmarshal(raw, opts); err != nil {
			return nil, types.NewInvalidInput("malformed %s header: %v", name, err)
		}
		return opts, nil
	}
	return opts, nil
}

// headerFilename reads the first present URL-encoded filename header.
func headerFilename(req *http.Request, names ...string) string {
	for _, name := range names {
		if h := req.Header.Get(name); h != "" {
			if dec, err := url.QueryUnescape(h); err == nil {
				return dec
			}
			return h
		}
	}
	return ""
}

// uploadTarget resolves a virtual path for a write and binds it for
// the engine.
func (s *Server) uploadTarget(req *http.Request, p string) (driver.Driver, upload.Target, error) {
	drv, res, err := s.fs.ResolveWrite(req.Context(), identity(req), p)
	if err != nil {
		return nil, upload.Target{}, err
	}
	return drv, upload.Target{
		MountID:         res.Mount.ID,
		StorageConfigID: res.Mount.StorageConfigID,
		Key:             res.Key,
		Path:            types.NormalizePath(p),
	}, nil
}

// sessionDriver resolves the driver an open upload session writes to.
func (s *Server) sessionDriver(ctx context.Context, fileID string) (driver.Driver, *upload.Session, error) {
	sess, ok := s.engine.Sessions().Get(fileID)
	if !ok {
		return nil, nil, types.NewSessionExpired("upload session %q not found", fileID)
	}
	drv, _, err := s.reg.Driver(ctx, sess.StorageConfigID)
	if err != nil {
		return nil, nil, err
	}
	return drv, sess, nil
}

func (s *Server) serveFSPresign(rw http.ResponseWriter, req *http.Request) {
	var body struct {
		Path        string `json:"path"`
		Size        int64  `json:"size"`
		ContentType string `json:"contentType,omitempty"`
		SHA256      string `json:"sha256,omitempty"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	drv, target, err := s.uploadTarget(req, body.Path)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	put, err := s.engine.PresignSingle(req.Context(), drv, target, driver.PresignOpts{
		Size:        body.Size,
		ContentType: body.ContentType,
		SHA256:      body.SHA256,
	})
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, put)
}

func (s *Server) serveFSPresignCommit(rw http.ResponseWriter, req *http.Request) {
	var body struct {
		Path        string `json:"path"`
		ETag        string `json:"etag,omitempty"`
		SHA256      string `json:"sha256,omitempty"`
		Size        int64  `json:"size"`
		ContentType string `json:"contentType,omitempty"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	drv, target, err := s.uploadTarget(req, body.Path)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	entry, err := s.engine.CommitPresigned(req.Context(), drv, target, body.ETag, body.SHA256, body.Size, body.ContentType)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, entry)
}

func (s *Server) serveMultipartInit(rw http.ResponseWriter, req *http.Request) {
	id := identity(req)
	var body struct {
		Path        string `json:"path"`
		Size        int64  `json:"size"`
		ContentType string `json:"contentType,omitempty"`
		PartSize    int64  `json:"partSize,omitempty"`
		SHA256      string `json:"sha256,omitempty"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	drv, target, err := s.uploadTarget(req, body.Path)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	res, err := s.engine.Init(req.Context(), drv, target, upload.InitReq{
		Size:        body.Size,
		ContentType: body.ContentType,
		PartSize:    body.PartSize,
		SHA256:      body.SHA256,
		CreatedBy:   id.Name(),
	})
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, res)
}

// serveMultipartChunk relays one part's bytes through the gateway.
// file_id and partNumber arrive as query parameters; single-session
// drivers additionally read the Content-Range header inside the
// engine's session writer.
func (s *Server) serveMultipartChunk(rw http.ResponseWriter, req *http.Request) {
	fileID := req.URL.Query().Get("file_id")
	if fileID == "" {
		httputil.ServeError(rw, req, types.NewInvalidInput("file_id is required").WithField("file_id"))
		return
	}
	partNumber, err := strconv.Atoi(req.URL.Query().Get("partNumber"))
	if err != nil {
		httputil.ServeError(rw, req, types.NewInvalidInput("partNumber is required").WithField("partNumber"))
		return
	}
	drv, _, err := s.sessionDriver(req.Context(), fileID)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	part, err := s.engine.UploadPart(req.Context(), drv, fileID, partNumber, req.ContentLength, req.Body)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, part)
}

func (s *Server) serveMultipartComplete(rw http.ResponseWriter, req *http.Request) {
	var body struct {
		FileID string             `json:"file_id"`
		Parts  []types.PartRecord `json:"parts,omitempty"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	drv, _, err := s.sessionDriver(req.Context(), body.FileID)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	entry, err := s.engine.Complete(req.Context(), drv, body.FileID, body.Parts)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, entry)
}

func (s *Server) serveMultipartAbort(rw http.ResponseWriter, req *http.Request) {
	var body struct {
		FileID string `json:"file_id"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	drv, _, err := s.sessionDriver(req.Context(), body.FileID)
	if err != nil {
		// Abort of an unknown session is a no-op, not an error.
		httputil.ReturnJSON(rw, map[string]any{"aborted": false})
		return
	}
	s.engine.Abort(req.Context(), drv, body.FileID)
	httputil.ReturnJSON(rw, map[string]any{"aborted": true})
}

func (s *Server) serveMultipartListUploads(rw http.ResponseWriter, req *http.Request) {
	id := identity(req)
	scope := id.Name()
	if id.Admin {
		scope = ""
	}
	httputil.ReturnJSON(rw, map[string]any{
		"uploads": s.engine.Sessions().List(scope),
	})
}

func (s *Server) serveMultipartListParts(rw http.ResponseWriter, req *http.Request) {
	defer httputil.Recover(rw, req)
	fileID := httputil.MustGet(req, "file_id")
	drv, _, err := s.sessionDriver(req.Context(), fileID)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	res, err := s.engine.ListParts(req.Context(), drv, fileID)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, res)
}

// serveMultipartRefreshURLs re-signs part URLs for batched and
// on-demand signing modes, and after a signature expiry.
func (s *Server) serveMultipartRefreshURLs(rw http.ResponseWriter, req *http.Request) {
	var body struct {
		FileID      string `json:"file_id"`
		PartNumbers []int  `json:"partNumbers"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	drv, _, err := s.sessionDriver(req.Context(), body.FileID)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	res, err := s.engine.SignParts(req.Context(), drv, body.FileID, body.PartNumbers)
	if err != nil {
		if res != nil && res.ResetUploadedParts {
			// Session lost upstream: answer with the reset flag so the
			// client discards its ledger and restarts, rather than a
			// bare error it might retry blindly.
			httputil.ReturnJSON(rw, res)
			return
		}
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, res)
}

// serveUploadDirect accepts a raw PUT body and publishes it as a file
// share in one request. Options arrive base64-JSON in X-FS-Options;
// the filename is the URL-encoded path element.
func (s *Server) serveUploadDirect(rw http.ResponseWriter, req *http.Request) {
	id := identity(req)
	filename := req.PathValue("filename")
	if dec, err := url.PathUnescape(filename); err == nil {
		filename = dec
	}
	if h := headerFilename(req, "X-FS-Filename", "X-Share-Filename"); h != "" {
		filename = h
	}
	if filename == "" || strings.Contains(filename, "/") {
		httputil.ServeError(rw, req, types.NewInvalidInput("bad filename").WithField("filename"))
		return
	}
	opts, err := decodeOptions(req, "X-FS-Options", "X-Share-Options")
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	v, err := s.storeShareObject(req, id.Name(), filename, req.Body, req.ContentLength,
		req.Header.Get("Content-Type"), opts)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSONCode(rw, http.StatusCreated, v)
}

// serveShareUpload is the multipart-form variant of upload-direct.
func (s *Server) serveShareUpload(rw http.ResponseWriter, req *http.Request) {
	id := identity(req)
	opts, err := decodeOptions(req, "X-Share-Options", "X-FS-Options")
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	f, fh, err := req.FormFile("file")
	if err != nil {
		httputil.ServeError(rw, req, types.NewInvalidInput("file field is required: %v", err))
		return
	}
	defer f.Close()
	if v := req.FormValue("password"); v != "" {
		opts.Password = v
	}
	if v := req.FormValue("slug"); v != "" {
		opts.Slug = v
	}
	if v := req.FormValue("max_views"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.MaxViews = n
		}
	}
	v, err := s.storeShareObject(req, id.Name(), fh.Filename, f, fh.Size,
		fh.Header.Get("Content-Type"), opts)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSONCode(rw, http.StatusCreated, v)
}

// shareKey builds the storage key share uploads land under: date-bucketed
// to keep listings of the share area sane.
func shareKey(now time.Time, filename string) string {
	return "shares/" + now.UTC().Format("2006/01") + "/" + newObjectID() + "-" + filename
}

// storeShareObject streams content into the share storage config and
// creates the share record pointing at it.
func (s *Server) storeShareObject(req *http.Request, createdBy, filename string, r io.Reader, size int64, contentType string, opts *uploadOptions) (*share.View, error) {
	ctx := req.Context()
	id := identity(req)
	cfgID := opts.StorageConfigID
	if cfgID == "" {
		cfg, err := s.db.DefaultStorageConfig(ctx)
		if err != nil {
			return nil, types.NewInvalidInput("no default storage config; pass storage_config_id")
		}
		cfgID = cfg.ID
	}
	if !id.AllowsStorage(cfgID) {
		return nil, types.NewPermissionDenied("storage config %q is not allowed for this key", cfgID)
	}
	drv, _, err := s.reg.Driver(ctx, cfgID)
	if err != nil {
		return nil, err
	}
	key := shareKey(time.Now(), filename)
	if _, err := drv.Write(ctx, key, r, driver.WriteOpts{Size: size, ContentType: contentType}); err != nil {
		return nil, err
	}
	entry, err := drv.Stat(ctx, key)
	if err != nil {
		entry = &types.Entry{Name: filename, Key: key, Size: size, ContentType: contentType}
	}
	rec, err := s.shares.Create(ctx, share.CreateReq{
		Slug:            opts.Slug,
		Kind:            types.ShareFile,
		Target:          key,
		FileName:        filename,
		Size:            entry.Size,
		ContentType:     contentType,
		StorageConfigID: cfgID,
		Password:        opts.Password,
		MaxViews:        opts.MaxViews,
		ExpiresAt:       opts.ExpiresAt,
		CreatedBy:       createdBy,
	})
	if err != nil {
		// The object is orphaned; best effort cleanup.
		drv.Delete(ctx, key, false)
		return nil, err
	}
	return s.shares.Verify(ctx, rec.Slug, opts.Password)
}

// serveSharePresign mints a direct upload URL for a share object; the
// client PUTs and then calls share/commit.
func (s *Server) serveSharePresign(rw http.ResponseWriter, req *http.Request) {
	id := identity(req)
	var body struct {
		Filename        string `json:"filename"`
		Size            int64  `json:"size"`
		ContentType     string `json:"contentType,omitempty"`
		SHA256          string `json:"sha256,omitempty"`
		StorageConfigID string `json:"storage_config_id,omitempty"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	if body.Filename == "" {
		httputil.ServeError(rw, req, types.NewInvalidInput("filename is required").WithField("filename"))
		return
	}
	cfgID := body.StorageConfigID
	if cfgID == "" {
		cfg, err := s.db.DefaultStorageConfig(req.Context())
		if err != nil {
			httputil.ServeError(rw, req, types.NewInvalidInput("no default storage config; pass storage_config_id"))
			return
		}
		cfgID = cfg.ID
	}
	if !id.AllowsStorage(cfgID) {
		httputil.ServeError(rw, req, types.NewPermissionDenied("storage config %q is not allowed for this key", cfgID))
		return
	}
	drv, _, err := s.reg.Driver(req.Context(), cfgID)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	key := shareKey(time.Now(), body.Filename)
	put, err := s.engine.PresignSingle(req.Context(), drv, upload.Target{
		StorageConfigID: cfgID,
		Key:             key,
		Path:            "/" + key,
	}, driver.PresignOpts{Size: body.Size, ContentType: body.ContentType, SHA256: body.SHA256})
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, map[string]any{
		"key":               key,
		"storage_config_id": cfgID,
		"presigned":         put,
	})
}

// serveShareCommit finalizes a presigned share upload and creates the
// share record.
func (s *Server) serveShareCommit(rw http.ResponseWriter, req *http.Request) {
	id := identity(req)
	var body struct {
		Key             string     `json:"key"`
		Filename        string     `json:"filename"`
		StorageConfigID string     `json:"storage_config_id"`
		ETag            string     `json:"etag,omitempty"`
		SHA256          string     `json:"sha256,omitempty"`
		Size            int64      `json:"size"`
		ContentType     string     `json:"contentType,omitempty"`
		Slug            string     `json:"slug,omitempty"`
		Password        string     `json:"password,omitempty"`
		MaxViews        int        `json:"max_views,omitempty"`
		ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	if body.Key == "" || body.StorageConfigID == "" {
		httputil.ServeError(rw, req, types.NewInvalidInput("key and storage_config_id are required"))
		return
	}
	if !strings.HasPrefix(body.Key, "shares/") {
		httputil.ServeError(rw, req, types.NewInvalidInput("key is outside the share area").WithField("key"))
		return
	}
	if !id.AllowsStorage(body.StorageConfigID) {
		httputil.ServeError(rw, req, types.NewPermissionDenied("storage config %q is not allowed for this key", body.StorageConfigID))
		return
	}
	drv, _, err := s.reg.Driver(req.Context(), body.StorageConfigID)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	entry, err := s.engine.CommitPresigned(req.Context(), drv, upload.Target{
		StorageConfigID: body.StorageConfigID,
		Key:             body.Key,
		Path:            "/" + body.Key,
	}, body.ETag, body.SHA256, body.Size, body.ContentType)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	rec, err := s.shares.Create(req.Context(), share.CreateReq{
		Slug:            body.Slug,
		Kind:            types.ShareFile,
		Target:          body.Key,
		FileName:        body.Filename,
		Size:            entry.Size,
		ContentType:     body.ContentType,
		StorageConfigID: body.StorageConfigID,
		Password:        body.Password,
		MaxViews:        body.MaxViews,
		ExpiresAt:       body.ExpiresAt,
		CreatedBy:       id.Name(),
	})
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	v, err := s.shares.Verify(req.Context(), rec.Slug, body.Password)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSONCode(rw, http.StatusCreated, v)
}
