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

// Package server is the gateway's HTTP surface: the JSON API, the
// WebDAV endpoint, the signed proxy routes, and the upload progress
// websocket. Handlers translate between the wire contract and the
// domain services; no storage or business logic lives here.
package server

import (
	"net/http"
	"time"

	"cloudpaste.org/pkg/auth"
	"cloudpaste.org/pkg/buildinfo"
	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/fsindex"
	"cloudpaste.org/pkg/httputil"
	"cloudpaste.org/pkg/jobs"
	"cloudpaste.org/pkg/mount"
	"cloudpaste.org/pkg/scheduler"
	"cloudpaste.org/pkg/share"
	"cloudpaste.org/pkg/store"
	"cloudpaste.org/pkg/types"
	"cloudpaste.org/pkg/upload"
	"cloudpaste.org/pkg/vfs"
)

// Server wires the domain services to HTTP routes.
type Server struct {
	db       *store.Store
	auth     *auth.Authenticator
	sessions *auth.SessionTokens
	signer   *auth.Signer
	router   *mount.Router
	reg      *driver.Registry
	fs       *vfs.FS
	index    *fsindex.Index
	engine   *upload.Engine
	shares   *share.Service
	runner   *jobs.Runner
	sched    *scheduler.Scheduler

	dav       http.Handler
	startTime time.Time
}

// Config carries the services a Server routes to. All fields are
// required.
type Config struct {
	Store     *store.Store
	Auth      *auth.Authenticator
	Sessions  *auth.SessionTokens
	Signer    *auth.Signer
	Router    *mount.Router
	Registry  *driver.Registry
	FS        *vfs.FS
	Index     *fsindex.Index
	Engine    *upload.Engine
	Shares    *share.Service
	Runner    *jobs.Runner
	Scheduler *scheduler.Scheduler
}

func New(c Config) *Server {
	s := &Server{
		db:        c.Store,
		auth:      c.Auth,
		sessions:  c.Sessions,
		signer:    c.Signer,
		router:    c.Router,
		reg:       c.Registry,
		fs:        c.FS,
		index:     c.Index,
		engine:    c.Engine,
		shares:    c.Shares,
		runner:    c.Runner,
		sched:     c.Scheduler,
		startTime: time.Now(),
	}
	s.dav = s.davHandler()
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	a := s.auth

	// Public surface.
	mux.HandleFunc("GET /api/health", s.serveHealth)
	mux.HandleFunc("GET /api/version", s.serveVersion)
	mux.HandleFunc("GET /api/public/guest-config", s.serveGuestConfig)

	// Admin session.
	mux.HandleFunc("POST /api/admin/login", s.serveLogin)
	mux.HandleFunc("POST /api/admin/logout", a.RequireAdmin(s.serveLogout))
	mux.HandleFunc("POST /api/admin/change-password", a.RequireAdmin(s.serveChangePassword))

	// API keys.
	mux.HandleFunc("GET /api/admin/api-keys", a.RequireAdmin(s.serveListAPIKeys))
	mux.HandleFunc("POST /api/admin/api-keys", a.RequireAdmin(s.serveCreateAPIKey))
	mux.HandleFunc("GET /api/admin/api-keys/{id}", a.RequireAdmin(s.serveGetAPIKey))
	mux.HandleFunc("PUT /api/admin/api-keys/{id}", a.RequireAdmin(s.serveUpdateAPIKey))
	mux.HandleFunc("DELETE /api/admin/api-keys/{id}", a.RequireAdmin(s.serveDeleteAPIKey))
	mux.HandleFunc("PUT /api/admin/api-keys/{id}/storage-acl", a.RequireAdmin(s.serveSetAPIKeyACL))

	// Settings, dashboard, cache.
	mux.HandleFunc("GET /api/admin/settings", a.RequireAdmin(s.serveSettings))
	mux.HandleFunc("PUT /api/admin/settings", a.RequireAdmin(s.serveUpdateSettings))
	mux.HandleFunc("GET /api/admin/dashboard/stats", a.RequireAdmin(s.serveDashboardStats))
	mux.HandleFunc("GET /api/admin/cache/stats", a.RequireAdmin(s.serveCacheStats))
	mux.HandleFunc("POST /api/admin/cache/clear", a.RequireAdmin(s.serveCacheClear))

	// Index administration.
	mux.HandleFunc("GET /api/admin/fs/index/status", a.RequireAdmin(s.serveIndexStatus))
	mux.HandleFunc("POST /api/admin/fs/index/rebuild", a.RequireAdmin(s.serveIndexRebuild))
	mux.HandleFunc("POST /api/admin/fs/index/apply-dirty", a.RequireAdmin(s.serveIndexApplyDirty))
	mux.HandleFunc("POST /api/admin/fs/index/stop", a.RequireAdmin(s.serveIndexStop))
	mux.HandleFunc("POST /api/admin/fs/index/clear", a.RequireAdmin(s.serveIndexClear))

	// Backup.
	mux.HandleFunc("GET /api/admin/backup/modules", a.RequireAdmin(s.serveBackupModules))
	mux.HandleFunc("POST /api/admin/backup/create", a.RequireAdmin(s.serveBackupCreate))
	mux.HandleFunc("POST /api/admin/backup/restore", a.RequireAdmin(s.serveBackupRestore))
	mux.HandleFunc("POST /api/admin/backup/restore/preview", a.RequireAdmin(s.serveBackupPreview))

	// Scheduled tasks.
	mux.HandleFunc("GET /api/admin/scheduled/types", a.RequireAdmin(s.serveScheduledTypes))
	mux.HandleFunc("GET /api/admin/scheduled/jobs", a.RequireAdmin(s.serveScheduledList))
	mux.HandleFunc("POST /api/admin/scheduled/jobs", a.RequireAdmin(s.serveScheduledCreate))
	mux.HandleFunc("GET /api/admin/scheduled/jobs/{id}", a.RequireAdmin(s.serveScheduledGet))
	mux.HandleFunc("PUT /api/admin/scheduled/jobs/{id}", a.RequireAdmin(s.serveScheduledUpdate))
	mux.HandleFunc("DELETE /api/admin/scheduled/jobs/{id}", a.RequireAdmin(s.serveScheduledDelete))
	mux.HandleFunc("POST /api/admin/scheduled/jobs/{id}/run", a.RequireAdmin(s.serveScheduledRun))
	mux.HandleFunc("GET /api/admin/scheduled/jobs/{id}/runs", a.RequireAdmin(s.serveScheduledRuns))
	mux.HandleFunc("GET /api/admin/scheduled/ticker", a.RequireAdmin(s.serveTickerStatus))
	mux.HandleFunc("POST /api/admin/scheduled/tick", a.RequireAdmin(s.serveTick))

	// Storage configs and mounts.
	mux.HandleFunc("GET /api/storage", a.RequireAdmin(s.serveListStorage))
	mux.HandleFunc("POST /api/storage", a.RequireAdmin(s.serveCreateStorage))
	mux.HandleFunc("GET /api/storage/{id}", a.RequireAdmin(s.serveGetStorage))
	mux.HandleFunc("PUT /api/storage/{id}", a.RequireAdmin(s.serveUpdateStorage))
	mux.HandleFunc("DELETE /api/storage/{id}", a.RequireAdmin(s.serveDeleteStorage))
	mux.HandleFunc("POST /api/storage/{id}/test", a.RequireAdmin(s.serveTestStorage))
	mux.HandleFunc("POST /api/storage/{id}/set-default", a.RequireAdmin(s.serveSetDefaultStorage))
	mux.HandleFunc("GET /api/storage-types", s.serveStorageTypes)
	mux.HandleFunc("GET /api/storage-types/{type}/capabilities", s.serveStorageTypeCaps)
	mux.HandleFunc("GET /api/mount-schema", a.RequireAdmin(s.serveMountSchema))
	mux.HandleFunc("GET /api/mount/list", a.Require(types.PermMountView, s.serveListMounts))
	mux.HandleFunc("POST /api/mount/create", a.RequireAdmin(s.serveCreateMount))
	mux.HandleFunc("GET /api/mount/{id}", a.RequireAdmin(s.serveGetMount))
	mux.HandleFunc("PUT /api/mount/{id}", a.RequireAdmin(s.serveUpdateMount))
	mux.HandleFunc("DELETE /api/mount/{id}", a.RequireAdmin(s.serveDeleteMount))

	// Pastes.
	mux.HandleFunc("POST /api/paste", a.Require(types.PermTextShare, s.servePasteCreate))
	mux.HandleFunc("GET /api/paste/{slug}", s.servePasteGet)
	mux.HandleFunc("POST /api/paste/verify/{slug}", s.servePasteVerify)
	mux.HandleFunc("GET /api/raw/{slug}", s.servePasteRaw)
	mux.HandleFunc("GET /api/pastes", a.Require(types.PermTextManage, s.servePasteList))
	mux.HandleFunc("PUT /api/pastes/{slug}", a.Require(types.PermTextManage, s.servePasteUpdate))
	mux.HandleFunc("DELETE /api/pastes/{slug}", a.Require(types.PermTextManage, s.servePasteDelete))
	mux.HandleFunc("POST /api/pastes/batch-delete", a.Require(types.PermTextManage, s.servePasteBatchDelete))
	mux.HandleFunc("POST /api/pastes/clear-expired", a.Require(types.PermTextManage, s.servePasteClearExpired))

	// File shares.
	mux.HandleFunc("POST /api/share/upload", a.Require(types.PermFileShare, s.serveShareUpload))
	mux.HandleFunc("PUT /api/upload-direct/{filename}", a.Require(types.PermFileShare, s.serveUploadDirect))
	mux.HandleFunc("POST /api/share/presign", a.Require(types.PermFileShare, s.serveSharePresign))
	mux.HandleFunc("POST /api/share/commit", a.Require(types.PermFileShare, s.serveShareCommit))
	mux.HandleFunc("GET /api/share/get/{slug}", s.serveShareGet)
	mux.HandleFunc("POST /api/share/verify/{slug}", s.serveShareVerify)
	mux.HandleFunc("GET /api/s/{slug}", s.serveShareContent)
	mux.HandleFunc("HEAD /api/s/{slug}", s.serveShareContent)
	mux.HandleFunc("GET /api/files", a.Require(types.PermFileManage, s.serveShareList))
	mux.HandleFunc("DELETE /api/files/{slug}", a.Require(types.PermFileManage, s.serveShareDelete))
	mux.HandleFunc("POST /api/files/batch-delete", a.Require(types.PermFileManage, s.serveShareBatchDelete))

	// Virtual filesystem.
	mux.HandleFunc("GET /api/fs/list", a.Require(types.PermMountView, s.serveFSList))
	mux.HandleFunc("GET /api/fs/get", a.Require(types.PermMountView, s.serveFSGet))
	mux.HandleFunc("GET /api/fs/download", a.Require(types.PermMountView, s.serveFSDownload))
	mux.HandleFunc("GET /api/fs/content", s.serveFSContent)
	mux.HandleFunc("HEAD /api/fs/content", s.serveFSContent)
	mux.HandleFunc("GET /api/fs/file-link", a.Require(types.PermMountView, s.serveFSFileLink))
	mux.HandleFunc("POST /api/fs/mkdir", a.Require(types.PermMountUpload, s.serveFSMkdir))
	mux.HandleFunc("POST /api/fs/upload", a.Require(types.PermMountUpload, s.serveFSUpload))
	mux.HandleFunc("POST /api/fs/update", a.Require(types.PermMountUpload, s.serveFSUpdate))
	mux.HandleFunc("POST /api/fs/rename", a.Require(types.PermMountRename, s.serveFSRename))
	mux.HandleFunc("POST /api/fs/batch-remove", a.Require(types.PermMountDelete, s.serveFSBatchRemove))
	mux.HandleFunc("POST /api/fs/batch-copy", a.Require(types.PermMountCopy, s.serveFSBatchCopy))
	mux.HandleFunc("GET /api/fs/search", a.Require(types.PermMountView, s.serveFSSearch))
	mux.HandleFunc("POST /api/fs/meta/password/verify", s.serveFSVerifyPassword)
	mux.HandleFunc("POST /api/fs/create-share", a.Require(types.PermFileShare, s.serveFSCreateShare))

	// Directory metadata.
	mux.HandleFunc("GET /api/fs-meta", a.RequireAdmin(s.serveFSMetaList))
	mux.HandleFunc("POST /api/fs-meta", a.RequireAdmin(s.serveFSMetaUpsert))
	mux.HandleFunc("DELETE /api/fs-meta", a.RequireAdmin(s.serveFSMetaDelete))

	// Uploads: presigned single and multipart.
	mux.HandleFunc("POST /api/fs/presign", a.Require(types.PermMountUpload, s.serveFSPresign))
	mux.HandleFunc("POST /api/fs/presign/commit", a.Require(types.PermMountUpload, s.serveFSPresignCommit))
	mux.HandleFunc("POST /api/fs/multipart/init", a.Require(types.PermMountUpload, s.serveMultipartInit))
	mux.HandleFunc("POST /api/fs/multipart/upload-chunk", a.Require(types.PermMountUpload, s.serveMultipartChunk))
	mux.HandleFunc("POST /api/fs/multipart/complete", a.Require(types.PermMountUpload, s.serveMultipartComplete))
	mux.HandleFunc("POST /api/fs/multipart/abort", a.Require(types.PermMountUpload, s.serveMultipartAbort))
	mux.HandleFunc("GET /api/fs/multipart/list-uploads", a.Require(types.PermMountUpload, s.serveMultipartListUploads))
	mux.HandleFunc("GET /api/fs/multipart/list-parts", a.Require(types.PermMountUpload, s.serveMultipartListParts))
	mux.HandleFunc("POST /api/fs/multipart/refresh-urls", a.Require(types.PermMountUpload, s.serveMultipartRefreshURLs))

	// Jobs.
	mux.HandleFunc("GET /api/fs/jobs", a.Require(types.PermMountView, s.serveJobList))
	mux.HandleFunc("GET /api/fs/jobs/{jobId}", a.Require(types.PermMountView, s.serveJobGet))
	mux.HandleFunc("POST /api/fs/jobs/{jobId}/cancel", a.Require(types.PermMountView, s.serveJobCancel))
	mux.HandleFunc("POST /api/fs/jobs/{jobId}/retry", a.Require(types.PermMountCopy, s.serveJobRetry))
	mux.HandleFunc("DELETE /api/fs/jobs/{jobId}", a.Require(types.PermMountView, s.serveJobDelete))

	// Proxy surface. /api/p/url is the short form the link layer embeds
	// in url_proxy links; the paste and share spellings serve the same
	// ticketed proxy.
	mux.HandleFunc("GET /api/p/url", s.serveURLProxy)
	mux.HandleFunc("GET /api/paste/url/proxy", s.serveURLProxy)
	mux.HandleFunc("GET /api/share/url/proxy", s.serveURLProxy)
	mux.HandleFunc("GET /api/share/url/info", a.Require(types.PermFileShare, s.serveShareURLInfo))
	mux.HandleFunc("GET /api/p/{path...}", s.serveSignedProxy)
	mux.HandleFunc("POST /api/paste/url/proxy-ticket", a.Require(types.PermTextShare, s.serveProxyTicket))
	mux.HandleFunc("POST /api/share/url/proxy-ticket", a.Require(types.PermFileShare, s.serveProxyTicket))
	mux.HandleFunc("POST /api/proxy/link", a.Require(types.PermMountView, s.serveProxyLink))

	// Upload progress websocket.
	mux.HandleFunc("GET /api/upload/progress", s.serveUploadProgress)

	// WebDAV.
	mux.Handle("/dav/", s.dav)
	mux.Handle("/dav", s.dav)

	return mux
}

func (s *Server) serveHealth(rw http.ResponseWriter, req *http.Request) {
	httputil.ReturnJSON(rw, map[string]any{
		"status": "ok",
		"uptime": int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) serveVersion(rw http.ResponseWriter, req *http.Request) {
	httputil.ReturnJSON(rw, map[string]any{
		"version": buildinfo.Version(),
	})
}

// serveGuestConfig tells unauthenticated clients what the guest key
// (if any) allows, so the UI can decide what to render before login.
func (s *Server) serveGuestConfig(rw http.ResponseWriter, req *http.Request) {
	keys, err := s.db.ListAPIKeys(req.Context())
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	for _, k := range keys {
		if k.IsGuest && !k.Expired(time.Now()) {
			httputil.ReturnJSON(rw, map[string]any{
				"enabled":     true,
				"permissions": k.Permissions,
				"basic_path":  k.BasicPath,
			})
			return
		}
	}
	httputil.ReturnJSON(rw, map[string]any{"enabled": false})
}

// identity returns the caller installed by the auth middleware.
func identity(req *http.Request) *auth.Identity {
	return auth.FromContext(req.Context())
}
