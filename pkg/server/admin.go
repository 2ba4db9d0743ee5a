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
	"net/http"
	"strings"
	"time"

	"cloudpaste.org/pkg/auth"
	"cloudpaste.org/pkg/httputil"
	"cloudpaste.org/pkg/jobs"
	"cloudpaste.org/pkg/store"
	"cloudpaste.org/pkg/types"
)

// adminPasswordKey is the settings row holding the bcrypt hash of the
// admin password. The daemon seeds it on first start.
const adminPasswordKey = "admin_password_hash"

func (s *Server) serveLogin(rw http.ResponseWriter, req *http.Request) {
	var body struct {
		Password string `json:"password"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	hash, err := s.db.Setting(req.Context(), adminPasswordKey)
	if err != nil {
		httputil.ServeError(rw, req, types.NewInternal(err, "admin password not configured"))
		return
	}
	if err := auth.CheckPassword(hash, body.Password); err != nil {
		httputil.ServeError(rw, req, types.NewUnauthenticated("wrong password"))
		return
	}
	token, exp, err := s.sessions.Issue(time.Now())
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, map[string]any{
		"token":      token,
		"expires_at": exp.UTC().Format(time.RFC3339),
	})
}

func (s *Server) serveLogout(rw http.ResponseWriter, req *http.Request) {
	h := req.Header.Get("Authorization")
	if _, token, ok := strings.Cut(h, " "); ok {
		s.sessions.Revoke(strings.TrimSpace(token))
	}
	httputil.ReturnJSON(rw, map[string]any{"loggedOut": true})
}

func (s *Server) serveChangePassword(rw http.ResponseWriter, req *http.Request) {
	var body struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	if len(body.NewPassword) < 6 {
		httputil.ServeError(rw, req, types.NewInvalidInput("new password must be at least 6 characters").WithField("new_password"))
		return
	}
	hash, err := s.db.Setting(req.Context(), adminPasswordKey)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	if err := auth.CheckPassword(hash, body.OldPassword); err != nil {
		httputil.ServeError(rw, req, types.NewPermissionDenied("wrong password"))
		return
	}
	newHash, err := auth.HashPassword(body.NewPassword)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	if err := s.db.SetSetting(req.Context(), adminPasswordKey, newHash); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, map[string]any{"changed": true})
}

// API keys.

func (s *Server) serveListAPIKeys(rw http.ResponseWriter, req *http.Request) {
	keys, err := s.db.ListAPIKeys(req.Context())
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, map[string]any{"keys": keys})
}

func (s *Server) serveCreateAPIKey(rw http.ResponseWriter, req *http.Request) {
	var k types.APIKey
	if err := httputil.ReadReqBody(req, &k); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	if k.Name == "" {
		httputil.ServeError(rw, req, types.NewInvalidInput("name is required").WithField("name"))
		return
	}
	if err := s.db.CreateAPIKey(req.Context(), &k); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	// k.Key carries the plaintext secret; this response is the only
	// place it ever appears.
	httputil.ReturnJSONCode(rw, http.StatusCreated, &k)
}

func (s *Server) serveGetAPIKey(rw http.ResponseWriter, req *http.Request) {
	k, err := s.db.APIKey(req.Context(), req.PathValue("id"))
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, k)
}

func (s *Server) serveUpdateAPIKey(rw http.ResponseWriter, req *http.Request) {
	var k types.APIKey
	if err := httputil.ReadReqBody(req, &k); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	k.ID = req.PathValue("id")
	if err := s.db.UpdateAPIKey(req.Context(), &k); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, &k)
}

func (s *Server) serveDeleteAPIKey(rw http.ResponseWriter, req *http.Request) {
	if err := s.db.DeleteAPIKey(req.Context(), req.PathValue("id")); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, map[string]any{"deleted": true})
}

func (s *Server) serveSetAPIKeyACL(rw http.ResponseWriter, req *http.Request) {
	var body struct {
		StorageACL []string `json:"storage_acl"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	k, err := s.db.APIKey(req.Context(), req.PathValue("id"))
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	k.StorageACL = body.StorageACL
	if err := s.db.UpdateAPIKey(req.Context(), k); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, k)
}

// Settings.

func (s *Server) serveSettings(rw http.ResponseWriter, req *http.Request) {
	settings, err := s.db.AllSettings(req.Context())
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	// The password hash never leaves the database.
	delete(settings, adminPasswordKey)
	httputil.ReturnJSON(rw, settings)
}

func (s *Server) serveUpdateSettings(rw http.ResponseWriter, req *http.Request) {
	var body map[string]string
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	for key, value := range body {
		if key == adminPasswordKey {
			httputil.ServeError(rw, req, types.NewInvalidInput("use change-password to set the admin password").WithField(key))
			return
		}
		if err := s.db.SetSetting(req.Context(), key, value); err != nil {
			httputil.ServeError(rw, req, err)
			return
		}
	}
	httputil.ReturnJSON(rw, map[string]any{"updated": len(body)})
}

// Dashboard.

func (s *Server) serveDashboardStats(rw http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	counts := make(map[string]int64)
	for name, table := range map[string]string{
		"pastes":          "pastes",
		"shares":          "shares",
		"mounts":          "mounts",
		"storage_configs": "storage_configs",
		"api_keys":        "api_keys",
	} {
		var n int64
		if err := s.db.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			httputil.ServeError(rw, req, err)
			return
		}
		counts[name] = n
	}
	var shareBytes int64
	s.db.DB().QueryRowContext(ctx, "SELECT COALESCE(SUM(size), 0) FROM shares").Scan(&shareBytes)

	running, _ := s.db.ListJobs(ctx, "", types.JobRunning, 100)
	hits, misses, entries := s.fs.Cache().Stats()
	httputil.ReturnJSON(rw, map[string]any{
		"counts":      counts,
		"shareBytes":  shareBytes,
		"runningJobs": len(running),
		"cache": map[string]any{
			"hits":    hits,
			"misses":  misses,
			"entries": entries,
		},
		"uptime": int64(time.Since(s.startTime).Seconds()),
	})
}

// Cache administration.

func (s *Server) serveCacheStats(rw http.ResponseWriter, req *http.Request) {
	hits, misses, entries := s.fs.Cache().Stats()
	httputil.ReturnJSON(rw, map[string]any{
		"hits":    hits,
		"misses":  misses,
		"entries": entries,
	})
}

func (s *Server) serveCacheClear(rw http.ResponseWriter, req *http.Request) {
	var body struct {
		// MountID scopes the clear; empty clears everything.
		MountID string `json:"mount_id,omitempty"`
	}
	// The body is optional.
	json.NewDecoder(req.Body).Decode(&body)
	req.Body.Close()
	if body.MountID != "" {
		s.fs.Cache().InvalidateMount(body.MountID)
	} else {
		s.fs.Cache().Clear()
		s.router.Invalidate()
		s.reg.InvalidateAll()
	}
	httputil.ReturnJSON(rw, map[string]any{"cleared": true})
}

// Index administration.

func (s *Server) serveIndexStatus(rw http.ResponseWriter, req *http.Request) {
	st, err := s.index.Status(req.Context())
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, st)
}

func (s *Server) serveIndexRebuild(rw http.ResponseWriter, req *http.Request) {
	var body jobs.RebuildPayload
	if req.ContentLength > 0 {
		if err := httputil.ReadReqBody(req, &body); err != nil {
			httputil.ServeError(rw, req, err)
			return
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	job, err := s.runner.Submit(req.Context(), jobs.KindIndexRebuild, payload, "admin", types.TriggerAPI)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSONCode(rw, http.StatusAccepted, job)
}

func (s *Server) serveIndexApplyDirty(rw http.ResponseWriter, req *http.Request) {
	var body jobs.ApplyDirtyPayload
	if req.ContentLength > 0 {
		if err := httputil.ReadReqBody(req, &body); err != nil {
			httputil.ServeError(rw, req, err)
			return
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	job, err := s.runner.Submit(req.Context(), jobs.KindApplyDirty, payload, "admin", types.TriggerAPI)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSONCode(rw, http.StatusAccepted, job)
}

// serveIndexStop cancels every live index job.
func (s *Server) serveIndexStop(rw http.ResponseWriter, req *http.Request) {
	var stopped []string
	for _, status := range []types.JobStatus{types.JobRunning, types.JobPending} {
		list, err := s.db.ListJobs(req.Context(), "", status, 100)
		if err != nil {
			httputil.ServeError(rw, req, err)
			return
		}
		for _, j := range list {
			if j.Kind != jobs.KindIndexRebuild && j.Kind != jobs.KindApplyDirty {
				continue
			}
			if _, err := s.runner.Cancel(req.Context(), j.ID); err == nil {
				stopped = append(stopped, j.ID)
			}
		}
	}
	httputil.ReturnJSON(rw, map[string]any{"stopped": stopped})
}

// serveIndexClear drops the index of every mount (or the ones given),
// returning them to not_ready.
func (s *Server) serveIndexClear(rw http.ResponseWriter, req *http.Request) {
	var body struct {
		MountIDs []string `json:"mountIds,omitempty"`
	}
	if req.ContentLength > 0 {
		if err := httputil.ReadReqBody(req, &body); err != nil {
			httputil.ServeError(rw, req, err)
			return
		}
	}
	ids := body.MountIDs
	if len(ids) == 0 {
		mounts, err := s.db.ListMounts(req.Context())
		if err != nil {
			httputil.ServeError(rw, req, err)
			return
		}
		for _, m := range mounts {
			ids = append(ids, m.ID)
		}
	}
	for _, id := range ids {
		if err := s.index.DeleteMount(req.Context(), id); err != nil {
			httputil.ServeError(rw, req, err)
			return
		}
	}
	httputil.ReturnJSON(rw, map[string]any{"cleared": ids})
}

// Backup.

func (s *Server) serveBackupModules(rw http.ResponseWriter, req *http.Request) {
	httputil.ReturnJSON(rw, map[string]any{"modules": store.BackupModules()})
}

func (s *Server) serveBackupCreate(rw http.ResponseWriter, req *http.Request) {
	var body struct {
		Modules []string `json:"modules,omitempty"`
	}
	if req.ContentLength > 0 {
		if err := httputil.ReadReqBody(req, &body); err != nil {
			httputil.ServeError(rw, req, err)
			return
		}
	}
	b, err := s.db.CreateBackup(req.Context(), body.Modules)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, b)
}

func (s *Server) serveBackupRestore(rw http.ResponseWriter, req *http.Request) {
	var body struct {
		Backup    *store.Backup `json:"backup"`
		Overwrite bool          `json:"overwrite,omitempty"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	if body.Backup == nil {
		httputil.ServeError(rw, req, types.NewInvalidInput("backup is required").WithField("backup"))
		return
	}
	if err := s.db.RestoreBackup(req.Context(), body.Backup, body.Overwrite); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	// Everything may have changed under the caches.
	s.router.Invalidate()
	s.reg.InvalidateAll()
	s.fs.Cache().Clear()
	httputil.ReturnJSON(rw, map[string]any{"restored": true})
}

func (s *Server) serveBackupPreview(rw http.ResponseWriter, req *http.Request) {
	var body struct {
		Backup *store.Backup `json:"backup"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	if body.Backup == nil {
		httputil.ServeError(rw, req, types.NewInvalidInput("backup is required").WithField("backup"))
		return
	}
	p, err := s.db.PreviewBackup(req.Context(), body.Backup)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, p)
}

// Scheduled tasks.

// scheduledTypes describes the job kinds a scheduled task may invoke.
var scheduledTypes = []map[string]string{
	{"id": jobs.KindIndexRebuild, "name": "Rebuild search index"},
	{"id": jobs.KindApplyDirty, "name": "Drain index dirty queue"},
	{"id": jobs.KindCopy, "name": "Copy files"},
}

func (s *Server) serveScheduledTypes(rw http.ResponseWriter, req *http.Request) {
	httputil.ReturnJSON(rw, map[string]any{"types": scheduledTypes})
}

func (s *Server) serveScheduledList(rw http.ResponseWriter, req *http.Request) {
	tasks, err := s.db.ListScheduledJobs(req.Context())
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, map[string]any{"tasks": tasks})
}

func (s *Server) serveScheduledCreate(rw http.ResponseWriter, req *http.Request) {
	var task types.ScheduledJob
	if err := httputil.ReadReqBody(req, &task); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	if err := s.sched.Create(req.Context(), &task); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSONCode(rw, http.StatusCreated, &task)
}

func (s *Server) serveScheduledGet(rw http.ResponseWriter, req *http.Request) {
	task, err := s.db.ScheduledJob(req.Context(), req.PathValue("id"))
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, task)
}

func (s *Server) serveScheduledUpdate(rw http.ResponseWriter, req *http.Request) {
	var task types.ScheduledJob
	if err := httputil.ReadReqBody(req, &task); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	task.ID = req.PathValue("id")
	if err := s.sched.Update(req.Context(), &task); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, &task)
}

func (s *Server) serveScheduledDelete(rw http.ResponseWriter, req *http.Request) {
	if err := s.db.DeleteScheduledJob(req.Context(), req.PathValue("id")); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, map[string]any{"deleted": true})
}

func (s *Server) serveScheduledRun(rw http.ResponseWriter, req *http.Request) {
	run, err := s.sched.RunNow(req.Context(), req.PathValue("id"))
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, run)
}

func (s *Server) serveScheduledRuns(rw http.ResponseWriter, req *http.Request) {
	defer httputil.Recover(rw, req)
	limit := httputil.OptionalInt(req, "limit")
	if limit <= 0 {
		limit = 20
	}
	runs, err := s.db.ScheduledRuns(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, map[string]any{"runs": runs})
}

func (s *Server) serveTickerStatus(rw http.ResponseWriter, req *http.Request) {
	httputil.ReturnJSON(rw, s.sched.TickerStatus())
}

// serveTick is the external-ticker entry point: one scheduler pass,
// now.
func (s *Server) serveTick(rw http.ResponseWriter, req *http.Request) {
	res, err := s.sched.Tick(req.Context(), time.Now())
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, res)
}
