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
	"net/http"

	"cloudpaste.org/pkg/httputil"
	"cloudpaste.org/pkg/types"
)

func (s *Server) serveJobList(rw http.ResponseWriter, req *http.Request) {
	defer httputil.Recover(rw, req)
	id := identity(req)
	createdBy := ""
	if !id.Admin {
		createdBy = id.Name()
	}
	limit := httputil.OptionalInt(req, "limit")
	if limit <= 0 {
		limit = 50
	}
	status := types.JobStatus(req.URL.Query().Get("status"))
	list, err := s.db.ListJobs(req.Context(), createdBy, status, limit)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, map[string]any{"jobs": list})
}

// jobForCaller loads a job and enforces the creator scope for
// non-admin callers.
func (s *Server) jobForCaller(req *http.Request) (*types.Job, error) {
	j, err := s.db.Job(req.Context(), req.PathValue("jobId"))
	if err != nil {
		return nil, err
	}
	id := identity(req)
	if !id.Admin && j.CreatedBy != id.Name() {
		return nil, types.NewNotFound("no such job")
	}
	return j, nil
}

func (s *Server) serveJobGet(rw http.ResponseWriter, req *http.Request) {
	j, err := s.jobForCaller(req)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, j)
}

func (s *Server) serveJobCancel(rw http.ResponseWriter, req *http.Request) {
	if _, err := s.jobForCaller(req); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	j, err := s.runner.Cancel(req.Context(), req.PathValue("jobId"))
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, j)
}

func (s *Server) serveJobRetry(rw http.ResponseWriter, req *http.Request) {
	if _, err := s.jobForCaller(req); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	j, err := s.runner.Retry(req.Context(), req.PathValue("jobId"))
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, j)
}

func (s *Server) serveJobDelete(rw http.ResponseWriter, req *http.Request) {
	if _, err := s.jobForCaller(req); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	if err := s.db.DeleteJob(req.Context(), req.PathValue("jobId")); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, map[string]any{"deleted": true})
}
