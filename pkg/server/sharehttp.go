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
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"cloudpaste.org/pkg/httputil"
	"cloudpaste.org/pkg/share"
	"cloudpaste.org/pkg/types"
)

// Pastes.

func (s *Server) servePasteCreate(rw http.ResponseWriter, req *http.Request) {
	var body share.PasteReq
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	body.CreatedBy = identity(req).Name()
	p, err := s.shares.CreatePaste(req.Context(), body)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSONCode(rw, http.StatusCreated, p)
}

func (s *Server) servePasteGet(rw http.ResponseWriter, req *http.Request) {
	v, err := s.shares.GetPaste(req.Context(), req.PathValue("slug"))
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, v)
}

func (s *Server) servePasteVerify(rw http.ResponseWriter, req *http.Request) {
	var body struct {
		Password string `json:"password"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	v, err := s.shares.VerifyPaste(req.Context(), req.PathValue("slug"), body.Password)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, v)
}

// servePasteRaw serves the paste body as text/plain, consuming one
// view. Token or password ride in the query.
func (s *Server) servePasteRaw(rw http.ResponseWriter, req *http.Request) {
	content, err := s.shares.RawPaste(req.Context(), req.PathValue("slug"),
		req.URL.Query().Get("token"), req.URL.Query().Get("password"))
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.Header().Set("Content-Length", strconv.Itoa(len(content)))
	io.WriteString(rw, content)
}

func (s *Server) servePasteList(rw http.ResponseWriter, req *http.Request) {
	defer httputil.Recover(rw, req)
	limit := httputil.OptionalInt(req, "limit")
	if limit <= 0 {
		limit = 50
	}
	pastes, err := s.shares.ListPastes(req.Context(), limit, httputil.OptionalInt(req, "offset"))
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, map[string]any{"pastes": pastes})
}

func (s *Server) servePasteUpdate(rw http.ResponseWriter, req *http.Request) {
	var body share.PasteReq
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	body.Slug = req.PathValue("slug")
	p, err := s.shares.UpdatePaste(req.Context(), body)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, p)
}

func (s *Server) servePasteDelete(rw http.ResponseWriter, req *http.Request) {
	if err := s.shares.DeletePaste(req.Context(), req.PathValue("slug")); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, map[string]any{"deleted": true})
}

func (s *Server) servePasteBatchDelete(rw http.ResponseWriter, req *http.Request) {
	var body struct {
		Slugs []string `json:"slugs"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	results := make([]types.ItemResult, 0, len(body.Slugs))
	for _, slug := range body.Slugs {
		r := types.ItemResult{SourcePath: slug, Status: types.ItemSuccess}
		if err := s.shares.DeletePaste(req.Context(), slug); err != nil {
			r.Status = types.ItemFailed
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	httputil.ReturnJSON(rw, map[string]any{"itemResults": results})
}

func (s *Server) servePasteClearExpired(rw http.ResponseWriter, req *http.Request) {
	pastes, shares, err := s.shares.ClearExpired(req.Context())
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, map[string]any{
		"pastesCleared": pastes,
		"sharesCleared": shares,
	})
}

// File shares.

func (s *Server) serveShareGet(rw http.ResponseWriter, req *http.Request) {
	v, err := s.shares.Get(req.Context(), req.PathValue("slug"))
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, v)
}

func (s *Server) serveShareVerify(rw http.ResponseWriter, req *http.Request) {
	var body struct {
		Password string `json:"password"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	v, err := s.shares.Verify(req.Context(), req.PathValue("slug"), body.Password)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, v)
}

// serveShareContent streams a share body same-origin, honoring Range
// and consuming one view per request.
func (s *Server) serveShareContent(rw http.ResponseWriter, req *http.Request) {
	slug := req.PathValue("slug")
	offset, length, suffix, ok := parseRange(req.Header.Get("Range"))
	if !ok {
		rw.Header().Set("Content-Range", "bytes */*")
		http.Error(rw, "invalid range", http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if suffix {
		v, err := s.shares.Get(req.Context(), slug)
		if err != nil {
			httputil.ServeError(rw, req, err)
			return
		}
		if length >= v.Size {
			offset, length = 0, -1
		} else {
			offset = v.Size - length
		}
	}
	c, err := s.shares.Open(req.Context(), slug,
		req.URL.Query().Get("token"), req.URL.Query().Get("password"), offset, length)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	defer c.Reader.Close()

	h := rw.Header()
	ct := c.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	h.Set("Accept-Ranges", "bytes")
	if c.ETag != "" {
		h.Set("ETag", c.ETag)
	}
	if httputil.OptionalBool(req, "download") {
		name := c.Name
		if name == "" {
			name = slug
		}
		h.Set("Content-Disposition", fmt.Sprintf("attachment; filename*=UTF-8''%s", url.PathEscape(name)))
	}
	status := http.StatusOK
	if c.ContentRange != "" {
		h.Set("Content-Range", c.ContentRange)
		status = http.StatusPartialContent
	} else if c.Size > 0 {
		h.Set("Content-Length", strconv.FormatInt(c.Size, 10))
	}
	rw.WriteHeader(status)
	if req.Method == "HEAD" {
		return
	}
	io.Copy(rw, c.Reader)
}

func (s *Server) serveShareList(rw http.ResponseWriter, req *http.Request) {
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
	shares, err := s.shares.List(req.Context(), createdBy, limit, httputil.OptionalInt(req, "offset"))
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, map[string]any{"files": shares})
}

func (s *Server) serveShareDelete(rw http.ResponseWriter, req *http.Request) {
	if err := s.shares.Delete(req.Context(), req.PathValue("slug")); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, map[string]any{"deleted": true})
}

func (s *Server) serveShareBatchDelete(rw http.ResponseWriter, req *http.Request) {
	var body struct {
		Slugs []string `json:"slugs"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	results := make([]types.ItemResult, 0, len(body.Slugs))
	for _, slug := range body.Slugs {
		r := types.ItemResult{SourcePath: slug, Status: types.ItemSuccess}
		if err := s.shares.Delete(req.Context(), slug); err != nil {
			r.Status = types.ItemFailed
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	httputil.ReturnJSON(rw, map[string]any{"itemResults": results})
}
