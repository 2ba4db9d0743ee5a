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

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/httputil"
	"cloudpaste.org/pkg/types"
)

// Storage configs.

func (s *Server) serveListStorage(rw http.ResponseWriter, req *http.Request) {
	configs, err := s.db.ListStorageConfigs(req.Context())
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, map[string]any{"configs": configs})
}

func (s *Server) serveCreateStorage(rw http.ResponseWriter, req *http.Request) {
	var c types.StorageConfig
	if err := httputil.ReadReqBody(req, &c); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	if c.Name == "" {
		httputil.ServeError(rw, req, types.NewInvalidInput("name is required").WithField("name"))
		return
	}
	if _, ok := driver.TypeCapabilities(c.StorageType); !ok {
		httputil.ServeError(rw, req, types.NewInvalidInput("unknown storage type %q", c.StorageType).WithField("storage_type"))
		return
	}
	if err := s.db.CreateStorageConfig(req.Context(), &c); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSONCode(rw, http.StatusCreated, &c)
}

func (s *Server) serveGetStorage(rw http.ResponseWriter, req *http.Request) {
	c, err := s.db.StorageConfig(req.Context(), req.PathValue("id"))
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, c)
}

func (s *Server) serveUpdateStorage(rw http.ResponseWriter, req *http.Request) {
	var c types.StorageConfig
	if err := httputil.ReadReqBody(req, &c); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	c.ID = req.PathValue("id")
	if err := s.db.UpdateStorageConfig(req.Context(), &c); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	// Live driver instances for this config are now stale.
	s.reg.Invalidate(c.ID)
	s.fs.Cache().Clear()
	httputil.ReturnJSON(rw, &c)
}

func (s *Server) serveDeleteStorage(rw http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	mounts, err := s.db.ListMounts(req.Context())
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	for _, m := range mounts {
		if m.StorageConfigID == id {
			httputil.ServeError(rw, req, types.NewConflict("storage config is in use by mount %q", m.Name))
			return
		}
	}
	if err := s.db.DeleteStorageConfig(req.Context(), id); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	s.reg.Invalidate(id)
	httputil.ReturnJSON(rw, map[string]any{"deleted": true})
}

// serveTestStorage instantiates the driver and lists the backend root.
func (s *Server) serveTestStorage(rw http.ResponseWriter, req *http.Request) {
	if err := s.reg.Probe(req.Context(), req.PathValue("id")); err != nil {
		httputil.ReturnJSON(rw, map[string]any{
			"ok":    false,
			"error": err.Error(),
		})
		return
	}
	httputil.ReturnJSON(rw, map[string]any{"ok": true})
}

func (s *Server) serveSetDefaultStorage(rw http.ResponseWriter, req *http.Request) {
	c, err := s.db.StorageConfig(req.Context(), req.PathValue("id"))
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	c.IsDefault = true
	if err := s.db.UpdateStorageConfig(req.Context(), c); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, c)
}

func (s *Server) serveStorageTypes(rw http.ResponseWriter, req *http.Request) {
	httputil.ReturnJSON(rw, map[string]any{"types": driver.Types()})
}

func (s *Server) serveStorageTypeCaps(rw http.ResponseWriter, req *http.Request) {
	typ := req.PathValue("type")
	caps, ok := driver.TypeCapabilities(typ)
	if !ok {
		httputil.ServeError(rw, req, types.NewNotFound("unknown storage type %q", typ))
		return
	}
	httputil.ReturnJSON(rw, map[string]any{
		"type":         typ,
		"capabilities": caps,
	})
}

// mountField describes one mount form field for clients that render
// the create/edit dialog dynamically.
type mountField struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // string, number, boolean, select
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
	Options  []any  `json:"options,omitempty"`
}

var mountSchema = []mountField{
	{Name: "name", Type: "string", Required: true},
	{Name: "mount_path", Type: "string", Required: true},
	{Name: "storage_config_id", Type: "string", Required: true},
	{Name: "is_active", Type: "boolean", Default: true},
	{Name: "sort_order", Type: "number", Default: 0},
	{Name: "cache_ttl", Type: "number", Default: 0},
	{Name: "web_proxy", Type: "boolean", Default: false},
	{Name: "webdav_policy", Type: "select", Default: string(types.WebDAV302),
		Options: []any{string(types.WebDAV302), string(types.WebDAVProxy)}},
	{Name: "enable_sign", Type: "boolean", Default: false},
	{Name: "sign_expires", Type: "number"},
}

func (s *Server) serveMountSchema(rw http.ResponseWriter, req *http.Request) {
	httputil.ReturnJSON(rw, map[string]any{"fields": mountSchema})
}

// Mounts.

func (s *Server) serveListMounts(rw http.ResponseWriter, req *http.Request) {
	mounts, err := s.db.ListMounts(req.Context())
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, map[string]any{"mounts": mounts})
}

func (s *Server) serveCreateMount(rw http.ResponseWriter, req *http.Request) {
	var m types.Mount
	if err := httputil.ReadReqBody(req, &m); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	if _, _, err := s.reg.Driver(req.Context(), m.StorageConfigID); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	if err := s.db.CreateMount(req.Context(), &m); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	s.router.Invalidate()
	httputil.ReturnJSONCode(rw, http.StatusCreated, &m)
}

func (s *Server) serveGetMount(rw http.ResponseWriter, req *http.Request) {
	m, err := s.db.Mount(req.Context(), req.PathValue("id"))
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, m)
}

func (s *Server) serveUpdateMount(rw http.ResponseWriter, req *http.Request) {
	var m types.Mount
	if err := httputil.ReadReqBody(req, &m); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	m.ID = req.PathValue("id")
	if err := s.db.UpdateMount(req.Context(), &m); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	s.router.Invalidate()
	s.fs.Cache().InvalidateMount(m.ID)
	httputil.ReturnJSON(rw, &m)
}

func (s *Server) serveDeleteMount(rw http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := s.db.DeleteMount(req.Context(), id); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	s.router.Invalidate()
	s.fs.Cache().InvalidateMount(id)
	if err := s.index.DeleteMount(req.Context(), id); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, map[string]any{"deleted": true})
}
