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
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"cloudpaste.org/pkg/auth"
	"cloudpaste.org/pkg/httputil"
	"cloudpaste.org/pkg/types"
)

// serveSignedProxy streams mount content same-origin, never
// redirecting to the backend. Mounts with enable_sign demand a valid
// sign/exp pair; other mounts accept the caller's own credentials.
func (s *Server) serveSignedProxy(rw http.ResponseWriter, req *http.Request) {
	p := types.NormalizePath("/" + req.PathValue("path"))
	res, err := s.router.Resolve(req.Context(), p)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	id, err := s.auth.Identify(req)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	sign := req.URL.Query().Get("sign")
	if res.Mount.EnableSign || sign != "" {
		exp, perr := strconv.ParseInt(req.URL.Query().Get("exp"), 10, 64)
		if perr != nil {
			httputil.ServeError(rw, req, types.NewInvalidInput("bad exp").WithField("exp"))
			return
		}
		if err := s.signer.Verify("GET", p, exp, sign, time.Now()); err != nil {
			httputil.ServeError(rw, req, err)
			return
		}
		// The signature is the authorization.
		id = &auth.Identity{Admin: true}
	} else if !id.Can(types.PermMountView) {
		if id.IsAnonymous() {
			httputil.ServeError(rw, req, types.NewUnauthenticated("authentication required"))
		} else {
			httputil.ServeError(rw, req, types.NewPermissionDenied("mount view permission required"))
		}
		return
	}
	s.streamFile(rw, req, id, p, httputil.OptionalBool(req, "download"))
}

// serveURLProxy fetches an upstream URL-backed entry pass-through.
// The 60s ticket authorizes exactly one path.
func (s *Server) serveURLProxy(rw http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	p := q.Get("path")
	if p == "" {
		httputil.ServeError(rw, req, types.NewInvalidInput("path is required").WithField("path"))
		return
	}
	p = types.NormalizePath(p)
	if err := s.signer.CheckTicket(q.Get("ticket"), "url_proxy", p, time.Now()); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	upstream, err := s.fs.UpstreamURL(req.Context(), &auth.Identity{Admin: true}, p)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	upReq, err := http.NewRequestWithContext(req.Context(), "GET", upstream, nil)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	if r := req.Header.Get("Range"); r != "" {
		upReq.Header.Set("Range", r)
	}
	resp, err := http.DefaultClient.Do(upReq)
	if err != nil {
		httputil.ServeError(rw, req, types.NewInternal(err, "upstream fetch failed"))
		return
	}
	defer httputil.CloseBody(resp.Body)

	h := rw.Header()
	for _, name := range []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges", "ETag", "Last-Modified"} {
		if v := resp.Header.Get(name); v != "" {
			h.Set(name, v)
		}
	}
	if httputil.OptionalBool(req, "download") {
		h.Set("Content-Disposition", "attachment")
	}
	rw.WriteHeader(resp.StatusCode)
	io.Copy(rw, resp.Body)
}

// serveShareURLInfo probes an external URL before an upload-from-URL:
// filename, size, content type, and whether the origin honors ranges.
func (s *Server) serveShareURLInfo(rw http.ResponseWriter, req *http.Request) {
	raw := req.FormValue("url")
	if raw == "" {
		httputil.ServeError(rw, req, types.NewInvalidInput("url is required").WithField("url"))
		return
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		httputil.ServeError(rw, req, types.NewInvalidInput("url must be http or https").WithField("url"))
		return
	}
	resp, err := probeURL(req.Context(), raw)
	if err != nil {
		httputil.ServeError(rw, req, types.NewUpstreamTransient(err, "upstream probe failed"))
		return
	}
	defer httputil.CloseBody(resp.Body)
	if resp.StatusCode >= 400 {
		httputil.ServeError(rw, req, types.NewUpstreamTransient(nil, "upstream answered %d", resp.StatusCode))
		return
	}

	name := ""
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			name = params["filename"]
		}
	}
	if name == "" {
		if base := path.Base(u.Path); base != "/" && base != "." {
			name = base
		}
	}
	size := resp.ContentLength
	// A 206 answer reports the window in ContentLength; the full size
	// rides in the Content-Range trailer.
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if i := strings.LastIndexByte(cr, '/'); i >= 0 {
			if total, err := strconv.ParseInt(cr[i+1:], 10, 64); err == nil {
				size = total
			}
		}
	}
	httputil.ReturnJSON(rw, map[string]any{
		"url":          raw,
		"filename":     name,
		"size":         size,
		"contentType":  resp.Header.Get("Content-Type"),
		"acceptRanges": strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes") || resp.StatusCode == http.StatusPartialContent,
	})
}

// probeURL HEADs the target, falling back to a one-byte ranged GET for
// origins that refuse HEAD.
func probeURL(ctx context.Context, raw string) (*http.Response, error) {
	head, err := http.NewRequestWithContext(ctx, "HEAD", raw, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(head)
	if err == nil && resp.StatusCode != http.StatusMethodNotAllowed && resp.StatusCode != http.StatusNotImplemented {
		return resp, nil
	}
	if err == nil {
		httputil.CloseBody(resp.Body)
	}
	get, err := http.NewRequestWithContext(ctx, "GET", raw, nil)
	if err != nil {
		return nil, err
	}
	get.Header.Set("Range", "bytes=0-0")
	return http.DefaultClient.Do(get)
}

// serveProxyTicket mints a short-lived url-proxy ticket for one path.
func (s *Server) serveProxyTicket(rw http.ResponseWriter, req *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	if body.Path == "" {
		httputil.ServeError(rw, req, types.NewInvalidInput("path is required").WithField("path"))
		return
	}
	p := types.NormalizePath(body.Path)
	httputil.ReturnJSON(rw, map[string]any{
		"ticket":     s.signer.MintTicket("url_proxy", p, time.Now()),
		"expires_in": int(auth.TicketTTL.Seconds()),
	})
}

// serveProxyLink hands an internal reverse proxy the upstream URL for
// a path. Credentials never reach browsers; the response is for
// server-side use.
func (s *Server) serveProxyLink(rw http.ResponseWriter, req *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := httputil.ReadReqBody(req, &body); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	id := identity(req)
	p := types.NormalizePath(body.Path)
	if err := id.CheckPath(p); err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	upstream, err := s.fs.UpstreamURL(req.Context(), id, p)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	httputil.ReturnJSON(rw, map[string]any{
		"url":     upstream,
		"headers": map[string]string{},
	})
}
