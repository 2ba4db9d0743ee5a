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

/*
Package hflfs registers the "huggingface" storage driver, serving a
HuggingFace Hub dataset repository. Content is addressed by SHA-256:
uploads go through the Git LFS batch API, which either mints presigned
part URLs or reports the object as already present (skip-upload), and
finish with a commit call that binds the path to the digest.

The LFS backend cannot enumerate a multipart upload's received parts,
so the parts ledger policy is client_keeps: the uploader is
authoritative for which parts landed. Part URLs are minted eagerly at
init, and SHA-256 is required before any upload URL exists at all.

Example params:

	{
	    "repo": "user/my-dataset",
	    "token": "hf_xxx",
	    "revision": "main"
	}
*/
package hflfs // import "cloudpaste.org/pkg/driver/hflfs"

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go4.org/jsonconfig"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

type hfDriver struct {
	cfg      *types.StorageConfig
	endpoint string
	repo     string // "user/name"
	revision string
	token    string
	client   *http.Client
}

var (
	_ driver.Driver      = (*hfDriver)(nil)
	_ driver.Presigner   = (*hfDriver)(nil)
	_ driver.Committer   = (*hfDriver)(nil)
	_ driver.Multiparter = (*hfDriver)(nil)
	_ driver.PartSigner  = (*hfDriver)(nil)
	_ driver.URLSource   = (*hfDriver)(nil)
)

func init() {
	driver.Register("huggingface", typeCaps(), newFromConfig)
}

func typeCaps() driver.Capabilities {
	return driver.Capabilities{
		FS: driver.FSCaps{
			BackendStream:   true,
			PresignedSingle: true,
			Multipart:       true,
			List:            true,
			Stat:            true,
			Read:            true,
			Range:           true,
			Write:           true,
			Delete:          true,
			Mkdir:           true, // accepted, directories are implicit
		},
		Share: driver.ShareCaps{
			BackendStream: true,
			Presigned:     true,
			URL:           true,
		},
		Multipart: &driver.MultipartCaps{
			Strategy:          driver.PerPartURL,
			PartsLedgerPolicy: driver.LedgerClientKeeps,
			SigningMode:       driver.SignEager,
			ServerCanList:     false,
			URLTTLSec:         3600,
			MinPartSize:       5 << 20,
			MaxPartSize:       5 << 30,
			Retry:             driver.DefaultRetry(),
		},
		SHA256RequiredForPresign: true,
	}
}

func newFromConfig(cfg *types.StorageConfig, params jsonconfig.Obj) (driver.Driver, error) {
	var (
		repo     = params.RequiredString("repo")
		token    = params.RequiredString("token")
		revision = params.OptionalString("revision", "main")
		endpoint = params.OptionalString("endpoint", "https://huggingface.co")
	)
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &hfDriver{
		cfg:      cfg,
		endpoint: strings.TrimSuffix(endpoint, "/"),
		repo:     repo,
		revision: revision,
		token:    token,
		client:   http.DefaultClient,
	}, nil
}

func (d *hfDriver) Type() string { return "huggingface" }

func (d *hfDriver) Capabilities() driver.Capabilities { return typeCaps() }

// repoPath folds the default folder into key and escapes it for a URL
// path position.
func (d *hfDriver) repoPath(key string) string {
	full := strings.Trim(d.cfg.DefaultFolder, "/")
	if key != "" {
		if full != "" {
			full += "/"
		}
		full += key
	}
	segs := strings.Split(full, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

func (d *hfDriver) apiURL(parts ...string) string {
	return d.endpoint + "/api/datasets/" + d.repo + "/" + strings.Join(parts, "/")
}

func (d *hfDriver) resolveURL(key string) string {
	return d.endpoint + "/datasets/" + d.repo + "/resolve/" + url.PathEscape(d.revision) + "/" + d.repoPath(key)
}

func (d *hfDriver) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+d.token)
	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, types.NewCancelled("huggingface request cancelled")
		}
		return nil, types.NewUpstreamTransient(err, "huggingface: %s %s", req.Method, req.URL.Path)
	}
	return resp, nil
}

func mapStatus(resp *http.Response, key string) error {
	slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()
	switch {
	case resp.StatusCode == 404:
		return types.NewNotFound("%q not found", key)
	case resp.StatusCode == 401 || resp.StatusCode == 403:
		return types.NewPermissionDenied("access to %q denied", key)
	case resp.StatusCode == 429 || resp.StatusCode >= 500:
		return types.NewUpstreamTransient(fmt.Errorf("%s", slurp), "huggingface: %d on %q", resp.StatusCode, key)
	}
	return types.NewUpstreamFatal(fmt.Errorf("status %d: %s", resp.StatusCode, slurp), "huggingface: %q", key)
}

// treeItem is one row of the Hub tree API.
type treeItem struct {
	Type string `json:"type"` // "file" | "directory"
	Path string `json:"path"`
	Size int64  `json:"size"`
	OID  string `json:"oid"`
	LFS  *struct {
		OID  string `json:"oid"`
		Size int64  `json:"size"`
	} `json:"lfs"`
	LastCommit *struct {
		Date string `json:"date"`
	} `json:"lastCommit"`
}

func (d *hfDriver) entry(key string, it *treeItem) types.Entry {
	e := types.Entry{
		Name: types.BaseName("/" + it.Path),
		Key:  key,
	}
	if it.LastCommit != nil {
		e.Modified, _ = time.Parse(time.RFC3339, it.LastCommit.Date)
	}
	if it.Type == "directory" {
		e.IsDirectory = true
		e.Type = types.TypeFolder
		return e
	}
	e.Size = it.Size
	e.ETag = it.OID
	if it.LFS != nil {
		e.Size = it.LFS.Size
		e.ETag = it.LFS.OID
	}
	return e
}

func (d *hfDriver) List(ctx context.Context, key string, opts driver.ListOpts) (*driver.Listing, error) {
	u := d.apiURL("tree", url.PathEscape(d.revision))
	if p := d.repoPath(key); p != "" {
		u += "/" + p
	}
	u += "?expand=true"
	if opts.Cursor != "" {
		u += "&cursor=" + url.QueryEscape(opts.Cursor)
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapStatus(resp, key)
	}
	defer resp.Body.Close()
	var items []treeItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, types.NewUpstreamFatal(err, "huggingface: decoding tree of %q", key)
	}
	lst := &driver.Listing{}
	for i := range items {
		name := types.BaseName("/" + items[i].Path)
		childKey := name
		if key != "" {
			childKey = key + "/" + name
		}
		lst.Entries = append(lst.Entries, d.entry(childKey, &items[i]))
	}
	if link := resp.Header.Get("Link"); strings.Contains(link, `rel="next"`) {
		lst.Truncated = true
		// The opaque cursor rides in the next link's query string.
		if i := strings.Index(link, "cursor="); i >= 0 {
			rest := link[i+len("cursor="):]
			if j := strings.IndexAny(rest, ">&"); j >= 0 {
				rest = rest[:j]
			}
			lst.NextCursor, _ = url.QueryUnescape(rest)
		}
	}
	return lst, nil
}

func (d *hfDriver) Stat(ctx context.Context, key string) (*types.Entry, error) {
	if key == "" {
		return &types.Entry{IsDirectory: true, Type: types.TypeFolder}, nil
	}
	u := d.apiURL("paths-info", url.PathEscape(d.revision))
	body := strings.NewReader("paths=" + url.QueryEscape(strings.Trim(d.cfg.DefaultFolder, "/")+"/"+key))
	// paths-info wants the un-prefixed repo path when no default folder
	// is set.
	if strings.Trim(d.cfg.DefaultFolder, "/") == "" {
		body = strings.NewReader("paths=" + url.QueryEscape(key))
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := d.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapStatus(resp, key)
	}
	defer resp.Body.Close()
	var items []treeItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, types.NewUpstreamFatal(err, "huggingface: decoding paths-info for %q", key)
	}
	if len(items) == 0 {
		return nil, types.NewNotFound("%q not found", key)
	}
	e := d.entry(key, &items[0])
	return &e, nil
}

func (d *hfDriver) Open(ctx context.Context, key string, offset, length int64) (*driver.Object, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", d.resolveURL(key), nil)
	if err != nil {
		return nil, err
	}
	if offset != 0 || length >= 0 {
		if length < 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		}
	}
	resp, err := d.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, mapStatus(resp, key)
	}
	size := resp.ContentLength
	obj := &driver.Object{
		Reader:      resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
		Size:        size,
		ETag:        strings.Trim(resp.Header.Get("ETag"), `"`),
	}
	if resp.StatusCode == http.StatusPartialContent {
		obj.ContentRange = resp.Header.Get("Content-Range")
		// Content-Range carries the full size; ContentLength only the
		// window.
		if i := strings.LastIndexByte(obj.ContentRange, '/'); i >= 0 {
			fmt.Sscanf(obj.ContentRange[i+1:], "%d", &obj.Size)
		}
	}
	return obj, nil
}

// Mkdir is accepted and does nothing: Hub directories exist exactly
// when a file lives under them.
func (d *hfDriver) Mkdir(ctx context.Context, key string) error { return nil }

func (d *hfDriver) Rename(ctx context.Context, oldKey, newKey string) error {
	return driver.Unsupported("huggingface", "rename")
}

func (d *hfDriver) Copy(ctx context.Context, srcKey, dstKey string) error {
	return driver.Unsupported("huggingface", "copy")
}

// SourceURL returns the public resolve URL. Private repos still need
// the bearer token, which the gateway never hands out, so the VFS only
// offers this for public configs.
func (d *hfDriver) SourceURL(ctx context.Context, key string, opts driver.URLOpts) (string, error) {
	if !d.cfg.IsPublic {
		return "", types.NewPermissionDenied("repository is private")
	}
	u := d.resolveURL(key)
	if opts.Download {
		u += "?download=true"
	}
	return u, nil
}
