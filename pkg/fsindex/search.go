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

package fsindex

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"cloudpaste.org/pkg/auth"
	"cloudpaste.org/pkg/types"
)

const (
	// MinQueryLength is the trigram floor: shorter queries match
	// nothing and are rejected up front.
	MinQueryLength = 3

	defaultSearchLimit = 50
	maxSearchLimit     = 200

	searchCacheTTL = 5 * time.Minute
)

// SearchScope narrows where a query looks.
type SearchScope string

const (
	ScopeGlobal    SearchScope = "global"
	ScopeMount     SearchScope = "mount"
	ScopeDirectory SearchScope = "directory"
)

// SearchReq is one search query.
type SearchReq struct {
	Query string      `json:"q"`
	Scope SearchScope `json:"scope,omitempty"`
	// MountID targets ScopeMount and ScopeDirectory.
	MountID string `json:"mount_id,omitempty"`
	// Dir is the storage-key prefix for ScopeDirectory.
	Dir    string `json:"dir,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

// SkippedMount names a mount a global search could not include.
type SkippedMount struct {
	MountID   string `json:"mount_id"`
	MountPath string `json:"mount_path"`
	Reason    string `json:"reason"` // index_not_ready
}

// SearchResult is the answer to one query.
type SearchResult struct {
	Entries []types.Entry `json:"items"`
	// IndexReady is false when no ready index could serve the query at
	// all; Hint then says what to do.
	IndexReady bool `json:"indexReady"`
	// IndexPartial is set when a global search skipped mounts.
	IndexPartial bool `json:"indexPartial,omitempty"`
	// SearchableMounts lists the ready mounts the query ran against.
	SearchableMounts []string       `json:"searchableMountIds,omitempty"`
	SkippedMounts    []SkippedMount `json:"skippedMounts,omitempty"`
	Hint          string         `json:"hint,omitempty"`
	NextCursor    string         `json:"nextCursor,omitempty"`
}

// Search runs an index-only filename search for id. Mounts outside the
// identity's reach never participate, whatever the scope says.
func (ix *Index) Search(ctx context.Context, id *auth.Identity, req SearchReq) (*SearchResult, error) {
	req.Query = strings.TrimSpace(req.Query)
	if len([]rune(req.Query)) < MinQueryLength {
		return nil, types.NewInvalidInput("query must be at least %d characters", MinQueryLength).WithField("q")
	}
	if req.Scope == "" {
		req.Scope = ScopeGlobal
	}
	if req.Limit <= 0 {
		req.Limit = defaultSearchLimit
	}
	if req.Limit > maxSearchLimit {
		req.Limit = maxSearchLimit
	}
	offset := 0
	if req.Cursor != "" {
		var err error
		offset, err = ix.decodeCursor(req.Cursor, req)
		if err != nil {
			return nil, err
		}
	}

	visible, err := ix.router.Visible(ctx, id)
	if err != nil {
		return nil, err
	}

	res := &SearchResult{}
	var mountIDs []string
	switch req.Scope {
	case ScopeGlobal:
		for _, m := range visible {
			state, err := ix.State(ctx, m.ID)
			if err != nil {
				return nil, err
			}
			if state == StateReady {
				mountIDs = append(mountIDs, m.ID)
			} else {
				res.IndexPartial = true
				res.SkippedMounts = append(res.SkippedMounts, SkippedMount{MountID: m.ID, MountPath: m.MountPath, Reason: "index_not_ready"})
			}
		}
		if len(mountIDs) == 0 {
			res.Hint = "no mount has a ready index; run a rebuild"
			return res, nil
		}
		res.IndexReady = true

	case ScopeMount, ScopeDirectory:
		var target *types.Mount
		for _, m := range visible {
			if m.ID == req.MountID {
				target = m
				break
			}
		}
		if target == nil {
			return nil, types.NewNotFound("mount %q not found", req.MountID)
		}
		state, err := ix.State(ctx, target.ID)
		if err != nil {
			return nil, err
		}
		if state != StateReady {
			res.Hint = "mount index is " + string(state) + "; run a rebuild"
			return res, nil
		}
		res.IndexReady = true
		mountIDs = []string{target.ID}

	default:
		return nil, types.NewInvalidInput("unknown search scope %q", req.Scope).WithField("scope")
	}
	res.SearchableMounts = mountIDs

	cacheKey := searchCacheKey(id, req, offset)
	if cached, ok := ix.searchCache.get(cacheKey); ok {
		return cached, nil
	}

	entries, more, err := ix.runQuery(ctx, req, mountIDs, offset)
	if err != nil {
		return nil, err
	}
	res.Entries = entries
	if more {
		res.NextCursor = ix.encodeCursor(req, offset+len(entries))
	}
	ix.searchCache.put(cacheKey, res)
	return res, nil
}

func (ix *Index) runQuery(ctx context.Context, req SearchReq, mountIDs []string, offset int) ([]types.Entry, bool, error) {
	var b strings.Builder
	args := make([]any, 0, len(mountIDs)+4)

	b.WriteString(`
		SELECT e.mount_id, e.s3_key, e.name, e.path, e.size, e.type, e.modified_ms, e.is_directory
		FROM fs_search_index_entries e
		JOIN fs_search_index_fts f ON f.rowid = e.rowid
		WHERE f.fs_search_index_fts MATCH ?
		AND e.mount_id IN (`)
	// The query is a plain trigram contains matched against both FTS
	// columns (name and path); quoting keeps FTS syntax characters in
	// the user's string literal.
	args = append(args, `"`+strings.ReplaceAll(req.Query, `"`, `""`)+`"`)
	for i, id := range mountIDs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("?")
		args = append(args, id)
	}
	b.WriteString(")")
	if req.Scope == ScopeDirectory {
		dir := strings.Trim(types.NormalizePath(req.Dir), "/")
		if dir != "" {
			b.WriteString(` AND (e.s3_key = ? OR e.s3_key LIKE ? ESCAPE '\')`)
			args = append(args, dir, likePrefix(dir)+"/%")
		}
	}
	b.WriteString(` ORDER BY e.path LIMIT ? OFFSET ?`)
	// One row past the limit tells us whether a next page exists.
	args = append(args, req.Limit+1, offset)

	rows, err := ix.query(ctx, b.String(), args...)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var entries []types.Entry
	for rows.Next() {
		var e types.Entry
		var mountID string
		var typ, isDir int
		var modMs int64
		if err := rows.Scan(&mountID, &e.Key, &e.Name, &e.Path, &e.Size, &typ, &modMs, &isDir); err != nil {
			return nil, false, err
		}
		e.Type = types.EntryType(typ)
		e.IsDirectory = isDir != 0
		e.Modified = time.UnixMilli(modMs).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	more := len(entries) > req.Limit
	if more {
		entries = entries[:req.Limit]
	}
	return entries, more, nil
}

// searchCursor rides base64-encoded and MACed inside the opaque cursor
// so a client cannot point it at a different query.
type searchCursor struct {
	Query   string      `json:"q"`
	Scope   SearchScope `json:"s"`
	MountID string      `json:"m,omitempty"`
	Dir     string      `json:"d,omitempty"`
	Offset  int         `json:"o"`
}

func (ix *Index) encodeCursor(req SearchReq, offset int) string {
	raw, _ := json.Marshal(searchCursor{Query: req.Query, Scope: req.Scope, MountID: req.MountID, Dir: req.Dir, Offset: offset})
	enc := base64.RawURLEncoding.EncodeToString(raw)
	return enc + "." + ix.signer.Sign("CURSOR", enc, 0)
}

func (ix *Index) decodeCursor(cursor string, req SearchReq) (int, error) {
	enc, mac, ok := strings.Cut(cursor, ".")
	if !ok {
		return 0, types.NewInvalidInput("malformed cursor").WithField("cursor")
	}
	if err := ix.signer.Verify("CURSOR", enc, 0, mac, time.Now()); err != nil {
		return 0, types.NewInvalidInput("bad cursor").WithField("cursor")
	}
	raw, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return 0, types.NewInvalidInput("malformed cursor").WithField("cursor")
	}
	var c searchCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return 0, types.NewInvalidInput("malformed cursor").WithField("cursor")
	}
	if c.Query != req.Query || c.Scope != req.Scope || c.MountID != req.MountID || c.Dir != req.Dir {
		return 0, types.NewInvalidInput("cursor does not match this query").WithField("cursor")
	}
	return c.Offset, nil
}

func searchCacheKey(id *auth.Identity, req SearchReq, offset int) string {
	scope := "admin"
	if !id.Admin {
		scope = id.BasicPath()
		if id.Key != nil {
			scope += "|" + id.Key.ID
		}
	}
	raw, _ := json.Marshal(struct {
		Viewer string
		Req    SearchReq
		Offset int
	}{scope, req, offset})
	return string(raw)
}

// searchCache memoizes search answers briefly; any index write clears
// it wholesale.
type searchCache struct {
	mu sync.Mutex
	m  map[string]searchCacheEntry
}

type searchCacheEntry struct {
	res     *SearchResult
	expires time.Time
}

func newSearchCache() *searchCache {
	return &searchCache{m: make(map[string]searchCacheEntry)}
}

func (c *searchCache) get(key string) (*SearchResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.res, true
}

func (c *searchCache) put(key string, res *SearchResult) {
	c.mu.Lock()
	c.m[key] = searchCacheEntry{res: res, expires: time.Now().Add(searchCacheTTL)}
	c.mu.Unlock()
}

func (c *searchCache) clear() {
	c.mu.Lock()
	c.m = make(map[string]searchCacheEntry)
	c.mu.Unlock()
}
