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

// Package mount resolves virtual filesystem paths to mounts: the
// longest-prefix match over the mount table, the relative storage key
// below the match, and the per-identity visibility rules (basic-path
// sandbox, storage ACL).
package mount // import "cloudpaste.org/pkg/mount"

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"cloudpaste.org/pkg/auth"
	"cloudpaste.org/pkg/types"
)

// Source lists the mount table. *store.Store satisfies it.
type Source interface {
	ListMounts(ctx context.Context) ([]*types.Mount, error)
}

// listTTL bounds how stale the cached mount table may get when a
// writer forgets to call Invalidate (another process editing the DB).
const listTTL = 10 * time.Second

// Router answers "which mount owns this path". It caches the mount
// table briefly; mutating admin handlers call Invalidate.
type Router struct {
	src Source

	mu      sync.Mutex
	mounts  []*types.Mount // sorted by mount path length, longest first
	fetched time.Time
}

// NewRouter returns a router over src.
func NewRouter(src Source) *Router {
	return &Router{src: src}
}

// Invalidate drops the cached mount table. Call after any mount or
// storage-config mutation.
func (r *Router) Invalidate() {
	r.mu.Lock()
	r.mounts = nil
	r.fetched = time.Time{}
	r.mu.Unlock()
}

func (r *Router) table(ctx context.Context) ([]*types.Mount, error) {
	r.mu.Lock()
	if r.mounts != nil && time.Since(r.fetched) < listTTL {
		m := r.mounts
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	all, err := r.src.ListMounts(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]*types.Mount, 0, len(all))
	for _, m := range all {
		if m.IsActive {
			active = append(active, m)
		}
	}
	// Longest mount path first, so the first prefix hit wins.
	sort.Slice(active, func(i, j int) bool {
		return len(active[i].MountPath) > len(active[j].MountPath)
	})

	r.mu.Lock()
	r.mounts = active
	r.fetched = time.Now()
	r.mu.Unlock()
	return active, nil
}

// Resolved is a path bound to its owning mount.
type Resolved struct {
	Mount *types.Mount
	// Key is the storage key below the mount: no leading slash, ""
	// for the mount root.
	Key string
	// Path is the normalized virtual path that resolved.
	Path string
}

// SubPath returns the virtual path of a storage key inside the same
// mount.
func (res *Resolved) SubPath(key string) string {
	if key == "" {
		return res.Mount.MountPath
	}
	return res.Mount.MountPath + "/" + key
}

// under reports whether p sits at or below mountPath, and the relative
// key when it does.
func under(p, mountPath string) (string, bool) {
	mp := strings.TrimSuffix(mountPath, "/")
	if mp == "" {
		return strings.TrimPrefix(p, "/"), true
	}
	if p == mp {
		return "", true
	}
	if strings.HasPrefix(p, mp+"/") {
		return p[len(mp)+1:], true
	}
	return "", false
}

// Resolve finds the mount whose mount path is the longest prefix of p.
// The path is normalized first; a trailing slash is dropped from the
// key.
func (r *Router) Resolve(ctx context.Context, p string) (*Resolved, error) {
	p = strings.TrimSuffix(types.NormalizePath(p), "/")
	if p == "" {
		p = "/"
	}
	mounts, err := r.table(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range mounts {
		if key, ok := under(p, m.MountPath); ok {
			return &Resolved{Mount: m, Key: key, Path: p}, nil
		}
	}
	return nil, types.NewNotFound("no mount serves %q", p)
}

// ResolveFor resolves p on behalf of id, enforcing the basic-path
// sandbox and the key's storage ACL.
func (r *Router) ResolveFor(ctx context.Context, id *auth.Identity, p string) (*Resolved, error) {
	p = strings.TrimSuffix(types.NormalizePath(p), "/")
	if p == "" {
		p = "/"
	}
	if err := id.CheckPath(p); err != nil {
		return nil, err
	}
	res, err := r.Resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	if !id.AllowsStorage(res.Mount.StorageConfigID) {
		return nil, types.NewPermissionDenied("storage config not allowed for this key")
	}
	return res, nil
}

// Visible lists the mounts id may see: all active mounts for the
// admin; for an API key, mounts inside its basic path (or enclosing
// it) whose storage config the key's ACL admits. Results come back in
// admin sort order.
func (r *Router) Visible(ctx context.Context, id *auth.Identity) ([]*types.Mount, error) {
	mounts, err := r.table(ctx)
	if err != nil {
		return nil, err
	}
	basic := id.BasicPath()
	out := make([]*types.Mount, 0, len(mounts))
	for _, m := range mounts {
		if !id.Admin {
			if id.Key == nil {
				continue
			}
			// A mount is reachable when it lives under the sandbox, or
			// the sandbox points inside the mount.
			if !types.PathInBasicPath(m.MountPath, basic) {
				if _, ok := under(basic, m.MountPath); !ok {
					continue
				}
			}
			if !id.Key.AllowsStorage(m.StorageConfigID) {
				continue
			}
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].MountPath < out[j].MountPath
	})
	return out, nil
}

// MountByID returns the active mount with the given id.
func (r *Router) MountByID(ctx context.Context, id string) (*types.Mount, error) {
	mounts, err := r.table(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range mounts {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, types.NewNotFound("mount %q not found", id)
}
