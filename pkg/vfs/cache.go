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

package vfs

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cloudpaste.org/pkg/types"
)

// DefaultCacheTTL applies to mounts without an explicit cache_ttl.
const DefaultCacheTTL = 5 * time.Minute

// cacheKey identifies one cached listing. The viewer scope folds in
// everything that changes what a viewer sees for the same directory:
// basic path sandbox and hide-pattern source.
func cacheKey(mountID, storageKey, viewerScope string) string {
	return mountID + "\x00" + storageKey + "\x00" + viewerScope
}

type cacheEntry struct {
	listing *Listing
	expires time.Time
}

// DirCache holds rendered directory listings with per-mount TTLs.
// Writes under a prefix invalidate, mount edits invalidate, admins can
// flush. Hit and miss counters feed the dashboard.
type DirCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry

	hits   atomic.Int64
	misses atomic.Int64
}

// NewDirCache returns an empty cache.
func NewDirCache() *DirCache {
	return &DirCache{entries: make(map[string]cacheEntry)}
}

func (c *DirCache) get(mountID, storageKey, viewerScope string) (*Listing, bool) {
	c.mu.Lock()
	e, ok := c.entries[cacheKey(mountID, storageKey, viewerScope)]
	c.mu.Unlock()
	if !ok || time.Now().After(e.expires) {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.listing, true
}

func (c *DirCache) put(mountID, storageKey, viewerScope string, l *Listing, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[cacheKey(mountID, storageKey, viewerScope)] = cacheEntry{listing: l, expires: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// InvalidatePrefix drops every cached listing of the mount at or below
// the given storage key, across all viewer scopes.
func (c *DirCache) InvalidatePrefix(mountID, storageKey string) {
	prefix := mountID + "\x00"
	key := strings.TrimSuffix(storageKey, "/")
	c.mu.Lock()
	for k := range c.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := k[len(prefix):]
		cached := rest[:strings.IndexByte(rest, '\x00')]
		if key == "" || cached == key || strings.HasPrefix(cached, key+"/") {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

// InvalidateMount drops every cached listing of one mount.
func (c *DirCache) InvalidateMount(mountID string) {
	c.InvalidatePrefix(mountID, "")
}

// Clear empties the cache.
func (c *DirCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// ClearForMounts drops cached listings for the given mounts, for
// user-scoped cache flushes.
func (c *DirCache) ClearForMounts(mounts []*types.Mount) {
	for _, m := range mounts {
		c.InvalidateMount(m.ID)
	}
}

// Stats reports hit/miss counters and the current entry count.
func (c *DirCache) Stats() (hits, misses int64, entries int) {
	c.mu.Lock()
	entries = len(c.entries)
	c.mu.Unlock()
	return c.hits.Load(), c.misses.Load(), entries
}
