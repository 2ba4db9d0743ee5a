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

// Package types holds the shared vocabulary of the CloudPaste gateway:
// the persisted entities (mounts, storage configs, API keys, shares),
// the permission bitflags, and the enums exchanged between the virtual
// filesystem, the drivers, and the HTTP layer.
package types // import "cloudpaste.org/pkg/types"

import (
	"strings"
	"time"
)

// Permission bits carried by an API key. An admin token implies all of
// them. The values are part of the wire contract and must not change.
const (
	PermTextShare    Permission = 1
	PermFileShare    Permission = 2
	PermTextManage   Permission = 4
	PermFileManage   Permission = 8
	PermMountView    Permission = 256
	PermMountUpload  Permission = 512
	PermMountCopy    Permission = 1024
	PermMountRename  Permission = 2048
	PermMountDelete  Permission = 4096
	PermWebDAVRead   Permission = 65536
	PermWebDAVManage Permission = 131072
)

// Permission is a bitflag set of the Perm* constants.
type Permission uint32

// Has reports whether all bits of p2 are set in p.
func (p Permission) Has(p2 Permission) bool { return p&p2 == p2 }

// LinkType tells a client how a file URL should be consumed.
type LinkType string

const (
	// LinkDirect is a native URL on the backing store, reachable by the
	// browser without our help.
	LinkDirect LinkType = "direct"
	// LinkURLProxy is an upstream URL that must be fetched through the
	// ticketed URL proxy (CORS-unfriendly backends).
	LinkURLProxy LinkType = "url_proxy"
	// LinkProxy is a same-origin path served by the gateway itself.
	LinkProxy LinkType = "proxy"
)

// WebDAVPolicy selects how /dav GETs are answered for a mount.
type WebDAVPolicy string

const (
	// WebDAV302 redirects the client to an external URL when the driver
	// can produce one.
	WebDAV302 WebDAVPolicy = "302_redirect"
	// WebDAVProxy always streams the content through the gateway.
	WebDAVProxy WebDAVPolicy = "proxy"
)

// EntryType classifies an entry for clients. Only the directory, video
// and image values carry protocol meaning; the rest are display hints.
type EntryType int

const (
	TypeUnknown EntryType = 0
	TypeFolder  EntryType = 1
	TypeVideo   EntryType = 2
	TypeAudio   EntryType = 3
	TypeText    EntryType = 4
	TypeImage   EntryType = 5
	TypeOffice  EntryType = 6
	TypeArchive EntryType = 7
)

// Mount maps a virtual directory to a storage config.
type Mount struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	MountPath       string       `json:"mount_path"` // normalized absolute, no trailing slash
	StorageConfigID string       `json:"storage_config_id"`
	StorageType     string       `json:"storage_type"`
	IsActive        bool         `json:"is_active"`
	SortOrder       int          `json:"sort_order"`
	CacheTTLSeconds int          `json:"cache_ttl"`
	WebProxy        bool         `json:"web_proxy"`
	WebDAVPolicy    WebDAVPolicy `json:"webdav_policy"`
	EnableSign      bool         `json:"enable_sign"`
	SignExpiresSec  *int         `json:"sign_expires,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// CacheTTL returns the mount's directory cache TTL, or def when unset.
func (m *Mount) CacheTTL(def time.Duration) time.Duration {
	if m.CacheTTLSeconds <= 0 {
		return def
	}
	return time.Duration(m.CacheTTLSeconds) * time.Second
}

// StorageConfig describes one configured backend. Credentials inside
// Params are encrypted at rest by the store; drivers receive them
// decrypted.
type StorageConfig struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	StorageType  string         `json:"storage_type"` // driver type, e.g. "s3"
	ProviderType string         `json:"provider_type,omitempty"`
	Params       map[string]any `json:"params"` // driver connection parameters
	DefaultFolder string        `json:"default_folder,omitempty"`
	IsPublic     bool           `json:"is_public"`
	IsDefault    bool           `json:"is_default"`
	TotalStorage int64          `json:"total_storage_bytes,omitempty"` // 0 means unlimited
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// APIKey is an opaque bearer credential with a permission bitflag and a
// path sandbox. The secret itself is stored hashed; Key is only set on
// creation responses.
type APIKey struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Key         string     `json:"key,omitempty"`
	Permissions Permission `json:"permissions"`
	BasicPath   string     `json:"basic_path"` // '/' or a normalized absolute path
	IsGuest     bool       `json:"is_guest"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	StorageACL  []string   `json:"storage_acl,omitempty"` // storage_config_ids; empty means all
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

// Expired reports whether the key has an expiry in the past.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// AllowsStorage reports whether the key's storage ACL admits the given
// storage config. An empty ACL admits everything.
func (k *APIKey) AllowsStorage(storageConfigID string) bool {
	if len(k.StorageACL) == 0 {
		return true
	}
	for _, id := range k.StorageACL {
		if id == storageConfigID {
			return true
		}
	}
	return false
}

// PathInBasicPath reports whether p is the key's basic path or below
// it. Both arguments must be normalized absolute paths.
func PathInBasicPath(p, basic string) bool {
	basic = strings.TrimSuffix(basic, "/")
	if basic == "" {
		return true
	}
	return p == basic || strings.HasPrefix(p, basic+"/")
}

// Entry is one row of a directory listing or a stat result.
type Entry struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`    // absolute display path
	Key         string    `json:"s3_key"`  // backend-relative, no leading slash
	Size        int64     `json:"size"`
	IsDirectory bool      `json:"isDirectory"`
	Type        EntryType `json:"type"`
	ContentType string    `json:"contentType,omitempty"`
	ETag        string    `json:"etag,omitempty"`
	Modified    time.Time `json:"modified"`
}

// Paste is a slug-addressed text snippet. Unlike file shares, the
// content lives inline in the database.
type Paste struct {
	Slug         string     `json:"slug"`
	Content      string     `json:"content"`
	Remark       string     `json:"remark,omitempty"`
	PasswordHash string     `json:"-"`
	MaxViews     int        `json:"max_views,omitempty"` // 0 means unlimited
	Views        int        `json:"views"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedBy    string     `json:"created_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Protected reports whether the paste requires password verification.
func (p *Paste) Protected() bool { return p.PasswordHash != "" }

// Expired reports whether the paste is past its expiry or has consumed
// all allowed views.
func (p *Paste) Expired(now time.Time) bool {
	if p.ExpiresAt != nil && now.After(*p.ExpiresAt) {
		return true
	}
	return p.MaxViews > 0 && p.Views >= p.MaxViews
}

// ShareKind discriminates share records.
type ShareKind string

const (
	ShareFile ShareKind = "file"
	ShareText ShareKind = "text"
)

// ShareRecord is a slug-addressed share of either stored file content
// or inline text.
type ShareRecord struct {
	Slug            string     `json:"slug"`
	Kind            ShareKind  `json:"type"`
	Target          string     `json:"-"` // storage key for file shares, content for text
	FileName        string     `json:"name,omitempty"`
	Size            int64      `json:"size,omitempty"`
	ContentType     string     `json:"contentType,omitempty"`
	StorageConfigID string     `json:"-"`
	PasswordHash    string     `json:"-"`
	MaxViews        int        `json:"max_views,omitempty"` // 0 means unlimited
	Views           int        `json:"views"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	CreatedBy       string     `json:"created_by,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Protected reports whether the share requires password verification.
func (s *ShareRecord) Protected() bool { return s.PasswordHash != "" }

// Expired reports whether the share is past its expiry or has consumed
// all allowed views.
func (s *ShareRecord) Expired(now time.Time) bool {
	if s.ExpiresAt != nil && now.After(*s.ExpiresAt) {
		return true
	}
	return s.MaxViews > 0 && s.Views >= s.MaxViews
}

// DirectoryMeta is per-directory presentation and protection metadata,
// inherited down the tree unless a deeper directory overrides it.
type DirectoryMeta struct {
	Path            string   `json:"path"`
	HeaderMarkdown  string   `json:"headerMarkdown,omitempty"`
	HeaderInherit   bool     `json:"headerInherit"`
	FooterMarkdown  string   `json:"footerMarkdown,omitempty"`
	FooterInherit   bool     `json:"footerInherit"`
	HidePatterns    []string `json:"hidePatterns,omitempty"`
	HideInherit     bool     `json:"hideInherit"`
	PasswordHash    string   `json:"-"`
	PasswordInherit bool     `json:"passwordInherit"`
}

// DavLock is a WebDAV class 2 lock row. Root is the locked path in
// gateway form; InfiniteDepth locks cover the whole subtree.
type DavLock struct {
	Token         string
	Root          string
	OwnerXML      string
	InfiniteDepth bool
	ExpiresAt     time.Time
}

// Expired reports whether the lock has timed out as of now.
func (l *DavLock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Covers reports whether the lock protects p: either p is the lock
// root itself, or the lock is infinite-depth and p sits below it.
func (l *DavLock) Covers(p string) bool {
	root := strings.TrimSuffix(l.Root, "/")
	p = strings.TrimSuffix(p, "/")
	if p == root {
		return true
	}
	return l.InfiniteDepth && strings.HasPrefix(p, root+"/")
}

// NormalizePath cleans a request path into the canonical absolute form
// used throughout the gateway: forward slashes, leading slash, no empty
// or dot segments. A trailing slash is preserved; throughout the
// gateway it marks a directory path, its absence a file path.
func NormalizePath(p string) string {
	dir := strings.HasSuffix(p, "/") || strings.HasSuffix(p, "\\")
	p = strings.ReplaceAll(p, "\\", "/")
	segs := strings.Split(p, "/")
	out := segs[:0]
	for _, s := range segs {
		if s == "" || s == "." {
			continue
		}
		if s == ".." {
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
			continue
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return "/"
	}
	r := "/" + strings.Join(out, "/")
	if dir {
		r += "/"
	}
	return r
}

// ParentPath returns the directory containing p, with its trailing
// slash, or "/" when p is the root.
func ParentPath(p string) string {
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return "/"
	}
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return "/"
	}
	return p[:i+1]
}

// BaseName returns the final element of a normalized path, "" for the
// root.
func BaseName(p string) string {
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return ""
	}
	return p[strings.LastIndexByte(p, '/')+1:]
}
