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

// Package memory registers the "memory" storage driver, keeping objects
// in process memory. It exists for tests and throwaway mounts and is
// also the reference implementation of the driver contract, including
// relayed multipart uploads with a server_can_list ledger.
package memory // import "cloudpaste.org/pkg/driver/memory"

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"go4.org/jsonconfig"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

type memDriver struct {
	cfg     *types.StorageConfig
	presign bool
	urlTTL  time.Duration

	mu      sync.RWMutex
	objects map[string]*object
	dirs    map[string]time.Time
	uploads map[string]*upload
	used    int64
	nextID  int
}

type object struct {
	data        []byte
	contentType string
	etag        string
	modTime     time.Time
}

type upload struct {
	key      string
	partSize int64
	size     int64
	parts    map[int]part
}

type part struct {
	data []byte
	etag string
}

var (
	_ driver.Driver      = (*memDriver)(nil)
	_ driver.Multiparter = (*memDriver)(nil)
	_ driver.PartSigner  = (*memDriver)(nil)
	_ driver.PartLister  = (*memDriver)(nil)
	_ driver.PartWriter  = (*memDriver)(nil)
	_ driver.Presigner   = (*memDriver)(nil)
	_ driver.Committer   = (*memDriver)(nil)
	_ driver.Quotaer     = (*memDriver)(nil)
)

func init() {
	driver.Register("memory", typeCaps(), newFromConfig)
}

func typeCaps() driver.Capabilities {
	return driver.Capabilities{
		FS: driver.FSCaps{
			BackendStream: true,
			BackendForm:   true,
			Multipart:     true,
			List:          true,
			Stat:          true,
			Read:          true,
			Range:         true,
			Write:         true,
			Delete:        true,
			Rename:        true,
			Copy:          true,
			Mkdir:         true,
		},
		Share: driver.ShareCaps{
			BackendStream: true,
			BackendForm:   true,
		},
		Multipart: &driver.MultipartCaps{
			Strategy:          driver.PerPartURL,
			PartsLedgerPolicy: driver.LedgerServerCanList,
			SigningMode:       driver.SignOnDemand,
			ServerCanList:     true,
			URLTTLSec:         900,
			Retry:             driver.DefaultRetry(),
		},
	}
}

func newFromConfig(cfg *types.StorageConfig, params jsonconfig.Obj) (driver.Driver, error) {
	presign := params.OptionalBool("presign", false)
	urlTTL := params.OptionalInt("url_ttl_sec", 900)
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &memDriver{
		cfg:     cfg,
		presign: presign,
		urlTTL:  time.Duration(urlTTL) * time.Second,
		objects: make(map[string]*object),
		dirs:    make(map[string]time.Time),
		uploads: make(map[string]*upload),
	}, nil
}

func (d *memDriver) Type() string { return "memory" }

func (d *memDriver) Capabilities() driver.Capabilities {
	c := typeCaps()
	if d.presign {
		c.FS.PresignedSingle = true
		c.Share.Presigned = true
	}
	if d.cfg.TotalStorage > 0 {
		c.FS.Quota = true
	}
	if d.urlTTL > 0 {
		c.Multipart.URLTTLSec = int(d.urlTTL / time.Second)
	}
	return c
}

func (d *memDriver) List(ctx context.Context, key string, opts driver.ListOpts) (*driver.Listing, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if key != "" && !d.dirExistsLocked(key) {
		return nil, types.NewNotFound("directory %q not found", key)
	}

	prefix := ""
	if key != "" {
		prefix = key + "/"
	}
	// seen maps child name to whether it is a directory.
	seen := make(map[string]bool)
	note := func(rest string, leafDir bool) {
		name, nested, ok := firstSegment(rest)
		if !ok {
			return
		}
		seen[name] = seen[name] || nested || leafDir && name == rest
	}
	for k := range d.objects {
		if strings.HasPrefix(k, prefix) {
			note(strings.TrimPrefix(k, prefix), false)
		}
	}
	for k := range d.dirs {
		if k != "" && strings.HasPrefix(k, prefix) {
			note(strings.TrimPrefix(k, prefix), true)
		}
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	if opts.Cursor != "" {
		i := sort.SearchStrings(names, opts.Cursor)
		if i < len(names) && names[i] == opts.Cursor {
			i++
		}
		names = names[i:]
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}
	lst := &driver.Listing{}
	for _, n := range names {
		if len(lst.Entries) >= limit {
			lst.Truncated = true
			lst.NextCursor = lst.Entries[len(lst.Entries)-1].Name
			break
		}
		lst.Entries = append(lst.Entries, d.entryLocked(prefix+n, seen[n]))
	}
	return lst, nil
}

// firstSegment splits the first path segment off rest, reporting
// whether more segments follow (which makes the child a directory).
func firstSegment(rest string) (name string, nested, ok bool) {
	if rest == "" {
		return "", false, false
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i], true, true
	}
	return rest, false, true
}

func (d *memDriver) Stat(ctx context.Context, key string) (*types.Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if key == "" || d.dirExistsLocked(key) {
		e := d.entryLocked(key, true)
		return &e, nil
	}
	if _, ok := d.objects[key]; ok {
		e := d.entryLocked(key, false)
		return &e, nil
	}
	return nil, types.NewNotFound("%q not found", key)
}

func (d *memDriver) entryLocked(key string, isDir bool) types.Entry {
	e := types.Entry{
		Name:        path.Base(key),
		Key:         key,
		IsDirectory: isDir,
	}
	if key == "" {
		e.Name = ""
	}
	if isDir {
		e.Type = types.TypeFolder
		if t, ok := d.dirs[key]; ok {
			e.Modified = t
		}
		return e
	}
	o := d.objects[key]
	e.Size = int64(len(o.data))
	e.ContentType = o.contentType
	e.ETag = o.etag
	e.Modified = o.modTime
	return e
}

func (d *memDriver) dirExistsLocked(key string) bool {
	if key == "" {
		return true
	}
	if _, ok := d.dirs[key]; ok {
		return true
	}
	prefix := key + "/"
	for k := range d.objects {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	for k := range d.dirs {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

func (d *memDriver) Open(ctx context.Context, key string, offset, length int64) (*driver.Object, error) {
	d.mu.RLock()
	o, ok := d.objects[key]
	d.mu.RUnlock()
	if !ok {
		return nil, types.NewNotFound("%q not found", key)
	}
	size := int64(len(o.data))
	if offset < 0 || offset > size {
		return nil, types.NewInvalidInput("offset %d out of range for %d byte object", offset, size)
	}
	end := size
	if length >= 0 && offset+length < size {
		end = offset + length
	}
	obj := &driver.Object{
		Reader:      io.NopCloser(bytes.NewReader(o.data[offset:end])),
		ContentType: o.contentType,
		Size:        size,
		ETag:        o.etag,
		Modified:    o.modTime,
	}
	if offset != 0 || end != size {
		obj.ContentRange = fmt.Sprintf("bytes %d-%d/%d", offset, end-1, size)
	}
	return obj, nil
}

func (d *memDriver) Write(ctx context.Context, key string, r io.Reader, opts driver.WriteOpts) (string, error) {
	if key == "" || strings.HasSuffix(key, "/") {
		return "", types.NewInvalidInput("invalid object key %q", key)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, isDir := d.dirs[key]; isDir {
		return "", types.NewConflict("%q is a directory", key)
	}
	delta := int64(len(data))
	if old, ok := d.objects[key]; ok {
		delta -= int64(len(old.data))
	}
	if d.cfg.TotalStorage > 0 && d.used+delta > d.cfg.TotalStorage {
		return "", types.NewQuotaExceeded("storage quota of %d bytes exceeded", d.cfg.TotalStorage)
	}
	sum := md5.Sum(data)
	o := &object{
		data:        data,
		contentType: opts.ContentType,
		etag:        hex.EncodeToString(sum[:]),
		modTime:     time.Now(),
	}
	d.objects[key] = o
	d.used += delta
	return o.etag, nil
}

func (d *memDriver) Delete(ctx context.Context, key string, recursive bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if o, ok := d.objects[key]; ok {
		delete(d.objects, key)
		d.used -= int64(len(o.data))
		return nil
	}
	if !d.dirExistsLocked(key) {
		return types.NewNotFound("%q not found", key)
	}
	prefix := key + "/"
	if !recursive {
		for k := range d.objects {
			if strings.HasPrefix(k, prefix) {
				return types.NewConflict("directory %q not empty", key)
			}
		}
		for k := range d.dirs {
			if strings.HasPrefix(k, prefix) {
				return types.NewConflict("directory %q not empty", key)
			}
		}
	}
	for k, o := range d.objects {
		if strings.HasPrefix(k, prefix) {
			delete(d.objects, k)
			d.used -= int64(len(o.data))
		}
	}
	for k := range d.dirs {
		if k == key || strings.HasPrefix(k, prefix) {
			delete(d.dirs, k)
		}
	}
	return nil
}

func (d *memDriver) Mkdir(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.objects[key]; ok {
		return types.NewConflict("%q is a file", key)
	}
	if _, ok := d.dirs[key]; !ok {
		d.dirs[key] = time.Now()
	}
	return nil
}

func (d *memDriver) Rename(ctx context.Context, oldKey, newKey string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transferLocked(oldKey, newKey, true)
}

func (d *memDriver) Copy(ctx context.Context, srcKey, dstKey string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transferLocked(srcKey, dstKey, false)
}

func (d *memDriver) transferLocked(src, dst string, remove bool) error {
	if src == dst {
		return nil
	}
	if src == "" {
		return types.NewInvalidInput("cannot move the storage root")
	}
	if o, ok := d.objects[src]; ok {
		cp := *o
		cp.data = append([]byte(nil), o.data...)
		cp.modTime = time.Now()
		if old, ok := d.objects[dst]; ok {
			d.used -= int64(len(old.data))
		}
		d.objects[dst] = &cp
		if remove {
			delete(d.objects, src)
		} else {
			d.used += int64(len(cp.data))
		}
		return nil
	}
	if !d.dirExistsLocked(src) {
		return types.NewNotFound("%q not found", src)
	}
	if dst == src || strings.HasPrefix(dst, src+"/") {
		return types.NewInvalidInput("cannot move %q into itself", src)
	}
	prefix := src + "/"
	rewrite := func(k string) string { return dst + "/" + strings.TrimPrefix(k, prefix) }
	for k, o := range d.objects {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		cp := *o
		cp.data = append([]byte(nil), o.data...)
		d.objects[rewrite(k)] = &cp
		if remove {
			delete(d.objects, k)
		} else {
			d.used += int64(len(cp.data))
		}
	}
	for k, t := range d.dirs {
		if k == src {
			d.dirs[dst] = t
			if remove {
				delete(d.dirs, k)
			}
			continue
		}
		if strings.HasPrefix(k, prefix) {
			d.dirs[rewrite(k)] = t
			if remove {
				delete(d.dirs, k)
			}
		}
	}
	if _, ok := d.dirs[dst]; !ok {
		d.dirs[dst] = time.Now()
	}
	return nil
}

func (d *memDriver) Quota(ctx context.Context) (*driver.QuotaInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	q := &driver.QuotaInfo{TotalBytes: d.cfg.TotalStorage, UsedBytes: d.used}
	if q.TotalBytes > 0 {
		q.FreeBytes = q.TotalBytes - q.UsedBytes
	}
	return q, nil
}

func (d *memDriver) PresignPut(ctx context.Context, key string, opts driver.PresignOpts) (*driver.PresignedPut, error) {
	if !d.presign {
		return nil, driver.Unsupported("memory", "presigned uploads")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = d.urlTTL
	}
	return &driver.PresignedPut{
		Method:    "PUT",
		URL:       fmt.Sprintf("memory:///%s/put/%s", d.cfg.ID, key),
		Headers:   map[string]string{"Content-Type": opts.ContentType},
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

func (d *memDriver) CommitPut(ctx context.Context, key string, etag string, size int64, contentType string) (*types.Entry, error) {
	d.mu.Lock()
	if o, ok := d.objects[key]; ok && contentType != "" {
		o.contentType = contentType
	}
	d.mu.Unlock()
	return d.Stat(ctx, key)
}

func (d *memDriver) InitMultipart(ctx context.Context, key string, opts driver.InitOpts) (*driver.MultipartUpload, error) {
	caps := d.Capabilities()
	partSize := caps.Multipart.ClampPartSize(opts.PartSize)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := fmt.Sprintf("mem-upload-%d", d.nextID)
	d.uploads[id] = &upload{
		key:      key,
		partSize: partSize,
		size:     opts.Size,
		parts:    make(map[int]part),
	}
	return &driver.MultipartUpload{
		Strategy:   driver.PerPartURL,
		UploadID:   id,
		Key:        key,
		PartSize:   partSize,
		TotalParts: driver.TotalParts(opts.Size, partSize),
	}, nil
}

func (d *memDriver) SignParts(ctx context.Context, key, uploadID string, partNumbers []int) ([]driver.PartURL, error) {
	d.mu.RLock()
	_, ok := d.uploads[uploadID]
	d.mu.RUnlock()
	if !ok {
		return nil, types.NewSessionExpired("upload %q not found", uploadID)
	}
	exp := time.Now().Add(d.urlTTL)
	urls := make([]driver.PartURL, 0, len(partNumbers))
	for _, n := range partNumbers {
		urls = append(urls, driver.PartURL{
			PartNumber: n,
			URL:        fmt.Sprintf("memory:///%s/part/%s/%d", d.cfg.ID, uploadID, n),
			ExpiresAt:  exp,
		})
	}
	return urls, nil
}

func (d *memDriver) WritePart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader) (types.PartRecord, error) {
	if partNumber < 1 {
		return types.PartRecord{}, types.NewInvalidInput("part number %d out of range", partNumber)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return types.PartRecord{}, err
	}
	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])
	d.mu.Lock()
	defer d.mu.Unlock()
	up, ok := d.uploads[uploadID]
	if !ok {
		return types.PartRecord{}, types.NewSessionExpired("upload %q not found", uploadID)
	}
	up.parts[partNumber] = part{data: data, etag: etag}
	return types.PartRecord{PartNumber: partNumber, ETag: etag, Size: int64(len(data))}, nil
}

func (d *memDriver) ListParts(ctx context.Context, key, uploadID string) ([]types.PartRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	up, ok := d.uploads[uploadID]
	if !ok {
		return nil, types.NewSessionExpired("upload %q not found", uploadID)
	}
	parts := make([]types.PartRecord, 0, len(up.parts))
	for n, p := range up.parts {
		parts = append(parts, types.PartRecord{PartNumber: n, ETag: p.etag, Size: int64(len(p.data))})
	}
	return types.SortParts(parts), nil
}

func (d *memDriver) CompleteMultipart(ctx context.Context, key, uploadID string, parts []types.PartRecord) (*types.Entry, error) {
	d.mu.Lock()
	up, ok := d.uploads[uploadID]
	if !ok {
		d.mu.Unlock()
		return nil, types.NewSessionExpired("upload %q not found", uploadID)
	}
	var buf bytes.Buffer
	for _, p := range parts {
		stored, ok := up.parts[p.PartNumber]
		if !ok {
			d.mu.Unlock()
			return nil, types.NewInvalidInput("part %d was never uploaded", p.PartNumber)
		}
		if p.ETag != "" && p.ETag != stored.etag {
			d.mu.Unlock()
			return nil, types.NewInvalidInput("part %d etag mismatch", p.PartNumber)
		}
		buf.Write(stored.data)
	}
	delete(d.uploads, uploadID)
	d.mu.Unlock()

	if _, err := d.Write(ctx, up.key, &buf, driver.WriteOpts{Size: int64(buf.Len())}); err != nil {
		return nil, err
	}
	return d.Stat(ctx, up.key)
}

func (d *memDriver) AbortMultipart(ctx context.Context, key, uploadID string) error {
	d.mu.Lock()
	delete(d.uploads, uploadID)
	d.mu.Unlock()
	return nil
}
