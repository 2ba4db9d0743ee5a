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

// Package localdisk registers the "local" storage driver, serving a
// directory of the gateway host's filesystem. Multipart uploads spill
// parts to a staging directory next to the data and are concatenated on
// complete.
package localdisk // import "cloudpaste.org/pkg/driver/localdisk"

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go4.org/jsonconfig"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

// uploadDir under the root holds in-progress multipart parts. It is
// hidden from listings.
const uploadDir = ".cloudpaste-parts"

type diskDriver struct {
	cfg  *types.StorageConfig
	root string
}

var (
	_ driver.Driver      = (*diskDriver)(nil)
	_ driver.Multiparter = (*diskDriver)(nil)
	_ driver.PartWriter  = (*diskDriver)(nil)
	_ driver.PartLister  = (*diskDriver)(nil)
	_ driver.Quotaer     = (*diskDriver)(nil)
)

func init() {
	driver.Register("local", typeCaps(), newFromConfig)
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
			Quota:         statfsSupported,
		},
		Share: driver.ShareCaps{
			BackendStream: true,
			BackendForm:   true,
		},
		Multipart: &driver.MultipartCaps{
			Strategy:          driver.PerPartURL,
			PartsLedgerPolicy: driver.LedgerServerCanList,
			ServerCanList:     true,
			Retry:             driver.DefaultRetry(),
		},
	}
}

func newFromConfig(cfg *types.StorageConfig, params jsonconfig.Obj) (driver.Driver, error) {
	root := params.RequiredString("path")
	createMissing := params.OptionalBool("create", true)
	if err := params.Validate(); err != nil {
		return nil, err
	}
	root = filepath.Clean(root)
	fi, err := os.Stat(root)
	switch {
	case err == nil && !fi.IsDir():
		return nil, fmt.Errorf("local disk root %q is not a directory", root)
	case os.IsNotExist(err) && createMissing:
		if err := os.MkdirAll(root, 0700); err != nil {
			return nil, fmt.Errorf("creating local disk root: %w", err)
		}
	case err != nil:
		return nil, err
	}
	return &diskDriver{cfg: cfg, root: root}, nil
}

func (d *diskDriver) Type() string { return "local" }

func (d *diskDriver) Capabilities() driver.Capabilities { return typeCaps() }

// abs maps a storage key onto the filesystem, refusing anything that
// would escape the root.
func (d *diskDriver) abs(key string) (string, error) {
	if key == "" {
		return d.root, nil
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", types.NewInvalidInput("invalid storage key %q", key)
		}
	}
	return filepath.Join(d.root, filepath.FromSlash(key)), nil
}

func mapFSErr(err error, key string) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return types.NewNotFound("%q not found", key)
	case errors.Is(err, fs.ErrPermission):
		return types.NewPermissionDenied("%q not accessible", key)
	case errors.Is(err, fs.ErrExist):
		return types.NewConflict("%q already exists", key)
	}
	return err
}

func (d *diskDriver) entry(key string, fi fs.FileInfo) types.Entry {
	e := types.Entry{
		Name:        fi.Name(),
		Key:         key,
		IsDirectory: fi.IsDir(),
		Modified:    fi.ModTime(),
	}
	if key == "" {
		e.Name = ""
	}
	if fi.IsDir() {
		e.Type = types.TypeFolder
		return e
	}
	e.Size = fi.Size()
	e.ContentType = mime.TypeByExtension(path.Ext(fi.Name()))
	return e
}

func (d *diskDriver) List(ctx context.Context, key string, opts driver.ListOpts) (*driver.Listing, error) {
	dir, err := d.abs(key)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, mapFSErr(err, key)
	}
	names := make([]string, 0, len(entries))
	byName := make(map[string]fs.DirEntry, len(entries))
	for _, de := range entries {
		if key == "" && de.Name() == uploadDir {
			continue
		}
		names = append(names, de.Name())
		byName[de.Name()] = de
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
		fi, err := byName[n].Info()
		if err != nil {
			// Racing with a delete; skip the vanished entry.
			continue
		}
		childKey := n
		if key != "" {
			childKey = key + "/" + n
		}
		lst.Entries = append(lst.Entries, d.entry(childKey, fi))
	}
	return lst, nil
}

func (d *diskDriver) Stat(ctx context.Context, key string) (*types.Entry, error) {
	p, err := d.abs(key)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return nil, mapFSErr(err, key)
	}
	e := d.entry(key, fi)
	return &e, nil
}

func (d *diskDriver) Open(ctx context.Context, key string, offset, length int64) (*driver.Object, error) {
	p, err := d.abs(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, mapFSErr(err, key)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mapFSErr(err, key)
	}
	if fi.IsDir() {
		f.Close()
		return nil, types.NewInvalidInput("%q is a directory", key)
	}
	size := fi.Size()
	if offset < 0 || offset > size {
		f.Close()
		return nil, types.NewInvalidInput("offset %d out of range for %d byte file", offset, size)
	}
	end := size
	if length >= 0 && offset+length < size {
		end = offset + length
	}
	obj := &driver.Object{
		Reader:      &sectionReadCloser{io.NewSectionReader(f, offset, end-offset), f},
		ContentType: mime.TypeByExtension(path.Ext(fi.Name())),
		Size:        size,
		Modified:    fi.ModTime(),
	}
	if offset != 0 || end != size {
		obj.ContentRange = fmt.Sprintf("bytes %d-%d/%d", offset, end-1, size)
	}
	return obj, nil
}

type sectionReadCloser struct {
	*io.SectionReader
	c io.Closer
}

func (s *sectionReadCloser) Close() error { return s.c.Close() }

func (d *diskDriver) Write(ctx context.Context, key string, r io.Reader, opts driver.WriteOpts) (etag string, err error) {
	p, err := d.abs(key)
	if err != nil {
		return "", err
	}
	if fi, err := os.Stat(p); err == nil && fi.IsDir() {
		return "", types.NewConflict("%q is a directory", key)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return "", mapFSErr(err, key)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".tmp")
	if err != nil {
		return "", mapFSErr(err, key)
	}
	success := false
	defer func() {
		if !success {
			os.Remove(tmp.Name())
		}
	}()
	h := md5.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return "", mapFSErr(err, key)
	}
	success = true
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (d *diskDriver) Delete(ctx context.Context, key string, recursive bool) error {
	if key == "" {
		return types.NewInvalidInput("cannot delete the storage root")
	}
	p, err := d.abs(key)
	if err != nil {
		return err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return mapFSErr(err, key)
	}
	if !fi.IsDir() {
		return mapFSErr(os.Remove(p), key)
	}
	if !recursive {
		ents, err := os.ReadDir(p)
		if err != nil {
			return mapFSErr(err, key)
		}
		if len(ents) > 0 {
			return types.NewConflict("directory %q not empty", key)
		}
	}
	return mapFSErr(os.RemoveAll(p), key)
}

func (d *diskDriver) Mkdir(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	p, err := d.abs(key)
	if err != nil {
		return err
	}
	if fi, err := os.Stat(p); err == nil {
		if fi.IsDir() {
			return nil
		}
		return types.NewConflict("%q is a file", key)
	}
	return mapFSErr(os.MkdirAll(p, 0700), key)
}

func (d *diskDriver) Rename(ctx context.Context, oldKey, newKey string) error {
	op, err := d.abs(oldKey)
	if err != nil {
		return err
	}
	np, err := d.abs(newKey)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(np), 0700); err != nil {
		return mapFSErr(err, newKey)
	}
	return mapFSErr(os.Rename(op, np), oldKey)
}

func (d *diskDriver) Copy(ctx context.Context, srcKey, dstKey string) error {
	sp, err := d.abs(srcKey)
	if err != nil {
		return err
	}
	dp, err := d.abs(dstKey)
	if err != nil {
		return err
	}
	fi, err := os.Stat(sp)
	if err != nil {
		return mapFSErr(err, srcKey)
	}
	if !fi.IsDir() {
		return d.copyFile(sp, dp, srcKey)
	}
	if dp == sp || strings.HasPrefix(dp, sp+string(filepath.Separator)) {
		return types.NewInvalidInput("cannot copy %q into itself", srcKey)
	}
	return filepath.WalkDir(sp, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(sp, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dp, rel)
		if de.IsDir() {
			return os.MkdirAll(target, 0700)
		}
		return d.copyFile(p, target, srcKey)
	})
}

func (d *diskDriver) copyFile(src, dst, key string) error {
	in, err := os.Open(src)
	if err != nil {
		return mapFSErr(err, key)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return mapFSErr(err, key)
	}
	out, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp")
	if err != nil {
		return mapFSErr(err, key)
	}
	success := false
	defer func() {
		if !success {
			os.Remove(out.Name())
		}
	}()
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(out.Name(), dst); err != nil {
		return mapFSErr(err, key)
	}
	success = true
	return nil
}

func (d *diskDriver) partDir(uploadID string) string {
	return filepath.Join(d.root, uploadDir, uploadID)
}

func (d *diskDriver) InitMultipart(ctx context.Context, key string, opts driver.InitOpts) (*driver.MultipartUpload, error) {
	if _, err := d.abs(key); err != nil {
		return nil, err
	}
	caps := typeCaps()
	partSize := caps.Multipart.ClampPartSize(opts.PartSize)
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	id := hex.EncodeToString(buf)
	dir := d.partDir(id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	// Remember the target key for complete.
	if err := os.WriteFile(filepath.Join(dir, "key"), []byte(key), 0600); err != nil {
		return nil, err
	}
	return &driver.MultipartUpload{
		Strategy:   driver.PerPartURL,
		UploadID:   id,
		Key:        key,
		PartSize:   partSize,
		TotalParts: driver.TotalParts(opts.Size, partSize),
	}, nil
}

func (d *diskDriver) WritePart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader) (types.PartRecord, error) {
	if partNumber < 1 {
		return types.PartRecord{}, types.NewInvalidInput("part number %d out of range", partNumber)
	}
	dir := d.partDir(uploadID)
	if _, err := os.Stat(dir); err != nil {
		return types.PartRecord{}, types.NewSessionExpired("upload %q not found", uploadID)
	}
	f, err := os.CreateTemp(dir, "part.tmp")
	if err != nil {
		return types.PartRecord{}, err
	}
	success := false
	defer func() {
		if !success {
			os.Remove(f.Name())
		}
	}()
	h := md5.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if err != nil {
		f.Close()
		return types.PartRecord{}, err
	}
	if err := f.Close(); err != nil {
		return types.PartRecord{}, err
	}
	if err := os.Rename(f.Name(), filepath.Join(dir, fmt.Sprintf("part-%05d", partNumber))); err != nil {
		return types.PartRecord{}, err
	}
	success = true
	return types.PartRecord{PartNumber: partNumber, ETag: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

func (d *diskDriver) ListParts(ctx context.Context, key, uploadID string) ([]types.PartRecord, error) {
	dir := d.partDir(uploadID)
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, types.NewSessionExpired("upload %q not found", uploadID)
	}
	var parts []types.PartRecord
	for _, de := range ents {
		var n int
		if _, err := fmt.Sscanf(de.Name(), "part-%d", &n); err != nil {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		etag, err := d.partETag(filepath.Join(dir, de.Name()))
		if err != nil {
			return nil, err
		}
		parts = append(parts, types.PartRecord{PartNumber: n, ETag: etag, Size: fi.Size()})
	}
	return types.SortParts(parts), nil
}

func (d *diskDriver) partETag(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (d *diskDriver) CompleteMultipart(ctx context.Context, key, uploadID string, parts []types.PartRecord) (*types.Entry, error) {
	dir := d.partDir(uploadID)
	storedKey, err := os.ReadFile(filepath.Join(dir, "key"))
	if err != nil {
		return nil, types.NewSessionExpired("upload %q not found", uploadID)
	}
	target := string(storedKey)

	readers := make([]io.Reader, 0, len(parts))
	files := make([]*os.File, 0, len(parts))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, p := range parts {
		f, err := os.Open(filepath.Join(dir, fmt.Sprintf("part-%05d", p.PartNumber)))
		if err != nil {
			return nil, types.NewInvalidInput("part %d was never uploaded", p.PartNumber)
		}
		files = append(files, f)
		readers = append(readers, f)
	}
	if _, err := d.Write(ctx, target, io.MultiReader(readers...), driver.WriteOpts{Size: -1}); err != nil {
		return nil, err
	}
	os.RemoveAll(dir)
	return d.Stat(ctx, target)
}

func (d *diskDriver) AbortMultipart(ctx context.Context, key, uploadID string) error {
	return os.RemoveAll(d.partDir(uploadID))
}

func (d *diskDriver) Quota(ctx context.Context) (*driver.QuotaInfo, error) {
	q, err := statfs(d.root)
	if err != nil {
		return nil, err
	}
	if d.cfg.TotalStorage > 0 {
		q.TotalBytes = d.cfg.TotalStorage
		q.FreeBytes = q.TotalBytes - q.UsedBytes
		if q.FreeBytes < 0 {
			q.FreeBytes = 0
		}
	}
	return q, nil
}

// uploadGCAge is how long abandoned part directories survive before
// SweepUploads removes them.
const uploadGCAge = 24 * time.Hour

// SweepUploads removes part directories older than uploadGCAge. The
// upload engine calls it from its session GC loop.
func (d *diskDriver) SweepUploads(now time.Time) error {
	base := filepath.Join(d.root, uploadDir)
	ents, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, de := range ents {
		fi, err := de.Info()
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) > uploadGCAge {
			os.RemoveAll(filepath.Join(base, de.Name()))
		}
	}
	return nil
}
