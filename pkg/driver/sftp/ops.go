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

package sftp

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

// uploadDir holds in-flight multipart parts below the root, hidden
// from listings.
const uploadDir = ".cloudpaste-parts"

// abs maps a storage key onto the remote tree, refusing anything that
// would escape the root.
func (d *sftpDriver) abs(key string) (string, error) {
	if key == "" {
		return d.root, nil
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", types.NewInvalidInput("invalid storage key %q", key)
		}
	}
	return path.Join(d.root, key), nil
}

func (d *sftpDriver) entry(key string, fi os.FileInfo) types.Entry {
	e := types.Entry{
		Name:        fi.Name(),
		Key:         key,
		IsDirectory: fi.IsDir(),
		Modified:    fi.ModTime(),
	}
	if fi.IsDir() {
		e.Type = types.TypeFolder
		return e
	}
	e.Size = fi.Size()
	e.ContentType = mime.TypeByExtension(path.Ext(fi.Name()))
	return e
}

func (d *sftpDriver) List(ctx context.Context, key string, opts driver.ListOpts) (*driver.Listing, error) {
	dir, err := d.abs(key)
	if err != nil {
		return nil, err
	}
	sc, err := d.client(ctx)
	if err != nil {
		return nil, err
	}
	fis, err := sc.ReadDir(dir)
	if err != nil {
		if key == "" && types.IsKind(mapErr(err, key), types.KindNotFound) {
			// A fresh mount whose root was never written to.
			return &driver.Listing{}, nil
		}
		return nil, mapErr(err, key)
	}
	byName := make(map[string]os.FileInfo, len(fis))
	names := make([]string, 0, len(fis))
	for _, fi := range fis {
		if key == "" && fi.Name() == uploadDir {
			continue
		}
		names = append(names, fi.Name())
		byName[fi.Name()] = fi
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
		childKey := n
		if key != "" {
			childKey = key + "/" + n
		}
		lst.Entries = append(lst.Entries, d.entry(childKey, byName[n]))
	}
	return lst, nil
}

func (d *sftpDriver) Stat(ctx context.Context, key string) (*types.Entry, error) {
	if key == "" {
		return &types.Entry{IsDirectory: true, Type: types.TypeFolder}, nil
	}
	p, err := d.abs(key)
	if err != nil {
		return nil, err
	}
	sc, err := d.client(ctx)
	if err != nil {
		return nil, err
	}
	fi, err := sc.Stat(p)
	if err != nil {
		return nil, mapErr(err, key)
	}
	e := d.entry(key, fi)
	return &e, nil
}

func (d *sftpDriver) Open(ctx context.Context, key string, offset, length int64) (*driver.Object, error) {
	p, err := d.abs(key)
	if err != nil {
		return nil, err
	}
	sc, err := d.client(ctx)
	if err != nil {
		return nil, err
	}
	f, err := sc.Open(p)
	if err != nil {
		return nil, mapErr(err, key)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mapErr(err, key)
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
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, mapErr(err, key)
		}
	}
	end := size
	if length >= 0 && offset+length < size {
		end = offset + length
	}
	var rc io.ReadCloser = f
	if end < size {
		rc = &limitReadCloser{io.LimitReader(f, end-offset), f}
	}
	obj := &driver.Object{
		Reader:      rc,
		ContentType: mime.TypeByExtension(path.Ext(fi.Name())),
		Size:        size,
		Modified:    fi.ModTime(),
	}
	if offset != 0 || end != size {
		obj.ContentRange = fmt.Sprintf("bytes %d-%d/%d", offset, end-1, size)
	}
	return obj, nil
}

type limitReadCloser struct {
	io.Reader
	c io.Closer
}

func (l *limitReadCloser) Close() error { return l.c.Close() }

// tempFile opens an exclusive scratch file next to the target, so the
// final rename stays within one remote filesystem.
func tempFile(sc *sftp.Client, dir, prefix string) (*sftp.File, string, error) {
	for range 5 {
		sufRand := make([]byte, 5)
		_, _ = rand.Read(sufRand)
		name := path.Join(dir, prefix+hex.EncodeToString(sufRand))
		f, err := sc.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_RDWR)
		if err == nil {
			return f, name, nil
		}
	}
	return nil, "", fmt.Errorf("sftp: failed to open temp file in %s with prefix %s", dir, prefix)
}

func (d *sftpDriver) Write(ctx context.Context, key string, r io.Reader, opts driver.WriteOpts) (etag string, err error) {
	p, err := d.abs(key)
	if err != nil {
		return "", err
	}
	sc, err := d.client(ctx)
	if err != nil {
		return "", err
	}
	if fi, err := sc.Stat(p); err == nil && fi.IsDir() {
		return "", types.NewConflict("%q is a directory", key)
	}
	if err := sc.MkdirAll(path.Dir(p)); err != nil {
		return "", mapErr(err, key)
	}
	f, tmpName, err := tempFile(sc, path.Dir(p), "."+path.Base(p)+".tmp")
	if err != nil {
		return "", mapErr(err, key)
	}
	success := false
	defer func() {
		if !success {
			sc.Remove(tmpName)
		}
	}()
	h := md5.New()
	if _, err := io.Copy(io.MultiWriter(f, h), r); err != nil {
		f.Close()
		return "", mapErr(err, key)
	}
	if err := f.Close(); err != nil {
		return "", mapErr(err, key)
	}
	if err := sc.PosixRename(tmpName, p); err != nil {
		return "", mapErr(err, key)
	}
	success = true
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (d *sftpDriver) Delete(ctx context.Context, key string, recursive bool) error {
	if key == "" {
		return types.NewInvalidInput("cannot delete the storage root")
	}
	p, err := d.abs(key)
	if err != nil {
		return err
	}
	sc, err := d.client(ctx)
	if err != nil {
		return err
	}
	fi, err := sc.Stat(p)
	if err != nil {
		return mapErr(err, key)
	}
	if !fi.IsDir() {
		return mapErr(sc.Remove(p), key)
	}
	if !recursive {
		fis, err := sc.ReadDir(p)
		if err != nil {
			return mapErr(err, key)
		}
		if len(fis) > 0 {
			return types.NewConflict("directory %q not empty", key)
		}
		return mapErr(sc.RemoveDirectory(p), key)
	}
	return mapErr(sc.RemoveAll(p), key)
}

func (d *sftpDriver) Mkdir(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	p, err := d.abs(key)
	if err != nil {
		return err
	}
	sc, err := d.client(ctx)
	if err != nil {
		return err
	}
	if fi, err := sc.Stat(p); err == nil {
		if fi.IsDir() {
			return nil
		}
		return types.NewConflict("%q is a file", key)
	}
	return mapErr(sc.MkdirAll(p), key)
}

func (d *sftpDriver) Rename(ctx context.Context, oldKey, newKey string) error {
	op, err := d.abs(oldKey)
	if err != nil {
		return err
	}
	np, err := d.abs(newKey)
	if err != nil {
		return err
	}
	sc, err := d.client(ctx)
	if err != nil {
		return err
	}
	if err := sc.MkdirAll(path.Dir(np)); err != nil {
		return mapErr(err, newKey)
	}
	return mapErr(sc.PosixRename(op, np), oldKey)
}

func (d *sftpDriver) Copy(ctx context.Context, srcKey, dstKey string) error {
	sp, err := d.abs(srcKey)
	if err != nil {
		return err
	}
	dp, err := d.abs(dstKey)
	if err != nil {
		return err
	}
	sc, err := d.client(ctx)
	if err != nil {
		return err
	}
	fi, err := sc.Stat(sp)
	if err != nil {
		return mapErr(err, srcKey)
	}
	if !fi.IsDir() {
		return d.copyFile(sc, sp, dp, srcKey)
	}
	if dp == sp || strings.HasPrefix(dp, sp+"/") {
		return types.NewInvalidInput("cannot copy %q into itself", srcKey)
	}
	return d.copyDir(sc, sp, dp, srcKey)
}

func (d *sftpDriver) copyDir(sc *sftp.Client, src, dst, key string) error {
	if err := sc.MkdirAll(dst); err != nil {
		return mapErr(err, key)
	}
	fis, err := sc.ReadDir(src)
	if err != nil {
		return mapErr(err, key)
	}
	for _, fi := range fis {
		s := path.Join(src, fi.Name())
		t := path.Join(dst, fi.Name())
		if fi.IsDir() {
			if err := d.copyDir(sc, s, t, key); err != nil {
				return err
			}
			continue
		}
		if err := d.copyFile(sc, s, t, key); err != nil {
			return err
		}
	}
	return nil
}

// copyFile streams a remote file to a remote sibling through the
// gateway; SFTP has no server-side copy.
func (d *sftpDriver) copyFile(sc *sftp.Client, src, dst, key string) error {
	in, err := sc.Open(src)
	if err != nil {
		return mapErr(err, key)
	}
	defer in.Close()
	if err := sc.MkdirAll(path.Dir(dst)); err != nil {
		return mapErr(err, key)
	}
	out, tmpName, err := tempFile(sc, path.Dir(dst), "."+path.Base(dst)+".tmp")
	if err != nil {
		return mapErr(err, key)
	}
	success := false
	defer func() {
		if !success {
			sc.Remove(tmpName)
		}
	}()
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return mapErr(err, key)
	}
	if err := out.Close(); err != nil {
		return mapErr(err, key)
	}
	if err := sc.PosixRename(tmpName, dst); err != nil {
		return mapErr(err, key)
	}
	success = true
	return nil
}

func (d *sftpDriver) partDir(uploadID string) string {
	return path.Join(d.root, uploadDir, uploadID)
}

func (d *sftpDriver) InitMultipart(ctx context.Context, key string, opts driver.InitOpts) (*driver.MultipartUpload, error) {
	if _, err := d.abs(key); err != nil {
		return nil, err
	}
	sc, err := d.client(ctx)
	if err != nil {
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
	if err := sc.MkdirAll(dir); err != nil {
		return nil, mapErr(err, key)
	}
	// Remember the target key for complete.
	f, err := sc.Create(path.Join(dir, "key"))
	if err != nil {
		return nil, mapErr(err, key)
	}
	if _, err := f.Write([]byte(key)); err != nil {
		f.Close()
		return nil, mapErr(err, key)
	}
	if err := f.Close(); err != nil {
		return nil, mapErr(err, key)
	}
	return &driver.MultipartUpload{
		Strategy:   driver.PerPartURL,
		UploadID:   id,
		Key:        key,
		PartSize:   partSize,
		TotalParts: driver.TotalParts(opts.Size, partSize),
	}, nil
}

// Part files carry their etag in the name, part-NNNNN.<md5>, so
// ListParts never has to re-read remote data.
func partFileName(partNumber int, etag string) string {
	return fmt.Sprintf("part-%05d.%s", partNumber, etag)
}

func parsePartFile(name string) (partNumber int, etag string, ok bool) {
	rest, found := strings.CutPrefix(name, "part-")
	if !found {
		return 0, "", false
	}
	numStr, etag, found := strings.Cut(rest, ".")
	if !found {
		return 0, "", false
	}
	n, err := strconv.Atoi(numStr)
	if err != nil || n < 1 {
		return 0, "", false
	}
	return n, etag, true
}

func (d *sftpDriver) WritePart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader) (types.PartRecord, error) {
	if partNumber < 1 {
		return types.PartRecord{}, types.NewInvalidInput("part number %d out of range", partNumber)
	}
	sc, err := d.client(ctx)
	if err != nil {
		return types.PartRecord{}, err
	}
	dir := d.partDir(uploadID)
	if _, err := sc.Stat(dir); err != nil {
		return types.PartRecord{}, types.NewSessionExpired("upload %q not found", uploadID)
	}
	f, tmpName, err := tempFile(sc, dir, "part.tmp")
	if err != nil {
		return types.PartRecord{}, mapErr(err, key)
	}
	success := false
	defer func() {
		if !success {
			sc.Remove(tmpName)
		}
	}()
	h := md5.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if err != nil {
		f.Close()
		return types.PartRecord{}, mapErr(err, key)
	}
	if err := f.Close(); err != nil {
		return types.PartRecord{}, mapErr(err, key)
	}
	etag := hex.EncodeToString(h.Sum(nil))
	// Drop any previous upload of the same part number.
	if old, err := d.findPart(sc, dir, partNumber); err == nil && old != "" {
		sc.Remove(path.Join(dir, old))
	}
	if err := sc.PosixRename(tmpName, path.Join(dir, partFileName(partNumber, etag))); err != nil {
		return types.PartRecord{}, mapErr(err, key)
	}
	success = true
	return types.PartRecord{PartNumber: partNumber, ETag: etag, Size: n}, nil
}

func (d *sftpDriver) findPart(sc *sftp.Client, dir string, partNumber int) (string, error) {
	fis, err := sc.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, fi := range fis {
		if n, _, ok := parsePartFile(fi.Name()); ok && n == partNumber {
			return fi.Name(), nil
		}
	}
	return "", nil
}

func (d *sftpDriver) ListParts(ctx context.Context, key, uploadID string) ([]types.PartRecord, error) {
	sc, err := d.client(ctx)
	if err != nil {
		return nil, err
	}
	fis, err := sc.ReadDir(d.partDir(uploadID))
	if err != nil {
		return nil, types.NewSessionExpired("upload %q not found", uploadID)
	}
	var parts []types.PartRecord
	for _, fi := range fis {
		n, etag, ok := parsePartFile(fi.Name())
		if !ok {
			continue
		}
		parts = append(parts, types.PartRecord{PartNumber: n, ETag: etag, Size: fi.Size()})
	}
	return types.SortParts(parts), nil
}

func (d *sftpDriver) CompleteMultipart(ctx context.Context, key, uploadID string, parts []types.PartRecord) (*types.Entry, error) {
	sc, err := d.client(ctx)
	if err != nil {
		return nil, err
	}
	dir := d.partDir(uploadID)
	kf, err := sc.Open(path.Join(dir, "key"))
	if err != nil {
		return nil, types.NewSessionExpired("upload %q not found", uploadID)
	}
	storedKey, err := io.ReadAll(kf)
	kf.Close()
	if err != nil {
		return nil, mapErr(err, key)
	}
	target := string(storedKey)

	stored := make(map[int]string)
	fis, err := sc.ReadDir(dir)
	if err != nil {
		return nil, mapErr(err, key)
	}
	for _, fi := range fis {
		if n, _, ok := parsePartFile(fi.Name()); ok {
			stored[n] = fi.Name()
		}
	}
	readers := make([]io.Reader, 0, len(parts))
	var open []io.Closer
	defer func() {
		for _, c := range open {
			c.Close()
		}
	}()
	for _, p := range types.SortParts(parts) {
		name, ok := stored[p.PartNumber]
		if !ok {
			return nil, types.NewInvalidInput("part %d was never uploaded", p.PartNumber)
		}
		f, err := sc.Open(path.Join(dir, name))
		if err != nil {
			return nil, mapErr(err, key)
		}
		open = append(open, f)
		readers = append(readers, f)
	}
	if _, err := d.Write(ctx, target, io.MultiReader(readers...), driver.WriteOpts{Size: -1}); err != nil {
		return nil, err
	}
	sc.RemoveAll(dir)
	return d.Stat(ctx, target)
}

func (d *sftpDriver) AbortMultipart(ctx context.Context, key, uploadID string) error {
	sc, err := d.client(ctx)
	if err != nil {
		return err
	}
	if err := sc.RemoveAll(d.partDir(uploadID)); err != nil && !types.IsKind(mapErr(err, key), types.KindNotFound) {
		return mapErr(err, key)
	}
	return nil
}

// SweepUploads removes part directories older than 24h. The upload
// engine calls it from its session GC loop.
func (d *sftpDriver) SweepUploads(now time.Time) error {
	sc, err := d.client(context.Background())
	if err != nil {
		return err
	}
	base := path.Join(d.root, uploadDir)
	fis, err := sc.ReadDir(base)
	if err != nil {
		if types.IsKind(mapErr(err, ""), types.KindNotFound) {
			return nil
		}
		return mapErr(err, "")
	}
	for _, fi := range fis {
		if now.Sub(fi.ModTime()) > 24*time.Hour {
			sc.RemoveAll(path.Join(base, fi.Name()))
		}
	}
	return nil
}

func (d *sftpDriver) Quota(ctx context.Context) (*driver.QuotaInfo, error) {
	sc, err := d.client(ctx)
	if err != nil {
		return nil, err
	}
	q := &driver.QuotaInfo{}
	st, err := sc.StatVFS(d.root)
	if err == nil {
		q.TotalBytes = int64(st.TotalSpace())
		q.FreeBytes = int64(st.FreeSpace())
		q.UsedBytes = q.TotalBytes - q.FreeBytes
	} else if d.cfg.TotalStorage <= 0 {
		// Server without the statvfs extension and no configured cap.
		return nil, driver.Unsupported("sftp", "quota")
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
