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

package telegram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

// applyRoot folds the configured default folder into key.
func (d *tgDriver) applyRoot(key string) string {
	root := strings.Trim(d.cfg.DefaultFolder, "/")
	if root == "" {
		return key
	}
	if key == "" {
		return root
	}
	return root + "/" + key
}

func (d *tgDriver) List(ctx context.Context, key string, opts driver.ListOpts) (*driver.Listing, error) {
	m, err := d.loadManifest(ctx)
	if err != nil {
		return nil, err
	}
	full := d.applyRoot(key)

	d.mu.Lock()
	defer d.mu.Unlock()
	if full != "" && !d.dirExistsLocked(m, full) {
		return nil, types.NewNotFound("directory %q not found", key)
	}
	prefix := ""
	if full != "" {
		prefix = full + "/"
	}
	type child struct {
		isDir bool
		f     *fileEntry
		mtime int64
	}
	seen := make(map[string]*child)
	for k, f := range m.Files {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			name := rest[:i]
			if c := seen[name]; c == nil || !c.isDir {
				seen[name] = &child{isDir: true}
			}
			continue
		}
		seen[rest] = &child{f: f}
	}
	for k, mt := range m.Dirs {
		if k == "" || !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		name := rest
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			name = rest[:i]
		}
		if c := seen[name]; c == nil || !c.isDir {
			seen[name] = &child{isDir: true, mtime: mt}
		}
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	lst := &driver.Listing{}
	for _, n := range names {
		c := seen[n]
		childKey := n
		if key != "" {
			childKey = key + "/" + n
		}
		if c.isDir {
			lst.Entries = append(lst.Entries, types.Entry{
				Name:        n,
				Key:         childKey,
				IsDirectory: true,
				Type:        types.TypeFolder,
				Modified:    time.Unix(c.mtime, 0).UTC(),
			})
			continue
		}
		lst.Entries = append(lst.Entries, c.f.entry(childKey))
	}
	return lst, nil
}

func (d *tgDriver) dirExistsLocked(m *manifest, full string) bool {
	if full == "" {
		return true
	}
	if _, ok := m.Dirs[full]; ok {
		return true
	}
	prefix := full + "/"
	for k := range m.Files {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	for k := range m.Dirs {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

func (d *tgDriver) Stat(ctx context.Context, key string) (*types.Entry, error) {
	m, err := d.loadManifest(ctx)
	if err != nil {
		return nil, err
	}
	full := d.applyRoot(key)
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := m.Files[full]; ok {
		e := f.entry(key)
		return &e, nil
	}
	if d.dirExistsLocked(m, full) {
		return &types.Entry{
			Name:        types.BaseName("/" + key),
			Key:         key,
			IsDirectory: true,
			Type:        types.TypeFolder,
		}, nil
	}
	return nil, types.NewNotFound("%q not found", key)
}

func (d *tgDriver) Open(ctx context.Context, key string, offset, length int64) (*driver.Object, error) {
	m, err := d.loadManifest(ctx)
	if err != nil {
		return nil, err
	}
	full := d.applyRoot(key)
	d.mu.Lock()
	f, ok := m.Files[full]
	d.mu.Unlock()
	if !ok {
		return nil, types.NewNotFound("%q not found", key)
	}
	if offset < 0 || offset > f.Size {
		return nil, types.NewInvalidInput("offset %d out of range for %d byte object", offset, f.Size)
	}
	end := f.Size
	if length >= 0 && offset+length < end {
		end = offset + length
	}
	obj := &driver.Object{
		Reader:      newChunkReader(ctx, d, f.Chunks, offset, end-offset),
		ContentType: f.ContentType,
		Size:        f.Size,
		Modified:    time.Unix(f.ModifiedUx, 0).UTC(),
	}
	if offset != 0 || end != f.Size {
		obj.ContentRange = fmt.Sprintf("bytes %d-%d/%d", offset, end-1, f.Size)
	}
	return obj, nil
}

// chunkReader streams a byte window across consecutive chunk
// documents, fetching each lazily.
type chunkReader struct {
	ctx    context.Context
	d      *tgDriver
	chunks []chunkRef
	skip   int64 // bytes to discard at the start of the current chunk
	left   int64 // bytes remaining to serve
	cur    io.ReadCloser
}

func newChunkReader(ctx context.Context, d *tgDriver, chunks []chunkRef, offset, length int64) *chunkReader {
	r := &chunkReader{ctx: ctx, d: d, left: length}
	// Drop whole chunks in front of the window.
	for len(chunks) > 0 && offset >= chunks[0].Size {
		offset -= chunks[0].Size
		chunks = chunks[1:]
	}
	r.chunks = chunks
	r.skip = offset
	return r
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for {
		if r.left <= 0 {
			return 0, io.EOF
		}
		if r.cur == nil {
			if len(r.chunks) == 0 {
				return 0, io.ErrUnexpectedEOF
			}
			rc, err := r.d.openFile(r.ctx, r.chunks[0].FileID)
			if err != nil {
				return 0, err
			}
			r.chunks = r.chunks[1:]
			if r.skip > 0 {
				if _, err := io.CopyN(io.Discard, rc, r.skip); err != nil {
					rc.Close()
					return 0, err
				}
				r.skip = 0
			}
			r.cur = rc
		}
		if int64(len(p)) > r.left {
			p = p[:r.left]
		}
		n, err := r.cur.Read(p)
		r.left -= int64(n)
		if err == io.EOF {
			r.cur.Close()
			r.cur = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (r *chunkReader) Close() error {
	if r.cur != nil {
		r.cur.Close()
		r.cur = nil
	}
	r.left = 0
	return nil
}

func (d *tgDriver) Write(ctx context.Context, key string, r io.Reader, opts driver.WriteOpts) (string, error) {
	if key == "" || strings.HasSuffix(key, "/") {
		return "", types.NewInvalidInput("invalid object key %q", key)
	}
	full := d.applyRoot(key)
	var (
		chunks []chunkRef
		total  int64
	)
	buf := make([]byte, d.chunkLen)
	for n := 1; ; n++ {
		read, rerr := io.ReadFull(r, buf)
		if rerr == io.EOF && len(chunks) > 0 {
			break
		}
		if rerr != nil && rerr != io.ErrUnexpectedEOF && rerr != io.EOF {
			return "", rerr
		}
		msg, err := d.sendDocument(ctx, chunkName(full, n), bytes.NewReader(buf[:read]))
		if err != nil {
			return "", err
		}
		chunks = append(chunks, chunkRef{
			FileID:    msg.Document.FileID,
			Size:      int64(read),
			MessageID: msg.MessageID,
		})
		total += int64(read)
		if rerr != nil { // EOF or short read: stream exhausted
			break
		}
	}
	err := d.saveManifest(ctx, func(m *manifest) {
		d.replaceFileLocked(ctx, m, full, &fileEntry{
			Size:        total,
			ContentType: opts.ContentType,
			ModifiedUx:  time.Now().Unix(),
			Chunks:      chunks,
		})
	})
	if err != nil {
		return "", err
	}
	return "", nil
}

// chunkName labels a chunk document so the chat stays browsable by
// humans.
func chunkName(key string, n int) string {
	return strings.ReplaceAll(key, "/", "_") + ".part" + fmt.Sprint(n)
}

// replaceFileLocked swaps the manifest entry for key, scheduling the
// old entry's owned messages for deletion. Runs under d.mu via
// saveManifest's mutate hook.
func (d *tgDriver) replaceFileLocked(ctx context.Context, m *manifest, key string, f *fileEntry) {
	if old, ok := m.Files[key]; ok {
		for _, c := range old.Chunks {
			if c.MessageID != 0 {
				go d.deleteMessage(context.WithoutCancel(ctx), c.MessageID)
			}
		}
	}
	m.Files[key] = f
}

func (d *tgDriver) Delete(ctx context.Context, key string, recursive bool) error {
	m, err := d.loadManifest(ctx)
	if err != nil {
		return err
	}
	full := d.applyRoot(key)

	d.mu.Lock()
	_, isFile := m.Files[full]
	isDir := !isFile && d.dirExistsLocked(m, full)
	if isDir && !recursive {
		prefix := full + "/"
		for k := range m.Files {
			if strings.HasPrefix(k, prefix) {
				d.mu.Unlock()
				return types.NewConflict("directory %q not empty", key)
			}
		}
		for k := range m.Dirs {
			if strings.HasPrefix(k, prefix) {
				d.mu.Unlock()
				return types.NewConflict("directory %q not empty", key)
			}
		}
	}
	d.mu.Unlock()
	if !isFile && !isDir {
		return types.NewNotFound("%q not found", key)
	}

	return d.saveManifest(ctx, func(m *manifest) {
		drop := func(k string) {
			if f, ok := m.Files[k]; ok {
				for _, c := range f.Chunks {
					if c.MessageID != 0 {
						go d.deleteMessage(context.WithoutCancel(ctx), c.MessageID)
					}
				}
				delete(m.Files, k)
			}
		}
		if isFile {
			drop(full)
			return
		}
		prefix := full + "/"
		for k := range m.Files {
			if strings.HasPrefix(k, prefix) {
				drop(k)
			}
		}
		for k := range m.Dirs {
			if k == full || strings.HasPrefix(k, prefix) {
				delete(m.Dirs, k)
			}
		}
	})
}

func (d *tgDriver) Mkdir(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	m, err := d.loadManifest(ctx)
	if err != nil {
		return err
	}
	full := d.applyRoot(key)
	d.mu.Lock()
	_, isFile := m.Files[full]
	_, isDir := m.Dirs[full]
	d.mu.Unlock()
	if isFile {
		return types.NewConflict("%q is a file", key)
	}
	if isDir {
		return nil
	}
	return d.saveManifest(ctx, func(m *manifest) {
		m.Dirs[full] = time.Now().Unix()
	})
}

func (d *tgDriver) Rename(ctx context.Context, oldKey, newKey string) error {
	return d.transfer(ctx, oldKey, newKey, true)
}

func (d *tgDriver) Copy(ctx context.Context, srcKey, dstKey string) error {
	return d.transfer(ctx, srcKey, dstKey, false)
}

// transfer moves or copies within the manifest. Telegram file_ids stay
// valid independent of messages, so a copy shares the source's chunks;
// the copy's chunkRefs drop MessageID so a later delete of the copy
// does not tear down messages the original still needs.
func (d *tgDriver) transfer(ctx context.Context, src, dst string, remove bool) error {
	if src == dst {
		return nil
	}
	m, err := d.loadManifest(ctx)
	if err != nil {
		return err
	}
	fullSrc, fullDst := d.applyRoot(src), d.applyRoot(dst)
	d.mu.Lock()
	_, isFile := m.Files[fullSrc]
	isDir := !isFile && d.dirExistsLocked(m, fullSrc)
	d.mu.Unlock()
	if !isFile && !isDir {
		return types.NewNotFound("%q not found", src)
	}
	if isDir && (fullDst == fullSrc || strings.HasPrefix(fullDst, fullSrc+"/")) {
		return types.NewInvalidInput("cannot move %q into itself", src)
	}

	return d.saveManifest(ctx, func(m *manifest) {
		move := func(from, to string) {
			f := m.Files[from]
			cp := *f
			cp.Chunks = append([]chunkRef(nil), f.Chunks...)
			if !remove {
				for i := range cp.Chunks {
					cp.Chunks[i].MessageID = 0
				}
			}
			m.Files[to] = &cp
			if remove {
				delete(m.Files, from)
			}
		}
		if isFile {
			move(fullSrc, fullDst)
			return
		}
		prefix := fullSrc + "/"
		for k := range m.Files {
			if strings.HasPrefix(k, prefix) {
				move(k, fullDst+"/"+strings.TrimPrefix(k, prefix))
			}
		}
		for k, mt := range m.Dirs {
			if k == fullSrc {
				m.Dirs[fullDst] = mt
				if remove {
					delete(m.Dirs, k)
				}
				continue
			}
			if strings.HasPrefix(k, prefix) {
				m.Dirs[fullDst+"/"+strings.TrimPrefix(k, prefix)] = mt
				if remove {
					delete(m.Dirs, k)
				}
			}
		}
		if _, ok := m.Dirs[fullDst]; !ok && isDir {
			m.Dirs[fullDst] = time.Now().Unix()
		}
	})
}

const sessionURLPrefix = "telegram:session/"

func (d *tgDriver) InitMultipart(ctx context.Context, key string, opts driver.InitOpts) (*driver.MultipartUpload, error) {
	caps := d.Capabilities()
	partSize := caps.Multipart.ClampPartSize(opts.PartSize)
	if partSize > d.chunkLen {
		partSize = d.chunkLen
	}
	d.mu.Lock()
	id := d.newUploadID()
	d.uploads[id] = &pendingUpload{
		key:         d.applyRoot(key),
		partSize:    partSize,
		size:        opts.Size,
		contentType: opts.ContentType,
	}
	d.mu.Unlock()
	return &driver.MultipartUpload{
		Strategy:   driver.SingleSession,
		UploadID:   id,
		Key:        key,
		PartSize:   partSize,
		TotalParts: driver.TotalParts(opts.Size, partSize),
		Session: &driver.SessionRef{
			UploadURL:          sessionURLPrefix + id,
			NextExpectedRanges: []string{"0-"},
		},
	}, nil
}

func (d *tgDriver) WriteSessionRange(ctx context.Context, sess *driver.SessionRef, start, end, total int64, r io.Reader) (*driver.SessionProgress, error) {
	id := strings.TrimPrefix(sess.UploadURL, sessionURLPrefix)
	d.mu.Lock()
	up, ok := d.uploads[id]
	d.mu.Unlock()
	if !ok {
		return nil, types.NewSessionExpired("telegram: upload session is gone")
	}
	if start != up.nextOffset {
		return nil, types.NewInvalidInput("range starts at %d, session expects %d", start, up.nextOffset)
	}
	data, err := io.ReadAll(io.LimitReader(r, end-start+1))
	if err != nil {
		return nil, err
	}
	msg, err := d.sendDocument(ctx, chunkName(up.key, len(up.chunks)+1), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	up.chunks = append(up.chunks, chunkRef{
		FileID:    msg.Document.FileID,
		Size:      int64(len(data)),
		MessageID: msg.MessageID,
	})
	up.nextOffset = end + 1
	done := up.nextOffset >= total
	next := fmt.Sprintf("%d-", up.nextOffset)
	d.mu.Unlock()

	if !done {
		return &driver.SessionProgress{NextExpectedRanges: []string{next}}, nil
	}
	chunks := up.chunks
	err = d.saveManifest(ctx, func(m *manifest) {
		d.replaceFileLocked(ctx, m, up.key, &fileEntry{
			Size:        total,
			ContentType: up.contentType,
			ModifiedUx:  time.Now().Unix(),
			Chunks:      chunks,
		})
	})
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	delete(d.uploads, id)
	f := d.manifest.Files[up.key]
	d.mu.Unlock()
	entry := f.entry(up.key)
	return &driver.SessionProgress{Done: true, Entry: &entry}, nil
}

func (d *tgDriver) CompleteMultipart(ctx context.Context, key, uploadID string, parts []types.PartRecord) (*types.Entry, error) {
	entry, err := d.Stat(ctx, key)
	if types.IsKind(err, types.KindNotFound) {
		return nil, types.NewInvalidInput("upload for %q never finished", key)
	}
	return entry, err
}

func (d *tgDriver) AbortMultipart(ctx context.Context, key, uploadID string) error {
	d.mu.Lock()
	up := d.uploads[uploadID]
	delete(d.uploads, uploadID)
	d.mu.Unlock()
	if up != nil {
		for _, c := range up.chunks {
			if c.MessageID != 0 {
				d.deleteMessage(context.WithoutCancel(ctx), c.MessageID)
			}
		}
	}
	return nil
}
