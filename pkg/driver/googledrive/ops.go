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

package googledrive

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

func (d *driveDriver) List(ctx context.Context, key string, opts driver.ListOpts) (*driver.Listing, error) {
	parentID, err := d.resolve(ctx, key, false)
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	call := d.srv.Files.List().
		Q(fmt.Sprintf("'%s' in parents and trashed = false", parentID)).
		PageSize(int64(limit)).
		OrderBy("name").
		Fields(googleapi.Field("nextPageToken, files(" + fileFields + ")")).
		Context(ctx)
	if opts.Cursor != "" {
		call = call.PageToken(opts.Cursor)
	}
	res, err := call.Do()
	if err != nil {
		return nil, mapErr(err, key)
	}
	lst := &driver.Listing{}
	for _, f := range res.Files {
		childKey := f.Name
		if key != "" {
			childKey = key + "/" + f.Name
		}
		lst.Entries = append(lst.Entries, d.entry(childKey, f))
	}
	if res.NextPageToken != "" {
		lst.Truncated = true
		lst.NextCursor = res.NextPageToken
	}
	return lst, nil
}

func (d *driveDriver) Stat(ctx context.Context, key string) (*types.Entry, error) {
	if key == "" {
		return &types.Entry{IsDirectory: true, Type: types.TypeFolder}, nil
	}
	f, err := d.statFile(ctx, key)
	if err != nil {
		return nil, err
	}
	e := d.entry(key, f)
	return &e, nil
}

func (d *driveDriver) statFile(ctx context.Context, key string) (*drive.File, error) {
	parentID, name, err := d.resolveParent(ctx, key, false)
	if err != nil {
		return nil, err
	}
	return d.findChild(ctx, parentID, name)
}

func (d *driveDriver) Open(ctx context.Context, key string, offset, length int64) (*driver.Object, error) {
	f, err := d.statFile(ctx, key)
	if err != nil {
		return nil, err
	}
	if f.MimeType == folderMime {
		return nil, types.NewInvalidInput("%q is a directory", key)
	}
	if strings.HasPrefix(f.MimeType, "application/vnd.google-apps.") {
		// Docs-native files need an export conversion; we don't serve those.
		return nil, types.NewInvalidInput("%q is a Google Docs file and cannot be downloaded directly", key)
	}
	call := d.srv.Files.Get(f.Id).Context(ctx)
	if offset > 0 || length >= 0 {
		if length < 0 {
			call.Header().Set("Range", fmt.Sprintf("bytes=%d-", offset))
		} else {
			call.Header().Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		}
	}
	resp, err := call.Download()
	if err != nil {
		return nil, mapErr(err, key)
	}
	obj := &driver.Object{
		Reader:      resp.Body,
		ContentType: f.MimeType,
		Size:        f.Size,
		ETag:        f.Md5Checksum,
		Modified:    parseTime(f.ModifiedTime),
	}
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		obj.ContentRange = cr
		if i := strings.LastIndexByte(cr, '/'); i >= 0 {
			if total, err := strconv.ParseInt(cr[i+1:], 10, 64); err == nil {
				obj.Size = total
			}
		}
	}
	return obj, nil
}

func (d *driveDriver) Write(ctx context.Context, key string, r io.Reader, opts driver.WriteOpts) (string, error) {
	parentID, name, err := d.resolveParent(ctx, key, true)
	if err != nil {
		return "", err
	}
	existing, err := d.findChild(ctx, parentID, name)
	if err != nil && !types.IsKind(err, types.KindNotFound) {
		return "", err
	}
	var media []googleapi.MediaOption
	if opts.ContentType != "" {
		media = append(media, googleapi.ContentType(opts.ContentType))
	}
	var f *drive.File
	if existing != nil {
		if existing.MimeType == folderMime {
			return "", types.NewConflict("%q is a directory", key)
		}
		f, err = d.srv.Files.Update(existing.Id, &drive.File{}).
			Media(r, media...).Fields(fileFields).Context(ctx).Do()
	} else {
		f, err = d.srv.Files.Create(&drive.File{Name: name, Parents: []string{parentID}}).
			Media(r, media...).Fields(fileFields).Context(ctx).Do()
	}
	if err != nil {
		return "", mapErr(err, key)
	}
	return f.Md5Checksum, nil
}

func (d *driveDriver) Delete(ctx context.Context, key string, recursive bool) error {
	if key == "" {
		return types.NewInvalidInput("cannot delete the storage root")
	}
	f, err := d.statFile(ctx, key)
	if err != nil {
		return err
	}
	if f.MimeType == folderMime && !recursive {
		children, err := d.srv.Files.List().
			Q(fmt.Sprintf("'%s' in parents and trashed = false", f.Id)).
			PageSize(1).Fields("files(id)").Context(ctx).Do()
		if err != nil {
			return mapErr(err, key)
		}
		if len(children.Files) > 0 {
			return types.NewConflict("directory %q not empty", key)
		}
	}
	if err := d.srv.Files.Delete(f.Id).Context(ctx).Do(); err != nil {
		return mapErr(err, key)
	}
	d.dropCached(d.cachePath(key))
	return nil
}

// cachePath is the resolver-cache key for a storage key.
func (d *driveDriver) cachePath(key string) string {
	segs, err := d.segments(key)
	if err != nil {
		return key
	}
	return strings.Join(segs, "/")
}

func (d *driveDriver) Mkdir(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if f, err := d.statFile(ctx, key); err == nil {
		if f.MimeType == folderMime {
			return nil
		}
		return types.NewConflict("%q is a file", key)
	} else if !types.IsKind(err, types.KindNotFound) {
		return err
	}
	_, err := d.resolve(ctx, key, true)
	return err
}

func (d *driveDriver) Rename(ctx context.Context, oldKey, newKey string) error {
	if oldKey == newKey {
		return nil
	}
	f, err := d.statFile(ctx, oldKey)
	if err != nil {
		return err
	}
	if f.MimeType == folderMime && strings.HasPrefix(newKey+"/", oldKey+"/") {
		return types.NewInvalidInput("cannot move %q into itself", oldKey)
	}
	oldParentID, _, err := d.resolveParent(ctx, oldKey, false)
	if err != nil {
		return err
	}
	newParentID, newName, err := d.resolveParent(ctx, newKey, true)
	if err != nil {
		return err
	}
	// Drive happily keeps duplicate names; replace a file already at
	// the target the way a POSIX rename would.
	if err := d.removeTarget(ctx, newParentID, newName, newKey); err != nil {
		return err
	}
	call := d.srv.Files.Update(f.Id, &drive.File{Name: newName}).Fields("id").Context(ctx)
	if oldParentID != newParentID {
		call = call.AddParents(newParentID).RemoveParents(oldParentID)
	}
	if _, err := call.Do(); err != nil {
		return mapErr(err, oldKey)
	}
	d.dropCached(d.cachePath(oldKey))
	d.dropCached(d.cachePath(newKey))
	return nil
}

func (d *driveDriver) Copy(ctx context.Context, srcKey, dstKey string) error {
	if srcKey == dstKey {
		return nil
	}
	f, err := d.statFile(ctx, srcKey)
	if err != nil {
		return err
	}
	if f.MimeType != folderMime {
		dstParentID, dstName, err := d.resolveParent(ctx, dstKey, true)
		if err != nil {
			return err
		}
		return d.copyFile(ctx, f.Id, dstParentID, dstName, srcKey)
	}
	if strings.HasPrefix(dstKey+"/", srcKey+"/") {
		return types.NewInvalidInput("cannot copy %q into itself", srcKey)
	}
	dstID, err := d.resolve(ctx, dstKey, true)
	if err != nil {
		return err
	}
	return d.copyChildren(ctx, f.Id, dstID, srcKey)
}

// removeTarget deletes a file occupying the rename/copy target.
// An existing folder there is a conflict, not silent replacement.
func (d *driveDriver) removeTarget(ctx context.Context, parentID, name, key string) error {
	existing, err := d.findChild(ctx, parentID, name)
	if types.IsKind(err, types.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.MimeType == folderMime {
		return types.NewConflict("%q is a directory", key)
	}
	if err := d.srv.Files.Delete(existing.Id).Context(ctx).Do(); err != nil {
		return mapErr(err, key)
	}
	d.dropCached(d.cachePath(key))
	return nil
}

// ensureFolder returns the folder called name under parentID, creating
// it when absent.
func (d *driveDriver) ensureFolder(ctx context.Context, parentID, name string) (*drive.File, error) {
	f, err := d.findChild(ctx, parentID, name)
	if err == nil {
		if f.MimeType != folderMime {
			return nil, types.NewConflict("%q is a file", name)
		}
		return f, nil
	}
	if !types.IsKind(err, types.KindNotFound) {
		return nil, err
	}
	return d.mkFolder(ctx, parentID, name)
}

// copyChildren clones the contents of folder srcID into folder dstID.
// Drive has no server-side folder copy.
func (d *driveDriver) copyChildren(ctx context.Context, srcID, dstID, key string) error {
	pageToken := ""
	for {
		call := d.srv.Files.List().
			Q(fmt.Sprintf("'%s' in parents and trashed = false", srcID)).
			Fields(googleapi.Field("nextPageToken, files(" + fileFields + ")")).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		res, err := call.Do()
		if err != nil {
			return mapErr(err, key)
		}
		for _, f := range res.Files {
			if f.MimeType == folderMime {
				sub, err := d.ensureFolder(ctx, dstID, f.Name)
				if err != nil {
					return err
				}
				if err := d.copyChildren(ctx, f.Id, sub.Id, key); err != nil {
					return err
				}
				continue
			}
			if err := d.copyFile(ctx, f.Id, dstID, f.Name, key); err != nil {
				return err
			}
		}
		if res.NextPageToken == "" {
			return nil
		}
		pageToken = res.NextPageToken
	}
}

func (d *driveDriver) copyFile(ctx context.Context, srcID, dstParentID, dstName, key string) error {
	if err := d.removeTarget(ctx, dstParentID, dstName, key); err != nil {
		return err
	}
	_, err := d.srv.Files.Copy(srcID, &drive.File{
		Name:    dstName,
		Parents: []string{dstParentID},
	}).Fields("id").Context(ctx).Do()
	return mapErr(err, key)
}

func (d *driveDriver) Quota(ctx context.Context) (*driver.QuotaInfo, error) {
	about, err := d.srv.About.Get().Fields("storageQuota").Context(ctx).Do()
	if err != nil {
		return nil, mapErr(err, "")
	}
	q := &driver.QuotaInfo{
		TotalBytes: about.StorageQuota.Limit,
		UsedBytes:  about.StorageQuota.Usage,
	}
	if q.TotalBytes > 0 {
		q.FreeBytes = q.TotalBytes - q.UsedBytes
		if q.FreeBytes < 0 {
			q.FreeBytes = 0
		}
	}
	return q, nil
}
