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

// Package gcs registers the "gcs" storage driver, backed by Google
// Cloud Storage. Uploads go either through the gateway or through V4
// signed PUT URLs; GCS has no client-visible multipart protocol here,
// so large uploads fall back to a single presigned PUT.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
	"go4.org/jsonconfig"
)

type gcsDriver struct {
	cfg        *types.StorageConfig
	client     *storage.Client
	bkt        *storage.BucketHandle
	bucket     string
	dirPrefix  string
	customHost string
	urlTTLSec  int
}

var (
	_ driver.Driver    = (*gcsDriver)(nil)
	_ driver.Presigner = (*gcsDriver)(nil)
	_ driver.Committer = (*gcsDriver)(nil)
	_ driver.URLSource = (*gcsDriver)(nil)
	_ io.Closer        = (*gcsDriver)(nil)
)

func init() {
	driver.Register("gcs", typeCaps(), newFromConfig)
}

func typeCaps() driver.Capabilities {
	return driver.Capabilities{
		FS: driver.FSCaps{
			BackendStream:   true,
			BackendForm:     true,
			PresignedSingle: true,
			List:            true,
			Stat:            true,
			Read:            true,
			Range:           true,
			Write:           true,
			Delete:          true,
			Rename:          true,
			Copy:            true,
			Mkdir:           true,
		},
		Share: driver.ShareCaps{
			BackendStream: true,
			BackendForm:   true,
			Presigned:     true,
		},
	}
}

func newFromConfig(cfg *types.StorageConfig, params jsonconfig.Obj) (driver.Driver, error) {
	var (
		bucket     = params.RequiredString("bucket")
		saJSON     = params.OptionalString("service_account_json", "")
		endpoint   = params.OptionalString("endpoint", "")
		customHost = params.OptionalString("custom_host", "")
		urlTTL     = params.OptionalInt("url_ttl_sec", 3600)
	)
	if err := params.Validate(); err != nil {
		return nil, err
	}

	var opts []option.ClientOption
	if saJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(saJSON)))
	}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %v", err)
	}
	return &gcsDriver{
		cfg:        cfg,
		client:     client,
		bkt:        client.Bucket(bucket),
		bucket:     bucket,
		dirPrefix:  normPrefix(cfg.DefaultFolder),
		customHost: customHost,
		urlTTLSec:  urlTTL,
	}, nil
}

func normPrefix(folder string) string {
	folder = strings.Trim(folder, "/")
	if folder == "" {
		return ""
	}
	return folder + "/"
}

func (d *gcsDriver) Type() string { return "gcs" }

func (d *gcsDriver) Close() error { return d.client.Close() }

func (d *gcsDriver) Capabilities() driver.Capabilities {
	c := typeCaps()
	if d.cfg.IsPublic && d.customHost != "" {
		c.Share.URL = true
	}
	return c
}

func (d *gcsDriver) fullKey(key string) string { return d.dirPrefix + key }

func (d *gcsDriver) relKey(bucketKey string) string {
	return strings.TrimPrefix(bucketKey, d.dirPrefix)
}

func mapErr(err error, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return types.NewNotFound("%q not found", key)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return types.NewCancelled("gcs operation on %q cancelled", key)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 404:
			return types.NewNotFound("%q not found", key)
		case gerr.Code == 401 || gerr.Code == 403:
			return types.NewPermissionDenied("access to %q denied", key)
		case gerr.Code == 429 || gerr.Code >= 500:
			return types.NewUpstreamTransient(err, "gcs: %d on %q", gerr.Code, key)
		}
	}
	return types.NewUpstreamFatal(err, "gcs: %q", key)
}

func (d *gcsDriver) List(ctx context.Context, key string, opts driver.ListOpts) (*driver.Listing, error) {
	prefix := d.dirPrefix
	if key != "" {
		prefix = d.fullKey(key) + "/"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}
	it := d.bkt.Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	var attrs []*storage.ObjectAttrs
	next, err := iterator.NewPager(it, limit, opts.Cursor).NextPage(&attrs)
	if err != nil {
		return nil, mapErr(err, key)
	}
	if key != "" && len(attrs) == 0 && opts.Cursor == "" {
		if _, err := d.bkt.Object(prefix).Attrs(ctx); err != nil {
			return nil, types.NewNotFound("directory %q not found", key)
		}
	}
	lst := &driver.Listing{}
	for _, a := range attrs {
		if a.Prefix != "" {
			rel := d.relKey(strings.TrimSuffix(a.Prefix, "/"))
			lst.Entries = append(lst.Entries, types.Entry{
				Name:        path.Base(rel),
				Key:         rel,
				IsDirectory: true,
				Type:        types.TypeFolder,
			})
			continue
		}
		if a.Name == prefix {
			continue
		}
		rel := d.relKey(a.Name)
		lst.Entries = append(lst.Entries, types.Entry{
			Name:        path.Base(rel),
			Key:         rel,
			Size:        a.Size,
			ContentType: a.ContentType,
			ETag:        a.Etag,
			Modified:    a.Updated,
		})
	}
	if next != "" {
		lst.Truncated = true
		lst.NextCursor = next
	}
	return lst, nil
}

func (d *gcsDriver) Stat(ctx context.Context, key string) (*types.Entry, error) {
	if key == "" {
		return &types.Entry{IsDirectory: true, Type: types.TypeFolder}, nil
	}
	a, err := d.bkt.Object(d.fullKey(key)).Attrs(ctx)
	if err == nil {
		return &types.Entry{
			Name:        path.Base(key),
			Key:         key,
			Size:        a.Size,
			ContentType: a.ContentType,
			ETag:        a.Etag,
			Modified:    a.Updated,
		}, nil
	}
	if !errors.Is(err, storage.ErrObjectNotExist) {
		return nil, mapErr(err, key)
	}
	// Maybe a directory: a marker object or any object below it.
	it := d.bkt.Objects(ctx, &storage.Query{Prefix: d.fullKey(key) + "/"})
	if _, err := it.Next(); err != nil {
		if err == iterator.Done {
			return nil, types.NewNotFound("%q not found", key)
		}
		return nil, mapErr(err, key)
	}
	return &types.Entry{
		Name:        path.Base(key),
		Key:         key,
		IsDirectory: true,
		Type:        types.TypeFolder,
	}, nil
}

func (d *gcsDriver) Open(ctx context.Context, key string, offset, length int64) (*driver.Object, error) {
	r, err := d.bkt.Object(d.fullKey(key)).NewRangeReader(ctx, offset, length)
	if err != nil {
		return nil, mapErr(err, key)
	}
	obj := &driver.Object{
		Reader:      r,
		ContentType: r.Attrs.ContentType,
		Size:        r.Attrs.Size,
		Modified:    r.Attrs.LastModified,
	}
	if offset > 0 || length >= 0 {
		end := r.Attrs.Size - 1
		if length >= 0 && offset+length-1 < end {
			end = offset + length - 1
		}
		obj.ContentRange = fmt.Sprintf("bytes %d-%d/%d", offset, end, r.Attrs.Size)
	}
	return obj, nil
}

func (d *gcsDriver) Write(ctx context.Context, key string, r io.Reader, opts driver.WriteOpts) (string, error) {
	w := d.bkt.Object(d.fullKey(key)).NewWriter(ctx)
	if opts.ContentType != "" {
		w.ContentType = opts.ContentType
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return "", mapErr(err, key)
	}
	if err := w.Close(); err != nil {
		return "", mapErr(err, key)
	}
	return w.Attrs().Etag, nil
}

func (d *gcsDriver) Delete(ctx context.Context, key string, recursive bool) error {
	if key == "" {
		return types.NewInvalidInput("cannot delete the storage root")
	}
	entry, err := d.Stat(ctx, key)
	if err != nil {
		return err
	}
	if !entry.IsDirectory {
		return mapErr(d.bkt.Object(d.fullKey(key)).Delete(ctx), key)
	}
	prefix := d.fullKey(key) + "/"
	if !recursive {
		it := d.bkt.Objects(ctx, &storage.Query{Prefix: prefix})
		for {
			a, err := it.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return mapErr(err, key)
			}
			if a.Name != prefix {
				return types.NewConflict("directory %q not empty", key)
			}
		}
	}
	return d.deletePrefix(ctx, prefix, key)
}

func (d *gcsDriver) deletePrefix(ctx context.Context, prefix, key string) error {
	it := d.bkt.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		a, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return mapErr(err, key)
		}
		if err := d.bkt.Object(a.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return mapErr(err, key)
		}
	}
}

func (d *gcsDriver) Mkdir(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if _, err := d.bkt.Object(d.fullKey(key)).Attrs(ctx); err == nil {
		return types.NewConflict("%q is a file", key)
	}
	w := d.bkt.Object(d.fullKey(key) + "/").NewWriter(ctx)
	if err := w.Close(); err != nil {
		return mapErr(err, key)
	}
	return nil
}

func (d *gcsDriver) Rename(ctx context.Context, oldKey, newKey string) error {
	return d.transfer(ctx, oldKey, newKey, true)
}

func (d *gcsDriver) Copy(ctx context.Context, srcKey, dstKey string) error {
	return d.transfer(ctx, srcKey, dstKey, false)
}

func (d *gcsDriver) transfer(ctx context.Context, src, dst string, remove bool) error {
	if src == dst {
		return nil
	}
	entry, err := d.Stat(ctx, src)
	if err != nil {
		return err
	}
	if !entry.IsDirectory {
		if err := d.copyObject(ctx, d.fullKey(src), d.fullKey(dst)); err != nil {
			return err
		}
		if remove {
			return mapErr(d.bkt.Object(d.fullKey(src)).Delete(ctx), src)
		}
		return nil
	}
	if strings.HasPrefix(dst+"/", src+"/") {
		return types.NewInvalidInput("cannot move %q into itself", src)
	}
	srcPrefix := d.fullKey(src) + "/"
	dstPrefix := d.fullKey(dst) + "/"
	it := d.bkt.Objects(ctx, &storage.Query{Prefix: srcPrefix})
	for {
		a, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return mapErr(err, src)
		}
		rest := strings.TrimPrefix(a.Name, srcPrefix)
		if err := d.copyObject(ctx, a.Name, dstPrefix+rest); err != nil {
			return err
		}
	}
	if remove {
		return d.deletePrefix(ctx, srcPrefix, src)
	}
	return nil
}

func (d *gcsDriver) copyObject(ctx context.Context, srcBucketKey, dstBucketKey string) error {
	dst := d.bkt.Object(dstBucketKey)
	_, err := dst.CopierFrom(d.bkt.Object(srcBucketKey)).Run(ctx)
	return mapErr(err, srcBucketKey)
}

func (d *gcsDriver) presignTTL(ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return time.Duration(d.urlTTLSec) * time.Second
}

func (d *gcsDriver) PresignPut(ctx context.Context, key string, opts driver.PresignOpts) (*driver.PresignedPut, error) {
	ttl := d.presignTTL(opts.TTL)
	sopts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "PUT",
		Expires: time.Now().Add(ttl),
	}
	headers := map[string]string{}
	if opts.ContentType != "" {
		sopts.ContentType = opts.ContentType
		headers["Content-Type"] = opts.ContentType
	}
	u, err := d.bkt.SignedURL(d.fullKey(key), sopts)
	if err != nil {
		return nil, mapErr(err, key)
	}
	return &driver.PresignedPut{
		Method:    "PUT",
		URL:       u,
		Headers:   headers,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

func (d *gcsDriver) CommitPut(ctx context.Context, key, etag string, size int64, contentType string) (*types.Entry, error) {
	entry, err := d.Stat(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry.IsDirectory {
		return nil, types.NewConflict("%q is a directory", key)
	}
	if size >= 0 && entry.Size != size {
		return nil, types.NewInvalidInput("uploaded object %q is %d bytes, expected %d", key, entry.Size, size)
	}
	return entry, nil
}

func (d *gcsDriver) SourceURL(ctx context.Context, key string, opts driver.URLOpts) (string, error) {
	if d.customHost != "" && d.cfg.IsPublic {
		base := strings.TrimSuffix(d.customHost, "/")
		return base + "/" + escapePath(d.fullKey(key)), nil
	}
	sopts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(d.presignTTL(opts.TTL)),
	}
	if opts.Download || opts.Filename != "" {
		disp := "inline"
		if opts.Download {
			disp = "attachment"
		}
		if opts.Filename != "" {
			disp += fmt.Sprintf(`; filename*=UTF-8''%s`, url.PathEscape(opts.Filename))
		}
		sopts.QueryParameters = url.Values{"response-content-disposition": {disp}}
	}
	u, err := d.bkt.SignedURL(d.fullKey(key), sopts)
	if err != nil {
		return "", mapErr(err, key)
	}
	return u, nil
}

func escapePath(s string) string {
	segs := strings.Split(s, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return strings.Join(segs, "/")
}
