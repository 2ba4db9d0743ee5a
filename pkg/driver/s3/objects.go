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

package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

const maxDeleteBatch = 1000

func cleanETag(s *string) string {
	if s == nil {
		return ""
	}
	return strings.Trim(*s, `"`)
}

func timeOf(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func (d *s3Driver) List(ctx context.Context, key string, opts driver.ListOpts) (*driver.Listing, error) {
	prefix := d.dirPrefix
	if key != "" {
		prefix = d.fullKey(key) + "/"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}
	input := &s3.ListObjectsV2Input{
		Bucket:    &d.bucket,
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int64(int64(limit)),
	}
	if opts.Cursor != "" {
		input.ContinuationToken = aws.String(opts.Cursor)
	}
	out, err := d.client.ListObjectsV2WithContext(ctx, input)
	if err != nil {
		return nil, mapErr(err, key)
	}
	if key != "" && len(out.Contents) == 0 && len(out.CommonPrefixes) == 0 && opts.Cursor == "" {
		// An empty answer for a non-root prefix means the directory
		// does not exist, unless its bare marker does.
		if _, err := d.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
			Bucket: &d.bucket,
			Key:    aws.String(prefix),
		}); err != nil {
			return nil, types.NewNotFound("directory %q not found", key)
		}
	}

	lst := &driver.Listing{}
	for _, cp := range out.CommonPrefixes {
		full := strings.TrimSuffix(aws.StringValue(cp.Prefix), "/")
		rel := d.relKey(full)
		lst.Entries = append(lst.Entries, types.Entry{
			Name:        path.Base(rel),
			Key:         rel,
			IsDirectory: true,
			Type:        types.TypeFolder,
		})
	}
	for _, obj := range out.Contents {
		full := aws.StringValue(obj.Key)
		if full == prefix {
			// The directory's own marker object.
			continue
		}
		rel := d.relKey(full)
		lst.Entries = append(lst.Entries, types.Entry{
			Name:     path.Base(rel),
			Key:      rel,
			Size:     aws.Int64Value(obj.Size),
			ETag:     cleanETag(obj.ETag),
			Modified: timeOf(obj.LastModified),
		})
	}
	if aws.BoolValue(out.IsTruncated) {
		lst.Truncated = true
		lst.NextCursor = aws.StringValue(out.NextContinuationToken)
	}
	return lst, nil
}

func (d *s3Driver) Stat(ctx context.Context, key string) (*types.Entry, error) {
	if key == "" {
		return &types.Entry{IsDirectory: true, Type: types.TypeFolder}, nil
	}
	head, err := d.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: &d.bucket,
		Key:    aws.String(d.fullKey(key)),
	})
	if err == nil {
		return &types.Entry{
			Name:        path.Base(key),
			Key:         key,
			Size:        aws.Int64Value(head.ContentLength),
			ContentType: aws.StringValue(head.ContentType),
			ETag:        cleanETag(head.ETag),
			Modified:    timeOf(head.LastModified),
		}, nil
	}
	if !types.IsKind(mapErr(err, key), types.KindNotFound) {
		return nil, mapErr(err, key)
	}
	// Not an object; maybe a directory.
	out, lerr := d.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  &d.bucket,
		Prefix:  aws.String(d.fullKey(key) + "/"),
		MaxKeys: aws.Int64(1),
	})
	if lerr != nil {
		return nil, mapErr(lerr, key)
	}
	if len(out.Contents) == 0 && len(out.CommonPrefixes) == 0 {
		return nil, types.NewNotFound("%q not found", key)
	}
	return &types.Entry{
		Name:        path.Base(key),
		Key:         key,
		IsDirectory: true,
		Type:        types.TypeFolder,
	}, nil
}

func (d *s3Driver) Open(ctx context.Context, key string, offset, length int64) (*driver.Object, error) {
	input := &s3.GetObjectInput{
		Bucket: &d.bucket,
		Key:    aws.String(d.fullKey(key)),
	}
	ranged := offset > 0 || length >= 0
	if ranged {
		if length < 0 {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
		} else {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		}
	}
	out, err := d.client.GetObjectWithContext(ctx, input)
	if err != nil {
		return nil, mapErr(err, key)
	}
	obj := &driver.Object{
		Reader:      out.Body,
		ContentType: aws.StringValue(out.ContentType),
		Size:        aws.Int64Value(out.ContentLength),
		ETag:        cleanETag(out.ETag),
		Modified:    timeOf(out.LastModified),
	}
	if cr := aws.StringValue(out.ContentRange); cr != "" {
		obj.ContentRange = cr
		// For ranged reads ContentLength is the range, not the object;
		// recover the full size from the Content-Range trailer.
		if i := strings.LastIndexByte(cr, '/'); i >= 0 {
			if total, err := strconv.ParseInt(cr[i+1:], 10, 64); err == nil {
				obj.Size = total
			}
		}
	}
	return obj, nil
}

func (d *s3Driver) Write(ctx context.Context, key string, r io.Reader, opts driver.WriteOpts) (string, error) {
	input := &s3manager.UploadInput{
		Bucket: &d.bucket,
		Key:    aws.String(d.fullKey(key)),
		Body:   r,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	out, err := d.uploader().UploadWithContext(ctx, input)
	if err != nil {
		return "", mapErr(err, key)
	}
	return cleanETag(out.ETag), nil
}

func (d *s3Driver) Delete(ctx context.Context, key string, recursive bool) error {
	if key == "" {
		return types.NewInvalidInput("cannot delete the storage root")
	}
	entry, err := d.Stat(ctx, key)
	if err != nil {
		return err
	}
	if !entry.IsDirectory {
		_, err := d.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
			Bucket: &d.bucket,
			Key:    aws.String(d.fullKey(key)),
		})
		return mapErr(err, key)
	}

	prefix := d.fullKey(key) + "/"
	if !recursive {
		out, err := d.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
			Bucket:  &d.bucket,
			Prefix:  aws.String(prefix),
			MaxKeys: aws.Int64(2),
		})
		if err != nil {
			return mapErr(err, key)
		}
		for _, obj := range out.Contents {
			if aws.StringValue(obj.Key) != prefix {
				return types.NewConflict("directory %q not empty", key)
			}
		}
		if len(out.Contents) > 1 || len(out.CommonPrefixes) > 0 {
			return types.NewConflict("directory %q not empty", key)
		}
	}
	return d.deletePrefix(ctx, prefix, key)
}

// deletePrefix removes every object under prefix, marker included, in
// DeleteObjects batches.
func (d *s3Driver) deletePrefix(ctx context.Context, prefix, key string) error {
	var batch []s3manager.BatchDeleteObject
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		deleter := s3manager.NewBatchDeleteWithClient(d.client)
		deleter.BatchSize = maxDeleteBatch
		err := deleter.Delete(ctx, &s3manager.DeleteObjectsIterator{Objects: batch})
		batch = batch[:0]
		return err
	}
	err := d.eachKey(ctx, prefix, func(bucketKey string) error {
		batch = append(batch, s3manager.BatchDeleteObject{
			Object: &s3.DeleteObjectInput{
				Bucket: &d.bucket,
				Key:    aws.String(bucketKey),
			},
		})
		if len(batch) >= maxDeleteBatch {
			return flush()
		}
		return nil
	})
	if err != nil {
		return mapErr(err, key)
	}
	return mapErr(flush(), key)
}

// eachKey walks every object key under prefix, following continuation
// tokens.
func (d *s3Driver) eachKey(ctx context.Context, prefix string, fn func(bucketKey string) error) error {
	input := &s3.ListObjectsV2Input{
		Bucket: &d.bucket,
		Prefix: aws.String(prefix),
	}
	for {
		out, err := d.client.ListObjectsV2WithContext(ctx, input)
		if err != nil {
			return err
		}
		for _, obj := range out.Contents {
			if err := fn(aws.StringValue(obj.Key)); err != nil {
				return err
			}
		}
		if !aws.BoolValue(out.IsTruncated) {
			return nil
		}
		input.ContinuationToken = out.NextContinuationToken
	}
}

func (d *s3Driver) Mkdir(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if _, err := d.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: &d.bucket,
		Key:    aws.String(d.fullKey(key)),
	}); err == nil {
		return types.NewConflict("%q is a file", key)
	}
	_, err := d.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: &d.bucket,
		Key:    aws.String(d.fullKey(key) + "/"),
		Body:   bytes.NewReader(nil),
	})
	return mapErr(err, key)
}

func (d *s3Driver) Rename(ctx context.Context, oldKey, newKey string) error {
	return d.transfer(ctx, oldKey, newKey, true)
}

func (d *s3Driver) Copy(ctx context.Context, srcKey, dstKey string) error {
	return d.transfer(ctx, srcKey, dstKey, false)
}

func (d *s3Driver) transfer(ctx context.Context, src, dst string, remove bool) error {
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
			_, err := d.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
				Bucket: &d.bucket,
				Key:    aws.String(d.fullKey(src)),
			})
			return mapErr(err, src)
		}
		return nil
	}

	if dst == src || strings.HasPrefix(dst+"/", src+"/") {
		return types.NewInvalidInput("cannot move %q into itself", src)
	}
	srcPrefix := d.fullKey(src) + "/"
	dstPrefix := d.fullKey(dst) + "/"
	err = d.eachKey(ctx, srcPrefix, func(bucketKey string) error {
		rest := strings.TrimPrefix(bucketKey, srcPrefix)
		return d.copyObject(ctx, bucketKey, dstPrefix+rest)
	})
	if err != nil {
		return mapErr(err, src)
	}
	if remove {
		return d.deletePrefix(ctx, srcPrefix, src)
	}
	return nil
}

func (d *s3Driver) copyObject(ctx context.Context, srcBucketKey, dstBucketKey string) error {
	_, err := d.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     &d.bucket,
		Key:        aws.String(dstBucketKey),
		CopySource: aws.String(escapeCopySource(d.bucket + "/" + srcBucketKey)),
	})
	return mapErr(err, srcBucketKey)
}

// escapeCopySource URL-encodes a "bucket/key" copy source, keeping the
// path separators literal.
func escapeCopySource(s string) string {
	segs := strings.Split(s, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return strings.Join(segs, "/")
}
