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
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

func (d *s3Driver) presignTTL(ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return time.Duration(d.urlTTLSec) * time.Second
}

func (d *s3Driver) PresignPut(ctx context.Context, key string, opts driver.PresignOpts) (*driver.PresignedPut, error) {
	input := &s3.PutObjectInput{
		Bucket: &d.bucket,
		Key:    aws.String(d.fullKey(key)),
	}
	headers := map[string]string{}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
		headers["Content-Type"] = opts.ContentType
	}
	req, _ := d.client.PutObjectRequest(input)
	req.SetContext(ctx)
	ttl := d.presignTTL(opts.TTL)
	u, err := req.Presign(ttl)
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

func (d *s3Driver) CommitPut(ctx context.Context, key, etag string, size int64, contentType string) (*types.Entry, error) {
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

func (d *s3Driver) SourceURL(ctx context.Context, key string, opts driver.URLOpts) (string, error) {
	if d.customHost != "" && d.cfg.IsPublic {
		base := strings.TrimSuffix(d.customHost, "/")
		return base + "/" + escapeCopySource(d.fullKey(key)), nil
	}
	input := &s3.GetObjectInput{
		Bucket: &d.bucket,
		Key:    aws.String(d.fullKey(key)),
	}
	if disp := contentDisposition(opts); disp != "" {
		input.ResponseContentDisposition = aws.String(disp)
	}
	req, _ := d.client.GetObjectRequest(input)
	req.SetContext(ctx)
	u, err := req.Presign(d.presignTTL(opts.TTL))
	if err != nil {
		return "", mapErr(err, key)
	}
	return u, nil
}

func contentDisposition(opts driver.URLOpts) string {
	if !opts.Download && opts.Filename == "" {
		return ""
	}
	disp := "inline"
	if opts.Download {
		disp = "attachment"
	}
	if opts.Filename != "" {
		safe := strings.Map(func(r rune) rune {
			if r == '"' || r == '\\' || r < 0x20 {
				return '_'
			}
			return r
		}, opts.Filename)
		disp += fmt.Sprintf(`; filename="%s"; filename*=UTF-8''%s`, safe, url.PathEscape(opts.Filename))
	}
	return disp
}
