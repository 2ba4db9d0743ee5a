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
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

func (d *s3Driver) InitMultipart(ctx context.Context, key string, opts driver.InitOpts) (*driver.MultipartUpload, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: &d.bucket,
		Key:    aws.String(d.fullKey(key)),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	out, err := d.client.CreateMultipartUploadWithContext(ctx, input)
	if err != nil {
		return nil, mapErr(err, key)
	}
	caps := d.Capabilities()
	partSize := caps.Multipart.ClampPartSize(opts.PartSize)
	return &driver.MultipartUpload{
		Strategy:   driver.PerPartURL,
		UploadID:   aws.StringValue(out.UploadId),
		Key:        key,
		PartSize:   partSize,
		TotalParts: driver.TotalParts(opts.Size, partSize),
	}, nil
}

func (d *s3Driver) SignParts(ctx context.Context, key, uploadID string, partNumbers []int) ([]driver.PartURL, error) {
	if len(partNumbers) == 0 {
		return nil, types.NewInvalidInput("no part numbers requested")
	}
	if len(partNumbers) > d.maxSignReq {
		return nil, types.NewInvalidInput("requested %d part urls, limit is %d", len(partNumbers), d.maxSignReq)
	}
	ttl := time.Duration(d.urlTTLSec) * time.Second
	urls := make([]driver.PartURL, 0, len(partNumbers))
	for _, n := range partNumbers {
		if n < 1 {
			return nil, types.NewInvalidInput("part number %d out of range", n)
		}
		req, _ := d.client.UploadPartRequest(&s3.UploadPartInput{
			Bucket:     &d.bucket,
			Key:        aws.String(d.fullKey(key)),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int64(int64(n)),
		})
		req.SetContext(ctx)
		u, err := req.Presign(ttl)
		if err != nil {
			return nil, mapErr(err, key)
		}
		urls = append(urls, driver.PartURL{
			PartNumber: n,
			URL:        u,
			ExpiresAt:  time.Now().Add(ttl),
		})
	}
	return urls, nil
}

func (d *s3Driver) WritePart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader) (types.PartRecord, error) {
	if partNumber < 1 {
		return types.PartRecord{}, types.NewInvalidInput("part number %d out of range", partNumber)
	}
	sp := newSpool()
	defer sp.Cleanup()
	size, err := io.Copy(sp, r)
	if err != nil {
		return types.PartRecord{}, types.NewInvalidInput("reading part %d: %v", partNumber, err)
	}
	body, err := sp.ReadSeeker()
	if err != nil {
		return types.PartRecord{}, types.NewInternal(err, "staging part %d", partNumber)
	}
	out, err := d.client.UploadPartWithContext(ctx, &s3.UploadPartInput{
		Bucket:        &d.bucket,
		Key:           aws.String(d.fullKey(key)),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int64(int64(partNumber)),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return types.PartRecord{}, mapErr(err, key)
	}
	return types.PartRecord{
		PartNumber: partNumber,
		Size:       size,
		ETag:       cleanETag(out.ETag),
	}, nil
}

func (d *s3Driver) ListParts(ctx context.Context, key, uploadID string) ([]types.PartRecord, error) {
	input := &s3.ListPartsInput{
		Bucket:   &d.bucket,
		Key:      aws.String(d.fullKey(key)),
		UploadId: aws.String(uploadID),
	}
	var recs []types.PartRecord
	for {
		out, err := d.client.ListPartsWithContext(ctx, input)
		if err != nil {
			return nil, mapErr(err, key)
		}
		for _, p := range out.Parts {
			recs = append(recs, types.PartRecord{
				PartNumber: int(aws.Int64Value(p.PartNumber)),
				Size:       aws.Int64Value(p.Size),
				ETag:       cleanETag(p.ETag),
			})
		}
		if !aws.BoolValue(out.IsTruncated) {
			break
		}
		input.PartNumberMarker = out.NextPartNumberMarker
	}
	types.SortParts(recs)
	return recs, nil
}

func (d *s3Driver) CompleteMultipart(ctx context.Context, key, uploadID string, parts []types.PartRecord) (*types.Entry, error) {
	if len(parts) == 0 {
		return nil, types.NewInvalidInput("no parts to complete upload for %q", key)
	}
	types.SortParts(parts)
	completed := make([]*s3.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = &s3.CompletedPart{
			PartNumber: aws.Int64(int64(p.PartNumber)),
			ETag:       aws.String(p.ETag),
		}
	}
	_, err := d.client.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   &d.bucket,
		Key:      aws.String(d.fullKey(key)),
		UploadId: aws.String(uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return nil, mapErr(err, key)
	}
	return d.Stat(ctx, key)
}

func (d *s3Driver) AbortMultipart(ctx context.Context, key, uploadID string) error {
	_, err := d.client.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   &d.bucket,
		Key:      aws.String(d.fullKey(key)),
		UploadId: aws.String(uploadID),
	})
	if err != nil && !types.IsKind(mapErr(err, key), types.KindSessionExpired) {
		return mapErr(err, key)
	}
	return nil
}

const spoolMemMax = 4 << 20 // 4MB

// spool buffers an incoming part in memory, spilling to a temp file
// past spoolMemMax. UploadPart needs a ReadSeeker so the SDK can retry
// and sign the payload.
type spool struct {
	buf  bytes.Buffer
	file *os.File
	size int64
}

func newSpool() *spool { return &spool{} }

func (sp *spool) Write(p []byte) (n int, err error) {
	if sp.file == nil && sp.buf.Len()+len(p) > spoolMemMax {
		sp.file, err = os.CreateTemp("", "s3-part-")
		if err != nil {
			return 0, err
		}
		if _, err = sp.file.Write(sp.buf.Bytes()); err != nil {
			return 0, err
		}
		sp.buf.Reset()
	}
	if sp.file != nil {
		n, err = sp.file.Write(p)
	} else {
		n, err = sp.buf.Write(p)
	}
	sp.size += int64(n)
	return n, err
}

// ReadSeeker returns the spooled bytes positioned at the start.
func (sp *spool) ReadSeeker() (io.ReadSeeker, error) {
	if sp.file != nil {
		if _, err := sp.file.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return sp.file, nil
	}
	return bytes.NewReader(sp.buf.Bytes()), nil
}

func (sp *spool) Cleanup() {
	if sp.file != nil {
		sp.file.Close()
		os.Remove(sp.file.Name())
		sp.file = nil
	}
}
