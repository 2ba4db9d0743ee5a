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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

// Drive resumable uploads require every chunk except the last to be a
// multiple of 256 KiB.
const sessionChunkQuantum = 256 << 10

const resumableURL = "https://www.googleapis.com/upload/drive/v3/files?uploadType=resumable"

// roundChunk snaps a part size down to the 256 KiB quantum.
func roundChunk(n int64) int64 {
	n -= n % sessionChunkQuantum
	if n < sessionChunkQuantum {
		n = sessionChunkQuantum
	}
	return n
}

// InitMultipart opens a Drive resumable upload session. The session
// URL is capability-bearing: whoever holds it can upload, so it goes
// back to the client and ranges may also be relayed through the
// gateway.
func (d *driveDriver) InitMultipart(ctx context.Context, key string, opts driver.InitOpts) (*driver.MultipartUpload, error) {
	parentID, name, err := d.resolveParent(ctx, key, true)
	if err != nil {
		return nil, err
	}
	caps := typeCaps()
	partSize := roundChunk(caps.Multipart.ClampPartSize(opts.PartSize))

	meta := map[string]any{
		"name":    name,
		"parents": []string{parentID},
	}
	body, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", resumableURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	if opts.ContentType != "" {
		req.Header.Set("X-Upload-Content-Type", opts.ContentType)
	}
	if opts.Size >= 0 {
		req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(opts.Size, 10))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, types.NewUpstreamTransient(err, "drive: opening upload session for %q", key)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, sessionHTTPErr(resp, key)
	}
	sessURL := resp.Header.Get("Location")
	if sessURL == "" {
		return nil, types.NewUpstreamFatal(nil, "drive: session response for %q had no Location", key)
	}
	return &driver.MultipartUpload{
		Strategy:   driver.SingleSession,
		UploadID:   sessURL,
		Key:        key,
		PartSize:   partSize,
		TotalParts: driver.TotalParts(opts.Size, partSize),
		Session: &driver.SessionRef{
			UploadURL:          sessURL,
			NextExpectedRanges: []string{"0-"},
		},
	}, nil
}

func (d *driveDriver) WriteSessionRange(ctx context.Context, sess *driver.SessionRef, start, end, total int64, r io.Reader) (*driver.SessionProgress, error) {
	req, err := http.NewRequestWithContext(ctx, "PUT", sess.UploadURL, r)
	if err != nil {
		return nil, err
	}
	req.ContentLength = end - start + 1
	if total >= 0 {
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	} else {
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", start, end))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, types.NewUpstreamTransient(err, "drive: uploading range %d-%d", start, end)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == 308:
		next := int64(0)
		if rng := resp.Header.Get("Range"); rng != "" {
			// "bytes=0-524287" means the next byte wanted is 524288.
			if i := strings.LastIndexByte(rng, '-'); i >= 0 {
				if last, err := strconv.ParseInt(rng[i+1:], 10, 64); err == nil {
					next = last + 1
				}
			}
		}
		return &driver.SessionProgress{
			NextExpectedRanges: []string{fmt.Sprintf("%d-", next)},
		}, nil
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var f struct {
			Name         string `json:"name"`
			MimeType     string `json:"mimeType"`
			Size         int64  `json:"size,string"`
			Md5Checksum  string `json:"md5Checksum"`
			ModifiedTime string `json:"modifiedTime"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
			return nil, types.NewUpstreamFatal(err, "drive: decoding finished upload")
		}
		return &driver.SessionProgress{
			Done: true,
			Entry: &types.Entry{
				Name:        f.Name,
				Size:        f.Size,
				ContentType: f.MimeType,
				ETag:        f.Md5Checksum,
				Modified:    parseTime(f.ModifiedTime),
			},
		}, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, types.NewSessionExpired("drive: upload session is gone")
	default:
		return nil, sessionHTTPErr(resp, "")
	}
}

// CompleteMultipart for a session upload is a visibility check; the
// final range PUT already finished the file.
func (d *driveDriver) CompleteMultipart(ctx context.Context, key, uploadID string, parts []types.PartRecord) (*types.Entry, error) {
	d.dropCached(d.cachePath(key))
	entry, err := d.Stat(ctx, key)
	if types.IsKind(err, types.KindNotFound) {
		return nil, types.NewInvalidInput("upload for %q never finished", key)
	}
	return entry, err
}

func (d *driveDriver) AbortMultipart(ctx context.Context, key, uploadID string) error {
	req, err := http.NewRequestWithContext(ctx, "DELETE", uploadID, nil)
	if err != nil {
		return nil
	}
	resp, err := d.client.Do(req)
	if err != nil {
		// Session expiry handles it server-side anyway.
		return nil
	}
	resp.Body.Close()
	return nil
}

func sessionHTTPErr(resp *http.Response, key string) error {
	slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	switch {
	case resp.StatusCode == 401 || resp.StatusCode == 403:
		return types.NewPermissionDenied("drive: %d on %q", resp.StatusCode, key)
	case resp.StatusCode == 429 || resp.StatusCode >= 500:
		return types.NewUpstreamTransient(fmt.Errorf("%s", slurp), "drive: %d on %q", resp.StatusCode, key)
	}
	return types.NewUpstreamFatal(fmt.Errorf("status %d: %s", resp.StatusCode, slurp), "drive: %q", key)
}
