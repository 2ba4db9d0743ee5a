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

package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

// roundChunk snaps a part size down to the 320 KiB quantum.
func roundChunk(n int64) int64 {
	n -= n % sessionChunkQuantum
	if n < sessionChunkQuantum {
		n = sessionChunkQuantum
	}
	return n
}

// InitMultipart opens a Graph upload session. The uploadUrl is
// capability-bearing (it embeds its own auth), so it can go back to the
// client or be relayed through the gateway.
func (d *graphDriver) InitMultipart(ctx context.Context, key string, opts driver.InitOpts) (*driver.MultipartUpload, error) {
	caps := typeCaps()
	partSize := roundChunk(caps.Multipart.ClampPartSize(opts.PartSize))

	body, _ := json.Marshal(map[string]any{
		"item": map[string]any{
			"@microsoft.graph.conflictBehavior": "replace",
		},
	})
	req, err := http.NewRequestWithContext(ctx, "POST", d.drivePath(key)+"/createUploadSession", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapStatus(resp, key)
	}
	defer resp.Body.Close()
	var sess struct {
		UploadURL          string   `json:"uploadUrl"`
		NextExpectedRanges []string `json:"nextExpectedRanges"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return nil, types.NewUpstreamFatal(err, "graph: decoding upload session for %q", key)
	}
	if sess.UploadURL == "" {
		return nil, types.NewUpstreamFatal(nil, "graph: session response for %q had no uploadUrl", key)
	}
	if len(sess.NextExpectedRanges) == 0 {
		sess.NextExpectedRanges = []string{"0-"}
	}
	return &driver.MultipartUpload{
		Strategy:   driver.SingleSession,
		UploadID:   sess.UploadURL,
		Key:        key,
		PartSize:   partSize,
		TotalParts: driver.TotalParts(opts.Size, partSize),
		Session: &driver.SessionRef{
			UploadURL:          sess.UploadURL,
			NextExpectedRanges: sess.NextExpectedRanges,
		},
	}, nil
}

func (d *graphDriver) WriteSessionRange(ctx context.Context, sess *driver.SessionRef, start, end, total int64, r io.Reader) (*driver.SessionProgress, error) {
	req, err := http.NewRequestWithContext(ctx, "PUT", sess.UploadURL, r)
	if err != nil {
		return nil, err
	}
	req.ContentLength = end - start + 1
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	// The session URL carries its own auth; Graph rejects a Bearer
	// header on it, so this PUT bypasses the OAuth transport.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewCancelled("graph upload cancelled")
		}
		return nil, types.NewUpstreamTransient(err, "graph: uploading range %d-%d", start, end)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		var st struct {
			NextExpectedRanges []string `json:"nextExpectedRanges"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return nil, types.NewUpstreamFatal(err, "graph: decoding session progress")
		}
		return &driver.SessionProgress{NextExpectedRanges: st.NextExpectedRanges}, nil
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var it driveItem
		if err := json.NewDecoder(resp.Body).Decode(&it); err != nil {
			return nil, types.NewUpstreamFatal(err, "graph: decoding finished upload")
		}
		entry := d.entry("", &it)
		return &driver.SessionProgress{Done: true, Entry: &entry}, nil
	case resp.StatusCode == http.StatusNotFound:
		// itemNotFound on a session URL means Graph discarded the
		// session; the upload must restart from scratch.
		return nil, types.NewSessionExpired("graph: upload session is gone")
	}
	return nil, mapStatus(resp, "")
}

// CompleteMultipart for a session upload is a visibility check; the
// final range PUT already finished the file.
func (d *graphDriver) CompleteMultipart(ctx context.Context, key, uploadID string, parts []types.PartRecord) (*types.Entry, error) {
	entry, err := d.Stat(ctx, key)
	if types.IsKind(err, types.KindNotFound) {
		return nil, types.NewInvalidInput("upload for %q never finished", key)
	}
	return entry, err
}

func (d *graphDriver) AbortMultipart(ctx context.Context, key, uploadID string) error {
	req, err := http.NewRequestWithContext(ctx, "DELETE", uploadID, nil)
	if err != nil {
		return nil
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		// Session expiry handles it server-side anyway.
		return nil
	}
	resp.Body.Close()
	return nil
}
