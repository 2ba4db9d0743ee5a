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

package hflfs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

// lfsBatch asks the LFS batch endpoint for upload actions on one
// object. A response without an upload action means the store already
// holds the content.
type lfsAction struct {
	Href      string            `json:"href"`
	Header    map[string]string `json:"header"`
	ExpiresIn int               `json:"expires_in"`
}

type lfsObject struct {
	OID     string `json:"oid"`
	Size    int64  `json:"size"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Actions map[string]lfsAction `json:"actions"`
}

func (d *hfDriver) lfsBatch(ctx context.Context, oid string, size int64) (*lfsObject, error) {
	body, _ := json.Marshal(map[string]any{
		"operation": "upload",
		"transfers": []string{"basic", "multipart"},
		"objects":   []map[string]any{{"oid": oid, "size": size}},
		"hash_algo": "sha256",
		"ref":       map[string]string{"name": "refs/heads/" + d.revision},
	})
	u := d.endpoint + "/datasets/" + d.repo + ".git/info/lfs/objects/batch"
	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/vnd.git-lfs+json")
	req.Header.Set("Accept", "application/vnd.git-lfs+json")
	resp, err := d.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapStatus(resp, oid)
	}
	defer resp.Body.Close()
	var out struct {
		Objects []lfsObject `json:"objects"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.NewUpstreamFatal(err, "huggingface: decoding LFS batch")
	}
	if len(out.Objects) == 0 {
		return nil, types.NewUpstreamFatal(nil, "huggingface: LFS batch returned no objects")
	}
	obj := &out.Objects[0]
	if obj.Error != nil {
		return nil, types.NewUpstreamFatal(nil, "huggingface: LFS object error %d: %s", obj.Error.Code, obj.Error.Message)
	}
	return obj, nil
}

// partURLs extracts the numbered part URLs and the chunk size from a
// multipart upload action's header block, where LFS smuggles them as
// "00001".."NNNNN" keys.
func partURLs(act *lfsAction) (urls map[int]string, chunkSize int64) {
	urls = make(map[int]string)
	for k, v := range act.Header {
		if k == "chunk_size" {
			chunkSize, _ = strconv.ParseInt(v, 10, 64)
			continue
		}
		if n, err := strconv.Atoi(k); err == nil && n >= 1 {
			urls[n] = v
		}
	}
	return urls, chunkSize
}

func (d *hfDriver) PresignPut(ctx context.Context, key string, opts driver.PresignOpts) (*driver.PresignedPut, error) {
	if opts.SHA256 == "" {
		return nil, types.NewInvalidInput("huggingface uploads require the content sha256").WithField("sha256")
	}
	obj, err := d.lfsBatch(ctx, opts.SHA256, opts.Size)
	if err != nil {
		return nil, err
	}
	up, ok := obj.Actions["upload"]
	if !ok {
		// Content-addressed dedupe: the bytes are already there; the
		// commit alone will bind the path.
		return &driver.PresignedPut{SHA256: opts.SHA256, SkipUpload: true}, nil
	}
	ttl := time.Duration(up.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	headers := make(map[string]string)
	for k, v := range up.Header {
		// Numbered keys belong to multipart transfers, not to a single
		// PUT.
		if _, err := strconv.Atoi(k); err != nil && k != "chunk_size" {
			headers[k] = v
		}
	}
	return &driver.PresignedPut{
		Method:    "PUT",
		URL:       up.Href,
		Headers:   headers,
		SHA256:    opts.SHA256,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

// CommitPut registers the uploaded LFS object under key. etag must be
// the content sha256 from the presign round-trip. Committing the same
// (path, digest) twice is a no-op server-side, which is what makes the
// gateway's commit retries safe.
func (d *hfDriver) CommitPut(ctx context.Context, key string, etag string, size int64, contentType string) (*types.Entry, error) {
	if etag == "" {
		return nil, types.NewInvalidInput("commit requires the content sha256").WithField("etag")
	}
	if err := d.commitLFSFile(ctx, key, etag, size, "upload "+key); err != nil {
		return nil, err
	}
	return d.Stat(ctx, key)
}

// commitNDJSON posts a commit built of NDJSON event lines.
func (d *hfDriver) commitNDJSON(ctx context.Context, lines []any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, l := range lines {
		if err := enc.Encode(l); err != nil {
			return err
		}
	}
	u := d.apiURL("commit", url.PathEscape(d.revision))
	req, err := http.NewRequestWithContext(ctx, "POST", u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	resp, err := d.do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return mapStatus(resp, "commit")
	}
	resp.Body.Close()
	return nil
}

func (d *hfDriver) commitLFSFile(ctx context.Context, key, oid string, size int64, summary string) error {
	p := strings.Trim(d.cfg.DefaultFolder, "/")
	if p != "" {
		p += "/"
	}
	p += key
	return d.commitNDJSON(ctx, []any{
		map[string]any{"key": "header", "value": map[string]any{"summary": summary}},
		map[string]any{"key": "lfsFile", "value": map[string]any{
			"path": p, "algo": "sha256", "oid": oid, "size": size,
		}},
	})
}

// Write streams through the LFS protocol: hash while spooling, batch,
// PUT (unless the store already has the bytes), then commit. Small
// writes could ride the inline commit API instead, but one path keeps
// the failure modes uniform.
func (d *hfDriver) Write(ctx context.Context, key string, r io.Reader, opts driver.WriteOpts) (string, error) {
	if key == "" || strings.HasSuffix(key, "/") {
		return "", types.NewInvalidInput("invalid object key %q", key)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	oid := hex.EncodeToString(sum[:])

	obj, err := d.lfsBatch(ctx, oid, int64(len(data)))
	if err != nil {
		return "", err
	}
	if up, ok := obj.Actions["upload"]; ok {
		urls, chunkSize := partURLs(&up)
		if len(urls) > 0 {
			if err := d.putParts(ctx, &up, urls, chunkSize, data, oid); err != nil {
				return "", err
			}
		} else if err := d.putWhole(ctx, &up, data); err != nil {
			return "", err
		}
	}
	if err := d.commitLFSFile(ctx, key, oid, int64(len(data)), "upload "+key); err != nil {
		return "", err
	}
	return oid, nil
}

func (d *hfDriver) putWhole(ctx context.Context, act *lfsAction, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, "PUT", act.Href, bytes.NewReader(data))
	if err != nil {
		return err
	}
	for k, v := range act.Header {
		req.Header.Set(k, v)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return types.NewUpstreamTransient(err, "huggingface: LFS PUT")
	}
	if resp.StatusCode >= 300 {
		return mapStatus(resp, "lfs object")
	}
	resp.Body.Close()
	return nil
}

// putParts relays a multipart LFS upload: PUT each chunk to its
// numbered URL, then POST the completion document to the action href.
func (d *hfDriver) putParts(ctx context.Context, act *lfsAction, urls map[int]string, chunkSize int64, data []byte, oid string) error {
	if chunkSize <= 0 {
		chunkSize = 5 << 20
	}
	nums := make([]int, 0, len(urls))
	for n := range urls {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	parts := make([]map[string]any, 0, len(nums))
	for _, n := range nums {
		start := chunkSize * int64(n-1)
		if start >= int64(len(data)) {
			break
		}
		end := start + chunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		req, err := http.NewRequestWithContext(ctx, "PUT", urls[n], bytes.NewReader(data[start:end]))
		if err != nil {
			return err
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return types.NewUpstreamTransient(err, "huggingface: LFS part %d", n)
		}
		if resp.StatusCode >= 300 {
			return mapStatus(resp, fmt.Sprintf("lfs part %d", n))
		}
		etag := strings.Trim(resp.Header.Get("ETag"), `"`)
		resp.Body.Close()
		parts = append(parts, map[string]any{"partNumber": n, "etag": etag})
	}
	return d.completeLFS(ctx, act.Href, oid, parts)
}

func (d *hfDriver) completeLFS(ctx context.Context, href, oid string, parts []map[string]any) error {
	body, _ := json.Marshal(map[string]any{"oid": oid, "parts": parts})
	req, err := http.NewRequestWithContext(ctx, "POST", href, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return types.NewUpstreamTransient(err, "huggingface: LFS complete")
	}
	if resp.StatusCode >= 300 {
		return mapStatus(resp, "lfs complete")
	}
	resp.Body.Close()
	return nil
}

// Delete removes key (or a whole folder) in one commit.
func (d *hfDriver) Delete(ctx context.Context, key string, recursive bool) error {
	entry, err := d.Stat(ctx, key)
	if err != nil {
		return err
	}
	p := strings.Trim(d.cfg.DefaultFolder, "/")
	if p != "" {
		p += "/"
	}
	p += key
	if entry.IsDirectory {
		if !recursive {
			lst, err := d.List(ctx, key, driver.ListOpts{Limit: 1})
			if err != nil {
				return err
			}
			if len(lst.Entries) > 0 {
				return types.NewConflict("directory %q not empty", key)
			}
		}
		return d.commitNDJSON(ctx, []any{
			map[string]any{"key": "header", "value": map[string]any{"summary": "delete " + key}},
			map[string]any{"key": "deletedFolder", "value": map[string]any{"path": p}},
		})
	}
	return d.commitNDJSON(ctx, []any{
		map[string]any{"key": "header", "value": map[string]any{"summary": "delete " + key}},
		map[string]any{"key": "deletedFile", "value": map[string]any{"path": p}},
	})
}

// uploadState is what the driver must remember between multipart init
// and complete. It travels inside the opaque uploadID, so the driver
// itself stays stateless, consistent with client_keeps resume: a
// client that kept its session document can finish after a gateway
// restart.
type uploadState struct {
	OID          string `json:"oid"`
	Size         int64  `json:"size"`
	CompletionURL string `json:"href"`
}

func encodeUploadID(st *uploadState) string {
	js, _ := json.Marshal(st)
	return base64.RawURLEncoding.EncodeToString(js)
}

func decodeUploadID(id string) (*uploadState, error) {
	raw, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return nil, types.NewInvalidInput("malformed upload id")
	}
	st := new(uploadState)
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, types.NewInvalidInput("malformed upload id")
	}
	return st, nil
}

func (d *hfDriver) InitMultipart(ctx context.Context, key string, opts driver.InitOpts) (*driver.MultipartUpload, error) {
	if opts.SHA256 == "" {
		return nil, types.NewInvalidInput("huggingface uploads require the content sha256").WithField("sha256")
	}
	obj, err := d.lfsBatch(ctx, opts.SHA256, opts.Size)
	if err != nil {
		return nil, err
	}
	up, ok := obj.Actions["upload"]
	if !ok {
		// Dedupe hit: no bytes to move, complete will only commit.
		return &driver.MultipartUpload{
			Strategy:   driver.PerPartURL,
			UploadID:   encodeUploadID(&uploadState{OID: opts.SHA256, Size: opts.Size}),
			Key:        key,
			PartSize:   typeCaps().Multipart.ClampPartSize(opts.PartSize),
			SkipUpload: true,
		}, nil
	}
	urls, chunkSize := partURLs(&up)
	if len(urls) == 0 {
		// Backend answered with a basic transfer; a single part covers
		// the object.
		urls = map[int]string{1: up.Href}
		chunkSize = opts.Size
	}
	if chunkSize <= 0 {
		chunkSize = typeCaps().Multipart.ClampPartSize(opts.PartSize)
	}
	exp := time.Now().Add(time.Duration(up.ExpiresIn) * time.Second)
	nums := make([]int, 0, len(urls))
	for n := range urls {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	signed := make([]driver.PartURL, 0, len(nums))
	for _, n := range nums {
		signed = append(signed, driver.PartURL{PartNumber: n, URL: urls[n], ExpiresAt: exp})
	}
	return &driver.MultipartUpload{
		Strategy:   driver.PerPartURL,
		UploadID:   encodeUploadID(&uploadState{OID: opts.SHA256, Size: opts.Size, CompletionURL: up.Href}),
		Key:        key,
		PartSize:   chunkSize,
		TotalParts: driver.TotalParts(opts.Size, chunkSize),
		URLs:       signed,
	}, nil
}

// SignParts re-runs the LFS batch to refresh expired part URLs.
// Signing mode is eager, so this only happens on expiry retries.
func (d *hfDriver) SignParts(ctx context.Context, key, uploadID string, partNumbers []int) ([]driver.PartURL, error) {
	st, err := decodeUploadID(uploadID)
	if err != nil {
		return nil, err
	}
	obj, err := d.lfsBatch(ctx, st.OID, st.Size)
	if err != nil {
		return nil, err
	}
	up, ok := obj.Actions["upload"]
	if !ok {
		return nil, types.NewSessionExpired("upload already completed upstream")
	}
	urls, _ := partURLs(&up)
	exp := time.Now().Add(time.Duration(up.ExpiresIn) * time.Second)
	out := make([]driver.PartURL, 0, len(partNumbers))
	for _, n := range partNumbers {
		u, ok := urls[n]
		if !ok {
			return nil, types.NewInvalidInput("no upload URL for part %d", n)
		}
		out = append(out, driver.PartURL{PartNumber: n, URL: u, ExpiresAt: exp})
	}
	return out, nil
}

func (d *hfDriver) CompleteMultipart(ctx context.Context, key, uploadID string, parts []types.PartRecord) (*types.Entry, error) {
	st, err := decodeUploadID(uploadID)
	if err != nil {
		return nil, err
	}
	if st.CompletionURL != "" {
		doc := make([]map[string]any, 0, len(parts))
		for _, p := range parts {
			doc = append(doc, map[string]any{"partNumber": p.PartNumber, "etag": p.ETag})
		}
		if err := d.completeLFS(ctx, st.CompletionURL, st.OID, doc); err != nil {
			return nil, err
		}
	}
	if err := d.commitLFSFile(ctx, key, st.OID, st.Size, "upload "+key); err != nil {
		return nil, err
	}
	return d.Stat(ctx, key)
}

// AbortMultipart has nothing to tear down: unfinished LFS uploads
// expire upstream on their own.
func (d *hfDriver) AbortMultipart(ctx context.Context, key, uploadID string) error { return nil }
