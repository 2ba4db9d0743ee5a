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

package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

// fakeDriver is a per_part_url backend that relays parts through the
// gateway and can list what it holds.
type fakeDriver struct {
	caps  driver.Capabilities
	parts map[int]types.PartRecord

	completed []types.PartRecord
	aborted   bool

	signCalls int
	signErr   error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		caps: driver.Capabilities{
			FS: driver.FSCaps{BackendStream: true, Multipart: true, Write: true, Stat: true},
			Multipart: &driver.MultipartCaps{
				Strategy:           driver.PerPartURL,
				PartsLedgerPolicy:  driver.LedgerServerCanList,
				SigningMode:        driver.SignBatched,
				ServerCanList:      true,
				MaxPartsPerRequest: 10,
				Retry:              driver.DefaultRetry(),
			},
		},
		parts: make(map[int]types.PartRecord),
	}
}

func (d *fakeDriver) Type() string                      { return "fake" }
func (d *fakeDriver) Capabilities() driver.Capabilities { return d.caps }

func (d *fakeDriver) List(ctx context.Context, key string, opts driver.ListOpts) (*driver.Listing, error) {
	return &driver.Listing{}, nil
}

func (d *fakeDriver) Stat(ctx context.Context, key string) (*types.Entry, error) {
	return &types.Entry{Name: types.BaseName(key), Key: key}, nil
}

func (d *fakeDriver) Open(ctx context.Context, key string, offset, length int64) (*driver.Object, error) {
	return nil, types.NewNotFound("no content")
}

func (d *fakeDriver) Write(ctx context.Context, key string, r io.Reader, opts driver.WriteOpts) (string, error) {
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("etag-%d", n), nil
}

func (d *fakeDriver) Delete(ctx context.Context, key string, recursive bool) error { return nil }
func (d *fakeDriver) Mkdir(ctx context.Context, key string) error                  { return nil }
func (d *fakeDriver) Rename(ctx context.Context, oldKey, newKey string) error      { return nil }
func (d *fakeDriver) Copy(ctx context.Context, srcKey, dstKey string) error        { return nil }

func (d *fakeDriver) InitMultipart(ctx context.Context, key string, opts driver.InitOpts) (*driver.MultipartUpload, error) {
	size := d.caps.Multipart.ClampPartSize(opts.PartSize)
	return &driver.MultipartUpload{
		Strategy:   driver.PerPartURL,
		UploadID:   "up-1",
		Key:        key,
		PartSize:   size,
		TotalParts: driver.TotalParts(opts.Size, size),
	}, nil
}

func (d *fakeDriver) WritePart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader) (types.PartRecord, error) {
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return types.PartRecord{}, err
	}
	rec := types.PartRecord{PartNumber: partNumber, ETag: fmt.Sprintf("e%d", partNumber), Size: n}
	d.parts[partNumber] = rec
	return rec, nil
}

func (d *fakeDriver) ListParts(ctx context.Context, key, uploadID string) ([]types.PartRecord, error) {
	out := make([]types.PartRecord, 0, len(d.parts))
	for _, p := range d.parts {
		out = append(out, p)
	}
	return types.SortParts(out), nil
}

func (d *fakeDriver) SignParts(ctx context.Context, key, uploadID string, nums []int) ([]driver.PartURL, error) {
	d.signCalls++
	if d.signErr != nil {
		return nil, d.signErr
	}
	urls := make([]driver.PartURL, len(nums))
	for i, n := range nums {
		urls[i] = driver.PartURL{PartNumber: n, URL: fmt.Sprintf("https://backend/%s/%d", uploadID, n)}
	}
	return urls, nil
}

func (d *fakeDriver) CompleteMultipart(ctx context.Context, key, uploadID string, parts []types.PartRecord) (*types.Entry, error) {
	d.completed = parts
	var size int64
	for _, p := range parts {
		size += p.Size
	}
	return &types.Entry{Name: types.BaseName(key), Key: key, Size: size}, nil
}

func (d *fakeDriver) AbortMultipart(ctx context.Context, key, uploadID string) error {
	d.aborted = true
	return nil
}

var (
	_ driver.Multiparter = (*fakeDriver)(nil)
	_ driver.PartWriter  = (*fakeDriver)(nil)
	_ driver.PartLister  = (*fakeDriver)(nil)
	_ driver.PartSigner  = (*fakeDriver)(nil)
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	sessions := NewSessions(0)
	t.Cleanup(sessions.Close)
	return NewEngine(sessions, nil, nil, NewBroker())
}

func TestChooseFallback(t *testing.T) {
	caps := driver.Capabilities{FS: driver.FSCaps{BackendStream: true, PresignedSingle: true}}
	tests := []struct {
		requested Strategy
		want      Strategy
	}{
		{StrategyMultipart, StrategyPresignedSingle},
		{StrategyPresignedSingle, StrategyPresignedSingle},
		{StrategyStream, StrategyStream},
		{"", StrategyPresignedSingle},
	}
	for _, tt := range tests {
		got, err := Choose(caps, tt.requested)
		if err != nil {
			t.Fatalf("Choose(%q): %v", tt.requested, err)
		}
		if got != tt.want {
			t.Errorf("Choose(%q) = %q, want %q", tt.requested, got, tt.want)
		}
	}
	if _, err := Choose(driver.Capabilities{}, StrategyForm); err == nil {
		t.Error("Choose on empty capabilities should fail")
	}
}

func TestMultipartEndToEnd(t *testing.T) {
	// 12.5 MiB in 5 MiB parts: 3 parts, the last one short.
	const size = 12*1024*1024 + 512*1024
	const partSize = 5 << 20

	e := newTestEngine(t)
	drv := newFakeDriver()
	ctx := context.Background()
	target := Target{MountID: "m1", StorageConfigID: "s1", Key: "docs/big.bin", Path: "/files/docs/big.bin"}

	res, err := e.Init(ctx, drv, target, InitReq{Size: size, PartSize: partSize, ContentType: "application/octet-stream"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if res.TotalParts != 3 {
		t.Fatalf("TotalParts = %d, want 3", res.TotalParts)
	}
	if res.Policy.LedgerPolicy != driver.LedgerServerCanList {
		t.Fatalf("ledger policy = %q, want server_can_list", res.Policy.LedgerPolicy)
	}

	remaining := int64(size)
	for pn := 1; pn <= 3; pn++ {
		n := int64(partSize)
		if remaining < n {
			n = remaining
		}
		remaining -= n
		rec, err := e.UploadPart(ctx, drv, res.FileID, pn, n, bytes.NewReader(make([]byte, n)))
		if err != nil {
			t.Fatalf("UploadPart %d: %v", pn, err)
		}
		if rec.ETag == "" {
			t.Fatalf("part %d has no etag", pn)
		}
	}

	entry, err := e.Complete(ctx, drv, res.FileID, []types.PartRecord{
		{PartNumber: 1, ETag: "e1"}, {PartNumber: 2, ETag: "e2"}, {PartNumber: 3, ETag: "e3"},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if entry == nil || entry.Size != size {
		t.Fatalf("entry = %+v, want size %d", entry, int64(size))
	}
	if len(drv.completed) != 3 {
		t.Fatalf("driver saw %d parts, want 3", len(drv.completed))
	}
	if _, ok := e.Sessions().Get(res.FileID); ok {
		t.Error("session still present after Complete")
	}
}

func TestCompleteRejectsGap(t *testing.T) {
	e := newTestEngine(t)
	drv := newFakeDriver()
	ctx := context.Background()

	res, err := e.Init(ctx, drv, Target{Key: "a.bin", Path: "/a.bin"}, InitReq{Size: 10 << 20, PartSize: 5 << 20})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	_, err = e.Complete(ctx, drv, res.FileID, []types.PartRecord{{PartNumber: 2, ETag: "e2"}})
	if !types.IsKind(err, types.KindInvalidInput) {
		t.Fatalf("Complete with missing part 1: err = %v, want InvalidInput", err)
	}
}

func TestSignPartsDedupAndReset(t *testing.T) {
	e := newTestEngine(t)
	drv := newFakeDriver()
	ctx := context.Background()

	res, err := e.Init(ctx, drv, Target{Key: "a.bin", Path: "/a.bin"}, InitReq{Size: 20 << 20, PartSize: 5 << 20})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	// Batched mode pre-signed the first window at init.
	if len(res.URLs) == 0 {
		t.Fatal("init returned no presigned window for batched signing")
	}

	sr, err := e.SignParts(ctx, drv, res.FileID, []int{3, 4})
	if err != nil {
		t.Fatalf("SignParts: %v", err)
	}
	if len(sr.URLs) != 2 || sr.URLs[0].PartNumber != 3 {
		t.Fatalf("SignParts urls = %+v", sr.URLs)
	}

	drv.signErr = types.NewSessionExpired("upload gone")
	sr, err = e.SignParts(ctx, drv, res.FileID, []int{5})
	if !types.IsKind(err, types.KindSessionExpired) {
		t.Fatalf("SignParts after backend reset: err = %v, want SessionExpired", err)
	}
	if sr == nil || !sr.ResetUploadedParts {
		t.Fatal("SignParts should flag resetUploadedParts on session loss")
	}
}

func TestClientKeepsResume(t *testing.T) {
	dir := t.TempDir()
	pdb, err := OpenPartsDB(dir)
	if err != nil {
		t.Fatalf("OpenPartsDB: %v", err)
	}
	defer pdb.Close()

	e := NewEngine(NewSessions(0), pdb, nil, NewBroker())
	defer e.Sessions().Close()
	drv := newFakeDriver()
	drv.caps.Multipart.PartsLedgerPolicy = driver.LedgerClientKeeps
	drv.caps.Multipart.ServerCanList = false
	ctx := context.Background()
	target := Target{MountID: "m1", Key: "big.tar", Path: "/big.tar"}

	res, err := e.Init(ctx, drv, target, InitReq{Size: 15 << 20, PartSize: 5 << 20})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if res.Resumed {
		t.Fatal("fresh upload reported as resumed")
	}
	if err := e.ReportParts(ctx, res.FileID, []types.PartRecord{
		{PartNumber: 1, ETag: "e1", Size: 5 << 20},
		{PartNumber: 2, ETag: "e2", Size: 5 << 20},
	}); err != nil {
		t.Fatalf("ReportParts: %v", err)
	}
	if sess, _ := e.Sessions().Get(res.FileID); sess != nil {
		sess.ledger.(*PersistentLedger).Flush()
	}

	// A second init for the same target finds the flushed ledger.
	res2, err := e.Init(ctx, drv, target, InitReq{Size: 15 << 20, PartSize: 5 << 20})
	if err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if !res2.Resumed {
		t.Fatal("second init did not resume")
	}
	if len(res2.RecordedParts) != 2 || res2.RecordedParts[0].ETag != "e1" {
		t.Fatalf("recorded parts = %+v", res2.RecordedParts)
	}
}

func TestAbortNeverRaises(t *testing.T) {
	e := newTestEngine(t)
	drv := newFakeDriver()
	ctx := context.Background()

	res, err := e.Init(ctx, drv, Target{Key: "x", Path: "/x"}, InitReq{Size: 1 << 20})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	e.Abort(ctx, drv, res.FileID)
	if !drv.aborted {
		t.Error("driver AbortMultipart not called")
	}
	if _, ok := e.Sessions().Get(res.FileID); ok {
		t.Error("session survived Abort")
	}
	// A second abort of an unknown session is a no-op.
	e.Abort(ctx, drv, res.FileID)
}

func TestResumeOffset(t *testing.T) {
	tests := []struct {
		ranges []string
		want   int64
	}{
		{nil, 0},
		{[]string{"0-"}, 0},
		{[]string{"5242880-"}, 5242880},
		{[]string{"100-199", "300-"}, 100},
		{[]string{"junk"}, 0},
	}
	for _, tt := range tests {
		if got := resumeOffset(tt.ranges); got != tt.want {
			t.Errorf("resumeOffset(%v) = %d, want %d", tt.ranges, got, tt.want)
		}
	}
}

func TestStreamPublishesProgress(t *testing.T) {
	e := newTestEngine(t)
	drv := newFakeDriver()
	ctx := context.Background()

	ch, cancel := e.Broker().Subscribe()
	defer cancel()

	body := strings.NewReader(strings.Repeat("x", 4096))
	entry, err := e.Stream(ctx, drv, Target{Key: "note.txt", Path: "/note.txt"}, body, driver.WriteOpts{Size: 4096, ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if entry == nil || entry.Path != "/note.txt" {
		t.Fatalf("entry = %+v", entry)
	}

	sawDone := false
	for len(ch) > 0 {
		if ev := <-ch; ev.Stage == "done" {
			sawDone = true
		}
	}
	if !sawDone {
		t.Error("no done event published")
	}
}
