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

package localdisk

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/driver/drivertest"
	"cloudpaste.org/pkg/types"
)

func newTestDriver(t *testing.T) driver.Driver {
	t.Helper()
	d, err := driver.New(&types.StorageConfig{
		ID:          "local-test",
		StorageType: "local",
		Params:      map[string]any{"path": t.TempDir()},
	})
	if err != nil {
		t.Fatalf("driver.New: %v", err)
	}
	return d
}

func TestDriverContract(t *testing.T) {
	drivertest.Test(t, func(t *testing.T) (driver.Driver, func()) {
		return newTestDriver(t), nil
	})
}

func TestKeyEscapeRejected(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)
	for _, key := range []string{"../outside", "a/../../b", "a//b", "./x"} {
		if _, err := d.Stat(ctx, key); !types.IsKind(err, types.KindInvalidInput) {
			t.Errorf("Stat(%q) = %v, want InvalidInput", key, err)
		}
	}
}

func TestWriteIsAtomic(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)
	if _, err := d.Write(ctx, "f.txt", strings.NewReader("v1"), driver.WriteOpts{Size: 2}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// A failing writer must leave the previous content in place.
	if _, err := d.Write(ctx, "f.txt", failingReader{}, driver.WriteOpts{Size: -1}); err == nil {
		t.Fatal("Write with failing reader succeeded")
	}
	obj, err := d.Open(ctx, "f.txt", 0, -1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer obj.Reader.Close()
	buf := make([]byte, 8)
	n, _ := obj.Reader.Read(buf)
	if string(buf[:n]) != "v1" {
		t.Errorf("content after failed write = %q, want %q", buf[:n], "v1")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, os.ErrDeadlineExceeded }

func TestPartStagingHiddenFromListing(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)
	up, err := d.(driver.Multiparter).InitMultipart(ctx, "big.bin", driver.InitOpts{Size: 100, PartSize: 50})
	if err != nil {
		t.Fatalf("InitMultipart: %v", err)
	}
	lst, err := d.List(ctx, "", driver.ListOpts{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, e := range lst.Entries {
		if e.Name == uploadDir {
			t.Errorf("staging directory %q leaked into the listing", uploadDir)
		}
	}
	if err := d.(driver.Multiparter).AbortMultipart(ctx, up.Key, up.UploadID); err != nil {
		t.Fatalf("AbortMultipart: %v", err)
	}
}

func TestSweepUploads(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)
	dd := d.(*diskDriver)
	up, err := dd.InitMultipart(ctx, "old.bin", driver.InitOpts{Size: 10, PartSize: 10})
	if err != nil {
		t.Fatalf("InitMultipart: %v", err)
	}
	stale := dd.partDir(up.UploadID)
	old := time.Now().Add(-2 * uploadGCAge)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	if err := dd.SweepUploads(time.Now()); err != nil {
		t.Fatalf("SweepUploads: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale upload dir survived the sweep: %v", err)
	}
	// Sweeping with no staging dir at all is fine.
	if err := os.RemoveAll(filepath.Join(dd.root, uploadDir)); err != nil {
		t.Fatal(err)
	}
	if err := dd.SweepUploads(time.Now()); err != nil {
		t.Errorf("SweepUploads on empty root: %v", err)
	}
}
