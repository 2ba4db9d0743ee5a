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

// Package drivertest exercises the common storage driver contract.
// Driver packages whose backends can run hermetically (memory,
// localdisk) call Test from their own tests.
package drivertest

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

// Test runs the contract tests against a fresh driver built by fn.
func Test(t *testing.T, fn func(t *testing.T) (d driver.Driver, cleanup func())) {
	d, cleanup := fn(t)
	defer func() {
		if cleanup != nil {
			cleanup()
		}
	}()
	ctx := context.Background()

	testEmptyRoot(t, ctx, d)
	testWriteStatRead(t, ctx, d)
	testRange(t, ctx, d)
	testListing(t, ctx, d)
	testMkdirDeleteConflicts(t, ctx, d)
	testRenameCopy(t, ctx, d)
	if _, ok := d.(driver.Multiparter); ok {
		testMultipartRelay(t, ctx, d)
	}
}

func write(t *testing.T, ctx context.Context, d driver.Driver, key, content string) string {
	t.Helper()
	etag, err := d.Write(ctx, key, strings.NewReader(content), driver.WriteOpts{
		Size:        int64(len(content)),
		ContentType: "text/plain",
	})
	if err != nil {
		t.Fatalf("Write(%q): %v", key, err)
	}
	return etag
}

func readAll(t *testing.T, ctx context.Context, d driver.Driver, key string) string {
	t.Helper()
	obj, err := d.Open(ctx, key, 0, -1)
	if err != nil {
		t.Fatalf("Open(%q): %v", key, err)
	}
	defer obj.Reader.Close()
	b, err := io.ReadAll(obj.Reader)
	if err != nil {
		t.Fatalf("reading %q: %v", key, err)
	}
	return string(b)
}

func testEmptyRoot(t *testing.T, ctx context.Context, d driver.Driver) {
	e, err := d.Stat(ctx, "")
	if err != nil {
		t.Fatalf("Stat root: %v", err)
	}
	if !e.IsDirectory {
		t.Errorf("root is not a directory: %+v", e)
	}
	lst, err := d.List(ctx, "", driver.ListOpts{})
	if err != nil {
		t.Fatalf("List root: %v", err)
	}
	if len(lst.Entries) != 0 {
		t.Errorf("fresh driver root has %d entries, want 0", len(lst.Entries))
	}
	if _, err := d.Stat(ctx, "no/such/thing"); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("Stat missing = %v, want NotFound", err)
	}
}

func testWriteStatRead(t *testing.T, ctx context.Context, d driver.Driver) {
	const content = "hello, gateway"
	etag := write(t, ctx, d, "docs/hello.txt", content)

	e, err := d.Stat(ctx, "docs/hello.txt")
	if err != nil {
		t.Fatalf("Stat after write: %v", err)
	}
	if e.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", e.Size, len(content))
	}
	if e.IsDirectory {
		t.Error("file statted as directory")
	}
	if etag != "" && e.ETag != etag {
		t.Errorf("Stat ETag = %q, Write returned %q", e.ETag, etag)
	}
	if got := readAll(t, ctx, d, "docs/hello.txt"); got != content {
		t.Errorf("read back %q, want %q", got, content)
	}

	// The parent directory should now exist implicitly or explicitly.
	pe, err := d.Stat(ctx, "docs")
	if err != nil {
		t.Fatalf("Stat parent dir: %v", err)
	}
	if !pe.IsDirectory {
		t.Error("parent is not a directory")
	}
}

func testRange(t *testing.T, ctx context.Context, d driver.Driver) {
	if !d.Capabilities().FS.Range {
		return
	}
	write(t, ctx, d, "range.bin", "0123456789")
	obj, err := d.Open(ctx, "range.bin", 2, 4)
	if err != nil {
		t.Fatalf("Open range: %v", err)
	}
	defer obj.Reader.Close()
	b, err := io.ReadAll(obj.Reader)
	if err != nil {
		t.Fatalf("reading range: %v", err)
	}
	if string(b) != "2345" {
		t.Errorf("range read = %q, want %q", b, "2345")
	}
	if obj.Size != 10 {
		t.Errorf("Size = %d, want full size 10", obj.Size)
	}
	if obj.ContentRange != "" && obj.ContentRange != "bytes 2-5/10" {
		t.Errorf("ContentRange = %q, want %q", obj.ContentRange, "bytes 2-5/10")
	}

	// Open past the end with negative length reads the tail.
	obj, err = d.Open(ctx, "range.bin", 7, -1)
	if err != nil {
		t.Fatalf("Open tail: %v", err)
	}
	defer obj.Reader.Close()
	if b, _ := io.ReadAll(obj.Reader); string(b) != "789" {
		t.Errorf("tail read = %q, want %q", b, "789")
	}
}

func testListing(t *testing.T, ctx context.Context, d driver.Driver) {
	for _, k := range []string{"list/b.txt", "list/a.txt", "list/sub/c.txt"} {
		write(t, ctx, d, k, "x")
	}
	lst, err := d.List(ctx, "list", driver.ListOpts{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var names []string
	var dirs int
	for _, e := range lst.Entries {
		names = append(names, e.Name)
		if e.IsDirectory {
			dirs++
		}
	}
	want := []string{"a.txt", "b.txt", "sub"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("List names = %v, want %v", names, want)
	}
	if dirs != 1 {
		t.Errorf("List found %d directories, want 1", dirs)
	}

	// Paged listing walks the same set.
	var paged []string
	opts := driver.ListOpts{Limit: 2}
	for {
		lst, err := d.List(ctx, "list", opts)
		if err != nil {
			t.Fatalf("paged List: %v", err)
		}
		for _, e := range lst.Entries {
			paged = append(paged, e.Name)
		}
		if !lst.Truncated {
			break
		}
		if lst.NextCursor == "" {
			t.Fatal("truncated listing with empty NextCursor")
		}
		opts.Cursor = lst.NextCursor
	}
	if strings.Join(paged, ",") != strings.Join(want, ",") {
		t.Errorf("paged names = %v, want %v", paged, want)
	}

	if _, err := d.List(ctx, "list/missing", driver.ListOpts{}); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("List missing dir = %v, want NotFound", err)
	}
}

func testMkdirDeleteConflicts(t *testing.T, ctx context.Context, d driver.Driver) {
	if err := d.Mkdir(ctx, "made/empty"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	// Idempotent.
	if err := d.Mkdir(ctx, "made/empty"); err != nil {
		t.Errorf("Mkdir twice: %v", err)
	}
	e, err := d.Stat(ctx, "made/empty")
	if err != nil || !e.IsDirectory {
		t.Fatalf("Stat made dir: %v (entry %+v)", err, e)
	}

	write(t, ctx, d, "made/file.txt", "f")
	if err := d.Mkdir(ctx, "made/file.txt"); !types.IsKind(err, types.KindConflict) {
		t.Errorf("Mkdir over file = %v, want Conflict", err)
	}
	if err := d.Delete(ctx, "made", false); !types.IsKind(err, types.KindConflict) {
		t.Errorf("non-recursive delete of non-empty dir = %v, want Conflict", err)
	}
	if err := d.Delete(ctx, "made", true); err != nil {
		t.Fatalf("recursive delete: %v", err)
	}
	if _, err := d.Stat(ctx, "made/file.txt"); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("file survived recursive delete: %v", err)
	}
	if err := d.Delete(ctx, "made", true); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("delete of deleted dir = %v, want NotFound", err)
	}
}

func testRenameCopy(t *testing.T, ctx context.Context, d driver.Driver) {
	write(t, ctx, d, "mv/src.txt", "payload")
	if err := d.Rename(ctx, "mv/src.txt", "mv/dst.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := d.Stat(ctx, "mv/src.txt"); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("source survived rename: %v", err)
	}
	if got := readAll(t, ctx, d, "mv/dst.txt"); got != "payload" {
		t.Errorf("renamed content = %q", got)
	}

	if err := d.Copy(ctx, "mv/dst.txt", "mv/copy.txt"); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if got := readAll(t, ctx, d, "mv/dst.txt"); got != "payload" {
		t.Errorf("copy source content = %q", got)
	}
	if got := readAll(t, ctx, d, "mv/copy.txt"); got != "payload" {
		t.Errorf("copied content = %q", got)
	}

	// Directory rename carries children.
	write(t, ctx, d, "mvdir/a/deep.txt", "deep")
	if err := d.Rename(ctx, "mvdir", "mvdir2"); err != nil {
		t.Fatalf("dir Rename: %v", err)
	}
	if got := readAll(t, ctx, d, "mvdir2/a/deep.txt"); got != "deep" {
		t.Errorf("moved child content = %q", got)
	}
}

func testMultipartRelay(t *testing.T, ctx context.Context, d driver.Driver) {
	mp := d.(driver.Multiparter)
	pw, canRelay := d.(driver.PartWriter)
	if !canRelay {
		return
	}
	caps := d.Capabilities()
	if caps.Multipart == nil || caps.Multipart.Strategy != driver.PerPartURL {
		return
	}

	// Ask for small parts; drivers with a real minimum clamp back up.
	partSize := caps.Multipart.ClampPartSize(1024)
	piece := func(b byte, n int64) string { return strings.Repeat(string(b), int(n)) }
	// Two full parts and a half part.
	parts := []string{piece('a', partSize), piece('b', partSize), piece('c', partSize/2)}
	var total int64
	for _, p := range parts {
		total += int64(len(p))
	}

	up, err := mp.InitMultipart(ctx, "big.bin", driver.InitOpts{
		Size:        total,
		ContentType: "application/octet-stream",
		PartSize:    partSize,
	})
	if err != nil {
		t.Fatalf("InitMultipart: %v", err)
	}
	if up.PartSize != partSize {
		t.Errorf("PartSize = %d, want %d", up.PartSize, partSize)
	}
	if up.TotalParts != 3 {
		t.Errorf("TotalParts = %d, want 3", up.TotalParts)
	}

	var recorded []types.PartRecord
	for i, p := range parts {
		rec, err := pw.WritePart(ctx, up.Key, up.UploadID, i+1, strings.NewReader(p))
		if err != nil {
			t.Fatalf("WritePart %d: %v", i+1, err)
		}
		if rec.ETag == "" {
			t.Fatalf("WritePart %d returned empty ETag", i+1)
		}
		recorded = append(recorded, rec)
	}

	if pl, ok := d.(driver.PartLister); ok {
		listed, err := pl.ListParts(ctx, up.Key, up.UploadID)
		if err != nil {
			t.Fatalf("ListParts: %v", err)
		}
		if len(listed) != len(recorded) {
			t.Fatalf("ListParts returned %d parts, want %d", len(listed), len(recorded))
		}
		for i := range listed {
			if listed[i] != recorded[i] {
				t.Errorf("part %d: listed %+v, recorded %+v", i+1, listed[i], recorded[i])
			}
		}
	}

	entry, err := mp.CompleteMultipart(ctx, up.Key, up.UploadID, recorded)
	if err != nil {
		t.Fatalf("CompleteMultipart: %v", err)
	}
	if entry.Size != total {
		t.Errorf("completed size = %d, want %d", entry.Size, total)
	}
	got := readAll(t, ctx, d, "big.bin")
	if want := strings.Join(parts, ""); got != want {
		if len(got) == len(want) {
			t.Error("assembled content differs from uploaded parts")
		} else {
			t.Errorf("assembled %d bytes, want %d", len(got), len(want))
		}
	}

	// A second complete or an abort of the finished upload must not fail
	// the abort path.
	if err := mp.AbortMultipart(ctx, up.Key, up.UploadID); err != nil {
		t.Errorf("AbortMultipart after complete: %v", err)
	}

	// Aborted uploads cannot be completed.
	up2, err := mp.InitMultipart(ctx, "aborted.bin", driver.InitOpts{Size: partSize, PartSize: partSize})
	if err != nil {
		t.Fatalf("InitMultipart 2: %v", err)
	}
	if _, err := pw.WritePart(ctx, up2.Key, up2.UploadID, 1, bytes.NewReader([]byte(piece('z', partSize)))); err != nil {
		t.Fatalf("WritePart: %v", err)
	}
	if err := mp.AbortMultipart(ctx, up2.Key, up2.UploadID); err != nil {
		t.Fatalf("AbortMultipart: %v", err)
	}
	if _, err := mp.CompleteMultipart(ctx, up2.Key, up2.UploadID, nil); err == nil {
		t.Error("CompleteMultipart after abort succeeded")
	}
	if _, err := d.Stat(ctx, "aborted.bin"); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("aborted upload left an object: %v", err)
	}
}
