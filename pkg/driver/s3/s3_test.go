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
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

func TestNormPrefix(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{"/", ""},
		{"backups", "backups/"},
		{"/a/b/", "a/b/"},
		{"a/b", "a/b/"},
	}
	for _, c := range cases {
		if got := normPrefix(c.in); got != c.want {
			t.Errorf("normPrefix(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestKeyMapping(t *testing.T) {
	d := &s3Driver{dirPrefix: "team/files/"}
	if got := d.fullKey("docs/a.txt"); got != "team/files/docs/a.txt" {
		t.Errorf("fullKey = %q", got)
	}
	if got := d.relKey("team/files/docs/a.txt"); got != "docs/a.txt" {
		t.Errorf("relKey = %q", got)
	}

	bare := &s3Driver{}
	if got := bare.fullKey("a.txt"); got != "a.txt" {
		t.Errorf("fullKey without prefix = %q", got)
	}
}

func TestEscapeCopySource(t *testing.T) {
	got := escapeCopySource("bucket/dir/héllo world.txt")
	if !strings.HasPrefix(got, "bucket/dir/") {
		t.Fatalf("slashes must stay literal: %q", got)
	}
	if strings.Contains(got, " ") {
		t.Errorf("space not escaped: %q", got)
	}
}

func TestMapErrKinds(t *testing.T) {
	cases := []struct {
		code string
		kind types.ErrKind
	}{
		{"NoSuchKey", types.KindNotFound},
		{"NotFound", types.KindNotFound},
		{"NoSuchBucket", types.KindNotFound},
		{"NoSuchUpload", types.KindSessionExpired},
		{"InvalidPart", types.KindInvalidInput},
		{"AccessDenied", types.KindPermissionDenied},
		{"SignatureDoesNotMatch", types.KindSignatureExpired},
		{"RequestCanceled", types.KindCancelled},
		{"SlowDown", types.KindUpstreamTransient},
		{"ServiceUnavailable", types.KindUpstreamTransient},
		{"SomethingNew", types.KindUpstreamFatal},
	}
	for _, c := range cases {
		err := mapErr(awserr.New(c.code, c.code, nil), "k")
		if !types.IsKind(err, c.kind) {
			t.Errorf("mapErr(%s) = %v, want kind %v", c.code, err, c.kind)
		}
	}
	if mapErr(nil, "k") != nil {
		t.Error("mapErr(nil) should be nil")
	}
	if !types.IsKind(mapErr(errors.New("plain"), "k"), types.KindUpstreamFatal) {
		t.Error("non-AWS errors should be upstream fatal")
	}
}

func TestContentDisposition(t *testing.T) {
	if got := contentDisposition(driver.URLOpts{}); got != "" {
		t.Errorf("empty opts should give no disposition, got %q", got)
	}
	got := contentDisposition(driver.URLOpts{Download: true, Filename: `re"port.pdf`})
	if !strings.HasPrefix(got, "attachment") {
		t.Errorf("download should be attachment: %q", got)
	}
	if strings.Contains(got, `re"port`) {
		t.Errorf("quote not sanitized: %q", got)
	}
	if !strings.Contains(got, "filename*=UTF-8''") {
		t.Errorf("missing RFC 5987 filename: %q", got)
	}
}

func TestSpoolSmallStaysInMemory(t *testing.T) {
	sp := newSpool()
	defer sp.Cleanup()
	payload := bytes.Repeat([]byte("x"), 1024)
	if _, err := io.Copy(sp, bytes.NewReader(payload)); err != nil {
		t.Fatal(err)
	}
	if sp.file != nil {
		t.Fatal("small payload should not hit disk")
	}
	rs, err := sp.ReadSeeker()
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(rs)
	if !bytes.Equal(got, payload) {
		t.Fatal("spooled bytes differ")
	}
}

func TestSpoolLargeSpillsToDisk(t *testing.T) {
	sp := newSpool()
	defer sp.Cleanup()
	payload := bytes.Repeat([]byte("abcdefgh"), (spoolMemMax/8)+16)
	if _, err := io.Copy(sp, bytes.NewReader(payload)); err != nil {
		t.Fatal(err)
	}
	if sp.file == nil {
		t.Fatal("payload over threshold should spill to a temp file")
	}
	rs, err := sp.ReadSeeker()
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(rs)
	if !bytes.Equal(got, payload) {
		t.Fatal("spilled bytes differ")
	}
	// Reading twice must work; the SDK rewinds on retry.
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	again, _ := io.ReadAll(rs)
	if !bytes.Equal(again, payload) {
		t.Fatal("second read differs")
	}
}

func TestTypeRegistered(t *testing.T) {
	caps, ok := driver.TypeCapabilities("s3")
	if !ok {
		t.Fatal("s3 driver not registered")
	}
	if !caps.FS.PresignedSingle || !caps.FS.Multipart {
		t.Error("s3 should support presigned uploads")
	}
	if caps.Multipart == nil || caps.Multipart.Strategy != driver.PerPartURL {
		t.Error("s3 multipart strategy should be per-part URLs")
	}
	if caps.Multipart.SigningMode != driver.SignBatched {
		t.Errorf("signing mode = %q", caps.Multipart.SigningMode)
	}
}
