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

package sftp

import (
	"errors"
	"io"
	"os"
	"testing"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

func testConfig(params map[string]any) *types.StorageConfig {
	return &types.StorageConfig{
		ID:          "sftp-test",
		StorageType: "sftp",
		Params:      params,
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := driver.New(testConfig(map[string]any{
		"addr":               "host.example",
		"user":               "alice",
		"server_fingerprint": "insecure-skip-verify",
	})); err == nil {
		t.Error("config without any auth method should fail")
	}

	if _, err := driver.New(testConfig(map[string]any{
		"addr":               "host.example",
		"user":               "alice",
		"server_fingerprint": "insecure-skip-verify",
		"pass":               "a",
		"pass_file":          "/nonexistent",
	})); err == nil {
		t.Error("pass and pass_file together should fail")
	}

	d, err := driver.New(testConfig(map[string]any{
		"addr":               "host.example",
		"user":               "alice",
		"path":               "/srv/files",
		"server_fingerprint": "insecure-skip-verify",
		"pass":               "secret",
	}))
	if err != nil {
		t.Fatal(err)
	}
	sd := d.(*sftpDriver)
	if sd.addr != "host.example:22" {
		t.Errorf("addr = %q, want default port added", sd.addr)
	}
	if sd.root != "/srv/files" {
		t.Errorf("root = %q", sd.root)
	}
}

func TestDefaultFolderAppended(t *testing.T) {
	cfg := testConfig(map[string]any{
		"addr":               "host.example:2222",
		"user":               "alice",
		"path":               "/srv",
		"server_fingerprint": "insecure-skip-verify",
		"pass":               "secret",
	})
	cfg.DefaultFolder = "/team/docs/"
	d, err := driver.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got := d.(*sftpDriver).root; got != "/srv/team/docs" {
		t.Errorf("root = %q", got)
	}
}

func TestAbsRejectsEscapes(t *testing.T) {
	d := &sftpDriver{root: "/srv"}
	for _, key := range []string{"../etc", "a/../../b", "a//b", "./x", "a/."} {
		if _, err := d.abs(key); !types.IsKind(err, types.KindInvalidInput) {
			t.Errorf("abs(%q) should be rejected, got %v", key, err)
		}
	}
	if p, err := d.abs("a/b.txt"); err != nil || p != "/srv/a/b.txt" {
		t.Errorf("abs(a/b.txt) = %q, %v", p, err)
	}
	if p, err := d.abs(""); err != nil || p != "/srv" {
		t.Errorf("abs(\"\") = %q, %v", p, err)
	}
}

func TestPartFileNames(t *testing.T) {
	name := partFileName(7, "deadbeef")
	n, etag, ok := parsePartFile(name)
	if !ok || n != 7 || etag != "deadbeef" {
		t.Errorf("parsePartFile(%q) = %d, %q, %v", name, n, etag, ok)
	}
	for _, bad := range []string{"key", "part-", "part-x.etag", "part-0.etag", "part-3"} {
		if _, _, ok := parsePartFile(bad); ok {
			t.Errorf("parsePartFile(%q) should fail", bad)
		}
	}
}

func TestMapErr(t *testing.T) {
	if !types.IsKind(mapErr(os.ErrNotExist, "k"), types.KindNotFound) {
		t.Error("ErrNotExist should map to not found")
	}
	if !types.IsKind(mapErr(os.ErrPermission, "k"), types.KindPermissionDenied) {
		t.Error("ErrPermission should map to permission denied")
	}
	if !types.IsKind(mapErr(io.EOF, "k"), types.KindUpstreamTransient) {
		t.Error("EOF should read as a dropped connection")
	}
	if !types.IsKind(mapErr(errors.New("sftp: strange"), "k"), types.KindUpstreamFatal) {
		t.Error("unknown errors should be upstream fatal")
	}
}

func TestJoinSlash(t *testing.T) {
	cases := []struct {
		elems []string
		want  string
	}{
		{[]string{"/srv", "docs"}, "/srv/docs"},
		{[]string{".", "docs"}, "./docs"},
		{[]string{"srv/", "/docs/"}, "srv/docs"},
	}
	for _, c := range cases {
		if got := joinSlash(c.elems...); got != c.want {
			t.Errorf("joinSlash(%v) = %q, want %q", c.elems, got, c.want)
		}
	}
}

func TestTypeRegistered(t *testing.T) {
	caps, ok := driver.TypeCapabilities("sftp")
	if !ok {
		t.Fatal("sftp driver not registered")
	}
	if caps.FS.PresignedSingle || caps.Share.Presigned {
		t.Error("sftp cannot presign anything")
	}
	if !caps.FS.Multipart || !caps.Multipart.ServerCanList {
		t.Error("sftp should support relayed multipart with listable parts")
	}
}
