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

package types

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"//", "/"},
		{"a/b", "/a/b"},
		{"/a/b/", "/a/b/"},
		{"/a//b", "/a/b"},
		{"\\a\\b", "/a/b"},
		{"/a/./b", "/a/b"},
		{"/a/../b", "/b"},
		{"/../..", "/"},
		{"/a/b/../../c/", "/c/"},
		{"/My Files/2024 报告.pdf", "/My Files/2024 报告.pdf"},
	}
	for _, tt := range tests {
		if got := NormalizePath(tt.in); got != tt.want {
			t.Errorf("NormalizePath(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestParentPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/", "/"},
		{"/a", "/"},
		{"/a/", "/"},
		{"/a/b.txt", "/a/"},
		{"/a/b/c/", "/a/b/"},
	}
	for _, tt := range tests {
		if got := ParentPath(tt.in); got != tt.want {
			t.Errorf("ParentPath(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestBaseName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/", ""},
		{"/a.txt", "a.txt"},
		{"/a/b/", "b"},
		{"/a/b/c.tar.gz", "c.tar.gz"},
	}
	for _, tt := range tests {
		if got := BaseName(tt.in); got != tt.want {
			t.Errorf("BaseName(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestPathInBasicPath(t *testing.T) {
	tests := []struct {
		path  string
		basic string
		want  bool
	}{
		{"/", "/", true},
		{"/anything", "/", true},
		{"/data", "/data", true},
		{"/data/", "/data", true},
		{"/data/x.txt", "/data", true},
		{"/database", "/data", false},
		{"/data2/x", "/data", false},
		{"/", "/data", false},
		{"/other/x", "/data", false},
	}
	for _, tt := range tests {
		if got := PathInBasicPath(tt.path, tt.basic); got != tt.want {
			t.Errorf("PathInBasicPath(%q, %q) = %v; want %v", tt.path, tt.basic, got, tt.want)
		}
	}
}

func TestPermissionHas(t *testing.T) {
	p := PermFileShare | PermMountView | PermMountUpload
	if !p.Has(PermMountView) {
		t.Error("Has(PermMountView) = false; want true")
	}
	if !p.Has(PermMountView | PermMountUpload) {
		t.Error("Has(view|upload) = false; want true")
	}
	if p.Has(PermMountDelete) {
		t.Error("Has(PermMountDelete) = true; want false")
	}
	if p.Has(PermMountView | PermMountDelete) {
		t.Error("Has(view|delete) = true; want false for partial match")
	}
}

func TestAPIKeyExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)
	earlier := now.Add(-time.Hour)

	k := APIKey{}
	if k.Expired(now) {
		t.Error("key without expiry reported expired")
	}
	k.ExpiresAt = &later
	if k.Expired(now) {
		t.Error("key expiring in the future reported expired")
	}
	k.ExpiresAt = &earlier
	if !k.Expired(now) {
		t.Error("key expired an hour ago not reported expired")
	}
}

func TestAPIKeyAllowsStorage(t *testing.T) {
	k := APIKey{}
	if !k.AllowsStorage("cfg-1") {
		t.Error("empty ACL should allow all storage configs")
	}
	k.StorageACL = []string{"cfg-1", "cfg-2"}
	if !k.AllowsStorage("cfg-2") {
		t.Error("listed config denied")
	}
	if k.AllowsStorage("cfg-3") {
		t.Error("unlisted config allowed")
	}
}

func TestShareRecordExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	s := ShareRecord{}
	if s.Expired(now) {
		t.Error("share with no limits reported expired")
	}
	s.ExpiresAt = &past
	if !s.Expired(now) {
		t.Error("time-expired share not reported expired")
	}
	s = ShareRecord{MaxViews: 3, Views: 3}
	if !s.Expired(now) {
		t.Error("view-exhausted share not reported expired")
	}
	s.Views = 2
	if s.Expired(now) {
		t.Error("share with views remaining reported expired")
	}
}

func TestErrorKind(t *testing.T) {
	err := NewNotFound("no such path %q", "/x")
	if got := KindOf(err); got != KindNotFound {
		t.Errorf("KindOf = %v; want KindNotFound", got)
	}
	if !IsKind(err, KindNotFound) {
		t.Error("IsKind(err, KindNotFound) = false")
	}
	if IsKind(err, KindConflict) {
		t.Error("IsKind(err, KindConflict) = true")
	}

	wrapped := &wrapErr{err}
	if got := KindOf(wrapped); got != KindNotFound {
		t.Errorf("KindOf(wrapped) = %v; want KindNotFound", got)
	}

	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Errorf("KindOf(plain) = %v; want KindInternal", got)
	}
}

type wrapErr struct{ err error }

func (w *wrapErr) Error() string { return "ctx: " + w.err.Error() }
func (w *wrapErr) Unwrap() error { return w.err }

func TestRetryable(t *testing.T) {
	if !Retryable(NewUpstreamTransient(nil, "503 from backend")) {
		t.Error("UpstreamTransient not retryable")
	}
	if !Retryable(NewSignatureExpired("presigned URL expired")) {
		t.Error("SignatureExpired not retryable")
	}
	if Retryable(NewUpstreamFatal(nil, "bucket gone")) {
		t.Error("UpstreamFatal reported retryable")
	}
	if Retryable(nil) {
		t.Error("nil error reported retryable")
	}
}
