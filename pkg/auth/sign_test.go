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

package auth

import (
	"net/url"
	"strconv"
	"testing"
	"time"

	"cloudpaste.org/pkg/types"
)

var signNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestSignVerify(t *testing.T) {
	s := NewSigner("install-secret")
	exp := signNow.Add(5 * time.Minute).Unix()
	mac := s.Sign("GET", "/api/p/docs/a.pdf", exp)

	if err := s.Verify("GET", "/api/p/docs/a.pdf", exp, mac, signNow.Add(time.Minute)); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	if err := s.Verify("GET", "/api/p/docs/a.pdf", exp, mac, signNow.Add(10*time.Minute)); !types.IsKind(err, types.KindSignatureExpired) {
		t.Errorf("expired signature: err = %v; want SignatureExpired", err)
	}
	if err := s.Verify("GET", "/api/p/docs/b.pdf", exp, mac, signNow); !types.IsKind(err, types.KindPermissionDenied) {
		t.Errorf("signature for other path: err = %v; want PermissionDenied", err)
	}
	if err := s.Verify("DELETE", "/api/p/docs/a.pdf", exp, mac, signNow); !types.IsKind(err, types.KindPermissionDenied) {
		t.Errorf("signature for other method: err = %v; want PermissionDenied", err)
	}
	// Tampering with exp invalidates the MAC.
	if err := s.Verify("GET", "/api/p/docs/a.pdf", exp+3600, mac, signNow); !types.IsKind(err, types.KindPermissionDenied) {
		t.Errorf("tampered exp: err = %v; want PermissionDenied", err)
	}
	other := NewSigner("other-secret")
	if err := other.Verify("GET", "/api/p/docs/a.pdf", exp, mac, signNow); !types.IsKind(err, types.KindPermissionDenied) {
		t.Errorf("cross-install signature: err = %v; want PermissionDenied", err)
	}
}

func TestSignNoExpiry(t *testing.T) {
	s := NewSigner("install-secret")
	mac := s.Sign("GET", "/api/p/x", 0)
	// Far future still verifies when exp is 0.
	if err := s.Verify("GET", "/api/p/x", 0, mac, signNow.AddDate(10, 0, 0)); err != nil {
		t.Errorf("no-expiry signature rejected: %v", err)
	}
}

func TestSignedQuery(t *testing.T) {
	s := NewSigner("install-secret")
	q := s.SignedQuery("/api/p/a.txt", time.Minute, signNow)
	vals, err := url.ParseQuery(q)
	if err != nil {
		t.Fatalf("ParseQuery(%q): %v", q, err)
	}
	exp, err := strconv.ParseInt(vals.Get("exp"), 10, 64)
	if err != nil {
		t.Fatalf("exp param: %v", err)
	}
	if err := s.Verify("GET", "/api/p/a.txt", exp, vals.Get("sign"), signNow); err != nil {
		t.Errorf("round-trip verify: %v", err)
	}
}

func TestTicket(t *testing.T) {
	s := NewSigner("install-secret")
	tk := s.MintTicket("preview", "/docs/report.docx", signNow)

	if err := s.CheckTicket(tk, "preview", "/docs/report.docx", signNow.Add(30*time.Second)); err != nil {
		t.Errorf("valid ticket rejected: %v", err)
	}
	if err := s.CheckTicket(tk, "preview", "/docs/report.docx", signNow.Add(2*time.Minute)); !types.IsKind(err, types.KindSignatureExpired) {
		t.Errorf("expired ticket: err = %v; want SignatureExpired", err)
	}
	if err := s.CheckTicket(tk, "download", "/docs/report.docx", signNow); err == nil {
		t.Error("ticket accepted for wrong purpose")
	}
	if err := s.CheckTicket(tk, "preview", "/docs/other.docx", signNow); err == nil {
		t.Error("ticket accepted for wrong path")
	}
}

func TestPathToken(t *testing.T) {
	s := NewSigner("install-secret")
	tok := s.MintPathToken("/protected/album", time.Hour, signNow)

	prefix, err := s.CheckPathToken(tok, "/protected/album/img.jpg", signNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("valid path token rejected: %v", err)
	}
	if prefix != "/protected/album" {
		t.Errorf("prefix = %q; want /protected/album", prefix)
	}
	if _, err := s.CheckPathToken(tok, "/protected/other/img.jpg", signNow); err == nil {
		t.Error("token accepted outside its prefix")
	}
	if _, err := s.CheckPathToken(tok, "/protected/album/img.jpg", signNow.Add(2*time.Hour)); !types.IsKind(err, types.KindSignatureExpired) {
		t.Errorf("expired token: err = %v; want SignatureExpired", err)
	}
}
