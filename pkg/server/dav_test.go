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

package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"cloudpaste.org/pkg/store"
	"cloudpaste.org/pkg/types"
)

const lockBody = `<?xml version="1.0" encoding="utf-8"?>
<D:lockinfo xmlns:D="DAV:">
  <D:lockscope><D:exclusive/></D:lockscope>
  <D:locktype><D:write/></D:locktype>
  <D:owner>test-client</D:owner>
</D:lockinfo>`

func davReq(ts *testServer, method, url, body string, hdr map[string]string) *httptest.ResponseRecorder {
	var r *strings.Reader
	if body != "" {
		r = strings.NewReader(body)
	} else {
		r = strings.NewReader("")
	}
	req := httptest.NewRequest(method, url, r)
	req.SetBasicAuth("admin", testAdminPassword)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	return ts.do(req)
}

func TestDavRequiresAuth(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMount(t, "/files")

	req := httptest.NewRequest("PROPFIND", "/dav/files", strings.NewReader(""))
	req.Header.Set("Depth", "1")
	rec := ts.do(req)
	if rec.Code != 401 {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if h := rec.Header().Get("WWW-Authenticate"); !strings.Contains(h, "Basic") {
		t.Errorf("WWW-Authenticate = %q", h)
	}

	req = httptest.NewRequest("PROPFIND", "/dav/files", strings.NewReader(""))
	req.Header.Set("Depth", "1")
	req.SetBasicAuth("admin", "wrong")
	if rec := ts.do(req); rec.Code != 401 {
		t.Fatalf("bad password: status = %d, want 401", rec.Code)
	}
}

func TestDavPutGetPropfind(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMount(t, "/files")

	rec := davReq(ts, "PUT", "/dav/files/doc.txt", "dav content", nil)
	if rec.Code != 201 && rec.Code != 204 {
		t.Fatalf("PUT: status = %d, body %s", rec.Code, rec.Body)
	}

	rec = davReq(ts, "GET", "/dav/files/doc.txt", "", nil)
	if rec.Code != 200 {
		t.Fatalf("GET: status = %d, body %s", rec.Code, rec.Body)
	}
	if rec.Body.String() != "dav content" {
		t.Errorf("GET body = %q", rec.Body)
	}

	rec = davReq(ts, "PROPFIND", "/dav/files", "", map[string]string{"Depth": "1"})
	if rec.Code != 207 {
		t.Fatalf("PROPFIND: status = %d, body %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "doc.txt") {
		t.Errorf("PROPFIND body missing doc.txt: %s", rec.Body)
	}
}

func TestDavMkcolAndDelete(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMount(t, "/files")

	if rec := davReq(ts, "MKCOL", "/dav/files/sub", "", nil); rec.Code != 201 {
		t.Fatalf("MKCOL: status = %d, body %s", rec.Code, rec.Body)
	}
	if rec := davReq(ts, "PUT", "/dav/files/sub/a.txt", "x", nil); rec.Code != 201 && rec.Code != 204 {
		t.Fatalf("PUT: status = %d", rec.Code)
	}
	if rec := davReq(ts, "DELETE", "/dav/files/sub/a.txt", "", nil); rec.Code != 204 {
		t.Fatalf("DELETE: status = %d, body %s", rec.Code, rec.Body)
	}
	if rec := davReq(ts, "GET", "/dav/files/sub/a.txt", "", nil); rec.Code != 404 {
		t.Fatalf("GET after delete: status = %d, want 404", rec.Code)
	}
}

func TestDavDepthInfinityLimit(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMount(t, "/files")
	if err := ts.st.SetSetting(context.Background(), store.SettingWebDAVDepthLimit, "3"); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"a.txt", "b.txt"} {
		if rec := davReq(ts, "PUT", "/dav/files/deep/"+name, "x", nil); rec.Code != 201 && rec.Code != 204 {
			t.Fatalf("PUT %s: status = %d", name, rec.Code)
		}
	}

	// Three entries (the directory plus two files) fit the limit.
	rec := davReq(ts, "PROPFIND", "/dav/files", "", map[string]string{"Depth": "infinity"})
	if rec.Code != 207 {
		t.Fatalf("infinity within limit: status = %d, body %s", rec.Code, rec.Body)
	}

	if rec := davReq(ts, "PUT", "/dav/files/deep/c.txt", "x", nil); rec.Code != 201 && rec.Code != 204 {
		t.Fatalf("PUT c.txt: status = %d", rec.Code)
	}

	// A fourth entry tips the walk over the configured limit.
	rec = davReq(ts, "PROPFIND", "/dav/files", "", map[string]string{"Depth": "infinity"})
	if rec.Code != 403 {
		t.Fatalf("oversized infinity walk: status = %d, want 403", rec.Code)
	}

	// Bounded depths are unaffected.
	rec = davReq(ts, "PROPFIND", "/dav/files", "", map[string]string{"Depth": "1"})
	if rec.Code != 207 {
		t.Fatalf("depth 1: status = %d, body %s", rec.Code, rec.Body)
	}
}

func TestDavLockTokenGate(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMount(t, "/files")

	if rec := davReq(ts, "PUT", "/dav/files/locked.txt", "v1", nil); rec.Code != 201 && rec.Code != 204 {
		t.Fatalf("PUT: status = %d", rec.Code)
	}

	rec := davReq(ts, "LOCK", "/dav/files/locked.txt", lockBody, map[string]string{
		"Depth":   "0",
		"Timeout": "Second-600",
	})
	if rec.Code != 200 {
		t.Fatalf("LOCK: status = %d, body %s", rec.Code, rec.Body)
	}
	token := strings.Trim(rec.Header().Get("Lock-Token"), "<>")
	if !strings.HasPrefix(token, "opaquelocktoken:") {
		t.Fatalf("Lock-Token = %q", token)
	}

	// Writes without the token are refused, deletion included.
	if rec := davReq(ts, "PUT", "/dav/files/locked.txt", "v2", nil); rec.Code != 423 {
		t.Fatalf("PUT without token: status = %d, want 423", rec.Code)
	}
	if rec := davReq(ts, "DELETE", "/dav/files/locked.txt", "", nil); rec.Code != 423 {
		t.Fatalf("DELETE without token: status = %d, want 423", rec.Code)
	}

	// The holder gets through.
	rec = davReq(ts, "PUT", "/dav/files/locked.txt", "v2", map[string]string{
		"If": "(<" + token + ">)",
	})
	if rec.Code != 201 && rec.Code != 204 {
		t.Fatalf("PUT with token: status = %d, body %s", rec.Code, rec.Body)
	}

	rec = davReq(ts, "UNLOCK", "/dav/files/locked.txt", "", map[string]string{
		"Lock-Token": "<" + token + ">",
	})
	if rec.Code != 204 {
		t.Fatalf("UNLOCK: status = %d, body %s", rec.Code, rec.Body)
	}

	// Lock gone, writes flow again.
	if rec := davReq(ts, "PUT", "/dav/files/locked.txt", "v3", nil); rec.Code != 201 && rec.Code != 204 {
		t.Fatalf("PUT after unlock: status = %d", rec.Code)
	}
}

func TestDavReadOnlyKey(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMount(t, "/files")
	secret := ts.seedAPIKey(t, types.PermWebDAVRead)

	if rec := davReq(ts, "PUT", "/dav/files/seed.txt", "x", nil); rec.Code != 201 && rec.Code != 204 {
		t.Fatalf("seed PUT: status = %d", rec.Code)
	}

	req := httptest.NewRequest("PROPFIND", "/dav/files", strings.NewReader(""))
	req.Header.Set("Depth", "1")
	req.SetBasicAuth("key", secret)
	if rec := ts.do(req); rec.Code != 207 {
		t.Fatalf("PROPFIND with read key: status = %d, body %s", rec.Code, rec.Body)
	}

	req = httptest.NewRequest("PUT", "/dav/files/new.txt", strings.NewReader("y"))
	req.SetBasicAuth("key", secret)
	if rec := ts.do(req); rec.Code != 403 {
		t.Fatalf("PUT with read key: status = %d, want 403", rec.Code)
	}
}
