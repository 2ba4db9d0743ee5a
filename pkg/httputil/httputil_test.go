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

package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloudpaste.org/pkg/types"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{types.NewInvalidInput("bad"), 400},
		{types.NewUnauthenticated("who"), 401},
		{types.NewPermissionDenied("no"), 403},
		{types.NewBasicPathDenied("outside sandbox"), 403},
		{types.NewNotFound("missing"), 404},
		{types.NewConflict("exists"), 409},
		{types.NewGone("gone"), 410},
		{types.NewSessionExpired("upload session timed out"), 410},
		{types.NewQuotaExceeded("full"), 413},
		{types.NewTooBusy("queue full"), 429},
		{types.NewUpstreamTransient(nil, "backend 503"), 502},
		{types.NewIndexNotReady("still building"), 503},
		{types.NewCancelled("stopped"), 499},
		{types.NewInternal(nil, "boom"), 500},
		{errors.New("untyped"), 500},
		{MissingParameterError("path"), 400},
		{InvalidMethodError{}, 405},
		{fmt.Errorf("op: %w", types.NewNotFound("inner")), 404},
	}
	for _, tt := range tests {
		if got := StatusOf(tt.err); got != tt.want {
			t.Errorf("StatusOf(%v) = %d; want %d", tt.err, got, tt.want)
		}
	}
}

func TestReturnJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	ReturnJSON(rec, map[string]int{"n": 3})
	if rec.Code != 200 {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if !env.Success || env.Code != 200 || env.Message != "success" {
		t.Errorf("envelope = %+v; want success=true code=200", env)
	}
}

func TestServeErrorEnvelope(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/fs/list", nil)
	rec := httptest.NewRecorder()
	ServeError(rec, req, types.NewBasicPathDenied("path outside basic_path").WithField("path"))
	if rec.Code != 403 {
		t.Fatalf("status = %d; want 403", rec.Code)
	}
	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Success {
		t.Error("success = true on error response")
	}
	if env.Message != "path outside basic_path" {
		t.Errorf("message = %q", env.Message)
	}
	if env.Field != "path" {
		t.Errorf("field = %q; want \"path\"", env.Field)
	}
}

func TestServeErrorHidesInternal(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	ServeError(rec, req, errors.New("sql: connection refused at 10.0.0.3"))
	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Message != "internal server error" {
		t.Errorf("internal detail leaked: %q", env.Message)
	}
}

func TestMustGetRecover(t *testing.T) {
	h := func(rw http.ResponseWriter, req *http.Request) {
		defer Recover(rw, req)
		MustGet(req, "slug")
		rw.WriteHeader(200)
	}
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest("GET", "/api/share?slug=abc", nil))
	if rec.Code != 200 {
		t.Errorf("with param: status = %d; want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest("GET", "/api/share", nil))
	if rec.Code != 400 {
		t.Errorf("missing param: status = %d; want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest("POST", "/api/share?slug=abc", nil))
	if rec.Code != 405 {
		t.Errorf("wrong method: status = %d; want 405", rec.Code)
	}
}

func TestOptionalInt(t *testing.T) {
	req := httptest.NewRequest("GET", "/?limit=25", nil)
	if got := OptionalInt(req, "limit"); got != 25 {
		t.Errorf("OptionalInt = %d; want 25", got)
	}
	if got := OptionalInt(req, "offset"); got != 0 {
		t.Errorf("absent OptionalInt = %d; want 0", got)
	}
	defer func() {
		if recover() == nil {
			t.Error("malformed int did not panic")
		}
	}()
	OptionalInt(httptest.NewRequest("GET", "/?limit=abc", nil), "limit")
}
