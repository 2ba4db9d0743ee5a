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

// Package httputil contains HTTP utility code shared by the gateway's
// handlers: the JSON response envelope, the error-to-status mapping,
// and panic-based parameter helpers for GET handlers.
package httputil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"

	"cloudpaste.org/pkg/types"
)

// Envelope is the uniform JSON body for every API response. Code
// mirrors the HTTP status so clients behind status-rewriting proxies
// can still branch on it.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Success bool   `json:"success"`
	Field   string `json:"field,omitempty"`
}

// IsGet reports whether r.Method is a GET or HEAD request.
func IsGet(r *http.Request) bool {
	return r.Method == "GET" || r.Method == "HEAD"
}

// ReturnJSON writes data wrapped in a success envelope with status 200.
func ReturnJSON(rw http.ResponseWriter, data any) {
	ReturnJSONCode(rw, http.StatusOK, data)
}

// ReturnJSONCode writes data wrapped in a success envelope with the
// given status code.
func ReturnJSONCode(rw http.ResponseWriter, code int, data any) {
	writeEnvelope(rw, Envelope{
		Code:    code,
		Message: "success",
		Data:    data,
		Success: true,
	})
}

func writeEnvelope(rw http.ResponseWriter, env Envelope) {
	js, err := json.Marshal(env)
	if err != nil {
		log.Printf("httputil: JSON serialization error: %v", err)
		http.Error(rw, "serialization error", http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.Header().Set("Content-Length", strconv.Itoa(len(js)+1))
	rw.WriteHeader(env.Code)
	rw.Write(js)
	rw.Write([]byte("\n"))
}

// StatusOf maps an error to the HTTP status it should be served with.
func StatusOf(err error) int {
	if c, ok := err.(httpCoder); ok {
		return c.HTTPCode()
	}
	switch types.KindOf(err) {
	case types.KindInvalidInput:
		return http.StatusBadRequest
	case types.KindUnauthenticated:
		return http.StatusUnauthorized
	case types.KindPermissionDenied, types.KindBasicPathDenied, types.KindReadOnly, types.KindSignatureExpired:
		return http.StatusForbidden
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindConflict:
		return http.StatusConflict
	case types.KindGone, types.KindSessionExpired:
		return http.StatusGone
	case types.KindQuotaExceeded:
		return http.StatusRequestEntityTooLarge
	case types.KindTooBusy:
		return http.StatusTooManyRequests
	case types.KindUpstreamTransient:
		return http.StatusBadGateway
	case types.KindUpstreamFatal:
		return http.StatusBadGateway
	case types.KindIndexNotReady:
		return http.StatusServiceUnavailable
	case types.KindCancelled:
		// Nginx's non-standard "client closed request".
		return 499
	}
	return http.StatusInternalServerError
}

// ServeError writes err as a failure envelope. Untyped errors are
// served as a bare 500 without the underlying message, so internal
// details never reach clients.
func ServeError(rw http.ResponseWriter, req *http.Request, err error) {
	code := StatusOf(err)
	env := Envelope{Code: code, Success: false}
	var te *types.Error
	switch {
	case errors.As(err, &te):
		env.Message = te.Error()
		env.Field = te.Field
	case code != http.StatusInternalServerError:
		env.Message = err.Error()
	default:
		env.Message = "internal server error"
		log.Printf("httputil: internal error on %s %s: %v", req.Method, req.URL.Path, err)
	}
	writeEnvelope(rw, env)
}

type httpCoder interface {
	HTTPCode() int
}

// An InvalidMethodError is returned when an HTTP handler is invoked
// with an unsupported method.
type InvalidMethodError struct{}

func (InvalidMethodError) Error() string { return "invalid method" }
func (InvalidMethodError) HTTPCode() int { return http.StatusMethodNotAllowed }

// A MissingParameterError represents a missing HTTP parameter.
// The underlying string is the missing parameter name.
type MissingParameterError string

func (p MissingParameterError) Error() string { return fmt.Sprintf("missing parameter %q", string(p)) }
func (MissingParameterError) HTTPCode() int   { return http.StatusBadRequest }

// An InvalidParameterError represents an invalid HTTP parameter.
// The underlying string is the invalid parameter name, not value.
type InvalidParameterError string

func (p InvalidParameterError) Error() string { return fmt.Sprintf("invalid parameter %q", string(p)) }
func (InvalidParameterError) HTTPCode() int   { return http.StatusBadRequest }

// Recover is meant to be used at the top of handlers with "defer"
// to catch errors from MustGet, etc:
//
//	func handler(rw http.ResponseWriter, req *http.Request) {
//	    defer httputil.Recover(rw, req)
//	    id := httputil.MustGet(req, "id")
//	    ...
//
// Recover sends the proper failure envelope for the recovered value
// (e.g. a 400 for MustGet) and re-panics on non-error values.
func Recover(rw http.ResponseWriter, req *http.Request) {
	e := recover()
	if e == nil {
		return
	}
	err, ok := e.(error)
	if !ok {
		panic(e)
	}
	ServeError(rw, req, err)
}

// MustGet returns a non-empty GET (or HEAD) parameter param and panics
// with a special error as caught by a deferred httputil.Recover.
func MustGet(req *http.Request, param string) string {
	if !IsGet(req) {
		panic(InvalidMethodError{})
	}
	v := req.FormValue(param)
	if v == "" {
		panic(MissingParameterError(param))
	}
	return v
}

// OptionalInt returns the integer in req given by param, or 0 if not
// present. A malformed value panics with an error understood by Recover.
func OptionalInt(req *http.Request, param string) int {
	v := req.FormValue(param)
	if v == "" {
		return 0
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		panic(InvalidParameterError(param))
	}
	return i
}

// OptionalBool returns the boolean in req given by param, or false if
// not present. Accepts strconv.ParseBool forms.
func OptionalBool(req *http.Request, param string) bool {
	v := req.FormValue(param)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		panic(InvalidParameterError(param))
	}
	return b
}

var bufPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// DecodeJSON decodes the JSON in res.Body into dest and then closes
// res.Body. It caps the JSON at 8 MB.
func DecodeJSON(res *http.Response, dest any) error {
	defer CloseBody(res.Body)
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)
	if err := json.NewDecoder(io.TeeReader(io.LimitReader(res.Body, 8<<20), buf)).Decode(dest); err != nil {
		return fmt.Errorf("httputil.DecodeJSON: %v, on input: %s", err, buf.Bytes())
	}
	return nil
}

// ReadReqBody decodes the request body as JSON into dest, capped at 8 MB.
// Returns a typed InvalidInput error for malformed bodies.
func ReadReqBody(req *http.Request, dest any) error {
	defer req.Body.Close()
	if err := json.NewDecoder(io.LimitReader(req.Body, 8<<20)).Decode(dest); err != nil {
		return types.NewInvalidInput("malformed JSON body: %v", err)
	}
	return nil
}

// IsWebsocketUpgrade reports whether req asks for a websocket upgrade.
func IsWebsocketUpgrade(req *http.Request) bool {
	return req.Method == "GET" && req.Header.Get("Upgrade") == "websocket"
}

// CloseBody closes rc, consuming a little bit of leftover data first
// so the underlying TCP connection can be reused by the transport.
func CloseBody(rc io.ReadCloser) {
	io.CopyN(io.Discard, rc, 16<<10)
	rc.Close()
}
