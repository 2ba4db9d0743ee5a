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
	"fmt"
)

// ErrKind classifies gateway errors so the HTTP layer can pick a status
// without string matching. Drivers translate backend failures into one
// of these before they leave the package.
type ErrKind int

const (
	KindInternal ErrKind = iota
	KindInvalidInput
	KindUnauthenticated
	KindPermissionDenied
	KindBasicPathDenied
	KindNotFound
	KindConflict
	KindGone
	KindQuotaExceeded
	KindReadOnly
	KindUpstreamTransient
	KindUpstreamFatal
	KindSessionExpired
	KindSignatureExpired
	KindIndexNotReady
	KindCancelled
	KindTooBusy
)

var kindStr = map[ErrKind]string{
	KindInternal:          "Internal",
	KindInvalidInput:      "InvalidInput",
	KindUnauthenticated:   "Unauthenticated",
	KindPermissionDenied:  "PermissionDenied",
	KindBasicPathDenied:   "BasicPathDenied",
	KindNotFound:          "NotFound",
	KindConflict:          "Conflict",
	KindGone:              "Gone",
	KindQuotaExceeded:     "QuotaExceeded",
	KindReadOnly:          "ReadOnly",
	KindUpstreamTransient: "UpstreamTransient",
	KindUpstreamFatal:     "UpstreamFatal",
	KindSessionExpired:    "SessionExpired",
	KindSignatureExpired:  "SignatureExpired",
	KindIndexNotReady:     "IndexNotReady",
	KindCancelled:         "Cancelled",
	KindTooBusy:           "TooBusy",
}

func (k ErrKind) String() string {
	if s, ok := kindStr[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrKind(%d)", int(k))
}

// Error is the gateway's typed error. Field optionally names the
// request field that failed validation.
type Error struct {
	Kind    ErrKind
	Message string
	Field   string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil && e.Message == "" {
		return e.Wrapped.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is lets errors.Is match on kind: errors.Is(err, &Error{Kind: k}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the classification of err, KindInternal for anything
// untyped.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k ErrKind) bool { return err != nil && KindOf(err) == k }

func newErr(k ErrKind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

func NewInvalidInput(format string, args ...any) *Error {
	return newErr(KindInvalidInput, format, args...)
}

func NewUnauthenticated(format string, args ...any) *Error {
	return newErr(KindUnauthenticated, format, args...)
}

func NewPermissionDenied(format string, args ...any) *Error {
	return newErr(KindPermissionDenied, format, args...)
}

func NewBasicPathDenied(format string, args ...any) *Error {
	return newErr(KindBasicPathDenied, format, args...)
}

func NewNotFound(format string, args ...any) *Error {
	return newErr(KindNotFound, format, args...)
}

func NewConflict(format string, args ...any) *Error {
	return newErr(KindConflict, format, args...)
}

func NewGone(format string, args ...any) *Error {
	return newErr(KindGone, format, args...)
}

func NewQuotaExceeded(format string, args ...any) *Error {
	return newErr(KindQuotaExceeded, format, args...)
}

func NewReadOnly(format string, args ...any) *Error {
	return newErr(KindReadOnly, format, args...)
}

func NewUpstreamTransient(err error, format string, args ...any) *Error {
	e := newErr(KindUpstreamTransient, format, args...)
	e.Wrapped = err
	return e
}

func NewUpstreamFatal(err error, format string, args ...any) *Error {
	e := newErr(KindUpstreamFatal, format, args...)
	e.Wrapped = err
	return e
}

func NewSessionExpired(format string, args ...any) *Error {
	return newErr(KindSessionExpired, format, args...)
}

func NewSignatureExpired(format string, args ...any) *Error {
	return newErr(KindSignatureExpired, format, args...)
}

func NewIndexNotReady(format string, args ...any) *Error {
	return newErr(KindIndexNotReady, format, args...)
}

func NewCancelled(format string, args ...any) *Error {
	return newErr(KindCancelled, format, args...)
}

func NewTooBusy(format string, args ...any) *Error {
	return newErr(KindTooBusy, format, args...)
}

func NewInternal(err error, format string, args ...any) *Error {
	e := newErr(KindInternal, format, args...)
	e.Wrapped = err
	return e
}

// WithField tags the error with the name of the offending field.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// Retryable reports whether the operation that produced err may be
// retried without operator intervention.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstreamTransient, KindSignatureExpired:
		return true
	}
	return false
}
