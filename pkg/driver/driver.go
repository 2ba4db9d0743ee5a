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

// Package driver defines the storage driver contract: a capability-typed
// interface over heterogeneous backends (object stores, remote drives,
// messaging relays, local disk) plus a constructor registry.
//
// Drivers speak storage keys: slash-separated paths relative to the
// configured root of their backend, with no leading slash. "" names the
// root itself. Key-to-virtual-path translation is the mount router's
// job, never the driver's.
//
// The core Driver interface carries the operations every backend has
// some answer for, even if that answer is a typed failure. Everything
// else (pre-signing, multipart, native URLs, quota) is an optional
// interface discovered by type assertion, in the manner of
// database/sql's optional driver interfaces.
package driver // import "cloudpaste.org/pkg/driver"

import (
	"context"
	"io"
	"time"

	"cloudpaste.org/pkg/types"
)

// ListOpts bounds a directory listing.
type ListOpts struct {
	// Cursor resumes a truncated listing. Opaque to callers; only the
	// driver that produced it can interpret it.
	Cursor string
	// Limit caps the number of entries returned. 0 means the driver's
	// default page size.
	Limit int
}

// Listing is one page of directory entries.
type Listing struct {
	Entries    []types.Entry `json:"entries"`
	Truncated  bool          `json:"truncated,omitempty"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

// Object is an opened backend object. The caller must close Reader.
type Object struct {
	Reader      io.ReadCloser
	ContentType string
	// Size is the full object size, even when only a range was opened.
	Size int64
	ETag string
	// ContentRange is the satisfied byte range in HTTP Content-Range
	// form, set only when a range was applied.
	ContentRange string
	Modified     time.Time
}

// WriteOpts carries the metadata of an incoming object.
type WriteOpts struct {
	// Size is the object's byte length, or -1 when unknown (chunked
	// streams). Drivers that must know up front spill to a temp file.
	Size        int64
	ContentType string
}

// Driver is the mandatory surface of a storage backend. Operations a
// backend cannot perform return a typed error and are advertised as
// absent in Capabilities; callers decide up front, drivers enforce.
//
// All keys are root-relative per the package comment. Directory keys
// arrive without a trailing slash; whether a backend represents
// directories with marker objects is its own business.
type Driver interface {
	// Type returns the registered driver type, e.g. "s3".
	Type() string

	// Capabilities returns the descriptor for this configured instance.
	// It may refine the registered type-level descriptor (a public
	// bucket gains share.url) but never contradicts it structurally.
	Capabilities() Capabilities

	List(ctx context.Context, key string, opts ListOpts) (*Listing, error)

	// Stat returns the entry for key, or a NotFound error.
	Stat(ctx context.Context, key string) (*types.Entry, error)

	// Open opens the object for reading. offset/length follow the range
	// reader convention: length < 0 reads to the end, offset 0 with
	// negative length reads the whole object.
	Open(ctx context.Context, key string, offset, length int64) (*Object, error)

	// Write stores the object, overwriting any previous version. It
	// returns the backend's ETag when one exists.
	Write(ctx context.Context, key string, r io.Reader, opts WriteOpts) (etag string, err error)

	// Delete removes a file, or a directory when recursive is set.
	// Deleting a non-empty directory without recursive is a Conflict.
	Delete(ctx context.Context, key string, recursive bool) error

	// Mkdir creates a directory. Creating one that already exists is
	// not an error; creating one over a file is a Conflict.
	Mkdir(ctx context.Context, key string) error

	Rename(ctx context.Context, oldKey, newKey string) error
	Copy(ctx context.Context, srcKey, dstKey string) error
}

// PresignOpts parameterizes a single-object upload URL.
type PresignOpts struct {
	Size        int64
	ContentType string
	// SHA256 is the hex digest of the content, required by backends
	// with SHA256RequiredForPresign.
	SHA256 string
	// TTL bounds the URL's validity. 0 means the driver default.
	TTL time.Duration
}

// PresignedPut is a URL the client PUTs a whole object to.
type PresignedPut struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	SHA256  string            `json:"sha256,omitempty"`
	// SkipUpload is set when the backend already holds the content
	// (digest-addressed stores); the client skips the PUT and goes
	// straight to commit.
	SkipUpload bool      `json:"skipUpload,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
}

// Presigner mints direct single-PUT upload URLs.
type Presigner interface {
	PresignPut(ctx context.Context, key string, opts PresignOpts) (*PresignedPut, error)
}

// Committer finalizes an object after a client-side presigned PUT.
// Backends that register uploads out of band (digest stores, drives
// with commit APIs) implement it; for plain object stores commit is a
// verifying Stat. Implementations must tolerate being called twice.
type Committer interface {
	CommitPut(ctx context.Context, key string, etag string, size int64, contentType string) (*types.Entry, error)
}

// URLOpts parameterizes a direct download URL.
type URLOpts struct {
	// TTL bounds signed URL validity; ignored for public URLs. 0 means
	// the driver default.
	TTL time.Duration
	// Download forces an attachment disposition under Filename.
	Download bool
	Filename string
}

// URLSource produces a URL on the backing store itself from which a
// client can fetch the object without going through the gateway.
type URLSource interface {
	SourceURL(ctx context.Context, key string, opts URLOpts) (string, error)
}

// InitOpts parameterizes the start of a multipart upload.
type InitOpts struct {
	Size        int64
	ContentType string
	// PartSize is the caller's preference; the driver clamps it to its
	// bounds. 0 picks the default.
	PartSize int64
	// SHA256 is required by digest-addressed backends, ignored by the
	// rest.
	SHA256 string
}

// PartURL is one pre-signed part upload URL.
type PartURL struct {
	PartNumber int       `json:"partNumber"`
	URL        string    `json:"url"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
}

// SessionRef identifies a single_session backend upload session.
// NextExpectedRanges mirrors the backend's resume hint ("12345-").
type SessionRef struct {
	UploadURL          string   `json:"uploadUrl"`
	NextExpectedRanges []string `json:"nextExpectedRanges,omitempty"`
}

// MultipartUpload is the driver's answer to InitMultipart. Exactly one
// of URLs/Session is populated for uploads the client drives itself;
// both may be empty for relayed uploads where the gateway PUTs parts
// through the driver.
type MultipartUpload struct {
	Strategy MultipartStrategy `json:"strategy"`
	UploadID string            `json:"uploadId"`
	Key      string            `json:"key"`
	PartSize int64             `json:"partSize"`
	// TotalParts is derived from Size and PartSize when Size is known.
	TotalParts int `json:"totalParts,omitempty"`
	// URLs carries eagerly signed part URLs for per_part_url drivers
	// with SigningMode eager.
	URLs []PartURL `json:"presignedUrls,omitempty"`
	// Session is set for single_session drivers.
	Session *SessionRef `json:"session,omitempty"`
	// SkipUpload mirrors PresignedPut.SkipUpload for digest stores.
	SkipUpload bool `json:"skipUpload,omitempty"`
}

// Multiparter runs backend multipart uploads.
type Multiparter interface {
	InitMultipart(ctx context.Context, key string, opts InitOpts) (*MultipartUpload, error)

	// CompleteMultipart assembles the uploaded parts into the final
	// object. For per_part_url drivers parts must be the contiguous
	// 1..N sequence with ETags; single_session drivers ignore parts.
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []types.PartRecord) (*types.Entry, error)

	// AbortMultipart discards an in-progress upload. Aborting an
	// unknown or already-finished upload is not an error.
	AbortMultipart(ctx context.Context, key, uploadID string) error
}

// PartSigner mints part URLs after init, for batched and on-demand
// signing modes and for re-signing expired URLs.
type PartSigner interface {
	SignParts(ctx context.Context, key, uploadID string, partNumbers []int) ([]PartURL, error)
}

// PartWriter accepts one part's bytes through the gateway, for
// per_part_url drivers whose backends the client cannot reach
// directly. The returned record carries the part's ETag.
type PartWriter interface {
	WritePart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader) (types.PartRecord, error)
}

// PartLister asks the backend which parts it has. Only meaningful for
// drivers whose ledger policy is server_can_list.
type PartLister interface {
	ListParts(ctx context.Context, key, uploadID string) ([]types.PartRecord, error)
}

// SessionProgress reports the state of a single_session upload after a
// chunk lands.
type SessionProgress struct {
	// Done is set once the backend acknowledged the final byte; Entry
	// is then the finished object.
	Done  bool
	Entry *types.Entry
	// NextExpectedRanges is the backend's updated resume hint.
	NextExpectedRanges []string
}

// SessionWriter relays one chunk of a single_session upload through
// the gateway. start and end are inclusive byte offsets within the
// object, total its final size. A NotFound from the session URL means
// the backend discarded the session; callers surface that as a fatal
// session-lost, never a retry.
type SessionWriter interface {
	WriteSessionRange(ctx context.Context, sess *SessionRef, start, end, total int64, r io.Reader) (*SessionProgress, error)
}

// QuotaInfo is a backend's space accounting. Total 0 means unlimited.
type QuotaInfo struct {
	TotalBytes int64 `json:"total"`
	UsedBytes  int64 `json:"used"`
	FreeBytes  int64 `json:"free"`
}

// Quotaer reports backend space usage.
type Quotaer interface {
	Quota(ctx context.Context) (*QuotaInfo, error)
}

// Unsupported is the error drivers return from operations their
// capabilities already advertise as absent.
func Unsupported(typ, op string) error {
	return types.NewInvalidInput("driver %s does not support %s", typ, op)
}

// TotalParts computes how many parts of partSize cover size bytes, 0
// when the size is unknown.
func TotalParts(size, partSize int64) int {
	if size < 0 || partSize <= 0 {
		return 0
	}
	if size == 0 {
		return 1
	}
	return int((size + partSize - 1) / partSize)
}

// PartRange returns the inclusive byte range of part n (1-based) in a
// single_session upload of the given total size.
func PartRange(n int, partSize, total int64) (start, end int64) {
	start = partSize * int64(n-1)
	end = start + partSize - 1
	if end > total-1 {
		end = total - 1
	}
	return start, end
}
