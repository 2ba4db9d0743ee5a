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

package driver

import (
	"time"
)

// MultipartStrategy selects how the bytes of a multipart upload travel.
type MultipartStrategy string

const (
	// PerPartURL hands the client one pre-signed URL per part; the
	// backend returns an ETag for each PUT.
	PerPartURL MultipartStrategy = "per_part_url"
	// SingleSession opens one backend upload session; every part is PUT
	// to the same URL with a Content-Range header.
	SingleSession MultipartStrategy = "single_session"
)

// LedgerPolicy says who is authoritative for the set of uploaded parts.
type LedgerPolicy string

const (
	// LedgerServerCanList means the backend's ListParts is authoritative
	// and the gateway keeps parts in memory only.
	LedgerServerCanList LedgerPolicy = "server_can_list"
	// LedgerClientKeeps means the backend cannot list parts; the client
	// is authoritative and the gateway persists its reports by storage
	// key so an interrupted upload can resume.
	LedgerClientKeeps LedgerPolicy = "client_keeps"
	// LedgerServerRecords means the gateway records parts in its own
	// database table.
	LedgerServerRecords LedgerPolicy = "server_records"
)

// SigningMode says when part URLs are minted for per_part_url uploads.
type SigningMode string

const (
	// SignEager mints every part URL at init time.
	SignEager SigningMode = "eager"
	// SignBatched mints URLs in batches of MaxPartsPerRequest as the
	// client asks for them.
	SignBatched SigningMode = "batched"
	// SignOnDemand mints each URL individually when requested.
	SignOnDemand SigningMode = "on_demand"
)

// RetryPolicy bounds automatic retries of transient upstream failures.
type RetryPolicy struct {
	MaxAttempts   int `json:"maxAttempts"`
	BackoffBaseMs int `json:"backoffBaseMs"`
	BackoffCapMs  int `json:"backoffCapMs"`
}

// DefaultRetry is the policy drivers advertise unless the backend needs
// something different: three attempts, exponential backoff from 200ms,
// capped at 5s.
func DefaultRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BackoffBaseMs: 200, BackoffCapMs: 5000}
}

// Backoff returns the delay before the given retry attempt (the first
// retry is attempt 1).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := p.BackoffBaseMs
	if base <= 0 {
		base = 200
	}
	capMs := p.BackoffCapMs
	if capMs <= 0 {
		capMs = 5000
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= capMs {
			d = capMs
			break
		}
	}
	if d > capMs {
		d = capMs
	}
	return time.Duration(d) * time.Millisecond
}

// FSCaps are the filesystem-facing capabilities of a driver.
type FSCaps struct {
	BackendStream   bool `json:"backendStream"`
	BackendForm     bool `json:"backendForm"`
	PresignedSingle bool `json:"presignedSingle"`
	Multipart       bool `json:"multipart"`
	List            bool `json:"list"`
	Stat            bool `json:"stat"`
	Read            bool `json:"read"`
	Range           bool `json:"range"`
	Write           bool `json:"write"`
	Delete          bool `json:"delete"`
	Rename          bool `json:"rename"`
	Copy            bool `json:"copy"`
	Mkdir           bool `json:"mkdir"`
	Quota           bool `json:"quota"`
}

// ShareCaps are the share-upload and share-link capabilities.
type ShareCaps struct {
	BackendStream bool `json:"backendStream"`
	BackendForm   bool `json:"backendForm"`
	Presigned     bool `json:"presigned"`
	URL           bool `json:"url"`
}

// MultipartCaps describes a driver's multipart mechanics. Nil in
// Capabilities means multipart is not offered at all.
type MultipartCaps struct {
	Strategy           MultipartStrategy `json:"strategy"`
	PartsLedgerPolicy  LedgerPolicy      `json:"partsLedgerPolicy"`
	SigningMode        SigningMode       `json:"signingMode,omitempty"`
	ServerCanList      bool              `json:"serverCanList"`
	MaxPartsPerRequest int               `json:"maxPartsPerRequest,omitempty"`
	URLTTLSec          int               `json:"urlTtlSec,omitempty"`
	Retry              RetryPolicy       `json:"retryPolicy"`
	MinPartSize        int64             `json:"minPartSize,omitempty"`
	MaxPartSize        int64             `json:"maxPartSize,omitempty"`
}

// ClampPartSize folds a requested part size into the driver's bounds.
// Zero or negative requests get the 5 MiB default.
func (m *MultipartCaps) ClampPartSize(req int64) int64 {
	const def = 5 << 20
	size := req
	if size <= 0 {
		size = def
	}
	if m.MinPartSize > 0 && size < m.MinPartSize {
		size = m.MinPartSize
	}
	if m.MaxPartSize > 0 && size > m.MaxPartSize {
		size = m.MaxPartSize
	}
	return size
}

// Capabilities is the static descriptor a driver publishes. The admin
// API serves it verbatim so clients can pick upload modes without
// probing.
type Capabilities struct {
	FS        FSCaps         `json:"fs"`
	Share     ShareCaps      `json:"share"`
	Multipart *MultipartCaps `json:"multipart,omitempty"`

	// SHA256RequiredForPresign is set by backends that address content
	// by digest and cannot mint an upload URL without one.
	SHA256RequiredForPresign bool `json:"sha256RequiredForPresign,omitempty"`
}
