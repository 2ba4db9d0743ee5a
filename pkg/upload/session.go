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

package upload

import (
	"sort"
	"sync"
	"time"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

// DefaultSessionTimeout is how long an upload session survives without
// any access before the sweeper reclaims it.
const DefaultSessionTimeout = time.Hour

// Policy is the multipart behavior contract the engine hands to
// clients at init, echoing the driver's capabilities.
type Policy struct {
	LedgerPolicy       driver.LedgerPolicy `json:"partsLedgerPolicy"`
	SigningMode        driver.SigningMode  `json:"signingMode,omitempty"`
	ServerCanList      bool                `json:"serverCanList"`
	MaxPartsPerRequest int                 `json:"maxPartsPerRequest,omitempty"`
	URLTTLSec          int                 `json:"urlTtlSec,omitempty"`
	Retry              driver.RetryPolicy  `json:"retryPolicy"`
}

// Session is one in-flight upload: the driver-side upload handle, the
// target binding, the parts ledger, and the resume bookkeeping.
type Session struct {
	FileID          string                   `json:"file_id"`
	Strategy        driver.MultipartStrategy `json:"strategy"`
	UploadID        string                   `json:"uploadId"`
	StorageKey      string                   `json:"storage_key"`
	TargetPath      string                   `json:"target_path"`
	MountID         string                   `json:"mount_id"`
	StorageConfigID string                   `json:"storage_config_id"`
	PartSize        int64                    `json:"part_size"`
	TotalSize       int64                    `json:"total_size"`
	TotalParts      int                      `json:"totalParts,omitempty"`
	ContentType     string                   `json:"contentType,omitempty"`
	SHA256          string                   `json:"sha256,omitempty"`
	SkipUpload      bool                     `json:"skipUpload,omitempty"`
	Policy          Policy                   `json:"policy"`
	Ref             *driver.SessionRef       `json:"session,omitempty"`
	Resumed         bool                     `json:"resumed,omitempty"`
	Paused          bool                     `json:"paused,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
	LastAccess      time.Time                `json:"last_access_at"`
	CreatedBy       string                   `json:"-"`

	ledger Ledger

	// done holds the finished entry when a single_session backend
	// acknowledged the final byte before Complete was called.
	done *types.Entry

	// cancel closes when the session is aborted, so relayed part
	// uploads in flight can stop.
	cancel    chan struct{}
	cancelOne sync.Once
}

// Cancelled returns a channel closed when the session is torn down.
func (s *Session) Cancelled() <-chan struct{} { return s.cancel }

func (s *Session) markCancelled() {
	s.cancelOne.Do(func() { close(s.cancel) })
}

// Sessions is the process-wide upload session map: TTL-swept, owned by
// the engine, never mutated from outside this package.
type Sessions struct {
	timeout time.Duration

	mu   sync.Mutex
	m    map[string]*Session
	done chan struct{}
	once sync.Once
}

// NewSessions returns a session map sweeping idle sessions after
// timeout (0 means DefaultSessionTimeout).
func NewSessions(timeout time.Duration) *Sessions {
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	s := &Sessions{
		timeout: timeout,
		m:       make(map[string]*Session),
		done:    make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Close stops the sweeper and cancels every live session.
func (s *Sessions) Close() {
	s.once.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.m {
		sess.markCancelled()
		delete(s.m, id)
	}
}

func (s *Sessions) sweep() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-t.C:
			s.mu.Lock()
			for id, sess := range s.m {
				if now.Sub(sess.LastAccess) > s.timeout {
					sess.markCancelled()
					delete(s.m, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Sessions) put(sess *Session) {
	if sess.cancel == nil {
		sess.cancel = make(chan struct{})
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.LastAccess = now
	s.mu.Lock()
	s.m[sess.FileID] = sess
	s.mu.Unlock()
}

// Get returns the session and refreshes its access time.
func (s *Sessions) Get(fileID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[fileID]
	if ok {
		sess.LastAccess = time.Now()
	}
	return sess, ok
}

func (s *Sessions) remove(fileID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[fileID]
	if ok {
		delete(s.m, fileID)
	}
	return sess, ok
}

// List snapshots the live sessions for createdBy ("" lists all),
// newest first.
func (s *Sessions) List(createdBy string) []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.m))
	for _, sess := range s.m {
		if createdBy == "" || sess.CreatedBy == createdBy {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// SetPaused flips the session's pause flag. Paused sessions are kept
// alive by the sweep refresh that Get performs.
func (s *Sessions) SetPaused(fileID string, paused bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[fileID]
	if !ok {
		return false
	}
	sess.Paused = paused
	sess.LastAccess = time.Now()
	return true
}
