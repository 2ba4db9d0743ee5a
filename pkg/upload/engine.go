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

// Package upload orchestrates file transfers into storage backends: it
// picks a write strategy from the driver's capabilities, runs the
// multipart sub-protocol (init, sign, relay, complete, abort) with the
// parts ledger the driver's policy calls for, and keeps the session
// table that makes interrupted uploads resumable.
package upload // import "cloudpaste.org/pkg/upload"

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

// Strategy is a chosen write path for one upload.
type Strategy string

const (
	StrategyMultipart       Strategy = "multipart"
	StrategyPresignedSingle Strategy = "presigned-single"
	StrategyStream          Strategy = "backend-stream"
	StrategyForm            Strategy = "backend-form"
)

// fallback is the order tried when the requested strategy is not
// supported by the driver.
var fallback = []Strategy{StrategyMultipart, StrategyPresignedSingle, StrategyStream, StrategyForm}

func supports(c driver.Capabilities, s Strategy) bool {
	switch s {
	case StrategyMultipart:
		return c.FS.Multipart && c.Multipart != nil
	case StrategyPresignedSingle:
		return c.FS.PresignedSingle
	case StrategyStream:
		return c.FS.BackendStream
	case StrategyForm:
		return c.FS.BackendForm
	}
	return false
}

// Choose intersects the requested strategy with the driver's
// capabilities, falling back multipart, presigned-single,
// backend-stream, backend-form. An empty request means "best
// available".
func Choose(c driver.Capabilities, requested Strategy) (Strategy, error) {
	if requested != "" && supports(c, requested) {
		return requested, nil
	}
	start := 0
	if requested != "" {
		for i, s := range fallback {
			if s == requested {
				start = i
				break
			}
		}
	}
	for _, s := range fallback[start:] {
		if supports(c, s) {
			return s, nil
		}
	}
	return "", types.NewInvalidInput("storage backend supports no upload strategy")
}

// Target binds an upload to its place in the virtual filesystem.
type Target struct {
	MountID         string
	StorageConfigID string
	// Key is the storage key under the mount.
	Key string
	// Path is the virtual path, for progress events and commit keys.
	Path string
}

// Engine runs uploads. One engine serves the whole process; it owns the
// session table and hands progress to the broker.
type Engine struct {
	sessions *Sessions
	// partsDB persists client_keeps ledgers; nil degrades them to
	// memory (resume then only survives within one process).
	partsDB *PartsDB
	// db journals server_records ledgers; nil degrades likewise.
	db     PartStore
	broker *Broker

	sign singleflight.Group

	commitMu sync.Mutex
	commits  map[string]*types.Entry
}

// NewEngine returns an engine. partsDB and db may be nil; the matching
// ledger policies then lose cross-restart resume but keep working.
func NewEngine(sessions *Sessions, partsDB *PartsDB, db PartStore, broker *Broker) *Engine {
	if sessions == nil {
		sessions = NewSessions(0)
	}
	if broker == nil {
		broker = NewBroker()
	}
	return &Engine{
		sessions: sessions,
		partsDB:  partsDB,
		db:       db,
		broker:   broker,
		commits:  make(map[string]*types.Entry),
	}
}

// Sessions exposes the session table, for the admin upload listing.
func (e *Engine) Sessions() *Sessions { return e.sessions }

// Broker exposes the progress broker, for the websocket handler.
func (e *Engine) Broker() *Broker { return e.broker }

func newFileID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

func policyOf(mc *driver.MultipartCaps) Policy {
	return Policy{
		LedgerPolicy:       mc.PartsLedgerPolicy,
		SigningMode:        mc.SigningMode,
		ServerCanList:      mc.ServerCanList,
		MaxPartsPerRequest: mc.MaxPartsPerRequest,
		URLTTLSec:          mc.URLTTLSec,
		Retry:              mc.Retry,
	}
}

// ledgerFor builds the ledger the driver's policy asks for. Policies
// whose persistence layer is absent degrade to memory.
func (e *Engine) ledgerFor(drv driver.Driver, sess *Session) Ledger {
	switch sess.Policy.LedgerPolicy {
	case driver.LedgerServerCanList:
		if pl, ok := drv.(driver.PartLister); ok {
			return newBackendLedger(pl, sess.StorageKey, sess.UploadID)
		}
		return newMemoryLedger()
	case driver.LedgerClientKeeps:
		if e.partsDB != nil {
			return e.partsDB.Ledger(sess.MountID + "\x00" + sess.StorageKey)
		}
		return newMemoryLedger()
	case driver.LedgerServerRecords:
		if e.db != nil {
			return newDBLedger(e.db, sess.FileID)
		}
		return newMemoryLedger()
	}
	return newMemoryLedger()
}

// InitReq parameterizes Init.
type InitReq struct {
	Size        int64
	ContentType string
	// PartSize is the client's preference; the driver clamps it.
	PartSize int64
	// SHA256 is required for digest-addressed backends.
	SHA256    string
	CreatedBy string
}

// InitResult is the multipart init answer handed to the client.
type InitResult struct {
	FileID     string                   `json:"file_id"`
	Strategy   driver.MultipartStrategy `json:"strategy"`
	UploadID   string                   `json:"uploadId"`
	Key        string                   `json:"key"`
	PartSize   int64                    `json:"partSize"`
	TotalParts int                      `json:"totalParts,omitempty"`
	URLs       []driver.PartURL         `json:"presignedUrls,omitempty"`
	Session    *driver.SessionRef       `json:"session,omitempty"`
	Policy     Policy                   `json:"policy"`
	SkipUpload bool                     `json:"skipUpload,omitempty"`
	// Resumed is set when an earlier ledger for the same target was
	// found; RecordedParts then carries what is already uploaded.
	Resumed       bool               `json:"resumed,omitempty"`
	RecordedParts []types.PartRecord `json:"recordedParts,omitempty"`
	ResumeOffset  int64              `json:"resumeOffset,omitempty"`
}

// Init starts a multipart upload on drv for target.
func (e *Engine) Init(ctx context.Context, drv driver.Driver, target Target, req InitReq) (*InitResult, error) {
	mp, ok := drv.(driver.Multiparter)
	caps := drv.Capabilities()
	if !ok || caps.Multipart == nil {
		return nil, types.NewInvalidInput("storage backend does not support multipart upload")
	}
	if caps.SHA256RequiredForPresign && req.SHA256 == "" {
		return nil, types.NewInvalidInput("sha256 is required for this storage backend").WithField("sha256")
	}

	up, err := mp.InitMultipart(ctx, target.Key, driver.InitOpts{
		Size:        req.Size,
		ContentType: req.ContentType,
		PartSize:    req.PartSize,
		SHA256:      req.SHA256,
	})
	if err != nil {
		return nil, err
	}

	sess := &Session{
		FileID:          newFileID(),
		Strategy:        up.Strategy,
		UploadID:        up.UploadID,
		StorageKey:      target.Key,
		TargetPath:      target.Path,
		MountID:         target.MountID,
		StorageConfigID: target.StorageConfigID,
		PartSize:        up.PartSize,
		TotalSize:       req.Size,
		TotalParts:      up.TotalParts,
		ContentType:     req.ContentType,
		SHA256:          req.SHA256,
		SkipUpload:      up.SkipUpload,
		Policy:          policyOf(caps.Multipart),
		Ref:             up.Session,
		CreatedBy:       req.CreatedBy,
		cancel:          make(chan struct{}),
	}
	sess.ledger = e.ledgerFor(drv, sess)
	if err := sess.ledger.Load(ctx); err != nil && !types.Retryable(err) {
		// A ledger that cannot load is only fatal when it is the
		// authority; for server_can_list a fresh upload has no parts
		// anyway.
		if sess.Policy.LedgerPolicy == driver.LedgerServerRecords {
			return nil, err
		}
	}

	res := &InitResult{
		FileID:     sess.FileID,
		Strategy:   sess.Strategy,
		UploadID:   sess.UploadID,
		Key:        up.Key,
		PartSize:   sess.PartSize,
		TotalParts: sess.TotalParts,
		URLs:       up.URLs,
		Session:    sess.Ref,
		Policy:     sess.Policy,
		SkipUpload: sess.SkipUpload,
	}
	if parts := sess.ledger.Parts(); len(parts) > 0 {
		sess.Resumed = true
		res.Resumed = true
		res.RecordedParts = parts
	}
	if sess.Ref != nil {
		res.ResumeOffset = resumeOffset(sess.Ref.NextExpectedRanges)
	}

	// Batched signing pre-signs the first window so the client can
	// start without a second round trip.
	if sess.Strategy == driver.PerPartURL && len(res.URLs) == 0 && sess.Policy.SigningMode == driver.SignBatched {
		if ps, ok := drv.(driver.PartSigner); ok {
			n := sess.Policy.MaxPartsPerRequest
			if n <= 0 {
				n = 1
			}
			if sess.TotalParts > 0 && n > sess.TotalParts {
				n = sess.TotalParts
			}
			nums := make([]int, 0, n)
			for i := 1; i <= n; i++ {
				nums = append(nums, i)
			}
			if urls, err := ps.SignParts(ctx, sess.StorageKey, sess.UploadID, nums); err == nil {
				res.URLs = urls
			}
		}
	}

	e.sessions.put(sess)
	return res, nil
}

// resumeOffset extracts the next byte offset from a backend resume hint
// like "12345-" or "12345-99999".
func resumeOffset(ranges []string) int64 {
	if len(ranges) == 0 {
		return 0
	}
	s := ranges[0]
	if i := strings.IndexByte(s, '-'); i >= 0 {
		s = s[:i]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// SignResult is the answer to a sign-parts request.
type SignResult struct {
	URLs   []driver.PartURL `json:"presignedUrls"`
	Policy Policy           `json:"policy"`
	// ResetUploadedParts tells the client its ledger is worthless: the
	// backend upload was reset and every part must be re-sent.
	ResetUploadedParts bool `json:"resetUploadedParts,omitempty"`
}

// SignParts mints part URLs for an open session. Concurrent requests
// for the same session and window share one driver call.
func (e *Engine) SignParts(ctx context.Context, drv driver.Driver, fileID string, partNumbers []int) (*SignResult, error) {
	sess, ok := e.sessions.Get(fileID)
	if !ok {
		return nil, types.NewSessionExpired("upload session %q not found", fileID)
	}
	ps, ok := drv.(driver.PartSigner)
	if !ok {
		return nil, types.NewInvalidInput("storage backend does not sign part URLs")
	}
	if len(partNumbers) == 0 {
		return nil, types.NewInvalidInput("no part numbers requested").WithField("partNumbers")
	}
	if max := sess.Policy.MaxPartsPerRequest; max > 0 && len(partNumbers) > max {
		partNumbers = partNumbers[:max]
	}

	key := fileID + signKey(partNumbers)
	v, err, _ := e.sign.Do(key, func() (any, error) {
		return ps.SignParts(ctx, sess.StorageKey, sess.UploadID, partNumbers)
	})
	if err != nil {
		if types.IsKind(err, types.KindSessionExpired) || types.IsKind(err, types.KindGone) {
			// The backend lost the upload; the recorded parts are gone
			// with it.
			sess.ledger.Clear(ctx)
			return &SignResult{Policy: sess.Policy, ResetUploadedParts: true},
				types.NewSessionExpired("upload session was reset, restart the upload")
		}
		return nil, err
	}
	return &SignResult{URLs: v.([]driver.PartURL), Policy: sess.Policy}, nil
}

func signKey(nums []int) string {
	var b strings.Builder
	for _, n := range nums {
		fmt.Fprintf(&b, ":%d", n)
	}
	return b.String()
}

// UploadPart relays one part's bytes through the gateway, for drivers
// whose backends the client cannot PUT to directly. Transient upstream
// failures retry per the driver's policy.
func (e *Engine) UploadPart(ctx context.Context, drv driver.Driver, fileID string, partNumber int, size int64, r io.Reader) (types.PartRecord, error) {
	sess, ok := e.sessions.Get(fileID)
	if !ok {
		return types.PartRecord{}, types.NewSessionExpired("upload session %q not found", fileID)
	}
	if partNumber < 1 {
		return types.PartRecord{}, types.NewInvalidInput("part number must be >= 1").WithField("partNumber")
	}
	select {
	case <-sess.Cancelled():
		return types.PartRecord{}, types.NewCancelled("upload was aborted")
	default:
	}

	base := sess.PartSize * int64(partNumber-1)
	cr := &countingReader{r: r, report: func(n int64) {
		e.broker.Publish(Event{
			FileID:     sess.FileID,
			Path:       sess.TargetPath,
			Stage:      "uploading",
			PartNumber: partNumber,
			BytesDone:  base + n,
			BytesTotal: sess.TotalSize,
		})
	}}

	var rec types.PartRecord
	var err error
	switch sess.Strategy {
	case driver.SingleSession:
		rec, err = e.writeSessionPart(ctx, drv, sess, partNumber, size, cr)
	default:
		pw, ok := drv.(driver.PartWriter)
		if !ok {
			return types.PartRecord{}, types.NewInvalidInput("storage backend does not relay part uploads")
		}
		rec, err = e.withRetry(ctx, sess, cr, func(body io.Reader) (types.PartRecord, error) {
			return pw.WritePart(ctx, sess.StorageKey, sess.UploadID, partNumber, body)
		})
	}
	if err != nil {
		e.broker.Publish(Event{FileID: sess.FileID, Path: sess.TargetPath, Stage: "failed", PartNumber: partNumber, Error: err.Error()})
		return types.PartRecord{}, err
	}
	if rec.Size == 0 {
		rec.Size = cr.n
	}
	if err := sess.ledger.Record(ctx, rec); err != nil {
		return types.PartRecord{}, err
	}
	return rec, nil
}

// withRetry re-runs a part write on transient failures, but only while
// the body has not been consumed: once bytes flowed, a retry would
// replay a half-read stream, so the error surfaces instead.
func (e *Engine) withRetry(ctx context.Context, sess *Session, cr *countingReader, f func(io.Reader) (types.PartRecord, error)) (types.PartRecord, error) {
	attempts := sess.Policy.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var rec types.PartRecord
	var err error
	for attempt := 1; ; attempt++ {
		before := cr.n
		rec, err = f(cr)
		if err == nil || attempt >= attempts || !types.Retryable(err) || cr.n != before {
			return rec, err
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-time.After(sess.Policy.Retry.Backoff(attempt)):
		}
	}
}

func (e *Engine) writeSessionPart(ctx context.Context, drv driver.Driver, sess *Session, partNumber int, size int64, r io.Reader) (types.PartRecord, error) {
	sw, ok := drv.(driver.SessionWriter)
	if !ok || sess.Ref == nil {
		return types.PartRecord{}, types.NewInvalidInput("no upload session is open for this file")
	}
	start, end := driver.PartRange(partNumber, sess.PartSize, sess.TotalSize)
	if size >= 0 && start+size-1 != end {
		return types.PartRecord{}, types.NewInvalidInput("part %d must be %d bytes", partNumber, end-start+1).WithField("size")
	}
	prog, err := sw.WriteSessionRange(ctx, sess.Ref, start, end, sess.TotalSize, r)
	if err != nil {
		return types.PartRecord{}, err
	}
	if len(prog.NextExpectedRanges) > 0 {
		sess.Ref.NextExpectedRanges = prog.NextExpectedRanges
	}
	if prog.Done {
		sess.done = prog.Entry
	}
	return types.PartRecord{PartNumber: partNumber, Size: end - start + 1}, nil
}

// ListResult is the resume answer: what the ledger knows, and whose
// ledger it is.
type ListResult struct {
	Parts  []types.PartRecord `json:"parts"`
	Policy Policy             `json:"policy"`
}

// ListParts returns the uploaded parts per the driver's ledger policy:
// the backend's list, the persisted client ledger, or the DB journal.
func (e *Engine) ListParts(ctx context.Context, drv driver.Driver, fileID string) (*ListResult, error) {
	sess, ok := e.sessions.Get(fileID)
	if !ok {
		return nil, types.NewSessionExpired("upload session %q not found", fileID)
	}
	if sess.Policy.LedgerPolicy == driver.LedgerServerCanList {
		if err := sess.ledger.Load(ctx); err != nil {
			return nil, err
		}
	}
	return &ListResult{Parts: sess.ledger.Parts(), Policy: sess.Policy}, nil
}

// ReportParts folds a client's kept ledger into the session, for
// client_keeps resumes.
func (e *Engine) ReportParts(ctx context.Context, fileID string, parts []types.PartRecord) error {
	sess, ok := e.sessions.Get(fileID)
	if !ok {
		return types.NewSessionExpired("upload session %q not found", fileID)
	}
	for _, p := range sess.ledger.Merge(parts) {
		if err := sess.ledger.Record(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Complete finishes a multipart upload: it merges the client's parts
// with the ledger, checks the sequence, asks the driver to assemble,
// then tears the session down.
func (e *Engine) Complete(ctx context.Context, drv driver.Driver, fileID string, clientParts []types.PartRecord) (*types.Entry, error) {
	sess, ok := e.sessions.Get(fileID)
	if !ok {
		return nil, types.NewSessionExpired("upload session %q not found", fileID)
	}
	mp, ok := drv.(driver.Multiparter)
	if !ok {
		return nil, types.NewInvalidInput("storage backend does not support multipart upload")
	}

	merged := sess.ledger.Merge(clientParts)
	if sess.Strategy == driver.PerPartURL && !sess.SkipUpload {
		if !types.ContiguousWithETags(merged, sess.TotalParts) {
			return nil, types.NewInvalidInput("parts are not the complete 1..%d sequence with etags", sess.TotalParts)
		}
	}

	e.broker.Publish(Event{FileID: sess.FileID, Path: sess.TargetPath, Stage: "completing", BytesDone: sess.TotalSize, BytesTotal: sess.TotalSize})
	entry, err := mp.CompleteMultipart(ctx, sess.StorageKey, sess.UploadID, merged)
	if err != nil {
		e.broker.Publish(Event{FileID: sess.FileID, Path: sess.TargetPath, Stage: "failed", Error: err.Error()})
		return nil, err
	}
	if entry == nil && sess.done != nil {
		entry = sess.done
	}

	sess.ledger.Clear(ctx)
	e.sessions.remove(fileID)
	sess.markCancelled()
	e.broker.Publish(Event{FileID: sess.FileID, Path: sess.TargetPath, Stage: "done", BytesDone: sess.TotalSize, BytesTotal: sess.TotalSize})
	return entry, nil
}

// Abort discards an upload: best effort all the way down, never
// returns an error.
func (e *Engine) Abort(ctx context.Context, drv driver.Driver, fileID string) {
	sess, ok := e.sessions.remove(fileID)
	if !ok {
		return
	}
	sess.markCancelled()
	if mp, ok := drv.(driver.Multiparter); ok {
		mp.AbortMultipart(ctx, sess.StorageKey, sess.UploadID)
	}
	sess.ledger.Clear(ctx)
	e.broker.Publish(Event{FileID: sess.FileID, Path: sess.TargetPath, Stage: "aborted"})
}

// PresignSingle mints a single-PUT upload URL.
func (e *Engine) PresignSingle(ctx context.Context, drv driver.Driver, target Target, opts driver.PresignOpts) (*driver.PresignedPut, error) {
	p, ok := drv.(driver.Presigner)
	if !ok {
		return nil, types.NewInvalidInput("storage backend does not presign uploads")
	}
	if drv.Capabilities().SHA256RequiredForPresign && opts.SHA256 == "" {
		return nil, types.NewInvalidInput("sha256 is required for this storage backend").WithField("sha256")
	}
	return p.PresignPut(ctx, target.Key, opts)
}

// CommitPresigned finalizes a client-side presigned PUT. Retried
// commits for the same target and content return the first result.
func (e *Engine) CommitPresigned(ctx context.Context, drv driver.Driver, target Target, etag, sha256 string, size int64, contentType string) (*types.Entry, error) {
	dedupe := sha256
	if dedupe == "" {
		dedupe = etag
	}
	key := target.Path + "\x00" + dedupe

	e.commitMu.Lock()
	if entry, ok := e.commits[key]; ok {
		e.commitMu.Unlock()
		return entry, nil
	}
	e.commitMu.Unlock()

	var entry *types.Entry
	var err error
	if c, ok := drv.(driver.Committer); ok {
		entry, err = c.CommitPut(ctx, target.Key, etag, size, contentType)
	} else {
		entry, err = drv.Stat(ctx, target.Key)
	}
	if err != nil {
		return nil, err
	}

	e.commitMu.Lock()
	e.commits[key] = entry
	if len(e.commits) > maxCommitCache {
		// The cache only has to cover client retry windows.
		e.commits = map[string]*types.Entry{key: entry}
	}
	e.commitMu.Unlock()
	return entry, nil
}

const maxCommitCache = 1024

// Stream relays a whole object through the gateway to the driver's
// write path, publishing progress as bytes flow.
func (e *Engine) Stream(ctx context.Context, drv driver.Driver, target Target, r io.Reader, opts driver.WriteOpts) (*types.Entry, error) {
	fileID := newFileID()
	cr := &countingReader{r: r, report: func(n int64) {
		e.broker.Publish(Event{FileID: fileID, Path: target.Path, Stage: "uploading", BytesDone: n, BytesTotal: opts.Size})
	}}
	etag, err := drv.Write(ctx, target.Key, cr, opts)
	if err != nil {
		e.broker.Publish(Event{FileID: fileID, Path: target.Path, Stage: "failed", Error: err.Error()})
		return nil, err
	}
	e.broker.Publish(Event{FileID: fileID, Path: target.Path, Stage: "done", BytesDone: cr.n, BytesTotal: cr.n})
	entry, err := drv.Stat(ctx, target.Key)
	if err != nil {
		// The write landed; synthesize the entry rather than failing
		// the upload on a flaky stat.
		entry = &types.Entry{
			Name:        types.BaseName(target.Path),
			Path:        target.Path,
			Size:        cr.n,
			ContentType: opts.ContentType,
			ETag:        etag,
			Modified:    time.Now(),
		}
	} else {
		entry.Path = target.Path
	}
	return entry, nil
}
