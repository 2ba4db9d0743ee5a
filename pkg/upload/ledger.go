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
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

// A Ledger tracks which parts of one multipart upload have landed.
// The three implementations correspond to the three ledger policies:
// backend-queried (server_can_list), persistent (client_keeps), and
// database-journaled (server_records).
type Ledger interface {
	// Load primes the ledger from its authority. Safe to call more
	// than once; later calls refresh.
	Load(ctx context.Context) error

	// Parts returns the recorded parts sorted by part number.
	Parts() []types.PartRecord

	// Has reports whether part n is recorded with a usable ETag.
	Has(n int) bool

	// Record notes one landed part, replacing any previous record for
	// the same number.
	Record(ctx context.Context, p types.PartRecord) error

	// Merge folds client-reported parts over the recorded ones and
	// returns the sorted union. Client entries win on conflict: for
	// client_keeps the client is authoritative, and for the rest a
	// client that saw an ETag the gateway missed is still right.
	Merge(incoming []types.PartRecord) []types.PartRecord

	// Clear discards the ledger, including any persistent state.
	Clear(ctx context.Context) error
}

// partSet is the in-memory core shared by every ledger.
type partSet struct {
	mu    sync.Mutex
	parts map[int]types.PartRecord
}

func newPartSet() *partSet {
	return &partSet{parts: make(map[int]types.PartRecord)}
}

func (s *partSet) Parts() []types.PartRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.PartRecord, 0, len(s.parts))
	for _, p := range s.parts {
		out = append(out, p)
	}
	return types.SortParts(out)
}

func (s *partSet) Has(n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[n]
	return ok && p.ETag != ""
}

func (s *partSet) put(p types.PartRecord) {
	s.mu.Lock()
	s.parts[p.PartNumber] = p
	s.mu.Unlock()
}

func (s *partSet) replaceAll(parts []types.PartRecord) {
	s.mu.Lock()
	s.parts = make(map[int]types.PartRecord, len(parts))
	for _, p := range parts {
		s.parts[p.PartNumber] = p
	}
	s.mu.Unlock()
}

func (s *partSet) Merge(incoming []types.PartRecord) []types.PartRecord {
	s.mu.Lock()
	merged := make(map[int]types.PartRecord, len(s.parts)+len(incoming))
	for n, p := range s.parts {
		merged[n] = p
	}
	s.mu.Unlock()
	for _, p := range incoming {
		if p.PartNumber < 1 {
			continue
		}
		if cur, ok := merged[p.PartNumber]; !ok || p.ETag != "" || cur.ETag == "" {
			merged[p.PartNumber] = p
		}
	}
	out := make([]types.PartRecord, 0, len(merged))
	for _, p := range merged {
		out = append(out, p)
	}
	return types.SortParts(out)
}

func (s *partSet) reset() {
	s.mu.Lock()
	s.parts = make(map[int]types.PartRecord)
	s.mu.Unlock()
}

// backendLedger implements server_can_list: memory only, refreshed
// from the driver's ListParts.
type backendLedger struct {
	*partSet
	drv      driver.PartLister
	key      string
	uploadID string
}

func newBackendLedger(drv driver.PartLister, key, uploadID string) *backendLedger {
	return &backendLedger{partSet: newPartSet(), drv: drv, key: key, uploadID: uploadID}
}

func (l *backendLedger) Load(ctx context.Context) error {
	parts, err := l.drv.ListParts(ctx, l.key, l.uploadID)
	if err != nil {
		return err
	}
	l.replaceAll(parts)
	return nil
}

func (l *backendLedger) Record(ctx context.Context, p types.PartRecord) error {
	l.put(p)
	return nil
}

func (l *backendLedger) Clear(ctx context.Context) error {
	l.reset()
	return nil
}

// memoryLedger is a backendLedger without a backend: used for relayed
// uploads on drivers that cannot list, and in tests.
type memoryLedger struct{ *partSet }

func newMemoryLedger() *memoryLedger { return &memoryLedger{newPartSet()} }

func (l *memoryLedger) Load(ctx context.Context) error                       { return nil }
func (l *memoryLedger) Record(ctx context.Context, p types.PartRecord) error { l.put(p); return nil }
func (l *memoryLedger) Clear(ctx context.Context) error                      { l.reset(); return nil }

// PartStore is the database journal behind server_records ledgers.
// *store.Store satisfies it.
type PartStore interface {
	RecordUploadPart(ctx context.Context, uploadID string, p types.PartRecord) error
	UploadParts(ctx context.Context, uploadID string) ([]types.PartRecord, error)
	ClearUploadParts(ctx context.Context, uploadID string) error
}

// dbLedger implements server_records: every part lands in the
// upload_parts table, so an interrupted single_session upload can
// resume after a restart.
type dbLedger struct {
	*partSet
	db       PartStore
	uploadID string
}

func newDBLedger(db PartStore, uploadID string) *dbLedger {
	return &dbLedger{partSet: newPartSet(), db: db, uploadID: uploadID}
}

func (l *dbLedger) Load(ctx context.Context) error {
	parts, err := l.db.UploadParts(ctx, l.uploadID)
	if err != nil {
		return err
	}
	l.replaceAll(parts)
	return nil
}

func (l *dbLedger) Record(ctx context.Context, p types.PartRecord) error {
	l.put(p)
	return l.db.RecordUploadPart(ctx, l.uploadID, p)
}

func (l *dbLedger) Clear(ctx context.Context) error {
	l.reset()
	return l.db.ClearUploadParts(ctx, l.uploadID)
}

// flushDebounce batches persistent-ledger writes: part records arrive
// in bursts, and one LevelDB write per burst is plenty.
const flushDebounce = 250 * time.Millisecond

// persistTTL is how long a client_keeps ledger survives without
// progress before the purge sweep reclaims it.
const persistTTL = 24 * time.Hour

// PartsDB is the LevelDB file backing client_keeps ledgers, keyed by
// storage key so a reload (or a new session for the same target)
// finds the earlier parts. One PartsDB serves the whole process.
type PartsDB struct {
	db *leveldb.DB

	mu      sync.Mutex
	pending map[string]*PersistentLedger // ledgers with unflushed state
}

// OpenPartsDB opens (creating if needed) the ledger database at dir.
func OpenPartsDB(dir string) (*PartsDB, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if ldberrors.IsCorrupted(err) {
		// The ledger is a resume optimization; recovering a corrupt
		// file beats refusing to start.
		db, err = leveldb.RecoverFile(dir, nil)
	}
	if err != nil {
		return nil, err
	}
	return &PartsDB{db: db, pending: make(map[string]*PersistentLedger)}, nil
}

// Close flushes pending ledgers and closes the database.
func (p *PartsDB) Close() error {
	p.mu.Lock()
	for _, l := range p.pending {
		l.flushLocked()
	}
	p.pending = make(map[string]*PersistentLedger)
	p.mu.Unlock()
	return p.db.Close()
}

type persistRecord struct {
	Parts       []types.PartRecord `json:"parts"`
	UpdatedAtMs int64              `json:"updatedAtMs"`
}

// Purge drops ledger entries older than persistTTL.
func (p *PartsDB) Purge(now time.Time) (int, error) {
	cutoff := now.Add(-persistTTL).UnixMilli()
	iter := p.db.NewIterator(&util.Range{}, nil)
	defer iter.Release()
	n := 0
	for iter.Next() {
		var rec persistRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil || rec.UpdatedAtMs < cutoff {
			if err := p.db.Delete(append([]byte(nil), iter.Key()...), nil); err == nil {
				n++
			}
		}
	}
	return n, iter.Error()
}

// Ledger returns the persistent ledger for storageKey.
func (p *PartsDB) Ledger(storageKey string) *PersistentLedger {
	return &PersistentLedger{partSet: newPartSet(), db: p, key: storageKey}
}

// PersistentLedger implements client_keeps: parts are journaled under
// the storage key with a debounced flush, so the client's view
// survives reloads and gateway restarts.
type PersistentLedger struct {
	*partSet
	db  *PartsDB
	key string

	flushMu sync.Mutex
	timer   *time.Timer
	dirty   bool
}

func (l *PersistentLedger) Load(ctx context.Context) error {
	raw, err := l.db.db.Get([]byte(l.key), nil)
	if err == leveldb.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	var rec persistRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		// Corrupt entry; start over rather than poisoning resume.
		return nil
	}
	l.replaceAll(rec.Parts)
	return nil
}

func (l *PersistentLedger) Record(ctx context.Context, p types.PartRecord) error {
	l.put(p)
	l.scheduleFlush()
	return nil
}

// ReplaceAll swaps the full parts list, for clients reporting their
// kept ledger wholesale.
func (l *PersistentLedger) ReplaceAll(parts []types.PartRecord) {
	l.replaceAll(parts)
	l.scheduleFlush()
}

func (l *PersistentLedger) scheduleFlush() {
	l.db.mu.Lock()
	l.db.pending[l.key] = l
	l.db.mu.Unlock()
	l.flushMu.Lock()
	defer l.flushMu.Unlock()
	l.dirty = true
	if l.timer == nil {
		l.timer = time.AfterFunc(flushDebounce, l.Flush)
	} else {
		l.timer.Reset(flushDebounce)
	}
}

// Flush writes the ledger out immediately.
func (l *PersistentLedger) Flush() {
	l.db.mu.Lock()
	delete(l.db.pending, l.key)
	l.db.mu.Unlock()
	l.flushMu.Lock()
	defer l.flushMu.Unlock()
	l.flushLocked()
}

func (l *PersistentLedger) flushLocked() {
	if !l.dirty {
		return
	}
	l.dirty = false
	rec := persistRecord{Parts: l.Parts(), UpdatedAtMs: time.Now().UnixMilli()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	l.db.db.Put([]byte(l.key), raw, nil)
}

func (l *PersistentLedger) Clear(ctx context.Context) error {
	l.db.mu.Lock()
	delete(l.db.pending, l.key)
	l.db.mu.Unlock()
	l.flushMu.Lock()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.dirty = false
	l.flushMu.Unlock()
	l.reset()
	return l.db.db.Delete([]byte(l.key), nil)
}
