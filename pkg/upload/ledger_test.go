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
	"testing"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

func TestMergeClientWins(t *testing.T) {
	l := newMemoryLedger()
	ctx := context.Background()
	l.Record(ctx, types.PartRecord{PartNumber: 1, ETag: "server1"})
	l.Record(ctx, types.PartRecord{PartNumber: 3, ETag: "server3"})

	merged := l.Merge([]types.PartRecord{
		{PartNumber: 1, ETag: "client1"},
		{PartNumber: 2, ETag: "client2"},
		{PartNumber: 0, ETag: "bogus"}, // part numbers start at 1
	})
	want := []types.PartRecord{
		{PartNumber: 1, ETag: "client1"},
		{PartNumber: 2, ETag: "client2"},
		{PartNumber: 3, ETag: "server3"},
	}
	if len(merged) != len(want) {
		t.Fatalf("merged = %+v, want %+v", merged, want)
	}
	for i := range want {
		if merged[i] != want[i] {
			t.Errorf("merged[%d] = %+v, want %+v", i, merged[i], want[i])
		}
	}
}

func TestMergeKeepsETagOverEmpty(t *testing.T) {
	l := newMemoryLedger()
	l.Record(context.Background(), types.PartRecord{PartNumber: 1, ETag: "e1"})
	merged := l.Merge([]types.PartRecord{{PartNumber: 1}})
	if merged[0].ETag != "e1" {
		t.Fatalf("client entry without etag overwrote %q", "e1")
	}
}

func TestPersistentLedgerRoundTrip(t *testing.T) {
	pdb, err := OpenPartsDB(t.TempDir())
	if err != nil {
		t.Fatalf("OpenPartsDB: %v", err)
	}
	defer pdb.Close()

	ctx := context.Background()
	l := pdb.Ledger("m1\x00big.bin")
	l.Record(ctx, types.PartRecord{PartNumber: 1, ETag: "e1", Size: 5 << 20})
	l.Flush()

	l2 := pdb.Ledger("m1\x00big.bin")
	if err := l2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !l2.Has(1) {
		t.Fatal("reloaded ledger is missing part 1")
	}

	if err := l2.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	l3 := pdb.Ledger("m1\x00big.bin")
	if err := l3.Load(ctx); err != nil {
		t.Fatalf("Load after Clear: %v", err)
	}
	if len(l3.Parts()) != 0 {
		t.Fatal("Clear did not remove the persisted entry")
	}
}

// fakePartStore is an in-memory PartStore for the server_records path.
type fakePartStore struct {
	rows map[string][]types.PartRecord
}

func (s *fakePartStore) RecordUploadPart(ctx context.Context, uploadID string, p types.PartRecord) error {
	s.rows[uploadID] = append(s.rows[uploadID], p)
	return nil
}

func (s *fakePartStore) UploadParts(ctx context.Context, uploadID string) ([]types.PartRecord, error) {
	return s.rows[uploadID], nil
}

func (s *fakePartStore) ClearUploadParts(ctx context.Context, uploadID string) error {
	delete(s.rows, uploadID)
	return nil
}

func TestDBLedgerJournals(t *testing.T) {
	db := &fakePartStore{rows: make(map[string][]types.PartRecord)}
	ctx := context.Background()

	l := newDBLedger(db, "file-1")
	l.Record(ctx, types.PartRecord{PartNumber: 1, Size: 1024})
	l.Record(ctx, types.PartRecord{PartNumber: 2, Size: 512})

	l2 := newDBLedger(db, "file-1")
	if err := l2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := len(l2.Parts()); got != 2 {
		t.Fatalf("reloaded %d parts, want 2", got)
	}

	if err := l2.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if len(db.rows) != 0 {
		t.Fatal("Clear left journal rows behind")
	}
}

func TestSessionPartRanges(t *testing.T) {
	// 7 MiB object in 5 MiB parts: the second range is short.
	const total = 7 << 20
	const partSize = 5 << 20

	start, end := driver.PartRange(1, partSize, total)
	if start != 0 || end != 5242879 {
		t.Errorf("part 1 range = %d-%d, want 0-5242879", start, end)
	}
	start, end = driver.PartRange(2, partSize, total)
	if start != 5242880 || end != 7340031 {
		t.Errorf("part 2 range = %d-%d, want 5242880-7340031", start, end)
	}
}
