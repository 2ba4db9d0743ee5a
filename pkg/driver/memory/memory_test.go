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

package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/driver/drivertest"
	"cloudpaste.org/pkg/types"
)

func newTestDriver(t *testing.T, cfg *types.StorageConfig) driver.Driver {
	t.Helper()
	if cfg == nil {
		cfg = &types.StorageConfig{ID: "mem-test", StorageType: "memory"}
	}
	d, err := driver.New(cfg)
	if err != nil {
		t.Fatalf("driver.New: %v", err)
	}
	return d
}

func TestDriverContract(t *testing.T) {
	drivertest.Test(t, func(t *testing.T) (driver.Driver, func()) {
		return newTestDriver(t, nil), nil
	})
}

func TestQuota(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t, &types.StorageConfig{
		ID:           "mem-quota",
		StorageType:  "memory",
		TotalStorage: 10,
	})
	if !d.Capabilities().FS.Quota {
		t.Fatal("quota capability not advertised with TotalStorage set")
	}
	if _, err := d.Write(ctx, "a.txt", strings.NewReader("12345"), driver.WriteOpts{Size: 5}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := d.Write(ctx, "b.txt", strings.NewReader("123456"), driver.WriteOpts{Size: 6}); !types.IsKind(err, types.KindQuotaExceeded) {
		t.Fatalf("over-quota write = %v, want QuotaExceeded", err)
	}
	// Overwriting within the budget is fine.
	if _, err := d.Write(ctx, "a.txt", strings.NewReader("1234567890"), driver.WriteOpts{Size: 10}); err != nil {
		t.Fatalf("overwrite to limit: %v", err)
	}
	q, err := d.(driver.Quotaer).Quota(ctx)
	if err != nil {
		t.Fatalf("Quota: %v", err)
	}
	if q.UsedBytes != 10 || q.FreeBytes != 0 {
		t.Errorf("quota = %+v, want used 10 free 0", q)
	}
}

func TestPresignParam(t *testing.T) {
	ctx := context.Background()
	plain := newTestDriver(t, nil)
	if plain.Capabilities().FS.PresignedSingle {
		t.Error("presign advertised without the param")
	}
	if _, err := plain.(driver.Presigner).PresignPut(ctx, "k", driver.PresignOpts{}); err == nil {
		t.Error("PresignPut succeeded without the param")
	}

	d := newTestDriver(t, &types.StorageConfig{
		ID:          "mem-presign",
		StorageType: "memory",
		Params:      map[string]any{"presign": true, "url_ttl_sec": 60},
	})
	if !d.Capabilities().FS.PresignedSingle {
		t.Fatal("presign param did not enable the capability")
	}
	put, err := d.(driver.Presigner).PresignPut(ctx, "up.bin", driver.PresignOpts{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("PresignPut: %v", err)
	}
	if put.Method != "PUT" || put.URL == "" {
		t.Errorf("presigned put = %+v", put)
	}
	if until := time.Until(put.ExpiresAt); until <= 0 || until > time.Minute {
		t.Errorf("ExpiresAt %v not within the 60s TTL", put.ExpiresAt)
	}
}

func TestSignPartsTTL(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t, nil)
	up, err := d.(driver.Multiparter).InitMultipart(ctx, "s.bin", driver.InitOpts{Size: 3000, PartSize: 1024})
	if err != nil {
		t.Fatalf("InitMultipart: %v", err)
	}
	urls, err := d.(driver.PartSigner).SignParts(ctx, up.Key, up.UploadID, []int{2, 3})
	if err != nil {
		t.Fatalf("SignParts: %v", err)
	}
	if len(urls) != 2 || urls[0].PartNumber != 2 || urls[1].PartNumber != 3 {
		t.Errorf("SignParts = %+v", urls)
	}
	for _, u := range urls {
		if u.URL == "" || u.ExpiresAt.IsZero() {
			t.Errorf("unsigned part URL %+v", u)
		}
	}
	if _, err := d.(driver.PartSigner).SignParts(ctx, "s.bin", "bogus", []int{1}); !types.IsKind(err, types.KindSessionExpired) {
		t.Errorf("SignParts for unknown upload = %v, want SessionExpired", err)
	}
}
