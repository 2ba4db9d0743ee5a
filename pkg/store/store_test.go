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

package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"filippo.io/age/armor"

	"cloudpaste.org/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite:"+filepath.Join(t.TempDir(), "cloudpaste.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPlaceholderRewrite(t *testing.T) {
	s := &Store{flavor: flavorPostgres}
	got := s.ph(`SELECT a FROM t WHERE b = ? AND c = ?`)
	want := `SELECT a FROM t WHERE b = $1 AND c = $2`
	if got != want {
		t.Errorf("ph() = %q; want %q", got, want)
	}
	s.flavor = flavorSQLite
	q := `UPDATE t SET a = ? WHERE b = ?`
	if got := s.ph(q); got != q {
		t.Errorf("ph() rewrote sqlite query to %q", got)
	}
}

func TestMountCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &types.Mount{
		Name:            "docs",
		MountPath:       "/docs/",
		StorageConfigID: "cfg1",
		StorageType:     "s3",
		IsActive:        true,
		CacheTTLSeconds: 120,
		WebDAVPolicy:    types.WebDAV302,
	}
	if err := s.CreateMount(ctx, m); err != nil {
		t.Fatalf("CreateMount: %v", err)
	}
	if m.ID == "" {
		t.Fatal("CreateMount left ID empty")
	}
	if m.MountPath != "/docs" {
		t.Errorf("mount path = %q; want normalized /docs", m.MountPath)
	}

	got, err := s.Mount(ctx, m.ID)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if got.Name != "docs" || !got.IsActive || got.CacheTTLSeconds != 120 {
		t.Errorf("round-trip mount = %+v", got)
	}

	dup := &types.Mount{Name: "other", MountPath: "/docs", StorageConfigID: "cfg2", StorageType: "s3"}
	err = s.CreateMount(ctx, dup)
	if !types.IsKind(err, types.KindConflict) {
		t.Errorf("duplicate mount path error = %v; want Conflict", err)
	}

	sec := 600
	m.EnableSign = true
	m.SignExpiresSec = &sec
	if err := s.UpdateMount(ctx, m); err != nil {
		t.Fatalf("UpdateMount: %v", err)
	}
	got, err = s.Mount(ctx, m.ID)
	if err != nil {
		t.Fatalf("Mount after update: %v", err)
	}
	if !got.EnableSign || got.SignExpiresSec == nil || *got.SignExpiresSec != 600 {
		t.Errorf("updated mount = %+v", got)
	}

	if err := s.DeleteMount(ctx, m.ID); err != nil {
		t.Fatalf("DeleteMount: %v", err)
	}
	if _, err := s.Mount(ctx, m.ID); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("Mount after delete = %v; want NotFound", err)
	}
}

func TestStorageConfigDefaultFlip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &types.StorageConfig{Name: "a", StorageType: "s3", IsDefault: true}
	b := &types.StorageConfig{Name: "b", StorageType: "local", IsDefault: false}
	if err := s.CreateStorageConfig(ctx, a); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if err := s.CreateStorageConfig(ctx, b); err != nil {
		t.Fatalf("create b: %v", err)
	}

	def, err := s.DefaultStorageConfig(ctx)
	if err != nil {
		t.Fatalf("DefaultStorageConfig: %v", err)
	}
	if def.ID != a.ID {
		t.Errorf("default = %s; want %s", def.ID, a.ID)
	}

	b.IsDefault = true
	if err := s.UpdateStorageConfig(ctx, b); err != nil {
		t.Fatalf("update b: %v", err)
	}
	def, err = s.DefaultStorageConfig(ctx)
	if err != nil {
		t.Fatalf("DefaultStorageConfig after flip: %v", err)
	}
	if def.ID != b.ID {
		t.Errorf("default after flip = %s; want %s", def.ID, b.ID)
	}
	// The old default must have been cleared, not duplicated.
	a2, err := s.StorageConfig(ctx, a.ID)
	if err != nil {
		t.Fatalf("StorageConfig a: %v", err)
	}
	if a2.IsDefault {
		t.Error("old default still flagged after flip")
	}
}

func TestStorageConfigEncryption(t *testing.T) {
	s := newTestStore(t)
	s.CredSecret = "install-secret"
	ctx := context.Background()

	params := map[string]any{
		"endpoint":   "https://s3.example.com",
		"access_key": "AKIA123",
		"secret_key": "very-secret",
	}
	c := &types.StorageConfig{Name: "enc", StorageType: "s3", Params: params}
	if err := s.CreateStorageConfig(ctx, c); err != nil {
		t.Fatalf("CreateStorageConfig: %v", err)
	}

	var raw string
	if err := s.queryRow(ctx, `SELECT params FROM storage_configs WHERE id = ?`, c.ID).Scan(&raw); err != nil {
		t.Fatalf("reading raw params: %v", err)
	}
	if !strings.HasPrefix(raw, armor.Header) {
		t.Fatalf("stored params are not sealed: %q", raw[:min(len(raw), 40)])
	}
	if strings.Contains(raw, "very-secret") {
		t.Fatal("secret key visible in stored params")
	}

	got, err := s.StorageConfig(ctx, c.ID)
	if err != nil {
		t.Fatalf("StorageConfig: %v", err)
	}
	if !reflect.DeepEqual(got.Params, params) {
		t.Errorf("decrypted params = %v; want %v", got.Params, params)
	}

	// Rows written before a secret was configured stay readable.
	plain, _ := json.Marshal(map[string]any{"path": "/srv/data"})
	now := time.Now().Unix()
	if _, err := s.exec(ctx, `INSERT INTO storage_configs (`+storageCols+`)
 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		"legacy", "legacy", "local", "", string(plain), "", 0, 0, 0, now, now); err != nil {
		t.Fatalf("inserting legacy row: %v", err)
	}
	legacy, err := s.StorageConfig(ctx, "legacy")
	if err != nil {
		t.Fatalf("StorageConfig legacy: %v", err)
	}
	if legacy.Params["path"] != "/srv/data" {
		t.Errorf("legacy params = %v", legacy.Params)
	}
}

func TestStorageConfigDeleteReferenced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &types.StorageConfig{Name: "c", StorageType: "s3"}
	if err := s.CreateStorageConfig(ctx, c); err != nil {
		t.Fatalf("CreateStorageConfig: %v", err)
	}
	m := &types.Mount{Name: "m", MountPath: "/m", StorageConfigID: c.ID, StorageType: "s3"}
	if err := s.CreateMount(ctx, m); err != nil {
		t.Fatalf("CreateMount: %v", err)
	}

	if err := s.DeleteStorageConfig(ctx, c.ID); !types.IsKind(err, types.KindConflict) {
		t.Errorf("delete referenced config = %v; want Conflict", err)
	}
	if err := s.DeleteMount(ctx, m.ID); err != nil {
		t.Fatalf("DeleteMount: %v", err)
	}
	if err := s.DeleteStorageConfig(ctx, c.ID); err != nil {
		t.Errorf("delete unreferenced config: %v", err)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	k := &types.APIKey{
		Name:        "ci",
		Permissions: types.PermMountView | types.PermMountUpload,
		BasicPath:   "/ci",
		StorageACL:  []string{"cfg1", "cfg2"},
	}
	if err := s.CreateAPIKey(ctx, k); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if !strings.HasPrefix(k.Key, "cp_") {
		t.Errorf("generated secret = %q; want cp_ prefix", k.Key)
	}

	// Only a digest may hit the disk.
	var stored string
	if err := s.queryRow(ctx, `SELECT secret FROM api_keys WHERE id = ?`, k.ID).Scan(&stored); err != nil {
		t.Fatalf("reading stored secret: %v", err)
	}
	if stored == k.Key {
		t.Fatal("plaintext secret stored at rest")
	}
	if len(stored) != 64 {
		t.Errorf("stored digest length = %d; want 64 hex chars", len(stored))
	}

	got, err := s.APIKeyBySecret(ctx, k.Key)
	if err != nil {
		t.Fatalf("APIKeyBySecret: %v", err)
	}
	if got.ID != k.ID || got.Name != "ci" || got.BasicPath != "/ci" {
		t.Errorf("resolved key = %+v", got)
	}
	if !reflect.DeepEqual(got.StorageACL, []string{"cfg1", "cfg2"}) {
		t.Errorf("ACL = %v", got.StorageACL)
	}
	if _, err := s.APIKeyBySecret(ctx, stored); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("lookup by digest = %v; want NotFound", err)
	}

	when := time.Now().Add(-time.Minute).Truncate(time.Second)
	if err := s.TouchAPIKey(ctx, k.ID, when); err != nil {
		t.Fatalf("TouchAPIKey: %v", err)
	}
	got, err = s.APIKey(ctx, k.ID)
	if err != nil {
		t.Fatalf("APIKey: %v", err)
	}
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(when) {
		t.Errorf("LastUsedAt = %v; want %v", got.LastUsedAt, when)
	}

	got.Name = "ci-renamed"
	got.StorageACL = []string{"cfg2"}
	if err := s.UpdateAPIKey(ctx, got); err != nil {
		t.Fatalf("UpdateAPIKey: %v", err)
	}
	again, err := s.APIKey(ctx, k.ID)
	if err != nil {
		t.Fatalf("APIKey after update: %v", err)
	}
	if again.Name != "ci-renamed" || !reflect.DeepEqual(again.StorageACL, []string{"cfg2"}) {
		t.Errorf("updated key = %+v", again)
	}

	if err := s.DeleteAPIKey(ctx, k.ID); err != nil {
		t.Fatalf("DeleteAPIKey: %v", err)
	}
	if _, err := s.APIKeyBySecret(ctx, k.Key); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("lookup after delete = %v; want NotFound", err)
	}
}

func TestPasteViewExhaustion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	p := &types.Paste{Slug: "abc123", Content: "hello", MaxViews: 2}
	if err := s.CreatePaste(ctx, p); err != nil {
		t.Fatalf("CreatePaste: %v", err)
	}

	for i := 1; i <= 2; i++ {
		got, err := s.ConsumePasteView(ctx, "abc123", now)
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if got.Views != i {
			t.Errorf("views after consume %d = %d", i, got.Views)
		}
	}
	if _, err := s.ConsumePasteView(ctx, "abc123", now); !types.IsKind(err, types.KindGone) {
		t.Errorf("consume over budget = %v; want Gone", err)
	}
	if _, err := s.ConsumePasteView(ctx, "nope", now); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("consume missing = %v; want NotFound", err)
	}
}

func TestPasteExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	past := now.Add(-time.Hour)
	p := &types.Paste{Slug: "old", Content: "stale", ExpiresAt: &past}
	if err := s.CreatePaste(ctx, p); err != nil {
		t.Fatalf("CreatePaste: %v", err)
	}
	if _, err := s.ConsumePasteView(ctx, "old", now); !types.IsKind(err, types.KindGone) {
		t.Errorf("consume expired = %v; want Gone", err)
	}

	dup := &types.Paste{Slug: "old", Content: "again"}
	if err := s.CreatePaste(ctx, dup); !types.IsKind(err, types.KindConflict) {
		t.Errorf("duplicate slug = %v; want Conflict", err)
	}
}

func TestShareLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	r := &types.ShareRecord{
		Slug:            "f1",
		Kind:            types.ShareFile,
		Target:          "shares/f1/report.pdf",
		FileName:        "report.pdf",
		Size:            1024,
		ContentType:     "application/pdf",
		StorageConfigID: "cfg1",
		CreatedBy:       "key1",
	}
	if err := s.CreateShare(ctx, r); err != nil {
		t.Fatalf("CreateShare: %v", err)
	}
	other := &types.ShareRecord{Slug: "f2", Kind: types.ShareText, Target: "plain text", CreatedBy: "key2"}
	if err := s.CreateShare(ctx, other); err != nil {
		t.Fatalf("CreateShare other: %v", err)
	}

	got, err := s.ConsumeShareView(ctx, "f1", now)
	if err != nil {
		t.Fatalf("ConsumeShareView: %v", err)
	}
	if got.Views != 1 || got.Target != "shares/f1/report.pdf" {
		t.Errorf("consumed share = %+v", got)
	}

	mine, err := s.ListShares(ctx, "key1", 0, 0)
	if err != nil {
		t.Fatalf("ListShares: %v", err)
	}
	if len(mine) != 1 || mine[0].Slug != "f1" {
		t.Errorf("ListShares(key1) = %v", mine)
	}
	all, err := s.ListShares(ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("ListShares all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListShares(all) returned %d shares", len(all))
	}

	if err := s.DeleteShare(ctx, "f1"); err != nil {
		t.Fatalf("DeleteShare: %v", err)
	}
	if _, err := s.Share(ctx, "f1"); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("Share after delete = %v; want NotFound", err)
	}
}

func TestPurgeExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	for _, p := range []*types.Paste{
		{Slug: "dead", Content: "x", ExpiresAt: &past},
		{Slug: "alive", Content: "y", ExpiresAt: &future},
	} {
		if err := s.CreatePaste(ctx, p); err != nil {
			t.Fatalf("CreatePaste %s: %v", p.Slug, err)
		}
	}
	if err := s.CreateShare(ctx, &types.ShareRecord{
		Slug: "gone", Kind: types.ShareFile, Target: "k", StorageConfigID: "cfg", ExpiresAt: &past,
	}); err != nil {
		t.Fatalf("CreateShare: %v", err)
	}

	pastes, shares, err := s.PurgeExpired(ctx, now)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if !reflect.DeepEqual(pastes, []string{"dead"}) {
		t.Errorf("purged pastes = %v; want [dead]", pastes)
	}
	if len(shares) != 1 || shares[0].Slug != "gone" || shares[0].Target != "k" {
		t.Errorf("purged shares = %v", shares)
	}
	if _, err := s.Paste(ctx, "alive"); err != nil {
		t.Errorf("live paste purged: %v", err)
	}
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := &types.Job{Kind: "copy", CreatedBy: "key1", Payload: json.RawMessage(`{"items":[]}`)}
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if j.Status != types.JobPending || j.TriggerType != types.TriggerAPI {
		t.Errorf("created job defaults = %s/%s", j.Status, j.TriggerType)
	}

	started := time.Now().Truncate(time.Second)
	j.Status = types.JobRunning
	j.StartedAt = &started
	j.Stats = types.JobStats{TotalItems: 3, ProcessedItems: 1, SuccessCount: 1}
	if err := s.UpdateJob(ctx, j); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	if err := s.DeleteJob(ctx, j.ID); !types.IsKind(err, types.KindConflict) {
		t.Errorf("delete running job = %v; want Conflict", err)
	}

	if err := s.RequestJobCancel(ctx, j.ID); err != nil {
		t.Fatalf("RequestJobCancel: %v", err)
	}
	got, err := s.Job(ctx, j.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if !got.CancelRequested {
		t.Error("cancel flag not persisted")
	}
	if got.Stats.TotalItems != 3 || got.Stats.SuccessCount != 1 {
		t.Errorf("stats = %+v", got.Stats)
	}

	n, err := s.CountLiveJobs(ctx, "key1")
	if err != nil {
		t.Fatalf("CountLiveJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("live jobs = %d; want 1", n)
	}

	finished := time.Now().Truncate(time.Second)
	got.Status = types.JobCompleted
	got.FinishedAt = &finished
	if err := s.UpdateJob(ctx, got); err != nil {
		t.Fatalf("UpdateJob to completed: %v", err)
	}
	if n, _ := s.CountLiveJobs(ctx, "key1"); n != 0 {
		t.Errorf("live jobs after completion = %d", n)
	}
	if err := s.DeleteJob(ctx, j.ID); err != nil {
		t.Errorf("delete completed job: %v", err)
	}
}

func TestReapOrphanedJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	running := &types.Job{Kind: "copy", Status: types.JobRunning, CreatedBy: "u"}
	pending := &types.Job{Kind: "copy", Status: types.JobPending, CreatedBy: "u"}
	if err := s.CreateJob(ctx, running); err != nil {
		t.Fatalf("create running: %v", err)
	}
	if err := s.CreateJob(ctx, pending); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	n, err := s.ReapOrphanedJobs(ctx)
	if err != nil {
		t.Fatalf("ReapOrphanedJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("reaped %d jobs; want 1", n)
	}
	got, err := s.Job(ctx, running.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if got.Status != types.JobFailed || got.ErrorMessage != "worker lost" {
		t.Errorf("reaped job = %s %q", got.Status, got.ErrorMessage)
	}
	if got, _ := s.Job(ctx, pending.ID); got.Status != types.JobPending {
		t.Errorf("pending job touched by reap: %s", got.Status)
	}
}

func TestJobRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := &types.Job{Kind: "copy"}
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	for attempt := 1; attempt <= 2; attempt++ {
		r := &types.JobRun{JobID: j.ID, Attempt: attempt, Status: types.JobRunning}
		if err := s.CreateJobRun(ctx, r); err != nil {
			t.Fatalf("CreateJobRun %d: %v", attempt, err)
		}
		status := types.JobFailed
		if attempt == 2 {
			status = types.JobCompleted
		}
		if err := s.FinishJobRun(ctx, r.ID, status, "", time.Now()); err != nil {
			t.Fatalf("FinishJobRun %d: %v", attempt, err)
		}
	}

	runs, err := s.JobRuns(ctx, j.ID)
	if err != nil {
		t.Fatalf("JobRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].Attempt != 1 || runs[1].Attempt != 2 {
		t.Fatalf("runs = %v", runs)
	}
	if runs[0].Status != types.JobFailed || runs[1].Status != types.JobCompleted {
		t.Errorf("run statuses = %s, %s", runs[0].Status, runs[1].Status)
	}
}

func TestScheduledJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &types.ScheduledJob{
		Name:         "nightly-purge",
		HandlerID:    "purge_expired",
		ScheduleType: types.ScheduleCron,
		CronExpr:     "0 0 3 * * *",
		Enabled:      true,
	}
	if err := s.CreateScheduledJob(ctx, job); err != nil {
		t.Fatalf("CreateScheduledJob: %v", err)
	}

	next := time.Now().Add(time.Hour).Truncate(time.Second)
	job.NextRunAt = &next
	job.IntervalSec = 0
	if err := s.UpdateScheduledJob(ctx, job); err != nil {
		t.Fatalf("UpdateScheduledJob: %v", err)
	}

	got, err := s.ScheduledJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("ScheduledJob: %v", err)
	}
	if got.CronExpr != "0 0 3 * * *" || got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
		t.Errorf("round-trip = %+v", got)
	}

	run := &types.ScheduledRun{ScheduledJobID: job.ID, Status: "running", TriggeredBy: "tick"}
	if err := s.CreateScheduledRun(ctx, run); err != nil {
		t.Fatalf("CreateScheduledRun: %v", err)
	}
	if err := s.FinishScheduledRun(ctx, run.ID, "success", "", time.Now()); err != nil {
		t.Fatalf("FinishScheduledRun: %v", err)
	}
	runs, err := s.ScheduledRuns(ctx, job.ID, 0)
	if err != nil {
		t.Fatalf("ScheduledRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != "success" {
		t.Errorf("runs = %v", runs)
	}

	if err := s.DeleteScheduledJob(ctx, job.ID); err != nil {
		t.Fatalf("DeleteScheduledJob: %v", err)
	}
	if runs, _ := s.ScheduledRuns(ctx, job.ID, 0); len(runs) != 0 {
		t.Errorf("run history survived job deletion: %v", runs)
	}
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if v, err := s.Setting(ctx, SettingSiteTitle); err != nil || v != "" {
		t.Errorf("unset setting = %q, %v; want empty", v, err)
	}
	if err := s.SetSetting(ctx, SettingSiteTitle, "CloudPaste"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := s.SetSetting(ctx, SettingSiteTitle, "CloudPaste 2"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	if v, _ := s.Setting(ctx, SettingSiteTitle); v != "CloudPaste 2" {
		t.Errorf("setting = %q", v)
	}

	if err := s.SetSetting(ctx, SettingDefaultCacheTTL, "300"); err != nil {
		t.Fatalf("SetSetting int: %v", err)
	}
	if n, _ := s.SettingInt(ctx, SettingDefaultCacheTTL, 60); n != 300 {
		t.Errorf("SettingInt = %d; want 300", n)
	}
	if n, _ := s.SettingInt(ctx, SettingUploadSessionTTL, 3600); n != 3600 {
		t.Errorf("SettingInt default = %d; want 3600", n)
	}
	if err := s.SetSetting(ctx, SettingMaxUploadSize, "not-a-number"); err != nil {
		t.Fatalf("SetSetting malformed: %v", err)
	}
	if n, _ := s.SettingInt(ctx, SettingMaxUploadSize, 42); n != 42 {
		t.Errorf("malformed SettingInt = %d; want fallback 42", n)
	}

	all, err := s.AllSettings(ctx)
	if err != nil {
		t.Fatalf("AllSettings: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("AllSettings = %v", all)
	}
	if err := s.DeleteSetting(ctx, "never-set"); err != nil {
		t.Errorf("DeleteSetting missing key: %v", err)
	}
}

func TestFSMetaChain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, m := range []*types.DirectoryMeta{
		{Path: "/", HeaderMarkdown: "# root", HeaderInherit: true},
		{Path: "/docs/", PasswordHash: "sekrit", PasswordInherit: true},
		{Path: "/docs/private", HidePatterns: []string{"*.tmp"}},
	} {
		if err := s.UpsertFSMeta(ctx, m); err != nil {
			t.Fatalf("UpsertFSMeta %s: %v", m.Path, err)
		}
	}

	// Trailing slash and bare forms hit the same row.
	if m, err := s.FSMeta(ctx, "/docs"); err != nil || m.PasswordHash != "sekrit" {
		t.Errorf("FSMeta(/docs) = %+v, %v", m, err)
	}

	chain, err := s.FSMetaChain(ctx, "/docs/private/deep/file.txt")
	if err != nil {
		t.Fatalf("FSMetaChain: %v", err)
	}
	var paths []string
	for _, m := range chain {
		paths = append(paths, m.Path)
	}
	want := []string{"/", "/docs", "/docs/private"}
	if !reflect.DeepEqual(paths, want) {
		t.Errorf("chain = %v; want %v", paths, want)
	}
	if !reflect.DeepEqual(chain[2].HidePatterns, []string{"*.tmp"}) {
		t.Errorf("hide patterns = %v", chain[2].HidePatterns)
	}

	// Upsert replaces in place.
	if err := s.UpsertFSMeta(ctx, &types.DirectoryMeta{Path: "/docs", PasswordHash: "rotated"}); err != nil {
		t.Fatalf("UpsertFSMeta replace: %v", err)
	}
	if m, _ := s.FSMeta(ctx, "/docs"); m.PasswordHash != "rotated" {
		t.Errorf("replaced meta = %+v", m)
	}

	if err := s.DeleteFSMeta(ctx, "/docs/private/"); err != nil {
		t.Fatalf("DeleteFSMeta: %v", err)
	}
	if _, err := s.FSMeta(ctx, "/docs/private"); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("FSMeta after delete = %v; want NotFound", err)
	}
}

func TestUploadParts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := "upload-1"
	for _, p := range []types.PartRecord{
		{PartNumber: 2, ETag: "b", Size: 10},
		{PartNumber: 1, ETag: "a", Size: 10},
	} {
		if err := s.RecordUploadPart(ctx, id, p); err != nil {
			t.Fatalf("RecordUploadPart %d: %v", p.PartNumber, err)
		}
	}
	// Re-uploading part 1 replaces its record.
	if err := s.RecordUploadPart(ctx, id, types.PartRecord{PartNumber: 1, ETag: "a2", Size: 12}); err != nil {
		t.Fatalf("RecordUploadPart overwrite: %v", err)
	}

	parts, err := s.UploadParts(ctx, id)
	if err != nil {
		t.Fatalf("UploadParts: %v", err)
	}
	want := []types.PartRecord{{PartNumber: 1, ETag: "a2", Size: 12}, {PartNumber: 2, ETag: "b", Size: 10}}
	if !reflect.DeepEqual(parts, want) {
		t.Errorf("parts = %v; want %v", parts, want)
	}

	if err := s.ClearUploadParts(ctx, id); err != nil {
		t.Fatalf("ClearUploadParts: %v", err)
	}
	if parts, _ := s.UploadParts(ctx, id); len(parts) != 0 {
		t.Errorf("parts after clear = %v", parts)
	}
	if err := s.ClearUploadParts(ctx, id); err != nil {
		t.Errorf("ClearUploadParts twice: %v", err)
	}
}

func TestDavLocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	deep := &types.DavLock{
		Token: "urn:uuid:1", Root: "/docs", OwnerXML: "<D:owner/>",
		InfiniteDepth: true, ExpiresAt: now.Add(time.Hour),
	}
	leaf := &types.DavLock{Token: "urn:uuid:2", Root: "/docs/sub/file.txt", ExpiresAt: now.Add(time.Hour)}
	stale := &types.DavLock{Token: "urn:uuid:3", Root: "/docs/old.txt", ExpiresAt: now.Add(-time.Minute)}
	other := &types.DavLock{Token: "urn:uuid:4", Root: "/other", ExpiresAt: now.Add(time.Hour)}
	for _, l := range []*types.DavLock{deep, leaf, stale, other} {
		if err := s.CreateDavLock(ctx, l); err != nil {
			t.Fatalf("CreateDavLock %s: %v", l.Token, err)
		}
	}
	if err := s.CreateDavLock(ctx, deep); !types.IsKind(err, types.KindConflict) {
		t.Errorf("duplicate token = %v; want Conflict", err)
	}

	locks, err := s.DavLocksUnder(ctx, "/docs/sub", now)
	if err != nil {
		t.Fatalf("DavLocksUnder: %v", err)
	}
	tokens := map[string]bool{}
	for _, l := range locks {
		tokens[l.Token] = true
	}
	if !tokens["urn:uuid:1"] || !tokens["urn:uuid:2"] {
		t.Errorf("locks under /docs/sub = %v; want ancestor and leaf", tokens)
	}
	if tokens["urn:uuid:3"] || tokens["urn:uuid:4"] {
		t.Errorf("locks under /docs/sub = %v; stale or unrelated lock leaked", tokens)
	}

	refreshed, err := s.RefreshDavLock(ctx, "urn:uuid:2", now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("RefreshDavLock: %v", err)
	}
	if got := refreshed.ExpiresAt.Unix(); got != now.Add(2*time.Hour).Unix() {
		t.Errorf("refreshed expiry = %d", got)
	}

	n, err := s.PurgeExpiredDavLocks(ctx, now)
	if err != nil {
		t.Fatalf("PurgeExpiredDavLocks: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d locks; want 1", n)
	}
	if _, err := s.DavLock(ctx, "urn:uuid:3"); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("stale lock after purge = %v; want NotFound", err)
	}

	if err := s.DeleteDavLock(ctx, "urn:uuid:1"); err != nil {
		t.Fatalf("DeleteDavLock: %v", err)
	}
}

func TestBackupRestore(t *testing.T) {
	src := newTestStore(t)
	ctx := context.Background()

	cfg := &types.StorageConfig{Name: "primary", StorageType: "s3", IsDefault: true,
		Params: map[string]any{"bucket": "b"}}
	if err := src.CreateStorageConfig(ctx, cfg); err != nil {
		t.Fatalf("CreateStorageConfig: %v", err)
	}
	mnt := &types.Mount{Name: "m", MountPath: "/m", StorageConfigID: cfg.ID, StorageType: "s3", IsActive: true}
	if err := src.CreateMount(ctx, mnt); err != nil {
		t.Fatalf("CreateMount: %v", err)
	}
	key := &types.APIKey{Name: "k", Permissions: types.PermMountView, StorageACL: []string{cfg.ID}}
	if err := src.CreateAPIKey(ctx, key); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if err := src.CreatePaste(ctx, &types.Paste{Slug: "p", Content: "c", PasswordHash: "h"}); err != nil {
		t.Fatalf("CreatePaste: %v", err)
	}
	if err := src.CreateShare(ctx, &types.ShareRecord{Slug: "sh", Kind: types.ShareFile,
		Target: "k1", StorageConfigID: cfg.ID}); err != nil {
		t.Fatalf("CreateShare: %v", err)
	}
	if err := src.SetSetting(ctx, SettingSiteTitle, "Backup Me"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := src.UpsertFSMeta(ctx, &types.DirectoryMeta{Path: "/m", PasswordHash: "ph"}); err != nil {
		t.Fatalf("UpsertFSMeta: %v", err)
	}

	b, err := src.CreateBackup(ctx, nil)
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	// Round-trip through the wire form, as the admin endpoint does.
	wire, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal backup: %v", err)
	}
	var parsed Backup
	if err := json.Unmarshal(wire, &parsed); err != nil {
		t.Fatalf("unmarshal backup: %v", err)
	}

	dst := newTestStore(t)
	preview, err := dst.PreviewBackup(ctx, &parsed)
	if err != nil {
		t.Fatalf("PreviewBackup: %v", err)
	}
	if len(preview.IntegrityIssues) != 0 {
		t.Errorf("integrity issues on consistent backup: %v", preview.IntegrityIssues)
	}
	if preview.Counts["mounts"] != 1 || preview.Counts["api_keys"] != 1 {
		t.Errorf("preview counts = %v", preview.Counts)
	}

	if err := dst.RestoreBackup(ctx, &parsed, true); err != nil {
		t.Fatalf("RestoreBackup: %v", err)
	}

	// The restored key still authenticates with its original secret.
	if _, err := dst.APIKeyBySecret(ctx, key.Key); err != nil {
		t.Errorf("restored key lookup: %v", err)
	}
	m2, err := dst.ListMounts(ctx)
	if err != nil || len(m2) != 1 || m2[0].MountPath != "/m" {
		t.Errorf("restored mounts = %v, %v", m2, err)
	}
	p2, err := dst.Paste(ctx, "p")
	if err != nil || p2.PasswordHash != "h" {
		t.Errorf("restored paste = %+v, %v", p2, err)
	}
	if v, _ := dst.Setting(ctx, SettingSiteTitle); v != "Backup Me" {
		t.Errorf("restored setting = %q", v)
	}
	if m, err := dst.FSMeta(ctx, "/m"); err != nil || m.PasswordHash != "ph" {
		t.Errorf("restored fs meta = %+v, %v", m, err)
	}
}

func TestPreviewBackupFlagsMissingConfig(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mounts, _ := json.Marshal([]*types.Mount{{
		ID: "m1", Name: "m", MountPath: "/m", StorageConfigID: "missing", StorageType: "s3",
	}})
	b := &Backup{
		Version:   BackupVersion,
		CreatedAt: time.Now(),
		Modules:   map[string]json.RawMessage{"mounts": mounts},
	}
	preview, err := s.PreviewBackup(ctx, b)
	if err != nil {
		t.Fatalf("PreviewBackup: %v", err)
	}
	if len(preview.IntegrityIssues) != 1 || !strings.Contains(preview.IntegrityIssues[0], "missing") {
		t.Errorf("issues = %v; want one about the missing storage config", preview.IntegrityIssues)
	}

	if _, err := s.CreateBackup(ctx, []string{"nonsense"}); !types.IsKind(err, types.KindInvalidInput) {
		t.Errorf("CreateBackup(nonsense) = %v; want InvalidInput", err)
	}
	if err := s.RestoreBackup(ctx, &Backup{Version: 99}, false); !types.IsKind(err, types.KindInvalidInput) {
		t.Errorf("RestoreBackup version 99 = %v; want InvalidInput", err)
	}
}

func TestSchemaVersionGuard(t *testing.T) {
	dir := t.TempDir()
	dsn := "sqlite:" + filepath.Join(dir, "cloudpaste.db")
	ctx := context.Background()

	s, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.exec(ctx, `UPDATE meta SET value = '999' WHERE metakey = 'version'`); err != nil {
		t.Fatalf("bumping version: %v", err)
	}
	s.Close()

	if _, err := Open(ctx, dsn); err == nil || !strings.Contains(err.Error(), "schema version") {
		t.Errorf("Open with wrong schema version = %v; want version error", err)
	}
}
