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
	"fmt"
	"time"

	"cloudpaste.org/pkg/types"
)

// A Backup is a portable JSON dump of the gateway's configuration and
// content tables. Runtime state (jobs, upload parts, WebDAV locks) and
// the derived filesystem index are not part of it. Storage params are
// dumped decrypted and re-encrypted with the restoring server's
// credential secret on the way back in.
type Backup struct {
	Version   int                        `json:"version"`
	CreatedAt time.Time                  `json:"created_at"`
	Modules   map[string]json.RawMessage `json:"modules"`
}

// BackupVersion is the format version written by CreateBackup.
const BackupVersion = 1

// BackupModules lists the module names CreateBackup understands, in
// restore order: referenced tables come before tables referencing them.
func BackupModules() []string {
	return []string{
		"storage_configs",
		"mounts",
		"api_keys",
		"pastes",
		"shares",
		"settings",
		"fs_meta",
		"scheduled_jobs",
	}
}

func validModule(name string) bool {
	for _, m := range BackupModules() {
		if m == name {
			return true
		}
	}
	return false
}

// Raw row shapes. These mirror the tables field for field, unix
// seconds and all, so a dump round-trips exactly even for columns the
// public API never exposes (password hashes, key digests).

type apiKeyRow struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	SecretDigest string   `json:"secret_digest"`
	Permissions  int64    `json:"permissions"`
	BasicPath    string   `json:"basic_path"`
	IsGuest      bool     `json:"is_guest"`
	ExpiresAt    *int64   `json:"expires_at,omitempty"`
	CreatedAt    int64    `json:"created_at"`
	LastUsedAt   *int64   `json:"last_used_at,omitempty"`
	StorageACL   []string `json:"storage_acl,omitempty"`
}

type pasteRow struct {
	Slug         string `json:"slug"`
	Content      string `json:"content"`
	Remark       string `json:"remark,omitempty"`
	PasswordHash string `json:"password_hash,omitempty"`
	MaxViews     int64  `json:"max_views,omitempty"`
	Views        int64  `json:"views"`
	ExpiresAt    *int64 `json:"expires_at,omitempty"`
	CreatedBy    string `json:"created_by,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

type shareRow struct {
	Slug            string `json:"slug"`
	Kind            string `json:"kind"`
	Target          string `json:"target"`
	FileName        string `json:"file_name,omitempty"`
	Size            int64  `json:"size,omitempty"`
	ContentType     string `json:"content_type,omitempty"`
	StorageConfigID string `json:"storage_config_id,omitempty"`
	PasswordHash    string `json:"password_hash,omitempty"`
	MaxViews        int64  `json:"max_views,omitempty"`
	Views           int64  `json:"views"`
	ExpiresAt       *int64 `json:"expires_at,omitempty"`
	CreatedBy       string `json:"created_by,omitempty"`
	CreatedAt       int64  `json:"created_at"`
}

type fsMetaRow struct {
	Path            string `json:"path"`
	HeaderMD        string `json:"header_md,omitempty"`
	HeaderInherit   bool   `json:"header_inherit"`
	FooterMD        string `json:"footer_md,omitempty"`
	FooterInherit   bool   `json:"footer_inherit"`
	HidePatterns    string `json:"hide_patterns,omitempty"`
	HideInherit     bool   `json:"hide_inherit"`
	PasswordHash    string `json:"password_hash,omitempty"`
	PasswordInherit bool   `json:"password_inherit"`
	UpdatedAt       int64  `json:"updated_at"`
}

// CreateBackup dumps the named modules, or all of them when modules is
// empty.
func (s *Store) CreateBackup(ctx context.Context, modules []string) (*Backup, error) {
	if len(modules) == 0 {
		modules = BackupModules()
	}
	b := &Backup{
		Version:   BackupVersion,
		CreatedAt: time.Now().UTC(),
		Modules:   make(map[string]json.RawMessage, len(modules)),
	}
	for _, name := range modules {
		if !validModule(name) {
			return nil, types.NewInvalidInput("unknown backup module %q", name)
		}
		rows, err := s.dumpModule(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("store: dumping %s: %w", name, err)
		}
		raw, err := json.Marshal(rows)
		if err != nil {
			return nil, err
		}
		b.Modules[name] = raw
	}
	return b, nil
}

func (s *Store) dumpModule(ctx context.Context, name string) (any, error) {
	switch name {
	case "storage_configs":
		return s.ListStorageConfigs(ctx)
	case "mounts":
		return s.ListMounts(ctx)
	case "api_keys":
		return s.dumpAPIKeys(ctx)
	case "pastes":
		return s.dumpPastes(ctx)
	case "shares":
		return s.dumpShares(ctx)
	case "settings":
		return s.AllSettings(ctx)
	case "fs_meta":
		return s.dumpFSMeta(ctx)
	case "scheduled_jobs":
		return s.ListScheduledJobs(ctx)
	}
	return nil, types.NewInvalidInput("unknown backup module %q", name)
}

func (s *Store) dumpAPIKeys(ctx context.Context) ([]apiKeyRow, error) {
	rows, err := s.query(ctx, `SELECT `+apiKeyCols+` FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []apiKeyRow
	for rows.Next() {
		var r apiKeyRow
		var isGuest int
		if err := rows.Scan(&r.ID, &r.Name, &r.SecretDigest, &r.Permissions, &r.BasicPath,
			&isGuest, &r.ExpiresAt, &r.CreatedAt, &r.LastUsedAt); err != nil {
			return nil, err
		}
		r.IsGuest = isGuest != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		k := types.APIKey{ID: out[i].ID}
		if err := s.loadKeyACL(ctx, &k); err != nil {
			return nil, err
		}
		out[i].StorageACL = k.StorageACL
	}
	return out, nil
}

func (s *Store) dumpPastes(ctx context.Context) ([]pasteRow, error) {
	rows, err := s.query(ctx, `SELECT slug, content, remark, password_hash, max_views, views,
 expires_at, created_by, created_at, updated_at FROM paste_records ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pasteRow
	for rows.Next() {
		var r pasteRow
		if err := rows.Scan(&r.Slug, &r.Content, &r.Remark, &r.PasswordHash, &r.MaxViews,
			&r.Views, &r.ExpiresAt, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) dumpShares(ctx context.Context) ([]shareRow, error) {
	rows, err := s.query(ctx, `SELECT slug, kind, target, file_name, size, content_type,
 storage_config_id, password_hash, max_views, views, expires_at, created_by, created_at
 FROM share_records ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []shareRow
	for rows.Next() {
		var r shareRow
		if err := rows.Scan(&r.Slug, &r.Kind, &r.Target, &r.FileName, &r.Size, &r.ContentType,
			&r.StorageConfigID, &r.PasswordHash, &r.MaxViews, &r.Views, &r.ExpiresAt,
			&r.CreatedBy, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) dumpFSMeta(ctx context.Context) ([]fsMetaRow, error) {
	rows, err := s.query(ctx, `SELECT path, header_md, header_inherit, footer_md, footer_inherit,
 hide_patterns, hide_inherit, password_hash, password_inherit, updated_at FROM fs_meta ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []fsMetaRow
	for rows.Next() {
		var r fsMetaRow
		var hi, fi, di, pi int
		if err := rows.Scan(&r.Path, &r.HeaderMD, &hi, &r.FooterMD, &fi,
			&r.HidePatterns, &di, &r.PasswordHash, &pi, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.HeaderInherit, r.FooterInherit = hi != 0, fi != 0
		r.HideInherit, r.PasswordInherit = di != 0, pi != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// RestorePreview summarizes what a restore would write, with referential
// problems surfaced as warnings rather than errors.
type RestorePreview struct {
	Version         int            `json:"version"`
	Counts          map[string]int `json:"counts"`
	IntegrityIssues []string       `json:"integrity_issues,omitempty"`
}

// PreviewBackup inspects b without writing anything.
func (s *Store) PreviewBackup(ctx context.Context, b *Backup) (*RestorePreview, error) {
	if b.Version != BackupVersion {
		return nil, types.NewInvalidInput("unsupported backup version %d", b.Version)
	}
	p := &RestorePreview{Version: b.Version, Counts: make(map[string]int)}

	// Storage config ids known after restore: the backup's own plus
	// whatever the database already has.
	known := make(map[string]bool)
	if configs, err := s.ListStorageConfigs(ctx); err == nil {
		for _, c := range configs {
			known[c.ID] = true
		}
	}
	var configs []*types.StorageConfig
	if raw, ok := b.Modules["storage_configs"]; ok {
		if err := json.Unmarshal(raw, &configs); err != nil {
			return nil, types.NewInvalidInput("malformed storage_configs module")
		}
		for _, c := range configs {
			known[c.ID] = true
		}
		p.Counts["storage_configs"] = len(configs)
	}

	for name, raw := range b.Modules {
		if !validModule(name) {
			p.IntegrityIssues = append(p.IntegrityIssues, fmt.Sprintf("unknown module %q ignored", name))
			continue
		}
		if name == "storage_configs" {
			continue // counted above
		}
		n, issues, err := previewModule(name, raw, known)
		if err != nil {
			return nil, err
		}
		p.Counts[name] = n
		p.IntegrityIssues = append(p.IntegrityIssues, issues...)
	}
	return p, nil
}

func previewModule(name string, raw json.RawMessage, knownConfigs map[string]bool) (int, []string, error) {
	var issues []string
	switch name {
	case "mounts":
		var rows []*types.Mount
		if err := json.Unmarshal(raw, &rows); err != nil {
			return 0, nil, types.NewInvalidInput("malformed mounts module")
		}
		seen := make(map[string]bool)
		for _, m := range rows {
			if !knownConfigs[m.StorageConfigID] {
				issues = append(issues, fmt.Sprintf("mount %q references missing storage config %q", m.MountPath, m.StorageConfigID))
			}
			if seen[m.MountPath] {
				issues = append(issues, fmt.Sprintf("duplicate mount path %q", m.MountPath))
			}
			seen[m.MountPath] = true
		}
		return len(rows), issues, nil
	case "api_keys":
		var rows []apiKeyRow
		if err := json.Unmarshal(raw, &rows); err != nil {
			return 0, nil, types.NewInvalidInput("malformed api_keys module")
		}
		for _, k := range rows {
			for _, id := range k.StorageACL {
				if !knownConfigs[id] {
					issues = append(issues, fmt.Sprintf("api key %q ACL references missing storage config %q", k.Name, id))
				}
			}
		}
		return len(rows), issues, nil
	case "shares":
		var rows []shareRow
		if err := json.Unmarshal(raw, &rows); err != nil {
			return 0, nil, types.NewInvalidInput("malformed shares module")
		}
		for _, r := range rows {
			if r.StorageConfigID != "" && !knownConfigs[r.StorageConfigID] {
				issues = append(issues, fmt.Sprintf("share %q references missing storage config %q", r.Slug, r.StorageConfigID))
			}
		}
		return len(rows), issues, nil
	case "pastes":
		var rows []pasteRow
		if err := json.Unmarshal(raw, &rows); err != nil {
			return 0, nil, types.NewInvalidInput("malformed pastes module")
		}
		return len(rows), nil, nil
	case "settings":
		var kv map[string]string
		if err := json.Unmarshal(raw, &kv); err != nil {
			return 0, nil, types.NewInvalidInput("malformed settings module")
		}
		return len(kv), nil, nil
	case "fs_meta":
		var rows []fsMetaRow
		if err := json.Unmarshal(raw, &rows); err != nil {
			return 0, nil, types.NewInvalidInput("malformed fs_meta module")
		}
		return len(rows), nil, nil
	case "scheduled_jobs":
		var rows []*types.ScheduledJob
		if err := json.Unmarshal(raw, &rows); err != nil {
			return 0, nil, types.NewInvalidInput("malformed scheduled_jobs module")
		}
		return len(rows), nil, nil
	}
	return 0, nil, nil
}

// RestoreBackup writes b into the database. With overwrite set, each
// present module's table is cleared first; otherwise rows are upserted
// by primary key, leaving unrelated rows alone.
func (s *Store) RestoreBackup(ctx context.Context, b *Backup, overwrite bool) error {
	if b.Version != BackupVersion {
		return types.NewInvalidInput("unsupported backup version %d", b.Version)
	}
	for _, name := range BackupModules() {
		raw, ok := b.Modules[name]
		if !ok {
			continue
		}
		if err := s.restoreModule(ctx, name, raw, overwrite); err != nil {
			return fmt.Errorf("store: restoring %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) restoreModule(ctx context.Context, name string, raw json.RawMessage, overwrite bool) error {
	switch name {
	case "storage_configs":
		var rows []*types.StorageConfig
		if err := json.Unmarshal(raw, &rows); err != nil {
			return types.NewInvalidInput("malformed storage_configs module")
		}
		if overwrite {
			if _, err := s.exec(ctx, `DELETE FROM storage_configs`); err != nil {
				return err
			}
		}
		for _, c := range rows {
			if _, err := s.exec(ctx, `DELETE FROM storage_configs WHERE id = ?`, c.ID); err != nil {
				return err
			}
			if err := s.CreateStorageConfig(ctx, c); err != nil {
				return err
			}
		}
		return nil
	case "mounts":
		var rows []*types.Mount
		if err := json.Unmarshal(raw, &rows); err != nil {
			return types.NewInvalidInput("malformed mounts module")
		}
		if overwrite {
			if _, err := s.exec(ctx, `DELETE FROM mounts`); err != nil {
				return err
			}
		}
		for _, m := range rows {
			if _, err := s.exec(ctx, `DELETE FROM mounts WHERE id = ?`, m.ID); err != nil {
				return err
			}
			if err := s.CreateMount(ctx, m); err != nil {
				return err
			}
		}
		return nil
	case "api_keys":
		var rows []apiKeyRow
		if err := json.Unmarshal(raw, &rows); err != nil {
			return types.NewInvalidInput("malformed api_keys module")
		}
		if overwrite {
			if _, err := s.exec(ctx, `DELETE FROM api_keys`); err != nil {
				return err
			}
			if _, err := s.exec(ctx, `DELETE FROM api_key_storage_acl`); err != nil {
				return err
			}
		}
		for _, r := range rows {
			if _, err := s.exec(ctx, `DELETE FROM api_keys WHERE id = ?`, r.ID); err != nil {
				return err
			}
			if _, err := s.exec(ctx, `INSERT INTO api_keys (`+apiKeyCols+`)
 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.ID, r.Name, r.SecretDigest, r.Permissions, r.BasicPath, boolInt(r.IsGuest),
				r.ExpiresAt, r.CreatedAt, r.LastUsedAt); err != nil {
				return err
			}
			k := types.APIKey{ID: r.ID, StorageACL: r.StorageACL}
			if err := s.saveKeyACL(ctx, &k); err != nil {
				return err
			}
		}
		return nil
	case "pastes":
		var rows []pasteRow
		if err := json.Unmarshal(raw, &rows); err != nil {
			return types.NewInvalidInput("malformed pastes module")
		}
		if overwrite {
			if _, err := s.exec(ctx, `DELETE FROM paste_records`); err != nil {
				return err
			}
		}
		for _, r := range rows {
			if _, err := s.exec(ctx, `DELETE FROM paste_records WHERE slug = ?`, r.Slug); err != nil {
				return err
			}
			if _, err := s.exec(ctx, `INSERT INTO paste_records (slug, content, remark, password_hash,
 max_views, views, expires_at, created_by, created_at, updated_at)
 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.Slug, r.Content, r.Remark, r.PasswordHash, r.MaxViews, r.Views,
				r.ExpiresAt, r.CreatedBy, r.CreatedAt, r.UpdatedAt); err != nil {
				return err
			}
		}
		return nil
	case "shares":
		var rows []shareRow
		if err := json.Unmarshal(raw, &rows); err != nil {
			return types.NewInvalidInput("malformed shares module")
		}
		if overwrite {
			if _, err := s.exec(ctx, `DELETE FROM share_records`); err != nil {
				return err
			}
		}
		for _, r := range rows {
			if _, err := s.exec(ctx, `DELETE FROM share_records WHERE slug = ?`, r.Slug); err != nil {
				return err
			}
			if _, err := s.exec(ctx, `INSERT INTO share_records (slug, kind, target, file_name, size,
 content_type, storage_config_id, password_hash, max_views, views, expires_at, created_by, created_at)
 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.Slug, r.Kind, r.Target, r.FileName, r.Size, r.ContentType,
				r.StorageConfigID, r.PasswordHash, r.MaxViews, r.Views,
				r.ExpiresAt, r.CreatedBy, r.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	case "settings":
		var kv map[string]string
		if err := json.Unmarshal(raw, &kv); err != nil {
			return types.NewInvalidInput("malformed settings module")
		}
		if overwrite {
			if _, err := s.exec(ctx, `DELETE FROM system_settings`); err != nil {
				return err
			}
		}
		for k, v := range kv {
			if err := s.SetSetting(ctx, k, v); err != nil {
				return err
			}
		}
		return nil
	case "fs_meta":
		var rows []fsMetaRow
		if err := json.Unmarshal(raw, &rows); err != nil {
			return types.NewInvalidInput("malformed fs_meta module")
		}
		if overwrite {
			if _, err := s.exec(ctx, `DELETE FROM fs_meta`); err != nil {
				return err
			}
		}
		for _, r := range rows {
			if _, err := s.exec(ctx, `DELETE FROM fs_meta WHERE path = ?`, r.Path); err != nil {
				return err
			}
			if _, err := s.exec(ctx, `INSERT INTO fs_meta (path, header_md, header_inherit,
 footer_md, footer_inherit, hide_patterns, hide_inherit, password_hash, password_inherit, updated_at)
 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.Path, r.HeaderMD, boolInt(r.HeaderInherit), r.FooterMD, boolInt(r.FooterInherit),
				r.HidePatterns, boolInt(r.HideInherit), r.PasswordHash, boolInt(r.PasswordInherit),
				r.UpdatedAt); err != nil {
				return err
			}
		}
		return nil
	case "scheduled_jobs":
		var rows []*types.ScheduledJob
		if err := json.Unmarshal(raw, &rows); err != nil {
			return types.NewInvalidInput("malformed scheduled_jobs module")
		}
		if overwrite {
			if _, err := s.exec(ctx, `DELETE FROM scheduled_jobs`); err != nil {
				return err
			}
		}
		for _, j := range rows {
			if _, err := s.exec(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, j.ID); err != nil {
				return err
			}
			if err := s.CreateScheduledJob(ctx, j); err != nil {
				return err
			}
		}
		return nil
	}
	return types.NewInvalidInput("unknown backup module %q", name)
}
