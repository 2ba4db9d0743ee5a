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
	"database/sql"
	"strconv"
	"time"
)

// Well-known system_settings keys. Groups are a UI concern; the
// grouping metadata lives in pkg/server, not here.
const (
	SettingAdminPasswordHash = "admin_password_hash"
	SettingSiteTitle         = "site_title"
	SettingSiteAnnouncement  = "site_announcement"
	SettingDefaultCacheTTL   = "default_cache_ttl_sec"
	SettingUploadSessionTTL  = "upload_session_timeout_sec"
	SettingMaxUploadSize     = "max_upload_size_bytes"
	SettingWebDAVDepthLimit  = "webdav_depth_entry_limit"
	SettingGuestPermissions  = "guest_permissions"
	SettingGuestBasicPath    = "guest_basic_path"
	SettingPathTokenTTL      = "fs_meta_password_token_ttl_sec"
	SettingSearchMaxResults  = "search_max_results"
	SettingJobQueueUserLimit = "job_queue_user_limit"
)

// Setting returns the value for key, or "" when unset. Callers apply
// their own defaults.
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.queryRow(ctx, `SELECT value FROM system_settings WHERE setting_key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// SettingInt returns the integer value for key, def when unset or
// malformed.
func (s *Store) SettingInt(ctx context.Context, key string, def int) (int, error) {
	v, err := s.Setting(ctx, key)
	if err != nil {
		return 0, err
	}
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, nil
	}
	return n, nil
}

// SetSetting writes key=value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	now := time.Now().Unix()
	var q string
	switch s.flavor {
	case flavorMySQL:
		q = `INSERT INTO system_settings (setting_key, value, updated_at) VALUES (?, ?, ?)
 ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at)`
	default:
		q = `INSERT INTO system_settings (setting_key, value, updated_at) VALUES (?, ?, ?)
 ON CONFLICT (setting_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	}
	_, err := s.exec(ctx, q, key, value, now)
	return err
}

// AllSettings returns the whole settings table.
func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.query(ctx, `SELECT setting_key, value FROM system_settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// DeleteSetting removes key. Missing keys are a no-op.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	_, err := s.exec(ctx, `DELETE FROM system_settings WHERE setting_key = ?`, key)
	return err
}
