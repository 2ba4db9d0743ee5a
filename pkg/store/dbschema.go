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
	"fmt"
	"strings"
)

const requiredSchemaVersion = 1

// SchemaVersion returns the version the code requires.
func SchemaVersion() int { return requiredSchemaVersion }

// createTables returns the DDL for flavor f. The statements stick to
// the dialect intersection: VARCHAR(255) keys, BIGINT numbers, unix
// seconds for every timestamp, and string IDs generated in Go so no
// autoincrement is needed anywhere.
func createTables(f flavor) []string {
	bigtext := "TEXT"
	if f == flavorMySQL {
		bigtext = "MEDIUMTEXT"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
 metakey VARCHAR(255) NOT NULL PRIMARY KEY,
 value VARCHAR(255) NOT NULL)`,

		`CREATE TABLE IF NOT EXISTS mounts (
 id VARCHAR(255) NOT NULL PRIMARY KEY,
 name VARCHAR(255) NOT NULL,
 mount_path VARCHAR(255) NOT NULL,
 storage_config_id VARCHAR(255) NOT NULL,
 storage_type VARCHAR(64) NOT NULL,
 is_active INTEGER NOT NULL DEFAULT 1,
 sort_order BIGINT NOT NULL DEFAULT 0,
 cache_ttl BIGINT NOT NULL DEFAULT 0,
 web_proxy INTEGER NOT NULL DEFAULT 0,
 webdav_policy VARCHAR(32) NOT NULL DEFAULT '302_redirect',
 enable_sign INTEGER NOT NULL DEFAULT 0,
 sign_expires_sec BIGINT,
 created_at BIGINT NOT NULL,
 updated_at BIGINT NOT NULL)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS mounts_path ON mounts (mount_path)`,

		`CREATE TABLE IF NOT EXISTS storage_configs (
 id VARCHAR(255) NOT NULL PRIMARY KEY,
 name VARCHAR(255) NOT NULL,
 storage_type VARCHAR(64) NOT NULL,
 provider_type VARCHAR(64) NOT NULL DEFAULT '',
 params ` + bigtext + ` NOT NULL,
 default_folder VARCHAR(255) NOT NULL DEFAULT '',
 is_public INTEGER NOT NULL DEFAULT 0,
 is_default INTEGER NOT NULL DEFAULT 0,
 total_storage BIGINT NOT NULL DEFAULT 0,
 created_at BIGINT NOT NULL,
 updated_at BIGINT NOT NULL)`,

		`CREATE TABLE IF NOT EXISTS api_keys (
 id VARCHAR(255) NOT NULL PRIMARY KEY,
 name VARCHAR(255) NOT NULL,
 secret VARCHAR(255) NOT NULL,
 permissions BIGINT NOT NULL DEFAULT 0,
 basic_path VARCHAR(255) NOT NULL DEFAULT '/',
 is_guest INTEGER NOT NULL DEFAULT 0,
 expires_at BIGINT,
 created_at BIGINT NOT NULL,
 last_used_at BIGINT)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS api_keys_secret ON api_keys (secret)`,

		`CREATE TABLE IF NOT EXISTS api_key_storage_acl (
 key_id VARCHAR(255) NOT NULL,
 storage_config_id VARCHAR(255) NOT NULL,
 PRIMARY KEY (key_id, storage_config_id))`,

		`CREATE TABLE IF NOT EXISTS paste_records (
 slug VARCHAR(255) NOT NULL PRIMARY KEY,
 content ` + bigtext + ` NOT NULL,
 remark VARCHAR(255) NOT NULL DEFAULT '',
 password_hash VARCHAR(255) NOT NULL DEFAULT '',
 max_views BIGINT NOT NULL DEFAULT 0,
 views BIGINT NOT NULL DEFAULT 0,
 expires_at BIGINT,
 created_by VARCHAR(255) NOT NULL DEFAULT '',
 created_at BIGINT NOT NULL,
 updated_at BIGINT NOT NULL)`,

		`CREATE TABLE IF NOT EXISTS share_records (
 slug VARCHAR(255) NOT NULL PRIMARY KEY,
 kind VARCHAR(16) NOT NULL,
 target ` + bigtext + ` NOT NULL,
 file_name VARCHAR(255) NOT NULL DEFAULT '',
 size BIGINT NOT NULL DEFAULT 0,
 content_type VARCHAR(255) NOT NULL DEFAULT '',
 storage_config_id VARCHAR(255) NOT NULL DEFAULT '',
 password_hash VARCHAR(255) NOT NULL DEFAULT '',
 max_views BIGINT NOT NULL DEFAULT 0,
 views BIGINT NOT NULL DEFAULT 0,
 expires_at BIGINT,
 created_by VARCHAR(255) NOT NULL DEFAULT '',
 created_at BIGINT NOT NULL)`,

		`CREATE TABLE IF NOT EXISTS jobs (
 id VARCHAR(255) NOT NULL PRIMARY KEY,
 kind VARCHAR(64) NOT NULL,
 status VARCHAR(32) NOT NULL,
 payload ` + bigtext + ` NOT NULL DEFAULT '',
 created_by VARCHAR(255) NOT NULL DEFAULT '',
 trigger_type VARCHAR(16) NOT NULL DEFAULT 'api',
 stats ` + bigtext + ` NOT NULL DEFAULT '',
 error ` + bigtext + ` NOT NULL DEFAULT '',
 cancel_requested INTEGER NOT NULL DEFAULT 0,
 created_at BIGINT NOT NULL,
 started_at BIGINT,
 finished_at BIGINT,
 updated_at_ms BIGINT NOT NULL)`,

		`CREATE INDEX IF NOT EXISTS jobs_by_user ON jobs (created_by, status)`,

		`CREATE TABLE IF NOT EXISTS job_runs (
 id VARCHAR(255) NOT NULL PRIMARY KEY,
 job_id VARCHAR(255) NOT NULL,
 attempt BIGINT NOT NULL,
 status VARCHAR(32) NOT NULL,
 error ` + bigtext + ` NOT NULL DEFAULT '',
 started_at BIGINT NOT NULL,
 finished_at BIGINT)`,

		`CREATE INDEX IF NOT EXISTS job_runs_by_job ON job_runs (job_id, attempt)`,

		`CREATE TABLE IF NOT EXISTS scheduled_jobs (
 id VARCHAR(255) NOT NULL PRIMARY KEY,
 name VARCHAR(255) NOT NULL,
 handler_id VARCHAR(64) NOT NULL,
 schedule_type VARCHAR(16) NOT NULL,
 cron_expr VARCHAR(255) NOT NULL DEFAULT '',
 interval_sec BIGINT NOT NULL DEFAULT 0,
 config ` + bigtext + ` NOT NULL DEFAULT '',
 enabled INTEGER NOT NULL DEFAULT 1,
 last_run_at BIGINT,
 next_run_at BIGINT,
 created_at BIGINT NOT NULL,
 updated_at BIGINT NOT NULL)`,

		`CREATE TABLE IF NOT EXISTS scheduled_runs (
 id VARCHAR(255) NOT NULL PRIMARY KEY,
 scheduled_job_id VARCHAR(255) NOT NULL,
 status VARCHAR(32) NOT NULL,
 triggered_by VARCHAR(16) NOT NULL DEFAULT 'tick',
 error ` + bigtext + ` NOT NULL DEFAULT '',
 started_at BIGINT NOT NULL,
 finished_at BIGINT)`,

		`CREATE INDEX IF NOT EXISTS scheduled_runs_by_job ON scheduled_runs (scheduled_job_id, started_at)`,

		`CREATE TABLE IF NOT EXISTS system_settings (
 setting_key VARCHAR(255) NOT NULL PRIMARY KEY,
 value ` + bigtext + ` NOT NULL,
 updated_at BIGINT NOT NULL)`,

		`CREATE TABLE IF NOT EXISTS fs_meta (
 path VARCHAR(255) NOT NULL PRIMARY KEY,
 header_md ` + bigtext + ` NOT NULL DEFAULT '',
 header_inherit INTEGER NOT NULL DEFAULT 1,
 footer_md ` + bigtext + ` NOT NULL DEFAULT '',
 footer_inherit INTEGER NOT NULL DEFAULT 1,
 hide_patterns ` + bigtext + ` NOT NULL DEFAULT '',
 hide_inherit INTEGER NOT NULL DEFAULT 1,
 password_hash VARCHAR(255) NOT NULL DEFAULT '',
 password_inherit INTEGER NOT NULL DEFAULT 1,
 updated_at BIGINT NOT NULL)`,

		`CREATE TABLE IF NOT EXISTS upload_parts (
 upload_id VARCHAR(255) NOT NULL,
 part_number BIGINT NOT NULL,
 etag VARCHAR(255) NOT NULL,
 size BIGINT NOT NULL DEFAULT 0,
 uploaded_at BIGINT NOT NULL,
 PRIMARY KEY (upload_id, part_number))`,

		`CREATE TABLE IF NOT EXISTS webdav_locks (
 token VARCHAR(255) NOT NULL PRIMARY KEY,
 root VARCHAR(255) NOT NULL,
 owner_xml ` + bigtext + ` NOT NULL DEFAULT '',
 infinite_depth INTEGER NOT NULL DEFAULT 0,
 expires_at BIGINT NOT NULL)`,

		`CREATE INDEX IF NOT EXISTS webdav_locks_root ON webdav_locks (root)`,
	}
	return stmts
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range createTables(s.flavor) {
		isIndex := strings.Contains(stmt, "INDEX IF NOT EXISTS")
		if s.flavor == flavorMySQL && isIndex {
			// MySQL has no IF NOT EXISTS for CREATE INDEX; run it
			// bare and treat "Duplicate key name" as already done.
			stmt = strings.Replace(stmt, " IF NOT EXISTS", "", 1)
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if s.flavor == flavorMySQL && isIndex && strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return fmt.Errorf("store: initializing schema with %q: %w", firstLine(stmt), err)
		}
	}
	var version int
	err := s.db.QueryRowContext(ctx, s.ph(`SELECT value FROM meta WHERE metakey = 'version'`)).Scan(&version)
	if err != nil {
		if _, err := s.exec(ctx, `INSERT INTO meta (metakey, value) VALUES ('version', ?)`,
			fmt.Sprint(requiredSchemaVersion)); err != nil {
			return fmt.Errorf("store: setting schema version: %w", err)
		}
		return nil
	}
	if version != requiredSchemaVersion {
		return fmt.Errorf("store: database schema version is %d; expect %d (need to re-init/upgrade database?)",
			version, requiredSchemaVersion)
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
