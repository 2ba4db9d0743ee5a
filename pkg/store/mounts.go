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
	"strings"
	"time"

	"cloudpaste.org/pkg/types"
)

const mountCols = `id, name, mount_path, storage_config_id, storage_type, is_active,
 sort_order, cache_ttl, web_proxy, webdav_policy, enable_sign, sign_expires_sec,
 created_at, updated_at`

func scanMount(sc interface{ Scan(...any) error }) (*types.Mount, error) {
	var m types.Mount
	var isActive, webProxy, enableSign int
	var signExp sql.NullInt64
	var created, updated int64
	err := sc.Scan(&m.ID, &m.Name, &m.MountPath, &m.StorageConfigID, &m.StorageType,
		&isActive, &m.SortOrder, &m.CacheTTLSeconds, &webProxy, &m.WebDAVPolicy,
		&enableSign, &signExp, &created, &updated)
	if err != nil {
		return nil, err
	}
	m.IsActive = isActive != 0
	m.WebProxy = webProxy != 0
	m.EnableSign = enableSign != 0
	if signExp.Valid {
		v := int(signExp.Int64)
		m.SignExpiresSec = &v
	}
	m.CreatedAt = timeOf(created)
	m.UpdatedAt = timeOf(updated)
	return &m, nil
}

// ListMounts returns all mounts ordered by sort_order then path.
func (s *Store) ListMounts(ctx context.Context) ([]*types.Mount, error) {
	rows, err := s.query(ctx, `SELECT `+mountCols+` FROM mounts ORDER BY sort_order, mount_path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Mount
	for rows.Next() {
		m, err := scanMount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Mount returns the mount with the given id.
func (s *Store) Mount(ctx context.Context, id string) (*types.Mount, error) {
	m, err := scanMount(s.queryRow(ctx, `SELECT `+mountCols+` FROM mounts WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "mount %q not found", id)
	}
	return m, nil
}

// CreateMount inserts m, assigning an ID if empty. The mount path is
// normalized; a duplicate path is a Conflict.
func (s *Store) CreateMount(ctx context.Context, m *types.Mount) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	m.MountPath = types.NormalizePath(strings.TrimSuffix(m.MountPath, "/"))
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	_, err := s.exec(ctx, `INSERT INTO mounts (`+mountCols+`)
 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.MountPath, m.StorageConfigID, m.StorageType, boolInt(m.IsActive),
		m.SortOrder, m.CacheTTLSeconds, boolInt(m.WebProxy), string(m.WebDAVPolicy),
		boolInt(m.EnableSign), intPtr(m.SignExpiresSec), tsOf(m.CreatedAt), tsOf(m.UpdatedAt))
	if isUniqueViolation(err) {
		return types.NewConflict("a mount already exists at %q", m.MountPath).WithField("mount_path")
	}
	return err
}

// UpdateMount rewrites all mutable fields of m.
func (s *Store) UpdateMount(ctx context.Context, m *types.Mount) error {
	m.MountPath = types.NormalizePath(strings.TrimSuffix(m.MountPath, "/"))
	m.UpdatedAt = time.Now()
	res, err := s.exec(ctx, `UPDATE mounts SET name = ?, mount_path = ?, storage_config_id = ?,
 storage_type = ?, is_active = ?, sort_order = ?, cache_ttl = ?, web_proxy = ?,
 webdav_policy = ?, enable_sign = ?, sign_expires_sec = ?, updated_at = ?
 WHERE id = ?`,
		m.Name, m.MountPath, m.StorageConfigID, m.StorageType, boolInt(m.IsActive),
		m.SortOrder, m.CacheTTLSeconds, boolInt(m.WebProxy), string(m.WebDAVPolicy),
		boolInt(m.EnableSign), intPtr(m.SignExpiresSec), tsOf(m.UpdatedAt), m.ID)
	if isUniqueViolation(err) {
		return types.NewConflict("a mount already exists at %q", m.MountPath).WithField("mount_path")
	}
	if err != nil {
		return err
	}
	return mustAffect(res, "mount %q not found", m.ID)
}

// DeleteMount removes the mount with the given id.
func (s *Store) DeleteMount(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM mounts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return mustAffect(res, "mount %q not found", id)
}

func intPtr(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func mustAffect(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return types.NewNotFound(format, args...)
	}
	return nil
}

// isUniqueViolation sniffs the driver-specific unique-constraint
// errors. None of the three drivers export a portable sentinel.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "Duplicate entry") || // mysql
		strings.Contains(msg, "duplicate key value") // postgres
}
