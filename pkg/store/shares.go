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
	"time"

	"cloudpaste.org/pkg/types"
)

// Text pastes and file shares are separate slug namespaces, matching
// their separate public URL spaces (/api/paste/:slug vs /api/s/:slug).

const pasteCols = `slug, content, remark, password_hash, max_views, views,
 expires_at, created_by, created_at, updated_at`

func scanPaste(sc interface{ Scan(...any) error }) (*types.Paste, error) {
	var p types.Paste
	var expires sql.NullInt64
	var created, updated int64
	err := sc.Scan(&p.Slug, &p.Content, &p.Remark, &p.PasswordHash, &p.MaxViews,
		&p.Views, &expires, &p.CreatedBy, &created, &updated)
	if err != nil {
		return nil, err
	}
	p.ExpiresAt = timePtr(expires)
	p.CreatedAt = timeOf(created)
	p.UpdatedAt = timeOf(updated)
	return &p, nil
}

// CreatePaste inserts p. A taken slug is a Conflict so the caller can
// retry with a fresh one.
func (s *Store) CreatePaste(ctx context.Context, p *types.Paste) error {
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := s.exec(ctx, `INSERT INTO paste_records (`+pasteCols+`)
 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Slug, p.Content, p.Remark, p.PasswordHash, p.MaxViews, p.Views,
		tsPtr(p.ExpiresAt), p.CreatedBy, tsOf(p.CreatedAt), tsOf(p.UpdatedAt))
	if isUniqueViolation(err) {
		return types.NewConflict("slug %q is taken", p.Slug).WithField("slug")
	}
	return err
}

// Paste returns the paste with the given slug.
func (s *Store) Paste(ctx context.Context, slug string) (*types.Paste, error) {
	p, err := scanPaste(s.queryRow(ctx, `SELECT `+pasteCols+` FROM paste_records WHERE slug = ?`, slug))
	if err != nil {
		return nil, notFound(err, "paste %q not found", slug)
	}
	return p, nil
}

// UpdatePaste rewrites the paste's content and limits.
func (s *Store) UpdatePaste(ctx context.Context, p *types.Paste) error {
	p.UpdatedAt = time.Now()
	res, err := s.exec(ctx, `UPDATE paste_records SET content = ?, remark = ?, password_hash = ?,
 max_views = ?, expires_at = ?, updated_at = ? WHERE slug = ?`,
		p.Content, p.Remark, p.PasswordHash, p.MaxViews, tsPtr(p.ExpiresAt),
		tsOf(p.UpdatedAt), p.Slug)
	if err != nil {
		return err
	}
	return mustAffect(res, "paste %q not found", p.Slug)
}

// ListPastes returns pastes newest first.
func (s *Store) ListPastes(ctx context.Context, limit, offset int) ([]*types.Paste, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx, `SELECT `+pasteCols+` FROM paste_records
 ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Paste
	for rows.Next() {
		p, err := scanPaste(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePaste removes the paste.
func (s *Store) DeletePaste(ctx context.Context, slug string) error {
	res, err := s.exec(ctx, `DELETE FROM paste_records WHERE slug = ?`, slug)
	if err != nil {
		return err
	}
	return mustAffect(res, "paste %q not found", slug)
}

// ConsumePasteView atomically increments the view counter, refusing
// when the view budget is spent. Gone is returned for exhausted or
// expired pastes, after which the caller may purge them.
func (s *Store) ConsumePasteView(ctx context.Context, slug string, now time.Time) (*types.Paste, error) {
	res, err := s.exec(ctx, `UPDATE paste_records SET views = views + 1
 WHERE slug = ? AND (max_views = 0 OR views < max_views)
 AND (expires_at IS NULL OR expires_at > ?)`, slug, now.Unix())
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Either missing or spent; look to distinguish.
		if _, err := s.Paste(ctx, slug); err != nil {
			return nil, err
		}
		return nil, types.NewGone("paste %q has expired", slug)
	}
	return s.Paste(ctx, slug)
}

const shareCols = `slug, kind, target, file_name, size, content_type,
 storage_config_id, password_hash, max_views, views, expires_at, created_by, created_at`

func scanShare(sc interface{ Scan(...any) error }) (*types.ShareRecord, error) {
	var r types.ShareRecord
	var kind string
	var expires sql.NullInt64
	var created int64
	err := sc.Scan(&r.Slug, &kind, &r.Target, &r.FileName, &r.Size, &r.ContentType,
		&r.StorageConfigID, &r.PasswordHash, &r.MaxViews, &r.Views, &expires,
		&r.CreatedBy, &created)
	if err != nil {
		return nil, err
	}
	r.Kind = types.ShareKind(kind)
	r.ExpiresAt = timePtr(expires)
	r.CreatedAt = timeOf(created)
	return &r, nil
}

// CreateShare inserts r. A taken slug is a Conflict.
func (s *Store) CreateShare(ctx context.Context, r *types.ShareRecord) error {
	r.CreatedAt = time.Now()
	_, err := s.exec(ctx, `INSERT INTO share_records (`+shareCols+`)
 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Slug, string(r.Kind), r.Target, r.FileName, r.Size, r.ContentType,
		r.StorageConfigID, r.PasswordHash, r.MaxViews, r.Views,
		tsPtr(r.ExpiresAt), r.CreatedBy, tsOf(r.CreatedAt))
	if isUniqueViolation(err) {
		return types.NewConflict("slug %q is taken", r.Slug).WithField("slug")
	}
	return err
}

// Share returns the share with the given slug.
func (s *Store) Share(ctx context.Context, slug string) (*types.ShareRecord, error) {
	r, err := scanShare(s.queryRow(ctx, `SELECT `+shareCols+` FROM share_records WHERE slug = ?`, slug))
	if err != nil {
		return nil, notFound(err, "share %q not found", slug)
	}
	return r, nil
}

// ConsumeShareView atomically increments the share's view counter with
// the same expiry semantics as ConsumePasteView.
func (s *Store) ConsumeShareView(ctx context.Context, slug string, now time.Time) (*types.ShareRecord, error) {
	res, err := s.exec(ctx, `UPDATE share_records SET views = views + 1
 WHERE slug = ? AND (max_views = 0 OR views < max_views)
 AND (expires_at IS NULL OR expires_at > ?)`, slug, now.Unix())
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := s.Share(ctx, slug); err != nil {
			return nil, err
		}
		return nil, types.NewGone("share %q has expired", slug)
	}
	return s.Share(ctx, slug)
}

// ListShares returns shares newest first, optionally filtered by
// creator.
func (s *Store) ListShares(ctx context.Context, createdBy string, limit, offset int) ([]*types.ShareRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + shareCols + ` FROM share_records`
	args := []any{}
	if createdBy != "" {
		q += ` WHERE created_by = ?`
		args = append(args, createdBy)
	}
	q += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.ShareRecord
	for rows.Next() {
		r, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteShare removes the share record. Backing storage cleanup is the
// caller's concern.
func (s *Store) DeleteShare(ctx context.Context, slug string) error {
	res, err := s.exec(ctx, `DELETE FROM share_records WHERE slug = ?`, slug)
	if err != nil {
		return err
	}
	return mustAffect(res, "share %q not found", slug)
}

// PurgeExpired deletes pastes and shares whose expiry has passed,
// returning what was removed so storage can be cleaned up.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (pastes []string, shares []*types.ShareRecord, err error) {
	rows, err := s.query(ctx, `SELECT slug FROM paste_records WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.Unix())
	if err != nil {
		return nil, nil, err
	}
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			rows.Close()
			return nil, nil, err
		}
		pastes = append(pastes, slug)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	srows, err := s.query(ctx, `SELECT `+shareCols+` FROM share_records WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.Unix())
	if err != nil {
		return nil, nil, err
	}
	for srows.Next() {
		r, err := scanShare(srows)
		if err != nil {
			srows.Close()
			return nil, nil, err
		}
		shares = append(shares, r)
	}
	srows.Close()
	if err := srows.Err(); err != nil {
		return nil, nil, err
	}

	if _, err := s.exec(ctx, `DELETE FROM paste_records WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.Unix()); err != nil {
		return nil, nil, err
	}
	if _, err := s.exec(ctx, `DELETE FROM share_records WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.Unix()); err != nil {
		return nil, nil, err
	}
	return pastes, shares, nil
}
