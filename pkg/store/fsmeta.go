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
	"strings"
	"time"

	"cloudpaste.org/pkg/types"
)

const fsMetaCols = `path, header_md, header_inherit, footer_md, footer_inherit,
 hide_patterns, hide_inherit, password_hash, password_inherit`

func scanFSMeta(sc interface{ Scan(...any) error }) (*types.DirectoryMeta, error) {
	var m types.DirectoryMeta
	var headerInh, footerInh, hideInh, pwInh int
	var hidePatterns string
	err := sc.Scan(&m.Path, &m.HeaderMarkdown, &headerInh, &m.FooterMarkdown, &footerInh,
		&hidePatterns, &hideInh, &m.PasswordHash, &pwInh)
	if err != nil {
		return nil, err
	}
	m.HeaderInherit = headerInh != 0
	m.FooterInherit = footerInh != 0
	m.HideInherit = hideInh != 0
	m.PasswordInherit = pwInh != 0
	if hidePatterns != "" {
		if err := json.Unmarshal([]byte(hidePatterns), &m.HidePatterns); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// FSMeta returns the metadata row for exactly path, NotFound if none.
func (s *Store) FSMeta(ctx context.Context, path string) (*types.DirectoryMeta, error) {
	path = metaKey(path)
	m, err := scanFSMeta(s.queryRow(ctx, `SELECT `+fsMetaCols+` FROM fs_meta WHERE path = ?`, path))
	if err != nil {
		return nil, notFound(err, "no metadata for %q", path)
	}
	return m, nil
}

// FSMetaChain returns the metadata rows on the way from the root to
// path, shallowest first, for inheritance resolution.
func (s *Store) FSMetaChain(ctx context.Context, path string) ([]*types.DirectoryMeta, error) {
	keys := []any{"/"}
	p := metaKey(path)
	if p != "/" {
		segs := strings.Split(strings.Trim(p, "/"), "/")
		walk := ""
		for _, seg := range segs {
			walk += "/" + seg
			keys = append(keys, walk)
		}
	}
	q := `SELECT ` + fsMetaCols + ` FROM fs_meta WHERE path IN (?` +
		strings.Repeat(", ?", len(keys)-1) + `) ORDER BY LENGTH(path)`
	rows, err := s.query(ctx, q, keys...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.DirectoryMeta
	for rows.Next() {
		m, err := scanFSMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertFSMeta writes m, replacing any existing row for its path.
func (s *Store) UpsertFSMeta(ctx context.Context, m *types.DirectoryMeta) error {
	m.Path = metaKey(m.Path)
	hidePatterns := ""
	if len(m.HidePatterns) > 0 {
		b, err := json.Marshal(m.HidePatterns)
		if err != nil {
			return err
		}
		hidePatterns = string(b)
	}
	now := time.Now().Unix()
	var q string
	switch s.flavor {
	case flavorMySQL:
		q = `INSERT INTO fs_meta (` + fsMetaCols + `, updated_at)
 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
 ON DUPLICATE KEY UPDATE header_md = VALUES(header_md), header_inherit = VALUES(header_inherit),
 footer_md = VALUES(footer_md), footer_inherit = VALUES(footer_inherit),
 hide_patterns = VALUES(hide_patterns), hide_inherit = VALUES(hide_inherit),
 password_hash = VALUES(password_hash), password_inherit = VALUES(password_inherit),
 updated_at = VALUES(updated_at)`
	default:
		q = `INSERT INTO fs_meta (` + fsMetaCols + `, updated_at)
 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
 ON CONFLICT (path) DO UPDATE SET header_md = excluded.header_md,
 header_inherit = excluded.header_inherit, footer_md = excluded.footer_md,
 footer_inherit = excluded.footer_inherit, hide_patterns = excluded.hide_patterns,
 hide_inherit = excluded.hide_inherit, password_hash = excluded.password_hash,
 password_inherit = excluded.password_inherit, updated_at = excluded.updated_at`
	}
	_, err := s.exec(ctx, q, m.Path, m.HeaderMarkdown, boolInt(m.HeaderInherit),
		m.FooterMarkdown, boolInt(m.FooterInherit), hidePatterns, boolInt(m.HideInherit),
		m.PasswordHash, boolInt(m.PasswordInherit), now)
	return err
}

// DeleteFSMeta removes the metadata row for path.
func (s *Store) DeleteFSMeta(ctx context.Context, path string) error {
	res, err := s.exec(ctx, `DELETE FROM fs_meta WHERE path = ?`, metaKey(path))
	if err != nil {
		return err
	}
	return mustAffect(res, "no metadata for %q", path)
}

// ListFSMeta returns every metadata row, shallowest first.
func (s *Store) ListFSMeta(ctx context.Context) ([]*types.DirectoryMeta, error) {
	rows, err := s.query(ctx, `SELECT `+fsMetaCols+` FROM fs_meta ORDER BY LENGTH(path), path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.DirectoryMeta
	for rows.Next() {
		m, err := scanFSMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// metaKey canonicalizes a directory path for the fs_meta table: no
// trailing slash except the root.
func metaKey(p string) string {
	p = types.NormalizePath(p)
	if p != "/" {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}
