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
	"strings"
	"time"

	"cloudpaste.org/pkg/types"
)

const davLockCols = `token, root, owner_xml, infinite_depth, expires_at`

func scanDavLock(sc interface{ Scan(...any) error }) (*types.DavLock, error) {
	var l types.DavLock
	var inf int
	var expires int64
	err := sc.Scan(&l.Token, &l.Root, &l.OwnerXML, &inf, &expires)
	if err != nil {
		return nil, err
	}
	l.InfiniteDepth = inf != 0
	l.ExpiresAt = timeOf(expires)
	return &l, nil
}

// CreateDavLock inserts l. The token must be unique.
func (s *Store) CreateDavLock(ctx context.Context, l *types.DavLock) error {
	_, err := s.exec(ctx, `INSERT INTO webdav_locks (`+davLockCols+`) VALUES (?, ?, ?, ?, ?)`,
		l.Token, l.Root, l.OwnerXML, boolInt(l.InfiniteDepth), tsOf(l.ExpiresAt))
	if isUniqueViolation(err) {
		return types.NewConflict("lock token already exists")
	}
	return err
}

// DavLock returns the lock with the given token.
func (s *Store) DavLock(ctx context.Context, token string) (*types.DavLock, error) {
	l, err := scanDavLock(s.queryRow(ctx, `SELECT `+davLockCols+` FROM webdav_locks WHERE token = ?`, token))
	if err != nil {
		return nil, notFound(err, "lock %q not found", token)
	}
	return l, nil
}

// RefreshDavLock extends the lock's expiry and returns the updated row.
func (s *Store) RefreshDavLock(ctx context.Context, token string, expires time.Time) (*types.DavLock, error) {
	res, err := s.exec(ctx, `UPDATE webdav_locks SET expires_at = ? WHERE token = ?`,
		tsOf(expires), token)
	if err != nil {
		return nil, err
	}
	if err := mustAffect(res, "lock %q not found", token); err != nil {
		return nil, err
	}
	return s.DavLock(ctx, token)
}

// DeleteDavLock removes the lock with the given token.
func (s *Store) DeleteDavLock(ctx context.Context, token string) error {
	res, err := s.exec(ctx, `DELETE FROM webdav_locks WHERE token = ?`, token)
	if err != nil {
		return err
	}
	return mustAffect(res, "lock %q not found", token)
}

// DavLocksUnder returns unexpired locks whose root is p or sits inside
// p's subtree, plus any unexpired ancestor lock that covers p. That is
// the full set a LOCK or MOVE on p has to check against.
func (s *Store) DavLocksUnder(ctx context.Context, p string, now time.Time) ([]*types.DavLock, error) {
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		p = "/"
	}
	rows, err := s.query(ctx, `SELECT `+davLockCols+` FROM webdav_locks WHERE expires_at > ?`, now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.DavLock
	for rows.Next() {
		l, err := scanDavLock(rows)
		if err != nil {
			return nil, err
		}
		root := strings.TrimSuffix(l.Root, "/")
		if root == "" {
			root = "/"
		}
		inSubtree := root == p || p == "/" || strings.HasPrefix(root, p+"/")
		if inSubtree || l.Covers(p) {
			out = append(out, l)
		}
	}
	return out, rows.Err()
}

// PurgeExpiredDavLocks deletes rows past their timeout and reports how
// many were removed.
func (s *Store) PurgeExpiredDavLocks(ctx context.Context, now time.Time) (int, error) {
	res, err := s.exec(ctx, `DELETE FROM webdav_locks WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
