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
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"cloudpaste.org/pkg/types"
)

const apiKeyCols = `id, name, secret, permissions, basic_path, is_guest,
 expires_at, created_at, last_used_at`

// keyDigest is the at-rest form of an API key secret. Only the digest
// is stored, so the plaintext is shown once, at creation.
func keyDigest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func scanAPIKey(sc interface{ Scan(...any) error }) (*types.APIKey, error) {
	var k types.APIKey
	var isGuest int
	var perms int64
	var expires, lastUsed sql.NullInt64
	var created int64
	var digest string
	err := sc.Scan(&k.ID, &k.Name, &digest, &perms, &k.BasicPath, &isGuest,
		&expires, &created, &lastUsed)
	if err != nil {
		return nil, err
	}
	k.Permissions = types.Permission(perms)
	k.IsGuest = isGuest != 0
	k.ExpiresAt = timePtr(expires)
	k.CreatedAt = timeOf(created)
	k.LastUsedAt = timePtr(lastUsed)
	return &k, nil
}

func (s *Store) loadKeyACL(ctx context.Context, k *types.APIKey) error {
	rows, err := s.query(ctx, `SELECT storage_config_id FROM api_key_storage_acl WHERE key_id = ?`, k.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	k.StorageACL = nil
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		k.StorageACL = append(k.StorageACL, id)
	}
	return rows.Err()
}

// ListAPIKeys returns all keys with their storage ACLs.
func (s *Store) ListAPIKeys(ctx context.Context) ([]*types.APIKey, error) {
	rows, err := s.query(ctx, `SELECT `+apiKeyCols+` FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	var out []*types.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, k := range out {
		if err := s.loadKeyACL(ctx, k); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// APIKey returns the key with the given id.
func (s *Store) APIKey(ctx context.Context, id string) (*types.APIKey, error) {
	k, err := scanAPIKey(s.queryRow(ctx, `SELECT `+apiKeyCols+` FROM api_keys WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "API key %q not found", id)
	}
	return k, s.loadKeyACL(ctx, k)
}

// APIKeyBySecret resolves an Authorization credential to its key.
func (s *Store) APIKeyBySecret(ctx context.Context, secret string) (*types.APIKey, error) {
	k, err := scanAPIKey(s.queryRow(ctx, `SELECT `+apiKeyCols+` FROM api_keys WHERE secret = ?`, keyDigest(secret)))
	if err != nil {
		return nil, notFound(err, "API key not found")
	}
	return k, s.loadKeyACL(ctx, k)
}

// CreateAPIKey inserts k, assigning ID and secret if empty. On return
// k.Key holds the plaintext secret, the caller's only chance to see
// it.
func (s *Store) CreateAPIKey(ctx context.Context, k *types.APIKey) error {
	if k.ID == "" {
		k.ID = NewID()
	}
	if k.Key == "" {
		k.Key = NewSecret()
	}
	if k.BasicPath == "" {
		k.BasicPath = "/"
	}
	k.CreatedAt = time.Now()
	_, err := s.exec(ctx, `INSERT INTO api_keys (`+apiKeyCols+`)
 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.Name, keyDigest(k.Key), int64(k.Permissions), k.BasicPath, boolInt(k.IsGuest),
		tsPtr(k.ExpiresAt), tsOf(k.CreatedAt), tsPtr(k.LastUsedAt))
	if isUniqueViolation(err) {
		return types.NewConflict("API key secret already exists")
	}
	if err != nil {
		return err
	}
	return s.saveKeyACL(ctx, k)
}

// UpdateAPIKey rewrites k's mutable fields and ACL. The secret is
// immutable.
func (s *Store) UpdateAPIKey(ctx context.Context, k *types.APIKey) error {
	res, err := s.exec(ctx, `UPDATE api_keys SET name = ?, permissions = ?, basic_path = ?,
 is_guest = ?, expires_at = ? WHERE id = ?`,
		k.Name, int64(k.Permissions), k.BasicPath, boolInt(k.IsGuest),
		tsPtr(k.ExpiresAt), k.ID)
	if err != nil {
		return err
	}
	if err := mustAffect(res, "API key %q not found", k.ID); err != nil {
		return err
	}
	return s.saveKeyACL(ctx, k)
}

func (s *Store) saveKeyACL(ctx context.Context, k *types.APIKey) error {
	if _, err := s.exec(ctx, `DELETE FROM api_key_storage_acl WHERE key_id = ?`, k.ID); err != nil {
		return err
	}
	for _, configID := range k.StorageACL {
		if _, err := s.exec(ctx, `INSERT INTO api_key_storage_acl (key_id, storage_config_id) VALUES (?, ?)`,
			k.ID, configID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAPIKey removes the key and its ACL rows.
func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := mustAffect(res, "API key %q not found", id); err != nil {
		return err
	}
	_, err = s.exec(ctx, `DELETE FROM api_key_storage_acl WHERE key_id = ?`, id)
	return err
}

// TouchAPIKey records when the key last authenticated a request.
func (s *Store) TouchAPIKey(ctx context.Context, id string, when time.Time) error {
	_, err := s.exec(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, when.Unix(), id)
	return err
}
