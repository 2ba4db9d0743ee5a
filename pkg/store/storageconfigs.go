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
	"time"

	"cloudpaste.org/pkg/types"
)

const storageCols = `id, name, storage_type, provider_type, params, default_folder,
 is_public, is_default, total_storage, created_at, updated_at`

func (s *Store) scanStorageConfig(sc interface{ Scan(...any) error }) (*types.StorageConfig, error) {
	var c types.StorageConfig
	var params string
	var isPublic, isDefault int
	var created, updated int64
	err := sc.Scan(&c.ID, &c.Name, &c.StorageType, &c.ProviderType, &params,
		&c.DefaultFolder, &isPublic, &isDefault, &c.TotalStorage, &created, &updated)
	if err != nil {
		return nil, err
	}
	c.IsPublic = isPublic != 0
	c.IsDefault = isDefault != 0
	c.CreatedAt = timeOf(created)
	c.UpdatedAt = timeOf(updated)
	c.Params, err = s.decryptParams(params)
	return &c, err
}

// ListStorageConfigs returns every storage config, credentials
// decrypted.
func (s *Store) ListStorageConfigs(ctx context.Context) ([]*types.StorageConfig, error) {
	rows, err := s.query(ctx, `SELECT `+storageCols+` FROM storage_configs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.StorageConfig
	for rows.Next() {
		c, err := s.scanStorageConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// StorageConfig returns the config with the given id.
func (s *Store) StorageConfig(ctx context.Context, id string) (*types.StorageConfig, error) {
	c, err := s.scanStorageConfig(s.queryRow(ctx, `SELECT `+storageCols+` FROM storage_configs WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "storage config %q not found", id)
	}
	return c, nil
}

// DefaultStorageConfig returns the config flagged is_default, or
// NotFound when none is.
func (s *Store) DefaultStorageConfig(ctx context.Context) (*types.StorageConfig, error) {
	c, err := s.scanStorageConfig(s.queryRow(ctx, `SELECT `+storageCols+` FROM storage_configs WHERE is_default = 1`))
	if err != nil {
		return nil, notFound(err, "no default storage config")
	}
	return c, nil
}

// CreateStorageConfig inserts c, sealing its params.
func (s *Store) CreateStorageConfig(ctx context.Context, c *types.StorageConfig) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	params, err := s.encryptParams(c.Params)
	if err != nil {
		return err
	}
	if c.IsDefault {
		if err := s.clearDefaultStorage(ctx); err != nil {
			return err
		}
	}
	_, err = s.exec(ctx, `INSERT INTO storage_configs (`+storageCols+`)
 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.StorageType, c.ProviderType, params, c.DefaultFolder,
		boolInt(c.IsPublic), boolInt(c.IsDefault), c.TotalStorage,
		tsOf(c.CreatedAt), tsOf(c.UpdatedAt))
	return err
}

// UpdateStorageConfig rewrites c. Params are re-sealed; callers that
// did not change credentials must pass the decrypted originals back.
func (s *Store) UpdateStorageConfig(ctx context.Context, c *types.StorageConfig) error {
	c.UpdatedAt = time.Now()
	params, err := s.encryptParams(c.Params)
	if err != nil {
		return err
	}
	if c.IsDefault {
		if err := s.clearDefaultStorage(ctx); err != nil {
			return err
		}
	}
	res, err := s.exec(ctx, `UPDATE storage_configs SET name = ?, storage_type = ?,
 provider_type = ?, params = ?, default_folder = ?, is_public = ?, is_default = ?,
 total_storage = ?, updated_at = ? WHERE id = ?`,
		c.Name, c.StorageType, c.ProviderType, params, c.DefaultFolder,
		boolInt(c.IsPublic), boolInt(c.IsDefault), c.TotalStorage,
		tsOf(c.UpdatedAt), c.ID)
	if err != nil {
		return err
	}
	return mustAffect(res, "storage config %q not found", c.ID)
}

func (s *Store) clearDefaultStorage(ctx context.Context) error {
	_, err := s.exec(ctx, `UPDATE storage_configs SET is_default = 0 WHERE is_default = 1`)
	return err
}

// DeleteStorageConfig removes the config. A config still referenced by
// a mount is a Conflict.
func (s *Store) DeleteStorageConfig(ctx context.Context, id string) error {
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM mounts WHERE storage_config_id = ?`, id).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return types.NewConflict("storage config is used by %d mount(s)", n)
	}
	res, err := s.exec(ctx, `DELETE FROM storage_configs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := mustAffect(res, "storage config %q not found", id); err != nil {
		return err
	}
	_, err = s.exec(ctx, `DELETE FROM api_key_storage_acl WHERE storage_config_id = ?`, id)
	return err
}
