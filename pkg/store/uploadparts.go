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

// The upload_parts table backs the server_records parts-ledger policy:
// drivers that cannot enumerate uploaded parts themselves get their
// ETags journaled here as each part lands.

// RecordUploadPart journals one uploaded part. Re-uploading a part
// number overwrites its previous record.
func (s *Store) RecordUploadPart(ctx context.Context, uploadID string, p types.PartRecord) error {
	now := time.Now().Unix()
	var q string
	switch s.flavor {
	case flavorMySQL:
		q = `INSERT INTO upload_parts (upload_id, part_number, etag, size, uploaded_at)
 VALUES (?, ?, ?, ?, ?)
 ON DUPLICATE KEY UPDATE etag = VALUES(etag), size = VALUES(size), uploaded_at = VALUES(uploaded_at)`
	default:
		q = `INSERT INTO upload_parts (upload_id, part_number, etag, size, uploaded_at)
 VALUES (?, ?, ?, ?, ?)
 ON CONFLICT (upload_id, part_number) DO UPDATE SET etag = excluded.etag,
 size = excluded.size, uploaded_at = excluded.uploaded_at`
	}
	_, err := s.exec(ctx, q, uploadID, p.PartNumber, p.ETag, p.Size, now)
	return err
}

// UploadParts returns the journaled parts of an upload in part order.
func (s *Store) UploadParts(ctx context.Context, uploadID string) ([]types.PartRecord, error) {
	rows, err := s.query(ctx, `SELECT part_number, etag, size FROM upload_parts
 WHERE upload_id = ? ORDER BY part_number`, uploadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.PartRecord
	for rows.Next() {
		var p types.PartRecord
		if err := rows.Scan(&p.PartNumber, &p.ETag, &p.Size); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClearUploadParts drops the journal for an upload, called after
// complete or abort. Safe to call when no rows exist.
func (s *Store) ClearUploadParts(ctx context.Context, uploadID string) error {
	_, err := s.exec(ctx, `DELETE FROM upload_parts WHERE upload_id = ?`, uploadID)
	return err
}

// PurgeUploadParts drops journals older than cutoff, catching ledgers
// orphaned by crashed clients.
func (s *Store) PurgeUploadParts(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.exec(ctx, `DELETE FROM upload_parts WHERE uploaded_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
