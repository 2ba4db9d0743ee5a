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

// Package store is the gateway's persistence layer: mounts, storage
// configs, API keys, shares, jobs, schedules, settings, directory
// metadata, upload-part ledgers, and WebDAV locks, all behind one
// Store type speaking database/sql.
//
// SQLite is the default and primary backend; MySQL and PostgreSQL are
// selected by DSN scheme for installs that already run one. The
// full-text search index does not live here: it is derived data in its
// own SQLite file, owned by pkg/fsindex, and excluded from backups.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"go4.org/syncutil"

	"cloudpaste.org/pkg/types"
)

type flavor int

const (
	flavorSQLite flavor = iota
	flavorMySQL
	flavorPostgres
)

// Store wraps the gateway database.
type Store struct {
	db     *sql.DB
	flavor flavor

	// gate limits concurrent statements. SQLite's driver likes to
	// return "database is locked" under write contention; one writer
	// at a time keeps the pressure off. MySQL/Postgres run ungated.
	gate *syncutil.Gate

	// CredSecret encrypts storage-config connection parameters at
	// rest. Empty disables encryption (tests).
	CredSecret string
}

// Open opens (and if needed initializes) the database at dsn.
//
//	""                          in-memory SQLite (tests)
//	"/var/lib/cloudpaste.db"    SQLite file
//	"sqlite:/path/to.db"        SQLite file
//	"mysql://user:pw@host/db"   MySQL
//	"postgres://..."            PostgreSQL (DSN passed through)
func Open(ctx context.Context, dsn string) (*Store, error) {
	s := &Store{}
	var driver, arg string
	switch {
	case dsn == "":
		driver, arg = "sqlite", "file::memory:?mode=memory&cache=shared"
	case strings.HasPrefix(dsn, "sqlite:"):
		driver, arg = "sqlite", strings.TrimPrefix(dsn, "sqlite:")
	case strings.HasPrefix(dsn, "mysql://"):
		driver, arg = "mysql", mysqlDSN(strings.TrimPrefix(dsn, "mysql://"))
		s.flavor = flavorMySQL
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		driver, arg = "postgres", dsn
		s.flavor = flavorPostgres
	default:
		driver, arg = "sqlite", dsn
	}
	db, err := sql.Open(driver, arg)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	s.db = db
	if s.flavor == flavorSQLite {
		s.gate = syncutil.NewGate(1)
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA foreign_keys = ON",
			"PRAGMA busy_timeout = 5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				return nil, fmt.Errorf("store: %s: %w", pragma, err)
			}
		}
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// mysqlDSN converts the URL form user:pw@host:port/db into the
// go-sql-driver form user:pw@tcp(host:port)/db.
func mysqlDSN(rest string) string {
	cred, hostdb, ok := strings.Cut(rest, "@")
	if !ok {
		return rest
	}
	host, db, _ := strings.Cut(hostdb, "/")
	if !strings.Contains(host, ":") {
		host += ":3306"
	}
	return fmt.Sprintf("%s@tcp(%s)/%s?parseTime=false", cred, host, db)
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for one-off maintenance queries (dashboard
// counts). Regular access goes through the typed methods.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) start() func() {
	if s.gate == nil {
		return func() {}
	}
	s.gate.Start()
	return s.gate.Done
}

// ph rewrites ? placeholders into the flavor's syntax. Only Postgres
// differs.
func (s *Store) ph(q string) string {
	if s.flavor != flavorPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	defer s.start()()
	return s.db.ExecContext(ctx, s.ph(q), args...)
}

func (s *Store) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	defer s.start()()
	return s.db.QueryContext(ctx, s.ph(q), args...)
}

func (s *Store) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	defer s.start()()
	return s.db.QueryRowContext(ctx, s.ph(q), args...)
}

// NewID returns a fresh 16-byte random identifier in hex. Used for
// every primary key so the schema needs no autoincrement.
func NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // rand.Read does not fail on supported platforms
	}
	return hex.EncodeToString(buf)
}

// NewSecret returns a fresh API-key secret with a recognizable prefix.
func NewSecret() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return "cp_" + hex.EncodeToString(buf)
}

// Timestamps are stored as unix seconds so the three backends agree on
// representation. 0/NULL means unset.

func tsOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func tsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeOf(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func timePtr(sec sql.NullInt64) *time.Time {
	if !sec.Valid || sec.Int64 == 0 {
		return nil
	}
	t := time.Unix(sec.Int64, 0).UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// notFound converts sql.ErrNoRows into the gateway's typed error.
func notFound(err error, format string, args ...any) error {
	if err == sql.ErrNoRows {
		return types.NewNotFound(format, args...)
	}
	return err
}
