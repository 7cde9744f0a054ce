// px is a content-addressable object store and environment materializer
// for Python package builds.
// Copyright (C) 2026 The px Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package index implements the transactional relational store described in
// object metadata, reference edges, and lookup keys, backed by
// modernc.org/sqlite (pure Go, no cgo) the same way internal/database/database.go
// database/sql, a busy timeout, and foreign-key cascades enabled via the
// connection DSN.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"px/pkg/casmodel"
)

// FormatVersion and SchemaVersion are the constants a compatible index must
// carry in its meta table. Bump SchemaVersion whenever the
// table shapes below change in a way old code cannot read.
const (
	FormatVersion = "1"
	SchemaVersion = "1"

	metaFormatVersion = "cas_format_version"
	metaSchemaVersion = "schema_version"
	metaCreatedBy     = "created_by_px_version"
	metaLastUsed      = "last_used_px_version"
)

const busyTimeout = 10 * time.Second

// Index wraps the on-disk index database.
type Index struct {
	db   *sql.DB
	path string
}

// HealthStatus classifies the result of CheckHealth.
type HealthStatus int

const (
	// HealthOK means the index is usable as-is.
	HealthOK HealthStatus = iota
	// HealthSoftCorrupt means integrity failed or a table is missing;
	// the caller should rebuild from disk and not surface an error.
	HealthSoftCorrupt
	// HealthIncompatibleFormat means cas_format_version/schema_version
	// disagree with the code's constants; the caller must surface
	// cerrors.IncompatibleFormat and must NOT auto-repair.
	HealthIncompatibleFormat
	// HealthMissingMeta means the format/schema versions match but the
	// created_by/last_used bookkeeping keys are absent; the caller must
	// surface cerrors.MissingMeta.
	HealthMissingMeta
)

func dsn(path string) string {
	return fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)", path, busyTimeout.Milliseconds())
}

// Open opens an existing index file (or creates an empty sqlite file at
// path, which CheckHealth will then report as soft-corrupt so the caller
// initializes its schema via NewFresh). Most callers should use NewFresh for
// first-time creation and Open for subsequent opens.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("index: failed to open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: failed to ping %s: %w", path, err)
	}
	return &Index{db: db, path: path}, nil
}

// NewFresh creates and initializes a brand new index at path: schema plus
// the meta rows recording the format/schema versions and code version.
func NewFresh(path, codeVersion string) (*Index, error) {
	ix, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := ix.InitSchema(context.Background()); err != nil {
		ix.Close()
		return nil, err
	}
	now := time.Now().Unix()
	_ = now
	if err := ix.SetMeta(context.Background(), metaFormatVersion, FormatVersion); err != nil {
		ix.Close()
		return nil, err
	}
	if err := ix.SetMeta(context.Background(), metaSchemaVersion, SchemaVersion); err != nil {
		ix.Close()
		return nil, err
	}
	if err := ix.SetMeta(context.Background(), metaCreatedBy, codeVersion); err != nil {
		ix.Close()
		return nil, err
	}
	if err := ix.SetMeta(context.Background(), metaLastUsed, codeVersion); err != nil {
		ix.Close()
		return nil, err
	}
	return ix, nil
}

// Close closes the underlying database handle.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Path returns the filesystem path backing this index.
func (ix *Index) Path() string { return ix.path }

// InitSchema creates the four tables if absent.
func (ix *Index) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS objects (
			oid TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			size INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			last_accessed INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS refs (
			owner_type TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			oid TEXT NOT NULL REFERENCES objects(oid) ON DELETE CASCADE,
			PRIMARY KEY (owner_type, owner_id, oid)
		)`,
		`CREATE TABLE IF NOT EXISTS keys (
			kind TEXT NOT NULL,
			lookup_key TEXT NOT NULL,
			oid TEXT NOT NULL REFERENCES objects(oid) ON DELETE CASCADE,
			PRIMARY KEY (kind, lookup_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_refs_oid ON refs(oid)`,
		`CREATE INDEX IF NOT EXISTS idx_keys_oid ON keys(oid)`,
		`CREATE INDEX IF NOT EXISTS idx_objects_last_accessed ON objects(last_accessed)`,
	}
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin schema tx: %w", err)
	}
	defer tx.Rollback()
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("index: exec schema statement: %w", err)
		}
	}
	return tx.Commit()
}

// CheckHealth implements the open-time health check.
func (ix *Index) CheckHealth(ctx context.Context) (HealthStatus, error) {
	ok, err := ix.integrityOK(ctx)
	if err != nil {
		return HealthSoftCorrupt, nil
	}
	if !ok {
		return HealthSoftCorrupt, nil
	}
	for _, t := range []string{"meta", "objects", "refs", "keys"} {
		exists, err := ix.tableExists(ctx, t)
		if err != nil || !exists {
			return HealthSoftCorrupt, nil
		}
	}

	fv, fvOK, err := ix.GetMeta(ctx, metaFormatVersion)
	if err != nil {
		return HealthSoftCorrupt, nil
	}
	sv, svOK, err := ix.GetMeta(ctx, metaSchemaVersion)
	if err != nil {
		return HealthSoftCorrupt, nil
	}
	if !fvOK || !svOK {
		return HealthSoftCorrupt, nil
	}
	if fv != FormatVersion || sv != SchemaVersion {
		return HealthIncompatibleFormat, nil
	}

	_, createdOK, err := ix.GetMeta(ctx, metaCreatedBy)
	if err != nil {
		return HealthSoftCorrupt, nil
	}
	_, lastUsedOK, err := ix.GetMeta(ctx, metaLastUsed)
	if err != nil {
		return HealthSoftCorrupt, nil
	}
	if !createdOK || !lastUsedOK {
		return HealthMissingMeta, nil
	}

	return HealthOK, nil
}

// RefreshLastUsed updates last_used_px_version on successful open.
func (ix *Index) RefreshLastUsed(ctx context.Context, codeVersion string) error {
	return ix.SetMeta(ctx, metaLastUsed, codeVersion)
}

func (ix *Index) integrityOK(ctx context.Context) (bool, error) {
	row := ix.db.QueryRowContext(ctx, "PRAGMA integrity_check")
	var result string
	if err := row.Scan(&result); err != nil {
		return false, err
	}
	return strings.EqualFold(result, "ok"), nil
}

func (ix *Index) tableExists(ctx context.Context, name string) (bool, error) {
	row := ix.db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, name)
	var got string
	if err := row.Scan(&got); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Meta

func (ix *Index) SetMeta(ctx context.Context, key, value string) error {
	_, err := ix.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value)
	return err
}

func (ix *Index) GetMeta(ctx context.Context, key string) (string, bool, error) {
	row := ix.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

// Objects

func (ix *Index) InsertObject(ctx context.Context, info casmodel.ObjectInfo) error {
	_, err := ix.db.ExecContext(ctx,
		`INSERT INTO objects (oid, kind, size, created_at, last_accessed) VALUES (?, ?, ?, ?, ?)`,
		info.OID, string(info.Kind), info.Size, info.CreatedAt, info.LastAccessed)
	return err
}

func (ix *Index) GetObject(ctx context.Context, oid string) (*casmodel.ObjectInfo, error) {
	row := ix.db.QueryRowContext(ctx,
		`SELECT oid, kind, size, created_at, last_accessed FROM objects WHERE oid = ?`, oid)
	var info casmodel.ObjectInfo
	var kind string
	if err := row.Scan(&info.OID, &kind, &info.Size, &info.CreatedAt, &info.LastAccessed); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	info.Kind = casmodel.ObjectKind(kind)
	return &info, nil
}

func (ix *Index) TouchLastAccessed(ctx context.Context, oid string, t int64) error {
	_, err := ix.db.ExecContext(ctx, `UPDATE objects SET last_accessed = ? WHERE oid = ?`, t, oid)
	return err
}

// SetCreatedAt overrides the recorded creation time of oid. Used by rebuild
// to preserve on-disk mtimes across a reinsert.
func (ix *Index) SetCreatedAt(ctx context.Context, oid string, t int64) error {
	_, err := ix.db.ExecContext(ctx, `UPDATE objects SET created_at = ? WHERE oid = ?`, t, oid)
	return err
}

// DeleteObjectIfUnreferenced deletes the object row (cascading refs/keys)
// only if no refs currently point to it, within a single transaction. This
// is the linchpin that prevents a race with a concurrent AddRef.
func (ix *Index) DeleteObjectIfUnreferenced(ctx context.Context, oid string) (bool, error) {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM refs WHERE oid = ?`, oid).Scan(&count); err != nil {
		return false, err
	}
	if count > 0 {
		return false, tx.Commit()
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE oid = ?`, oid)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteObjectRow force-deletes an object row regardless of refs (used by
// doctor when purging a corrupt/missing object, which also prunes its refs
// and keys by cascade).
func (ix *Index) DeleteObjectRow(ctx context.Context, oid string) error {
	_, err := ix.db.ExecContext(ctx, `DELETE FROM objects WHERE oid = ?`, oid)
	return err
}

func (ix *Index) ListObjects(ctx context.Context, kind string, prefix string) ([]casmodel.ObjectInfo, error) {
	query := `SELECT oid, kind, size, created_at, last_accessed FROM objects WHERE 1=1`
	var args []any
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	if prefix != "" {
		query += ` AND oid LIKE ?`
		args = append(args, prefix+"%")
	}
	query += ` ORDER BY oid`
	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []casmodel.ObjectInfo
	for rows.Next() {
		var info casmodel.ObjectInfo
		var k string
		if err := rows.Scan(&info.OID, &k, &info.Size, &info.CreatedAt, &info.LastAccessed); err != nil {
			return nil, err
		}
		info.Kind = casmodel.ObjectKind(k)
		out = append(out, info)
	}
	return out, rows.Err()
}

func (ix *Index) AllObjects(ctx context.Context) ([]casmodel.ObjectInfo, error) {
	return ix.ListObjects(ctx, "", "")
}

func (ix *Index) TotalSize(ctx context.Context) (int64, error) {
	row := ix.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM objects`)
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// UnreferencedOlderThanByLastAccessed returns unreferenced objects created
// at or before cutoff, ordered oldest-last-accessed-first, for the size-cap
// GC pass.
func (ix *Index) UnreferencedOlderThanByLastAccessed(ctx context.Context, cutoff int64) ([]casmodel.ObjectInfo, error) {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT o.oid, o.kind, o.size, o.created_at, o.last_accessed
		FROM objects o
		LEFT JOIN refs r ON r.oid = o.oid
		WHERE r.oid IS NULL AND o.created_at <= ?
		ORDER BY o.last_accessed ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []casmodel.ObjectInfo
	for rows.Next() {
		var info casmodel.ObjectInfo
		var k string
		if err := rows.Scan(&info.OID, &k, &info.Size, &info.CreatedAt, &info.LastAccessed); err != nil {
			return nil, err
		}
		info.Kind = casmodel.ObjectKind(k)
		out = append(out, info)
	}
	return out, rows.Err()
}

// Refs

func (ix *Index) AddRef(ctx context.Context, owner casmodel.OwnerID, oid string) error {
	_, err := ix.db.ExecContext(ctx,
		`INSERT INTO refs (owner_type, owner_id, oid) VALUES (?, ?, ?)
		 ON CONFLICT(owner_type, owner_id, oid) DO NOTHING`,
		string(owner.Type), owner.ID, oid)
	return err
}

func (ix *Index) RemoveRef(ctx context.Context, owner casmodel.OwnerID, oid string) (bool, error) {
	res, err := ix.db.ExecContext(ctx,
		`DELETE FROM refs WHERE owner_type = ? AND owner_id = ? AND oid = ?`,
		string(owner.Type), owner.ID, oid)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (ix *Index) RemoveOwnerRefs(ctx context.Context, owner casmodel.OwnerID) (int, error) {
	res, err := ix.db.ExecContext(ctx,
		`DELETE FROM refs WHERE owner_type = ? AND owner_id = ?`, string(owner.Type), owner.ID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (ix *Index) RefsFor(ctx context.Context, oid string) ([]casmodel.OwnerID, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT owner_type, owner_id FROM refs WHERE oid = ? ORDER BY owner_type, owner_id`, oid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []casmodel.OwnerID
	for rows.Next() {
		var t, id string
		if err := rows.Scan(&t, &id); err != nil {
			return nil, err
		}
		out = append(out, casmodel.OwnerID{Type: casmodel.OwnerType(t), ID: id})
	}
	return out, rows.Err()
}

// LiveSet returns the distinct set of oids with at least one ref.
func (ix *Index) LiveSet(ctx context.Context) (map[string]bool, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT DISTINCT oid FROM refs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	live := make(map[string]bool)
	for rows.Next() {
		var oid string
		if err := rows.Scan(&oid); err != nil {
			return nil, err
		}
		live[oid] = true
	}
	return live, rows.Err()
}

// Lookup keys

func (ix *Index) RecordKey(ctx context.Context, kind casmodel.ObjectKind, key, oid string) error {
	_, err := ix.db.ExecContext(ctx,
		`INSERT INTO keys (kind, lookup_key, oid) VALUES (?, ?, ?)
		 ON CONFLICT(kind, lookup_key) DO UPDATE SET oid=excluded.oid`,
		string(kind), key, oid)
	return err
}

func (ix *Index) LookupKey(ctx context.Context, kind casmodel.ObjectKind, key string) (string, bool, error) {
	row := ix.db.QueryRowContext(ctx, `SELECT oid FROM keys WHERE kind = ? AND lookup_key = ?`, string(kind), key)
	var oid string
	if err := row.Scan(&oid); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	return oid, true, nil
}

func (ix *Index) DeleteKey(ctx context.Context, kind casmodel.ObjectKind, key string) error {
	_, err := ix.db.ExecContext(ctx, `DELETE FROM keys WHERE kind = ? AND lookup_key = ?`, string(kind), key)
	return err
}

func (ix *Index) DeleteKeysForOID(ctx context.Context, oid string) (int, error) {
	res, err := ix.db.ExecContext(ctx, `DELETE FROM keys WHERE oid = ?`, oid)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// PruneDanglingRefs removes refs/keys whose oid no longer exists in objects
// (used by doctor; normally unnecessary since FK cascade handles this, but
// guards against a database created without foreign_keys enforcement).
func (ix *Index) PruneDanglingRefs(ctx context.Context) (int, int, error) {
	refRes, err := ix.db.ExecContext(ctx, `DELETE FROM refs WHERE oid NOT IN (SELECT oid FROM objects)`)
	if err != nil {
		return 0, 0, err
	}
	refsPruned, err := refRes.RowsAffected()
	if err != nil {
		return 0, 0, err
	}
	keyRes, err := ix.db.ExecContext(ctx, `DELETE FROM keys WHERE oid NOT IN (SELECT oid FROM objects)`)
	if err != nil {
		return int(refsPruned), 0, err
	}
	keysPruned, err := keyRes.RowsAffected()
	if err != nil {
		return int(refsPruned), 0, err
	}
	return int(refsPruned), int(keysPruned), nil
}
