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

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"px/internal/cas/cerrors"
	"px/internal/cas/codec"
	"px/internal/cas/index"
	"px/internal/cas/lockfs"
	"px/internal/cas/metrics"
	"px/pkg/casmodel"
)

// CodeVersion is the running build's version string, recorded in the index
// meta table.
const CodeVersion = "0.1.0"

// Store is the content-addressable object store: the union of the on-disk
// objects tree, the sqlite index, and the advisory locks guarding both.
type Store struct {
	Layout Layout
	idx    *index.Index
}

// Open opens (creating if necessary) the store rooted at root, performing
// the health check and rebuild-from-disk dance.
func Open(root string) (*Store, error) {
	layout := NewLayout(root)
	for _, dir := range []string{layout.Root, layout.ObjectsDir(), layout.TmpDir(), layout.LocksDir(), layout.PkgBuildsDir(), layout.RuntimesDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to create %s", dir)
		}
	}

	indexPath := layout.IndexPath()
	_, statErr := os.Stat(indexPath)
	if os.IsNotExist(statErr) {
		idx, err := index.NewFresh(indexPath, CodeVersion)
		if err != nil {
			return nil, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to initialize index")
		}
		return &Store{Layout: layout, idx: idx}, nil
	}

	idx, err := index.Open(indexPath)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to open index")
	}

	ctx := context.Background()
	health, err := idx.CheckHealth(ctx)
	if err != nil {
		idx.Close()
		return nil, cerrors.Wrap(cerrors.IndexCorrupt, err, "failed to check index health")
	}

	switch health {
	case index.HealthOK:
		if err := idx.RefreshLastUsed(ctx, CodeVersion); err != nil {
			idx.Close()
			return nil, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to refresh last_used meta")
		}
		return &Store{Layout: layout, idx: idx}, nil

	case index.HealthIncompatibleFormat:
		idx.Close()
		return nil, cerrors.New(cerrors.IncompatibleFormat, "index at %s has an incompatible format/schema version", indexPath)

	case index.HealthMissingMeta:
		idx.Close()
		return nil, cerrors.New(cerrors.MissingMeta, "index at %s is missing created_by/last_used meta keys", indexPath)

	default: // HealthSoftCorrupt
		idx.Close()
		slog.Warn("index soft-corrupt, rebuilding from disk", "path", indexPath)
		rebuilt, err := RebuildFromDisk(layout, nil)
		if err != nil {
			return nil, err
		}
		return &Store{Layout: layout, idx: rebuilt}, nil
	}
}

// Close releases the index handle.
func (s *Store) Close() error { return s.idx.Close() }

// AcquireLock takes a blocking advisory lock on oid.
func (s *Store) AcquireLock(oid string) (*lockfs.Handle, error) {
	return lockfs.AcquireLock(s.Layout.Root, oid)
}

// TryLock takes a non-blocking advisory lock on oid, returning (nil, nil) if
// contended.
func (s *Store) TryLock(oid string) (*lockfs.Handle, error) {
	return lockfs.TryLock(s.Layout.Root, oid)
}

// ComputeOID returns the oid a payload would be stored under, without
// writing anything.
func ComputeOID(payload casmodel.Payload) (string, error) {
	return codec.ComputeOID(payload)
}

// Store writes payload to the CAS, returning the resulting StoredObject.
func (s *Store) Store(payload casmodel.Payload) (casmodel.StoredObject, error) {
	start := time.Now()
	defer func() { metrics.ObserveStoreOp(metrics.OpStore, time.Since(start)) }()

	canon, err := codec.CanonicalBytes(payload)
	if err != nil {
		return casmodel.StoredObject{}, err
	}
	oid, err := codec.ComputeOID(payload)
	if err != nil {
		return casmodel.StoredObject{}, err
	}

	lock, err := s.AcquireLock(oid)
	if err != nil {
		return casmodel.StoredObject{}, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to acquire lock for %s", oid)
	}
	defer lock.Close()

	ctx := context.Background()
	objPath := s.Layout.ObjectPath(oid)
	now := time.Now().Unix()

	if data, err := os.ReadFile(objPath); err == nil {
		onDiskOID := codec.VerifyDigest(data)
		if onDiskOID != oid {
			return casmodel.StoredObject{}, cerrors.New(cerrors.DigestMismatch, "object file %s does not hash to its own name", objPath).WithOID(oid).WithPath(objPath)
		}

		info, err := s.idx.GetObject(ctx, oid)
		if err != nil {
			return casmodel.StoredObject{}, cerrors.Wrap(cerrors.IndexCorrupt, err, "failed to query index for %s", oid)
		}
		if info == nil {
			if err := s.idx.InsertObject(ctx, casmodel.ObjectInfo{
				OID: oid, Kind: payload.Kind, Size: int64(len(data)), CreatedAt: now, LastAccessed: now,
			}); err != nil {
				return casmodel.StoredObject{}, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to insert repaired index row for %s", oid)
			}
		} else {
			if info.Kind != payload.Kind {
				return casmodel.StoredObject{}, cerrors.New(cerrors.KindMismatch, "index records kind %s for %s but payload is %s", info.Kind, oid, payload.Kind).WithOID(oid)
			}
			if info.Size != int64(len(data)) {
				return casmodel.StoredObject{}, cerrors.New(cerrors.SizeMismatch, "index records size %d for %s but file is %d bytes", info.Size, oid, len(data)).WithOID(oid)
			}
			if err := s.idx.TouchLastAccessed(ctx, oid, now); err != nil {
				return casmodel.StoredObject{}, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to touch last_accessed for %s", oid)
			}
		}

		if err := s.maybeWriteRuntimeManifest(payload, oid, ""); err != nil {
			return casmodel.StoredObject{}, err
		}
		metrics.ObserveObjectStored(string(payload.Kind))
		return casmodel.StoredObject{OID: oid, Path: objPath, Size: int64(len(data)), Kind: payload.Kind}, nil
	}

	if err := os.MkdirAll(s.Layout.ObjectShardDir(oid), 0755); err != nil {
		return casmodel.StoredObject{}, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to create shard dir for %s", oid)
	}
	n, err := lockfs.AtomicPublish(s.Layout.Root, oid, objPath, bytes.NewReader(canon))
	if err != nil {
		return casmodel.StoredObject{}, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to publish object %s", oid)
	}
	if err := os.Chmod(objPath, 0444); err != nil {
		return casmodel.StoredObject{}, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to harden object %s to read-only", oid)
	}

	written, err := os.ReadFile(objPath)
	if err != nil {
		return casmodel.StoredObject{}, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to reread %s for verification", objPath)
	}
	verifiedOID := codec.VerifyDigest(written)
	if verifiedOID != oid {
		return casmodel.StoredObject{}, cerrors.New(cerrors.DigestMismatch, "post-write verification of %s failed", oid).WithOID(oid).WithPath(objPath)
	}

	if err := s.idx.InsertObject(ctx, casmodel.ObjectInfo{
		OID: oid, Kind: payload.Kind, Size: n, CreatedAt: now, LastAccessed: now,
	}); err != nil {
		return casmodel.StoredObject{}, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to insert index row for %s", oid)
	}

	if err := s.maybeWriteRuntimeManifest(payload, oid, ""); err != nil {
		return casmodel.StoredObject{}, err
	}

	metrics.ObserveObjectStored(string(payload.Kind))
	return casmodel.StoredObject{OID: oid, Path: objPath, Size: n, Kind: payload.Kind}, nil
}

// maybeWriteRuntimeManifest writes the runtimes/<oid>/manifest.json sidecar
// that lets index rebuild recover Runtime owner refs. Store and Load pass an
// empty ownerID; an empty ownerID keeps the owner_id already recorded in an
// existing sidecar, and rebuild recovers a ref only from a non-empty one.
func (s *Store) maybeWriteRuntimeManifest(payload casmodel.Payload, oid, ownerID string) error {
	if payload.Kind != casmodel.KindRuntime || payload.RuntimeHeader == nil {
		return nil
	}
	if ownerID == "" {
		var existing runtimeManifest
		if b, err := os.ReadFile(s.Layout.RuntimeManifestPath(oid)); err == nil && json.Unmarshal(b, &existing) == nil {
			ownerID = existing.OwnerID
		}
	}
	dir := s.Layout.RuntimeDir(oid)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to create runtime manifest dir for %s", oid)
	}
	manifest := runtimeManifest{
		RuntimeOID: oid,
		Version:    payload.RuntimeHeader.Version,
		Platform:   payload.RuntimeHeader.Platform,
		OwnerID:    ownerID,
	}
	return writeJSONFile(s.Layout.RuntimeManifestPath(oid), manifest)
}

type runtimeManifest struct {
	RuntimeOID string `json:"runtime_oid"`
	Version    string `json:"version"`
	Platform   string `json:"platform"`
	OwnerID    string `json:"owner_id"`
}

// Load reads and decodes an object, repairing its index row if missing.
func (s *Store) Load(oid string) (casmodel.LoadedObject, error) {
	start := time.Now()
	defer func() { metrics.ObserveStoreOp(metrics.OpLoad, time.Since(start)) }()

	ctx := context.Background()
	objPath := s.Layout.ObjectPath(oid)

	info, err := s.idx.GetObject(ctx, oid)
	if err != nil {
		return casmodel.LoadedObject{}, cerrors.Wrap(cerrors.IndexCorrupt, err, "failed to query index for %s", oid)
	}
	if info == nil {
		repaired, repairErr := s.repairObjectRow(ctx, oid)
		if repairErr != nil {
			return casmodel.LoadedObject{}, repairErr
		}
		info = repaired
	}

	data, err := os.ReadFile(objPath)
	if err != nil {
		if os.IsNotExist(err) {
			return casmodel.LoadedObject{}, cerrors.New(cerrors.MissingObject, "object file missing for %s", oid).WithOID(oid).WithPath(objPath)
		}
		return casmodel.LoadedObject{}, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to read %s", objPath)
	}
	digestOID := codec.VerifyDigest(data)
	if digestOID != oid {
		return casmodel.LoadedObject{}, cerrors.New(cerrors.DigestMismatch, "object %s failed digest verification", oid).WithOID(oid).WithPath(objPath)
	}

	if err := s.idx.TouchLastAccessed(ctx, oid, time.Now().Unix()); err != nil {
		return casmodel.LoadedObject{}, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to touch last_accessed for %s", oid)
	}

	loaded, err := codec.Decode(data, oid)
	if err != nil {
		return casmodel.LoadedObject{}, err
	}
	if loaded.Kind != info.Kind {
		return casmodel.LoadedObject{}, cerrors.New(cerrors.KindMismatch, "decoded kind %s disagrees with index kind %s for %s", loaded.Kind, info.Kind, oid).WithOID(oid)
	}

	if loaded.Kind == casmodel.KindRuntime && loaded.RuntimeHeader != nil {
		_ = s.maybeWriteRuntimeManifest(casmodel.Payload{Kind: casmodel.KindRuntime, RuntimeHeader: loaded.RuntimeHeader}, oid, "")
	}

	metrics.ObserveObjectLoaded(string(loaded.Kind))
	return loaded, nil
}

// repairObjectRow reads the object file directly from disk, verifies its
// digest, decodes its kind, and inserts the missing index row. Used by Load
// and AddRef when the index has no row for an oid that may still be on disk.
func (s *Store) repairObjectRow(ctx context.Context, oid string) (*casmodel.ObjectInfo, error) {
	objPath := s.Layout.ObjectPath(oid)
	data, err := os.ReadFile(objPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cerrors.New(cerrors.MissingObject, "no index row and no object file for %s", oid).WithOID(oid).WithPath(objPath)
		}
		return nil, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to read %s during repair", objPath)
	}
	digestOID := codec.VerifyDigest(data)
	if digestOID != oid {
		return nil, cerrors.New(cerrors.DigestMismatch, "object %s failed digest verification during repair", oid).WithOID(oid).WithPath(objPath)
	}
	kind, err := codec.DecodeKind(data)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(objPath)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to stat %s during repair", objPath)
	}
	now := time.Now().Unix()
	info := casmodel.ObjectInfo{OID: oid, Kind: kind, Size: st.Size(), CreatedAt: now, LastAccessed: now}
	if err := s.idx.InsertObject(ctx, info); err != nil {
		return nil, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to insert repaired index row for %s", oid)
	}
	return &info, nil
}

// AddRef records that owner depends on oid.
func (s *Store) AddRef(owner casmodel.OwnerID, oid string) error {
	ctx := context.Background()
	info, err := s.idx.GetObject(ctx, oid)
	if err != nil {
		return cerrors.Wrap(cerrors.IndexCorrupt, err, "failed to query index for %s", oid)
	}
	if info == nil {
		if _, err := s.repairObjectRow(ctx, oid); err != nil {
			return err
		}
	}
	if err := s.idx.AddRef(ctx, owner, oid); err != nil {
		return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to add ref %s -> %s", owner, oid)
	}
	return nil
}

// RemoveRef deletes one reference edge, returning whether it existed.
func (s *Store) RemoveRef(owner casmodel.OwnerID, oid string) (bool, error) {
	removed, err := s.idx.RemoveRef(context.Background(), owner, oid)
	if err != nil {
		return false, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to remove ref %s -> %s", owner, oid)
	}
	return removed, nil
}

// RemoveOwnerRefs deletes every edge for owner, returning the count removed.
func (s *Store) RemoveOwnerRefs(owner casmodel.OwnerID) (int, error) {
	n, err := s.idx.RemoveOwnerRefs(context.Background(), owner)
	if err != nil {
		return 0, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to remove refs for owner %s", owner)
	}
	return n, nil
}

// RefsFor enumerates the owners currently holding oid alive.
func (s *Store) RefsFor(oid string) ([]casmodel.OwnerID, error) {
	refs, err := s.idx.RefsFor(context.Background(), oid)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.IndexCorrupt, err, "failed to query refs for %s", oid)
	}
	return refs, nil
}

// ObjectInfo returns the index-backed metadata row for oid, or nil if absent.
func (s *Store) ObjectInfo(oid string) (*casmodel.ObjectInfo, error) {
	info, err := s.idx.GetObject(context.Background(), oid)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.IndexCorrupt, err, "failed to query index for %s", oid)
	}
	return info, nil
}

// RecordKey upserts a lookup-key mapping.
func (s *Store) RecordKey(kind casmodel.ObjectKind, key, oid string) error {
	if err := s.idx.RecordKey(context.Background(), kind, key, oid); err != nil {
		return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to record key %s/%s", kind, key)
	}
	return nil
}

// LookupKey resolves a lookup key to an oid, self-healing stale mappings.
func (s *Store) LookupKey(kind casmodel.ObjectKind, key string) (string, bool, error) {
	ctx := context.Background()
	oid, ok, err := s.idx.LookupKey(ctx, kind, key)
	if err != nil {
		return "", false, cerrors.Wrap(cerrors.IndexCorrupt, err, "failed to look up key %s/%s", kind, key)
	}
	if !ok {
		return "", false, nil
	}

	objPath := s.Layout.ObjectPath(oid)
	data, err := os.ReadFile(objPath)
	valid := err == nil
	if valid {
		valid = codec.VerifyDigest(data) == oid
	}
	if valid {
		return oid, true, nil
	}

	slog.Warn("lookup key pointed at missing/corrupt object, clearing", "kind", kind, "key", key, "oid", oid)
	_ = s.idx.DeleteKey(ctx, kind, key)
	_ = s.idx.DeleteObjectRow(ctx, oid)
	return "", false, nil
}

// List enumerates objects, optionally filtered by kind and/or oid prefix.
func (s *Store) List(kind casmodel.ObjectKind, prefix string) ([]casmodel.ObjectInfo, error) {
	infos, err := s.idx.ListObjects(context.Background(), string(kind), prefix)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.IndexCorrupt, err, "failed to list objects")
	}
	return infos, nil
}

// SweepPartials removes every stale *.partial file under <root>/tmp.
func (s *Store) SweepPartials() (int, error) {
	entries, err := os.ReadDir(s.Layout.TmpDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to list tmp dir")
	}
	removed := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".partial" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.Layout.TmpDir(), e.Name())); err != nil {
			return removed, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to remove partial %s", e.Name())
		}
		removed++
	}
	return removed, nil
}

// VerifySample re-verifies the digest of up to n indexed objects, chosen in
// index order, returning the oids that failed verification.
func (s *Store) VerifySample(n int) ([]string, error) {
	infos, err := s.idx.AllObjects(context.Background())
	if err != nil {
		return nil, cerrors.Wrap(cerrors.IndexCorrupt, err, "failed to list objects for sampling")
	}
	var bad []string
	for i, info := range infos {
		if i >= n {
			break
		}
		data, err := os.ReadFile(s.Layout.ObjectPath(info.OID))
		if err != nil {
			bad = append(bad, info.OID)
			continue
		}
		if codec.VerifyDigest(data) != info.OID {
			bad = append(bad, info.OID)
		}
	}
	return bad, nil
}

func writeJSONFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to marshal %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to create parent dir for %s", path)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to rename %s -> %s", tmp, path)
	}
	return lockfs.FsyncDir(filepath.Dir(path))
}
