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
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"px/internal/cas/cerrors"
	"px/internal/cas/index"
	"px/internal/cas/lockfs"
	"px/internal/cas/metrics"
	"px/pkg/casmodel"
)

// GarbageCollect reclaims unreferenced objects older than grace, then
// sweeps orphaned files.
func (s *Store) GarbageCollect(grace time.Duration) (casmodel.GCSummary, error) {
	return s.garbageCollect(grace, 0)
}

// GarbageCollectWithLimit additionally reclaims unreferenced objects beyond
// grace, oldest-last-accessed-first, until total store size is under
// maxBytes or candidates are exhausted.
func (s *Store) GarbageCollectWithLimit(grace time.Duration, maxBytes int64) (casmodel.GCSummary, error) {
	return s.garbageCollect(grace, maxBytes)
}

func (s *Store) garbageCollect(grace time.Duration, maxBytes int64) (casmodel.GCSummary, error) {
	start := time.Now()
	ctx := context.Background()
	var summary casmodel.GCSummary
	defer func() {
		metrics.ObserveGC(summary.Scanned, summary.Reclaimed, summary.ReclaimedBytes, time.Since(start))
	}()

	if err := s.ensureIndexHealthy(ctx); err != nil {
		return summary, err
	}

	live, err := s.idx.LiveSet(ctx)
	if err != nil {
		return summary, cerrors.Wrap(cerrors.IndexCorrupt, err, "failed to compute live set")
	}

	all, err := s.idx.AllObjects(ctx)
	if err != nil {
		return summary, cerrors.Wrap(cerrors.IndexCorrupt, err, "failed to list objects for gc")
	}

	cutoff := time.Now().Add(-grace).Unix()
	for _, info := range all {
		summary.Scanned++
		if live[info.OID] {
			continue
		}
		if info.CreatedAt > cutoff {
			continue
		}
		reclaimed, err := s.reclaimObject(ctx, info.OID)
		if err != nil {
			return summary, err
		}
		if reclaimed {
			summary.Reclaimed++
			summary.ReclaimedBytes += info.Size
		}
	}

	orphaned, orphanedBytes, err := s.sweepOrphanedFiles(ctx, cutoff)
	if err != nil {
		return summary, err
	}
	summary.Reclaimed += orphaned
	summary.ReclaimedBytes += orphanedBytes

	if maxBytes > 0 {
		if err := s.reclaimToSizeCap(ctx, maxBytes, cutoff, &summary); err != nil {
			return summary, err
		}
	}

	return summary, nil
}

// ensureIndexHealthy triggers a rebuild if the index is soft-corrupt before
// scanning for reclaimable objects.
func (s *Store) ensureIndexHealthy(ctx context.Context) error {
	health, err := s.idx.CheckHealth(ctx)
	if err != nil {
		return cerrors.Wrap(cerrors.IndexCorrupt, err, "failed to check index health before gc")
	}
	switch health {
	case index.HealthOK:
		return nil
	case index.HealthIncompatibleFormat:
		return cerrors.New(cerrors.IncompatibleFormat, "index has an incompatible format/schema version")
	case index.HealthMissingMeta:
		return cerrors.New(cerrors.MissingMeta, "index is missing created_by/last_used meta keys")
	default:
		slog.Warn("index soft-corrupt before gc, rebuilding from disk")
		s.idx.Close()
		rebuilt, err := RebuildFromDisk(s.Layout, nil)
		if err != nil {
			return err
		}
		s.idx = rebuilt
		return nil
	}
}

// reclaimObject deletes oid's index row transactionally-iff-unreferenced,
// then its on-disk artifacts. Deleting the row only when no refs exist at
// that instant is what prevents a racing AddRef from leaving a referenced
// oid whose file has already been removed.
func (s *Store) reclaimObject(ctx context.Context, oid string) (bool, error) {
	lock, err := s.TryLock(oid)
	if err != nil {
		return false, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to try-lock %s during gc", oid)
	}
	if lock == nil {
		metrics.IncLockContention(metrics.LockObject)
		return false, nil // contended; skip this round
	}
	defer lock.Close()

	deleted, err := s.idx.DeleteObjectIfUnreferenced(ctx, oid)
	if err != nil {
		return false, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to delete object row for %s", oid)
	}
	if !deleted {
		return false, nil
	}

	os.Remove(s.Layout.ObjectPath(oid))
	removeMaterializedResidue(s.Layout.PkgBuildDir(oid), oid)
	removeMaterializedResidue(s.Layout.RuntimeDir(oid), oid)
	os.Remove(s.Layout.PartialPath(oid))
	if _, err := s.idx.DeleteKeysForOID(ctx, oid); err != nil {
		return true, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to delete lookup keys for %s", oid)
	}
	return true, nil
}

// removeMaterializedResidue deletes a materialized pkg-build/runtime dir
// that MakeReadOnlyRecursive locked down. The tree's directories have their
// write bits stripped, so os.RemoveAll on them fails partway without this;
// restore write bits first so every entry can actually be unlinked.
func removeMaterializedResidue(path, oid string) {
	if _, err := os.Lstat(path); err != nil {
		return
	}
	if err := lockfs.MakeWritableRecursive(path); err != nil {
		slog.Warn("failed to restore write bits before removing gc residue", "oid", oid, "path", path, "error", err)
	}
	if err := os.RemoveAll(path); err != nil {
		slog.Warn("failed to remove gc residue", "oid", oid, "path", path, "error", err)
	}
}

// sweepOrphanedFiles walks the two-level objects tree and removes any file
// whose name is not indexed and whose mtime is outside the grace window.
func (s *Store) sweepOrphanedFiles(ctx context.Context, cutoff int64) (int, int64, error) {
	shards, err := os.ReadDir(s.Layout.ObjectsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to list objects dir")
	}

	var removed int
	var removedBytes int64
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(s.Layout.ObjectsDir(), shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			continue
		}
		for _, f := range files {
			oid := f.Name()
			info, err := s.idx.GetObject(ctx, oid)
			if err != nil {
				continue
			}
			if info != nil {
				continue
			}
			fi, err := f.Info()
			if err != nil {
				continue
			}
			if fi.ModTime().Unix() > cutoff {
				continue
			}
			path := filepath.Join(shardPath, oid)
			data, err := os.ReadFile(path)
			if err == nil {
				removedBytes += int64(len(data))
			}
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
	}
	return removed, removedBytes, nil
}

// reclaimToSizeCap runs after mark-and-sweep: if
// total size still exceeds maxBytes, delete unreferenced objects past the
// grace window oldest-last-accessed-first until under cap.
func (s *Store) reclaimToSizeCap(ctx context.Context, maxBytes, cutoff int64, summary *casmodel.GCSummary) error {
	total, err := s.idx.TotalSize(ctx)
	if err != nil {
		return cerrors.Wrap(cerrors.IndexCorrupt, err, "failed to compute total store size")
	}
	if total <= maxBytes {
		return nil
	}

	candidates, err := s.idx.UnreferencedOlderThanByLastAccessed(ctx, cutoff)
	if err != nil {
		return cerrors.Wrap(cerrors.IndexCorrupt, err, "failed to list size-cap gc candidates")
	}

	for _, info := range candidates {
		if total <= maxBytes {
			return nil
		}
		reclaimed, err := s.reclaimObject(ctx, info.OID)
		if err != nil {
			return err
		}
		if reclaimed {
			summary.Reclaimed++
			summary.ReclaimedBytes += info.Size
			total -= info.Size
		}
	}

	if total > maxBytes {
		slog.Warn("could not reclaim store under size cap without violating grace window", "total_bytes", total, "max_bytes", maxBytes)
	}
	return nil
}
