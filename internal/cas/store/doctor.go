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
	"os"
	"path/filepath"
	"time"

	"px/internal/cas/cerrors"
	"px/internal/cas/codec"
	"px/internal/cas/metrics"
	"px/pkg/casmodel"
)

// Doctor runs the one-shot self-healing pass: sweep
// stale partials, purge missing/corrupt objects, sweep orphaned files, and
// prune dangling refs/keys.
func (s *Store) Doctor(grace time.Duration) (casmodel.DoctorSummary, error) {
	start := time.Now()
	ctx := context.Background()
	var summary casmodel.DoctorSummary
	defer func() {
		metrics.ObserveStoreOp(metrics.OpDoctor, time.Since(start))
		metrics.IncDoctorFinding(metrics.FindingPartialRemoved, summary.PartialsRemoved)
		metrics.IncDoctorFinding(metrics.FindingObjectMissing, summary.MissingObjects)
		metrics.IncDoctorFinding(metrics.FindingObjectCorrupt, summary.CorruptObjects)
		metrics.IncDoctorFinding(metrics.FindingRefPruned, summary.RefsPruned)
		metrics.IncDoctorFinding(metrics.FindingKeyPruned, summary.KeysPruned)
		metrics.IncDoctorFinding(metrics.FindingLockedSkipped, summary.LockedSkipped)
	}()

	removed, err := s.SweepPartials()
	if err != nil {
		return summary, err
	}
	summary.PartialsRemoved = removed

	all, err := s.idx.AllObjects(ctx)
	if err != nil {
		return summary, cerrors.Wrap(cerrors.IndexCorrupt, err, "failed to list objects for doctor")
	}

	for _, info := range all {
		lock, err := s.TryLock(info.OID)
		if err != nil {
			return summary, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to try-lock %s during doctor", info.OID)
		}
		if lock == nil {
			summary.LockedSkipped++
			metrics.IncLockContention(metrics.LockObject)
			continue
		}

		status := classifyObject(s.Layout.ObjectPath(info.OID), info.Kind)
		lock.Close()

		switch status {
		case objectOK:
			continue
		case objectMissing:
			summary.MissingObjects++
		case objectCorrupt:
			summary.CorruptObjects++
		}

		if err := s.purgeObject(ctx, info.OID); err != nil {
			return summary, err
		}
		summary.ObjectsRemoved++
	}

	cutoff := time.Now().Add(-grace).Unix()
	orphaned, _, err := s.sweepOrphanedFiles(ctx, cutoff)
	if err != nil {
		return summary, err
	}
	summary.ObjectsRemoved += orphaned

	refsPruned, keysPruned, err := s.idx.PruneDanglingRefs(ctx)
	if err != nil {
		return summary, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to prune dangling refs/keys")
	}
	summary.RefsPruned = refsPruned
	summary.KeysPruned = keysPruned

	return summary, nil
}

type objectStatus int

const (
	objectOK objectStatus = iota
	objectMissing
	objectCorrupt
)

func classifyObject(path string, wantKind casmodel.ObjectKind) objectStatus {
	data, err := os.ReadFile(path)
	if err != nil {
		return objectMissing
	}
	oid := filepath.Base(path)
	if codec.VerifyDigest(data) != oid {
		return objectCorrupt
	}
	kind, err := codec.DecodeKind(data)
	if err != nil || kind != wantKind {
		return objectCorrupt
	}
	return objectOK
}

// purgeObject removes a missing/corrupt object's file, materializations,
// index row (cascading refs/keys).
func (s *Store) purgeObject(ctx context.Context, oid string) error {
	os.Remove(s.Layout.ObjectPath(oid))
	removeMaterializedResidue(s.Layout.PkgBuildDir(oid), oid)
	removeMaterializedResidue(s.Layout.RuntimeDir(oid), oid)
	os.Remove(s.Layout.PartialPath(oid))
	if err := s.idx.DeleteObjectRow(ctx, oid); err != nil {
		return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to delete index row for %s during doctor", oid)
	}
	return nil
}
