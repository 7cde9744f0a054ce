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

package materialize

import (
	"os"
	"time"

	"px/internal/cas/cerrors"
	"px/internal/cas/codec"
	"px/internal/cas/lockfs"
	"px/internal/cas/metrics"
)

// MaterializePkgBuild unpacks oid's package-build archive into
// <root>/pkg-builds/<oid> if not already present, returning that directory.
// A materialized package build conventionally contains "bin/" and
// "site-packages/" subtrees, either of which may be absent.
func (m *Materializer) MaterializePkgBuild(oid string, archive []byte) (string, error) {
	start := time.Now()
	defer func() { metrics.ObserveMaterialize("pkg-build", time.Since(start)) }()

	root := m.Layout.PkgBuildDir(oid)
	if _, err := os.Stat(root); err == nil {
		return root, nil
	}

	lock, err := m.Store.AcquireLock(oid)
	if err != nil {
		return "", cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to lock pkg-build %s for materialization", oid)
	}
	defer lock.Close()

	if _, err := os.Stat(root); err == nil {
		return root, nil
	}

	tmp := root + ".partial"
	os.RemoveAll(tmp)
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return "", cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to create staging dir for pkg-build %s", oid)
	}
	if err := codec.ExtractArchive(archive, tmp); err != nil {
		os.RemoveAll(tmp)
		return "", err
	}

	if err := renameIntoPlace(tmp, root); err != nil {
		os.RemoveAll(tmp)
		return "", cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to finalize pkg-build materialization for %s", oid)
	}
	if err := lockfs.MakeReadOnlyRecursive(root); err != nil {
		return "", err
	}
	return root, nil
}
