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

// Package materialize unpacks CAS objects onto disk: runtime and package-build
// archives into their own materialized directories, and profile headers into
// projected Python environments with a launcher shim.
package materialize

import (
	"os"
	"path/filepath"
	"time"

	"px/internal/cas/cerrors"
	"px/internal/cas/codec"
	"px/internal/cas/lockfs"
	"px/internal/cas/metrics"
	"px/internal/cas/store"
	"px/pkg/casmodel"
)

// Materializer projects CAS objects into on-disk directory trees rooted
// under a store's layout and a separate environments root.
type Materializer struct {
	Store  *store.Store
	Layout store.Layout
}

// New builds a Materializer over an open store.
func New(s *store.Store) *Materializer {
	return &Materializer{Store: s, Layout: s.Layout}
}

// MaterializeRuntime unpacks oid's runtime archive into <root>/runtimes/<oid>
// if not already present, and returns the absolute path to the interpreter
// executable named by header.ExePath.
func (m *Materializer) MaterializeRuntime(oid string, header *casmodel.RuntimeHeader, archive []byte) (string, error) {
	start := time.Now()
	defer func() { metrics.ObserveMaterialize("runtime", time.Since(start)) }()

	root := m.Layout.RuntimeDir(oid)
	exePath := filepath.Join(root, filepath.FromSlash(header.ExePath))

	if _, err := os.Stat(exePath); err == nil {
		return exePath, nil
	}

	lock, err := m.Store.AcquireLock(oid)
	if err != nil {
		return "", cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to lock runtime %s for materialization", oid)
	}
	defer lock.Close()

	if _, err := os.Stat(exePath); err == nil {
		return exePath, nil
	}

	tmp := root + ".partial"
	os.RemoveAll(tmp)
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return "", cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to create staging dir for runtime %s", oid)
	}
	if err := codec.ExtractArchive(archive, tmp); err != nil {
		os.RemoveAll(tmp)
		return "", err
	}

	if err := renameIntoPlace(tmp, root); err != nil {
		os.RemoveAll(tmp)
		return "", cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to finalize runtime materialization for %s", oid)
	}
	if err := lockfs.MakeReadOnlyRecursive(root); err != nil {
		return "", err
	}

	if _, err := os.Stat(exePath); err != nil {
		return "", cerrors.New(cerrors.StoreWriteFailure, "materialized runtime %s has no executable at %s", oid, header.ExePath).WithOID(oid).WithPath(exePath)
	}
	return exePath, nil
}
