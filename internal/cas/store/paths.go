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

// Package store implements the content-addressable object store
// that ties codec, lockfs, and index together, plus garbage collection and
// the doctor self-healing pass, layering a blob store, a manifest index,
// and GC over the same three primitives.
package store

import (
	"path/filepath"
)

// Layout resolves the on-disk paths under a store root.
type Layout struct {
	Root string
}

func NewLayout(root string) Layout { return Layout{Root: root} }

func (l Layout) ObjectsDir() string { return filepath.Join(l.Root, "objects") }

// ObjectPath returns the two-level sharded path for oid.
func (l Layout) ObjectPath(oid string) string {
	if len(oid) < 2 {
		return filepath.Join(l.ObjectsDir(), oid)
	}
	return filepath.Join(l.ObjectsDir(), oid[:2], oid)
}

func (l Layout) ObjectShardDir(oid string) string {
	if len(oid) < 2 {
		return l.ObjectsDir()
	}
	return filepath.Join(l.ObjectsDir(), oid[:2])
}

func (l Layout) TmpDir() string { return filepath.Join(l.Root, "tmp") }

func (l Layout) PartialPath(oid string) string {
	return filepath.Join(l.TmpDir(), oid+".partial")
}

func (l Layout) LocksDir() string { return filepath.Join(l.Root, "locks") }

func (l Layout) PkgBuildsDir() string { return filepath.Join(l.Root, "pkg-builds") }

func (l Layout) PkgBuildDir(oid string) string { return filepath.Join(l.PkgBuildsDir(), oid) }

func (l Layout) RuntimesDir() string { return filepath.Join(l.Root, "runtimes") }

func (l Layout) RuntimeDir(oid string) string { return filepath.Join(l.RuntimesDir(), oid) }

func (l Layout) RuntimeManifestPath(oid string) string {
	return filepath.Join(l.RuntimeDir(oid), "manifest.json")
}

func (l Layout) IndexPath() string { return filepath.Join(l.Root, "index.sqlite") }

func (l Layout) IndexRebuildPath() string { return filepath.Join(l.Root, "index.rebuild") }
