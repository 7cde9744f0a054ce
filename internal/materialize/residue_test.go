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
	"path/filepath"
	"testing"

	"px/internal/cas/lockfs"
	"px/internal/cas/store"
	"px/pkg/casmodel"
)

func TestRenameIntoPlaceRetriesOverReadOnlyResidue(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "runtimes", "oid1")
	mustWrite(t, filepath.Join(root, "stale", "leftover.txt"), "from a failed materialization", 0644)
	if err := lockfs.MakeReadOnlyRecursive(root); err != nil {
		t.Fatal(err)
	}

	tmp := filepath.Join(dir, "runtimes", "oid1.partial")
	mustWrite(t, filepath.Join(tmp, "bin", "python"), "#!/bin/sh\n", 0755)

	if err := renameIntoPlace(tmp, root); err != nil {
		t.Fatalf("expected renameIntoPlace to self-heal over read-only residue, got: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "bin", "python")); err != nil {
		t.Fatalf("expected the fresh tree to be in place: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "stale")); !os.IsNotExist(err) {
		t.Fatal("expected the stale residue to be gone")
	}
}

func TestRenameIntoPlaceNoResidueIsPlainRename(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "runtimes", "oid1")
	tmp := filepath.Join(dir, "runtimes", "oid1.partial")
	mustWrite(t, filepath.Join(tmp, "bin", "python"), "#!/bin/sh\n", 0755)

	if err := renameIntoPlace(tmp, root); err != nil {
		t.Fatalf("renameIntoPlace: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "bin", "python")); err != nil {
		t.Fatal(err)
	}
}

func TestMaterializeRuntimeSelfHealsOverPriorResidue(t *testing.T) {
	m := newTestMaterializer(t)
	archive := fakeRuntimeArchive(t)
	header := &casmodel.RuntimeHeader{Version: "3.12.1", ExePath: "bin/python"}
	oid, err := store.ComputeOID(casmodel.NewRuntimePayload(*header, archive))
	if err != nil {
		t.Fatal(err)
	}

	root := m.Layout.RuntimeDir(oid)
	mustWrite(t, filepath.Join(root, "garbage.txt"), "residue from an interrupted run", 0644)
	if err := lockfs.MakeReadOnlyRecursive(root); err != nil {
		t.Fatal(err)
	}

	exe, err := m.MaterializeRuntime(oid, header, archive)
	if err != nil {
		t.Fatalf("expected MaterializeRuntime to self-heal over read-only residue, got: %v", err)
	}
	if _, err := os.Stat(exe); err != nil {
		t.Fatalf("expected the interpreter to be materialized: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "garbage.txt")); !os.IsNotExist(err) {
		t.Fatal("expected prior residue to have been removed")
	}
}
