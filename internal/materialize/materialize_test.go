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

	"px/internal/cas/codec"
	"px/internal/cas/store"
	"px/pkg/casmodel"
)

func newTestMaterializer(t *testing.T) *Materializer {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}

func mustWrite(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func fakeRuntimeArchive(t *testing.T) []byte {
	t.Helper()
	src := t.TempDir()
	mustWrite(t, filepath.Join(src, "bin", "python"), "#!/bin/sh\necho fake python\n", 0755)
	mustWrite(t, filepath.Join(src, "lib", "python3.12", "os.py"), "# stdlib stub\n", 0644)
	archive, err := codec.ArchiveDirCanonical(src)
	if err != nil {
		t.Fatal(err)
	}
	return archive
}

func TestMaterializeRuntimeIdempotentAndReadOnly(t *testing.T) {
	m := newTestMaterializer(t)
	archive := fakeRuntimeArchive(t)
	header := &casmodel.RuntimeHeader{Version: "3.12.1", ExePath: "bin/python"}

	oid, err := store.ComputeOID(casmodel.NewRuntimePayload(*header, archive))
	if err != nil {
		t.Fatal(err)
	}

	exe1, err := m.MaterializeRuntime(oid, header, archive)
	if err != nil {
		t.Fatalf("first MaterializeRuntime: %v", err)
	}
	info, err := os.Stat(exe1)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&0111 == 0 {
		t.Fatal("expected the runtime's python executable to keep its executable bit")
	}
	if info.Mode()&0222 != 0 {
		t.Fatalf("expected the materialized runtime to be read-only, mode=%v", info.Mode())
	}

	exe2, err := m.MaterializeRuntime(oid, header, archive)
	if err != nil {
		t.Fatalf("second MaterializeRuntime: %v", err)
	}
	if exe1 != exe2 {
		t.Fatalf("expected idempotent materialization to return the same path, got %q then %q", exe1, exe2)
	}
}

func TestMaterializeRuntimeMissingExecutableFails(t *testing.T) {
	m := newTestMaterializer(t)
	src := t.TempDir()
	mustWrite(t, filepath.Join(src, "README"), "no interpreter here\n", 0644)
	archive, err := codec.ArchiveDirCanonical(src)
	if err != nil {
		t.Fatal(err)
	}
	header := &casmodel.RuntimeHeader{Version: "3.12.1", ExePath: "bin/python"}
	oid, err := store.ComputeOID(casmodel.NewRuntimePayload(*header, archive))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.MaterializeRuntime(oid, header, archive); err == nil {
		t.Fatal("expected an error when the archive has no executable at header.ExePath")
	}
}

func TestMaterializePkgBuildIdempotent(t *testing.T) {
	m := newTestMaterializer(t)
	src := t.TempDir()
	mustWrite(t, filepath.Join(src, "site-packages", "flask", "__init__.py"), "# flask\n", 0644)
	mustWrite(t, filepath.Join(src, "bin", "flask"), "#!/usr/bin/env python\nprint('cli')\n", 0755)
	archive, err := codec.ArchiveDirCanonical(src)
	if err != nil {
		t.Fatal(err)
	}
	oid, err := store.ComputeOID(casmodel.NewPkgBuildPayload(casmodel.PkgBuildHeader{
		SourceOID: "src-oid", RuntimeABI: "cp312", BuilderID: "b1", BuildOptionsHash: "h1",
	}, archive))
	if err != nil {
		t.Fatal(err)
	}

	dir1, err := m.MaterializePkgBuild(oid, archive)
	if err != nil {
		t.Fatalf("first MaterializePkgBuild: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir1, "site-packages", "flask", "__init__.py")); err != nil {
		t.Fatal(err)
	}

	dir2, err := m.MaterializePkgBuild(oid, archive)
	if err != nil {
		t.Fatalf("second MaterializePkgBuild: %v", err)
	}
	if dir1 != dir2 {
		t.Fatalf("expected idempotent materialization, got %q then %q", dir1, dir2)
	}
}
