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

package codec

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTree(t *testing.T, root string) {
	t.Helper()
	mustMkdir(t, filepath.Join(root, "pkg"))
	mustWrite(t, filepath.Join(root, "pkg", "__init__.py"), "# init\n", 0644)
	mustWrite(t, filepath.Join(root, "pkg", "mod.py"), "x = 1\n", 0644)
	mustMkdir(t, filepath.Join(root, "bin"))
	mustWrite(t, filepath.Join(root, "bin", "tool"), "#!/bin/sh\necho hi\n", 0755)
	mustMkdir(t, filepath.Join(root, ".git"))
	mustWrite(t, filepath.Join(root, ".git", "HEAD"), "ref: refs/heads/main\n", 0644)
}

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}

func mustWrite(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestArchiveDirCanonicalDeterministic(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)

	a1, err := ArchiveDirCanonical(root)
	if err != nil {
		t.Fatalf("archive 1: %v", err)
	}
	a2, err := ArchiveDirCanonical(root)
	if err != nil {
		t.Fatalf("archive 2: %v", err)
	}
	if len(a1) != len(a2) {
		t.Fatalf("archive length differs across identical runs: %d != %d", len(a1), len(a2))
	}
	for i := range a1 {
		if a1[i] != a2[i] {
			t.Fatalf("archive bytes differ at offset %d", i)
		}
	}
}

func TestArchiveDirCanonicalExcludesGit(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)

	archived, err := ArchiveDirCanonical(root)
	if err != nil {
		t.Fatal(err)
	}

	extractRoot := t.TempDir()
	if err := ExtractArchive(archived, extractRoot); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(extractRoot, ".git")); !os.IsNotExist(err) {
		t.Fatalf("expected .git to be excluded from archive, stat err = %v", err)
	}
}

func TestArchiveExtractRoundTripPreservesExecutableBit(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)

	archived, err := ArchiveDirCanonical(root)
	if err != nil {
		t.Fatal(err)
	}
	extractRoot := t.TempDir()
	if err := ExtractArchive(archived, extractRoot); err != nil {
		t.Fatal(err)
	}

	toolInfo, err := os.Stat(filepath.Join(extractRoot, "bin", "tool"))
	if err != nil {
		t.Fatal(err)
	}
	if toolInfo.Mode()&0111 == 0 {
		t.Fatalf("expected bin/tool to remain executable after round trip, mode=%v", toolInfo.Mode())
	}

	modInfo, err := os.Stat(filepath.Join(extractRoot, "pkg", "mod.py"))
	if err != nil {
		t.Fatal(err)
	}
	if modInfo.Mode()&0111 != 0 {
		t.Fatalf("expected pkg/mod.py to remain non-executable, mode=%v", modInfo.Mode())
	}

	content, err := os.ReadFile(filepath.Join(extractRoot, "pkg", "mod.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "x = 1\n" {
		t.Fatalf("unexpected content after round trip: %q", content)
	}
}

func TestArchiveRelativizesSymlinks(t *testing.T) {
	root := t.TempDir()
	mustMkdir(t, filepath.Join(root, "site-packages"))
	mustWrite(t, filepath.Join(root, "site-packages", "real.py"), "real = 1\n", 0644)

	linkPath := filepath.Join(root, "site-packages", "alias.py")
	absTarget := filepath.Join(root, "site-packages", "real.py")
	if err := os.Symlink(absTarget, linkPath); err != nil {
		t.Skipf("symlinks unsupported on this filesystem: %v", err)
	}

	archived, err := ArchiveDirCanonical(root)
	if err != nil {
		t.Fatal(err)
	}
	extractRoot := t.TempDir()
	if err := ExtractArchive(archived, extractRoot); err != nil {
		t.Fatal(err)
	}

	target, err := os.Readlink(filepath.Join(extractRoot, "site-packages", "alias.py"))
	if err != nil {
		t.Fatal(err)
	}
	if filepath.IsAbs(target) {
		t.Fatalf("expected symlink target to be relativized, got absolute path %q", target)
	}
}

func TestArchiveSelectedSubsetOnly(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)

	archived, err := ArchiveSelected(root, []string{"pkg"})
	if err != nil {
		t.Fatal(err)
	}
	extractRoot := t.TempDir()
	if err := ExtractArchive(archived, extractRoot); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(extractRoot, "pkg", "mod.py")); err != nil {
		t.Fatalf("expected selected pkg/mod.py to be present: %v", err)
	}
	if _, err := os.Stat(filepath.Join(extractRoot, "bin", "tool")); !os.IsNotExist(err) {
		t.Fatalf("expected unselected bin/tool to be absent, err = %v", err)
	}
}
