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

package lockfs

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestTryLockContention(t *testing.T) {
	root := t.TempDir()

	h1, err := TryLock(root, "oid-1")
	if err != nil {
		t.Fatalf("first try-lock: %v", err)
	}
	if h1 == nil {
		t.Fatal("expected first try-lock to succeed")
	}
	defer h1.Close()

	h2, err := TryLock(root, "oid-1")
	if err != nil {
		t.Fatalf("second try-lock: %v", err)
	}
	if h2 != nil {
		t.Fatal("expected second try-lock on the same oid to report contention (nil, nil)")
	}

	if err := h1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	h3, err := TryLock(root, "oid-1")
	if err != nil {
		t.Fatalf("try-lock after release: %v", err)
	}
	if h3 == nil {
		t.Fatal("expected try-lock to succeed after the holder released it")
	}
	h3.Close()
}

func TestTryLockDistinctOIDsIndependent(t *testing.T) {
	root := t.TempDir()
	h1, err := TryLock(root, "oid-a")
	if err != nil || h1 == nil {
		t.Fatalf("lock oid-a: %v, %v", h1, err)
	}
	defer h1.Close()

	h2, err := TryLock(root, "oid-b")
	if err != nil || h2 == nil {
		t.Fatalf("lock oid-b should be independent of oid-a: %v, %v", h2, err)
	}
	h2.Close()
}

func TestAtomicPublish(t *testing.T) {
	root := t.TempDir()
	final := filepath.Join(root, "objects", "ab", "abcdef")

	n, err := AtomicPublish(root, "abcdef", final, bytes.NewReader([]byte("object bytes")))
	if err != nil {
		t.Fatalf("AtomicPublish: %v", err)
	}
	if n != int64(len("object bytes")) {
		t.Fatalf("unexpected byte count: %d", n)
	}

	got, err := os.ReadFile(final)
	if err != nil {
		t.Fatalf("final file missing after publish: %v", err)
	}
	if string(got) != "object bytes" {
		t.Fatalf("unexpected final content: %q", got)
	}

	// the partial staging file must not survive a successful publish
	partial := filepath.Join(root, "tmp", "abcdef.partial")
	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Fatalf("expected partial to be gone after rename, stat err = %v", err)
	}
}

func TestMakeReadOnlyRecursive(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(sub, "f.txt")
	if err := os.WriteFile(file, []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := MakeReadOnlyRecursive(root); err != nil {
		t.Fatalf("MakeReadOnlyRecursive: %v", err)
	}

	info, err := os.Stat(file)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0222 != 0 {
		t.Fatalf("expected write bits stripped, got mode %v", info.Mode())
	}

	if err := MakeWritableRecursive(root); err != nil {
		t.Fatalf("MakeWritableRecursive: %v", err)
	}
	info2, err := os.Stat(file)
	if err != nil {
		t.Fatal(err)
	}
	if info2.Mode().Perm()&0200 == 0 {
		t.Fatal("expected owner-write bit restored")
	}
}
