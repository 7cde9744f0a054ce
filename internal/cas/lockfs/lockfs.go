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

// Package lockfs implements per-oid advisory file locks and the
// write-then-rename atomic publication pattern every CAS write path uses.
package lockfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const locksDir = "locks"

func lockPath(root, oid string) string {
	return filepath.Join(root, locksDir, oid+".lock")
}

func ensureLocksDir(root string) error {
	return os.MkdirAll(filepath.Join(root, locksDir), 0755)
}

func openLockFile(root, oid string) (*os.File, error) {
	if err := ensureLocksDir(root); err != nil {
		return nil, err
	}
	path := lockPath(root, oid)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("lockfs: failed to open lock file %s: %w", path, err)
	}
	return f, nil
}

// FsyncDir performs a best-effort fsync of a directory, used after renames
// to durably commit the directory entry change.
func FsyncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return nil // best-effort: nothing to sync if the directory vanished
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}

// MakeReadOnlyRecursive strips write bits from every descendant file and
// directory rooted at path.
func MakeReadOnlyRecursive(path string) error {
	return filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		target := info.Mode() &^ 0222
		if info.Mode().Perm() == target.Perm() {
			return nil
		}
		return os.Chmod(p, target)
	})
}

// MakeWritableRecursive restores write bits, used before removing residue
// directories left over from a failed materialization.
func MakeWritableRecursive(path string) error {
	return filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		return os.Chmod(p, info.Mode()|0200)
	})
}

// AtomicPublish writes data to <root>/tmp/<name>.partial, fsyncs it, renames
// it to finalPath, and fsyncs the parent directory — the write-then-rename
// pattern every store/materialize path uses.
func AtomicPublish(root, name string, finalPath string, r io.Reader) (int64, error) {
	tmpDir := filepath.Join(root, "tmp")
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return 0, fmt.Errorf("lockfs: failed to create tmp dir: %w", err)
	}
	partial := filepath.Join(tmpDir, name+".partial")

	f, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("lockfs: failed to create %s: %w", partial, err)
	}
	n, copyErr := io.Copy(f, r)
	syncErr := f.Sync()
	closeErr := f.Close()
	if copyErr != nil || syncErr != nil || closeErr != nil {
		os.Remove(partial)
		if copyErr != nil {
			return 0, fmt.Errorf("lockfs: failed to write %s: %w", partial, copyErr)
		}
		if syncErr != nil {
			return 0, fmt.Errorf("lockfs: failed to sync %s: %w", partial, syncErr)
		}
		return 0, fmt.Errorf("lockfs: failed to close %s: %w", partial, closeErr)
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		os.Remove(partial)
		return 0, fmt.Errorf("lockfs: failed to create parent of %s: %w", finalPath, err)
	}
	if err := os.Rename(partial, finalPath); err != nil {
		os.Remove(partial)
		return 0, fmt.Errorf("lockfs: failed to rename %s -> %s: %w", partial, finalPath, err)
	}
	_ = FsyncDir(filepath.Dir(finalPath))
	return n, nil
}
