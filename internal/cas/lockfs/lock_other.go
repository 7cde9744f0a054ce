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

//go:build !unix

package lockfs

import (
	"fmt"
	"os"
	"time"
)

// Handle is a held advisory lock. Releasing it (Close) drops the lock.
type Handle struct {
	path string
	f    *os.File
}

// Close releases the lock and removes the marker file.
func (h *Handle) Close() error {
	if h == nil || h.f == nil {
		return nil
	}
	_ = h.f.Close()
	return os.Remove(h.path)
}

// AcquireLock takes a best-effort exclusive lock on non-unix platforms using
// an O_EXCL marker file, polling until it can be created.
func AcquireLock(root, oid string) (*Handle, error) {
	for {
		h, err := TryLock(root, oid)
		if err != nil {
			return nil, err
		}
		if h != nil {
			return h, nil
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// TryLock attempts a non-blocking exclusive lock via O_EXCL file creation.
func TryLock(root, oid string) (*Handle, error) {
	if err := ensureLocksDir(root); err != nil {
		return nil, err
	}
	path := lockPath(root, oid)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lockfs: failed to try-lock %s: %w", path, err)
	}
	return &Handle{path: path, f: f}, nil
}
