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

//go:build unix

package lockfs

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Handle is a held advisory lock. Releasing it (Close) drops the lock.
type Handle struct {
	f *os.File
}

// Close releases the lock and closes the underlying file.
func (h *Handle) Close() error {
	if h == nil || h.f == nil {
		return nil
	}
	_ = unix.Flock(int(h.f.Fd()), unix.LOCK_UN)
	return h.f.Close()
}

// AcquireLock takes an OS-level exclusive advisory lock on
// <root>/locks/<oid>.lock, blocking until it is available.
func AcquireLock(root, oid string) (*Handle, error) {
	f, err := openLockFile(root, oid)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lockfs: failed to acquire lock on %s: %w", f.Name(), err)
	}
	return &Handle{f: f}, nil
}

// TryLock attempts a non-blocking exclusive lock. It returns (nil, nil) if
// the lock is currently held by someone else (used by GC/doctor to skip
// contended objects rather than block).
func TryLock(root, oid string) (*Handle, error) {
	f, err := openLockFile(root, oid)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			return nil, nil
		}
		return nil, fmt.Errorf("lockfs: failed to try-lock %s: %w", f.Name(), err)
	}
	return &Handle{f: f}, nil
}
