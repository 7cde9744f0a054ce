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

	"px/internal/cas/lockfs"
)

// renameIntoPlace renames tmp to root. If root is already occupied by
// residue from a prior failed materialization, the residue's write
// protection is stripped, the residue is removed, and the rename is
// retried once.
func renameIntoPlace(tmp, root string) error {
	err := os.Rename(tmp, root)
	if err == nil {
		return nil
	}
	if _, statErr := os.Stat(root); statErr != nil {
		return err
	}
	if wErr := lockfs.MakeWritableRecursive(root); wErr != nil {
		return err
	}
	if rmErr := os.RemoveAll(root); rmErr != nil {
		return err
	}
	return os.Rename(tmp, root)
}
