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

package store

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"

	"px/internal/cas/cerrors"
	"px/internal/cas/codec"
	"px/internal/cas/index"
	"px/internal/cas/lockfs"
	"px/pkg/casmodel"
)

// OwnerStateScanner is the seam for reconstructing ToolEnv/ProjectEnv/
// WorkspaceEnv owner refs from ambient tool/project/workspace state during
// rebuild. The lockfile/tool-state readers that produce
// these records are external collaborators outside this module's scope; a
// caller embedding px wires a concrete scanner in, and rebuild runs without
// one (nil) by simply recovering fewer owner refs, which GC/doctor will
// then treat as safe to reclaim sooner rather than leave permanently
// unaccounted for.
type OwnerStateScanner func() ([]OwnerRefRecord, error)

// OwnerRefRecord is one ref edge an OwnerStateScanner reconstructs.
type OwnerRefRecord struct {
	Owner casmodel.OwnerID
	OID   string
}

// RebuildFromDisk builds a fresh index file by walking the objects tree and
// known manifest sidecars, then atomically swaps it in place of the old
// index.
func RebuildFromDisk(layout Layout, scan OwnerStateScanner) (*index.Index, error) {
	rebuildPath := layout.IndexRebuildPath()
	os.Remove(rebuildPath)

	idx, err := index.NewFresh(rebuildPath, CodeVersion)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to create rebuild index")
	}

	ctx := context.Background()
	if err := walkObjectsForRebuild(ctx, layout, idx); err != nil {
		idx.Close()
		return nil, err
	}
	if err := reinsertRuntimeOwnerRefs(ctx, layout, idx); err != nil {
		idx.Close()
		return nil, err
	}
	if err := reinsertProfileOwnerRefs(ctx, layout, idx); err != nil {
		idx.Close()
		return nil, err
	}
	if scan != nil {
		records, err := scan()
		if err != nil {
			idx.Close()
			return nil, cerrors.Wrap(cerrors.StoreWriteFailure, err, "owner-state scan failed during rebuild")
		}
		for _, rec := range records {
			if err := idx.AddRef(ctx, rec.Owner, rec.OID); err != nil {
				idx.Close()
				return nil, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to reinsert scanned owner ref")
			}
		}
	}

	if err := idx.Close(); err != nil {
		return nil, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to close rebuild index")
	}

	finalPath := layout.IndexPath()
	if err := os.Rename(rebuildPath, finalPath); err != nil {
		return nil, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to rename rebuild index into place")
	}
	if err := lockfs.FsyncDir(layout.Root); err != nil {
		return nil, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to fsync store root after rebuild")
	}

	return index.Open(finalPath)
}

func walkObjectsForRebuild(ctx context.Context, layout Layout, idx *index.Index) error {
	root := layout.ObjectsDir()
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		oid := d.Name()
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		if codec.VerifyDigest(data) != oid {
			return nil
		}
		kind, kindErr := codec.DecodeKind(data)
		if kindErr != nil {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		return idx.InsertObject(ctx, casmodel.ObjectInfo{
			OID:          oid,
			Kind:         kind,
			Size:         info.Size(),
			CreatedAt:    info.ModTime().Unix(),
			LastAccessed: info.ModTime().Unix(),
		})
	})
}

func reinsertRuntimeOwnerRefs(ctx context.Context, layout Layout, idx *index.Index) error {
	entries, err := os.ReadDir(layout.RuntimesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to list runtimes dir")
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		oid := e.Name()
		manifestPath := layout.RuntimeManifestPath(oid)
		b, err := os.ReadFile(manifestPath)
		if err != nil {
			continue
		}
		var manifest runtimeManifest
		if err := json.Unmarshal(b, &manifest); err != nil {
			continue
		}
		if manifest.OwnerID == "" {
			continue
		}
		owner := casmodel.OwnerID{Type: casmodel.OwnerRuntime, ID: manifest.OwnerID}
		if err := idx.AddRef(ctx, owner, oid); err != nil {
			return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to reinsert runtime owner ref for %s", oid)
		}
	}
	return nil
}

// profileEnvManifest mirrors the manifest.json written by materialize's
// profile projector.
type profileEnvManifest struct {
	ProfileOID string                  `json:"profile_oid"`
	RuntimeOID string                  `json:"runtime_oid"`
	Packages   []casmodel.ProfilePackage `json:"packages"`
}

func reinsertProfileOwnerRefs(ctx context.Context, layout Layout, idx *index.Index) error {
	envsRoot := os.Getenv("PX_ENVS_PATH")
	if envsRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		envsRoot = filepath.Join(home, ".px", "envs")
	}
	entries, err := os.ReadDir(envsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to list envs root")
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		profileOID := e.Name()
		manifestPath := filepath.Join(envsRoot, profileOID, "manifest.json")
		b, err := os.ReadFile(manifestPath)
		if err != nil {
			continue
		}
		var manifest profileEnvManifest
		if err := json.Unmarshal(b, &manifest); err != nil {
			continue
		}
		owner := casmodel.OwnerID{Type: casmodel.OwnerProfile, ID: profileOID}
		if err := idx.AddRef(ctx, owner, profileOID); err != nil {
			return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to reinsert profile owner ref for %s", profileOID)
		}
		if manifest.RuntimeOID != "" {
			if err := idx.AddRef(ctx, owner, manifest.RuntimeOID); err != nil {
				return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to reinsert profile->runtime ref for %s", profileOID)
			}
		}
		for _, pkg := range manifest.Packages {
			if pkg.PkgBuildOID == "" {
				continue
			}
			if err := idx.AddRef(ctx, owner, pkg.PkgBuildOID); err != nil {
				return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to reinsert profile->pkg-build ref for %s", profileOID)
			}
		}
	}
	return nil
}
