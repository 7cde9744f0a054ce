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
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"px/internal/cas/cerrors"
	"px/internal/cas/metrics"
	"px/pkg/casmodel"
)

// profileManifest mirrors what gets written to <env>/manifest.json, and is
// what index rebuild reads back to reconstruct profile owner refs.
type profileManifest struct {
	ProfileOID   string                     `json:"profile_oid"`
	RuntimeOID   string                     `json:"runtime_oid"`
	Packages     []casmodel.ProfilePackage  `json:"packages"`
	SysPathOrder []string                   `json:"sys_path_order"`
	EnvVars      map[string]json.RawMessage `json:"env_vars"`
}

// MaterializeProfile projects a profile's locked package set into a runnable
// environment directory under envsRoot, named by profileOID. runtimeVersion
// (e.g. "3.12") locates the version-qualified site-packages directory both
// in the projected environment and in the runtime itself; runtimeExe is the
// absolute path to the materialized interpreter the launcher execs.
//
// Promotion is atomic: the new tree is built under a ".partial" sibling,
// any existing environment is moved aside to a ".backup" sibling, then the
// partial is renamed into place. A failure during the final rename restores
// the backup so an interrupted re-materialization never leaves the profile
// without a usable environment.
func (m *Materializer) MaterializeProfile(profileOID string, header *casmodel.ProfileHeader, runtimeVersion, runtimeExe, envsRoot string) (string, error) {
	start := time.Now()
	defer func() { metrics.ObserveMaterialize("profile", time.Since(start)) }()

	if err := os.MkdirAll(envsRoot, 0755); err != nil {
		return "", cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to create envs root %s", envsRoot)
	}
	envRoot := filepath.Join(envsRoot, profileOID)

	lock, err := m.Store.AcquireLock(profileOID)
	if err != nil {
		return "", cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to lock profile %s for materialization", profileOID)
	}
	defer lock.Close()

	tempRoot := envRoot + ".partial"
	os.RemoveAll(tempRoot)
	if err := os.MkdirAll(tempRoot, 0755); err != nil {
		return "", cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to create staging env for %s", profileOID)
	}

	site := sitePackagesDir(tempRoot, runtimeVersion)
	if err := os.MkdirAll(site, 0755); err != nil {
		os.RemoveAll(tempRoot)
		return "", cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to create staging site-packages for %s", profileOID)
	}
	binDir := filepath.Join(tempRoot, "bin")
	if err := os.MkdirAll(binDir, 0755); err != nil {
		os.RemoveAll(tempRoot)
		return "", cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to create staging bin for %s", profileOID)
	}

	siteEntries := make(map[string]string, len(header.Packages))
	finalPython := filepath.Join(envRoot, "bin", "python")

	for _, pkg := range header.Packages {
		loaded, err := m.Store.Load(pkg.PkgBuildOID)
		if err != nil {
			os.RemoveAll(tempRoot)
			return "", err
		}
		if loaded.Kind != casmodel.KindPkgBuild {
			os.RemoveAll(tempRoot)
			return "", cerrors.New(cerrors.KindMismatch, "profile package %s is not a pkg-build object", pkg.PkgBuildOID).WithOID(pkg.PkgBuildOID)
		}
		materialized, err := m.MaterializePkgBuild(pkg.PkgBuildOID, loaded.PkgBuildArchive)
		if err != nil {
			os.RemoveAll(tempRoot)
			return "", err
		}

		pkgSite := filepath.Join(materialized, "site-packages")
		if _, err := os.Stat(pkgSite); err == nil {
			siteEntries[pkg.PkgBuildOID] = pkgSite
		}

		pkgBin := filepath.Join(materialized, "bin")
		if entries, err := os.ReadDir(pkgBin); err == nil {
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				src := filepath.Join(pkgBin, e.Name())
				dest := filepath.Join(binDir, e.Name())
				if err := linkBinEntry(src, dest, finalPython); err != nil {
					os.RemoveAll(tempRoot)
					return "", err
				}
			}
		}
	}

	resolvedOrder := resolveSysPathOrder(header, siteEntries)

	if err := writePthFile(filepath.Join(site, "px.pth"), resolvedOrder, siteEntries); err != nil {
		os.RemoveAll(tempRoot)
		return "", err
	}
	if err := writeSiteCustomize(tempRoot, site); err != nil {
		os.RemoveAll(tempRoot)
		return "", err
	}

	manifest := profileManifest{
		ProfileOID:   profileOID,
		RuntimeOID:   header.RuntimeOID,
		Packages:     header.Packages,
		SysPathOrder: resolvedOrder,
		EnvVars:      header.EnvVars,
	}
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		os.RemoveAll(tempRoot)
		return "", cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to marshal profile manifest")
	}
	if err := os.WriteFile(filepath.Join(tempRoot, "manifest.json"), manifestBytes, 0644); err != nil {
		os.RemoveAll(tempRoot)
		return "", cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to write profile manifest")
	}

	if err := promoteEnv(tempRoot, envRoot); err != nil {
		return "", err
	}

	finalSite := sitePackagesDir(envRoot, runtimeVersion)
	if err := writePythonShim(filepath.Join(envRoot, "bin"), runtimeExe, finalSite, header.EnvVars); err != nil {
		return "", err
	}

	return envRoot, nil
}

// sitePackagesDir mirrors the teacher corpus's runtime facade layout:
// <root>/lib/python<version>/site-packages.
func sitePackagesDir(root, version string) string {
	return filepath.Join(root, "lib", "python"+version, "site-packages")
}

// resolveSysPathOrder honors an explicit header.SysPathOrder, falling back
// to package declaration order, and always dedupes while preserving first
// occurrence.
func resolveSysPathOrder(header *casmodel.ProfileHeader, siteEntries map[string]string) []string {
	order := header.SysPathOrder
	if len(order) == 0 {
		order = make([]string, 0, len(header.Packages))
		for _, pkg := range header.Packages {
			order = append(order, pkg.PkgBuildOID)
		}
	}

	seen := make(map[string]bool, len(order))
	resolved := make([]string, 0, len(order))
	for _, oid := range order {
		if seen[oid] {
			continue
		}
		seen[oid] = true
		resolved = append(resolved, oid)
	}
	for oid := range siteEntries {
		if !seen[oid] {
			seen[oid] = true
			resolved = append(resolved, oid)
		}
	}
	return resolved
}

func writePthFile(path string, order []string, siteEntries map[string]string) error {
	var body string
	for _, oid := range order {
		if entry, ok := siteEntries[oid]; ok {
			body += entry + "\n"
		}
	}
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to write px.pth at %s", path)
	}
	return nil
}

// promoteEnv swaps tempRoot into place as envRoot, moving any existing
// environment aside first so a failed rename can restore it.
func promoteEnv(tempRoot, envRoot string) error {
	backupRoot := envRoot + ".backup"
	os.RemoveAll(backupRoot)

	hadExisting := false
	if _, err := os.Stat(envRoot); err == nil {
		if err := os.Rename(envRoot, backupRoot); err != nil {
			return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to back up existing environment %s", envRoot)
		}
		hadExisting = true
	}

	if err := os.Rename(tempRoot, envRoot); err != nil {
		os.RemoveAll(tempRoot)
		if hadExisting {
			os.Rename(backupRoot, envRoot)
		}
		return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to finalize environment materialization at %s", envRoot)
	}
	os.RemoveAll(backupRoot)
	return nil
}
