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

// Package casmodel defines the data model shared by the content-addressable
// object store and its clients: object kinds, canonical headers, owner
// identifiers, and the payload/loaded-object unions the store accepts and
// returns. The types here carry no I/O; they are pure values encoded by
// internal/cas/codec and persisted by internal/cas/store.
package casmodel

import (
	"encoding/json"
	"fmt"
)

// ObjectKind is the variant tag for a stored object.
type ObjectKind string

const (
	KindSource   ObjectKind = "source"
	KindPkgBuild ObjectKind = "pkg-build"
	KindRuntime  ObjectKind = "runtime"
	KindProfile  ObjectKind = "profile"
	KindMeta     ObjectKind = "meta"
)

// ParseObjectKind validates a kind string read back from the index or an
// owner manifest.
func ParseObjectKind(s string) (ObjectKind, error) {
	switch ObjectKind(s) {
	case KindSource, KindPkgBuild, KindRuntime, KindProfile, KindMeta:
		return ObjectKind(s), nil
	default:
		return "", fmt.Errorf("unknown object kind: %q", s)
	}
}

// OwnerType is the category of an entity that keeps objects alive.
type OwnerType string

const (
	OwnerProjectEnv   OwnerType = "project-env"
	OwnerWorkspaceEnv OwnerType = "workspace-env"
	OwnerToolEnv      OwnerType = "tool-env"
	OwnerRuntime      OwnerType = "runtime"
	OwnerProfile      OwnerType = "profile"
)

// ParseOwnerType validates an owner-type string read back from the index.
func ParseOwnerType(s string) (OwnerType, error) {
	switch OwnerType(s) {
	case OwnerProjectEnv, OwnerWorkspaceEnv, OwnerToolEnv, OwnerRuntime, OwnerProfile:
		return OwnerType(s), nil
	default:
		return "", fmt.Errorf("unknown owner type: %q", s)
	}
}

// OwnerID identifies the logical holder of a reference edge.
type OwnerID struct {
	Type OwnerType
	ID   string
}

func (o OwnerID) String() string {
	return fmt.Sprintf("%s:%s", o.Type, o.ID)
}

// SourceHeader is the immutable header for a Source object: the original
// distribution's identity as published on an index.
type SourceHeader struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Filename string `json:"filename"`
	IndexURL string `json:"index_url"`
	SHA256   string `json:"sha256"`
}

// LookupKey is the deterministic cache key collaborators use to avoid
// recomputing a Source's canonical payload.
func (h SourceHeader) LookupKey() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", lowercase(h.Name), h.Version, h.Filename, h.IndexURL, h.SHA256)
}

// PkgBuildHeader is the immutable header for a normalized build tree.
type PkgBuildHeader struct {
	SourceOID        string `json:"source_oid"`
	RuntimeABI       string `json:"runtime_abi"`
	BuilderID        string `json:"builder_id"`
	BuildOptionsHash string `json:"build_options_hash"`
}

// LookupKey is the deterministic cache key for a PkgBuild.
func (h PkgBuildHeader) LookupKey() string {
	return fmt.Sprintf("%s|%s|%s", h.SourceOID, h.RuntimeABI, h.BuildOptionsHash)
}

// RuntimeHeader is the immutable header for an interpreter runtime archive.
type RuntimeHeader struct {
	Version         string `json:"version"`
	ABI             string `json:"abi"`
	Platform        string `json:"platform"`
	BuildConfigHash string `json:"build_config_hash"`
	// ExePath is relative to the materialized runtime root, e.g. "bin/python3.11".
	ExePath string `json:"exe_path"`
}

// ProfilePackage is one package entry inside a ProfileHeader.
type ProfilePackage struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	PkgBuildOID string `json:"pkg_build_oid"`
}

// ProfileHeader is the composition manifest for an environment: a runtime
// plus an ordered set of packages and environment variables. It has no
// payload bytes of its own; packages are sorted before hashing.
type ProfileHeader struct {
	RuntimeOID   string                     `json:"runtime_oid"`
	Packages     []ProfilePackage           `json:"packages"`
	SysPathOrder []string                   `json:"sys_path_order"`
	EnvVars      map[string]json.RawMessage `json:"env_vars"`
}

func lowercase(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
