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

package casmodel

import "fmt"

// Payload is the tagged union of inputs the store accepts. Exactly the
// fields matching Kind are populated; constructors below enforce this so
// callers cannot build a payload with a mismatched kind and header.
type Payload struct {
	Kind ObjectKind

	SourceHeader *SourceHeader
	SourceBytes  []byte

	PkgBuildHeader  *PkgBuildHeader
	PkgBuildArchive []byte

	RuntimeHeader  *RuntimeHeader
	RuntimeArchive []byte

	ProfileHeader *ProfileHeader

	MetaBytes []byte
}

// NewSourcePayload builds a Source payload from distribution bytes and header.
func NewSourcePayload(h SourceHeader, bytes []byte) Payload {
	return Payload{Kind: KindSource, SourceHeader: &h, SourceBytes: bytes}
}

// NewPkgBuildPayload builds a PkgBuild payload from a normalized archive.
func NewPkgBuildPayload(h PkgBuildHeader, archive []byte) Payload {
	return Payload{Kind: KindPkgBuild, PkgBuildHeader: &h, PkgBuildArchive: archive}
}

// NewRuntimePayload builds a Runtime payload from an interpreter archive.
func NewRuntimePayload(h RuntimeHeader, archive []byte) Payload {
	if h.ExePath == "" {
		h.ExePath = "bin/python"
	}
	return Payload{Kind: KindRuntime, RuntimeHeader: &h, RuntimeArchive: archive}
}

// NewProfilePayload builds a Profile payload. Packages are sorted by the
// codec before hashing; callers need not pre-sort.
func NewProfilePayload(h ProfileHeader) Payload {
	return Payload{Kind: KindProfile, ProfileHeader: &h}
}

// NewMetaPayload builds an opaque Meta payload.
func NewMetaPayload(bytes []byte) Payload {
	return Payload{Kind: KindMeta, MetaBytes: bytes}
}

// Validate checks that the populated fields match Kind.
func (p Payload) Validate() error {
	switch p.Kind {
	case KindSource:
		if p.SourceHeader == nil {
			return fmt.Errorf("source payload missing header")
		}
	case KindPkgBuild:
		if p.PkgBuildHeader == nil {
			return fmt.Errorf("pkg-build payload missing header")
		}
	case KindRuntime:
		if p.RuntimeHeader == nil {
			return fmt.Errorf("runtime payload missing header")
		}
	case KindProfile:
		if p.ProfileHeader == nil {
			return fmt.Errorf("profile payload missing header")
		}
	case KindMeta:
		// bytes may legitimately be empty/nil
	default:
		return fmt.Errorf("unknown payload kind: %q", p.Kind)
	}
	return nil
}

// LoadedObject is the tagged union of values Load returns, including the
// resolved oid.
type LoadedObject struct {
	OID  string
	Kind ObjectKind

	SourceHeader *SourceHeader
	SourceBytes  []byte

	PkgBuildHeader  *PkgBuildHeader
	PkgBuildArchive []byte

	RuntimeHeader  *RuntimeHeader
	RuntimeArchive []byte

	ProfileHeader *ProfileHeader

	MetaBytes []byte
}

// StoredObject describes the on-disk result of a successful Store call.
type StoredObject struct {
	OID  string
	Path string
	Size int64
	Kind ObjectKind
}

// ObjectInfo is the index-backed metadata row for an object.
type ObjectInfo struct {
	OID          string
	Kind         ObjectKind
	Size         int64
	CreatedAt    int64
	LastAccessed int64
}

// GCSummary reports the result of a garbage-collection pass.
type GCSummary struct {
	Scanned        int
	Reclaimed      int
	ReclaimedBytes int64
}

// DoctorSummary reports the result of a self-healing pass.
type DoctorSummary struct {
	PartialsRemoved int
	ObjectsRemoved  int
	MissingObjects  int
	CorruptObjects  int
	RefsPruned      int
	KeysPruned      int
	LockedSkipped   int
}
