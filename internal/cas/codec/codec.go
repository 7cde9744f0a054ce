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

// Package codec implements the canonical encoding:
// a deterministic JSON rendering of a payload whose SHA-256 is the object's
// oid. encoding/json already sorts map[string]any keys on Marshal, so the
// canonical form is built as nested maps/slices and handed to json.Marshal
// rather than hand-rolling a key sorter.
package codec

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"px/internal/cas/cerrors"
	"px/pkg/casmodel"
)

// ComputeOID returns the lowercase hex SHA-256 of the canonical encoding of
// payload.
func ComputeOID(payload casmodel.Payload) (string, error) {
	b, err := CanonicalBytes(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalBytes renders payload as the canonical JSON document described in
// object keys sorted recursively, arrays left in semantic order,
// base64-without-padding for binary payloads, Profile packages pre-sorted by
// (name, version, pkg_build_oid).
func CanonicalBytes(payload casmodel.Payload) ([]byte, error) {
	if err := payload.Validate(); err != nil {
		return nil, cerrors.Wrap(cerrors.UnknownKind, err, "invalid payload")
	}

	doc := map[string]any{
		"kind":         string(payload.Kind),
		"payload_kind": string(payload.Kind),
	}

	switch payload.Kind {
	case casmodel.KindSource:
		doc["header"] = headerToMap(payload.SourceHeader)
		doc["payload"] = encodeBytes(payload.SourceBytes)
	case casmodel.KindPkgBuild:
		doc["header"] = headerToMap(payload.PkgBuildHeader)
		doc["payload"] = encodeBytes(payload.PkgBuildArchive)
	case casmodel.KindRuntime:
		doc["header"] = headerToMap(payload.RuntimeHeader)
		doc["payload"] = encodeBytes(payload.RuntimeArchive)
	case casmodel.KindProfile:
		h := sortedProfileHeader(*payload.ProfileHeader)
		doc["header"] = headerToMap(h)
		// Profile carries no payload bytes; the key is omitted entirely.
	case casmodel.KindMeta:
		doc["header"] = map[string]any{}
		doc["payload"] = encodeBytes(payload.MetaBytes)
	}

	return json.Marshal(doc)
}

// VerifyDigest returns the lowercase hex SHA-256 of raw object bytes as read
// from disk, for callers comparing it against the oid the bytes are meant to
// hash to.
func VerifyDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// sortedProfileHeader returns a copy of h with Packages sorted by
// (name, version, pkg_build_oid), per I6. Duplicates are preserved
// (see DESIGN.md Open Question decision): the sort is stable and does not
// deduplicate.
func sortedProfileHeader(h casmodel.ProfileHeader) casmodel.ProfileHeader {
	packages := make([]casmodel.ProfilePackage, len(h.Packages))
	copy(packages, h.Packages)
	sort.SliceStable(packages, func(i, j int) bool {
		a, b := packages[i], packages[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		return a.PkgBuildOID < b.PkgBuildOID
	})
	h.Packages = packages
	return h
}

// headerToMap round-trips a header struct through JSON into a generic map so
// that json.Marshal's key-sorting applies recursively to every nested level.
func headerToMap(header any) map[string]any {
	b, err := json.Marshal(header)
	if err != nil {
		// Headers are plain structs of strings/slices/maps; Marshal cannot
		// fail for them.
		panic(fmt.Sprintf("codec: header marshal: %v", err))
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		panic(fmt.Sprintf("codec: header remarshal: %v", err))
	}
	return m
}

func encodeBytes(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

func decodeBytes(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// canonicalEnvelope is the shape CanonicalBytes produces, used for decoding.
type canonicalEnvelope struct {
	Kind    string          `json:"kind"`
	Header  json.RawMessage `json:"header"`
	Payload string          `json:"payload"`
}

// DecodeKind reads just the kind tag out of canonical bytes, without
// decoding the rest of the payload. Used by rebuild and verification paths
// that only need to classify an object.
func DecodeKind(b []byte) (casmodel.ObjectKind, error) {
	var env canonicalEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return "", cerrors.Wrap(cerrors.KindMismatch, err, "failed to decode canonical envelope")
	}
	return casmodel.ParseObjectKind(env.Kind)
}

// Decode fully decodes canonical bytes into a LoadedObject. oid is supplied
// by the caller (the digest the bytes were read/verified under).
func Decode(b []byte, oid string) (casmodel.LoadedObject, error) {
	var env canonicalEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return casmodel.LoadedObject{}, cerrors.Wrap(cerrors.KindMismatch, err, "failed to decode canonical envelope")
	}
	kind, err := casmodel.ParseObjectKind(env.Kind)
	if err != nil {
		return casmodel.LoadedObject{}, cerrors.Wrap(cerrors.UnknownKind, err, "decode")
	}

	out := casmodel.LoadedObject{OID: oid, Kind: kind}
	switch kind {
	case casmodel.KindSource:
		var h casmodel.SourceHeader
		if err := json.Unmarshal(env.Header, &h); err != nil {
			return out, cerrors.Wrap(cerrors.KindMismatch, err, "decode source header")
		}
		bts, err := decodeBytes(env.Payload)
		if err != nil {
			return out, cerrors.Wrap(cerrors.KindMismatch, err, "decode source payload")
		}
		out.SourceHeader, out.SourceBytes = &h, bts
	case casmodel.KindPkgBuild:
		var h casmodel.PkgBuildHeader
		if err := json.Unmarshal(env.Header, &h); err != nil {
			return out, cerrors.Wrap(cerrors.KindMismatch, err, "decode pkg-build header")
		}
		bts, err := decodeBytes(env.Payload)
		if err != nil {
			return out, cerrors.Wrap(cerrors.KindMismatch, err, "decode pkg-build payload")
		}
		out.PkgBuildHeader, out.PkgBuildArchive = &h, bts
	case casmodel.KindRuntime:
		var h casmodel.RuntimeHeader
		if err := json.Unmarshal(env.Header, &h); err != nil {
			return out, cerrors.Wrap(cerrors.KindMismatch, err, "decode runtime header")
		}
		bts, err := decodeBytes(env.Payload)
		if err != nil {
			return out, cerrors.Wrap(cerrors.KindMismatch, err, "decode runtime payload")
		}
		out.RuntimeHeader, out.RuntimeArchive = &h, bts
	case casmodel.KindProfile:
		var h casmodel.ProfileHeader
		if err := json.Unmarshal(env.Header, &h); err != nil {
			return out, cerrors.Wrap(cerrors.KindMismatch, err, "decode profile header")
		}
		out.ProfileHeader = &h
	case casmodel.KindMeta:
		bts, err := decodeBytes(env.Payload)
		if err != nil {
			return out, cerrors.Wrap(cerrors.KindMismatch, err, "decode meta payload")
		}
		out.MetaBytes = bts
	}
	return out, nil
}
