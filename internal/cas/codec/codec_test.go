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

package codec

import (
	"encoding/json"
	"testing"

	"px/pkg/casmodel"
)

func TestComputeOIDDeterministic(t *testing.T) {
	p := casmodel.NewSourcePayload(casmodel.SourceHeader{
		Name: "flask", Version: "3.0", Filename: "flask-3.0.tar.gz",
		IndexURL: "https://pypi.org/simple", SHA256: "deadbeef",
	}, []byte("distribution bytes"))

	oid1, err := ComputeOID(p)
	if err != nil {
		t.Fatalf("ComputeOID: %v", err)
	}
	oid2, err := ComputeOID(p)
	if err != nil {
		t.Fatalf("ComputeOID: %v", err)
	}
	if oid1 != oid2 {
		t.Fatalf("oid not stable across calls: %s != %s", oid1, oid2)
	}
	if len(oid1) != 64 {
		t.Fatalf("expected 64 hex chars for sha256, got %d", len(oid1))
	}
}

func TestComputeOIDDiffersOnPayload(t *testing.T) {
	h := casmodel.SourceHeader{Name: "flask", Version: "3.0"}
	oidA, err := ComputeOID(casmodel.NewSourcePayload(h, []byte("a")))
	if err != nil {
		t.Fatal(err)
	}
	oidB, err := ComputeOID(casmodel.NewSourcePayload(h, []byte("b")))
	if err != nil {
		t.Fatal(err)
	}
	if oidA == oidB {
		t.Fatal("expected different payload bytes to produce different oids")
	}
}

func TestCanonicalBytesKeysSortedRecursively(t *testing.T) {
	p := casmodel.NewMetaPayload([]byte("x"))
	b, err := CanonicalBytes(p)
	if err != nil {
		t.Fatal(err)
	}
	// "header" sorts before "kind" sorts before "payload" sorts before
	// "payload_kind" in ASCII order.
	want := []byte(`{"header":{},"kind":"meta","payload":"eA","payload_kind":"meta"}`)
	if string(b) != string(want) {
		t.Fatalf("canonical bytes mismatch:\n got:  %s\n want: %s", b, want)
	}
}

func TestCanonicalBytesProfileNoPayloadKey(t *testing.T) {
	p := casmodel.NewProfilePayload(casmodel.ProfileHeader{RuntimeOID: "abc"})
	b, err := CanonicalBytes(p)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatal(err)
	}
	if _, present := doc["payload"]; present {
		t.Fatal("profile canonical bytes should omit the payload key entirely")
	}
}

func TestSortedProfileHeaderStableNoDedup(t *testing.T) {
	h := casmodel.ProfileHeader{
		Packages: []casmodel.ProfilePackage{
			{Name: "zlib", Version: "1.0", PkgBuildOID: "z1"},
			{Name: "zlib", Version: "1.0", PkgBuildOID: "z0"},
			{Name: "attrs", Version: "2.0", PkgBuildOID: "a1"},
			{Name: "attrs", Version: "1.0", PkgBuildOID: "a0"},
		},
	}
	sorted := sortedProfileHeader(h)
	if len(sorted.Packages) != 4 {
		t.Fatalf("expected no dedup, got %d packages", len(sorted.Packages))
	}
	want := []string{"a0", "a1", "z0", "z1"}
	for i, oid := range want {
		if sorted.Packages[i].PkgBuildOID != oid {
			t.Fatalf("position %d: got %s, want %s (full order: %+v)", i, sorted.Packages[i].PkgBuildOID, oid, sorted.Packages)
		}
	}
}

func TestComputeOIDProfileOrderIndependent(t *testing.T) {
	pkgs := []casmodel.ProfilePackage{
		{Name: "b", Version: "1.0", PkgBuildOID: "oid-b"},
		{Name: "a", Version: "1.0", PkgBuildOID: "oid-a"},
	}
	reversed := []casmodel.ProfilePackage{pkgs[1], pkgs[0]}

	oid1, err := ComputeOID(casmodel.NewProfilePayload(casmodel.ProfileHeader{RuntimeOID: "r", Packages: pkgs}))
	if err != nil {
		t.Fatal(err)
	}
	oid2, err := ComputeOID(casmodel.NewProfilePayload(casmodel.ProfileHeader{RuntimeOID: "r", Packages: reversed}))
	if err != nil {
		t.Fatal(err)
	}
	if oid1 != oid2 {
		t.Fatal("profile oid should be independent of input package order (canonicalizer sorts before hashing)")
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	p := casmodel.NewPkgBuildPayload(casmodel.PkgBuildHeader{
		SourceOID: "srcoid", RuntimeABI: "cp312", BuilderID: "builder-1", BuildOptionsHash: "opts",
	}, []byte("archive-bytes"))

	b, err := CanonicalBytes(p)
	if err != nil {
		t.Fatal(err)
	}
	oid, err := ComputeOID(p)
	if err != nil {
		t.Fatal(err)
	}

	loaded, err := Decode(b, oid)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if loaded.OID != oid || loaded.Kind != casmodel.KindPkgBuild {
		t.Fatalf("unexpected loaded identity: %+v", loaded)
	}
	if loaded.PkgBuildHeader == nil || loaded.PkgBuildHeader.SourceOID != "srcoid" {
		t.Fatalf("unexpected decoded header: %+v", loaded.PkgBuildHeader)
	}
	if string(loaded.PkgBuildArchive) != "archive-bytes" {
		t.Fatalf("unexpected decoded payload: %q", loaded.PkgBuildArchive)
	}
}

func TestDecodeKind(t *testing.T) {
	p := casmodel.NewRuntimePayload(casmodel.RuntimeHeader{Version: "3.12"}, []byte("x"))
	b, err := CanonicalBytes(p)
	if err != nil {
		t.Fatal(err)
	}
	kind, err := DecodeKind(b)
	if err != nil {
		t.Fatal(err)
	}
	if kind != casmodel.KindRuntime {
		t.Fatalf("got kind %s, want runtime", kind)
	}
}

func TestVerifyDigest(t *testing.T) {
	data := []byte("hello world")
	got := VerifyDigest(data)
	if len(got) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(got))
	}
	if VerifyDigest(data) != got {
		t.Fatal("VerifyDigest should be deterministic")
	}
	if VerifyDigest([]byte("hello worle")) == got {
		t.Fatal("VerifyDigest should differ for different input")
	}
}
