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

package cerrors

import (
	"errors"
	"testing"
)

func TestErrorIsComparesByKind(t *testing.T) {
	err := New(MissingObject, "object %s not found", "deadbeef").WithOID("deadbeef")
	if !errors.Is(err, New(MissingObject, "")) {
		t.Fatal("expected errors.Is to match by Kind regardless of message/detail")
	}
	if errors.Is(err, New(DigestMismatch, "")) {
		t.Fatal("expected errors.Is to not match a different Kind")
	}
}

func TestWrapUnwrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(StoreWriteFailure, cause, "failed to write object")
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to reach the wrapped cause via Unwrap")
	}
}

func TestErrorAsTypedExtraction(t *testing.T) {
	err := New(KindMismatch, "kind mismatch").WithOID("abc").WithPath("/store/objects/ab/abc")
	var target *Error
	if !errors.As(err, &target) {
		t.Fatal("expected errors.As to extract *Error")
	}
	if target.OID != "abc" || target.Path != "/store/objects/ab/abc" {
		t.Fatalf("unexpected detail fields: %+v", target)
	}
}

func TestDetailIncludesOnlySetFields(t *testing.T) {
	err := New(MissingMeta, "missing meta")
	d := err.Detail()
	if _, ok := d["oid"]; ok {
		t.Fatal("expected no oid key when OID was never set")
	}
	if d["code"] != "PX805" {
		t.Fatalf("unexpected code: %v", d["code"])
	}
	if d["kind"] != string(MissingMeta) {
		t.Fatalf("unexpected kind: %v", d["kind"])
	}

	err2 := New(DigestMismatch, "bad digest").WithOID("oid1").WithPath("p").WithKey("k")
	d2 := err2.Detail()
	for _, key := range []string{"oid", "path", "key"} {
		if _, ok := d2[key]; !ok {
			t.Fatalf("expected detail to include %q once set", key)
		}
	}
}

func TestErrorMessageFormatting(t *testing.T) {
	err := New(SizeMismatch, "expected %d, got %d", 10, 20)
	want := "SizeMismatch (PX803): expected 10, got 20"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}

func TestEveryKindHasACode(t *testing.T) {
	kinds := []Kind{
		MissingObject, DigestMismatch, KindMismatch, SizeMismatch, IndexCorrupt,
		MissingMeta, IncompatibleFormat, StoreWriteFailure, UnknownKind, UnknownOwnerType,
	}
	seen := make(map[string]bool)
	for _, k := range kinds {
		err := New(k, "")
		if err.Code == "" {
			t.Errorf("kind %s has no PX8xx code", k)
		}
		if seen[err.Code] {
			t.Errorf("duplicate code %s for kind %s", err.Code, k)
		}
		seen[err.Code] = true
	}
}
