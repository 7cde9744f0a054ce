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

// Package cerrors centralizes the CAS error taxonomy: a stable Kind per
// failure mode mapped to a PX8xx code, carried alongside a
// JSON-able detail payload.
package cerrors

import "fmt"

// Kind is a stable, comparable failure category.
type Kind string

const (
	MissingObject      Kind = "MissingObject"
	DigestMismatch     Kind = "DigestMismatch"
	KindMismatch       Kind = "KindMismatch"
	SizeMismatch       Kind = "SizeMismatch"
	IndexCorrupt       Kind = "IndexCorrupt"
	MissingMeta        Kind = "MissingMeta"
	IncompatibleFormat Kind = "IncompatibleFormat"
	StoreWriteFailure  Kind = "StoreWriteFailure"
	UnknownKind        Kind = "UnknownKind"
	UnknownOwnerType   Kind = "UnknownOwnerType"
)

// codes maps each Kind to the stable external PX8xx code referenced in
// the PX800-range error codes clients are expected to branch on.
var codes = map[Kind]string{
	MissingObject:      "PX800",
	DigestMismatch:     "PX801",
	KindMismatch:       "PX802",
	SizeMismatch:       "PX803",
	IndexCorrupt:       "PX804",
	MissingMeta:        "PX805",
	IncompatibleFormat: "PX806",
	StoreWriteFailure:  "PX807",
	UnknownKind:        "PX808",
	UnknownOwnerType:   "PX809",
}

// Error is the error type surfaced by internal/cas and internal/materialize.
// It is Is/As friendly: errors.Is compares by Kind.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	OID     string
	Path    string
	Key     string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s (%s)", e.Kind, e.Code)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is makes errors.Is(err, New(KindX)) work by comparing Kind only, so
// callers can test `errors.Is(err, cerrors.New(cerrors.MissingObject))`
// without needing the detail fields to match.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New builds an Error for kind with an optional detail message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Code:    codes[kind],
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap builds an Error for kind, carrying an underlying cause via %w chains.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Code:    codes[kind],
		Message: fmt.Sprintf(format, args...),
		Wrapped: err,
	}
}

// WithOID attaches the object identifier detail field.
func (e *Error) WithOID(oid string) *Error { e.OID = oid; return e }

// WithPath attaches the filesystem path detail field.
func (e *Error) WithPath(path string) *Error { e.Path = path; return e }

// WithKey attaches the lookup-key detail field.
func (e *Error) WithKey(key string) *Error { e.Key = key; return e }

// Detail returns the JSON-renderable detail object clients can log or report.
func (e *Error) Detail() map[string]any {
	d := map[string]any{"code": e.Code, "kind": string(e.Kind), "message": e.Message}
	if e.OID != "" {
		d["oid"] = e.OID
	}
	if e.Path != "" {
		d["path"] = e.Path
	}
	if e.Key != "" {
		d["key"] = e.Key
	}
	return d
}
