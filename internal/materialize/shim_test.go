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
	"strings"
	"testing"
)

func TestLinkBinEntryRewritesPythonShebang(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "flask")
	mustWrite(t, src, "#!/usr/bin/env python3\nprint('hi')\n", 0755)
	dest := filepath.Join(dir, "bin-flask")

	if err := linkBinEntry(src, dest, "/envs/p/bin/python"); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	firstLine := strings.SplitN(string(got), "\n", 2)[0]
	if firstLine != "#!/envs/p/bin/python" {
		t.Fatalf("expected rewritten shebang, got %q", firstLine)
	}
	info, err := os.Stat(dest)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&0111 == 0 {
		t.Fatal("expected rewritten entrypoint to stay executable")
	}
}

func TestLinkBinEntrySymlinksNonPythonExecutables(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "tool")
	mustWrite(t, src, "#!/bin/sh\necho hi\n", 0755)
	dest := filepath.Join(dir, "bin-tool")

	if err := linkBinEntry(src, dest, "/envs/p/bin/python"); err != nil {
		t.Fatal(err)
	}
	target, err := os.Readlink(dest)
	if err != nil {
		info, statErr := os.Lstat(dest)
		if statErr != nil {
			t.Fatalf("expected either a symlink or a hard link at %s: %v / %v", dest, err, statErr)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			t.Fatalf("Lstat says symlink but Readlink failed: %v", err)
		}
		return
	}
	if target != src {
		t.Fatalf("expected symlink to %s, got %s", src, target)
	}
}

func TestWritePythonShimOrdersPythonPathCallerFirst(t *testing.T) {
	binDir := t.TempDir()
	runtimeExe := "/opt/px/runtimes/abc/bin/python"
	site := "/envs/profile-1/lib/python3.12/site-packages"

	if err := writePythonShim(binDir, runtimeExe, site, nil); err != nil {
		t.Fatal(err)
	}
	body, err := os.ReadFile(filepath.Join(binDir, "python"))
	if err != nil {
		t.Fatal(err)
	}
	script := string(body)

	if !strings.Contains(script, `export PYTHONHOME="/opt/px/runtimes/abc"`) {
		t.Fatalf("expected PYTHONHOME derived from two directories up from the exe, got:\n%s", script)
	}
	runtimeSite := "/opt/px/runtimes/abc/lib/python3.12/site-packages"
	wantPath := site + ":" + runtimeSite
	if !strings.Contains(script, wantPath) {
		t.Fatalf("expected PYTHONPATH to list env site-packages before runtime site-packages (%q), got:\n%s", wantPath, script)
	}
	if !strings.Contains(script, `if [ -n "$PYTHONPATH" ]; then`) {
		t.Fatalf("expected the shim to preserve a caller-provided PYTHONPATH first, got:\n%s", script)
	}
	if !strings.Contains(script, `export PX_PYTHON="/opt/px/runtimes/abc/bin/python"`) {
		t.Fatalf("expected PX_PYTHON to be exported, got:\n%s", script)
	}
	if !strings.Contains(script, "export PYTHONUNBUFFERED=1") || !strings.Contains(script, "export PYTHONDONTWRITEBYTECODE=1") {
		t.Fatalf("expected PYTHONUNBUFFERED/PYTHONDONTWRITEBYTECODE to be set, got:\n%s", script)
	}

	for _, alias := range []string{"python3", "python3.11", "python3.12"} {
		target, err := os.Readlink(filepath.Join(binDir, alias))
		if err != nil {
			t.Fatalf("expected %s to be a symlink: %v", alias, err)
		}
		if target != "python" {
			t.Fatalf("expected %s to point at python, got %s", alias, target)
		}
	}
}

func TestWritePythonShimExportsEnvVarsSortedAndEscaped(t *testing.T) {
	binDir := t.TempDir()
	envVars := map[string]json.RawMessage{
		"ZETA":  json.RawMessage(`"it's complicated"`),
		"ALPHA": json.RawMessage(`"simple"`),
	}
	if err := writePythonShim(binDir, "/opt/px/runtimes/abc/bin/python", "/envs/p/site-packages", envVars); err != nil {
		t.Fatal(err)
	}
	body, err := os.ReadFile(filepath.Join(binDir, "python"))
	if err != nil {
		t.Fatal(err)
	}
	script := string(body)

	alphaIdx := strings.Index(script, "export ALPHA=")
	zetaIdx := strings.Index(script, "export ZETA=")
	if alphaIdx == -1 || zetaIdx == -1 || alphaIdx > zetaIdx {
		t.Fatalf("expected env vars exported in sorted key order, got:\n%s", script)
	}
	if !strings.Contains(script, `export ZETA='it'\''s complicated'`) {
		t.Fatalf("expected single quotes in the value to be escaped, got:\n%s", script)
	}
}

func TestShellEscape(t *testing.T) {
	cases := map[string]string{
		"simple":       `'simple'`,
		"it's quoted":  `'it'\''s quoted'`,
		"":             `''`,
	}
	for in, want := range cases {
		if got := shellEscape(in); got != want {
			t.Fatalf("shellEscape(%q) = %q, want %q", in, got, want)
		}
	}
}
