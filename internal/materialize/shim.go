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
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"px/internal/cas/cerrors"
)

const siteCustomizeBody = `import os
import sys

_PX_PTH = os.path.join(os.path.dirname(__file__), "px.pth")
if os.path.exists(_PX_PTH):
    with open(_PX_PTH) as _f:
        for _line in _f:
            _line = _line.strip()
            if _line and _line not in sys.path:
                sys.path.insert(0, _line)
`

// writeSiteCustomize drops sitecustomize.py at envRoot and, when site is
// non-empty, also under the site-packages directory so it is picked up
// regardless of which sys.path entry the interpreter scans first.
func writeSiteCustomize(envRoot, site string) error {
	if err := os.WriteFile(filepath.Join(envRoot, "sitecustomize.py"), []byte(siteCustomizeBody), 0644); err != nil {
		return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to write sitecustomize.py")
	}
	if site == "" {
		return nil
	}
	if err := os.MkdirAll(site, 0755); err != nil {
		return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to create site-packages dir %s", site)
	}
	if err := os.WriteFile(filepath.Join(site, "sitecustomize.py"), []byte(siteCustomizeBody), 0644); err != nil {
		return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to write site-packages sitecustomize.py")
	}
	return nil
}

// linkBinEntry installs src (a file from a materialized package build's
// bin/ directory) as dest in the projected environment's bin/. Python
// entry-point scripts get their shebang rewritten to point at envPython;
// everything else is symlinked, falling back to a hard link and then to a
// copy (with src's permission bits) when the platform or filesystem
// refuses the previous attempt.
func linkBinEntry(src, dest, envPython string) error {
	rewrite, err := shouldRewritePythonEntrypoint(src)
	if err != nil {
		return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to inspect bin entry %s", src)
	}
	if rewrite {
		return rewritePythonEntrypoint(src, dest, envPython)
	}

	os.Remove(dest)
	if err := os.Symlink(src, dest); err == nil {
		return nil
	}
	if err := os.Link(src, dest); err == nil {
		return nil
	}
	info, err := os.Stat(src)
	if err != nil {
		return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to link bin entry %s -> %s", dest, src)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to read bin entry %s", src)
	}
	if err := os.WriteFile(dest, data, info.Mode().Perm()); err != nil {
		return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to copy bin entry %s -> %s", src, dest)
	}
	return nil
}

func shouldRewritePythonEntrypoint(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, 256)
	n, _ := f.Read(buf)
	firstLine, _, _ := bytes.Cut(buf[:n], []byte("\n"))
	if !bytes.HasPrefix(firstLine, []byte("#!")) {
		return false, nil
	}
	return strings.Contains(strings.ToLower(string(firstLine)), "python"), nil
}

func rewritePythonEntrypoint(src, dest, python string) error {
	contents, err := os.ReadFile(src)
	if err != nil {
		return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to read entrypoint %s", src)
	}
	_, rest, _ := bytes.Cut(contents, []byte("\n"))

	var out bytes.Buffer
	fmt.Fprintf(&out, "#!%s\n", python)
	out.Write(rest)

	os.Remove(dest)
	if err := os.WriteFile(dest, out.Bytes(), 0755); err != nil {
		return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to write rewritten entrypoint %s", dest)
	}
	return nil
}

// writePythonShim writes a bash launcher at <binDir>/python that sets
// PYTHONHOME/PYTHONPATH to point at the projected environment and the
// runtime's own site-packages, exports the profile's env_vars, then execs
// the real interpreter. "python3"/"python3.11"/"python3.12" aliases are
// symlinked to it.
func writePythonShim(binDir, runtimeExe, site string, envVars map[string]json.RawMessage) error {
	if err := os.MkdirAll(binDir, 0755); err != nil {
		return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to create bin dir %s", binDir)
	}

	var script strings.Builder
	script.WriteString("#!/usr/bin/env bash\n")

	runtimeRoot := filepath.Dir(filepath.Dir(runtimeExe))
	fmt.Fprintf(&script, "export PYTHONHOME=%q\n", runtimeRoot)

	pythonpath := site
	if versionDir := filepath.Base(filepath.Dir(site)); versionDir != "" && versionDir != "." {
		runtimeSite := filepath.Join(runtimeRoot, "lib", versionDir, "site-packages")
		pythonpath = pythonpath + ":" + runtimeSite
	}
	script.WriteString("if [ -n \"$PYTHONPATH\" ]; then\n")
	fmt.Fprintf(&script, "  export PYTHONPATH=\"$PYTHONPATH:%s\"\n", pythonpath)
	script.WriteString("else\n")
	fmt.Fprintf(&script, "  export PYTHONPATH=%q\n", pythonpath)
	script.WriteString("fi\n")
	fmt.Fprintf(&script, "export PX_PYTHON=%q\n", runtimeExe)
	script.WriteString("export PYTHONUNBUFFERED=1\n")
	script.WriteString("export PYTHONDONTWRITEBYTECODE=1\n")

	for _, key := range sortedKeys(envVars) {
		val := envVarValue(envVars[key])
		fmt.Fprintf(&script, "export %s=%s\n", key, shellEscape(val))
	}
	fmt.Fprintf(&script, "exec %q \"$@\"\n", runtimeExe)

	shim := filepath.Join(binDir, "python")
	if err := os.WriteFile(shim, []byte(script.String()), 0755); err != nil {
		return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to write python shim")
	}

	for _, alias := range []string{"python3", "python3.11", "python3.12"} {
		dest := filepath.Join(binDir, alias)
		os.Remove(dest)
		if err := os.Symlink("python", dest); err != nil {
			os.Link(shim, dest)
		}
	}
	return nil
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func envVarValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

func shellEscape(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}
