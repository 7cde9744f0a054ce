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
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"px/internal/cas/cerrors"
)

// epoch is the zeroed mtime every archive entry carries.
var epoch = time.Unix(0, 0).UTC()

// ArchiveDirCanonical emits a deterministic gzip-compressed tar of root per
// entries walked in lexicographic path order, mtime/uid/gid
// zeroed, owner names blank, executable-bit-aware file modes, relativized
// symlink targets, and the top-level .git directory excluded.
func ArchiveDirCanonical(root string) ([]byte, error) {
	return archive(root, nil)
}

// ArchiveSelected archives only the given subpaths of root (relative or
// absolute, so long as they fall under root), deduplicating overlaps.
func ArchiveSelected(root string, paths []string) ([]byte, error) {
	if len(paths) == 0 {
		return archive(root, func(string) bool { return false })
	}
	allowed := make(map[string]bool, len(paths))
	for _, p := range paths {
		rel, err := relativize(root, p)
		if err != nil {
			return nil, err
		}
		allowed[rel] = true
	}
	return archive(root, func(rel string) bool {
		if allowed[rel] {
			return true
		}
		for a := range allowed {
			if strings.HasPrefix(rel, a+"/") || strings.HasPrefix(a, rel+"/") {
				return true
			}
		}
		return false
	})
}

// ExtractArchive decodes a gzip-compressed tar produced by ArchiveDirCanonical
// or ArchiveSelected into destDir, which must already exist. Directory
// entries set their final mode; symlink targets are written verbatim
// (already relativized by the archiver).
func ExtractArchive(data []byte, destDir string) error {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to open gzip archive")
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to read tar entry")
		}

		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(filepath.Separator)) && target != filepath.Clean(destDir) {
			return cerrors.New(cerrors.StoreWriteFailure, "archive entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)|0700); err != nil {
				return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to create dir %s", target)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to create parent of %s", target)
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to symlink %s -> %s", target, hdr.Linkname)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to create parent of %s", target)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)|0600)
			if err != nil {
				return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to create file %s", target)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to write %s", target)
			}
			f.Close()
		default:
			// skip device/fifo/etc entries; none are ever written by the archiver.
		}
	}
}

func relativize(root, p string) (string, error) {
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return "", fmt.Errorf("archive: %q is not under root %q: %w", p, root, err)
		}
		return filepath.ToSlash(rel), nil
	}
	return filepath.ToSlash(p), nil
}

// archive walks root in lexicographic order and writes each entry allowed
// by keep (nil keep means "archive everything").
func archive(root string, keep func(rel string) bool) ([]byte, error) {
	entries, err := walkSorted(root)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to walk %s", root)
	}

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)

	seen := make(map[string]bool)
	for _, rel := range entries {
		if rel == ".git" || strings.HasPrefix(rel, ".git/") {
			continue
		}
		if keep != nil && !keep(rel) {
			continue
		}
		if seen[rel] {
			continue
		}
		seen[rel] = true
		if err := writeEntry(tw, root, rel); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to finish tar")
	}

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	if _, err := gw.Write(tarBuf.Bytes()); err != nil {
		return nil, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to gzip archive")
	}
	if err := gw.Close(); err != nil {
		return nil, cerrors.Wrap(cerrors.StoreWriteFailure, err, "failed to finish gzip")
	}
	return gzBuf.Bytes(), nil
}

// walkSorted returns every path under root, relative and slash-separated,
// in lexicographic order. root itself is excluded.
func walkSorted(root string) ([]string, error) {
	var rels []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				slog.Warn("skipping unreadable path during archive walk", "path", path)
				return nil
			}
			return err
		}
		if path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(rels)
	return rels, nil
}

func writeEntry(tw *tar.Writer, root, rel string) error {
	full := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Lstat(full)
	if err != nil {
		if os.IsPermission(err) {
			slog.Warn("skipping unreadable path during archive", "path", full)
			return nil
		}
		return cerrors.Wrap(cerrors.StoreWriteFailure, err, "lstat %s", full)
	}

	if rel == "" || strings.HasPrefix(rel, "/") {
		return cerrors.New(cerrors.StoreWriteFailure, "invalid archive member name %q", rel)
	}

	switch {
	case info.IsDir():
		hdr := &tar.Header{
			Name:     rel + "/",
			Typeflag: tar.TypeDir,
			Mode:     0755,
			Uid:      0,
			Gid:      0,
			Uname:    "",
			Gname:    "",
			ModTime:  epoch,
		}
		return tw.WriteHeader(hdr)

	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(full)
		if err != nil {
			if os.IsPermission(err) {
				slog.Warn("skipping unreadable symlink during archive", "path", full)
				return nil
			}
			return cerrors.Wrap(cerrors.StoreWriteFailure, err, "readlink %s", full)
		}
		target = relativizeSymlink(root, full, target)
		hdr := &tar.Header{
			Name:     rel,
			Typeflag: tar.TypeSymlink,
			Linkname: target,
			Mode:     0777,
			Uid:      0,
			Gid:      0,
			ModTime:  epoch,
		}
		return tw.WriteHeader(hdr)

	case info.Mode().IsRegular():
		f, err := os.Open(full)
		if err != nil {
			if os.IsPermission(err) {
				slog.Warn("skipping unreadable file during archive", "path", full)
				return nil
			}
			return cerrors.Wrap(cerrors.StoreWriteFailure, err, "open %s", full)
		}
		defer f.Close()

		mode := int64(0644)
		if info.Mode()&0111 != 0 {
			mode = 0755
		}
		hdr := &tar.Header{
			Name:     rel,
			Typeflag: tar.TypeReg,
			Mode:     mode,
			Size:     info.Size(),
			Uid:      0,
			Gid:      0,
			ModTime:  epoch,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		return err

	default:
		// device files, sockets, fifos: not meaningful in a package tree.
		return nil
	}
}

// relativizeSymlink rewrites an absolute symlink target to be relative to
// root when it falls within root; an absolute target outside root becomes
// just its basename.
func relativizeSymlink(root, linkPath, target string) string {
	if !filepath.IsAbs(target) {
		return filepath.ToSlash(target)
	}
	if rel, err := filepath.Rel(root, target); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return filepath.Base(target)
}
