// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package archiver

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Tar creates a .tar archive of the tree below rootPath.
//
// The root directory itself is not included.
func Tar(ctx context.Context, rootPath string, output io.Writer) error {
	tw := tar.NewWriter(output)
	//nolint:errcheck
	defer tw.Close()

	err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if path == rootPath {
			return nil
		}

		relPath, err := filepath.Rel(rootPath, path)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string

		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return fmt.Errorf("error reading symlink %q: %w", path, err)
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("error creating header for %q: %w", path, err)
		}

		header.Name = filepath.ToSlash(relPath)
		if info.IsDir() {
			header.Name += "/"
		}

		if err = tw.WriteHeader(header); err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		return archiveFile(tw, path)
	})
	if err != nil {
		return err
	}

	return tw.Close()
}

func archiveFile(w io.Writer, path string) error {
	fp, err := os.Open(path)
	if err != nil {
		return err
	}

	//nolint:errcheck
	defer fp.Close()

	_, err = io.Copy(w, fp)

	return err
}

// Untar extracts a .tar archive into rootPath.
//
//nolint:gocyclo
func Untar(ctx context.Context, input io.Reader, rootPath string) error {
	tr := tar.NewReader(input)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		name := filepath.Clean(filepath.FromSlash(header.Name))
		if filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
			return fmt.Errorf("invalid path in archive: %q", header.Name)
		}

		if err = checkNoSymlink(rootPath, name); err != nil {
			return fmt.Errorf("invalid path in archive: %q: %w", header.Name, err)
		}

		path := filepath.Join(rootPath, name)
		mode := header.FileInfo().Mode()

		switch header.Typeflag {
		case tar.TypeDir:
			if err = os.MkdirAll(path, mode.Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err = os.Symlink(header.Linkname, path); err != nil {
				return err
			}
		case tar.TypeReg:
			if err = extractFile(tr, path, mode.Perm()); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported entry type %q for %q", header.Typeflag, header.Name)
		}
	}
}

// checkNoSymlink fails if name or one of its parents below rootPath is a symlink.
func checkNoSymlink(rootPath, name string) error {
	current := rootPath

	for _, part := range strings.Split(name, string(filepath.Separator)) {
		if part == "." {
			continue
		}

		current = filepath.Join(current, part)

		st, err := os.Lstat(current)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if st.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("%s is a symlink", current)
		}
	}

	return nil
}

func extractFile(r io.Reader, path string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	fp, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	if _, err = io.Copy(fp, r); err != nil {
		fp.Close() //nolint:errcheck

		return err
	}

	return fp.Close()
}
