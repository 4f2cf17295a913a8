// SPDX-License-Identifier: MIT

// Package fsutil confines filesystem access to the upload root. The media
// and export handlers build paths from client-supplied job ids; every such
// path goes through ConfineJobFile before it is opened.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrOutsideRoot = errors.New("fsutil: path escapes upload root")

// ConfineJobFile resolves uploads/{jobID}/{name} and guarantees the result
// is physically under root. It rejects separator tricks in either component
// and follows symlinks so a planted link cannot escape the root.
func ConfineJobFile(root, jobID, name string) (string, error) {
	for _, part := range []string{jobID, name} {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("%w: empty or dot component", ErrOutsideRoot)
		}
		if strings.ContainsAny(part, `/\`) {
			return "", fmt.Errorf("%w: separator in component %q", ErrOutsideRoot, part)
		}
	}

	realRoot, err := resolveRoot(root)
	if err != nil {
		return "", err
	}

	full := filepath.Join(realRoot, jobID, name)
	realPath, err := resolveExisting(full)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(realRoot, realPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, realPath)
	}
	return realPath, nil
}

func resolveRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve upload root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", err
		}
		return abs, nil
	}
	return real, nil
}

// resolveExisting resolves symlinks in path. A missing leaf resolves through
// its parent so the caller gets a clean os.IsNotExist from the open.
func resolveExisting(path string) (string, error) {
	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	dir := filepath.Dir(path)
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return path, nil
		}
		return "", fmt.Errorf("resolve parent: %w", err)
	}
	return filepath.Join(real, filepath.Base(path)), nil
}

// IsRegularFile reports an error when path is missing or not a plain file.
func IsRegularFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", path)
	}
	return nil
}
