// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sandbox confines remote paths to a root directory.
type Sandbox struct {
	root string
}

// NewSandbox returns a Sandbox rooted at root, made absolute.
func NewSandbox(root string) (Sandbox, error) {
	if root == "" {
		return Sandbox{}, fmt.Errorf("sandbox root is empty")
	}
	absolute, err := filepath.Abs(root)
	if err != nil {
		return Sandbox{}, fmt.Errorf("resolving sandbox root %s: %w", root, err)
	}
	return Sandbox{root: absolute}, nil
}

// Root returns the absolute root directory.
func (s Sandbox) Root() string { return s.root }

// Resolve maps a caller-supplied path into the sandbox. A leading
// separator means the sandbox root, never the real filesystem root,
// and ".." elements are canonicalized away. The result must be the
// root itself or lie strictly beneath it. Resolve is purely lexical:
// it touches no files, so a rejected path never reaches the
// filesystem.
func (s Sandbox) Resolve(remote string) (string, error) {
	if s.root == "" {
		return "", &PathError{Path: remote, Reason: "no file root configured"}
	}
	if remote == "" {
		return "", &PathError{Path: remote, Reason: "empty path"}
	}
	if strings.IndexByte(remote, 0) >= 0 {
		return "", &PathError{Path: remote, Reason: "contains a NUL byte"}
	}

	// Join cleans the result, so "/../x" and "a/../../x" climb above
	// the root here and are caught by the prefix check below.
	resolved := filepath.Join(s.root, filepath.FromSlash(remote))
	if !s.contains(resolved) {
		return "", &PathError{Path: remote, Reason: "escapes the file root"}
	}
	return resolved, nil
}

func (s Sandbox) contains(path string) bool {
	if path == s.root {
		return true
	}
	prefix := s.root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}

// checkLinks verifies that the deepest existing ancestor of a resolved
// path, with symlinks followed, is still inside the root. It catches a
// symlink inside the root that points outside it.
func (s Sandbox) checkLinks(remote, resolved string) error {
	realRoot, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		return fmt.Errorf("resolving file root: %w", err)
	}
	existing := resolved
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return nil
		}
		existing = parent
	}
	actual, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", existing, err)
	}
	if !(Sandbox{root: realRoot}).contains(actual) {
		return &PathError{Path: remote, Reason: "leads outside the file root through a symlink"}
	}
	return nil
}
