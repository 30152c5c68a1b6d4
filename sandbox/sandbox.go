// Package sandbox confines user-supplied paths to a trusted base directory.
// Paths are resolved against the base and anything that lands outside it,
// lexically or after following symlinks, is rejected with ErrEscapesBase.
// Intermediate components that are themselves symlinks are rejected with
// ErrSymlink even when their target stays inside the base.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// ErrEscapesBase marks a path whose cleaned or resolved form lies outside
// the base directory.
var ErrEscapesBase = errors.New("path escapes base directory")

// ErrSymlink marks a path with a symlinked intermediate component.
var ErrSymlink = errors.New("symlink in path")

// Resolve validates userPath against baseDir and returns its fully resolved
// absolute form. The path must exist. Relative paths are taken relative to
// the base; a leading ~ expands to the user's home directory.
func Resolve(userPath, baseDir string) (string, error) {
	base, err := resolveBase(baseDir)
	if err != nil {
		return "", err
	}
	cleaned := normalize(userPath, base)
	if !within(base, cleaned) {
		return "", fmt.Errorf("path %s (base %s): %w", cleaned, base, ErrEscapesBase)
	}
	return resolveExisting(base, cleaned)
}

// ResolveOutput validates userPath as a write target. The final component
// may not exist yet; its parent must exist, be a directory, and pass the
// same containment and symlink checks as an input path.
func ResolveOutput(userPath, baseDir string) (string, error) {
	base, err := resolveBase(baseDir)
	if err != nil {
		return "", err
	}
	cleaned := normalize(userPath, base)
	if !within(base, cleaned) {
		return "", fmt.Errorf("path %s (base %s): %w", cleaned, base, ErrEscapesBase)
	}

	// ENOTDIR means a leading component is a file; the parent checks
	// below produce the clearer diagnostic for that.
	if _, err := os.Lstat(cleaned); err == nil {
		return resolveExisting(base, cleaned)
	} else if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) {
		return "", fmt.Errorf("stat %s: %w", cleaned, err)
	}

	parent := filepath.Dir(cleaned)
	resolvedParent, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return "", fmt.Errorf("output directory %s: %w", parent, err)
	}
	fi, err := os.Stat(resolvedParent)
	if err != nil {
		return "", fmt.Errorf("output directory %s: %w", resolvedParent, err)
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("output directory %s: not a directory", resolvedParent)
	}
	if !within(base, resolvedParent) {
		return "", fmt.Errorf("path %s (base %s): %w", resolvedParent, base, ErrEscapesBase)
	}
	if err := checkComponents(base, cleaned); err != nil {
		return "", err
	}
	return filepath.Join(resolvedParent, filepath.Base(cleaned)), nil
}

// DefaultBaseDir walks upward from the working directory until it finds a
// directory containing .git or go.mod. Without a marker it returns the
// working directory itself.
func DefaultBaseDir() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	dir := wd
	for {
		for _, marker := range []string{".git", "go.mod"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return wd, nil
		}
		dir = parent
	}
}

func resolveExisting(base, cleaned string) (string, error) {
	resolved, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", cleaned, err)
	}
	if !within(base, resolved) {
		return "", fmt.Errorf("path %s (base %s): %w", resolved, base, ErrEscapesBase)
	}
	if err := checkComponents(base, cleaned); err != nil {
		return "", err
	}
	return resolved, nil
}

// resolveBase turns the base directory into an absolute, symlink-free path
// and verifies it is a directory.
func resolveBase(baseDir string) (string, error) {
	p := expandHome(baseDir)
	if !filepath.IsAbs(p) {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", fmt.Errorf("base directory %s: %w", baseDir, err)
		}
		p = abs
	}
	resolved, err := filepath.EvalSymlinks(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("base directory %s: %w", p, err)
	}
	fi, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("base directory %s: %w", resolved, err)
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("base directory %s: not a directory", resolved)
	}
	return resolved, nil
}

func normalize(userPath, base string) string {
	p := expandHome(userPath)
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	return filepath.Clean(p)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// within reports whether p is base or lies under it. Both arguments must be
// absolute and cleaned.
func within(base, p string) bool {
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// checkComponents walks the directories strictly between base and p's final
// component, rejecting any that is a symlink. The base is already resolved
// and p is cleaned, so every hit is a genuine in-base symlink. The walk
// stops at the first component that does not exist yet.
func checkComponents(base, p string) error {
	rel, err := filepath.Rel(base, p)
	if err != nil || rel == "." {
		return nil
	}
	parts := strings.Split(rel, string(filepath.Separator))
	dir := base
	for _, part := range parts[:len(parts)-1] {
		dir = filepath.Join(dir, part)
		fi, err := os.Lstat(dir)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stat %s: %w", dir, err)
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("path component %s: %w", dir, ErrSymlink)
		}
	}
	return nil
}
