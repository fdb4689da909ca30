// Package fileutil provides filesystem helpers for the course pipeline:
// meta file parsing, containment checks, link-preserving tree copies and
// the multi-path rename transaction used to promote a course from one
// source root to another.
package fileutil

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ReadMeta reads a meta file comprised of lines in format: key = value.
// A missing file yields an empty map.
func ReadMeta(path string) (map[string]string, error) {
	meta := make(map[string]string)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return meta, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		meta[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	return meta, scanner.Err()
}

// IsSubpath reports whether path is contained in parent. Both paths must
// be absolute or both relative to the same base; neither is resolved.
func IsSubpath(path, parent string) bool {
	rel, err := filepath.Rel(parent, path)
	if err != nil {
		return false
	}

	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// RmPath removes a file, symlink or directory tree at path.
func RmPath(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return os.RemoveAll(path)
	}

	return os.Remove(path)
}

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomToken returns an n-character alphanumeric token.
func RandomToken(n int) string {
	b := make([]byte, n)
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform source is broken
			b[i] = tokenAlphabet[i%len(tokenAlphabet)]
			continue
		}
		b[i] = tokenAlphabet[idx.Int64()]
	}

	return string(b)
}

// CopyTree copies a directory tree using the cp command in order to
// preserve hard- and symlinks.
func CopyTree(src, dst string) error {
	out, err := exec.Command("cp", "-a", src, dst).CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to copy course files: %s", strings.TrimSpace(string(out)))
	}

	return nil
}

// CopyFile copies a single regular file, creating parent directories.
func CopyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	return os.WriteFile(dst, data, 0o644)
}

// FileMapping is one (archive name, filesystem path) pair produced by
// FileMappings.
type FileMapping struct {
	Name string
	Path string
}

// FileMappings expands (name, path) pairs relative to root into concrete
// file mappings. Directories are walked recursively with the archive
// name extended by the relative path. Every resolved path must stay
// inside root.
func FileMappings(root string, files []FileMapping) ([]FileMapping, error) {
	var out []FileMapping
	for _, fm := range files {
		path := fm.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			return nil, fmt.Errorf("cannot resolve %q: %w", fm.Path, err)
		}
		rootResolved, err := filepath.EvalSymlinks(root)
		if err != nil {
			return nil, fmt.Errorf("cannot resolve root %q: %w", root, err)
		}
		if !IsSubpath(resolved, rootResolved) {
			return nil, fmt.Errorf("file %q is outside the course directory", fm.Path)
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, FileMapping{Name: fm.Name, Path: path})
			continue
		}

		err = filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if fi.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(path, p)
			if err != nil {
				return err
			}
			out = append(out, FileMapping{Name: filepath.Join(fm.Name, rel), Path: p})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}
