// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

// Package osutil provides convenience functions for working with the local filesystem.
package osutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"tsqa.256lights.llc/pkg/internal/xmaps"
)

// MkdirPerm creates a directory (and any missing parents)
// and ensures it has the given permission bits regardless of umask.
// It is not an error if the directory already exists:
// its permissions are updated.
func MkdirPerm(name string, perm os.FileMode) error {
	if err := os.MkdirAll(name, perm); err != nil {
		return err
	}
	if err := os.Chmod(name, perm); err != nil {
		return err
	}
	return nil
}

// WriteFilePerm writes data to the named file, creating it if necessary,
// and ensuring it has the given permissions regardless of umask.
func WriteFilePerm(name string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %v", name, err)
	}
	err = f.Chmod(perm)
	err2 := f.Close()
	if err == nil {
		err = err2
	}
	if err != nil {
		return fmt.Errorf("write %s: %v", name, err)
	}
	return nil
}

// Truncate creates the named file if it does not exist
// or truncates it to zero length.
func Truncate(name string) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	return f.Close()
}

// CopyFile copies the regular file at src to dst,
// preserving the permission bits of src.
// dst is replaced if it exists.
func CopyFile(dst, src string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("copy %s: not a regular file", src)
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm()|0o200)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := out.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
	}()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %v", src, err)
	}
	if err := out.Chmod(info.Mode().Perm()); err != nil {
		return fmt.Errorf("copy %s: %v", src, err)
	}
	return nil
}

// CopyLink creates a symbolic link at dst
// with the same target as the symbolic link at src.
func CopyLink(dst, src string) error {
	target, err := os.Readlink(src)
	if err != nil {
		return err
	}
	return os.Symlink(target, dst)
}

// CopyTree recursively copies the directory at src to dst, which must not exist.
// Symbolic links are recreated rather than followed.
// Filesystem objects that are neither regular files, directories, nor symbolic links
// (e.g. sockets left behind by a running daemon) are skipped.
func CopyTree(dst, src string) error {
	return filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch typ := entry.Type(); {
		case typ.IsDir():
			info, err := entry.Info()
			if err != nil {
				return err
			}
			return MkdirPerm(target, info.Mode().Perm()|0o700)
		case typ&fs.ModeSymlink != 0:
			return CopyLink(target, path)
		case typ.IsRegular():
			return CopyFile(target, path)
		default:
			return nil
		}
	})
}

// MakePublicWritable adds read, write, and search permissions for all users
// to the directory at the given path, creating it if necessary.
func MakePublicWritable(path string) error {
	return MkdirPerm(path, 0o777)
}

// RemoveAll removes path and any children it contains.
// Unlike [os.RemoveAll], it will add write permission to directories
// that do not have it in order to remove their contents.
// It is not an error if path does not exist.
func RemoveAll(path string) error {
	err := os.RemoveAll(path)
	if err == nil || !errors.Is(err, fs.ErrPermission) {
		return err
	}
	filepath.WalkDir(path, func(path string, entry fs.DirEntry, err error) error {
		if err == nil && entry.IsDir() {
			os.Chmod(path, 0o700)
		}
		return nil
	})
	return os.RemoveAll(path)
}

// Environ returns the current process environment as a map.
// Malformed entries are skipped.
func Environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	return env
}

// EnvironList formats an environment map
// as a "KEY=value" list sorted by key,
// suitable for [os/exec.Cmd.Env].
func EnvironList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range xmaps.Sorted(env) {
		list = append(list, k+"="+v)
	}
	return list
}
