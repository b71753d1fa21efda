// Package cos provides common low-level types and utilities for the remoting runtime
/*
 * Copyright (c) 2024, the Remoting authors. All rights reserved.
 */
package cos

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	// default file and directory permissions
	PermRWR   os.FileMode = 0o640
	PermRWXRX os.FileMode = 0o750
)

// CreateDir creates directory if it doesn't exist. Also a no-op when the
// directory is already there.
func CreateDir(dir string) error {
	return os.MkdirAll(dir, PermRWXRX)
}

// CreateFile creates a new file (and the parent directory, when necessary)
func CreateFile(fqn string) (*os.File, error) {
	if err := CreateDir(filepath.Dir(fqn)); err != nil {
		return nil, err
	}
	return os.OpenFile(fqn, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, PermRWR)
}

// Rename moves src to dst, creating dst's parent when missing.
func Rename(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "rename %s => %s", src, dst)
	}
	if err := CreateDir(filepath.Dir(dst)); err != nil {
		return err
	}
	return errors.Wrapf(os.Rename(src, dst), "rename %s => %s", src, dst)
}

// RemoveFile deletes fqn; missing file is not an error.
func RemoveFile(fqn string) error {
	err := os.Remove(fqn)
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	return err
}

// SaveBytesAtomic writes b to fqn via a temp name in the same directory
// followed by an atomic rename.
func SaveBytesAtomic(fqn string, b []byte) error {
	tmp := fqn + ".tmp"
	fh, err := CreateFile(tmp)
	if err != nil {
		return err
	}
	if _, err = fh.Write(b); err != nil {
		fh.Close()
		RemoveFile(tmp)
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err = fh.Close(); err != nil {
		RemoveFile(tmp)
		return err
	}
	return Rename(tmp, fqn)
}

// DrainReader reads r to the end and discards the bytes; it does not close r
func DrainReader(r io.Reader) {
	_, _ = io.Copy(io.Discard, r)
}

// Stat returns (exists, isDir)
func Stat(path string) (exists, isDir bool) {
	fi, err := os.Stat(path)
	if err != nil {
		return false, false
	}
	return true, fi.IsDir()
}
