// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fileutil writes output files so that readers never observe a
// partial file.
package fileutil

import (
	"errors"
	"os"
)

// AtomicFile is a file written under a temporary name and moved into place
// by Commit. Closing an uncommitted AtomicFile discards it.
type AtomicFile struct {
	*os.File
	dst       string
	committed bool
}

// Create starts writing dst. The data lands in dst + ".tmp" until Commit.
func Create(dst string, perm os.FileMode) (*AtomicFile, error) {
	// We write to a temporary file and then move it into place to avoid issues
	// with the destination file already existing / being in use.
	f, err := os.OpenFile(dst+".tmp", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return nil, err
	}
	return &AtomicFile{File: f, dst: dst}, nil
}

// Commit flushes the file to disk and renames it to its destination.
func (f *AtomicFile) Commit() error {
	if f.committed {
		return nil
	}
	err := f.File.Sync()
	err = errors.Join(err, f.File.Close())
	if err == nil {
		err = os.Rename(f.File.Name(), f.dst)
	}
	if err != nil {
		os.Remove(f.File.Name())
		return err
	}
	f.committed = true
	return nil
}

// Close discards the file unless it was committed.
func (f *AtomicFile) Close() error {
	if f.committed {
		return nil
	}
	f.committed = true
	f.File.Close()
	return os.Remove(f.File.Name())
}
