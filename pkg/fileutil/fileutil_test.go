// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fileutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCommitReplaces(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "image.tar")
	if err := os.WriteFile(dst, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := Create(dst, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	f.WriteString("new contents")
	if got, _ := os.ReadFile(dst); string(got) != "old" {
		t.Fatalf("destination changed before Commit: %q", got)
	}
	if err := f.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got, _ := os.ReadFile(dst); string(got) != "new contents" {
		t.Fatalf("after Commit: %q", got)
	}
	if _, err := os.Stat(dst + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temporary file left behind: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close after Commit: %v", err)
	}
}

func TestCloseDiscards(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "image.tar")
	f, err := Create(dst, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("partial")
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ents, _ := os.ReadDir(dir)
	if len(ents) != 0 {
		t.Fatalf("Close left %v", ents)
	}
}
