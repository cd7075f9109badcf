// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hostio

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateImageThenOpenImageRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	m, err := CreateImage(path, 4096)
	if err != nil {
		t.Fatalf("CreateImage: %v", err)
	}
	if m.Len() != 4096 {
		t.Fatalf("Len() = %d, want 4096", m.Len())
	}

	copy(m.Bytes(), []byte("hello disk image"))
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenImage(path)
	if err != nil {
		t.Fatalf("OpenImage: %v", err)
	}
	defer reopened.Close()

	if got := string(reopened.Bytes()[:len("hello disk image")]); got != "hello disk image" {
		t.Fatalf("reopened content = %q, want %q", got, "hello disk image")
	}
}

func TestOpenImageRejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.img")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := OpenImage(path); err == nil {
		t.Fatal("expected OpenImage to reject a zero-length file")
	}
}

func TestOpenImageRejectsMissingFile(t *testing.T) {
	if _, err := OpenImage(filepath.Join(t.TempDir(), "missing.img")); err == nil {
		t.Fatal("expected OpenImage to reject a missing file")
	}
}
