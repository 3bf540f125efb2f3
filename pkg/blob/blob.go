// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package blob holds content-addressed payloads, either in memory or staged
// on disk, and readers that verify content against a digest.
package blob

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/opencontainers/go-digest"
	"github.com/yeetrun/ferry/pkg/manifest"
	"github.com/yeetrun/ferry/pkg/reference"
)

// ErrDigestMismatch is returned when content does not hash to the digest
// that names it.
var ErrDigestMismatch = errors.New("digest mismatch")

// Blob is a manifest, config or layer payload. It either holds its bytes or
// points at a file. Large payloads are staged on disk.
type Blob struct {
	Digest    reference.Digest
	MediaType string

	data []byte
	path string
	size int64
}

// FromBytes returns an in-memory blob over b.
func FromBytes(mediaType string, b []byte) *Blob {
	return &Blob{
		Digest:    reference.FromBytes(b),
		MediaType: mediaType,
		data:      b,
		size:      int64(len(b)),
	}
}

// FromFile returns a blob backed by the file at path. The digest is trusted;
// use Verify to check it.
func FromFile(d reference.Digest, mediaType, path string) (*Blob, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("blob %s: %s is not a regular file", d, path)
	}
	return &Blob{Digest: d, MediaType: mediaType, path: path, size: fi.Size()}, nil
}

// InMemory reports whether the payload is held in memory.
func (b *Blob) InMemory() bool { return b.path == "" }

// Path returns the backing file, or "" for in-memory blobs.
func (b *Blob) Path() string { return b.path }

func (b *Blob) Size() int64 { return b.size }

// Open returns a reader over the payload.
func (b *Blob) Open() (io.ReadCloser, error) {
	if b.path == "" {
		return io.NopCloser(bytes.NewReader(b.data)), nil
	}
	return os.Open(b.path)
}

// Bytes returns the payload, reading it from disk if necessary.
func (b *Blob) Bytes() ([]byte, error) {
	if b.path == "" {
		return b.data, nil
	}
	return os.ReadFile(b.path)
}

// Descriptor returns a pointer to b.
func (b *Blob) Descriptor() manifest.LayerReference {
	return manifest.LayerReference{MediaType: b.MediaType, Size: b.size, Digest: b.Digest}
}

// Verify reads the payload and checks it against Digest.
func (b *Blob) Verify() (err error) {
	rc, err := b.Open()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, rc.Close())
	}()
	vr := NewVerifyingReader(rc, b.Digest)
	if _, err := io.Copy(io.Discard, vr); err != nil {
		return err
	}
	return nil
}

// VerifyingReader hashes everything read through it. Once the underlying
// reader reports EOF, the content is checked against the expected digest and
// a mismatch is returned in place of io.EOF.
type VerifyingReader struct {
	r        io.Reader
	want     reference.Digest
	verifier digest.Verifier
	n        int64
}

// NewVerifyingReader wraps r to verify it hashes to want. A want whose hex
// part is not a full sha256 sum can never match; reads from such a reader
// fail immediately with ErrDigestMismatch.
func NewVerifyingReader(r io.Reader, want reference.Digest) *VerifyingReader {
	return &VerifyingReader{r: r, want: want, verifier: want.OCI().Verifier()}
}

func (v *VerifyingReader) Read(p []byte) (int, error) {
	if got, full := len(v.want.Hex()), 2*digest.SHA256.Size(); got != full {
		return 0, fmt.Errorf("%w: %s has %d hex characters, a sha256 sum has %d", ErrDigestMismatch, v.want, got, full)
	}
	n, err := v.r.Read(p)
	if n > 0 {
		v.verifier.Write(p[:n])
		v.n += int64(n)
	}
	if err == io.EOF && !v.verifier.Verified() {
		return n, fmt.Errorf("%w: %s (read %d bytes)", ErrDigestMismatch, v.want, v.n)
	}
	return n, err
}

// N returns the number of bytes read so far.
func (v *VerifyingReader) N() int64 { return v.n }
