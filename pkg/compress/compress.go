// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package compress

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Encoding names a stream compression.
type Encoding string

const (
	None Encoding = ""
	Gzip Encoding = "gzip"
	Zstd Encoding = "zstd"
)

func (e Encoding) String() string {
	if e == None {
		return "none"
	}
	return string(e)
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// ParseEncoding parses a user supplied encoding name. The empty string and
// "none" mean no compression.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "identity":
		return None, nil
	case "gzip", "gz":
		return Gzip, nil
	case "zstd", "zst":
		return Zstd, nil
	}
	return None, fmt.Errorf("unsupported compression %q (want gzip, zstd or none)", s)
}

// Detect reports the encoding named by the leading bytes of a stream.
func Detect(head []byte) Encoding {
	switch {
	case bytes.HasPrefix(head, zstdMagic):
		return Zstd
	case bytes.HasPrefix(head, gzipMagic):
		return Gzip
	}
	return None
}

// NewWriter returns a writer that compresses into w. Closing it flushes the
// compressor but does not close w.
func NewWriter(w io.Writer, enc Encoding) (io.WriteCloser, error) {
	switch enc {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Zstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		return zw, nil
	}
	return nil, fmt.Errorf("unsupported compression %q", string(enc))
}

// NewReader returns a reader of the decompressed contents of r and the
// encoding it detected. Closing it releases the decompressor but does not
// close r.
func NewReader(r io.Reader) (io.ReadCloser, Encoding, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(zstdMagic))
	if err != nil && err != io.EOF {
		return nil, None, err
	}
	enc := Detect(head)
	switch enc {
	case Gzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, enc, fmt.Errorf("failed to create decompressor for %s: %w", enc, err)
		}
		return zr, enc, nil
	case Zstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, enc, fmt.Errorf("failed to create decompressor for %s: %w", enc, err)
		}
		return zr.IOReadCloser(), enc, nil
	}
	return io.NopCloser(br), None, nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
