// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package compress wraps archive streams in gzip or zstd compression.
//
// # Supported Encodings
//
//   - zstd (Zstandard), written at the fastest encoder level
//   - gzip
//   - none, which passes the stream through unchanged
//
// # Writing
//
// NewWriter returns a writer that compresses into the destination. The
// returned writer must be closed to flush the final frame:
//
//	w, err := compress.NewWriter(f, compress.Zstd)
//	if err != nil {
//	    return err
//	}
//	if err := archive.Encode(w, set); err != nil {
//	    return err
//	}
//	return w.Close()
//
// # Reading
//
// NewReader sniffs the leading magic bytes and decompresses when they name
// a supported encoding. Anything else is returned as is, so plain tarballs
// and compressed ones are read through the same call:
//
//	r, enc, err := compress.NewReader(f)
//	if err != nil {
//	    return err
//	}
//	defer r.Close()
//	log.Printf("archive encoding: %v", enc)
package compress
