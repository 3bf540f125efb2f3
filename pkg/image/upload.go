// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package image

import (
	"context"
	"io"

	"github.com/yeetrun/ferry/pkg/archive"
	"github.com/yeetrun/ferry/pkg/reference"
	"github.com/yeetrun/ferry/pkg/registry"
	"github.com/yeetrun/ferry/pkg/transfer"
)

// Uploader pushes archives.
type Uploader struct {
	c    *registry.Client
	e    *transfer.Engine
	opts Options
}

// NewUploader returns an Uploader pushing to c.
func NewUploader(c *registry.Client, opts Options) *Uploader {
	return &Uploader{c: c, e: opts.engine(c), opts: opts}
}

// Upload pushes the archive read from r, which may be compressed, to repo
// and tags its index as ref. Each image's blobs are pushed before its
// manifest, and every manifest before the index. Blobs the registry already
// has are skipped. It returns the digest of the pushed index.
func (u *Uploader) Upload(ctx context.Context, repo reference.Repository, ref reference.Reference, r io.Reader) (d reference.Digest, err error) {
	logf := u.opts.logf()
	err = withTempDir(u.opts.TempDir, logf, func(dir string) error {
		b, err := archive.Decode(r, dir)
		if err != nil {
			return err
		}
		for _, img := range b.Images {
			n, err := u.e.UploadMany(ctx, repo, img.Blobs(), u.opts.Mode)
			if err != nil {
				return err
			}
			if _, err := u.c.PutManifest(ctx, repo, reference.DigestRef(img.Digest), img.Manifest); err != nil {
				return err
			}
			logf("image: pushed %s@%s (%d new blobs)", repo, img.Digest, n)
		}
		for _, idx := range b.Indexes {
			if _, err := u.c.PutManifest(ctx, repo, reference.DigestRef(idx.Digest), idx.Manifest); err != nil {
				return err
			}
		}
		d, err = u.c.PutManifest(ctx, repo, ref, b.Index)
		return err
	})
	if err != nil {
		return "", wrap(err)
	}
	return d, nil
}
