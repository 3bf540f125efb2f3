// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package image

import (
	"context"
	"io"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/yeetrun/ferry/pkg/archive"
	"github.com/yeetrun/ferry/pkg/imageerr"
	"github.com/yeetrun/ferry/pkg/manifest"
	"github.com/yeetrun/ferry/pkg/reference"
	"github.com/yeetrun/ferry/pkg/registry"
	"github.com/yeetrun/ferry/pkg/transfer"
)

// AnnotationImageName is the index annotation containerd and docker load
// read the full image name from.
const AnnotationImageName = "io.containerd.image.name"

// Downloader pulls images into archives.
type Downloader struct {
	c    *registry.Client
	e    *transfer.Engine
	opts Options
}

// NewDownloader returns a Downloader pulling from c.
func NewDownloader(c *registry.Client, opts Options) *Downloader {
	return &Downloader{c: c, e: opts.engine(c), opts: opts}
}

// pending is an image whose manifest has been fetched but not its blobs.
type pending struct {
	m        manifest.Manifest
	digest   reference.Digest
	platform *manifest.Platform
}

// Download writes the image img points at to w as an archive. A manifest
// list is written as published, with every platform's image; attachments
// are left out. Blobs are staged on disk, never held in memory.
func (d *Downloader) Download(ctx context.Context, img reference.Image, w io.Writer) error {
	err := withTempDir(d.opts.TempDir, d.opts.logf(), func(dir string) error {
		m, err := d.c.Manifest(ctx, img.Repository, img.Reference)
		if err != nil {
			return err
		}
		b := &archive.Bundle{Index: m}
		var images []pending
		switch m.Kind() {
		case manifest.KindSingle:
			dg, err := m.Digest()
			if err != nil {
				return err
			}
			images = append(images, pending{m: m, digest: dg})
		case manifest.KindList:
			l, _ := m.List()
			if images, err = d.walk(ctx, img.Repository, l, 0, b); err != nil {
				return err
			}
		default:
			return imageerr.InvalidState("manifest of kind %v", m.Kind())
		}

		if err := d.fetch(ctx, img.Repository, images, dir, b); err != nil {
			return err
		}
		if m.Kind() == manifest.KindSingle {
			b.Index = singleIndex(img, b.Images[0])
		}
		repoTag := ""
		if t, ok := img.Reference.Tag(); ok {
			repoTag = string(img.Repository) + ":" + string(t)
		}
		b.SetLegacy(repoTag)
		return archive.Encode(w, b)
	})
	return wrap(err)
}

// walk collects the images of l and of every list nested in it, adding
// the nested lists to b children first.
func (d *Downloader) walk(ctx context.Context, repo reference.Repository, l *manifest.List, depth int, b *archive.Bundle) ([]pending, error) {
	if depth >= archive.MaxDepth {
		return nil, imageerr.InvalidState("manifest lists nest deeper than %d", archive.MaxDepth)
	}
	var out []pending
	for _, e := range l.Manifests {
		if e.IsAttachment() {
			continue
		}
		ref := reference.DigestRef(e.Digest)
		if e.IsList() {
			m, err := d.c.Manifest(ctx, repo, ref)
			if err != nil {
				return nil, err
			}
			nl, ok := m.List()
			if !ok {
				return nil, imageerr.InvalidState("%s is declared a list but is a %v manifest", e.Digest, m.Kind())
			}
			sub, err := d.walk(ctx, repo, nl, depth+1, b)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
			b.Indexes = append(b.Indexes, archive.Index{Manifest: m, Digest: e.Digest})
			continue
		}
		m, err := d.c.ManifestSingle(ctx, repo, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, pending{m: m, digest: e.Digest, platform: e.Platform})
	}
	return out, nil
}

// fetch downloads the blobs of images in one bounded group and adds the
// images to b.
func (d *Downloader) fetch(ctx context.Context, repo reference.Repository, images []pending, dir string, b *archive.Bundle) error {
	var refs []manifest.LayerReference
	for _, p := range images {
		s, _ := p.m.Single()
		refs = append(refs, s.Blobs()...)
	}
	blobs, err := d.e.FetchMany(ctx, repo, refs, dir)
	if err != nil {
		return err
	}
	for _, p := range images {
		s, _ := p.m.Single()
		n := len(s.Layers) + 1
		img := archive.Image{
			Manifest: p.m,
			Digest:   p.digest,
			Platform: p.platform,
			Config:   blobs[0],
			Layers:   blobs[1:n],
		}
		blobs = blobs[n:]
		if img.Platform == nil {
			data, err := img.Config.Bytes()
			if err != nil {
				return err
			}
			// Configs of other artifact types carry no platform.
			if cfg, err := manifest.DecodeConfig(img.Config.MediaType, data); err == nil {
				if p := cfg.Platform(); p.Known() {
					img.Platform = &p
				}
			}
		}
		b.Images = append(b.Images, img)
	}
	return nil
}

// singleIndex returns the index.json for a pulled single-platform image.
func singleIndex(ref reference.Image, img archive.Image) manifest.Manifest {
	data, _ := img.Manifest.Bytes()
	e := manifest.ListEntry{
		MediaType: img.Manifest.MediaType(),
		Digest:    img.Digest,
		Size:      int64(len(data)),
		Platform:  img.Platform,
	}
	if t, ok := ref.Reference.Tag(); ok {
		e.Annotations = map[string]string{
			AnnotationImageName:       ref.String(),
			ocispec.AnnotationRefName: string(t),
		}
	}
	return manifest.FromList(&manifest.List{
		SchemaVersion: 2,
		MediaType:     manifest.MediaTypeOCIIndex,
		Manifests:     []manifest.ListEntry{e},
	})
}
