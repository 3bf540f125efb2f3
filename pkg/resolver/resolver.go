// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package resolver turns references into manifests and image configs,
// picking the host's platform out of manifest lists.
package resolver

import (
	"context"
	"fmt"

	"github.com/yeetrun/ferry/pkg/imageerr"
	"github.com/yeetrun/ferry/pkg/manifest"
	"github.com/yeetrun/ferry/pkg/reference"
	"github.com/yeetrun/ferry/pkg/registry"
)

// Resolver resolves references against one registry.
type Resolver struct {
	c *registry.Client
	// Platform is matched against manifest list entries. It defaults to
	// manifest.HostPlatform.
	Platform manifest.Platform
}

// New returns a Resolver for c matching the host platform.
func New(c *registry.Client) *Resolver {
	return &Resolver{c: c, Platform: manifest.HostPlatform()}
}

// Resolve fetches the manifest or manifest list ref points at. Lists are
// returned as published, attachments included.
func (r *Resolver) Resolve(ctx context.Context, repo reference.Repository, ref reference.Reference) (manifest.Manifest, error) {
	return r.c.Manifest(ctx, repo, ref)
}

// Image is a resolved single-platform image.
type Image struct {
	Manifest manifest.Manifest
	Digest   reference.Digest
	Config   manifest.Config
}

// Config returns the image config for ref. For a manifest list, entries are
// tried in order and the first whose config declares the resolver's
// platform wins; configs are only fetched as needed. Entries that declare a
// different platform are skipped without any request.
func (r *Resolver) Config(ctx context.Context, repo reference.Repository, ref reference.Reference) (manifest.Config, error) {
	img, err := r.Image(ctx, repo, ref)
	if err != nil {
		return manifest.Config{}, err
	}
	return img.Config, nil
}

// Image is like Config but also returns the selected manifest.
func (r *Resolver) Image(ctx context.Context, repo reference.Repository, ref reference.Reference) (*Image, error) {
	m, err := r.Resolve(ctx, repo, ref)
	if err != nil {
		return nil, err
	}
	switch m.Kind() {
	case manifest.KindSingle:
		d, err := m.Digest()
		if err != nil {
			return nil, err
		}
		return r.image(ctx, repo, m, d)
	case manifest.KindList:
		l, _ := m.List()
		for _, e := range l.Images() {
			if e.IsList() {
				if e.Platform != nil && !e.Platform.Matches(r.Platform) {
					continue
				}
				img, err := r.Image(ctx, repo, reference.DigestRef(e.Digest))
				if imageerr.IsImageError(err) {
					continue
				}
				return img, err
			}
			if !e.Platform.Matches(r.Platform) {
				continue
			}
			sm, err := r.c.ManifestSingle(ctx, repo, reference.DigestRef(e.Digest))
			if err != nil {
				return nil, err
			}
			img, err := r.image(ctx, repo, sm, e.Digest)
			if err != nil {
				return nil, err
			}
			if img.Config.Platform().Matches(r.Platform) {
				return img, nil
			}
		}
		return nil, imageerr.PlatformNotMatching(r.Platform)
	}
	return nil, imageerr.InvalidState("manifest of kind %v", m.Kind())
}

func (r *Resolver) image(ctx context.Context, repo reference.Repository, m manifest.Manifest, d reference.Digest) (*Image, error) {
	s, _ := m.Single()
	b, err := r.c.Blob(ctx, repo, s.Config.Digest)
	if err != nil {
		return nil, err
	}
	data, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	cfg, err := manifest.DecodeConfig(s.Config.MediaType, data)
	if err != nil {
		return nil, &registry.Error{
			Kind:    registry.KindJSON,
			Message: fmt.Sprintf("decode config %s", s.Config.Digest),
			Cause:   err,
		}
	}
	return &Image{Manifest: m, Digest: d, Config: cfg}, nil
}
