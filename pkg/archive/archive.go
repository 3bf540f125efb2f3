// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package archive reads and writes image tarballs in the OCI image layout,
// with the manifest.json and repositories files docker load expects.
//
// The layout is:
//
//	index.json
//	manifest.json
//	repositories
//	oci-layout
//	blobs/sha256/<hex>
//
// Every manifest, config and layer is stored once under blobs, named by
// its digest.
package archive

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/yeetrun/ferry/pkg/blob"
	"github.com/yeetrun/ferry/pkg/manifest"
	"github.com/yeetrun/ferry/pkg/reference"
	"tailscale.com/util/mak"
	"tailscale.com/util/set"
)

// Well-known file names in an archive.
const (
	IndexFile            = ocispec.ImageIndexFile
	ManifestFile         = "manifest.json"
	RepositoriesFile     = "repositories"
	RepositoriesJSONFile = "repositories.json"
	LayoutFile           = ocispec.ImageLayoutFile

	blobsDir = "blobs/sha256/"
)

// Image is one platform's image and the blobs it references.
type Image struct {
	Manifest manifest.Manifest // always KindSingle
	Digest   reference.Digest
	// Platform is the platform the referencing index names, if any.
	Platform *manifest.Platform
	Config   *blob.Blob
	Layers   []*blob.Blob
}

// Single returns the image's manifest.
func (img Image) Single() *manifest.Single {
	s, _ := img.Manifest.Single()
	return s
}

// Blobs returns the config followed by the layers.
func (img Image) Blobs() []*blob.Blob {
	return append([]*blob.Blob{img.Config}, img.Layers...)
}

// Index is a manifest list stored as a blob, below the top-level index.
type Index struct {
	Manifest manifest.Manifest // always KindList
	Digest   reference.Digest
}

// LegacyEntry is one element of manifest.json.
type LegacyEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// Repositories is the repositories file: repository to tag to the hex of
// the tagged manifest's digest.
type Repositories map[string]map[string]string

// Bundle is the contents of an archive.
type Bundle struct {
	// Index is index.json. After Decode it no longer lists attachments.
	Index manifest.Manifest
	// Images are the single-platform images reachable from Index.
	Images []Image
	// Indexes are the nested manifest lists reachable from Index, each
	// listed after every list it contains.
	Indexes []Index
	// Attachments are the digests of entries dropped from the indexes.
	Attachments []reference.Digest

	Legacy       []LegacyEntry
	Repositories Repositories
	Layout       ocispec.ImageLayout
}

func blobPath(d reference.Digest) string { return blobsDir + d.Hex() }

// SetLegacy fills Legacy and Repositories so that docker load tags every
// image as repoTag ("name:tag"). The repositories file points the tag at
// the first image. An empty repoTag leaves the images untagged.
func (b *Bundle) SetLegacy(repoTag string) {
	b.Legacy = nil
	b.Repositories = nil
	repo, tag := repoTag, string(reference.Latest)
	if i := strings.LastIndexByte(repoTag, ':'); i > strings.LastIndexByte(repoTag, '/') {
		repo, tag = repoTag[:i], repoTag[i+1:]
	}
	for _, img := range b.Images {
		e := LegacyEntry{
			Config:   blobPath(img.Config.Digest),
			RepoTags: []string{},
		}
		if repoTag != "" {
			e.RepoTags = append(e.RepoTags, repoTag)
		}
		for _, l := range img.Layers {
			e.Layers = append(e.Layers, blobPath(l.Digest))
		}
		b.Legacy = append(b.Legacy, e)
		if repoTag == "" {
			continue
		}
		if _, ok := b.Repositories[repo][tag]; !ok {
			if b.Repositories[repo] == nil {
				mak.Set(&b.Repositories, repo, map[string]string{})
			}
			b.Repositories[repo][tag] = img.Digest.Hex()
		}
	}
}

// epoch is the modification time of every entry, so that the same bundle
// always encodes to the same bytes.
var epoch = time.Unix(0, 0).UTC()

// Encode writes b to w as a tar archive. Metadata files are written first
// in a fixed order, then each distinct blob, streamed from its source.
// Encode does not close w.
func Encode(w io.Writer, b *Bundle) error {
	tw := tar.NewWriter(w)
	index, err := b.Index.Bytes()
	if err != nil {
		return fmt.Errorf("encode %s: %w", IndexFile, err)
	}
	legacy := b.Legacy
	if legacy == nil {
		legacy = []LegacyEntry{}
	}
	repos := b.Repositories
	if repos == nil {
		repos = Repositories{}
	}
	layout := b.Layout
	if layout.Version == "" {
		layout.Version = ocispec.ImageLayoutVersion
	}

	if err := writeFile(tw, IndexFile, index); err != nil {
		return err
	}
	files := []struct {
		name string
		v    any
	}{
		{ManifestFile, legacy},
		{RepositoriesFile, repos},
		{RepositoriesJSONFile, repos},
		{LayoutFile, layout},
	}
	for _, f := range files {
		data, err := json.Marshal(f.v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", f.name, err)
		}
		if err := writeFile(tw, f.name, data); err != nil {
			return err
		}
	}
	for _, dir := range []string{"blobs/", blobsDir} {
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     dir,
			Mode:     0755,
			ModTime:  epoch,
		}); err != nil {
			return err
		}
	}

	blobs, err := b.blobs()
	if err != nil {
		return err
	}
	written := make(set.Set[reference.Digest])
	for _, bl := range blobs {
		if written.Contains(bl.Digest) {
			continue
		}
		written.Add(bl.Digest)
		if err := writeBlob(tw, bl); err != nil {
			return err
		}
	}
	return tw.Close()
}

// blobs returns every blob b stores, lists first, then each image's
// manifest, config and layers.
func (b *Bundle) blobs() ([]*blob.Blob, error) {
	var out []*blob.Blob
	for _, idx := range b.Indexes {
		data, err := idx.Manifest.Bytes()
		if err != nil {
			return nil, fmt.Errorf("encode list %s: %w", idx.Digest, err)
		}
		out = append(out, blob.FromBytes(idx.Manifest.MediaType(), data))
	}
	for _, img := range b.Images {
		data, err := img.Manifest.Bytes()
		if err != nil {
			return nil, fmt.Errorf("encode manifest %s: %w", img.Digest, err)
		}
		out = append(out, blob.FromBytes(img.Manifest.MediaType(), data))
		out = append(out, img.Blobs()...)
	}
	return out, nil
}

func writeFile(tw *tar.Writer, name string, data []byte) error {
	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0644,
		Size:     int64(len(data)),
		ModTime:  epoch,
	}); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func writeBlob(tw *tar.Writer, bl *blob.Blob) error {
	name := path.Join(blobsDir, bl.Digest.Hex())
	rc, err := bl.Open()
	if err != nil {
		return fmt.Errorf("open blob %s: %w", bl.Digest, err)
	}
	defer rc.Close()
	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0644,
		Size:     bl.Size(),
		ModTime:  epoch,
	}); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := io.Copy(tw, rc); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
