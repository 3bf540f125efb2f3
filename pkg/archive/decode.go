// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package archive

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/yeetrun/ferry/pkg/blob"
	"github.com/yeetrun/ferry/pkg/compress"
	"github.com/yeetrun/ferry/pkg/imageerr"
	"github.com/yeetrun/ferry/pkg/manifest"
	"github.com/yeetrun/ferry/pkg/reference"
	"tailscale.com/util/set"
)

// MaxDepth bounds how deeply manifest lists may nest.
const MaxDepth = 8

// maxMetadataSize bounds the size of index.json and the legacy files.
const maxMetadataSize = 4 << 20

func corrupt(cause error, format string, args ...any) error {
	return &imageerr.Error{
		Kind:    imageerr.KindCorruptArchive,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Decode reads an archive from r, which may be gzip or zstd compressed.
// Blobs are written to files in dir, which the caller removes. Attachment
// entries are dropped from the returned indexes.
func Decode(r io.Reader, dir string) (*Bundle, error) {
	zr, _, err := compress.NewReader(r)
	if err != nil {
		return nil, corrupt(err, "open archive")
	}
	defer zr.Close()

	d := &decoder{dir: dir, files: map[reference.Digest]*blob.Blob{}}
	if err := d.scan(tar.NewReader(zr)); err != nil {
		return nil, err
	}
	if d.index == nil {
		return nil, imageerr.CorruptArchive("missing %s", IndexFile)
	}
	if d.layout == nil {
		return nil, imageerr.CorruptArchive("missing %s", LayoutFile)
	}
	return d.resolve()
}

type decoder struct {
	dir   string
	files map[reference.Digest]*blob.Blob

	index  *manifest.List
	raw    manifest.Manifest
	layout *ocispec.ImageLayout
	legacy []LegacyEntry
	repos  Repositories

	out      Bundle
	visiting set.Set[reference.Digest]
	images   set.Set[reference.Digest]
	indexes  set.Set[reference.Digest]
}

func (d *decoder) scan(tr *tar.Reader) error {
	for {
		h, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return corrupt(err, "read tar")
		}
		if h.Typeflag != tar.TypeReg {
			continue
		}
		name := strings.TrimPrefix(path.Clean(h.Name), "./")
		if hex, ok := strings.CutPrefix(name, blobsDir); ok {
			if err := d.stageBlob(hex, tr); err != nil {
				return err
			}
			continue
		}
		switch name {
		case IndexFile:
			data, err := readMetadata(name, tr)
			if err != nil {
				return err
			}
			m, err := manifest.Decode("", data)
			if err != nil {
				return corrupt(err, "decode %s", name)
			}
			l, ok := m.List()
			if !ok {
				return imageerr.CorruptArchive("%s is a %v manifest, not an index", name, m.Kind())
			}
			d.index, d.raw = l, m
		case LayoutFile:
			if err := d.readJSON(name, tr, &d.layout); err != nil {
				return err
			}
		case ManifestFile:
			if err := d.readJSON(name, tr, &d.legacy); err != nil {
				return err
			}
		case RepositoriesFile, RepositoriesJSONFile:
			if err := d.readJSON(name, tr, &d.repos); err != nil {
				return err
			}
		}
	}
}

func readMetadata(name string, r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxMetadataSize+1))
	if err != nil {
		return nil, corrupt(err, "read %s", name)
	}
	if len(data) > maxMetadataSize {
		return nil, imageerr.CorruptArchive("%s exceeds %d bytes", name, maxMetadataSize)
	}
	return data, nil
}

func (d *decoder) readJSON(name string, r io.Reader, v any) error {
	data, err := readMetadata(name, r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return corrupt(err, "decode %s", name)
	}
	return nil
}

// stageBlob copies a blob entry to dir, checking that it hashes to the
// name it is stored under.
func (d *decoder) stageBlob(hex string, r io.Reader) (err error) {
	dg, err := reference.ParseDigest("sha256:" + hex)
	if err != nil {
		return corrupt(err, "blob %s%s has an invalid name", blobsDir, hex)
	}
	p := filepath.Join(d.dir, dg.Hex())
	f, err := os.Create(p)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := io.Copy(f, blob.NewVerifyingReader(r, dg)); err != nil {
		if errors.Is(err, blob.ErrDigestMismatch) {
			return corrupt(err, "blob %s", dg)
		}
		return corrupt(err, "read blob %s", dg)
	}
	b, err := blob.FromFile(dg, "", p)
	if err != nil {
		return err
	}
	d.files[dg] = b
	return nil
}

func (d *decoder) blob(dg reference.Digest, mediaType string) (*blob.Blob, error) {
	b, ok := d.files[dg]
	if !ok {
		return nil, imageerr.CorruptArchive("blob %s not found in archive", dg)
	}
	out := *b
	out.MediaType = mediaType
	return &out, nil
}

func (d *decoder) resolve() (*Bundle, error) {
	d.visiting = make(set.Set[reference.Digest])
	d.images = make(set.Set[reference.Digest])
	d.indexes = make(set.Set[reference.Digest])
	l, changed, err := d.resolveList(d.index, 0)
	if err != nil {
		return nil, err
	}
	d.out.Index = d.raw
	if changed {
		d.out.Index = manifest.FromList(l)
	}
	d.out.Legacy = d.legacy
	d.out.Repositories = d.repos
	d.out.Layout = *d.layout
	return &d.out, nil
}

// attachment reports whether e, found in a list nested depth levels below
// index.json, is an attachment. docker save writes index.json entries
// without a platform; those are classified by the platform their image
// config declares.
func (d *decoder) attachment(e manifest.ListEntry, depth int) (bool, error) {
	if depth > 0 || e.Platform != nil || e.IsList() {
		return e.IsAttachment(), nil
	}
	p, err := d.configPlatform(e)
	if err != nil {
		return false, err
	}
	return !p.Known(), nil
}

// configPlatform returns the platform declared by the config of the image
// e points at. It is the zero Platform when e is not an image, its config
// is of another artifact type, or the archive does not carry it.
func (d *decoder) configPlatform(e manifest.ListEntry) (manifest.Platform, error) {
	if _, ok := d.files[e.Digest]; !ok {
		return manifest.Platform{}, nil
	}
	b, err := d.blob(e.Digest, e.MediaType)
	if err != nil {
		return manifest.Platform{}, err
	}
	data, err := b.Bytes()
	if err != nil {
		return manifest.Platform{}, err
	}
	m, err := manifest.Decode(e.MediaType, data)
	if err != nil {
		return manifest.Platform{}, corrupt(err, "decode manifest %s", e.Digest)
	}
	s, ok := m.Single()
	if !ok {
		return manifest.Platform{}, nil
	}
	cb, err := d.blob(s.Config.Digest, s.Config.MediaType)
	if err != nil {
		return manifest.Platform{}, err
	}
	cdata, err := cb.Bytes()
	if err != nil {
		return manifest.Platform{}, err
	}
	cfg, err := manifest.DecodeConfig(s.Config.MediaType, cdata)
	if err != nil {
		return manifest.Platform{}, nil
	}
	return cfg.Platform(), nil
}

// resolveList resolves every entry of l and returns l without its
// attachments. It reports whether the result differs from l.
func (d *decoder) resolveList(l *manifest.List, depth int) (*manifest.List, bool, error) {
	out := *l
	out.Manifests = nil
	changed := false
	for _, e := range l.Manifests {
		att, err := d.attachment(e, depth)
		if err != nil {
			return nil, false, err
		}
		if att {
			d.out.Attachments = append(d.out.Attachments, e.Digest)
			changed = true
			continue
		}
		ne, err := d.resolveEntry(e, depth)
		if err != nil {
			return nil, false, err
		}
		if ne.Digest != e.Digest {
			changed = true
		}
		out.Manifests = append(out.Manifests, ne)
	}
	return &out, changed, nil
}

// resolveEntry resolves the manifest e points at. A nested list is
// resolved recursively, and the returned entry points at its stripped form.
func (d *decoder) resolveEntry(e manifest.ListEntry, depth int) (manifest.ListEntry, error) {
	b, err := d.blob(e.Digest, e.MediaType)
	if err != nil {
		return e, err
	}
	data, err := b.Bytes()
	if err != nil {
		return e, err
	}
	m, err := manifest.Decode(e.MediaType, data)
	if err != nil {
		return e, corrupt(err, "decode manifest %s", e.Digest)
	}

	if l, ok := m.List(); ok {
		if depth+1 >= MaxDepth {
			return e, imageerr.CorruptArchive("manifest lists nest deeper than %d at %s", MaxDepth, e.Digest)
		}
		if d.visiting.Contains(e.Digest) {
			return e, imageerr.CorruptArchive("manifest list %s references itself", e.Digest)
		}
		d.visiting.Add(e.Digest)
		defer d.visiting.Delete(e.Digest)

		nl, changed, err := d.resolveList(l, depth+1)
		if err != nil {
			return e, err
		}
		if changed {
			m = manifest.FromList(nl)
			desc, err := m.Descriptor()
			if err != nil {
				return e, err
			}
			e.Digest, e.Size = desc.Digest, desc.Size
		}
		if !d.indexes.Contains(e.Digest) {
			d.indexes.Add(e.Digest)
			d.out.Indexes = append(d.out.Indexes, Index{Manifest: m, Digest: e.Digest})
		}
		return e, nil
	}

	s, _ := m.Single()
	if d.images.Contains(e.Digest) {
		return e, nil
	}
	img := Image{Manifest: m, Digest: e.Digest, Platform: e.Platform}
	if img.Config, err = d.blob(s.Config.Digest, s.Config.MediaType); err != nil {
		return e, err
	}
	if img.Platform == nil {
		p, err := d.configPlatform(e)
		if err != nil {
			return e, err
		}
		if p.Known() {
			img.Platform = &p
		}
	}
	for _, l := range s.Layers {
		lb, err := d.blob(l.Digest, l.MediaType)
		if err != nil {
			return e, err
		}
		img.Layers = append(img.Layers, lb)
	}
	d.images.Add(e.Digest)
	d.out.Images = append(d.out.Images, img)
	return e, nil
}
