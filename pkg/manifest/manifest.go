// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package manifest models image manifests, manifest lists and image configs
// and decodes them by media type.
//
// A Manifest is a closed sum of two variants, a single-platform manifest and
// a manifest list (index). Consumers switch on Kind and never type assert.
package manifest

import (
	"encoding/json"
	"fmt"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/yeetrun/ferry/pkg/reference"
)

// Media types understood by this package.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeOCIManifest        = ocispec.MediaTypeImageManifest
	MediaTypeOCIIndex           = ocispec.MediaTypeImageIndex

	MediaTypeDockerConfig = "application/vnd.docker.container.image.v1+json"
	MediaTypeOCIConfig    = ocispec.MediaTypeImageConfig
)

var (
	// SingleMediaTypes are the media types of single-platform manifests.
	SingleMediaTypes = []string{MediaTypeDockerManifest, MediaTypeOCIManifest}
	// ListMediaTypes are the media types of manifest lists.
	ListMediaTypes = []string{MediaTypeDockerManifestList, MediaTypeOCIIndex}
	// AllMediaTypes is every manifest media type, singles first.
	AllMediaTypes = append(append([]string(nil), SingleMediaTypes...), ListMediaTypes...)
)

// LayerReference points at a blob. It is a descriptor, not the content.
type LayerReference struct {
	MediaType   string            `json:"mediaType"`
	Size        int64             `json:"size"`
	Digest      reference.Digest  `json:"digest"`
	URLs        []string          `json:"urls,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// Single is one platform's image: a config pointer and ordered layers.
type Single struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     string            `json:"mediaType,omitempty"`
	Config        LayerReference    `json:"config"`
	Layers        []LayerReference  `json:"layers"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

// Blobs returns the config followed by the layers.
func (s *Single) Blobs() []LayerReference {
	out := make([]LayerReference, 0, len(s.Layers)+1)
	out = append(out, s.Config)
	return append(out, s.Layers...)
}

// List is an index over manifests, usually one per platform.
type List struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     string            `json:"mediaType,omitempty"`
	Manifests     []ListEntry       `json:"manifests"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

// ListEntry is a single manifest referenced from a List.
type ListEntry struct {
	MediaType   string            `json:"mediaType"`
	Digest      reference.Digest  `json:"digest"`
	Size        int64             `json:"size"`
	Platform    *Platform         `json:"platform,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// IsAttachment reports whether e is not a runnable image: attestations and
// build caches are published with no platform or an unknown one. Nested
// lists are never attachments.
func (e ListEntry) IsAttachment() bool {
	if e.IsList() {
		return false
	}
	return e.Platform == nil || !e.Platform.Known()
}

// IsList reports whether e points at a nested manifest list.
func (e ListEntry) IsList() bool {
	return isListMediaType(e.MediaType)
}

// Images returns the entries that are not attachments.
func (l *List) Images() []ListEntry {
	var out []ListEntry
	for _, e := range l.Manifests {
		if !e.IsAttachment() {
			out = append(out, e)
		}
	}
	return out
}

// WithoutAttachments returns a copy of l without attachment entries, and
// the digests of the entries that were dropped.
func (l *List) WithoutAttachments() (*List, []reference.Digest) {
	out := *l
	out.Manifests = nil
	var dropped []reference.Digest
	for _, e := range l.Manifests {
		if e.IsAttachment() {
			dropped = append(dropped, e.Digest)
			continue
		}
		out.Manifests = append(out.Manifests, e)
	}
	return &out, dropped
}

// Kind discriminates the variants of a Manifest.
type Kind uint8

const (
	KindSingle Kind = iota + 1
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// Manifest is either a Single or a List. When it was decoded from bytes it
// remembers them, so re-encoding preserves the digest.
type Manifest struct {
	kind   Kind
	single *Single
	list   *List
	raw    []byte
}

// FromSingle wraps s. The serialized form is computed on demand.
func FromSingle(s *Single) Manifest { return Manifest{kind: KindSingle, single: s} }

// FromList wraps l. The serialized form is computed on demand.
func FromList(l *List) Manifest { return Manifest{kind: KindList, list: l} }

func (m Manifest) Kind() Kind { return m.kind }

func (m Manifest) Single() (*Single, bool) { return m.single, m.kind == KindSingle }

func (m Manifest) List() (*List, bool) { return m.list, m.kind == KindList }

// MediaType returns the declared media type, defaulting to the OCI type for
// the variant when the document omits it.
func (m Manifest) MediaType() string {
	switch m.kind {
	case KindSingle:
		if m.single.MediaType != "" {
			return m.single.MediaType
		}
		return MediaTypeOCIManifest
	case KindList:
		if m.list.MediaType != "" {
			return m.list.MediaType
		}
		return MediaTypeOCIIndex
	}
	return ""
}

// Bytes returns the serialized manifest: the original bytes when m was
// decoded, otherwise its JSON encoding.
func (m Manifest) Bytes() ([]byte, error) {
	if m.raw != nil {
		return m.raw, nil
	}
	switch m.kind {
	case KindSingle:
		return json.Marshal(m.single)
	case KindList:
		return json.Marshal(m.list)
	}
	return nil, fmt.Errorf("manifest: encode zero manifest")
}

// Digest is the digest of Bytes.
func (m Manifest) Digest() (reference.Digest, error) {
	b, err := m.Bytes()
	if err != nil {
		return "", err
	}
	return reference.FromBytes(b), nil
}

// Descriptor returns a list entry pointing at m.
func (m Manifest) Descriptor() (ListEntry, error) {
	b, err := m.Bytes()
	if err != nil {
		return ListEntry{}, err
	}
	return ListEntry{
		MediaType: m.MediaType(),
		Digest:    reference.FromBytes(b),
		Size:      int64(len(b)),
	}, nil
}

func isListMediaType(mt string) bool {
	return mt == MediaTypeDockerManifestList || mt == MediaTypeOCIIndex
}

func isSingleMediaType(mt string) bool {
	return mt == MediaTypeDockerManifest || mt == MediaTypeOCIManifest
}
