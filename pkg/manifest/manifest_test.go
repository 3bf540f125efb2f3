// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package manifest

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/yeetrun/ferry/pkg/reference"
)

var (
	dgA = reference.MustDigest("sha256:" + strings.Repeat("a", 64))
	dgB = reference.MustDigest("sha256:" + strings.Repeat("b", 64))
	dgC = reference.MustDigest("sha256:" + strings.Repeat("c", 64))
)

const indexJSON = `{
  "schemaVersion": 2,
  "mediaType": "application/vnd.oci.image.index.v1+json",
  "manifests": [
    {"mediaType": "application/vnd.oci.image.manifest.v1+json", "digest": "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "size": 10, "platform": {"architecture": "amd64", "os": "linux"}},
    {"mediaType": "application/vnd.oci.image.manifest.v1+json", "digest": "sha256:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", "size": 11, "platform": {"architecture": "unknown", "os": "unknown"}},
    {"mediaType": "application/vnd.oci.image.manifest.v1+json", "digest": "sha256:cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc", "size": 12}
  ]
}`

func TestDecodeByMediaType(t *testing.T) {
	single := `{"schemaVersion":2,"mediaType":"application/vnd.docker.distribution.manifest.v2+json","config":{"mediaType":"application/vnd.docker.container.image.v1+json","size":3,"digest":"` + string(dgA) + `"},"layers":[{"mediaType":"application/vnd.docker.image.rootfs.diff.tar.gzip","size":4,"digest":"` + string(dgB) + `"}]}`
	tests := []struct {
		name      string
		mediaType string
		body      string
		want      Kind
	}{
		{"docker single", MediaTypeDockerManifest, single, KindSingle},
		{"content type params", MediaTypeDockerManifest + "; charset=utf-8", single, KindSingle},
		{"oci index", MediaTypeOCIIndex, indexJSON, KindList},
		{"generic content type uses body", "application/json", indexJSON, KindList},
		{"empty content type uses body", "", single, KindSingle},
		{"shape sniffing", "", `{"schemaVersion":2,"manifests":[]}`, KindList},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode(tt.mediaType, []byte(tt.body))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if m.Kind() != tt.want {
				t.Fatalf("Kind() = %v, want %v", m.Kind(), tt.want)
			}
			b, err := m.Bytes()
			if err != nil {
				t.Fatalf("Bytes: %v", err)
			}
			if string(b) != tt.body {
				t.Fatalf("Bytes() did not preserve the decoded document")
			}
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	if _, err := Decode("text/plain", []byte(`{"schemaVersion":1}`)); !errors.Is(err, ErrUnsupportedMediaType) {
		t.Fatalf("Decode unknown = %v, want ErrUnsupportedMediaType", err)
	}
	if _, err := Decode(MediaTypeOCIIndex, []byte(`{"manifests":[{"digest":"sha256:nope"}]}`)); err == nil {
		t.Fatalf("Decode accepted an invalid digest")
	}
}

func TestAttachmentFiltering(t *testing.T) {
	m, err := Decode(MediaTypeOCIIndex, []byte(indexJSON))
	if err != nil {
		t.Fatal(err)
	}
	l, ok := m.List()
	if !ok {
		t.Fatalf("expected a list")
	}
	if len(l.Manifests) != 3 {
		t.Fatalf("raw list lost entries: %d", len(l.Manifests))
	}
	var got []reference.Digest
	for _, e := range l.Images() {
		got = append(got, e.Digest)
	}
	if diff := cmp.Diff([]reference.Digest{dgA}, got); diff != "" {
		t.Fatalf("Images() mismatch (-want +got):\n%s", diff)
	}
	stripped, dropped := l.WithoutAttachments()
	if len(stripped.Manifests) != 1 || len(l.Manifests) != 3 {
		t.Fatalf("WithoutAttachments modified the receiver or kept attachments")
	}
	if diff := cmp.Diff([]reference.Digest{dgB, dgC}, dropped); diff != "" {
		t.Fatalf("dropped mismatch (-want +got):\n%s", diff)
	}
}

func TestFromSingleDigestStable(t *testing.T) {
	s := &Single{SchemaVersion: 2, MediaType: MediaTypeOCIManifest, Config: LayerReference{MediaType: MediaTypeOCIConfig, Digest: dgA, Size: 1}}
	m := FromSingle(s)
	d1, err := m.Digest()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := m.Bytes()
	back, err := Decode(m.MediaType(), b)
	if err != nil {
		t.Fatal(err)
	}
	d2, _ := back.Digest()
	if d1 != d2 {
		t.Fatalf("digest changed across decode: %s != %s", d1, d2)
	}
	desc, err := m.Descriptor()
	if err != nil {
		t.Fatal(err)
	}
	if desc.Size != int64(len(b)) || desc.MediaType != MediaTypeOCIManifest {
		t.Fatalf("Descriptor() = %+v", desc)
	}
}

func TestDecodeConfig(t *testing.T) {
	docker := `{"architecture":"arm64","os":"linux","config":{"Env":["A=1"]},"rootfs":{"type":"layers","diff_ids":[]}}`
	c, err := DecodeConfig(MediaTypeDockerConfig, []byte(docker))
	if err != nil {
		t.Fatal(err)
	}
	if dc, ok := c.Docker(); !ok || dc.Config.Env[0] != "A=1" {
		t.Fatalf("Docker() = %+v, %v", dc, ok)
	}
	if got := c.Platform().String(); got != "linux/arm64" {
		t.Fatalf("Platform() = %q", got)
	}

	oci := `{"architecture":"amd64","os":"windows","rootfs":{"type":"layers","diff_ids":[]}}`
	c, err = DecodeConfig(MediaTypeOCIConfig, []byte(oci))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.OCI(); !ok {
		t.Fatalf("expected OCI config")
	}
	if got := c.Platform().String(); got != "windows/amd64" {
		t.Fatalf("Platform() = %q", got)
	}
	if _, err := DecodeConfig("application/vnd.in-toto+json", []byte(`{}`)); !errors.Is(err, ErrUnsupportedMediaType) {
		t.Fatalf("DecodeConfig(in-toto) = %v", err)
	}
}

func TestPlatformFor(t *testing.T) {
	tests := []struct {
		goos, goarch string
		want         string
	}{
		{"linux", "amd64", "linux/amd64"},
		{"darwin", "arm64", "linux/arm64"},
		{"windows", "amd64", "windows/amd64"},
		{"plan9", "amd64", "unknown/amd64"},
		{"linux", "sparc64", "linux/unknown"},
	}
	for _, tt := range tests {
		if got := platformFor(tt.goos, tt.goarch).String(); got != tt.want {
			t.Errorf("platformFor(%s, %s) = %s, want %s", tt.goos, tt.goarch, got, tt.want)
		}
	}
	if HostPlatform().String() != HostPlatform().String() {
		t.Errorf("HostPlatform is not stable")
	}
}
