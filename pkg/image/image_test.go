// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package image_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	ggcrname "github.com/google/go-containerregistry/pkg/name"
	ggcrregistry "github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/yeetrun/ferry/pkg/archive"
	"github.com/yeetrun/ferry/pkg/blob"
	"github.com/yeetrun/ferry/pkg/compress"
	"github.com/yeetrun/ferry/pkg/image"
	"github.com/yeetrun/ferry/pkg/imageerr"
	"github.com/yeetrun/ferry/pkg/manifest"
	"github.com/yeetrun/ferry/pkg/reference"
	"github.com/yeetrun/ferry/pkg/registry"
	"github.com/yeetrun/ferry/pkg/registry/registrytest"
	"github.com/yeetrun/ferry/pkg/transfer"
)

const repo = reference.Repository("team/app")

var ctx = context.Background()

func newClient(t *testing.T, baseURL string) *registry.Client {
	t.Helper()
	c, err := registry.New(baseURL, registry.WithLogf(t.Logf))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func testImage(t *testing.T, arch string, layers ...string) archive.Image {
	t.Helper()
	cfg := fmt.Sprintf(`{"architecture":%q,"os":"linux","rootfs":{"type":"layers","diff_ids":[]}}`, arch)
	config := blob.FromBytes(manifest.MediaTypeOCIConfig, []byte(cfg))
	s := &manifest.Single{
		SchemaVersion: 2,
		MediaType:     manifest.MediaTypeOCIManifest,
		Config:        config.Descriptor(),
	}
	img := archive.Image{
		Platform: &manifest.Platform{OS: "linux", Architecture: arch},
		Config:   config,
	}
	for _, l := range layers {
		b := blob.FromBytes(ocispec.MediaTypeImageLayerGzip, []byte(l))
		img.Layers = append(img.Layers, b)
		s.Layers = append(s.Layers, b.Descriptor())
	}
	img.Manifest = manifest.FromSingle(s)
	d, err := img.Manifest.Digest()
	if err != nil {
		t.Fatal(err)
	}
	img.Digest = d
	return img
}

func entry(t *testing.T, m manifest.Manifest, p *manifest.Platform) manifest.ListEntry {
	t.Helper()
	e, err := m.Descriptor()
	if err != nil {
		t.Fatal(err)
	}
	e.Platform = p
	return e
}

func indexOf(entries ...manifest.ListEntry) manifest.Manifest {
	return manifest.FromList(&manifest.List{
		SchemaVersion: 2,
		MediaType:     manifest.MediaTypeOCIIndex,
		Manifests:     entries,
	})
}

func singleArchive(t *testing.T) (*archive.Bundle, []byte) {
	t.Helper()
	img := testImage(t, "amd64", "layer one", "layer two")
	b := &archive.Bundle{
		Index:  indexOf(entry(t, img.Manifest, img.Platform)),
		Images: []archive.Image{img},
	}
	return b, encode(t, b)
}

func encode(t *testing.T, b *archive.Bundle) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := archive.Encode(&buf, b); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func digestOf(t *testing.T, m manifest.Manifest) reference.Digest {
	t.Helper()
	d, err := m.Digest()
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func blobUploads(srv *registrytest.Server) int {
	return srv.Count(http.MethodPost, "/blobs/uploads/") +
		srv.Count(http.MethodPatch, "/blobs/uploads/") +
		srv.Count(http.MethodPut, "/blobs/uploads/")
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(ents) != 0 {
		t.Fatalf("%s not cleaned up: %v", dir, ents)
	}
}

func TestUploadIdempotent(t *testing.T) {
	srv := registrytest.New(t, registrytest.Options{})
	b, data := singleArchive(t)
	u := image.NewUploader(newClient(t, srv.URL), image.Options{Logf: t.Logf, TempDir: t.TempDir()})

	d, err := u.Upload(ctx, repo, reference.TagRef("v1"), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if want := digestOf(t, b.Index); d != want {
		t.Fatalf("Upload = %s, want %s", d, want)
	}
	if m, ok := srv.Manifest(string(repo), "v1"); !ok || m.Digest != d {
		t.Fatalf("tag v1 = %+v, %v", m, ok)
	}
	img := b.Images[0]
	if _, ok := srv.Manifest(string(repo), string(img.Digest)); !ok {
		t.Fatalf("image manifest %s not pushed", img.Digest)
	}
	for _, bl := range img.Blobs() {
		if !srv.HasBlob(bl.Digest) {
			t.Fatalf("blob %s not pushed", bl.Digest)
		}
	}

	srv.ResetRequests()
	if _, err := u.Upload(ctx, repo, reference.TagRef("v1"), bytes.NewReader(data)); err != nil {
		t.Fatalf("second Upload: %v", err)
	}
	if n := blobUploads(srv); n != 0 {
		t.Fatalf("second upload sent %d blob upload requests", n)
	}
	if n := srv.Count(http.MethodPut, "/manifests/"); n != 2 {
		t.Fatalf("second upload PUT %d manifests, want 2", n)
	}
}

func TestUploadMultiPlatform(t *testing.T) {
	srv := registrytest.New(t, registrytest.Options{})
	amd := testImage(t, "amd64", "shared base", "amd top")
	arm := testImage(t, "arm64", "shared base", "arm top")
	nested := indexOf(
		entry(t, amd.Manifest, amd.Platform),
		entry(t, arm.Manifest, arm.Platform),
		manifest.ListEntry{
			MediaType: manifest.MediaTypeOCIManifest,
			Digest:    reference.FromBytes([]byte("attestation")),
			Size:      11,
			Platform:  &manifest.Platform{OS: "unknown", Architecture: "unknown"},
		},
	)
	b := &archive.Bundle{
		Index:   indexOf(entry(t, nested, nil)),
		Images:  []archive.Image{amd, arm},
		Indexes: []archive.Index{{Manifest: nested}},
	}
	u := image.NewUploader(newClient(t, srv.URL), image.Options{
		Logf:    t.Logf,
		TempDir: t.TempDir(),
		Mode:    transfer.Chunked(4),
	})
	if _, err := u.Upload(ctx, repo, reference.TagRef("multi"), bytes.NewReader(encode(t, b))); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	l, _ := nested.List()
	stripped, _ := l.WithoutAttachments()
	strippedDigest := digestOf(t, manifest.FromList(stripped))
	for _, d := range []reference.Digest{amd.Digest, arm.Digest, strippedDigest} {
		if _, ok := srv.Manifest(string(repo), string(d)); !ok {
			t.Errorf("manifest %s not pushed", d)
		}
	}
	top, ok := srv.Manifest(string(repo), "multi")
	if !ok {
		t.Fatal("tag multi not pushed")
	}
	m, err := manifest.Decode(top.MediaType, top.Data)
	if err != nil {
		t.Fatal(err)
	}
	tl, _ := m.List()
	if len(tl.Manifests) != 1 || tl.Manifests[0].Digest != strippedDigest {
		t.Fatalf("top index = %s", top.Data)
	}
	if srv.Count(http.MethodPatch, "/blobs/uploads/") == 0 {
		t.Fatal("chunked mode sent no PATCH requests")
	}
	// The shared layer is pushed by the first image and skipped by the second.
	if n := srv.Count(http.MethodPut, "/blobs/uploads/"); n != 5 {
		t.Fatalf("finished %d blob uploads, want 5", n)
	}
}

func TestUploadCleansUp(t *testing.T) {
	_, good := singleArchive(t)
	tests := []struct {
		name    string
		archive []byte
		fail    bool
		wantErr error
	}{
		{"success", good, false, nil},
		{"registry failure", good, true, registry.ErrUnexpectedServer},
		{"corrupt archive", []byte(strings.Repeat("junk", 300)), false, imageerr.ErrCorruptArchive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := registrytest.New(t, registrytest.Options{})
			if tt.fail {
				srv.Fail(func(r *http.Request) int {
					if r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/manifests/") {
						return http.StatusInternalServerError
					}
					return 0
				})
			}
			tmp := t.TempDir()
			u := image.NewUploader(newClient(t, srv.URL), image.Options{Logf: t.Logf, TempDir: tmp})
			_, err := u.Upload(ctx, repo, reference.TagRef("v1"), bytes.NewReader(tt.archive))
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Upload: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Upload = %v, want %v", err, tt.wantErr)
			}
			assertEmptyDir(t, tmp)
		})
	}
}

func TestUploadWrapsUnexpected(t *testing.T) {
	srv := registrytest.New(t, registrytest.Options{})
	_, data := singleArchive(t)
	u := image.NewUploader(newClient(t, srv.URL), image.Options{
		Logf:    t.Logf,
		TempDir: filepath.Join(t.TempDir(), "does-not-exist"),
	})
	_, err := u.Upload(ctx, repo, reference.TagRef("v1"), bytes.NewReader(data))
	if !errors.Is(err, imageerr.ErrUnexpected) || !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Upload = %v, want unexpected wrapping ErrNotExist", err)
	}
}

func TestUploadCompressedArchive(t *testing.T) {
	srv := registrytest.New(t, registrytest.Options{})
	_, plain := singleArchive(t)
	u := image.NewUploader(newClient(t, srv.URL), image.Options{Logf: t.Logf, TempDir: t.TempDir()})
	want, err := u.Upload(ctx, repo, reference.TagRef("plain"), bytes.NewReader(plain))
	if err != nil {
		t.Fatalf("Upload plain: %v", err)
	}

	var gz bytes.Buffer
	w, err := compress.NewWriter(&gz, compress.Gzip)
	if err != nil {
		t.Fatal(err)
	}
	w.Write(plain)
	w.Close()
	srv.ResetRequests()
	got, err := u.Upload(ctx, repo, reference.TagRef("gzip"), &gz)
	if err != nil {
		t.Fatalf("Upload gzip: %v", err)
	}
	if got != want {
		t.Fatalf("gzip archive pushed %s, plain pushed %s", got, want)
	}
	if n := blobUploads(srv); n != 0 {
		t.Fatalf("gzip upload sent %d blob upload requests", n)
	}
}

// publish stores img's blobs and manifest in srv.
func publish(t *testing.T, srv *registrytest.Server, img archive.Image, ref string) {
	t.Helper()
	for _, bl := range img.Blobs() {
		data, err := bl.Bytes()
		if err != nil {
			t.Fatal(err)
		}
		srv.PutBlob(data)
	}
	data, err := img.Manifest.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	srv.PutManifest(string(repo), ref, img.Manifest.MediaType(), data)
}

func tarFile(t *testing.T, data []byte, name string) []byte {
	t.Helper()
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		h, err := tr.Next()
		if err != nil {
			t.Fatalf("%s not in archive: %v", name, err)
		}
		if h.Name == name {
			b, err := io.ReadAll(tr)
			if err != nil {
				t.Fatal(err)
			}
			return b
		}
	}
}

func TestDownloadSingle(t *testing.T) {
	srv := registrytest.New(t, registrytest.Options{})
	img := testImage(t, "arm64", "base", "app")
	publish(t, srv, img, "v1")
	tmp := t.TempDir()
	d := image.NewDownloader(newClient(t, srv.URL), image.Options{Logf: t.Logf, TempDir: tmp})

	var out bytes.Buffer
	ref := reference.Image{Repository: repo, Reference: reference.TagRef("v1")}
	if err := d.Download(ctx, ref, &out); err != nil {
		t.Fatalf("Download: %v", err)
	}
	assertEmptyDir(t, tmp)

	b, err := archive.Decode(bytes.NewReader(out.Bytes()), t.TempDir())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	l, _ := b.Index.List()
	if len(l.Manifests) != 1 {
		t.Fatalf("index has %d entries", len(l.Manifests))
	}
	e := l.Manifests[0]
	if e.Digest != img.Digest || e.Platform == nil || e.Platform.String() != "linux/arm64" {
		t.Fatalf("index entry = %+v", e)
	}
	wantAnn := map[string]string{
		image.AnnotationImageName: "team/app:v1",
		ocispec.AnnotationRefName: "v1",
	}
	if diff := cmp.Diff(wantAnn, e.Annotations); diff != "" {
		t.Fatalf("annotations mismatch (-want +got):\n%s", diff)
	}
	if len(b.Images) != 1 || len(b.Images[0].Layers) != 2 {
		t.Fatalf("decoded images = %+v", b.Images)
	}
	if diff := cmp.Diff([]string{"team/app:v1"}, b.Legacy[0].RepoTags); diff != "" {
		t.Fatalf("RepoTags mismatch (-want +got):\n%s", diff)
	}
	if got := b.Repositories["team/app"]["v1"]; got != img.Digest.Hex() {
		t.Fatalf("repositories[team/app][v1] = %q", got)
	}
}

func TestDownloadList(t *testing.T) {
	srv := registrytest.New(t, registrytest.Options{BlobDelay: 10 * time.Millisecond})
	amd := testImage(t, "amd64", "a1", "a2", "a3")
	arm := testImage(t, "arm64", "b1", "b2", "b3")
	publish(t, srv, amd, "")
	publish(t, srv, arm, "")
	attachment := reference.FromBytes([]byte("attestation"))
	// A manifest published without its blobs, referenced with no platform.
	sbom := testImage(t, "amd64", "sbom")
	sbomData, _ := sbom.Manifest.Bytes()
	srv.PutManifest(string(repo), string(sbom.Digest), sbom.Manifest.MediaType(), sbomData)
	list := indexOf(
		entry(t, amd.Manifest, amd.Platform),
		entry(t, arm.Manifest, arm.Platform),
		manifest.ListEntry{
			MediaType: manifest.MediaTypeOCIManifest,
			Digest:    attachment,
			Size:      11,
			Platform:  &manifest.Platform{OS: "unknown", Architecture: "unknown"},
		},
		entry(t, sbom.Manifest, nil),
	)
	listData, _ := list.Bytes()
	srv.PutManifest(string(repo), "multi", manifest.MediaTypeOCIIndex, listData)

	d := image.NewDownloader(newClient(t, srv.URL), image.Options{Logf: t.Logf, TempDir: t.TempDir()})
	var out bytes.Buffer
	ref := reference.Image{Repository: repo, Reference: reference.TagRef("multi")}
	if err := d.Download(ctx, ref, &out); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if got := tarFile(t, out.Bytes(), archive.IndexFile); !bytes.Equal(got, listData) {
		t.Fatalf("index.json = %s, want the published list", got)
	}
	for _, a := range []reference.Digest{attachment, sbom.Digest} {
		if n := srv.Count(http.MethodGet, string(a)); n != 0 {
			t.Fatalf("fetched attachment %s %d times", a, n)
		}
	}
	if peak := srv.MaxInFlightBlobGets(); peak > transfer.DefaultConcurrency {
		t.Fatalf("peak in-flight blob GETs = %d", peak)
	}

	b, err := archive.Decode(&out, t.TempDir())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var got []reference.Digest
	for _, img := range b.Images {
		got = append(got, img.Digest)
	}
	if diff := cmp.Diff([]reference.Digest{amd.Digest, arm.Digest}, got); diff != "" {
		t.Fatalf("images mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]reference.Digest{attachment, sbom.Digest}, b.Attachments); diff != "" {
		t.Fatalf("attachments mismatch (-want +got):\n%s", diff)
	}
}

func TestDownloadErrors(t *testing.T) {
	srv := registrytest.New(t, registrytest.Options{})
	d := image.NewDownloader(newClient(t, srv.URL), image.Options{Logf: t.Logf, TempDir: t.TempDir()})
	err := d.Download(ctx, reference.Image{Repository: repo, Reference: reference.TagRef("nope")}, io.Discard)
	if !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("Download = %v, want ErrNotFound", err)
	}
	if imageerr.IsImageError(err) {
		t.Fatalf("registry error was wrapped: %v", err)
	}
}

// A third-party registry implementation can serve pulls.
func TestDownloadFromGGCRRegistry(t *testing.T) {
	srv := httptest.NewServer(ggcrregistry.New())
	t.Cleanup(srv.Close)

	img, err := random.Image(1024, 3)
	if err != nil {
		t.Fatal(err)
	}
	host := strings.TrimPrefix(srv.URL, "http://")
	ref, err := ggcrname.ParseReference(host + "/interop/random:v1")
	if err != nil {
		t.Fatal(err)
	}
	if err := remote.Write(ref, img); err != nil {
		t.Fatalf("remote.Write: %v", err)
	}

	d := image.NewDownloader(newClient(t, srv.URL), image.Options{Logf: t.Logf, TempDir: t.TempDir()})
	var out bytes.Buffer
	want := reference.Image{Repository: "interop/random", Reference: reference.TagRef("v1")}
	if err := d.Download(ctx, want, &out); err != nil {
		t.Fatalf("Download: %v", err)
	}
	b, err := archive.Decode(&out, t.TempDir())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(b.Images) != 1 {
		t.Fatalf("got %d images", len(b.Images))
	}
	md, err := img.Digest()
	if err != nil {
		t.Fatal(err)
	}
	if got := b.Images[0].Digest; string(got) != md.String() {
		t.Fatalf("manifest digest = %s, want %s", got, md)
	}
	layers, err := img.Layers()
	if err != nil {
		t.Fatal(err)
	}
	var wantLayers, gotLayers []string
	for _, l := range layers {
		ld, err := l.Digest()
		if err != nil {
			t.Fatal(err)
		}
		wantLayers = append(wantLayers, ld.String())
	}
	for _, l := range b.Images[0].Layers {
		gotLayers = append(gotLayers, string(l.Digest))
	}
	if diff := cmp.Diff(wantLayers, gotLayers); diff != "" {
		t.Fatalf("layers mismatch (-want +got):\n%s", diff)
	}
}
