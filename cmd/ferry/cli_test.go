// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/yeetrun/ferry/pkg/archive"
	"github.com/yeetrun/ferry/pkg/blob"
	"github.com/yeetrun/ferry/pkg/imageerr"
	"github.com/yeetrun/ferry/pkg/manifest"
	"github.com/yeetrun/ferry/pkg/registry"
	"github.com/yeetrun/ferry/pkg/registry/registrytest"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"FERRY_REGISTRY", "FERRY_USERNAME", "FERRY_PASSWORD", "FERRY_PROXY", "FERRY_INSECURE",
		"FERRY_CA_FILE", "FERRY_TIMEOUT", "FERRY_TMPDIR", "FERRY_CONCURRENCY", "FERRY_CHUNK_SIZE",
	} {
		t.Setenv(k, "")
	}
}

// writeConfig writes a ferry.toml pointing at registryURL.
func writeConfig(t *testing.T, registryURL string) string {
	t.Helper()
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "ferry.toml")
	contents := "registry = \"" + registryURL + "\"\ntemp_dir = \"" + dir + "\"\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func ferry(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	args = append([]string{"--config=" + cfgPath, "--progress=quiet"}, args...)
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), err
}

// writeArchive writes a one-image archive for linux/amd64 and returns its
// path and the image's manifest digest.
func writeArchive(t *testing.T) (string, archive.Image) {
	t.Helper()
	config := blob.FromBytes(manifest.MediaTypeOCIConfig,
		[]byte(`{"architecture":"amd64","os":"linux","rootfs":{"type":"layers","diff_ids":[]}}`))
	layer := blob.FromBytes(ocispec.MediaTypeImageLayerGzip, []byte("layer"))
	img := archive.Image{
		Manifest: manifest.FromSingle(&manifest.Single{
			SchemaVersion: 2,
			MediaType:     manifest.MediaTypeOCIManifest,
			Config:        config.Descriptor(),
			Layers:        []manifest.LayerReference{layer.Descriptor()},
		}),
		Platform: &manifest.Platform{OS: "linux", Architecture: "amd64"},
		Config:   config,
		Layers:   []*blob.Blob{layer},
	}
	d, err := img.Manifest.Digest()
	if err != nil {
		t.Fatal(err)
	}
	img.Digest = d
	e, err := img.Manifest.Descriptor()
	if err != nil {
		t.Fatal(err)
	}
	e.Platform = img.Platform
	b := &archive.Bundle{
		Index: manifest.FromList(&manifest.List{
			SchemaVersion: 2,
			MediaType:     manifest.MediaTypeOCIIndex,
			Manifests:     []manifest.ListEntry{e},
		}),
		Images: []archive.Image{img},
	}
	var buf bytes.Buffer
	if err := archive.Encode(&buf, b); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "in.tar")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path, img
}

func TestPushPullRoundTrip(t *testing.T) {
	srv := registrytest.New(t, registrytest.Options{})
	cfg := writeConfig(t, srv.URL)
	in, img := writeArchive(t)

	out, err := ferry(t, cfg, "push", in, "team/app:v1")
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	pushed := strings.TrimSpace(out)
	if !strings.HasPrefix(pushed, "sha256:") {
		t.Fatalf("push printed %q", out)
	}

	out, err = ferry(t, cfg, "digest", "team/app:v1")
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if got := strings.TrimSpace(out); got != pushed {
		t.Fatalf("digest = %s, push printed %s", got, pushed)
	}

	out, err = ferry(t, cfg, "tags", "team/app")
	if err != nil {
		t.Fatalf("tags: %v", err)
	}
	if diff := cmp.Diff("v1\n", out); diff != "" {
		t.Fatalf("tags mismatch (-want +got):\n%s", diff)
	}

	dst := filepath.Join(t.TempDir(), "out.tar.zst")
	if _, err := ferry(t, cfg, "pull", "team/app:v1", "--output="+dst, "--compress=zstd"); err != nil {
		t.Fatalf("pull: %v", err)
	}
	f, err := os.Open(dst)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	b, err := archive.Decode(f, t.TempDir())
	if err != nil {
		t.Fatalf("Decode pulled archive: %v", err)
	}
	if len(b.Images) != 1 || b.Images[0].Digest != img.Digest {
		t.Fatalf("pulled images = %+v, want %s", b.Images, img.Digest)
	}
	if _, err := os.Stat(dst + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp file left behind: %v", err)
	}

	out, err = ferry(t, cfg, "rm", "team/app@"+pushed)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := strings.TrimSpace(out); got != "deleted "+pushed {
		t.Fatalf("delete printed %q", got)
	}
	if _, err := ferry(t, cfg, "manifest", "team/app@"+pushed); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("manifest after delete: err = %v, want not found", err)
	}
}

func TestPullFailureLeavesNoFile(t *testing.T) {
	srv := registrytest.New(t, registrytest.Options{})
	cfg := writeConfig(t, srv.URL)
	dst := filepath.Join(t.TempDir(), "out.tar")
	_, err := ferry(t, cfg, "pull", "team/missing:v1", "--output="+dst)
	if !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("pull: err = %v, want not found", err)
	}
	for _, p := range []string{dst, dst + ".tmp"} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s exists after failed pull", p)
		}
	}
}

func TestConfigPlatform(t *testing.T) {
	srv := registrytest.New(t, registrytest.Options{})
	cfg := writeConfig(t, srv.URL)
	in, _ := writeArchive(t)
	if _, err := ferry(t, cfg, "push", in, "team/app:v1"); err != nil {
		t.Fatalf("push: %v", err)
	}
	out, err := ferry(t, cfg, "config", "team/app:v1", "--platform=linux/amd64")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if !strings.Contains(out, `"architecture": "amd64"`) {
		t.Fatalf("config printed %s", out)
	}
	_, err = ferry(t, cfg, "config", "team/app:v1", "--platform=linux/arm64")
	if !errors.Is(err, imageerr.ErrPlatformNotMatching) {
		t.Fatalf("config for arm64: err = %v, want platform not matching", err)
	}
}

func TestUsageErrors(t *testing.T) {
	srv := registrytest.New(t, registrytest.Options{})
	cfg := writeConfig(t, srv.URL)
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"tags"}, "usage: ferry tags REPO"},
		{[]string{"push", "only-a-file"}, "usage: ferry push FILE REPO[:TAG]"},
		{[]string{"digest", "Bad Repo"}, "invalid"},
		{[]string{"pull", "team/app", "--compress=brotli"}, "brotli"},
		{[]string{"config", "team/app", "--platform=linux"}, "invalid platform"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			_, err := ferry(t, cfg, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestMissingRegistry(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "ferry.toml")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := ferry(t, path, "ping")
	if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Fatalf("err = %v, want invalid configuration", err)
	}
}

func TestRegistryFlagOverridesConfig(t *testing.T) {
	srv := registrytest.New(t, registrytest.Options{})
	cfg := writeConfig(t, "http://127.0.0.1:1")
	out, err := ferry(t, cfg, "--registry="+srv.URL, "ping")
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !strings.HasSuffix(out, ": ok\n") {
		t.Fatalf("ping printed %q", out)
	}
}

func TestParsePlatform(t *testing.T) {
	tests := []struct {
		in      string
		want    manifest.Platform
		wantErr bool
	}{
		{"linux/amd64", manifest.Platform{OS: "linux", Architecture: "amd64"}, false},
		{"linux/arm/v7", manifest.Platform{OS: "linux", Architecture: "arm", Variant: "v7"}, false},
		{"linux", manifest.Platform{}, true},
		{"plan9/amd64", manifest.Platform{}, true},
		{"linux/arm64/v8/extra", manifest.Platform{}, true},
	}
	for _, tt := range tests {
		got, err := parsePlatform(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parsePlatform(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("parsePlatform(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestParseProgressMode(t *testing.T) {
	for in, want := range map[string]progressMode{
		"":      progressAuto,
		"auto":  progressAuto,
		"tty":   progressTTY,
		"plain": progressPlain,
		"quiet": progressQuiet,
	} {
		got, err := parseProgressMode(in)
		if err != nil || got != want {
			t.Errorf("parseProgressMode(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := parseProgressMode("loud"); err == nil {
		t.Error("parseProgressMode(loud) succeeded")
	}
}

func TestPrintCLIError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errors.New("boom"), "error: boom\n"},
		{imageerr.CorruptArchive("missing %s", "index.json"), "image error: "},
		{registry.ErrNotFound, "registry error: "},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		printCLIError(&buf, tt.err)
		if !strings.HasPrefix(buf.String(), tt.want) {
			t.Errorf("printCLIError(%v) = %q, want prefix %q", tt.err, buf.String(), tt.want)
		}
	}
}

func TestPlainProgressSummary(t *testing.T) {
	srv := registrytest.New(t, registrytest.Options{})
	cfg := writeConfig(t, srv.URL)
	in, _ := writeArchive(t)
	var stdout, stderr bytes.Buffer
	args := []string{"--config=" + cfg, "--progress=plain", "push", in, "team/app:v1"}
	if err := run(context.Background(), args, &stdout, &stderr); err != nil {
		t.Fatalf("push: %v", err)
	}
	if !strings.HasPrefix(stderr.String(), "done push team/app:v1") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}
