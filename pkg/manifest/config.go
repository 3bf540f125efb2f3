// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package manifest

import (
	"encoding/json"
	"fmt"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// DockerConfig is the Docker image config (v1 schema).
type DockerConfig struct {
	Architecture  string              `json:"architecture"`
	OS            string              `json:"os"`
	OSVersion     string              `json:"os.version,omitempty"`
	Variant       string              `json:"variant,omitempty"`
	Created       *time.Time          `json:"created,omitempty"`
	Author        string              `json:"author,omitempty"`
	DockerVersion string              `json:"docker_version,omitempty"`
	Container     string              `json:"container,omitempty"`
	Config        ocispec.ImageConfig `json:"config"`
	RootFS        ocispec.RootFS      `json:"rootfs"`
	History       []ocispec.History   `json:"history,omitempty"`
}

// ConfigKind discriminates the variants of a Config.
type ConfigKind uint8

const (
	ConfigDocker ConfigKind = iota + 1
	ConfigOCI
)

// Config is a decoded image config, either Docker or OCI flavored.
type Config struct {
	kind   ConfigKind
	docker *DockerConfig
	oci    *ocispec.Image
	raw    []byte
}

func (c Config) Kind() ConfigKind { return c.kind }

func (c Config) Docker() (*DockerConfig, bool) { return c.docker, c.kind == ConfigDocker }

func (c Config) OCI() (*ocispec.Image, bool) { return c.oci, c.kind == ConfigOCI }

// Bytes returns the config exactly as it was decoded.
func (c Config) Bytes() []byte { return c.raw }

// Platform returns the platform the config declares.
func (c Config) Platform() Platform {
	switch c.kind {
	case ConfigDocker:
		return Platform{OS: c.docker.OS, Architecture: c.docker.Architecture, Variant: c.docker.Variant, OSVersion: c.docker.OSVersion}
	case ConfigOCI:
		return Platform{OS: c.oci.OS, Architecture: c.oci.Architecture, Variant: c.oci.Variant, OSVersion: c.oci.OSVersion}
	}
	return Platform{}
}

var configDecoders = map[string]func([]byte) (Config, error){
	MediaTypeDockerConfig: func(b []byte) (Config, error) {
		var dc DockerConfig
		if err := json.Unmarshal(b, &dc); err != nil {
			return Config{}, err
		}
		return Config{kind: ConfigDocker, docker: &dc, raw: b}, nil
	},
	MediaTypeOCIConfig: func(b []byte) (Config, error) {
		var img ocispec.Image
		if err := json.Unmarshal(b, &img); err != nil {
			return Config{}, err
		}
		return Config{kind: ConfigOCI, oci: &img, raw: b}, nil
	},
}

// DecodeConfig decodes an image config blob using the decoder registered
// for the config media type declared by its manifest.
func DecodeConfig(mediaType string, data []byte) (Config, error) {
	dec, ok := configDecoders[normalizeMediaType(mediaType)]
	if !ok {
		return Config{}, fmt.Errorf("%w: config %q", ErrUnsupportedMediaType, mediaType)
	}
	return dec(data)
}
