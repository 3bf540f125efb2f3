// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"fmt"
	"path"
	"strings"

	"github.com/yeetrun/ferry/pkg/reference"
)

// PathType represents the type of registry operation
type PathType int

const (
	PathTypeUnknown PathType = iota
	PathTypeManifest
	PathTypeBlob
	PathTypeBlobUploadInit
	PathTypeBlobUpload
	PathTypeTagsList
)

func (pt PathType) String() string {
	switch pt {
	case PathTypeManifest:
		return "manifest"
	case PathTypeBlob:
		return "blob"
	case PathTypeBlobUploadInit:
		return "blob_upload_init"
	case PathTypeBlobUpload:
		return "blob_upload"
	case PathTypeTagsList:
		return "tags_list"
	default:
		return "unknown"
	}
}

// RegistryPath holds the parsed components of a registry path
type RegistryPath struct {
	Type      PathType
	Repo      string
	Reference string // For manifests: tag or digest; for blobs: digest; for uploads: uuid
}

// ParseRegistryPath parses a Docker Registry V2 API path
func ParseRegistryPath(p string) (*RegistryPath, error) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 3 || parts[0] != "v2" {
		return nil, fmt.Errorf("path must be /v2/<repo>/<operation>")
	}

	// Repo can have slashes, so find where it ends.
	var opIdx int
	var op string
	for i := 2; i < len(parts); i++ {
		if parts[i] == "manifests" || parts[i] == "blobs" || parts[i] == "tags" {
			opIdx = i
			op = parts[i]
			break
		}
	}
	if op == "" {
		return nil, fmt.Errorf("no valid operation found (manifests/blobs/tags)")
	}
	result := &RegistryPath{Repo: strings.Join(parts[1:opIdx], "/")}

	switch op {
	case "manifests":
		// /v2/<repo>/manifests/<reference>
		if len(parts) <= opIdx+1 {
			return nil, fmt.Errorf("manifests path missing reference")
		}
		result.Type = PathTypeManifest
		result.Reference = strings.Join(parts[opIdx+1:], "/")
	case "blobs":
		// /v2/<repo>/blobs/<digest>
		// /v2/<repo>/blobs/uploads/
		// /v2/<repo>/blobs/uploads/<uuid>
		if len(parts) <= opIdx+1 {
			return nil, fmt.Errorf("blobs path missing subpath")
		}
		switch {
		case parts[opIdx+1] != "uploads":
			result.Type = PathTypeBlob
			result.Reference = parts[opIdx+1]
		case len(parts) == opIdx+2:
			result.Type = PathTypeBlobUploadInit
		default:
			result.Type = PathTypeBlobUpload
			result.Reference = parts[opIdx+2]
		}
	case "tags":
		// /v2/<repo>/tags/list
		if len(parts) <= opIdx+1 || parts[opIdx+1] != "list" {
			return nil, fmt.Errorf("tags path must be tags/list")
		}
		result.Type = PathTypeTagsList
	}
	return result, nil
}

// BasePath returns the base path for registry URLs.
func BasePath() string {
	return "/v2/"
}

// ManifestPath returns the path for a manifest.
func ManifestPath(repo reference.Repository, ref reference.Reference) string {
	return path.Join(BasePath(), string(repo), "manifests", ref.String())
}

// BlobPath returns the path for a blob.
func BlobPath(repo reference.Repository, d reference.Digest) string {
	return path.Join(BasePath(), string(repo), "blobs", string(d))
}

// UploadPath returns the path that opens an upload session.
func UploadPath(repo reference.Repository) string {
	return path.Join(BasePath(), string(repo), "blobs", "uploads") + "/"
}

// TagsPath returns the path for a repository's tag list.
func TagsPath(repo reference.Repository) string {
	return path.Join(BasePath(), string(repo), "tags", "list")
}
