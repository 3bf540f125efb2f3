// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registry is a client for the OCI Distribution Specification HTTP
// API.
//
// A Client exposes one method per endpoint:
//   - Ping, Catalog and Tags
//   - Digest, Manifest, ManifestSingle, PutManifest and DeleteManifest
//   - ExistsBlob, Blob and BlobStream
//   - InitiateUpload, UploadChunk, FinishUpload, UploadStatus and
//     CancelUpload for the blob upload session protocol
//
// # Authentication
//
// Every request is sent once. A 401 response carrying a WWW-Authenticate
// challenge is answered once: Basic challenges with the configured
// credentials, Bearer challenges with a token fetched from the challenge's
// realm. The original request, body included, is then retried a single
// time. Bearer tokens are cached per realm, service and scope and presented
// up front on later requests to the same repository.
//
// # Errors
//
// Every method returns *Error on failure. Its Kind distinguishes transport
// failures, HTTP statuses, protocol violations such as a missing
// Docker-Content-Digest header, and content that does not match its digest.
// Use errors.Is with the Err* sentinels to test for a kind:
//
//	if errors.Is(err, registry.ErrNotFound) { ... }
//
// Spec: https://github.com/opencontainers/distribution-spec/blob/main/spec.md
package registry
