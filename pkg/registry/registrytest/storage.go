// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registrytest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/yeetrun/ferry/pkg/reference"
	"tailscale.com/syncs"
	"tailscale.com/util/mak"
)

var (
	// ErrBlobNotFound indicates the blob was not found in storage
	ErrBlobNotFound = errors.New("blob not found")
	// ErrManifestNotFound indicates the manifest was not found
	ErrManifestNotFound = errors.New("manifest not found")
	// ErrUploadNotFound indicates the upload session is unknown
	ErrUploadNotFound = errors.New("upload not found")
	// ErrDigestMismatch indicates the digest does not match the content
	ErrDigestMismatch = errors.New("digest mismatch")
	// ErrRangeMismatch indicates a chunk did not start where the upload ended
	ErrRangeMismatch = errors.New("chunk out of order")
)

// StoredManifest is a manifest as the registry holds it.
type StoredManifest struct {
	MediaType string
	Digest    reference.Digest
	Data      []byte
}

// memStorage is content-addressed blob storage plus per-repository
// manifests and tags, all in memory.
type memStorage struct {
	mu        sync.Mutex
	blobs     map[reference.Digest][]byte
	manifests map[string]map[reference.Digest]StoredManifest // repo -> digest
	tags      map[string]map[string]reference.Digest         // repo -> tag

	uploads syncs.Map[string, *upload]
}

type upload struct {
	mu       sync.Mutex
	uuid     string
	buf      bytes.Buffer
	digester digest.Digester
}

// UploadState represents an ongoing blob upload.
type UploadState struct {
	UUID    string
	Written int64
}

func (u *upload) stateLocked() UploadState {
	return UploadState{UUID: u.uuid, Written: int64(u.buf.Len())}
}

func newMemStorage() *memStorage {
	return &memStorage{blobs: map[reference.Digest][]byte{}}
}

func (s *memStorage) getBlob(d reference.Digest) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[d]
	if !ok {
		return nil, ErrBlobNotFound
	}
	return b, nil
}

func (s *memStorage) putBlob(data []byte) reference.Digest {
	d := reference.FromBytes(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[d] = slices.Clone(data)
	return d
}

func (s *memStorage) deleteBlob(d reference.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[d]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, d)
	return nil
}

func (s *memStorage) getManifest(repo, ref string) (StoredManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := reference.ParseDigest(ref)
	if err != nil {
		var ok bool
		if d, ok = s.tags[repo][ref]; !ok {
			return StoredManifest{}, ErrManifestNotFound
		}
	}
	m, ok := s.manifests[repo][d]
	if !ok {
		return StoredManifest{}, ErrManifestNotFound
	}
	return m, nil
}

func (s *memStorage) putManifest(repo, ref string, data []byte, mediaType string) (reference.Digest, error) {
	if mediaType == "" {
		return "", fmt.Errorf("media type is empty")
	}
	d := reference.FromBytes(data)
	if rd, err := reference.ParseDigest(ref); err == nil && rd != d {
		return "", fmt.Errorf("%w: %s != %s", ErrDigestMismatch, d, rd)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	repoManifests := s.manifests[repo]
	mak.Set(&repoManifests, d, StoredManifest{MediaType: mediaType, Digest: d, Data: slices.Clone(data)})
	mak.Set(&s.manifests, repo, repoManifests)
	if _, err := reference.ParseDigest(ref); err != nil && ref != "" {
		repoTags := s.tags[repo]
		mak.Set(&repoTags, ref, d)
		mak.Set(&s.tags, repo, repoTags)
	}
	return d, nil
}

// deleteManifest removes the manifest d and every tag pointing at it.
func (s *memStorage) deleteManifest(repo string, d reference.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.manifests[repo][d]; !ok {
		return ErrManifestNotFound
	}
	delete(s.manifests[repo], d)
	for tag, td := range s.tags[repo] {
		if td == d {
			delete(s.tags[repo], tag)
		}
	}
	return nil
}

func (s *memStorage) listTags(repo string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for t := range s.tags[repo] {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *memStorage) listRepos() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for r, ms := range s.manifests {
		if len(ms) > 0 {
			out = append(out, r)
		}
	}
	sort.Strings(out)
	return out
}

func (s *memStorage) newUpload() UploadState {
	u := &upload{uuid: uuid.New().String(), digester: digest.Canonical.Digester()}
	s.uploads.Store(u.uuid, u)
	return UploadState{UUID: u.uuid}
}

func (s *memStorage) getUpload(id string) (UploadState, error) {
	u, ok := s.uploads.Load(id)
	if !ok {
		return UploadState{}, ErrUploadNotFound
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stateLocked(), nil
}

// copyChunk appends r to the upload. start is the offset the client claims
// the chunk begins at, or -1 if it did not say.
func (s *memStorage) copyChunk(id string, start int64, r io.Reader) (UploadState, error) {
	u, ok := s.uploads.Load(id)
	if !ok {
		return UploadState{}, ErrUploadNotFound
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if start >= 0 && start != int64(u.buf.Len()) {
		return u.stateLocked(), fmt.Errorf("%w: got %d, have %d", ErrRangeMismatch, start, u.buf.Len())
	}
	if _, err := io.Copy(io.MultiWriter(&u.buf, u.digester.Hash()), r); err != nil {
		return UploadState{}, fmt.Errorf("copy chunk: %w", err)
	}
	return u.stateLocked(), nil
}

func (s *memStorage) completeUpload(id string, expected reference.Digest) (reference.Digest, error) {
	u, ok := s.uploads.LoadAndDelete(id)
	if !ok {
		return "", ErrUploadNotFound
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	got := reference.Digest(u.digester.Digest())
	if got != expected {
		return "", fmt.Errorf("%w: %s != %s", ErrDigestMismatch, got, expected)
	}
	s.mu.Lock()
	s.blobs[got] = u.buf.Bytes()
	s.mu.Unlock()
	return got, nil
}

func (s *memStorage) abortUpload(id string) error {
	if _, ok := s.uploads.LoadAndDelete(id); !ok {
		return ErrUploadNotFound
	}
	return nil
}
