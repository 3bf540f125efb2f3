// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transfer moves blobs between a registry and local storage under
// bounded concurrency.
//
// Transfers in one call run in a group: at most Concurrency of them are in
// flight, the first failure cancels the rest, and no new transfer starts
// once a failure has been observed.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yeetrun/ferry/pkg/blob"
	"github.com/yeetrun/ferry/pkg/manifest"
	"github.com/yeetrun/ferry/pkg/reference"
	"github.com/yeetrun/ferry/pkg/registry"
	"golang.org/x/sync/errgroup"
	"tailscale.com/types/logger"
	"tailscale.com/util/set"
)

// DefaultConcurrency is the number of transfers in flight per group.
const DefaultConcurrency = 3

// Mode selects how a blob is uploaded.
type Mode struct {
	// ChunkSize is the number of bytes sent per PATCH. Zero sends the
	// whole blob with the closing PUT.
	ChunkSize int64
}

// Stream uploads a blob in a single request.
var Stream = Mode{}

// Chunked uploads a blob in PATCH requests of size bytes.
func Chunked(size int64) Mode { return Mode{ChunkSize: size} }

func (m Mode) String() string {
	if m.ChunkSize <= 0 {
		return "stream"
	}
	return fmt.Sprintf("chunked(%d)", m.ChunkSize)
}

// Engine transfers blobs for one registry.
type Engine struct {
	c *registry.Client

	// Concurrency bounds in-flight transfers. Zero means DefaultConcurrency.
	Concurrency int
	// Progress, if set, counts transferred bytes.
	Progress *Progress
	Logf     logger.Logf

	// fetch downloads one blob into dir. Tests replace it.
	fetch func(ctx context.Context, repo reference.Repository, ref manifest.LayerReference, dir string) (*blob.Blob, error)
}

// New returns an Engine for c.
func New(c *registry.Client) *Engine {
	e := &Engine{c: c, Logf: log.Printf}
	e.fetch = e.fetchOne
	return e
}

func (e *Engine) concurrency() int {
	if e.Concurrency > 0 {
		return e.Concurrency
	}
	return DefaultConcurrency
}

// group runs task for each item under the engine's bound. The first error
// cancels ctx for the others, and items not yet started are skipped.
func group[T any](ctx context.Context, limit int, items []T, task func(ctx context.Context, i int, item T) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return task(ctx, i, item)
		})
	}
	return g.Wait()
}

// unique returns refs without repeated digests, keeping the first.
func unique(refs []manifest.LayerReference) []manifest.LayerReference {
	seen := make(set.Set[reference.Digest])
	var out []manifest.LayerReference
	for _, r := range refs {
		if seen.Contains(r.Digest) {
			continue
		}
		seen.Add(r.Digest)
		out = append(out, r)
	}
	return out
}

// FetchMany downloads refs into dir, one file per digest, and returns the
// blobs in the order of refs. Either every blob is returned or none is.
func (e *Engine) FetchMany(ctx context.Context, repo reference.Repository, refs []manifest.LayerReference, dir string) ([]*blob.Blob, error) {
	uniq := unique(refs)
	for _, r := range uniq {
		e.Progress.AddTotal(r.Size)
	}
	got := make([]*blob.Blob, len(uniq))
	err := group(ctx, e.concurrency(), uniq, func(ctx context.Context, i int, r manifest.LayerReference) error {
		b, err := e.fetch(ctx, repo, r, dir)
		if err != nil {
			return err
		}
		got[i] = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	byDigest := make(map[reference.Digest]*blob.Blob, len(got))
	for _, b := range got {
		byDigest[b.Digest] = b
	}
	out := make([]*blob.Blob, len(refs))
	for i, r := range refs {
		out[i] = byDigest[r.Digest]
	}
	return out, nil
}

func (e *Engine) fetchOne(ctx context.Context, repo reference.Repository, ref manifest.LayerReference, dir string) (_ *blob.Blob, err error) {
	rc, _, err := e.c.BlobStream(ctx, repo, ref.Digest)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	path := filepath.Join(dir, ref.Digest.Hex())
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := io.Copy(f, e.Progress.Reader(rc)); err != nil {
		return nil, err
	}
	return blob.FromFile(ref.Digest, ref.MediaType, path)
}

// UploadMany uploads each distinct blob that the registry does not already
// have. It returns the number of blobs sent.
func (e *Engine) UploadMany(ctx context.Context, repo reference.Repository, blobs []*blob.Blob, mode Mode) (int, error) {
	seen := make(set.Set[reference.Digest])
	var uniq []*blob.Blob
	for _, b := range blobs {
		if seen.Contains(b.Digest) {
			continue
		}
		seen.Add(b.Digest)
		uniq = append(uniq, b)
		e.Progress.AddTotal(b.Size())
	}
	sent := make([]bool, len(uniq))
	err := group(ctx, e.concurrency(), uniq, func(ctx context.Context, i int, b *blob.Blob) error {
		ok, err := e.c.ExistsBlob(ctx, repo, b.Digest)
		if err != nil {
			return err
		}
		if ok {
			e.Logf("transfer: %s already exists in %s, skipping", b.Digest, repo)
			e.Progress.add(int(b.Size()))
			return nil
		}
		if err := e.UploadBlob(ctx, repo, b, mode); err != nil {
			return err
		}
		sent[i] = true
		return nil
	})
	n := 0
	for _, s := range sent {
		if s {
			n++
		}
	}
	return n, err
}

// UploadBlob uploads b without checking whether it exists.
func (e *Engine) UploadBlob(ctx context.Context, repo reference.Repository, b *blob.Blob, mode Mode) error {
	s, err := e.c.InitiateUpload(ctx, repo)
	if err != nil {
		return err
	}
	if mode.ChunkSize > 0 {
		s, err = e.uploadChunks(ctx, s, b, mode.ChunkSize)
	} else {
		err = e.uploadStream(ctx, s, b)
	}
	if err != nil {
		e.cancelUpload(ctx, s)
		return err
	}
	return nil
}

func (e *Engine) uploadStream(ctx context.Context, s registry.UploadSession, b *blob.Blob) error {
	body, closeBody, err := e.body(b)
	if err != nil {
		return err
	}
	defer closeBody()
	_, err = e.c.FinishUpload(ctx, s, b.Digest, body, b.Size())
	return err
}

// uploadChunks sends b in PATCH requests of chunkSize bytes, continuing
// each time with the session the registry returned, then closes the
// session. It returns the last session.
func (e *Engine) uploadChunks(ctx context.Context, s registry.UploadSession, b *blob.Blob, chunkSize int64) (registry.UploadSession, error) {
	rc, err := b.Open()
	if err != nil {
		return s, err
	}
	defer rc.Close()
	buf := make([]byte, chunkSize)
	var start int64
	for {
		n, rerr := io.ReadFull(rc, buf)
		if n > 0 {
			s, err = e.c.UploadChunk(ctx, s, start, buf[:n])
			if err != nil {
				return s, err
			}
			start += int64(n)
			e.Progress.add(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return s, rerr
		}
	}
	_, err = e.c.FinishUpload(ctx, s, b.Digest, nil, 0)
	return s, err
}

// body returns a replayable request body for b.
func (e *Engine) body(b *blob.Blob) (io.Reader, func() error, error) {
	if b.InMemory() {
		data, err := b.Bytes()
		if err != nil {
			return nil, nil, err
		}
		return newProgressBody(bytes.NewReader(data), int64(len(data)), e.Progress), func() error { return nil }, nil
	}
	f, err := os.Open(b.Path())
	if err != nil {
		return nil, nil, err
	}
	return newProgressBody(f, b.Size(), e.Progress), f.Close, nil
}

// progressBody counts upload bytes as the transport reads them. Only the
// furthest offset read is counted, so a body replayed after an
// authentication challenge is not counted again.
type progressBody struct {
	*io.SectionReader
	p *Progress

	mu   sync.Mutex
	high int64
}

func newProgressBody(r io.ReaderAt, size int64, p *Progress) *progressBody {
	return &progressBody{SectionReader: io.NewSectionReader(r, 0, size), p: p}
}

func (b *progressBody) Read(p []byte) (int, error) {
	n, err := b.SectionReader.Read(p)
	if n > 0 {
		pos, _ := b.SectionReader.Seek(0, io.SeekCurrent)
		b.reached(pos)
	}
	return n, err
}

func (b *progressBody) ReadAt(p []byte, off int64) (int, error) {
	n, err := b.SectionReader.ReadAt(p, off)
	if n > 0 {
		b.reached(off + int64(n))
	}
	return n, err
}

func (b *progressBody) reached(end int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if end > b.high {
		b.p.add(int(end - b.high))
		b.high = end
	}
}

func (e *Engine) cancelUpload(ctx context.Context, s registry.UploadSession) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.c.CancelUpload(ctx, s); err != nil && !errors.Is(err, registry.ErrNotFound) {
		e.Logf("transfer: cancel upload %s: %v", s.ID, err)
	}
}
