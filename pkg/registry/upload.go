// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/yeetrun/ferry/pkg/reference"
)

// UploadSession is a server-side blob upload in progress. Location may
// change with every response; always continue with the session returned
// by the last call.
type UploadSession struct {
	ID       string
	Location string
}

// ByteRange is an inclusive span of bytes.
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes in the span.
func (r ByteRange) Len() int64 { return r.End - r.Start + 1 }

func (r ByteRange) String() string { return fmt.Sprintf("%d-%d", r.Start, r.End) }

// ParseByteRange parses "start-end", tolerating a "bytes=" prefix.
func ParseByteRange(s string) (ByteRange, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "bytes=")
	a, b, ok := strings.Cut(s, "-")
	if !ok {
		return ByteRange{}, fmt.Errorf("invalid range %q", s)
	}
	start, err := strconv.ParseInt(a, 10, 64)
	if err != nil {
		return ByteRange{}, fmt.Errorf("invalid range %q: %w", s, err)
	}
	end, err := strconv.ParseInt(b, 10, 64)
	if err != nil {
		return ByteRange{}, fmt.Errorf("invalid range %q: %w", s, err)
	}
	if end < start {
		return ByteRange{}, fmt.Errorf("invalid range %q", s)
	}
	return ByteRange{Start: start, End: end}, nil
}

// sessionFrom reads the session a response hands back. prev supplies the
// id when a registry only sends it on the first response.
func sessionFrom(resp *http.Response, prev string) (UploadSession, error) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return UploadSession{}, headerMissing(resp, "Location")
	}
	ref, err := url.Parse(loc)
	if err != nil {
		e := headerMissing(resp, "Location")
		e.Message = "invalid value"
		e.Cause = err
		return UploadSession{}, e
	}
	id := resp.Header.Get("Docker-Upload-UUID")
	if id == "" {
		id = prev
	}
	if id == "" {
		return UploadSession{}, headerMissing(resp, "Docker-Upload-UUID")
	}
	return UploadSession{
		ID:       id,
		Location: resp.Request.URL.ResolveReference(ref).String(),
	}, nil
}

// InitiateUpload opens an upload session in repo.
func (c *Client) InitiateUpload(ctx context.Context, repo reference.Repository) (UploadSession, error) {
	resp, err := c.send(ctx, http.MethodPost, c.url(UploadPath(repo), nil), nil, nil, 0)
	if err != nil {
		return UploadSession{}, err
	}
	if err := expect(resp, http.StatusAccepted); err != nil {
		return UploadSession{}, err
	}
	resp.Body.Close()
	return sessionFrom(resp, "")
}

// UploadChunk sends chunk as the bytes starting at offset start and
// returns the session to continue with.
func (c *Client) UploadChunk(ctx context.Context, s UploadSession, start int64, chunk []byte) (UploadSession, error) {
	r := ByteRange{Start: start, End: start + int64(len(chunk)) - 1}
	hdr := http.Header{
		"Content-Range": {r.String()},
		"Content-Type":  {"application/octet-stream"},
	}
	c.vlogf("chunk %s of upload %s", r, s.ID)
	resp, err := c.send(ctx, http.MethodPatch, s.Location, hdr, bytes.NewReader(chunk), int64(len(chunk)))
	if err != nil {
		return s, err
	}
	if err := expect(resp, http.StatusAccepted, http.StatusNoContent); err != nil {
		return s, err
	}
	resp.Body.Close()
	return sessionFrom(resp, s.ID)
}

// FinishUpload closes the session, sending body as the final (or only)
// bytes of the blob. body may be nil. size is the length of body, or -1.
func (c *Client) FinishUpload(ctx context.Context, s UploadSession, d reference.Digest, body io.Reader, size int64) (reference.Digest, error) {
	u, err := url.Parse(s.Location)
	if err != nil {
		return "", &Error{Kind: KindHeaderMissing, Header: "Location", Message: "invalid session location", Cause: err}
	}
	q := u.Query()
	q.Set("digest", string(d))
	u.RawQuery = q.Encode()

	hdr := http.Header{"Content-Type": {"application/octet-stream"}}
	if body == nil {
		size = 0
	}
	resp, err := c.send(ctx, http.MethodPut, u.String(), hdr, body, size)
	if err != nil {
		return "", err
	}
	if err := expect(resp, http.StatusCreated, http.StatusNoContent, http.StatusAccepted); err != nil {
		return "", err
	}
	resp.Body.Close()
	got, err := contentDigest(resp)
	if err != nil {
		return "", err
	}
	if got != d {
		return "", &Error{
			Kind:    KindDigestMismatch,
			Method:  resp.Request.Method,
			URL:     redactURL(resp.Request.URL.String()),
			Message: fmt.Sprintf("registry stored %s, expected %s", got, d),
		}
	}
	return got, nil
}

// UploadStatus reports the inclusive byte span the registry holds for s.
// Registries report 0-0 for a session that has received nothing.
func (c *Client) UploadStatus(ctx context.Context, s UploadSession) (UploadSession, ByteRange, error) {
	resp, err := c.send(ctx, http.MethodGet, s.Location, nil, nil, 0)
	if err != nil {
		return s, ByteRange{}, err
	}
	if err := expect(resp, http.StatusNoContent, http.StatusOK); err != nil {
		return s, ByteRange{}, err
	}
	resp.Body.Close()
	rh := resp.Header.Get("Range")
	if rh == "" {
		return s, ByteRange{}, headerMissing(resp, "Range")
	}
	r, err := ParseByteRange(rh)
	if err != nil {
		e := headerMissing(resp, "Range")
		e.Message = "invalid value"
		e.Cause = err
		return s, ByteRange{}, e
	}
	next, err := sessionFrom(resp, s.ID)
	if err != nil {
		// Some registries omit Location on status; the session is unchanged.
		next = s
	}
	return next, r, nil
}

// CancelUpload abandons s.
func (c *Client) CancelUpload(ctx context.Context, s UploadSession) error {
	resp, err := c.send(ctx, http.MethodDelete, s.Location, nil, nil, 0)
	if err != nil {
		return err
	}
	if err := expect(resp, http.StatusNoContent, http.StatusAccepted, http.StatusOK); err != nil {
		return err
	}
	return resp.Body.Close()
}
