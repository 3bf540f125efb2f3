// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/yeetrun/ferry/pkg/blob"
	"github.com/yeetrun/ferry/pkg/manifest"
	"github.com/yeetrun/ferry/pkg/reference"
	"tailscale.com/syncs"
	"tailscale.com/types/logger"
)

const verbose = false

// maxManifestSize bounds manifest bodies. Registries commonly reject
// manifests larger than this.
const maxManifestSize = 4 << 20

// Client talks to one registry over the distribution API.
type Client struct {
	base  *url.URL
	hc    *http.Client
	creds *Credentials
	logf  logger.Logf
	ua    string

	tokens syncs.Map[tokenKey, bearerToken]
	scopes syncs.Map[string, tokenKey] // repo -> last bearer challenge
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the transport. The default is http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithCredentials sets the username and password offered to Basic and
// Bearer challenges.
func WithCredentials(username, password string) Option {
	return func(c *Client) { c.creds = &Credentials{Username: username, Password: password} }
}

// WithLogf sets the logger. The default is log.Printf.
func WithLogf(logf logger.Logf) Option {
	return func(c *Client) { c.logf = logf }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.ua = ua }
}

// New returns a client for the registry at baseURL. A baseURL without a
// scheme is taken to be https.
func New(baseURL string, opts ...Option) (*Client, error) {
	if !strings.Contains(baseURL, "://") {
		baseURL = "https://" + baseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse registry url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("registry url %q has no host", baseURL)
	}
	u.Path, u.RawQuery, u.Fragment = "", "", ""
	c := &Client{
		base: u,
		hc:   http.DefaultClient,
		logf: log.Printf,
		ua:   "ferry",
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// BaseURL returns the registry root.
func (c *Client) BaseURL() string { return c.base.String() }

func (c *Client) vlogf(format string, args ...any) {
	if verbose {
		c.logf("registry: "+format, args...)
	}
}

func (c *Client) url(p string, q url.Values) string {
	u := *c.base
	u.Path = p
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// send issues a request through the challenge handler.
func (c *Client) send(ctx context.Context, method, u string, hdr http.Header, body io.Reader, size int64) (*http.Response, error) {
	req, err := newRequest(ctx, method, u, body, size)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Method: method, URL: redactURL(u), Cause: err}
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	if c.ua != "" {
		req.Header.Set("User-Agent", c.ua)
	}
	return c.do(req)
}

// expect returns nil if resp has one of the given statuses. Otherwise it
// consumes resp and returns the status error.
func expect(resp *http.Response, codes ...int) error {
	for _, code := range codes {
		if resp.StatusCode == code {
			return nil
		}
	}
	return statusError(resp)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return jsonError(resp, err)
	}
	return nil
}

// Ping checks that the registry speaks the v2 API and that the client can
// authenticate to it.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.send(ctx, http.MethodGet, c.url(BasePath(), nil), nil, nil, 0)
	if err != nil {
		return err
	}
	if err := expect(resp, http.StatusOK); err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// Page bounds a listing. Zero values mean no bound.
type Page struct {
	N    int
	Last string
}

func (p Page) query() url.Values {
	q := url.Values{}
	if p.N > 0 {
		q.Set("n", strconv.Itoa(p.N))
	}
	if p.Last != "" {
		q.Set("last", p.Last)
	}
	return q
}

// CatalogPage is one page of repository names. Next is the Last value for
// the following page, or "" when there is none.
type CatalogPage struct {
	Repositories []string `json:"repositories"`
	Next         string   `json:"-"`
}

// Catalog lists repositories.
func (c *Client) Catalog(ctx context.Context, p Page) (*CatalogPage, error) {
	resp, err := c.send(ctx, http.MethodGet, c.url(BasePath()+"_catalog", p.query()), nil, nil, 0)
	if err != nil {
		return nil, err
	}
	if err := expect(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var out CatalogPage
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	out.Next = nextLast(resp.Header.Get("Link"))
	return &out, nil
}

// TagsPage is one page of a repository's tags.
type TagsPage struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
	Next string   `json:"-"`
}

// Tags lists the tags of repo.
func (c *Client) Tags(ctx context.Context, repo reference.Repository, p Page) (*TagsPage, error) {
	resp, err := c.send(ctx, http.MethodGet, c.url(TagsPath(repo), p.query()), nil, nil, 0)
	if err != nil {
		return nil, err
	}
	if err := expect(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var out TagsPage
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	out.Next = nextLast(resp.Header.Get("Link"))
	return &out, nil
}

// nextLast extracts the last parameter from a Link: <...>; rel="next"
// header.
func nextLast(link string) string {
	for _, part := range strings.Split(link, ",") {
		target, params, ok := strings.Cut(strings.TrimSpace(part), ";")
		if !ok || !strings.Contains(strings.ReplaceAll(params, " ", ""), `rel="next"`) {
			continue
		}
		target = strings.Trim(strings.TrimSpace(target), "<>")
		u, err := url.Parse(target)
		if err != nil {
			return ""
		}
		return u.Query().Get("last")
	}
	return ""
}

// Digest returns the digest ref points at. A digest reference is returned
// as is, without a request.
func (c *Client) Digest(ctx context.Context, repo reference.Repository, ref reference.Reference) (reference.Digest, error) {
	if d, ok := ref.Digest(); ok {
		return d, nil
	}
	hdr := http.Header{"Accept": manifest.AllMediaTypes}
	resp, err := c.send(ctx, http.MethodHead, c.url(ManifestPath(repo, ref), nil), hdr, nil, 0)
	if err != nil {
		return "", err
	}
	if err := expect(resp, http.StatusOK); err != nil {
		return "", err
	}
	resp.Body.Close()
	return contentDigest(resp)
}

func contentDigest(resp *http.Response) (reference.Digest, error) {
	v := resp.Header.Get("Docker-Content-Digest")
	if v == "" {
		return "", headerMissing(resp, "Docker-Content-Digest")
	}
	d, err := reference.ParseDigest(v)
	if err != nil {
		e := headerMissing(resp, "Docker-Content-Digest")
		e.Message = "invalid value"
		e.Cause = err
		return "", e
	}
	return d, nil
}

// Manifest fetches the manifest or manifest list ref points at. When ref is
// a digest the body is checked against it.
func (c *Client) Manifest(ctx context.Context, repo reference.Repository, ref reference.Reference) (manifest.Manifest, error) {
	return c.getManifest(ctx, repo, ref, manifest.AllMediaTypes)
}

// ManifestSingle is like Manifest but only accepts single-platform
// manifests. The result is always of KindSingle.
func (c *Client) ManifestSingle(ctx context.Context, repo reference.Repository, ref reference.Reference) (manifest.Manifest, error) {
	m, err := c.getManifest(ctx, repo, ref, manifest.SingleMediaTypes)
	if err != nil {
		return manifest.Manifest{}, err
	}
	if m.Kind() != manifest.KindSingle {
		return manifest.Manifest{}, &Error{
			Kind:    KindJSON,
			Method:  http.MethodGet,
			URL:     c.url(ManifestPath(repo, ref), nil),
			Message: fmt.Sprintf("expected a single-platform manifest, got %s", m.MediaType()),
		}
	}
	return m, nil
}

func (c *Client) getManifest(ctx context.Context, repo reference.Repository, ref reference.Reference, accept []string) (manifest.Manifest, error) {
	hdr := http.Header{"Accept": accept}
	resp, err := c.send(ctx, http.MethodGet, c.url(ManifestPath(repo, ref), nil), hdr, nil, 0)
	if err != nil {
		return manifest.Manifest{}, err
	}
	if err := expect(resp, http.StatusOK); err != nil {
		return manifest.Manifest{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize+1))
	if err != nil {
		return manifest.Manifest{}, networkError(resp.Request, err)
	}
	if len(body) > maxManifestSize {
		return manifest.Manifest{}, jsonError(resp, fmt.Errorf("manifest exceeds %d bytes", maxManifestSize))
	}
	if want, ok := ref.Digest(); ok {
		if got := reference.FromBytes(body); got != want {
			return manifest.Manifest{}, &Error{
				Kind:    KindDigestMismatch,
				Method:  resp.Request.Method,
				URL:     redactURL(resp.Request.URL.String()),
				Message: fmt.Sprintf("got %s", got),
			}
		}
	}
	m, err := manifest.Decode(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return manifest.Manifest{}, jsonError(resp, err)
	}
	return m, nil
}

// PutManifest uploads m under ref and returns the digest the registry
// stored it as.
func (c *Client) PutManifest(ctx context.Context, repo reference.Repository, ref reference.Reference, m manifest.Manifest) (reference.Digest, error) {
	body, err := m.Bytes()
	if err != nil {
		return "", &Error{Kind: KindJSON, Method: http.MethodPut, Message: "encode manifest", Cause: err}
	}
	hdr := http.Header{"Content-Type": {m.MediaType()}}
	resp, err := c.send(ctx, http.MethodPut, c.url(ManifestPath(repo, ref), nil), hdr, bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return "", err
	}
	if err := expect(resp, http.StatusCreated, http.StatusOK, http.StatusAccepted); err != nil {
		return "", err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	got, err := contentDigest(resp)
	if err != nil {
		return "", err
	}
	if want := reference.FromBytes(body); got != want {
		return "", &Error{
			Kind:    KindDigestMismatch,
			Method:  resp.Request.Method,
			URL:     redactURL(resp.Request.URL.String()),
			Message: fmt.Sprintf("registry stored %s, uploaded %s", got, want),
		}
	}
	return got, nil
}

// DeleteManifest resolves ref to a digest and deletes the manifest by
// digest. It returns the digest that was deleted.
func (c *Client) DeleteManifest(ctx context.Context, repo reference.Repository, ref reference.Reference) (reference.Digest, error) {
	d, err := c.Digest(ctx, repo, ref)
	if err != nil {
		return "", err
	}
	resp, err := c.send(ctx, http.MethodDelete, c.url(ManifestPath(repo, reference.DigestRef(d)), nil), nil, nil, 0)
	if err != nil {
		return "", err
	}
	if err := expect(resp, http.StatusAccepted, http.StatusOK, http.StatusNoContent); err != nil {
		return "", err
	}
	resp.Body.Close()
	return d, nil
}

// ExistsBlob reports whether the registry has the blob d in repo.
func (c *Client) ExistsBlob(ctx context.Context, repo reference.Repository, d reference.Digest) (bool, error) {
	resp, err := c.send(ctx, http.MethodHead, c.url(BlobPath(repo, d), nil), nil, nil, 0)
	if err != nil {
		return false, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		resp.Body.Close()
		return true, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return false, nil
	}
	return false, statusError(resp)
}

// Blob fetches the blob d into memory and verifies it.
func (c *Client) Blob(ctx context.Context, repo reference.Repository, d reference.Digest) (*blob.Blob, error) {
	rc, _, err := c.BlobStream(ctx, repo, d)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return blob.FromBytes("application/octet-stream", data), nil
}

// BlobStream opens the blob d. The returned reader verifies the content
// and fails with KindDigestMismatch at EOF if it does not match. The size
// is -1 when the registry did not send a length.
func (c *Client) BlobStream(ctx context.Context, repo reference.Repository, d reference.Digest) (io.ReadCloser, int64, error) {
	resp, err := c.send(ctx, http.MethodGet, c.url(BlobPath(repo, d), nil), nil, nil, 0)
	if err != nil {
		return nil, 0, err
	}
	if err := expect(resp, http.StatusOK); err != nil {
		return nil, 0, err
	}
	return &blobBody{
		vr:     blob.NewVerifyingReader(resp.Body, d),
		closer: resp.Body,
		req:    resp.Request,
	}, resp.ContentLength, nil
}

type blobBody struct {
	vr     *blob.VerifyingReader
	closer io.Closer
	req    *http.Request
}

func (b *blobBody) Read(p []byte) (int, error) {
	n, err := b.vr.Read(p)
	switch {
	case err == nil || err == io.EOF:
		return n, err
	case errors.Is(err, blob.ErrDigestMismatch):
		return n, &Error{Kind: KindDigestMismatch, Method: b.req.Method, URL: redactURL(b.req.URL.String()), Cause: err}
	default:
		return n, networkError(b.req, err)
	}
}

func (b *blobBody) Close() error { return b.closer.Close() }
