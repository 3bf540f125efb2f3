// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registrytest runs an in-process distribution registry for tests.
//
// The server implements the pull and push endpoints of the OCI Distribution
// Specification over in-memory storage, and adds what tests need to look
// inside a conversation with a client: every request is recorded, the peak
// number of concurrent blob downloads is tracked, requests can be failed on
// demand, and Basic or Bearer authentication can be required.
package registrytest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yeetrun/ferry/pkg/reference"
	"github.com/yeetrun/ferry/pkg/registry"
	"tailscale.com/types/logger"
)

// AuthMode selects the authentication the server demands.
type AuthMode int

const (
	AuthNone AuthMode = iota
	AuthBasic
	AuthBearer
)

// Options configures a Server.
type Options struct {
	Auth AuthMode
	// Username and Password are the accepted credentials. With AuthBearer
	// and an empty Username, tokens are issued anonymously.
	Username string
	Password string
	// BlobDelay holds every blob GET open for this long before the body is
	// written, so that concurrent downloads overlap.
	BlobDelay time.Duration
	Logf      logger.Logf
}

// Request is a recorded request.
type Request struct {
	Method        string
	Path          string
	Query         url.Values
	Header        http.Header
	Body          []byte
	Authorization string
}

// Server is a running test registry.
type Server struct {
	*httptest.Server

	opts    Options
	storage *memStorage
	mux     *http.ServeMux

	mu       sync.Mutex
	requests []Request
	faults   []func(*http.Request) int
	dropHdrs map[string][]string // method -> headers removed from responses
	tokens   map[string]bool
	tokenN   int

	rejectTokens atomic.Bool
	inflight     atomic.Int32
	maxInflight  atomic.Int32
}

// New starts a Server and stops it when the test ends.
func New(t testing.TB, opts Options) *Server {
	t.Helper()
	if opts.Logf == nil {
		opts.Logf = logger.Discard
	}
	s := &Server{
		opts:    opts,
		storage: newMemStorage(),
		mux:     http.NewServeMux(),
		tokens:  map[string]bool{},
	}
	s.setupRoutes()
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Host returns the host:port the server listens on.
func (s *Server) Host() string {
	return strings.TrimPrefix(s.URL, "http://")
}

// Requests returns every request received so far, token requests included.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Count returns the number of recorded requests with the given method
// whose path contains substr.
func (s *Server) Count(method, substr string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && strings.Contains(r.Path, substr) {
			n++
		}
	}
	return n
}

// ResetRequests forgets the recorded requests and the in-flight peak.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	s.requests = nil
	s.mu.Unlock()
	s.maxInflight.Store(0)
}

// MaxInFlightBlobGets returns the highest number of blob GETs that were
// being served at the same time.
func (s *Server) MaxInFlightBlobGets() int {
	return int(s.maxInflight.Load())
}

// Fail registers f. For each request f returns a status to fail it with,
// or 0 to let it through. Faults are checked before authentication.
func (s *Server) Fail(f func(*http.Request) int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, f)
}

// DropHeader removes header from every response to requests with method.
func (s *Server) DropHeader(method, header string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropHdrs == nil {
		s.dropHdrs = map[string][]string{}
	}
	s.dropHdrs[method] = append(s.dropHdrs[method], http.CanonicalHeaderKey(header))
}

// RejectTokens makes the server refuse every bearer token, including ones
// it issues afterwards.
func (s *Server) RejectTokens(v bool) { s.rejectTokens.Store(v) }

// PutBlob stores data as a blob and returns its digest.
func (s *Server) PutBlob(data []byte) reference.Digest {
	return s.storage.putBlob(data)
}

// HasBlob reports whether the blob d is stored.
func (s *Server) HasBlob(d reference.Digest) bool {
	_, err := s.storage.getBlob(d)
	return err == nil
}

// PutManifest stores a manifest under ref in repo. An empty ref stores it
// by digest only.
func (s *Server) PutManifest(repo, ref, mediaType string, data []byte) reference.Digest {
	d, err := s.storage.putManifest(repo, ref, data, mediaType)
	if err != nil {
		panic(err)
	}
	return d
}

// Manifest returns the manifest stored under ref in repo.
func (s *Server) Manifest(repo, ref string) (StoredManifest, bool) {
	m, err := s.storage.getManifest(repo, ref)
	return m, err == nil
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Method:        r.Method,
		Path:          r.URL.Path,
		Query:         r.URL.Query(),
		Header:        r.Header.Clone(),
		Body:          body,
		Authorization: r.Header.Get("Authorization"),
	})
	faults := append([]func(*http.Request) int(nil), s.faults...)
	drop := s.dropHdrs[r.Method]
	s.mu.Unlock()
	s.opts.Logf("registrytest: %s %s", r.Method, r.URL)

	if len(drop) > 0 {
		w = &dropWriter{ResponseWriter: w, drop: drop}
	}
	for _, f := range faults {
		if code := f(r); code != 0 {
			registry.WriteError(w, code, registry.ErrCodeUnsupported, "injected failure", nil)
			return
		}
	}
	if r.URL.Path == "/token" {
		s.handleToken(w, r)
		return
	}
	if !s.authorized(w, r) {
		return
	}
	s.mux.ServeHTTP(w, r)
}

type dropWriter struct {
	http.ResponseWriter
	drop []string
}

func (d *dropWriter) WriteHeader(code int) {
	for _, h := range d.drop {
		d.Header().Del(h)
	}
	d.ResponseWriter.WriteHeader(code)
}

func (d *dropWriter) Write(b []byte) (int, error) {
	for _, h := range d.drop {
		d.Header().Del(h)
	}
	return d.ResponseWriter.Write(b)
}

// authorized checks credentials and writes a challenge if they are missing.
func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	switch s.opts.Auth {
	case AuthBasic:
		u, p, ok := r.BasicAuth()
		if ok && u == s.opts.Username && p == s.opts.Password {
			return true
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="registrytest"`)
	case AuthBearer:
		if tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && !s.rejectTokens.Load() {
			s.mu.Lock()
			valid := s.tokens[tok]
			s.mu.Unlock()
			if valid {
				return true
			}
		}
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s/token",service="registrytest",scope="%s"`, s.URL, scopeFor(r)))
	default:
		return true
	}
	registry.WriteError(w, http.StatusUnauthorized, registry.ErrCodeUnauthorized, "authentication required", nil)
	return false
}

func scopeFor(r *http.Request) string {
	rp, err := registry.ParseRegistryPath(r.URL.Path)
	if err != nil {
		return "registry:catalog:*"
	}
	action := "pull"
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		action = "pull,push"
	}
	return "repository:" + rp.Repo + ":" + action
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.opts.Username != "" {
		u, p, ok := r.BasicAuth()
		if !ok || u != s.opts.Username || p != s.opts.Password {
			registry.WriteError(w, http.StatusUnauthorized, registry.ErrCodeUnauthorized, "bad credentials", nil)
			return
		}
	}
	s.mu.Lock()
	s.tokenN++
	tok := "token-" + strconv.Itoa(s.tokenN)
	s.tokens[tok] = true
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"token": tok, "expires_in": 300})
}

// setupRoutes configures all OCI Distribution Spec routes.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/v2/_catalog", s.handleCatalog)
	s.mux.HandleFunc("/v2/", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/v2/" {
			s.handleAPIVersion(w, req)
			return
		}
		result, err := registry.ParseRegistryPath(req.URL.Path)
		if err != nil {
			http.NotFound(w, req)
			return
		}
		switch result.Type {
		case registry.PathTypeManifest:
			s.handleManifest(w, req, result.Repo, result.Reference)
		case registry.PathTypeBlob:
			s.handleBlob(w, req, result.Repo, result.Reference)
		case registry.PathTypeBlobUploadInit:
			s.handleBlobUploadInitiate(w, req, result.Repo)
		case registry.PathTypeBlobUpload:
			s.handleBlobUpload(w, req, result.Repo, result.Reference)
		case registry.PathTypeTagsList:
			s.handleTags(w, req, result.Repo)
		default:
			http.NotFound(w, req)
		}
	})
}

// handleAPIVersion handles the /v2/ endpoint (OCI API version check).
func (s *Server) handleAPIVersion(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		registry.WriteError(w, http.StatusMethodNotAllowed, registry.ErrCodeUnsupported, "method not allowed", nil)
		return
	}
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	w.WriteHeader(http.StatusOK)
}

// paginate applies n and last to a sorted list and sets the Link header
// when more entries remain.
func paginate(w http.ResponseWriter, req *http.Request, all []string) []string {
	q := req.URL.Query()
	if last := q.Get("last"); last != "" {
		i := 0
		for i < len(all) && all[i] <= last {
			i++
		}
		all = all[i:]
	}
	n, err := strconv.Atoi(q.Get("n"))
	if err != nil || n <= 0 || n >= len(all) {
		return all
	}
	page := all[:n]
	next := url.Values{"n": {strconv.Itoa(n)}, "last": {page[len(page)-1]}}
	w.Header().Set("Link", fmt.Sprintf(`<%s?%s>; rel="next"`, req.URL.Path, next.Encode()))
	return page
}

func (s *Server) handleCatalog(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		registry.WriteError(w, http.StatusMethodNotAllowed, registry.ErrCodeUnsupported, "method not allowed", nil)
		return
	}
	repos := paginate(w, req, s.storage.listRepos())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]string{"repositories": nonNil(repos)})
}

func (s *Server) handleTags(w http.ResponseWriter, req *http.Request, repo string) {
	if req.Method != http.MethodGet {
		registry.WriteError(w, http.StatusMethodNotAllowed, registry.ErrCodeUnsupported, "method not allowed", nil)
		return
	}
	all := s.storage.listTags(repo)
	if len(all) == 0 {
		registry.WriteError(w, http.StatusNotFound, registry.ErrCodeNameUnknown, "repository not found", nil)
		return
	}
	tags := paginate(w, req, all)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"name": repo, "tags": nonNil(tags)})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// handleManifest handles manifest operations.
func (s *Server) handleManifest(w http.ResponseWriter, req *http.Request, repo, ref string) {
	switch req.Method {
	case http.MethodGet, http.MethodHead:
		mf, err := s.storage.getManifest(repo, ref)
		if err != nil {
			registry.WriteError(w, http.StatusNotFound, registry.ErrCodeManifestUnknown, "manifest not found", nil)
			return
		}
		w.Header().Set("Content-Type", mf.MediaType)
		w.Header().Set("Docker-Content-Digest", string(mf.Digest))
		w.Header().Set("Content-Length", strconv.Itoa(len(mf.Data)))
		w.WriteHeader(http.StatusOK)
		if req.Method == http.MethodGet {
			w.Write(mf.Data)
		}
	case http.MethodPut:
		s.handleManifestPut(w, req, repo, ref)
	case http.MethodDelete:
		d, err := reference.ParseDigest(ref)
		if err != nil {
			registry.WriteError(w, http.StatusBadRequest, registry.ErrCodeUnsupported, "delete by digest only", nil)
			return
		}
		if err := s.storage.deleteManifest(repo, d); err != nil {
			registry.WriteError(w, http.StatusNotFound, registry.ErrCodeManifestUnknown, "manifest not found", nil)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		registry.WriteError(w, http.StatusMethodNotAllowed, registry.ErrCodeUnsupported, "method not allowed", nil)
	}
}

// handleManifestPut uploads a manifest.
func (s *Server) handleManifestPut(w http.ResponseWriter, req *http.Request, repo, ref string) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		registry.WriteError(w, http.StatusBadRequest, registry.ErrCodeManifestInvalid, "failed to read manifest", nil)
		return
	}
	mediaType := req.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = "application/vnd.oci.image.manifest.v1+json"
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		registry.WriteError(w, http.StatusBadRequest, registry.ErrCodeManifestInvalid, "invalid JSON", nil)
		return
	}
	// The document's mediaType, if present, must match Content-Type.
	if mt, ok := doc["mediaType"].(string); ok && mt != mediaType {
		registry.WriteError(w, http.StatusBadRequest, registry.ErrCodeManifestInvalid,
			"manifest mediaType does not match Content-Type header", nil)
		return
	}

	d, err := s.storage.putManifest(repo, ref, data, mediaType)
	if err != nil {
		code := registry.ErrCodeManifestInvalid
		if errors.Is(err, ErrDigestMismatch) {
			code = registry.ErrCodeDigestInvalid
		}
		registry.WriteError(w, http.StatusBadRequest, code, err.Error(), nil)
		return
	}
	w.Header().Set("Docker-Content-Digest", string(d))
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/manifests/%s", repo, d))
	w.WriteHeader(http.StatusCreated)
}

// handleBlob handles blob operations.
func (s *Server) handleBlob(w http.ResponseWriter, req *http.Request, repo, ref string) {
	d, err := reference.ParseDigest(ref)
	if err != nil {
		registry.WriteError(w, http.StatusBadRequest, registry.ErrCodeDigestInvalid, "invalid digest", nil)
		return
	}
	switch req.Method {
	case http.MethodGet:
		n := s.inflight.Add(1)
		defer s.inflight.Add(-1)
		for {
			peak := s.maxInflight.Load()
			if n <= peak || s.maxInflight.CompareAndSwap(peak, n) {
				break
			}
		}
		if s.opts.BlobDelay > 0 {
			select {
			case <-time.After(s.opts.BlobDelay):
			case <-req.Context().Done():
				return
			}
		}
		fallthrough
	case http.MethodHead:
		data, err := s.storage.getBlob(d)
		if err != nil {
			registry.WriteError(w, http.StatusNotFound, registry.ErrCodeBlobUnknown, "blob not found", nil)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Docker-Content-Digest", string(d))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		if req.Method == http.MethodGet {
			w.Write(data)
		}
	case http.MethodDelete:
		if err := s.storage.deleteBlob(d); err != nil {
			registry.WriteError(w, http.StatusNotFound, registry.ErrCodeBlobUnknown, "blob not found", nil)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		registry.WriteError(w, http.StatusMethodNotAllowed, registry.ErrCodeUnsupported, "method not allowed", nil)
	}
}

// uploadLocation is the session URL handed to the client. The state
// parameter changes on every response so clients that fail to follow
// Location are caught.
func uploadLocation(repo string, st UploadState) string {
	return fmt.Sprintf("/v2/%s/blobs/uploads/%s?_state=%d", repo, st.UUID, st.Written)
}

func setUploadHeaders(w http.ResponseWriter, repo string, st UploadState) {
	w.Header().Set("Location", uploadLocation(repo, st))
	w.Header().Set("Docker-Upload-UUID", st.UUID)
	if st.Written > 0 {
		w.Header().Set("Range", fmt.Sprintf("0-%d", st.Written-1))
	} else {
		w.Header().Set("Range", "0-0")
	}
}

// handleBlobUploadInitiate initiates a blob upload.
func (s *Server) handleBlobUploadInitiate(w http.ResponseWriter, req *http.Request, repo string) {
	if req.Method != http.MethodPost {
		registry.WriteError(w, http.StatusMethodNotAllowed, registry.ErrCodeUnsupported, "method not allowed", nil)
		return
	}
	// Cross-repository mount: storage is shared, so any known blob mounts.
	if mount := req.URL.Query().Get("mount"); mount != "" {
		if d, err := reference.ParseDigest(mount); err == nil {
			if _, err := s.storage.getBlob(d); err == nil {
				w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repo, d))
				w.Header().Set("Docker-Content-Digest", string(d))
				w.WriteHeader(http.StatusCreated)
				return
			}
		}
	}
	setUploadHeaders(w, repo, s.storage.newUpload())
	w.WriteHeader(http.StatusAccepted)
}

// handleBlobUpload handles an ongoing blob upload.
func (s *Server) handleBlobUpload(w http.ResponseWriter, req *http.Request, repo, id string) {
	switch req.Method {
	case http.MethodPatch:
		start := int64(-1)
		if cr := req.Header.Get("Content-Range"); cr != "" {
			r, err := registry.ParseByteRange(cr)
			if err != nil {
				registry.WriteError(w, http.StatusBadRequest, registry.ErrCodeBlobUploadInvalid, err.Error(), nil)
				return
			}
			start = r.Start
		}
		st, err := s.storage.copyChunk(id, start, req.Body)
		switch {
		case errors.Is(err, ErrUploadNotFound):
			registry.WriteError(w, http.StatusNotFound, registry.ErrCodeBlobUploadUnknown, "upload not found", nil)
			return
		case errors.Is(err, ErrRangeMismatch):
			setUploadHeaders(w, repo, st)
			registry.WriteError(w, http.StatusRequestedRangeNotSatisfiable, registry.ErrCodeBlobUploadInvalid, err.Error(), nil)
			return
		case err != nil:
			registry.WriteError(w, http.StatusInternalServerError, registry.ErrCodeBlobUploadInvalid, err.Error(), nil)
			return
		}
		setUploadHeaders(w, repo, st)
		w.WriteHeader(http.StatusAccepted)
	case http.MethodPut:
		d, err := reference.ParseDigest(req.URL.Query().Get("digest"))
		if err != nil {
			registry.WriteError(w, http.StatusBadRequest, registry.ErrCodeDigestInvalid, "digest parameter required", nil)
			return
		}
		if _, err := s.storage.copyChunk(id, -1, req.Body); err != nil {
			registry.WriteError(w, http.StatusNotFound, registry.ErrCodeBlobUploadUnknown, err.Error(), nil)
			return
		}
		got, err := s.storage.completeUpload(id, d)
		if err != nil {
			registry.WriteError(w, http.StatusBadRequest, registry.ErrCodeDigestInvalid, err.Error(), nil)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repo, got))
		w.Header().Set("Docker-Content-Digest", string(got))
		w.WriteHeader(http.StatusCreated)
	case http.MethodGet:
		st, err := s.storage.getUpload(id)
		if err != nil {
			registry.WriteError(w, http.StatusNotFound, registry.ErrCodeBlobUploadUnknown, "upload not found", nil)
			return
		}
		setUploadHeaders(w, repo, st)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := s.storage.abortUpload(id); err != nil {
			registry.WriteError(w, http.StatusNotFound, registry.ErrCodeBlobUploadUnknown, "upload not found", nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		registry.WriteError(w, http.StatusMethodNotAllowed, registry.ErrCodeUnsupported, "method not allowed", nil)
	}
}
