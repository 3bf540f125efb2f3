// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Credentials authenticate against a registry and its token service.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) basic() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.Username+":"+c.Password))
}

// challenge is a parsed WWW-Authenticate header.
type challenge struct {
	Scheme string            // lowercase
	Params map[string]string // lowercase keys
}

// parseChallenge parses a single RFC 7235 challenge, e.g.
//
//	Bearer realm="https://auth/token",service="registry",scope="repository:x:pull"
func parseChallenge(h string) (challenge, error) {
	h = strings.TrimSpace(h)
	if h == "" {
		return challenge{}, errors.New("empty challenge")
	}
	scheme, rest, _ := strings.Cut(h, " ")
	ch := challenge{Scheme: strings.ToLower(scheme), Params: map[string]string{}}
	rest = strings.TrimSpace(rest)
	for rest != "" {
		rest = strings.TrimLeft(rest, " ,")
		if rest == "" {
			break
		}
		key, after, ok := strings.Cut(rest, "=")
		if !ok {
			return challenge{}, fmt.Errorf("malformed challenge parameter %q", rest)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		after = strings.TrimLeft(after, " ")
		var val string
		if strings.HasPrefix(after, `"`) {
			var sb strings.Builder
			i := 1
			for ; i < len(after); i++ {
				c := after[i]
				if c == '\\' && i+1 < len(after) {
					i++
					sb.WriteByte(after[i])
					continue
				}
				if c == '"' {
					break
				}
				sb.WriteByte(c)
			}
			if i >= len(after) {
				return challenge{}, fmt.Errorf("unterminated quoted value for %q", key)
			}
			val, rest = sb.String(), after[i+1:]
		} else {
			val, rest, _ = strings.Cut(after, ",")
			val = strings.TrimSpace(val)
		}
		ch.Params[key] = val
	}
	return ch, nil
}

// tokenKey identifies a bearer token by what it was issued for.
type tokenKey struct {
	realm   string
	service string
	scope   string
}

type bearerToken struct {
	value   string
	expires time.Time
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// defaultTokenLifetime applies when the token service omits expires_in.
const defaultTokenLifetime = 60 * time.Second

// newRequest builds a request whose body can be replayed. Bodies that can
// be re-read are re-read; anything else is buffered up front.
func newRequest(ctx context.Context, method, u string, body io.Reader, size int64) (*http.Request, error) {
	type readSeekerAt interface {
		io.ReaderAt
		io.Seeker
	}
	switch b := body.(type) {
	case nil, *bytes.Reader, *bytes.Buffer, *strings.Reader:
		return http.NewRequestWithContext(ctx, method, u, body)
	case readSeekerAt:
		if size < 0 {
			break
		}
		start, err := b.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, err
		}
		section := func() io.ReadCloser {
			return io.NopCloser(io.NewSectionReader(b, start, size))
		}
		req, err := http.NewRequestWithContext(ctx, method, u, section())
		if err != nil {
			return nil, err
		}
		req.ContentLength = size
		req.GetBody = func() (io.ReadCloser, error) { return section(), nil }
		return req, nil
	case io.ReadSeeker:
		start, err := b.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, method, u, io.NopCloser(b))
		if err != nil {
			return nil, err
		}
		if size >= 0 {
			req.ContentLength = size
		}
		req.GetBody = func() (io.ReadCloser, error) {
			if _, err := b.Seek(start, io.SeekStart); err != nil {
				return nil, err
			}
			return io.NopCloser(b), nil
		}
		return req, nil
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	return http.NewRequestWithContext(ctx, method, u, bytes.NewReader(data))
}

// do sends req, answering at most one authentication challenge. A cached
// bearer token for the request's repository is presented up front. The
// response to the retried request is returned whatever its status.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	repo := repoOf(req.URL.Path)
	if tok, ok := c.cachedToken(repo); ok {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	c.vlogf("%s %s", req.Method, redactURL(req.URL.String()))
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, networkError(req, err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	h := resp.Header.Get("WWW-Authenticate")
	if h == "" {
		return resp, nil
	}
	ch, err := parseChallenge(h)
	if err != nil {
		resp.Body.Close()
		return nil, challengeError(req, err.Error())
	}

	var authz string
	switch ch.Scheme {
	case "basic":
		if c.creds == nil {
			return resp, nil
		}
		c.logf("registry: basic auth challenge from %s", req.URL.Host)
		authz = c.creds.basic()
	case "bearer":
		realm := ch.Params["realm"]
		if realm == "" {
			resp.Body.Close()
			return nil, challengeError(req, "bearer challenge has no realm")
		}
		key := tokenKey{realm: realm, service: ch.Params["service"], scope: ch.Params["scope"]}
		c.logf("registry: bearer auth challenge realm=%q service=%q scope=%q", key.realm, key.service, key.scope)
		tok, err := c.fetchToken(req.Context(), key)
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
		if repo != "" {
			c.scopes.Store(repo, key)
		}
		authz = "Bearer " + tok
	default:
		return resp, nil
	}

	retry, err := replay(req)
	if err != nil {
		resp.Body.Close()
		return nil, networkError(req, err)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	retry.Header.Set("Authorization", authz)
	c.vlogf("%s %s (retry)", retry.Method, redactURL(retry.URL.String()))
	resp, err = c.hc.Do(retry)
	if err != nil {
		return nil, networkError(retry, err)
	}
	return resp, nil
}

// replay clones req with a fresh copy of its body.
func replay(req *http.Request) (*http.Request, error) {
	r2 := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return r2, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewind request body: %w", err)
	}
	r2.Body = body
	return r2, nil
}

func (c *Client) cachedToken(repo string) (string, bool) {
	if repo == "" {
		return "", false
	}
	key, ok := c.scopes.Load(repo)
	if !ok {
		return "", false
	}
	tok, ok := c.tokens.Load(key)
	if !ok || time.Now().After(tok.expires) {
		return "", false
	}
	return tok.value, true
}

// fetchToken asks the token service for a token and caches it.
func (c *Client) fetchToken(ctx context.Context, key tokenKey) (string, error) {
	u, err := url.Parse(key.realm)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", &Error{Kind: KindChallengeHeader, URL: key.realm, Message: "invalid realm"}
	}
	q := u.Query()
	if key.service != "" {
		q.Set("service", key.service)
	}
	for _, s := range strings.Fields(key.scope) {
		q.Add("scope", s)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", &Error{Kind: KindBearer, URL: key.realm, Cause: err}
	}
	if c.creds != nil {
		req.SetBasicAuth(c.creds.Username, c.creds.Password)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", &Error{Kind: KindBearer, Method: req.Method, URL: key.realm, Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		e := statusError(resp)
		e.Kind = KindBearer
		return "", e
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", jsonError(resp, err)
	}
	tok := tr.Token
	if tok == "" {
		tok = tr.AccessToken
	}
	if tok == "" {
		return "", jsonError(resp, errors.New("token response carries no token"))
	}
	life := defaultTokenLifetime
	if tr.ExpiresIn > 0 {
		life = time.Duration(tr.ExpiresIn) * time.Second
	}
	c.tokens.Store(key, bearerToken{value: tok, expires: time.Now().Add(life)})
	return tok, nil
}

func repoOf(p string) string {
	rp, err := ParseRegistryPath(p)
	if err != nil {
		return ""
	}
	return rp.Repo
}

func networkError(req *http.Request, err error) *Error {
	return &Error{Kind: KindNetwork, Method: req.Method, URL: redactURL(req.URL.String()), Cause: err}
}

func challengeError(req *http.Request, msg string) *Error {
	return &Error{Kind: KindChallengeHeader, Method: req.Method, URL: redactURL(req.URL.String()), Message: msg}
}
