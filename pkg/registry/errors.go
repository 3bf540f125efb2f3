// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Error codes defined by OCI Distribution Specification
const (
	// ErrCodeBlobUnknown indicates blob is unknown to the registry
	ErrCodeBlobUnknown = "BLOB_UNKNOWN"
	// ErrCodeBlobUploadInvalid indicates blob upload is invalid
	ErrCodeBlobUploadInvalid = "BLOB_UPLOAD_INVALID"
	// ErrCodeBlobUploadUnknown indicates blob upload session is unknown
	ErrCodeBlobUploadUnknown = "BLOB_UPLOAD_UNKNOWN"
	// ErrCodeDigestInvalid indicates provided digest did not match uploaded content
	ErrCodeDigestInvalid = "DIGEST_INVALID"
	// ErrCodeManifestBlobUnknown indicates blob unknown to registry
	ErrCodeManifestBlobUnknown = "MANIFEST_BLOB_UNKNOWN"
	// ErrCodeManifestInvalid indicates manifest is invalid
	ErrCodeManifestInvalid = "MANIFEST_INVALID"
	// ErrCodeManifestUnknown indicates manifest is unknown
	ErrCodeManifestUnknown = "MANIFEST_UNKNOWN"
	// ErrCodeNameInvalid indicates invalid repository name
	ErrCodeNameInvalid = "NAME_INVALID"
	// ErrCodeNameUnknown indicates repository name not known
	ErrCodeNameUnknown = "NAME_UNKNOWN"
	// ErrCodeSizeInvalid indicates provided length did not match content length
	ErrCodeSizeInvalid = "SIZE_INVALID"
	// ErrCodeUnauthorized indicates authentication required
	ErrCodeUnauthorized = "UNAUTHORIZED"
	// ErrCodeDenied indicates requested access denied
	ErrCodeDenied = "DENIED"
	// ErrCodeUnsupported indicates operation is unsupported
	ErrCodeUnsupported = "UNSUPPORTED"
	// ErrCodeTooManyRequests indicates too many requests
	ErrCodeTooManyRequests = "TOOMANYREQUESTS"
)

// ErrorDescriptor represents an OCI registry error.
type ErrorDescriptor struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

// ErrorResponse represents the OCI-compliant error response format.
type ErrorResponse struct {
	Errors []ErrorDescriptor `json:"errors"`
}

// WriteError writes an OCI-compliant error response.
func WriteError(w http.ResponseWriter, statusCode int, code, message string, detail any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Errors: []ErrorDescriptor{{Code: code, Message: message, Detail: detail}},
	})
}

// Error implements the error interface.
func (e ErrorDescriptor) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Kind classifies a registry API failure.
type Kind int

const (
	// KindNetwork means no response was received.
	KindNetwork Kind = iota + 1
	// KindHeaderMissing means a response lacked a header the protocol
	// requires, such as Docker-Content-Digest or Location.
	KindHeaderMissing
	// KindJSON means a response body did not decode into the expected shape.
	KindJSON
	KindBadRequest          // 400
	KindAuthentication      // 401
	KindAuthorization       // 403
	KindNotFound            // 404
	KindMethodNotAllowed    // 405
	KindRangeNotSatisfiable // 416
	KindTooManyRequests     // 429
	// KindUnexpectedServer covers every other non-success status.
	KindUnexpectedServer
	// KindChallengeHeader means a WWW-Authenticate header was unusable.
	KindChallengeHeader
	// KindBearer means the token endpoint failed.
	KindBearer
	// KindDigestMismatch means content did not hash to its digest.
	KindDigestMismatch
)

var kindNames = map[Kind]string{
	KindNetwork:             "network error",
	KindHeaderMissing:       "missing response header",
	KindJSON:                "malformed response body",
	KindBadRequest:          "bad request",
	KindAuthentication:      "authentication required",
	KindAuthorization:       "access denied",
	KindNotFound:            "not found",
	KindMethodNotAllowed:    "method not allowed",
	KindRangeNotSatisfiable: "range not satisfiable",
	KindTooManyRequests:     "too many requests",
	KindUnexpectedServer:    "unexpected server response",
	KindChallengeHeader:     "invalid auth challenge",
	KindBearer:              "bearer token request failed",
	KindDigestMismatch:      "digest mismatch",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Sentinels for errors.Is, one per kind.
var (
	ErrNetwork             = sentinel(KindNetwork)
	ErrHeaderMissing       = sentinel(KindHeaderMissing)
	ErrJSON                = sentinel(KindJSON)
	ErrBadRequest          = sentinel(KindBadRequest)
	ErrAuthentication      = sentinel(KindAuthentication)
	ErrAuthorization       = sentinel(KindAuthorization)
	ErrNotFound            = sentinel(KindNotFound)
	ErrMethodNotAllowed    = sentinel(KindMethodNotAllowed)
	ErrRangeNotSatisfiable = sentinel(KindRangeNotSatisfiable)
	ErrTooManyRequests     = sentinel(KindTooManyRequests)
	ErrUnexpectedServer    = sentinel(KindUnexpectedServer)
	ErrChallengeHeader     = sentinel(KindChallengeHeader)
	ErrBearer              = sentinel(KindBearer)
	ErrDigestMismatch      = sentinel(KindDigestMismatch)
)

func sentinel(k Kind) *Error { return &Error{Kind: k, sentinel: true} }

// Error is returned by every Client operation. Transport and decoding
// failures never escape a Client unwrapped.
type Error struct {
	Kind Kind
	// Method and URL identify the request that failed.
	Method string
	URL    string
	// StatusCode is zero when no response was received.
	StatusCode int
	// Header names the missing header for KindHeaderMissing.
	Header string
	// Response is the registry's structured error body, if it sent one.
	Response *ErrorResponse
	Message  string
	Cause    error

	sentinel bool
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("registry: ")
	if e.Method != "" {
		fmt.Fprintf(&sb, "%s %s: ", e.Method, e.URL)
	}
	sb.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, " (%d)", e.StatusCode)
	}
	if e.Header != "" {
		fmt.Fprintf(&sb, " %s", e.Header)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Response != nil {
		for _, d := range e.Response.Errors {
			sb.WriteString("; ")
			sb.WriteString(d.Error())
		}
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches the per-kind sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.sentinel && t.Kind == e.Kind
}

// HasCode reports whether the registry's error body carries code.
func (e *Error) HasCode(code string) bool {
	if e.Response == nil {
		return false
	}
	for _, d := range e.Response.Errors {
		if d.Code == code {
			return true
		}
	}
	return false
}

func kindForStatus(code int) Kind {
	switch code {
	case http.StatusBadRequest:
		return KindBadRequest
	case http.StatusUnauthorized:
		return KindAuthentication
	case http.StatusForbidden:
		return KindAuthorization
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusMethodNotAllowed:
		return KindMethodNotAllowed
	case http.StatusRequestedRangeNotSatisfiable:
		return KindRangeNotSatisfiable
	case http.StatusTooManyRequests:
		return KindTooManyRequests
	}
	return KindUnexpectedServer
}

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// statusError consumes and closes resp.Body and returns the error for its
// status. A parseable OCI error body is attached.
func statusError(resp *http.Response) *Error {
	defer resp.Body.Close()
	e := &Error{
		Kind:       kindForStatus(resp.StatusCode),
		Method:     resp.Request.Method,
		URL:        redactURL(resp.Request.URL.String()),
		StatusCode: resp.StatusCode,
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if len(body) > 0 {
		var er ErrorResponse
		if json.Unmarshal(body, &er) == nil && len(er.Errors) > 0 {
			e.Response = &er
		}
	}
	return e
}

func headerMissing(resp *http.Response, header string) *Error {
	return &Error{
		Kind:       KindHeaderMissing,
		Method:     resp.Request.Method,
		URL:        redactURL(resp.Request.URL.String()),
		StatusCode: resp.StatusCode,
		Header:     header,
	}
}

func jsonError(resp *http.Response, err error) *Error {
	return &Error{
		Kind:       KindJSON,
		Method:     resp.Request.Method,
		URL:        redactURL(resp.Request.URL.String()),
		StatusCode: resp.StatusCode,
		Cause:      err,
	}
}

// redactURL drops query parameters, which may carry upload state tokens.
func redactURL(s string) string {
	if i := strings.IndexByte(s, '?'); i >= 0 {
		return s[:i]
	}
	return s
}
