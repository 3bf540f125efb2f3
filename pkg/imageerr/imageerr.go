// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package imageerr defines the errors raised by whole-image operations:
// archive encoding and decoding, platform resolution, push and pull.
package imageerr

import (
	"errors"
	"fmt"

	"github.com/yeetrun/ferry/pkg/manifest"
)

// Kind classifies an Error.
type Kind int

const (
	KindCorruptArchive Kind = iota + 1
	KindInvalidState
	KindPlatformNotMatching
	KindUnexpected
)

func (k Kind) String() string {
	switch k {
	case KindCorruptArchive:
		return "corrupt archive"
	case KindInvalidState:
		return "invalid state"
	case KindPlatformNotMatching:
		return "platform not matching"
	case KindUnexpected:
		return "unexpected error"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Sentinels for errors.Is. They match any Error of the same kind.
var (
	ErrCorruptArchive      = &Error{Kind: KindCorruptArchive}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrPlatformNotMatching = &Error{Kind: KindPlatformNotMatching}
	ErrUnexpected          = &Error{Kind: KindUnexpected}
)

// Error is an image-level failure.
type Error struct {
	Kind    Kind
	Message string
	// Platform is the detected host platform for KindPlatformNotMatching.
	Platform manifest.Platform
	Cause    error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Kind == KindPlatformNotMatching {
		s += " (host " + e.Platform.String() + ")"
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error of the same kind with no message,
// which is how the sentinels are shaped.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Cause == nil
}

// CorruptArchive reports an archive missing a mandatory file or blob.
func CorruptArchive(format string, args ...any) error {
	return &Error{Kind: KindCorruptArchive, Message: fmt.Sprintf(format, args...)}
}

// InvalidState reports a broken internal contract.
func InvalidState(format string, args ...any) error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

// PlatformNotMatching reports that nothing in a list matched host.
func PlatformNotMatching(host manifest.Platform) error {
	return &Error{Kind: KindPlatformNotMatching, Message: "no manifest matches host platform", Platform: host}
}

// Unexpected wraps cause.
func Unexpected(cause error) error {
	return &Error{Kind: KindUnexpected, Cause: cause}
}

// IsImageError reports whether err is, or wraps, an *Error.
func IsImageError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
