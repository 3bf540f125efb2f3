// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package reference holds the validated identifiers used to address content
// in a registry: digests, tags, references and repository names.
package reference

import (
	_ "crypto/sha256"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"
)

var (
	digestRe = regexp.MustCompile(`^sha256:[0-9a-fA-F]{32,}$`)
	tagRe    = regexp.MustCompile(`^\w[\w.-]{0,127}$`)
	// Path components are lowercase alphanumerics joined by separators, as
	// in the distribution grammar.
	repoRe = regexp.MustCompile(`^[a-z0-9]+(?:(?:[._]|__|-+)[a-z0-9]+)*(?:/[a-z0-9]+(?:(?:[._]|__|-+)[a-z0-9]+)*)*$`)
)

var (
	ErrInvalidDigest     = errors.New("invalid digest")
	ErrInvalidTag        = errors.New("invalid tag")
	ErrInvalidRepository = errors.New("invalid repository")
)

// Digest is a content hash of the form sha256:<hex>.
type Digest string

// ParseDigest validates s and returns it as a Digest. Abbreviated digests of
// 32 or more hex characters are accepted for addressing, but content can only
// be verified against a full 64 character sum.
func ParseDigest(s string) (Digest, error) {
	if !digestRe.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDigest, s)
	}
	return Digest(s), nil
}

// MustDigest is like ParseDigest but panics on error. For tests and constants.
func MustDigest(s string) Digest {
	d, err := ParseDigest(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromBytes returns the sha256 digest of b.
func FromBytes(b []byte) Digest {
	return Digest(digest.FromBytes(b))
}

// FromOCI converts a go-digest value, validating it.
func FromOCI(d digest.Digest) (Digest, error) {
	return ParseDigest(d.String())
}

func (d Digest) String() string { return string(d) }

// Hex returns the encoded portion after the algorithm prefix.
func (d Digest) Hex() string {
	_, hex, _ := strings.Cut(string(d), ":")
	return hex
}

// OCI returns d as a go-digest value.
func (d Digest) OCI() digest.Digest { return digest.Digest(d) }

// Compare orders digests lexicographically.
func (d Digest) Compare(o Digest) int { return strings.Compare(string(d), string(o)) }

func (d Digest) MarshalText() ([]byte, error) { return []byte(d), nil }

// UnmarshalText validates the digest so that malformed JSON documents fail
// to decode.
func (d *Digest) UnmarshalText(b []byte) error {
	parsed, err := ParseDigest(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Tag is a mutable, human readable name for a manifest.
type Tag string

// Latest is the default tag. It sorts after every other tag.
const Latest Tag = "latest"

// ParseTag validates s and returns it as a Tag.
func ParseTag(s string) (Tag, error) {
	if !tagRe.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTag, s)
	}
	return Tag(s), nil
}

func (t Tag) String() string { return string(t) }

// Compare orders tags lexicographically, except that Latest is greater than
// any other tag.
func (t Tag) Compare(o Tag) int {
	switch {
	case t == Latest && o == Latest:
		return 0
	case t == Latest:
		return 1
	case o == Latest:
		return -1
	}
	return strings.Compare(string(t), string(o))
}

// Repository is a lowercase, slash separated repository name.
type Repository string

// ParseRepository validates s and returns it as a Repository.
func ParseRepository(s string) (Repository, error) {
	if len(s) > 255 || !repoRe.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRepository, s)
	}
	return Repository(s), nil
}

func (r Repository) String() string { return string(r) }

// Kind discriminates the variants of a Reference.
type Kind uint8

const (
	KindTag Kind = iota + 1
	KindDigest
)

func (k Kind) String() string {
	switch k {
	case KindTag:
		return "tag"
	case KindDigest:
		return "digest"
	default:
		return "unknown"
	}
}

// Reference names a manifest within a repository, either by Tag or by
// Digest. The zero value is invalid.
type Reference struct {
	kind   Kind
	tag    Tag
	digest Digest
}

// TagRef returns a Reference to t.
func TagRef(t Tag) Reference { return Reference{kind: KindTag, tag: t} }

// DigestRef returns a Reference to d.
func DigestRef(d Digest) Reference { return Reference{kind: KindDigest, digest: d} }

// Parse parses s as a digest if it carries an algorithm prefix, else as a tag.
func Parse(s string) (Reference, error) {
	if strings.Contains(s, ":") {
		d, err := ParseDigest(s)
		if err != nil {
			return Reference{}, err
		}
		return DigestRef(d), nil
	}
	t, err := ParseTag(s)
	if err != nil {
		return Reference{}, err
	}
	return TagRef(t), nil
}

func (r Reference) Kind() Kind { return r.kind }

// IsZero reports whether r is the zero Reference.
func (r Reference) IsZero() bool { return r.kind == 0 }

// Tag returns the tag and true if r is a tag reference.
func (r Reference) Tag() (Tag, bool) { return r.tag, r.kind == KindTag }

// Digest returns the digest and true if r is a digest reference.
func (r Reference) Digest() (Digest, bool) { return r.digest, r.kind == KindDigest }

// Separator is the character placed between a repository and r when
// rendering a full image name.
func (r Reference) Separator() byte {
	if r.kind == KindDigest {
		return '@'
	}
	return ':'
}

func (r Reference) String() string {
	switch r.kind {
	case KindTag:
		return string(r.tag)
	case KindDigest:
		return string(r.digest)
	}
	return ""
}

// Image is a repository plus a reference, e.g. library/alpine:3.20.
type Image struct {
	Repository Repository
	Reference  Reference
}

// ParseImage parses "repo", "repo:tag" or "repo@sha256:...". A missing
// reference defaults to Latest.
func ParseImage(s string) (Image, error) {
	repo, ref := s, ""
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		repo, ref = s[:i], s[i+1:]
		d, err := ParseDigest(ref)
		if err != nil {
			return Image{}, err
		}
		r, err := ParseRepository(repo)
		if err != nil {
			return Image{}, err
		}
		return Image{Repository: r, Reference: DigestRef(d)}, nil
	}
	// A colon after the last slash separates the tag.
	if i := strings.LastIndexByte(s, ':'); i > strings.LastIndexByte(s, '/') {
		repo, ref = s[:i], s[i+1:]
	}
	r, err := ParseRepository(repo)
	if err != nil {
		return Image{}, err
	}
	t := Latest
	if ref != "" {
		if t, err = ParseTag(ref); err != nil {
			return Image{}, err
		}
	}
	return Image{Repository: r, Reference: TagRef(t)}, nil
}

func (i Image) String() string {
	return string(i.Repository) + string(i.Reference.Separator()) + i.Reference.String()
}
