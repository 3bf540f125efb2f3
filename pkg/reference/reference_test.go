// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reference

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseDigest(t *testing.T) {
	hex64 := strings.Repeat("ab", 32)
	tests := []struct {
		in   string
		want bool
	}{
		{"sha256:" + hex64, true},
		{"sha256:" + strings.Repeat("A", 32), true},
		{"sha256:" + strings.Repeat("0", 31), false},
		{"sha512:" + hex64, false},
		{"sha256:" + strings.Repeat("g", 40), false},
		{hex64, false},
		{"", false},
		{"sha256:" + hex64 + " ", false},
	}
	for _, tt := range tests {
		_, err := ParseDigest(tt.in)
		if got := err == nil; got != tt.want {
			t.Errorf("ParseDigest(%q) ok = %v, want %v (err=%v)", tt.in, got, tt.want, err)
		}
		if err != nil && !errors.Is(err, ErrInvalidDigest) {
			t.Errorf("ParseDigest(%q) err = %v, want ErrInvalidDigest", tt.in, err)
		}
	}
}

func TestDigestHex(t *testing.T) {
	d := FromBytes([]byte("hello"))
	if got, want := d.Hex(), "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"; got != want {
		t.Fatalf("Hex() = %q, want %q", got, want)
	}
	if d.OCI().Validate() != nil {
		t.Fatalf("OCI digest %q does not validate", d)
	}
}

func TestTagOrdering(t *testing.T) {
	tags := []Tag{"v2", Latest, "1.0", "v10", "alpha"}
	slices.SortFunc(tags, Tag.Compare)
	want := []Tag{"1.0", "alpha", "v10", "v2", Latest}
	if diff := cmp.Diff(want, tags); diff != "" {
		t.Fatalf("sorted tags mismatch (-want +got):\n%s", diff)
	}
	if Latest.Compare(Latest) != 0 {
		t.Fatalf("Latest.Compare(Latest) != 0")
	}
	if Tag("zzzz").Compare(Latest) >= 0 {
		t.Fatalf("zzzz should sort before latest")
	}
}

func TestParseTag(t *testing.T) {
	for _, ok := range []string{"latest", "v1.2.3", "_x", "a-b.c", strings.Repeat("a", 128)} {
		if _, err := ParseTag(ok); err != nil {
			t.Errorf("ParseTag(%q) = %v, want nil", ok, err)
		}
	}
	for _, bad := range []string{"", ".a", "-a", "a:b", strings.Repeat("a", 129)} {
		if _, err := ParseTag(bad); err == nil {
			t.Errorf("ParseTag(%q) succeeded, want error", bad)
		}
	}
}

func TestParseImage(t *testing.T) {
	d := "sha256:" + strings.Repeat("cd", 32)
	tests := []struct {
		in      string
		want    string
		kind    Kind
		wantErr bool
	}{
		{in: "alpine", want: "alpine:latest", kind: KindTag},
		{in: "library/alpine:3.20", want: "library/alpine:3.20", kind: KindTag},
		{in: "team/app@" + d, want: "team/app@" + d, kind: KindDigest},
		{in: "Upper/case", wantErr: true},
		{in: "app@sha256:zz", wantErr: true},
		{in: "app:bad tag", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			img, err := ParseImage(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseImage(%q) = %v, want error", tt.in, img)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseImage(%q): %v", tt.in, err)
			}
			if got := img.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
			if img.Reference.Kind() != tt.kind {
				t.Errorf("Kind() = %v, want %v", img.Reference.Kind(), tt.kind)
			}
		})
	}
}

func TestReferenceSeparator(t *testing.T) {
	if TagRef("v1").Separator() != ':' {
		t.Errorf("tag separator should be ':'")
	}
	if DigestRef(FromBytes(nil)).Separator() != '@' {
		t.Errorf("digest separator should be '@'")
	}
	if !(Reference{}).IsZero() {
		t.Errorf("zero Reference should report IsZero")
	}
}
