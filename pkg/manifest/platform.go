// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package manifest

import (
	"runtime"

	"tailscale.com/types/lazy"
)

// OS is the enumerated operating system of an image.
type OS string

const (
	OSLinux   OS = "linux"
	OSWindows OS = "windows"
	OSUnknown OS = "unknown"
)

// ParseOS maps an OS string onto the enumeration. Anything unrecognized is
// OSUnknown.
func ParseOS(s string) OS {
	switch OS(s) {
	case OSLinux, OSWindows:
		return OS(s)
	}
	return OSUnknown
}

// Arch is the enumerated CPU architecture of an image.
type Arch string

const (
	Arch386      Arch = "386"
	ArchAMD64    Arch = "amd64"
	ArchARM      Arch = "arm"
	ArchARM64    Arch = "arm64"
	ArchPPC64LE  Arch = "ppc64le"
	ArchS390X    Arch = "s390x"
	ArchRISCV64  Arch = "riscv64"
	ArchMIPS64LE Arch = "mips64le"
	ArchLoong64  Arch = "loong64"
	ArchUnknown  Arch = "unknown"
)

// ParseArch maps an architecture string onto the enumeration. Anything
// unrecognized is ArchUnknown.
func ParseArch(s string) Arch {
	switch Arch(s) {
	case Arch386, ArchAMD64, ArchARM, ArchARM64, ArchPPC64LE, ArchS390X, ArchRISCV64, ArchMIPS64LE, ArchLoong64:
		return Arch(s)
	}
	return ArchUnknown
}

// Platform describes where an image runs. The string fields are kept
// verbatim so a list round-trips unchanged; use Key for comparisons.
type Platform struct {
	Architecture string   `json:"architecture"`
	OS           string   `json:"os"`
	OSVersion    string   `json:"os.version,omitempty"`
	OSFeatures   []string `json:"os.features,omitempty"`
	Variant      string   `json:"variant,omitempty"`
	Features     []string `json:"features,omitempty"`
}

// Key returns the enumerated (os, arch) pair.
func (p Platform) Key() (OS, Arch) {
	return ParseOS(p.OS), ParseArch(p.Architecture)
}

// Known reports whether both the OS and architecture are recognized.
func (p Platform) Known() bool {
	os, arch := p.Key()
	return os != OSUnknown && arch != ArchUnknown
}

// Matches reports whether p and o have the same (os, arch) pair.
func (p Platform) Matches(o Platform) bool {
	pos, parch := p.Key()
	oos, oarch := o.Key()
	return pos == oos && parch == oarch
}

func (p Platform) String() string {
	os, arch := p.Key()
	s := string(os) + "/" + string(arch)
	if p.Variant != "" {
		s += "/" + p.Variant
	}
	return s
}

var host lazy.SyncValue[Platform]

// HostPlatform returns the platform images should be selected for on this
// machine. It is computed once.
func HostPlatform() Platform {
	return host.Get(func() Platform {
		return platformFor(runtime.GOOS, runtime.GOARCH)
	})
}

// platformFor maps Go's GOOS/GOARCH onto the image platform. macOS runs
// Linux containers, so darwin maps to linux.
func platformFor(goos, goarch string) Platform {
	var os OS
	switch goos {
	case "linux", "darwin":
		os = OSLinux
	case "windows":
		os = OSWindows
	default:
		os = OSUnknown
	}
	return Platform{OS: string(os), Architecture: string(ParseArch(goarch))}
}
