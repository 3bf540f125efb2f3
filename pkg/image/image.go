// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package image pushes image archives to a registry and pulls images from
// a registry into archives.
//
// Errors returned by this package are either *registry.Error,
// *imageerr.Error, or an imageerr.Unexpected wrapping anything else.
package image

import (
	"errors"
	"log"
	"os"

	"github.com/yeetrun/ferry/pkg/imageerr"
	"github.com/yeetrun/ferry/pkg/registry"
	"github.com/yeetrun/ferry/pkg/transfer"
	"tailscale.com/types/logger"
)

// Options configures an Uploader or Downloader.
type Options struct {
	// Concurrency bounds in-flight blob transfers. Zero means
	// transfer.DefaultConcurrency.
	Concurrency int
	// Mode is how blobs are uploaded.
	Mode transfer.Mode
	// TempDir is where blobs are staged. Empty means os.TempDir().
	TempDir string
	// Progress, if set, counts transferred bytes.
	Progress *transfer.Progress
	Logf     logger.Logf
}

func (o Options) logf() logger.Logf {
	if o.Logf == nil {
		return log.Printf
	}
	return o.Logf
}

func (o Options) engine(c *registry.Client) *transfer.Engine {
	e := transfer.New(c)
	e.Concurrency = o.Concurrency
	e.Progress = o.Progress
	e.Logf = o.logf()
	return e
}

// wrap returns err unchanged if it is a registry or image error, and as an
// unexpected image error otherwise.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	var re *registry.Error
	if errors.As(err, &re) || imageerr.IsImageError(err) {
		return err
	}
	return imageerr.Unexpected(err)
}

// withTempDir runs f with a fresh directory under parent and removes the
// directory afterwards. Failing to remove it is logged.
func withTempDir(parent string, logf logger.Logf, f func(dir string) error) error {
	dir, err := os.MkdirTemp(parent, "ferry-")
	if err != nil {
		return err
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logf("image: failed to remove %s: %v", dir, err)
		}
	}()
	return f(dir)
}
