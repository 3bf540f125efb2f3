// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shayne/yargs"
	"github.com/yeetrun/ferry/pkg/compress"
	"github.com/yeetrun/ferry/pkg/fileutil"
	"github.com/yeetrun/ferry/pkg/image"
	"github.com/yeetrun/ferry/pkg/manifest"
	"github.com/yeetrun/ferry/pkg/reference"
	"github.com/yeetrun/ferry/pkg/registry"
	"github.com/yeetrun/ferry/pkg/resolver"
	"github.com/yeetrun/ferry/pkg/transfer"
)

type noFlags struct{}

// parseCommand strips the subcommand name from args, parses its flags and
// checks the positional argument count.
func parseCommand[T any](name string, args []string, want int, usage string) (T, []string, error) {
	var zero T
	if len(args) > 0 && args[0] == name {
		args = args[1:]
	}
	result, err := yargs.ParseFlags[T](args)
	if err != nil {
		return zero, nil, err
	}
	pos := append([]string{}, result.Args...)
	if len(result.RemainingArgs) > 0 {
		pos = append(pos, result.RemainingArgs...)
	}
	if len(pos) != want {
		return zero, nil, fmt.Errorf("usage: ferry %s %s", name, usage)
	}
	return result.Flags, pos, nil
}

func (a *app) handlePing(ctx context.Context, args []string) error {
	if _, _, err := parseCommand[noFlags]("ping", args, 0, ""); err != nil {
		return err
	}
	c, _, err := a.client()
	if err != nil {
		return err
	}
	if err := c.Ping(ctx); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s: ok\n", c.BaseURL())
	return nil
}

type listFlagsParsed struct {
	N int `flag:"n" help:"Page size requested from the registry"`
}

func (a *app) handleCatalog(ctx context.Context, args []string) error {
	flags, _, err := parseCommand[listFlagsParsed]("catalog", args, 0, "[--n=PAGE_SIZE]")
	if err != nil {
		return err
	}
	c, _, err := a.client()
	if err != nil {
		return err
	}
	page := registry.Page{N: flags.N}
	for {
		res, err := c.Catalog(ctx, page)
		if err != nil {
			return err
		}
		for _, r := range res.Repositories {
			fmt.Fprintln(a.stdout, r)
		}
		if res.Next == "" {
			return nil
		}
		page.Last = res.Next
	}
}

func (a *app) handleTags(ctx context.Context, args []string) error {
	flags, pos, err := parseCommand[listFlagsParsed]("tags", args, 1, "REPO [--n=PAGE_SIZE]")
	if err != nil {
		return err
	}
	repo, err := reference.ParseRepository(pos[0])
	if err != nil {
		return err
	}
	c, _, err := a.client()
	if err != nil {
		return err
	}
	page := registry.Page{N: flags.N}
	for {
		res, err := c.Tags(ctx, repo, page)
		if err != nil {
			return err
		}
		for _, t := range res.Tags {
			fmt.Fprintln(a.stdout, t)
		}
		if res.Next == "" {
			return nil
		}
		page.Last = res.Next
	}
}

// imageArg parses the single image reference a subcommand takes.
func imageArg[T any](name string, args []string) (T, reference.Image, error) {
	flags, pos, err := parseCommand[T](name, args, 1, "REPO[:TAG|@DIGEST]")
	if err != nil {
		return flags, reference.Image{}, err
	}
	img, err := reference.ParseImage(pos[0])
	return flags, img, err
}

func (a *app) handleDigest(ctx context.Context, args []string) error {
	_, img, err := imageArg[noFlags]("digest", args)
	if err != nil {
		return err
	}
	c, _, err := a.client()
	if err != nil {
		return err
	}
	d, err := c.Digest(ctx, img.Repository, img.Reference)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, d)
	return nil
}

func (a *app) printJSON(data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(a.stdout)
	return err
}

func (a *app) handleManifest(ctx context.Context, args []string) error {
	_, img, err := imageArg[noFlags]("manifest", args)
	if err != nil {
		return err
	}
	c, _, err := a.client()
	if err != nil {
		return err
	}
	m, err := c.Manifest(ctx, img.Repository, img.Reference)
	if err != nil {
		return err
	}
	data, err := m.Bytes()
	if err != nil {
		return err
	}
	return a.printJSON(data)
}

type configFlagsParsed struct {
	Platform string `flag:"platform" help:"Select OS/ARCH[/VARIANT] from a manifest list (default: this machine)"`
}

// parsePlatform parses "os/arch" or "os/arch/variant".
func parsePlatform(s string) (manifest.Platform, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 {
		return manifest.Platform{}, fmt.Errorf("invalid platform %q (want OS/ARCH[/VARIANT])", s)
	}
	p := manifest.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		p.Variant = parts[2]
	}
	if !p.Known() {
		return manifest.Platform{}, fmt.Errorf("unsupported platform %q", s)
	}
	return p, nil
}

func (a *app) handleConfig(ctx context.Context, args []string) error {
	flags, img, err := imageArg[configFlagsParsed]("config", args)
	if err != nil {
		return err
	}
	c, _, err := a.client()
	if err != nil {
		return err
	}
	r := resolver.New(c)
	if flags.Platform != "" {
		if r.Platform, err = parsePlatform(flags.Platform); err != nil {
			return err
		}
	}
	cfg, err := r.Config(ctx, img.Repository, img.Reference)
	if err != nil {
		return err
	}
	return a.printJSON(cfg.Bytes())
}

type pullFlagsParsed struct {
	Output   string `flag:"output" short:"o" help:"Archive path; - or empty writes to stdout"`
	Compress string `flag:"compress" help:"Compress the archive (gzip|zstd)"`
}

func (a *app) handlePull(ctx context.Context, args []string) error {
	flags, img, err := imageArg[pullFlagsParsed]("pull", args)
	if err != nil {
		return err
	}
	enc, err := compress.ParseEncoding(flags.Compress)
	if err != nil {
		return err
	}
	c, cfg, err := a.client()
	if err != nil {
		return err
	}
	return a.withProgress("pull "+img.String(), func(p *transfer.Progress) error {
		return a.pull(ctx, c, cfg.TempDir, cfg.Concurrency, p, img, flags.Output, enc)
	})
}

func (a *app) pull(ctx context.Context, c *registry.Client, tmp string, concurrency int, p *transfer.Progress, img reference.Image, out string, enc compress.Encoding) error {
	d := image.NewDownloader(c, image.Options{
		Concurrency: concurrency,
		TempDir:     tmp,
		Progress:    p,
		Logf:        a.logf(),
	})
	if out == "" || out == "-" {
		if isTerminal(a.stdout) {
			return errors.New("refusing to write an archive to a terminal; use -o FILE")
		}
		return download(ctx, d, img, a.stdout, enc)
	}
	f, err := fileutil.Create(out, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := download(ctx, d, img, f, enc); err != nil {
		return err
	}
	return f.Commit()
}

func download(ctx context.Context, d *image.Downloader, img reference.Image, w io.Writer, enc compress.Encoding) error {
	cw, err := compress.NewWriter(w, enc)
	if err != nil {
		return err
	}
	if err := d.Download(ctx, img, cw); err != nil {
		cw.Close()
		return err
	}
	return cw.Close()
}

type pushFlagsParsed struct {
	ChunkSize int64 `flag:"chunk-size" help:"Upload blobs in chunks of this many bytes (FERRY_CHUNK_SIZE; 0 streams)"`
}

func (a *app) handlePush(ctx context.Context, args []string) error {
	flags, pos, err := parseCommand[pushFlagsParsed]("push", args, 2, "FILE REPO[:TAG]")
	if err != nil {
		return err
	}
	img, err := reference.ParseImage(pos[1])
	if err != nil {
		return err
	}
	if flags.ChunkSize < 0 {
		return fmt.Errorf("chunk size must not be negative, got %d", flags.ChunkSize)
	}
	c, cfg, err := a.client()
	if err != nil {
		return err
	}
	if flags.ChunkSize > 0 {
		cfg.ChunkSize = flags.ChunkSize
	}
	f, err := os.Open(pos[0])
	if err != nil {
		return err
	}
	defer f.Close()

	var digest reference.Digest
	err = a.withProgress("push "+img.String(), func(p *transfer.Progress) error {
		u := image.NewUploader(c, image.Options{
			Concurrency: cfg.Concurrency,
			Mode:        cfg.Mode(),
			TempDir:     cfg.TempDir,
			Progress:    p,
			Logf:        a.logf(),
		})
		var err error
		digest, err = u.Upload(ctx, img.Repository, img.Reference, f)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, digest)
	return nil
}

func (a *app) handleDelete(ctx context.Context, args []string) error {
	_, img, err := imageArg[noFlags]("delete", args)
	if err != nil {
		return err
	}
	c, _, err := a.client()
	if err != nil {
		return err
	}
	d, err := c.DeleteManifest(ctx, img.Repository, img.Reference)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "deleted %s\n", d)
	return nil
}
