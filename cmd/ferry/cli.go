// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/shayne/yargs"
	"github.com/yeetrun/ferry/pkg/config"
	"github.com/yeetrun/ferry/pkg/registry"
	"github.com/yeetrun/ferry/pkg/transfer"
	"github.com/yeetrun/ferry/pkg/tui"
	"tailscale.com/types/logger"
)

type globalFlagsParsed struct {
	Config      string `flag:"config" help:"Path to ferry.toml (default: nearest one above the working directory)"`
	Registry    string `flag:"registry" help:"Registry base URL (FERRY_REGISTRY)"`
	Username    string `flag:"username" help:"Registry username (FERRY_USERNAME)"`
	Insecure    bool   `flag:"insecure" help:"Skip TLS certificate verification (FERRY_INSECURE)"`
	Concurrency int    `flag:"concurrency" help:"Concurrent blob transfers (FERRY_CONCURRENCY)"`
	Progress    string `flag:"progress" help:"Progress output (auto|tty|plain|quiet)"`
	Verbose     bool   `flag:"verbose" short:"v" help:"Log registry and transfer activity"`
}

func parseGlobalFlags(args []string) (globalFlagsParsed, []string, error) {
	result, err := yargs.ParseKnownFlags[globalFlagsParsed](args, yargs.KnownFlagsOptions{})
	if err != nil {
		return globalFlagsParsed{}, nil, err
	}
	return result.Flags, result.RemainingArgs, nil
}

type progressMode int

const (
	progressAuto progressMode = iota
	progressTTY
	progressPlain
	progressQuiet
)

func parseProgressMode(s string) (progressMode, error) {
	switch s {
	case "", "auto":
		return progressAuto, nil
	case "tty":
		return progressTTY, nil
	case "plain":
		return progressPlain, nil
	case "quiet":
		return progressQuiet, nil
	}
	return 0, fmt.Errorf("invalid progress mode %q (want auto, tty, plain or quiet)", s)
}

// app holds what every subcommand shares.
type app struct {
	flags    globalFlagsParsed
	progress progressMode
	stdout   io.Writer
	stderr   io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flags, remaining, err := parseGlobalFlags(args)
	if err != nil {
		return err
	}
	mode, err := parseProgressMode(flags.Progress)
	if err != nil {
		return err
	}
	if mode == progressAuto {
		mode = progressPlain
		if isTerminal(stderr) {
			mode = progressTTY
		}
	}
	a := &app{flags: flags, progress: mode, stdout: stdout, stderr: stderr}
	helpConfig := buildHelpConfig()
	remaining = yargs.ApplyAliases(remaining, helpConfig)
	return yargs.RunSubcommands(ctx, remaining, helpConfig, globalFlagsParsed{}, a.handlers())
}

func (a *app) handlers() map[string]yargs.SubcommandHandler {
	return map[string]yargs.SubcommandHandler{
		"ping":     a.handlePing,
		"catalog":  a.handleCatalog,
		"tags":     a.handleTags,
		"digest":   a.handleDigest,
		"manifest": a.handleManifest,
		"config":   a.handleConfig,
		"pull":     a.handlePull,
		"push":     a.handlePush,
		"delete":   a.handleDelete,
	}
}

func buildHelpConfig() yargs.HelpConfig {
	subcommands := map[string]yargs.SubCommandInfo{
		"ping": {
			Name:        "ping",
			Description: "Check that the registry speaks the distribution API",
		},
		"catalog": {
			Name:        "catalog",
			Description: "List repositories",
			Usage:       "[--n=PAGE_SIZE]",
		},
		"tags": {
			Name:        "tags",
			Description: "List the tags of a repository",
			Usage:       "REPO [--n=PAGE_SIZE]",
			Examples:    []string{"ferry tags library/alpine"},
		},
		"digest": {
			Name:        "digest",
			Description: "Print the manifest digest a reference points at",
			Usage:       "REPO[:TAG|@DIGEST]",
		},
		"manifest": {
			Name:        "manifest",
			Description: "Print a manifest or manifest list",
			Usage:       "REPO[:TAG|@DIGEST]",
		},
		"config": {
			Name:        "config",
			Description: "Print the image config for a platform",
			Usage:       "REPO[:TAG|@DIGEST] [--platform=OS/ARCH]",
			Examples:    []string{"ferry config library/alpine:3.20 --platform=linux/arm64"},
		},
		"pull": {
			Name:        "pull",
			Description: "Download an image into an archive",
			Usage:       "REPO[:TAG|@DIGEST] [-o FILE] [--compress=gzip|zstd]",
			Examples: []string{
				"ferry pull library/alpine:3.20 -o alpine.tar",
				"ferry pull library/alpine:3.20 --compress=zstd -o alpine.tar.zst",
			},
		},
		"push": {
			Name:        "push",
			Description: "Upload an archive and tag its index",
			Usage:       "FILE REPO[:TAG] [--chunk-size=BYTES]",
			Examples:    []string{"ferry push alpine.tar mirror/alpine:3.20"},
		},
		"delete": {
			Name:        "delete",
			Description: "Delete a manifest",
			Usage:       "REPO[:TAG|@DIGEST]",
			Aliases:     []string{"rm"},
		},
	}
	return yargs.HelpConfig{
		Command: yargs.CommandInfo{
			Name:        "ferry",
			Description: "Move container images between an OCI registry and docker-save archives.",
			Examples: []string{
				"ferry --registry=https://registry.example.com tags library/alpine",
				"ferry pull library/alpine:3.20 -o alpine.tar",
				"ferry push alpine.tar mirror/alpine:3.20",
			},
		},
		SubCommands: subcommands,
	}
}

// loadConfig reads ferry.toml and the environment, then applies the global
// flags on top.
func (a *app) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if a.flags.Config != "" {
		if cfg, err = config.LoadFile(a.flags.Config); err != nil {
			return nil, err
		}
		if err := cfg.ApplyEnv(); err != nil {
			return nil, err
		}
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		if cfg, err = config.Load(wd); err != nil {
			return nil, err
		}
	}
	if a.flags.Registry != "" {
		cfg.Registry = a.flags.Registry
	}
	if a.flags.Username != "" {
		cfg.Username = a.flags.Username
	}
	if a.flags.Insecure {
		cfg.InsecureSkipVerify = true
	}
	if a.flags.Concurrency != 0 {
		cfg.Concurrency = a.flags.Concurrency
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (a *app) logf() logger.Logf {
	if !a.flags.Verbose {
		return logger.Discard
	}
	return log.New(a.stderr, "", log.LstdFlags).Printf
}

func (a *app) client() (*registry.Client, *config.Config, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	c, err := cfg.Client(a.logf())
	if err != nil {
		return nil, nil, err
	}
	return c, cfg, nil
}

// withProgress runs f with a byte counter and renders it according to the
// progress mode.
func (a *app) withProgress(label string, f func(*transfer.Progress) error) error {
	if a.progress == progressQuiet {
		return f(nil)
	}
	p := transfer.NewProgress()
	col := tui.NewColorizer(a.progress == progressTTY)
	if a.progress == progressPlain {
		err := f(p)
		if err == nil {
			fmt.Fprintln(a.stderr, tui.Result(col, true, label, p.FinalDetail()))
		}
		return err
	}
	line := tui.NewStatusLine(a.stderr, label, tui.WithColor(col), tui.WithDetail(p.Detail))
	line.Start()
	err := f(p)
	line.Done(err == nil, p.FinalDetail())
	return err
}
