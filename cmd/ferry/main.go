// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command ferry pulls and pushes container images between a registry and
// docker-save style archives.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/yeetrun/ferry/pkg/imageerr"
	"github.com/yeetrun/ferry/pkg/registry"
	"github.com/yeetrun/ferry/pkg/tui"
	"golang.org/x/term"
)

var isTerminalFn = term.IsTerminal

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		printCLIError(os.Stderr, err)
		os.Exit(1)
	}
}

// isTerminal reports whether w is a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isTerminalFn(int(f.Fd()))
}

// printCLIError writes err to w, prefixed with its family when it is one of
// ferry's typed errors.
func printCLIError(w io.Writer, err error) {
	if err == nil {
		return
	}
	col := tui.NewColorizer(isTerminal(w))
	prefix := "error"
	var re *registry.Error
	switch {
	case errors.As(err, &re):
		prefix = "registry error"
	case imageerr.IsImageError(err):
		prefix = "image error"
	}
	fmt.Fprintf(w, "%s: %v\n", col.Wrap(tui.ColorRed, prefix), err)
}
