// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tui renders ferry's terminal status line.
package tui

import (
	"os"

	"github.com/fatih/color"
)

// Colors used by ferry's output.
const (
	ColorNone   color.Attribute = -1
	ColorRed                    = color.FgRed
	ColorGreen                  = color.FgGreen
	ColorYellow                 = color.FgYellow
	ColorDim                    = color.FgHiBlack
)

// Colorizer applies colors when enabled.
type Colorizer struct {
	Enabled bool
}

// NewColorizer returns a Colorizer that is enabled only if enabled is set
// and the environment allows color.
func NewColorizer(enabled bool) Colorizer {
	if !enabled {
		return Colorizer{}
	}
	if os.Getenv("NO_COLOR") != "" {
		return Colorizer{}
	}
	term := os.Getenv("TERM")
	if term == "" || term == "dumb" {
		return Colorizer{}
	}
	return Colorizer{Enabled: true}
}

// Wrap returns text in the given color.
func (c Colorizer) Wrap(attr color.Attribute, text string) string {
	if !c.Enabled || attr == ColorNone {
		return text
	}
	col := color.New(attr)
	col.EnableColor()
	return col.Sprint(text)
}
