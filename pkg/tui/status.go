// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tui

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultFrames are braille spinner frames.
var DefaultFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

const (
	clearLine  = "\r\033[K"
	hideCursor = "\x1b[?25l"
	showCursor = "\x1b[?25h"
)

// StatusLine animates a single terminal line for a running operation,
// followed by a detail string such as transfer progress, until Done.
type StatusLine struct {
	out      io.Writer
	frames   []string
	interval time.Duration
	color    Colorizer
	detail   func() string

	mu      sync.Mutex
	label   string
	frame   int
	stop    chan struct{} // nil until Start
	stopped chan struct{}
}

// Option configures a StatusLine.
type Option func(*StatusLine)

// WithFrames replaces DefaultFrames.
func WithFrames(frames []string) Option {
	return func(l *StatusLine) {
		if len(frames) > 0 {
			l.frames = frames
		}
	}
}

// WithInterval sets the redraw interval.
func WithInterval(d time.Duration) Option {
	return func(l *StatusLine) {
		if d > 0 {
			l.interval = d
		}
	}
}

func WithColor(c Colorizer) Option {
	return func(l *StatusLine) { l.color = c }
}

// WithDetail makes every redraw append the current value of f.
func WithDetail(f func() string) Option {
	return func(l *StatusLine) { l.detail = f }
}

func NewStatusLine(out io.Writer, label string, opts ...Option) *StatusLine {
	l := &StatusLine{
		out:      out,
		frames:   DefaultFrames,
		interval: 120 * time.Millisecond,
		label:    label,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start hides the cursor and begins redrawing. It is a no-op if the line
// is already running.
func (l *StatusLine) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		return
	}
	l.stop = make(chan struct{})
	l.stopped = make(chan struct{})
	fmt.Fprint(l.out, hideCursor)
	l.drawLocked()
	go l.loop(l.stop, l.stopped)
}

func (l *StatusLine) SetLabel(label string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.label = label
	if l.stop != nil {
		l.drawLocked()
	}
}

// Done stops the animation and replaces the line with the outcome.
func (l *StatusLine) Done(ok bool, summary string) {
	l.mu.Lock()
	stop, stopped := l.stop, l.stopped
	l.stop = nil
	label := l.label
	l.mu.Unlock()
	if stop != nil {
		close(stop)
		<-stopped
	}
	fmt.Fprint(l.out, clearLine+Result(l.color, ok, label, summary)+"\n")
	if stop != nil {
		fmt.Fprint(l.out, showCursor)
	}
}

func (l *StatusLine) loop(stop, stopped chan struct{}) {
	defer close(stopped)
	t := time.NewTicker(l.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.mu.Lock()
			l.frame = (l.frame + 1) % len(l.frames)
			l.drawLocked()
			l.mu.Unlock()
		case <-stop:
			return
		}
	}
}

func (l *StatusLine) drawLocked() {
	line := l.color.Wrap(ColorYellow, l.frames[l.frame]) + " " + l.label
	if l.detail != nil {
		if d := l.detail(); d != "" {
			line += " " + l.color.Wrap(ColorDim, d)
		}
	}
	fmt.Fprint(l.out, clearLine+line)
}

// Result formats the final line of an operation, e.g.
// "done pull alpine:3.20 3.10 MB @ 1.20 MB/s".
func Result(c Colorizer, ok bool, label, summary string) string {
	status := c.Wrap(ColorGreen, "done")
	if !ok {
		status = c.Wrap(ColorRed, "failed")
	}
	line := status + " " + label
	if summary != "" {
		line += " " + c.Wrap(ColorDim, summary)
	}
	return line
}
