// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tui

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestColorizerDisabled(t *testing.T) {
	if got := NewColorizer(false).Wrap(ColorRed, "x"); got != "x" {
		t.Fatalf("disabled Wrap = %q", got)
	}
	t.Setenv("TERM", "xterm")
	t.Setenv("NO_COLOR", "1")
	if NewColorizer(true).Enabled {
		t.Fatal("NO_COLOR did not disable color")
	}
}

func TestColorizerEnabled(t *testing.T) {
	t.Setenv("TERM", "xterm")
	t.Setenv("NO_COLOR", "")
	c := NewColorizer(true)
	if !c.Enabled {
		t.Fatal("color disabled on xterm")
	}
	got := c.Wrap(ColorGreen, "ok")
	if !strings.Contains(got, "\x1b[32m") || !strings.Contains(got, "ok") {
		t.Fatalf("Wrap = %q", got)
	}
	if got := c.Wrap(ColorNone, "ok"); got != "ok" {
		t.Fatalf("Wrap(ColorNone) = %q", got)
	}
}

func TestStatusLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewStatusLine(&buf, "pull team/app:v1",
		WithFrames([]string{"-"}),
		WithInterval(time.Millisecond),
		WithDetail(func() string { return "50% 1.00 KB/2.00 KB" }),
	)
	l.Start()
	time.Sleep(5 * time.Millisecond)
	l.Done(true, "2.00 KB")

	out := buf.String()
	if !strings.HasPrefix(out, hideCursor+clearLine+"- pull team/app:v1 50% 1.00 KB/2.00 KB") {
		t.Fatalf("first frame = %q", out)
	}
	if !strings.HasSuffix(out, clearLine+"done pull team/app:v1 2.00 KB\n"+showCursor) {
		t.Fatalf("final line = %q", out)
	}
}

func TestResult(t *testing.T) {
	tests := []struct {
		ok      bool
		summary string
		want    string
	}{
		{true, "", "done push a:b"},
		{true, "1.00 KB", "done push a:b 1.00 KB"},
		{false, "", "failed push a:b"},
	}
	for _, tt := range tests {
		if got := Result(Colorizer{}, tt.ok, "push a:b", tt.summary); got != tt.want {
			t.Errorf("Result(%v, %q) = %q, want %q", tt.ok, tt.summary, got, tt.want)
		}
	}
}
