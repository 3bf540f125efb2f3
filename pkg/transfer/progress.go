// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transfer

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"tailscale.com/tstime/rate"
)

// Progress counts the bytes an Engine moves. A nil *Progress is valid and
// counts nothing.
type Progress struct {
	total   atomic.Int64
	done    atomic.Int64
	rateVal rate.Value
	start   time.Time
}

// NewProgress returns a Progress with a smoothed throughput estimate.
func NewProgress() *Progress {
	return &Progress{
		rateVal: rate.Value{
			HalfLife: 250 * time.Millisecond,
		},
		start: time.Now(),
	}
}

// AddTotal grows the number of bytes expected.
func (p *Progress) AddTotal(n int64) {
	if p == nil || n <= 0 {
		return
	}
	p.total.Add(n)
}

func (p *Progress) add(n int) {
	if p == nil || n <= 0 {
		return
	}
	p.done.Add(int64(n))
	p.rateVal.Add(float64(n))
}

// Reader counts everything read through r.
func (p *Progress) Reader(r io.Reader) io.Reader {
	if p == nil {
		return r
	}
	return &progressReader{r: r, p: p}
}

// Done returns the bytes moved and expected so far.
func (p *Progress) Done() (done, total int64) {
	if p == nil {
		return 0, 0
	}
	return p.done.Load(), p.total.Load()
}

// Detail renders the current state, e.g. " 42% 1.00 MB/2.38 MB @ 3.10 MB/s ETA 1s".
func (p *Progress) Detail() string {
	if p == nil {
		return ""
	}
	return FormatDetail(float64(p.done.Load()), float64(p.total.Load()), p.rateVal.Rate())
}

// FinalDetail renders the bytes moved and the average throughput.
func (p *Progress) FinalDetail() string {
	if p == nil {
		return ""
	}
	done := float64(p.done.Load())
	if done <= 0 {
		return ""
	}
	detail := HumanBytes(done)
	if elapsed := time.Since(p.start); elapsed > 0 {
		if r := done / elapsed.Seconds(); r > 0 {
			detail = fmt.Sprintf("%s @ %s/s", detail, HumanBytes(r))
		}
	}
	return detail
}

type progressReader struct {
	r io.Reader
	p *Progress
}

func (r *progressReader) Read(b []byte) (int, error) {
	n, err := r.r.Read(b)
	r.p.add(n)
	return n, err
}

// FormatDetail renders sent of total bytes at rate bytes per second. A
// total of zero means unknown.
func FormatDetail(sent, total, rate float64) string {
	if sent < 0 {
		sent = 0
	}
	if total > 0 && sent > total {
		sent = total
	}

	var b strings.Builder
	if total > 0 {
		fmt.Fprintf(&b, "%3.0f%% %s/%s", sent/total*100, HumanBytes(sent), HumanBytes(total))
	} else {
		b.WriteString(HumanBytes(sent))
	}
	if rate > 0 {
		fmt.Fprintf(&b, " @ %s/s", HumanBytes(rate))
		if total > 0 {
			eta := time.Duration((total-sent)/rate*float64(time.Second) + 0.5)
			fmt.Fprintf(&b, " ETA %s", formatShortDuration(eta))
		}
	}
	return strings.TrimSpace(b.String())
}

// HumanBytes formats a byte count with a binary unit prefix.
func HumanBytes(bts float64) string {
	const unit = 1024
	if bts <= unit {
		return fmt.Sprintf("%.2f B", bts)
	}
	const prefix = "KMGTPE"
	n := bts
	i := -1
	for n > unit {
		i++
		n = n / unit
	}
	return fmt.Sprintf("%.2f %cB", n, prefix[i])
}

func formatShortDuration(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	seconds := int64(d.Seconds() + 0.5)
	hours := seconds / 3600
	seconds %= 3600
	minutes := seconds / 60
	seconds %= 60

	if hours > 0 {
		return fmt.Sprintf("%dh%02dm", hours, minutes)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm%02ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
