// Package ratelimit throttles data-channel transfers.
//
// Limits are expressed in bytes per second and enforced with a token bucket
// (golang.org/x/time/rate). A reader or writer may be wrapped by several
// limiters at once, e.g. a server-wide limiter shared by every session plus a
// per-session one; the most restrictive wins.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxChunk caps how many bytes a single wait reserves, so a slow limiter
// reacts to cancellation within a reasonable time.
const maxChunk = 32 * 1024

// Limiter limits throughput to a fixed number of bytes per second.
// A nil *Limiter means "unlimited".
type Limiter struct {
	lim *rate.Limiter
}

// New returns a limiter allowing bytesPerSecond with a one-second burst.
// It returns nil for non-positive rates.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := int(bytesPerSecond)
	if bytesPerSecond > int64(maxChunk) {
		burst = maxChunk
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(bytesPerSecond), burst)}
}

// Limit returns the configured rate in bytes per second, or 0 for nil.
func (l *Limiter) Limit() int64 {
	if l == nil {
		return 0
	}
	return int64(l.lim.Limit())
}

func (l *Limiter) chunk(n int) int {
	if b := l.lim.Burst(); n > b {
		return b
	}
	return n
}

func (l *Limiter) wait(ctx context.Context, n int) error {
	return l.lim.WaitN(ctx, n)
}

func active(limiters []*Limiter) []*Limiter {
	var out []*Limiter
	for _, l := range limiters {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

type reader struct {
	ctx      context.Context
	r        io.Reader
	limiters []*Limiter
}

// NewReader wraps r so reads are throttled by every non-nil limiter.
// If all limiters are nil, r is returned unchanged.
func NewReader(ctx context.Context, r io.Reader, limiters ...*Limiter) io.Reader {
	ls := active(limiters)
	if len(ls) == 0 {
		return r
	}
	return &reader{ctx: ctx, r: r, limiters: ls}
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	size := len(p)
	for _, l := range r.limiters {
		size = l.chunk(size)
	}
	n, err := r.r.Read(p[:size])
	if n > 0 {
		for _, l := range r.limiters {
			if werr := l.wait(r.ctx, n); werr != nil {
				return n, werr
			}
		}
	}
	return n, err
}

type writer struct {
	ctx      context.Context
	w        io.Writer
	limiters []*Limiter
}

// NewWriter wraps w so writes are throttled by every non-nil limiter.
// If all limiters are nil, w is returned unchanged.
func NewWriter(ctx context.Context, w io.Writer, limiters ...*Limiter) io.Writer {
	ls := active(limiters)
	if len(ls) == 0 {
		return w
	}
	return &writer{ctx: ctx, w: w, limiters: ls}
}

func (w *writer) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		size := len(p) - written
		for _, l := range w.limiters {
			size = l.chunk(size)
		}
		for _, l := range w.limiters {
			if err := l.wait(w.ctx, size); err != nil {
				return written, err
			}
		}
		n, err := w.w.Write(p[written : written+size])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
