package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gonzalop/ftpd/internal/ratelimit"
	"github.com/klauspost/compress/zlib"
	"go.uber.org/zap"
)

// SendFunc writes the outgoing stream of a download or listing to w and
// returns the number of bytes it wrote.
type SendFunc func(ctx context.Context, w io.Writer) (int64, error)

// ReceiveFunc consumes the incoming stream of an upload from r and returns
// the number of bytes it read.
type ReceiveFunc func(ctx context.Context, r io.Reader) (int64, error)

// Send starts an outgoing transfer on the negotiated data channel. It replies
// 150 and returns; the copy runs in the background and ends with a 226, 425
// or 426 reply. op and path are used for logging.
func (s *Session) Send(op, path string, fn SendFunc) error {
	return s.startTransfer(op, path, fn, nil)
}

// Receive starts an incoming transfer on the negotiated data channel. See
// Send.
func (s *Session) Receive(op, path string, fn ReceiveFunc) error {
	return s.startTransfer(op, path, nil, fn)
}

type transferParams struct {
	op, path string
	tt       TransferType
	mode     TransferMode
	dc       *DataChannel
	send     SendFunc
	recv     ReceiveFunc
}

func (s *Session) startTransfer(op, path string, send SendFunc, recv ReceiveFunc) error {
	if err := s.RequireAuth(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return ErrTransferInProgress
	}
	if s.data == nil {
		s.mu.Unlock()
		return ErrNoDataChannel
	}
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	p := transferParams{
		op:   op,
		path: path,
		tt:   s.transferType,
		mode: s.mode,
		dc:   s.data,
		send: send,
		recv: recv,
	}
	s.busy = true
	s.transferCancel = cancel
	s.transferDone = done
	s.transferWG.Add(1)
	s.mu.Unlock()

	msg := fmt.Sprintf("Opening %s mode data connection for %s", p.tt, op)
	if path != "" {
		msg += " " + path
	}
	_ = s.Reply(150, msg+".")

	go s.runTransfer(ctx, cancel, done, p)
	return nil
}

func (s *Session) runTransfer(ctx context.Context, cancel context.CancelFunc, done chan struct{}, p transferParams) {
	defer s.transferWG.Done()
	defer close(done)

	start := time.Now()
	n, err := s.transfer(ctx, p)
	aborted := ctx.Err() != nil
	p.dc.Close()
	cancel()
	duration := time.Since(start)

	// Clear busy before the final reply so the client's next command is
	// not rejected.
	s.mu.Lock()
	s.busy = false
	s.transferCancel = nil
	s.mu.Unlock()

	var reply Reply
	switch {
	case err == nil && !aborted:
		s.logger.Info("transfer_complete",
			zap.String("user", s.UserName()),
			zap.String("operation", p.op),
			zap.String("path", p.path),
			zap.Int64("bytes", n),
			zap.String("size", humanize.Bytes(uint64(n))),
			zap.Duration("duration", duration),
			zap.String("throughput", throughput(n, duration)),
		)
		reply = Reply{Code: 226, Message: "Transfer complete."}
	case errors.Is(err, errDataConnect) && !aborted:
		s.logger.Warn("data_connection_failed",
			zap.String("operation", p.op),
			zap.Error(err),
		)
		reply = Reply{Code: 425, Message: "Can't open data connection."}
	default:
		if err == nil || aborted {
			err = ErrTransferAborted
		}
		s.logger.Warn("transfer_failed",
			zap.String("user", s.UserName()),
			zap.String("operation", p.op),
			zap.String("path", p.path),
			zap.Int64("bytes", n),
			zap.Error(err),
		)
		reply = Reply{Code: 426, Message: "Connection closed; transfer aborted."}
	}
	s.server.sink.RecordTransfer(p.op, n, duration, err)
	_ = s.WriteReply(reply)
}

// transfer connects the data channel and runs the copy through the
// bandwidth limiters, the MODE Z codec and the ASCII conversion.
func (s *Session) transfer(ctx context.Context, p transferParams) (int64, error) {
	conn, err := p.dc.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errDataConnect, err)
	}

	limiters := []*ratelimit.Limiter{s.server.globalLimiter, s.limiter}

	if p.send != nil {
		var w io.Writer = ratelimit.NewWriter(ctx, conn, limiters...)
		var zw *zlib.Writer
		if p.mode == ModeCompressed {
			zw = zlib.NewWriter(w)
			w = zw
		}
		if p.tt == TypeASCII {
			w = newASCIIEncoder(w)
		}
		n, err := p.send(ctx, w)
		if zw != nil {
			if cerr := zw.Close(); err == nil {
				err = cerr
			}
		}
		return n, err
	}

	var r io.Reader = ratelimit.NewReader(ctx, conn, limiters...)
	if p.mode == ModeCompressed {
		zr, err := zlib.NewReader(r)
		switch {
		case errors.Is(err, io.EOF):
			// Empty upload: the client sent no zlib header at all.
			r = bytes.NewReader(nil)
		case err != nil:
			return 0, fmt.Errorf("mode Z: %w", err)
		default:
			defer zr.Close()
			r = zr
		}
	}
	if p.tt == TypeASCII {
		r = newASCIIDecoder(r)
	}
	return p.recv(ctx, r)
}

// TransferInProgress reports whether a background transfer is running.
func (s *Session) TransferInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// AbortTransfer cancels the running transfer and closes its data
// connection. It waits for the transfer's own 426 reply so the caller can
// follow up with its reply. It returns false if no transfer was running.
func (s *Session) AbortTransfer() bool {
	s.mu.Lock()
	if !s.busy {
		s.mu.Unlock()
		return false
	}
	cancel, done, dc := s.transferCancel, s.transferDone, s.data
	s.mu.Unlock()

	s.logger.Info("transfer_abort_requested", zap.String("user", s.UserName()))
	cancel()
	if dc != nil {
		dc.Close()
	}

	select {
	case <-done:
	case <-time.After(s.server.dataTimeout):
		s.logger.Warn("transfer_abort_timeout")
	}
	return true
}

// WaitTransfer blocks until the running transfer, if any, has replied.
func (s *Session) WaitTransfer(ctx context.Context) error {
	s.mu.Lock()
	done := s.transferDone
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func throughput(n int64, d time.Duration) string {
	if d <= 0 {
		return humanize.Bytes(uint64(n)) + "/s"
	}
	return humanize.Bytes(uint64(float64(n)/d.Seconds())) + "/s"
}
