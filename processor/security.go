package processor

import (
	"context"
	"errors"
	"strings"

	"github.com/gonzalop/ftpd/server"
)

// handleAUTH upgrades the control channel (RFC 4217). On success the session
// has already sent 234 itself, so the zero Reply is returned.
func (p *Processor) handleAUTH(ctx context.Context, s *server.Session, arg string) server.Reply {
	if !s.TLSAvailable() {
		return reply(502, "TLS not configured.")
	}
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "TLS", "TLS-C", "SSL":
	default:
		return reply(504, "Only AUTH TLS is supported.")
	}

	err := s.UpgradeControl(ctx)
	switch {
	case err == nil:
		return server.Reply{}
	case errors.Is(err, server.ErrAlreadySecure):
		return reply(503, "Already using TLS.")
	case errors.Is(err, server.ErrTLSNotConfigured):
		return reply(502, "TLS not configured.")
	default:
		// The session is closed on handshake or pipelining failures.
		return server.Reply{}
	}
}

// handlePBSZ accepts any buffer size and answers with the only one TLS
// streams support.
func (p *Processor) handlePBSZ(_ context.Context, s *server.Session, _ string) server.Reply {
	if !s.TLSAvailable() {
		return reply(502, "TLS not configured.")
	}
	if !s.IsSecure() {
		return reply(503, "PBSZ requires AUTH first.")
	}
	return reply(200, "PBSZ=0")
}

func (p *Processor) handlePROT(_ context.Context, s *server.Session, arg string) server.Reply {
	if !s.TLSAvailable() {
		return reply(502, "TLS not configured.")
	}
	// RFC 4217
	// P - Private (TLS)
	// C - Clear (No TLS)
	var private bool
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "P":
		private = true
	case "C":
	case "S", "E":
		return reply(536, "Requested PROT level not supported.")
	default:
		return reply(504, "PROT not implemented for that parameter.")
	}

	if private && !s.IsSecure() {
		return reply(503, "PROT P requires AUTH first.")
	}
	if err := s.SetDataProtection(private); err != nil {
		return reply(536, "Requested PROT level not supported.")
	}
	if private {
		return reply(200, "PROT P OK.")
	}
	return reply(200, "PROT C OK.")
}
