package processor

import (
	"context"
	"errors"

	"github.com/gonzalop/ftpd/server"
)

func (p *Processor) handleUSER(_ context.Context, s *server.Session, arg string) server.Reply {
	if s.IsAuthenticated() {
		return reply(530, "Can't change to another user.")
	}
	if arg == "" {
		return reply(501, "Syntax error in parameters or arguments.")
	}
	s.SetAttr(attrPendingUser, arg)
	return reply(331, "User name okay, need password.")
}

func (p *Processor) handlePASS(ctx context.Context, s *server.Session, arg string) server.Reply {
	if s.IsAuthenticated() {
		return reply(230, "Already logged in.")
	}
	name, ok := s.Attr(attrPendingUser).(string)
	if !ok {
		return reply(503, "Login with USER first.")
	}
	s.SetAttr(attrPendingUser, nil)

	if err := s.Login(ctx, name, arg); err != nil {
		if errors.Is(err, server.ErrAlreadyLoggedIn) {
			return reply(230, "Already logged in.")
		}
		return reply(530, "Login incorrect.")
	}
	return reply(230, "User logged in, proceed.")
}

// handleACCT handles the ACCT command.
// RFC 1123 requires this command, but no account information is needed here.
func (p *Processor) handleACCT(context.Context, *server.Session, string) server.Reply {
	return reply(202, "Command not implemented, superfluous at this site.")
}

func (p *Processor) handleQUIT(context.Context, *server.Session, string) server.Reply {
	return server.Reply{Code: 221, Message: "Service closing control connection.", Close: true}
}

func (p *Processor) handleNOOP(context.Context, *server.Session, string) server.Reply {
	return reply(200, "Command okay.")
}
