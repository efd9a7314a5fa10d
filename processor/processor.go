// Package processor implements the default FTP command set on top of the
// server package's Session API.
//
// A Processor is stateless apart from its configuration: all per-connection
// state lives in the Session, so one Processor serves every session of a
// server (or of several servers).
//
// Basic usage:
//
//	users, _ := userstore.Load("users.json")
//	proc, _ := processor.New(processor.WithLogger(logger))
//	srv, _ := server.NewServer(":21",
//	    server.WithProcessor(proc),
//	    server.WithUserStore(users),
//	)
package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gonzalop/ftpd/server"
	"go.uber.org/zap"
)

// Session attribute keys used by the processor.
const (
	attrPendingUser = "processor.user"
	attrRestOffset  = "processor.rest"
)

type handlerFunc func(p *Processor, ctx context.Context, s *server.Session, arg string) server.Reply

// Processor dispatches FTP commands. It implements server.CommandProcessor.
type Processor struct {
	logger           *zap.Logger
	handlers         map[string]handlerFunc
	disabled         map[string]bool
	enableDirMessage bool
	disableMLSD      bool
}

// Option configures a Processor.
type Option func(*Processor) error

// WithLogger sets the logger used for audit events (directory_created,
// file_deleted, file_renamed, ...). Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(p *Processor) error {
		if logger != nil {
			p.logger = logger
		}
		return nil
	}
}

// WithDisableCommands disables the given commands. Disabled commands are
// answered with 502 and are left out of FEAT and HELP. See the predefined
// groups LegacyCommands, ActiveModeCommands, WriteCommands and SiteCommands.
func WithDisableCommands(commands ...string) Option {
	return func(p *Processor) error {
		for _, c := range commands {
			c = strings.ToUpper(strings.TrimSpace(c))
			if c == "" {
				return errors.New("empty command name")
			}
			p.disabled[c] = true
		}
		return nil
	}
}

// WithDirMessage enables sending the contents of a ".message" file as part
// of the CWD reply.
func WithDirMessage(enable bool) Option {
	return func(p *Processor) error {
		p.enableDirMessage = enable
		return nil
	}
}

// WithDisableMLSD disables MLSD. Some legacy clients misbehave when the
// server advertises it.
func WithDisableMLSD(disable bool) Option {
	return func(p *Processor) error {
		p.disableMLSD = disable
		return nil
	}
}

// New creates a Processor with the full command set.
func New(options ...Option) (*Processor, error) {
	p := &Processor{
		logger:   zap.NewNop(),
		disabled: make(map[string]bool),
	}
	for _, opt := range options {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.disableMLSD {
		p.disabled["MLSD"] = true
	}

	p.handlers = map[string]handlerFunc{
		// Access control
		"USER": (*Processor).handleUSER,
		"PASS": (*Processor).handlePASS,
		"ACCT": (*Processor).handleACCT,
		"QUIT": (*Processor).handleQUIT,
		"NOOP": (*Processor).handleNOOP,

		// Information
		"SYST": (*Processor).handleSYST,
		"FEAT": (*Processor).handleFEAT,
		"OPTS": (*Processor).handleOPTS,
		"HELP": (*Processor).handleHELP,
		"STAT": (*Processor).handleSTAT,
		"SIZE": (*Processor).handleSIZE,
		"MDTM": (*Processor).handleMDTM,
		"MLST": (*Processor).handleMLST,
		"HASH": (*Processor).handleHASH,
		"MFMT": (*Processor).handleMFMT,

		// Security
		"AUTH": (*Processor).handleAUTH,
		"PBSZ": (*Processor).handlePBSZ,
		"PROT": (*Processor).handlePROT,

		// Transfer parameters
		"TYPE": (*Processor).handleTYPE,
		"STRU": (*Processor).handleSTRU,
		"MODE": (*Processor).handleMODE,
		"PORT": (*Processor).handlePORT,
		"EPRT": (*Processor).handleEPRT,
		"PASV": (*Processor).handlePASV,
		"EPSV": (*Processor).handleEPSV,
		"REST": (*Processor).handleREST,

		// Transfers
		"RETR": (*Processor).handleRETR,
		"STOR": (*Processor).handleSTOR,
		"APPE": (*Processor).handleAPPE,
		"STOU": (*Processor).handleSTOU,
		"LIST": (*Processor).handleLIST,
		"NLST": (*Processor).handleNLST,
		"MLSD": (*Processor).handleMLSD,
		"ABOR": (*Processor).handleABOR,

		// File system
		"PWD":  (*Processor).handlePWD,
		"XPWD": (*Processor).handlePWD,
		"CWD":  (*Processor).handleCWD,
		"XCWD": (*Processor).handleCWD,
		"CDUP": (*Processor).handleCDUP,
		"XCUP": (*Processor).handleCDUP,
		"MKD":  (*Processor).handleMKD,
		"XMKD": (*Processor).handleMKD,
		"RMD":  (*Processor).handleRMD,
		"XRMD": (*Processor).handleRMD,
		"DELE": (*Processor).handleDELE,
		"RNFR": (*Processor).handleRNFR,
		"RNTO": (*Processor).handleRNTO,
		"SITE": (*Processor).handleSITE,
	}
	return p, nil
}

// Execute implements server.CommandProcessor.
func (p *Processor) Execute(ctx context.Context, s *server.Session, req server.Request) server.Reply {
	if p.disabled[req.Verb] {
		return server.Reply{Code: 502, Message: "Command not implemented."}
	}
	h, ok := p.handlers[req.Verb]
	if !ok {
		return server.Reply{Code: 502, Message: "Command not implemented."}
	}

	// REST applies to the next transfer. Data channel setup and TYPE may
	// come in between; anything else cancels it.
	if !restKeep[req.Verb] {
		s.SetAttr(attrRestOffset, nil)
	}
	return h(p, ctx, s, req.Arg)
}

// Enabled reports whether the processor answers verb.
func (p *Processor) Enabled(verb string) bool {
	verb = strings.ToUpper(verb)
	_, ok := p.handlers[verb]
	return ok && !p.disabled[verb]
}

var restKeep = map[string]bool{
	"REST": true, "RETR": true, "STOR": true, "APPE": true,
	"PASV": true, "EPSV": true, "PORT": true, "EPRT": true, "TYPE": true,
}

// audit logs a file system change with the session's identity.
func (p *Processor) audit(s *server.Session, event string, fields ...zap.Field) {
	p.logger.Info(event, append([]zap.Field{
		zap.String("session_id", s.ID()),
		zap.Stringer("remote_addr", s.RemoteAddr()),
		zap.String("user", s.UserName()),
	}, fields...)...)
}

func reply(code int, format string, args ...any) server.Reply {
	if len(args) == 0 {
		return server.Reply{Code: code, Message: format}
	}
	return server.Reply{Code: code, Message: fmt.Sprintf(format, args...)}
}

var notLoggedIn = server.Reply{Code: 530, Message: "Not logged in."}

// errorReply maps a file system or session error to a reply.
func errorReply(err error) server.Reply {
	switch {
	case errors.Is(err, server.ErrNotLoggedIn):
		return notLoggedIn
	case errors.Is(err, server.ErrSessionClosed):
		return reply(421, "Service not available, closing control connection.")
	case errors.Is(err, os.ErrNotExist):
		return reply(550, "File not found.")
	case errors.Is(err, os.ErrPermission):
		return reply(550, "Permission denied.")
	case errors.Is(err, os.ErrExist):
		return reply(550, "File exists.")
	default:
		return reply(550, "Requested action not taken.")
	}
}

// transferReply maps the result of Session.Send and Session.Receive. A nil
// error yields the zero Reply: the transfer replies on its own.
func transferReply(err error) server.Reply {
	switch {
	case err == nil:
		return server.Reply{}
	case errors.Is(err, server.ErrNoDataChannel):
		return reply(425, "Use PORT or PASV first.")
	case errors.Is(err, server.ErrTransferInProgress):
		return reply(503, "Transfer in progress.")
	default:
		return errorReply(err)
	}
}

// requireAuth returns a 530 reply for anonymous sessions.
func requireAuth(s *server.Session) (server.Reply, bool) {
	if !s.IsAuthenticated() {
		return notLoggedIn, false
	}
	return server.Reply{}, true
}
