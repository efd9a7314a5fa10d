package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/gonzalop/ftpd/server"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

func (p *Processor) handleTYPE(_ context.Context, s *server.Session, arg string) server.Reply {
	t, err := server.ParseTransferType(arg)
	if err == nil {
		err = s.SetTransferType(t)
	}
	switch {
	case err == nil:
		return reply(200, "Type set to %s.", t)
	case errors.Is(err, server.ErrNotLoggedIn):
		return notLoggedIn
	default:
		return reply(504, "Command not implemented for that parameter.")
	}
}

// handleSTRU handles the STRU command.
// RFC 1123 requires File structure support.
func (p *Processor) handleSTRU(_ context.Context, s *server.Session, arg string) server.Reply {
	st, err := server.ParseStructure(arg)
	if err == nil {
		err = s.SetStructure(st)
	}
	switch {
	case err == nil:
		return reply(200, "Structure set to %s.", st)
	case errors.Is(err, server.ErrNotLoggedIn):
		return notLoggedIn
	default:
		return reply(504, "Command not implemented for that parameter.")
	}
}

// handleMODE handles the MODE command. Stream and Compressed (deflate) are
// supported.
func (p *Processor) handleMODE(_ context.Context, s *server.Session, arg string) server.Reply {
	m, err := server.ParseMode(arg)
	if err == nil {
		err = s.SetMode(m)
	}
	switch {
	case err == nil:
		return reply(200, "Mode set to %s.", m)
	case errors.Is(err, server.ErrNotLoggedIn):
		return notLoggedIn
	default:
		return reply(504, "Command not implemented for that parameter.")
	}
}

func (p *Processor) handlePORT(_ context.Context, s *server.Session, arg string) server.Reply {
	if r, ok := requireAuth(s); !ok {
		return r
	}

	// Format: h1,h2,h3,h4,p1,p2
	parts := strings.Split(strings.TrimSpace(arg), ",")
	if len(parts) != 6 {
		return reply(501, "Syntax error in parameters or arguments.")
	}

	p1, err1 := strconv.Atoi(parts[4])
	p2, err2 := strconv.Atoi(parts[5])
	if err1 != nil || err2 != nil || p1 < 0 || p1 > 255 || p2 < 0 || p2 > 255 {
		return reply(501, "Invalid port number.")
	}

	ip := net.ParseIP(strings.Join(parts[0:4], ".")).To4()
	if ip == nil {
		return reply(501, "Invalid IP address.")
	}

	return activeReply(s.OpenActive(&net.TCPAddr{IP: ip, Port: p1*256 + p2}), "PORT")
}

func (p *Processor) handleEPRT(_ context.Context, s *server.Session, arg string) server.Reply {
	if r, ok := requireAuth(s); !ok {
		return r
	}
	if len(arg) < 4 {
		return reply(501, "Syntax error in parameters or arguments.")
	}

	// Expected format: <delim><proto><delim><ip><delim><port><delim>
	// Split results in: ["", "proto", "ip", "port", ""]
	delim := string(arg[0])
	parts := strings.Split(arg, delim)
	if len(parts) != 5 {
		return reply(501, "Syntax error in parameters or arguments.")
	}

	ip := net.ParseIP(parts[2])
	switch parts[1] {
	case "1":
		if ip == nil || ip.To4() == nil {
			return reply(501, "Invalid IP address.")
		}
	case "2":
		if ip == nil || ip.To4() != nil {
			return reply(501, "Invalid IP address.")
		}
	default:
		return reply(522, "Network protocol not supported, use (1,2)")
	}

	port, err := strconv.Atoi(parts[3])
	if err != nil || port < 1 || port > 65535 {
		return reply(501, "Invalid port number.")
	}

	return activeReply(s.OpenActive(&net.TCPAddr{IP: ip, Port: port}), "EPRT")
}

func activeReply(err error, verb string) server.Reply {
	switch {
	case err == nil:
		return reply(200, "%s command successful.", verb)
	case errors.Is(err, server.ErrPortIPMismatch):
		return reply(500, "Illegal %s command.", verb)
	case errors.Is(err, server.ErrNotLoggedIn):
		return notLoggedIn
	default:
		return errorReply(err)
	}
}

func (p *Processor) handlePASV(ctx context.Context, s *server.Session, _ string) server.Reply {
	if r, ok := requireAuth(s); !ok {
		return r
	}

	ip, port, err := s.OpenPassive(ctx)
	if err != nil {
		return passiveReply(err)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		// PASV can only express IPv4 addresses.
		if dc := s.DataChannel(); dc != nil {
			dc.Close()
		}
		return reply(425, "Can't open passive connection: use EPSV.")
	}
	return reply(227, "Entering Passive Mode (%d,%d,%d,%d,%d,%d).",
		ip4[0], ip4[1], ip4[2], ip4[3], port/256, port%256)
}

func (p *Processor) handleEPSV(ctx context.Context, s *server.Session, arg string) server.Reply {
	if r, ok := requireAuth(s); !ok {
		return r
	}
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "", "1", "2":
	case "ALL":
		return reply(200, "EPSV ALL command successful.")
	default:
		return reply(522, "Network protocol not supported, use (1,2)")
	}

	_, port, err := s.OpenPassive(ctx)
	if err != nil {
		return passiveReply(err)
	}
	return reply(229, "Entering Extended Passive Mode (|||%d|)", port)
}

func passiveReply(err error) server.Reply {
	switch {
	case errors.Is(err, server.ErrNoPassivePort):
		return reply(425, "No passive port available, try again later.")
	case errors.Is(err, server.ErrNotLoggedIn):
		return notLoggedIn
	default:
		return reply(425, "Can't open passive connection.")
	}
}

func (p *Processor) handleREST(_ context.Context, s *server.Session, arg string) server.Reply {
	if r, ok := requireAuth(s); !ok {
		return r
	}
	offset, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || offset < 0 {
		return reply(501, "Invalid restart position.")
	}
	if s.TransferType() == server.TypeASCII && offset > 0 {
		return reply(504, "Restart is only supported in binary mode.")
	}
	if offset == 0 {
		s.SetAttr(attrRestOffset, nil)
	} else {
		s.SetAttr(attrRestOffset, offset)
	}
	return reply(350, "Restarting at %d. Send STORE or RETRIEVE to initiate transfer.", offset)
}

// takeRestOffset returns and clears the REST offset.
func takeRestOffset(s *server.Session) int64 {
	offset, _ := s.Attr(attrRestOffset).(int64)
	s.SetAttr(attrRestOffset, nil)
	return offset
}

func (p *Processor) handleRETR(_ context.Context, s *server.Session, arg string) server.Reply {
	fs, err := s.FS()
	if err != nil {
		return errorReply(err)
	}
	if arg == "" {
		return reply(501, "Syntax error in parameters or arguments.")
	}
	target := s.ResolvePath(arg)
	offset := takeRestOffset(s)

	f, err := fs.Open(target)
	if err != nil {
		return errorReply(err)
	}
	if info, err := f.Stat(); err != nil || info.IsDir() {
		f.Close()
		return reply(550, "Not a plain file.")
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return errorReply(err)
		}
	}

	err = s.Send("RETR", target, func(ctx context.Context, w io.Writer) (int64, error) {
		defer f.Close()
		return copyContext(ctx, w, f)
	})
	if err != nil {
		f.Close()
	}
	return transferReply(err)
}

func (p *Processor) handleSTOR(_ context.Context, s *server.Session, arg string) server.Reply {
	if arg == "" {
		return reply(501, "Syntax error in parameters or arguments.")
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	offset := takeRestOffset(s)
	if offset > 0 {
		flags = os.O_WRONLY | os.O_CREATE
	}
	return p.store(s, "STOR", s.ResolvePath(arg), flags, offset)
}

func (p *Processor) handleAPPE(_ context.Context, s *server.Session, arg string) server.Reply {
	if arg == "" {
		return reply(501, "Syntax error in parameters or arguments.")
	}
	takeRestOffset(s)
	return p.store(s, "APPE", s.ResolvePath(arg), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0)
}

// handleSTOU stores under a generated name and reports it in the 150 reply
// (RFC 1123 4.1.2.9).
func (p *Processor) handleSTOU(_ context.Context, s *server.Session, arg string) server.Reply {
	if _, err := s.FS(); err != nil {
		return errorReply(err)
	}
	dir := s.WorkingDir()
	if arg != "" {
		dir = s.ResolvePath(arg)
	}
	name := "ftp-" + uuid.NewString()
	return p.store(s, "STOU", s.ResolvePath(dir+"/"+name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0)
}

func (p *Processor) store(s *server.Session, op, target string, flags int, offset int64) server.Reply {
	fs, err := s.FS()
	if err != nil {
		return errorReply(err)
	}
	if s.DataChannel() == nil {
		return reply(425, "Use PORT or PASV first.")
	}

	f, err := fs.OpenFile(target, flags, 0o644)
	if err != nil {
		return errorReply(err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return errorReply(err)
		}
	}

	err = s.Receive(op, target, func(ctx context.Context, r io.Reader) (int64, error) {
		n, err := copyContext(ctx, f, r)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err == nil {
			p.audit(s, "file_uploaded",
				zap.String("op", op),
				zap.String("path", target),
				zap.Int64("bytes", n),
			)
		}
		return n, err
	})
	if err != nil {
		f.Close()
	}
	return transferReply(err)
}

func (p *Processor) handleABOR(_ context.Context, s *server.Session, _ string) server.Reply {
	if s.AbortTransfer() {
		return reply(226, "ABOR command successful.")
	}
	if dc := s.DataChannel(); dc != nil {
		dc.Close()
	}
	return reply(225, "No transfer to abort.")
}

// copyContext copies src to dst until EOF or until ctx is canceled.
func copyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// listTarget strips ls-style flags ("-la") from a LIST/NLST argument.
func listTarget(arg string) string {
	fields := strings.Fields(arg)
	var rest []string
	for i, f := range fields {
		if strings.HasPrefix(f, "-") && len(rest) == 0 {
			continue
		}
		rest = fields[i:]
		break
	}
	return strings.Join(rest, " ")
}

// readTarget lists path: the directory's entries, or the file itself.
func readTarget(fs afero.Fs, path string) ([]os.FileInfo, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []os.FileInfo{info}, nil
	}
	return afero.ReadDir(fs, path)
}

func (p *Processor) handleLIST(_ context.Context, s *server.Session, arg string) server.Reply {
	return p.list(s, "LIST", arg, func(w io.Writer, info os.FileInfo) error {
		_, err := io.WriteString(w, formatListLine(info))
		return err
	})
}

func (p *Processor) handleNLST(_ context.Context, s *server.Session, arg string) server.Reply {
	return p.list(s, "NLST", arg, func(w io.Writer, info os.FileInfo) error {
		_, err := fmt.Fprintf(w, "%s\r\n", info.Name())
		return err
	})
}

func (p *Processor) handleMLSD(_ context.Context, s *server.Session, arg string) server.Reply {
	return p.list(s, "MLSD", arg, func(w io.Writer, info os.FileInfo) error {
		_, err := io.WriteString(w, formatMLEntry(info, info.Name()))
		return err
	})
}

func (p *Processor) list(s *server.Session, op, arg string, write func(io.Writer, os.FileInfo) error) server.Reply {
	fs, err := s.FS()
	if err != nil {
		return errorReply(err)
	}
	target := s.ResolvePath(listTarget(arg))
	if op == "MLSD" {
		// RFC 3659: MLSD only lists directories.
		target = s.ResolvePath(arg)
		if info, err := fs.Stat(target); err == nil && !info.IsDir() {
			return reply(501, "Not a directory.")
		}
	}
	entries, err := readTarget(fs, target)
	if err != nil {
		return errorReply(err)
	}

	return transferReply(s.Send(op, target, func(ctx context.Context, w io.Writer) (int64, error) {
		cw := &countWriter{w: w}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return cw.n, err
			}
			if err := write(cw, entry); err != nil {
				return cw.n, err
			}
		}
		return cw.n, nil
	}))
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}
