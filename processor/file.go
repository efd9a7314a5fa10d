package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gonzalop/ftpd/server"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

func (p *Processor) handlePWD(_ context.Context, s *server.Session, _ string) server.Reply {
	if r, ok := requireAuth(s); !ok {
		return r
	}
	// RFC 959: embedded quotes are doubled.
	cwd := strings.ReplaceAll(s.WorkingDir(), `"`, `""`)
	return reply(257, `"%s" is the current directory.`, cwd)
}

func (p *Processor) handleCWD(_ context.Context, s *server.Session, arg string) server.Reply {
	if err := s.SetWorkingDir(arg); err != nil {
		if errors.Is(err, server.ErrNotLoggedIn) {
			return notLoggedIn
		}
		return reply(550, "Failed to change directory.")
	}

	r := reply(250, "Directory successfully changed.")
	if p.enableDirMessage {
		r.Lines = dirMessage(s)
	}
	return r
}

// dirMessage returns the lines of the working directory's .message file.
func dirMessage(s *server.Session) []string {
	fs, err := s.FS()
	if err != nil {
		return nil
	}
	f, err := fs.Open(s.ResolvePath(".message"))
	if err != nil {
		return nil
	}
	defer f.Close()

	// Read up to 2KB to avoid excessive memory usage
	b, _ := io.ReadAll(io.LimitReader(f, 2048))
	msg := strings.TrimRight(string(b), "\r\n")
	if msg == "" {
		return nil
	}
	lines := strings.Split(msg, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, "\r")
	}
	return lines
}

func (p *Processor) handleCDUP(ctx context.Context, s *server.Session, _ string) server.Reply {
	r := p.handleCWD(ctx, s, "..")
	if r.Code == 250 {
		r.Message = "Directory changed to parent."
	}
	return r
}

func (p *Processor) handleMKD(_ context.Context, s *server.Session, arg string) server.Reply {
	fs, err := s.FS()
	if err != nil {
		return errorReply(err)
	}
	if arg == "" {
		return reply(501, "Syntax error in parameters or arguments.")
	}
	target := s.ResolvePath(arg)
	if err := fs.Mkdir(target, 0o755); err != nil {
		return errorReply(err)
	}
	// Security audit: directory created
	p.audit(s, "directory_created", zap.String("path", target))
	// RFC 959: 257 "PATHNAME" created.
	return reply(257, `"%s" created.`, strings.ReplaceAll(target, `"`, `""`))
}

func (p *Processor) handleRMD(_ context.Context, s *server.Session, arg string) server.Reply {
	fs, err := s.FS()
	if err != nil {
		return errorReply(err)
	}
	target := s.ResolvePath(arg)
	if arg == "" || target == "/" {
		return reply(550, "Permission denied.")
	}
	info, err := fs.Stat(target)
	if err != nil {
		return errorReply(err)
	}
	if !info.IsDir() {
		return reply(550, "Not a directory.")
	}
	if empty, err := afero.IsEmpty(fs, target); err != nil {
		return errorReply(err)
	} else if !empty {
		return reply(550, "Directory not empty.")
	}
	if err := fs.Remove(target); err != nil {
		return errorReply(err)
	}
	// Security audit: directory removed
	p.audit(s, "directory_removed", zap.String("path", target))
	return reply(250, "Directory removed.")
}

func (p *Processor) handleDELE(_ context.Context, s *server.Session, arg string) server.Reply {
	fs, err := s.FS()
	if err != nil {
		return errorReply(err)
	}
	target := s.ResolvePath(arg)
	info, err := fs.Stat(target)
	if err != nil {
		return errorReply(err)
	}
	if info.IsDir() {
		return reply(550, "Is a directory, use RMD.")
	}
	if err := fs.Remove(target); err != nil {
		return errorReply(err)
	}
	// Security audit: file deleted
	p.audit(s, "file_deleted", zap.String("path", target))
	return reply(250, "File deleted.")
}

func (p *Processor) handleRNFR(_ context.Context, s *server.Session, arg string) server.Reply {
	fs, err := s.FS()
	if err != nil {
		return errorReply(err)
	}
	target := s.ResolvePath(arg)
	if _, err := fs.Stat(target); err != nil {
		return reply(550, "File not found.")
	}
	if err := s.SetRenameFrom(target); err != nil {
		return errorReply(err)
	}
	return reply(350, "Requested file action pending further information.")
}

func (p *Processor) handleRNTO(_ context.Context, s *server.Session, arg string) server.Reply {
	fs, err := s.FS()
	if err != nil {
		return errorReply(err)
	}
	from, err := s.TakeRenameFrom()
	if err != nil {
		return reply(503, "Bad sequence of commands.")
	}
	if arg == "" {
		return reply(501, "Syntax error in parameters or arguments.")
	}
	to := s.ResolvePath(arg)
	if err := fs.Rename(from, to); err != nil {
		return errorReply(err)
	}
	// Security audit: file renamed
	p.audit(s, "file_renamed", zap.String("from", from), zap.String("to", to))
	return reply(250, "Rename successful.")
}

// handleSITE handles the SITE command.
// Provides server-specific commands (RFC 959).
func (p *Processor) handleSITE(_ context.Context, s *server.Session, arg string) server.Reply {
	parts := strings.Fields(arg)
	if len(parts) == 0 {
		return reply(501, "SITE command requires parameters.")
	}

	switch strings.ToUpper(parts[0]) {
	case "HELP":
		return reply(214, "Available SITE commands: HELP, CHMOD")
	case "CHMOD":
		fs, err := s.FS()
		if err != nil {
			return errorReply(err)
		}
		// Syntax: SITE CHMOD <mode> <file>
		if len(parts) < 3 {
			return reply(501, "Syntax error in parameters or arguments.")
		}
		mode, err := strconv.ParseUint(parts[1], 8, 32)
		if err != nil {
			return reply(501, "Invalid mode.")
		}
		// Only standard permission bits (0-777)
		if mode > 0o777 {
			return reply(501, "Invalid mode: special bits not allowed.")
		}

		// The path may contain spaces.
		target := s.ResolvePath(strings.Join(parts[2:], " "))
		if err := fs.Chmod(target, os.FileMode(mode)); err != nil {
			return errorReply(err)
		}
		p.audit(s, "file_chmod",
			zap.String("path", target),
			zap.String("mode", fmt.Sprintf("%04o", mode)),
		)
		return reply(200, "SITE CHMOD command successful.")
	default:
		return reply(502, "SITE command not implemented.")
	}
}
