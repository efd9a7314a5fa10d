package processor

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gonzalop/ftpd/server"
)

// handleSYST returns the system type, detected from runtime.GOOS.
func (p *Processor) handleSYST(context.Context, *server.Session, string) server.Reply {
	var systType string
	switch runtime.GOOS {
	case "linux", "darwin", "freebsd", "openbsd", "netbsd", "dragonfly", "solaris", "illumos", "aix":
		systType = "UNIX Type: L8"
	case "windows":
		systType = "Windows_NT"
	case "plan9":
		systType = "Plan9"
	default:
		systType = "UNKNOWN Type: L8"
	}
	return reply(215, "%s", systType)
}

// features returns the FEAT lines for s.
func (p *Processor) features(s *server.Session) []string {
	features := []string{
		"SIZE",
		"MDTM",
		"PASV",
		"EPSV",
		"UTF8",
		"TVFS",
		"MLST type*;size*;modify*;perm*;",
		"REST STREAM",
		"MODE Z",
	}
	if p.Enabled("EPRT") {
		features = append(features, "EPRT")
	}
	if p.Enabled("MLSD") {
		features = append(features, "MLSD")
	}
	if p.Enabled("MFMT") {
		features = append(features, "MFMT")
	}
	if p.Enabled("HASH") {
		features = append(features, hashFeature(s))
	}
	if s.TLSAvailable() {
		features = append(features, "AUTH TLS", "PBSZ", "PROT")
	}
	return features
}

func (p *Processor) handleFEAT(_ context.Context, s *server.Session, _ string) server.Reply {
	return server.Reply{Code: 211, Message: "Features:", Lines: p.features(s)}
}

func (p *Processor) handleOPTS(_ context.Context, s *server.Session, arg string) server.Reply {
	opt := strings.ToUpper(strings.TrimSpace(arg))
	switch {
	case (opt == "HASH" || strings.HasPrefix(opt, "HASH ")) && p.Enabled("HASH"):
		return optsHash(s, opt[len("HASH"):])
	case opt == "UTF8 ON" || opt == "UTF8":
		return reply(200, "Always in UTF8 mode.")
	case opt == "UTF8 OFF":
		return reply(504, "UTF8 cannot be disabled.")
	case strings.HasPrefix(opt, "MODE Z"):
		// Compression level negotiation is accepted but the level is fixed.
		return reply(200, "MODE Z parameters accepted.")
	}
	return reply(501, "Option not understood.")
}

// handleHELP lists the enabled commands.
func (p *Processor) handleHELP(_ context.Context, _ *server.Session, arg string) server.Reply {
	if arg != "" {
		verb := strings.ToUpper(strings.TrimSpace(arg))
		if p.Enabled(verb) {
			return reply(214, "Syntax: %s is supported.", verb)
		}
		return reply(502, "Unknown command %s.", verb)
	}

	var verbs []string
	for verb := range p.handlers {
		if !p.disabled[verb] {
			verbs = append(verbs, verb)
		}
	}
	sort.Strings(verbs)

	var lines []string
	for i := 0; i < len(verbs); i += 8 {
		end := min(i+8, len(verbs))
		lines = append(lines, strings.Join(verbs[i:end], " "))
	}
	return server.Reply{Code: 214, Message: "The following commands are supported:", Lines: lines}
}

// handleSTAT returns the connection status, or a listing of the argument
// over the control connection (RFC 959).
func (p *Processor) handleSTAT(_ context.Context, s *server.Session, arg string) server.Reply {
	if arg != "" && !s.TransferInProgress() {
		return p.statPath(s, arg)
	}

	lines := []string{
		"Connected from " + s.RemoteAddr().String(),
	}
	if user := s.UserName(); user != "" {
		lines = append(lines, "Logged in as "+user)
	} else {
		lines = append(lines, "Not logged in")
	}
	lines = append(lines,
		fmt.Sprintf("TYPE: %s; STRUcture: %s; transfer MODE: %s", s.TransferType(), s.Structure(), s.Mode()),
	)
	if s.IsSecure() {
		prot := "Clear"
		if s.DataProtected() {
			prot = "Private"
		}
		lines = append(lines, "Control connection is secure; data protection: "+prot)
	}
	if dc := s.DataChannel(); dc != nil {
		if dc.Passive() {
			lines = append(lines, "Passive mode on port "+strconv.Itoa(dc.Port()))
		} else {
			lines = append(lines, "Active mode: "+dc.Target().String())
		}
		if s.TransferInProgress() {
			lines = append(lines, fmt.Sprintf("Transfer in progress: %s transferred",
				humanize.Bytes(uint64(dc.BytesTransferred()))))
		}
	}
	lines = append(lines,
		fmt.Sprintf("Session: %s transferred, connected %s",
			humanize.Bytes(uint64(s.BytesTransferred())),
			humanize.RelTime(s.ConnectTime(), time.Now(), "ago", "from now")),
	)
	return server.Reply{Code: 211, Message: "FTP server status:", Lines: lines}
}

func (p *Processor) statPath(s *server.Session, arg string) server.Reply {
	fs, err := s.FS()
	if err != nil {
		return errorReply(err)
	}
	entries, err := readTarget(fs, s.ResolvePath(listTarget(arg)))
	if err != nil {
		return errorReply(err)
	}
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, strings.TrimRight(formatListLine(entry), "\r\n"))
	}
	if len(lines) == 0 {
		return reply(213, "Status of %s: empty.", arg)
	}
	return server.Reply{Code: 213, Message: "Status of " + arg + ":", Lines: lines}
}

func (p *Processor) handleSIZE(_ context.Context, s *server.Session, arg string) server.Reply {
	fs, err := s.FS()
	if err != nil {
		return errorReply(err)
	}
	info, err := fs.Stat(s.ResolvePath(arg))
	if err != nil || info.IsDir() {
		return reply(550, "Could not get file size.")
	}
	return reply(213, "%d", info.Size())
}

func (p *Processor) handleMDTM(_ context.Context, s *server.Session, arg string) server.Reply {
	fs, err := s.FS()
	if err != nil {
		return errorReply(err)
	}
	info, err := fs.Stat(s.ResolvePath(arg))
	if err != nil {
		return reply(550, "Could not get file modification time.")
	}
	// YYYYMMDDHHMMSS format
	// RFC 3659 Section 2.3: "Time values are always represented in UTC"
	return reply(213, "%s", info.ModTime().UTC().Format("20060102150405"))
}

func (p *Processor) handleMLST(_ context.Context, s *server.Session, arg string) server.Reply {
	fs, err := s.FS()
	if err != nil {
		return errorReply(err)
	}
	target := s.ResolvePath(arg)
	info, err := fs.Stat(target)
	if err != nil {
		return reply(550, "Could not get file info.")
	}
	entry := strings.TrimRight(formatMLEntry(info, target), "\r\n")
	return server.Reply{Code: 250, Message: "Listing " + target, Lines: []string{entry}}
}
