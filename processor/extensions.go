package processor

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"hash/crc32"
	"strings"
	"time"

	"github.com/gonzalop/ftpd/server"
	"go.uber.org/zap"
)

// attrHashAlgo holds the algorithm chosen with OPTS HASH.
const attrHashAlgo = "processor.hash"

const defaultHashAlgo = "SHA-256"

// hashAlgos lists the HASH algorithms in FEAT order.
var hashAlgos = []string{"SHA-1", "SHA-256", "SHA-512", "MD5", "CRC32"}

func newHash(algo string) (hash.Hash, bool) {
	switch algo {
	case "SHA-1":
		return sha1.New(), true
	case "SHA-256":
		return sha256.New(), true
	case "SHA-512":
		return sha512.New(), true
	case "MD5":
		return md5.New(), true
	case "CRC32":
		return crc32.NewIEEE(), true
	}
	return nil, false
}

func hashAlgo(s *server.Session) string {
	if algo, ok := s.Attr(attrHashAlgo).(string); ok {
		return algo
	}
	return defaultHashAlgo
}

// hashFeature renders the FEAT line, marking the selected algorithm.
func hashFeature(s *server.Session) string {
	selected := hashAlgo(s)
	names := make([]string, len(hashAlgos))
	for i, algo := range hashAlgos {
		names[i] = algo
		if algo == selected {
			names[i] += "*"
		}
	}
	return "HASH " + strings.Join(names, ";")
}

// optsHash handles "OPTS HASH [algorithm]".
func optsHash(s *server.Session, arg string) server.Reply {
	algo := strings.ToUpper(strings.TrimSpace(arg))
	if algo == "" {
		return reply(200, "%s", hashAlgo(s))
	}
	if _, ok := newHash(algo); !ok {
		return reply(501, "Unknown algorithm %s.", algo)
	}
	s.SetAttr(attrHashAlgo, algo)
	return reply(200, "%s", algo)
}

// handleHASH digests a whole file with the selected algorithm
// (draft-bryan-ftpext-hash): "213 SHA-256 0-<size> <hex> <path>".
func (p *Processor) handleHASH(ctx context.Context, s *server.Session, arg string) server.Reply {
	if r, ok := requireAuth(s); !ok {
		return r
	}
	if arg == "" {
		return reply(501, "Syntax error in parameters or arguments.")
	}
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
		return reply(550, "%s is not a file.", arg)
	}

	f, err := fs.Open(target)
	if err != nil {
		return errorReply(err)
	}
	defer f.Close()

	algo := hashAlgo(s)
	h, _ := newHash(algo)
	n, err := copyContext(ctx, h, f)
	if err != nil {
		return reply(451, "Requested action aborted: %v.", err)
	}
	return reply(213, "%s 0-%d %s %s", algo, n, hex.EncodeToString(h.Sum(nil)), arg)
}

// handleMFMT sets a file's modification time: "MFMT YYYYMMDDHHMMSS path",
// in UTC.
func (p *Processor) handleMFMT(_ context.Context, s *server.Session, arg string) server.Reply {
	if r, ok := requireAuth(s); !ok {
		return r
	}
	stamp, name, ok := strings.Cut(strings.TrimSpace(arg), " ")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return reply(501, "Syntax error in parameters or arguments.")
	}
	mtime, err := time.Parse("20060102150405", stamp)
	if err != nil {
		return reply(501, "Invalid time format.")
	}

	fs, err := s.FS()
	if err != nil {
		return errorReply(err)
	}
	target := s.ResolvePath(name)
	if err := fs.Chtimes(target, mtime, mtime); err != nil {
		return errorReply(err)
	}
	p.audit(s, "file_mtime_set", zap.String("path", target), zap.Time("mtime", mtime))
	return reply(213, "Modify=%s; %s", stamp, name)
}
