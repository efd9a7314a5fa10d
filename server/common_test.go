package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gonzalop/ftpd/ftps"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// staticUsers authenticates a fixed set of users.
type staticUsers map[string]string

func (u staticUsers) Authenticate(_ context.Context, user, pass string) (*User, error) {
	want, ok := u[user]
	if !ok || want != pass {
		return nil, errors.New("bad credentials")
	}
	return &User{Name: user, HomeDir: "/home/" + user, ReadOnly: user == "guest"}, nil
}

func (u staticUsers) HomeDirectory(user *User) string {
	return user.HomeDir
}

var testUsers = staticUsers{"alice": "secret", "guest": "guest"}

// testProcessor implements just enough commands to drive the core.
func testProcessor() CommandProcessor {
	return CommandProcessorFunc(func(ctx context.Context, s *Session, req Request) Reply {
		switch req.Verb {
		case "USER":
			s.SetAttr("user", req.Arg)
			return Reply{Code: 331, Message: "Password required."}
		case "PASS":
			name, _ := s.Attr("user").(string)
			if err := s.Login(ctx, name, req.Arg); err != nil {
				return Reply{Code: 530, Message: "Login incorrect."}
			}
			return Reply{Code: 230, Message: "Logged in."}
		case "NOOP":
			return Reply{Code: 200, Message: "OK."}
		case "QUIT":
			return Reply{Code: 221, Message: "Goodbye.", Close: true}
		case "AUTH":
			err := s.UpgradeControl(ctx)
			switch {
			case errors.Is(err, ErrTLSNotConfigured):
				return Reply{Code: 502, Message: "TLS not configured."}
			case errors.Is(err, ErrAlreadySecure):
				return Reply{Code: 503, Message: "Already secure."}
			}
			return Reply{}
		case "PROT":
			if err := s.SetDataProtection(req.Arg == "P"); err != nil {
				return Reply{Code: 536, Message: "TLS not configured."}
			}
			return Reply{Code: 200, Message: "PROT ok."}
		case "TYPE":
			t, err := ParseTransferType(req.Arg)
			if err == nil {
				err = s.SetTransferType(t)
			}
			return paramReply(err)
		case "MODE":
			m, err := ParseMode(req.Arg)
			if err == nil {
				err = s.SetMode(m)
			}
			return paramReply(err)
		case "PASV":
			ip, port, err := s.OpenPassive(ctx)
			if err != nil {
				return Reply{Code: 425, Message: "Can't open passive connection."}
			}
			h := strings.ReplaceAll(ip.To4().String(), ".", ",")
			return Reply{Code: 227, Message: fmt.Sprintf("Entering Passive Mode (%s,%d,%d).", h, port/256, port%256)}
		case "PORT":
			addr, err := net.ResolveTCPAddr("tcp", req.Arg)
			if err != nil {
				return Reply{Code: 501, Message: "Syntax error."}
			}
			if err := s.OpenActive(addr); err != nil {
				if errors.Is(err, ErrPortIPMismatch) {
					return Reply{Code: 500, Message: "Illegal PORT command."}
				}
				return Reply{Code: 530, Message: "Not logged in."}
			}
			return Reply{Code: 200, Message: "PORT ok."}
		case "RETR":
			fs, err := s.FS()
			if err != nil {
				return Reply{Code: 530, Message: "Not logged in."}
			}
			data, err := afero.ReadFile(fs, s.ResolvePath(req.Arg))
			if err != nil {
				return Reply{Code: 550, Message: "No such file."}
			}
			return transferReply(s.Send("RETR", req.Arg, func(_ context.Context, w io.Writer) (int64, error) {
				n, err := w.Write(data)
				return int64(n), err
			}))
		case "SLOW":
			return transferReply(s.Send("SLOW", "", func(ctx context.Context, w io.Writer) (int64, error) {
				var n int64
				chunk := make([]byte, 512)
				for ctx.Err() == nil {
					m, err := w.Write(chunk)
					n += int64(m)
					if err != nil {
						return n, err
					}
					time.Sleep(5 * time.Millisecond)
				}
				return n, ctx.Err()
			}))
		case "STOR":
			fs, err := s.FS()
			if err != nil {
				return Reply{Code: 530, Message: "Not logged in."}
			}
			target := s.ResolvePath(req.Arg)
			return transferReply(s.Receive("STOR", req.Arg, func(_ context.Context, r io.Reader) (int64, error) {
				f, err := fs.Create(target)
				if err != nil {
					return 0, err
				}
				defer f.Close()
				return io.Copy(f, r)
			}))
		case "ABOR":
			if s.AbortTransfer() {
				return Reply{Code: 226, Message: "ABOR command successful."}
			}
			return Reply{Code: 226, Message: "No transfer to abort."}
		case "STAT":
			return Reply{Code: 211, Message: "Status", Lines: []string{
				"Logged in as " + s.UserName(),
				"TYPE: " + s.TransferType().String(),
			}}
		}
		return Reply{Code: 502, Message: "Command not implemented."}
	})
}

func paramReply(err error) Reply {
	switch {
	case err == nil:
		return Reply{Code: 200, Message: "OK."}
	case errors.Is(err, ErrNotLoggedIn):
		return Reply{Code: 530, Message: "Not logged in."}
	}
	return Reply{Code: 504, Message: "Not implemented for that parameter."}
}

func transferReply(err error) Reply {
	switch {
	case err == nil:
		return Reply{}
	case errors.Is(err, ErrNoDataChannel):
		return Reply{Code: 425, Message: "Use PORT or PASV first."}
	case errors.Is(err, ErrTransferInProgress):
		return Reply{Code: 450, Message: "Transfer in progress."}
	}
	return Reply{Code: 530, Message: "Not logged in."}
}

// newTestServer creates a server with an in-memory file system that is not
// listening yet.
func newTestServer(t *testing.T, opts ...Option) (*Server, afero.Fs) {
	t.Helper()
	base := afero.NewMemMapFs()
	all := append([]Option{
		WithProcessor(testProcessor()),
		WithUserStore(testUsers),
		WithFileSystem(MemFileSystem(base)),
		WithDataTimeout(2 * time.Second),
	}, opts...)
	s, err := NewServer("127.0.0.1:0", all...)
	require.NoError(t, err)
	return s, base
}

// startTestServer starts a server on a loopback port and stops it with the
// test.
func startTestServer(t *testing.T, opts ...Option) (*Server, afero.Fs) {
	t.Helper()
	s, base := newTestServer(t, opts...)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, base
}

type testClient struct {
	*textproto.Conn
	raw net.Conn
}

// dial connects to the server and consumes the banner.
func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	raw, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	c := &testClient{Conn: textproto.NewConn(raw), raw: raw}
	c.expect(t, 220)
	return c
}

// cmd sends a command and checks the reply code.
func (c *testClient) cmd(t *testing.T, code int, format string, args ...any) string {
	t.Helper()
	_ = c.raw.SetDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, c.PrintfLine(format, args...))
	return c.expect(t, code)
}

func (c *testClient) expect(t *testing.T, code int) string {
	t.Helper()
	_ = c.raw.SetDeadline(time.Now().Add(5 * time.Second))
	got, msg, err := c.ReadResponse(0)
	require.NoError(t, err)
	require.Equal(t, code, got, "reply: %s", msg)
	return msg
}

func (c *testClient) login(t *testing.T, user, pass string) {
	t.Helper()
	c.cmd(t, 331, "USER %s", user)
	c.cmd(t, 230, "PASS %s", pass)
}

// pasv sends PASV and returns the address to connect to.
func (c *testClient) pasv(t *testing.T) string {
	t.Helper()
	msg := c.cmd(t, 227, "PASV")
	start, end := strings.Index(msg, "("), strings.Index(msg, ")")
	require.True(t, start >= 0 && end > start, msg)
	parts := strings.Split(msg[start+1:end], ",")
	require.Len(t, parts, 6)
	p1, _ := strconv.Atoi(parts[4])
	p2, _ := strconv.Atoi(parts[5])
	return net.JoinHostPort(strings.Join(parts[:4], "."), strconv.Itoa(p1*256+p2))
}

// freePortRange returns a spec for n consecutive ports that were free a
// moment ago.
func freePortRange(t *testing.T, n int) (string, int) {
	t.Helper()
	for attempt := 0; attempt < 20; attempt++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		first := ln.Addr().(*net.TCPAddr).Port
		ln.Close()
		if first+n > 65535 {
			continue
		}
		ok := true
		for p := first; p < first+n; p++ {
			l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p)))
			if err != nil {
				ok = false
				break
			}
			l.Close()
		}
		if ok {
			return fmt.Sprintf("%d-%d", first, first+n-1), first
		}
	}
	t.Fatal("no free port range")
	return "", 0
}

// testProvider returns a provider with a fresh self-signed identity.
func testProvider(t *testing.T) *ftps.Provider {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "ftpd test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	data = append(data, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})...)

	p, err := ftps.NewProvider(ftps.Config{KeyStore: ftps.KeyStore{Data: data, Format: "pem"}})
	require.NoError(t, err)
	return p
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12}
}

// recordingSink counts events for assertions.
type recordingSink struct {
	NopEventSink
	mu        sync.Mutex
	rejected  []string
	auths     []bool
	transfers []error
	closed    int
}

func (r *recordingSink) RecordConnection(accepted bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !accepted {
		r.rejected = append(r.rejected, reason)
	}
}

func (r *recordingSink) RecordAuthentication(success bool, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auths = append(r.auths, success)
}

func (r *recordingSink) RecordTransfer(_ string, _ int64, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfers = append(r.transfers, err)
}

func (r *recordingSink) SessionClosed(SessionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
}
