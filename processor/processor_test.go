package processor

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gonzalop/ftpd/ftps"
	"github.com/gonzalop/ftpd/server"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticUsers map[string]string

func (u staticUsers) Authenticate(_ context.Context, user, pass string) (*server.User, error) {
	if want, ok := u[user]; !ok || want != pass {
		return nil, errors.New("bad credentials")
	}
	return &server.User{Name: user, HomeDir: "/home/" + user, ReadOnly: user == "guest"}, nil
}

func (u staticUsers) HomeDirectory(user *server.User) string {
	return user.HomeDir
}

var testUsers = staticUsers{"alice": "secret", "guest": "guest"}

// startServer serves the processor on loopback with an in-memory file
// system. Alice's home is /home/alice in the returned fs.
func startServer(t *testing.T, procOpts []Option, srvOpts ...server.Option) (*server.Server, afero.Fs) {
	t.Helper()
	proc, err := New(procOpts...)
	require.NoError(t, err)

	base := afero.NewMemMapFs()
	require.NoError(t, base.MkdirAll("/home/alice", 0o755))
	require.NoError(t, base.MkdirAll("/home/guest", 0o755))

	opts := append([]server.Option{
		server.WithProcessor(proc),
		server.WithUserStore(testUsers),
		server.WithFileSystem(server.MemFileSystem(base)),
		server.WithPassiveAddress("127.0.0.1", "127.0.0.1"),
		server.WithDataTimeout(2 * time.Second),
	}, srvOpts...)
	s, err := server.NewServer("127.0.0.1:0", opts...)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, base
}

type client struct {
	t *testing.T
	*textproto.Conn
	raw net.Conn
}

func dial(t *testing.T, s *server.Server) *client {
	t.Helper()
	raw, err := net.DialTimeout("tcp", s.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	c := &client{t: t, Conn: textproto.NewConn(raw), raw: raw}
	c.expect(220)
	return c
}

func (c *client) cmd(code int, format string, args ...any) string {
	c.t.Helper()
	_ = c.raw.SetDeadline(time.Now().Add(5 * time.Second))
	require.NoError(c.t, c.PrintfLine(format, args...))
	return c.expect(code)
}

func (c *client) expect(code int) string {
	c.t.Helper()
	_ = c.raw.SetDeadline(time.Now().Add(5 * time.Second))
	got, msg, err := c.ReadResponse(0)
	require.NoError(c.t, err)
	require.Equal(c.t, code, got, "reply: %s", msg)
	return msg
}

func (c *client) login(user, pass string) {
	c.t.Helper()
	c.cmd(331, "USER %s", user)
	c.cmd(230, "PASS %s", pass)
}

// dataConn opens a passive data connection.
func (c *client) dataConn() net.Conn {
	c.t.Helper()
	msg := c.cmd(227, "PASV")
	start, end := strings.Index(msg, "("), strings.Index(msg, ")")
	require.True(c.t, start >= 0 && end > start, msg)
	parts := strings.Split(msg[start+1:end], ",")
	require.Len(c.t, parts, 6)
	p1, _ := strconv.Atoi(parts[4])
	p2, _ := strconv.Atoi(parts[5])
	addr := net.JoinHostPort(strings.Join(parts[:4], "."), strconv.Itoa(p1*256+p2))

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(c.t, err)
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

// download runs a command that sends data and returns what arrived.
func (c *client) download(format string, args ...any) string {
	c.t.Helper()
	conn := c.dataConn()
	defer conn.Close()
	c.cmd(150, format, args...)
	b, err := io.ReadAll(conn)
	require.NoError(c.t, err)
	c.expect(226)
	return string(b)
}

// upload runs a command that receives data and returns the 150 message.
func (c *client) upload(data string, format string, args ...any) string {
	c.t.Helper()
	conn := c.dataConn()
	msg := c.cmd(150, format, args...)
	_, err := io.WriteString(conn, data)
	require.NoError(c.t, err)
	require.NoError(c.t, conn.Close())
	c.expect(226)
	return msg
}

func readFile(t *testing.T, fs afero.Fs, name string) string {
	t.Helper()
	b, err := afero.ReadFile(fs, name)
	require.NoError(t, err)
	return string(b)
}

func TestLoginSequence(t *testing.T) {
	t.Parallel()
	s, _ := startServer(t, nil)
	c := dial(t, s)

	c.cmd(503, "PASS secret")
	c.cmd(501, "USER")
	c.cmd(331, "USER alice")
	c.cmd(530, "PASS wrong")
	// The pending user is consumed by a failed PASS.
	c.cmd(503, "PASS secret")

	c.login("alice", "secret")
	c.cmd(530, "USER guest")
	c.cmd(230, "PASS whatever")
	assert.Equal(t, `"/" is the current directory.`, c.cmd(257, "PWD"))
	c.cmd(202, "ACCT x")
	c.cmd(200, "NOOP")
	c.cmd(221, "QUIT")
}

func TestCommandsRequireLogin(t *testing.T) {
	t.Parallel()
	s, _ := startServer(t, nil)
	c := dial(t, s)

	for _, line := range []string{
		"PWD", "CWD /", "CDUP", "MKD x", "RMD x", "DELE x", "RNFR x", "RNTO x",
		"SIZE x", "MDTM x", "MLST x", "LIST", "NLST", "MLSD", "RETR x", "STOR x",
		"APPE x", "STOU", "PASV", "EPSV", "PORT 127,0,0,1,4,1", "EPRT |1|127.0.0.1|1025|",
		"REST 10", "TYPE I", "MODE Z", "STRU F", "SITE CHMOD 644 x",
		"HASH x", "MFMT 20240101000000 x",
	} {
		t.Run(line, func(t *testing.T) {
			c.t = t
			c.cmd(530, "%s", line)
		})
	}
}

func TestDirectoryCommands(t *testing.T) {
	t.Parallel()
	s, fs := startServer(t, nil)
	c := dial(t, s)
	c.login("alice", "secret")

	assert.Equal(t, `"/docs" created.`, c.cmd(257, "MKD docs"))
	c.cmd(550, "MKD docs")
	c.cmd(250, "CWD docs")
	assert.Equal(t, `"/docs" is the current directory.`, c.cmd(257, "XPWD"))
	c.cmd(257, "XMKD inner")
	c.cmd(550, "RMD /docs")
	c.cmd(250, "RMD inner")
	c.cmd(250, "CDUP")
	assert.Equal(t, `"/" is the current directory.`, c.cmd(257, "PWD"))

	// The home directory is the root of the user's view.
	c.cmd(250, "CDUP")
	assert.Equal(t, `"/" is the current directory.`, c.cmd(257, "PWD"))

	c.cmd(550, "CWD missing")
	c.cmd(550, "RMD missing")
	c.cmd(550, "RMD /")

	require.NoError(t, afero.WriteFile(fs, "/home/alice/a.txt", []byte("x"), 0o644))
	c.cmd(550, "CWD a.txt")
	c.cmd(550, "RMD a.txt")
	c.cmd(550, "DELE docs")
	c.cmd(250, "DELE a.txt")
	c.cmd(250, "XRMD docs")

	exists, _ := afero.Exists(fs, "/home/alice/docs")
	assert.False(t, exists)
}

func TestDirMessage(t *testing.T) {
	t.Parallel()
	s, fs := startServer(t, []Option{WithDirMessage(true)})
	require.NoError(t, fs.MkdirAll("/home/alice/pub", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/home/alice/pub/.message", []byte("Welcome\r\nto pub\n"), 0o644))

	c := dial(t, s)
	c.login("alice", "secret")
	msg := c.cmd(250, "CWD pub")
	assert.Contains(t, msg, "Welcome")
	assert.Contains(t, msg, "to pub")

	// No message file, single line reply.
	assert.Equal(t, "Directory changed to parent.", c.cmd(250, "CDUP"))
}

func TestRename(t *testing.T) {
	t.Parallel()
	s, fs := startServer(t, nil)
	require.NoError(t, afero.WriteFile(fs, "/home/alice/a.txt", []byte("data"), 0o644))

	c := dial(t, s)
	c.login("alice", "secret")

	c.cmd(503, "RNTO b.txt")
	c.cmd(550, "RNFR missing.txt")
	c.cmd(350, "RNFR a.txt")
	c.cmd(250, "RNTO b.txt")
	c.cmd(503, "RNTO c.txt")

	assert.Equal(t, "data", readFile(t, fs, "/home/alice/b.txt"))
	exists, _ := afero.Exists(fs, "/home/alice/a.txt")
	assert.False(t, exists)
}

func TestFileInfoCommands(t *testing.T) {
	t.Parallel()
	s, fs := startServer(t, nil)
	require.NoError(t, afero.WriteFile(fs, "/home/alice/a.txt", []byte("hello"), 0o644))
	stamp := time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)
	require.NoError(t, fs.Chtimes("/home/alice/a.txt", stamp, stamp))

	c := dial(t, s)
	c.login("alice", "secret")

	assert.Equal(t, "5", c.cmd(213, "SIZE a.txt"))
	assert.Equal(t, "20240304050607", c.cmd(213, "MDTM a.txt"))
	c.cmd(550, "SIZE /")
	c.cmd(550, "SIZE missing")
	c.cmd(550, "MDTM missing")

	msg := c.cmd(250, "MLST a.txt")
	assert.Contains(t, msg, "type=file;size=5;modify=20240304050607;perm=radfw; /a.txt")
	c.cmd(550, "MLST missing")
}

func TestHash(t *testing.T) {
	t.Parallel()
	s, fs := startServer(t, nil)
	require.NoError(t, afero.WriteFile(fs, "/home/alice/a.txt", []byte("hello"), 0o644))
	require.NoError(t, fs.Mkdir("/home/alice/dir", 0o755))

	c := dial(t, s)
	c.login("alice", "secret")

	sum := sha256.Sum256([]byte("hello"))
	assert.Equal(t, "SHA-256 0-5 "+hex.EncodeToString(sum[:])+" a.txt", c.cmd(213, "HASH a.txt"))
	assert.Contains(t, c.cmd(211, "FEAT"), "HASH SHA-1;SHA-256*;SHA-512;MD5;CRC32")

	assert.Equal(t, "SHA-256", c.cmd(200, "OPTS HASH"))
	assert.Equal(t, "MD5", c.cmd(200, "OPTS HASH md5"))
	c.cmd(501, "OPTS HASH WHIRLPOOL")
	assert.Equal(t, "MD5", c.cmd(200, "OPTS HASH"))
	md := md5.Sum([]byte("hello"))
	assert.Equal(t, "MD5 0-5 "+hex.EncodeToString(md[:])+" a.txt", c.cmd(213, "HASH a.txt"))
	assert.Contains(t, c.cmd(211, "FEAT"), "HASH SHA-1;SHA-256;SHA-512;MD5*;CRC32")

	c.cmd(200, "OPTS HASH CRC32")
	assert.Equal(t, "CRC32 0-5 3610a686 a.txt", c.cmd(213, "HASH a.txt"))

	c.cmd(501, "HASH")
	c.cmd(550, "HASH missing")
	c.cmd(550, "HASH dir")
}

func TestModifyTime(t *testing.T) {
	t.Parallel()
	s, fs := startServer(t, nil)
	require.NoError(t, afero.WriteFile(fs, "/home/alice/my file.txt", []byte("x"), 0o644))

	c := dial(t, s)
	c.login("alice", "secret")
	assert.Contains(t, c.cmd(211, "FEAT"), "MFMT")

	assert.Equal(t, "Modify=20240304050607; my file.txt", c.cmd(213, "MFMT 20240304050607 my file.txt"))
	info, err := fs.Stat("/home/alice/my file.txt")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC), info.ModTime().UTC())
	assert.Equal(t, "20240304050607", c.cmd(213, "MDTM my file.txt"))

	c.cmd(501, "MFMT")
	c.cmd(501, "MFMT 20240304050607")
	c.cmd(501, "MFMT yesterday my file.txt")
	c.cmd(550, "MFMT 20240304050607 missing")
}

func TestRetrieveAndStore(t *testing.T) {
	t.Parallel()
	s, fs := startServer(t, nil)
	c := dial(t, s)
	c.login("alice", "secret")

	c.cmd(501, "STOR")
	c.cmd(425, "STOR up.txt")

	c.upload("hello world", "STOR up.txt")
	assert.Equal(t, "hello world", readFile(t, fs, "/home/alice/up.txt"))
	assert.Equal(t, "hello world", c.download("RETR up.txt"))

	c.upload("!!", "APPE up.txt")
	assert.Equal(t, "hello world!!", readFile(t, fs, "/home/alice/up.txt"))

	c.cmd(550, "RETR missing.txt")
	require.NoError(t, fs.Mkdir("/home/alice/dir", 0o755))
	c.cmd(550, "RETR dir")
}

func TestRestartOffsets(t *testing.T) {
	t.Parallel()
	s, fs := startServer(t, nil)
	require.NoError(t, afero.WriteFile(fs, "/home/alice/a.txt", []byte("0123456789"), 0o644))

	c := dial(t, s)
	c.login("alice", "secret")
	c.cmd(200, "TYPE I")

	c.cmd(501, "REST abc")
	c.cmd(501, "REST -1")
	c.cmd(350, "REST 4")
	assert.Equal(t, "456789", c.download("RETR a.txt"))

	// The offset is consumed by the transfer.
	assert.Equal(t, "0123456789", c.download("RETR a.txt"))

	// Any other command clears a pending offset.
	c.cmd(350, "REST 4")
	c.cmd(200, "NOOP")
	assert.Equal(t, "0123456789", c.download("RETR a.txt"))

	c.cmd(350, "REST 8")
	c.upload("XY", "STOR a.txt")
	assert.Equal(t, "01234567XY", readFile(t, fs, "/home/alice/a.txt"))

	c.cmd(200, "TYPE A")
	c.cmd(504, "REST 4")
}

func TestStoreUnique(t *testing.T) {
	t.Parallel()
	s, fs := startServer(t, nil)
	c := dial(t, s)
	c.login("alice", "secret")

	msg := c.upload("unique", "STOU")
	assert.Contains(t, msg, "/ftp-")

	entries, err := afero.ReadDir(fs, "/home/alice")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "ftp-"))
	assert.Equal(t, "unique", readFile(t, fs, "/home/alice/"+entries[0].Name()))
}

func TestListings(t *testing.T) {
	t.Parallel()
	s, fs := startServer(t, nil)
	require.NoError(t, afero.WriteFile(fs, "/home/alice/a.txt", []byte("hello"), 0o644))
	require.NoError(t, fs.Mkdir("/home/alice/sub", 0o755))

	c := dial(t, s)
	c.login("alice", "secret")

	list := c.download("LIST -la")
	assert.Contains(t, list, "a.txt\r\n")
	assert.Contains(t, list, "sub\r\n")
	assert.True(t, strings.HasPrefix(list, "-rw-r--r--") || strings.HasPrefix(list, "drwxr-xr-x"), list)

	nlst := c.download("NLST")
	assert.ElementsMatch(t, []string{"a.txt", "sub"}, strings.Fields(nlst))

	assert.Equal(t, "a.txt\r\n", c.download("NLST a.txt"))

	mlsd := c.download("MLSD")
	assert.Contains(t, mlsd, "type=file;size=5;")
	assert.Contains(t, mlsd, "type=dir;")

	c.cmd(501, "MLSD a.txt")
	c.cmd(550, "LIST missing")
	assert.Empty(t, c.download("LIST sub"))
}

func TestReadOnlyUser(t *testing.T) {
	t.Parallel()
	s, fs := startServer(t, nil)
	require.NoError(t, fs.MkdirAll("/home/guest", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/home/guest/readme", []byte("read me"), 0o644))

	c := dial(t, s)
	c.login("guest", "guest")

	assert.Equal(t, "read me", c.download("RETR readme"))
	conn := c.dataConn()
	defer conn.Close()
	c.cmd(550, "STOR new.txt")
	c.cmd(550, "MKD dir")
	c.cmd(550, "DELE readme")
	c.cmd(350, "RNFR readme")
	c.cmd(550, "RNTO other")
	c.cmd(550, "SITE CHMOD 600 readme")
	c.cmd(550, "MFMT 20240101000000 readme")
}

func TestTransferParameters(t *testing.T) {
	t.Parallel()
	s, _ := startServer(t, nil)
	c := dial(t, s)
	c.login("alice", "secret")

	assert.Equal(t, "Type set to ASCII.", c.cmd(200, "TYPE A"))
	c.cmd(200, "TYPE A N")
	c.cmd(200, "TYPE L 8")
	c.cmd(200, "TYPE I")
	c.cmd(504, "TYPE E")
	c.cmd(504, "TYPE X")
	c.cmd(200, "MODE S")
	c.cmd(200, "MODE Z")
	c.cmd(504, "MODE B")
	c.cmd(200, "STRU F")
	c.cmd(504, "STRU R")

	status := c.cmd(211, "STAT")
	assert.Contains(t, status, "Logged in as alice")
	assert.Contains(t, status, "TYPE: BINARY")
}

func TestActiveMode(t *testing.T) {
	t.Parallel()
	s, fs := startServer(t, nil)
	require.NoError(t, afero.WriteFile(fs, "/home/alice/a.txt", []byte("active"), 0o644))

	c := dial(t, s)
	c.login("alice", "secret")

	c.cmd(501, "PORT 1,2,3")
	c.cmd(501, "PORT 127,0,0,1,300,1")
	c.cmd(501, "PORT 999,0,0,1,4,1")
	c.cmd(500, "PORT 10,0,0,1,4,1")
	c.cmd(501, "EPRT |1|")
	c.cmd(522, "EPRT |3|127.0.0.1|2000|")
	c.cmd(501, "EPRT |2|127.0.0.1|2000|")
	c.cmd(501, "EPRT |1|127.0.0.1|0|")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	got := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			got <- ""
			return
		}
		defer conn.Close()
		b, _ := io.ReadAll(conn)
		got <- string(b)
	}()

	c.cmd(200, "EPRT |1|127.0.0.1|%d|", port)
	c.cmd(150, "RETR a.txt")
	assert.Equal(t, "active", <-got)
	c.expect(226)
}

func TestPassiveReplies(t *testing.T) {
	t.Parallel()
	s, _ := startServer(t, nil)
	c := dial(t, s)
	c.login("alice", "secret")

	assert.Regexp(t, `^Entering Extended Passive Mode \(\|\|\|\d+\|\)$`, c.cmd(229, "EPSV"))
	c.cmd(229, "EPSV 1")
	c.cmd(522, "EPSV 3")
	c.cmd(200, "EPSV ALL")
	assert.Regexp(t, `^Entering Passive Mode \(127,0,0,1,\d+,\d+\)\.$`, c.cmd(227, "PASV"))
}

func TestAbortWithoutTransfer(t *testing.T) {
	t.Parallel()
	s, _ := startServer(t, nil)
	c := dial(t, s)
	c.login("alice", "secret")
	c.cmd(227, "PASV")
	c.cmd(225, "ABOR")
	c.cmd(425, "LIST")
}

func TestAbortDuringTransfer(t *testing.T) {
	t.Parallel()
	s, fs := startServer(t, nil)
	c := dial(t, s)
	c.login("alice", "secret")

	conn := c.dataConn()
	defer conn.Close()
	c.cmd(150, "STOR big.bin")
	_, err := conn.Write(make([]byte, 1024))
	require.NoError(t, err)

	c.cmd(503, "NOOP")
	status := c.cmd(211, "STAT")
	assert.Contains(t, status, "Transfer in progress")

	require.NoError(t, c.PrintfLine("ABOR"))
	c.expect(426)
	c.expect(226)

	exists, _ := afero.Exists(fs, "/home/alice/big.bin")
	assert.True(t, exists)
	c.cmd(200, "NOOP")
}

func TestCompressedMode(t *testing.T) {
	t.Parallel()
	s, fs := startServer(t, nil)
	c := dial(t, s)
	c.login("alice", "secret")
	c.cmd(200, "MODE Z")
	c.cmd(200, "OPTS MODE Z LEVEL 6")

	// Round trip through the server: what a client deflates comes back
	// deflated the same way.
	require.NoError(t, afero.WriteFile(fs, "/home/alice/z.txt", []byte(strings.Repeat("z", 4096)), 0o644))
	deflated := c.download("RETR z.txt")
	assert.Less(t, len(deflated), 4096)

	c.upload(deflated, "STOR copy.txt")
	assert.Equal(t, strings.Repeat("z", 4096), readFile(t, fs, "/home/alice/copy.txt"))
}

func TestInformationCommands(t *testing.T) {
	t.Parallel()
	s, _ := startServer(t, nil)
	c := dial(t, s)

	assert.NotEmpty(t, c.cmd(215, "SYST"))

	feat := c.cmd(211, "FEAT")
	for _, f := range []string{"SIZE", "MDTM", "EPSV", "EPRT", "MLSD", "REST STREAM", "MODE Z", "UTF8"} {
		assert.Contains(t, feat, f)
	}
	assert.NotContains(t, feat, "AUTH TLS")

	help := c.cmd(214, "HELP")
	assert.Contains(t, help, "RETR")
	assert.Contains(t, help, "XCWD")
	c.cmd(214, "HELP retr")
	c.cmd(502, "HELP BOGUS")

	c.cmd(200, "OPTS UTF8 ON")
	c.cmd(504, "OPTS UTF8 OFF")
	c.cmd(501, "OPTS NOPE")
	c.cmd(502, "BOGUS")

	c.cmd(502, "AUTH TLS")
	c.cmd(502, "PBSZ 0")
	c.cmd(502, "PROT P")
}

func TestDisableCommands(t *testing.T) {
	t.Parallel()
	s, _ := startServer(t, []Option{
		WithDisableCommands(ActiveModeCommands...),
		WithDisableCommands(LegacyCommands...),
		WithDisableMLSD(true),
	})
	c := dial(t, s)
	c.login("alice", "secret")

	c.cmd(502, "PORT 127,0,0,1,4,1")
	c.cmd(502, "EPRT |1|127.0.0.1|1025|")
	c.cmd(502, "XPWD")
	c.cmd(502, "MLSD")
	c.cmd(257, "PWD")

	feat := c.cmd(211, "FEAT")
	assert.NotContains(t, feat, "EPRT")
	assert.NotContains(t, feat, "MLSD")
	help := c.cmd(214, "HELP")
	assert.NotContains(t, help, "XPWD")
	assert.NotContains(t, help, "PORT")
}

func TestReplyFormatting(t *testing.T) {
	t.Parallel()
	assert.Equal(t, server.Reply{Code: 213, Message: "42"}, reply(213, "%d", int64(42)))
	assert.Equal(t, server.Reply{Code: 215, Message: "UNIX Type: L8"}, reply(215, "%s", "UNIX Type: L8"))
	// Without arguments the text is sent as is.
	assert.Equal(t, server.Reply{Code: 200, Message: "100% done."}, reply(200, "100% done."))
}

func TestNewRejectsEmptyCommand(t *testing.T) {
	t.Parallel()
	_, err := New(WithDisableCommands(" "))
	assert.Error(t, err)
}

func TestSiteCommands(t *testing.T) {
	t.Parallel()
	s, fs := startServer(t, nil)
	require.NoError(t, afero.WriteFile(fs, "/home/alice/my file", []byte("x"), 0o644))

	c := dial(t, s)
	c.login("alice", "secret")

	c.cmd(501, "SITE")
	c.cmd(214, "SITE HELP")
	c.cmd(200, "SITE CHMOD 600 my file")
	c.cmd(501, "SITE CHMOD 7777 my file")
	c.cmd(501, "SITE CHMOD 9x my file")
	c.cmd(501, "SITE CHMOD 600")
	c.cmd(550, "SITE CHMOD 600 missing")
	c.cmd(502, "SITE EXEC rm")

	info, err := fs.Stat("/home/alice/my file")
	require.NoError(t, err)
	assert.Equal(t, "-rw-------", info.Mode().Perm().String())
}

func TestStatPath(t *testing.T) {
	t.Parallel()
	s, fs := startServer(t, nil)
	require.NoError(t, afero.WriteFile(fs, "/home/alice/a.txt", []byte("hello"), 0o644))
	require.NoError(t, fs.Mkdir("/home/alice/empty", 0o755))

	c := dial(t, s)
	c.login("alice", "secret")

	assert.Contains(t, c.cmd(213, "STAT a.txt"), "a.txt")
	assert.Equal(t, "Status of empty: empty.", c.cmd(213, "STAT empty"))
	c.cmd(550, "STAT missing")
}

func testProvider(t *testing.T) *ftps.Provider {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "processor test"},
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

func TestExplicitTLS(t *testing.T) {
	t.Parallel()
	s, fs := startServer(t, nil, server.WithSecureProvider(testProvider(t)))
	require.NoError(t, afero.WriteFile(fs, "/home/alice/secret.txt", []byte("classified"), 0o644))

	c := dial(t, s)
	assert.Contains(t, c.cmd(211, "FEAT"), "AUTH TLS")
	c.cmd(504, "AUTH KERBEROS")
	c.cmd(503, "PBSZ 0")
	c.cmd(503, "PROT P")
	c.cmd(234, "AUTH TLS")

	tlsConf := &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12}
	tlsConn := tls.Client(c.raw, tlsConf)
	_ = tlsConn.SetDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, tlsConn.Handshake())
	c = &client{t: t, Conn: textproto.NewConn(tlsConn), raw: tlsConn}

	c.cmd(503, "AUTH TLS")
	assert.Equal(t, "PBSZ=0", c.cmd(200, "PBSZ 0"))
	c.cmd(536, "PROT S")
	c.cmd(504, "PROT X")
	c.cmd(200, "PROT P")
	c.login("alice", "secret")

	conn := c.dataConn()
	defer conn.Close()
	c.cmd(150, "RETR secret.txt")
	dataTLS := tls.Client(conn, tlsConf)
	b, err := io.ReadAll(dataTLS)
	require.NoError(t, err)
	assert.Equal(t, "classified", string(b))
	c.expect(226)

	c.cmd(200, "PROT C")
}
