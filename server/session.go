package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gonzalop/ftpd/internal/ratelimit"
	"github.com/spf13/afero"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// MaxCommandLength is the maximum length of a command line.
const MaxCommandLength = 4096

var errLineTooLong = errors.New("command line too long")

// allowedDuringTransfer lists the verbs accepted while a transfer runs.
var allowedDuringTransfer = map[string]bool{
	"ABOR": true,
	"STAT": true,
}

// Session is the protocol state of one control connection.
//
// A session starts Connected, becomes Authenticated after a successful Login
// and never goes back; Close makes it Closed. Its Secure flag flips from
// false to true once, through implicit TLS or UpgradeControl.
//
// Methods may be called from the CommandProcessor, from transfer goroutines
// and from the Supervisor; they are safe for concurrent use.
type Session struct {
	id          string
	server      *Server
	logger      *zap.Logger
	remoteAddr  net.Addr
	localAddr   net.Addr
	remoteIP    string
	connectTime time.Time

	// ctx is canceled by Close. Transfer contexts derive from it.
	ctx    context.Context
	cancel context.CancelFunc

	// writeMu serializes replies and is taken before mu.
	writeMu sync.Mutex

	// mu protects everything below.
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	secure bool

	user      *User
	loginTime time.Time
	home      string
	fs        afero.Fs
	cwd       string

	transferType TransferType
	structure    Structure
	mode         TransferMode
	protectData  bool
	renameFrom   string
	hasRename    bool
	attrs        map[string]any

	// Background transfer state
	data           *DataChannel
	busy           bool
	transferCancel context.CancelFunc
	transferDone   chan struct{}
	transferWG     sync.WaitGroup
	limiter        *ratelimit.Limiter

	deadline  *atomic.Time
	bytes     *atomic.Int64
	closed    *atomic.Bool
	evicting  *atomic.Bool
	closeOnce sync.Once

	// Reader synchronization
	cmdReqChan chan struct{}
}

func newSession(srv *Server, conn net.Conn, secure bool) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	ip := remoteIP(conn.RemoteAddr())

	s := &Session{
		id:           id,
		server:       srv,
		remoteAddr:   conn.RemoteAddr(),
		localAddr:    conn.LocalAddr(),
		remoteIP:     ip,
		connectTime:  time.Now(),
		ctx:          ctx,
		cancel:       cancel,
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writer:       bufio.NewWriter(conn),
		secure:       secure,
		cwd:          "/",
		transferType: TypeBinary,
		structure:    StructureFile,
		mode:         ModeStream,
		// Implicit TLS protects data connections by default.
		protectData: secure,
		attrs:       make(map[string]any),
		limiter:     ratelimit.New(srv.bandwidthPerSession),
		deadline:    atomic.NewTime(time.Time{}),
		bytes:       atomic.NewInt64(0),
		closed:      atomic.NewBool(false),
		evicting:    atomic.NewBool(false),
		cmdReqChan:  make(chan struct{}),
	}
	s.logger = srv.logger.With(
		zap.String("session_id", id),
		zap.String("remote_ip", ip),
	)
	s.touch()
	return s
}

type command struct {
	line string
	err  error
}

// serve handles the FTP session.
//
// Concurrency Model:
//
//  1. Reader Goroutine: A dedicated goroutine reads command lines from the
//     control connection and sends them to the main loop.
//
//  2. Main Loop (serve): Receives commands and hands them to the
//     CommandProcessor, one at a time. It is the single point of control for
//     the session's protocol state.
//
//  3. Synchronization (cmdReqChan): The reader waits for a signal on
//     cmdReqChan before reading the next line. The main loop sends it only
//     after the command has been processed, so UpgradeControl can swap the
//     connection, reader and writer while nobody reads.
//
//  4. Asynchronous Transfers: Send and Receive run the data copy in a
//     goroutine, set the busy flag and return, so ABOR and STAT can be
//     processed while a transfer runs.
//
//  5. External close: The supervisor may Close the session at any time. The
//     reader then fails on the closed socket and the loop exits as on any
//     other I/O error.
func (s *Session) serve() {
	defer func() {
		s.Close()
		s.transferWG.Wait()
	}()

	s.logger.Info("session_started",
		zap.Bool("secure", s.IsSecure()),
	)
	if err := s.Reply(220, s.server.welcomeMessage); err != nil {
		return
	}

	done := make(chan struct{})
	defer close(done)

	cmdChan := s.startCommandReader(done)

	for {
		var cmd command
		select {
		case c, ok := <-cmdChan:
			if !ok {
				return
			}
			cmd = c
		case <-s.ctx.Done():
			return
		}

		if cmd.err != nil {
			if errors.Is(cmd.err, errLineTooLong) {
				_ = s.Reply(500, "Command line too long.")
				return
			}
			if !errors.Is(cmd.err, io.EOF) && !s.closed.Load() {
				s.logger.Warn("read_error",
					zap.String("user", s.UserName()),
					zap.Error(cmd.err),
				)
			}
			return
		}

		s.touch()
		s.handleCommand(cmd.line)
		if s.closed.Load() {
			return
		}

		select {
		case s.cmdReqChan <- struct{}{}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) startCommandReader(done chan struct{}) chan command {
	cmdChan := make(chan command)
	go func() {
		defer close(cmdChan)
		for {
			line, err := s.readCommand()

			select {
			case cmdChan <- command{line, err}:
			case <-done:
				return
			}

			if err != nil {
				return
			}

			select {
			case <-s.cmdReqChan:
			case <-done:
				return
			}
		}
	}()
	return cmdChan
}

// readCommand reads a line from the control connection with a length limit
// and strips the line terminator and Telnet commands.
func (s *Session) readCommand() (string, error) {
	// The reader might be swapped by UpgradeControl between lines.
	s.mu.Lock()
	r := s.reader
	s.mu.Unlock()

	var line []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			break
		}
		if len(line) >= MaxCommandLength {
			return "", errLineTooLong
		}
		line = append(line, b)
	}
	line = stripTelnet(line)
	return strings.TrimRight(string(line), "\r"), nil
}

// handleCommand splits a line and dispatches it to the processor.
func (s *Session) handleCommand(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}

	verb, arg, _ := strings.Cut(line, " ")
	verb = strings.ToUpper(verb)
	req := Request{Verb: verb, Arg: arg, Line: line}

	logArg := arg
	if verb == "PASS" {
		logArg = "***"
	}
	s.logger.Debug("command_received",
		zap.String("user", s.UserName()),
		zap.String("cmd", verb),
		zap.String("arg", logArg),
	)

	start := time.Now()
	var reply Reply
	if s.TransferInProgress() && !allowedDuringTransfer[verb] {
		reply = Reply{Code: 503, Message: "Transfer in progress, please ABOR or wait."}
	} else {
		reply = s.server.processor.Execute(s.ctx, s, req)
	}

	if !reply.IsZero() {
		if err := s.WriteReply(reply); err != nil {
			s.logger.Debug("reply_failed", zap.Error(err))
		}
	}
	s.touch()
	s.server.sink.RecordCommand(verb, reply.Code, time.Since(start))

	if reply.Close {
		s.Close()
	}
}

// Reply writes a single-line reply to the control channel.
func (s *Session) Reply(code int, message string) error {
	return s.WriteReply(Reply{Code: code, Message: message})
}

// WriteReply writes r to the control channel.
func (s *Session) WriteReply(r Reply) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	w, conn := s.writer, s.conn
	s.mu.Unlock()

	if s.server.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.server.writeTimeout))
		defer conn.SetWriteDeadline(time.Time{})
	}

	if len(r.Lines) == 0 {
		fmt.Fprintf(w, "%d %s\r\n", r.Code, r.Message)
	} else {
		fmt.Fprintf(w, "%d-%s\r\n", r.Code, r.Message)
		for _, line := range r.Lines {
			fmt.Fprintf(w, " %s\r\n", line)
		}
		fmt.Fprintf(w, "%d End\r\n", r.Code)
	}
	return w.Flush()
}

// touch pushes the idle deadline to now plus the configured idle time.
func (s *Session) touch() {
	if idle := s.server.maxIdleTime; idle > 0 {
		s.deadline.Store(time.Now().Add(idle))
	}
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the control connection's peer address.
func (s *Session) RemoteAddr() net.Addr {
	return s.remoteAddr
}

// LocalAddr returns the control connection's local address.
func (s *Session) LocalAddr() net.Addr {
	return s.localAddr
}

// ConnectTime returns when the connection was accepted.
func (s *Session) ConnectTime() time.Time {
	return s.connectTime
}

// IdleDeadline returns the time after which the supervisor evicts the
// session. It is zero when idle eviction is disabled.
func (s *Session) IdleDeadline() time.Time {
	return s.deadline.Load()
}

// BytesTransferred returns the bytes moved over all data channels.
func (s *Session) BytesTransferred() int64 {
	return s.bytes.Load()
}

// IsClosed reports whether Close has been called.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// TLSAvailable reports whether the server can secure this session's
// connections.
func (s *Session) TLSAvailable() bool {
	return s.server.TLSAvailable()
}

// IsSecure reports whether the control channel is protected by TLS.
func (s *Session) IsSecure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secure
}

// Login authenticates the session. On success the working directory becomes
// "/" (the user's home) and the idle deadline is reset.
func (s *Session) Login(ctx context.Context, name, pass string) error {
	if s.IsAuthenticated() {
		return ErrAlreadyLoggedIn
	}

	u, err := s.server.users.Authenticate(ctx, name, pass)
	if err != nil {
		// Security audit: failed authentication
		s.logger.Warn("authentication_failed",
			zap.String("user", name),
			zap.String("reason", err.Error()),
		)
		s.server.sink.RecordAuthentication(false, name)
		return fmt.Errorf("login %q: %w", name, err)
	}

	home := s.server.users.HomeDirectory(u)
	fs, err := s.server.fsFactory(u, home)
	if err != nil {
		s.logger.Error("filesystem_unavailable",
			zap.String("user", name),
			zap.Error(err),
		)
		s.server.sink.RecordAuthentication(false, name)
		return fmt.Errorf("file system for %q: %w", name, err)
	}

	s.mu.Lock()
	if s.user != nil {
		s.mu.Unlock()
		_ = closeFileSystem(fs)
		return ErrAlreadyLoggedIn
	}
	s.user = u
	s.home = home
	s.fs = fs
	s.cwd = "/"
	s.loginTime = time.Now()
	s.mu.Unlock()
	s.touch()

	// Security audit: successful authentication
	s.logger.Info("authentication_success",
		zap.String("user", u.Name),
		zap.Bool("read_only", u.ReadOnly),
	)
	s.server.sink.RecordAuthentication(true, u.Name)
	return nil
}

// IsAuthenticated reports whether Login succeeded.
func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user != nil
}

// RequireAuth returns ErrNotLoggedIn unless the session is authenticated.
func (s *Session) RequireAuth() error {
	if !s.IsAuthenticated() {
		return ErrNotLoggedIn
	}
	return nil
}

// User returns a copy of the authenticated user, or nil.
func (s *Session) User() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// UserName returns the authenticated user's name, or "".
func (s *Session) UserName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return ""
	}
	return s.user.Name
}

// LoginTime returns when Login succeeded, or the zero time.
func (s *Session) LoginTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginTime
}

// Home returns the user's home directory as reported by the UserStore.
func (s *Session) Home() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.home
}

// FS returns the user's file system.
func (s *Session) FS() (afero.Fs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil, ErrNotLoggedIn
	}
	return s.fs, nil
}

// WorkingDir returns the virtual working directory. "/" is the home.
func (s *Session) WorkingDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// ResolvePath returns p as an absolute virtual path relative to the working
// directory. The result never climbs above "/".
func (s *Session) ResolvePath(p string) string {
	return resolvePath(s.WorkingDir(), p)
}

// SetWorkingDir changes the working directory to p, which must name an
// existing directory.
func (s *Session) SetWorkingDir(p string) error {
	fs, err := s.FS()
	if err != nil {
		return err
	}
	target := s.ResolvePath(p)
	info, err := fs.Stat(target)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: not a directory", target)
	}

	s.mu.Lock()
	s.cwd = target
	s.mu.Unlock()
	return nil
}

// TransferType returns the current representation type.
func (s *Session) TransferType() TransferType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferType
}

// SetTransferType sets the representation type. Only ASCII and Binary are
// supported.
func (s *Session) SetTransferType(t TransferType) error {
	if err := s.RequireAuth(); err != nil {
		return err
	}
	if t != TypeASCII && t != TypeBinary {
		return fmt.Errorf("%w: type %s", ErrUnsupportedParameter, t)
	}
	s.mu.Lock()
	s.transferType = t
	s.mu.Unlock()
	return nil
}

// Structure returns the current file structure.
func (s *Session) Structure() Structure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.structure
}

// SetStructure sets the file structure. Only File is supported.
func (s *Session) SetStructure(st Structure) error {
	if err := s.RequireAuth(); err != nil {
		return err
	}
	if st != StructureFile {
		return fmt.Errorf("%w: structure %s", ErrUnsupportedParameter, st)
	}
	s.mu.Lock()
	s.structure = st
	s.mu.Unlock()
	return nil
}

// Mode returns the current transmission mode.
func (s *Session) Mode() TransferMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode sets the transmission mode. Stream and Compressed are supported.
func (s *Session) SetMode(m TransferMode) error {
	if err := s.RequireAuth(); err != nil {
		return err
	}
	if m != ModeStream && m != ModeCompressed {
		return fmt.Errorf("%w: mode %s", ErrUnsupportedParameter, m)
	}
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
	return nil
}

// SetRenameFrom marks p as the pending rename source, replacing any previous
// marker.
func (s *Session) SetRenameFrom(p string) error {
	if err := s.RequireAuth(); err != nil {
		return err
	}
	s.mu.Lock()
	s.renameFrom = p
	s.hasRename = true
	s.mu.Unlock()
	return nil
}

// RenameFrom returns the pending rename source without consuming it.
func (s *Session) RenameFrom() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renameFrom, s.hasRename
}

// TakeRenameFrom returns and clears the pending rename source. It fails with
// ErrNoRenamePending when none is marked.
func (s *Session) TakeRenameFrom() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasRename {
		return "", ErrNoRenamePending
	}
	p := s.renameFrom
	s.renameFrom = ""
	s.hasRename = false
	return p, nil
}

// Attr returns a processor-defined session attribute.
func (s *Session) Attr(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attrs[key]
}

// SetAttr stores a processor-defined session attribute. A nil value removes
// the attribute.
func (s *Session) SetAttr(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == nil {
		delete(s.attrs, key)
		return
	}
	s.attrs[key] = value
}

// DataProtected reports whether PROT P is in effect.
func (s *Session) DataProtected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protectData
}

// SetDataProtection records the PROT level: true for Private, false for
// Clear.
func (s *Session) SetDataProtection(private bool) error {
	if !s.server.TLSAvailable() {
		return ErrTLSNotConfigured
	}
	s.mu.Lock()
	s.protectData = private
	s.mu.Unlock()
	return nil
}

// UpgradeControl secures the control channel (AUTH TLS). It writes the 234
// reply itself and then runs the handshake.
//
// If the client pipelined more plaintext after the AUTH command, or the
// handshake fails, the session is closed and an error is returned.
func (s *Session) UpgradeControl(ctx context.Context) error {
	if !s.server.TLSAvailable() {
		return ErrTLSNotConfigured
	}

	s.mu.Lock()
	secure, buffered, conn := s.secure, s.reader.Buffered(), s.conn
	s.mu.Unlock()

	if secure {
		return ErrAlreadySecure
	}
	if buffered > 0 {
		s.logger.Warn("control_upgrade_rejected",
			zap.String("reason", "pipelined_plaintext"),
			zap.Int("buffered", buffered),
		)
		s.Close()
		return ErrPipelinedUpgrade
	}

	if err := s.Reply(234, "AUTH TLS successful."); err != nil {
		s.Close()
		return err
	}

	tlsConn, err := s.server.provider.UpgradeServerSide(ctx, conn, s.server.tlsProtocol)
	if err != nil {
		s.logger.Warn("control_upgrade_failed", zap.Error(err))
		s.Close()
		return err
	}

	s.writeMu.Lock()
	s.mu.Lock()
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.secure = true
	s.mu.Unlock()
	s.writeMu.Unlock()

	s.logger.Info("control_upgraded")
	return nil
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SessionInfo{
		ID:                 s.id,
		Listener:           s.server.name,
		RemoteAddr:         s.remoteAddr.String(),
		ConnectTime:        s.connectTime,
		LoginTime:          s.loginTime,
		BytesTransferred:   s.bytes.Load(),
		Secure:             s.secure,
		IdleDeadline:       s.deadline.Load(),
		TransferInProgress: s.busy,
	}
	if s.user != nil {
		info.User = s.user.Name
	}
	return info
}

// Close closes the session: it cancels a running transfer, closes the data
// channel (releasing its passive port), closes the control connection and
// deregisters the session. Only the first call has an effect.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()

		s.mu.Lock()
		dc := s.data
		s.data = nil
		conn := s.conn
		fs := s.fs
		s.mu.Unlock()

		if dc != nil {
			err = multierr.Append(err, dc.Close())
		}
		if fs != nil {
			err = multierr.Append(err, closeFileSystem(fs))
		}
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}

		s.server.unregister(s)
		info := s.Info()
		s.server.sink.SessionClosed(info)
		s.logger.Info("session_closed",
			zap.String("user", info.User),
			zap.Int64("bytes_transferred", info.BytesTransferred),
			zap.Duration("duration", time.Since(s.connectTime)),
		)
	})
	return err
}

// closeWithReply sends a final reply with a short deadline and closes the
// session. It is used to close sessions from outside their command loop.
func (s *Session) closeWithReply(code int, message string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = s.Reply(code, message)
	return s.Close()
}
