package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gonzalop/ftpd/ftps"
	"github.com/gonzalop/ftpd/internal/portpool"
	"github.com/gonzalop/ftpd/internal/ratelimit"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Server is an FTP listener.
//
// It accepts control connections and runs one Session per connection, each
// in its own goroutine. Command semantics are delegated to a
// CommandProcessor; authentication to a UserStore.
//
// Lifecycle:
//  1. Create server with NewServer()
//  2. Start with Start() (non-blocking) or ListenAndServe()/Serve() (blocking)
//  3. Optionally Suspend() and Resume() accepting new connections
//  4. Stop() stops accepting; Shutdown() also closes the sessions
//
// Basic example:
//
//	users, _ := userstore.Load("users.json")
//	proc, _ := processor.New()
//	s, err := server.NewServer(":21",
//	    server.WithProcessor(proc),
//	    server.WithUserStore(users),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
type Server struct {
	// addr is the TCP address to listen on (e.g., ":21").
	addr string

	// name identifies the listener in SessionInfo. Defaults to addr.
	name string

	processor CommandProcessor
	users     UserStore
	fsFactory FileSystemFactory
	logger    *zap.Logger
	sink      EventSink

	// supervisor tracks sessions for idle eviction. ownSupervisor is set
	// when the server created it and therefore runs it.
	supervisor    *Supervisor
	ownSupervisor bool

	listenerFactory ListenerFactory

	// TLS. provider is nil when FTPS is disabled.
	provider        *ftps.Provider
	implicitTLS     bool
	tlsProtocol     string
	dataTLSPolicy   DataTLSPolicy
	activeTLSClient bool

	// Passive mode.
	pasvSpec      string
	pasvPool      *portpool.Pool
	pasvBind      string
	pasvAdvertise string

	welcomeMessage string

	// maxIdleTime is the maximum time a session can be idle before being closed.
	// Defaults to 5 minutes.
	maxIdleTime time.Duration

	// writeTimeout is the deadline for control channel writes.
	// If 0, no timeout is applied.
	writeTimeout time.Duration

	// dataTimeout bounds passive accepts and active dials.
	dataTimeout time.Duration

	portIPCheck bool

	// maxConnections is the maximum number of simultaneous connections.
	// If 0, there is no limit.
	maxConnections int

	// maxConnectionsPerIP is the maximum number of simultaneous connections per IP.
	// If 0, there is no per-IP limit.
	maxConnectionsPerIP int

	bandwidthGlobal     int64
	bandwidthPerSession int64
	globalLimiter       *ratelimit.Limiter

	// mu guards the fields below.
	mu        sync.Mutex
	listener  net.Listener
	boundAddr string
	sessions  map[string]*Session
	conns     int
	connsByIP map[string]int
	done      chan struct{}
	stopOnce  sync.Once

	suspended  *atomic.Bool
	inShutdown *atomic.Bool
}

// NewServer creates a new FTP server with the given address and options.
// The address should be in the form ":port" or "host:port".
// The processor and user store must be provided via options.
//
// Default values:
//   - Logger: zap.NewNop()
//   - FileSystem: OSFileSystem
//   - MaxIdleTime: 5 minutes
//   - DataTimeout: 10 seconds
//   - PassivePorts: "0" (kernel assigned)
//   - PortIPCheck: enabled
//   - MaxConnections: 0 (unlimited)
//   - TLS: disabled
//
// With TLS (Explicit FTPS) and connection limits:
//
//	s, _ := server.NewServer(":21",
//	    server.WithProcessor(proc),
//	    server.WithUserStore(users),
//	    server.WithSecureProvider(provider),
//	    server.WithPassivePorts("30000-30100"),
//	    server.WithMaxConnections(100, 10), // Max 100 total, 10 per IP
//	    server.WithMaxIdleTime(10*time.Minute),
//	)
func NewServer(addr string, options ...Option) (*Server, error) {
	s := &Server{
		addr:            addr,
		logger:          zap.NewNop(),
		sink:            NopEventSink{},
		fsFactory:       OSFileSystem,
		listenerFactory: DefaultListenerFactory{},
		welcomeMessage:  "FTP Server Ready",
		maxIdleTime:     5 * time.Minute,
		dataTimeout:     10 * time.Second,
		portIPCheck:     true,
		pasvSpec:        "0",
		sessions:        make(map[string]*Session),
		connsByIP:       make(map[string]int),
		done:            make(chan struct{}),
		suspended:       atomic.NewBool(false),
		inShutdown:      atomic.NewBool(false),
	}

	// Apply options
	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	// Validate required fields
	if s.processor == nil {
		return nil, errors.New("processor is required (use WithProcessor option)")
	}
	if s.users == nil {
		return nil, errors.New("user store is required (use WithUserStore option)")
	}
	if s.implicitTLS && s.provider == nil {
		return nil, fmt.Errorf("implicit TLS: %w", ErrTLSNotConfigured)
	}
	if s.tlsProtocol != "" && s.provider != nil {
		if _, err := s.provider.ContextFor(s.tlsProtocol); err != nil {
			return nil, err
		}
	}
	if err := s.buildPassivePool(); err != nil {
		return nil, err
	}
	if s.name == "" {
		s.name = addr
	}
	if s.supervisor == nil {
		s.supervisor = NewSupervisor(WithSupervisorLogger(s.logger))
		s.ownSupervisor = true
	}
	s.globalLimiter = ratelimit.New(s.bandwidthGlobal)

	return s, nil
}

// Start binds the listen address and accepts connections in the background.
// It returns once the server is accepting.
func (s *Server) Start() error {
	ln, err := s.listen(s.addr)
	if err != nil {
		return err
	}
	return s.serve(ln)
}

// ListenAndServe starts the FTP server on the configured address.
// It blocks until Stop or Shutdown and then returns ErrServerClosed.
func (s *Server) ListenAndServe() error {
	if err := s.Start(); err != nil {
		return err
	}
	<-s.done
	return ErrServerClosed
}

// Serve accepts incoming connections on the listener l.
// It blocks until Stop or Shutdown and then returns ErrServerClosed.
// Suspend closes l; Resume rebinds l's address.
func (s *Server) Serve(l net.Listener) error {
	if err := s.serve(l); err != nil {
		return err
	}
	<-s.done
	return ErrServerClosed
}

func (s *Server) listen(addr string) (net.Listener, error) {
	ln, err := s.listenerFactory.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

func (s *Server) serve(ln net.Listener) error {
	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	if s.listener != nil {
		s.mu.Unlock()
		ln.Close()
		return errors.New("ftp: server already listening")
	}
	s.listener = ln
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()

	if s.ownSupervisor {
		s.supervisor.Start(context.Background())
	}

	s.logger.Info("server_listening",
		zap.String("listener", s.name),
		zap.String("addr", s.boundAddr),
		zap.Bool("implicit_tls", s.implicitTLS),
		zap.Stringer("passive_ports", s.pasvPool),
	)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the address the server is bound to, or nil when it is not
// listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listening socket. Sessions already accepted keep running
// until they end on their own or are closed through the supervisor.
func (s *Server) Stop() error {
	s.inShutdown.Store(true)

	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.done) })

	if ln == nil {
		return nil
	}
	s.logger.Info("server_stopped", zap.String("listener", s.name))
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server and closes every session it accepted. It
// returns early with ctx's error if ctx is done before all sessions closed.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.Stop()

	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	closed := make(chan error, 1)
	go func() {
		var errs error
		for _, sess := range sessions {
			errs = multierr.Append(errs, sess.closeWithReply(421, "Server shutting down."))
		}
		closed <- errs
	}()

	select {
	case cerr := <-closed:
		err = multierr.Append(err, cerr)
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
	}

	if s.ownSupervisor {
		s.supervisor.Stop()
	}
	return err
}

// Suspend stops accepting new connections without affecting accepted
// sessions. It is a no-op if the server is already suspended or not
// listening.
func (s *Server) Suspend() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.suspended.Load() || s.listener == nil {
		return nil
	}
	s.suspended.Store(true)
	ln := s.listener
	s.listener = nil

	s.logger.Info("server_suspended", zap.String("listener", s.name))
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Resume rebinds the address the server was bound to before Suspend and
// accepts connections again. It is a no-op if the server is not suspended.
func (s *Server) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.suspended.Load() {
		return nil
	}
	if s.inShutdown.Load() {
		return ErrServerClosed
	}
	ln, err := s.listen(s.boundAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.suspended.Store(false)

	s.logger.Info("server_resumed", zap.String("listener", s.name), zap.String("addr", s.boundAddr))
	go s.acceptLoop(ln)
	return nil
}

// IsSuspended reports whether the server is suspended.
func (s *Server) IsSuspended() bool {
	return s.suspended.Load()
}

// Supervisor returns the supervisor tracking this server's sessions.
func (s *Server) Supervisor() *Supervisor {
	return s.supervisor
}

// TLSAvailable reports whether the server can secure connections.
func (s *Server) TLSAvailable() bool {
	return s.provider != nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !s.isCurrentListener(ln) {
				return
			}
			delay := b.NextBackOff()
			s.logger.Warn("accept_error",
				zap.String("listener", s.name),
				zap.Duration("retry_in", delay),
				zap.Error(err),
			)
			time.Sleep(delay)
			continue
		}
		b.Reset()

		go s.handleConnection(conn)
	}
}

func (s *Server) isCurrentListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener == ln
}

// handleConnection enforces connection limits, performs the implicit TLS
// handshake and runs the session.
func (s *Server) handleConnection(conn net.Conn) {
	ip := remoteIP(conn.RemoteAddr())

	if reason, limit := s.admit(ip); reason != "" {
		// Security audit: connection limit reached
		s.logger.Warn("connection_rejected",
			zap.String("remote_ip", ip),
			zap.String("reason", reason),
			zap.Int("limit", limit),
		)
		s.sink.RecordConnection(false, reason)
		msg := "Too many users, sorry."
		if reason == "per_ip_limit_reached" {
			msg = "Too many connections from your IP address."
		}
		if reason == "shutting_down" {
			msg = "Service not available, closing control connection."
		}
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		fmt.Fprintf(conn, "421 %s\r\n", msg)
		conn.Close()
		return
	}

	secure := false
	if s.implicitTLS {
		tlsConn, err := s.provider.UpgradeServerSide(context.Background(), conn, s.tlsProtocol)
		if err != nil {
			s.logger.Warn("connection_rejected",
				zap.String("remote_ip", ip),
				zap.String("reason", "tls_handshake_failed"),
				zap.Error(err),
			)
			s.sink.RecordConnection(false, "tls_handshake_failed")
			s.release(ip)
			return
		}
		conn = tlsConn
		secure = true
	}

	sess := newSession(s, conn, secure)
	if !s.register(sess) {
		s.sink.RecordConnection(false, "shutting_down")
		sess.cancel()
		_ = conn.Close()
		s.release(ip)
		return
	}
	s.sink.RecordConnection(true, "accepted")
	sess.serve()
}

// admit reserves a connection slot for ip. It returns a non-empty reason
// and the limit hit when the connection must be rejected.
func (s *Server) admit(ip string) (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inShutdown.Load() {
		return "shutting_down", 0
	}
	if s.maxConnections > 0 && s.conns >= s.maxConnections {
		return "global_limit_reached", s.maxConnections
	}
	if s.maxConnectionsPerIP > 0 && s.connsByIP[ip] >= s.maxConnectionsPerIP {
		return "per_ip_limit_reached", s.maxConnectionsPerIP
	}
	s.conns++
	s.connsByIP[ip]++
	return "", 0
}

// release frees the connection slot reserved by admit.
func (s *Server) release(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(ip)
}

func (s *Server) releaseLocked(ip string) {
	s.conns--
	s.connsByIP[ip]--
	if s.connsByIP[ip] <= 0 {
		delete(s.connsByIP, ip)
	}
}

func (s *Server) register(sess *Session) bool {
	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		return false
	}
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()

	s.supervisor.register(sess)
	s.sink.SessionOpened(sess.Info())
	return true
}

// unregister is called exactly once per registered session, from Close.
func (s *Server) unregister(sess *Session) {
	s.mu.Lock()
	if _, ok := s.sessions[sess.ID()]; ok {
		delete(s.sessions, sess.ID())
		s.releaseLocked(sess.remoteIP)
	}
	s.mu.Unlock()

	s.supervisor.unregister(sess.ID())
}

// Sessions returns snapshots of the sessions accepted by this server.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, sess.Info())
	}
	return infos
}

func remoteIP(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
