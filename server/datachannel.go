package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/gonzalop/ftpd/internal/portpool"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var errDataConnect = errors.New("can't open data connection")

// DataChannel is the negotiated data connection of a session: either a
// passive listener waiting for the client, or an active target the server
// dials. It carries at most one transfer and is closed after it.
type DataChannel struct {
	session  *Session
	passive  bool
	listener net.Listener
	port     int // reserved pool port, 0 if none
	target   *net.TCPAddr

	bytes     *atomic.Int64
	closeOnce sync.Once

	mu     sync.Mutex
	conn   net.Conn
	secure bool
	closed bool
}

// Passive reports whether the channel waits for the client to connect.
func (d *DataChannel) Passive() bool {
	return d.passive
}

// Port returns the local passive port, or the target port in active mode.
func (d *DataChannel) Port() int {
	if d.passive {
		if tcp, ok := d.listener.Addr().(*net.TCPAddr); ok {
			return tcp.Port
		}
		return d.port
	}
	return d.target.Port
}

// Target returns the active mode address, or nil in passive mode.
func (d *DataChannel) Target() *net.TCPAddr {
	return d.target
}

// Secure reports whether the established connection is protected by TLS.
func (d *DataChannel) Secure() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.secure
}

// BytesTransferred returns the bytes read and written on the channel.
func (d *DataChannel) BytesTransferred() int64 {
	return d.bytes.Load()
}

// Conn establishes the data connection, accepting in passive mode or dialing
// in active mode, and secures it when the session's protection level
// requires it. Later calls return the same connection.
func (d *DataChannel) Conn(ctx context.Context) (net.Conn, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrTransferAborted
	}
	if d.conn != nil {
		c := d.conn
		d.mu.Unlock()
		return c, nil
	}
	d.mu.Unlock()

	s := d.session
	srv := s.server

	var raw net.Conn
	var err error
	if d.passive {
		raw, err = d.accept(ctx)
	} else {
		raw, err = d.dial(ctx)
	}
	if err != nil {
		return nil, err
	}

	secure := false
	if s.dataSecurityRequired() {
		if srv.provider == nil {
			raw.Close()
			return nil, ErrTLSNotConfigured
		}
		// RFC 4217: the server acts as the TLS server unless configured to
		// take the client role on connections it dials.
		if !d.passive && srv.activeTLSClient {
			raw, err = srv.provider.UpgradeClientSide(ctx, raw, srv.tlsProtocol)
		} else {
			raw, err = srv.provider.UpgradeServerSide(ctx, raw, srv.tlsProtocol)
		}
		if err != nil {
			return nil, err
		}
		secure = true
	}

	conn := &countingConn{Conn: raw, channel: d}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		raw.Close()
		return nil, ErrTransferAborted
	}
	d.conn = conn
	d.secure = secure
	return conn, nil
}

// accept waits for the client on the passive listener. The listener is closed
// afterwards: a passive channel serves a single connection.
func (d *DataChannel) accept(ctx context.Context) (net.Conn, error) {
	s := d.session
	ln := d.listener
	defer ln.Close()

	ctx, cancel := context.WithTimeout(ctx, s.server.dataTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.logger.Debug("waiting_for_passive_connection", zap.Int("port", d.Port()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("passive accept: %w", ctx.Err())
			}
			return nil, fmt.Errorf("passive accept: %w", err)
		}

		// Only the control peer may use the channel.
		peer := net.ParseIP(remoteIP(conn.RemoteAddr()))
		if s.server.portIPCheck && !s.validateActiveIP(peer) {
			// Security audit: passive connection hijack attempt
			s.logger.Warn("passive_peer_mismatch",
				zap.String("data_ip", remoteIP(conn.RemoteAddr())),
			)
			conn.Close()
			continue
		}
		return conn, nil
	}
}

// dial connects to the active mode target from the control connection's
// local address.
func (d *DataChannel) dial(ctx context.Context) (net.Conn, error) {
	s := d.session
	dialer := net.Dialer{Timeout: s.server.dataTimeout}
	if tcp, ok := s.localAddr.(*net.TCPAddr); ok {
		dialer.LocalAddr = &net.TCPAddr{IP: tcp.IP}
	}

	s.logger.Debug("dialing_active_connection", zap.Stringer("addr", d.target))
	conn, err := dialer.DialContext(ctx, "tcp", d.target.String())
	if err != nil {
		return nil, fmt.Errorf("active dial %s: %w", d.target, err)
	}
	return conn, nil
}

// Close closes the listener and the connection and releases the reserved
// passive port. Only the first call has an effect; errors are ignored.
func (d *DataChannel) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		conn := d.conn
		d.mu.Unlock()

		if d.listener != nil {
			_ = d.listener.Close()
		}
		if conn != nil {
			_ = conn.Close()
		}
		if d.port > 0 {
			d.session.server.pasvPool.ReleasePort(d.port)
		}
		d.session.detachData(d)
	})
	return nil
}

// countingConn adds the bytes moved to the channel and the session and
// keeps the session from going idle during long transfers.
type countingConn struct {
	net.Conn
	channel *DataChannel
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.count(n)
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.count(n)
	return n, err
}

func (c *countingConn) count(n int) {
	if n <= 0 {
		return
	}
	c.channel.bytes.Add(int64(n))
	c.channel.session.bytes.Add(int64(n))
	c.channel.session.touch()
}

// OpenPassive closes any previous data channel and opens a passive listener
// on the next free port of the server's pool. It returns the address to
// advertise to the client.
func (s *Session) OpenPassive(ctx context.Context) (net.IP, int, error) {
	if err := s.RequireAuth(); err != nil {
		return nil, 0, err
	}
	s.closeData()

	srv := s.server
	pool := srv.pasvPool

	bindHost := srv.pasvBind
	if bindHost == "" {
		if tcp, ok := s.localAddr.(*net.TCPAddr); ok {
			bindHost = tcp.IP.String()
		}
	}

	// Ports that failed to bind stay reserved until the search ends so they
	// are not handed out again by this loop.
	var failed []int
	defer func() {
		for _, p := range failed {
			pool.ReleasePort(p)
		}
	}()

	var lc net.ListenConfig
	for {
		port := pool.ReserveNextPort()
		if port == portpool.NoPort {
			s.logger.Warn("passive_port_exhausted",
				zap.Stringer("passive_ports", pool),
				zap.Int("reserved", pool.Len()),
			)
			return nil, 0, ErrNoPassivePort
		}

		ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(bindHost, strconv.Itoa(port)))
		if err != nil {
			if port == 0 {
				return nil, 0, fmt.Errorf("passive listen: %w", err)
			}
			s.logger.Debug("passive_bind_failed", zap.Int("port", port), zap.Error(err))
			failed = append(failed, port)
			continue
		}

		dc := &DataChannel{
			session:  s,
			passive:  true,
			listener: ln,
			port:     port,
			bytes:    atomic.NewInt64(0),
		}
		if err := s.attachData(dc); err != nil {
			return nil, 0, err
		}

		ip, err := s.advertisedIP(ctx)
		if err != nil {
			dc.Close()
			return nil, 0, err
		}
		return ip, dc.Port(), nil
	}
}

// OpenActive closes any previous data channel and records addr as the
// target of the next transfer. With the bounce check enabled, addr must
// match the client's control address.
func (s *Session) OpenActive(addr *net.TCPAddr) error {
	if err := s.RequireAuth(); err != nil {
		return err
	}
	if s.server.portIPCheck && !s.validateActiveIP(addr.IP) {
		// Security audit: FTP bounce attempt
		s.logger.Warn("port_ip_mismatch",
			zap.String("user", s.UserName()),
			zap.Stringer("target", addr),
		)
		return ErrPortIPMismatch
	}
	s.closeData()

	return s.attachData(&DataChannel{
		session: s,
		target:  addr,
		bytes:   atomic.NewInt64(0),
	})
}

// DataChannel returns the negotiated data channel, or nil.
func (s *Session) DataChannel() *DataChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// validateActiveIP ensures the data connection peer matches the control
// connection source. This prevents FTP bounce attacks.
func (s *Session) validateActiveIP(ip net.IP) bool {
	remote := net.ParseIP(s.remoteIP)
	if remote == nil || ip == nil {
		return false
	}
	return ip.Equal(remote)
}

// advertisedIP returns the IPv4 address sent in PASV replies.
func (s *Session) advertisedIP(ctx context.Context) (net.IP, error) {
	host := s.server.pasvAdvertise
	if host == "" {
		if tcp, ok := s.localAddr.(*net.TCPAddr); ok {
			return tcp.IP, nil
		}
		return nil, fmt.Errorf("local address %v is not TCP", s.localAddr)
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, fmt.Errorf("resolve passive address %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve passive address %q: no IPv4 address", host)
	}
	return ips[0], nil
}

// dataSecurityRequired reports whether the next data connection must be
// secured.
func (s *Session) dataSecurityRequired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protectData ||
		(s.server.dataTLSPolicy == DataTLSMirrorControl && s.secure)
}

func (s *Session) attachData(dc *DataChannel) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		dc.Close()
		return ErrSessionClosed
	}
	s.data = dc
	s.mu.Unlock()
	return nil
}

// detachData forgets dc if it is still the session's channel.
func (s *Session) detachData(dc *DataChannel) {
	s.mu.Lock()
	if s.data == dc {
		s.data = nil
	}
	s.mu.Unlock()
}

func (s *Session) closeData() {
	s.mu.Lock()
	dc := s.data
	s.data = nil
	s.mu.Unlock()
	if dc != nil {
		dc.Close()
	}
}
