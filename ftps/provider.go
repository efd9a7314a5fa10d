// Package ftps secures FTP control and data connections with TLS.
//
// A Provider is built once from key store material and hands out TLS
// configurations per protocol name ("TLS", "TLSv1.2", "TLSv1.3"). It upgrades
// plain sockets to TLS in either the server or the client role, which covers
// explicit FTPS (AUTH TLS), implicit FTPS, and protected (PROT P) data
// connections in both passive and active mode.
//
// Basic example:
//
//	provider, err := ftps.NewProvider(ftps.Config{
//	    KeyStore: ftps.KeyStore{Path: "server.p12", Password: "changeit"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	tlsConn, err := provider.UpgradeServerSide(ctx, conn, "TLS")
package ftps

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrConfig marks unusable TLS configuration (unreadable key material,
	// wrong password, unknown cipher suite or protocol). It is fatal: the
	// affected listener must not start.
	ErrConfig = errors.New("ftps: invalid configuration")

	// ErrHandshake is returned (wrapped) when a TLS handshake fails.
	ErrHandshake = errors.New("ftps: secure handshake failed")
)

// DefaultProtocol is the protocol name used when none is configured.
const DefaultProtocol = "TLS"

// DefaultHandshakeTimeout bounds every handshake unless overridden.
const DefaultHandshakeTimeout = 10 * time.Second

// ClientAuth is the client-certificate requirement for server-side upgrades.
type ClientAuth int

const (
	// ClientAuthNone never asks for a client certificate.
	ClientAuthNone ClientAuth = iota
	// ClientAuthWant asks for a certificate but accepts clients without one.
	ClientAuthWant
	// ClientAuthNeed rejects clients that do not present a valid certificate.
	ClientAuthNeed
)

// ParseClientAuth maps "none", "want" and "need" (case-insensitive) to a ClientAuth.
func ParseClientAuth(s string) (ClientAuth, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "false":
		return ClientAuthNone, nil
	case "want":
		return ClientAuthWant, nil
	case "need", "true":
		return ClientAuthNeed, nil
	}
	return ClientAuthNone, fmt.Errorf("%w: unknown client auth %q", ErrConfig, s)
}

func (c ClientAuth) String() string {
	switch c {
	case ClientAuthWant:
		return "want"
	case ClientAuthNeed:
		return "need"
	default:
		return "none"
	}
}

// Config is the immutable input of a Provider.
type Config struct {
	// KeyStore is the server identity. Required.
	KeyStore KeyStore

	// Protocol is the default protocol name. Defaults to "TLS".
	Protocol string

	// CipherSuites restricts the negotiated suites by IANA name
	// (e.g. "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256"). Empty means all
	// suites supported by crypto/tls. TLS 1.3 suites are not configurable.
	CipherSuites []string

	// ClientAuth is the client certificate requirement.
	ClientAuth ClientAuth

	// TrustedCAs is optional PEM data used to verify peer certificates:
	// client certificates on server-side upgrades and the peer on
	// client-side upgrades. Without it client-side upgrades skip
	// verification, as the FTP client is not identified by a host name.
	TrustedCAs []byte
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// WithHandshakeTimeout bounds each handshake. Zero disables the bound.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.handshakeTimeout = d
	}
}

// Provider builds and caches TLS configurations and upgrades connections.
// It is safe for concurrent use.
type Provider struct {
	cfg              Config
	cert             tls.Certificate
	suites           []uint16
	pool             *x509.CertPool
	logger           *zap.Logger
	handshakeTimeout time.Duration

	// mu guards contexts; group collapses concurrent first builds per name.
	mu       sync.RWMutex
	contexts map[string]*tls.Config
	group    singleflight.Group
	builds   int
}

// NewProvider loads the key store once and validates the configuration.
// All returned errors wrap ErrConfig.
func NewProvider(cfg Config, opts ...Option) (*Provider, error) {
	p := &Provider{
		cfg:              cfg,
		logger:           zap.NewNop(),
		handshakeTimeout: DefaultHandshakeTimeout,
		contexts:         make(map[string]*tls.Config),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cfg.Protocol == "" {
		p.cfg.Protocol = DefaultProtocol
	}
	if _, _, err := protocolVersions(p.cfg.Protocol); err != nil {
		return nil, err
	}

	cert, err := cfg.KeyStore.load()
	if err != nil {
		return nil, err
	}
	p.cert = cert

	suites, err := cipherSuiteIDs(cfg.CipherSuites)
	if err != nil {
		return nil, err
	}
	p.suites = suites

	if len(cfg.TrustedCAs) > 0 {
		p.pool = x509.NewCertPool()
		if !p.pool.AppendCertsFromPEM(cfg.TrustedCAs) {
			return nil, fmt.Errorf("%w: no certificates in trusted CA material", ErrConfig)
		}
	}

	p.logger.Info("tls_provider_ready",
		zap.String("protocol", p.cfg.Protocol),
		zap.Int("cipher_suites", len(p.suites)),
		zap.Stringer("client_auth", cfg.ClientAuth),
	)
	return p, nil
}

// Protocol returns the default protocol name.
func (p *Provider) Protocol() string {
	return p.cfg.Protocol
}

// ContextFor returns the TLS configuration for protocol, building and caching
// it on first use. Concurrent first requests for the same name build it once.
// An empty name selects the provider's default protocol.
func (p *Provider) ContextFor(protocol string) (*tls.Config, error) {
	if protocol == "" {
		protocol = p.cfg.Protocol
	}
	key := strings.ToUpper(protocol)

	p.mu.RLock()
	cfg, ok := p.contexts[key]
	p.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	v, err, _ := p.group.Do(key, func() (any, error) {
		p.mu.RLock()
		cfg, ok := p.contexts[key]
		p.mu.RUnlock()
		if ok {
			return cfg, nil
		}

		cfg, err := p.build(key)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.contexts[key] = cfg
		p.builds++
		p.mu.Unlock()
		p.logger.Debug("tls_context_built", zap.String("protocol", key))
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Config), nil
}

func (p *Provider) build(protocol string) (*tls.Config, error) {
	minV, maxV, err := protocolVersions(protocol)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{p.cert},
		MinVersion:   minV,
		MaxVersion:   maxV,
		CipherSuites: p.suites,
		ClientCAs:    p.pool,
		RootCAs:      p.pool,
	}
	switch p.cfg.ClientAuth {
	case ClientAuthWant:
		cfg.ClientAuth = tls.RequestClientCert
		if p.pool != nil {
			cfg.ClientAuth = tls.VerifyClientCertIfGiven
		}
	case ClientAuthNeed:
		cfg.ClientAuth = tls.RequireAnyClientCert
		if p.pool != nil {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
	default:
		cfg.ClientAuth = tls.NoClientCert
	}
	return cfg, nil
}

// UpgradeServerSide runs a server handshake over conn. A conn that is
// already a *tls.Conn is returned unchanged. On failure conn is closed and
// the error wraps ErrHandshake.
func (p *Provider) UpgradeServerSide(ctx context.Context, conn net.Conn, protocol string) (net.Conn, error) {
	if _, ok := conn.(*tls.Conn); ok {
		return conn, nil
	}
	cfg, err := p.ContextFor(protocol)
	if err != nil {
		return nil, err
	}
	return p.handshake(ctx, tls.Server(conn, cfg), conn, "server")
}

// UpgradeClientSide runs a client handshake over conn, for data connections
// the server dials itself. A conn that is already a *tls.Conn is returned
// unchanged. On failure conn is closed and the error wraps ErrHandshake.
func (p *Provider) UpgradeClientSide(ctx context.Context, conn net.Conn, protocol string) (net.Conn, error) {
	if _, ok := conn.(*tls.Conn); ok {
		return conn, nil
	}
	base, err := p.ContextFor(protocol)
	if err != nil {
		return nil, err
	}
	cfg := base.Clone()
	if p.pool == nil {
		cfg.InsecureSkipVerify = true
	} else if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		cfg.ServerName = host
	}
	return p.handshake(ctx, tls.Client(conn, cfg), conn, "client")
}

func (p *Provider) handshake(ctx context.Context, tlsConn *tls.Conn, raw net.Conn, role string) (net.Conn, error) {
	if p.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.handshakeTimeout)
		defer cancel()
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		p.logger.Debug("tls_handshake_failed",
			zap.String("role", role),
			zap.String("remote_addr", raw.RemoteAddr().String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return tlsConn, nil
}

// protocolVersions maps a protocol name to a TLS version window.
// "SSL" is accepted as an alias for the modern TLS range.
func protocolVersions(protocol string) (uint16, uint16, error) {
	switch strings.ToUpper(strings.TrimSpace(protocol)) {
	case "TLS", "SSL", "TLSV1.2+", "":
		return tls.VersionTLS12, tls.VersionTLS13, nil
	case "TLSV1.2":
		return tls.VersionTLS12, tls.VersionTLS12, nil
	case "TLSV1.3":
		return tls.VersionTLS13, tls.VersionTLS13, nil
	}
	return 0, 0, fmt.Errorf("%w: unsupported protocol %q", ErrConfig, protocol)
}

func cipherSuiteIDs(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}
	known := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		known[cs.Name] = cs.ID
	}
	for _, cs := range tls.InsecureCipherSuites() {
		known[cs.Name] = cs.ID
	}

	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := known[strings.ToUpper(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("%w: unknown cipher suite %q", ErrConfig, name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
