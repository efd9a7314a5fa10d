package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gonzalop/ftpd/ftps"
	"github.com/gonzalop/ftpd/internal/portpool"
	"go.uber.org/zap"
)

// Option is a functional option for configuring an FTP server.
type Option func(*Server) error

// DataTLSPolicy decides when data connections are secured.
type DataTLSPolicy int

const (
	// DataTLSExplicit secures data connections only after PROT P.
	DataTLSExplicit DataTLSPolicy = iota
	// DataTLSMirrorControl also secures data connections whenever the
	// control channel is secure.
	DataTLSMirrorControl
)

// WithProcessor sets the command processor. This option is required and can
// only be set once.
//
// Example:
//
//	s, _ := server.NewServer(":21",
//	    server.WithProcessor(proc),
//	    server.WithUserStore(users),
//	)
func WithProcessor(p CommandProcessor) Option {
	return func(s *Server) error {
		if p == nil {
			return errors.New("processor must not be nil")
		}
		if s.processor != nil {
			return errors.New("processor already set")
		}
		s.processor = p
		return nil
	}
}

// WithUserStore sets the store that authenticates users. This option is
// required.
func WithUserStore(store UserStore) Option {
	return func(s *Server) error {
		if store == nil {
			return errors.New("user store must not be nil")
		}
		s.users = store
		return nil
	}
}

// WithFileSystem sets the factory building each user's file system.
// Defaults to OSFileSystem.
func WithFileSystem(factory FileSystemFactory) Option {
	return func(s *Server) error {
		s.fsFactory = factory
		return nil
	}
}

// WithLogger sets a custom logger for the server.
// If not specified, zap.NewNop() is used.
//
// Example with development logging:
//
//	logger, _ := zap.NewDevelopment()
//	s, _ := server.NewServer(":21",
//	    server.WithProcessor(p),
//	    server.WithUserStore(users),
//	    server.WithLogger(logger),
//	)
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) error {
		if logger == nil {
			logger = zap.NewNop()
		}
		s.logger = logger
		return nil
	}
}

// WithName sets the listener name reported in SessionInfo. Defaults to the
// listen address.
func WithName(name string) Option {
	return func(s *Server) error {
		s.name = name
		return nil
	}
}

// WithSupervisor registers the server's sessions with a shared supervisor,
// so several listeners can be enumerated and idle-checked together. The
// caller owns the supervisor's lifecycle. Without this option the server
// creates and runs a private supervisor.
func WithSupervisor(sv *Supervisor) Option {
	return func(s *Server) error {
		s.supervisor = sv
		return nil
	}
}

// WithEventSink sets the receiver of connection, login, command and
// transfer events.
func WithEventSink(sink EventSink) Option {
	return func(s *Server) error {
		if sink == nil {
			sink = NopEventSink{}
		}
		s.sink = sink
		return nil
	}
}

// WithListenerFactory sets the factory creating the control listener.
// Defaults to DefaultListenerFactory.
func WithListenerFactory(f ListenerFactory) Option {
	return func(s *Server) error {
		s.listenerFactory = f
		return nil
	}
}

// WithSecureProvider enables FTPS: AUTH TLS on the control channel and
// PROT P on data channels.
//
// Example:
//
//	provider, err := ftps.NewProvider(ftps.Config{
//	    KeyStore: ftps.KeyStore{Path: "server.p12", Password: "changeit"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	s, _ := server.NewServer(":21",
//	    server.WithProcessor(p),
//	    server.WithUserStore(users),
//	    server.WithSecureProvider(provider),
//	)
func WithSecureProvider(p *ftps.Provider) Option {
	return func(s *Server) error {
		s.provider = p
		return nil
	}
}

// WithImplicitTLS makes the listener secure every connection before the
// first reply (legacy FTPS, usually port 990). Requires WithSecureProvider.
func WithImplicitTLS(enable bool) Option {
	return func(s *Server) error {
		s.implicitTLS = enable
		return nil
	}
}

// WithTLSProtocol selects the protocol name passed to the secure provider.
// Defaults to the provider's protocol.
func WithTLSProtocol(protocol string) Option {
	return func(s *Server) error {
		s.tlsProtocol = protocol
		return nil
	}
}

// WithDataTLSPolicy sets when data connections are secured.
// Defaults to DataTLSExplicit.
func WithDataTLSPolicy(policy DataTLSPolicy) Option {
	return func(s *Server) error {
		s.dataTLSPolicy = policy
		return nil
	}
}

// WithActiveTLSClientRole makes the server act as the TLS client on active
// mode data connections it dials. RFC 4217 has the server always act as the
// TLS server, which is the default.
func WithActiveTLSClientRole(enable bool) Option {
	return func(s *Server) error {
		s.activeTLSClient = enable
		return nil
	}
}

// WithPassivePorts sets the passive port specification, e.g.
// "30000-30100" or "2121, 40000-". "0", the default, lets the kernel pick;
// an empty spec means the same. An invalid specification makes NewServer
// fail.
func WithPassivePorts(spec string) Option {
	return func(s *Server) error {
		if strings.TrimSpace(spec) == "" {
			spec = "0"
		}
		s.pasvSpec = spec
		return nil
	}
}

// WithPassiveAddress sets the address passive listeners bind to and the
// address advertised in PASV replies, which differ behind NAT. Empty values
// default to the local address of the control connection. advertise may be
// a host name; it is resolved to its first IPv4 address.
func WithPassiveAddress(bind, advertise string) Option {
	return func(s *Server) error {
		s.pasvBind = bind
		s.pasvAdvertise = advertise
		return nil
	}
}

// WithMaxIdleTime sets the maximum time a session can be idle before the
// supervisor evicts it. Defaults to 5 minutes. Zero disables eviction.
func WithMaxIdleTime(d time.Duration) Option {
	return func(s *Server) error {
		if d < 0 {
			return fmt.Errorf("max idle time must not be negative: %v", d)
		}
		s.maxIdleTime = d
		return nil
	}
}

// WithPortIPCheck controls the bounce check rejecting PORT/EPRT addresses
// that differ from the client's control address. Enabled by default.
func WithPortIPCheck(enable bool) Option {
	return func(s *Server) error {
		s.portIPCheck = enable
		return nil
	}
}

// WithMaxConnections sets the maximum number of simultaneous control
// connections, in total and per client IP. Zero means no limit, the default.
//
// When a limit is reached, new connections receive a "421" response.
func WithMaxConnections(max, perIP int) Option {
	return func(s *Server) error {
		if max < 0 || perIP < 0 {
			return fmt.Errorf("connection limits must not be negative")
		}
		s.maxConnections = max
		s.maxConnectionsPerIP = perIP
		return nil
	}
}

// WithBandwidthLimit limits data transfer throughput in bytes per second,
// shared by all sessions (global) and per session. Zero means unlimited.
func WithBandwidthLimit(global, perSession int64) Option {
	return func(s *Server) error {
		s.bandwidthGlobal = global
		s.bandwidthPerSession = perSession
		return nil
	}
}

// WithWriteTimeout bounds every control channel write. Zero means no
// deadline, the default.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.writeTimeout = d
		return nil
	}
}

// WithDataTimeout bounds waiting for the passive connection and dialing the
// active one. Defaults to 10 seconds.
func WithDataTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d <= 0 {
			return fmt.Errorf("data timeout must be positive: %v", d)
		}
		s.dataTimeout = d
		return nil
	}
}

// WithWelcomeMessage sets the banner sent to clients on connection.
// Defaults to "FTP Server Ready".
func WithWelcomeMessage(msg string) Option {
	return func(s *Server) error {
		s.welcomeMessage = msg
		return nil
	}
}

func (s *Server) buildPassivePool() error {
	pool, err := portpool.New(s.pasvSpec, s.implicitTLS)
	if err != nil {
		return err
	}
	s.pasvPool = pool
	return nil
}
