package server

import (
	"context"
	"net"
	"time"
)

// User is an authenticated account as reported by a UserStore.
type User struct {
	// Name is the login name.
	Name string

	// HomeDir is the directory the user is confined to. Its meaning is up to
	// the FileSystemFactory; the default factory treats it as a local path.
	HomeDir string

	// ReadOnly restricts the user to read operations.
	ReadOnly bool
}

// UserStore authenticates users.
//
// Implementations should:
//   - Return a non-nil error for unknown users and bad credentials alike
//   - Be safe for concurrent use; every session calls Authenticate
//
// Example implementation:
//
//	type staticStore struct{}
//
//	func (staticStore) Authenticate(_ context.Context, user, pass string) (*server.User, error) {
//	    if user != "demo" || pass != "demo" {
//	        return nil, os.ErrPermission
//	    }
//	    return &server.User{Name: user, HomeDir: "/srv/ftp/demo"}, nil
//	}
//
//	func (staticStore) HomeDirectory(u *server.User) string { return u.HomeDir }
type UserStore interface {
	// Authenticate validates the credentials and returns the user.
	Authenticate(ctx context.Context, user, pass string) (*User, error)

	// HomeDirectory returns the directory the user's working directory is
	// rooted at.
	HomeDirectory(u *User) string
}

// Request is one command line read from the control channel, split into the
// upper-cased verb and its argument. Line holds the raw line without CRLF.
type Request struct {
	Verb string
	Arg  string
	Line string
}

// Reply is a control channel response.
//
// A zero Reply means the processor already wrote its replies through the
// session (e.g. transfers, which reply asynchronously). When Lines is set the
// reply is sent as a multi-line response:
//
//	211-Message
//	 line 1
//	 line 2
//	211 End
type Reply struct {
	Code    int
	Message string
	Lines   []string

	// Close closes the session after the reply has been written.
	Close bool
}

// IsZero reports whether r carries no reply.
func (r Reply) IsZero() bool {
	return r.Code == 0
}

// CommandProcessor implements FTP command semantics on top of a Session.
//
// Execute is called sequentially for each command of a session, never
// concurrently for the same session. It may call back into the session to
// change transfer parameters, open data channels, start transfers or upgrade
// the control channel.
type CommandProcessor interface {
	Execute(ctx context.Context, s *Session, req Request) Reply
}

// CommandProcessorFunc adapts a function to the CommandProcessor interface.
type CommandProcessorFunc func(ctx context.Context, s *Session, req Request) Reply

// Execute calls f(ctx, s, req).
func (f CommandProcessorFunc) Execute(ctx context.Context, s *Session, req Request) Reply {
	return f(ctx, s, req)
}

// ListenerFactory creates the control channel listener. Use it to serve FTP
// over a custom transport or to inject listeners in tests.
type ListenerFactory interface {
	Listen(network, address string) (net.Listener, error)
}

// DefaultListenerFactory listens with net.Listen.
type DefaultListenerFactory struct{}

// Listen implements ListenerFactory.
func (DefaultListenerFactory) Listen(network, address string) (net.Listener, error) {
	return net.Listen(network, address)
}

// SessionInfo is a point-in-time snapshot of a session for administrative
// enumeration.
type SessionInfo struct {
	ID                 string    `json:"id"`
	Listener           string    `json:"listener"`
	RemoteAddr         string    `json:"remote_addr"`
	ConnectTime        time.Time `json:"connect_time"`
	LoginTime          time.Time `json:"login_time"`
	User               string    `json:"user,omitempty"`
	BytesTransferred   int64     `json:"bytes_transferred"`
	Secure             bool      `json:"secure"`
	IdleDeadline       time.Time `json:"idle_deadline"`
	TransferInProgress bool      `json:"transfer_in_progress"`
}
