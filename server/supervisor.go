package server

import (
	"context"
	"sort"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultScanInterval is how often the supervisor looks for idle sessions.
const DefaultScanInterval = time.Second

// Supervisor tracks live sessions across listeners and evicts those whose
// idle deadline has passed. It is the only component that closes sessions
// for inactivity.
type Supervisor struct {
	sessions cmap.ConcurrentMap[string, *Session]
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithScanInterval sets how often idle deadlines are checked.
func WithScanInterval(d time.Duration) SupervisorOption {
	return func(sv *Supervisor) {
		if d > 0 {
			sv.interval = d
		}
	}
}

// WithSupervisorLogger sets the supervisor's logger.
func WithSupervisorLogger(logger *zap.Logger) SupervisorOption {
	return func(sv *Supervisor) {
		if logger != nil {
			sv.logger = logger
		}
	}
}

// NewSupervisor creates a supervisor. Call Start to begin idle checks.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	sv := &Supervisor{
		sessions: cmap.New[*Session](),
		interval: DefaultScanInterval,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(sv)
	}
	return sv
}

// Start runs the idle scan in the background until ctx is done or Stop is
// called. Calling Start on a running supervisor has no effect.
func (sv *Supervisor) Start(ctx context.Context) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	sv.cancel = cancel
	sv.done = make(chan struct{})
	go sv.run(ctx, sv.done)
}

// Stop ends the idle scan. Sessions are left open.
func (sv *Supervisor) Stop() {
	sv.mu.Lock()
	cancel, done := sv.cancel, sv.done
	sv.cancel, sv.done = nil, nil
	sv.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (sv *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(sv.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sv.scan(sv.now())
		}
	}
}

// scan evicts every session whose idle deadline is before now and returns
// how many it evicted. Evictions run in the background.
func (sv *Supervisor) scan(now time.Time) int {
	var expired []*Session
	for item := range sv.sessions.IterBuffered() {
		sess := item.Val
		deadline := sess.IdleDeadline()
		if deadline.IsZero() || !now.After(deadline) {
			continue
		}
		if !sess.evicting.CompareAndSwap(false, true) {
			continue
		}
		expired = append(expired, sess)
	}

	for _, sess := range expired {
		sv.logger.Info("session_idle_timeout",
			zap.String("session_id", sess.ID()),
			zap.String("remote_ip", sess.remoteIP),
			zap.String("user", sess.UserName()),
			zap.Time("idle_deadline", sess.IdleDeadline()),
		)
		go sess.closeWithReply(421, "Timeout, closing control connection.")
	}
	return len(expired)
}

func (sv *Supervisor) register(sess *Session) {
	sv.sessions.Set(sess.ID(), sess)
}

func (sv *Supervisor) unregister(id string) {
	sv.sessions.Remove(id)
}

// Len returns the number of live sessions.
func (sv *Supervisor) Len() int {
	return sv.sessions.Count()
}

// Sessions returns snapshots of the live sessions, oldest first.
func (sv *Supervisor) Sessions() []SessionInfo {
	infos := make([]SessionInfo, 0, sv.sessions.Count())
	for item := range sv.sessions.IterBuffered() {
		infos = append(infos, item.Val.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].ConnectTime.Equal(infos[j].ConnectTime) {
			return infos[i].ConnectTime.Before(infos[j].ConnectTime)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Session returns the live session with the given ID.
func (sv *Supervisor) Session(id string) (*Session, bool) {
	return sv.sessions.Get(id)
}

// CloseSession closes the session with the given ID after telling the
// client. It fails with ErrSessionNotFound for unknown IDs.
func (sv *Supervisor) CloseSession(id string) error {
	sess, ok := sv.sessions.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	sv.logger.Info("session_closed_by_admin",
		zap.String("session_id", id),
		zap.String("user", sess.UserName()),
	)
	return sess.closeWithReply(421, "Service not available, closing control connection.")
}

// CloseAll closes every live session.
func (sv *Supervisor) CloseAll() error {
	var err error
	for item := range sv.sessions.IterBuffered() {
		err = multierr.Append(err, item.Val.closeWithReply(421, "Service not available, closing control connection."))
	}
	return err
}
