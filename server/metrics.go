package server

import "time"

// EventSink receives notifications about server activity. Implementations
// can export metrics to monitoring systems like Prometheus, or feed an audit
// trail.
//
// All methods are called synchronously from session goroutines and should be
// non-blocking. If a method takes significant time, it should dispatch the
// work asynchronously.
//
// The server substitutes NopEventSink when none is configured, so
// implementations never see nil calls.
type EventSink interface {
	// RecordConnection records a control connection attempt.
	// reason provides context ("accepted", "global_limit_reached",
	// "per_ip_limit_reached", "tls_handshake_failed", "shutting_down").
	RecordConnection(accepted bool, reason string)

	// SessionOpened is called once a session is registered.
	SessionOpened(info SessionInfo)

	// SessionClosed is called exactly once when a session closes.
	SessionClosed(info SessionInfo)

	// RecordAuthentication records a login attempt.
	RecordAuthentication(success bool, user string)

	// RecordCommand records one processed command and the reply code sent
	// for it (0 when the processor replied asynchronously).
	RecordCommand(verb string, code int, duration time.Duration)

	// RecordTransfer records a finished data transfer. operation is the
	// command that started it (e.g. "RETR", "STOR", "LIST").
	RecordTransfer(operation string, bytes int64, duration time.Duration, err error)
}

// NopEventSink discards all events.
type NopEventSink struct{}

func (NopEventSink) RecordConnection(bool, string) {}
func (NopEventSink) SessionOpened(SessionInfo) {}
func (NopEventSink) SessionClosed(SessionInfo) {}
func (NopEventSink) RecordAuthentication(bool, string) {}
func (NopEventSink) RecordCommand(string, int, time.Duration) {}
func (NopEventSink) RecordTransfer(string, int64, time.Duration, error) {}
