package server

import "errors"

var (
	// ErrServerClosed is returned by Serve, ListenAndServe and Start after
	// Stop or Shutdown.
	ErrServerClosed = errors.New("ftp: server closed")

	// ErrNotLoggedIn is returned by session operations that require a
	// successful Login.
	ErrNotLoggedIn = errors.New("ftp: not logged in")

	// ErrAlreadyLoggedIn is returned by Login on an authenticated session.
	ErrAlreadyLoggedIn = errors.New("ftp: already logged in")

	// ErrNoRenamePending is returned by TakeRenameFrom when no rename source
	// has been marked.
	ErrNoRenamePending = errors.New("ftp: no rename in progress")

	// ErrNoPassivePort is returned by OpenPassive when every port of the
	// passive pool is reserved. It is transient; the session stays open.
	ErrNoPassivePort = errors.New("ftp: no passive port available")

	// ErrPortIPMismatch is returned by OpenActive when the requested data
	// address differs from the control connection peer.
	ErrPortIPMismatch = errors.New("ftp: data address does not match control peer")

	// ErrAlreadySecure is returned by UpgradeControl on a secure session.
	ErrAlreadySecure = errors.New("ftp: control channel already secure")

	// ErrTLSNotConfigured is returned when a TLS operation is requested on a
	// server without a secure channel provider.
	ErrTLSNotConfigured = errors.New("ftp: TLS not configured")

	// ErrPipelinedUpgrade is returned by UpgradeControl when plaintext
	// commands followed the upgrade request. The session is closed.
	ErrPipelinedUpgrade = errors.New("ftp: data pipelined after upgrade request")

	// ErrUnsupportedParameter is returned when a transfer type, structure or
	// mode is recognized but not supported, or not recognized at all.
	ErrUnsupportedParameter = errors.New("ftp: unsupported parameter")

	// ErrNoDataChannel is returned when a transfer starts without a prior
	// passive or active data channel setup.
	ErrNoDataChannel = errors.New("ftp: no data connection set up")

	// ErrTransferInProgress is returned when a transfer is started while
	// another one is running on the same session.
	ErrTransferInProgress = errors.New("ftp: transfer in progress")

	// ErrTransferAborted is reported for transfers interrupted by ABOR or by
	// closing the session.
	ErrTransferAborted = errors.New("ftp: transfer aborted")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("ftp: session closed")

	// ErrSessionNotFound is returned by Supervisor.CloseSession for unknown IDs.
	ErrSessionNotFound = errors.New("ftp: session not found")
)
