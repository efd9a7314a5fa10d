package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestServerDefaults(t *testing.T) {
	t.Parallel()

	s, err := NewServer(":2121", WithProcessor(testProcessor()), WithUserStore(testUsers))
	require.NoError(t, err)

	assert.Equal(t, ":2121", s.name)
	assert.Equal(t, "FTP Server Ready", s.welcomeMessage)
	assert.Equal(t, 5*time.Minute, s.maxIdleTime)
	assert.Equal(t, 10*time.Second, s.dataTimeout)
	assert.True(t, s.portIPCheck)
	assert.True(t, s.pasvPool.Unrestricted())
	assert.Equal(t, DataTLSExplicit, s.dataTLSPolicy)
	assert.True(t, s.ownSupervisor)
	assert.NotNil(t, s.supervisor)
	assert.Nil(t, s.globalLimiter)
	assert.IsType(t, NopEventSink{}, s.sink)
	assert.IsType(t, DefaultListenerFactory{}, s.listenerFactory)
	assert.False(t, s.TLSAvailable())
}

func TestEmptyPassivePortsIsUnrestricted(t *testing.T) {
	t.Parallel()

	s, err := NewServer(":2121", WithProcessor(testProcessor()), WithUserStore(testUsers), WithPassivePorts(" "))
	require.NoError(t, err)
	assert.True(t, s.pasvPool.Unrestricted())
}

func TestServerOptions(t *testing.T) {
	t.Parallel()

	logger := zap.NewExample()
	sv := NewSupervisor()
	sink := &recordingSink{}
	provider := testProvider(t)

	s, err := NewServer(":0",
		WithProcessor(testProcessor()),
		WithUserStore(testUsers),
		WithLogger(logger),
		WithName("public"),
		WithSupervisor(sv),
		WithEventSink(sink),
		WithSecureProvider(provider),
		WithTLSProtocol("TLSv1.3"),
		WithDataTLSPolicy(DataTLSMirrorControl),
		WithActiveTLSClientRole(true),
		WithPassivePorts("30000-30009"),
		WithPassiveAddress("10.0.0.5", "ftp.example.com"),
		WithMaxIdleTime(time.Minute),
		WithPortIPCheck(false),
		WithMaxConnections(10, 2),
		WithBandwidthLimit(1<<20, 1<<10),
		WithWriteTimeout(3*time.Second),
		WithDataTimeout(time.Second),
		WithWelcomeMessage("hi"),
	)
	require.NoError(t, err)

	assert.Same(t, logger, s.logger)
	assert.Equal(t, "public", s.name)
	assert.Same(t, sv, s.supervisor)
	assert.False(t, s.ownSupervisor)
	assert.Same(t, sink, s.sink)
	assert.Same(t, provider, s.provider)
	assert.True(t, s.TLSAvailable())
	assert.Equal(t, "TLSv1.3", s.tlsProtocol)
	assert.Equal(t, DataTLSMirrorControl, s.dataTLSPolicy)
	assert.True(t, s.activeTLSClient)
	assert.Equal(t, 10, s.pasvPool.Len())
	assert.Equal(t, "10.0.0.5", s.pasvBind)
	assert.Equal(t, "ftp.example.com", s.pasvAdvertise)
	assert.Equal(t, time.Minute, s.maxIdleTime)
	assert.False(t, s.portIPCheck)
	assert.Equal(t, 10, s.maxConnections)
	assert.Equal(t, 2, s.maxConnectionsPerIP)
	require.NotNil(t, s.globalLimiter)
	assert.Equal(t, int64(1<<20), s.globalLimiter.Limit())
	assert.Equal(t, int64(1<<10), s.bandwidthPerSession)
	assert.Equal(t, 3*time.Second, s.writeTimeout)
	assert.Equal(t, time.Second, s.dataTimeout)
	assert.Equal(t, "hi", s.welcomeMessage)
}

func TestServerOptionErrors(t *testing.T) {
	t.Parallel()

	base := []Option{WithProcessor(testProcessor()), WithUserStore(testUsers)}
	tests := []struct {
		name string
		opt  Option
	}{
		{"nil processor", WithProcessor(nil)},
		{"nil user store", WithUserStore(nil)},
		{"negative idle", WithMaxIdleTime(-1)},
		{"negative limit", WithMaxConnections(-1, 0)},
		{"zero data timeout", WithDataTimeout(0)},
		{"bad passive ports", WithPassivePorts("abc")},
		{"unknown TLS protocol", WithTLSProtocol("SSLv2")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := append(append([]Option{}, base...), WithSecureProvider(testProvider(t)), tt.opt)
			_, err := NewServer(":0", opts...)
			assert.Error(t, err)
		})
	}
}

func TestNilLoggerAndSinkFallBack(t *testing.T) {
	t.Parallel()

	s, err := NewServer(":0",
		WithProcessor(testProcessor()),
		WithUserStore(testUsers),
		WithLogger(nil),
		WithEventSink(nil),
	)
	require.NoError(t, err)
	assert.NotNil(t, s.logger)
	assert.IsType(t, NopEventSink{}, s.sink)
}
