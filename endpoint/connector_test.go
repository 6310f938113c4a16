package endpoint

import (
	"bufio"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fr13n8/connmux/poll"
	"github.com/fr13n8/connmux/utils/certs"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"
)

// closedPort returns a loopback address nothing listens on.
func closedPort(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestConnectorConnects(t *testing.T) {
	l := newLoop(t)
	m := testMetrics()

	var server []*Stream
	lis, err := NewListener(l, "tcp", "127.0.0.1:0", ListenerOptions{Metrics: m}, echoAccept(t, l, &server))
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Shutdown() })

	var (
		client *Stream
		reply  []byte
	)
	c, err := NewConnector(l, "tcp", lis.Addr().String(), ConnectorOptions{Metrics: m}, ConnectFuncs{
		Connect: func(c *Connector, h *Handle) (bool, error) {
			assert.Equal(t, ConnectorConnected, c.State())
			s, err := NewStream(l, h, StreamOptions{Metrics: m}, ObserverFuncs{
				Receive: func(s *Stream) bool {
					reply = append(reply, s.Read()...)
					return true
				},
			})
			if err != nil {
				return false, err
			}
			client = s
			return true, s.Send([]byte("dialed"))
		},
		Error: func(_ *Connector, err error) {
			t.Errorf("unexpected connect error: %v", err)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, ConnectorPending, c.State())
	assert.Equal(t, lis.Addr().String(), c.PeerName())

	runUntil(t, l, func() bool { return string(reply) == "dialed" })
	assert.Equal(t, ConnectorConnected, c.State())
	assert.Equal(t, 1, c.Attempts())
	assert.Equal(t, lis.Addr().String(), client.PeerName())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("connected")))

	runFor(t, l, 20*time.Millisecond)
	assert.Equal(t, 0, l.PendingTimers(), "no retry timer survives a connect")

	require.NoError(t, c.Shutdown())
	assert.Equal(t, ConnectorConnected, c.State())
	assert.False(t, client.IsClosed())
	require.NoError(t, client.Close())
}

func TestConnectorMaxAttempts(t *testing.T) {
	l := newLoop(t)
	m := testMetrics()

	var (
		failures []error
		offered  int
	)
	c, err := NewConnector(l, "tcp", closedPort(t), ConnectorOptions{
		Backoff:     wait.Backoff{Duration: 5 * time.Millisecond, Factor: 1, Steps: 100},
		MaxAttempts: 3,
		Metrics:     m,
	}, ConnectFuncs{
		Connect: func(*Connector, *Handle) (bool, error) {
			offered++
			return false, nil
		},
		Error: func(_ *Connector, err error) {
			failures = append(failures, err)
		},
	})
	require.NoError(t, err)

	runUntil(t, l, func() bool { return c.State() == ConnectorFailed })
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], ErrMaxAttempts)
	assert.ErrorIs(t, failures[0], syscall.ECONNREFUSED)
	assert.Equal(t, 3, c.Attempts())
	assert.Zero(t, offered)
	assert.Equal(t, 0, l.PendingTimers())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("failed")))

	runFor(t, l, 30*time.Millisecond)
	assert.Len(t, failures, 1)
}

func TestConnectorTimeout(t *testing.T) {
	mock := clock.NewMock()
	l := newLoop(t, poll.WithClock(mock))

	var failures []error
	c, err := NewConnector(l, "tcp", closedPort(t), ConnectorOptions{
		Backoff: wait.Backoff{Duration: 400 * time.Millisecond, Factor: 1, Steps: 100},
		Timeout: time.Second,
		Metrics: testMetrics(),
	}, ConnectFuncs{
		Error: func(_ *Connector, err error) {
			failures = append(failures, err)
		},
	})
	require.NoError(t, err)

	for i := 0; i < 10 && c.State() != ConnectorFailed; i++ {
		_, err := l.RunOnce(0)
		require.NoError(t, err)
		mock.Add(400 * time.Millisecond)
	}

	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], ErrConnectTimeout)
	assert.Equal(t, ConnectorFailed, c.State())
	assert.Equal(t, 0, l.PendingTimers())
}

func TestConnectorShutdownBeforeConnect(t *testing.T) {
	l := newLoop(t)

	called := false
	c, err := NewConnector(l, "tcp", closedPort(t), ConnectorOptions{
		InitialDelay: time.Hour,
		Metrics:      testMetrics(),
	}, ConnectFuncs{
		Connect: func(*Connector, *Handle) (bool, error) {
			called = true
			return false, nil
		},
		Error: func(*Connector, error) { called = true },
	})
	require.NoError(t, err)
	assert.Equal(t, 1, l.PendingTimers())

	require.NoError(t, c.Shutdown())
	require.NoError(t, c.Shutdown())
	assert.Equal(t, ConnectorClosed, c.State())
	assert.Equal(t, 0, l.PendingTimers())

	runFor(t, l, 20*time.Millisecond)
	assert.False(t, called)
}

func TestConnectorRejectedHandleIsClosed(t *testing.T) {
	l := newLoop(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	peerRead := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			peerRead <- err
			return
		}
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err = conn.Read(make([]byte, 1))
		peerRead <- err
	}()

	c, err := NewConnector(l, "tcp", ln.Addr().String(), ConnectorOptions{Metrics: testMetrics()}, ConnectFuncs{})
	require.NoError(t, err)

	runUntil(t, l, func() bool { return c.State() == ConnectorConnected })

	select {
	case err := <-peerRead:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("peer was not closed")
	}
}

func TestConnectorTLS(t *testing.T) {
	l := newLoop(t)

	cm := certs.NewSelfSignedCertManager("localhost", "")
	serverConf, err := cm.GetTLSConfig()
	require.NoError(t, err)
	hash, err := cm.GetCertHash()
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverConf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()

	clientConf := &tls.Config{MinVersion: tls.VersionTLS12}
	certs.PinCertificate(clientConf, hash)

	var reply []byte
	c, err := NewConnector(l, "tcp", ln.Addr().String(), ConnectorOptions{
		TLS:              clientConf,
		HandshakeTimeout: 2 * time.Second,
		Metrics:          testMetrics(),
	}, ConnectFuncs{
		Connect: func(_ *Connector, h *Handle) (bool, error) {
			require.True(t, h.IsTLS())
			s, err := NewStream(l, h, StreamOptions{}, ObserverFuncs{
				Receive: func(s *Stream) bool {
					reply = append(reply, s.Read()...)
					return true
				},
			})
			if err != nil {
				return false, err
			}
			return true, s.Send([]byte("over tls"))
		},
		Error: func(_ *Connector, err error) {
			t.Errorf("unexpected connect error: %v", err)
		},
	})
	require.NoError(t, err)

	runUntil(t, l, func() bool { return string(reply) == "over tls" })
	assert.Equal(t, ConnectorConnected, c.State())
}

func TestConnectorTLSFingerprintMismatch(t *testing.T) {
	l := newLoop(t)

	serverConf, err := certs.NewSelfSignedCertManager("localhost", "").GetTLSConfig()
	require.NoError(t, err)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverConf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.(*tls.Conn).Handshake()
	}()

	clientConf := &tls.Config{}
	certs.PinCertificate(clientConf, make([]byte, 32))

	var failures []error
	c, err := NewConnector(l, "tcp", ln.Addr().String(), ConnectorOptions{
		TLS:              clientConf,
		HandshakeTimeout: 2 * time.Second,
		Metrics:          testMetrics(),
	}, ConnectFuncs{
		Error: func(_ *Connector, err error) { failures = append(failures, err) },
	})
	require.NoError(t, err)

	runUntil(t, l, func() bool { return c.State() == ConnectorFailed })
	require.Len(t, failures, 1)
	assert.False(t, errors.Is(failures[0], ErrMaxAttempts))
	assert.Contains(t, failures[0].Error(), "fingerprint")
}

func TestConnectorShutdownDuringHandshake(t *testing.T) {
	l := newLoop(t)
	m := testMetrics()

	serverConf, err := certs.NewSelfSignedCertManager("localhost", "").GetTLSConfig()
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	var (
		helloSeen = make(chan struct{})
		answer    = make(chan struct{})
		peerRead  = make(chan error, 1)
	)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			peerRead <- err
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(3 * time.Second))

		// Hold the ServerHello back until the connector has been shut down.
		r := bufio.NewReader(conn)
		if _, err := r.Peek(1); err != nil {
			peerRead <- err
			return
		}
		close(helloSeen)
		<-answer

		tc := tls.Server(&peekedConn{Conn: conn, r: r}, serverConf)
		if err := tc.Handshake(); err != nil {
			peerRead <- err
			return
		}
		_, err = tc.Read(make([]byte, 1))
		peerRead <- err
	}()

	var connects, failures atomic.Int32
	c, err := NewConnector(l, "tcp", ln.Addr().String(), ConnectorOptions{
		TLS:              &tls.Config{InsecureSkipVerify: true},
		HandshakeTimeout: 2 * time.Second,
		Metrics:          m,
	}, ConnectFuncs{
		Connect: func(*Connector, *Handle) (bool, error) {
			connects.Add(1)
			return true, nil
		},
		Error: func(*Connector, error) { failures.Add(1) },
	})
	require.NoError(t, err)

	stop := runInBackground(t, l)
	select {
	case <-helloSeen:
	case <-time.After(2 * time.Second):
		stop()
		t.Fatal("client hello never arrived")
	}

	require.NoError(t, c.Shutdown())
	assert.Equal(t, ConnectorClosed, c.State())
	close(answer)

	var readErr error
	select {
	case readErr = <-peerRead:
	case <-time.After(3 * time.Second):
		stop()
		t.Fatal("peer was not closed")
	}
	stop()

	assert.True(t, IsCleanClose(readErr), "peer read returned %v", readErr)
	assert.Equal(t, ConnectorClosed, c.State())
	assert.Zero(t, connects.Load())
	assert.Zero(t, failures.Load())
	assert.Zero(t, testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("connected")))
}

func TestConnectorBadAddress(t *testing.T) {
	l := newLoop(t)

	_, err := NewConnector(l, "tcp", "nowhere", ConnectorOptions{}, ConnectFuncs{})
	assert.Error(t, err)
	assert.Equal(t, 0, l.PendingTimers())
}
