package endpoint

import (
	"crypto/tls"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/fr13n8/connmux/poll"
	"github.com/fr13n8/connmux/utils/certs"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoAccept wraps every accepted handle in a stream that writes back what
// it reads.
func echoAccept(t *testing.T, n poll.Notifier, streams *[]*Stream) AcceptFunc {
	return func(_ *Listener, h *Handle) (bool, error) {
		s, err := NewStream(n, h, StreamOptions{Metrics: testMetrics()}, ObserverFuncs{
			Receive: func(s *Stream) bool {
				assert.NoError(t, s.Send(s.Read()))
				return true
			},
		})
		if err != nil {
			return false, err
		}
		*streams = append(*streams, s)
		return true, nil
	}
}

type clientResult struct {
	reply []byte
	err   error
}

// exchange writes msg on conn and reads the same number of bytes back.
func exchange(conn net.Conn, msg []byte) <-chan clientResult {
	done := make(chan clientResult, 1)
	go func() {
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
		if _, err := conn.Write(msg); err != nil {
			done <- clientResult{err: err}
			return
		}
		reply := make([]byte, len(msg))
		_, err := io.ReadFull(conn, reply)
		done <- clientResult{reply: reply, err: err}
	}()
	return done
}

func waitResult(t *testing.T, l *poll.Loop, done <-chan clientResult) clientResult {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		select {
		case r := <-done:
			return r
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("client did not finish")
		}
		_, err := l.RunOnce(10 * time.Millisecond)
		require.NoError(t, err)
	}
}

func TestListenerAcceptEcho(t *testing.T) {
	l := newLoop(t)
	m := testMetrics()

	var streams []*Stream
	lis, err := NewListener(l, "tcp", "127.0.0.1:0", ListenerOptions{Metrics: m}, echoAccept(t, l, &streams))
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Shutdown() })

	conn, err := net.Dial("tcp", lis.Addr().String())
	require.NoError(t, err)

	r := waitResult(t, l, exchange(conn, []byte("hello listener")))
	require.NoError(t, r.err)
	assert.Equal(t, []byte("hello listener"), r.reply)

	require.Len(t, streams, 1)
	assert.Equal(t, conn.LocalAddr().String(), streams[0].PeerName())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Accepts.WithLabelValues("accepted")))

	runUntil(t, l, streams[0].IsClosed)
}

func TestListenerReject(t *testing.T) {
	l := newLoop(t)
	m := testMetrics()

	var offered int
	lis, err := NewListener(l, "tcp", "127.0.0.1:0", ListenerOptions{Metrics: m}, AcceptFunc(func(*Listener, *Handle) (bool, error) {
		offered++
		return false, nil
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Shutdown() })

	conn, err := net.Dial("tcp", lis.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	runUntil(t, l, func() bool { return offered == 1 })
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Accepts.WithLabelValues("rejected")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.True(t, IsCleanClose(err), "client read returned %v", err)
}

type acceptErrors struct {
	AcceptFunc
	errs []error
}

func (a *acceptErrors) OnAcceptError(_ *Listener, err error) {
	a.errs = append(a.errs, err)
}

func TestListenerTLSEcho(t *testing.T) {
	l := newLoop(t)

	serverConf, err := certs.NewSelfSignedCertManager("localhost", "").GetTLSConfig()
	require.NoError(t, err)

	var streams []*Stream
	h := &acceptErrors{AcceptFunc: echoAccept(t, l, &streams)}
	lis, err := NewListener(l, "tcp", "127.0.0.1:0", ListenerOptions{Metrics: testMetrics()}, h)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Shutdown() })
	lis.EnableTLS(serverConf, time.Second)

	raw, err := net.Dial("tcp", lis.Addr().String())
	require.NoError(t, err)
	client := tls.Client(raw, &tls.Config{InsecureSkipVerify: true, ServerName: "localhost"})

	r := waitResult(t, l, exchange(client, []byte("secret payload")))
	require.NoError(t, r.err)
	assert.Equal(t, []byte("secret payload"), r.reply)
	assert.Empty(t, h.errs)

	require.Len(t, streams, 1)
	assert.True(t, streams[0].Handle().IsTLS())
	state, ok := streams[0].Handle().ConnectionState()
	require.True(t, ok)
	assert.True(t, state.HandshakeComplete)

	runUntil(t, l, streams[0].IsClosed)
}

func TestListenerHandshakeFailure(t *testing.T) {
	l := newLoop(t)
	m := testMetrics()

	serverConf, err := certs.NewSelfSignedCertManager("localhost", "").GetTLSConfig()
	require.NoError(t, err)

	var accepted int
	h := &acceptErrors{AcceptFunc: func(*Listener, *Handle) (bool, error) {
		accepted++
		return true, nil
	}}
	lis, err := NewListener(l, "tcp", "127.0.0.1:0", ListenerOptions{
		TLS:              serverConf,
		HandshakeTimeout: time.Second,
		Metrics:          m,
	}, h)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Shutdown() })

	conn, err := net.Dial("tcp", lis.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("this is not a client hello\r\n\r\n"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	runUntil(t, l, func() bool { return len(h.errs) == 1 })
	assert.Zero(t, accepted)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Accepts.WithLabelValues("handshake_failed")))

	// The listener keeps serving after a failed handshake.
	in, _ := l.Registered(lis.fd)
	assert.True(t, in)
}

func TestListenerUnixSocket(t *testing.T) {
	l := newLoop(t)
	path := filepath.Join(t.TempDir(), "connmux.sock")

	var got []byte
	lis, err := NewListener(l, "unix", path, ListenerOptions{Metrics: testMetrics()}, AcceptFunc(func(_ *Listener, h *Handle) (bool, error) {
		_, err := NewStream(l, h, StreamOptions{Metrics: testMetrics()}, ObserverFuncs{
			Receive: func(s *Stream) bool {
				got = append(got, s.Read()...)
				return true
			},
		})
		return err == nil, err
	}))
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, path, lis.Addr().String())

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	_, err = conn.Write([]byte("local"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	runUntil(t, l, func() bool { return string(got) == "local" })

	require.NoError(t, lis.Shutdown())
	require.NoError(t, lis.Shutdown())
	assert.NoFileExists(t, path)
	assert.True(t, isClosedFD(lis.fd))
}

func TestListenerBindConflict(t *testing.T) {
	l := newLoop(t)

	lis, err := NewListener(l, "tcp", "127.0.0.1:0", ListenerOptions{Metrics: testMetrics()}, AcceptFunc(func(*Listener, *Handle) (bool, error) {
		return false, nil
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Shutdown() })

	_, err = NewListener(l, "tcp", lis.Addr().String(), ListenerOptions{Metrics: testMetrics()}, nil)
	assert.Error(t, err)

	_, err = NewListener(l, "tcp", "not an address", ListenerOptions{}, nil)
	assert.Error(t, err)
}
