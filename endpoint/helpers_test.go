package endpoint

import (
	"bufio"
	"crypto/tls"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fr13n8/connmux/poll"
	"github.com/fr13n8/connmux/utils/certs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newLoop(t *testing.T, opts ...poll.Option) *poll.Loop {
	t.Helper()

	l, err := poll.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// runUntil drives the loop until cond holds or two seconds pass.
func runUntil(t *testing.T, l *poll.Loop, cond func() bool) {
	t.Helper()

	runUntilWithin(t, l, 2*time.Second, cond)
}

func runUntilWithin(t *testing.T, l *poll.Loop, d time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached before deadline")
		}
		_, err := l.RunOnce(10 * time.Millisecond)
		require.NoError(t, err)
	}
}

// runFor drives the loop for roughly d.
func runFor(t *testing.T, l *poll.Loop, d time.Duration) {
	t.Helper()

	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		_, err := l.RunOnce(5 * time.Millisecond)
		require.NoError(t, err)
	}
}

// runInBackground drives the loop on its own goroutine until the returned
// stop function is called. Tests use it when the loop goroutine blocks in a
// handshake the test itself has to unblock.
func runInBackground(t *testing.T, l *poll.Loop) (stop func()) {
	t.Helper()

	var (
		quit = make(chan struct{})
		done = make(chan struct{})
	)
	go func() {
		defer close(done)
		for {
			select {
			case <-quit:
				return
			default:
			}
			if _, err := l.RunOnce(5 * time.Millisecond); err != nil {
				t.Errorf("loop failed: %v", err)
				return
			}
		}
	}()
	return func() {
		close(quit)
		<-done
	}
}

// peekedConn replays bytes consumed by a bufio.Reader before handing the
// connection to crypto/tls.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// acceptTLS dials a TLS listener on the loop and returns the accepted server
// stream together with the handshaken client and its raw connection.
func acceptTLS(t *testing.T, l *poll.Loop, obs Observer) (*Stream, *tls.Conn, *net.TCPConn) {
	t.Helper()

	serverConf, err := certs.NewSelfSignedCertManager("localhost", "").GetTLSConfig()
	require.NoError(t, err)

	var server *Stream
	lis, err := NewListener(l, "tcp", "127.0.0.1:0", ListenerOptions{
		TLS:              serverConf,
		HandshakeTimeout: 2 * time.Second,
		Metrics:          testMetrics(),
	}, AcceptFunc(func(_ *Listener, h *Handle) (bool, error) {
		s, err := NewStream(l, h, StreamOptions{Metrics: testMetrics()}, obs)
		if err != nil {
			return false, err
		}
		server = s
		return true, nil
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Shutdown() })

	raw, err := net.Dial("tcp", lis.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	client := tls.Client(raw, &tls.Config{InsecureSkipVerify: true, ServerName: "localhost"})
	handshake := make(chan error, 1)
	go func() {
		_ = raw.SetDeadline(time.Now().Add(2 * time.Second))
		err := client.Handshake()
		_ = raw.SetDeadline(time.Time{})
		handshake <- err
	}()

	runUntil(t, l, func() bool { return server != nil })
	require.NoError(t, <-handshake)
	return server, client, raw.(*net.TCPConn)
}

func socketPair(t *testing.T) (*Handle, *Handle) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	a := newSocketHandle(fds[0], "unix", nil)
	b := newSocketHandle(fds[1], "unix", nil)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func testMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func isClosedFD(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == unix.EBADF
}

// countingNotifier counts invocations of output callbacks.
type countingNotifier struct {
	*poll.Loop
	outCalls atomic.Int32
}

func (c *countingNotifier) AddOutputCallback(fd int, cb poll.IOCallback) error {
	return c.Loop.AddOutputCallback(fd, func(fd int, ev poll.EventMask) {
		c.outCalls.Add(1)
		cb(fd, ev)
	})
}

// recorder collects observer events in order.
type recorder struct {
	events   []string
	received [][]byte
	errs     []error
	drain    bool
	keep     bool
}

func (r *recorder) OnReceive(s *Stream) bool {
	r.events = append(r.events, "receive")
	if r.drain {
		r.received = append(r.received, s.Read())
	}
	return r.keep
}

func (r *recorder) OnClose(*Stream) {
	r.events = append(r.events, "close")
}

func (r *recorder) OnError(_ *Stream, err error) {
	r.events = append(r.events, "error")
	r.errs = append(r.errs, err)
}

func (r *recorder) count(event string) int {
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}
