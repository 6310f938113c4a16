package endpoint

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

type ShutdownMode int

const (
	ShutRead ShutdownMode = iota
	ShutWrite
	ShutBoth
)

func (m ShutdownMode) String() string {
	switch m {
	case ShutRead:
		return "read"
	case ShutWrite:
		return "write"
	default:
		return "both"
	}
}

type handleKind int

const (
	kindSocket handleKind = iota
	kindPipe
)

// Handle is an owned, non-blocking descriptor: a connected socket or a pair
// of pipe ends. Whoever holds a Handle is responsible for closing it.
type Handle struct {
	kind    handleKind
	network string
	peer    string
	laddr   net.Addr
	raddr   net.Addr

	mu      sync.Mutex
	rfd     int
	wfd     int
	conn    *fdConn
	tlsConn *tls.Conn
	// broken handles skip the TLS close_notify on shutdown.
	broken bool
	closed bool
}

func newSocketHandle(fd int, network string, peer unix.Sockaddr) *Handle {
	h := &Handle{kind: kindSocket, network: network, rfd: fd, wfd: fd}
	if sa, err := unix.Getsockname(fd); err == nil {
		h.laddr = sockaddrToAddr(network, sa)
	}
	if peer == nil {
		peer, _ = unix.Getpeername(fd)
	}
	if peer != nil {
		h.raddr = sockaddrToAddr(network, peer)
	}

	h.peer = network
	switch {
	case namedAddr(h.raddr):
		h.peer = h.raddr.String()
	case namedAddr(h.laddr):
		h.peer = network + ":" + h.laddr.String()
	}
	return h
}

// namedAddr reports whether a carries a printable name. Unbound unix
// sockets come back from getpeername as an empty name or a bare "@".
func namedAddr(a net.Addr) bool {
	if a == nil {
		return false
	}
	name := a.String()
	return name != "" && name != "@"
}

func newPipeHandle(name string, rfd, wfd int) *Handle {
	return &Handle{kind: kindPipe, network: "pipe", peer: name, rfd: rfd, wfd: wfd}
}

func (h *Handle) PeerName() string {
	return h.peer
}

func (h *Handle) LocalAddr() net.Addr {
	return h.laddr
}

func (h *Handle) RemoteAddr() net.Addr {
	return h.raddr
}

func (h *Handle) ReadFD() int {
	return h.rfd
}

func (h *Handle) WriteFD() int {
	return h.wfd
}

func (h *Handle) IsTLS() bool {
	return h.tlsConn != nil
}

// ConnectionState returns the negotiated TLS state; ok is false for plain
// handles.
func (h *Handle) ConnectionState() (state tls.ConnectionState, ok bool) {
	if h.tlsConn == nil {
		return state, false
	}
	return h.tlsConn.ConnectionState(), true
}

// Read performs one non-blocking read. It returns ErrWouldBlock when no data
// is ready and io.EOF once the peer has closed its side.
func (h *Handle) Read(p []byte) (int, error) {
	if h.tlsConn != nil {
		return h.tlsConn.Read(p)
	}
	return readFD(h.rfd, p)
}

// Write performs one non-blocking write. On TLS handles p is accepted whole
// once earlier ciphertext has been flushed; whatever the socket does not take
// stays buffered until the next Write or Flush.
func (h *Handle) Write(p []byte) (int, error) {
	if h.tlsConn != nil {
		if err := h.conn.Flush(); err != nil {
			return 0, err
		}
		return h.tlsConn.Write(p)
	}
	return writeFD(h.wfd, p)
}

// Flush pushes buffered TLS ciphertext. It returns ErrWouldBlock while bytes
// remain and is a no-op on plain handles.
func (h *Handle) Flush() error {
	if h.conn == nil {
		return nil
	}
	return h.conn.Flush()
}

// Buffered returns the number of TLS bytes written but not yet on the wire.
func (h *Handle) Buffered() int {
	if h.conn == nil {
		return 0
	}
	return h.conn.Buffered()
}

// CloseNotify queues a TLS close_notify alert and flushes it. It returns
// ErrWouldBlock while the alert is still buffered.
func (h *Handle) CloseNotify() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.closeNotifyLocked()
}

func (h *Handle) closeNotifyLocked() error {
	if h.tlsConn == nil || h.broken || h.closed {
		return nil
	}
	if err := h.tlsConn.CloseWrite(); err != nil {
		return err
	}
	return h.conn.Flush()
}

// markBroken stops h from sending anything more on shutdown.
func (h *Handle) markBroken() {
	h.mu.Lock()
	h.broken = true
	h.mu.Unlock()
}

// upgradeTLS runs a blocking handshake on the descriptor. Afterwards reads
// and writes go back to non-blocking mode.
func (h *Handle) upgradeTLS(cfg *tls.Config, server bool, timeout time.Duration) error {
	conn := newFDConn(h)
	conn.blocking.Store(true)

	var tc *tls.Conn
	if server {
		tc = tls.Server(conn, cfg)
	} else {
		tc = tls.Client(conn, cfg)
	}

	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	if err := tc.Handshake(); err != nil {
		return fmt.Errorf("could not complete tls handshake with %s: %w", h.peer, err)
	}
	_ = conn.SetDeadline(time.Time{})
	conn.blocking.Store(false)

	h.conn, h.tlsConn = conn, tc
	return nil
}

func (h *Handle) Shutdown(how ShutdownMode) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}

	if h.kind == kindPipe {
		var err error
		if how != ShutWrite && h.rfd >= 0 {
			err = multierr.Append(err, os.NewSyscallError("close", unix.Close(h.rfd)))
			h.rfd = -1
		}
		if how != ShutRead && h.wfd >= 0 {
			err = multierr.Append(err, os.NewSyscallError("close", unix.Close(h.wfd)))
			h.wfd = -1
		}
		return err
	}

	var err error
	if how != ShutRead {
		if cerr := h.closeNotifyLocked(); cerr != nil && !IsWouldBlock(cerr) {
			err = multierr.Append(err, cerr)
		}
	}

	sh := unix.SHUT_RDWR
	switch how {
	case ShutRead:
		sh = unix.SHUT_RD
	case ShutWrite:
		sh = unix.SHUT_WR
	}
	err = multierr.Append(err, os.NewSyscallError("shutdown", unix.Shutdown(h.rfd, sh)))
	return err
}

// Close releases the descriptors. It is safe to call more than once.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	var err error
	if h.rfd >= 0 {
		err = multierr.Append(err, os.NewSyscallError("close", unix.Close(h.rfd)))
	}
	if h.wfd >= 0 && h.wfd != h.rfd {
		err = multierr.Append(err, os.NewSyscallError("close", unix.Close(h.wfd)))
	}
	return err
}

// release shuts down and closes h, logging whatever goes wrong.
func (h *Handle) release() {
	err := multierr.Combine(h.Shutdown(ShutBoth), h.Close())
	if err == nil {
		return
	}
	ev := log.Warn()
	if IsOKNetworkError(err) {
		ev = log.Debug()
	}
	ev.Err(err).Str("peer", h.peer).Msg("could not release handle cleanly")
}
