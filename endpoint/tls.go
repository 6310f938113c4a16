package endpoint

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// fdConn lets crypto/tls drive a raw non-blocking descriptor. In blocking
// mode, used for the handshake, reads and writes wait for readiness and
// honour the deadlines. Otherwise a read with nothing pending returns
// ErrWouldBlock and records that do not fit in the socket are kept in out
// until Flush pushes them.
type fdConn struct {
	h        *Handle
	blocking atomic.Bool

	mu        sync.Mutex
	rdeadline time.Time
	wdeadline time.Time

	wmu sync.Mutex
	out Buffer
}

var _ net.Conn = (*fdConn)(nil)

func newFDConn(h *Handle) *fdConn {
	return &fdConn{h: h}
}

func (c *fdConn) Read(p []byte) (int, error) {
	for {
		n, err := readFD(c.h.rfd, p)
		if !errors.Is(err, ErrWouldBlock) || !c.blocking.Load() {
			return n, err
		}
		c.mu.Lock()
		deadline := c.rdeadline
		c.mu.Unlock()
		if err := waitFD(c.h.rfd, unix.POLLIN, deadline); err != nil {
			return 0, err
		}
	}
}

func (c *fdConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.out.Append(p)
	for {
		err := c.flushLocked()
		if err == nil {
			return len(p), nil
		}
		if !errors.Is(err, ErrWouldBlock) {
			return 0, err
		}
		if !c.blocking.Load() {
			return len(p), nil
		}
		c.mu.Lock()
		deadline := c.wdeadline
		c.mu.Unlock()
		if err := waitFD(c.h.wfd, unix.POLLOUT, deadline); err != nil {
			return 0, err
		}
	}
}

// Flush writes buffered ciphertext without waiting. It returns ErrWouldBlock
// while bytes remain.
func (c *fdConn) Flush() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	return c.flushLocked()
}

// Buffered returns the number of ciphertext bytes not yet written.
func (c *fdConn) Buffered() int {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	return c.out.Len()
}

func (c *fdConn) flushLocked() error {
	for c.out.Len() > 0 {
		n, err := writeFD(c.h.wfd, c.out.Peek())
		if n > 0 {
			c.out.Advance(n)
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrWouldBlock
		}
	}
	return nil
}

// Close is a no-op: the descriptor belongs to the Handle.
func (c *fdConn) Close() error {
	return nil
}

func (c *fdConn) LocalAddr() net.Addr {
	return c.h.laddr
}

func (c *fdConn) RemoteAddr() net.Addr {
	return c.h.raddr
}

func (c *fdConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.rdeadline, c.wdeadline = t, t
	c.mu.Unlock()
	return nil
}

func (c *fdConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.rdeadline = t
	c.mu.Unlock()
	return nil
}

func (c *fdConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.wdeadline = t
	c.mu.Unlock()
	return nil
}
