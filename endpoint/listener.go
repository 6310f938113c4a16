package endpoint

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fr13n8/connmux/config"
	"github.com/fr13n8/connmux/poll"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const defaultBacklog = 128

type ListenerOptions struct {
	Backlog          int
	TLS              *tls.Config
	HandshakeTimeout time.Duration
	Metrics          *Metrics
}

func ListenerOptionsFrom(c config.Listener) ListenerOptions {
	return ListenerOptions{
		Backlog:          c.Backlog,
		HandshakeTimeout: c.HandshakeTimeout,
	}
}

// Listener accepts stream connections and hands each one to a
// ListenerHandler, optionally after a server side TLS handshake.
type Listener struct {
	n       poll.Notifier
	fd      int
	network string
	addr    net.Addr
	handler ListenerHandler
	metrics *Metrics

	mu               sync.Mutex
	tlsConfig        *tls.Config
	handshakeTimeout time.Duration
	closed           bool
}

func NewListener(n poll.Notifier, network, address string, opts ListenerOptions, handler ListenerHandler) (*Listener, error) {
	sa, domain, err := resolveSockaddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not resolve listen address %q: %w", address, err)
	}
	fd, err := newSocket(domain, unix.SOCK_STREAM)
	if err != nil {
		return nil, fmt.Errorf("could not create listener socket: %w", err)
	}
	if domain != unix.AF_UNIX {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("could not set SO_REUSEADDR: %w", os.NewSyscallError("setsockopt", err))
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("could not bind %s: %w", address, os.NewSyscallError("bind", err))
	}

	backlog := opts.Backlog
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("could not listen on %s: %w", address, os.NewSyscallError("listen", err))
	}

	l := &Listener{
		n:                n,
		fd:               fd,
		network:          network,
		handler:          handler,
		metrics:          metricsOrDefault(opts.Metrics),
		tlsConfig:        opts.TLS,
		handshakeTimeout: opts.HandshakeTimeout,
	}
	if bound, err := unix.Getsockname(fd); err == nil {
		l.addr = sockaddrToAddr(network, bound)
	}

	if err := n.AddInputCallback(fd, l.onAcceptReady); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("could not register listener: %w", err)
	}
	log.Info().Str("addr", l.Addr().String()).Msg("listener started")

	return l, nil
}

// EnableTLS makes every following accept perform a blocking server handshake
// bounded by timeout.
func (l *Listener) EnableTLS(cfg *tls.Config, timeout time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tlsConfig = cfg
	l.handshakeTimeout = timeout
}

func (l *Listener) Addr() net.Addr {
	if l.addr == nil {
		return &net.TCPAddr{}
	}
	return l.addr
}

// onAcceptReady accepts one pending connection.
func (l *Listener) onAcceptReady(int, poll.EventMask) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	cfg, timeout := l.tlsConfig, l.handshakeTimeout
	l.mu.Unlock()

	nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if IsWouldBlock(err) || errors.Is(err, unix.ECONNABORTED) || errors.Is(err, unix.EINTR) {
			return
		}
		l.metrics.Accepts.WithLabelValues("error").Inc()
		err = fmt.Errorf("could not accept on %s: %w", l.Addr(), os.NewSyscallError("accept4", err))
		log.Error().Err(err).Msg("accept failed")
		l.handler.OnAcceptError(l, err)
		return
	}

	h := newSocketHandle(nfd, l.network, sa)
	if cfg != nil {
		if err := h.upgradeTLS(cfg, true, timeout); err != nil {
			l.metrics.Accepts.WithLabelValues("handshake_failed").Inc()
			h.release()
			log.Warn().Err(err).Str("peer", h.PeerName()).Msg("tls handshake failed")
			l.handler.OnAcceptError(l, err)
			return
		}
	}

	accepted, err := l.handler.OnAccept(l, h)
	if err != nil {
		log.Warn().Err(err).Str("peer", h.PeerName()).Msg("accept handler failed")
	}
	if !accepted {
		l.metrics.Accepts.WithLabelValues("rejected").Inc()
		h.release()
		log.Debug().Str("peer", h.PeerName()).Msg("connection rejected")
		return
	}
	l.metrics.Accepts.WithLabelValues("accepted").Inc()
}

// Shutdown deregisters the listener and closes its socket. It is safe to call
// more than once.
func (l *Listener) Shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.n.RemoveInputCallback(l.fd)

	// Shutting down a listening socket usually reports ENOTCONN.
	if err := unix.Shutdown(l.fd, unix.SHUT_RDWR); err != nil && !errors.Is(err, unix.ENOTCONN) {
		log.Debug().Err(err).Str("addr", l.Addr().String()).Msg("could not shut down listener")
	}
	err := os.NewSyscallError("close", unix.Close(l.fd))
	if ua, ok := l.addr.(*net.UnixAddr); ok && ua.Name != "" && ua.Name[0] != '@' {
		err = multierr.Append(err, os.Remove(ua.Name))
	}
	if err != nil {
		return fmt.Errorf("could not close listener %s: %w", l.Addr(), err)
	}
	log.Info().Str("addr", l.Addr().String()).Msg("listener stopped")
	return nil
}
