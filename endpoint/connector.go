package endpoint

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fr13n8/connmux/config"
	"github.com/fr13n8/connmux/poll"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
	"k8s.io/apimachinery/pkg/util/wait"
)

type ConnectorState int

const (
	ConnectorPending ConnectorState = iota
	ConnectorConnecting
	ConnectorConnected
	ConnectorFailed
	ConnectorClosed
)

func (s ConnectorState) String() string {
	switch s {
	case ConnectorPending:
		return "pending"
	case ConnectorConnecting:
		return "connecting"
	case ConnectorConnected:
		return "connected"
	case ConnectorFailed:
		return "failed"
	default:
		return "closed"
	}
}

type ConnectorOptions struct {
	InitialDelay time.Duration
	// Backoff spaces the retries; Duration is the retry period.
	Backoff wait.Backoff
	// MaxAttempts bounds the number of sockets tried; zero means no bound.
	MaxAttempts int
	// Timeout bounds the whole connect, measured from construction.
	Timeout          time.Duration
	TLS              *tls.Config
	HandshakeTimeout time.Duration
	// Clock defaults to the notifier clock when it exposes one.
	Clock   clock.Clock
	Metrics *Metrics
}

func ConnectorOptionsFrom(c config.Connector) ConnectorOptions {
	return ConnectorOptions{
		InitialDelay:     c.InitialDelay,
		Backoff:          c.Backoff(),
		MaxAttempts:      c.MaxAttempts,
		Timeout:          c.Timeout,
		HandshakeTimeout: c.HandshakeTimeout,
	}
}

// Connector establishes one outbound stream connection with a non-blocking
// connect retried on a timer.
type Connector struct {
	n       poll.Notifier
	network string
	address string
	sa      unix.Sockaddr
	domain  int
	opts    ConnectorOptions
	handler ConnectHandler
	clock   clock.Clock
	metrics *Metrics
	started time.Time

	mu       sync.Mutex
	state    ConnectorState
	fd       int
	timer    poll.TimerID
	attempts int
	backoff  wait.Backoff
}

func NewConnector(n poll.Notifier, network, address string, opts ConnectorOptions, handler ConnectHandler) (*Connector, error) {
	sa, domain, err := resolveSockaddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not resolve connect address %q: %w", address, err)
	}

	clk := opts.Clock
	if clk == nil {
		if cn, ok := n.(interface{ Clock() clock.Clock }); ok {
			clk = cn.Clock()
		} else {
			clk = clock.New()
		}
	}
	backoff := opts.Backoff
	if backoff.Duration <= 0 {
		backoff.Duration = 100 * time.Millisecond
	}

	c := &Connector{
		n:       n,
		network: network,
		address: address,
		sa:      sa,
		domain:  domain,
		opts:    opts,
		handler: handler,
		clock:   clk,
		metrics: metricsOrDefault(opts.Metrics),
		started: clk.Now(),
		fd:      -1,
		backoff: backoff,
	}
	c.timer = n.AddTimeout(opts.InitialDelay, c.onRetryTick)

	return c, nil
}

func (c *Connector) PeerName() string {
	return c.address
}

func (c *Connector) State() ConnectorState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Attempts returns the number of sockets tried so far.
func (c *Connector) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.attempts
}

func (c *Connector) onRetryTick() {
	c.mu.Lock()
	if c.state != ConnectorPending && c.state != ConnectorConnecting {
		c.mu.Unlock()
		return
	}
	c.timer = 0
	c.state = ConnectorConnecting

	if c.fd < 0 {
		fd, err := newSocket(c.domain, unix.SOCK_STREAM)
		if err != nil {
			c.failLocked(err)
			return
		}
		c.fd = fd
		c.attempts++
	}

	err := unix.Connect(c.fd, c.sa)
	if errors.Is(err, unix.EALREADY) {
		// A failed attempt shows up in SO_ERROR before connect reports it.
		if serr := socketError(c.fd); serr != nil {
			err = serr
		}
	}

	switch {
	case err == nil || errors.Is(err, unix.EISCONN):
		c.connectedLocked()
	case IsConnectInProgress(err):
		c.retryLocked(nil)
	case IsRetryableConnectError(err):
		c.metrics.ConnectAttempts.WithLabelValues("retry").Inc()
		log.Debug().Err(err).Str("addr", c.address).Int("attempt", c.attempts).Msg("connect attempt failed")
		c.closeSocketLocked()
		c.retryLocked(os.NewSyscallError("connect", err))
	default:
		c.failLocked(os.NewSyscallError("connect", err))
	}
}

// retryLocked schedules the next tick unless the attempt or time budget is
// spent. It releases the lock.
func (c *Connector) retryLocked(cause error) {
	if cause != nil && c.opts.MaxAttempts > 0 && c.attempts >= c.opts.MaxAttempts {
		c.failLocked(fmt.Errorf("%w: %d attempts to %s: %w", ErrMaxAttempts, c.attempts, c.address, cause))
		return
	}
	if c.opts.Timeout > 0 && c.clock.Since(c.started) >= c.opts.Timeout {
		c.failLocked(fmt.Errorf("%w: %s after %s", ErrConnectTimeout, c.address, c.opts.Timeout))
		return
	}
	c.timer = c.n.AddTimeout(c.backoff.Step(), c.onRetryTick)
	c.mu.Unlock()
}

// connectedLocked hands the socket over. It releases the lock.
func (c *Connector) connectedLocked() {
	c.cancelTimerLocked()
	fd := c.fd
	c.fd = -1
	c.mu.Unlock()

	h := newSocketHandle(fd, c.network, nil)
	if c.opts.TLS != nil {
		cfg := c.opts.TLS.Clone()
		if cfg.ServerName == "" {
			if host, _, err := net.SplitHostPort(c.address); err == nil {
				cfg.ServerName = host
			}
		}
		if err := h.upgradeTLS(cfg, false, c.opts.HandshakeTimeout); err != nil {
			h.release()
			c.mu.Lock()
			if c.state == ConnectorClosed {
				c.mu.Unlock()
				return
			}
			c.failLocked(err)
			return
		}
	}

	// Shutdown may have run while the handshake had the lock released.
	c.mu.Lock()
	if c.state == ConnectorClosed {
		c.mu.Unlock()
		log.Debug().Str("addr", c.address).Msg("connector shut down during handshake")
		h.release()
		return
	}
	c.state = ConnectorConnected
	c.mu.Unlock()
	c.metrics.ConnectAttempts.WithLabelValues("connected").Inc()
	log.Debug().Str("addr", c.address).Str("peer", h.PeerName()).Msg("connected")

	accepted, err := c.handler.OnConnect(c, h)
	if err != nil {
		log.Warn().Err(err).Str("addr", c.address).Msg("connect handler failed")
	}
	if !accepted {
		h.release()
	}
}

// failLocked moves the connector to FAILED and reports err. It releases the
// lock.
func (c *Connector) failLocked(err error) {
	c.cancelTimerLocked()
	c.closeSocketLocked()
	c.state = ConnectorFailed
	c.mu.Unlock()

	c.metrics.ConnectAttempts.WithLabelValues("failed").Inc()
	log.Warn().Err(err).Str("addr", c.address).Msg("connect failed")
	c.handler.OnConnectError(c, err)
}

func (c *Connector) cancelTimerLocked() {
	if c.timer != 0 {
		c.n.RemoveTimeout(c.timer)
		c.timer = 0
	}
}

func (c *Connector) closeSocketLocked() {
	if c.fd < 0 {
		return
	}
	if err := unix.Close(c.fd); err != nil {
		log.Debug().Err(err).Str("addr", c.address).Msg("could not close connect socket")
	}
	c.fd = -1
}

// Shutdown abandons a connect still in progress. Once connected the handle
// belongs to the handler and Shutdown does nothing.
func (c *Connector) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ConnectorPending && c.state != ConnectorConnecting {
		return nil
	}
	c.cancelTimerLocked()
	c.closeSocketLocked()
	c.state = ConnectorClosed
	return nil
}
