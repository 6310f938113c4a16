package endpoint

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/fr13n8/connmux/poll"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const maxDatagramSize = 64 * 1024

var ErrNoPeer = errors.New("datagram endpoint has no peer")

type DatagramOptions struct {
	Metrics *Metrics
}

// Datagram is a connectionless socket bound to a local address and talking
// to one fixed peer. Without a bind address it is send-only.
type Datagram struct {
	n          poll.Notifier
	fd         int
	network    string
	peer       unix.Sockaddr
	peerAddr   net.Addr
	local      net.Addr
	onReadable func(d *Datagram)
	metrics    *Metrics

	mu         sync.Mutex
	buf        []byte
	registered bool
	closed     bool
}

func NewDatagram(n poll.Notifier, network, bindAddr, peerAddr string, opts DatagramOptions, onReadable func(d *Datagram)) (*Datagram, error) {
	var (
		bindSA, peerSA unix.Sockaddr
		domain         int
		err            error
	)
	if peerAddr != "" {
		if peerSA, domain, err = resolveSockaddr(network, peerAddr); err != nil {
			return nil, fmt.Errorf("could not resolve peer %q: %w", peerAddr, err)
		}
	}
	if bindAddr != "" {
		var bindDomain int
		if bindSA, bindDomain, err = resolveSockaddr(network, bindAddr); err != nil {
			return nil, fmt.Errorf("could not resolve bind address %q: %w", bindAddr, err)
		}
		if peerSA != nil && bindDomain != domain {
			return nil, fmt.Errorf("bind address %q and peer %q are in different address families", bindAddr, peerAddr)
		}
		domain = bindDomain
	}
	if peerSA == nil && bindSA == nil {
		return nil, errors.New("datagram endpoint needs a bind address or a peer")
	}

	fd, err := newSocket(domain, unix.SOCK_DGRAM)
	if err != nil {
		return nil, fmt.Errorf("could not create datagram socket: %w", err)
	}
	d := &Datagram{
		n:          n,
		fd:         fd,
		network:    network,
		peer:       peerSA,
		onReadable: onReadable,
		metrics:    metricsOrDefault(opts.Metrics),
	}
	if peerSA != nil {
		d.peerAddr = sockaddrToAddr(network, peerSA)
	}

	if bindSA != nil {
		if err := unix.Bind(fd, bindSA); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("could not bind %s: %w", bindAddr, os.NewSyscallError("bind", err))
		}
		if sa, err := unix.Getsockname(fd); err == nil {
			d.local = sockaddrToAddr(network, sa)
		}
		d.buf = make([]byte, maxDatagramSize)
		if onReadable != nil {
			if err := n.AddInputCallback(fd, d.onInputReady); err != nil {
				_ = unix.Close(fd)
				return nil, fmt.Errorf("could not register datagram endpoint: %w", err)
			}
			d.registered = true
		}
	}

	return d, nil
}

func (d *Datagram) LocalAddr() net.Addr {
	return d.local
}

func (d *Datagram) PeerAddr() net.Addr {
	return d.peerAddr
}

func (d *Datagram) PeerName() string {
	if d.peerAddr == nil {
		return ""
	}
	return d.peerAddr.String()
}

func (d *Datagram) onInputReady(int, poll.EventMask) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if !closed {
		d.onReadable(d)
	}
}

// Receive reads one datagram. It returns nil and no error when nothing is
// waiting.
func (d *Datagram) Receive() ([]byte, error) {
	p, _, err := d.ReceiveFrom()
	return p, err
}

// ReceiveFrom is Receive that also reports the sender.
func (d *Datagram) ReceiveFrom() ([]byte, net.Addr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, nil, ErrClosed
	}
	if d.buf == nil {
		return nil, nil, errors.New("datagram endpoint is send-only")
	}

	for {
		n, from, err := unix.Recvfrom(d.fd, d.buf, 0)
		switch {
		case err == unix.EINTR:
			continue
		case IsWouldBlock(err):
			return nil, nil, nil
		case err != nil:
			return nil, nil, os.NewSyscallError("recvfrom", err)
		}

		d.metrics.DatagramsReceived.Inc()
		p := make([]byte, n)
		copy(p, d.buf[:n])
		return p, sockaddrToAddr(d.network, from), nil
	}
}

func (d *Datagram) Send(p []byte) (int, error) {
	return d.SendN(p, len(p))
}

// SendN sends p[:count] to the peer in a single datagram. A count outside
// [0, len(p)] sends all of p.
func (d *Datagram) SendN(p []byte, count int) (int, error) {
	if d.peer == nil {
		return 0, ErrNoPeer
	}
	return d.sendTo(p, count, d.peer)
}

// SendTo sends p as one datagram to addr instead of the fixed peer.
func (d *Datagram) SendTo(p []byte, addr net.Addr) (int, error) {
	sa, _, err := resolveSockaddr(d.network, addr.String())
	if err != nil {
		return 0, fmt.Errorf("could not resolve %s: %w", addr, err)
	}
	return d.sendTo(p, len(p), sa)
}

func (d *Datagram) sendTo(p []byte, count int, to unix.Sockaddr) (int, error) {
	if count < 0 || count > len(p) {
		count = len(p)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrClosed
	}
	if err := unix.Sendto(d.fd, p[:count], 0, to); err != nil {
		return 0, os.NewSyscallError("sendto", err)
	}
	d.metrics.DatagramsSent.Inc()
	return count, nil
}

// Shutdown deregisters the endpoint and closes its socket. It is safe to
// call more than once.
func (d *Datagram) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	if d.registered {
		d.n.RemoveInputCallback(d.fd)
		d.registered = false
	}
	if err := unix.Close(d.fd); err != nil {
		log.Debug().Err(err).Str("peer", d.PeerName()).Msg("could not close datagram socket")
		return os.NewSyscallError("close", err)
	}
	return nil
}
