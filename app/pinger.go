package app

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/fr13n8/connmux/endpoint"
	"github.com/fr13n8/connmux/poll"
	"github.com/rs/zerolog/log"
)

const seqHeaderSize = 4

type PingStats struct {
	Sent     int
	Received int
	RTTs     []time.Duration
}

// Loss returns the fraction of probes without a reply.
func (s PingStats) Loss() float64 {
	if s.Sent == 0 {
		return 0
	}
	return float64(s.Sent-s.Received) / float64(s.Sent)
}

// Pinger sends numbered datagrams to a peer and measures the round trip of
// each echoed probe.
type Pinger struct {
	loop  *poll.Loop
	dgram *endpoint.Datagram

	sentAt   map[uint32]time.Time
	stats    PingStats
	received map[uint32]bool
}

// NewPinger binds an ephemeral port matching the family of peer.
func NewPinger(network, peer string, metrics *endpoint.Metrics) (*Pinger, error) {
	loop, err := poll.New()
	if err != nil {
		return nil, fmt.Errorf("could not create loop: %w", err)
	}

	bind := "0.0.0.0:0"
	if host, _, err := net.SplitHostPort(peer); err == nil {
		if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
			bind = "[::]:0"
		}
	}

	p := &Pinger{loop: loop}
	p.dgram, err = endpoint.NewDatagram(loop, network, bind, peer, endpoint.DatagramOptions{Metrics: metrics}, p.onReadable)
	if err != nil {
		_ = loop.Close()
		return nil, fmt.Errorf("could not open datagram endpoint: %w", err)
	}
	return p, nil
}

func (p *Pinger) Close() error {
	err := p.dgram.Shutdown()
	if cerr := p.loop.Close(); err == nil {
		err = cerr
	}
	return err
}

// Ping sends count probes interval apart and waits up to linger after the
// last one for outstanding replies.
func (p *Pinger) Ping(ctx context.Context, count int, interval, linger time.Duration, payload []byte) (PingStats, error) {
	p.sentAt = make(map[uint32]time.Time, count)
	p.received = make(map[uint32]bool, count)
	p.stats = PingStats{}

	var (
		seq      uint32
		deadline poll.TimerID
		expired  bool
	)
	send := func() {
		if int(seq) >= count {
			return
		}
		probe := make([]byte, seqHeaderSize+len(payload))
		binary.BigEndian.PutUint32(probe, seq)
		copy(probe[seqHeaderSize:], payload)

		p.sentAt[seq] = p.loop.Clock().Now()
		if _, err := p.dgram.Send(probe); err != nil {
			log.Warn().Err(err).Uint32("seq", seq).Msg("could not send probe")
		} else {
			p.stats.Sent++
		}
		seq++
		if int(seq) == count {
			deadline = p.loop.AddTimeout(linger, func() { expired = true })
		}
	}

	send()
	ticker := p.loop.AddRepeatingTimeout(interval, send)
	defer p.loop.RemoveTimeout(ticker)
	defer func() {
		if deadline != 0 {
			p.loop.RemoveTimeout(deadline)
		}
	}()

	for !expired && (int(seq) < count || p.stats.Received < p.stats.Sent) {
		if err := ctx.Err(); err != nil {
			return p.stats, err
		}
		if _, err := p.loop.RunOnce(interval); err != nil {
			return p.stats, err
		}
	}
	return p.stats, nil
}

func (p *Pinger) onReadable(d *endpoint.Datagram) {
	for {
		reply, err := d.Receive()
		if err != nil {
			log.Warn().Err(err).Msg("could not receive reply")
			return
		}
		if reply == nil {
			return
		}
		if len(reply) < seqHeaderSize {
			continue
		}
		seq := binary.BigEndian.Uint32(reply)
		at, ok := p.sentAt[seq]
		if !ok || p.received[seq] {
			continue
		}
		p.received[seq] = true
		p.stats.Received++
		p.stats.RTTs = append(p.stats.RTTs, p.loop.Clock().Since(at))
	}
}

// UDPEcho sends every datagram back to its sender.
type UDPEcho struct {
	loop   *poll.Loop
	dgram  *endpoint.Datagram
	echoed atomic.Uint64
}

func NewUDPEcho(network, bind string, metrics *endpoint.Metrics) (*UDPEcho, error) {
	loop, err := poll.New()
	if err != nil {
		return nil, fmt.Errorf("could not create loop: %w", err)
	}

	e := &UDPEcho{loop: loop}
	e.dgram, err = endpoint.NewDatagram(loop, network, bind, "", endpoint.DatagramOptions{Metrics: metrics}, e.onReadable)
	if err != nil {
		_ = loop.Close()
		return nil, fmt.Errorf("could not open datagram endpoint: %w", err)
	}
	return e, nil
}

func (e *UDPEcho) Addr() net.Addr {
	return e.dgram.LocalAddr()
}

func (e *UDPEcho) Echoed() uint64 {
	return e.echoed.Load()
}

// Run echoes until ctx is done.
func (e *UDPEcho) Run(ctx context.Context) error {
	log.Info().Str("addr", e.Addr().String()).Msg("udp echo started")

	err := e.loop.Run(ctx)
	if err != nil && ctx.Err() != nil {
		err = nil
	}
	if serr := e.dgram.Shutdown(); err == nil {
		err = serr
	}
	if cerr := e.loop.Close(); err == nil {
		err = cerr
	}
	return err
}

func (e *UDPEcho) onReadable(d *endpoint.Datagram) {
	for {
		p, from, err := d.ReceiveFrom()
		if err != nil {
			log.Warn().Err(err).Msg("could not receive datagram")
			return
		}
		if p == nil {
			return
		}
		if _, err := d.SendTo(p, from); err != nil {
			log.Debug().Err(err).Str("peer", from.String()).Msg("could not echo datagram")
			continue
		}
		e.echoed.Add(1)
	}
}
