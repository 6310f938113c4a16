package app

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fr13n8/connmux/config"
	"github.com/fr13n8/connmux/endpoint"
	"github.com/fr13n8/connmux/poll"
	"github.com/rs/zerolog/log"
)

var ErrPeerClosed = errors.New("peer closed the stream")

const dialPollInterval = 50 * time.Millisecond

type DialerOptions struct {
	Config  config.Options
	TLS     *tls.Config
	Metrics *endpoint.Metrics
}

// Dialer opens client streams with a Connector. Its loop is driven by the
// calling goroutine, one call at a time.
type Dialer struct {
	loop       *poll.Loop
	cfg        config.Connector
	tls        *tls.Config
	metrics    *endpoint.Metrics
	streamOpts endpoint.StreamOptions
}

func NewDialer(opts DialerOptions) (*Dialer, error) {
	streamOpts, err := endpoint.StreamOptionsFrom(opts.Config)
	if err != nil {
		return nil, fmt.Errorf("could not build stream options: %w", err)
	}
	streamOpts.Metrics = opts.Metrics

	loop, err := poll.New()
	if err != nil {
		return nil, fmt.Errorf("could not create loop: %w", err)
	}

	return &Dialer{
		loop:       loop,
		cfg:        opts.Config.Connector,
		tls:        opts.TLS,
		metrics:    opts.Metrics,
		streamOpts: streamOpts,
	}, nil
}

func (d *Dialer) Close() error {
	return d.loop.Close()
}

func (d *Dialer) framed() bool {
	return d.streamOpts.Codec != nil
}

// connect runs the loop until the connector succeeds or fails.
func (d *Dialer) connect(ctx context.Context, obs endpoint.Observer) (*endpoint.Stream, error) {
	var (
		stream  *endpoint.Stream
		connErr error
	)

	copts := endpoint.ConnectorOptionsFrom(d.cfg)
	copts.TLS = d.tls
	copts.Metrics = d.metrics
	c, err := endpoint.NewConnector(d.loop, d.cfg.Network, d.cfg.Address, copts, endpoint.ConnectFuncs{
		Connect: func(_ *endpoint.Connector, h *endpoint.Handle) (bool, error) {
			s, err := endpoint.NewStream(d.loop, h, d.streamOpts, obs)
			if err != nil {
				connErr = err
				return false, err
			}
			stream = s
			return true, nil
		},
		Error: func(_ *endpoint.Connector, err error) {
			connErr = err
		},
	})
	if err != nil {
		return nil, err
	}

	for stream == nil && connErr == nil {
		if err := ctx.Err(); err != nil {
			_ = c.Shutdown()
			return nil, err
		}
		if _, err := d.loop.RunOnce(dialPollInterval); err != nil {
			_ = c.Shutdown()
			return nil, err
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", d.cfg.Address, connErr)
	}

	log.Debug().Str("peer", stream.PeerName()).Int("attempts", c.Attempts()).Msg("dialer connected")
	return stream, nil
}

// collector gathers replies for Exchange.
type collector struct {
	framed  bool
	frames  [][]byte
	raw     []byte
	closed  bool
	readErr error
}

func (c *collector) OnReceive(s *endpoint.Stream) bool {
	if !c.framed {
		c.raw = append(c.raw, s.Read()...)
		return true
	}
	for {
		frame, err := s.ExtractFrame()
		if errors.Is(err, endpoint.ErrNeedMore) {
			return true
		}
		if err != nil {
			c.readErr = err
			_ = s.Close()
			c.closed = true
			return false
		}
		c.frames = append(c.frames, frame)
	}
}

func (c *collector) OnClose(*endpoint.Stream) {
	c.closed = true
}

func (c *collector) OnError(_ *endpoint.Stream, err error) {
	c.readErr = err
}

// Exchange connects, sends msgs and returns one reply per message. Without
// framing the peer is expected to answer each message with as many bytes as
// it was sent, and the raw reply is cut accordingly.
func (d *Dialer) Exchange(ctx context.Context, msgs [][]byte) ([][]byte, error) {
	col := &collector{framed: d.framed()}
	stream, err := d.connect(ctx, col)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	want := 0
	for _, m := range msgs {
		if d.framed() {
			err = stream.SendFrame(m)
		} else {
			err = stream.Send(m)
		}
		if err != nil {
			return nil, fmt.Errorf("could not send: %w", err)
		}
		want += len(m)
	}

	done := func() bool {
		if col.framed {
			return len(col.frames) >= len(msgs)
		}
		return len(col.raw) >= want
	}
	for !done() && !col.closed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := d.loop.RunOnce(dialPollInterval); err != nil {
			return nil, err
		}
	}

	if !done() {
		if col.readErr != nil {
			return nil, col.readErr
		}
		return nil, fmt.Errorf("%w after %d of %d replies", ErrPeerClosed, d.received(col, msgs), len(msgs))
	}
	if col.framed {
		return col.frames[:len(msgs)], nil
	}
	return splitBySize(col.raw, msgs), nil
}

func (d *Dialer) received(col *collector, msgs [][]byte) int {
	if col.framed {
		return len(col.frames)
	}
	return len(splitBySize(col.raw, msgs))
}

// splitBySize cuts raw into consecutive pieces sized like msgs. A short
// tail is dropped.
func splitBySize(raw []byte, msgs [][]byte) [][]byte {
	out := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		if len(raw) < len(m) {
			break
		}
		out = append(out, raw[:len(m):len(m)])
		raw = raw[len(m):]
	}
	return out
}

// Pipe connects and relays lines from r to the peer and replies to w until
// the peer closes the stream or ctx is done. Once r is exhausted the write
// side of the stream is shut down.
func (d *Dialer) Pipe(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var pipeErr error
	stream, err := d.connect(ctx, endpoint.ObserverFuncs{
		Receive: func(s *endpoint.Stream) bool {
			if !d.framed() {
				if _, err := w.Write(s.Read()); err != nil {
					pipeErr = err
					cancel()
				}
				return true
			}
			for {
				frame, err := s.ExtractFrame()
				if errors.Is(err, endpoint.ErrNeedMore) {
					return true
				}
				if err == nil {
					_, err = fmt.Fprintf(w, "%s\n", frame)
				}
				if err != nil {
					pipeErr = err
					cancel()
					return false
				}
			}
		},
		Close: func(*endpoint.Stream) { cancel() },
		Error: func(_ *endpoint.Stream, err error) { pipeErr = err },
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			if err := d.loop.Post(func() { d.sendLine(stream, line) }); err != nil {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("could not read input")
		}
		_ = d.loop.Post(func() {
			if err := stream.Shutdown(endpoint.ShutWrite); err != nil {
				log.Debug().Err(err).Msg("could not shut down stream output")
			}
		})
	}()

	if err := d.loop.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return pipeErr
}

func (d *Dialer) sendLine(s *endpoint.Stream, line []byte) {
	var err error
	if d.framed() {
		err = s.SendFrame(line)
	} else {
		err = s.Send(append(line, '\n'))
	}
	if err != nil {
		log.Debug().Err(err).Msg("could not send line")
	}
}
