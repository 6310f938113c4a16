package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fr13n8/connmux/config"
	"github.com/fr13n8/connmux/endpoint"
	"github.com/fr13n8/connmux/poll"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"
)

// FrameHandler turns one request into its reply.
type FrameHandler func(payload []byte) []byte

type EchoOptions struct {
	Config  config.Options
	TLS     *tls.Config
	Metrics *endpoint.Metrics
	// Handler computes replies; nil echoes the request.
	Handler FrameHandler
}

// EchoServer answers every message received on accepted streams. With a
// codec configured it answers frame by frame, otherwise it echoes raw bytes.
type EchoServer struct {
	loop       *poll.Loop
	listener   *endpoint.Listener
	registry   *Registry
	pool       *WorkerPool
	limiter    *rate.Limiter
	streamOpts endpoint.StreamOptions
	handler    FrameHandler

	shutdownOnce sync.Once
	shutdownErr  error
}

func NewEchoServer(opts EchoOptions) (*EchoServer, error) {
	cfg := opts.Config

	streamOpts, err := endpoint.StreamOptionsFrom(cfg)
	if err != nil {
		return nil, fmt.Errorf("could not build stream options: %w", err)
	}
	streamOpts.Metrics = opts.Metrics

	loop, err := poll.New()
	if err != nil {
		return nil, fmt.Errorf("could not create loop: %w", err)
	}

	s := &EchoServer{
		loop:       loop,
		registry:   NewRegistry(),
		streamOpts: streamOpts,
		handler:    opts.Handler,
	}
	if s.handler == nil {
		s.handler = func(p []byte) []byte { return p }
	}
	if cfg.Listener.AcceptRate > 0 {
		burst := cfg.Listener.AcceptBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Listener.AcceptRate), burst)
	}
	if cfg.Workers > 0 {
		s.pool = NewWorkerPool(1, cfg.Workers, 30*time.Second)
		s.pool.Start()
	}

	lopts := endpoint.ListenerOptionsFrom(cfg.Listener)
	lopts.TLS = opts.TLS
	lopts.Metrics = opts.Metrics
	s.listener, err = endpoint.NewListener(loop, cfg.Listener.Network, cfg.Listener.Address, lopts, s)
	if err != nil {
		if s.pool != nil {
			s.pool.Stop()
		}
		_ = loop.Close()
		return nil, fmt.Errorf("could not listen on %s: %w", cfg.Listener.Address, err)
	}

	return s, nil
}

func (s *EchoServer) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *EchoServer) Registry() *Registry {
	return s.registry
}

func (s *EchoServer) Loop() *poll.Loop {
	return s.loop
}

// OnAccept wraps h in a stream and registers a session for it.
func (s *EchoServer) OnAccept(_ *endpoint.Listener, h *endpoint.Handle) (bool, error) {
	if s.limiter != nil && !s.limiter.Allow() {
		log.Warn().Str("peer", h.PeerName()).Msg("accept rate exceeded, rejecting connection")
		return false, nil
	}

	sess := &session{server: s}
	stream, err := endpoint.NewStream(s.loop, h, s.streamOpts, sess)
	if err != nil {
		return false, fmt.Errorf("could not open stream: %w", err)
	}
	sess.Session = s.registry.Add(stream)
	log.Info().Str("session", sess.ID).Str("peer", stream.PeerName()).Msg("session opened")

	return true, nil
}

func (s *EchoServer) OnAcceptError(_ *endpoint.Listener, err error) {
	log.Error().Err(err).Msg("could not accept connection")
}

// Run drives the loop until ctx is done, then shuts the server down.
func (s *EchoServer) Run(ctx context.Context) error {
	log.Info().Str("addr", s.Addr().String()).Msg("echo server started")

	err := s.loop.Run(ctx)
	if err != nil && ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		err = fmt.Errorf("loop stopped: %w", err)
	}
	return multierr.Append(err, s.Shutdown())
}

// Shutdown closes the listener and every session. It must not race with Run;
// Run calls it once the loop has stopped.
func (s *EchoServer) Shutdown() error {
	s.shutdownOnce.Do(func() {
		log.Info().Msg("shutting down echo server")

		err := multierr.Combine(s.listener.Shutdown(), s.registry.Cleanup())
		if s.pool != nil {
			err = multierr.Append(err, s.stopPool())
		}
		s.shutdownErr = multierr.Append(err, s.loop.Close())
	})
	return s.shutdownErr
}

func (s *EchoServer) stopPool() error {
	done := make(chan struct{})
	go func() {
		s.pool.Stop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(config.ShutdownTimeout):
		return errors.New("worker pool did not stop in time")
	}
}

// session is the stream observer of one accepted connection.
type session struct {
	*Session
	server *EchoServer

	mu      sync.Mutex
	pending [][]byte
	busy    bool
}

func (ss *session) framed() bool {
	return ss.server.streamOpts.Codec != nil
}

func (ss *session) OnReceive(st *endpoint.Stream) bool {
	if !ss.framed() {
		data := st.Read()
		ss.Received.Add(uint64(len(data)))
		ss.dispatch(st, data)
		return true
	}

	for {
		frame, err := st.ExtractFrame()
		if errors.Is(err, endpoint.ErrNeedMore) {
			return true
		}
		if err != nil {
			log.Warn().Err(err).Str("session", ss.ID).Msg("malformed frame, closing session")
			ss.server.registry.Remove(ss.ID)
			_ = st.Close()
			return false
		}
		ss.Received.Add(uint64(len(frame)))
		ss.dispatch(st, frame)
	}
}

func (ss *session) OnClose(*endpoint.Stream) {
	ss.server.registry.Remove(ss.ID)
	log.Info().Str("session", ss.ID).Uint64("received", ss.Received.Load()).Msg("session closed")
}

func (ss *session) OnError(_ *endpoint.Stream, err error) {
	log.Warn().Err(err).Str("session", ss.ID).Msg("session failed")
}

// dispatch answers payload inline or, with a worker pool, off the loop.
// Pool work for one session runs in order, one task at a time.
func (ss *session) dispatch(st *endpoint.Stream, payload []byte) {
	pool := ss.server.pool
	if pool == nil {
		ss.reply(st, ss.server.handler(payload))
		return
	}

	ss.mu.Lock()
	ss.pending = append(ss.pending, payload)
	if ss.busy {
		ss.mu.Unlock()
		return
	}
	ss.busy = true
	ss.mu.Unlock()

	if err := pool.Submit(func() { ss.work(st) }); err != nil {
		log.Warn().Err(err).Str("session", ss.ID).Msg("could not submit work")
		ss.mu.Lock()
		ss.pending, ss.busy = nil, false
		ss.mu.Unlock()
	}
}

func (ss *session) work(st *endpoint.Stream) {
	for {
		ss.mu.Lock()
		if len(ss.pending) == 0 {
			ss.busy = false
			ss.mu.Unlock()
			return
		}
		payload := ss.pending[0]
		ss.pending = ss.pending[1:]
		ss.mu.Unlock()

		out := ss.server.handler(payload)
		if err := ss.server.loop.Post(func() { ss.reply(st, out) }); err != nil {
			log.Debug().Err(err).Str("session", ss.ID).Msg("loop closed, dropping reply")
		}
	}
}

func (ss *session) reply(st *endpoint.Stream, out []byte) {
	var err error
	if ss.framed() {
		err = st.SendFrame(out)
	} else if len(out) > 0 {
		err = st.Send(out)
	}
	if err != nil && !errors.Is(err, endpoint.ErrClosed) {
		log.Warn().Err(err).Str("session", ss.ID).Msg("could not send reply")
	}
}
