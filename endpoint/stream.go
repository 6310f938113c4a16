package endpoint

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/fr13n8/connmux/config"
	"github.com/fr13n8/connmux/poll"
	"github.com/rs/zerolog/log"
)

const defaultBlockSize = 64 * 1024

var ErrNoCodec = errors.New("stream has no frame codec")

var readPool = sync.Pool{
	New: func() any {
		b := make([]byte, defaultBlockSize)
		return &b
	},
}

type streamState int

const (
	stateOpen streamState = iota
	// stateDraining: the peer is gone but buffered input is still unread.
	stateDraining
	// stateClosing: OnClose is running and the handle is still open.
	stateClosing
	stateClosed
)

func (s streamState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateDraining:
		return "draining"
	case stateClosing:
		return "closing"
	default:
		return "closed"
	}
}

type StreamOptions struct {
	ReadBlockSize  int
	WriteBlockSize int
	// Codec is used by ExtractFrame and SendFrame. It may be nil.
	Codec   Codec
	Metrics *Metrics
}

func StreamOptionsFrom(o config.Options) (StreamOptions, error) {
	codec, err := NewCodec(o.Framing)
	if err != nil {
		return StreamOptions{}, err
	}
	return StreamOptions{
		ReadBlockSize:  o.Stream.ReadBlockSize,
		WriteBlockSize: o.Stream.WriteBlockSize,
		Codec:          codec,
	}, nil
}

// Stream is a buffered, non-blocking byte stream over a Handle. Input is
// read whenever the notifier reports readiness and handed to the Observer;
// output is queued by Send and drained as the descriptor becomes writable.
type Stream struct {
	n       poll.Notifier
	h       *Handle
	obs     Observer
	codec   Codec
	metrics *Metrics

	readBlock  int
	writeBlock int

	mu           sync.Mutex
	in           Buffer
	out          Buffer
	state        streamState
	eofSeen      bool
	reading      bool
	writing      bool
	shutWrite    bool
	outputClosed bool
	initTimer    poll.TimerID
}

// NewStream takes ownership of h and starts reading from it. If the handle
// cannot be registered it is closed and an error is returned.
func NewStream(n poll.Notifier, h *Handle, opts StreamOptions, obs Observer) (*Stream, error) {
	if obs == nil {
		obs = NopObserver{}
	}
	s := &Stream{
		n:          n,
		h:          h,
		obs:        obs,
		codec:      opts.Codec,
		metrics:    metricsOrDefault(opts.Metrics),
		readBlock:  opts.ReadBlockSize,
		writeBlock: opts.WriteBlockSize,
	}
	if s.readBlock <= 0 {
		s.readBlock = defaultBlockSize
	}
	if s.writeBlock <= 0 {
		s.writeBlock = defaultBlockSize
	}

	if err := n.AddInputCallback(h.ReadFD(), s.onInputReady); err != nil {
		h.release()
		return nil, fmt.Errorf("could not register stream %s: %w", h.PeerName(), err)
	}
	s.reading = true
	// Bytes that arrived before registration would otherwise wait for the
	// next unrelated event.
	s.initTimer = n.AddTimeout(0, s.initialRead)

	s.metrics.StreamsOpen.Inc()
	log.Debug().Str("peer", h.PeerName()).Bool("tls", h.IsTLS()).Msg("stream opened")

	return s, nil
}

func (s *Stream) PeerName() string {
	return s.h.PeerName()
}

func (s *Stream) LocalAddr() net.Addr {
	return s.h.LocalAddr()
}

func (s *Stream) RemoteAddr() net.Addr {
	return s.h.RemoteAddr()
}

func (s *Stream) Handle() *Handle {
	return s.h
}

func (s *Stream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state == stateClosed
}

// Buffered returns the number of unread input bytes.
func (s *Stream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.in.Len()
}

// Pending returns the number of queued output bytes, including TLS records
// not yet on the wire.
func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.out.Len() + s.h.Buffered()
}

// Read returns all buffered input and clears it.
func (s *Stream) Read() []byte {
	s.mu.Lock()
	b := s.in.Take()
	s.mu.Unlock()

	s.maybeFinish()
	return b
}

// Peek returns the buffered input without consuming it. The slice must not
// be retained past the current callback.
func (s *Stream) Peek() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.in.Peek()
}

// ExtractFrame removes one frame from the input using the stream codec. It
// returns ErrNeedMore while the buffered frame is incomplete.
func (s *Stream) ExtractFrame() ([]byte, error) {
	s.mu.Lock()
	if s.codec == nil {
		s.mu.Unlock()
		return nil, ErrNoCodec
	}
	frame, err := s.in.ExtractFrame(s.codec)
	s.mu.Unlock()

	if err == nil {
		s.maybeFinish()
	}
	return frame, err
}

func (s *Stream) Send(p []byte) error {
	return s.SendN(p, len(p))
}

// SendN queues p[:count] and tries to write it right away. A count outside
// [0, len(p)] sends all of p.
func (s *Stream) SendN(p []byte, count int) error {
	if count < 0 || count > len(p) {
		count = len(p)
	}

	s.mu.Lock()
	if s.state == stateClosed || s.shutWrite {
		s.mu.Unlock()
		return ErrClosed
	}
	s.out.Append(p[:count])
	if !s.writing {
		if err := s.n.AddOutputCallback(s.h.WriteFD(), s.onOutputReady); err != nil {
			log.Debug().Err(err).Str("peer", s.h.PeerName()).Msg("stream output registration failed")
			if s.state >= stateClosing {
				s.mu.Unlock()
				return ErrClosed
			}
			s.beginClosingLocked()
			s.mu.Unlock()
			s.n.AddTimeout(0, func() { s.notifyClosed("error") })
			return nil
		}
		s.writing = true
	}
	s.mu.Unlock()

	s.flush()
	return nil
}

// SendFrame encodes payload with the stream codec and sends it.
func (s *Stream) SendFrame(payload []byte) error {
	if s.codec == nil {
		return ErrNoCodec
	}
	frame, err := s.codec.Encode(payload)
	if err != nil {
		return err
	}
	return s.Send(frame)
}

func (s *Stream) Close() error {
	return s.Shutdown(ShutBoth)
}

// Shutdown closes one or both directions. ShutWrite waits for queued output
// to drain before half-closing. ShutBoth tears the stream down without
// calling OnClose. While OnClose runs the stream is already on its way down
// and Shutdown does nothing.
func (s *Stream) Shutdown(how ShutdownMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state >= stateClosing {
		return nil
	}

	switch how {
	case ShutRead:
		s.stopReadingLocked()
		if err := s.h.Shutdown(ShutRead); err != nil {
			log.Debug().Err(err).Str("peer", s.h.PeerName()).Msg("could not shut down stream input")
		}
	case ShutWrite:
		if s.shutWrite {
			return nil
		}
		s.shutWrite = true
		if s.out.Len() == 0 {
			s.closeWriteLocked()
		}
	default:
		s.teardownLocked("local")
	}
	return nil
}

func (s *Stream) initialRead() {
	s.mu.Lock()
	s.initTimer = 0
	s.mu.Unlock()

	s.onInputReady(s.h.ReadFD(), poll.EventRead)
}

func (s *Stream) onInputReady(int, poll.EventMask) {
	s.mu.Lock()
	if s.state != stateOpen || !s.reading {
		s.mu.Unlock()
		return
	}

	bufp := readPool.Get().(*[]byte)
	buf := *bufp
	if len(buf) < s.readBlock {
		buf = make([]byte, s.readBlock)
	}
	buf = buf[:s.readBlock]

	var (
		got   int
		eof   bool
		fatal error
	)
	for {
		n, err := s.h.Read(buf)
		if n > 0 {
			s.in.Append(buf[:n])
			got += n
		}
		if err == nil {
			if n == 0 {
				break
			}
			continue
		}
		switch {
		case IsWouldBlock(err):
		case IsCleanClose(err):
			eof = true
		default:
			fatal = err
		}
		break
	}
	if cap(buf) >= defaultBlockSize {
		*bufp = buf[:cap(buf)]
	}
	readPool.Put(bufp)
	s.mu.Unlock()

	if got > 0 {
		s.metrics.BytesRead.Add(float64(got))
		s.deliver()
	}
	if !eof && fatal == nil {
		return
	}

	s.mu.Lock()
	if s.state >= stateClosing {
		s.mu.Unlock()
		return
	}
	s.eofSeen = true
	s.stopReadingLocked()
	s.mu.Unlock()

	if fatal != nil {
		log.Debug().Err(fatal).Str("peer", s.h.PeerName()).Msg("stream read failed")
		s.finish(fatal)
		return
	}
	s.maybeFinish()
}

func (s *Stream) deliver() {
	s.mu.Lock()
	empty := s.state >= stateClosing || s.in.Len() == 0
	s.mu.Unlock()
	if empty {
		return
	}

	if keep := s.obs.OnReceive(s); !keep {
		s.mu.Lock()
		s.in.Reset()
		s.mu.Unlock()
		s.maybeFinish()
	}
}

// maybeFinish closes the stream once the peer is gone and every buffered
// byte has been consumed.
func (s *Stream) maybeFinish() {
	s.mu.Lock()
	if s.state >= stateClosing || !s.eofSeen {
		s.mu.Unlock()
		return
	}
	if s.in.Len() > 0 {
		s.state = stateDraining
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.finish(nil)
}

// finish notifies the observer and then tears the stream down. A non-nil err
// is reported through OnError first.
func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.state >= stateClosing {
		s.mu.Unlock()
		return
	}
	s.beginClosingLocked()
	s.mu.Unlock()

	reason := "eof"
	if err != nil {
		reason = "error"
		s.obs.OnError(s, err)
	}
	s.notifyClosed(reason)
}

// notifyClosed runs OnClose while the handle is still usable, so the
// observer may send a last message, and then tears the stream down.
func (s *Stream) notifyClosed(reason string) {
	s.obs.OnClose(s)

	s.mu.Lock()
	if s.state != stateClosed {
		s.teardownLocked(reason)
	}
	s.mu.Unlock()
}

func (s *Stream) onOutputReady(int, poll.EventMask) {
	s.flush()
}

func (s *Stream) flush() {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}

	var (
		written  int
		peerGone bool
		failure  error
		err      error
	)
	for s.out.Len() > 0 {
		chunk := s.out.Peek()
		if len(chunk) > s.writeBlock {
			chunk = chunk[:s.writeBlock]
		}
		var n int
		n, err = s.h.Write(chunk)
		if n > 0 {
			s.out.Advance(n)
			written += n
		}
		if err != nil {
			break
		}
	}
	if err == nil {
		err = s.h.Flush()
	}
	switch {
	case err == nil, IsWouldBlock(err):
	case IsCleanClose(err):
		peerGone = true
	default:
		failure = err
	}
	if written > 0 {
		s.metrics.BytesWritten.Add(float64(written))
	}

	if peerGone || failure != nil {
		s.mu.Unlock()
		if failure != nil {
			log.Debug().Err(failure).Str("peer", s.h.PeerName()).Msg("stream write failed")
		}
		s.finish(failure)
		return
	}

	if err == nil {
		if s.writing {
			s.n.RemoveOutputCallback(s.h.WriteFD())
			s.writing = false
		}
		if s.shutWrite {
			s.closeWriteLocked()
		}
	}
	s.mu.Unlock()
}

func (s *Stream) beginClosingLocked() {
	s.state = stateClosing
	s.stopReadingLocked()
}

func (s *Stream) stopReadingLocked() {
	if s.initTimer != 0 {
		s.n.RemoveTimeout(s.initTimer)
		s.initTimer = 0
	}
	if s.reading {
		s.n.RemoveInputCallback(s.h.ReadFD())
		s.reading = false
	}
}

// closeWriteLocked half-closes the handle once every queued byte, TLS
// close_notify included, has been written.
func (s *Stream) closeWriteLocked() {
	if s.outputClosed {
		return
	}
	if err := s.h.CloseNotify(); err != nil {
		if IsWouldBlock(err) && s.keepWritingLocked() {
			return
		}
		if !IsWouldBlock(err) {
			log.Debug().Err(err).Str("peer", s.h.PeerName()).Msg("could not send close_notify")
		}
	}
	s.outputClosed = true
	if s.writing {
		s.n.RemoveOutputCallback(s.h.WriteFD())
		s.writing = false
	}
	if err := s.h.Shutdown(ShutWrite); err != nil {
		log.Debug().Err(err).Str("peer", s.h.PeerName()).Msg("could not shut down stream output")
	}
}

// keepWritingLocked makes sure the output callback is registered so buffered
// bytes get flushed. It reports false if that is not possible.
func (s *Stream) keepWritingLocked() bool {
	if s.writing {
		return true
	}
	if err := s.n.AddOutputCallback(s.h.WriteFD(), s.onOutputReady); err != nil {
		log.Debug().Err(err).Str("peer", s.h.PeerName()).Msg("stream output registration failed")
		return false
	}
	s.writing = true
	return true
}

// teardownLocked deregisters every callback before closing the handle. It
// must run exactly once, on the transition to stateClosed.
func (s *Stream) teardownLocked(reason string) {
	s.stopReadingLocked()
	if s.writing {
		s.n.RemoveOutputCallback(s.h.WriteFD())
		s.writing = false
	}
	s.state = stateClosed
	if reason != "local" {
		s.h.markBroken()
	}
	s.h.release()

	s.metrics.StreamsOpen.Dec()
	s.metrics.StreamsClosed.WithLabelValues(reason).Inc()
	log.Debug().Str("peer", s.h.PeerName()).Str("reason", reason).Msg("stream closed")
}
