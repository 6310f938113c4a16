//go:build linux

package poll

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const defaultEventBatch = 128

type registration struct {
	in  IOCallback
	out IOCallback
}

func (r *registration) interest() uint32 {
	var ev uint32
	if r.in != nil {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if r.out != nil {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Loop is a level-triggered epoll notifier. Registration methods and Post may
// be called from any goroutine; callbacks run on the goroutine calling Run or
// RunOnce and never while the loop lock is held.
type Loop struct {
	epfd   int
	wakefd int
	clock  clock.Clock
	batch  int

	mu       sync.Mutex
	regs     map[int]*registration
	timers   *timerQueue
	posted   *queue.Queue
	closed   bool
	running  bool
	released bool
	events   []unix.EpollEvent
}

type Option func(*Loop)

// WithClock replaces the wall clock used for timers.
func WithClock(c clock.Clock) Option {
	return func(l *Loop) {
		l.clock = c
	}
}

func WithEventBatch(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.batch = n
		}
	}
}

func New(opts ...Option) (*Loop, error) {
	l := &Loop{
		clock:  clock.New(),
		batch:  defaultEventBatch,
		regs:   make(map[int]*registration),
		timers: newTimerQueue(),
		posted: queue.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.events = make([]unix.EpollEvent, l.batch)

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("could not create epoll instance: %w", os.NewSyscallError("epoll_create1", err))
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("could not create eventfd: %w", os.NewSyscallError("eventfd", err))
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("could not register eventfd: %w", os.NewSyscallError("epoll_ctl", err))
	}
	l.epfd, l.wakefd = epfd, wakefd

	return l, nil
}

func (l *Loop) Clock() clock.Clock {
	return l.clock
}

func (l *Loop) AddInputCallback(fd int, cb IOCallback) error {
	return l.setCallback(fd, cb, true)
}

func (l *Loop) RemoveInputCallback(fd int) {
	l.removeCallback(fd, true)
}

func (l *Loop) AddOutputCallback(fd int, cb IOCallback) error {
	return l.setCallback(fd, cb, false)
}

func (l *Loop) RemoveOutputCallback(fd int) {
	l.removeCallback(fd, false)
}

func (l *Loop) setCallback(fd int, cb IOCallback, input bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	prev, exists := l.regs[fd]
	r := &registration{}
	if exists {
		*r = *prev
	}
	if input {
		r.in = cb
	} else {
		r.out = cb
	}

	op := unix.EPOLL_CTL_ADD
	if exists {
		op = unix.EPOLL_CTL_MOD
	}
	ev := unix.EpollEvent{Events: r.interest(), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("could not register fd %d: %w", fd, os.NewSyscallError("epoll_ctl", err))
	}
	l.regs[fd] = r

	return nil
}

func (l *Loop) removeCallback(fd int, input bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.regs[fd]
	if !ok || l.closed {
		return
	}
	if input {
		r.in = nil
	} else {
		r.out = nil
	}

	if r.in == nil && r.out == nil {
		delete(l.regs, fd)
		if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			log.Debug().Err(err).Int("fd", fd).Msg("epoll_ctl del failed")
		}
		return
	}

	ev := unix.EpollEvent{Events: r.interest(), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		log.Debug().Err(err).Int("fd", fd).Msg("epoll_ctl mod failed")
	}
}

// Registered reports which callbacks are currently held for fd.
func (l *Loop) Registered(fd int) (input, output bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.regs[fd]
	if !ok {
		return false, false
	}
	return r.in != nil, r.out != nil
}

func (l *Loop) AddTimeout(delay time.Duration, cb func()) TimerID {
	l.mu.Lock()
	id := l.timers.add(l.clock.Now().Add(delay), 0, cb)
	l.mu.Unlock()

	l.wake()
	return id
}

func (l *Loop) AddRepeatingTimeout(period time.Duration, cb func()) TimerID {
	l.mu.Lock()
	id := l.timers.add(l.clock.Now().Add(period), period, cb)
	l.mu.Unlock()

	l.wake()
	return id
}

func (l *Loop) RemoveTimeout(id TimerID) {
	l.mu.Lock()
	l.timers.remove(id)
	l.mu.Unlock()
}

// PendingTimers returns the number of live timer registrations.
func (l *Loop) PendingTimers() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.timers.len()
}

// Post schedules fn to run on the loop goroutine.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.posted.Add(fn)
	l.mu.Unlock()

	l.wake()
	return nil
}

func (l *Loop) wake() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(l.wakefd, buf[:]); err != nil && err != unix.EAGAIN {
		log.Debug().Err(err).Msg("could not wake loop")
	}
}

func (l *Loop) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(l.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// pollTimeout returns the epoll_wait timeout in milliseconds. A negative
// maxWait means block until an event or the next timer.
func (l *Loop) pollTimeout(maxWait time.Duration) int {
	l.mu.Lock()
	when, ok := l.timers.next()
	pending := l.posted.Length() > 0
	l.mu.Unlock()

	if pending {
		return 0
	}

	wait := maxWait
	if ok {
		until := when.Sub(l.clock.Now())
		if until <= 0 {
			return 0
		}
		if wait < 0 || until < wait {
			wait = until
		}
	}
	if wait < 0 {
		return -1
	}
	return int((wait + time.Millisecond - 1) / time.Millisecond)
}

// RunOnce waits up to maxWait for readiness, then dispatches I/O callbacks,
// posted functions and expired timers. It returns the number of callbacks run.
func (l *Loop) RunOnce(maxWait time.Duration) (int, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrClosed
	}
	l.mu.Unlock()

	n, err := unix.EpollWait(l.epfd, l.events, l.pollTimeout(maxWait))
	if err != nil && err != unix.EINTR {
		return 0, fmt.Errorf("could not wait for events: %w", os.NewSyscallError("epoll_wait", err))
	}

	ran := 0
	for i := 0; i < n; i++ {
		ev := l.events[i]
		fd := int(ev.Fd)
		if fd == l.wakefd {
			l.drainWake()
			continue
		}
		ran += l.dispatch(fd, ev.Events)
	}
	ran += l.runPosted()
	ran += l.runTimers()

	return ran, nil
}

func (l *Loop) lookup(fd int) *registration {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.regs[fd]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

func (l *Loop) dispatch(fd int, events uint32) int {
	mask := toEventMask(events)
	ran := 0

	if r := l.lookup(fd); r != nil && r.in != nil &&
		events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		l.safely(func() { r.in(fd, mask) })
		ran++
	}
	// The input callback may have closed the descriptor.
	if r := l.lookup(fd); r != nil && r.out != nil &&
		events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		l.safely(func() { r.out(fd, mask) })
		ran++
	}

	return ran
}

func toEventMask(events uint32) EventMask {
	var m EventMask
	if events&unix.EPOLLIN != 0 {
		m |= EventRead
	}
	if events&unix.EPOLLOUT != 0 {
		m |= EventWrite
	}
	if events&unix.EPOLLERR != 0 {
		m |= EventError
	}
	if events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		m |= EventHangup
	}
	return m
}

func (l *Loop) runPosted() int {
	l.mu.Lock()
	fns := make([]func(), 0, l.posted.Length())
	for l.posted.Length() > 0 {
		fns = append(fns, l.posted.Remove().(func()))
	}
	l.mu.Unlock()

	for _, fn := range fns {
		l.safely(fn)
	}
	return len(fns)
}

func (l *Loop) runTimers() int {
	l.mu.Lock()
	due := l.timers.expired(l.clock.Now())
	l.mu.Unlock()

	ran := 0
	for _, t := range due {
		l.mu.Lock()
		ok := l.timers.claim(t)
		l.mu.Unlock()
		if !ok {
			continue
		}
		l.safely(t.fn)
		ran++
	}
	return ran
}

func (l *Loop) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("recovered panic in loop callback")
		}
	}()
	fn()
}

// Run dispatches until ctx is done or the loop is closed.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.running = true
	l.mu.Unlock()

	stop := context.AfterFunc(ctx, l.wake)
	defer stop()
	defer l.finish()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := l.RunOnce(-1); err != nil {
			if err == ErrClosed {
				return nil
			}
			return err
		}
	}
}

func (l *Loop) finish() {
	l.mu.Lock()
	l.running = false
	closed := l.closed
	l.mu.Unlock()

	if closed {
		l.release()
	}
}

// Close stops the loop. Descriptors registered by endpoints are not closed.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	running := l.running
	l.mu.Unlock()

	if running {
		l.wake()
		return nil
	}
	l.release()
	return nil
}

func (l *Loop) release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.released = true
	if err := unix.Close(l.epfd); err != nil {
		log.Debug().Err(err).Msg("could not close epoll fd")
	}
	if err := unix.Close(l.wakefd); err != nil {
		log.Debug().Err(err).Msg("could not close eventfd")
	}
}
