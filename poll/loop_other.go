//go:build !linux

package poll

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Loop is unavailable on this platform; New always fails.
type Loop struct {
	clock clock.Clock
}

type Option func(*Loop)

func WithClock(c clock.Clock) Option {
	return func(l *Loop) {
		l.clock = c
	}
}

func WithEventBatch(int) Option {
	return func(*Loop) {}
}

func New(...Option) (*Loop, error) {
	return nil, ErrUnsupported
}

func (l *Loop) Clock() clock.Clock                                { return l.clock }
func (l *Loop) AddInputCallback(int, IOCallback) error            { return ErrUnsupported }
func (l *Loop) RemoveInputCallback(int)                           {}
func (l *Loop) AddOutputCallback(int, IOCallback) error           { return ErrUnsupported }
func (l *Loop) RemoveOutputCallback(int)                          {}
func (l *Loop) Registered(int) (input, output bool)               { return false, false }
func (l *Loop) AddTimeout(time.Duration, func()) TimerID          { return 0 }
func (l *Loop) AddRepeatingTimeout(time.Duration, func()) TimerID { return 0 }
func (l *Loop) RemoveTimeout(TimerID)                             {}
func (l *Loop) PendingTimers() int                                { return 0 }
func (l *Loop) Post(func()) error                                 { return ErrUnsupported }
func (l *Loop) RunOnce(time.Duration) (int, error)                { return 0, ErrUnsupported }
func (l *Loop) Run(context.Context) error                         { return ErrUnsupported }
func (l *Loop) Close() error                                      { return nil }
