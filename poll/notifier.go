// Package poll provides the readiness notifier that drives every endpoint:
// per-descriptor input and output callbacks plus one-shot and repeating
// timers, all dispatched from a single loop goroutine.
package poll

import (
	"errors"
	"strings"
	"time"
)

//go:generate mockgen -destination=mock_poll/notifier.go -package=mock_poll . Notifier

var (
	ErrClosed      = errors.New("poll: loop closed")
	ErrUnsupported = errors.New("poll: platform not supported")
)

type EventMask uint32

const (
	EventRead EventMask = 1 << iota
	EventWrite
	EventError
	EventHangup
)

func (m EventMask) String() string {
	var parts []string
	if m&EventRead != 0 {
		parts = append(parts, "read")
	}
	if m&EventWrite != 0 {
		parts = append(parts, "write")
	}
	if m&EventError != 0 {
		parts = append(parts, "error")
	}
	if m&EventHangup != 0 {
		parts = append(parts, "hangup")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// IOCallback is invoked with the descriptor and the events reported for it.
type IOCallback func(fd int, events EventMask)

type TimerID uint64

// Notifier is the registration surface consumed by endpoints. The notifier
// never owns descriptors; it only holds callbacks keyed by descriptor number.
type Notifier interface {
	AddInputCallback(fd int, cb IOCallback) error
	RemoveInputCallback(fd int)
	// AddOutputCallback returns an error when the descriptor is unusable.
	AddOutputCallback(fd int, cb IOCallback) error
	RemoveOutputCallback(fd int)
	AddTimeout(delay time.Duration, cb func()) TimerID
	AddRepeatingTimeout(period time.Duration, cb func()) TimerID
	RemoveTimeout(id TimerID)
}
