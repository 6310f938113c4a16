package endpoint

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"go.uber.org/multierr"
)

var (
	ErrClosed         = errors.New("endpoint closed")
	ErrNeedMore       = errors.New("incomplete frame")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrInvalidFrame   = errors.New("invalid frame length")
	ErrMaxAttempts    = errors.New("connect attempts exhausted")
	ErrConnectTimeout = errors.New("connect timed out")
	ErrRejected       = errors.New("connection rejected")
	// ErrWouldBlock reports that a non-blocking descriptor has nothing to
	// read. It is a temporary net.Error so crypto/tls retries the record.
	ErrWouldBlock error = wouldBlockError{}
)

type wouldBlockError struct{}

func (wouldBlockError) Error() string   { return "operation would block" }
func (wouldBlockError) Timeout() bool   { return true }
func (wouldBlockError) Temporary() bool { return true }

var (
	// UseOfClosedNetworkConnection is the message the standard library uses
	// for operations on a closed connection.
	UseOfClosedNetworkConnection = "use of closed network connection"
	// FailedToSendCloseNotify is returned by crypto/tls when the close_notify
	// alert could not be written before the connection went away.
	FailedToSendCloseNotify = "tls: failed to send closeNotify alert (but connection was closed anyway)"
)

// IsWouldBlock returns true for EAGAIN and its equivalents.
func IsWouldBlock(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrWouldBlock) || errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}

// IsCleanClose returns true if the error means the peer went away: EOF, a
// reset, or a write into a closed pipe. Such errors end the stream without
// an OnError notification.
func IsCleanClose(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		IsUseOfClosedNetworkError(err)
}

func IsUseOfClosedNetworkError(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), UseOfClosedNetworkConnection)
}

func IsFailedToSendCloseNotifyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), FailedToSendCloseNotify)
}

// IsOKNetworkError returns true if every error combined in err is one that
// usually accompanies a normal close. Teardown paths use it to decide what
// is worth logging.
func IsOKNetworkError(err error) bool {
	if err == nil {
		return false
	}
	for _, e := range multierr.Errors(err) {
		if !(IsCleanClose(e) || IsFailedToSendCloseNotifyError(e) || errors.Is(e, syscall.ENOTCONN)) {
			return false
		}
	}
	return true
}

func IsHostResponded(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errors.Is(errno, syscall.ECONNREFUSED) || errors.Is(errno, syscall.ECONNRESET) || errors.Is(errno, syscall.ECONNABORTED)
	}
	return false
}

// IsRetryableConnectError reports whether a failed connect is worth another
// attempt on a fresh socket.
func IsRetryableConnectError(err error) bool {
	if IsHostResponded(err) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errors.Is(errno, syscall.ETIMEDOUT) || errors.Is(errno, syscall.EHOSTUNREACH) || errors.Is(errno, syscall.ENETUNREACH)
	}
	return false
}

// IsConnectInProgress reports the errors a non-blocking connect returns while
// the handshake is still running.
func IsConnectInProgress(err error) bool {
	return errors.Is(err, syscall.EINPROGRESS) || errors.Is(err, syscall.EALREADY) || errors.Is(err, syscall.EINTR)
}
