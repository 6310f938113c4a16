package endpoint

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// NewPipePair returns two handles joined by a pair of pipes: what one side
// writes the other side reads.
func NewPipePair() (*Handle, *Handle, error) {
	var ab, ba [2]int
	if err := unix.Pipe2(ab[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, nil, fmt.Errorf("could not create pipe: %w", os.NewSyscallError("pipe2", err))
	}
	if err := unix.Pipe2(ba[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.Close(ab[0])
		_ = unix.Close(ab[1])
		return nil, nil, fmt.Errorf("could not create pipe: %w", os.NewSyscallError("pipe2", err))
	}

	a := newPipeHandle("pipe:a", ba[0], ab[1])
	b := newPipeHandle("pipe:b", ab[0], ba[1])
	return a, b, nil
}

// OpenFIFO opens two named pipes as one handle. The write side fails with
// ENXIO until a reader has opened writePath.
func OpenFIFO(readPath, writePath string) (*Handle, error) {
	rfd, err := unix.Open(readPath, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", readPath, os.NewSyscallError("open", err))
	}
	wfd, err := unix.Open(writePath, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		_ = unix.Close(rfd)
		return nil, fmt.Errorf("could not open %s: %w", writePath, os.NewSyscallError("open", err))
	}
	return newPipeHandle(fmt.Sprintf("fifo:%s|%s", readPath, writePath), rfd, wfd), nil
}

// MakeFIFO creates a named pipe at path.
func MakeFIFO(path string, mode uint32) error {
	if err := unix.Mkfifo(path, mode); err != nil {
		return fmt.Errorf("could not create fifo %s: %w", path, os.NewSyscallError("mkfifo", err))
	}
	return nil
}
