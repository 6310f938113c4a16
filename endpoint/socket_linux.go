package endpoint

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

func newSocket(domain, typ int) (int, error) {
	fd, err := unix.Socket(domain, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	return fd, nil
}

// resolveSockaddr turns a Go style network and address into a socket
// address and its domain.
func resolveSockaddr(network, address string) (unix.Sockaddr, int, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
		a, err := net.ResolveTCPAddr(network, address)
		if err != nil {
			return nil, 0, err
		}
		sa, domain := ipSockaddr(network, a.IP, a.Port, a.Zone)
		return sa, domain, nil
	case "udp", "udp4", "udp6":
		a, err := net.ResolveUDPAddr(network, address)
		if err != nil {
			return nil, 0, err
		}
		sa, domain := ipSockaddr(network, a.IP, a.Port, a.Zone)
		return sa, domain, nil
	case "unix", "unixgram":
		if address == "" {
			return nil, 0, fmt.Errorf("empty %s address", network)
		}
		return &unix.SockaddrUnix{Name: address}, unix.AF_UNIX, nil
	default:
		return nil, 0, net.UnknownNetworkError(network)
	}
}

func ipSockaddr(network string, ip net.IP, port int, zone string) (unix.Sockaddr, int) {
	if ip4 := ip.To4(); ip4 != nil && !strings.HasSuffix(network, "6") {
		return &unix.SockaddrInet4{Port: port, Addr: [4]byte(ip4)}, unix.AF_INET
	}
	if ip == nil && !strings.HasSuffix(network, "6") {
		return &unix.SockaddrInet4{Port: port}, unix.AF_INET
	}

	sa := &unix.SockaddrInet6{Port: port}
	if ip != nil {
		sa.Addr = [16]byte(ip.To16())
	}
	if zone != "" {
		if ifi, err := net.InterfaceByName(zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		} else if idx, err := strconv.Atoi(zone); err == nil {
			sa.ZoneId = uint32(idx)
		}
	}
	return sa, unix.AF_INET6
}

func sockaddrToAddr(network string, sa unix.Sockaddr) net.Addr {
	udp := strings.HasPrefix(network, "udp")
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(append([]byte(nil), sa.Addr[:]...))
		if udp {
			return &net.UDPAddr{IP: ip, Port: sa.Port}
		}
		return &net.TCPAddr{IP: ip, Port: sa.Port}
	case *unix.SockaddrInet6:
		ip := net.IP(append([]byte(nil), sa.Addr[:]...))
		var zone string
		if sa.ZoneId != 0 {
			zone = strconv.Itoa(int(sa.ZoneId))
		}
		if udp {
			return &net.UDPAddr{IP: ip, Port: sa.Port, Zone: zone}
		}
		return &net.TCPAddr{IP: ip, Port: sa.Port, Zone: zone}
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: sa.Name, Net: network}
	default:
		return nil
	}
}

func readFD(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, os.NewSyscallError("read", err)
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func writeFD(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, os.NewSyscallError("write", err)
		}
		return n, nil
	}
}

// waitFD blocks until fd reports one of events or the deadline passes.
func waitFD(fd int, events int16, deadline time.Time) error {
	for {
		timeout := -1
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return os.ErrDeadlineExceeded
			}
			timeout = int((d + time.Millisecond - 1) / time.Millisecond)
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
		n, err := unix.Poll(fds, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return os.NewSyscallError("poll", err)
		}
		if n > 0 {
			return nil
		}
	}
}

func socketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if v != 0 {
		return os.NewSyscallError("connect", unix.Errno(v))
	}
	return nil
}
