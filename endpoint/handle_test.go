package endpoint

import (
	"net"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// dupFD hands a copy of conn's descriptor to the caller.
func dupFD(t *testing.T, conn syscall.Conn) int {
	t.Helper()

	raw, err := conn.SyscallConn()
	require.NoError(t, err)
	fd := -1
	var dupErr error
	require.NoError(t, raw.Control(func(s uintptr) {
		fd, dupErr = unix.Dup(int(s))
	}))
	require.NoError(t, dupErr)
	return fd
}

func TestSocketHandlePeerName(t *testing.T) {
	tests := []struct {
		name string
		open func(t *testing.T) (h *Handle, want string)
	}{
		{
			name: "unnamed socketpair",
			open: func(t *testing.T) (*Handle, string) {
				a, _ := socketPair(t)
				return a, "unix"
			},
		},
		{
			name: "accepted unix socket",
			open: func(t *testing.T) (*Handle, string) {
				path := filepath.Join(t.TempDir(), "peer.sock")
				ln, err := net.Listen("unix", path)
				require.NoError(t, err)
				t.Cleanup(func() { _ = ln.Close() })

				client, err := net.Dial("unix", path)
				require.NoError(t, err)
				t.Cleanup(func() { _ = client.Close() })
				conn, err := ln.Accept()
				require.NoError(t, err)
				t.Cleanup(func() { _ = conn.Close() })

				h := newSocketHandle(dupFD(t, conn.(*net.UnixConn)), "unix", nil)
				t.Cleanup(func() { _ = h.Close() })
				return h, "unix:" + path
			},
		},
		{
			name: "tcp",
			open: func(t *testing.T) (*Handle, string) {
				ln, err := net.Listen("tcp", "127.0.0.1:0")
				require.NoError(t, err)
				t.Cleanup(func() { _ = ln.Close() })

				client, err := net.Dial("tcp", ln.Addr().String())
				require.NoError(t, err)
				t.Cleanup(func() { _ = client.Close() })

				h := newSocketHandle(dupFD(t, client.(*net.TCPConn)), "tcp", nil)
				t.Cleanup(func() { _ = h.Close() })
				return h, ln.Addr().String()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, want := tt.open(t)
			assert.Equal(t, want, h.PeerName())
			assert.NotEqual(t, "@", h.PeerName())
		})
	}
}

func TestNamedAddr(t *testing.T) {
	tests := []struct {
		name string
		addr net.Addr
		want bool
	}{
		{name: "nil", addr: nil, want: false},
		{name: "empty unix", addr: &net.UnixAddr{Net: "unix"}, want: false},
		{name: "unbound unix", addr: &net.UnixAddr{Name: "@", Net: "unix"}, want: false},
		{name: "abstract unix", addr: &net.UnixAddr{Name: "@connmux", Net: "unix"}, want: true},
		{name: "path", addr: &net.UnixAddr{Name: "/run/connmux.sock", Net: "unix"}, want: true},
		{name: "tcp", addr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 80}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, namedAddr(tt.addr))
		})
	}
}
