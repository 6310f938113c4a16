package endpoint

import (
	"net"
	"testing"

	"github.com/fr13n8/connmux/poll/mock_poll"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestDatagramSendReceive(t *testing.T) {
	l := newLoop(t)
	m := testMetrics()

	var got [][]byte
	server, err := NewDatagram(l, "udp", "127.0.0.1:0", "", DatagramOptions{Metrics: m}, func(d *Datagram) {
		for {
			p, err := d.Receive()
			require.NoError(t, err)
			if p == nil {
				return
			}
			got = append(got, p)
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Shutdown() })

	client, err := NewDatagram(l, "udp", "", server.LocalAddr().String(), DatagramOptions{Metrics: m}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Shutdown() })
	assert.Equal(t, server.LocalAddr().String(), client.PeerName())

	n, err := client.SendN([]byte("hello world"), 5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	n, err = client.SendN([]byte("whole"), -1)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	_, err = client.Send([]byte{})
	require.NoError(t, err)

	runUntil(t, l, func() bool { return len(got) == 3 })
	assert.Equal(t, []byte("hello"), got[0])
	assert.Equal(t, []byte("whole"), got[1])
	assert.Empty(t, got[2])
	assert.Equal(t, float64(3), testutil.ToFloat64(m.DatagramsSent))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.DatagramsReceived))
}

func TestDatagramReceiveWouldBlock(t *testing.T) {
	l := newLoop(t)

	d, err := NewDatagram(l, "udp", "127.0.0.1:0", "", DatagramOptions{Metrics: testMetrics()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Shutdown() })

	in, _ := l.Registered(d.fd)
	assert.False(t, in, "no callback without a readable handler")

	p, err := d.Receive()
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = d.Send([]byte("x"))
	assert.ErrorIs(t, err, ErrNoPeer)

	conn, err := net.Dial("udp", d.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	var (
		from net.Addr
		data []byte
	)
	runUntil(t, l, func() bool {
		data, from, err = d.ReceiveFrom()
		require.NoError(t, err)
		return data != nil
	})
	assert.Equal(t, []byte("ping"), data)
	assert.Equal(t, conn.LocalAddr().String(), from.String())

	n, err := d.SendTo([]byte("pong"), from)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 16)
	n, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), buf[:n])
}

func TestDatagramSendOnly(t *testing.T) {
	l := newLoop(t)

	d, err := NewDatagram(l, "udp", "", "127.0.0.1:9", DatagramOptions{Metrics: testMetrics()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Shutdown() })

	_, err = d.Receive()
	assert.Error(t, err)
	assert.Nil(t, d.LocalAddr())
}

func TestDatagramAddressErrors(t *testing.T) {
	l := newLoop(t)

	tests := []struct {
		name string
		bind string
		peer string
	}{
		{name: "neither", bind: "", peer: ""},
		{name: "mixed families", bind: "127.0.0.1:0", peer: "[::1]:9"},
		{name: "bad peer", bind: "", peer: "no-port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDatagram(l, "udp", tt.bind, tt.peer, DatagramOptions{}, nil)
			assert.Error(t, err)
		})
	}
}

func TestDatagramShutdownIsIdempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	n := mock_poll.NewMockNotifier(ctrl)

	n.EXPECT().AddInputCallback(gomock.Any(), gomock.Any()).Return(nil).Times(1)
	n.EXPECT().RemoveInputCallback(gomock.Any()).Times(1)

	d, err := NewDatagram(n, "udp", "127.0.0.1:0", "", DatagramOptions{Metrics: testMetrics()}, func(*Datagram) {})
	require.NoError(t, err)
	fd := d.fd

	require.NoError(t, d.Shutdown())
	require.NoError(t, d.Shutdown())
	assert.True(t, isClosedFD(fd))

	_, err = d.SendTo([]byte("late"), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = d.Receive()
	assert.ErrorIs(t, err, ErrClosed)
}
