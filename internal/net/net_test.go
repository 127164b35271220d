package net

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// loopbackDevice redelivers every transmitted frame straight back into the
// same Stack's receive path, standing in for a virtio-net loopback the way
// cmd/slopos's own loopbackDevice does, so ARP/UDP/TCP encode-decode runs
// end to end inside a single test process.
type loopbackDevice struct {
	stack *Stack
}

func (d *loopbackDevice) Send(frame []byte) error {
	cp := append([]byte(nil), frame...)
	go d.stack.Receive(cp)
	return nil
}

func (d *loopbackDevice) MTU() int { return 1500 }

func newLoopbackStack() *Stack {
	loop := &loopbackDevice{}
	s := NewStack(loop, MAC{0x52, 0x54, 0x00, 0x00, 0x00, 0x01}, [4]byte{127, 0, 0, 1}, [4]byte{255, 0, 0, 0}, [4]byte{127, 0, 0, 1})
	loop.stack = s
	return s
}

// TestTCPListenConnectSendRecvClose drives a full echo session collapsed
// onto one loopback stack: listen, connect,
// send/recv in both directions, then close, checking the connection ends
// in a terminal state with no data loss or duplication.
func TestTCPListenConnectSendRecvClose(t *testing.T) {
	s := newLoopbackStack()

	lis, err := NewSocket(s, SockStream)
	require.Zero(t, err)
	require.Zero(t, lis.Bind(9999))
	require.Zero(t, lis.Listen(4))

	accepted := make(chan *Socket, 1)
	go func() {
		srv, aerr := lis.Accept(nil)
		require.Zero(t, aerr)
		accepted <- srv
	}()

	client, err := NewSocket(s, SockStream)
	require.Zero(t, err)
	cerr := client.Connect([4]byte{127, 0, 0, 1}, 9999, nil)
	require.Zero(t, cerr)

	var srv *Socket
	select {
	case srv = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("accept never completed")
	}

	n, serr := client.SendTo([4]byte{}, 0, []byte("ping\n"))
	require.Zero(t, serr)
	require.Equal(t, 5, n)

	buf := make([]byte, 64)
	n, _, _, rerr := srv.RecvFrom(buf, nil)
	require.Zero(t, rerr)
	require.Equal(t, "ping\n", string(buf[:n]))

	n, serr = srv.SendTo([4]byte{}, 0, []byte("pong\n"))
	require.Zero(t, serr)
	require.Equal(t, 5, n)

	n, _, _, rerr = client.RecvFrom(buf, nil)
	require.Zero(t, rerr)
	require.Equal(t, "pong\n", string(buf[:n]))

	require.Zero(t, client.Shutdown())
	require.Zero(t, srv.Shutdown())

	require.Eventually(t, func() bool {
		return client.tcp.State() == TCPTimeWait || client.tcp.State() == TCPClosed
	}, 2*time.Second, 10*time.Millisecond)
}

// TestUDPSendRecvRoundTrip exercises bind/connect/sendto/recvfrom for the
// stateless UDP path.
func TestUDPSendRecvRoundTrip(t *testing.T) {
	s := newLoopbackStack()

	server, err := NewSocket(s, SockDgram)
	require.Zero(t, err)
	require.Zero(t, server.Bind(6000))

	client, err := NewSocket(s, SockDgram)
	require.Zero(t, err)

	n, serr := client.SendTo([4]byte{127, 0, 0, 1}, 6000, []byte("hello"))
	require.Zero(t, serr)
	require.Equal(t, 5, n)

	buf := make([]byte, 32)
	n, _, _, rerr := server.RecvFrom(buf, nil)
	require.Zero(t, rerr)
	require.Equal(t, "hello", string(buf[:n]))
}
