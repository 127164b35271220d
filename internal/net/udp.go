package net

import (
	"sync"

	"github.com/google/gopacket/layers"

	"github.com/slopos/slopos/internal/defs"
	"github.com/slopos/slopos/internal/fd"
)

// udpRecvRingSize is the fixed receive-queue depth per bound UDP socket.
const udpRecvRingSize = 16

// udpDatagram is one queued, fully-received UDP payload plus its remote
// endpoint, the unit stored in a socket's receive ring.
type udpDatagram struct {
	srcIP   [4]byte
	srcPort uint16
	data    []byte
}

// UDPSocket is one bound (and optionally connected) UDP endpoint: a
// fixed-depth ring of received datagrams plus a condvar any blocked
// RecvFrom call waits on.
type UDPSocket struct {
	stack *Stack
	port  uint16

	connected bool
	remoteIP  [4]byte
	remotePort uint16

	mu     sync.Mutex
	cond   *sync.Cond
	ring   []udpDatagram
	head   int
	count  int
	closed bool
}

type udpLayer struct {
	stack *Stack

	mu      sync.Mutex
	sockets map[uint16]*UDPSocket
	nextEph uint16
}

func newUDPLayer(s *Stack) *udpLayer {
	return &udpLayer{stack: s, sockets: make(map[uint16]*UDPSocket), nextEph: 49152}
}

// Bind reserves port (or an ephemeral port if 0) and returns a socket
// ready to send/receive on it.
func (u *udpLayer) Bind(port uint16) (*UDPSocket, defs.Err_t) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if port == 0 {
		for i := 0; i < 1<<15; i++ {
			cand := u.nextEph
			u.nextEph++
			if u.nextEph == 0 {
				u.nextEph = 49152
			}
			if _, used := u.sockets[cand]; !used {
				port = cand
				break
			}
		}
		if port == 0 {
			return nil, -defs.EADDRNOTAVAIL
		}
	} else if _, used := u.sockets[port]; used {
		return nil, -defs.EADDRINUSE
	}
	sock := &UDPSocket{stack: u.stack, port: port, ring: make([]udpDatagram, udpRecvRingSize)}
	sock.cond = sync.NewCond(&sock.mu)
	u.sockets[port] = sock
	return sock, 0
}

func (u *udpLayer) release(port uint16) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.sockets, port)
}

func (u *udpLayer) handle(ip *layers.IPv4, seg *layers.UDP) {
	u.mu.Lock()
	sock, ok := u.sockets[uint16(seg.DstPort)]
	u.mu.Unlock()
	if !ok {
		return
	}
	var srcIP [4]byte
	copy(srcIP[:], ip.SrcIP.To4())
	dg := udpDatagram{srcIP: srcIP, srcPort: uint16(seg.SrcPort), data: append([]byte(nil), seg.Payload...)}

	sock.mu.Lock()
	if sock.connected && (srcIP != sock.remoteIP || dg.srcPort != sock.remotePort) {
		sock.mu.Unlock()
		return
	}
	if sock.count == len(sock.ring) {
		// Ring full: drop oldest, matching a fixed-depth hardware queue
		// rather than blocking the network RX path on a slow reader.
		sock.head = (sock.head + 1) % len(sock.ring)
		sock.count--
	}
	idx := (sock.head + sock.count) % len(sock.ring)
	sock.ring[idx] = dg
	sock.count++
	sock.cond.Signal()
	sock.mu.Unlock()
}

// Connect fixes the socket's default destination for subsequent Send
// calls and filters incoming datagrams.
func (s *UDPSocket) Connect(ip [4]byte, port uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.remoteIP = ip
	s.remotePort = port
}

// SendTo transmits data to (ip, port), or the connected remote if ip is
// the zero address and the socket is connected.
func (s *UDPSocket) SendTo(ip [4]byte, port uint16, data []byte) (int, defs.Err_t) {
	if ip == ([4]byte{}) && s.connected {
		ip, port = s.remoteIP, s.remotePort
	}
	if ip == ([4]byte{}) {
		return 0, -defs.EDESTADDRREQ
	}
	seg := &layers.UDP{SrcPort: layers.UDPPort(s.port), DstPort: layers.UDPPort(port)}
	if err := s.stack.sendIPv4(ip, layers.IPProtocolUDP, seg, data); err != nil {
		return 0, -defs.ENETUNREACH
	}
	return len(data), 0
}

// RecvFrom blocks until a datagram is queued (or the socket is closed)
// and copies its payload into dst, returning the number of bytes copied
// (a payload longer than dst is truncated), the sender, and an error code.
func (s *UDPSocket) RecvFrom(dst []byte, blk fd.Blocker) (int, [4]byte, uint16, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.count == 0 && !s.closed {
		if blk != nil {
			blk.Block()
		}
		s.cond.Wait()
		if blk != nil {
			blk.Wake()
		}
	}
	if s.count == 0 {
		return 0, [4]byte{}, 0, -defs.EPIPE
	}
	dg := s.ring[s.head]
	s.head = (s.head + 1) % len(s.ring)
	s.count--
	n := copy(dst, dg.data)
	return n, dg.srcIP, dg.srcPort, 0
}

// Close wakes any blocked receiver and releases the bound port.
func (s *UDPSocket) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	s.stack.udp.release(s.port)
}

// Port reports the socket's bound local port.
func (s *UDPSocket) Port() uint16 { return s.port }
