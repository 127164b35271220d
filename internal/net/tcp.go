package net

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/slopos/slopos/internal/defs"
	"github.com/slopos/slopos/internal/fd"
	"github.com/slopos/slopos/internal/hashtable"
)

// TCPState names one of the 11 states of the classic TCP state machine.
type TCPState int

const (
	TCPClosed TCPState = iota
	TCPListen
	TCPSynSent
	TCPSynReceived
	TCPEstablished
	TCPFinWait1
	TCPFinWait2
	TCPCloseWait
	TCPClosing
	TCPLastAck
	TCPTimeWait
)

func (s TCPState) String() string {
	switch s {
	case TCPClosed:
		return "CLOSED"
	case TCPListen:
		return "LISTEN"
	case TCPSynSent:
		return "SYN_SENT"
	case TCPSynReceived:
		return "SYN_RECEIVED"
	case TCPEstablished:
		return "ESTABLISHED"
	case TCPFinWait1:
		return "FIN_WAIT_1"
	case TCPFinWait2:
		return "FIN_WAIT_2"
	case TCPCloseWait:
		return "CLOSE_WAIT"
	case TCPClosing:
		return "CLOSING"
	case TCPLastAck:
		return "LAST_ACK"
	case TCPTimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

const (
	tcpMSL           = 30 * time.Second
	tcpRetransTick   = 200 * time.Millisecond
	tcpDelayedACK    = 40 * time.Millisecond
	tcpInitialCwnd   = 2 // segments, matching RFC-era conservative IW
	tcpInitialSSThresh = 64 * 1024
)

// tcpFlags is a local SYN/ACK/FIN/RST bitmask; gopacket's layers.TCP
// represents each control bit as its own struct field rather than a
// combined flags type, so this is the glue that lets sendFlags build one
// outbound segment from a single value.
type tcpFlags uint8

const (
	flagSYN tcpFlags = 1 << iota
	flagACK
	flagFIN
	flagRST
)

func (f tcpFlags) has(x tcpFlags) bool { return f&x != 0 }

// segment is a captured outbound segment awaiting ACK, held for
// retransmission.
type segment struct {
	seq   uint32
	data  []byte
	flags tcpFlags
	sent  time.Time
	acked bool
}

// TCPConn is one TCP connection's full state: the 11-state machine,
// send/receive sequence tracking, a Reno-style congestion controller,
// and the delayed-ACK and 2MSL timers. Established-state data is
// retransmitted only by fast retransmit after three duplicate ACKs;
// there is no retransmission timeout.
type TCPConn struct {
	stack *tcpLayer

	localPort  uint16
	remoteIP   [4]byte
	remotePort uint16

	mu    sync.Mutex
	cond  *sync.Cond
	state TCPState

	sndUna uint32 // oldest unacked sequence number
	sndNxt uint32 // next sequence number to send
	rcvNxt uint32 // next expected sequence number

	sendBuf    []byte // bytes handed by the app, not yet segmented
	recvBuf    []byte // in-order bytes ready for the app
	unacked    []segment

	cwnd       int // segments
	ssthresh   int
	dupACKs    int

	delayedACKPending bool
	lastActivity      time.Time

	closed    bool
	listener  *tcpListener // non-nil for passively-created connections
}

type tcpListener struct {
	port    uint16
	mu      sync.Mutex
	cond    *sync.Cond
	backlog []*TCPConn
}

type tcpLayer struct {
	stack *Stack

	mu        sync.Mutex
	listeners map[uint16]*tcpListener
	conns     *hashtable.Hashtable_t // string 4-tuple -> *TCPConn
	nextEph   uint16
	isnSeed   uint32
}

func newTCPLayer(s *Stack) *tcpLayer {
	return &tcpLayer{
		stack:     s,
		listeners: make(map[uint16]*tcpListener),
		conns:     hashtable.MkHash(256),
		nextEph:   49152,
		isnSeed:   0x1000_0000,
	}
}

func connKey(remoteIP [4]byte, remotePort uint16, localPort uint16) string {
	return fmt.Sprintf("%d.%d.%d.%d:%d-%d", remoteIP[0], remoteIP[1], remoteIP[2], remoteIP[3], remotePort, localPort)
}

// nextISN hands out a monotonically increasing initial sequence number;
// a real kernel derives this from a clock/PRNG, which this simulation
// doesn't need to resist off-path attacks against.
func (t *tcpLayer) nextISN() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.isnSeed += 64000
	return t.isnSeed
}

// Listen registers port as passively open with the given backlog depth.
func (t *tcpLayer) Listen(port uint16, backlog int) (*tcpListener, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, used := t.listeners[port]; used {
		return nil, -defs.EADDRINUSE
	}
	l := &tcpListener{port: port, backlog: make([]*TCPConn, 0, backlog)}
	l.cond = sync.NewCond(&l.mu)
	t.listeners[port] = l
	return l, 0
}

// Accept blocks until an incoming connection has completed its
// handshake, returning it. blk, when non-nil, transitions the calling
// task to Blocked around the wait so the scheduler sees the suspension.
func (l *tcpListener) Accept(blk fd.Blocker) (*TCPConn, defs.Err_t) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.backlog) == 0 {
		if blk != nil {
			blk.Block()
		}
		l.cond.Wait()
		if blk != nil {
			blk.Wake()
		}
	}
	c := l.backlog[0]
	l.backlog = l.backlog[1:]
	return c, 0
}

func (t *tcpLayer) allocEphemeral() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	port := t.nextEph
	t.nextEph++
	if t.nextEph == 0 {
		t.nextEph = 49152
	}
	return port
}

// Connect actively opens a connection to (ip, port), sending the initial
// SYN and blocking until the handshake resolves or times out.
func (t *tcpLayer) Connect(ip [4]byte, port uint16, blk fd.Blocker) (*TCPConn, defs.Err_t) {
	localPort := t.allocEphemeral()
	c := t.newConn(localPort, ip, port, nil)
	c.mu.Lock()
	c.state = TCPSynSent
	c.sndNxt = c.sndUna + 1
	c.mu.Unlock()

	t.mu.Lock()
	t.conns.Set(connKey(ip, port, localPort), c)
	t.mu.Unlock()

	c.sendFlags(flagSYN, nil)

	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(5 * time.Second)
	// Wake the wait loop at the deadline so an unanswered SYN ends in
	// ECONNREFUSED instead of blocking forever.
	timeout := time.AfterFunc(time.Until(deadline), func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timeout.Stop()
	for c.state == TCPSynSent && time.Now().Before(deadline) {
		if blk != nil {
			blk.Block()
		}
		c.cond.Wait()
		if blk != nil {
			blk.Wake()
		}
	}
	if c.state != TCPEstablished {
		return nil, -defs.ECONNREFUSED
	}
	return c, 0
}

func (t *tcpLayer) newConn(localPort uint16, remoteIP [4]byte, remotePort uint16, l *tcpListener) *TCPConn {
	c := &TCPConn{
		stack:      t,
		localPort:  localPort,
		remoteIP:   remoteIP,
		remotePort: remotePort,
		sndUna:     t.nextISN(),
		cwnd:       tcpInitialCwnd,
		ssthresh:   tcpInitialSSThresh,
		listener:   l,
	}
	c.sndNxt = c.sndUna
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (t *tcpLayer) handle(ip *layers.IPv4, seg *layers.TCP) {
	var remoteIP [4]byte
	copy(remoteIP[:], ip.SrcIP.To4())
	localPort := uint16(seg.DstPort)
	remotePort := uint16(seg.SrcPort)

	t.mu.Lock()
	v, ok := t.conns.Get(connKey(remoteIP, remotePort, localPort))
	t.mu.Unlock()
	if ok {
		v.(*TCPConn).onSegment(seg)
		return
	}

	if seg.SYN && !seg.ACK {
		t.mu.Lock()
		l, listening := t.listeners[localPort]
		t.mu.Unlock()
		if !listening {
			t.sendReset(remoteIP, remotePort, localPort, seg.Ack)
			return
		}
		c := t.newConn(localPort, remoteIP, remotePort, l)
		c.mu.Lock()
		c.rcvNxt = seg.Seq + 1
		c.state = TCPSynReceived
		c.mu.Unlock()
		t.mu.Lock()
		t.conns.Set(connKey(remoteIP, remotePort, localPort), c)
		t.mu.Unlock()
		c.sendFlags(flagSYN|flagACK, nil)
	}
}

func (t *tcpLayer) sendReset(remoteIP [4]byte, remotePort, localPort uint16, ack uint32) {
	seg := &layers.TCP{SrcPort: layers.TCPPort(localPort), DstPort: layers.TCPPort(remotePort), Seq: ack, RST: true, Window: 0}
	t.stack.sendIPv4(remoteIP, layers.IPProtocolTCP, seg, nil)
}

// sendFlags builds and transmits one outbound segment carrying data (may
// be empty), recording it for retransmission when it isn't a pure ACK.
func (c *TCPConn) sendFlags(flags tcpFlags, data []byte) {
	c.mu.Lock()
	seq := c.sndNxt
	ack := c.rcvNxt
	localPort := c.localPort
	remoteIP := c.remoteIP
	remotePort := c.remotePort
	advance := len(data)
	if flags.has(flagSYN) || flags.has(flagFIN) {
		advance++
	}
	c.sndNxt += uint32(advance)
	if advance > 0 {
		c.unacked = append(c.unacked, segment{seq: seq, data: append([]byte(nil), data...), flags: flags, sent: time.Now()})
	}
	c.mu.Unlock()

	seg := &layers.TCP{
		SrcPort: layers.TCPPort(localPort),
		DstPort: layers.TCPPort(remotePort),
		Seq:     seq,
		Ack:     ack,
		SYN:     flags.has(flagSYN),
		ACK:     flags.has(flagACK) || ack != 0,
		FIN:     flags.has(flagFIN),
		RST:     flags.has(flagRST),
		PSH:     len(data) > 0,
		Window:  c.recvWindow(),
	}
	c.stack.stack.sendIPv4(remoteIP, layers.IPProtocolTCP, seg, data)
}

func (c *TCPConn) recvWindow() uint16 {
	const maxRecvBuf = 64 * 1024
	c.mu.Lock()
	defer c.mu.Unlock()
	free := maxRecvBuf - len(c.recvBuf)
	if free < 0 {
		free = 0
	}
	if free > 0xffff {
		free = 0xffff
	}
	return uint16(free)
}

// onSegment feeds one received TCP segment through the state machine.
func (c *TCPConn) onSegment(seg *layers.TCP) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()

	switch c.state {
	case TCPSynSent:
		if seg.SYN && seg.ACK {
			c.rcvNxt = seg.Seq + 1
			c.sndUna = seg.Ack
			c.state = TCPEstablished
			c.cond.Broadcast()
			go c.sendFlags(flagACK, nil)
		}
		return
	case TCPSynReceived:
		if seg.ACK {
			c.sndUna = seg.Ack
			c.state = TCPEstablished
			if c.listener != nil {
				c.listener.mu.Lock()
				c.listener.backlog = append(c.listener.backlog, c)
				c.listener.cond.Signal()
				c.listener.mu.Unlock()
			}
		}
		return
	}

	if seg.RST {
		c.state = TCPClosed
		c.cond.Broadcast()
		return
	}

	c.ackUnackedLocked(seg.Ack)

	if len(seg.Payload) > 0 && seg.Seq == c.rcvNxt {
		c.recvBuf = append(c.recvBuf, seg.Payload...)
		c.rcvNxt += uint32(len(seg.Payload))
		c.cond.Broadcast()
		c.delayedACKPending = true
		go c.flushDelayedACK()
	}

	if seg.FIN {
		c.rcvNxt++
		switch c.state {
		case TCPEstablished:
			c.state = TCPCloseWait
		case TCPFinWait1, TCPFinWait2:
			c.state = TCPTimeWait
			go c.enter2MSL()
		}
		c.cond.Broadcast()
		go c.sendFlags(flagACK, nil)
	}

	switch c.state {
	case TCPFinWait1:
		if seg.ACK && len(c.unacked) == 0 {
			c.state = TCPFinWait2
		}
	case TCPClosing:
		if seg.ACK && len(c.unacked) == 0 {
			c.state = TCPTimeWait
			go c.enter2MSL()
		}
	case TCPLastAck:
		if seg.ACK && len(c.unacked) == 0 {
			c.state = TCPClosed
			c.cond.Broadcast()
		}
	}
}

// ackUnackedLocked retires fully-acknowledged segments and runs the
// Reno congestion-control update (caller holds c.mu).
func (c *TCPConn) ackUnackedLocked(ack uint32) {
	if ack == c.sndUna {
		c.dupACKs++
		if c.dupACKs == 3 {
			// Fast retransmit: halve ssthresh, drop to that as the new
			// cwnd (Reno fast recovery entry point).
			c.ssthresh = c.cwnd / 2
			if c.ssthresh < 2 {
				c.ssthresh = 2
			}
			c.cwnd = c.ssthresh
			if len(c.unacked) > 0 {
				go c.retransmit(c.unacked[0])
			}
		}
		return
	}
	if seqGreater(ack, c.sndUna) {
		c.dupACKs = 0
		c.sndUna = ack
		kept := c.unacked[:0]
		for _, s := range c.unacked {
			if seqGreater(s.seq+uint32(len(s.data)), ack) {
				kept = append(kept, s)
			}
		}
		c.unacked = kept

		if c.cwnd < c.ssthresh {
			c.cwnd++ // slow start: one segment per ACK
		} else if len(c.unacked) == 0 {
			c.cwnd++ // congestion avoidance: one segment per fully acknowledged flight
		}
	}
}

func seqGreater(a, b uint32) bool { return int32(a-b) > 0 }

func (c *TCPConn) flushDelayedACK() {
	time.Sleep(tcpDelayedACK)
	c.mu.Lock()
	pending := c.delayedACKPending
	c.delayedACKPending = false
	c.mu.Unlock()
	if pending {
		c.sendFlags(flagACK, nil)
	}
}

func (c *TCPConn) enter2MSL() {
	time.Sleep(2 * tcpMSL)
	c.mu.Lock()
	if c.state == TCPTimeWait {
		c.state = TCPClosed
		c.cond.Broadcast()
	}
	c.mu.Unlock()
	c.stack.mu.Lock()
	c.stack.conns.Del(connKey(c.remoteIP, c.remotePort, c.localPort))
	c.stack.mu.Unlock()
}

func (c *TCPConn) retransmit(s segment) {
	c.sendFlags(s.flags, s.data)
}

// Send transmits data immediately as one segment, truncated to the
// current Reno congestion window (cwnd * 1460 bytes), and returns how
// many bytes were sent; nothing is queued in sendBuf.
func (c *TCPConn) Send(data []byte) (int, defs.Err_t) {
	c.mu.Lock()
	if c.state != TCPEstablished && c.state != TCPCloseWait {
		c.mu.Unlock()
		return 0, -defs.ENOTCONN
	}
	maxSeg := c.cwnd * 1460
	c.mu.Unlock()

	n := len(data)
	if n > maxSeg {
		n = maxSeg
	}
	c.sendFlags(flagACK, data[:n])
	return n, 0
}

// Recv blocks until data is available in the in-order receive buffer (or
// the peer has closed), copying up to len(dst) bytes.
func (c *TCPConn) Recv(dst []byte, blk fd.Blocker) (int, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.recvBuf) == 0 && c.state != TCPCloseWait && c.state != TCPClosed && c.state != TCPClosing {
		if blk != nil {
			blk.Block()
		}
		c.cond.Wait()
		if blk != nil {
			blk.Wake()
		}
	}
	if len(c.recvBuf) == 0 {
		return 0, 0 // EOF: peer closed and buffer drained
	}
	n := copy(dst, c.recvBuf)
	c.recvBuf = c.recvBuf[n:]
	return n, 0
}

// State reports the connection's current TCP state.
func (c *TCPConn) State() TCPState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close initiates active close: sends FIN and transitions per the
// standard state machine.
func (c *TCPConn) Close() defs.Err_t {
	c.mu.Lock()
	switch c.state {
	case TCPEstablished:
		c.state = TCPFinWait1
	case TCPCloseWait:
		c.state = TCPLastAck
	default:
		c.mu.Unlock()
		return 0
	}
	c.mu.Unlock()
	c.sendFlags(flagFIN|flagACK, nil)
	return 0
}
