package net

import (
	"sync/atomic"

	"github.com/slopos/slopos/internal/defs"
	"github.com/slopos/slopos/internal/fd"
	"github.com/slopos/slopos/internal/limits"
	"github.com/slopos/slopos/internal/stat"
)

// SockType names the socket type argument to socket().
type SockType int

const (
	SockStream SockType = iota
	SockDgram
)

// Socket wraps either a UDPSocket or a TCPConn/listener behind one
// fd.Fdops_i-compatible type so it can sit directly in a process's file
// descriptor table like any other fd.
type Socket struct {
	stack *Stack
	typ   SockType

	udp  *UDPSocket
	tcp  *TCPConn
	tlis *tcpListener

	boundPort uint16 // stream socket's explicitly bound port, if any
	closed    atomic.Bool
}

// NewSocket creates an unbound/unconnected socket of the requested type,
// counted against limits.Syslimit.Socks.
func NewSocket(stack *Stack, typ SockType) (*Socket, defs.Err_t) {
	if !limits.Syslimit.Socks.Taken(1) {
		return nil, -defs.EMFILE
	}
	s := &Socket{stack: stack, typ: typ}
	if typ == SockDgram {
		sock, err := stack.udp.Bind(0)
		if err != 0 {
			limits.Syslimit.Socks.Give()
			return nil, err
		}
		s.udp = sock
	}
	return s, 0
}

// Bind assigns a fixed local port; only meaningful before Connect/Listen.
func (s *Socket) Bind(port uint16) defs.Err_t {
	switch s.typ {
	case SockDgram:
		if s.udp != nil {
			s.udp.Close()
		}
		sock, err := s.stack.udp.Bind(port)
		if err != 0 {
			return err
		}
		s.udp = sock
		return 0
	case SockStream:
		// Stream sockets have no datagram socket to bind a port onto;
		// remember the requested port for Listen to pick up.
		s.boundPort = port
		return 0
	}
	return -defs.EPROTOTYPE
}

// Listen switches a stream socket into passive-open mode.
func (s *Socket) Listen(backlog int) defs.Err_t {
	if s.typ != SockStream {
		return -defs.EOPNOTSUPP
	}
	l, err := s.stack.tcp.Listen(s.boundPort, backlog)
	if err != 0 {
		return err
	}
	s.tlis = l
	return 0
}

// Accept blocks for an incoming connection on a listening stream socket.
// blk, when non-nil, is driven around the wait so the calling task shows
// up as Blocked on the scheduler rather than only parking its goroutine.
func (s *Socket) Accept(blk fd.Blocker) (*Socket, defs.Err_t) {
	if s.tlis == nil {
		return nil, -defs.EINVAL
	}
	conn, err := s.tlis.Accept(blk)
	if err != 0 {
		return nil, err
	}
	if !limits.Syslimit.Socks.Taken(1) {
		conn.Close()
		return nil, -defs.EMFILE
	}
	return &Socket{stack: s.stack, typ: SockStream, tcp: conn}, 0
}

// Connect actively establishes a stream connection, or fixes a datagram
// socket's default peer.
func (s *Socket) Connect(ip [4]byte, port uint16, blk fd.Blocker) defs.Err_t {
	switch s.typ {
	case SockDgram:
		s.udp.Connect(ip, port)
		return 0
	case SockStream:
		conn, err := s.stack.tcp.Connect(ip, port, blk)
		if err != 0 {
			return err
		}
		s.tcp = conn
		return 0
	}
	return -defs.EPROTOTYPE
}

// SendTo writes data, addressed explicitly for datagram sockets or to
// the already-connected peer for stream sockets.
func (s *Socket) SendTo(ip [4]byte, port uint16, data []byte) (int, defs.Err_t) {
	switch s.typ {
	case SockDgram:
		return s.udp.SendTo(ip, port, data)
	case SockStream:
		if s.tcp == nil {
			return 0, -defs.ENOTCONN
		}
		return s.tcp.Send(data)
	}
	return 0, -defs.EPROTOTYPE
}

// RecvFrom reads into dst, returning the sender for datagram sockets.
func (s *Socket) RecvFrom(dst []byte, blk fd.Blocker) (int, [4]byte, uint16, defs.Err_t) {
	switch s.typ {
	case SockDgram:
		return s.udp.RecvFrom(dst, blk)
	case SockStream:
		if s.tcp == nil {
			return 0, [4]byte{}, 0, -defs.ENOTCONN
		}
		n, err := s.tcp.Recv(dst, blk)
		return n, s.tcp.remoteIP, s.tcp.remotePort, err
	}
	return 0, [4]byte{}, 0, -defs.EPROTOTYPE
}

// Shutdown closes the write (and/or read) half of the connection and
// gives the socket's slot back to limits.Syslimit.Socks.
func (s *Socket) Shutdown() defs.Err_t {
	if s.closed.CompareAndSwap(false, true) {
		limits.Syslimit.Socks.Give()
	}
	if s.tcp != nil {
		return s.tcp.Close()
	}
	if s.udp != nil {
		s.udp.Close()
	}
	return 0
}

// socketFdops adapts a Socket to fd.Fdops_i so it can be installed in a
// process's descriptor table exactly like a pipe or file; a socket is
// just another fd.
type socketFdops struct {
	sock *Socket
}

func (f *socketFdops) Read(dst []byte) (int, defs.Err_t) {
	n, _, _, err := f.sock.RecvFrom(dst, nil)
	return n, err
}

// ReadBlocking is the fd.BlockingReader hook: syscall.go's sysRead passes
// the caller's *proc.Task here so a socket recv with nothing queued marks
// the task Blocked instead of only parking its goroutine.
func (f *socketFdops) ReadBlocking(dst []byte, blk fd.Blocker) (int, defs.Err_t) {
	n, _, _, err := f.sock.RecvFrom(dst, blk)
	return n, err
}

func (f *socketFdops) Write(src []byte) (int, defs.Err_t) {
	return f.sock.SendTo([4]byte{}, 0, src)
}

func (f *socketFdops) Close() defs.Err_t  { return f.sock.Shutdown() }
func (f *socketFdops) Reopen() defs.Err_t { return 0 }
func (f *socketFdops) Stat(st *stat.Stat_t) defs.Err_t {
	st.Wmode(stat.S_IFSOCK)
	return 0
}

// NewFd wraps sock as an fd.Fd_t ready for FileTable installation.
func NewFd(sock *Socket) *fd.Fd_t {
	return &fd.Fd_t{Fops: &socketFdops{sock: sock}, Perms: fd.FD_READ | fd.FD_WRITE}
}
