// Package circbuf implements the ring buffer backing pipes, the UDP
// receive ring, and the TCP send/receive windows. The ring is a plain
// []byte with head/tail windowing; Rawread/Rawwrite expose zero-copy
// views that never intersect live data, which is what lets TCP hold
// unacked bytes in place while new data is appended behind them.
package circbuf

import "github.com/slopos/slopos/internal/defs"

/// Circbuf_t is a single-producer/single-consumer ring buffer. It is not
/// safe for concurrent use by multiple readers or multiple writers; the
/// owning pipe/socket serializes access with its own lock.
type Circbuf_t struct {
	Buf   []uint8
	bufsz int
	head  int
	tail  int
}

/// Bufsz returns the configured buffer size.
func (cb *Circbuf_t) Bufsz() int {
	return cb.bufsz
}

/// Cb_init allocates the backing buffer, sz bytes, eagerly.
func (cb *Circbuf_t) Cb_init(sz int) {
	if sz <= 0 {
		panic("bad circbuf size")
	}
	cb.bufsz = sz
	cb.Buf = make([]uint8, sz)
	cb.head, cb.tail = 0, 0
}

/// Full returns true when the buffer cannot accept more data.
func (cb *Circbuf_t) Full() bool {
	return cb.head-cb.tail == cb.bufsz
}

/// Empty reports whether the buffer contains any data.
func (cb *Circbuf_t) Empty() bool {
	return cb.head == cb.tail
}

/// Left returns the remaining capacity in bytes.
func (cb *Circbuf_t) Left() int {
	return cb.bufsz - (cb.head - cb.tail)
}

/// Used returns the current number of bytes in the buffer.
func (cb *Circbuf_t) Used() int {
	return cb.head - cb.tail
}

/// Copyin copies as much of src into the ring as fits, returning the
/// number of bytes copied.
func (cb *Circbuf_t) Copyin(src []uint8) (int, defs.Err_t) {
	if cb.Buf == nil {
		panic("not initted")
	}
	if cb.Full() || len(src) == 0 {
		return 0, 0
	}
	n := len(src)
	if n > cb.Left() {
		n = cb.Left()
	}
	hi := cb.head % cb.bufsz
	first := cb.bufsz - hi
	if first > n {
		first = n
	}
	copy(cb.Buf[hi:hi+first], src[:first])
	if first < n {
		copy(cb.Buf[0:n-first], src[first:n])
	}
	cb.head += n
	return n, 0
}

/// Copyout copies the entire buffer contents to dst (up to len(dst)).
func (cb *Circbuf_t) Copyout(dst []uint8) (int, defs.Err_t) {
	return cb.Copyout_n(dst, len(dst))
}

/// Copyout_n copies up to max bytes of the buffer into dst.
func (cb *Circbuf_t) Copyout_n(dst []uint8, max int) (int, defs.Err_t) {
	if cb.Buf == nil {
		panic("not initted")
	}
	if cb.Empty() {
		return 0, 0
	}
	n := cb.Used()
	if n > max {
		n = max
	}
	if n > len(dst) {
		n = len(dst)
	}
	ti := cb.tail % cb.bufsz
	first := cb.bufsz - ti
	if first > n {
		first = n
	}
	copy(dst[:first], cb.Buf[ti:ti+first])
	if first < n {
		copy(dst[first:n], cb.Buf[0:n-first])
	}
	cb.tail += n
	return n, 0
}

/// Rawwrite exposes up to two slices into the ring, starting offset bytes
/// past head, for sz bytes of direct writing (used by TCP to place data at
/// an arbitrary offset from SND.NXT without an intermediate copy).
func (cb *Circbuf_t) Rawwrite(offset, sz int) ([]uint8, []uint8) {
	if cb.Buf == nil {
		panic("not initted")
	}
	if cb.Left() < sz {
		panic("bad size")
	}
	if sz == 0 {
		return nil, nil
	}
	oi := (cb.head + offset) % cb.bufsz
	oe := (cb.head + offset + sz) % cb.bufsz
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	var r1, r2 []uint8
	if ti <= hi {
		if (oi >= ti && oi < hi) || (oe > ti && oe <= hi) {
			panic("intersects with live data")
		}
		r1 = cb.Buf[oi:]
		if len(r1) > sz {
			r1 = r1[:sz]
		} else {
			r2 = cb.Buf[:oe]
		}
	} else {
		if !(oi >= hi && oi < ti && oe > hi && oe <= ti) {
			panic("intersects with live data")
		}
		r1 = cb.Buf[oi:oe]
	}
	return r1, r2
}

/// Advhead advances the head index, exposing sz freshly written bytes to readers.
func (cb *Circbuf_t) Advhead(sz int) {
	if cb.Full() || cb.Left() < sz {
		panic("advancing full cb")
	}
	cb.head += sz
}

/// Rawread returns up to two slices referencing the live data starting
/// offset bytes past tail (used by TCP retransmission to resend bytes
/// still in the send buffer without copying).
func (cb *Circbuf_t) Rawread(offset int) ([]uint8, []uint8) {
	if cb.Buf == nil {
		panic("not initted")
	}
	oi := (cb.tail + offset) % cb.bufsz
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	var r1, r2 []uint8
	if ti < hi {
		if oi >= hi || oi < ti {
			panic("outside live data")
		}
		r1 = cb.Buf[oi:hi]
	} else {
		if oi >= hi && oi < ti {
			panic("outside live data")
		}
		tlen := len(cb.Buf[ti:])
		if tlen > offset {
			r1 = cb.Buf[oi:]
			r2 = cb.Buf[:hi]
		} else {
			roff := offset - tlen
			r1 = cb.Buf[roff:hi]
		}
	}
	return r1, r2
}

/// Advtail advances the tail index after sz bytes have been consumed.
func (cb *Circbuf_t) Advtail(sz int) {
	if sz != 0 && (cb.Empty() || cb.Used() < sz) {
		panic("advancing empty cb")
	}
	cb.tail += sz
}
