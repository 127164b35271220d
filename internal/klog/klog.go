// Package klog is SlopOS's kernel log: a fixed-size circular buffer of
// formatted lines (an internal/circbuf.Circbuf_t, the same ring shape
// backing pipes) with github.com/sirupsen/logrus as
// the structured formatting/leveling front end. Every subsystem logs
// through one process-wide Ring so that a panic handler can Dump() the
// most recent kernel activity.
package klog

import (
	"bytes"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/slopos/slopos/internal/circbuf"
)

// ringCapacity bounds how many bytes of formatted log lines are retained;
// once full, the oldest bytes are dropped in 256-byte chunks to make room
// for new lines (which may cut the oldest retained line short) rather
// than ever returning an error to a logging subsystem.
const ringCapacity = 64 * 1024

// Ring is a process-wide circular log buffer fed by a logrus hook. Reads
// and writes are serialized by mu; logrus itself may be called
// concurrently from any CPU's subsystem code.
type Ring struct {
	mu  sync.Mutex
	buf circbuf.Circbuf_t
}

// NewRing allocates an empty ring of the default capacity.
func NewRing() *Ring {
	r := &Ring{}
	r.buf.Cb_init(ringCapacity)
	return r
}

// write appends line to the ring, evicting the oldest bytes first when
// there isn't enough room (the ring is a "last N bytes of log" view, not
// a lossless log; Dump exists precisely because most lines never leave
// the ring).
func (r *Ring) write(line []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	need := len(line)
	if need > r.buf.Bufsz() {
		line = line[need-r.buf.Bufsz():]
		need = len(line)
	}
	for r.buf.Left() < need {
		var drop [256]byte
		n, _ := r.buf.Copyout_n(drop[:], len(drop))
		if n == 0 {
			break
		}
	}
	r.buf.Copyin(line)
}

// Dump returns everything currently buffered without consuming it, for
// panic diagnostics.
func (r *Ring) Dump() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	used := r.buf.Used()
	out := make([]byte, used)
	head, tail := r.buf.Rawread(0)
	n := copy(out, head)
	copy(out[n:], tail)
	return out
}

// ringHook is a logrus.Hook that mirrors every formatted entry into a Ring.
type ringHook struct {
	ring *Ring
}

func (h *ringHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *ringHook) Fire(e *logrus.Entry) error {
	line, err := e.Logger.Formatter.Format(e)
	if err != nil {
		return err
	}
	h.ring.write(line)
	return nil
}

// Logger wraps a *logrus.Logger and the Ring its output mirrors into,
// giving every subsystem a single place to attach structured fields
// (cpu, task_id, vector).
type Logger struct {
	*logrus.Logger
	Ring *Ring
}

// New builds a Logger at the given level whose formatted output is both
// written to w (typically the serial console stand-in, os.Stderr in
// tests) and mirrored into a fresh Ring.
func New(w *bytes.Buffer, level logrus.Level) *Logger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: false, DisableColors: true})
	if w != nil {
		l.SetOutput(w)
	}
	ring := NewRing()
	l.AddHook(&ringHook{ring: ring})
	return &Logger{Logger: l, Ring: ring}
}

// CPU returns an entry pre-tagged with the originating CPU, the field
// every IRQ/syscall/scheduler log line in SlopOS carries.
func (l *Logger) CPU(cpu int) *logrus.Entry {
	return l.WithField("cpu", cpu)
}

// Task returns an entry pre-tagged with the originating task id.
func (l *Logger) Task(taskID uint64) *logrus.Entry {
	return l.WithField("task_id", taskID)
}

// Vector returns an entry pre-tagged with an interrupt vector, used by
// the IDT dispatch path.
func (l *Logger) Vector(v int) *logrus.Entry {
	return l.WithField("vector", v)
}

var (
	defaultOnce sync.Once
	defaultLog  *Logger
)

// Default returns a process-wide Logger at Info level, lazily
// constructed, for call sites that don't carry their own Logger (test
// helpers, package-level init glue).
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLog = New(nil, logrus.InfoLevel)
	})
	return defaultLog
}
