// Package stats implements per-CPU scheduler counters (context switches,
// preemptions, idle time and the like). Cycles_t measures wall-clock
// nanoseconds; there is no TSC to read here, so elapsed time stands in
// for cycle counts.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Enabled gates whether counters are actually updated; on by default,
// and setting it false lets hot scheduler paths skip the updates.
var Enabled = true

/// Counter_t is a statistical counter, e.g. context switches or preemptions.
type Counter_t int64

/// Cycles_t accumulates elapsed nanoseconds, e.g. idle time.
type Cycles_t int64

/// Now returns the current nanosecond timestamp used to seed Cycles_t.Add.
func Now() uint64 {
	return uint64(time.Now().UnixNano())
}

/// Inc increments the counter by one.
func (c *Counter_t) Inc() {
	if Enabled {
		atomic.AddInt64((*int64)(c), 1)
	}
}

/// Add adds n to the counter.
func (c *Counter_t) Add(n int64) {
	if Enabled {
		atomic.AddInt64((*int64)(c), n)
	}
}

/// Get reads the current counter value.
func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

/// Add adds elapsed nanoseconds since start to the cycle counter.
func (c *Cycles_t) Add(start uint64) {
	if Enabled {
		atomic.AddInt64((*int64)(c), int64(Now()-start))
	}
}

/// Get reads the current cycle total.
func (c *Cycles_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

/// Stats2String renders every Counter_t/Cycles_t field of st as a
/// diagnostic string, used by panic dumps and the /proc-like stat device.
func Stats2String(st interface{}) string {
	v := reflect.ValueOf(st)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		name := v.Type().Field(i).Name
		switch {
		case strings.HasSuffix(t, "Counter_t"):
			n := v.Field(i).Interface().(Counter_t)
			s += "\n\t#" + name + ": " + strconv.FormatInt(int64(n), 10)
		case strings.HasSuffix(t, "Cycles_t"):
			n := v.Field(i).Interface().(Cycles_t)
			s += "\n\t#" + name + ": " + strconv.FormatInt(int64(n), 10)
		}
	}
	return s + "\n"
}
