// Package kdebug supplies the kernel-halt diagnostics. The kernel never
// panics in response to user input; only an internal invariant violation
// justifies a halt. When one of those violations is detected (in this
// tree: a trapping TCB that belongs to no process, checked in
// internal/boot) the detecting code calls Halt, which logs the Go call
// stack and then panics, so a kernel-log reader can see exactly which
// invariant broke and from where.
//
// Beside the halt-time stack dump there is a de-duplicating path tracker
// for invariant checks that would otherwise spam identical reports.
package kdebug

import (
	"fmt"
	"log"
	"runtime"
	"sync"
)

// Callerdump formats the call stack starting at the given skip depth as
// one file:line entry per frame and returns it; Halt writes it to the log.
func Callerdump(start int) string {
	i := start
	s := ""
	for {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		i++
		if s == "" {
			s = fmt.Sprintf("%s:%d\n", f, l)
		} else {
			s += fmt.Sprintf("\t<-%s:%d\n", f, l)
		}
	}
	return s
}

// Halt reports an internal kernel invariant violation and terminates. It is
// the sole path by which this kernel responds to a bug in its own state
// rather than to malformed user input.
func Halt(invariant string, args ...interface{}) {
	log.Printf("kernel halt: invariant violated: %s: %s", fmt.Sprintf(invariant, args...), Callerdump(2))
	panic("kernel halt: " + invariant)
}

// DistinctCaller tracks whether a call chain has been seen before, so a
// recurring invariant check (e.g. a hot IPC path) logs its violating stack
// once instead of on every call.
type DistinctCaller struct {
	mu      sync.Mutex
	enabled bool
	seen    map[uintptr]bool
}

// Enable turns on tracking; disabled trackers never report a chain as new.
func (dc *DistinctCaller) Enable() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.enabled = true
}

func (dc *DistinctCaller) hash(pcs []uintptr) uintptr {
	var ret uintptr
	for _, pc := range pcs {
		pc = pc*1103515245 + 12345
		ret ^= pc
	}
	return ret
}

// Distinct reports whether the current call chain is new, returning a
// formatted trace the first time a given chain is observed.
func (dc *DistinctCaller) Distinct() (bool, string) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if !dc.enabled {
		return false, ""
	}
	if dc.seen == nil {
		dc.seen = make(map[uintptr]bool)
	}
	pcs := make([]uintptr, 30)
	got := runtime.Callers(2, pcs)
	if got == 0 {
		return false, ""
	}
	pcs = pcs[:got]
	h := dc.hash(pcs)
	if dc.seen[h] {
		return false, ""
	}
	dc.seen[h] = true
	frames := runtime.CallersFrames(pcs)
	fs := ""
	for {
		fr, more := frames.Next()
		if fs == "" {
			fs = fmt.Sprintf("%v (%v:%v)\n", fr.Function, fr.File, fr.Line)
		} else {
			fs += fmt.Sprintf("\t%v (%v:%v)\n", fr.Function, fr.File, fr.Line)
		}
		if !more || fr.Function == "runtime.goexit" {
			break
		}
	}
	return true, fs
}
