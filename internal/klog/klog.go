// Package klog is the kernel's thin logging wrapper: a single
// package-level *log.Logger writing to stderr with a fixed "kaal: "
// prefix, centralized here so every subsystem's boot/fault lines share
// one prefix and destination instead of each package calling the
// standard library's top-level logger directly.
package klog

import (
	"fmt"
	"log"
	"os"
)

var std = log.New(os.Stderr, "kaal: ", log.Ltime|log.Lmicroseconds)

// Printf logs a formatted line at the default level.
func Printf(format string, args ...interface{}) {
	std.Printf(format, args...)
}

// Fatalf logs a formatted line and terminates the process. Used only on
// the boot path before any thread is schedulable; once the scheduler is
// live a fault is reported through the fault-endpoint path
// (internal/trap) instead of killing the whole kernel.
func Fatalf(format string, args ...interface{}) {
	std.Fatalf(format, args...)
}

// Warnf logs a formatted line tagged as a warning, for recoverable
// conditions worth a kernel-log entry (an IRQ claimed twice, a revoked CDT
// node with no owning slot).
func Warnf(format string, args ...interface{}) {
	std.Output(2, "WARN "+fmt.Sprintf(format, args...))
}
