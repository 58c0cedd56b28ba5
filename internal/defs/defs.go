// Package defs collects the types and constants shared across kernel
// packages: the error taxonomy, capability rights, object type tags, the
// syscall ABI numbers and a handful of compile-time kernel limits.
//
// Err_t is a small signed integer: zero means success, and every error
// is a distinct negative constant so a caller can propagate it as a
// function result without an additional ok bool.
package defs

import "fmt"

// Err_t is the kernel-wide error code. Zero is success; every failure is a
// distinct negative value.
type Err_t int

// Error taxonomy. Names match the vocabulary callers use when
// reporting faults to userspace; values are arbitrary but stable for a given
// kernel build.
const (
	OK Err_t = 0

	InvalidArgument   Err_t = -1
	InvalidCapability Err_t = -2
	InsufficientRights Err_t = -3
	IllegalOperation  Err_t = -4
	RangeError        Err_t = -5
	AlignmentError    Err_t = -6
	FailedLookup      Err_t = -7
	TruncatedMessage  Err_t = -8
	DeleteFirst       Err_t = -9
	RevokeFirst       Err_t = -10
	NotEnoughMemory   Err_t = -11
	IPCCancelled      Err_t = -12

	// CNode slot-specific outcomes, distinct from the coarser
	// taxonomy above because userspace diagnostics benefit from knowing
	// exactly which slot invariant was violated.
	SlotOccupied  Err_t = -13
	SlotEmpty     Err_t = -14
	InvalidSource Err_t = -15
)

var errNames = map[Err_t]string{
	OK:                 "OK",
	InvalidArgument:    "InvalidArgument",
	InvalidCapability:  "InvalidCapability",
	InsufficientRights: "InsufficientRights",
	IllegalOperation:   "IllegalOperation",
	RangeError:         "RangeError",
	AlignmentError:     "AlignmentError",
	FailedLookup:       "FailedLookup",
	TruncatedMessage:   "TruncatedMessage",
	DeleteFirst:        "DeleteFirst",
	RevokeFirst:        "RevokeFirst",
	NotEnoughMemory:    "NotEnoughMemory",
	IPCCancelled:       "IPCCancelled",
	SlotOccupied:       "SlotOccupied",
	SlotEmpty:          "SlotEmpty",
	InvalidSource:      "InvalidSource",
}

// String implements fmt.Stringer so errors print by name in kernel logs
// instead of as bare integers.
func (e Err_t) String() string {
	if s, ok := errNames[e]; ok {
		return s
	}
	return fmt.Sprintf("Err_t(%d)", int(e))
}

// Error implements the error interface so Err_t can be returned anywhere
// Go code expects a standard error (tests, cmd/ tooling).
func (e Err_t) Error() string {
	return e.String()
}

// ErrNoReturn is the generic -1 return value the syscall ABI
// specifies for syscalls that do not have a richer error channel. Encoded
// as u64::MAX per the ABI note.
const ErrNoReturn uint64 = ^uint64(0)

// Rights is the three-bit capability rights mask.
type Rights uint8

const (
	Read  Rights = 1 << 0
	Write Rights = 1 << 1
	Grant Rights = 1 << 2

	AllRights Rights = Read | Write | Grant
)

// Contains reports whether r has at least every bit set in other
// (bitwise implication).
//
//kaal:verified
func (r Rights) Contains(other Rights) bool {
	return other&^r == 0
}

func (r Rights) String() string {
	s := ""
	if r&Read != 0 {
		s += "R"
	}
	if r&Write != 0 {
		s += "W"
	}
	if r&Grant != 0 {
		s += "G"
	}
	if s == "" {
		return "-"
	}
	return s
}

// ObjType tags the kernel object a capability refers to. The
// dispatcher and every op that switches on it use a plain Go type switch /
// const tag rather than an interface method set, keeping the hot
// syscall paths closed to inlining.
type ObjType uint8

const (
	ObjNone ObjType = iota
	ObjUntyped
	ObjCNode
	ObjTCB
	ObjEndpoint
	ObjNotification
	ObjVSpaceRoot
	ObjFrame
	ObjIRQControl
	ObjIRQHandler
)

func (t ObjType) String() string {
	switch t {
	case ObjNone:
		return "None"
	case ObjUntyped:
		return "Untyped"
	case ObjCNode:
		return "CNode"
	case ObjTCB:
		return "TCB"
	case ObjEndpoint:
		return "Endpoint"
	case ObjNotification:
		return "Notification"
	case ObjVSpaceRoot:
		return "VSpaceRoot"
	case ObjFrame:
		return "Frame"
	case ObjIRQControl:
		return "IRQControl"
	case ObjIRQHandler:
		return "IRQHandler"
	default:
		return fmt.Sprintf("ObjType(%d)", uint8(t))
	}
}

// Tid_t identifies a thread/TCB.
type Tid_t int

// Device identifiers for the two devices the kernel core actually owns:
// the boot console and the profiling sample sink wired in
// internal/profiling. Everything else is a userspace driver and gets its
// MMIO window through Device_Request instead of a device id here.
const (
	D_CONSOLE int = 1
	D_PROF    int = 7
)

// Mkdev encodes a major/minor device number into a single identifier.
func Mkdev(maj, min int) uint {
	if min > 0xff {
		panic("bad minor")
	}
	m := uint(maj)<<8 | uint(min)
	return m << 32
}

// Unmkdev reverses Mkdev.
func Unmkdev(d uint) (int, int) {
	return int(d >> 40), int(uint8(d >> 32))
}
