// Package object implements the kernel object variants and the retype
// operation that carves them out of an Untyped capability's backing
// physical region. Retype follows the seL4 model: a linear watermark
// inside a fixed region that only ever moves forward, erroring with
// NotEnoughMemory once exhausted rather than reclaiming freed
// sub-regions (those only come back via Revoke of the whole Untyped).
//
// Go has no mechanism for placing a struct's backing store at a chosen
// physical address the way a C kernel would; the typed objects retype
// produces here (TCBs, CNodes, Endpoints, ...) are ordinary Go heap
// values constructed by their owning packages. The watermark bookkeeping
// still enforces the invariant that matters — an Untyped's capacity is
// finite and is consumed exactly once per retyped byte — it just does
// not back that bookkeeping with an actual memory-mapped object layout
// (see DESIGN.md).
package object

import (
	"sync"

	"kaal/internal/cdt"
	"kaal/internal/cnode"
	"kaal/internal/defs"
	"kaal/internal/ipc"
	"kaal/internal/mem"
	"kaal/internal/sched"
	"kaal/internal/vm"
)

// Untyped is a capability to a raw physical region.
// Watermark tracks the next unconsumed byte offset from Base; retype
// advances it and never rewinds except via Revoke tearing down the whole
// Untyped (handled by the caller, which drops this value entirely).
type Untyped struct {
	mu        sync.Mutex
	Base      mem.Pa_t
	SizeBits  uint
	watermark mem.Pa_t // next free address, Base <= watermark <= Base+size
}

// NewUntyped wraps the region [base, base+2^sizeBits) as a freshly
// enumerated Untyped capability's backing object, as constructed at boot
// for each power-of-two run of free frames and for the kernel's own
// untyped.
func NewUntyped(base mem.Pa_t, sizeBits uint) *Untyped {
	return &Untyped{Base: base, SizeBits: sizeBits, watermark: base}
}

// Size reports the region's byte length.
func (u *Untyped) Size() uint64 { return uint64(1) << u.SizeBits }

// Remaining reports the number of unconsumed bytes.
func (u *Untyped) Remaining() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return uint64(u.Base) + u.Size() - uint64(u.watermark)
}

// carve reserves sizeBytes aligned to align from the watermark, advancing
// it. Fails with NotEnoughMemory if the region is exhausted.
func (u *Untyped) carve(sizeBytes uint64, align uint64) (mem.Pa_t, defs.Err_t) {
	u.mu.Lock()
	defer u.mu.Unlock()

	aligned := mem.Pa_t((uint64(u.watermark) + align - 1) &^ (align - 1))
	end := uint64(u.Base) + u.Size()
	if uint64(aligned)+sizeBytes > end || uint64(aligned)+sizeBytes < uint64(aligned) {
		return 0, defs.NotEnoughMemory
	}
	u.watermark = aligned + mem.Pa_t(sizeBytes)
	return aligned, 0
}

// nominalSize is the watermark bookkeeping charge for a retyped object of
// the given type; it does not reflect an actual in-memory layout (see the
// package doc comment), only a stable, auditable accounting unit so two
// kernels retyping the same Untyped sequence consume it identically.
func nominalSize(t defs.ObjType, extra uint) uint64 {
	switch t {
	case defs.ObjTCB:
		return 1 << 10 // 1 KiB nominal TCB charge
	case defs.ObjCNode:
		return uint64(1<<extra) * 32 // 32 bytes per capability slot
	case defs.ObjEndpoint, defs.ObjNotification:
		return 64
	case defs.ObjVSpaceRoot:
		return uint64(mem.PGSIZE) // one L0 table
	case defs.ObjFrame:
		return uint64(1) << extra // extra is the frame's own size-bits
	case defs.ObjIRQHandler:
		return 32
	default:
		return 64
	}
}

// Frame is a retyped 4 KiB/2 MiB/1 GiB page frame. Device
// frames select the DEVICE MAIR attribute index when mapped (internal/vm).
type Frame struct {
	PA       mem.Pa_t
	SizeBits uint // 12 (4 KiB), 21 (2 MiB) or 30 (1 GiB)
	Device   bool
}

// PFN returns the frame's base as a page-frame number, valid for 4 KiB
// frames; larger frames are mapped by the caller via repeated 4 KiB leaf
// entries using consecutive PFNs starting here (the page-table engine
// only installs 4 KiB leaves).
func (f *Frame) PFN() mem.PFN { return f.PA.ToPFN() }

// ValidFrameSizeBits reports whether bits names one of the three
// supported frame sizes (4 KiB, 2 MiB, 1 GiB).
func ValidFrameSizeBits(bits uint) bool {
	return bits == 12 || bits == 21 || bits == 30
}

// RetypeFrame carves a frame of 2^sizeBits bytes from u.
func RetypeFrame(u *Untyped, sizeBits uint, device bool) (*Frame, defs.Err_t) {
	if !ValidFrameSizeBits(sizeBits) {
		return nil, defs.InvalidArgument
	}
	pa, err := u.carve(nominalSize(defs.ObjFrame, sizeBits), uint64(1)<<sizeBits)
	if err != 0 {
		return nil, err
	}
	return &Frame{PA: pa, SizeBits: sizeBits, Device: device}, 0
}

// RetypeCNode carves and constructs a CNode with 2^sizeBits slots, backed
// by the shared CDT pool.
func RetypeCNode(u *Untyped, pool *cdt.Pool, sizeBits uint) (*cnode.CSpace, defs.Err_t) {
	if _, err := u.carve(nominalSize(defs.ObjCNode, sizeBits), 64); err != 0 {
		return nil, err
	}
	return cnode.New(sizeBits, pool)
}

// RetypeTCB carves and constructs an Inactive TCB.
func RetypeTCB(u *Untyped) (*sched.TCB, defs.Err_t) {
	if _, err := u.carve(nominalSize(defs.ObjTCB, 0), 16); err != 0 {
		return nil, err
	}
	return sched.NewTCB(), 0
}

// RetypeEndpoint carves and constructs an idle Endpoint.
func RetypeEndpoint(u *Untyped) (*ipc.Endpoint, defs.Err_t) {
	if _, err := u.carve(nominalSize(defs.ObjEndpoint, 0), 8); err != 0 {
		return nil, err
	}
	return ipc.NewEndpoint(), 0
}

// RetypeNotification carves and constructs a zeroed Notification.
func RetypeNotification(u *Untyped) (*ipc.Notification, defs.Err_t) {
	if _, err := u.carve(nominalSize(defs.ObjNotification, 0), 8); err != 0 {
		return nil, err
	}
	return ipc.NewNotification(), 0
}

// RetypeVSpaceRoot carves and constructs a fresh VSpace root, allocating
// its L0 table via the page-table engine's own frame allocator.
func RetypeVSpaceRoot(u *Untyped, engine *vm.Engine) (*vm.VSpace, defs.Err_t) {
	if _, err := u.carve(nominalSize(defs.ObjVSpaceRoot, 0), uint64(mem.PGSIZE)); err != 0 {
		return nil, err
	}
	return vm.NewVSpace(engine)
}
