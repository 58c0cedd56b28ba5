package vm

import (
	"sync"

	"kaal/internal/defs"
	"kaal/internal/mem"
)

// VSpace is the Address-Space Manager: per-process VSpace bookkeeping,
// holding the VSpace root and a linear watermark for ad-hoc allocations
// (component image, stack, IPC buffer). There is no region tree and no
// free list — the kernel has no fork/mmap bookkeeping to justify one, so
// the watermark only moves forward.
type VSpace struct {
	mu sync.Mutex

	Root mem.Pa_t // physical address of the L0 table

	watermark mem.Va_t
	windowEnd mem.Va_t

	engine *Engine
	locked bool
}

// UserWindowBase/UserWindowEnd bound the portion of the 48-bit VA space a
// VSpace's watermark allocator hands out; everything above is reserved for
// the kernel's own high-half mappings (installed once at boot, see
// EnableMMU), matching the TTBR0 (user, low half) / TTBR1 (kernel, high
// half) split.
const (
	UserWindowBase mem.Va_t = 0x0000_0000_0001_0000
	UserWindowEnd  mem.Va_t = 0x0000_7FFF_FFFF_F000
)

// NewVSpace allocates a fresh VSpace root and returns the manager for it.
func NewVSpace(e *Engine) (*VSpace, defs.Err_t) {
	root, err := e.NewRoot()
	if err != 0 {
		return nil, err
	}
	return &VSpace{Root: root, watermark: UserWindowBase, windowEnd: UserWindowEnd, engine: e}, 0
}

// Lock acquires the address-space mutex: every mutator of the page
// table or the watermark must run under this lock.
func (vs *VSpace) Lock() {
	vs.mu.Lock()
	vs.locked = true
}

func (vs *VSpace) Unlock() {
	vs.locked = false
	vs.mu.Unlock()
}

func (vs *VSpace) lockAssert() {
	if !vs.locked {
		panic("vm.VSpace: lock must be held")
	}
}

// Allocate reserves size bytes (rounded up to a page) from the watermark
// and returns the base virtual address. There is no coalescing and no
// free list: the watermark only moves forward.
func (vs *VSpace) Allocate(size int) (mem.Va_t, defs.Err_t) {
	vs.Lock()
	defer vs.Unlock()

	if size <= 0 {
		return 0, defs.InvalidArgument
	}
	n := mem.Va_t(mem.Pa_t(size).Roundup())
	if vs.watermark+n > vs.windowEnd || vs.watermark+n < vs.watermark {
		return 0, defs.RangeError
	}
	base := vs.watermark
	vs.watermark += n
	return base, 0
}

// MapPage enforces page alignment, selects NORMAL or DEVICE attributes,
// and installs the mapping through the Page-Table Engine.
func (vs *VSpace) MapPage(va mem.Va_t, pfn mem.PFN, writable, cacheable bool) defs.Err_t {
	vs.Lock()
	defer vs.Unlock()
	return vs.mapPageLocked(va, pfn, writable, cacheable)
}

func (vs *VSpace) mapPageLocked(va mem.Va_t, pfn mem.PFN, writable, cacheable bool) defs.Err_t {
	vs.lockAssert()
	if !va.Aligned() {
		return defs.AlignmentError
	}
	attrs := Attrs{Writable: writable, Device: !cacheable}
	return vs.engine.Map(vs.Root, va, pfn, attrs)
}

// UnmapPage removes the mapping at va, if any.
func (vs *VSpace) UnmapPage(va mem.Va_t) defs.Err_t {
	vs.Lock()
	defer vs.Unlock()
	if !va.Aligned() {
		return defs.AlignmentError
	}
	return vs.engine.Unmap(vs.Root, va)
}

// RemapPage updates the permission/cacheability bits of an existing
// mapping without changing the backing frame.
func (vs *VSpace) RemapPage(va mem.Va_t, writable, cacheable bool) defs.Err_t {
	vs.Lock()
	defer vs.Unlock()
	if !va.Aligned() {
		return defs.AlignmentError
	}
	attrs := Attrs{Writable: writable, Device: !cacheable}
	return vs.engine.Remap(vs.Root, va, attrs)
}

// Translate resolves va to its current physical address, if mapped.
func (vs *VSpace) Translate(va mem.Va_t) (mem.Pa_t, bool) {
	vs.Lock()
	defer vs.Unlock()
	return vs.engine.Translate(vs.Root, va)
}
