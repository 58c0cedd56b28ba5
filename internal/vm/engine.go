package vm

import (
	"kaal/internal/defs"
	"kaal/internal/mem"
)

// Engine is the Page-Table Engine: it walks and mutates four-level
// ARMv8-A translation trees rooted at a VSpace's L0 table. One Engine
// instance is shared by every VSpace in the kernel; the root physical
// address passed to each method selects which address space is being
// mutated.
type Engine struct {
	dm  *DirectMap
	pmm *mem.PMM
	tlb TLB
}

// NewEngine constructs a page-table engine backed by dm for physical-memory
// access, pmm for allocating intermediate tables, and tlb for invalidation.
func NewEngine(dm *DirectMap, pmm *mem.PMM, tlb TLB) *Engine {
	if tlb == nil {
		tlb = NoopTLB{}
	}
	return &Engine{dm: dm, pmm: pmm, tlb: tlb}
}

// NewRoot allocates and zeroes a fresh L0 table, returning its physical
// address for use as a VSpace root.
func (e *Engine) NewRoot() (mem.Pa_t, defs.Err_t) {
	f, ok := e.pmm.Alloc()
	if !ok {
		return 0, defs.NotEnoughMemory
	}
	pa := f.Addr()
	e.dm.ZeroTable(pa)
	return pa, 0
}

// walk descends levels L0..L2, allocating and installing intermediate
// tables on demand, and returns a pointer to the L3 (leaf) entry for va.
// alloc controls whether missing intermediate tables are created (true for
// Map, false for Unmap/Remap/lookups, which must fail rather than create
// structure for an address that was never mapped).
func (e *Engine) walk(root mem.Pa_t, va mem.Va_t, alloc bool) (*PTE, defs.Err_t) {
	if !mem.Va_t(va).Aligned() {
		return nil, defs.AlignmentError
	}
	table := root
	for l := L0; l < L3; l++ {
		t := e.dm.Table(table)
		idx := indexAt(va, l)
		pte := &t[idx]
		if !pte.Valid() {
			if !alloc {
				return nil, defs.FailedLookup
			}
			f, ok := e.pmm.Alloc()
			if !ok {
				return nil, defs.NotEnoughMemory
			}
			child := f.Addr()
			e.dm.ZeroTable(child)
			*pte = mkTableEntry(child)
		}
		table = pte.Addr()
	}
	t := e.dm.Table(table)
	idx := indexAt(va, L3)
	return &t[idx], 0
}

// Map installs a mapping from va to the physical frame pfn with the given
// attributes. Mapping onto an already-valid entry fails; the
// caller must Unmap first.
func (e *Engine) Map(root mem.Pa_t, va mem.Va_t, pfn mem.PFN, attrs Attrs) defs.Err_t {
	pte, err := e.walk(root, va, true)
	if err != 0 {
		return err
	}
	if pte.Valid() {
		return defs.IllegalOperation
	}
	*pte = mkLeafEntry(pfn.Addr(), attrs)
	e.tlb.InvalidateVA(root, va)
	return 0
}

// Unmap clears the leaf entry for va, if any. Intermediate tables are
// retained, not reclaimed. Unmapping an address with no mapping is a
// no-op, not an error.
func (e *Engine) Unmap(root mem.Pa_t, va mem.Va_t) defs.Err_t {
	pte, err := e.walk(root, va, false)
	if err == defs.FailedLookup {
		return 0
	}
	if err != 0 {
		return err
	}
	if !pte.Valid() {
		return 0
	}
	*pte = 0
	e.tlb.InvalidateVA(root, va)
	return 0
}

// Remap updates the attribute bits of an existing mapping, preserving the
// mapped frame. It fails if va is not currently mapped.
func (e *Engine) Remap(root mem.Pa_t, va mem.Va_t, attrs Attrs) defs.Err_t {
	pte, err := e.walk(root, va, false)
	if err != 0 {
		return err
	}
	if !pte.Valid() {
		return defs.FailedLookup
	}
	frame := pte.Addr()
	*pte = mkLeafEntry(frame, attrs)
	e.tlb.InvalidateVA(root, va)
	return 0
}

// Translate returns the physical address va currently maps to (the mapped
// frame plus va's page offset), if any — used by the IPC transfer engine
// and userspace copy helpers to resolve a virtual address without going
// through a page fault. va need not be page-aligned.
func (e *Engine) Translate(root mem.Pa_t, va mem.Va_t) (mem.Pa_t, bool) {
	pte, err := e.walk(root, va.Rounddown(), false)
	if err != 0 || !pte.Valid() {
		return 0, false
	}
	return pte.Addr() + mem.Pa_t(uint64(va)&uint64(mem.PGOFFSET)), true
}
