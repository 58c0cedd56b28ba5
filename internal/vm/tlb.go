package vm

import "kaal/internal/mem"

// TLB abstracts the architectural invalidate-and-barrier sequence a
// real ARMv8-A core needs after a page-table mutation: TLBI by VA, then
// DSB+ISB with inner-shareable scope. The engine never issues these
// instructions directly — the unsafe register work stays behind this
// narrow interface, and HardwareTLB (tlb_hw.go) is the single place that
// would execute it on real hardware.
type TLB interface {
	// InvalidateVA invalidates the translation for va in the address
	// space identified by root (the VSpace's L0 table physical address),
	// which maps onto the ASID/TTBR the hardware TLBI targets.
	InvalidateVA(root mem.Pa_t, va mem.Va_t)
}

// NoopTLB discards invalidation requests. NewEngine falls back to it when
// given no TLB, as where no real TLB exists to go stale.
type NoopTLB struct{}

func (NoopTLB) InvalidateVA(mem.Pa_t, mem.Va_t) {}

// CountingTLB records every invalidation it is asked to perform, so
// tests can assert that Map/Unmap/Remap actually request TLB maintenance
// without depending on real hardware behavior.
type CountingTLB struct {
	Invalidations []mem.Va_t
}

func (c *CountingTLB) InvalidateVA(_ mem.Pa_t, va mem.Va_t) {
	c.Invalidations = append(c.Invalidations, va)
}
