package vm

import (
	"testing"

	"kaal/internal/defs"
	"kaal/internal/mem"
)

func newTestEngine(t *testing.T, frames int) (*Engine, *CountingTLB) {
	t.Helper()
	pmm := mem.NewPMM(frames)
	pmm.AddRegion(0, frames*mem.PGSIZE)
	dm := NewDirectMap(0, frames)
	tlb := &CountingTLB{}
	return NewEngine(dm, pmm, tlb), tlb
}

func TestMapUnmapIdempotence(t *testing.T) {
	e, tlb := newTestEngine(t, 64)
	root, err := e.NewRoot()
	if err != 0 {
		t.Fatalf("NewRoot: %v", err)
	}
	frame, ok := e.pmm.Alloc()
	if !ok {
		t.Fatal("alloc frame failed")
	}
	va := mem.Va_t(0x40_0000)

	if err := e.Map(root, va, frame, Attrs{Writable: true}); err != 0 {
		t.Fatalf("first map: %v", err)
	}
	// Double-map without intervening unmap must fail.
	if err := e.Map(root, va, frame, Attrs{Writable: true}); err != defs.IllegalOperation {
		t.Fatalf("double map: got %v, want IllegalOperation", err)
	}
	if err := e.Unmap(root, va); err != 0 {
		t.Fatalf("unmap: %v", err)
	}
	if err := e.Map(root, va, frame, Attrs{Writable: true}); err != 0 {
		t.Fatalf("remap after unmap: %v", err)
	}
	if len(tlb.Invalidations) != 3 {
		t.Fatalf("expected 3 TLB invalidations (map, unmap, map), got %d", len(tlb.Invalidations))
	}
}

func TestTranslate(t *testing.T) {
	e, _ := newTestEngine(t, 64)
	root, _ := e.NewRoot()
	frame, _ := e.pmm.Alloc()
	va := mem.Va_t(0x10_0000)

	if _, ok := e.Translate(root, va); ok {
		t.Fatal("translate should fail before any mapping")
	}
	if err := e.Map(root, va, frame, Attrs{Writable: true}); err != 0 {
		t.Fatalf("map: %v", err)
	}
	pa, ok := e.Translate(root, va+0x10)
	if !ok {
		t.Fatal("translate should succeed after mapping")
	}
	if pa != frame.Addr()+0x10 {
		t.Fatalf("translate = %#x, want %#x", pa, frame.Addr()+0x10)
	}
}

func TestRemapPreservesFrame(t *testing.T) {
	e, _ := newTestEngine(t, 64)
	root, _ := e.NewRoot()
	frame, _ := e.pmm.Alloc()
	va := mem.Va_t(0x20_0000)

	if err := e.Map(root, va, frame, Attrs{Writable: true}); err != 0 {
		t.Fatalf("map: %v", err)
	}
	if err := e.Remap(root, va, Attrs{Writable: false}); err != 0 {
		t.Fatalf("remap: %v", err)
	}
	pa, ok := e.Translate(root, va)
	if !ok || pa != frame.Addr() {
		t.Fatalf("remap changed the backing frame: pa=%#x ok=%v", pa, ok)
	}
}

func TestRemapUnmappedFails(t *testing.T) {
	e, _ := newTestEngine(t, 64)
	root, _ := e.NewRoot()
	if err := e.Remap(root, mem.Va_t(0x30_0000), Attrs{Writable: true}); err != defs.FailedLookup {
		t.Fatalf("remap of unmapped va: got %v, want FailedLookup", err)
	}
}

func TestMapMisalignedFails(t *testing.T) {
	e, _ := newTestEngine(t, 64)
	root, _ := e.NewRoot()
	frame, _ := e.pmm.Alloc()
	if err := e.Map(root, mem.Va_t(0x1001), frame, Attrs{Writable: true}); err != defs.AlignmentError {
		t.Fatalf("misaligned map: got %v, want AlignmentError", err)
	}
}

func TestVSpaceWatermarkMonotonic(t *testing.T) {
	e, _ := newTestEngine(t, 64)
	vs, err := NewVSpace(e)
	if err != 0 {
		t.Fatalf("NewVSpace: %v", err)
	}
	a, err := vs.Allocate(100)
	if err != 0 {
		t.Fatalf("allocate: %v", err)
	}
	b, err := vs.Allocate(mem.PGSIZE)
	if err != 0 {
		t.Fatalf("allocate: %v", err)
	}
	if b <= a {
		t.Fatalf("watermark did not advance: a=%#x b=%#x", a, b)
	}
	if a%mem.Va_t(mem.PGSIZE) != 0 || b%mem.Va_t(mem.PGSIZE) != 0 {
		t.Fatalf("allocations must be page aligned: a=%#x b=%#x", a, b)
	}
}

func TestMMUConfigEncodings(t *testing.T) {
	cfg := NewMMUConfig(0x1000, 0x2000)
	if cfg.TTBR0 != 0x1000 || cfg.TTBR1 != 0x2000 {
		t.Fatalf("roots = %#x/%#x", cfg.TTBR0, cfg.TTBR1)
	}
	// T0SZ=T1SZ=16 for the 48-bit halves.
	if cfg.TCR&0x3f != 16 {
		t.Fatalf("T0SZ = %d, want 16", cfg.TCR&0x3f)
	}
	if (cfg.TCR>>16)&0x3f != 16 {
		t.Fatalf("T1SZ = %d, want 16", (cfg.TCR>>16)&0x3f)
	}
	// 4 KiB granule: TG0=0, TG1=2.
	if (cfg.TCR>>14)&0x3 != 0 {
		t.Fatalf("TG0 = %d, want 0", (cfg.TCR>>14)&0x3)
	}
	if (cfg.TCR>>30)&0x3 != 2 {
		t.Fatalf("TG1 = %d, want 2", (cfg.TCR>>30)&0x3)
	}
	// MAIR: index 0 normal write-back (0xFF), index 1 device (0x00).
	if cfg.MAIR&0xff != 0xff || (cfg.MAIR>>8)&0xff != 0 {
		t.Fatalf("MAIR = %#x", cfg.MAIR)
	}
}
