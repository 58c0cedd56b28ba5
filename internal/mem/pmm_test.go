package mem

import "testing"

func TestAllocDeallocBitmapRestored(t *testing.T) {
	p := NewPMM(64)
	p.AddRegion(0, 64*PGSIZE)

	before := p.Snapshot()

	var got []PFN
	for i := 0; i < 10; i++ {
		f, ok := p.Alloc()
		if !ok {
			t.Fatalf("alloc %d failed unexpectedly", i)
		}
		got = append(got, f)
	}
	for _, f := range got {
		p.Dealloc(f)
	}

	after := p.Snapshot()
	if len(before) != len(after) {
		t.Fatalf("bitmap length changed")
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("word %d: before=%x after=%x", i, before[i], after[i])
		}
	}
}

func TestAllocExhaustion(t *testing.T) {
	p := NewPMM(4)
	p.AddRegion(0, 4*PGSIZE)

	for i := 0; i < 4; i++ {
		if _, ok := p.Alloc(); !ok {
			t.Fatalf("alloc %d should have succeeded", i)
		}
	}
	if _, ok := p.Alloc(); ok {
		t.Fatalf("alloc should fail once exhausted")
	}
	if fc := p.FreeCount(); fc != 0 {
		t.Fatalf("free count = %d, want 0", fc)
	}
}

func TestDoubleFreeIgnored(t *testing.T) {
	p := NewPMM(4)
	p.AddRegion(0, 4*PGSIZE)

	f, ok := p.Alloc()
	if !ok {
		t.Fatal("alloc failed")
	}
	p.Dealloc(f)
	before := p.FreeCount()
	p.Dealloc(f) // double free
	after := p.FreeCount()
	if before != after {
		t.Fatalf("double free changed free count: %d -> %d", before, after)
	}
}

func TestReserveRegionExcludesFramesFromAlloc(t *testing.T) {
	p := NewPMM(8)
	p.AddRegion(0, 8*PGSIZE)
	p.ReserveRegion(0, 2*PGSIZE) // reserve first two frames

	if fc := p.FreeCount(); fc != 6 {
		t.Fatalf("free count = %d, want 6", fc)
	}
	for i := 0; i < 6; i++ {
		f, ok := p.Alloc()
		if !ok {
			t.Fatalf("alloc %d failed", i)
		}
		if f == 0 || f == 1 {
			t.Fatalf("allocator handed out reserved frame %d", f)
		}
	}
}

func TestFreeCountInvariant(t *testing.T) {
	p := NewPMM(16)
	p.AddRegion(0, 16*PGSIZE)

	allocated := 0
	for i := 0; i < 16; i++ {
		if _, ok := p.Alloc(); ok {
			allocated++
		}
	}
	if allocated != 16 {
		t.Fatalf("allocated %d, want 16", allocated)
	}
	if p.FreeCount() != 0 {
		t.Fatalf("free count should be 0 after exhausting the pool")
	}
}

func TestAllocRangeContiguous(t *testing.T) {
	p := NewPMM(16)
	p.AddRegion(0, 16*PGSIZE)

	first, ok := p.AllocRange(4)
	if !ok {
		t.Fatal("AllocRange(4) failed on an empty bitmap")
	}
	// The run is really allocated: a fresh Alloc must land outside it.
	f, ok := p.Alloc()
	if !ok {
		t.Fatal("Alloc after AllocRange failed")
	}
	if f >= first && f < first+4 {
		t.Fatalf("Alloc handed out frame %d inside the allocated run [%d,%d)", f, first, first+4)
	}
}

func TestAllocRangeSkipsFragmentedSpace(t *testing.T) {
	p := NewPMM(8)
	p.AddRegion(0, 8*PGSIZE)
	p.ReserveRegion(Pa_t(2*PGSIZE), PGSIZE) // hole at frame 2

	first, ok := p.AllocRange(4)
	if !ok {
		t.Fatal("AllocRange(4) should fit after the hole")
	}
	if first < 3 {
		t.Fatalf("run at %d overlaps the reserved hole", first)
	}
	if _, ok := p.AllocRange(4); ok {
		t.Fatal("no second 4-frame run should remain")
	}
}
