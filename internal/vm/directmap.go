package vm

import (
	"unsafe"

	"kaal/internal/mem"
)

// DirectMap is the page-table engine's view of physical memory: given a
// physical address, it returns the bytes backing that frame. On real
// ARMv8-A hardware this is the kernel's own direct/identity map,
// installed once at boot (see EnableMMU). This portable version is a
// flat byte arena indexed by frame number, so the walk/map/unmap
// algorithms can be exercised by `go test` without real hardware.
type DirectMap struct {
	base    mem.PFN
	backing []byte
}

// NewDirectMap allocates a backing arena able to address capacityFrames
// frames starting at base.
func NewDirectMap(base mem.PFN, capacityFrames int) *DirectMap {
	return &DirectMap{base: base, backing: make([]byte, capacityFrames*mem.PGSIZE)}
}

func (d *DirectMap) offset(p mem.Pa_t) int {
	f := p.ToPFN()
	if f < d.base {
		panic("vm.DirectMap: address below managed base")
	}
	idx := int(f-d.base)*mem.PGSIZE + int(p&mem.PGOFFSET)
	if idx < 0 || idx >= len(d.backing) {
		panic("vm.DirectMap: address out of range")
	}
	return idx
}

// Bytes returns a slice over n bytes of physical memory starting at p.
func (d *DirectMap) Bytes(p mem.Pa_t, n int) []byte {
	off := d.offset(p)
	return d.backing[off: off+n]
}

// Table returns the translation-table page located at the (page-aligned)
// physical address p.
func (d *DirectMap) Table(p mem.Pa_t) *Table {
	b := d.Bytes(p.Rounddown(), mem.PGSIZE)
	return (*Table)(unsafe.Pointer(&b[0]))
}

// ZeroTable clears every entry of the table at p; newly allocated
// intermediate tables must be zero-initialised.
func (d *DirectMap) ZeroTable(p mem.Pa_t) {
	t := d.Table(p)
	for i := range t {
		t[i] = 0
	}
}
