// Package vm implements the Page-Table Engine and the per-process
// Address-Space Manager for the four-level ARMv8-A translation table
// format. The mapping contract is deliberately plain: map/unmap/remap
// with no copy-on-write, no reclamation of intermediate tables, and any
// map onto a valid entry failing outright.
package vm

import "kaal/internal/mem"

// PTE is one ARMv8-A translation table entry (TTD), in the VMSAv8-64
// descriptor format: VALID, TABLE_OR_PAGE, AttrIndx[4:2], AP[7:6],
// SH[9:8], AF, nG, output-address[47:12], PXN, UXN.
type PTE uint64

const (
	PTE_VALID Pa_mask = 1 << 0
	// PTE_TABLE distinguishes a table descriptor (1) from a block
	// descriptor (0) at L1/L2; at L3 this bit must be 1 for a valid page
	// descriptor.
	PTE_TABLE Pa_mask = 1 << 1
	PTE_PAGE  Pa_mask = PTE_TABLE

	attrIndxShift = 2
	attrIndxMask  = 0x7 << attrIndxShift

	apShift = 6
	apMask  = 0x3 << apShift
	// AP[2]=1 marks the page read-only to EL0/EL1; AP[1]=1 marks it
	// EL0-accessible. The kernel only ever sets the EL0-accessible bit
	// and the read-only bit; it never installs EL-higher-only encodings
	// through this engine (those belong to the kernel's own mappings,
	// installed once at boot with a fixed constant, see EnableMMU).
	apUserBit     Pa_mask = 1 << (apShift + 0)
	apReadOnlyBit Pa_mask = 1 << (apShift + 1)

	shShift = 8
	shMask  = 0x3 << shShift
	shInner Pa_mask = 0x3 << shShift

	PTE_AF Pa_mask = 1 << 10
	PTE_NG Pa_mask = 1 << 11

	addrMask Pa_mask = 0x0000fffffffff000

	PTE_PXN Pa_mask = 1 << 53
	PTE_UXN Pa_mask = 1 << 54
)

// Pa_mask is the name PTE bit masks are declared with. It is an alias of
// PTE, not a distinct type, so masks combine with PTE values directly.
type Pa_mask = PTE

// MAIR_EL1 attribute indices pre-installed at boot.
const (
	AttrNormal uint8 = 0 // write-back, inner-shareable
	AttrDevice uint8 = 1 // nGnRnE
)

// Attrs describes the permissions and memory type requested for a mapping;
// Map/Remap translate this into the raw PTE bit pattern.
type Attrs struct {
	Writable bool
	UXN      bool // user execute-never
	PXN      bool // privileged execute-never
	Device   bool // true selects the DEVICE MAIR index (uncached)
}

func (a Attrs) encode() PTE {
	var p PTE
	p |= PTE(PTE_VALID | PTE_PAGE | PTE_AF | apUserBit)
	if !a.Writable {
		p |= PTE(apReadOnlyBit)
	}
	if a.Device {
		p |= PTE(AttrDevice) << attrIndxShift
		p |= PTE(PTE_UXN | PTE_PXN) // device memory is never executable
	} else {
		p |= PTE(AttrNormal) << attrIndxShift
		p |= PTE(shInner)
		if a.UXN {
			p |= PTE(PTE_UXN)
		}
		if a.PXN {
			p |= PTE(PTE_PXN)
		}
	}
	return p
}

// Valid reports whether the VALID bit is set.
func (p PTE) Valid() bool { return p&PTE(PTE_VALID) != 0 }

// Addr extracts the output address (next-level table, or final frame).
func (p PTE) Addr() mem.Pa_t { return mem.Pa_t(p & PTE(addrMask)) }

// Writable reports whether the entry's AP bits permit writes.
func (p PTE) Writable() bool { return p&PTE(apReadOnlyBit) == 0 }

func mkTableEntry(next mem.Pa_t) PTE {
	return PTE(next)&PTE(addrMask) | PTE(PTE_VALID|PTE_TABLE)
}

func mkLeafEntry(frame mem.Pa_t, a Attrs) PTE {
	return PTE(frame)&PTE(addrMask) | a.encode()
}

// Table is one 4 KiB, 512-entry translation table page (L0..L3 all share
// this shape in the 4 KiB granule).
type Table [512]PTE

// Level identifies one of the four translation-table levels.
type Level int

const (
	L0 Level = iota
	L1
	L2
	L3
	NumLevels
)

// shiftOf returns the VA bit shift for the index at the given level:
// L0 spans 512 GiB per entry, L3 4 KiB.
func shiftOf(l Level) uint {
	switch l {
	case L0:
		return 39
	case L1:
		return 30
	case L2:
		return 21
	case L3:
		return 12
	default:
		panic("vm: bad level")
	}
}

// indexAt extracts the 9-bit table index for va at level l.
func indexAt(va mem.Va_t, l Level) int {
	return int((uint64(va) >> shiftOf(l)) & 0x1ff)
}
