package boot

import (
	"bytes"
	"encoding/binary"
	"testing"

	"kaal/internal/defs"
	"kaal/internal/kutil"
	"kaal/internal/mem"
)

// mkFDT assembles a minimal flattened device tree: a root node carrying a
// model property and one memory@ child with a two-cell reg property.
func mkFDT(model string, base, size uint64) []byte {
	var structBlk bytes.Buffer
	u32 := func(v uint32) {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		structBlk.Write(b[:])
	}
	str := func(s string) {
		structBlk.WriteString(s)
		structBlk.WriteByte(0)
		for structBlk.Len()%4 != 0 {
			structBlk.WriteByte(0)
		}
	}
	prop := func(nameoff uint32, val []byte) {
		u32(fdtProp)
		u32(uint32(len(val)))
		u32(nameoff)
		structBlk.Write(val)
		for structBlk.Len()%4 != 0 {
			structBlk.WriteByte(0)
		}
	}

	strings := []byte("model\x00reg\x00bootargs\x00")
	const offModel, offReg, offBootargs = 0, 6, 10

	u32(fdtBeginNode)
	str("") // root
	prop(offModel, append([]byte(model), 0))

	u32(fdtBeginNode)
	str("chosen")
	prop(offBootargs, []byte("console=ttyAMA0\x00"))
	u32(fdtEndNode)

	u32(fdtBeginNode)
	str("memory@40000000")
	reg := make([]byte, 16)
	binary.BigEndian.PutUint64(reg[0:8], base)
	binary.BigEndian.PutUint64(reg[8:16], size)
	prop(offReg, reg)
	u32(fdtEndNode)

	u32(fdtEndNode)
	u32(fdtEnd)

	const hdrLen = 40
	total := hdrLen + structBlk.Len() + len(strings)
	blob := make([]byte, total)
	binary.BigEndian.PutUint32(blob[0:4], fdtMagic)
	binary.BigEndian.PutUint32(blob[4:8], uint32(total))
	binary.BigEndian.PutUint32(blob[8:12], hdrLen)                        // off_dt_struct
	binary.BigEndian.PutUint32(blob[12:16], uint32(hdrLen+structBlk.Len())) // off_dt_strings
	copy(blob[hdrLen:], structBlk.Bytes())
	copy(blob[hdrLen+structBlk.Len():], strings)
	return blob
}

func TestParseFDTExtractsMemoryAndModel(t *testing.T) {
	blob := mkFDT("linux,dummy-virt", 0x4000_0000, 64<<20)
	info, err := ParseFDT(blob)
	if err != 0 {
		t.Fatalf("ParseFDT: %v", err)
	}
	if len(info.Regions) != 1 {
		t.Fatalf("expected 1 memory region, got %d", len(info.Regions))
	}
	r := info.Regions[0]
	if r.Base != 0x4000_0000 || r.Size != 64<<20 {
		t.Fatalf("region = %#x/%#x", r.Base, r.Size)
	}
	if info.Model.String() != "linux,dummy-virt" {
		t.Fatalf("model = %q", info.Model.String())
	}
	if info.BootArgs.String() != "console=ttyAMA0" {
		t.Fatalf("bootargs = %q", info.BootArgs.String())
	}
}

func TestParseFDTRejectsBadMagic(t *testing.T) {
	blob := mkFDT("x", 0, 1<<20)
	blob[0] = 0xff
	if _, err := ParseFDT(blob); err != defs.InvalidArgument {
		t.Fatalf("bad magic: got %v, want InvalidArgument", err)
	}
}

func TestParseFDTRejectsTruncatedBlob(t *testing.T) {
	blob := mkFDT("x", 0, 1<<20)
	if _, err := ParseFDT(blob[:39]); err != defs.InvalidArgument {
		t.Fatalf("short blob: got %v, want InvalidArgument", err)
	}
	// Truncated struct block: header promises more than the slice holds.
	binary.BigEndian.PutUint32(blob[4:8], uint32(len(blob)+100))
	if _, err := ParseFDT(blob); err != defs.InvalidArgument {
		t.Fatalf("oversized totalsize: got %v, want InvalidArgument", err)
	}
}

func TestBootInfoTablesAreBounded(t *testing.T) {
	bi := NewBootInfo()
	for i := 0; i < defs.MaxUntypedRegions; i++ {
		if err := bi.AddUntyped(UntypedDesc{Base: uint64(i)}); err != 0 {
			t.Fatalf("AddUntyped %d: %v", i, err)
		}
	}
	if err := bi.AddUntyped(UntypedDesc{}); err != defs.NotEnoughMemory {
		t.Fatalf("overflow: got %v, want NotEnoughMemory", err)
	}
}

func TestBootInfoMarshalFixedOffsets(t *testing.T) {
	bi := NewBootInfo()
	bi.RamSize = 64 << 20
	bi.CSpaceRootSlot = SlotCSpaceRoot
	bi.IpcBufferVaddr = IpcBufferVaddr
	bi.AddUntyped(UntypedDesc{Base: 0x123000, SizeBits: 21, Device: true})
	bi.AddInitialCap(InitialCapDesc{Slot: 0, Type: defs.ObjIRQControl})

	b := bi.Marshal()
	if len(b) != BootInfoSize {
		t.Fatalf("marshal length = %d, want %d", len(b), BootInfoSize)
	}
	if got := kutil.Readn(b, 4, biOffMagic); got != 0x4B41414C {
		t.Fatalf("magic = %#x", got)
	}
	if got := kutil.Readn(b, 4, biOffVersion); got != 1 {
		t.Fatalf("version = %d", got)
	}
	if got := kutil.Readn(b, 8, biOffRamSize); got != 64<<20 {
		t.Fatalf("ram size = %d", got)
	}
	if got := kutil.Readn(b, 8, biOffUntyped); got != 0x123000 {
		t.Fatalf("untyped[0].base = %#x", got)
	}
	if got := kutil.Readn(b, 4, biOffUntyped+8); got != 21 {
		t.Fatalf("untyped[0].size_bits = %d", got)
	}
	if got := kutil.Readn(b, 4, biOffUntyped+12); got != 1 {
		t.Fatalf("untyped[0].is_device = %d", got)
	}
	if got := kutil.Readn(b, 1, biOffInitialCaps+2); got != uint64(defs.ObjIRQControl) {
		t.Fatalf("initialcaps[0].type = %d", got)
	}
}

// testFrames sizes the synthetic machine: 32 MiB of RAM at physical 0.
const testFrames = 8192

func bootTestKernel(t *testing.T) (*Kernel, *Process, *BootInfo) {
	t.Helper()
	var console bytes.Buffer
	k := NewKernel(KernelConfig{Frames: testFrames, Console: &console})
	root, bi, err := Init(k, InitConfig{
		DTB:             mkFDT("kaal,test-board", 0, uint64(testFrames)*uint64(mem.PGSIZE)),
		KernelFootprint: MemoryRegion{Base: 0, Size: 1 << 20},
		Devices:         map[uint64]mem.Pa_t{1: 0x0900_0000},
		RootEntry:       0x20_0000,
		RootSP:          0x40_0000,
		RootPriority:    100,
	})
	if err != 0 {
		t.Fatalf("Init: %v", err)
	}
	return k, root, bi
}

func TestInitBuildsRootTask(t *testing.T) {
	k, root, bi := bootTestKernel(t)

	if bi.Magic != 0x4B41414C || bi.Version != 1 {
		t.Fatalf("bootinfo self-description wrong: %+v", bi)
	}
	if bi.NumUntyped == 0 {
		t.Fatal("expected at least one untyped region enumerated")
	}
	if bi.NumDevice != 1 {
		t.Fatalf("expected 1 device region, got %d", bi.NumDevice)
	}

	// IRQControl at slot 0 by convention.
	c, err := root.CSpace.Get(SlotIRQControl)
	if err != 0 || c.Type != defs.ObjIRQControl {
		t.Fatalf("slot 0 = %+v err=%v, want IRQControl", c, err)
	}
	if c, err := root.CSpace.Get(SlotFirstUntyped); err != 0 || c.Type != defs.ObjUntyped {
		t.Fatalf("slot %d should hold the first untyped", SlotFirstUntyped)
	}

	// Root TCB is Runnable and is the scheduler's first pick.
	if got := k.Sched.Schedule(); got != root.TCB {
		t.Fatal("root task should be the first scheduled thread")
	}

	// The BootInfo page is mapped read-only at its well-known address
	// with the marshaled record in it.
	pa, ok := root.VSpace.Translate(mem.Va_t(BootInfoVaddr))
	if !ok {
		t.Fatal("bootinfo page not mapped")
	}
	got := k.DM.Bytes(pa, 4)
	if kutil.Readn(got, 4, 0) != 0x4B41414C {
		t.Fatalf("bootinfo page does not start with magic: % x", got)
	}
	if _, ok := root.VSpace.Translate(mem.Va_t(IpcBufferVaddr)); !ok {
		t.Fatal("ipc buffer page not mapped")
	}
}

func TestInitRejectsBadDTB(t *testing.T) {
	k := NewKernel(KernelConfig{Frames: 64})
	if _, _, err := Init(k, InitConfig{DTB: nil}); err != defs.InvalidArgument {
		t.Fatalf("empty DTB: got %v, want InvalidArgument", err)
	}
}

func TestUARTTranslatesNewlines(t *testing.T) {
	mmio := NewRecordingMMIO()
	u := NewUART(mmio)
	u.Write([]byte("ok\n"))
	if string(mmio.Stores) != "ok\r\n" {
		t.Fatalf("uart stores = %q", mmio.Stores)
	}
}
