package boot

import (
	"fmt"
	"math/bits"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/cpu"

	"kaal/internal/captype"
	"kaal/internal/cdt"
	"kaal/internal/defs"
	"kaal/internal/klog"
	"kaal/internal/kutil"
	"kaal/internal/mem"
	"kaal/internal/object"
	"kaal/internal/vm"
)

// Well-known root-task virtual addresses: the BootInfo page and, one
// page below it, the root task's IPC buffer.
const (
	BootInfoVaddr  = 0x7FFF_F000
	IpcBufferVaddr = BootInfoVaddr - uint64(mem.PGSIZE)
)

// Root-task initial CSpace conventions: IRQControl at slot 0, then a
// capability to the root CSpace itself, the root VSpace, and the
// enumerated untypeds following.
const (
	SlotIRQControl   = 0
	SlotCSpaceRoot   = 1
	SlotVSpaceRoot   = 2
	SlotFirstUntyped = 3
)

// kernelPoolFrames is how many free frames stay behind in the PMM for the
// kernel's own page-table and bookkeeping allocations; every other free
// frame is handed to the root task as Untyped authority.
const kernelPoolFrames = 1024

// kernelUntypedBits sizes the kernel-held Untyped that charges
// kernel-created objects (4 MiB).
const kernelUntypedBits = 22

// InitConfig carries what the bootloader hands the kernel entry, plus
// the physical footprints to reserve before any allocation happens.
type InitConfig struct {
	DTB []byte

	KernelFootprint     MemoryRegion
	BootloaderFootprint MemoryRegion
	DTBFootprint        MemoryRegion

	// Devices maps a device id to its MMIO base, resolved by the
	// Device_Request syscall; populated by the platform from the DTB's
	// device nodes.
	Devices map[uint64]mem.Pa_t

	RootEntry    uint64
	RootSP       uint64
	RootPriority uint8
}

// Init runs the boot protocol: console up, DTB parsed, frame allocator
// fed and trimmed, MMU enabled, BootInfo built and mapped, the root
// task's initial CSpace populated, and its TCB made Runnable. On return
// the caller enters the scheduler loop.
func Init(k *Kernel, cfg InitConfig) (*Process, *BootInfo, defs.Err_t) {
	// The order-insensitive parts of bring-up run together and any
	// failure aborts the others; everything after the Wait is strictly
	// ordered (the MMU must not come up before memory is discovered).
	var info *Info
	var g errgroup.Group
	g.Go(func() error {
		parsed, err := ParseFDT(cfg.DTB)
		if err != 0 {
			return err
		}
		info = parsed
		return nil
	})
	g.Go(func() error {
		logCPUFeatures()
		return nil
	})
	g.Go(func() error {
		if k.Console != nil {
			fmt.Fprintf(k.Console, "kaal: booting\n")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		klog.Printf("boot: %v", err)
		return nil, nil, err.(defs.Err_t)
	}

	if len(info.Regions) == 0 {
		return nil, nil, defs.InvalidArgument
	}
	if !info.Model.Empty() {
		klog.Printf("boot: model %q", info.Model.String())
	}
	if !info.BootArgs.Empty() {
		klog.Printf("boot: bootargs %q", info.BootArgs.String())
	}

	var ramSize uint64
	for _, r := range info.Regions {
		k.PMM.AddRegion(r.Base, int(r.Size))
		ramSize += r.Size
	}
	for _, r := range []MemoryRegion{cfg.KernelFootprint, cfg.BootloaderFootprint, cfg.DTBFootprint} {
		if r.Size > 0 {
			k.PMM.ReserveRegion(r.Base, int(r.Size))
		}
	}

	// Kernel mappings and MMU enable. The kernel's high-half root is a
	// fresh table; the user half is installed per-process at context
	// switch via each TCB's saved TTBR0.
	kroot, err := k.Engine.NewRoot()
	if err != 0 {
		return nil, nil, err
	}
	vm.EnableMMU(vm.NewMMUConfig(0, kroot))

	// Kernel-held untyped for kernel-created objects.
	kuFrames := 1 << (kernelUntypedBits - int(mem.PGSHIFT))
	kuPFN, ok := k.PMM.AllocRange(kuFrames)
	if !ok {
		return nil, nil, defs.NotEnoughMemory
	}
	k.kernelUntyped = object.NewUntyped(kuPFN.Addr(), kernelUntypedBits)

	root, err := k.NewProcess(rootProcCSpaceBits)
	if err != 0 {
		return nil, nil, err
	}
	root.TCB.Priority = cfg.RootPriority
	root.TCB.Trap.ELREL1 = cfg.RootEntry
	root.TCB.Trap.SPEL0 = cfg.RootSP

	bi := NewBootInfo()
	bi.RamSize = ramSize
	kernelVirtBaseMask := ^uint64(0)
	bi.KernelVirtBase = kernelVirtBaseMask << 47 // TTBR1 half
	bi.UserVirtStart = uint64(vm.UserWindowBase)
	bi.CSpaceRootSlot = SlotCSpaceRoot
	bi.VSpaceRootSlot = SlotVSpaceRoot
	bi.IpcBufferVaddr = IpcBufferVaddr

	// Initial capabilities: IRQControl at slot 0 by convention, then the
	// root task's own CSpace and VSpace roots.
	if err := k.insertBootCap(root, SlotIRQControl, defs.ObjIRQControl, k.IRQCtl, bi); err != 0 {
		return nil, nil, err
	}
	if err := k.insertBootCap(root, SlotCSpaceRoot, defs.ObjCNode, root.CSpace, bi); err != 0 {
		return nil, nil, err
	}
	if err := k.insertBootCap(root, SlotVSpaceRoot, defs.ObjVSpaceRoot, root.VSpace, bi); err != 0 {
		return nil, nil, err
	}

	if err := k.carveUntypeds(root, bi); err != 0 {
		return nil, nil, err
	}

	for id, base := range cfg.Devices {
		k.RegisterDevice(id, base)
		if err := bi.AddDevice(DeviceDesc{Base: uint64(base), Size: uint64(mem.PGSIZE)}); err != 0 {
			return nil, nil, err
		}
	}

	if err := k.mapRootPages(root, bi); err != 0 {
		return nil, nil, err
	}

	klog.Printf("boot: %s", bi)
	if k.Console != nil {
		fmt.Fprintf(k.Console, "kaal: %s\n", bi)
	}

	k.Sched.Enqueue(root.TCB)
	return root, bi, 0
}

// insertBootCap installs a root capability into the root task's CSpace
// and records it in BootInfo's initial-cap table.
func (k *Kernel) insertBootCap(p *Process, slot int, typ defs.ObjType, obj interface{}, bi *BootInfo) defs.Err_t {
	node, err := k.Pool.New(cdt.Null)
	if err != 0 {
		return err
	}
	cap := captype.Capability{Type: typ, Object: obj, Rights: defs.AllRights, Node: node}
	if err := p.CSpace.InsertRoot(slot, cap); err != 0 {
		return err
	}
	return bi.AddInitialCap(InitialCapDesc{Slot: slot, Type: typ})
}

// carveUntypeds hands every free frame beyond the kernel pool to the root
// task as Untyped capabilities, largest power-of-two runs first. The
// frames move from the PMM's free pool into the Untypeds' ownership,
// preserving frame exclusivity: a frame is free
// in the allocator, inside exactly one Untyped, or allocated out.
func (k *Kernel) carveUntypeds(root *Process, bi *BootInfo) defs.Err_t {
	slot := SlotFirstUntyped
	for k.PMM.FreeCount() > kernelPoolFrames && int(bi.NumUntyped) < defs.MaxUntypedRegions {
		avail := k.PMM.FreeCount() - kernelPoolFrames
		frames := 1 << (bits.Len(uint(avail)) - 1)
		var pfn mem.PFN
		ok := false
		for frames >= 1 {
			if pfn, ok = k.PMM.AllocRange(frames); ok {
				break
			}
			frames >>= 1
		}
		if !ok {
			break
		}
		sizeBits := uint(bits.TrailingZeros(uint(frames))) + mem.PGSHIFT
		u := object.NewUntyped(pfn.Addr(), sizeBits)
		node, err := k.Pool.New(cdt.Null)
		if err != 0 {
			return err
		}
		cap := captype.Capability{Type: defs.ObjUntyped, Object: u, Rights: defs.AllRights, Node: node}
		if err := root.CSpace.InsertRoot(slot, cap); err != 0 {
			return err
		}
		if err := bi.AddUntyped(UntypedDesc{Base: uint64(pfn.Addr()), SizeBits: uint8(sizeBits)}); err != 0 {
			return err
		}
		if err := bi.AddInitialCap(InitialCapDesc{Slot: slot, Type: defs.ObjUntyped}); err != 0 {
			return err
		}
		slot++
	}
	return 0
}

// mapRootPages places the IPC-buffer and BootInfo pages at their
// well-known addresses: the buffer read-write, the BootInfo record
// read-only with the marshaled bytes already in the frame.
func (k *Kernel) mapRootPages(root *Process, bi *BootInfo) defs.Err_t {
	ipcPFN, ok := k.PMM.Alloc()
	if !ok {
		return defs.NotEnoughMemory
	}
	if err := root.VSpace.MapPage(mem.Va_t(IpcBufferVaddr), ipcPFN, true, true); err != 0 {
		return err
	}
	root.TCB.IPCBuffer = IpcBufferVaddr

	biPFN, ok := k.PMM.Alloc()
	if !ok {
		return defs.NotEnoughMemory
	}
	blob := bi.Marshal()
	copy(k.DM.Bytes(biPFN.Addr(), len(blob)), blob)
	return root.VSpace.MapPage(mem.Va_t(BootInfoVaddr), biPFN, false, true)
}

// logCPUFeatures reports the host CPU's ARM64 feature flags to the kernel
// log, the diagnostic parity for what MIDR/ID-register probing reports on
// hardware. On a non-arm64 test host every flag reads false and the line
// is skipped.
func logCPUFeatures() {
	feats := []struct {
		name string
		on   bool
	}{
		{"aes", cpu.ARM64.HasAES},
		{"pmull", cpu.ARM64.HasPMULL},
		{"sha2", cpu.ARM64.HasSHA2},
		{"crc32", cpu.ARM64.HasCRC32},
		{"atomics", cpu.ARM64.HasATOMICS},
	}
	line := ""
	for _, f := range feats {
		if f.on {
			if line != "" {
				line += " "
			}
			line += f.name
		}
	}
	if line != "" {
		klog.Printf("boot: cpu features: %s", line)
	}
}

// BootInfo wire layout offsets. The record is 3672 bytes and fits the
// single page mapped at BootInfoVaddr.
const (
	biOffMagic          = 0
	biOffVersion        = 4
	biOffNumUntyped     = 8
	biOffNumDevice      = 12
	biOffNumInitialCaps = 16
	// three reserved u32 words at 20, 24, 28
	biOffCSpaceRootSlot  = 32
	biOffVSpaceRootSlot  = 40
	biOffIpcBufferVaddr  = 48
	biOffRamSize         = 56
	biOffKernelVirtBase  = 64
	biOffUserVirtStart   = 72
	biOffIrqControlPaddr = 80
	biOffUntyped         = 88   // 128 entries x 16 bytes
	biOffDevice          = 2136 // 32 entries x 16 bytes
	biOffInitialCaps     = 2648 // 256 entries x 4 bytes

	// BootInfoSize is the full marshaled record length.
	BootInfoSize = 3672
)

// Marshal encodes the record at the fixed offsets above, little-endian,
// so a C root task reads it as a packed struct.
func (bi *BootInfo) Marshal() []byte {
	b := make([]byte, BootInfoSize)
	kutil.Writen(b, 4, biOffMagic, uint64(bi.Magic))
	kutil.Writen(b, 4, biOffVersion, uint64(bi.Version))
	kutil.Writen(b, 4, biOffNumUntyped, uint64(bi.NumUntyped))
	kutil.Writen(b, 4, biOffNumDevice, uint64(bi.NumDevice))
	kutil.Writen(b, 4, biOffNumInitialCaps, uint64(bi.NumInitialCaps))
	kutil.Writen(b, 8, biOffCSpaceRootSlot, uint64(bi.CSpaceRootSlot))
	kutil.Writen(b, 8, biOffVSpaceRootSlot, uint64(bi.VSpaceRootSlot))
	kutil.Writen(b, 8, biOffIpcBufferVaddr, bi.IpcBufferVaddr)
	kutil.Writen(b, 8, biOffRamSize, bi.RamSize)
	kutil.Writen(b, 8, biOffKernelVirtBase, bi.KernelVirtBase)
	kutil.Writen(b, 8, biOffUserVirtStart, bi.UserVirtStart)
	kutil.Writen(b, 8, biOffIrqControlPaddr, bi.IrqControlPaddr)
	for i := 0; i < int(bi.NumUntyped); i++ {
		off := biOffUntyped + i*16
		d := bi.UntypedRegions[i]
		kutil.Writen(b, 8, off, d.Base)
		kutil.Writen(b, 4, off+8, uint64(d.SizeBits))
		if d.Device {
			kutil.Writen(b, 4, off+12, 1)
		}
	}
	for i := 0; i < int(bi.NumDevice); i++ {
		off := biOffDevice + i*16
		kutil.Writen(b, 8, off, bi.DeviceRegions[i].Base)
		kutil.Writen(b, 8, off+8, bi.DeviceRegions[i].Size)
	}
	for i := 0; i < int(bi.NumInitialCaps); i++ {
		off := biOffInitialCaps + i*4
		kutil.Writen(b, 2, off, uint64(bi.InitialCaps[i].Slot))
		kutil.Writen(b, 1, off+2, uint64(bi.InitialCaps[i].Type))
	}
	return b
}
