package vm

import "kaal/internal/mem"

// MMU enable is a boot-only operation: install TTBR1 for
// the kernel's high-half mappings, optionally TTBR0 for the user low half,
// program TCR_EL1 for a 48-bit VA space with the 4 KiB granule, preload
// MAIR_EL1 with the two attribute indices the page-table engine encodes
// against, set the SCTLR M bit, and issue a full TLBI + ISB.
//
// The register values are computed here, portably, so tests can check the
// encodings; the single privileged store sequence that installs them lives
// behind the same hook pattern as HardwareTLB (tlb_hw.go), keeping the
// unsafe surface in the platform bring-up path that owns the EL1 context.

// MMUConfig is the full register set EnableMMU installs.
type MMUConfig struct {
	TTBR0 uint64
	TTBR1 uint64
	TCR   uint64
	MAIR  uint64
}

// TCR_EL1 field encodings for the fixed translation regime:
// T0SZ=T1SZ=16 (48-bit spaces), 4 KiB granule both halves,
// inner-shareable write-back walks.
const (
	tcrT0SZ   uint64 = 16
	tcrT1SZ   uint64 = 16 << 16
	tcrIRGN0  uint64 = 1 << 8  // walk cacheability, write-back
	tcrORGN0  uint64 = 1 << 10
	tcrSH0    uint64 = 3 << 12 // inner shareable
	tcrTG0_4K uint64 = 0 << 14
	tcrIRGN1  uint64 = 1 << 24
	tcrORGN1  uint64 = 1 << 26
	tcrSH1    uint64 = 3 << 28
	tcrTG1_4K uint64 = 2 << 30
	tcrIPS40  uint64 = 2 << 32 // 40-bit physical addresses
)

// TCRValue returns the TCR_EL1 image for the fixed translation regime.
func TCRValue() uint64 {
	return tcrT0SZ | tcrT1SZ | tcrIRGN0 | tcrORGN0 | tcrSH0 | tcrTG0_4K |
		tcrIRGN1 | tcrORGN1 | tcrSH1 | tcrTG1_4K | tcrIPS40
}

// MAIRValue returns the MAIR_EL1 image with index AttrNormal holding
// normal write-back memory (0xFF) and index AttrDevice holding
// Device-nGnRnE (0x00).
func MAIRValue() uint64 {
	return uint64(0xFF) << (8 * uint(AttrNormal))
}

// NewMMUConfig assembles the register set for the given translation roots.
// ttbr0 may be zero when no user half is installed yet (early boot).
func NewMMUConfig(ttbr0, ttbr1 mem.Pa_t) MMUConfig {
	return MMUConfig{
		TTBR0: uint64(ttbr0),
		TTBR1: uint64(ttbr1),
		TCR:   TCRValue(),
		MAIR:  MAIRValue(),
	}
}

// mmuEnableHook executes the privileged install sequence: MSR of the four
// registers above, SCTLR_EL1.M set, TLBI VMALLE1 + DSB ISH + ISB. The
// platform bring-up path installs it once before calling EnableMMU; host
// builds and tests leave it nil.
var mmuEnableHook func(MMUConfig)

// InstallMMUHook wires the privileged enable sequence. Boot only.
func InstallMMUHook(f func(MMUConfig)) {
	mmuEnableHook = f
}

// EnableMMU installs cfg through the platform hook. On a host build with
// no hook this is a documented no-op, so the rest of bring-up can be
// exercised by tests.
func EnableMMU(cfg MMUConfig) {
	if mmuEnableHook != nil {
		mmuEnableHook(cfg)
	}
}
