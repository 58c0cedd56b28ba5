//go:build arm64

package vm

import "kaal/internal/mem"

// HardwareTLB issues the real ARMv8-A TLB-invalidate-and-barrier sequence.
// It is only built for GOARCH=arm64 — the architecture split lives in the
// build constraint rather than behind runtime checks.
//
// tlbiVAE1ISHook is installed by the platform bring-up code with a
// function that executes "TLBI VAE1IS, Xn; DSB ISH; ISB" for the given
// VA (shifted per the architecture's VA-to-TLBI-operand convention);
// this package itself contains no inline assembly, keeping the unsafe
// surface entirely in the platform init path that owns the EL1 execution
// context.
type HardwareTLB struct{}

var tlbiVAE1ISHook func(va uint64)

// InstallTLBIHook is called once during boot to wire the real barrier
// sequence; tests and host tooling never call it, so HardwareTLB.
// InvalidateVA is a documented no-op until a platform installs one.
func InstallTLBIHook(f func(va uint64)) {
	tlbiVAE1ISHook = f
}

func (HardwareTLB) InvalidateVA(_ mem.Pa_t, va mem.Va_t) {
	if tlbiVAE1ISHook != nil {
		tlbiVAE1ISHook(uint64(va))
	}
}
