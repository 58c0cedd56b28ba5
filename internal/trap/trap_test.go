package trap

import (
	"testing"

	"kaal/internal/defs"
	"kaal/internal/sched"
)

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	sc := sched.NewScheduler(sched.NewTCB())
	d := NewDispatcher(sc)

	var gotArgs [6]uint64
	d.Register(SysYield, func(tcb *sched.TCB, args [6]uint64) (uint64, bool) {
		gotArgs = args
		return 0, true
	})

	tcb := sched.NewTCB()
	tcb.Trap.ESREL1 = ECSvc64 << 26
	tcb.Trap.X[8] = SysYield
	tcb.Trap.X[0] = 42

	resched := d.Dispatch(tcb)
	if !resched {
		t.Fatalf("expected reschedule true")
	}
	if gotArgs[0] != 42 {
		t.Fatalf("expected arg x0=42, got %d", gotArgs[0])
	}
	if tcb.Trap.X[0] != 0 {
		t.Fatalf("expected return value 0 in x0, got %d", tcb.Trap.X[0])
	}
}

func TestDispatchUnknownSyscallReturnsErrNoReturn(t *testing.T) {
	sc := sched.NewScheduler(sched.NewTCB())
	d := NewDispatcher(sc)

	tcb := sched.NewTCB()
	tcb.Trap.ESREL1 = ECSvc64 << 26
	tcb.Trap.X[8] = 0xdead

	if d.Dispatch(tcb) {
		t.Fatalf("expected no reschedule on unknown syscall")
	}
	if tcb.Trap.X[0] != defs.ErrNoReturn {
		t.Fatalf("expected ErrNoReturn in x0, got %#x", tcb.Trap.X[0])
	}
}

func TestDispatchAbortInvokesFaultCallbackWhenSet(t *testing.T) {
	sc := sched.NewScheduler(sched.NewTCB())
	d := NewDispatcher(sc)

	var gotESR, gotFAR, gotELR uint64
	var called bool
	d.OnFault(func(tcb *sched.TCB, esr, far, elr uint64, insn []byte) {
		called = true
		gotESR, gotFAR, gotELR = esr, far, elr
	})

	tcb := sched.NewTCB()
	tcb.Trap.ESREL1 = ECDataAbortLowerEL << 26
	tcb.Trap.FAREL1 = 0x1000
	tcb.Trap.ELREL1 = 0x2000

	if !d.Dispatch(tcb) {
		t.Fatalf("expected reschedule true on abort")
	}
	if !called {
		t.Fatalf("expected fault callback to run")
	}
	if gotFAR != 0x1000 || gotELR != 0x2000 {
		t.Fatalf("unexpected fault args: far=%#x elr=%#x", gotFAR, gotELR)
	}
	if ecFromESR(gotESR) != ECDataAbortLowerEL {
		t.Fatalf("unexpected esr passed through: %#x", gotESR)
	}
}

func TestDispatchAbortForcesInactiveWithoutFaultCallback(t *testing.T) {
	sc := sched.NewScheduler(sched.NewTCB())
	d := NewDispatcher(sc)

	tcb := sched.NewTCB()
	tcb.Trap.ESREL1 = ECInsnAbortSameEL << 26

	d.Dispatch(tcb)
	if tcb.State() != sched.Inactive {
		t.Fatalf("expected thread forced Inactive, got %v", tcb.State())
	}
}

func TestDescribeFaultHandlesUndecodableBytes(t *testing.T) {
	s := DescribeFault(0, 0, 0, []byte{0xff, 0xff, 0xff, 0xff})
	if s == "" {
		t.Fatalf("expected non-empty fault description")
	}
}
