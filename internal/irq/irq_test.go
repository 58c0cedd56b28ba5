package irq

import (
	"testing"

	"kaal/internal/defs"
	"kaal/internal/ipc"
	"kaal/internal/sched"
)

// TestIRQRoundTrip: claim a line, deliver, wait, ack, deliver again.
func TestIRQRoundTrip(t *testing.T) {
	sc := sched.NewScheduler(sched.NewTCB())
	budget := new(defs.Sysatomic_t)
	budget.Give(8)
	ctrl := NewIRQControl(budget)
	gic := NewFakeGIC()
	n := ipc.NewNotification()

	h, err := ctrl.Get(33, n, gic)
	if err != 0 {
		t.Fatalf("Get: %v", err)
	}

	driver := sched.NewTCB()
	result := make(chan uint64, 1)
	go func() { result <- n.Wait(driver) }()

	if err := ctrl.Deliver(sc, 33); err != 0 {
		t.Fatalf("Deliver: %v", err)
	}

	got := <-result
	if got&(1<<33) == 0 {
		t.Fatalf("expected bit 33 set, got %#x", got)
	}
	if !gic.IsMasked(33) {
		t.Fatalf("expected IRQ masked after delivery")
	}
	if h.Enabled() {
		t.Fatalf("handler should report disabled while masked")
	}

	if err := h.Ack(); err != 0 {
		t.Fatalf("Ack: %v", err)
	}
	if gic.IsMasked(33) {
		t.Fatalf("expected IRQ unmasked after ack")
	}
	if !h.Enabled() {
		t.Fatalf("handler should report enabled after ack")
	}
}

func TestIRQUniqueness(t *testing.T) {
	ctrl := NewIRQControl(nil)
	gic := NewFakeGIC()
	n := ipc.NewNotification()
	if _, err := ctrl.Get(5, n, gic); err != 0 {
		t.Fatalf("first Get: %v", err)
	}
	if _, err := ctrl.Get(5, n, gic); err != defs.IllegalOperation {
		t.Fatalf("expected IllegalOperation on second claim, got %v", err)
	}
}
