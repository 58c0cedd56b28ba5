// Package irq implements the two-level IRQ authority model: a singleton
// IRQControl capability that gates the creation of per-IRQ IRQHandler
// capabilities, each bound to a Notification and subject to the
// mask-until-ack discipline the GIC enforces (IAR read, mask, EOI,
// unmask). The controller itself sits behind the narrow GIC interface
// below, the same split internal/vm uses for TLB maintenance.
package irq

import (
	"sync"

	"kaal/internal/defs"
	"kaal/internal/ipc"
	"kaal/internal/klog"
	"kaal/internal/sched"
)

// GIC abstracts the Generic Interrupt Controller operations the IRQ
// subsystem drives: masking an IRQ line after delivery (so a second
// interrupt cannot be serviced before the driver acks the first —
// backpressure onto the device), unmasking it again on Ack, and
// signalling end-of-interrupt. A host test build uses FakeGIC; real
// hardware bring-up installs a GICv2/v3 MMIO-backed implementation.
type GIC interface {
	Mask(irq int)
	Unmask(irq int)
	EOI(irq int)
}

// FakeGIC is an in-memory GIC stand-in recording mask/unmask/EOI calls,
// used by tests and by any host build with no real interrupt controller.
type FakeGIC struct {
	mu     sync.Mutex
	masked map[int]bool
	eois   []int
}

func NewFakeGIC() *FakeGIC { return &FakeGIC{masked: make(map[int]bool)} }

func (g *FakeGIC) Mask(irq int) {
	g.mu.Lock()
	g.masked[irq] = true
	g.mu.Unlock()
}

func (g *FakeGIC) Unmask(irq int) {
	g.mu.Lock()
	g.masked[irq] = false
	g.mu.Unlock()
}

func (g *FakeGIC) EOI(irq int) {
	g.mu.Lock()
	g.eois = append(g.eois, irq)
	g.mu.Unlock()
}

func (g *FakeGIC) IsMasked(irq int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.masked[irq]
}

// IRQControl is the singleton authority held by the root task that gates
// IRQHandler allocation.
type IRQControl struct {
	mu       sync.Mutex
	handlers [defs.IRQMax + 1]*IRQHandler
	budget   *defs.Sysatomic_t
}

// NewIRQControl constructs the singleton, drawing from the given handler
// budget (NewKernel passes its own budget of 1024) so exhaustion fails cleanly
// with NotEnoughMemory instead of an unbounded table.
func NewIRQControl(budget *defs.Sysatomic_t) *IRQControl {
	return &IRQControl{budget: budget}
}

// IRQHandler is the per-IRQ capability bound to a notification. Enabled tracks whether the IRQ is currently unmasked at the GIC;
// a driver must Ack before another delivery can be serviced.
type IRQHandler struct {
	IRQ     int
	notif   *ipc.Notification
	gic     GIC
	control *IRQControl
	enabled bool
	mu      sync.Mutex
}

// Get binds irq to notif, returning a fresh IRQHandler. Fails with
// IllegalOperation if irq already has a handler and with
// InvalidArgument if irq is out of range.
func (c *IRQControl) Get(irq int, notif *ipc.Notification, gic GIC) (*IRQHandler, defs.Err_t) {
	if irq < 0 || irq > defs.IRQMax {
		return nil, defs.InvalidArgument
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers[irq] != nil {
		klog.Warnf("irq %d claimed twice", irq)
		return nil, defs.IllegalOperation
	}
	if c.budget != nil && !c.budget.Take(1) {
		return nil, defs.NotEnoughMemory
	}
	h := &IRQHandler{IRQ: irq, notif: notif, gic: gic, control: c, enabled: true}
	c.handlers[irq] = h
	return h, 0
}

// Release removes irq's handler, returning the slot and budget unit for
// reuse — invoked when the last capability referencing the handler is
// revoked.
func (c *IRQControl) Release(irq int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if irq < 0 || irq > defs.IRQMax || c.handlers[irq] == nil {
		return
	}
	c.handlers[irq] = nil
	if c.budget != nil {
		c.budget.Give(1)
	}
}

// Deliver is called by the trap dispatcher's IRQ path on arrival of irq
// at the GIC. It masks
// the line and signals the bound notification's bit 1<<irq.
func (c *IRQControl) Deliver(sc *sched.Scheduler, irq int) defs.Err_t {
	c.mu.Lock()
	h := c.handlers[irq]
	c.mu.Unlock()
	if h == nil {
		return defs.InvalidArgument
	}
	h.mu.Lock()
	h.enabled = false
	h.mu.Unlock()
	h.gic.Mask(irq)
	h.notif.Signal(sc, uint64(1)<<uint(irq))
	return 0
}

// Ack issues EOI to the GIC and unmasks the IRQ, re-enabling delivery. The mask-until-ack discipline
// means a second IRQ on this line cannot be serviced until Ack runs.
func (h *IRQHandler) Ack() defs.Err_t {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gic.EOI(h.IRQ)
	h.gic.Unmask(h.IRQ)
	h.enabled = true
	return 0
}

// Enabled reports whether the IRQ is currently unmasked (serviceable).
func (h *IRQHandler) Enabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled
}
