// Package captype defines the Capability value: the small record every
// CNode slot holds — an object reference, a rights mask, a badge, and
// the slot's place in the Capability Derivation Tree. It is deliberately
// small and import-light (only defs and cdt) so that every other kernel
// package — cnode, the object factory, the scheduler, IPC, IRQ — can
// depend on it without creating an import cycle. Capabilities are plain
// data passed and returned by value, with no behavior beyond simple
// predicates.
package captype

import (
	"kaal/internal/cdt"
	"kaal/internal/defs"
)

// Capability is the value stored in every occupied CNode slot. Object
// holds a pointer to the concrete kernel object (*object.Untyped,
// *object.Frame, *cnode.CSpace, *sched.TCB, *ipc.Endpoint,
// *ipc.Notification, *vm.VSpace, *irq.IRQControl, *irq.IRQHandler) and is
// interpreted according to Type; capability code dispatches on Type via
// a switch, never through a method call on Object, keeping the hot paths
// closed to inlining.
type Capability struct {
	Type   defs.ObjType
	Object interface{}
	Rights defs.Rights
	Badge  uint64
	Node   cdt.NodeID
}

// Null is the zero Capability, occupying an empty slot.
var Null = Capability{Type: defs.ObjNone, Node: cdt.Null}

// IsNull reports whether c occupies an empty slot.
func (c Capability) IsNull() bool {
	return c.Type == defs.ObjNone
}

// Derive produces a child capability over the same object with rights
// newRights, which must be a subset of c.Rights (otherwise it fails with
// InsufficientRights). It does not touch the CDT; the
// caller is responsible for allocating the child's node as c.Node's child
// and assigning the result.
func (c Capability) Derive(newRights defs.Rights, badge uint64, node cdt.NodeID) (Capability, defs.Err_t) {
	if c.IsNull() {
		return Null, defs.InvalidCapability
	}
	if newRights&^c.Rights != 0 {
		return Null, defs.InsufficientRights
	}
	return Capability{
		Type:   c.Type,
		Object: c.Object,
		Rights: newRights,
		Badge:  badge,
		Node:   node,
	}, 0
}

// SameObject reports whether a and b refer to the same underlying kernel
// object (same type and same object value), rather than merely the same
// type.
func (c Capability) SameObject(o Capability) bool {
	return c.Type == o.Type && c.Object == o.Object
}
