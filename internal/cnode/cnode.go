// Package cnode implements the CNode/CSpace slot array and its mutating
// operations: insert, delete, copy, mint, move, revoke, derive. The
// current design uses flat CSpaces — no guarded lookup, no
// CNode-of-CNodes tree — so a slot index is the direct array index into a
// single CNode's slot slice.
//
// A CSpace is the same shape as a classic per-process fd table: one
// mutex guarding one flat array of slots, with exclusive access required
// for any mutation. No hashtable, no tree.
package cnode

import (
	"sync"
	"unsafe"

	"kaal/internal/captype"
	"kaal/internal/cdt"
	"kaal/internal/defs"
	"kaal/internal/kdebug"
	"kaal/internal/klog"
)

// strayNodes rate-limits reporting of CDT nodes that reach a Revoke
// traversal with no owning slot in the registry. Every node is
// registered when its capability is installed, so a miss means the
// registry and the derivation tree have diverged — worth one kernel-log
// entry per distinct call chain, not one per revoked descendant.
var strayNodes kdebug.DistinctCaller

func init() {
	strayNodes.Enable()
}

// CSpace is one CNode: 2^SizeBits capability slots, backed by a CDT pool
// shared across every CSpace in the system (capabilities can be copied
// or minted across process boundaries, so the derivation forest is not
// per-CSpace).
type CSpace struct {
	mu       sync.Mutex
	SizeBits uint
	slots    []captype.Capability
	pool     *cdt.Pool
}

// MinSizeBits/MaxSizeBits bound a CNode's size: size_bits in [4, 12].
const (
	MinSizeBits = 4
	MaxSizeBits = 12
)

// registry maps a live CDT node back to the (CSpace, slot) that owns it,
// so that a Revoke issued through one CSpace can clear descendant slots
// living in other CSpaces. A real seL4-style kernel gets this for free
// because CDT nodes and CNode slots are the same memory; here the CDT
// pool (kaal/internal/cdt) intentionally holds no capability data (see
// that package's doc comment, to keep it import-cycle-free of captype),
// so cnode keeps the reverse mapping itself.
var registry = struct {
	mu sync.Mutex
	m  map[cdt.NodeID]slotRef
}{m: make(map[cdt.NodeID]slotRef)}

type slotRef struct {
	cs   *CSpace
	slot int
}

func registerLocked(node cdt.NodeID, cs *CSpace, slot int) {
	registry.mu.Lock()
	registry.m[node] = slotRef{cs, slot}
	registry.mu.Unlock()
}

func unregisterLocked(node cdt.NodeID) {
	registry.mu.Lock()
	delete(registry.m, node)
	registry.mu.Unlock()
}

// New constructs a CSpace with 2^sizeBits slots, backed by the given CDT
// pool. sizeBits must be in [MinSizeBits, MaxSizeBits].
func New(sizeBits uint, pool *cdt.Pool) (*CSpace, defs.Err_t) {
	if sizeBits < MinSizeBits || sizeBits > MaxSizeBits {
		return nil, defs.InvalidArgument
	}
	return &CSpace{
		SizeBits: sizeBits,
		slots:    make([]captype.Capability, 1<<sizeBits),
		pool:     pool,
	}, 0
}

func (cs *CSpace) bounds(slot int) defs.Err_t {
	if slot < 0 || slot >= len(cs.slots) {
		return defs.InvalidArgument
	}
	return 0
}

// Get returns the capability currently in slot, for read-only inspection
// (e.g. the trap dispatcher resolving a syscall argument capability).
func (cs *CSpace) Get(slot int) (captype.Capability, defs.Err_t) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err := cs.bounds(slot); err != 0 {
		return captype.Null, err
	}
	c := cs.slots[slot]
	if c.IsNull() {
		return captype.Null, defs.FailedLookup
	}
	return c, 0
}

// AllocSlot returns the index of the first empty slot, for the
// Cap_Allocate/Endpoint_Create syscalls that must pick a destination slot
// on the caller's behalf. Fails with NotEnoughMemory when every slot is
// occupied. The slot is not reserved — the caller holds the kernel's
// single execution context, so the subsequent insert cannot
// race another allocator.
func (cs *CSpace) AllocSlot() (int, defs.Err_t) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for i := range cs.slots {
		if cs.slots[i].IsNull() {
			return i, 0
		}
	}
	return 0, defs.NotEnoughMemory
}

// InsertRoot places a freshly-minted root capability (no CDT parent,
// e.g. an Untyped enumerated at boot) into slot. The slot must be empty.
func (cs *CSpace) InsertRoot(slot int, cap captype.Capability) defs.Err_t {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err := cs.bounds(slot); err != 0 {
		return err
	}
	if !cs.slots[slot].IsNull() {
		return defs.SlotOccupied
	}
	cs.slots[slot] = cap
	registerLocked(cap.Node, cs, slot)
	return 0
}

// Delete clears slot without touching any descendant in the CDT. Descendants remain
// live in the CDT, still reachable from a Revoke of one of their own
// ancestors; only this slot's claim on the capability is removed.
func (cs *CSpace) Delete(slot int) defs.Err_t {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err := cs.bounds(slot); err != 0 {
		return err
	}
	c := cs.slots[slot]
	if c.IsNull() {
		return defs.SlotEmpty
	}
	cs.slots[slot] = captype.Null
	unregisterLocked(c.Node)
	return 0
}

// Copy duplicates the capability at (src, srcSlot) into (dst, dstSlot)
// as a sibling sharing the source's CDT parent. Rights and badge are preserved unchanged.
func Copy(src *CSpace, srcSlot int, dst *CSpace, dstSlot int) defs.Err_t {
	unlock := lockPair(src, dst)
	defer unlock()

	if err := src.bounds(srcSlot); err != 0 {
		return err
	}
	if err := dst.bounds(dstSlot); err != 0 {
		return err
	}
	sc := src.slots[srcSlot]
	if sc.IsNull() {
		return defs.InvalidSource
	}
	if !dst.slots[dstSlot].IsNull() {
		return defs.SlotOccupied
	}
	parent := src.pool.Parent(sc.Node)
	node, err := src.pool.New(parent)
	if err != 0 {
		return err
	}
	child := captype.Capability{Type: sc.Type, Object: sc.Object, Rights: sc.Rights, Badge: sc.Badge, Node: node}
	dst.slots[dstSlot] = child
	registerLocked(node, dst, dstSlot)
	return 0
}

// Mint derives a badged, rights-reduced child of (src, srcSlot) into
// (dst, dstSlot). newRights must be a subset of the source's rights.
func Mint(src *CSpace, srcSlot int, dst *CSpace, dstSlot int, newRights defs.Rights, badge uint64) defs.Err_t {
	unlock := lockPair(src, dst)
	defer unlock()

	if err := src.bounds(srcSlot); err != 0 {
		return err
	}
	if err := dst.bounds(dstSlot); err != 0 {
		return err
	}
	sc := src.slots[srcSlot]
	if sc.IsNull() {
		return defs.InvalidSource
	}
	if !dst.slots[dstSlot].IsNull() {
		return defs.SlotOccupied
	}
	node, err := src.pool.New(sc.Node)
	if err != 0 {
		return err
	}
	child, err := sc.Derive(newRights, badge, node)
	if err != 0 {
		src.pool.Revoke(node, func(cdt.NodeID) {})
		return err
	}
	dst.slots[dstSlot] = child
	registerLocked(node, dst, dstSlot)
	return 0
}

// Derive is Mint without a badge — a plain rights-reduced child.
func Derive(src *CSpace, srcSlot int, dst *CSpace, dstSlot int, newRights defs.Rights) defs.Err_t {
	return Mint(src, srcSlot, dst, dstSlot, newRights, 0)
}

// Move atomically relocates the capability at (src, srcSlot) to
// (dst, dstSlot), leaving the source slot empty. The CDT node is
// untouched — only its owning slot changes.
func Move(src *CSpace, srcSlot int, dst *CSpace, dstSlot int) defs.Err_t {
	unlock := lockPair(src, dst)
	defer unlock()

	if err := src.bounds(srcSlot); err != 0 {
		return err
	}
	if err := dst.bounds(dstSlot); err != 0 {
		return err
	}
	sc := src.slots[srcSlot]
	if sc.IsNull() {
		return defs.SlotEmpty
	}
	if !dst.slots[dstSlot].IsNull() {
		return defs.SlotOccupied
	}
	dst.slots[dstSlot] = sc
	src.slots[srcSlot] = captype.Null
	registerLocked(sc.Node, dst, dstSlot)
	return 0
}

// Revoke deletes the capability at slot and every descendant derived
// from it, wherever in the system their owning slots live.
// onDelete is invoked once per capability actually cleared — callers
// needing to release an Untyped's backing frames or tear down a
// destroyed object pass a callback here; it may be nil.
func (cs *CSpace) Revoke(slot int, onDelete func(captype.Capability)) defs.Err_t {
	cs.mu.Lock()
	if err := cs.bounds(slot); err != 0 {
		cs.mu.Unlock()
		return err
	}
	c := cs.slots[slot]
	if c.IsNull() {
		cs.mu.Unlock()
		return defs.SlotEmpty
	}
	node := c.Node
	cs.mu.Unlock()

	cs.pool.Revoke(node, func(id cdt.NodeID) {
		registry.mu.Lock()
		ref, ok := registry.m[id]
		delete(registry.m, id)
		registry.mu.Unlock()
		if !ok {
			if first, stack := strayNodes.Distinct(); first {
				klog.Warnf("revoke: CDT node %d has no owning slot\n%s", id, stack)
			}
			return
		}
		ref.cs.mu.Lock()
		dead := ref.cs.slots[ref.slot]
		ref.cs.slots[ref.slot] = captype.Null
		ref.cs.mu.Unlock()
		if onDelete != nil {
			onDelete(dead)
		}
	})
	return 0
}

// lockPair locks src and dst (which may be equal) in a consistent global
// order, avoiding the classic two-lock deadlock when two threads copy
// capabilities between the same pair of CSpaces in opposite directions.
func lockPair(a, b *CSpace) (unlock func()) {
	if a == b {
		a.mu.Lock()
		return a.mu.Unlock
	}
	if uintptr(unsafe.Pointer(a)) < uintptr(unsafe.Pointer(b)) {
		a.mu.Lock()
		b.mu.Lock()
	} else {
		b.mu.Lock()
		a.mu.Lock()
	}
	return func() {
		a.mu.Unlock()
		b.mu.Unlock()
	}
}
