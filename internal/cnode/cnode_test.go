package cnode

import (
	"testing"

	"kaal/internal/captype"
	"kaal/internal/cdt"
	"kaal/internal/defs"
)

func newTestSpace(t *testing.T, pool *cdt.Pool) *CSpace {
	t.Helper()
	cs, err := New(6, pool)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}
	return cs
}

func rootCap(t *testing.T, pool *cdt.Pool, obj interface{}) captype.Capability {
	t.Helper()
	node, err := pool.New(cdt.Null)
	if err != 0 {
		t.Fatalf("pool.New: %v", err)
	}
	return captype.Capability{Type: defs.ObjFrame, Object: obj, Rights: defs.AllRights, Node: node}
}

func TestInsertDeleteSlotStates(t *testing.T) {
	pool := cdt.NewPool(64)
	cs := newTestSpace(t, pool)
	cap := rootCap(t, pool, new(int))

	if err := cs.InsertRoot(0, cap); err != 0 {
		t.Fatalf("insert: %v", err)
	}
	if err := cs.InsertRoot(0, cap); err != defs.SlotOccupied {
		t.Fatalf("double insert: got %v, want SlotOccupied", err)
	}
	if err := cs.Delete(0); err != 0 {
		t.Fatalf("delete: %v", err)
	}
	if err := cs.Delete(0); err != defs.SlotEmpty {
		t.Fatalf("double delete: got %v, want SlotEmpty", err)
	}
}

func TestCopySharesParentAndRights(t *testing.T) {
	pool := cdt.NewPool(64)
	src := newTestSpace(t, pool)
	dst := newTestSpace(t, pool)
	cap := rootCap(t, pool, new(int))
	if err := src.InsertRoot(0, cap); err != 0 {
		t.Fatalf("insert: %v", err)
	}

	if err := Copy(src, 0, dst, 1); err != 0 {
		t.Fatalf("copy: %v", err)
	}
	got, err := dst.Get(1)
	if err != 0 {
		t.Fatalf("get: %v", err)
	}
	if got.Rights != cap.Rights || got.Object != cap.Object {
		t.Fatalf("copy did not preserve rights/object: %+v", got)
	}
	if pool.Parent(got.Node) != pool.Parent(cap.Node) {
		t.Fatalf("copy should share the source's parent, not become its child")
	}
	if err := Copy(src, 0, dst, 1); err != defs.SlotOccupied {
		t.Fatalf("copy into occupied slot: got %v, want SlotOccupied", err)
	}
	if err := Copy(src, 5, dst, 2); err != defs.InvalidSource {
		t.Fatalf("copy from empty slot: got %v, want InvalidSource", err)
	}
}

func TestMintNarrowsRightsOnly(t *testing.T) {
	pool := cdt.NewPool(64)
	src := newTestSpace(t, pool)
	dst := newTestSpace(t, pool)
	cap := rootCap(t, pool, new(int))
	cap.Rights = defs.Read | defs.Write
	if err := src.InsertRoot(0, cap); err != 0 {
		t.Fatalf("insert: %v", err)
	}

	if err := Mint(src, 0, dst, 0, defs.Read, 0xBADE); err != 0 {
		t.Fatalf("mint: %v", err)
	}
	got, _ := dst.Get(0)
	if got.Rights != defs.Read || got.Badge != 0xBADE {
		t.Fatalf("mint result = %+v", got)
	}
	if !pool.IsDescendant(cap.Node, got.Node) {
		t.Fatal("minted cap must be a descendant of the source")
	}

	if err := Mint(src, 0, dst, 1, defs.Grant, 0); err != defs.InsufficientRights {
		t.Fatalf("widening mint: got %v, want InsufficientRights", err)
	}
}

func TestMoveRelocatesAtomically(t *testing.T) {
	pool := cdt.NewPool(64)
	src := newTestSpace(t, pool)
	dst := newTestSpace(t, pool)
	cap := rootCap(t, pool, new(int))
	src.InsertRoot(0, cap)

	if err := Move(src, 0, dst, 3); err != 0 {
		t.Fatalf("move: %v", err)
	}
	if _, err := src.Get(0); err != defs.FailedLookup {
		t.Fatalf("source slot should be empty after move, got err=%v", err)
	}
	if _, err := dst.Get(3); err != 0 {
		t.Fatal("destination slot should hold the moved capability")
	}
	if err := Move(src, 0, dst, 3); err != defs.SlotEmpty {
		t.Fatalf("move from empty slot: got %v, want SlotEmpty", err)
	}
}

// TestRevokeTransitivity: derive two
// children from a root capability, mint a further reduced-rights alias of
// one child, then Revoke the root and confirm every descendant — no
// matter which CSpace holds it — becomes an empty slot.
func TestRevokeTransitivity(t *testing.T) {
	pool := cdt.NewPool(64)
	root := newTestSpace(t, pool)
	other := newTestSpace(t, pool)

	u := rootCap(t, pool, new(int))
	root.InsertRoot(0, u)

	if err := Derive(root, 0, root, 1, defs.AllRights); err != 0 { // f1
		t.Fatalf("derive f1: %v", err)
	}
	if err := Derive(root, 0, root, 2, defs.AllRights); err != 0 { // f2
		t.Fatalf("derive f2: %v", err)
	}
	if err := Mint(root, 1, other, 0, defs.Read, 0); err != 0 { // f1r, read-only alias of f1, in a different CSpace
		t.Fatalf("mint f1r: %v", err)
	}

	var deleted int
	if err := root.Revoke(0, func(captype.Capability) { deleted++ }); err != 0 {
		t.Fatalf("revoke: %v", err)
	}
	if deleted != 4 { // u, f1, f2, f1r
		t.Fatalf("expected 4 capabilities deleted, got %d", deleted)
	}
	for slot, cs := range map[int]*CSpace{0: root, 1: root, 2: root} {
		if _, err := cs.Get(slot); err != defs.FailedLookup {
			t.Fatalf("slot %d should be empty after revoke", slot)
		}
	}
	if _, err := other.Get(0); err != defs.FailedLookup {
		t.Fatal("f1r in the other CSpace should be cleared by revoking u")
	}
}

func TestAllocSlotFindsFirstFree(t *testing.T) {
	pool := cdt.NewPool(64)
	cs, _ := New(4, pool)

	slot, err := cs.AllocSlot()
	if err != 0 || slot != 0 {
		t.Fatalf("AllocSlot = %d, %v; want 0", slot, err)
	}
	cs.InsertRoot(0, rootCap(t, pool, new(int)))
	slot, err = cs.AllocSlot()
	if err != 0 || slot != 1 {
		t.Fatalf("AllocSlot after filling 0 = %d, %v; want 1", slot, err)
	}

	for i := 1; i < 16; i++ {
		if err := cs.InsertRoot(i, rootCap(t, pool, new(int))); err != 0 {
			t.Fatalf("fill slot %d: %v", i, err)
		}
	}
	if _, err := cs.AllocSlot(); err != defs.NotEnoughMemory {
		t.Fatalf("full CSpace: got %v, want NotEnoughMemory", err)
	}
}
