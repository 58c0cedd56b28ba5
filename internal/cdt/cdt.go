// Package cdt implements the Capability Derivation Tree: the
// parent/child/sibling forest tracking which capability derived which, so
// Revoke can delete every descendant of a capability before the capability
// itself.
//
// Nodes are indices into a fixed bump pool rather than raw pointers —
// arbitrary pointer graphs are costly under Go's ownership model, and
// revoke becomes a post-order index traversal. The pool is a flat slice
// of fixed-size nodes, a "next free index" threaded through unused
// slots, and a free count maintained alongside for O(1) exhaustion
// checks.
//
// The pool only tracks tree topology (parent/child/sibling NodeIDs); it
// does not hold capability data itself, so that this package never needs
// to import the capability package — cnode.CSpace is the owner of both a
// slot's Capability value and the NodeID that names its place in the tree,
// and is responsible for nulling a slot when Revoke reports it as deleted.
package cdt

import (
	"sync"

	"kaal/internal/defs"
)

// NodeID names a node in the derivation forest. Null is the sentinel for
// "no node" (a capability with no parent, or an empty link).
type NodeID uint32

const Null NodeID = ^NodeID(0)

type node struct {
	inUse                         bool
	parent                        NodeID
	firstChild, nextSib, prevSib  NodeID
	// next free-list link, valid only while !inUse.
	nextFree NodeID
}

// Pool is the fixed-capacity bump-allocated CDT node pool. Allocation
// failure is fatal to the requesting operation and surfaces as
// NotEnoughMemory, never as a kernel panic.
type Pool struct {
	mu        sync.Mutex
	nodes     []node
	freeHead  NodeID
	freeCount int
}

// NewPool constructs a pool with room for capacity concurrent capabilities.
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		panic("cdt.NewPool: non-positive capacity")
	}
	p := &Pool{nodes: make([]node, capacity)}
	for i := range p.nodes {
		if i == len(p.nodes)-1 {
			p.nodes[i].nextFree = Null
		} else {
			p.nodes[i].nextFree = NodeID(i + 1)
		}
	}
	p.freeHead = 0
	p.freeCount = capacity
	return p
}

func (p *Pool) allocLocked() (NodeID, bool) {
	if p.freeCount == 0 {
		return Null, false
	}
	id := p.freeHead
	n := &p.nodes[id]
	p.freeHead = n.nextFree
	p.freeCount--
	*n = node{inUse: true, parent: Null, firstChild: Null, nextSib: Null, prevSib: Null}
	return id, true
}

func (p *Pool) freeLocked(id NodeID) {
	n := &p.nodes[id]
	*n = node{inUse: false, nextFree: p.freeHead}
	p.freeHead = id
	p.freeCount++
}

// unlinkLocked removes id from its parent's child list without freeing it.
func (p *Pool) unlinkLocked(id NodeID) {
	n := &p.nodes[id]
	if n.prevSib != Null {
		p.nodes[n.prevSib].nextSib = n.nextSib
	} else if n.parent != Null {
		p.nodes[n.parent].firstChild = n.nextSib
	}
	if n.nextSib != Null {
		p.nodes[n.nextSib].prevSib = n.prevSib
	}
	n.nextSib, n.prevSib = Null, Null
}

// New allocates a node as a child of parent (or a root node if parent is
// Null) and returns its NodeID.
func (p *Pool) New(parent NodeID) (NodeID, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.allocLocked()
	if !ok {
		return Null, defs.NotEnoughMemory
	}
	p.nodes[id].parent = parent
	if parent != Null {
		pn := &p.nodes[parent]
		old := pn.firstChild
		pn.firstChild = id
		p.nodes[id].nextSib = old
		if old != Null {
			p.nodes[old].prevSib = id
		}
	}
	return id, 0
}

// Parent returns id's parent, or Null if id is a root.
func (p *Pool) Parent(id NodeID) NodeID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodes[id].parent
}

// Children returns id's direct children, for tests and diagnostics.
func (p *Pool) Children(id NodeID) []NodeID {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []NodeID
	for c := p.nodes[id].firstChild; c != Null; c = p.nodes[c].nextSib {
		out = append(out, c)
	}
	return out
}

// IsDescendant reports whether id is a (possibly indirect) descendant of
// ancestor, used by tests asserting that derivation places the child
// inside the parent's subtree.
func (p *Pool) IsDescendant(ancestor, id NodeID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for cur := p.nodes[id].parent; cur != Null; cur = p.nodes[cur].parent {
		if cur == ancestor {
			return true
		}
	}
	return false
}

// Revoke deletes id and every descendant of id via a post-order traversal
// (children before parents), calling visit for each NodeID as it is
// deleted so the caller can null the corresponding CNode slot. The node
// named by id itself is also visited and freed last: descendants go
// before the root.
//
//kaal:verified
func (p *Pool) Revoke(id NodeID, visit func(NodeID)) {
	p.mu.Lock()
	order := p.postOrderLocked(id)
	p.mu.Unlock()

	for _, n := range order {
		visit(n)
		p.mu.Lock()
		p.unlinkLocked(n)
		p.freeLocked(n)
		p.mu.Unlock()
	}
}

// postOrderLocked returns id's descendants followed by id itself, deepest
// first, without mutating the tree.
func (p *Pool) postOrderLocked(id NodeID) []NodeID {
	var out []NodeID
	var walk func(NodeID)
	walk = func(n NodeID) {
		for c := p.nodes[n].firstChild; c != Null; {
			next := p.nodes[c].nextSib
			walk(c)
			c = next
		}
		out = append(out, n)
	}
	walk(id)
	return out
}

// Len reports the number of live (allocated) nodes.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.nodes) - p.freeCount
}

// Capacity reports the pool's fixed size.
func (p *Pool) Capacity() int {
	return len(p.nodes)
}
