package mem

import (
	"sync"

	"kaal/internal/defs"
)

// wordBits is the width of one bitmap word.
const wordBits = 64

// PMM is the Physical Memory Manager: a bitmap over a fixed,
// compile-time capacity of 4 KiB frames. Bit convention: 0 = free,
// 1 = allocated. Every frame outside any region passed to AddRegion
// starts (and stays) marked allocated, so an out-of-range Alloc can
// never succeed and an out-of-range Dealloc is a harmless no-op — the
// bitmap itself doubles as the "is this address manageable" oracle.
//
// The instance built at boot lives for the life of the kernel under a
// single mutex: init once, then mutate.
type PMM struct {
	mu        sync.Mutex
	bitmap    []uint64
	base      PFN
	haveBase  bool
	total     int
	freeCount int
}

// NewPMM allocates a bitmap able to track capacityFrames frames. The
// default production kernel sizes this for 64 MiB of manageable pages
// (16384 frames); tests construct smaller instances directly.
func NewPMM(capacityFrames int) *PMM {
	if capacityFrames <= 0 {
		panic("mem.NewPMM: non-positive capacity")
	}
	words := (capacityFrames + wordBits - 1) / wordBits
	bm := make([]uint64, words)
	for i := range bm {
		bm[i] = ^uint64(0)
	}
	return &PMM{bitmap: bm, total: capacityFrames}
}

// DefaultCapacityFrames is the compile-time default: 64 MiB of 4 KiB
// frames.
const DefaultCapacityFrames = (64 << 20) / defs.PageSize

// NewDefaultPMM constructs a PMM at the default capacity.
func NewDefaultPMM() *PMM {
	return NewPMM(DefaultCapacityFrames)
}

func (m *PMM) indexLocked(f PFN) (int, bool) {
	if !m.haveBase {
		return 0, false
	}
	if f < m.base {
		return 0, false
	}
	idx := int(f - m.base)
	if idx >= m.total {
		return 0, false
	}
	return idx, true
}

func bitGet(bm []uint64, idx int) bool {
	return bm[idx/wordBits]&(1<<uint(idx%wordBits)) != 0
}

func bitSet(bm []uint64, idx int) {
	bm[idx/wordBits] |= 1 << uint(idx%wordBits)
}

func bitClear(bm []uint64, idx int) {
	bm[idx/wordBits] &^= 1 << uint(idx%wordBits)
}

// AddRegion marks the frames covering [start, start+size) as free. Called
// once per memory node discovered from the DTB (internal/boot); the
// first call establishes the RAM base address against which every bitmap
// index is relative.
func (m *PMM) AddRegion(start Pa_t, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.haveBase {
		m.base = start.Rounddown().ToPFN()
		m.haveBase = true
	}
	first := start.Rounddown().ToPFN()
	count := int(start.Roundup()-start+Pa_t(size)) / PGSIZE
	for i := 0; i < count; i++ {
		idx, ok := m.indexLocked(first + PFN(i))
		if !ok {
			continue
		}
		if bitGet(m.bitmap, idx) {
			bitClear(m.bitmap, idx)
			m.freeCount++
		}
	}
}

// ReserveRegion marks the frames covering [start, start+size) allocated
// without producing any handle. Used for the kernel image, bootloader, and
// DTB footprint.
func (m *PMM) ReserveRegion(start Pa_t, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	first := start.Rounddown().ToPFN()
	count := int(start.Roundup()-start+Pa_t(size)) / PGSIZE
	for i := 0; i < count; i++ {
		idx, ok := m.indexLocked(first + PFN(i))
		if !ok {
			continue
		}
		if !bitGet(m.bitmap, idx) {
			bitSet(m.bitmap, idx)
			m.freeCount--
		}
	}
}

// Alloc returns the first free frame, marking it allocated. ok is false if
// no frame is free; allocation failure has no retry, swap, or compaction
// path — the caller treats it as fatal.
//
//kaal:verified
func (m *PMM) Alloc() (PFN, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.freeCount == 0 {
		return 0, false
	}
	for w, word := range m.bitmap {
		if word == ^uint64(0) {
			continue
		}
		for b := 0; b < wordBits; b++ {
			idx := w*wordBits + b
			if idx >= m.total {
				break
			}
			if !bitGet(m.bitmap, idx) {
				bitSet(m.bitmap, idx)
				m.freeCount--
				return m.base + PFN(idx), true
			}
		}
	}
	return 0, false
}

// AllocRange returns the first run of n consecutive free frames, marking
// all of them allocated. Contiguity is in physical-frame-number space, so
// the returned run backs a physically contiguous buffer — the shape the
// Memory_Allocate syscall hands to userspace device drivers. ok is false
// if no such run exists; like Alloc, failure has no compaction path.
func (m *PMM) AllocRange(n int) (PFN, bool) {
	if n <= 0 {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.freeCount < n {
		return 0, false
	}
	run := 0
	for idx := 0; idx < m.total; idx++ {
		if bitGet(m.bitmap, idx) {
			run = 0
			continue
		}
		run++
		if run == n {
			first := idx - n + 1
			for i := first; i <= idx; i++ {
				bitSet(m.bitmap, i)
			}
			m.freeCount -= n
			return m.base + PFN(first), true
		}
	}
	return 0, false
}

// Dealloc clears the allocated bit for f. A double free (f already
// clear, or f outside the managed range) is silently ignored.
func (m *PMM) Dealloc(f PFN) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.indexLocked(f)
	if !ok {
		return
	}
	if bitGet(m.bitmap, idx) {
		bitClear(m.bitmap, idx)
		m.freeCount++
	}
}

// FreeCount reports the number of free frames in O(1).
func (m *PMM) FreeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeCount
}

// TotalFrames reports the bitmap's fixed capacity.
func (m *PMM) TotalFrames() int {
	return m.total
}

// Snapshot returns a copy of the raw bitmap words, for test assertions that
// a sequence of Alloc/Dealloc calls returns the bitmap to its prior
// state.
func (m *PMM) Snapshot() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, len(m.bitmap))
	copy(out, m.bitmap)
	return out
}
