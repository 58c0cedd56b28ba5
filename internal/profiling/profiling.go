// Package profiling assembles kernel timing samples into a pprof profile.
// The kernel's syscall registration wrapper (internal/boot) records one
// sample per syscall dispatch, and Kernel.ReadProfile reads the profile
// back; no syscall routes to it. The accumulated profile serializes in the
// standard gzip-compressed protobuf format, so the ordinary pprof
// toolchain reads it unmodified.
package profiling

import (
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/pprof/profile"
)

// entry accumulates the event count and total nanoseconds attributed to
// one call path.
type entry struct {
	path  []string
	count int64
	nanos int64
}

// Recorder is the kernel's sample sink. One instance lives on the Kernel
// and is shared by every recording site; the profile is rebuilt from the
// accumulated entries on each Snapshot, so reads never block recording
// for longer than the map copy.
type Recorder struct {
	mu      sync.Mutex
	start   time.Time
	entries map[string]*entry
}

// NewRecorder returns an empty sink stamped with the current time, which
// becomes the profile's TimeNanos.
func NewRecorder() *Recorder {
	return &Recorder{start: time.Now(), entries: make(map[string]*entry)}
}

// Add records one event of the given duration against path, leaf frame
// first ("syscall.Send", "dispatch"). Paths are interned, so a hot
// syscall costs one map probe and two adds per record.
func (r *Recorder) Add(path []string, nanos int64) {
	if len(path) == 0 {
		return
	}
	key := path[0]
	for _, f := range path[1:] {
		key += ";" + f
	}
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{path: append([]string(nil), path...)}
		r.entries[key] = e
	}
	e.count++
	e.nanos += nanos
	r.mu.Unlock()
}

// Snapshot builds a profile.Profile from the samples recorded so far.
// Sample values are (event count, total nanoseconds); every distinct
// frame name becomes one synthetic Function/Location pair, since kernel
// sample sites are named operations, not return addresses.
func (r *Recorder) Snapshot() *profile.Profile {
	r.mu.Lock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]*entry, len(keys))
	for i, k := range keys {
		e := r.entries[k]
		entries[i] = &entry{path: e.path, count: e.count, nanos: e.nanos}
	}
	start := r.start
	r.mu.Unlock()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "events", Unit: "count"},
			{Type: "time", Unit: "nanoseconds"},
		},
		DefaultSampleType: "time",
		TimeNanos:         start.UnixNano(),
		DurationNanos:     time.Since(start).Nanoseconds(),
	}

	funcs := make(map[string]*profile.Function)
	locs := make(map[string]*profile.Location)
	locFor := func(name string) *profile.Location {
		if l, ok := locs[name]; ok {
			return l
		}
		f := &profile.Function{
			ID:         uint64(len(p.Function) + 1),
			Name:       name,
			SystemName: name,
		}
		p.Function = append(p.Function, f)
		funcs[name] = f
		l := &profile.Location{
			ID:   uint64(len(p.Location) + 1),
			Line: []profile.Line{{Function: f}},
		}
		p.Location = append(p.Location, l)
		locs[name] = l
		return l
	}

	for _, e := range entries {
		s := &profile.Sample{Value: []int64{e.count, e.nanos}}
		for _, frame := range e.path {
			s.Location = append(s.Location, locFor(frame))
		}
		p.Sample = append(p.Sample, s)
	}
	return p
}

// WriteTo serializes the current snapshot in pprof's wire format, the
// whole profile as one blob. Kernel.ReadProfile is its caller.
func (r *Recorder) WriteTo(w io.Writer) error {
	return r.Snapshot().Write(w)
}

// Reset discards every accumulated sample and restarts the profile clock,
// so back-to-back profiler pulls see disjoint windows.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.entries = make(map[string]*entry)
	r.start = time.Now()
	r.mu.Unlock()
}
