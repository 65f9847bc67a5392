package vmkernel

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// checkResourceConservation asserts invariant 4: free+used always
// accounts for the full capacity of each arena.
func checkResourceConservation(t *testing.T, sys *System) {
	t.Helper()
	require.Equal(t, sys.frames.total(), sys.frames.freeCount()+sys.frames.usedCount())
	require.GreaterOrEqual(t, sys.frames.freeCount(), 0)
	require.LessOrEqual(t, sys.frames.freeCount(), sys.frames.total())

	require.GreaterOrEqual(t, sys.disk.freeClusters(), 0)
	require.LessOrEqual(t, sys.disk.freeClusters(), sys.disk.totalClusters())

	require.Equal(t, sys.pmtSlots.total(), sys.pmtSlots.freeCount()+sys.pmtSlots.usedCount())
	require.GreaterOrEqual(t, sys.pmtSlots.freeCount(), 0)
	require.LessOrEqual(t, sys.pmtSlots.freeCount(), sys.pmtSlots.total())
}

// checkDescriptorExclusivity asserts invariant 3 across every live PMT2:
// no descriptor is ever both shared and cloned.
func checkDescriptorExclusivity(t *testing.T, sys *System) {
	t.Helper()
	for _, c := range sys.pmt2Counters {
		for i := range c.pmt2.entries {
			d := &c.pmt2.entries[i]
			require.False(t, d.shared() && d.cloned(), "descriptor is both shared and cloned")
		}
	}
}

// checkPMT2GC asserts invariant 5: a PMT2 counter entry only persists
// while it still has a reason to — in-use descriptors, live sharing
// participants, or a non-zero cloning refcount.
func checkPMT2GC(t *testing.T, sys *System) {
	t.Helper()
	for key, c := range sys.pmt2Counters {
		switch c.kind {
		case pmt2KindNormal:
			require.Greater(t, c.counter, 0, "normal PMT2 %d survives with a zero counter", key)
		case pmt2KindCloning:
			require.Greater(t, len(c.cloningRefs), 0, "cloning PMT2 %d survives with no refs", key)
		case pmt2KindShared:
			// Owned by the shared registry; sharedRegistry.byName holding
			// the entry is itself the liveness condition (checked by the
			// shared-segment scenario's own assertions).
		}
	}
}

func TestInvariantAlignment(t *testing.T) {
	sys := newTestSystem(16, 16, 64)
	p := sys.CreateProcess()
	require.Equal(t, Trap, p.CreateSegment(0x0001, 1, Read))
	require.Equal(t, Trap, p.CreateSegment(0x03FF, 1, Read))
	require.Equal(t, OK, p.CreateSegment(0x0400, 1, Read))
}

func TestInvariantNonOverlap(t *testing.T) {
	sys := newTestSystem(16, 16, 64)
	p := sys.CreateProcess()
	require.Equal(t, OK, p.CreateSegment(0x0400, 2, Read))
	require.Equal(t, Trap, p.CreateSegment(0x0400, 1, Read))
	require.Equal(t, Trap, p.CreateSegment(0x0000, 3, Read)) // overlaps the tail
	require.Equal(t, OK, p.CreateSegment(0x0C00, 1, Read))   // abuts, does not overlap
}

func TestInvariantAccessRightsLaw(t *testing.T) {
	sys := newTestSystem(16, 16, 64)
	p := sys.CreateProcess()
	require.Equal(t, OK, p.CreateSegment(0x0400, 1, Read))
	require.Equal(t, OK, p.PageFault(0x0400))

	require.Equal(t, Trap, sys.Access(p.id, 0x0400, Write))

	d := walkDescriptor(sys.processes[p.id].pmt1, 0x0400)
	require.True(t, d.valid())
	require.False(t, d.dirty())

	require.Equal(t, OK, sys.Access(p.id, 0x0400, Read))
	require.False(t, d.dirty())
}

func TestInvariantTranslationLaw(t *testing.T) {
	sys := newTestSystem(16, 16, 64)
	p := sys.CreateProcess()
	require.Equal(t, OK, p.CreateSegment(0x0400, 1, ReadWrite))
	require.Equal(t, OK, p.PageFault(0x0400))
	require.Equal(t, OK, sys.Access(p.id, 0x0400+37, Write))

	pa := p.GetPhysicalAddress(0x0400 + 37)
	require.NotZero(t, pa)

	d := walkDescriptor(sys.processes[p.id].pmt1, 0x0400)
	require.Equal(t, d.frame+37, pa)
	require.True(t, uint32(pa) < uint32(len(sys.frames.region)))
}

// TestInvariantRoundTrip covers invariant 6: create then delete returns
// every arena to its pre-creation count, for both a plain segment and a
// shared-segment connection.
func TestInvariantRoundTrip(t *testing.T) {
	sys := newTestSystem(16, 16, 64)
	p := sys.CreateProcess()

	framesBefore, clustersBefore, slotsBefore := sys.frames.freeCount(), sys.disk.freeClusters(), sys.pmtSlots.freeCount()

	require.Equal(t, OK, p.CreateSegment(0x0400, 2, ReadWrite))
	require.Equal(t, OK, p.PageFault(0x0400))
	require.Equal(t, OK, p.PageFault(0x0800))
	require.Equal(t, OK, p.DeleteSegment(0x0400))

	require.Equal(t, framesBefore, sys.frames.freeCount())
	require.Equal(t, clustersBefore, sys.disk.freeClusters())
	require.Equal(t, slotsBefore, sys.pmtSlots.freeCount())

	p2 := sys.CreateProcess()
	slotsBefore = sys.pmtSlots.freeCount() // account for p2's own PMT1 slot

	require.Equal(t, OK, p.CreateSharedSegment(0x0400, 1, "RT", ReadWrite))
	require.Equal(t, OK, p2.CreateSharedSegment(0x0400, 1, "RT", ReadWrite))
	require.Equal(t, OK, p.DisconnectSharedSegment("RT"))
	require.Equal(t, OK, p2.DisconnectSharedSegment("RT"))
	require.Equal(t, OK, p.DeleteSharedSegment("RT")) // reclaim the segment's own PMT1/PMT2 now that nobody is connected

	require.Equal(t, framesBefore, sys.frames.freeCount())
	require.Equal(t, clustersBefore, sys.disk.freeClusters())
	require.Equal(t, slotsBefore, sys.pmtSlots.freeCount())
}

// TestDeletedDescriptorResetsBeforeReuse covers the case where a
// deleted segment's descriptor slot is reused in place by a later
// segment sharing the same PMT2 (same page1, so materializeDescriptors
// never allocates a fresh table): the old valid/frame/rights/shared
// bits must not leak into the new mapping.
func TestDeletedDescriptorResetsBeforeReuse(t *testing.T) {
	sys := newTestSystem(16, 16, 64)
	p := sys.CreateProcess()

	// Both segments fall in page1==0 (0x0000 and 0x0400 both have word+page2
	// bits below the page1 boundary), so they land in the same PMT2; the
	// 0x0400 segment keeps that PMT2 alive across the delete, and recreating
	// 0x0000 reuses its old descriptor slot in place.
	require.Equal(t, OK, p.CreateSegment(0x0000, 1, ReadWrite))
	require.Equal(t, OK, p.CreateSegment(0x0400, 1, Read))
	require.Equal(t, OK, p.PageFault(0x0000))
	require.Equal(t, OK, sys.Access(p.id, 0x0000, Write))

	dOld := walkDescriptor(sys.processes[p.id].pmt1, 0x0000)
	require.True(t, dOld.valid())

	require.Equal(t, OK, p.DeleteSegment(0x0000))
	require.Equal(t, OK, p.CreateSegment(0x0000, 1, Read))

	d := walkDescriptor(sys.processes[p.id].pmt1, 0x0000)
	require.Same(t, dOld, d, "expected the same descriptor slot to be reused")
	require.False(t, d.valid(), "reused descriptor must not inherit stale validity")
	require.False(t, d.dirty())
	require.False(t, d.shared())
	require.False(t, d.cloned())
	require.False(t, d.canWrite(), "reused descriptor must not inherit the old segment's write right")
	require.True(t, d.canRead())
	require.Zero(t, d.frame)

	require.Equal(t, PageFault, sys.Access(p.id, 0x0000, Read))

	require.Equal(t, OK, p.PageFault(0x0000))
	require.Equal(t, Trap, sys.Access(p.id, 0x0000, Write), "new segment is read-only")
	require.Equal(t, OK, sys.Access(p.id, 0x0000, Read))
	pa := p.GetPhysicalAddress(0x0000)
	require.NotZero(t, pa)
}

// TestResourceConservation drives a bounded random sequence of
// segment/clone/delete operations across several processes, checks
// invariants 3-5 after every step, and once every process is destroyed
// checks that all frames, clusters and PMT slots are free again, per spec.md §8's instruction to
// verify these "by random-operation fuzzing."
func TestResourceConservation(t *testing.T) {
	sys := newTestSystem(64, 64, 256)
	rng := rand.New(rand.NewSource(1))

	var procs []*Process
	nextVA := make(map[int]VirtualAddress)

	for step := 0; step < 400; step++ {
		switch rng.Intn(6) {
		case 0:
			if p := sys.CreateProcess(); p != nil {
				procs = append(procs, p)
			}
		case 1:
			if len(procs) == 0 {
				continue
			}
			idx := rng.Intn(len(procs))
			p := procs[idx]
			va := nextVA[int(p.id)]
			pages := 1 + rng.Intn(2)
			if p.CreateSegment(va, pages, ReadWrite) == OK {
				nextVA[int(p.id)] = va + VirtualAddress(pages*PageSize+PageSize)
			}
		case 2:
			if len(procs) == 0 {
				continue
			}
			p := procs[rng.Intn(len(procs))]
			proc := sys.processes[p.id]
			if proc == nil || len(proc.segments) == 0 {
				continue
			}
			si := proc.segments[rng.Intn(len(proc.segments))]
			if si.sharedName == "" {
				p.PageFault(si.start)
			}
		case 3:
			if len(procs) == 0 {
				continue
			}
			p := procs[rng.Intn(len(procs))]
			if c := sys.CloneProcess(p.id); c != nil {
				procs = append(procs, c)
				nextVA[int(c.id)] = nextVA[int(p.id)]
			}
		case 4:
			if len(procs) == 0 {
				continue
			}
			idx := rng.Intn(len(procs))
			p := procs[idx]
			if sys.DestroyProcess(p.id) == OK {
				procs = append(procs[:idx], procs[idx+1:]...)
			}
		case 5:
			// Delete one segment, then immediately recreate at the same VA
			// with different access flags, so a slot reused in place within
			// a shared PMT2 keeps getting exercised.
			if len(procs) == 0 {
				continue
			}
			p := procs[rng.Intn(len(procs))]
			proc := sys.processes[p.id]
			if proc == nil || len(proc.segments) == 0 {
				continue
			}
			si := proc.segments[rng.Intn(len(proc.segments))]
			if si.sharedName != "" {
				continue
			}
			start, pages := si.start, si.lengthPgs
			if p.DeleteSegment(start) == OK {
				p.CreateSegment(start, pages, Read)
			}
		}

		checkResourceConservation(t, sys)
		checkDescriptorExclusivity(t, sys)
		checkPMT2GC(t, sys)
	}

	for _, p := range procs {
		sys.DestroyProcess(p.id)
	}
	require.Equal(t, sys.frames.total(), sys.frames.freeCount())
	require.Equal(t, sys.disk.totalClusters(), sys.disk.freeClusters())
	require.Equal(t, sys.pmtSlots.total(), sys.pmtSlots.freeCount())
	require.Empty(t, sys.pmt2Counters)
}
