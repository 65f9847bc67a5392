package vmkernel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// S1 — create/fault/read.
func TestScenarioCreateFaultAccess(t *testing.T) {
	sys := newTestSystem(16, 16, 64)
	p := sys.CreateProcess()
	require.NotNil(t, p)

	require.Equal(t, OK, p.CreateSegment(0x0400, 2, ReadWrite))
	require.Equal(t, PageFault, sys.Access(p.id, 0x0400, Write))
	require.Equal(t, OK, p.PageFault(0x0400))
	require.Equal(t, OK, sys.Access(p.id, 0x0400, Write))

	pa := p.GetPhysicalAddress(0x0400)
	require.NotZero(t, pa)
	require.Zero(t, uint32(pa)&0x3FF)
}

// S2 — overlap and alignment rejected.
func TestScenarioOverlapAndAlignment(t *testing.T) {
	sys := newTestSystem(16, 16, 64)
	p := sys.CreateProcess()
	require.Equal(t, OK, p.CreateSegment(0x0400, 2, ReadWrite))

	require.Equal(t, Trap, p.CreateSegment(0x0400, 1, Read))
	require.Equal(t, Trap, p.CreateSegment(0x0401, 1, Read))
}

// S3 — load then read back.
func TestScenarioLoadSegment(t *testing.T) {
	sys := newTestSystem(16, 16, 64)
	p := sys.CreateProcess()

	buf := make([]byte, 2*PageSize)
	for i := range buf {
		buf[i] = byte(i % PageSize)
	}

	require.Equal(t, OK, p.LoadSegment(0x0800, 2, Read, buf))
	require.Equal(t, OK, p.PageFault(0x0800+17))
	require.Equal(t, OK, sys.Access(p.id, 0x0800+17, Read))

	pa := p.GetPhysicalAddress(0x0800 + 17)
	require.NotZero(t, pa)

	require.Equal(t, byte(17), byteAt(sys, pa))
}

// S4 — swap under pressure: a tiny frame pool forces eviction.
func TestScenarioSwapUnderPressure(t *testing.T) {
	sys := newTestSystem(4, 16, 64)

	var procs []*Process
	for i := 0; i < 3; i++ {
		p := sys.CreateProcess()
		require.NotNil(t, p)
		require.Equal(t, OK, p.CreateSegment(0x0000, 2, ReadWrite))
		procs = append(procs, p)
	}

	for _, p := range procs {
		for _, va := range []VirtualAddress{0x0000, 0x0400} {
			require.Equal(t, OK, p.PageFault(va))
			require.Equal(t, OK, sys.Access(p.id, va, Write))
		}
	}

	// A 4-page frame region gives 3 usable frames (slot 0 is never handed
	// out), and 3*2=6 pages were faulted in and written, so some dirty pages
	// must have been evicted: no valid descriptor should still point at a
	// frame that is also sitting on the free list, and any evicted page must
	// carry the cluster it was written back to.
	free := map[FrameAddr]bool{}
	for {
		f, ok := sys.frames.getFreeFrame()
		if !ok {
			break
		}
		free[f] = true
	}
	for f := range free {
		sys.frames.freeFrame(f)
	}

	for _, p := range procs {
		for _, va := range []VirtualAddress{0x0000, 0x0400} {
			d := walkDescriptor(sys.processes[p.id].pmt1, va)
			require.NotNil(t, d)
			if d.valid() {
				require.False(t, free[d.frame], "resident page must not sit on the free list")
			} else {
				require.True(t, d.hasCluster(), "evicted page must have a cluster")
			}
		}
	}
}

// S5 — shared segment sees writes, and disconnect revokes translation.
func TestScenarioSharedSegment(t *testing.T) {
	sys := newTestSystem(16, 16, 64)
	p1 := sys.CreateProcess()
	p2 := sys.CreateProcess()

	require.Equal(t, OK, p1.CreateSharedSegment(0x0400, 1, "S", ReadWrite))
	require.Equal(t, OK, p2.CreateSharedSegment(0x0400, 1, "S", Read))

	require.Equal(t, PageFault, sys.Access(p1.id, 0x0420, Write))
	require.Equal(t, OK, p1.PageFault(0x0420))
	require.Equal(t, OK, sys.Access(p1.id, 0x0420, Write))

	pa1 := p1.GetPhysicalAddress(0x0420)
	require.NotZero(t, pa1)
	setByteAt(sys, pa1, 0xAB)

	require.Equal(t, OK, p2.PageFault(0x0420))
	require.Equal(t, OK, sys.Access(p2.id, 0x0420, Read))
	pa2 := p2.GetPhysicalAddress(0x0420)
	require.Equal(t, pa1, pa2)
	require.Equal(t, byte(0xAB), byteAt(sys, pa2))

	require.Equal(t, OK, p1.DeleteSharedSegment("S"))
	require.Zero(t, p2.GetPhysicalAddress(0x0420))
}

// S6 — clone + copy-on-write divergence.
func TestScenarioCloneCOW(t *testing.T) {
	sys := newTestSystem(16, 16, 64)
	p := sys.CreateProcess()
	require.Equal(t, OK, p.CreateSegment(0x0400, 1, ReadWrite))
	require.Equal(t, OK, p.PageFault(0x0400))
	require.Equal(t, OK, sys.Access(p.id, 0x0400, Write))
	pa := p.GetPhysicalAddress(0x0400)
	setByteAt(sys, pa, 0x11)

	p2 := sys.CloneProcess(p.id)
	require.NotNil(t, p2)

	dSrc := walkDescriptor(sys.processes[p.id].pmt1, 0x0400)
	require.True(t, dSrc.cloned())
	cloningKeySeen := dSrc.cloneKey
	require.Contains(t, sys.pmt2Counters, cloningKeySeen)
	require.Equal(t, pmt2KindCloning, sys.pmt2Counters[cloningKeySeen].kind)

	require.Equal(t, PageFault, sys.Access(p2.id, 0x0400, Write))
	require.Equal(t, OK, p2.PageFault(0x0400))
	require.Equal(t, OK, p2.PageFault(0x0400)) // bring the diverged page back in
	require.Equal(t, OK, sys.Access(p2.id, 0x0400, Write))
	pa2 := p2.GetPhysicalAddress(0x0400)
	setByteAt(sys, pa2, 0x22)

	require.Equal(t, OK, sys.Access(p.id, 0x0400, Read))
	pa1 := p.GetPhysicalAddress(0x0400)
	require.Equal(t, byte(0x11), byteAt(sys, pa1))
	require.Equal(t, byte(0x22), byteAt(sys, pa2))

	require.Equal(t, OK, p.DeleteSegment(0x0400))
	require.Equal(t, OK, p2.DeleteSegment(0x0400))
	require.NotContains(t, sys.pmt2Counters, cloningKeySeen)
}
