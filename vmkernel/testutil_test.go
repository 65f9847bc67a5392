package vmkernel

import (
	"fmt"
	"log/slog"
	"os"
)

// memPartition is an in-memory Partition for tests, standing in for the
// real device spec.md §1 places out of scope.
type memPartition struct {
	clusters [][]byte
}

func newMemPartition(n int) *memPartition {
	p := &memPartition{clusters: make([][]byte, n)}
	for i := range p.clusters {
		p.clusters[i] = make([]byte, PageSize)
	}
	return p
}

func (p *memPartition) ClusterCount() int { return len(p.clusters) }

func (p *memPartition) ReadCluster(no int, buf []byte) error {
	if no < 0 || no >= len(p.clusters) {
		return fmt.Errorf("memPartition: cluster %d out of range", no)
	}
	copy(buf, p.clusters[no])
	return nil
}

func (p *memPartition) WriteCluster(no int, buf []byte) error {
	if no < 0 || no >= len(p.clusters) {
		return fmt.Errorf("memPartition: cluster %d out of range", no)
	}
	copy(p.clusters[no], buf)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// byteAt and setByteAt read/write one byte at a physical address returned
// by Process.GetPhysicalAddress, standing in for the host's final
// byte-level memory access (spec.md §1's non-goal: "no MMU emulation for
// user reads/writes — the host performs the final byte access").
func byteAt(sys *System, pa FrameAddr) byte {
	base := pa - pa%PageSize
	return sys.frames.bytes(base)[pa%PageSize]
}

func setByteAt(sys *System, pa FrameAddr, v byte) {
	base := pa - pa%PageSize
	sys.frames.bytes(base)[pa%PageSize] = v
}

func newTestSystem(framePages, pmtPages, clusters int) *System {
	frameRegion := make([]byte, framePages*PageSize)
	pmtRegion := make([]byte, pmtPages*PageSize)
	sys, err := NewSystem(frameRegion, framePages, pmtRegion, pmtPages, newMemPartition(clusters), testLogger())
	if err != nil {
		panic(err)
	}
	return sys
}
