package vmkernel

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/ivanmoreno/go-vmkernel/utils"
)

// segmentInfo is a process-local record of one segment, per spec.md §3.
// A process's segments are kept sorted by start address so overlap
// checks and traversal never need to re-walk PMT1.
type segmentInfo struct {
	start      VirtualAddress
	access     AccessType
	lengthPgs  int
	first      *descriptor
	sharedName string // "" unless this segment is a connection to a shared segment
}

func (si *segmentInfo) end() VirtualAddress {
	return si.start + VirtualAddress(si.lengthPgs*PageSize)
}

// processState is the System's private record of a live process. The
// public Process handle (process.go) carries only its id and a pointer
// back to the System, breaking the process/shared-segment ownership
// cycle the design notes call out: shared segments reference processes
// by id, not by pointer.
type processState struct {
	id       ProcessID
	pmt1     *pmt1Table
	segments []*segmentInfo // sorted by start

	sharedConns map[string]*segmentInfo // name -> the connection's segmentInfo

	// pendingCOW marks a virtual address as a write attempt that faulted
	// on a cloned descriptor, so the next page_fault knows to diverge
	// instead of merely faulting the page back in. See pagefault.go.
	pendingCOW map[VirtualAddress]bool

	consecutiveFaults int
	shouldBlock       bool
}

func (p *processState) insertSegment(si *segmentInfo) {
	idx := sort.Search(len(p.segments), func(i int) bool { return p.segments[i].start >= si.start })
	p.segments = append(p.segments, nil)
	copy(p.segments[idx+1:], p.segments[idx:])
	p.segments[idx] = si
}

func (p *processState) removeSegment(si *segmentInfo) {
	for i, s := range p.segments {
		if s == si {
			p.segments = append(p.segments[:i], p.segments[i+1:]...)
			return
		}
	}
}

func (p *processState) segmentAt(start VirtualAddress) *segmentInfo {
	for _, s := range p.segments {
		if s.start == start {
			return s
		}
	}
	return nil
}

func (p *processState) overlaps(start VirtualAddress, lengthPgs int) bool {
	end := start + VirtualAddress(lengthPgs*PageSize)
	for _, s := range p.segments {
		if start < s.end() && s.start < end {
			return true
		}
	}
	return false
}

// System is the single instance owning every shared resource: the frame
// and PMT arenas, the disk-cluster allocator, reference registers, the
// process map, the PMT2 counter dictionary, the shared-segment registry,
// the thrashing semaphore, and the global reentrant-by-convention lock.
//
// Every exported method locks s.mu exactly once at its boundary and
// delegates to unexported *Locked helpers; no method ever locks s.mu a
// second time on the same call stack, which is how this sidesteps
// sync.Mutex not being reentrant (see SPEC_FULL.md §5).
type System struct {
	mu sync.Mutex

	frames   *frameArena
	pmtSlots *pmtArena
	disk     *diskAllocator
	refRegs  []refRegister

	processes map[ProcessID]*processState
	nextPID   ProcessID

	pmt2Counters map[uint64]*pmt2Counter
	shared       *sharedRegistry

	thrashSem *utils.Semaphore

	log *slog.Logger
}

// NewSystem constructs a System over caller-supplied, page-aligned frame
// and PMT regions and a partition. Both regions must cover exactly
// pageCount*PageSize bytes and remain valid for the System's lifetime.
func NewSystem(frameRegion []byte, framePageCount int, pmtRegion []byte, pmtPageCount int, partition Partition, log *slog.Logger) (*System, error) {
	if log == nil {
		log = utils.NewLogger("vmkernel", "info")
	}
	if len(frameRegion) != framePageCount*PageSize {
		return nil, fmt.Errorf("vmkernel: frame region is %d bytes, want %d", len(frameRegion), framePageCount*PageSize)
	}
	if len(pmtRegion) != pmtPageCount*PageSize {
		return nil, fmt.Errorf("vmkernel: pmt region is %d bytes, want %d", len(pmtRegion), pmtPageCount*PageSize)
	}

	frames, err := newFrameArena(frameRegion)
	if err != nil {
		return nil, err
	}
	pmtSlots, err := newPMTArena(pmtRegion)
	if err != nil {
		return nil, err
	}

	s := &System{
		frames:       frames,
		pmtSlots:     pmtSlots,
		disk:         newDiskAllocator(partition, log),
		refRegs:      make([]refRegister, framePageCount),
		processes:    make(map[ProcessID]*processState),
		pmt2Counters: make(map[uint64]*pmt2Counter),
		thrashSem:    utils.NewSemaphore(),
		log:          log,
	}
	s.shared = newSharedRegistry()
	return s, nil
}

// CreateProcess allocates a new process with an empty PMT1. Returns nil
// if there is no free PMT slot for it.
func (s *System) CreateProcess() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()

	pmt1 := s.newPMT1()
	if pmt1 == nil {
		s.log.Warn("create process failed: no free pmt slots")
		return nil
	}

	s.nextPID++
	id := s.nextPID
	s.processes[id] = &processState{
		id:          id,
		pmt1:        pmt1,
		sharedConns: make(map[string]*segmentInfo),
	}
	s.log.Info("process created", "pid", id)
	return &Process{sys: s, id: id}
}

// lookupProcess returns the process state for pid, or nil. Caller must
// hold s.mu.
func (s *System) lookupProcess(pid ProcessID) *processState {
	return s.processes[pid]
}

// DestroyProcess tears a process down completely: every segment is
// deleted (releasing frames/clusters/PMT2 refcounts, and cloning-PMT2
// refcounts for cloned pages), every shared-segment connection is
// disconnected, its PMT1 slot is freed, and if any process is parked on
// the thrashing semaphore, exactly one is woken — spec.md §5 and
// SPEC_FULL.md's supplemented process-destruction contract.
func (s *System) DestroyProcess(pid ProcessID) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	proc := s.lookupProcess(pid)
	if proc == nil {
		return Trap
	}

	for _, si := range append([]*segmentInfo(nil), proc.segments...) {
		if si.sharedName != "" {
			s.disconnectSharedLocked(proc, si.sharedName)
		} else {
			s.deleteSegmentLocked(proc, si)
		}
	}

	s.freePMT1(proc.pmt1)
	delete(s.processes, pid)
	s.log.Info("process destroyed", "pid", pid)

	s.thrashSem.Signal()
	return OK
}

// CloneProcess duplicates pid's address space via copy-on-write, per
// spec.md §4.8. Returns nil if pid does not exist or there are not
// enough free PMT slots to give the clone its own PMT1/PMT2s and the new
// cloning PMT2s that take over the source's plain pages.
func (s *System) CloneProcess(pid ProcessID) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone, status := s.cloneProcessLocked(pid)
	if status != OK {
		return nil
	}
	return &Process{sys: s, id: clone.id}
}

// Access implements spec.md §4.9: the System-level entry point a host
// uses to check (and, on success, mark referenced/dirty on) one access to
// one virtual address.
func (s *System) Access(pid ProcessID, va VirtualAddress, t AccessType) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	proc := s.lookupProcess(pid)
	if proc == nil {
		return Trap
	}
	return s.accessLocked(proc, va, t)
}

// accessLocked is the body of Access. Shared and cloned descriptors are
// checked through their authoritative descriptor; a permitted write to a
// cloned page always returns PAGE_FAULT and records va in pendingCOW, so
// the next page fault diverges the page (see pagefault.go).
func (s *System) accessLocked(proc *processState, va VirtualAddress, t AccessType) Status {
	d := walkDescriptor(proc.pmt1, va)
	if d == nil {
		return PageFault
	}
	if !d.inUse() {
		return Trap
	}

	eff := d.redirected()

	if d.cloned() && (t == Write || t == ReadWrite) && d.hasRight(t) {
		if proc.pendingCOW == nil {
			proc.pendingCOW = make(map[VirtualAddress]bool)
		}
		proc.pendingCOW[va] = true
		return PageFault
	}
	if !eff.valid() {
		return PageFault
	}

	eff.setReferenced(true)
	if !d.hasRight(t) {
		return Trap
	}

	proc.consecutiveFaults = 0
	if t == Write || t == ReadWrite {
		eff.setDirty(true)
	}
	return OK
}

// physicalAddressLocked implements spec.md §4.9's get_physical_address:
// redirect on shared/cloned, then translate if resident. The returned
// value is an offset into the caller-supplied frame region (word-aligned
// to the low 10 bits), not a raw pointer — see FrameAddr's doc comment.
func (s *System) physicalAddressLocked(proc *processState, va VirtualAddress) (FrameAddr, bool) {
	d := walkDescriptor(proc.pmt1, va)
	if d == nil {
		return 0, false
	}
	eff := d
	if d.shared() || d.cloned() {
		eff = d.redirect
	}
	if eff == nil || !eff.valid() {
		return 0, false
	}
	_, _, word := va.Split()
	return eff.frame + FrameAddr(word), true
}

// DumpProcess writes a diagnostic snapshot of pid's address space to w,
// generalizing the teacher's crearMemoryDump: segments in start-address
// order, each page's PageSize bytes if resident (shared/cloned
// descriptors dumped through their redirect), or a single zero byte
// marker for non-resident pages. It never allocates a frame or touches
// the disk — a page that has only a cluster, no frame, dumps as absent.
// This is a debugging aid, not part of any invariant in SPEC_FULL.md §8.
func (s *System) DumpProcess(pid ProcessID, w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	proc := s.lookupProcess(pid)
	if proc == nil {
		return fmt.Errorf("vmkernel: dump process %d: no such process", pid)
	}

	var absentMarker [1]byte
	for _, si := range proc.segments {
		for d := si.first; d != nil; d = d.next {
			eff := d.redirected()
			if eff.valid() {
				if _, err := w.Write(s.frames.bytes(eff.frame)); err != nil {
					return fmt.Errorf("vmkernel: dump process %d: %w", pid, err)
				}
				continue
			}
			if _, err := w.Write(absentMarker[:]); err != nil {
				return fmt.Errorf("vmkernel: dump process %d: %w", pid, err)
			}
		}
	}
	s.log.Info("memory dump written", "pid", pid)
	return nil
}

// FreeFrames reports the number of currently unused frames.
func (s *System) FreeFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames.freeCount()
}

// FreeClusters reports the number of currently unused disk clusters.
func (s *System) FreeClusters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disk.freeClusters()
}

// FreePMTSlots reports the number of currently unused PMT slots.
func (s *System) FreePMTSlots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pmtSlots.freeCount()
}

// Stats is a point-in-time snapshot of system-wide resource usage,
// exposed over the diagnostics API (internal/diagapi).
type Stats struct {
	FreeFrames   int `json:"free_frames"`
	TotalFrames  int `json:"total_frames"`
	FreeClusters int `json:"free_clusters"`
	TotalClusters int `json:"total_clusters"`
	FreePMTSlots int `json:"free_pmt_slots"`
	TotalPMTSlots int `json:"total_pmt_slots"`
	Processes    int `json:"processes"`
	SharedSegments int `json:"shared_segments"`
}

// Snapshot returns a Stats value describing current resource usage.
func (s *System) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		FreeFrames:     s.frames.freeCount(),
		TotalFrames:    s.frames.total(),
		FreeClusters:   s.disk.freeClusters(),
		TotalClusters:  s.disk.totalClusters(),
		FreePMTSlots:   s.pmtSlots.freeCount(),
		TotalPMTSlots:  s.pmtSlots.total(),
		Processes:      len(s.processes),
		SharedSegments: len(s.shared.byName),
	}
}

// ProcessIDs returns every currently live process id.
func (s *System) ProcessIDs() []ProcessID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]ProcessID, 0, len(s.processes))
	for id := range s.processes {
		ids = append(ids, id)
	}
	return ids
}

// SharedSegmentNames returns every currently registered shared-segment
// name.
func (s *System) SharedSegmentNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.shared.byName))
	for name := range s.shared.byName {
		names = append(names, name)
	}
	return names
}
