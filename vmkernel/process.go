package vmkernel

import "io"

// Process is a handle to one live process's address space. It carries
// only an id and a back-pointer to the owning System — per the design
// note on breaking cyclic ownership, all actual state lives in the
// System's process map, keyed by id.
type Process struct {
	sys *System
	id  ProcessID
}

// ID returns the process's identifier.
func (p *Process) ID() ProcessID { return p.id }

// CreateSegment implements spec.md §4.4 without the eager-load step.
func (p *Process) CreateSegment(va VirtualAddress, pages int, flags AccessType) Status {
	s := p.sys
	s.mu.Lock()
	defer s.mu.Unlock()
	proc := s.lookupProcess(p.id)
	if proc == nil {
		return Trap
	}
	return s.createSegmentLocked(proc, va, pages, flags)
}

// LoadSegment implements spec.md §4.4 including the eager-load step.
func (p *Process) LoadSegment(va VirtualAddress, pages int, flags AccessType, content []byte) Status {
	s := p.sys
	s.mu.Lock()
	defer s.mu.Unlock()
	proc := s.lookupProcess(p.id)
	if proc == nil {
		return Trap
	}
	return s.loadSegmentLocked(proc, va, pages, flags, content)
}

// DeleteSegment implements spec.md §4.4's teardown. va must match an
// existing non-shared segment's first page.
func (p *Process) DeleteSegment(va VirtualAddress) Status {
	s := p.sys
	s.mu.Lock()
	defer s.mu.Unlock()
	proc := s.lookupProcess(p.id)
	if proc == nil {
		return Trap
	}
	return s.deleteSegmentByAddr(proc, va)
}

// PageFault implements spec.md §4.5.
func (p *Process) PageFault(va VirtualAddress) Status {
	s := p.sys
	s.mu.Lock()
	defer s.mu.Unlock()
	proc := s.lookupProcess(p.id)
	if proc == nil {
		return Trap
	}
	return s.pageFaultLocked(proc, va)
}

// GetPhysicalAddress implements spec.md §4.9. Returns 0 if va does not
// currently translate to a resident frame.
func (p *Process) GetPhysicalAddress(va VirtualAddress) FrameAddr {
	s := p.sys
	s.mu.Lock()
	defer s.mu.Unlock()
	proc := s.lookupProcess(p.id)
	if proc == nil {
		return 0
	}
	addr, ok := s.physicalAddressLocked(proc, va)
	if !ok {
		return 0
	}
	return addr
}

// BlockIfThrashing implements spec.md §5 / §9's thrashing mitigation: if
// its page-fault path has flagged this process for sustained consecutive
// page faults (more than PageFaultLimit), it evicts every one of its resident pages (writing dirty
// ones back first) and parks on the thrashing semaphore until some other
// process's destruction wakes it.
func (p *Process) BlockIfThrashing() {
	s := p.sys
	s.mu.Lock()
	proc := s.lookupProcess(p.id)
	if proc == nil || !proc.shouldBlock {
		s.mu.Unlock()
		return
	}
	proc.shouldBlock = false
	proc.consecutiveFaults = 0
	s.evictResidentLocked(proc)
	s.mu.Unlock()

	s.log.Info("process blocked for thrashing", "pid", p.id)
	s.thrashSem.Wait()
}

// CreateSharedSegment implements spec.md §4.7's connect-or-create.
func (p *Process) CreateSharedSegment(va VirtualAddress, pages int, name string, flags AccessType) Status {
	s := p.sys
	s.mu.Lock()
	defer s.mu.Unlock()
	proc := s.lookupProcess(p.id)
	if proc == nil {
		return Trap
	}
	return s.createSharedSegmentLocked(proc, va, pages, name, flags)
}

// DisconnectSharedSegment implements spec.md §4.7's disconnect.
func (p *Process) DisconnectSharedSegment(name string) Status {
	s := p.sys
	s.mu.Lock()
	defer s.mu.Unlock()
	proc := s.lookupProcess(p.id)
	if proc == nil {
		return Trap
	}
	return s.disconnectSharedLocked(proc, name)
}

// DeleteSharedSegment implements spec.md §4.7's delete-for-everyone.
func (p *Process) DeleteSharedSegment(name string) Status {
	s := p.sys
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteSharedLocked(name)
}

// Dump writes a diagnostic memory snapshot of this process to w. See
// System.DumpProcess.
func (p *Process) Dump(w io.Writer) error {
	return p.sys.DumpProcess(p.id, w)
}
