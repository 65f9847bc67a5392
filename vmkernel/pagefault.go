package vmkernel

// pageFaultLocked implements spec.md §4.5. The "attempting write" set the
// spec mentions but leaves unspecified how it's populated is realized as
// processState.pendingCOW, set by accessLocked (system.go) whenever a
// WRITE/READ_WRITE access on a cloned page returns PAGE_FAULT.
func (s *System) pageFaultLocked(proc *processState, va VirtualAddress) Status {
	proc.consecutiveFaults++
	if proc.consecutiveFaults > PageFaultLimit {
		proc.shouldBlock = true
	}

	d := walkDescriptor(proc.pmt1, va)
	if d == nil || !d.inUse() {
		return Trap
	}

	if d.cloned() && proc.pendingCOW[va] {
		delete(proc.pendingCOW, va)
		return s.divergeLocked(d)
	}

	eff := d.redirected()

	if eff.valid() {
		return OK
	}

	frame, ok := s.frames.getFreeFrame()
	if !ok {
		frame, ok = s.selectVictimLocked()
		if !ok {
			return Trap
		}
	}

	if eff.hasCluster() {
		if err := s.disk.read(s.frames.bytes(frame), eff.cluster); err != nil {
			s.frames.freeFrame(frame)
			s.log.Error("page fault: cluster read failed", "pid", proc.id, "va", va, "error", err)
			return Trap
		}
	}

	eff.setFrame(frame)
	s.registerFrame(frame, eff)
	s.log.Info("page fault resolved", "pid", proc.id, "va", va, "frame", frame)
	return OK
}

// divergeLocked performs copy-on-write divergence for d, a descriptor
// whose authoritative content currently lives in the cloning descriptor
// d.redirect, per spec.md §4.5's second bullet. Afterward d owns its own
// cluster but is not yet resident; the caller's next access will take the
// ordinary (non-cloned) page-fault path to bring it into a fresh frame.
func (s *System) divergeLocked(d *descriptor) Status {
	clDesc := d.redirect

	var newCluster int
	var err error
	switch {
	case clDesc.valid():
		var buf [PageSize]byte
		copy(buf[:], s.frames.bytes(clDesc.frame))
		newCluster, err = s.disk.write(buf[:])
	case clDesc.hasCluster():
		newCluster, err = s.disk.writeFrom(clDesc.cluster)
	default:
		var buf [PageSize]byte
		newCluster, err = s.disk.write(buf[:])
	}
	if err != nil {
		return Trap
	}

	s.releaseCloningRef(d)

	d.setCloned(false)
	d.setCOW(false)
	d.redirect = nil
	d.cloneKey = 0
	d.frame = 0
	d.setValid(false)
	d.setDirty(false)
	d.setCluster(newCluster)
	return OK
}
