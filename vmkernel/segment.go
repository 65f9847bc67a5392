package vmkernel

// pagesFor returns the page-aligned virtual address of every page in
// [start, start+lengthPgs*PageSize).
func pagesFor(start VirtualAddress, lengthPgs int) []VirtualAddress {
	out := make([]VirtualAddress, lengthPgs)
	for i := 0; i < lengthPgs; i++ {
		out[i] = start + VirtualAddress(i*PageSize)
	}
	return out
}

// materializeDescriptors is the shared two-pass body of createSegment
// and loadSegment (spec.md §4.4 steps 2-4): verify enough free PMT slots
// exist for whatever PMT2 tables are missing, then allocate them and
// chain one in-use descriptor per page. Returns the first descriptor of
// the new chain, or nil (with ok=false) if admission failed — in which
// case no mutation has happened yet.
func (s *System) materializeDescriptors(proc *processState, start VirtualAddress, lengthPgs int, flags AccessType) (*descriptor, bool) {
	vas := pagesFor(start, lengthPgs)

	missing := map[int]bool{}
	for _, va := range vas {
		page1, _, _ := va.Split()
		if proc.pmt1.entries[page1] == nil {
			missing[page1] = true
		}
	}
	if len(missing) > s.pmtSlots.freeCount() {
		return nil, false
	}

	for page1 := range missing {
		key := hashKey(proc.id, page1)
		pmt2 := s.newPMT2(key, pmt2KindNormal)
		if pmt2 == nil {
			return nil, false // should not happen: checked above
		}
		proc.pmt1.entries[page1] = pmt2
	}

	var first, tail *descriptor
	for _, va := range vas {
		page1, page2, _ := va.Split()
		pmt2 := proc.pmt1.entries[page1]
		d := &pmt2.entries[page2]

		d.setInUse(true)
		d.setAccess(flags)
		d.pmt1Idx = page1

		if tail == nil {
			first = d
			tail = d
		} else {
			tail.next = d
			tail = d
		}

		s.pmt2Counters[hashKey(proc.id, page1)].counter++
	}
	return first, true
}

// createSegmentLocked implements spec.md §4.4 without the load step.
func (s *System) createSegmentLocked(proc *processState, start VirtualAddress, lengthPgs int, flags AccessType) Status {
	if !start.Aligned() {
		return Trap
	}
	if lengthPgs <= 0 {
		return Trap
	}
	if proc.overlaps(start, lengthPgs) {
		return Trap
	}

	first, ok := s.materializeDescriptors(proc, start, lengthPgs, flags)
	if !ok {
		return Trap
	}

	proc.insertSegment(&segmentInfo{start: start, access: flags, lengthPgs: lengthPgs, first: first})
	s.log.Info("segment created", "pid", proc.id, "start", start, "pages", lengthPgs, "access", flags)
	return OK
}

// loadSegmentLocked implements spec.md §4.4 including the eager load
// step: each page's 1KiB slice of content is written to a freshly
// allocated cluster, and the descriptor is marked has_cluster (but
// still non-resident — the page is only brought into a frame on its
// first page fault).
func (s *System) loadSegmentLocked(proc *processState, start VirtualAddress, lengthPgs int, flags AccessType, content []byte) Status {
	if !start.Aligned() {
		return Trap
	}
	if lengthPgs <= 0 || len(content) < lengthPgs*PageSize {
		return Trap
	}
	if proc.overlaps(start, lengthPgs) {
		return Trap
	}
	if !s.disk.hasSpace(lengthPgs) {
		return Trap
	}

	first, ok := s.materializeDescriptors(proc, start, lengthPgs, flags)
	if !ok {
		return Trap
	}

	d := first
	for i := 0; i < lengthPgs; i++ {
		slice := content[i*PageSize : (i+1)*PageSize]
		no, err := s.disk.write(slice)
		if err != nil {
			s.log.Error("load segment: cluster write failed mid-load", "pid", proc.id, "error", err)
			return Trap
		}
		d.setCluster(no)
		d = d.next
	}

	proc.insertSegment(&segmentInfo{start: start, access: flags, lengthPgs: lengthPgs, first: first})
	s.log.Info("segment loaded", "pid", proc.id, "start", start, "pages", lengthPgs, "access", flags)
	return OK
}

// deleteSegmentLocked implements spec.md §4.4's teardown: start must
// match a segment's first page. Every descriptor in the chain is
// reclaimed according to its kind (plain / shared-connection /
// cloned), and the owning PMT2's counter is decremented, freeing the
// PMT2 itself once it reaches zero.
func (s *System) deleteSegmentLocked(proc *processState, si *segmentInfo) Status {
	for d := si.first; d != nil; {
		next := d.next
		s.releaseDescriptor(proc, d)
		d = next
	}
	proc.removeSegment(si)
	s.log.Info("segment deleted", "pid", proc.id, "start", si.start)
	return OK
}

// deleteSegmentByAddr validates that start matches an existing segment's
// first page before delegating to deleteSegmentLocked.
func (s *System) deleteSegmentByAddr(proc *processState, start VirtualAddress) Status {
	si := proc.segmentAt(start)
	if si == nil || si.sharedName != "" {
		return Trap
	}
	return s.deleteSegmentLocked(proc, si)
}

// releaseDescriptor reclaims one descriptor's resources during segment
// deletion, per the three cases spec.md §4.4 distinguishes.
func (s *System) releaseDescriptor(proc *processState, d *descriptor) {
	key := hashKey(proc.id, d.pmt1Idx)

	switch {
	case d.cloned():
		s.releaseCloningRef(d)
	case d.shared():
		// The descriptor only indirects into the shared PMT2; the
		// shared table itself is owned by the registry, not released
		// here (disconnectSharedLocked handles participant bookkeeping
		// instead — this path is only reached from a plain delete of a
		// non-shared segment, so it should not occur in practice).
	default:
		if d.valid() {
			s.frames.freeFrame(d.frame)
			s.unregisterFrame(d.frame)
		}
		if d.hasCluster() {
			s.disk.free(d.cluster)
		}
	}

	d.reset()
	if c := s.counterFor(key); c != nil {
		c.counter--
	}
	s.releasePMT2IfEmpty(proc.pmt1, key, d.pmt1Idx)
}
