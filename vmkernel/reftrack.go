package vmkernel

// refRegister is the per-frame reference-history record: a 32-bit shift
// register of past "referenced" samples, and a pointer back to whichever
// descriptor currently occupies the frame (nil if the frame is free).
type refRegister struct {
	history uint32
	desc    *descriptor
}

const refRegisterTopBit = uint32(1) << 31

func frameIndex(addr FrameAddr) int { return int(addr) / PageSize }

// registerFrame records that addr now backs d, for reference tracking
// and victim selection.
func (s *System) registerFrame(addr FrameAddr, d *descriptor) {
	s.refRegs[frameIndex(addr)] = refRegister{desc: d}
}

// unregisterFrame drops the tracking entry for a frame about to be
// returned to the free list.
func (s *System) unregisterFrame(addr FrameAddr) {
	s.refRegs[frameIndex(addr)] = refRegister{}
}

// periodicJobLocked shifts every occupied frame's history right by one,
// ORing in the descriptor's referenced bit at the top, then clears that
// bit — spec.md §4.6 / §4.10. Caller must hold s.mu.
func (s *System) periodicJobLocked() {
	for i := range s.refRegs {
		r := &s.refRegs[i]
		if r.desc == nil {
			continue
		}
		r.history >>= 1
		if r.desc.referenced() {
			r.history |= refRegisterTopBit
			r.desc.setReferenced(false)
		}
	}
}

// evictResidentLocked implements the thrashing-mitigation sweep described
// in spec.md §5/§9: every one of proc's own resident, non-shared pages is
// written back (if dirty) and dropped to non-resident, and every
// referenced bit the process could have set is cleared. A dirty page
// whose write-back fails stays resident and dirty. Shared-segment
// connections are left alone — evicting them would punish every other
// process sharing the segment for this one process's thrashing.
func (s *System) evictResidentLocked(proc *processState) {
	for _, si := range proc.segments {
		if si.sharedName != "" {
			continue
		}
		for d := si.first; d != nil; d = d.next {
			if d.cloned() || !d.valid() {
				d.setReferenced(false)
				continue
			}
			if d.dirty() {
				var buf [PageSize]byte
				copy(buf[:], s.frames.bytes(d.frame))
				var err error
				if d.hasCluster() {
					err = s.disk.writeTo(buf[:], d.cluster)
				} else {
					var no int
					if no, err = s.disk.write(buf[:]); err == nil {
						d.setCluster(no)
					}
				}
				if err != nil {
					d.setReferenced(false)
					continue
				}
				d.setDirty(false)
			}
			s.frames.freeFrame(d.frame)
			s.unregisterFrame(d.frame)
			d.clearResidency()
		}
	}
}

// PeriodicJob advances every frame's reference history by one tick and
// returns the number of milliseconds the host should wait before
// calling it again.
func (s *System) PeriodicJob() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.periodicJobLocked()
	return PeriodicTickMillis
}

// selectVictimLocked implements spec.md §4.6's two-candidate replacement
// policy: among occupied frames, track the minimum-history descriptor
// that already owns a cluster and the minimum-history descriptor that
// does not, then pick whichever the disk's free-cluster state allows.
// Writes the victim back if dirty, frees its prior binding, and returns
// the now-free frame. Returns (0, false) only if eviction genuinely
// cannot make progress (disk full and the only candidate needs a new
// cluster to write back).
func (s *System) selectVictimLocked() (FrameAddr, bool) {
	const noCandidate = -1
	bestWith, bestWithout := noCandidate, noCandidate
	var bestWithHist, bestWithoutHist uint32

	for i := range s.refRegs {
		r := &s.refRegs[i]
		if r.desc == nil {
			continue
		}
		if r.desc.hasCluster() {
			if bestWith == noCandidate || r.history < bestWithHist {
				bestWith, bestWithHist = i, r.history
			}
		} else {
			if bestWithout == noCandidate || r.history < bestWithoutHist {
				bestWithout, bestWithoutHist = i, r.history
			}
		}
	}

	victim := noCandidate
	switch {
	case bestWith == noCandidate && bestWithout == noCandidate:
		return 0, false
	case bestWith == noCandidate:
		victim = bestWithout
	case bestWithout == noCandidate:
		victim = bestWith
	default:
		victim = bestWith
		if bestWithoutHist < bestWithHist {
			victim = bestWithout
		}
		// Prefer the with-cluster candidate if the no-cluster winner
		// would need a cluster allocation the disk cannot satisfy.
		if victim == bestWithout && !s.disk.hasSpace(1) {
			victim = bestWith
		}
	}

	r := &s.refRegs[victim]
	d := r.desc
	r.history = 0

	if d.dirty() {
		var buf [PageSize]byte
		copy(buf[:], s.frames.bytes(FrameAddr(victim*PageSize)))
		if d.hasCluster() {
			if err := s.disk.writeTo(buf[:], d.cluster); err != nil {
				return 0, false
			}
		} else {
			no, err := s.disk.write(buf[:])
			if err != nil {
				return 0, false
			}
			d.setCluster(no)
		}
		d.setDirty(false)
	}

	frame := FrameAddr(victim * PageSize)
	d.clearResidency()
	r.desc = nil
	return frame, true
}
