package vmkernel

import (
	"hash/fnv"

	"github.com/rs/xid"
)

// sharingEntry records one process's connection to a shared segment, per
// spec.md §3's "processes_sharing: list of {process, first_descriptor}".
// handle is an opaque diagnostic id for this particular connection (not
// used by any correctness path, only by external tooling that wants to
// refer to "that connect call" in logs without exposing descriptor
// pointers).
type sharingEntry struct {
	pid    ProcessID
	first  *descriptor
	handle string
}

// sharedSegment is a named segment whose PMT1/PMT2s live in the registry,
// not in any one process. descriptors holds the segment's own descriptor
// chain in VA order so connectToShared can index straight into it without
// re-walking its PMT1.
type sharedSegment struct {
	name      string
	lengthPgs int
	access    AccessType
	pmt1      *pmt1Table
	descriptors []*descriptor

	processesSharing []sharingEntry
}

// sharedRegistry is the System's global name -> sharedSegment map, plus a
// reverse index from an authoritative shared descriptor back to its owning
// segment (needed when a clone operation has to find which shared segment
// a descriptor it is copying belongs to, see clone.go).
type sharedRegistry struct {
	byName map[string]*sharedSegment
	owner  map[*descriptor]*sharedSegment
}

func newSharedRegistry() *sharedRegistry {
	return &sharedRegistry{
		byName: make(map[string]*sharedSegment),
		owner:  make(map[*descriptor]*sharedSegment),
	}
}

// hashKeyShared computes a PMT2-counter dictionary key for a shared
// segment's own PMT2, distinct from the per-process hashKey space: it is
// derived from the segment's name rather than a process id.
func hashKeyShared(name string, page1 int) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64()<<8 | uint64(uint8(page1))
}

// accessCompatible implements the EX<->EX-only / R-W-RW lattice spec.md
// §4.7 codifies for connecting to an existing shared segment, resolving
// the "open question" in §9 in favor of keeping EXECUTE exclusive.
func accessCompatible(existing, requested AccessType) bool {
	switch existing {
	case Read:
		return requested == Read || requested == ReadWrite
	case Write:
		return requested == Write || requested == ReadWrite
	case ReadWrite:
		return requested == Read || requested == Write || requested == ReadWrite
	case Execute:
		return requested == Execute
	}
	return false
}

// createSharedSegmentLocked implements spec.md §4.7: create-or-connect.
// If name is new, it allocates the segment's own PMT1 and ceil(length/64)
// PMT2s and materializes in_use+access descriptors for it; otherwise the
// caller is validated against the existing segment's length and access
// type. Either way the caller's own connection descriptors are then
// materialized in its process PMT1, pointing at the shared descriptors.
func (s *System) createSharedSegmentLocked(proc *processState, start VirtualAddress, lengthPgs int, name string, flags AccessType) Status {
	if !start.Aligned() || lengthPgs <= 0 {
		return Trap
	}
	if proc.overlaps(start, lengthPgs) {
		return Trap
	}
	if _, exists := proc.sharedConns[name]; exists {
		return Trap
	}

	seg, ok := s.shared.byName[name]
	if !ok {
		seg, ok = s.buildSharedSegment(name, lengthPgs, flags)
		if !ok {
			return Trap
		}
	} else {
		if lengthPgs > seg.lengthPgs || !accessCompatible(seg.access, flags) {
			return Trap
		}
	}

	first, ok := s.connectDescriptors(proc, seg, start, lengthPgs, flags)
	if !ok {
		return Trap
	}

	si := &segmentInfo{start: start, access: flags, lengthPgs: lengthPgs, first: first, sharedName: name}
	proc.insertSegment(si)
	proc.sharedConns[name] = si
	handle := xid.New().String()
	seg.processesSharing = append(seg.processesSharing, sharingEntry{pid: proc.id, first: first, handle: handle})
	s.log.Info("connected to shared segment", "pid", proc.id, "name", name, "start", start, "pages", lengthPgs, "handle", handle)
	return OK
}

// buildSharedSegment allocates a brand-new named segment: its own PMT1,
// enough PMT2s to hold lengthPgs descriptors, and the descriptors
// themselves, marked in_use with the creator's access flags but otherwise
// untouched (no frame, no cluster — exactly like a freshly created
// non-loaded segment).
func (s *System) buildSharedSegment(name string, lengthPgs int, flags AccessType) (*sharedSegment, bool) {
	pmt1 := s.newPMT1()
	if pmt1 == nil {
		return nil, false
	}

	seg := &sharedSegment{name: name, lengthPgs: lengthPgs, access: flags, pmt1: pmt1}
	seg.descriptors = make([]*descriptor, lengthPgs)

	vas := pagesFor(0, lengthPgs)
	missing := map[int]bool{}
	for _, va := range vas {
		page1, _, _ := va.Split()
		if pmt1.entries[page1] == nil {
			missing[page1] = true
		}
	}
	if len(missing) > s.pmtSlots.freeCount() {
		s.freePMT1(pmt1)
		return nil, false
	}
	for page1 := range missing {
		pmt2 := s.newPMT2(hashKeyShared(name, page1), pmt2KindShared)
		if pmt2 == nil {
			s.freePMT1(pmt1)
			return nil, false
		}
		pmt1.entries[page1] = pmt2
	}

	for i, va := range vas {
		page1, page2, _ := va.Split()
		d := &pmt1.entries[page1].entries[page2]
		d.setInUse(true)
		d.setAccess(flags)
		d.pmt1Idx = page1
		seg.descriptors[i] = d
		s.pmt2Counters[hashKeyShared(name, page1)].counter++
		s.shared.owner[d] = seg
	}

	s.shared.byName[name] = seg
	s.log.Info("shared segment created", "name", name, "pages", lengthPgs, "access", flags)
	return seg, true
}

// connectDescriptors materializes the connecting process's own chain of
// shared-redirecting descriptors, admitted against free_pmt_slots exactly
// like a normal segment creation.
func (s *System) connectDescriptors(proc *processState, seg *sharedSegment, start VirtualAddress, lengthPgs int, flags AccessType) (*descriptor, bool) {
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
		pmt2 := s.newPMT2(hashKey(proc.id, page1), pmt2KindNormal)
		if pmt2 == nil {
			return nil, false
		}
		proc.pmt1.entries[page1] = pmt2
	}

	var first, tail *descriptor
	for i, va := range vas {
		page1, page2, _ := va.Split()
		d := &proc.pmt1.entries[page1].entries[page2]
		d.setInUse(true)
		d.setAccess(flags)
		d.pmt1Idx = page1
		d.setRedirect(seg.descriptors[i], 0, false)

		if tail == nil {
			first = d
		} else {
			tail.next = d
		}
		tail = d

		s.pmt2Counters[hashKey(proc.id, page1)].counter++
	}
	return first, true
}

// disconnectSharedLocked implements spec.md §4.7's disconnect: the
// caller's own descriptors and their owning PMT2 refcounts are released,
// but the shared PMT2s/frames/clusters are untouched.
func (s *System) disconnectSharedLocked(proc *processState, name string) Status {
	si, ok := proc.sharedConns[name]
	if !ok {
		return Trap
	}

	for d := si.first; d != nil; {
		next := d.next
		key := hashKey(proc.id, d.pmt1Idx)
		d.reset()
		if c := s.counterFor(key); c != nil {
			c.counter--
		}
		s.releasePMT2IfEmpty(proc.pmt1, key, d.pmt1Idx)
		d = next
	}

	proc.removeSegment(si)
	delete(proc.sharedConns, name)

	if seg, ok := s.shared.byName[name]; ok {
		for i, pe := range seg.processesSharing {
			if pe.pid == proc.id {
				seg.processesSharing = append(seg.processesSharing[:i], seg.processesSharing[i+1:]...)
				break
			}
		}
	}

	s.log.Info("disconnected from shared segment", "pid", proc.id, "name", name)
	return OK
}

// deleteSharedLocked implements spec.md §4.7's delete-for-everyone: every
// sharing process is disconnected first, then the shared segment's own
// frames, clusters, PMT2s and PMT1 are released.
func (s *System) deleteSharedLocked(name string) Status {
	seg, ok := s.shared.byName[name]
	if !ok {
		return Trap
	}

	for _, pe := range append([]sharingEntry(nil), seg.processesSharing...) {
		if proc := s.lookupProcess(pe.pid); proc != nil {
			s.disconnectSharedLocked(proc, name)
		}
	}

	for _, d := range seg.descriptors {
		if d.valid() {
			s.frames.freeFrame(d.frame)
			s.unregisterFrame(d.frame)
		}
		if d.hasCluster() {
			s.disk.free(d.cluster)
		}
		delete(s.shared.owner, d)
	}

	seen := map[*pmt2Table]bool{}
	for page1, pmt2 := range seg.pmt1.entries {
		if pmt2 == nil || seen[pmt2] {
			continue
		}
		seen[pmt2] = true
		key := hashKeyShared(name, page1)
		s.pmtSlots.freeSlot(pmt2.slotID)
		delete(s.pmt2Counters, key)
	}
	s.freePMT1(seg.pmt1)
	delete(s.shared.byName, name)

	s.log.Info("shared segment deleted", "name", name)
	return OK
}
