package vmkernel

import (
	"encoding/binary"

	"github.com/rs/xid"
)

// cloningKey mints a random lookup key for a new cloning-PMT2 counter
// entry, per spec.md §3 ("cloning PMT2s use a random key"). xid.New
// already mixes machine id, pid, a counter and the time into 12 bytes;
// folding it into a uint64 gives a key space effectively disjoint from
// the deterministic hashKey/hashKeyShared ones, which is all the spec
// requires of it.
func cloningKey() uint64 {
	id := xid.New()
	b := id.Bytes()
	return binary.BigEndian.Uint64(b[0:8]) ^ uint64(binary.BigEndian.Uint32(b[8:12]))
}

// cloningPMT2For returns the cloning PMT2 table for srcPMT2, creating one
// (once per source PMT2, per spec.md §4.8) on first use within a single
// clone_process call. cache is scoped to that one call.
func (s *System) cloningPMT2For(srcPMT2 *pmt2Table, cache map[*pmt2Table]*pmt2Table, keys map[*pmt2Table]uint64) (*pmt2Table, uint64, bool) {
	if t, ok := cache[srcPMT2]; ok {
		return t, keys[srcPMT2], true
	}
	key := cloningKey()
	for s.pmt2Counters[key] != nil {
		key = cloningKey()
	}
	t := s.newPMT2(key, pmt2KindCloning)
	if t == nil {
		return nil, 0, false
	}
	cache[srcPMT2] = t
	keys[srcPMT2] = key
	return t, key, true
}

// cloneProcessLocked implements spec.md §4.8. The admission check only
// needs to reason about PMT slots: cloning never allocates a new frame or
// disk cluster up front — COW divergence (pagefault.go) does that lazily,
// the first time either copy writes.
func (s *System) cloneProcessLocked(srcID ProcessID) (*processState, Status) {
	src := s.lookupProcess(srcID)
	if src == nil {
		return nil, Trap
	}

	newPMT2s := 0
	cloningNeeded := 0
	for _, pmt2 := range src.pmt1.entries {
		if pmt2 == nil {
			continue
		}
		newPMT2s++
		for i := range pmt2.entries {
			d := &pmt2.entries[i]
			if d.inUse() && !d.shared() && !d.cloned() {
				cloningNeeded++
				break
			}
		}
	}
	if 1+newPMT2s+cloningNeeded > s.pmtSlots.freeCount() {
		return nil, Trap
	}

	clonePMT1 := s.newPMT1()
	if clonePMT1 == nil {
		return nil, Trap
	}

	s.nextPID++
	cloneID := s.nextPID
	clone := &processState{
		id:          cloneID,
		pmt1:        clonePMT1,
		sharedConns: make(map[string]*segmentInfo),
	}

	cloningTables := map[*pmt2Table]*pmt2Table{}
	cloningKeys := map[*pmt2Table]uint64{}
	cloneOf := map[*descriptor]*descriptor{}

	for page1, srcPMT2 := range src.pmt1.entries {
		if srcPMT2 == nil {
			continue
		}

		clonePMT2 := s.newPMT2(hashKey(cloneID, page1), pmt2KindNormal)
		clonePMT1.entries[page1] = clonePMT2

		for page2 := range srcPMT2.entries {
			sd := &srcPMT2.entries[page2]
			if !sd.inUse() {
				continue
			}
			cd := &clonePMT2.entries[page2]
			cd.pmt1Idx = page1
			cd.setInUse(true)
			cd.basic = sd.basic

			switch {
			case sd.shared():
				cd.setRedirect(sd.redirect, sd.cloneKey, false)
				if seg, ok := s.shared.owner[sd.redirect]; ok {
					seg.processesSharing = append(seg.processesSharing, sharingEntry{pid: cloneID, first: cd, handle: xid.New().String()})
				}

			case sd.cloned():
				cd.setRedirect(sd.redirect, sd.cloneKey, true)
				if c := s.pmt2Counters[sd.cloneKey]; c != nil && c.kind == pmt2KindCloning {
					c.cloningRefs[sd.redirect]++
				}

			default:
				clTable, key, ok := s.cloningPMT2For(srcPMT2, cloningTables, cloningKeys)
				if !ok {
					return nil, Trap
				}
				clDesc := &clTable.entries[page2]
				clDesc.basic = sd.basic
				clDesc.advanced = sd.advanced &^ (bitShared | bitCloned)
				clDesc.frame = sd.frame
				clDesc.cluster = sd.cluster
				clDesc.pmt1Idx = -1
				clDesc.setInUse(true)

				if sd.valid() {
					s.registerFrame(sd.frame, clDesc)
				}

				sd.frame = 0
				sd.cluster = 0
				sd.setValid(false)
				sd.setDirty(false)
				sd.setHasCluster(false)
				sd.setCOW(true)
				sd.setRedirect(clDesc, key, true)

				cd.basic &^= bitValid | bitDirty
				cd.setCOW(true)
				cd.setRedirect(clDesc, key, true)

				c := s.pmt2Counters[key]
				c.cloningRefs[clDesc] = 2
				c.counter++
			}

			cloneOf[sd] = cd
		}

		s.pmt2Counters[hashKey(cloneID, page1)].counter = countInUse(clonePMT2)
	}

	for _, si := range src.segments {
		var first, tail *descriptor
		for sd := si.first; sd != nil; sd = sd.next {
			cd := cloneOf[sd]
			if tail == nil {
				first = cd
			} else {
				tail.next = cd
			}
			tail = cd
		}
		csi := &segmentInfo{start: si.start, access: si.access, lengthPgs: si.lengthPgs, first: first, sharedName: si.sharedName}
		clone.insertSegment(csi)
		if si.sharedName != "" {
			clone.sharedConns[si.sharedName] = csi
		}
	}

	s.processes[cloneID] = clone
	s.log.Info("process cloned", "src_pid", srcID, "clone_pid", cloneID)
	return clone, OK
}

func countInUse(t *pmt2Table) int {
	n := 0
	for i := range t.entries {
		if t.entries[i].inUse() {
			n++
		}
	}
	return n
}

// releaseCloningRef decrements the per-descriptor refcount backing a
// cloned descriptor d, releasing the cloning descriptor's frame/cluster
// and, once the cloning PMT2's overall counter reaches zero, the table
// itself — spec.md §4.4's cloned-descriptor teardown case and §4.5's
// COW-divergence case both funnel through here.
func (s *System) releaseCloningRef(d *descriptor) {
	c := s.pmt2Counters[d.cloneKey]
	if c == nil || c.kind != pmt2KindCloning {
		return
	}
	clDesc := d.redirect
	if clDesc == nil {
		return
	}
	c.cloningRefs[clDesc]--
	if c.cloningRefs[clDesc] > 0 {
		return
	}
	delete(c.cloningRefs, clDesc)

	if clDesc.valid() {
		s.frames.freeFrame(clDesc.frame)
		s.unregisterFrame(clDesc.frame)
	}
	if clDesc.hasCluster() {
		s.disk.free(clDesc.cluster)
	}
	clDesc.setInUse(false)

	c.counter--
	if c.counter <= 0 {
		s.pmtSlots.freeSlot(c.pmt2.slotID)
		delete(s.pmt2Counters, d.cloneKey)
	}
}
