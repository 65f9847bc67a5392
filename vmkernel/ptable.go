package vmkernel

// pmt1Table is a process's (or shared segment's) first-level page
// table: 256 nullable pointers to second-level tables.
type pmt1Table struct {
	entries [PMT1Entries]*pmt2Table
	slotID  uint32
}

// pmt2Table is a second-level page table: 64 descriptors. It is owned
// by exactly one of a process, a shared segment, or the cloning
// mechanism (see pmt2Counter.kind).
type pmt2Table struct {
	entries [PMT2Entries]descriptor
	slotID  uint32
}

type pmt2Kind int

const (
	pmt2KindNormal pmt2Kind = iota
	pmt2KindShared
	pmt2KindCloning
)

// pmt2Counter is the per-live-PMT2 bookkeeping record the spec calls
// the "PMT2 counter entry": how many in-use descriptors the table holds,
// and — for cloning PMT2s only — a refcount per originating descriptor.
type pmt2Counter struct {
	pmt2    *pmt2Table
	kind    pmt2Kind
	counter int // in-use descriptors in this PMT2

	// cloningRefs counts, for a cloning PMT2 only, how many originating
	// descriptors (across both the source and cloned process) still
	// point at each cloning descriptor.
	cloningRefs map[*descriptor]int
}

// hashKey computes the spec's hash(process.id, page1) dictionary key for
// a normal (non-cloning) PMT2 counter entry.
func hashKey(pid ProcessID, page1 int) uint64 {
	return uint64(pid)<<32 | uint64(uint32(page1))
}

// newPMT2 allocates a PMT-slot token and a zeroed PMT2 table, and
// registers its counter entry under key. Returns nil if the slot arena
// is exhausted.
func (s *System) newPMT2(key uint64, kind pmt2Kind) *pmt2Table {
	slot, ok := s.pmtSlots.getFreeSlot()
	if !ok {
		return nil
	}
	t := &pmt2Table{slotID: slot}
	c := &pmt2Counter{pmt2: t, kind: kind}
	if kind == pmt2KindCloning {
		c.cloningRefs = make(map[*descriptor]int)
	}
	s.pmt2Counters[key] = c
	return t
}

// newPMT1 allocates a PMT-slot token and a zeroed PMT1 table.
func (s *System) newPMT1() *pmt1Table {
	slot, ok := s.pmtSlots.getFreeSlot()
	if !ok {
		return nil
	}
	return &pmt1Table{slotID: slot}
}

func (s *System) freePMT1(t *pmt1Table) {
	s.pmtSlots.freeSlot(t.slotID)
}

// counterFor returns the counter entry for a PMT2 table by key, or nil.
func (s *System) counterFor(key uint64) *pmt2Counter {
	return s.pmt2Counters[key]
}

// releasePMT2IfEmpty frees a normal PMT2's slot and clears its parent
// PMT1 entry once its counter reaches zero, per spec.md §4.4 step 6.
// Shared-segment PMT2s are freed by the shared-segment delete path
// instead (they must survive a zero in-use count while other processes
// still reference the shared segment by name), and cloning PMT2s are
// freed by releaseCloningRef; this helper is only for plain, per-process
// PMT2s, which is why it is also the one place that clears the owning
// PMT1's entry.
func (s *System) releasePMT2IfEmpty(pmt1 *pmt1Table, key uint64, page1 int) {
	c := s.counterFor(key)
	if c == nil || c.kind != pmt2KindNormal || c.counter > 0 {
		return
	}
	s.pmtSlots.freeSlot(c.pmt2.slotID)
	delete(s.pmt2Counters, key)
	pmt1.entries[page1] = nil
}

// walkDescriptor performs the bare translation walk of spec.md §4.3: no
// allocation, just PMT1 -> PMT2 -> descriptor. Returns nil if no PMT2 is
// installed for page1 yet.
func walkDescriptor(pmt1 *pmt1Table, va VirtualAddress) *descriptor {
	page1, page2, _ := va.Split()
	pmt2 := pmt1.entries[page1]
	if pmt2 == nil {
		return nil
	}
	return &pmt2.entries[page2]
}

// effectiveDescriptor resolves shared/cloned indirection, returning the
// authoritative descriptor a caller should actually inspect or mutate
// access bits on (but see pagefault.go: COW divergence needs the
// *unresolved* descriptor too, so it does not use this helper blindly).
func effectiveDescriptor(d *descriptor) *descriptor {
	if d == nil {
		return nil
	}
	return d.redirected()
}
