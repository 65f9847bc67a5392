package vmkernel

// basicBit / advancedBit name the bit positions packed into a
// descriptor's two status bytes, mirroring the spec's basic_bits /
// advanced_bits split.
type basicBit uint8

const (
	bitValid basicBit = 1 << iota
	bitDirty
	bitRead
	bitWrite
	bitExecute
)

type advancedBit uint8

const (
	bitCOW advancedBit = 1 << iota
	bitShared
	bitReferenced
	bitCloned
	bitHasCluster
	bitInUse
)

// descriptor is the per-page metadata record described in spec.md §3.
// block/disk are modeled as separate typed fields instead of an
// overloaded machine word: each of frame/redirect/cluster/cloneKey is
// meaningful only while the bit noted beside it is set. The fields are
// read and written directly, without checking those bits, and frame and
// cluster can be set at once (a resident page that also owns a cluster).
type descriptor struct {
	basic    basicBit
	advanced advancedBit

	frame    FrameAddr   // valid when .valid() — the backing physical frame
	redirect *descriptor // valid when .shared() or .cloned() — authoritative descriptor
	cluster  int         // valid when .hasCluster() — backing cluster number
	cloneKey uint64      // valid when .cloned() — cloning-PMT2 counter dictionary key

	pmt1Idx int         // the PMT1 index of the table this descriptor lives in (-1 for a cloning-PMT2 entry)
	pmt2Idx int         // this descriptor's index within its owning PMT2
	next    *descriptor // next descriptor of the same segment, in VA order
}

func (d *descriptor) valid() bool      { return d.basic&bitValid != 0 }
func (d *descriptor) dirty() bool      { return d.basic&bitDirty != 0 }
func (d *descriptor) canRead() bool    { return d.basic&bitRead != 0 }
func (d *descriptor) canWrite() bool   { return d.basic&bitWrite != 0 }
func (d *descriptor) canExecute() bool { return d.basic&bitExecute != 0 }

func (d *descriptor) cow() bool        { return d.advanced&bitCOW != 0 }
func (d *descriptor) shared() bool     { return d.advanced&bitShared != 0 }
func (d *descriptor) referenced() bool { return d.advanced&bitReferenced != 0 }
func (d *descriptor) cloned() bool     { return d.advanced&bitCloned != 0 }
func (d *descriptor) hasCluster() bool { return d.advanced&bitHasCluster != 0 }
func (d *descriptor) inUse() bool      { return d.advanced&bitInUse != 0 }

func (d *descriptor) setBasic(bit basicBit, on bool) {
	if on {
		d.basic |= bit
	} else {
		d.basic &^= bit
	}
}

func (d *descriptor) setAdvanced(bit advancedBit, on bool) {
	if on {
		d.advanced |= bit
	} else {
		d.advanced &^= bit
	}
}

func (d *descriptor) setValid(v bool)   { d.setBasic(bitValid, v) }
func (d *descriptor) setDirty(v bool)   { d.setBasic(bitDirty, v) }
func (d *descriptor) setCOW(v bool)     { d.setAdvanced(bitCOW, v) }
func (d *descriptor) setShared(v bool)  { d.setAdvanced(bitShared, v) }
func (d *descriptor) setCloned(v bool)  { d.setAdvanced(bitCloned, v) }
func (d *descriptor) setInUse(v bool)   { d.setAdvanced(bitInUse, v) }
func (d *descriptor) setReferenced(v bool) { d.setAdvanced(bitReferenced, v) }
func (d *descriptor) setHasCluster(v bool) { d.setAdvanced(bitHasCluster, v) }

// setAccess assigns the basic rights bits for a newly created segment.
func (d *descriptor) setAccess(flags AccessType) {
	switch flags {
	case Read:
		d.setBasic(bitRead, true)
	case Write:
		d.setBasic(bitWrite, true)
	case ReadWrite:
		d.setBasic(bitRead, true)
		d.setBasic(bitWrite, true)
	case Execute:
		d.setBasic(bitExecute, true)
	}
}

// hasRight checks a requested access type against the granted rights,
// exactly as KernelSystem::access's switch does in the original.
func (d *descriptor) hasRight(t AccessType) bool {
	switch t {
	case Read:
		return d.canRead()
	case Write:
		return d.canWrite()
	case ReadWrite:
		return d.canRead() && d.canWrite()
	case Execute:
		return d.canExecute()
	}
	return false
}

// redirected follows shared/cloned indirection to the authoritative
// descriptor, per spec.md §4.3. Returns d itself if no redirection
// applies.
func (d *descriptor) redirected() *descriptor {
	if (d.shared() || d.cloned()) && d.redirect != nil {
		return d.redirect
	}
	return d
}

// setFrame installs a resident backing frame and marks the descriptor
// valid; cluster and redirect are left as they are.
func (d *descriptor) setFrame(f FrameAddr) {
	d.frame = f
	d.setValid(true)
}

// setCluster installs a backing cluster number.
func (d *descriptor) setCluster(c int) {
	d.cluster = c
	d.setHasCluster(true)
}

// setRedirect points this descriptor at an authoritative one, used by
// both the shared-segment and cloning-PMT2 indirection paths.
func (d *descriptor) setRedirect(target *descriptor, key uint64, cloned bool) {
	d.redirect = target
	d.cloneKey = key
	if cloned {
		d.setCloned(true)
	} else {
		d.setShared(true)
	}
}

// clearResidency drops a descriptor back to non-resident, keeping its
// cluster/disk backing (if any) untouched. Used by eviction and by
// delete paths that must not disturb unrelated fields.
func (d *descriptor) clearResidency() {
	d.setValid(false)
	d.setDirty(false)
	d.setReferenced(false)
	d.frame = 0
}

// reset clears a released descriptor back to its zero state so a later
// allocation into the same PMT2 slot (segment.go's materializeDescriptors
// and shared.go's connectDescriptors reuse a slot in place whenever its
// page1 already has a PMT2) never inherits stale frame/cluster/redirect
// bindings, rights bits or segment link from whatever used to occupy it.
func (d *descriptor) reset() {
	d.basic = 0
	d.advanced = 0
	d.frame = 0
	d.cluster = 0
	d.redirect = nil
	d.cloneKey = 0
	d.next = nil
}
