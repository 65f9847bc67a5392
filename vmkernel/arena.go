package vmkernel

import (
	"encoding/binary"
	"fmt"
)

// slotArena is an intrusive free list over a caller-supplied,
// page-aligned byte region cut into PageSize-sized slots. When a slot is
// free, its first 4 bytes hold the offset of the next free slot (with
// sentinel ^uint32(0) marking the end of the list); that is the only part
// of a free slot ever touched, mirroring the C original's block list.
//
// The same structure backs both the frame arena and the PMT-slot arena;
// only the caller's interpretation of a slot's contents differs.
type slotArena struct {
	region   []byte
	slots    int
	freeHead uint32 // offset into region, or freeListEnd
	freeCnt  int
}

const freeListEnd = ^uint32(0)

func newSlotArena(region []byte) (*slotArena, error) {
	if len(region)%PageSize != 0 {
		return nil, fmt.Errorf("vmkernel: arena region size %d is not a multiple of %d", len(region), PageSize)
	}
	slots := len(region) / PageSize
	a := &slotArena{region: region, slots: slots}
	for i := 0; i < slots; i++ {
		next := freeListEnd
		if i < slots-1 {
			next = uint32((i + 1) * PageSize)
		}
		binary.LittleEndian.PutUint32(a.slotAt(uint32(i*PageSize)), next)
	}
	if slots > 0 {
		a.freeHead = 0
	} else {
		a.freeHead = freeListEnd
	}
	a.freeCnt = slots
	return a, nil
}

func (a *slotArena) slotAt(offset uint32) []byte {
	return a.region[offset : offset+PageSize]
}

// alloc pops the head of the free list. The second return value is false
// if the arena is exhausted.
func (a *slotArena) alloc() (uint32, bool) {
	if a.freeHead == freeListEnd {
		return 0, false
	}
	offset := a.freeHead
	a.freeHead = binary.LittleEndian.Uint32(a.slotAt(offset))
	a.freeCnt--
	return offset, true
}

// free pushes offset back onto the head of the free list. Only the
// slot's first 4 bytes are written.
func (a *slotArena) free(offset uint32) {
	binary.LittleEndian.PutUint32(a.slotAt(offset), a.freeHead)
	a.freeHead = offset
	a.freeCnt++
}

func (a *slotArena) freeCount() int { return a.freeCnt }
func (a *slotArena) usedCount() int { return a.slots - a.freeCnt }
func (a *slotArena) total() int     { return a.slots }

// frameArena hands out physical frames.
type frameArena struct {
	*slotArena
}

func newFrameArena(region []byte) (*frameArena, error) {
	a, err := newSlotArena(region)
	if err != nil {
		return nil, fmt.Errorf("vmkernel: frame arena: %w", err)
	}
	// Slot 0 is taken off the free list for good: FrameAddr 0 doubles as
	// GetPhysicalAddress's "not resident" result, so no page ever lives at
	// offset 0 and the arena holds one frame fewer than the region.
	if _, ok := a.alloc(); ok {
		a.slots--
	}
	return &frameArena{a}, nil
}

func (f *frameArena) getFreeFrame() (FrameAddr, bool) {
	off, ok := f.alloc()
	return FrameAddr(off), ok
}

func (f *frameArena) freeFrame(addr FrameAddr) {
	f.free(uint32(addr))
}

func (f *frameArena) bytes(addr FrameAddr) []byte {
	return f.slotAt(uint32(addr))
}

// pmtArena hands out PMT-slot tokens against a fixed capacity computed
// from a caller-supplied page-aligned region. Unlike frameArena, it does
// not reinterpret raw bytes as a PMT1/PMT2 table: per the tagged-union
// design note, a PMT1 (256 pointers) or PMT2 (64 descriptors) is a typed
// Go struct allocated on the heap, and pmtArena only accounts for how
// many such structs may exist at once — the admission check the spec
// calls "free_pmt_slots". The free list is an index stack rather than
// pointer-chasing through memory, since there is no memory to chase.
type pmtArena struct {
	slots    int
	freeList []uint32
	next     uint32
}

func newPMTArena(region []byte) (*pmtArena, error) {
	if len(region)%PageSize != 0 {
		return nil, fmt.Errorf("vmkernel: pmt arena: region size %d is not a multiple of %d", len(region), PageSize)
	}
	return &pmtArena{slots: len(region) / PageSize}, nil
}

// getFreeSlot hands out a fresh slot token. Tokens are only ever used as
// opaque identifiers for accounting and as PMT2-counter dictionary keys.
func (p *pmtArena) getFreeSlot() (uint32, bool) {
	if n := len(p.freeList); n > 0 {
		id := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		return id, true
	}
	if int(p.next) >= p.slots {
		return 0, false
	}
	id := p.next
	p.next++
	return id, true
}

func (p *pmtArena) freeSlot(id uint32) {
	p.freeList = append(p.freeList, id)
}

func (p *pmtArena) freeCount() int {
	return p.slots - int(p.next) + len(p.freeList)
}

func (p *pmtArena) usedCount() int { return p.total() - p.freeCount() }
func (p *pmtArena) total() int     { return p.slots }
