package zivshmem

const descSize = 16

// desc field offsets
const descAddrOffset = 0
const descLenOffset = 8
const descFlagsOffset = 12
const descNextOffset = 14

// descTable is the vring descriptor table at the start of a section
type descTable struct {
	sec section
	num uint32
}

func (t descTable) offset(slot uint32) uint32 {
	return slot * descSize
}

func (t descTable) getAddr(slot uint32) uint64 {
	return t.sec.load64(t.offset(slot) + descAddrOffset)
}

func (t descTable) getLength(slot uint32) uint32 {
	return t.sec.load32(t.offset(slot) + descLenOffset)
}

// put writes a whole descriptor and flushes it
func (t descTable) put(slot uint32, addr uint64, length uint32, flags uint16) {
	off := t.offset(slot)
	t.sec.store64(off+descAddrOffset, addr)
	t.sec.store32(off+descLenOffset, length)
	t.sec.store16(off+descFlagsOffset, flags)
	t.sec.flush(off, descSize)
}

// invalidate discards the cached copy of a descriptor before reading it
func (t descTable) invalidate(slot uint32) {
	t.sec.invalidate(t.offset(slot), descSize)
}

// initChain links the descriptors into a free list. The chain is not used
// for allocation but the ring format expects it.
func (t descTable) initChain() {
	for i := uint32(0); i < t.num-1; i++ {
		t.sec.store16(t.offset(i)+descNextOffset, uint16(i+1))
	}
	t.sec.store16(t.offset(t.num-1)+descNextOffset, 0)
}
