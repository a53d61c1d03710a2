package zivshmem

import (
	"github.com/pkg/errors"
)

// VringAlignment is the alignment of the used ring and of the ring header
const VringAlignment = 64

const maxDescLen = 4096
const minDescLen = 32

// minEthMTU is the smallest MTU an IPv4 capable link may have
const minEthMTU = 68

// frameOverhead is added to every frame when sizing its arena footprint.
// Both peers use the same value.
const frameOverhead = 18

// ring field offsets, flags are at 0
const ringIdxOffset = 2
const ringEntriesOffset = 4

const usedElemSize = 8

// vringSize returns the number of bytes used by a split ring with num
// descriptors (linux vring_size).
func vringSize(num uint32, align uint32) uint32 {
	return roundUp(descSize*num+2*(3+num), align) + 2*3 + usedElemSize*num
}

// layout describes how a section is split into ring header and data arena.
// Both peers derive it from the section size alone.
type layout struct {
	sectionSize uint32
	descMaxLen  uint32
	headerSize  uint32
	dataMaxLen  uint32
}

// calcLayout picks the largest descriptor count whose header takes less
// than an eighth of the section. When no count above minDescLen qualifies
// the loop ends with descMaxLen == minDescLen while headerSize still holds
// the value computed for 2*minDescLen. Peers compute the same thing, so it
// must stay that way.
func calcLayout(sectionSize int) (layout, error) {
	if sectionSize <= 0 || uint64(sectionSize) > 1<<31 {
		return layout{}, errors.Wrapf(ErrInvalidLayout, "section size %d", sectionSize)
	}
	size := uint32(sectionSize)

	var header uint32
	descLen := uint32(maxDescLen)
	for ; descLen > minDescLen; descLen >>= 1 {
		header = roundUp(vringSize(descLen, VringAlignment), VringAlignment)
		if header < size/8 {
			break
		}
	}

	if header > size {
		return layout{}, errors.Wrapf(ErrInvalidLayout, "ring header %d exceeds section size %d", header, size)
	}
	if size-header < 4*minEthMTU {
		return layout{}, errors.Wrapf(ErrInvalidLayout, "data area %d smaller than %d", size-header, 4*minEthMTU)
	}

	return layout{
		sectionSize: size,
		descMaxLen:  descLen,
		headerSize:  header,
		dataMaxLen:  size - header,
	}, nil
}

func (l layout) availOffset() uint32 {
	return descSize * l.descMaxLen
}

func (l layout) usedOffset() uint32 {
	return roundUp(l.availOffset()+ringEntriesOffset+2*l.descMaxLen+2, VringAlignment)
}

// availRing is published by the producer of a direction
type availRing struct {
	sec section
	off uint32
	num uint32
}

func (r availRing) idxOffset() uint32 {
	return r.off + ringIdxOffset
}

func (r availRing) slotOffset(idx uint16) uint32 {
	return r.off + ringEntriesOffset + 2*(uint32(idx)%r.num)
}

func (r availRing) readIdx() uint16 {
	r.sec.invalidate(r.idxOffset(), 2)
	return r.sec.load16(r.idxOffset())
}

func (r availRing) writeIdx(v uint16) {
	r.sec.store16(r.idxOffset(), v)
	r.sec.flush(r.idxOffset(), 2)
}

func (r availRing) readSlot(idx uint16) uint16 {
	r.sec.invalidate(r.slotOffset(idx), 2)
	return r.sec.load16(r.slotOffset(idx))
}

func (r availRing) writeSlot(idx uint16, desc uint16) {
	r.sec.store16(r.slotOffset(idx), desc)
	r.sec.flush(r.slotOffset(idx), 2)
}

// usedRing is published by the consumer of a direction
type usedRing struct {
	sec section
	off uint32
	num uint32
}

func (r usedRing) idxOffset() uint32 {
	return r.off + ringIdxOffset
}

func (r usedRing) elemOffset(idx uint16) uint32 {
	return r.off + ringEntriesOffset + usedElemSize*(uint32(idx)%r.num)
}

func (r usedRing) readIdx() uint16 {
	r.sec.invalidate(r.idxOffset(), 2)
	return r.sec.load16(r.idxOffset())
}

func (r usedRing) writeIdx(v uint16) {
	r.sec.store16(r.idxOffset(), v)
	r.sec.flush(r.idxOffset(), 2)
}

func (r usedRing) readElem(idx uint16) (id uint32, length uint32) {
	off := r.elemOffset(idx)
	r.sec.invalidate(off, usedElemSize)
	return r.sec.load32(off), r.sec.load32(off + 4)
}

func (r usedRing) writeElem(idx uint16, id uint32, length uint32) {
	off := r.elemOffset(idx)
	r.sec.store32(off, id)
	r.sec.store32(off+4, length)
	r.sec.flush(off, usedElemSize)
}

func (r usedRing) availEventOffset() uint32 {
	return r.off + ringEntriesOffset + usedElemSize*r.num
}

func (r usedRing) readAvailEvent() uint16 {
	r.sec.invalidate(r.availEventOffset(), 2)
	return r.sec.load16(r.availEventOffset())
}

func (r usedRing) writeAvailEvent(v uint16) {
	r.sec.store16(r.availEventOffset(), v)
	r.sec.flush(r.availEventOffset(), 2)
}

// vring groups the three parts of one direction
type vring struct {
	desc  descTable
	avail availRing
	used  usedRing
}

func newVring(l layout, sec section) vring {
	return vring{
		desc:  descTable{sec: sec, num: l.descMaxLen},
		avail: availRing{sec: sec, off: l.availOffset(), num: l.descMaxLen},
		used:  usedRing{sec: sec, off: l.usedOffset(), num: l.descMaxLen},
	}
}
