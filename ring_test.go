package zivshmem

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVringSize(t *testing.T) {
	assert.Equal(t, uint32(902), vringSize(32, VringAlignment))
	assert.Equal(t, uint32(1734), vringSize(64, VringAlignment))
	assert.Equal(t, uint32(6726), vringSize(256, VringAlignment))
}

func TestCalcLayout(t *testing.T) {
	tests := []struct {
		name        string
		sectionSize int
		descMaxLen  uint32
		headerSize  uint32
		dataMaxLen  uint32
	}{
		// no descriptor count qualifies: 32 descriptors with the 64 descriptor header
		{"4KiB", 4096, 32, 1792, 2304},
		{"smallest", 2064, 32, 1792, 272},
		{"64KiB", 64 << 10, 256, 6784, 58752},
		{"1MiB", 1 << 20, 4096, 106624, 941952},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := calcLayout(tt.sectionSize)
			require.NoError(t, err)
			assert.Equal(t, uint32(tt.sectionSize), l.sectionSize)
			assert.Equal(t, tt.descMaxLen, l.descMaxLen)
			assert.Equal(t, tt.headerSize, l.headerSize)
			assert.Equal(t, tt.dataMaxLen, l.dataMaxLen)
			assert.Zero(t, l.headerSize%VringAlignment)
		})
	}
}

func TestCalcLayoutInvalid(t *testing.T) {
	for _, size := range []int{-1, 0, 64, 1024, 1792, 2056, 1<<31 + 8} {
		_, err := calcLayout(size)
		assert.Truef(t, errors.Is(err, ErrInvalidLayout), "size %d: %v", size, err)
	}
}

func TestRingOffsets(t *testing.T) {
	l, err := calcLayout(4096)
	require.NoError(t, err)

	assert.Equal(t, uint32(512), l.availOffset())
	assert.Equal(t, uint32(640), l.usedOffset())

	v := newVring(l, section{mem: alignedBuffer(4096), cache: CoherentCache})
	assert.Equal(t, uint32(514), v.avail.idxOffset())
	assert.Equal(t, uint32(516), v.avail.slotOffset(0))
	assert.Equal(t, uint32(516), v.avail.slotOffset(32))
	// used_event follows the avail entries
	assert.Equal(t, uint32(580), v.avail.slotOffset(31)+2)
	assert.Equal(t, uint32(642), v.used.idxOffset())
	assert.Equal(t, uint32(644), v.used.elemOffset(0))
	assert.Equal(t, uint32(652), v.used.elemOffset(33))
	assert.Equal(t, uint32(900), v.used.availEventOffset())
	assert.Less(t, v.used.availEventOffset()+2, l.headerSize)
}

func TestRingAccessors(t *testing.T) {
	l, err := calcLayout(4096)
	require.NoError(t, err)
	sec := section{mem: alignedBuffer(4096), cache: CoherentCache}
	v := newVring(l, sec)

	v.avail.writeSlot(3, 17)
	v.avail.writeIdx(0xfffe)
	assert.Equal(t, uint16(17), v.avail.readSlot(3))
	assert.Equal(t, uint16(0xfffe), v.avail.readIdx())
	// neighbours in the same word are untouched
	assert.Equal(t, uint16(0), sec.load16(v.avail.off))
	assert.Equal(t, uint16(0), v.avail.readSlot(2))

	v.used.writeElem(5, 9, 1)
	v.used.writeIdx(6)
	v.used.writeAvailEvent(7)
	id, length := v.used.readElem(5)
	assert.Equal(t, uint32(9), id)
	assert.Equal(t, uint32(1), length)
	assert.Equal(t, uint16(6), v.used.readIdx())
	assert.Equal(t, uint16(7), v.used.readAvailEvent())

	v.desc.put(4, 1792+64, 100, 0)
	assert.Equal(t, uint64(1856), v.desc.getAddr(4))
	assert.Equal(t, uint32(100), v.desc.getLength(4))
	assert.Equal(t, uint16(0), sec.load16(4*descSize+descFlagsOffset))

	v.desc.initChain()
	assert.Equal(t, uint16(1), sec.load16(0*descSize+descNextOffset))
	assert.Equal(t, uint16(31), sec.load16(30*descSize+descNextOffset))
	assert.Equal(t, uint16(0), sec.load16(31*descSize+descNextOffset))
	// the chain does not clobber the descriptor written before
	assert.Equal(t, uint32(100), v.desc.getLength(4))
}
