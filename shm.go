package zivshmem

import (
	"sync/atomic"
	"unsafe"
)

// CacheMaintainer performs cache maintenance on memory shared with a peer
// that is not cache coherent with this CPU.
type CacheMaintainer interface {
	// Flush writes the cache lines covering b back to memory.
	Flush(b []byte)
	// Invalidate discards cached copies of the lines covering b so the
	// next read observes memory.
	Invalidate(b []byte)
}

type coherentCache struct{}

func (coherentCache) Flush([]byte)      {}
func (coherentCache) Invalidate([]byte) {}

// CoherentCache is used when both peers share a coherent cache hierarchy,
// which is the case for processes and VMs on the same host.
var CoherentCache CacheMaintainer = coherentCache{}

var fenceWord uint32

// fence issues a full sequentially consistent barrier.
func fence() {
	atomic.AddUint32(&fenceWord, 1)
}

var littleEndian = func() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

// halfShift returns the bit position of the 16-bit field at off inside its
// naturally aligned 32-bit word.
func halfShift(off uint32) uint32 {
	sh := (off & 2) * 8
	if !littleEndian {
		sh = 16 - sh
	}
	return sh
}

// section is a view of one shared memory section. All ring metadata goes
// through the atomic accessors; payload bytes are plain slices.
//
// mem must be at least 8-byte aligned, which holds for mmapped memory and
// for byte views of a []uint64.
type section struct {
	mem   []byte
	cache CacheMaintainer
}

func (s section) ptr32(off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.mem[off]))
}

func (s section) ptr64(off uint32) *uint64 {
	return (*uint64)(unsafe.Pointer(&s.mem[off]))
}

func (s section) load16(off uint32) uint16 {
	return uint16(atomic.LoadUint32(s.ptr32(off&^3)) >> halfShift(off))
}

func (s section) store16(off uint32, v uint16) {
	p := s.ptr32(off &^ 3)
	sh := halfShift(off)
	mask := uint32(0xffff) << sh
	for {
		old := atomic.LoadUint32(p)
		if atomic.CompareAndSwapUint32(p, old, old&^mask|uint32(v)<<sh) {
			return
		}
	}
}

func (s section) load32(off uint32) uint32 {
	return atomic.LoadUint32(s.ptr32(off))
}

func (s section) store32(off uint32, v uint32) {
	atomic.StoreUint32(s.ptr32(off), v)
}

func (s section) load64(off uint32) uint64 {
	return atomic.LoadUint64(s.ptr64(off))
}

func (s section) store64(off uint32, v uint64) {
	atomic.StoreUint64(s.ptr64(off), v)
}

// zero clears n bytes at off; off and n must be multiples of 4.
func (s section) zero(off uint32, n uint32) {
	for i := off; i < off+n; i += 4 {
		atomic.StoreUint32(s.ptr32(i), 0)
	}
}

func (s section) bytes(off uint32, n uint32) []byte {
	return s.mem[off : off+n : off+n]
}

func (s section) flush(off uint32, n uint32) {
	s.cache.Flush(s.mem[off : off+n])
}

func (s section) invalidate(off uint32, n uint32) {
	s.cache.Invalidate(s.mem[off : off+n])
}
