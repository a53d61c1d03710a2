package zivshmem

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
)

// QueueOption configures a Queue
type QueueOption func(q *Queue)

// WithCacheLineSize sets the granularity used to size frame footprints in
// the data area. It must be a power of two and match the peer.
func WithCacheLineSize(n uint32) QueueOption {
	return func(q *Queue) {
		q.lineSize = n
	}
}

// WithCacheMaintainer sets the cache maintenance used on both sections.
func WithCacheMaintainer(c CacheMaintainer) QueueOption {
	return func(q *Queue) {
		if c != nil {
			q.cache = c
		}
	}
}

type txState struct {
	vring    vring
	descHead uint32
	descLen  uint32
	dataHead uint32
	dataTail uint32
	dataLen  uint32
	availIdx uint16
	usedIdx  uint16

	// pendingConsumed is the footprint of the reservation, added to
	// dataLen on commit.
	pendingDataHead uint32
	pendingConsumed uint32
	pendingStart    uint32
	pendingLen      uint32
}

type rxState struct {
	vring    vring
	availIdx uint16
	usedIdx  uint16
}

// Queue moves frames between two shared memory sections: tx is written by
// this side only, rx by the peer only. Each section starts with a split
// vring header followed by a data area holding the frames.
//
// TX methods and RX methods may be called from two different goroutines,
// but each direction allows one caller at a time. Reset requires both
// directions to be idle.
type Queue struct {
	layout
	lineSize uint32
	cache    CacheMaintainer
	txSec    section
	rxSec    section
	tx       txState
	rx       rxState
}

// NewQueue creates a queue over the two sections, which must have the same
// length and be 8-byte aligned. The TX section header is reset.
func NewQueue(tx []byte, rx []byte, opts ...QueueOption) (*Queue, error) {
	if len(tx) != len(rx) {
		return nil, errors.Wrapf(ErrInvalidLayout, "tx section %d and rx section %d differ", len(tx), len(rx))
	}
	l, err := calcLayout(len(tx))
	if err != nil {
		return nil, err
	}
	if uintptr(unsafe.Pointer(&tx[0]))%8 != 0 || uintptr(unsafe.Pointer(&rx[0]))%8 != 0 {
		return nil, errors.Wrap(ErrInvalidLayout, "sections must be 8-byte aligned")
	}

	q := &Queue{
		layout:   l,
		lineSize: DefaultCacheLineSize,
		cache:    CoherentCache,
	}
	for _, opt := range opts {
		opt(q)
	}
	if !isPowerOfTwo(q.lineSize) {
		return nil, errors.Wrapf(ErrInvalidLayout, "cache line size %d", q.lineSize)
	}

	q.txSec = section{mem: tx, cache: q.cache}
	q.rxSec = section{mem: rx, cache: q.cache}
	q.tx.vring = newVring(l, q.txSec)
	q.rx.vring = newVring(l, q.rxSec)

	// Swap the used rings so that each side only writes its own section:
	// the peer acknowledges our frames in its section and we acknowledge
	// its frames in ours.
	q.tx.vring.used, q.rx.vring.used = q.rx.vring.used, q.tx.vring.used

	q.Reset()
	return q, nil
}

// Reset clears all local state and the TX ring header. The RX section
// belongs to the peer and is left alone.
func (q *Queue) Reset() {
	q.tx = txState{vring: q.tx.vring}
	q.rx = rxState{vring: q.rx.vring}

	q.txSec.zero(0, q.headerSize)
	q.tx.vring.desc.initChain()
	q.txSec.flush(0, q.headerSize)
}

// txBufferAdvance places a frame of length bytes at position in a data area
// of maxLen bytes. A frame that does not fit before the end is placed at 0
// and the skipped tail is charged to consumed.
func txBufferAdvance(maxLen, position, length, lineSize uint32) (start, consumed, next uint32) {
	aligned := roundUp(length+frameOverhead, lineSize)
	contiguous := maxLen - position

	start, consumed = position, aligned
	if aligned > contiguous {
		start = 0
		consumed += contiguous
	}
	return start, consumed, start + aligned
}

// TxGetBuffer reserves room for a frame of n bytes and returns the slice to
// fill. The frame is published by TxCommitBuffer. Calling TxGetBuffer again
// before committing drops the previous reservation.
func (q *Queue) TxGetBuffer(n int) ([]byte, error) {
	if n <= 0 {
		return nil, errors.Wrapf(ErrInvalidLength, "length %d", n)
	}
	if err := q.txCleanUsed(); err != nil {
		return nil, err
	}
	if q.tx.descLen >= q.descMaxLen {
		return nil, ErrOutOfDescriptors
	}
	if uint64(n) > uint64(q.dataMaxLen) {
		return nil, errors.Wrapf(ErrOutOfSpace, "frame of %d bytes exceeds data area", n)
	}

	start, consumed, next := txBufferAdvance(q.dataMaxLen, q.tx.dataHead, uint32(n), q.lineSize)
	if q.dataMaxLen-q.tx.dataLen < consumed {
		return nil, ErrOutOfSpace
	}

	q.tx.vring.desc.put(q.tx.descHead, uint64(q.headerSize+start), uint32(n), 0)

	q.tx.pendingDataHead = next
	q.tx.pendingConsumed = consumed
	q.tx.pendingStart = start
	q.tx.pendingLen = uint32(n)

	return q.txSec.bytes(q.headerSize+start, uint32(n)), nil
}

// TxCommitBuffer publishes the frame reserved by TxGetBuffer. The caller
// notifies the peer afterwards.
func (q *Queue) TxCommitBuffer() error {
	if q.tx.pendingLen == 0 {
		return ErrNothingPending
	}
	q.txSec.flush(q.headerSize+q.tx.pendingStart, q.tx.pendingLen)

	descHead := q.tx.descHead
	q.tx.descLen++
	q.tx.descHead = (q.tx.descHead + 1) % q.descMaxLen

	q.tx.dataHead = q.tx.pendingDataHead
	q.tx.dataLen += q.tx.pendingConsumed

	// slot first, index last: the peer must never see the index before
	// the slot it covers
	q.tx.vring.avail.writeSlot(q.tx.availIdx, uint16(descHead))
	fence()
	q.tx.availIdx++
	q.tx.vring.avail.writeIdx(q.tx.availIdx)

	q.tx.pendingDataHead = 0
	q.tx.pendingConsumed = 0
	q.tx.pendingStart = 0
	q.tx.pendingLen = 0
	return nil
}

// txCleanUsed reclaims descriptors and data area the peer has acknowledged.
// Frames must come back in the order they were sent.
func (q *Queue) txCleanUsed() error {
	for {
		usedIdx := q.tx.vring.used.readIdx()
		if usedIdx == q.tx.usedIdx {
			return nil
		}
		fence()

		id, length := q.tx.vring.used.readElem(q.tx.usedIdx)
		if id >= q.descMaxLen || length != 1 {
			return errors.Wrapf(ErrProtocol, "used element %d: id %d len %d", q.tx.usedIdx, id, length)
		}
		if q.tx.descLen == 0 {
			return errors.Wrapf(ErrProtocol, "used index %d ahead of published frames", usedIdx)
		}

		addr := q.tx.vring.desc.getAddr(id)
		n := q.tx.vring.desc.getLength(id)
		start, consumed, next := txBufferAdvance(q.dataMaxLen, q.tx.dataTail, n, q.lineSize)
		if consumed > q.tx.dataLen || addr != uint64(q.headerSize+start) {
			return errors.Wrapf(ErrProtocol, "used descriptor %d at %d, expected %d",
				id, addr, q.headerSize+start)
		}

		q.tx.dataTail = next
		q.tx.dataLen -= consumed
		q.tx.descLen--
		q.tx.usedIdx++
	}
}

// rxAvailDesc returns the descriptor index of the next frame the peer
// published.
func (q *Queue) rxAvailDesc() (uint32, error) {
	fence()
	availIdx := q.rx.vring.avail.readIdx()
	if availIdx == q.rx.availIdx {
		return 0, ErrWouldBlock
	}

	desc := uint32(q.rx.vring.avail.readSlot(q.rx.availIdx))
	if desc >= q.descMaxLen {
		return 0, errors.Wrapf(ErrProtocol, "descriptor index %d out of range", desc)
	}
	return desc, nil
}

// RxReceive returns the next frame published by the peer. The slice points
// into shared memory, must not be written, and is valid until RxRelease.
// Calling RxReceive again without RxRelease returns the same frame.
func (q *Queue) RxReceive() ([]byte, error) {
	desc, err := q.rxAvailDesc()
	if err != nil {
		return nil, err
	}

	q.rx.vring.desc.invalidate(desc)
	addr := q.rx.vring.desc.getAddr(desc)
	n := q.rx.vring.desc.getLength(desc)

	offset := addr - uint64(q.headerSize)
	limit := uint64(q.dataMaxLen)
	if offset > limit || uint64(n) > limit || offset > limit-uint64(n) {
		return nil, errors.Wrapf(ErrProtocol, "descriptor %d: addr %d len %d outside data area", desc, addr, n)
	}

	start := q.headerSize + uint32(offset)
	q.rxSec.invalidate(start, n)
	return q.rxSec.bytes(start, n), nil
}

// RxRelease hands the frame returned by RxReceive back to the peer. The
// caller notifies the peer afterwards.
func (q *Queue) RxRelease() error {
	desc, err := q.rxAvailDesc()
	if err != nil {
		return err
	}

	q.rx.vring.used.writeElem(q.rx.usedIdx, desc, 1)
	fence()
	q.rx.usedIdx++
	q.rx.vring.used.writeIdx(q.rx.usedIdx)
	fence()

	q.rx.availIdx++
	q.rx.vring.used.writeAvailEvent(q.rx.availIdx)
	return nil
}

// DescMaxLen returns the number of descriptors per direction
func (q *Queue) DescMaxLen() int {
	return int(q.descMaxLen)
}

// HeaderSize returns the size of the ring header at the start of a section
func (q *Queue) HeaderSize() int {
	return int(q.headerSize)
}

// DataMaxLen returns the size of the data area of a section
func (q *Queue) DataMaxLen() int {
	return int(q.dataMaxLen)
}

// SectionSize returns the size of each section
func (q *Queue) SectionSize() int {
	return int(q.sectionSize)
}

// MaxFrameSize returns the largest frame that fits an empty data area
func (q *Queue) MaxFrameSize() int {
	return int(q.dataMaxLen&^(q.lineSize-1)) - frameOverhead
}

// TxState is a snapshot of the TX direction
type TxState struct {
	DescHead uint32
	DescLen  uint32
	DataHead uint32
	DataTail uint32
	DataLen  uint32
	AvailIdx uint16
	UsedIdx  uint16
	Pending  bool
	// PeerUsedIdx and PeerAvailEvent are read from the peer's section
	PeerUsedIdx    uint16
	PeerAvailEvent uint16
}

// RxState is a snapshot of the RX direction
type RxState struct {
	AvailIdx     uint16
	UsedIdx      uint16
	PeerAvailIdx uint16
}

// TxState returns the TX bookkeeping. It must not race with TX calls.
func (q *Queue) TxState() TxState {
	return TxState{
		DescHead:       q.tx.descHead,
		DescLen:        q.tx.descLen,
		DataHead:       q.tx.dataHead,
		DataTail:       q.tx.dataTail,
		DataLen:        q.tx.dataLen,
		AvailIdx:       q.tx.availIdx,
		UsedIdx:        q.tx.usedIdx,
		Pending:        q.tx.pendingLen != 0,
		PeerUsedIdx:    q.tx.vring.used.readIdx(),
		PeerAvailEvent: q.tx.vring.used.readAvailEvent(),
	}
}

// RxState returns the RX bookkeeping. It must not race with RX calls.
func (q *Queue) RxState() RxState {
	return RxState{
		AvailIdx:     q.rx.availIdx,
		UsedIdx:      q.rx.usedIdx,
		PeerAvailIdx: q.rx.vring.avail.readIdx(),
	}
}

func (q *Queue) String() string {
	return fmt.Sprintf("section: %d\ndescriptors: %d\nheader: %d\ndata: %d\n",
		q.sectionSize, q.descMaxLen, q.headerSize, q.dataMaxLen)
}
