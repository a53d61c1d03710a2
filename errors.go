package zivshmem

import (
	"github.com/pkg/errors"
)

var (
	// ErrInvalidLayout is returned when a section cannot hold a ring header
	// and the minimum data area.
	ErrInvalidLayout = errors.New("invalid shared memory layout")
	// ErrInvalidLength is returned for a non-positive TX buffer length.
	ErrInvalidLength = errors.New("invalid buffer length")
	// ErrOutOfDescriptors means every TX descriptor is still owned by the peer.
	ErrOutOfDescriptors = errors.New("out of tx descriptors")
	// ErrOutOfSpace means the TX data area cannot fit the frame right now.
	ErrOutOfSpace = errors.New("out of tx buffer space")
	// ErrNothingPending is returned by a commit without a preceding get.
	ErrNothingPending = errors.New("no pending tx buffer")
	// ErrWouldBlock means the peer has not published a new frame.
	ErrWouldBlock = errors.New("no rx frame available")
	// ErrProtocol means the peer published an index, offset or length that
	// does not fit the ring. The entry is not consumed.
	ErrProtocol = errors.New("ring protocol violation")
	// ErrLinkDown is returned when a port moves frames while the link is
	// not running.
	ErrLinkDown = errors.New("link down")
	// ErrShortBuffer means the frame did not fit the read buffer. The frame
	// is dropped.
	ErrShortBuffer = errors.New("short buffer")
)

// IsTransient reports whether err clears once the peer consumes frames.
func IsTransient(err error) bool {
	return errors.Is(err, ErrOutOfSpace) || errors.Is(err, ErrOutOfDescriptors)
}
