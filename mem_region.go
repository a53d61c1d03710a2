package zivshmem

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// stateTableSize is the size of the state table at the start of a segment.
// Peer i owns the 32-bit word at offset 4*i.
const stateTableSize = 4096

// MaxPeers is the number of peers sharing a segment
const MaxPeers = 2

// Segment is a shared memory mapping holding the peer state table followed
// by one output section per peer.
//
//	[state table][output section 0][output section 1]
type Segment struct {
	data        []byte
	sectionSize int
	fd          int
	path        string
	created     bool
}

// SegmentSize returns the total size of a segment with the given section size
func SegmentSize(sectionSize int) int {
	return stateTableSize + MaxPeers*sectionSize
}

// memfdCreate returns an anonymous memory file that can only grow
func memfdCreate(name string) (int, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_ALLOW_SEALING|unix.MFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("memfdCreate: %w", os.NewSyscallError("memfd_create", err))
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("memfdCreate: %w", os.NewSyscallError("fcntl", err))
	}
	return fd, nil
}

func validSectionSize(sectionSize int) error {
	if sectionSize <= 0 || sectionSize%8 != 0 {
		return errors.Wrapf(ErrInvalidLayout, "section size %d must be a positive multiple of 8", sectionSize)
	}
	return nil
}

// CreateSegment creates a zero filled segment. An empty path creates an
// anonymous memfd whose descriptor can be handed to the peer, otherwise the
// file at path (usually under /dev/shm) is created or truncated.
func CreateSegment(path string, sectionSize int) (*Segment, error) {
	if err := validSectionSize(sectionSize); err != nil {
		return nil, err
	}

	var fd int
	var err error
	if path == "" {
		fd, err = memfdCreate("ivshmem_segment")
	} else {
		fd, err = unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, 0600)
		if err != nil {
			err = fmt.Errorf("open %s: %w", path, err)
		}
	}
	if err != nil {
		return nil, err
	}

	size := SegmentSize(sectionSize)
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}

	s, err := mapSegment(fd, size)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	s.path = path
	s.created = true
	return s, nil
}

// OpenSegment maps an existing segment file
func OpenSegment(path string) (*Segment, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	s, err := OpenSegmentFd(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	s.path = path
	return s, nil
}

// OpenSegmentFd maps the segment behind fd and takes ownership of fd
func OpenSegmentFd(fd int) (*Segment, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("fstat: %w", err)
	}
	size := int(st.Size)
	if size <= stateTableSize || (size-stateTableSize)%MaxPeers != 0 {
		return nil, errors.Wrapf(ErrInvalidLayout, "segment size %d", size)
	}
	if err := validSectionSize((size - stateTableSize) / MaxPeers); err != nil {
		return nil, err
	}
	return mapSegment(fd, size)
}

func mapSegment(fd int, size int) (*Segment, error) {
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &Segment{
		data:        data,
		sectionSize: (size - stateTableSize) / MaxPeers,
		fd:          fd,
	}, nil
}

// Output returns the output section written by peer id
func (s *Segment) Output(id uint32) []byte {
	off := stateTableSize + int(id)*s.sectionSize
	return s.data[off : off+s.sectionSize : off+s.sectionSize]
}

// SectionSize returns the size of one output section
func (s *Segment) SectionSize() int {
	return s.sectionSize
}

// Fd returns the file descriptor backing the segment
func (s *Segment) Fd() int {
	return s.fd
}

// Path returns the segment file path, empty for a memfd
func (s *Segment) Path() string {
	return s.path
}

func (s *Segment) stateWord(id uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.data[4*id]))
}

// loadState reads the state published by peer id
func (s *Segment) loadState(id uint32) uint32 {
	return atomic.LoadUint32(s.stateWord(id))
}

// storeState publishes the state of peer id
func (s *Segment) storeState(id uint32, v uint32) {
	atomic.StoreUint32(s.stateWord(id), v)
}

// Close unmaps the segment and closes its descriptor. A segment file
// created by CreateSegment is removed; mappings held by the peer stay valid.
func (s *Segment) Close() (err error) {
	if s.data != nil {
		err = multierr.Append(err, unix.Munmap(s.data))
		s.data = nil
	}
	if s.fd >= 0 {
		err = multierr.Append(err, unix.Close(s.fd))
		s.fd = -1
	}
	if s.created && s.path != "" {
		err = multierr.Append(err, os.Remove(s.path))
		s.created = false
	}
	return err
}
