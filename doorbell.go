package zivshmem

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const maxEpollEvents = 2

// Doorbell notifies the peer and waits for its notifications
type Doorbell interface {
	// Ring notifies the peer
	Ring() error
	// Wait blocks until the peer rings, Interrupt is called or timeout
	// expires. A negative timeout waits forever. It reports whether the
	// peer rang.
	Wait(timeout time.Duration) (bool, error)
	// Interrupt wakes a goroutine blocked in Wait
	Interrupt() error
	Close() error
}

// eventDoorbell signals through a pair of eventfds, for example the ones an
// ivshmem-doorbell device or a parent process hands out
type eventDoorbell struct {
	inFd   int
	outFd  int
	wakeFd int
	epfd   int
}

// NewEventDoorbell returns a doorbell waiting on inFd and ringing outFd. It
// takes ownership of both descriptors.
func NewEventDoorbell(inFd int, outFd int) (Doorbell, error) {
	d := &eventDoorbell{inFd: inFd, outFd: outFd, wakeFd: -1, epfd: -1}

	var err error
	d.epfd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		d.Close()
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	d.wakeFd, err = eventFd()
	if err != nil {
		d.Close()
		return nil, err
	}

	for _, fd := range []int{d.inFd, d.wakeFd} {
		event := unix.EpollEvent{
			Events: unix.EPOLLIN | unix.EPOLLERR | unix.EPOLLHUP,
			Fd:     int32(fd),
		}
		if err = unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
			d.Close()
			return nil, fmt.Errorf("EpollCtl: %s", err)
		}
	}
	return d, nil
}

// NewDoorbellPair returns two doorbells for peers in the same process or
// for a parent handing one end to a child: ringing one wakes the other.
func NewDoorbellPair() (Doorbell, Doorbell, error) {
	var fds [4]int
	for i := range fds {
		fds[i] = -1
	}
	closeAll := func() {
		for _, fd := range fds {
			if fd >= 0 {
				unix.Close(fd)
			}
		}
	}

	var err error
	if fds[0], err = eventFd(); err != nil {
		return nil, nil, err
	}
	if fds[1], err = eventFd(); err != nil {
		closeAll()
		return nil, nil, err
	}
	// each doorbell owns its descriptors, so the peer's inbound fd is dup'ed
	if fds[2], err = unix.Dup(fds[1]); err != nil {
		closeAll()
		return nil, nil, os.NewSyscallError("dup", err)
	}
	if fds[3], err = unix.Dup(fds[0]); err != nil {
		closeAll()
		return nil, nil, os.NewSyscallError("dup", err)
	}

	a, err := NewEventDoorbell(fds[0], fds[2])
	if err != nil {
		unix.Close(fds[1])
		unix.Close(fds[3])
		return nil, nil, err
	}
	b, err := NewEventDoorbell(fds[1], fds[3])
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

func signalFd(fd int) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	n, err := unix.Write(fd, buf[:])
	if err == unix.EAGAIN {
		// counter saturated, the reader has pending wakeups anyway
		return nil
	}
	if err != nil {
		return os.NewSyscallError("write", err)
	}
	if n != len(buf) {
		return fmt.Errorf("faild to write to eventfd")
	}
	return nil
}

func drainFd(fd int) {
	var buf [8]byte
	unix.Read(fd, buf[:])
}

func (d *eventDoorbell) Ring() error {
	return signalFd(d.outFd)
}

func (d *eventDoorbell) Interrupt() error {
	return signalFd(d.wakeFd)
}

func (d *eventDoorbell) Wait(timeout time.Duration) (bool, error) {
	var events [maxEpollEvents]unix.EpollEvent

	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
	}
	num, err := unix.EpollWait(d.epfd, events[:], msec)
	if err == unix.EINTR {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("epollWait: %v", err)
	}

	rang := false
	for ev := 0; ev < num; ev++ {
		fd := int(events[ev].Fd)
		drainFd(fd)
		if fd == d.inFd {
			rang = true
		}
	}
	return rang, nil
}

func (d *eventDoorbell) Close() (err error) {
	for _, fd := range []*int{&d.epfd, &d.wakeFd, &d.inFd, &d.outFd} {
		if *fd >= 0 {
			err = multierr.Append(err, unix.Close(*fd))
			*fd = -1
		}
	}
	return err
}

// pollDoorbell has no way to reach the peer; Wait just sleeps. Ports using it
// notice peer activity on their next poll.
type pollDoorbell struct {
	wake chan struct{}
}

// NewPollDoorbell returns a doorbell that never signals the peer
func NewPollDoorbell() Doorbell {
	return &pollDoorbell{wake: make(chan struct{}, 1)}
}

func (d *pollDoorbell) Ring() error {
	return nil
}

func (d *pollDoorbell) Interrupt() error {
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

func (d *pollDoorbell) Wait(timeout time.Duration) (bool, error) {
	if timeout < 0 {
		<-d.wake
		return false, nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-d.wake:
	case <-t.C:
	}
	return false, nil
}

func (d *pollDoorbell) Close() error {
	return nil
}
