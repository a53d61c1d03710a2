package zivshmem

import (
	"os"

	"golang.org/x/sys/unix"
)

// roundUp rounds v up to a multiple of align (align must be a power of two)
func roundUp(v uint32, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

func isPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

// eventFd returns a non-blocking eventfd
func eventFd() (efd int, err error) {
	efd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, os.NewSyscallError("eventfd", err)
	}
	return efd, nil
}
