package sys

import "golang.org/x/sys/unix"

// MapShared allocates an anonymous, page-aligned shared-memory region of
// at least n bytes, the same backing the teacher uses for its SQ/CQ/SQE
// mmaps (IORING_OFF_SQ_RING etc.), except here there is no real ring fd
// to map from: both the simulated "user view" and "kernel view" of a
// ring are the same region returned here, matching spec.md's model of a
// single shared-memory mapping visible to both sides.
func MapShared(n int) ([]byte, error) {
	if n <= 0 {
		n = unix.Getpagesize()
	}
	b, err := unix.Mmap(-1, 0, roundUpPage(n), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, WrapError(ErrOutOfMemory, err)
	}
	return b, nil
}

// Unmap releases a region returned by MapShared.
func Unmap(b []byte) error {
	if b == nil {
		return nil
	}
	return unix.Munmap(b)
}

func roundUpPage(n int) int {
	pg := unix.Getpagesize()
	if n%pg == 0 {
		return n
	}
	return (n/pg + 1) * pg
}
