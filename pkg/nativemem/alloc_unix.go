//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package nativemem

import (
	"golang.org/x/sys/unix"
)

// osAlloc maps anonymous private pages. The kernel hands them out zeroed.
func osAlloc(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func osFree(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return unix.Munmap(mem)
}
