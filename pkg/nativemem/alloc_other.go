//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly || windows)

package nativemem

// Without a page allocator the block comes from the Go heap. Only the
// ownership bookkeeping differs from the mapped variants.
func osAlloc(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func osFree([]byte) error {
	return nil
}
