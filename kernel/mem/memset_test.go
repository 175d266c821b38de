package mem

import (
	"bytes"
	"testing"
	"unsafe"
)

func TestMemset(t *testing.T) {
	// should not panic
	Memset(uintptr(0), 0x00, 0)

	buf := make([]byte, 1024)
	addr := uintptr(unsafe.Pointer(&buf[0]))

	Memset(addr, 0xf0, Size(len(buf)))
	for i, b := range buf {
		if b != 0xf0 {
			t.Fatalf("expected byte at index %d to be 0xf0; got 0x%x", i, b)
		}
	}
}

func TestMemcopy(t *testing.T) {
	// should not panic
	Memcopy(uintptr(0), uintptr(0), 0)

	src := []byte("the quick brown fox jumps over the lazy dog")
	dst := make([]byte, len(src))

	Memcopy(
		uintptr(unsafe.Pointer(&src[0])),
		uintptr(unsafe.Pointer(&dst[0])),
		Size(len(src)),
	)

	if !bytes.Equal(src, dst) {
		t.Fatalf("expected copied contents to match source; got %q", dst)
	}
}
