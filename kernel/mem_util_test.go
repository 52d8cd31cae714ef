package kernel

import (
	"testing"
	"unsafe"
)

func TestMemset(t *testing.T) {
	// memset with a 0 size should be a no-op
	Memset(uintptr(0), 0x00, 0)

	for pow := uint(1); pow <= 6; pow++ {
		buf := make([]byte, 1<<pow)
		Memset(uintptr(unsafe.Pointer(&buf[0])), 0xCC, uintptr(len(buf)))

		for i := 0; i < len(buf); i++ {
			if got := buf[i]; got != 0xCC {
				t.Errorf("[size %d] expected byte %d to be 0xCC; got 0x%x", len(buf), i, got)
			}
		}
	}
}
