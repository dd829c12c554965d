package thread

import (
	"reflect"
	"unsafe"
)

// sliceBaseAddr returns the address of the first byte backing b, using the
// same reflect.SliceHeader trick as kernel.Memset/kernel.Memcopy.
func sliceBaseAddr(b []byte) uintptr {
	return (*reflect.SliceHeader)(unsafe.Pointer(&b)).Data
}
