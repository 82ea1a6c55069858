package connector

import (
	"log/slog"
	"unsafe"

	"github.com/vablings/memflow/addr"
)

// abiReadData and abiWriteData are the C-layout structs passed by pointer to
// phys_read_raw_list/phys_write_raw_list: a physical address, then a
// (pointer, length) pair for the caller-owned buffer. This is the same
// shape purego callers use whenever a C function expects a pointer/length
// pair instead of a Go slice header (Go slice headers are not ABI-stable).
type abiReadData struct {
	Addr uint64
	Ptr  uintptr
	Len  uint64
}

type abiWriteData struct {
	Addr uint64
	Ptr  uintptr
	Len  uint64
}

func sliceHeader(b []byte) (uintptr, uint64) {
	if len(b) == 0 {
		return 0, 0
	}
	return uintptr(unsafe.Pointer(&b[0])), uint64(len(b))
}

func addrLength(n uint64) addr.Length { return addr.Bytes(n) }

// cString returns a NUL-terminated copy of s suitable for passing to a C
// function expecting const char*, plus a release func. Go's GC may move or
// collect s's backing array once nothing in Go references it; keeping the
// byte slice alive via the closure until the caller is done with the C call
// is the same pattern purego bindings use when handing C a string argument.
func cString(s string) (*byte, func()) {
	b := make([]byte, len(s)+1)
	copy(b, s)
	b[len(s)] = 0
	return &b[0], func() { _ = b }
}

// wireLogLevel is the approximate inverse of LogLevel: it maps a slog.Level
// back to the spec's 1..5 wire value for passing to a connector's create
// entry.
func wireLogLevel(l slog.Level) int32 {
	const levelTrace = slog.Level(-8)
	switch {
	case l <= levelTrace:
		return 5
	case l <= slog.LevelDebug:
		return 4
	case l <= slog.LevelInfo:
		return 3
	case l <= slog.LevelWarn:
		return 2
	default:
		return 1
	}
}
