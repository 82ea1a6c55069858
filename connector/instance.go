package connector

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/vablings/memflow/mem"
)

var (
	// ErrCreateFailed is returned when a connector's create vtable entry
	// returns a null handle.
	ErrCreateFailed = errors.New("connector: create returned null handle")
	// ErrCloneFailed mirrors ErrCreateFailed for the clone entry.
	ErrCloneFailed = errors.New("connector: clone returned null handle")
	// ErrClosed is returned by any operation attempted on an instance after
	// Close has been called.
	ErrClosed = errors.New("connector: instance closed")
)

// libraryRef is a shared, refcounted handle to a dlopen'd shared library. It
// is held by a ConnectorInstance and every instance cloned from it, so this
// reference is only dlclose'd once the last of them is gone. Each Load call
// creates its own libraryRef; instances from separate Load calls do not
// share one.
//
// This plays the role original_source memflow/src/dynamic/connector.rs gives
// an Arc<Library>: shared ownership of the loaded code, kept alive as long
// as any handle into it is live.
type libraryRef struct {
	handle uintptr
	path   string
	count  int32
}

func newLibraryRef(handle uintptr, path string) *libraryRef {
	return &libraryRef{handle: handle, path: path, count: 1}
}

func (l *libraryRef) retain() *libraryRef {
	atomic.AddInt32(&l.count, 1)
	return l
}

func (l *libraryRef) release() error {
	if atomic.AddInt32(&l.count, -1) != 0 {
		return nil
	}
	if err := purego.Dlclose(l.handle); err != nil {
		return fmt.Errorf("connector: dlclose %s: %w", l.path, err)
	}
	return nil
}

// ConnectorInstance is a live, instantiated connector: a handle produced by
// the plugin's create vtable entry, the vtable itself, and a reference to
// the library that must outlive the handle.
//
// Field order matters: lib is declared after handle so that, were this struct's
// fields torn down in declaration order by a caller, the handle is always
// destroyed before the library reference is released — mirroring the
// comment on ConnectorInstance's library field in
// original_source memflow/src/dynamic/connector.rs. Close below makes this
// explicit rather than relying on field order alone.
type ConnectorInstance struct {
	name   string
	vtable ConnectorFunctionTable
	handle uintptr
	lib    *libraryRef
	closed bool
}

// newConnectorInstance calls vtable.Base.Create and wraps the result.
func newConnectorInstance(name string, vtable ConnectorFunctionTable, lib *libraryRef, args Args, level slog.Level) (*ConnectorInstance, error) {
	argsCStr, free := cString(args.String())
	defer free()

	wireLevel := wireLogLevel(level)
	h, _, _ := purego.SyscallN(vtable.Base.Create, uintptr(unsafe.Pointer(argsCStr)), uintptr(wireLevel))
	if h == 0 {
		return nil, ErrCreateFailed
	}
	return &ConnectorInstance{name: name, vtable: vtable, handle: h, lib: lib}, nil
}

// Clone delegates to the plugin's clone vtable entry and retains a reference
// to the shared library, producing an independent instance suitable for use
// from another goroutine (spec.md §4.3, "Scheduling model": the stack itself
// is not internally synchronized, so concurrent use requires cloning first).
func (c *ConnectorInstance) Clone() (*ConnectorInstance, error) {
	if c.closed {
		return nil, ErrClosed
	}
	h, _, _ := purego.SyscallN(c.vtable.Base.Clone, c.handle)
	if h == 0 {
		return nil, ErrCloneFailed
	}
	return &ConnectorInstance{name: c.name, vtable: c.vtable, handle: h, lib: c.lib.retain()}, nil
}

// Close calls the plugin's drop vtable entry, then releases this instance's
// reference to the shared library — handle destruction strictly before the
// library can be unmapped, per spec.md §4.3.
func (c *ConnectorInstance) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	purego.SyscallN(c.vtable.Base.Drop, c.handle)
	return c.lib.release()
}

// ReadPhysicalList implements mem.PhysicalMemory by marshaling each request
// into the C ABI's PhysicalReadData layout and invoking phys_read_raw_list
// once for the whole batch.
func (c *ConnectorInstance) ReadPhysicalList(reads []mem.PhysicalReadData) error {
	if c.closed {
		return ErrClosed
	}
	abiReads := make([]abiReadData, len(reads))
	for i, r := range reads {
		ptr, n := sliceHeader(r.Buf)
		abiReads[i] = abiReadData{Addr: uint64(r.Address.Addr), Ptr: ptr, Len: n}
	}
	if len(abiReads) == 0 {
		return nil
	}
	rc, _, _ := purego.SyscallN(c.vtable.Phys.PhysReadRawList, c.handle, uintptr(unsafe.Pointer(&abiReads[0])), uintptr(len(abiReads)))
	if int32(rc) != 0 {
		return fmt.Errorf("connector %s: phys_read_raw_list returned %d", c.name, int32(rc))
	}
	return nil
}

// WritePhysicalList mirrors ReadPhysicalList for phys_write_raw_list.
func (c *ConnectorInstance) WritePhysicalList(writes []mem.PhysicalWriteData) error {
	if c.closed {
		return ErrClosed
	}
	abiWrites := make([]abiWriteData, len(writes))
	for i, w := range writes {
		ptr, n := sliceHeader(w.Buf)
		abiWrites[i] = abiWriteData{Addr: uint64(w.Address.Addr), Ptr: ptr, Len: n}
	}
	if len(abiWrites) == 0 {
		return nil
	}
	rc, _, _ := purego.SyscallN(c.vtable.Phys.PhysWriteRawList, c.handle, uintptr(unsafe.Pointer(&abiWrites[0])), uintptr(len(abiWrites)))
	if int32(rc) != 0 {
		return fmt.Errorf("connector %s: phys_write_raw_list returned %d", c.name, int32(rc))
	}
	return nil
}

// Metadata calls the plugin's metadata vtable entry.
func (c *ConnectorInstance) Metadata() mem.PhysicalMemoryMetadata {
	if c.closed {
		return mem.PhysicalMemoryMetadata{}
	}
	var out PhysicalMemoryMetadataABI
	purego.SyscallN(c.vtable.Phys.Metadata, c.handle, uintptr(unsafe.Pointer(&out)))
	return mem.PhysicalMemoryMetadata{
		Size:     addrLength(out.Size),
		Readonly: out.Readonly != 0,
	}
}

var _ mem.PhysicalMemory = (*ConnectorInstance)(nil)
