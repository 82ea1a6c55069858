// Package memfile is a reference, in-process implementation of
// mem.PhysicalMemory: a byte-addressable backing store (an in-memory buffer
// or a regular file) with no dynamic loading involved (SPEC_FULL.md §4.4a).
//
// It mirrors internal/hv/kvm/kvm.go's memoryRegion: a Go-owned byte slice
// exposing bounds-checked ReadAt/WriteAt, without going through any plugin
// boundary. memfile additionally backs onto a regular file via positioned,
// allocation-free I/O for reads/writes that don't disturb a shared file
// offset — golang.org/x/sys/unix Pread/Pwrite on Linux/Darwin (memfile_unix.go)
// and os.File.ReadAt/WriteAt on Windows (memfile_windows.go), the same
// platform split the teacher's hypervisor backends use for direct syscall
// access (internal/hv/kvm/kvm_amd64.go vs internal/hv/whp/bindings/*_windows.go).
package memfile

import (
	"fmt"
	"os"

	"github.com/vablings/memflow/addr"
	"github.com/vablings/memflow/mem"
)

// Connector is a PhysicalMemory backed either by an in-memory buffer or by a
// regular file.
type Connector struct {
	buf      []byte
	file     *os.File
	size     int64
	readonly bool
}

// NewBuffer constructs a Connector directly over buf; no copy is made, so
// callers retain the ability to mutate the backing memory out of band (for
// example to prime deterministic content).
func NewBuffer(buf []byte) *Connector {
	return &Connector{buf: buf, size: int64(len(buf))}
}

// Open backs a Connector by a regular file, read-write unless readonly is
// set. The file is not truncated or created; it must already exist and be
// at least as large as any address subsequently accessed.
func Open(path string, readonly bool) (*Connector, error) {
	f, size, err := openFile(path, readonly)
	if err != nil {
		return nil, fmt.Errorf("memfile: open %s: %w", path, err)
	}
	return &Connector{file: f, size: size, readonly: readonly}, nil
}

// Close releases the backing file, if any. Buffer-backed connectors need no
// cleanup.
func (c *Connector) Close() error {
	if c.file == nil {
		return nil
	}
	f := c.file
	c.file = nil
	return f.Close()
}

func (c *Connector) ReadPhysicalList(reads []mem.PhysicalReadData) error {
	for _, r := range reads {
		if err := c.readAt(r.Buf, int64(r.Address.Addr)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connector) WritePhysicalList(writes []mem.PhysicalWriteData) error {
	if c.readonly {
		return fmt.Errorf("memfile: write to read-only connector")
	}
	for _, w := range writes {
		if err := c.writeAt(w.Buf, int64(w.Address.Addr)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connector) Metadata() mem.PhysicalMemoryMetadata {
	return mem.PhysicalMemoryMetadata{Size: addr.Bytes(uint64(c.size)), Readonly: c.readonly}
}

func (c *Connector) readAt(p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > c.size {
		return fmt.Errorf("memfile: read offset 0x%x+%d out of bounds (size 0x%x)", off, len(p), c.size)
	}
	if c.file != nil {
		n, err := preadFile(c.file, p, off)
		if err != nil {
			return fmt.Errorf("memfile: pread: %w", err)
		}
		if n != len(p) {
			return fmt.Errorf("memfile: short read at 0x%x: got %d want %d", off, n, len(p))
		}
		return nil
	}
	copy(p, c.buf[off:])
	return nil
}

func (c *Connector) writeAt(p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > c.size {
		return fmt.Errorf("memfile: write offset 0x%x+%d out of bounds (size 0x%x)", off, len(p), c.size)
	}
	if c.file != nil {
		n, err := pwriteFile(c.file, p, off)
		if err != nil {
			return fmt.Errorf("memfile: pwrite: %w", err)
		}
		if n != len(p) {
			return fmt.Errorf("memfile: short write at 0x%x: got %d want %d", off, n, len(p))
		}
		return nil
	}
	copy(c.buf[off:], p)
	return nil
}

var _ mem.PhysicalMemory = (*Connector)(nil)
