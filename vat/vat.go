// Package vat implements the byte-range virtual-memory read/write/page-info
// operations described in spec.md §4.1, composed from an arch.Architecture
// walker and a mem.PhysicalMemory. It is deliberately free-standing (not a
// method on any concrete type) so the page cache's CachedMemoryAccess can
// forward to it once wrapped around any PhysicalMemory, per spec.md §9's
// polymorphism note.
package vat

import (
	"errors"

	"github.com/vablings/memflow/addr"
	"github.com/vablings/memflow/arch"
	"github.com/vablings/memflow/mem"
)

// ErrPageInfoNotFound is returned by PageInfo when translation succeeds but
// carries no page hint (should not happen for a well-formed Translator).
var ErrPageInfoNotFound = errors.New("vat: page info not found")

// AccessVirtualMemory is the capability the VAT layer offers once composed
// with an arch.Architecture and a mem.PhysicalMemory: byte-range virtual
// reads/writes that transparently chunk across page boundaries. The page
// cache's CachedMemoryAccess implements this by forwarding to the package
// functions below with itself as the mem.PhysicalMemory. Page-table-entry
// reads issued by the walker carry no page hint, so the cache passes them
// through uncached.
type AccessVirtualMemory interface {
	VirtReadRawInto(a arch.Architecture, dtb addr.Address, vaddr addr.Address, out []byte) error
	VirtWriteRaw(a arch.Architecture, dtb addr.Address, vaddr addr.Address, data []byte) error
	VirtPageInfo(a arch.Architecture, dtb addr.Address, vaddr addr.Address) (addr.Page, error)
}

// ReadRawInto performs a virtual read of len(out) bytes starting at vaddr,
// splitting across physical pages as needed. Translation failures for any
// touched page are zero-filled rather than propagated — kernel structures
// routinely contain untranslated pointers, and zero-fill lets callers detect
// absence by content rather than aborting the whole read. Physical-read
// errors from the underlying connector are not recoverable and propagate.
func ReadRawInto(m mem.PhysicalMemory, a arch.Architecture, dtb addr.Address, vaddr addr.Address, out []byte) error {
	pageSize := a.PageSize()
	head := pageEnd(vaddr, pageSize).Sub(vaddr)

	if head.AsUsize() >= len(out) {
		return readChunk(m, a, dtb, vaddr, out)
	}

	headN := head.AsUsize()
	if headN > len(out) {
		headN = len(out)
	}
	headChunk, tail := out[:headN], out[headN:]

	base := vaddr
	if err := readChunk(m, a, dtb, base, headChunk); err != nil {
		return err
	}
	base = base.Add(addr.Bytes(uint64(len(headChunk))))

	for len(tail) > 0 {
		n := pageSize.AsUsize()
		if n > len(tail) {
			n = len(tail)
		}
		chunk := tail[:n]
		if err := readChunk(m, a, dtb, base, chunk); err != nil {
			return err
		}
		base = base.Add(addr.Bytes(uint64(n)))
		tail = tail[n:]
	}

	return nil
}

func readChunk(m mem.PhysicalMemory, a arch.Architecture, dtb addr.Address, vaddr addr.Address, out []byte) error {
	pa, err := a.VirtToPhys(m, dtb, vaddr)
	if err != nil {
		zero(out)
		return nil
	}
	return mem.ReadPhysical(m, pa, out)
}

// WriteRaw performs a virtual write of data starting at vaddr, splitting
// across physical pages as needed. Chunks whose translation fails are
// silently dropped rather than written anywhere — a deliberate safety bias:
// there is no zero-fill equivalent for writes to unmapped pages.
func WriteRaw(m mem.PhysicalMemory, a arch.Architecture, dtb addr.Address, vaddr addr.Address, data []byte) error {
	pageSize := a.PageSize()
	head := pageEnd(vaddr, pageSize).Sub(vaddr)

	if head.AsUsize() >= len(data) {
		return writeChunk(m, a, dtb, vaddr, data)
	}

	headN := head.AsUsize()
	if headN > len(data) {
		headN = len(data)
	}
	headChunk, tail := data[:headN], data[headN:]

	base := vaddr
	if err := writeChunk(m, a, dtb, base, headChunk); err != nil {
		return err
	}
	base = base.Add(addr.Bytes(uint64(len(headChunk))))

	for len(tail) > 0 {
		n := pageSize.AsUsize()
		if n > len(tail) {
			n = len(tail)
		}
		chunk := tail[:n]
		if err := writeChunk(m, a, dtb, base, chunk); err != nil {
			return err
		}
		base = base.Add(addr.Bytes(uint64(n)))
		tail = tail[n:]
	}

	return nil
}

func writeChunk(m mem.PhysicalMemory, a arch.Architecture, dtb addr.Address, vaddr addr.Address, data []byte) error {
	pa, err := a.VirtToPhys(m, dtb, vaddr)
	if err != nil {
		return nil
	}
	return mem.WritePhysical(m, pa, data)
}

// PageInfo translates vaddr and returns the Page it falls within. Unlike
// ReadRawInto/WriteRaw, translation failure propagates here as
// arch.ErrPageNotPresent — this is an explicit query, not a tolerant bulk
// copy.
func PageInfo(m mem.PhysicalMemory, a arch.Architecture, dtb addr.Address, vaddr addr.Address) (addr.Page, error) {
	pa, err := a.VirtToPhys(m, dtb, vaddr)
	if err != nil {
		return addr.Page{}, err
	}
	if pa.Page == nil {
		return addr.Page{}, ErrPageInfoNotFound
	}
	return *pa.Page, nil
}

// pageEnd returns the address of the start of the next page after vaddr.
func pageEnd(vaddr addr.Address, pageSize addr.Length) addr.Address {
	return vaddr.Add(pageSize).AlignDown(pageSize)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
