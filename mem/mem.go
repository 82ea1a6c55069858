// Package mem defines the polymorphic memory-access contracts that the rest
// of the stack is built against: PhysicalMemory (what a connector or a cache
// wrapper offers) and Translator (what a page-table walker offers); the
// VAT-backed AccessVirtualMemory is defined in package vat. Wrapping one
// PhysicalMemory in another (e.g. the page cache
// around a connector) is how the stack composes, per spec.md §9's
// "Polymorphism" note.
package mem

import "github.com/vablings/memflow/addr"

// PhysicalReadData describes one physical read request: the address to read
// from and the buffer to fill. The buffer's length determines the size of
// the read. Connectors are not required to receive page-aligned addresses;
// alignment is the connector's own concern (spec.md §9, Open Questions).
type PhysicalReadData struct {
	Address addr.PhysicalAddress
	Buf     []byte
}

// PhysicalWriteData mirrors PhysicalReadData for writes.
type PhysicalWriteData struct {
	Address addr.PhysicalAddress
	Buf     []byte
}

// PhysicalMemoryMetadata describes the target's physical address space.
type PhysicalMemoryMetadata struct {
	Size     addr.Length
	Readonly bool
}

// PhysicalMemory is the capability a connector, or anything wrapping a
// connector (the page cache), offers: batched physical reads/writes plus
// metadata. Batched list operations let high-latency connectors amortize
// per-request overhead (spec.md §4.3).
//
// ReadPhysicalList and WritePhysicalList report failure only through their
// single error return. The implementations in this module stop at the first
// request that fails and return its error for the whole batch; requests
// after it are not attempted, and no per-request status is reported.
type PhysicalMemory interface {
	ReadPhysicalList(reads []PhysicalReadData) error
	WritePhysicalList(writes []PhysicalWriteData) error
	Metadata() PhysicalMemoryMetadata
}

// ReadPhysical is a convenience wrapper around ReadPhysicalList for a single
// request.
func ReadPhysical(m PhysicalMemory, pa addr.PhysicalAddress, out []byte) error {
	return m.ReadPhysicalList([]PhysicalReadData{{Address: pa, Buf: out}})
}

// WritePhysical is a convenience wrapper around WritePhysicalList for a
// single request.
func WritePhysical(m PhysicalMemory, pa addr.PhysicalAddress, data []byte) error {
	return m.WritePhysicalList([]PhysicalWriteData{{Address: pa, Buf: data}})
}

// Translator is the capability an architecture page-table walker offers:
// turning a guest-virtual address into a guest-physical one by reading page
// tables through the supplied PhysicalMemory. It takes no cache or Address
// space tag of its own — see spec.md §3's Architecture data model.
//
// The byte-range virtual read/write capability built on top of a
// Translator (spec.md §4.1) is defined in package vat as
// vat.AccessVirtualMemory rather than here, since it is parameterized over
// arch.Architecture and this package must not import arch (arch itself
// depends on PhysicalMemory, defined above).
type Translator interface {
	PageSize() addr.Length
	VirtToPhys(mem PhysicalMemory, dtb addr.Address, vaddr addr.Address) (addr.PhysicalAddress, error)
}
