// Package winproc implements the Windows-specialization of spec.md §4.5:
// kernel start-block discovery, PE header probing, PDB-driven field offset
// resolution, and _EPROCESS list enumeration. It is a *user* of the
// addr/arch/mem/vat/cache/pdb stack below it, included because it motivates
// that stack's design rather than being part of the core (spec.md §1).
package winproc

import (
	"encoding/binary"
	"errors"

	"github.com/vablings/memflow/addr"
	"github.com/vablings/memflow/arch"
	"github.com/vablings/memflow/mem"
)

// ErrKernelNotFound is returned when no recognisable kernel PE signature is
// found within the scanned physical range.
var ErrKernelNotFound = errors.New("winproc: kernel signature not found in scanned range")

// StartBlock is the triple spec.md's GLOSSARY names as the bootstrap for
// any further target-memory introspection: the page-table format, its
// root, and the kernel image's base address.
type StartBlock struct {
	Arch       arch.Architecture
	Dtb        addr.Address
	KernelBase addr.Address
}

const (
	mzSignature = 0x5a4d     // "MZ"
	peSignature = 0x00004550 // "PE\x00\x00"
)

// defaultScanLow/High bound the physical-memory sweep for a kernel PE
// signature to spec.md §4.5's "lowest 1-16 MiB of physical memory".
var (
	defaultScanLow  = addr.MB(1)
	defaultScanHigh = addr.MB(16)
)

// ScanKernelBase scans the default 1-16 MiB physical range for a page
// beginning with a DOS/PE header ("MZ" at offset 0, "PE\0\0" at the
// e_lfanew offset), the page-header half of spec.md §4.5's start-block
// scan. The DTB half (the page-table root / CR3 value) is not physical-
// memory-observable through this module's connector abstraction — it is
// supplied by the caller, typically read from the target's control
// registers by a connector-specific or hypervisor-specific collaborator
// outside this module's scope (spec.md §1, "Out of scope" collaborators).
func ScanKernelBase(m mem.PhysicalMemory) (addr.Address, error) {
	return ScanKernelBaseRange(m, defaultScanLow, defaultScanHigh)
}

// ScanKernelBaseRange is ScanKernelBase parameterized over the scanned
// range, for callers that know a tighter or wider window (e.g. a
// hypervisor connector that can report the guest's actual low-memory
// layout).
func ScanKernelBaseRange(m mem.PhysicalMemory, low, high addr.Length) (addr.Address, error) {
	const pageSize = 0x1000
	meta := m.Metadata()
	limit := uint64(high)
	if uint64(meta.Size) != 0 && uint64(meta.Size) < limit {
		limit = uint64(meta.Size)
	}

	hdr := make([]byte, 0x40)
	peMagic := make([]byte, 4)
	for base := uint64(low); base+pageSize <= limit; base += pageSize {
		if err := mem.ReadPhysical(m, addr.PhysicalAddress{Addr: addr.Address(base)}, hdr); err != nil {
			continue
		}
		if binary.LittleEndian.Uint16(hdr[0:2]) != mzSignature {
			continue
		}
		lfanew := binary.LittleEndian.Uint32(hdr[0x3c:0x40])
		if lfanew == 0 || uint64(lfanew) > pageSize-4 {
			continue
		}
		peAddr := addr.PhysicalAddress{Addr: addr.Address(base + uint64(lfanew))}
		if err := mem.ReadPhysical(m, peAddr, peMagic); err != nil {
			continue
		}
		if binary.LittleEndian.Uint32(peMagic) != peSignature {
			continue
		}
		return addr.Address(base), nil
	}
	return addr.NullAddress, ErrKernelNotFound
}
