// Package arch implements the architecture descriptor and page-table walker
// (the "VAT" of spec.md §4.1): given a directory-table-base and a guest
// virtual address, translate to a guest physical address by issuing physical
// reads through a caller-supplied mem.PhysicalMemory. VirtToPhys is a pure
// function of current target memory state; it performs no caching of its
// own. Its page-table-entry reads carry no page hint, so a page cache
// wrapped around that memory passes them through uncached.
package arch

import (
	"errors"
	"fmt"

	"github.com/vablings/memflow/addr"
	"github.com/vablings/memflow/mem"
)

// ErrPageNotPresent is returned when a page-table walk finds a present bit
// unset at any level.
var ErrPageNotPresent = errors.New("arch: page not present")

// ID names one of the three supported page-table formats.
type ID int

const (
	X86 ID = iota
	X86Pae
	X64
)

func (id ID) String() string {
	switch id {
	case X86:
		return "x86"
	case X86Pae:
		return "x86_pae"
	case X64:
		return "x64"
	default:
		return "invalid"
	}
}

// Architecture is the tagged variant spec.md §3 describes: a closed set of
// page-table formats, each with fixed page size, pointer width, and walk
// strategy.
type Architecture struct {
	id ID
}

// New returns the Architecture descriptor for id.
func New(id ID) Architecture {
	return Architecture{id: id}
}

var (
	X86Arch    = New(X86)
	X86PaeArch = New(X86Pae)
	X64Arch    = New(X64)
)

// ID returns the underlying architecture tag.
func (a Architecture) ID() ID { return a.id }

// PageSize returns the base (smallest) page size for the architecture. All
// three supported architectures use a 4 KiB base page; large pages (2 MiB,
// 1 GiB on x64) are detected at walk time and reported via the resulting
// Page's Size field, not via this constant.
func (a Architecture) PageSize() addr.Length {
	return addr.KB(4)
}

// PointerWidth returns the width, in bytes, of a virtual address on this
// architecture.
func (a Architecture) PointerWidth() int {
	switch a.id {
	case X86, X86Pae:
		return 4
	default:
		return 8
	}
}

const (
	pteAddrMask64 = 0x000ffffffffff000
	pteAddrMask32 = 0xfffff000

	pteFlagPresent = 1 << 0
	pteFlagLarge   = 1 << 7
)

// VirtToPhys walks the page tables rooted at dtb to translate vaddr. It
// issues 2–4 physical reads of 4 or 8 bytes at the page-table entries
// indexed by slicing vaddr's bits per level, per spec.md §4.1.
func (a Architecture) VirtToPhys(m mem.PhysicalMemory, dtb addr.Address, vaddr addr.Address) (addr.PhysicalAddress, error) {
	switch a.id {
	case X86:
		return a.virtToPhysX86(m, dtb, vaddr)
	case X86Pae:
		return a.virtToPhysX86Pae(m, dtb, vaddr)
	case X64:
		return a.virtToPhysX64(m, dtb, vaddr)
	default:
		return addr.PhysicalAddress{}, fmt.Errorf("arch: unknown architecture %v", a.id)
	}
}

func readEntry32(m mem.PhysicalMemory, tableBase addr.Address, index uint64) (uint32, error) {
	buf := make([]byte, 4)
	pa := addr.PhysicalAddress{Addr: tableBase.Add(addr.Bytes(index * 4))}
	if err := mem.ReadPhysical(m, pa, buf); err != nil {
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

func readEntry64(m mem.PhysicalMemory, tableBase addr.Address, index uint64) (uint64, error) {
	buf := make([]byte, 8)
	pa := addr.PhysicalAddress{Addr: tableBase.Add(addr.Bytes(index * 8))}
	if err := mem.ReadPhysical(m, pa, buf); err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

// virtToPhysX86 walks a 32-bit, non-PAE, two-level page table: a page
// directory (1024 x 4-byte entries) and a page table (1024 x 4-byte
// entries), both covering 4 KiB pages.
func (a Architecture) virtToPhysX86(m mem.PhysicalMemory, dtb addr.Address, vaddr addr.Address) (addr.PhysicalAddress, error) {
	v := uint64(vaddr)
	pdIndex := (v >> 22) & 0x3ff
	pde, err := readEntry32(m, dtb, pdIndex)
	if err != nil {
		return addr.PhysicalAddress{}, err
	}
	if pde&pteFlagPresent == 0 {
		return addr.PhysicalAddress{}, ErrPageNotPresent
	}

	ptBase := addr.Address(uint64(pde) & pteAddrMask32)
	ptIndex := (v >> 12) & 0x3ff
	pte, err := readEntry32(m, ptBase, ptIndex)
	if err != nil {
		return addr.PhysicalAddress{}, err
	}
	if pte&pteFlagPresent == 0 {
		return addr.PhysicalAddress{}, ErrPageNotPresent
	}

	pageSize := addr.KB(4)
	frameBase := addr.Address(uint64(pte) & pteAddrMask32)
	offset := v & (uint64(pageSize) - 1)
	paddr := frameBase.Add(addr.Bytes(offset))
	page := addr.Page{Base: frameBase, Size: pageSize, Type: addr.PagePage}
	return addr.PhysicalAddress{Addr: paddr, Page: &page}, nil
}

// virtToPhysX86Pae walks a three-level, 64-bit-entry table: a 4-entry page
// directory pointer table, a 512-entry page directory (with optional 2 MiB
// large pages), and a 512-entry page table.
func (a Architecture) virtToPhysX86Pae(m mem.PhysicalMemory, dtb addr.Address, vaddr addr.Address) (addr.PhysicalAddress, error) {
	v := uint64(vaddr)

	pdptIndex := (v >> 30) & 0x3
	pdpte, err := readEntry64(m, dtb, pdptIndex)
	if err != nil {
		return addr.PhysicalAddress{}, err
	}
	if pdpte&pteFlagPresent == 0 {
		return addr.PhysicalAddress{}, ErrPageNotPresent
	}

	pdBase := addr.Address(pdpte & pteAddrMask64)
	pdIndex := (v >> 21) & 0x1ff
	pde, err := readEntry64(m, pdBase, pdIndex)
	if err != nil {
		return addr.PhysicalAddress{}, err
	}
	if pde&pteFlagPresent == 0 {
		return addr.PhysicalAddress{}, ErrPageNotPresent
	}

	if pde&pteFlagLarge != 0 {
		pageSize := addr.MB(2)
		frameBase := addr.Address(pde & pteAddrMask64 &^ (uint64(pageSize) - 1))
		offset := v & (uint64(pageSize) - 1)
		page := addr.Page{Base: frameBase, Size: pageSize, Type: addr.PagePage}
		return addr.PhysicalAddress{Addr: frameBase.Add(addr.Bytes(offset)), Page: &page}, nil
	}

	ptBase := addr.Address(pde & pteAddrMask64)
	ptIndex := (v >> 12) & 0x1ff
	pte, err := readEntry64(m, ptBase, ptIndex)
	if err != nil {
		return addr.PhysicalAddress{}, err
	}
	if pte&pteFlagPresent == 0 {
		return addr.PhysicalAddress{}, ErrPageNotPresent
	}

	pageSize := addr.KB(4)
	frameBase := addr.Address(pte & pteAddrMask64)
	offset := v & (uint64(pageSize) - 1)
	page := addr.Page{Base: frameBase, Size: pageSize, Type: addr.PagePage}
	return addr.PhysicalAddress{Addr: frameBase.Add(addr.Bytes(offset)), Page: &page}, nil
}

// virtToPhysX64 walks the four-level long-mode table: PML4, PDPT (optional
// 1 GiB pages), PD (optional 2 MiB pages), PT.
func (a Architecture) virtToPhysX64(m mem.PhysicalMemory, dtb addr.Address, vaddr addr.Address) (addr.PhysicalAddress, error) {
	v := uint64(vaddr)

	pml4Index := (v >> 39) & 0x1ff
	pml4e, err := readEntry64(m, dtb, pml4Index)
	if err != nil {
		return addr.PhysicalAddress{}, err
	}
	if pml4e&pteFlagPresent == 0 {
		return addr.PhysicalAddress{}, ErrPageNotPresent
	}

	pdptBase := addr.Address(pml4e & pteAddrMask64)
	pdptIndex := (v >> 30) & 0x1ff
	pdpte, err := readEntry64(m, pdptBase, pdptIndex)
	if err != nil {
		return addr.PhysicalAddress{}, err
	}
	if pdpte&pteFlagPresent == 0 {
		return addr.PhysicalAddress{}, ErrPageNotPresent
	}

	if pdpte&pteFlagLarge != 0 {
		pageSize := addr.MB(1024) // 1 GiB
		frameBase := addr.Address(pdpte & pteAddrMask64 &^ (uint64(pageSize) - 1))
		offset := v & (uint64(pageSize) - 1)
		page := addr.Page{Base: frameBase, Size: pageSize, Type: addr.PagePage}
		return addr.PhysicalAddress{Addr: frameBase.Add(addr.Bytes(offset)), Page: &page}, nil
	}

	pdBase := addr.Address(pdpte & pteAddrMask64)
	pdIndex := (v >> 21) & 0x1ff
	pde, err := readEntry64(m, pdBase, pdIndex)
	if err != nil {
		return addr.PhysicalAddress{}, err
	}
	if pde&pteFlagPresent == 0 {
		return addr.PhysicalAddress{}, ErrPageNotPresent
	}

	if pde&pteFlagLarge != 0 {
		pageSize := addr.MB(2)
		frameBase := addr.Address(pde & pteAddrMask64 &^ (uint64(pageSize) - 1))
		offset := v & (uint64(pageSize) - 1)
		page := addr.Page{Base: frameBase, Size: pageSize, Type: addr.PagePage}
		return addr.PhysicalAddress{Addr: frameBase.Add(addr.Bytes(offset)), Page: &page}, nil
	}

	ptBase := addr.Address(pde & pteAddrMask64)
	ptIndex := (v >> 12) & 0x1ff
	pte, err := readEntry64(m, ptBase, ptIndex)
	if err != nil {
		return addr.PhysicalAddress{}, err
	}
	if pte&pteFlagPresent == 0 {
		return addr.PhysicalAddress{}, ErrPageNotPresent
	}

	pageSize := addr.KB(4)
	frameBase := addr.Address(pte & pteAddrMask64)
	offset := v & (uint64(pageSize) - 1)
	page := addr.Page{Base: frameBase, Size: pageSize, Type: addr.PagePage}
	return addr.PhysicalAddress{Addr: frameBase.Add(addr.Bytes(offset)), Page: &page}, nil
}
