// Package addr defines the typed address and length arithmetic shared by
// every layer of the memory-access stack. Addresses are not tied to a
// particular address space at the type level; the caller's context decides
// whether a given Address is virtual or physical.
package addr

import "fmt"

// Address is an unsigned 64-bit offset into some address space.
type Address uint64

// NullAddress is the distinguished null value.
const NullAddress Address = 0

// IsNull reports whether a is the null address.
func (a Address) IsNull() bool {
	return a == NullAddress
}

// AlignDown rounds a down to the nearest multiple of pageSize.
func (a Address) AlignDown(pageSize Length) Address {
	if pageSize == 0 {
		return a
	}
	return Address(uint64(a) &^ (uint64(pageSize) - 1))
}

// AlignUp rounds a up to the nearest multiple of pageSize.
func (a Address) AlignUp(pageSize Length) Address {
	if pageSize == 0 {
		return a
	}
	aligned := a.AlignDown(pageSize)
	if aligned == a {
		return a
	}
	return aligned + Address(pageSize)
}

// Add returns a+l.
func (a Address) Add(l Length) Address {
	return a + Address(l)
}

// Sub returns the distance between a and b as a Length. The result is
// undefined (wraps) if b > a; callers that care about ordering should check
// first.
func (a Address) Sub(b Address) Length {
	return Length(uint64(a) - uint64(b))
}

func (a Address) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// Length is an unsigned 64-bit size.
type Length uint64

// Bytes constructs a Length from a byte count.
func Bytes(n uint64) Length { return Length(n) }

// KB constructs a Length from a kibibyte count.
func KB(n uint64) Length { return Length(n * 1024) }

// MB constructs a Length from a mebibyte count.
func MB(n uint64) Length { return Length(n * 1024 * 1024) }

// Pages constructs a Length from a page count at the given page size.
func Pages(n uint64, pageSize Length) Length { return Length(n) * pageSize }

// AsUsize returns the length as an int, for slicing.
func (l Length) AsUsize() int { return int(l) }

func (l Length) String() string {
	return fmt.Sprintf("0x%x", uint64(l))
}

// PageType classifies a mapped region for the page cache's benefit. It is a
// small closed set rather than an open string so the cache can make an O(1)
// cacheability decision.
type PageType int

const (
	PageUnknown PageType = iota
	PagePage
	PageTable
	PageWriteable
	PageReadable
	PageNoExec
)

func (t PageType) String() string {
	switch t {
	case PageUnknown:
		return "unknown"
	case PagePage:
		return "page"
	case PageTable:
		return "page_table"
	case PageWriteable:
		return "writeable"
	case PageReadable:
		return "readable"
	case PageNoExec:
		return "no_exec"
	default:
		return "invalid"
	}
}

// Page describes a mapped region: its base address, size, and type.
type Page struct {
	Base Address
	Size Length
	Type PageType
}

// Contains reports whether addr falls within the page.
func (p Page) Contains(address Address) bool {
	return address >= p.Base && address < p.Base.Add(p.Size)
}

// PhysicalAddress pairs a physical address with the translator's hint about
// which page it belongs to. A nil Page means the address is treated as
// uncacheable by the page cache.
type PhysicalAddress struct {
	Addr Address
	Page *Page
}

// Cacheable reports whether the translator supplied page information for
// this address.
func (pa PhysicalAddress) Cacheable() bool {
	return pa.Page != nil
}
