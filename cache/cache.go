// Package cache implements the page cache of spec.md §4.2: a page-indexed
// buffer store with validity bits and typed invalidation, sitting between
// consumers and a connector to amortize the cost of repeated small reads on
// the same page.
package cache

import "github.com/vablings/memflow/addr"

// CachedPage is one slot in the cache: a page-sized buffer, a validity bit,
// and the page type it was last validated with. valid=false means Buf's
// contents are undefined.
type CachedPage struct {
	Base  addr.Address
	Buf   []byte
	Valid bool
	Type  addr.PageType
}

// PageCache is the capability the cache wrapper needs from a concrete cache
// implementation. The concrete slot-indexing policy (direct-mapped,
// set-associative, fully-associative LRU) is an implementation choice, per
// spec.md §4.2; SimpleCache below is direct-mapped.
type PageCache interface {
	// PageSize is the cache's internal page granularity. It need not equal
	// the target's architectural page size but must divide it.
	PageSize() addr.Length

	// IsCachedPageType filters by page type; typically Page is cached but
	// PageTable and Unknown are not.
	IsCachedPageType(t addr.PageType) bool

	// CachedPageMut returns the slot for the page containing pa (i.e. pa
	// rounded down to PageSize). The slot's Base is set to the rounded-down
	// address; its Valid bit reflects current state.
	CachedPageMut(pa addr.Address) *CachedPage

	// ValidatePage marks the slot containing pa as valid with the given
	// type.
	ValidatePage(pa addr.Address, t addr.PageType)

	// InvalidatePage marks the slot containing pa as invalid.
	InvalidatePage(pa addr.Address, t addr.PageType)
}

// SimpleCache is a fixed-slot, direct-mapped PageCache: a physical page base
// maps to slot (base/pageSize) mod len(slots). Reassigning a slot to a
// different base implicitly invalidates it — no write-back is ever needed
// because the cache is never dirty (spec.md §4.2, Eviction).
type SimpleCache struct {
	pageSize    addr.Length
	slots       []CachedPage
	cacheUnkown bool
}

// NewSimpleCache constructs a SimpleCache with the given number of slots,
// each pageSize bytes. pageSize must divide the architecture's page size
// (spec.md §4.2).
func NewSimpleCache(slotCount int, pageSize addr.Length) *SimpleCache {
	slots := make([]CachedPage, slotCount)
	for i := range slots {
		slots[i].Buf = make([]byte, pageSize.AsUsize())
	}
	return &SimpleCache{pageSize: pageSize, slots: slots}
}

func (c *SimpleCache) PageSize() addr.Length { return c.pageSize }

// IsCachedPageType caches Page by default; PageTable and Unknown are left
// uncached so page-table walks always see live memory and pages whose type
// could not be determined never pollute the cache.
func (c *SimpleCache) IsCachedPageType(t addr.PageType) bool {
	switch t {
	case addr.PagePage, addr.PageWriteable, addr.PageReadable, addr.PageNoExec:
		return true
	default:
		return false
	}
}

func (c *SimpleCache) slotFor(base addr.Address) int {
	pageIndex := uint64(base) / uint64(c.pageSize)
	return int(pageIndex % uint64(len(c.slots)))
}

// CachedPageMut returns the slot for the page containing pa, rounding pa
// down to the cache's page size. If the slot currently holds a different
// page, it is implicitly invalidated (reassigned) before being returned.
func (c *SimpleCache) CachedPageMut(pa addr.Address) *CachedPage {
	base := pa.AlignDown(c.pageSize)
	idx := c.slotFor(base)
	slot := &c.slots[idx]
	if slot.Base != base {
		slot.Base = base
		slot.Valid = false
	}
	return slot
}

func (c *SimpleCache) ValidatePage(pa addr.Address, t addr.PageType) {
	slot := c.CachedPageMut(pa)
	slot.Valid = true
	slot.Type = t
}

func (c *SimpleCache) InvalidatePage(pa addr.Address, t addr.PageType) {
	slot := c.CachedPageMut(pa)
	slot.Valid = false
	slot.Type = t
}
