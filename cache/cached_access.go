package cache

import (
	"github.com/vablings/memflow/addr"
	"github.com/vablings/memflow/arch"
	"github.com/vablings/memflow/mem"
	"github.com/vablings/memflow/vat"
)

// CachedMemoryAccess wraps a mem.PhysicalMemory with a PageCache, per
// spec.md §4.2. Reads consult the cache (fetching and validating a whole
// page on miss); writes invalidate every overlapping cached page before
// delegating to the wrapped memory (write-through, never write-back).
//
// CachedMemoryAccess itself implements mem.PhysicalMemory, so it composes:
// wrapping another CachedMemoryAccess (or any PhysicalMemory) around it
// works unmodified (spec.md §9, Polymorphism).
type CachedMemoryAccess struct {
	mem   mem.PhysicalMemory
	cache PageCache
}

// With constructs a CachedMemoryAccess over mem using cache.
func With(m mem.PhysicalMemory, c PageCache) *CachedMemoryAccess {
	return &CachedMemoryAccess{mem: m, cache: c}
}

// ReadPhysicalList forwards each request through the cache. Requests whose
// PhysicalAddress carries no page hint, or whose page type the cache
// doesn't cache, fall straight through to the wrapped memory uncached.
func (c *CachedMemoryAccess) ReadPhysicalList(reads []mem.PhysicalReadData) error {
	for _, r := range reads {
		if err := c.readOne(r.Address, r.Buf); err != nil {
			return err
		}
	}
	return nil
}

func (c *CachedMemoryAccess) readOne(pa addr.PhysicalAddress, out []byte) error {
	if pa.Page == nil || !c.cache.IsCachedPageType(pa.Page.Type) {
		return mem.ReadPhysical(c.mem, pa, out)
	}

	pageType := pa.Page.Type
	cur := pa.Addr
	remaining := out

	for len(remaining) > 0 {
		slot := c.cache.CachedPageMut(cur)
		offset := int(cur.Sub(slot.Base))
		chunkLen := len(slot.Buf) - offset
		if chunkLen > len(remaining) {
			chunkLen = len(remaining)
		}

		wasValid := slot.Valid
		if !slot.Valid {
			fullPage := addr.PhysicalAddress{Addr: slot.Base, Page: pa.Page}
			if err := mem.ReadPhysical(c.mem, fullPage, slot.Buf); err != nil {
				return err
			}
		}

		copy(remaining[:chunkLen], slot.Buf[offset:offset+chunkLen])

		if !wasValid {
			c.cache.ValidatePage(cur, pageType)
		}

		remaining = remaining[chunkLen:]
		cur = cur.Add(addr.Bytes(uint64(chunkLen)))
	}

	return nil
}

// WritePhysicalList invalidates every cache slot whose page intersects each
// write's range before delegating the write to the wrapped memory.
func (c *CachedMemoryAccess) WritePhysicalList(writes []mem.PhysicalWriteData) error {
	for _, w := range writes {
		pageType := addr.PageUnknown
		if w.Address.Page != nil {
			pageType = w.Address.Page.Type
		}
		pageSize := c.cache.PageSize()
		start := w.Address.Addr.AlignDown(pageSize)
		end := w.Address.Addr.Add(addr.Bytes(uint64(len(w.Buf))))
		for p := start; p < end; p = p.Add(pageSize) {
			c.cache.InvalidatePage(p, pageType)
		}
	}
	return c.mem.WritePhysicalList(writes)
}

// Metadata forwards to the wrapped memory.
func (c *CachedMemoryAccess) Metadata() mem.PhysicalMemoryMetadata {
	return c.mem.Metadata()
}

// VirtReadRawInto forwards to vat.ReadRawInto with the cache itself as the
// PhysicalMemory, so data-page reads go through the cache. Page-table-entry
// reads carry no page hint and pass straight through to the wrapped memory.
func (c *CachedMemoryAccess) VirtReadRawInto(a arch.Architecture, dtb addr.Address, vaddr addr.Address, out []byte) error {
	return vat.ReadRawInto(c, a, dtb, vaddr, out)
}

// VirtWriteRaw forwards to vat.WriteRaw.
func (c *CachedMemoryAccess) VirtWriteRaw(a arch.Architecture, dtb addr.Address, vaddr addr.Address, data []byte) error {
	return vat.WriteRaw(c, a, dtb, vaddr, data)
}

// VirtPageInfo forwards to vat.PageInfo.
func (c *CachedMemoryAccess) VirtPageInfo(a arch.Architecture, dtb addr.Address, vaddr addr.Address) (addr.Page, error) {
	return vat.PageInfo(c, a, dtb, vaddr)
}
