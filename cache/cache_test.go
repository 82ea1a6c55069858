package cache

import (
	"testing"

	"github.com/vablings/memflow/addr"
	"github.com/vablings/memflow/mem"
)

// countingMemory records every read/write it is asked to perform, so tests
// can assert on how many times (and where) the underlying connector was
// actually touched.
type countingMemory struct {
	buf        []byte
	readCalls  []mem.PhysicalReadData
	writeCalls []mem.PhysicalWriteData
}

func newCountingMemory(size int) *countingMemory {
	return &countingMemory{buf: make([]byte, size)}
}

func (c *countingMemory) ReadPhysicalList(reads []mem.PhysicalReadData) error {
	for _, r := range reads {
		c.readCalls = append(c.readCalls, r)
		off := int(r.Address.Addr)
		copy(r.Buf, c.buf[off:off+len(r.Buf)])
	}
	return nil
}

func (c *countingMemory) WritePhysicalList(writes []mem.PhysicalWriteData) error {
	for _, w := range writes {
		c.writeCalls = append(c.writeCalls, w)
		off := int(w.Address.Addr)
		copy(c.buf[off:off+len(w.Buf)], w.Buf)
	}
	return nil
}

func (c *countingMemory) Metadata() mem.PhysicalMemoryMetadata {
	return mem.PhysicalMemoryMetadata{Size: addr.Bytes(uint64(len(c.buf)))}
}

func pagedAddr(a addr.Address) addr.PhysicalAddress {
	p := addr.Page{Base: a.AlignDown(addr.KB(4)), Size: addr.KB(4), Type: addr.PagePage}
	return addr.PhysicalAddress{Addr: a, Page: &p}
}

// TestCachedReadHit is seed scenario S1: two reads of the same 32 bytes at
// 0x1010 through a 4 KiB-paged cache must both observe the backing content,
// and the underlying connector must see exactly one 4096-byte read at
// 0x1000.
func TestCachedReadHit(t *testing.T) {
	backing := newCountingMemory(0x2000)
	for i := 0x1000; i < 0x2000; i++ {
		backing.buf[i] = 0xAB
	}

	c := With(backing, NewSimpleCache(16, addr.KB(4)))

	for i := 0; i < 2; i++ {
		out := make([]byte, 32)
		if err := mem.ReadPhysical(c, pagedAddr(0x1010), out); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		for j, b := range out {
			if b != 0xAB {
				t.Fatalf("read %d byte %d: got %#x want 0xAB", i, j, b)
			}
		}
	}

	if len(backing.readCalls) != 1 {
		t.Fatalf("expected exactly one underlying read, got %d", len(backing.readCalls))
	}
	call := backing.readCalls[0]
	if call.Address.Addr != addr.Address(0x1000) || len(call.Buf) != 4096 {
		t.Fatalf("expected one 4096-byte read at 0x1000, got addr=%s len=%d", call.Address.Addr, len(call.Buf))
	}
}

// TestCachedInvalidationOnOverlappingWrite is seed scenario S2: priming a
// read, then writing an overlapping range, must invalidate the cached page
// so the next read observes the new bytes.
func TestCachedInvalidationOnOverlappingWrite(t *testing.T) {
	backing := newCountingMemory(0x3000)
	c := With(backing, NewSimpleCache(16, addr.KB(4)))

	primed := make([]byte, 16)
	if err := mem.ReadPhysical(c, pagedAddr(0x2000), primed); err != nil {
		t.Fatalf("prime read: %v", err)
	}
	for _, b := range primed {
		if b != 0 {
			t.Fatalf("expected primed read to be zero, got %#x", b)
		}
	}

	if err := mem.WritePhysical(c, pagedAddr(0x2008), []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}); err != nil {
		t.Fatalf("write: %v", err)
	}

	out := make([]byte, 16)
	if err := mem.ReadPhysical(c, pagedAddr(0x2000), out); err != nil {
		t.Fatalf("second read: %v", err)
	}

	want := []byte{0, 0, 0, 0, 0, 0, 0, 0, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("byte %d: got %#x want %#x", i, out[i], want[i])
		}
	}

	// The write invalidated the page, so the second read must have missed
	// and refetched: two underlying reads total (prime + post-write).
	if len(backing.readCalls) != 2 {
		t.Fatalf("expected two underlying reads (miss, then miss again after invalidation), got %d", len(backing.readCalls))
	}
}

// TestCacheTransparency is invariant 2 of spec.md §8: bytes returned through
// a cached stack must equal those returned through a direct connector, for a
// deterministic backing memory and an arbitrary access pattern.
func TestCacheTransparency(t *testing.T) {
	direct := newCountingMemory(0x4000)
	for i := range direct.buf {
		direct.buf[i] = byte(i * 7)
	}
	cached := newCountingMemory(0x4000)
	copy(cached.buf, direct.buf)
	c := With(cached, NewSimpleCache(4, addr.KB(4)))

	accesses := []struct {
		addr addr.Address
		n    int
	}{
		{0x1001, 50}, {0x1fe0, 64}, {0x3000, 4096}, {0x2800, 17},
	}

	for _, a := range accesses {
		wantBuf := make([]byte, a.n)
		if err := mem.ReadPhysical(direct, pagedAddr(a.addr), wantBuf); err != nil {
			t.Fatalf("direct read: %v", err)
		}
		gotBuf := make([]byte, a.n)
		if err := mem.ReadPhysical(c, pagedAddr(a.addr), gotBuf); err != nil {
			t.Fatalf("cached read: %v", err)
		}
		for i := range wantBuf {
			if wantBuf[i] != gotBuf[i] {
				t.Fatalf("addr %s byte %d: direct=%#x cached=%#x", a.addr, i, wantBuf[i], gotBuf[i])
			}
		}
	}
}

// TestUncacheablePassesThrough ensures addresses with no page hint bypass
// the cache entirely.
func TestUncacheablePassesThrough(t *testing.T) {
	backing := newCountingMemory(0x2000)
	backing.buf[0x1000] = 0x42
	c := With(backing, NewSimpleCache(4, addr.KB(4)))

	out := make([]byte, 1)
	if err := mem.ReadPhysical(c, addr.PhysicalAddress{Addr: 0x1000}, out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if out[0] != 0x42 {
		t.Fatalf("got %#x want 0x42", out[0])
	}
	if len(backing.readCalls) != 1 || len(backing.readCalls[0].Buf) != 1 {
		t.Fatalf("expected a single 1-byte passthrough read, got %+v", backing.readCalls)
	}
}
