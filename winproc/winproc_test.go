package winproc

import (
	"testing"

	"github.com/vablings/memflow/addr"
	"github.com/vablings/memflow/arch"
	"github.com/vablings/memflow/mem"
	"github.com/vablings/memflow/pdb"
)

type fakeMemory struct {
	buf []byte
}

func newFakeMemory(size int) *fakeMemory {
	return &fakeMemory{buf: make([]byte, size)}
}

func (f *fakeMemory) ReadPhysicalList(reads []mem.PhysicalReadData) error {
	for _, r := range reads {
		off := int(r.Address.Addr)
		copy(r.Buf, f.buf[off:off+len(r.Buf)])
	}
	return nil
}

func (f *fakeMemory) WritePhysicalList(writes []mem.PhysicalWriteData) error {
	for _, w := range writes {
		off := int(w.Address.Addr)
		copy(f.buf[off:off+len(w.Buf)], w.Buf)
	}
	return nil
}

func (f *fakeMemory) Metadata() mem.PhysicalMemoryMetadata {
	return mem.PhysicalMemoryMetadata{Size: addr.Bytes(uint64(len(f.buf)))}
}

func (f *fakeMemory) putU64(off uint64, v uint64) {
	for i := 0; i < 8; i++ {
		f.buf[off+uint64(i)] = byte(v >> (8 * i))
	}
}

func (f *fakeMemory) putU32(off uint64, v uint32) {
	for i := 0; i < 4; i++ {
		f.buf[off+uint64(i)] = byte(v >> (8 * i))
	}
}

func (f *fakeMemory) putString(off uint64, s string, width int) {
	b := make([]byte, width)
	copy(b, s)
	copy(f.buf[off:off+uint64(width)], b)
}

const present = 1 << 0

// identityMapX64 wires a single PML4/PDPT/PD/PT chain (all indices 0, since
// regionBase is well below every higher level's bit slice) whose PT entries
// identity-map every 4 KiB page of the 2 MiB region containing regionBase, i.e.
// translating vaddr always yields paddr == vaddr, so test fixtures can be
// laid out and read back at the same numeric address.
func identityMapX64(m *fakeMemory, dtb, pml4Base, pdptBase, ptBase, regionBase uint64) {
	m.putU64(dtb+8*0, pml4Base|present)
	m.putU64(pml4Base+8*0, pdptBase|present)
	m.putU64(pdptBase+8*0, ptBase|present)
	for i := uint64(0); i < 512; i++ {
		page := (regionBase &^ (0x200000 - 1)) + i*0x1000
		m.putU64(ptBase+8*i, page|present)
	}
}

func staticTable() *pdb.StaticTable {
	t, err := pdb.LoadStaticTable([]byte(`
_EPROCESS:
  size: 64
  fields:
    UniqueProcessId: 0
    ActiveProcessLinks: 16
    ImageFileName: 32
_LIST_ENTRY:
  size: 16
  fields:
    Flink: 0
    Blink: 8
`))
	if err != nil {
		panic(err)
	}
	return t
}

// TestProcessIteratorTerminates is seed scenario S6: a fake _EPROCESS list
// where Blink eventually resolves back to the system process must yield
// the system process and every entry after it exactly once, then stop
// without rereading the system process.
func TestProcessIteratorTerminates(t *testing.T) {
	m := newFakeMemory(0x40000)
	const dtb = 0x1000
	identityMapX64(m, dtb, 0x2000, 0x3000, 0x4000, 0x20000)

	const linksOff = 16
	const blinkOff = 8
	const (
		sysAddr = 0x20000
		p2Addr  = 0x21000
		p1Addr  = 0x22000
	)

	// Circular backward chain: sys.Blink -> p2, p2.Blink -> p1, p1.Blink -> sys.
	m.putU64(sysAddr+linksOff+blinkOff, p2Addr+linksOff)
	m.putU64(p2Addr+linksOff+blinkOff, p1Addr+linksOff)
	m.putU64(p1Addr+linksOff+blinkOff, sysAddr+linksOff)

	m.putU32(sysAddr, 4)
	m.putString(sysAddr+32, "System", 16)
	m.putU32(p2Addr, 200)
	m.putString(p2Addr+32, "p2.exe", 16)
	m.putU32(p1Addr, 100)
	m.putString(p1Addr+32, "p1.exe", 16)

	win := NewWindows(StartBlock{Arch: arch.X64Arch, Dtb: addr.Address(dtb), KernelBase: 0}, staticTable(), addr.Address(sysAddr))
	it := NewProcessIterator(win)

	var seen []addr.Address
	for {
		p, ok := it.Next(m)
		if !ok {
			break
		}
		seen = append(seen, p.Eprocess)
	}

	want := []addr.Address{addr.Address(sysAddr), addr.Address(p2Addr), addr.Address(p1Addr)}
	if len(seen) != len(want) {
		t.Fatalf("got %d entries %v, want %d entries %v", len(seen), seen, len(want), want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("entry %d: got %s want %s", i, seen[i], want[i])
		}
	}

	if _, ok := it.Next(m); ok {
		t.Fatalf("iterator should have stopped, no reread of entry 0")
	}
}

// TestProcessFields exercises PID/Name reads against the same fixture.
func TestProcessFields(t *testing.T) {
	m := newFakeMemory(0x40000)
	const dtb = 0x1000
	identityMapX64(m, dtb, 0x2000, 0x3000, 0x4000, 0x20000)

	const sysAddr = 0x20000
	m.putU32(sysAddr, 4)
	m.putString(sysAddr+32, "System", 16)

	win := NewWindows(StartBlock{Arch: arch.X64Arch, Dtb: addr.Address(dtb)}, staticTable(), addr.Address(sysAddr))
	it := NewProcessIterator(win)
	proc, ok := it.Next(m)
	if !ok {
		t.Fatalf("expected at least one process")
	}

	pid, err := proc.PID(m)
	if err != nil {
		t.Fatalf("PID: %v", err)
	}
	if pid != 4 {
		t.Fatalf("PID: got %d want 4", pid)
	}

	name, err := proc.Name(m)
	if err != nil {
		t.Fatalf("Name: %v", err)
	}
	if name != "System" {
		t.Fatalf("Name: got %q want %q", name, "System")
	}
}

// TestScanKernelBaseFindsPESignature is a narrower check of the start-block
// page-header scan: a page carrying "MZ" at offset 0 and "PE\0\0" at the
// e_lfanew offset should be found; pages lacking either signature should be
// skipped.
func TestScanKernelBaseFindsPESignature(t *testing.T) {
	m := newFakeMemory(int(addr.MB(2)))
	const kernelPage = 0x180000 // within the default 1-16 MiB scan window
	m.buf[kernelPage+0] = 'M'
	m.buf[kernelPage+1] = 'Z'
	m.putU32(uint64(kernelPage+0x3c), 0x80)
	m.putU32(uint64(kernelPage+0x80), peSignature)

	base, err := ScanKernelBase(m)
	if err != nil {
		t.Fatalf("ScanKernelBase: %v", err)
	}
	if base != addr.Address(kernelPage) {
		t.Fatalf("ScanKernelBase: got %s want %s", base, addr.Address(kernelPage))
	}
}
