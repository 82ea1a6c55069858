package winproc

import (
	"bytes"
	"encoding/binary"

	"github.com/vablings/memflow/addr"
	"github.com/vablings/memflow/mem"
	"github.com/vablings/memflow/pdb"
	"github.com/vablings/memflow/vat"
)

// Windows is the immutable context shared by every Process produced from a
// single kernel: the start block and the PDB symbol source used to resolve
// struct field offsets. It holds no connector/PhysicalMemory reference of
// its own — spec.md §9's Design Notes flag the original source's
// Rc<RefCell<...>> back-reference from iterator to parent context as a
// borrow-checker workaround; this port instead passes the PhysicalMemory
// explicitly into every method that needs it (ProcessIterator.Next,
// Process.PID, Process.Name), so Windows can be a plain, shareable,
// read-only value.
type Windows struct {
	Start        StartBlock
	PDB          pdb.Source
	EprocessBase addr.Address
}

// NewWindows constructs a Windows context for a kernel whose system
// _EPROCESS sits at eprocessBase.
func NewWindows(start StartBlock, source pdb.Source, eprocessBase addr.Address) *Windows {
	return &Windows{Start: start, PDB: source, EprocessBase: eprocessBase}
}

// Process is a lightweight view over one _EPROCESS entry: just the context
// it came from and its own address (spec.md §3's Process data model).
// Per-field reads (PID, Name) are lazy, matching the teacher and original
// source's style of deferring field access until asked for.
type Process struct {
	win      *Windows
	Eprocess addr.Address
}

// PID reads _EPROCESS.UniqueProcessId (spec.md §4.5: "a 32-bit integer").
func (p *Process) PID(m mem.PhysicalMemory) (int32, error) {
	off, err := p.win.PDB.FieldOffset("_EPROCESS", "UniqueProcessId")
	if err != nil {
		return 0, err
	}
	buf := make([]byte, 4)
	fieldAddr := p.Eprocess.Add(addr.Bytes(off))
	if err := vat.ReadRawInto(m, p.win.Start.Arch, p.win.Start.Dtb, fieldAddr, buf); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf)), nil
}

// Name reads _EPROCESS.ImageFileName, a fixed 16-byte, NUL-padded C string
// (spec.md §4.5).
func (p *Process) Name(m mem.PhysicalMemory) (string, error) {
	off, err := p.win.PDB.FieldOffset("_EPROCESS", "ImageFileName")
	if err != nil {
		return "", err
	}
	buf := make([]byte, 16)
	fieldAddr := p.Eprocess.Add(addr.Bytes(off))
	if err := vat.ReadRawInto(m, p.win.Start.Arch, p.win.Start.Dtb, fieldAddr, buf); err != nil {
		return "", err
	}
	if n := bytes.IndexByte(buf, 0); n >= 0 {
		return string(buf[:n]), nil
	}
	return string(buf), nil
}

// ProcessIterator walks the kernel's circular doubly linked _EPROCESS list
// via ActiveProcessLinks.Blink (spec.md §4.5; the Blink-vs-Flink choice is
// recorded in DESIGN.md's Open Questions). It terminates when the back-link
// resolves to the starting (system) _EPROCESS, or when a link read fails —
// spec.md §7's "User-visible failure": a corrupted _EPROCESS bounds the
// damage to an early stop rather than propagating the read error to the
// whole walk.
type ProcessIterator struct {
	win  *Windows
	next addr.Address
	done bool
}

// NewProcessIterator starts a walk from win's system _EPROCESS.
func NewProcessIterator(win *Windows) *ProcessIterator {
	return &ProcessIterator{win: win, next: win.EprocessBase}
}

// Next returns the next process in the list and true, or (nil, false) once
// the walk has terminated. The PhysicalMemory (or cache/VAT-backed
// accessor) to read through is supplied per call rather than stored on the
// iterator, per the Design Notes resolution above.
func (it *ProcessIterator) Next(m mem.PhysicalMemory) (*Process, bool) {
	if it.done || it.next.IsNull() {
		return nil, false
	}

	cur := it.next
	next, err := it.blinkTarget(m, cur)
	if err != nil {
		// Bound the damage: yield the entry we already have the address
		// for, then stop, rather than propagating the read failure.
		it.done = true
		return &Process{win: it.win, Eprocess: cur}, true
	}
	if next == it.win.EprocessBase {
		next = addr.NullAddress
	}
	it.next = next
	return &Process{win: it.win, Eprocess: cur}, true
}

func (it *ProcessIterator) blinkTarget(m mem.PhysicalMemory, eprocess addr.Address) (addr.Address, error) {
	linksOff, err := it.win.PDB.FieldOffset("_EPROCESS", "ActiveProcessLinks")
	if err != nil {
		return addr.NullAddress, err
	}
	blinkOff, err := it.win.PDB.FieldOffset("_LIST_ENTRY", "Blink")
	if err != nil {
		return addr.NullAddress, err
	}

	ptrWidth := it.win.Start.Arch.PointerWidth()
	buf := make([]byte, ptrWidth)
	linkAddr := eprocess.Add(addr.Bytes(linksOff)).Add(addr.Bytes(blinkOff))
	if err := vat.ReadRawInto(m, it.win.Start.Arch, it.win.Start.Dtb, linkAddr, buf); err != nil {
		return addr.NullAddress, err
	}

	blink := readPointer(buf, ptrWidth)
	if blink.IsNull() {
		return addr.NullAddress, nil
	}
	return addr.Address(uint64(blink) - linksOff), nil
}

func readPointer(buf []byte, width int) addr.Address {
	var v uint64
	for i := width - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return addr.Address(v)
}
