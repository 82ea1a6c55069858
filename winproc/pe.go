package winproc

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vablings/memflow/addr"
	"github.com/vablings/memflow/arch"
	"github.com/vablings/memflow/mem"
	"github.com/vablings/memflow/vat"
)

// ErrNotAPEImage is returned when a probed buffer does not parse as a PE
// image (spec.md §7, "PE/PDB parse": malformed header is fatal for the
// enclosing operation, no fallback).
var ErrNotAPEImage = errors.New("winproc: not a PE image")

// ErrNoDebugRecord is returned when a PE image's debug directory carries no
// CodeView PDB70 entry.
var ErrNoDebugRecord = errors.New("winproc: no CodeView PDB70 debug record")

const probeSize = 0x1000

// TryFetchPEHeader reads the complete PE image beginning at the virtual
// address vaddr: a first 4 KiB probe to read SizeOfImage out of the
// optional header, then a precise re-read of exactly that many bytes.
// Mirrors original_source flow-win32/src/kernel/ntos/pe.rs's
// try_fetch_pe_header/try_fetch_pe_size two-pass probe (spec.md §4.5).
func TryFetchPEHeader(m mem.PhysicalMemory, a arch.Architecture, dtb, vaddr addr.Address) ([]byte, error) {
	size, err := probePESize(m, a, dtb, vaddr)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if err := vat.ReadRawInto(m, a, dtb, vaddr, buf); err != nil {
		return nil, fmt.Errorf("winproc: read pe image at %s: %w", vaddr, err)
	}
	return buf, nil
}

func probePESize(m mem.PhysicalMemory, a arch.Architecture, dtb, vaddr addr.Address) (uint32, error) {
	probe := make([]byte, probeSize)
	if err := vat.ReadRawInto(m, a, dtb, vaddr, probe); err != nil {
		return 0, fmt.Errorf("winproc: probe pe header at %s: %w", vaddr, err)
	}
	_, sizeOfImage, err := parseOptionalHeader(probe)
	if err != nil {
		return 0, err
	}
	return sizeOfImage, nil
}

// parseOptionalHeader parses buf (an in-memory PE image, RVA-addressed
// rather than raw-file-offset-addressed, since it was read starting at the
// image's virtual base) and returns its data directory table and
// SizeOfImage.
func parseOptionalHeader(buf []byte) ([]pe.DataDirectory, uint32, error) {
	f, err := pe.NewFile(bytes.NewReader(buf))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrNotAPEImage, err)
	}
	defer f.Close()

	switch opt := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return opt.DataDirectory[:], opt.SizeOfImage, nil
	case *pe.OptionalHeader64:
		return opt.DataDirectory[:], opt.SizeOfImage, nil
	default:
		return nil, 0, fmt.Errorf("%w: missing optional header", ErrNotAPEImage)
	}
}

// ProbePEHeader fetches the full PE image at vaddr and returns the module's
// export name alongside the raw image bytes, for use while scanning
// candidate module base addresses (spec.md §4.5's probe_pe_header).
func ProbePEHeader(m mem.PhysicalMemory, a arch.Architecture, dtb, vaddr addr.Address) (string, []byte, error) {
	buf, err := TryFetchPEHeader(m, a, dtb, vaddr)
	if err != nil {
		return "", nil, err
	}
	name, err := exportName(buf)
	if err != nil {
		return "", buf, err
	}
	return name, buf, nil
}

const (
	dirExport = 0
	dirDebug  = 6

	debugTypeCodeView = 2
	codeViewPDB70Sig  = 0x53445352 // "RSDS" little-endian
)

// exportName reads IMAGE_EXPORT_DIRECTORY.Name out of an in-memory PE
// image. Directory RVAs index buf directly (buf[rva] == the byte at
// virtual address base+rva) because buf was read starting at the image's
// virtual base rather than its on-disk layout, so no section-to-file-offset
// remapping is needed the way a raw PE file parser would require.
func exportName(buf []byte) (string, error) {
	dirs, _, err := parseOptionalHeader(buf)
	if err != nil {
		return "", err
	}
	if dirExport >= len(dirs) || dirs[dirExport].VirtualAddress == 0 {
		return "", fmt.Errorf("winproc: no export directory")
	}
	rva := dirs[dirExport].VirtualAddress
	if int(rva)+40 > len(buf) {
		return "", fmt.Errorf("winproc: export directory out of bounds")
	}
	nameRVA := binary.LittleEndian.Uint32(buf[rva+12 : rva+16])
	return cString(buf, nameRVA)
}

// CodeViewPDB70 is the CodeView debug record naming the PDB matching a PE
// image: a 16-byte GUID signature, an age counter, and the PDB's own
// filename (spec.md GLOSSARY, "CodeView PDB70").
type CodeViewPDB70 struct {
	Signature [16]byte
	Age       uint32
	Filename  string
}

// ExtractCodeView locates and parses the CodeView PDB70 record from buf's
// debug data directory. buf must be an in-memory PE image as returned by
// TryFetchPEHeader/ProbePEHeader.
func ExtractCodeView(buf []byte) (CodeViewPDB70, error) {
	dirs, _, err := parseOptionalHeader(buf)
	if err != nil {
		return CodeViewPDB70{}, err
	}
	if dirDebug >= len(dirs) || dirs[dirDebug].VirtualAddress == 0 {
		return CodeViewPDB70{}, ErrNoDebugRecord
	}

	base := dirs[dirDebug].VirtualAddress
	size := dirs[dirDebug].Size
	const entrySize = 28

	for off := uint32(0); off+entrySize <= size; off += entrySize {
		if int(base+off+entrySize) > len(buf) {
			break
		}
		entry := buf[base+off : base+off+entrySize]
		typ := binary.LittleEndian.Uint32(entry[12:16])
		if typ != debugTypeCodeView {
			continue
		}
		dataSize := binary.LittleEndian.Uint32(entry[16:20])
		dataRVA := binary.LittleEndian.Uint32(entry[20:24])
		if dataSize < 24 || int(dataRVA)+int(dataSize) > len(buf) {
			continue
		}
		record := buf[dataRVA : dataRVA+dataSize]
		if binary.LittleEndian.Uint32(record[0:4]) != codeViewPDB70Sig {
			continue
		}
		var cv CodeViewPDB70
		copy(cv.Signature[:], record[4:20])
		cv.Age = binary.LittleEndian.Uint32(record[20:24])
		cv.Filename, _ = cStringFrom(record[24:])
		return cv, nil
	}
	return CodeViewPDB70{}, ErrNoDebugRecord
}

func cString(buf []byte, rva uint32) (string, error) {
	if int(rva) >= len(buf) {
		return "", fmt.Errorf("winproc: string rva out of bounds")
	}
	return cStringFrom(buf[rva:])
}

func cStringFrom(b []byte) (string, error) {
	if n := bytes.IndexByte(b, 0); n >= 0 {
		return string(b[:n]), nil
	}
	return string(b), nil
}
