package plugin

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestFilterPrefixed(t *testing.T) {
	got := filterPrefixed([]string{"MEMFLOW_CONNECTOR_flatfile", "some_other_symbol", "MEMFLOW_CONNECTOR_qemu"})
	want := map[string]bool{"flatfile": true, "qemu": true}
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %v", got)
	}
	for _, n := range got {
		if !want[n] {
			t.Fatalf("unexpected name %q", n)
		}
	}
}

func TestStripMachoUnderscore(t *testing.T) {
	got := stripMachoUnderscore([]string{"_MEMFLOW_CONNECTOR_flatfile", "no_underscore"})
	if got[0] != "MEMFLOW_CONNECTOR_flatfile" || got[1] != "no_underscore" {
		t.Fatalf("unexpected strip result: %v", got)
	}
}

func TestScanSkipsUnparseableCandidates(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "not_a_library.so"), []byte("not an object file"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	inv, err := Scan(dir)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(inv.Names()) != 0 {
		t.Fatalf("expected no resolvable connectors, got %v", inv.Names())
	}
}

func TestInventoryPathMissing(t *testing.T) {
	inv := &Inventory{byName: map[string]string{"flatfile": "/path/to/flatfile.so"}}
	if p, ok := inv.Path("flatfile"); !ok || p != "/path/to/flatfile.so" {
		t.Fatalf("unexpected lookup result: %q %v", p, ok)
	}
	if _, ok := inv.Path("nonexistent"); ok {
		t.Fatalf("expected missing connector to report not found")
	}
}

// buildMinimalPEWithExports returns a minimal, hand-laid-out PE32 image
// (i386, one .edata section) carrying a real IMAGE_EXPORT_DIRECTORY with two
// named exports: a MEMFLOW_CONNECTOR_-prefixed one and a plain one. Every
// offset below is file-offset/RVA, not a library call, since this exists to
// exercise peExportNames's own RVA-walking logic against real bytes rather
// than against another layer of debug/pe helpers.
func buildMinimalPEWithExports() []byte {
	const (
		lfanew        = 0x80
		peSigOff      = lfanew
		fileHdrOff    = peSigOff + 4
		optHdrOff     = fileHdrOff + 20
		optHdrSize    = 224
		sectionHdrOff = optHdrOff + optHdrSize
		sectionRVA    = 0x2000
		sectionSize   = 0x300
		sectionFile   = 0x400
		totalSize     = sectionFile + sectionSize
	)

	buf := make([]byte, totalSize)

	// DOS header: "MZ" + e_lfanew at 0x3c.
	buf[0], buf[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(buf[0x3c:], lfanew)

	// PE signature.
	copy(buf[peSigOff:], "PE\x00\x00")

	// COFF file header.
	binary.LittleEndian.PutUint16(buf[fileHdrOff+0:], 0x14c) // Machine: I386
	binary.LittleEndian.PutUint16(buf[fileHdrOff+2:], 1)     // NumberOfSections
	binary.LittleEndian.PutUint32(buf[fileHdrOff+4:], 0)     // TimeDateStamp
	binary.LittleEndian.PutUint32(buf[fileHdrOff+8:], 0)     // PointerToSymbolTable
	binary.LittleEndian.PutUint32(buf[fileHdrOff+12:], 0)    // NumberOfSymbols
	binary.LittleEndian.PutUint16(buf[fileHdrOff+16:], optHdrSize)
	binary.LittleEndian.PutUint16(buf[fileHdrOff+18:], 0x0102) // Characteristics

	// OptionalHeader32.
	binary.LittleEndian.PutUint16(buf[optHdrOff+0:], 0x10b)      // Magic: PE32
	binary.LittleEndian.PutUint32(buf[optHdrOff+28:], 0x400000)  // ImageBase
	binary.LittleEndian.PutUint32(buf[optHdrOff+32:], 0x1000)    // SectionAlignment
	binary.LittleEndian.PutUint32(buf[optHdrOff+36:], 0x200)     // FileAlignment
	binary.LittleEndian.PutUint16(buf[optHdrOff+48:], 4)         // MajorSubsystemVersion
	binary.LittleEndian.PutUint32(buf[optHdrOff+56:], 0x3000)    // SizeOfImage
	binary.LittleEndian.PutUint32(buf[optHdrOff+60:], sectionFile) // SizeOfHeaders
	binary.LittleEndian.PutUint16(buf[optHdrOff+68:], 2)         // Subsystem
	binary.LittleEndian.PutUint32(buf[optHdrOff+92:], 16)        // NumberOfRvaAndSizes
	ddOff := optHdrOff + 96
	binary.LittleEndian.PutUint32(buf[ddOff+0:], sectionRVA)  // export dir VirtualAddress
	binary.LittleEndian.PutUint32(buf[ddOff+4:], sectionSize) // export dir Size

	// SectionHeader32 for ".edata".
	copy(buf[sectionHdrOff:], ".edata\x00\x00")
	binary.LittleEndian.PutUint32(buf[sectionHdrOff+8:], sectionSize)   // VirtualSize
	binary.LittleEndian.PutUint32(buf[sectionHdrOff+12:], sectionRVA)   // VirtualAddress
	binary.LittleEndian.PutUint32(buf[sectionHdrOff+16:], sectionSize)  // SizeOfRawData
	binary.LittleEndian.PutUint32(buf[sectionHdrOff+20:], sectionFile)  // PointerToRawData
	binary.LittleEndian.PutUint32(buf[sectionHdrOff+36:], 0x40000040)   // Characteristics

	// IMAGE_EXPORT_DIRECTORY at RVA 0x2000 / file 0x400 (offset 0 within section).
	const (
		dirName       = sectionRVA + 0x100
		addrFunctions = sectionRVA + 0x50
		addrNames     = sectionRVA + 0x60
		addrOrdinals  = sectionRVA + 0x70
		name0RVA      = sectionRVA + 0x200
		name1RVA      = sectionRVA + 0x220
	)
	dir := buf[sectionFile:]
	binary.LittleEndian.PutUint32(dir[12:], dirName)        // Name
	binary.LittleEndian.PutUint32(dir[16:], 1)              // Base
	binary.LittleEndian.PutUint32(dir[20:], 2)              // NumberOfFunctions
	binary.LittleEndian.PutUint32(dir[24:], 2)              // NumberOfNames
	binary.LittleEndian.PutUint32(dir[28:], addrFunctions)  // AddressOfFunctions
	binary.LittleEndian.PutUint32(dir[32:], addrNames)      // AddressOfNames
	binary.LittleEndian.PutUint32(dir[36:], addrOrdinals)   // AddressOfNameOrdinals

	rvaToFile := func(rva uint32) uint32 { return sectionFile + (rva - sectionRVA) }

	binary.LittleEndian.PutUint32(buf[rvaToFile(addrNames)+0:], name0RVA)
	binary.LittleEndian.PutUint32(buf[rvaToFile(addrNames)+4:], name1RVA)

	copy(buf[rvaToFile(dirName):], "flatfile.dll\x00")
	copy(buf[rvaToFile(name0RVA):], "MEMFLOW_CONNECTOR_flatfile\x00")
	copy(buf[rvaToFile(name1RVA):], "just_an_export\x00")

	return buf
}

func TestPEExportNamesRealExportTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flatfile.dll")
	if err := os.WriteFile(path, buildMinimalPEWithExports(), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	names, err := exportedConnectorNames(path)
	if err != nil {
		t.Fatalf("exportedConnectorNames: %v", err)
	}
	if len(names) != 1 || names[0] != "flatfile" {
		t.Fatalf("got %v, want [flatfile]", names)
	}
}
