// Package plugin implements connector plugin discovery: scanning a
// directory for shared libraries, enumerating each candidate's exported
// symbols via the platform object-file format, filtering by the
// MEMFLOW_CONNECTOR_ prefix, and resolving duplicate names first-wins
// (spec.md §4.4).
package plugin

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vablings/memflow/connector"
)

// ExportPrefix is the symbol-name prefix a candidate library's exports must
// carry to be considered a connector (spec.md §4.4).
const ExportPrefix = "MEMFLOW_CONNECTOR_"

// Candidate is one discovered connector library: its path and the connector
// name extracted from its qualifying export (the part of the symbol name
// after ExportPrefix).
type Candidate struct {
	Name string
	Path string
}

// Inventory maps connector name to the library path that will serve it,
// first-wins on scan-order duplicates (spec.md §4.4).
type Inventory struct {
	byName map[string]string
}

// Scan walks dir (non-recursively, matching the teacher's flat plugin
// directories) and returns an Inventory of every library exporting at least
// one MEMFLOW_CONNECTOR_-prefixed symbol.
func Scan(dir string) (*Inventory, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("plugin: read dir %s: %w", dir, err)
	}

	inv := &Inventory{byName: make(map[string]string)}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isLibraryExt(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)

	for _, path := range paths {
		names, err := exportedConnectorNames(path)
		if err != nil {
			slog.Warn("plugin: failed to scan candidate", "path", path, "err", err)
			continue
		}
		for _, name := range names {
			if existing, ok := inv.byName[name]; ok {
				slog.Warn("plugin: duplicate connector name, keeping first", "name", name, "kept", existing, "ignored", path)
				continue
			}
			inv.byName[name] = path
		}
	}
	return inv, nil
}

func isLibraryExt(name string) bool {
	switch filepath.Ext(name) {
	case ".so", ".dylib", ".dll":
		return true
	default:
		return false
	}
}

// Path returns the library path registered for name, and whether it exists.
func (inv *Inventory) Path(name string) (string, bool) {
	p, ok := inv.byName[name]
	return p, ok
}

// Names returns every discovered connector name, sorted.
func (inv *Inventory) Names() []string {
	names := make([]string, 0, len(inv.byName))
	for n := range inv.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Load resolves name through the inventory and loads it via connector.Load.
func (inv *Inventory) Load(name string, args connector.Args, level slog.Level) (*connector.ConnectorInstance, connector.ConnectorDescriptor, error) {
	path, ok := inv.Path(name)
	if !ok {
		return nil, connector.ConnectorDescriptor{}, fmt.Errorf("plugin: no connector named %q in inventory", name)
	}
	return connector.Load(path, args, level)
}

// exportedConnectorNames enumerates path's exported symbols via the
// platform object-file format (ELF on Linux, Mach-O on macOS, PE on
// Windows, tried in that fixed order; a parser for the wrong format fails
// fast on magic mismatch) and returns the connector names (ExportPrefix
// stripped) of every symbol carrying ExportPrefix.
//
// This mirrors original_source memflow/src/plugins/util.rs's three
// find_export_by_prefix variants, including the Mach-O leading-underscore
// strip (the platform's C compiler prefixes every exported symbol with an
// underscore on Mach-O, unlike ELF/PE).
func exportedConnectorNames(path string) ([]string, error) {
	if f, err := elf.Open(path); err == nil {
		defer f.Close()
		syms, err := f.Symbols()
		if err != nil {
			return nil, err
		}
		return filterPrefixed(symbolNames(syms)), nil
	}

	if f, err := macho.Open(path); err == nil {
		defer f.Close()
		syms := machoSymbolNames(f)
		return filterPrefixed(stripMachoUnderscore(syms)), nil
	}

	if f, err := pe.Open(path); err == nil {
		defer f.Close()
		names, err := peExportNames(f)
		if err != nil {
			return nil, err
		}
		return filterPrefixed(names), nil
	}

	return nil, errors.New("plugin: unrecognized object file format")
}

func symbolNames(syms []elf.Symbol) []string {
	names := make([]string, len(syms))
	for i, s := range syms {
		names[i] = s.Name
	}
	return names
}

func machoSymbolNames(f *macho.File) []string {
	if f.Symtab == nil {
		return nil
	}
	names := make([]string, len(f.Symtab.Syms))
	for i, s := range f.Symtab.Syms {
		names[i] = s.Name
	}
	return names
}

func stripMachoUnderscore(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = strings.TrimPrefix(n, "_")
	}
	return out
}

// peExportNames reads the export directory of a PE image: the actual
// IMAGE_EXPORT_DIRECTORY table (AddressOfNames/NumberOfNames), not
// f.Symbols — debug/pe's Symbols field is the COFF linker symbol table,
// which release-built connector DLLs are normally stripped of, making it
// unusable for discovering a connector's exported MEMFLOW_CONNECTOR_*
// names. This reconstructs an RVA-indexed view of the image by copying each
// section's raw bytes to its VirtualAddress offset (the same technique
// winproc/pe.go's exportName uses for a virtually-read in-memory image,
// adapted here to a file opened by section/file-offset layout instead), then
// walks the export directory's name pointer table directly.
func peExportNames(f *pe.File) ([]string, error) {
	dirs, sizeOfImage, err := peDataDirectories(f)
	if err != nil {
		return nil, err
	}
	if len(dirs) == 0 || dirs[0].VirtualAddress == 0 {
		return nil, nil
	}

	buf, err := peImageView(f, sizeOfImage)
	if err != nil {
		return nil, err
	}

	const exportDirSize = 40
	rva := dirs[0].VirtualAddress
	if int(rva)+exportDirSize > len(buf) {
		return nil, fmt.Errorf("plugin: export directory out of bounds")
	}
	dir := buf[rva : rva+exportDirSize]
	numberOfNames := binary.LittleEndian.Uint32(dir[24:28])
	addressOfNames := binary.LittleEndian.Uint32(dir[32:36])

	names := make([]string, 0, numberOfNames)
	for i := uint32(0); i < numberOfNames; i++ {
		off := addressOfNames + i*4
		if int(off)+4 > len(buf) {
			break
		}
		nameRVA := binary.LittleEndian.Uint32(buf[off : off+4])
		name, err := peCStringAt(buf, nameRVA)
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// peDataDirectories returns f's optional-header data directory table and
// SizeOfImage, handling both PE32 and PE32+ optional headers.
func peDataDirectories(f *pe.File) ([]pe.DataDirectory, uint32, error) {
	switch opt := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return opt.DataDirectory[:], opt.SizeOfImage, nil
	case *pe.OptionalHeader64:
		return opt.DataDirectory[:], opt.SizeOfImage, nil
	default:
		return nil, 0, fmt.Errorf("plugin: pe file missing optional header")
	}
}

// peImageView copies every section's raw bytes to its VirtualAddress offset
// within a sizeOfImage-length buffer, so data-directory RVAs can index the
// buffer directly instead of requiring a per-access RVA-to-file-offset
// section lookup.
func peImageView(f *pe.File, sizeOfImage uint32) ([]byte, error) {
	buf := make([]byte, sizeOfImage)
	for _, s := range f.Sections {
		data, err := s.Data()
		if err != nil {
			// Sections with no file backing (e.g. .bss) carry no export
			// data; skip rather than fail the whole scan.
			continue
		}
		start := int(s.VirtualAddress)
		if start >= len(buf) {
			continue
		}
		end := start + len(data)
		if end > len(buf) {
			end = len(buf)
			data = data[:end-start]
		}
		copy(buf[start:end], data)
	}
	return buf, nil
}

func peCStringAt(buf []byte, rva uint32) (string, error) {
	if int(rva) >= len(buf) {
		return "", fmt.Errorf("plugin: string rva out of bounds")
	}
	tail := buf[rva:]
	if n := bytes.IndexByte(tail, 0); n >= 0 {
		return string(tail[:n]), nil
	}
	return string(tail), nil
}

func filterPrefixed(names []string) []string {
	var out []string
	for _, n := range names {
		if strings.HasPrefix(n, ExportPrefix) {
			out = append(out, strings.TrimPrefix(n, ExportPrefix))
		}
	}
	return out
}
