//go:build cgo

// Command flatfile (built with `go build -buildmode=c-shared`) is an
// example connector plugin conformant to the MEMFLOW_CONNECTOR ABI
// (spec.md §4.3, SPEC_FULL.md §4.4b). It backs physical memory with a flat
// file on disk, the same way connector/memfile does in-process, but here
// through the full dynamic-loading round trip: export a
// ConnectorDescriptor-shaped C struct at the well-known symbol name,
// instantiate on create, answer reads/writes/metadata/clone/drop through
// cgo exports.
//
// It is compiled only when cgo is enabled and is never imported by the rest
// of this module — plugins are loaded by path at runtime via
// connector/plugin, never linked in.
package main

/*
#include <stdint.h>
#include <stdlib.h>

typedef struct {
	uint64_t addr;
	void *ptr;
	uint64_t len;
} phys_io_data;

typedef struct {
	uint64_t size;
	uint32_t readonly;
} phys_metadata;
*/
import "C"

import (
	"os"
	"sync"
	"unsafe"
)

// memflowConnectorVersion must match connector.MemflowConnectorVersion; a
// plugin and host built from mismatched module versions still agree on this
// integer because it is part of the stable C ABI, not the Go API.
const memflowConnectorVersion int32 = 8

var (
	handleMu sync.Mutex
	handles  = map[uint64]*flatfileHandle{}
	nextID   uint64
)

type flatfileHandle struct {
	file     *os.File
	size     int64
	readonly bool
}

//export flatfile_create
func flatfile_create(argsC *C.char, logLevel C.int32_t) C.uint64_t {
	args := parseArgs(C.GoString(argsC))
	path := args["path"]
	if path == "" {
		return 0
	}
	readonly := args["readonly"] == "true"

	f, size, err := openFile(path, readonly)
	if err != nil {
		return 0
	}

	handleMu.Lock()
	defer handleMu.Unlock()
	nextID++
	id := nextID
	handles[id] = &flatfileHandle{file: f, size: size, readonly: readonly}
	return C.uint64_t(id)
}

//export flatfile_clone
func flatfile_clone(h C.uint64_t) C.uint64_t {
	handleMu.Lock()
	defer handleMu.Unlock()
	orig, ok := handles[uint64(h)]
	if !ok {
		return 0
	}
	dup, err := dupFile(orig.file)
	if err != nil {
		return 0
	}
	nextID++
	id := nextID
	handles[id] = &flatfileHandle{file: dup, size: orig.size, readonly: orig.readonly}
	return C.uint64_t(id)
}

//export flatfile_drop
func flatfile_drop(h C.uint64_t) {
	handleMu.Lock()
	defer handleMu.Unlock()
	if fh, ok := handles[uint64(h)]; ok {
		fh.file.Close()
		delete(handles, uint64(h))
	}
}

//export flatfile_phys_read_raw_list
func flatfile_phys_read_raw_list(h C.uint64_t, reads *C.phys_io_data, n C.uint64_t) C.int32_t {
	fh, ok := lookup(h)
	if !ok {
		return -1
	}
	items := unsafe.Slice(reads, int(n))
	for _, r := range items {
		buf := unsafe.Slice((*byte)(r.ptr), int(r.len))
		if _, err := preadFile(fh.file, buf, int64(r.addr)); err != nil {
			return -1
		}
	}
	return 0
}

//export flatfile_phys_write_raw_list
func flatfile_phys_write_raw_list(h C.uint64_t, writes *C.phys_io_data, n C.uint64_t) C.int32_t {
	fh, ok := lookup(h)
	if !ok || fh.readonly {
		return -1
	}
	items := unsafe.Slice(writes, int(n))
	for _, w := range items {
		buf := unsafe.Slice((*byte)(w.ptr), int(w.len))
		if _, err := pwriteFile(fh.file, buf, int64(w.addr)); err != nil {
			return -1
		}
	}
	return 0
}

//export flatfile_metadata
func flatfile_metadata(h C.uint64_t, out *C.phys_metadata) {
	fh, ok := lookup(h)
	if !ok {
		return
	}
	out.size = C.uint64_t(fh.size)
	if fh.readonly {
		out.readonly = 1
	}
}

func lookup(h C.uint64_t) (*flatfileHandle, bool) {
	handleMu.Lock()
	defer handleMu.Unlock()
	fh, ok := handles[uint64(h)]
	return fh, ok
}

func parseArgs(s string) map[string]string {
	out := make(map[string]string)
	for _, kv := range splitComma(s) {
		k, v, ok := cut(kv, '=')
		if !ok {
			out[kv] = ""
			continue
		}
		out[k] = v
	}
	return out
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func cut(s string, sep byte) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

func main() {}
