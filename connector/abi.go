// Package connector implements the physical-memory connector plugin ABI of
// spec.md §4.3: a stable C-layout vtable exported from a shared library at
// a well-known symbol, bound at runtime with purego exactly as
// internal/hv/hvf/bindings binds Hypervisor.framework's C functions.
package connector

import (
	"log/slog"
	"strings"
)

// MemflowConnectorVersion is the version a plugin's ConnectorDescriptor must
// carry for the loader to accept it (spec.md §4.3, invariant 6 in §8). A
// mismatch is a hard load failure, never a best-effort degrade.
const MemflowConnectorVersion int32 = 8

// ConnectorDescriptor mirrors the C struct exported under the symbol name
// MEMFLOW_CONNECTOR, field-for-field with original_source
// memflow/src/dynamic/connector.rs: {version, name, vtable}. BuildVersion is
// an additive Go-side field (SPEC_FULL.md §4.3a) that is not part of the C
// struct, so the byte layout of the 3-field descriptor is unchanged; the
// loader reads it from the separate MEMFLOW_CONNECTOR_BUILD_VERSION symbol,
// and only when the library also exports MEMFLOW_CONNECTOR_ABI_EXT=1.
type ConnectorDescriptor struct {
	Version      int32
	Name         string
	VTable       ConnectorFunctionTable
	BuildVersion string // optional, semver, advisory only
}

// ConnectorFunctionTable is the full vtable a connector plugin exports:
// lifecycle (Base) plus physical-memory access (Phys). Every entry is a raw
// C function pointer (uintptr) invoked through purego.SyscallN — there is no
// Go-native calling convention here, by design (spec.md Design Notes,
// "Dynamic-dispatch plugin boundary").
type ConnectorFunctionTable struct {
	Base ConnectorBaseTable
	Phys PhysicalMemoryFunctionTable
}

// ConnectorBaseTable is the handle lifecycle: create/clone/drop.
type ConnectorBaseTable struct {
	Create uintptr // handle create(const char *args, int32 log_level)
	Clone  uintptr // handle clone(handle h)
	Drop   uintptr // void drop(handle h)
}

// PhysicalMemoryFunctionTable is the batched read/write/metadata surface a
// connector offers once instantiated.
type PhysicalMemoryFunctionTable struct {
	PhysReadRawList  uintptr // int32 phys_read_raw_list(handle h, void *reads, size_t n)
	PhysWriteRawList uintptr // int32 phys_write_raw_list(handle h, void *writes, size_t n)
	Metadata         uintptr // void metadata(handle h, PhysicalMemoryMetadata *out)
}

// PhysicalMemoryMetadataABI is the C-layout struct the connector's metadata
// vtable entry fills in: physical address space size in bytes, and whether
// the connector is read-only.
type PhysicalMemoryMetadataABI struct {
	Size     uint64
	Readonly uint32 // 0 or 1; C bool is not a fixed-width Go type
}

// Args is a parsed connector-argument set: key=value pairs, comma-separated,
// null-terminated UTF-8 on the wire (spec.md §6). Unknown keys are
// connector-defined, so Args is a plain map rather than a schema'd struct.
type Args map[string]string

// ParseArgs parses the comma-separated key=value wire format.
func ParseArgs(s string) Args {
	a := make(Args)
	for _, kv := range strings.Split(s, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			a[kv] = ""
			continue
		}
		a[k] = v
	}
	return a
}

// String serializes back to the wire format, in map-iteration order (key
// ordering is not part of the contract; connectors key off names, not
// position).
func (a Args) String() string {
	parts := make([]string, 0, len(a))
	for k, v := range a {
		if v == "" {
			parts = append(parts, k)
			continue
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

// LogLevel maps the spec's 1..5 connector log-level wire values to
// log/slog levels, mirroring original_source memflow/src/plugins/util.rs's
// level table. Any other value (including 0) maps to the most verbose level,
// Trace, so a connector that doesn't understand the scale still gets logs
// rather than silence. slog has no Trace level, so Trace is represented as
// a custom level below LevelDebug, the usual way slog users extend the
// four stock levels.
func LogLevel(wire int32) slog.Level {
	const levelTrace = slog.Level(-8)
	switch wire {
	case 1:
		return slog.LevelError
	case 2:
		return slog.LevelWarn
	case 3:
		return slog.LevelInfo
	case 4:
		return slog.LevelDebug
	case 5:
		return levelTrace
	default:
		return levelTrace
	}
}
