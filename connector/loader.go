package connector

import (
	"fmt"
	"log/slog"
	"strings"
	"unsafe"

	"github.com/ebitengine/purego"
	"golang.org/x/mod/semver"
)

// DescriptorSymbol is the well-known exported symbol name every connector
// plugin shared library must carry (spec.md §4.3).
const DescriptorSymbol = "MEMFLOW_CONNECTOR"

// abiDescriptor is the raw C layout read out of the shared library at
// DescriptorSymbol: {version int32, name *char, vtable ConnectorFunctionTable}.
// ConnectorDescriptor.BuildVersion (spec.md §4.3a) is read separately, from
// MEMFLOW_CONNECTOR_BUILD_VERSION, only when the library also exports
// MEMFLOW_CONNECTOR_ABI_EXT=1.
type abiDescriptor struct {
	Version int32
	_       [4]byte // padding to 8-byte align the following pointer on amd64/arm64
	Name    *byte
	VTable  ConnectorFunctionTable
}

// Load opens the shared library at path, resolves its MEMFLOW_CONNECTOR
// descriptor, checks the version gate, and instantiates a connector
// instance via vtable.Base.Create. Returns the resolved descriptor's name
// and advisory build version alongside the instance.
//
// This mirrors the host side of what internal/hv/hvf/bindings.Load does for
// Hypervisor.framework (Dlopen, then resolve symbols) except here a single
// data symbol is resolved instead of dozens of named functions, since the
// vtable itself is laid out by the plugin rather than bound function by
// function.
func Load(path string, args Args, level slog.Level) (*ConnectorInstance, ConnectorDescriptor, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, ConnectorDescriptor{}, fmt.Errorf("connector: dlopen %s: %w", path, err)
	}

	sym, err := purego.Dlsym(handle, DescriptorSymbol)
	if err != nil {
		purego.Dlclose(handle)
		return nil, ConnectorDescriptor{}, fmt.Errorf("connector: %s missing %s: %w", path, DescriptorSymbol, err)
	}

	raw := (*abiDescriptor)(unsafe.Pointer(sym))
	desc := ConnectorDescriptor{
		Version: raw.Version,
		Name:    cStringToGo(raw.Name),
		VTable:  raw.VTable,
	}

	if desc.Version != MemflowConnectorVersion {
		purego.Dlclose(handle)
		return nil, desc, fmt.Errorf("connector: %s: version %d != required %d", path, desc.Version, MemflowConnectorVersion)
	}

	if extSym, err := purego.Dlsym(handle, "MEMFLOW_CONNECTOR_ABI_EXT"); err == nil && *(*int32)(unsafe.Pointer(extSym)) == 1 {
		if buildSym, err := purego.Dlsym(handle, "MEMFLOW_CONNECTOR_BUILD_VERSION"); err == nil {
			desc.BuildVersion = cStringToGo((*byte)(unsafe.Pointer(buildSym)))
			warnIfOlder(desc.Name, desc.BuildVersion)
		}
	}

	lib := newLibraryRef(handle, path)
	inst, err := newConnectorInstance(desc.Name, desc.VTable, lib, args, level)
	if err != nil {
		lib.release()
		return nil, desc, err
	}
	return inst, desc, nil
}

// warnIfOlder logs a warning when a connector's advertised build semver is
// older than this host build, per SPEC_FULL.md §4 DOMAIN STACK: advisory
// only, never a load-blocking check (that's MemflowConnectorVersion's job).
func warnIfOlder(name, buildVersion string) {
	if buildVersion == "" {
		return
	}
	v := buildVersion
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return
	}
	if semver.Compare(v, hostBuildVersion) < 0 {
		slog.Warn("connector build is older than host", "connector", name, "connector_version", buildVersion, "host_version", hostBuildVersion)
	}
}

// hostBuildVersion is this module's own advisory semver, compared against a
// connector's optional build_version field. It has no bearing on the
// mandatory MemflowConnectorVersion gate.
const hostBuildVersion = "v0.1.0"

func cStringToGo(p *byte) string {
	if p == nil {
		return ""
	}
	n := 0
	for {
		b := *(*byte)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) + uintptr(n)))
		if b == 0 {
			break
		}
		n++
	}
	return unsafe.String(p, n)
}
