// Command memflow-inventory scans a directory of connector plugins, loads
// one by name, and reports what it finds: the connector's physical-memory
// metadata and, if a PDB table and DTB are supplied, a walk of the target's
// running processes. It is a thin wrapper over connector/plugin, pdb and
// winproc, in the teacher's internal/cmd/*/main.go style: a flag.FlagSet, a
// single Main() error method, and os.Exit(1) on failure.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/vablings/memflow/addr"
	"github.com/vablings/memflow/arch"
	"github.com/vablings/memflow/connector"
	"github.com/vablings/memflow/connector/plugin"
	"github.com/vablings/memflow/mem"
	"github.com/vablings/memflow/pdb"
	"github.com/vablings/memflow/winproc"
)

type inventoryCmd struct {
	logger *slog.Logger
}

func (c *inventoryCmd) Main() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	pluginDir := fs.String("pluginDir", ".", "directory to scan for connector plugins")
	connectorName := fs.String("connector", "", "name of the connector to load")
	connectorArgs := fs.String("args", "", "connector arguments, key=value comma-separated")
	verbose := fs.Bool("v", false, "enable debug logging")

	pdbPath := fs.String("pdb", "", "path to a static PDB table YAML document (optional)")
	dtb := fs.String("dtb", "", "page table base address, hex, e.g. 0x1ad000 (optional, requires -pdb)")
	kernelBase := fs.String("kernelBase", "", "kernel image base address, hex (optional, defaults to scanning for it)")
	eprocessBase := fs.String("eprocess", "", "address of the system _EPROCESS, hex (required to walk processes)")
	archName := fs.String("arch", "x64", "target architecture: x86, x86pae, or x64")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	c.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *connectorName == "" {
		return errors.New("-connector is required")
	}

	inv, err := plugin.Scan(*pluginDir)
	if err != nil {
		return fmt.Errorf("scan plugin directory %s: %w", *pluginDir, err)
	}
	if len(inv.Names()) == 0 {
		c.logger.Warn("no connectors found", "dir", *pluginDir)
	}

	instance, desc, err := inv.Load(*connectorName, connector.ParseArgs(*connectorArgs), level)
	if err != nil {
		return fmt.Errorf("load connector %s: %w", *connectorName, err)
	}
	defer instance.Close()

	meta := instance.Metadata()
	fmt.Printf("connector:      %s\n", desc.Name)
	fmt.Printf("abi version:    %d\n", desc.Version)
	if desc.BuildVersion != "" {
		fmt.Printf("build version:  %s\n", desc.BuildVersion)
	}
	fmt.Printf("physical size:  %d bytes\n", meta.Size)
	fmt.Printf("read-only:      %t\n", meta.Readonly)

	if *dtb == "" {
		return nil
	}
	if *pdbPath == "" {
		return errors.New("-pdb is required when -dtb is supplied")
	}
	if *eprocessBase == "" {
		return errors.New("-eprocess is required when -dtb is supplied")
	}

	targetArch, err := parseArch(*archName)
	if err != nil {
		return err
	}
	dtbAddr, err := parseHexAddr(*dtb)
	if err != nil {
		return fmt.Errorf("parse -dtb: %w", err)
	}
	eprocessAddr, err := parseHexAddr(*eprocessBase)
	if err != nil {
		return fmt.Errorf("parse -eprocess: %w", err)
	}

	var kernelBaseAddr addr.Address
	if *kernelBase != "" {
		kernelBaseAddr, err = parseHexAddr(*kernelBase)
		if err != nil {
			return fmt.Errorf("parse -kernelBase: %w", err)
		}
	} else {
		kernelBaseAddr, err = winproc.ScanKernelBase(instance)
		if err != nil {
			return fmt.Errorf("scan kernel base: %w", err)
		}
		c.logger.Debug("kernel base found by scan", "base", kernelBaseAddr.String())
	}

	table, err := loadPDBTable(*pdbPath)
	if err != nil {
		return fmt.Errorf("load pdb table %s: %w", *pdbPath, err)
	}

	start := winproc.StartBlock{Arch: targetArch, Dtb: dtbAddr, KernelBase: kernelBaseAddr}
	win := winproc.NewWindows(start, table, eprocessAddr)

	return c.walkProcesses(instance, win)
}

func (c *inventoryCmd) walkProcesses(m mem.PhysicalMemory, win *winproc.Windows) error {
	fmt.Printf("\n%8s  %s\n", "pid", "name")
	it := winproc.NewProcessIterator(win)
	count := 0
	for {
		p, ok := it.Next(m)
		if !ok {
			break
		}
		pid, err := p.PID(m)
		if err != nil {
			c.logger.Warn("failed to read pid", "eprocess", p.Eprocess.String(), "err", err)
			continue
		}
		name, err := p.Name(m)
		if err != nil {
			c.logger.Warn("failed to read name", "eprocess", p.Eprocess.String(), "err", err)
			continue
		}
		fmt.Printf("%8d  %s\n", pid, name)
		count++
	}
	c.logger.Debug("process walk complete", "count", count)
	return nil
}

func loadPDBTable(path string) (*pdb.StaticTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return pdb.LoadStaticTable(data)
}

func parseArch(name string) (arch.Architecture, error) {
	switch name {
	case "x86":
		return arch.X86Arch, nil
	case "x86pae":
		return arch.X86PaeArch, nil
	case "x64":
		return arch.X64Arch, nil
	default:
		return arch.Architecture{}, fmt.Errorf("unknown architecture %q", name)
	}
}

func parseHexAddr(s string) (addr.Address, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return addr.NullAddress, err
	}
	return addr.Address(v), nil
}

func main() {
	cmd := &inventoryCmd{}
	if err := cmd.Main(); err != nil {
		fmt.Fprintf(os.Stderr, "memflow-inventory: %v\n", err)
		os.Exit(1)
	}
}
