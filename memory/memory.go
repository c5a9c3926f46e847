// Package memory implements the memory controller: region enumeration,
// permission-gated read/write/search/dump, and syscall-injected
// allocate/free.
//
// Grounded on the teacher's debugger/memory/memory.go thin Read/Write
// wrapper, extended with region enumeration (procfs), search/dump, and the
// mmap/munmap injection technique (not present in the teacher).
package memory

import (
	"bytes"
	"fmt"

	"github.com/aarch64rdbg/engine/procfs"
	"github.com/aarch64rdbg/engine/ptrace"
	"github.com/aarch64rdbg/engine/registers"
	"github.com/aarch64rdbg/engine/rerr"
)

// Region mirrors one /proc/<pid>/maps entry, extended from the teacher's
// procfs.MappedMemoryRegion with a Shared bit and AArch64-appropriate
// naming (spec.md §3's MemoryRegion).
type Region struct {
	Low, High            rerr.VirtualAddress
	Read, Write, Execute bool
	Private, Shared      bool
	Pathname             string
}

func (r Region) Range() rerr.AddressRange {
	return rerr.AddressRange{Low: r.Low, High: r.High}
}

// VirtualMemory is the memory controller for a single process.
type VirtualMemory struct {
	pid     int
	tracer  *ptrace.Tracer
	regs    *registers.Controller
}

func New(pid int, tracer *ptrace.Tracer, regs *registers.Controller) *VirtualMemory {
	return &VirtualMemory{pid: pid, tracer: tracer, regs: regs}
}

// Regions lists the current memory mappings of the target process.
func (vm *VirtualMemory) Regions() ([]Region, error) {
	mapped, err := procfs.GetMappedMemoryRegions(vm.pid)
	if err != nil {
		return nil, rerr.New(rerr.IoFailure, "regions", err)
	}

	out := make([]Region, 0, len(mapped))
	for _, m := range mapped {
		out = append(out, Region{
			Low:      rerr.VirtualAddress(m.LowAddress),
			High:     rerr.VirtualAddress(m.HighAddress),
			Read:     m.Read,
			Write:    m.Write,
			Execute:  m.Execute,
			Private:  m.Private,
			Shared:   !m.Private,
			Pathname: m.Pathname,
		})
	}
	return out, nil
}

// regionAt returns the mapping containing addr, if any.
func (vm *VirtualMemory) regionAt(addr rerr.VirtualAddress) (Region, bool, error) {
	regions, err := vm.Regions()
	if err != nil {
		return Region{}, false, err
	}
	for _, r := range regions {
		if r.Range().Contains(addr) {
			return r, true, nil
		}
	}
	return Region{}, false, nil
}

// Read reads len(out) bytes starting at addr using process_vm_readv, which
// the tracer's read permission governs regardless of the target mapping's
// own protection bits.
func (vm *VirtualMemory) Read(addr rerr.VirtualAddress, out []byte) (int, error) {
	n, err := vm.tracer.ReadFromVirtualMemory(uintptr(addr), out)
	if err != nil {
		return n, rerr.New(rerr.IoFailure, "read_memory", err)
	}
	return n, nil
}

// Write writes data at addr. Writable mappings go through process_vm_writev;
// when that fails (e.g. the target page is not writable, such as .text
// under a software breakpoint patch) it falls back to word-sized
// PTRACE_POKEDATA, which bypasses normal page protection.
func (vm *VirtualMemory) Write(addr rerr.VirtualAddress, data []byte) (int, error) {
	region, ok, err := vm.regionAt(addr)
	if err != nil {
		return 0, err
	}
	if ok && !region.Write {
		n, err := vm.tracer.PokeData(uintptr(addr), data)
		if err != nil {
			return n, rerr.New(rerr.PermissionDenied, "write_memory", err)
		}
		return n, nil
	}

	n, err := vm.tracer.WriteToVirtualMemory(uintptr(addr), data)
	if err != nil {
		n, err = vm.tracer.PokeData(uintptr(addr), data)
		if err != nil {
			return n, rerr.New(rerr.IoFailure, "write_memory", err)
		}
	}
	return n, nil
}

// Search scans every readable mapping of at most 256 MiB for pattern,
// returning every match address. Empty and larger mappings are skipped.
func (vm *VirtualMemory) Search(pattern []byte) ([]rerr.VirtualAddress, error) {
	if len(pattern) == 0 {
		return nil, rerr.New(rerr.InvalidArgument, "search_memory", fmt.Errorf("empty pattern"))
	}

	regions, err := vm.Regions()
	if err != nil {
		return nil, err
	}

	var matches []rerr.VirtualAddress
	for _, r := range regions {
		if !r.Read {
			continue
		}

		size := r.Range().Size()
		if size == 0 || size > 256*1024*1024 {
			continue // skip absurdly large / guard mappings
		}

		buf := make([]byte, size)
		n, err := vm.Read(r.Low, buf)
		if err != nil || n == 0 {
			continue
		}
		buf = buf[:n]

		offset := 0
		for {
			idx := bytes.Index(buf[offset:], pattern)
			if idx == -1 {
				break
			}
			matches = append(matches, r.Low+rerr.VirtualAddress(offset+idx))
			offset += idx + 1
		}
	}

	return matches, nil
}

// Dump reads up to size bytes starting at addr. It fails with
// PermissionDenied when the mapping containing addr is not readable; the
// read itself is not clamped to that mapping's end.
func (vm *VirtualMemory) Dump(addr rerr.VirtualAddress, size int) ([]byte, error) {
	region, ok, err := vm.regionAt(addr)
	if err != nil {
		return nil, err
	}
	if ok && !region.Read {
		return nil, rerr.New(rerr.PermissionDenied, "dump_memory", fmt.Errorf("region at %s not readable", addr))
	}

	buf := make([]byte, size)
	n, err := vm.Read(addr, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// FindVacant scans the existing mappings for the first gap of at least size
// bytes, starting the search at or after hint.
func (vm *VirtualMemory) FindVacant(hint rerr.VirtualAddress, size uint64) (rerr.VirtualAddress, error) {
	regions, err := vm.Regions()
	if err != nil {
		return 0, err
	}

	candidate := hint
	if candidate == 0 {
		candidate = 0x10000 // avoid the zero page
	}

	for {
		conflict, nextLow := vm.canPlaceAgainst(regions, candidate, size)
		if !conflict {
			return candidate, nil
		}
		candidate = nextLow
	}
}

// CanPlace reports whether a size-byte region at addr fits without
// overlapping any existing mapping (true means no overlap).
func (vm *VirtualMemory) CanPlace(addr rerr.VirtualAddress, size uint64) (bool, error) {
	regions, err := vm.Regions()
	if err != nil {
		return false, err
	}
	conflict, _ := vm.canPlaceAgainst(regions, addr, size)
	return !conflict, nil
}

func (vm *VirtualMemory) canPlaceAgainst(
	regions []Region,
	addr rerr.VirtualAddress,
	size uint64,
) (
	conflict bool,
	nextCandidate rerr.VirtualAddress,
) {
	want := rerr.AddressRange{Low: addr, High: addr + rerr.VirtualAddress(size)}
	for _, r := range regions {
		if want.Low < r.Range().High && r.Range().Low < want.High {
			return true, r.Range().High
		}
	}
	return false, 0
}
