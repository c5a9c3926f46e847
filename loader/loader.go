// Package loader injects an ELF image (spec.md §4.7) into a traced
// process: it places every PT_LOAD segment at a freshly chosen base via
// the memory package's syscall-injected mmap, copies in the file bytes,
// zero-fills the BSS tail, and applies the image's R_AARCH64_RELATIVE
// relocations against the chosen base.
//
// Not present in the teacher: debugger/loadedelf tracks an already-running
// binary's bias via /proc/pid/auxv, a read-only bookkeeping problem. This
// package does the opposite (writing a new image into the tracee) and has
// no teacher precedent; it is grounded on elf.File (this module's own
// parser, extended in elf/dynamic.go) and the memory package's Allocate.
package loader

import (
	"fmt"

	"github.com/aarch64rdbg/engine/elf"
	"github.com/aarch64rdbg/engine/logflags"
	"github.com/aarch64rdbg/engine/memory"
	"github.com/aarch64rdbg/engine/rerr"
)

// Image is one loaded ELF, tracking everything needed to unload it again.
type Image struct {
	File *elf.File
	Base rerr.VirtualAddress

	regions []region
}

type region struct {
	addr rerr.VirtualAddress
	size uint64
}

// EntryPoint returns the image's entry point, rebased if it was placed as
// a position-independent (ET_DYN) image.
func (img *Image) EntryPoint() rerr.VirtualAddress {
	return img.Base + rerr.VirtualAddress(img.File.EntryPointAddress)
}

// Load places every PT_LOAD segment of file into the tracee's address
// space via vm, applying relocations once every segment is in place. On
// any failure every region allocated so far is freed before returning the
// error, so a failed Load leaves no mappings behind.
func Load(vm *memory.VirtualMemory, file *elf.File) (*Image, error) {
	span, ok := loadSpan(file)
	if !ok {
		return nil, rerr.New(rerr.InvalidArgument, "load_elf", fmt.Errorf("no PT_LOAD segments"))
	}

	var base rerr.VirtualAddress
	if file.FileType == elf.FileTypeSharedObject {
		picked, err := vm.FindVacant(0, span)
		if err != nil {
			return nil, rerr.New(rerr.NoSpace, "load_elf", err)
		}
		base = picked
	} else {
		// ET_EXEC images carry absolute load addresses; honor them as-is.
		base = 0
	}

	img := &Image{File: file, Base: base}

	for _, seg := range file.ProgramHeaders {
		if seg.ProgramType != elf.ProgramLoadable {
			continue
		}
		if seg.MemoryImageSize == 0 {
			continue
		}

		addr := base + rerr.VirtualAddress(seg.VirtualAddress)
		size := pageAlign(seg.MemoryImageSize)

		prot := 0
		if seg.ProgramFlags&elf.ProgramFlagReadableBit != 0 {
			prot |= memory.ProtRead
		}
		if seg.ProgramFlags&elf.ProgramFlagWritableBit != 0 {
			prot |= memory.ProtWrite
		}
		if seg.ProgramFlags&elf.ProgramFlagExecutableBit != 0 {
			prot |= memory.ProtExec
		}

		placed, err := placeSegment(vm, addr, size, prot)
		if err != nil {
			img.rollback(vm)
			return nil, err
		}
		img.regions = append(img.regions, region{addr: placed, size: size})

		if err := writeSegmentContent(vm, file, seg, base); err != nil {
			img.rollback(vm)
			return nil, err
		}
	}

	if file.Dynamic != nil {
		if err := applyRelocations(vm, file, base); err != nil {
			img.rollback(vm)
			return nil, err
		}
	}

	return img, nil
}

// placeSegment allocates size bytes of memory for one PT_LOAD segment.
// The segment is always allocated writable (ProtWrite) regardless of its
// final permissions, since the loader still needs to write the file
// content and zero-fill BSS into it; tightening permissions to match the
// segment's real flags is left to a later hardening pass, since AArch64
// Linux's W^X enforcement is not a spec.md invariant.
func placeSegment(vm *memory.VirtualMemory, addr rerr.VirtualAddress, size uint64, prot int) (rerr.VirtualAddress, error) {
	return vm.Allocate(size, addr, prot|memory.ProtWrite)
}

func writeSegmentContent(vm *memory.VirtualMemory, file *elf.File, seg elf.ProgramHeaderEntry, base rerr.VirtualAddress) error {
	content, err := segmentBytes(file, seg)
	if err != nil {
		return err
	}

	addr := base + rerr.VirtualAddress(seg.VirtualAddress)
	if len(content) > 0 {
		if _, err := vm.Write(addr, content); err != nil {
			return err
		}
	}

	bssSize := seg.MemoryImageSize - seg.FileImageSize
	if bssSize > 0 {
		zeros := make([]byte, bssSize)
		if _, err := vm.Write(addr+rerr.VirtualAddress(seg.FileImageSize), zeros); err != nil {
			return err
		}
	}

	return nil
}

// applyRelocations resolves R_AARCH64_RELATIVE entries (the only kind an
// isolated injected image can satisfy without a dynamic linker's symbol
// resolution); any other type is skipped with a warning on the loader log,
// so the image loads but may be only partially usable.
func applyRelocations(vm *memory.VirtualMemory, file *elf.File, base rerr.VirtualAddress) error {
	for _, reloc := range file.Dynamic.Relocations {
		switch reloc.Type {
		case elf.R_AARCH64_RELATIVE:
			value := uint64(base) + uint64(reloc.Addend)
			buf := make([]byte, 8)
			for i := 0; i < 8; i++ {
				buf[i] = byte(value >> (8 * i))
			}
			addr := base + rerr.VirtualAddress(reloc.Offset)
			if _, err := vm.Write(addr, buf); err != nil {
				return rerr.New(rerr.InjectionFailure, "apply_relocations", err)
			}
		case elf.R_AARCH64_NONE:
			// no-op
		default:
			logflags.LoaderLogger().Warnf(
				"skipping relocation type %s at offset %#x: requires external symbol resolution",
				reloc.Type, reloc.Offset)
		}
	}
	return nil
}

// Unload frees every region this image occupies.
func (img *Image) Unload(vm *memory.VirtualMemory) error {
	return img.rollback(vm)
}

func (img *Image) rollback(vm *memory.VirtualMemory) error {
	var firstErr error
	for _, r := range img.regions {
		if err := vm.Free(r.addr, r.size); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	img.regions = nil
	return firstErr
}

func segmentBytes(file *elf.File, seg elf.ProgramHeaderEntry) ([]byte, error) {
	if seg.FileImageSize == 0 {
		return nil, nil
	}
	start := seg.ContentOffset
	end := start + seg.FileImageSize
	if end > uint64(len(file.Content)) {
		return nil, rerr.New(rerr.InvalidFormat, "load_elf", fmt.Errorf("segment out of bounds (%d > %d)", end, len(file.Content)))
	}
	return file.Content[start:end], nil
}

func loadSpan(file *elf.File) (uint64, bool) {
	var low, high uint64
	found := false
	for _, seg := range file.ProgramHeaders {
		if seg.ProgramType != elf.ProgramLoadable || seg.MemoryImageSize == 0 {
			continue
		}
		segLow := seg.VirtualAddress
		segHigh := seg.VirtualAddress + seg.MemoryImageSize
		if !found {
			low, high = segLow, segHigh
			found = true
			continue
		}
		if segLow < low {
			low = segLow
		}
		if segHigh > high {
			high = segHigh
		}
	}
	if !found {
		return 0, false
	}
	return pageAlign(high - low), true
}

func pageAlign(size uint64) uint64 {
	const pageSize = 0x1000
	return (size + pageSize - 1) &^ (pageSize - 1)
}
