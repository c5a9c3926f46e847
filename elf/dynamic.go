package elf

import (
	"encoding/binary"
	"fmt"
)

// DynamicTag is one Elf64_Dyn d_tag value (elf.h's DT_* constants).
type DynamicTag int64

const (
	DT_NULL     = DynamicTag(0)
	DT_NEEDED   = DynamicTag(1)
	DT_PLTRELSZ = DynamicTag(2)
	DT_PLTGOT   = DynamicTag(3)
	DT_HASH     = DynamicTag(4)
	DT_STRTAB   = DynamicTag(5)
	DT_SYMTAB   = DynamicTag(6)
	DT_RELA     = DynamicTag(7)
	DT_RELASZ   = DynamicTag(8)
	DT_RELAENT  = DynamicTag(9)
	DT_STRSZ    = DynamicTag(10)
	DT_SYMENT   = DynamicTag(11)
	DT_PLTREL   = DynamicTag(20)
	DT_JMPREL   = DynamicTag(23)
)

// DynamicEntry is one Elf64_Dyn entry.
type DynamicEntry struct {
	Tag   DynamicTag // d_tag
	Value uint64     // d_un.d_val / d_un.d_ptr
}

// RelocationType classifies the AArch64 R_AARCH64_* relocation codes
// relevant to the injected-image loader (spec.md §4.6). The teacher never
// parses relocations (it only reads already-loaded, already-relocated
// binaries); this is new to support placing a freshly injected image
// without a dynamic linker's help.
type RelocationType uint32

const (
	R_AARCH64_NONE      = RelocationType(0)
	R_AARCH64_ABS64     = RelocationType(257)
	R_AARCH64_GLOB_DAT  = RelocationType(1025)
	R_AARCH64_JUMP_SLOT = RelocationType(1026)
	R_AARCH64_RELATIVE  = RelocationType(1027)
)

func (t RelocationType) String() string {
	switch t {
	case R_AARCH64_NONE:
		return "R_AARCH64_NONE"
	case R_AARCH64_ABS64:
		return "R_AARCH64_ABS64"
	case R_AARCH64_GLOB_DAT:
		return "R_AARCH64_GLOB_DAT"
	case R_AARCH64_JUMP_SLOT:
		return "R_AARCH64_JUMP_SLOT"
	case R_AARCH64_RELATIVE:
		return "R_AARCH64_RELATIVE"
	default:
		return fmt.Sprintf("RelocationTypeUnknown(%d)", uint32(t))
	}
}

// Relocation is one parsed Elf64_Rela entry.
type Relocation struct {
	Offset     uint64 // r_offset: where to write the relocated value
	SymbolIdx  uint32 // r_info >> 32
	Type       RelocationType
	Addend     int64 // r_addend
}

// Dynamic holds everything the injected-image loader needs that section
// headers would normally provide: the dynamic symbol table, its string
// table, and the relocations to apply once the image is placed at a chosen
// base address. Populated from the PT_DYNAMIC segment, since stripped or
// freshly-linked images handed to the injector may carry no section
// headers at all.
type Dynamic struct {
	Entries     []DynamicEntry
	Symbols     []*Symbol
	StringTable *StringTableSection
	Relocations []Relocation
}

// vaddrToOffset translates a virtual address to a file offset using the
// PT_LOAD segment that contains it. Returns false if no such segment
// exists (e.g. addr is bss-only, beyond any segment's file image).
func vaddrToOffset(headers []ProgramHeaderEntry, addr uint64) (uint64, bool) {
	for _, h := range headers {
		if h.ProgramType != ProgramLoadable {
			continue
		}
		if addr >= h.VirtualAddress && addr < h.VirtualAddress+h.FileImageSize {
			return h.ContentOffset + (addr - h.VirtualAddress), true
		}
	}
	return 0, false
}

// parseDynamic walks the PT_DYNAMIC segment (if any) and extracts the
// dynamic symbol table, its string table, and the PLT/RELA relocations,
// addressed purely via program headers so it works on images that carry
// no section headers.
func (p *parser) parseDynamic() (*Dynamic, error) {
	var dynOffset uint64
	var dynSize uint64
	found := false

	for _, h := range p.ProgramHeaders {
		if h.ProgramType == ProgramDynamicLinking {
			dynOffset = h.ContentOffset
			dynSize = h.FileImageSize
			found = true
			break
		}
	}
	if !found {
		return nil, nil
	}

	if dynOffset+dynSize > uint64(len(p.content)) {
		return nil, fmt.Errorf("out of bound dynamic segment (%d > %d)", dynOffset+dynSize, len(p.content))
	}

	const dynEntrySize = 16 // sizeof(Elf64_Dyn): int64 tag + uint64 val
	raw := p.content[dynOffset : dynOffset+dynSize]

	var entries []DynamicEntry
	var symtabAddr, strtabAddr, strSize, symEnt uint64
	var relaAddr, relaSize, jmprelAddr, pltRelSz uint64
	symEnt = Elf64SymbolEntrySize

	for off := 0; off+dynEntrySize <= len(raw); off += dynEntrySize {
		tag := DynamicTag(p.ByteOrder.Uint64(raw[off : off+8]))
		val := p.ByteOrder.Uint64(raw[off+8 : off+16])
		if tag == DT_NULL {
			break
		}
		entries = append(entries, DynamicEntry{Tag: tag, Value: val})

		switch tag {
		case DT_SYMTAB:
			symtabAddr = val
		case DT_STRTAB:
			strtabAddr = val
		case DT_STRSZ:
			strSize = val
		case DT_SYMENT:
			symEnt = val
		case DT_RELA:
			relaAddr = val
		case DT_RELASZ:
			relaSize = val
		case DT_JMPREL:
			jmprelAddr = val
		case DT_PLTRELSZ:
			pltRelSz = val
		}
	}

	dyn := &Dynamic{Entries: entries}

	if strtabAddr != 0 && strSize != 0 {
		off, ok := vaddrToOffset(p.ProgramHeaders, strtabAddr)
		if !ok {
			return nil, fmt.Errorf("dynamic string table address %#x not backed by any segment", strtabAddr)
		}
		if off+strSize > uint64(len(p.content)) {
			return nil, fmt.Errorf("out of bound dynamic string table (%d > %d)", off+strSize, len(p.content))
		}
		dyn.StringTable = NewStringTableSection(SectionHeaderEntry{}, p.content[off:off+strSize])
	}

	if symtabAddr != 0 && symEnt != 0 {
		off, ok := vaddrToOffset(p.ProgramHeaders, symtabAddr)
		if !ok {
			return nil, fmt.Errorf("dynamic symbol table address %#x not backed by any segment", symtabAddr)
		}

		// The dynamic symbol table has no sh_size in PT_DYNAMIC (that's a
		// section-header-only field), so it's bounded by the string table
		// that immediately follows it, or by end of file otherwise.
		end := uint64(len(p.content))
		if strtabAddr > symtabAddr {
			if strOff, ok := vaddrToOffset(p.ProgramHeaders, strtabAddr); ok {
				end = strOff
			}
		}
		if off >= end {
			return nil, fmt.Errorf("invalid dynamic symbol table bounds")
		}

		numEntries := int((end - off) / symEnt)
		table := &SymbolTableSection{BaseSection: newBaseSection(SectionHeaderEntry{})}
		symbols := make([]*Symbol, 0, numEntries)
		for i := 0; i < numEntries; i++ {
			entryOff := off + uint64(i)*symEnt
			if entryOff+Elf64SymbolEntrySize > uint64(len(p.content)) {
				break
			}

			var entry SymbolEntry
			n, err := binary.Decode(p.content[entryOff:entryOff+Elf64SymbolEntrySize], p.ByteOrder, &entry)
			if err != nil || n != Elf64SymbolEntrySize {
				break
			}

			symbols = append(symbols, &Symbol{SymbolEntry: entry, Parent: table})
		}
		table.Symbols = symbols
		if dyn.StringTable != nil {
			table.BindStringTable(dyn.StringTable)
		}
		dyn.Symbols = symbols
	}

	relocs, err := p.parseRelaTable(relaAddr, relaSize)
	if err != nil {
		return nil, err
	}
	dyn.Relocations = append(dyn.Relocations, relocs...)

	pltRelocs, err := p.parseRelaTable(jmprelAddr, pltRelSz)
	if err != nil {
		return nil, err
	}
	dyn.Relocations = append(dyn.Relocations, pltRelocs...)

	return dyn, nil
}

func (p *parser) parseRelaTable(addr uint64, size uint64) ([]Relocation, error) {
	if addr == 0 || size == 0 {
		return nil, nil
	}

	off, ok := vaddrToOffset(p.ProgramHeaders, addr)
	if !ok {
		return nil, fmt.Errorf("relocation table address %#x not backed by any segment", addr)
	}
	if off+size > uint64(len(p.content)) {
		return nil, fmt.Errorf("out of bound relocation table (%d > %d)", off+size, len(p.content))
	}

	const relaEntrySize = 24 // sizeof(Elf64_Rela)
	if size%relaEntrySize != 0 {
		return nil, fmt.Errorf("invalid relocation table size (%d)", size)
	}

	raw := p.content[off : off+size]
	out := make([]Relocation, 0, size/relaEntrySize)
	for o := uint64(0); o+relaEntrySize <= size; o += relaEntrySize {
		offset := p.ByteOrder.Uint64(raw[o : o+8])
		info := p.ByteOrder.Uint64(raw[o+8 : o+16])
		addend := int64(p.ByteOrder.Uint64(raw[o+16 : o+24]))

		out = append(out, Relocation{
			Offset:    offset,
			SymbolIdx: uint32(info >> 32),
			Type:      RelocationType(uint32(info)),
			Addend:    addend,
		})
	}
	return out, nil
}
