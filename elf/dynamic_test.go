package elf

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

// buildMinimalDynamicELF constructs a single PT_LOAD + PT_DYNAMIC AArch64
// executable with one dynamic symbol ("foo") and one R_AARCH64_RELATIVE
// relocation, entirely by hand (no section headers), mirroring the shape
// an injected/stripped image actually has.
func buildMinimalDynamicELF() []byte {
	var buf bytes.Buffer

	// e_ident
	buf.Write(IdentifierMagic)
	buf.WriteByte(byte(Class64))
	buf.WriteByte(byte(DataEncodingTwosComplementLittleEndian))
	buf.WriteByte(byte(IdentifierVersion))
	buf.WriteByte(byte(OperatingSystemABIUnixSystemV))
	buf.WriteByte(byte(ABIVersion))
	buf.Write(make([]byte, 7)) // padding

	u16 := func(v uint16) { binary.Write(&buf, binary.LittleEndian, v) }
	u32 := func(v uint32) { binary.Write(&buf, binary.LittleEndian, v) }
	u64 := func(v uint64) { binary.Write(&buf, binary.LittleEndian, v) }

	const (
		phOff      = 64
		phEntSize  = 56
		numPhdrs   = 2
		dynOffset  = phOff + phEntSize*numPhdrs // 176
		dynEntSize = 16
		numDynTags = 6
		symtabOff  = dynOffset + dynEntSize*numDynTags // 272
		symEntSize = 24
		strtabOff  = symtabOff + symEntSize // 296
		strtabSize = 5
		relaOff    = strtabOff + strtabSize // 301
		relaSize   = 24

		base = 0x1000
	)

	symtabAddr := uint64(base + symtabOff)
	strtabAddr := uint64(base + strtabOff)
	relaAddr := uint64(base + relaOff)

	// rest of ElfHeader
	u16(uint16(FileTypeExecutable))
	u16(uint16(MachineArchitectureAARCH64))
	u32(uint32(FormatVersion))
	u64(base) // entry point
	u64(phOff)
	u64(0) // no section headers
	u32(0)
	u16(Elf64HeaderSize)
	u16(Elf64ProgramHeaderEntrySize)
	u16(numPhdrs)
	u16(Elf64SectionHeaderEntrySize)
	u16(0)
	u16(0)

	totalSize := uint64(relaOff + relaSize)

	// PT_LOAD
	u32(uint32(ProgramLoadable))
	u32(uint32(ProgramFlagReadableBit | ProgramFlagWritableBit))
	u64(0)
	u64(base)
	u64(base)
	u64(totalSize)
	u64(totalSize)
	u64(0x1000)

	// PT_DYNAMIC
	u32(uint32(ProgramDynamicLinking))
	u32(uint32(ProgramFlagReadableBit | ProgramFlagWritableBit))
	u64(dynOffset)
	u64(base + dynOffset)
	u64(base + dynOffset)
	u64(dynEntSize * numDynTags)
	u64(dynEntSize * numDynTags)
	u64(8)

	dynEntry := func(tag DynamicTag, val uint64) {
		u64(uint64(tag))
		u64(val)
	}
	dynEntry(DT_SYMTAB, symtabAddr)
	dynEntry(DT_STRTAB, strtabAddr)
	dynEntry(DT_STRSZ, strtabSize)
	dynEntry(DT_SYMENT, symEntSize)
	dynEntry(DT_RELA, relaAddr)
	dynEntry(DT_RELASZ, relaSize)

	// dynamic symbol table: one entry pointing at string table index 1 ("foo")
	u32(1)    // st_name
	buf.WriteByte(0) // st_info
	buf.WriteByte(0) // st_other
	u16(0)    // st_shndx
	u64(0x2000) // st_value
	u64(8)      // st_size

	// string table: "\x00foo\x00"
	buf.Write([]byte{0, 'f', 'o', 'o', 0})

	// rela table: one R_AARCH64_RELATIVE entry
	u64(0x2000)                    // r_offset
	u64(uint64(R_AARCH64_RELATIVE)) // r_info (symidx 0)
	binary.Write(&buf, binary.LittleEndian, int64(0x10)) // r_addend

	return buf.Bytes()
}

type DynamicSuite struct{}

func TestDynamic(t *testing.T) {
	suite.RunTests(t, &DynamicSuite{})
}

func (DynamicSuite) TestParseDynamicSymbolsAndRelocations(t *testing.T) {
	content := buildMinimalDynamicELF()

	file, err := ParseBytes(content)
	expect.Nil(t, err)
	expect.NotNil(t, file.Dynamic)

	expect.Equal(t, 1, len(file.Dynamic.Symbols))
	expect.Equal(t, "foo", file.Dynamic.Symbols[0].Name)

	expect.Equal(t, 1, len(file.Dynamic.Relocations))
	reloc := file.Dynamic.Relocations[0]
	expect.Equal(t, R_AARCH64_RELATIVE, reloc.Type)
	expect.Equal(t, uint64(0x2000), reloc.Offset)
	expect.Equal(t, int64(0x10), reloc.Addend)
}

func (DynamicSuite) TestVaddrToOffset(t *testing.T) {
	headers := []ProgramHeaderEntry{
		{
			ProgramType:     ProgramLoadable,
			ContentOffset:   0,
			VirtualAddress:  0x1000,
			FileImageSize:   0x500,
			MemoryImageSize: 0x500,
		},
	}

	off, ok := vaddrToOffset(headers, 0x1010)
	expect.True(t, ok)
	expect.Equal(t, uint64(0x10), off)

	_, ok = vaddrToOffset(headers, 0x2000)
	expect.True(t, !ok)
}
