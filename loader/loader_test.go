package loader

import (
	"testing"

	"github.com/aarch64rdbg/engine/elf"
	"github.com/aarch64rdbg/engine/rerr"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type LoaderSuite struct{}

func TestLoader(t *testing.T) {
	suite.RunTests(t, &LoaderSuite{})
}

func (LoaderSuite) TestPageAlign(t *testing.T) {
	expect.Equal(t, uint64(0x1000), pageAlign(1))
	expect.Equal(t, uint64(0x1000), pageAlign(0x1000))
	expect.Equal(t, uint64(0x2000), pageAlign(0x1001))
	expect.Equal(t, uint64(0), pageAlign(0))
}

func (LoaderSuite) TestLoadSpanCoversAllLoadSegments(t *testing.T) {
	file := &elf.File{
		ProgramHeaders: []elf.ProgramHeaderEntry{
			{ProgramType: elf.ProgramLoadable, VirtualAddress: 0x1000, MemoryImageSize: 0x800},
			{ProgramType: elf.ProgramLoadable, VirtualAddress: 0x3000, MemoryImageSize: 0x100},
			{ProgramType: elf.ProgramDynamicLinking, VirtualAddress: 0x5000, MemoryImageSize: 0x100},
		},
	}

	span, ok := loadSpan(file)
	expect.True(t, ok)
	// low=0x1000, high=0x3100 -> span 0x2100, page-aligned up to 0x3000
	expect.Equal(t, uint64(0x3000), span)
}

func (LoaderSuite) TestLoadSpanNoSegments(t *testing.T) {
	_, ok := loadSpan(&elf.File{})
	expect.True(t, !ok)
}

func (LoaderSuite) TestSegmentBytesSlicesFileContent(t *testing.T) {
	file := &elf.File{Content: []byte("0123456789")}
	seg := elf.ProgramHeaderEntry{ContentOffset: 2, FileImageSize: 4}

	data, err := segmentBytes(file, seg)
	expect.Nil(t, err)
	expect.Equal(t, "2345", string(data))
}

func (LoaderSuite) TestSegmentBytesEmptyWhenFileImageSizeZero(t *testing.T) {
	file := &elf.File{Content: []byte("0123456789")}
	data, err := segmentBytes(file, elf.ProgramHeaderEntry{FileImageSize: 0})
	expect.Nil(t, err)
	expect.Nil(t, data)
}

func (LoaderSuite) TestSegmentBytesOutOfBounds(t *testing.T) {
	file := &elf.File{Content: []byte("0123")}
	_, err := segmentBytes(file, elf.ProgramHeaderEntry{ContentOffset: 2, FileImageSize: 10})
	expect.NotNil(t, err)
}

func (LoaderSuite) TestEntryPointRebasesByImageBase(t *testing.T) {
	img := &Image{
		File: &elf.File{ElfHeader: elf.ElfHeader{EntryPointAddress: 0x100}},
		Base: rerr.VirtualAddress(0x4000),
	}
	expect.Equal(t, rerr.VirtualAddress(0x4100), img.EntryPoint())
}
