package disasm

import (
	"testing"

	"github.com/aarch64rdbg/engine/rerr"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type DisasmSuite struct{}

func TestDisasm(t *testing.T) {
	suite.RunTests(t, &DisasmSuite{})
}

func (DisasmSuite) TestClassString(t *testing.T) {
	expect.Equal(t, "other", Other.String())
	expect.Equal(t, "syscall", Syscall.String())
	expect.Equal(t, "interrupt", Interrupt.String())
	expect.Equal(t, "exception-return", ExceptionReturn.String())
	expect.Equal(t, "unconditional-branch", UnconditionalBranch.String())
	expect.Equal(t, "conditional-branch", ConditionalBranch.String())
	expect.Equal(t, "authenticated-branch", AuthenticatedBranch.String())
}

func (DisasmSuite) TestDecodeSVC(t *testing.T) {
	inst, err := Decode(rerr.VirtualAddress(0x1000), []byte{0x01, 0x00, 0x00, 0xd4})
	expect.Nil(t, err)
	expect.Equal(t, Syscall, inst.Class)
	expect.Equal(t, rerr.VirtualAddress(0x1000), inst.Address)
}

func (DisasmSuite) TestDecodeBRK(t *testing.T) {
	inst, err := Decode(rerr.VirtualAddress(0x1000), []byte{0x00, 0x00, 0x20, 0xd4})
	expect.Nil(t, err)
	expect.Equal(t, Interrupt, inst.Class)
}

func (DisasmSuite) TestDecodeRET(t *testing.T) {
	inst, err := Decode(rerr.VirtualAddress(0x1000), []byte{0xc0, 0x03, 0x5f, 0xd6})
	expect.Nil(t, err)
	expect.Equal(t, ExceptionReturn, inst.Class)
}

func (DisasmSuite) TestDecodeUnconditionalBranch(t *testing.T) {
	inst, err := Decode(rerr.VirtualAddress(0x1000), []byte{0x00, 0x00, 0x00, 0x14})
	expect.Nil(t, err)
	expect.Equal(t, UnconditionalBranch, inst.Class)
}

func (DisasmSuite) TestDecodeConditionalBranch(t *testing.T) {
	inst, err := Decode(rerr.VirtualAddress(0x1000), []byte{0x00, 0x00, 0x00, 0x54})
	expect.Nil(t, err)
	expect.Equal(t, ConditionalBranch, inst.Class)
}

func (DisasmSuite) TestDecodeRejectsShortBuffer(t *testing.T) {
	_, err := Decode(rerr.VirtualAddress(0x1000), []byte{0x01, 0x00})
	expect.NotNil(t, err)
}

func (DisasmSuite) TestDecodeNStopsOnShortTail(t *testing.T) {
	mem := []byte{
		0x01, 0x00, 0x00, 0xd4, // svc #0
		0xc0, 0x03, 0x5f, 0xd6, // ret
		0x00, 0x00, // truncated third instruction
	}

	insts, err := DecodeN(rerr.VirtualAddress(0x1000), mem, 3)
	expect.Nil(t, err)
	expect.Equal(t, 2, len(insts))
	expect.Equal(t, Syscall, insts[0].Class)
	expect.Equal(t, ExceptionReturn, insts[1].Class)
	expect.Equal(t, rerr.VirtualAddress(0x1004), insts[1].Address)
}
