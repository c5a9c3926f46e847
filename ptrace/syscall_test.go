package ptrace

import (
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type SyscallSuite struct{}

func TestSyscall(t *testing.T) {
	suite.RunTests(t, &SyscallSuite{})
}

func (SyscallSuite) TestNumSlots(t *testing.T) {
	state := HWDebugState{DebugInfo: 4}
	expect.Equal(t, 4, state.NumSlots())
}

func (SyscallSuite) TestNumSlotsClampsToMax(t *testing.T) {
	state := HWDebugState{DebugInfo: 0xff}
	expect.Equal(t, _maxHWDebugRegs, state.NumSlots())
}

func (SyscallSuite) TestNumSlotsIgnoresHighBits(t *testing.T) {
	state := HWDebugState{DebugInfo: 0x0100 | 6}
	expect.Equal(t, 6, state.NumSlots())
}

func (SyscallSuite) TestHwDebugSetKind(t *testing.T) {
	expect.Equal(t, _NT_ARM_HW_BP, hwDebugSetKind(false))
	expect.Equal(t, _NT_ARM_HW_WP, hwDebugSetKind(true))
}
