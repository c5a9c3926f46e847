package ptrace

import (
	"os/exec"
)

type opType string

const (
	startOp       = opType("start")
	attachOp      = opType("attach")
	detachOp      = opType("detach")
	resumeOp      = opType("resume")
	syscallOp     = opType("syscall")
	singleStepOp  = opType("singleStep")
	setOptionsOp  = opType("setOptions")
	getRegsOp     = opType("getRegs")
	setRegsOp     = opType("setRegs")
	getFPRegsOp   = opType("getFPRegs")
	setFPRegsOp   = opType("setFPRegs")
	getHWDebugOp  = opType("getHWDebug")
	setHWDebugOp  = opType("setHWDebug")
	peekDataOp    = opType("peekData")
	pokeDataOp    = opType("pokeData")
	readMemoryOp  = opType("readMemory")
	writeMemoryOp = opType("writeMemory")
	getSigInfoOp  = opType("getSigInfo")
)

type request struct {
	opType

	cmd *exec.Cmd // only used by start

	pid int // used by all except start

	signal int // resume

	options Options // set options

	regs *UserRegs // get/set regs

	fpRegs *UserFPRegs // get/set fp regs

	isWatch bool          // get/set hw debug: breakpoint vs watchpoint file
	hwDebug *HWDebugState // get/set hw debug

	addr uintptr // peek/poke data
	data []byte  // peek/poke data

	responseChan chan response
}

type response struct {
	count int // peek/poke data

	sigInfo *SigInfo // get sig info

	err error
}
