package memory

import (
	"fmt"
	"syscall"

	"github.com/aarch64rdbg/engine/rerr"
)

// AArch64 syscall numbers used by the allocator (see asm-generic/unistd.h).
const (
	sysMmap   = 222
	sysMunmap = 215

	// PROT_* / MAP_* from <linux/mman.h>, duplicated here so callers don't
	// need an extra import for a handful of constants.
	ProtRead  = 0x1
	ProtWrite = 0x2
	ProtExec  = 0x4

	MapPrivate   = 0x02
	MapAnonymous = 0x20
	MapFixed     = 0x10

	// MapFixedNoReplace refuses placement rather than clobbering an
	// existing mapping at the hinted address (MAP_FIXED_NOREPLACE,
	// <linux/mman.h>, Linux 4.17+).
	MapFixedNoReplace = 0x100000
)

// brkInstruction is AArch64's BRK #0 opcode, little-endian encoded.
var brkInstruction = [4]byte{0x00, 0x00, 0x20, 0xd4}

// svcInstruction is AArch64's SVC #0 opcode, little-endian encoded.
var svcInstruction = [4]byte{0x01, 0x00, 0x00, 0xd4}

// runSyscall injects and executes one AArch64 syscall in the tracee by
// temporarily patching a SVC #0 instruction at the current program counter,
// staging the syscall ABI registers (x8 = number, x0..x5 = args), single
// stepping exactly once (which fully executes the syscall and traps back
// right after it), reading the return value out of x0, then restoring the
// original instruction bytes and register file.
//
// Grounded on ptrace/server.go's syscallTrappedResume/singleStep primitives;
// the teacher itself has no equivalent (it never injects code into the
// tracee).
func (vm *VirtualMemory) runSyscall(number uint64, args [6]uint64) (uint64, error) {
	savedRegs, err := vm.regs.GetAllGPR()
	if err != nil {
		return 0, rerr.New(rerr.InjectionFailure, "run_syscall", err)
	}

	patchAddr := uintptr(savedRegs.Pc)

	var savedInstruction [4]byte
	_, err = vm.tracer.PeekData(patchAddr, savedInstruction[:])
	if err != nil {
		return 0, rerr.New(rerr.InjectionFailure, "run_syscall", err)
	}

	_, err = vm.tracer.PokeData(patchAddr, svcInstruction[:])
	if err != nil {
		return 0, rerr.New(rerr.InjectionFailure, "run_syscall", err)
	}

	restore := func() error {
		_, err := vm.tracer.PokeData(patchAddr, savedInstruction[:])
		if err != nil {
			return err
		}
		return vm.regs.SetAllGPR(savedRegs)
	}

	staged := *savedRegs
	staged.Regs[8] = number
	for i, arg := range args {
		staged.Regs[i] = arg
	}
	staged.Pc = uint64(patchAddr)

	err = vm.regs.SetAllGPR(&staged)
	if err != nil {
		_ = restore()
		return 0, rerr.New(rerr.InjectionFailure, "run_syscall", err)
	}

	err = vm.tracer.SingleStep()
	if err != nil {
		_ = restore()
		return 0, rerr.New(rerr.InjectionFailure, "run_syscall", err)
	}

	var status syscall.WaitStatus
	_, err = syscall.Wait4(vm.pid, &status, 0, nil)
	if err != nil {
		_ = restore()
		return 0, rerr.New(rerr.InjectionFailure, "run_syscall", err)
	}
	if !status.Stopped() {
		_ = restore()
		return 0, rerr.New(rerr.InjectionFailure, "run_syscall", fmt.Errorf("tracee did not stop after injected syscall: %v", status))
	}

	result, err := vm.regs.GetAllGPR()
	if err != nil {
		_ = restore()
		return 0, rerr.New(rerr.InjectionFailure, "run_syscall", err)
	}
	retval := result.Regs[0]

	if err := restore(); err != nil {
		return 0, rerr.New(rerr.InjectionFailure, "run_syscall", err)
	}

	return retval, nil
}

// Allocate maps size bytes of anonymous memory with the given protection in
// the tracee via an injected mmap(2) call and returns its base address.
//
// hintAddr mirrors the original's allocate_memory(pid, size, address, prot)
// (memory_control.cpp:423): when non-zero it is staged as mmap's addr
// argument. The original passes the hint without MAP_FIXED, so the kernel
// may silently relocate it on conflict; this allocator adds
// MAP_FIXED_NOREPLACE whenever a hint is given, since callers (the ELF
// loader placing PT_LOAD segments at base+vaddr) depend on the returned
// address matching the hint exactly.
func (vm *VirtualMemory) Allocate(size uint64, hintAddr rerr.VirtualAddress, prot int) (rerr.VirtualAddress, error) {
	if size == 0 {
		return 0, rerr.New(rerr.InvalidArgument, "allocate_memory", fmt.Errorf("size must be > 0"))
	}

	flags := uint64(MapPrivate | MapAnonymous)
	if hintAddr != 0 {
		flags |= MapFixedNoReplace
	}

	args := [6]uint64{
		uint64(hintAddr), // addr: hint, or 0 to let the kernel choose
		size,             // length
		uint64(prot),     // prot
		flags,            // flags
		^uint64(0),       // fd: -1
		0,                // offset
	}

	ret, err := vm.runSyscall(sysMmap, args)
	if err != nil {
		return 0, err
	}

	// mmap returns a negated errno (as an unsigned value near ^uint64(0))
	// on failure.
	if ret > ^uint64(0)-4096 {
		return 0, rerr.New(rerr.NoSpace, "allocate_memory", fmt.Errorf("mmap failed: errno %d", -int64(ret)))
	}

	return rerr.VirtualAddress(ret), nil
}

// Free unmaps a region previously returned by Allocate via an injected
// munmap(2) call.
func (vm *VirtualMemory) Free(addr rerr.VirtualAddress, size uint64) error {
	args := [6]uint64{uint64(addr), size}

	ret, err := vm.runSyscall(sysMunmap, args)
	if err != nil {
		return err
	}
	if ret > ^uint64(0)-4096 {
		return rerr.New(rerr.IoFailure, "free_memory", fmt.Errorf("munmap failed: errno %d", -int64(ret)))
	}
	return nil
}
