package ptrace

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

type Options int

const (
	vmPageSize = 0x1000

	O_EXITKILL        = Options(unix.PTRACE_O_EXITKILL)
	O_TRACESYSGOOD    = Options(unix.PTRACE_O_TRACESYSGOOD)
	O_TRACECLONE      = Options(unix.PTRACE_O_TRACECLONE)
	O_TRACEEXEC       = Options(unix.PTRACE_O_TRACEEXEC)
	O_TRACEEXIT       = Options(unix.PTRACE_O_TRACEEXIT)
	O_TRACEFORK       = Options(unix.PTRACE_O_TRACEFORK)
	O_TRACEVFORK      = Options(unix.PTRACE_O_TRACEVFORK)
	O_TRACEVFORKDONE  = Options(unix.PTRACE_O_TRACEVFORKDONE)

	_NT_PRSTATUS   = 1
	_NT_FPREGSET   = 2
	_NT_ARM_HW_BP  = 0x402
	_NT_ARM_HW_WP  = 0x403
	_maxHWDebugRegs = 16
)

// UserRegs matches struct user_pt_regs from <asm/ptrace.h>, fetched via
// PTRACE_GETREGSET(NT_PRSTATUS) rather than the removed PTRACE_GETREGS.
type UserRegs struct {
	Regs   [31]uint64
	Sp     uint64
	Pc     uint64
	Pstate uint64
}

// UserFPRegs matches struct user_fpsimd_state from <asm/ptrace.h>, fetched
// via PTRACE_GETREGSET(NT_FPREGSET).
type UserFPRegs struct {
	Vregs    [32][2]uint64 // 32 128-bit V registers, low/high uint64 halves
	Fpsr     uint32
	Fpcr     uint32
	Reserved [2]uint32
}

// HWDebugState matches struct user_hwdebug_state from <asm/ptrace.h>,
// fetched via PTRACE_GETREGSET(NT_ARM_HW_BREAK / NT_ARM_HW_WATCH). The same
// layout is shared by the breakpoint and watchpoint register files; the
// isWatch argument of the Tracer methods selects which one is read/written.
type HWDebugState struct {
	DebugInfo uint32 // low byte: number of implemented slots
	Pad       uint32
	Regs      [_maxHWDebugRegs]HWDebugRegister
}

type HWDebugRegister struct {
	Addr uint64
	Ctrl uint32
	Pad  uint32
}

func (s *HWDebugState) NumSlots() int {
	n := int(s.DebugInfo & 0xff)
	if n > _maxHWDebugRegs {
		n = _maxHWDebugRegs
	}
	return n
}

type SigInfo = unix.Siginfo

func ptrace(request int, pid int, addr uintptr, data uintptr) error {
	_, _, err := syscall.Syscall6(
		syscall.SYS_PTRACE,
		uintptr(request),
		uintptr(pid),
		addr,
		data,
		0,
		0)
	if err == 0 {
		return nil
	}
	return err
}

func ptracePtr(request int, pid int, addr uintptr, data unsafe.Pointer) error {
	return ptrace(request, pid, addr, uintptr(data))
}

func getRegSet(pid int, kind int, out unsafe.Pointer, size int) error {
	iov := unix.Iovec{Base: (*byte)(out)}
	iov.SetLen(size)
	return ptracePtr(unix.PTRACE_GETREGSET, pid, uintptr(kind), unsafe.Pointer(&iov))
}

func setRegSet(pid int, kind int, in unsafe.Pointer, size int) error {
	iov := unix.Iovec{Base: (*byte)(in)}
	iov.SetLen(size)
	return ptracePtr(unix.PTRACE_SETREGSET, pid, uintptr(kind), unsafe.Pointer(&iov))
}

func getRegs(pid int, out *UserRegs) error {
	return getRegSet(pid, _NT_PRSTATUS, unsafe.Pointer(out), int(unsafe.Sizeof(*out)))
}

func setRegs(pid int, in *UserRegs) error {
	return setRegSet(pid, _NT_PRSTATUS, unsafe.Pointer(in), int(unsafe.Sizeof(*in)))
}

func getFPRegs(pid int, out *UserFPRegs) error {
	return getRegSet(pid, _NT_FPREGSET, unsafe.Pointer(out), int(unsafe.Sizeof(*out)))
}

func setFPRegs(pid int, in *UserFPRegs) error {
	return setRegSet(pid, _NT_FPREGSET, unsafe.Pointer(in), int(unsafe.Sizeof(*in)))
}

func hwDebugSetKind(isWatch bool) int {
	if isWatch {
		return _NT_ARM_HW_WP
	}
	return _NT_ARM_HW_BP
}

func getHWDebug(pid int, isWatch bool, out *HWDebugState) error {
	err := getRegSet(pid, hwDebugSetKind(isWatch), unsafe.Pointer(out), int(unsafe.Sizeof(*out)))
	if err != nil {
		return fmt.Errorf("failed to get hardware debug registers: %w", err)
	}
	return nil
}

func setHWDebug(pid int, isWatch bool, in *HWDebugState) error {
	err := setRegSet(pid, hwDebugSetKind(isWatch), unsafe.Pointer(in), int(unsafe.Sizeof(*in)))
	if err != nil {
		return fmt.Errorf("failed to set hardware debug registers: %w", err)
	}
	return nil
}

func getSigInfo(pid int, out *SigInfo) error {
	return ptracePtr(syscall.PTRACE_GETSIGINFO, pid, 0, unsafe.Pointer(out))
}

func readVirtualMemory(pid int, addr uintptr, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	localIovs := make([]unix.Iovec, 1)
	localIovs[0].Base = &data[0]
	localIovs[0].SetLen(len(data))

	var remoteIovs []unix.RemoteIovec

	remaining := len(data)

	// NOTE: We need to ensure RemoteIovec entries are page aligned.
	if addr%vmPageSize != 0 {
		pageEndAddr := ((addr + vmPageSize - 1) / vmPageSize) * vmPageSize

		size := int(pageEndAddr - addr)
		if remaining < size {
			size = remaining
		}

		remoteIovs = append(
			remoteIovs,
			unix.RemoteIovec{
				Base: addr,
				Len:  size,
			})
		remaining -= size
		addr += uintptr(size)
	}

	for remaining > 0 {
		size := remaining
		if size > vmPageSize {
			size = vmPageSize
		}

		remoteIovs = append(
			remoteIovs,
			unix.RemoteIovec{
				Base: addr,
				Len:  size,
			})

		remaining -= size
		addr += uintptr(size)
	}

	return unix.ProcessVMReadv(pid, localIovs, remoteIovs, 0)
}

func writeVirtualMemory(pid int, addr uintptr, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	localIovs := []unix.Iovec{{Base: &data[0]}}
	localIovs[0].SetLen(len(data))

	remoteIovs := []unix.RemoteIovec{{Base: addr, Len: len(data)}}

	return unix.ProcessVMWritev(pid, localIovs, remoteIovs, 0)
}
