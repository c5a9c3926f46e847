// Package disasm bridges golang.org/x/arch/arm64/arm64asm into the
// instruction classification spec.md §4.4 requires.
//
// The teacher has no disassembler of its own (debugger/memory/disassembler.go
// wraps golang.org/x/arch/x86/x86asm instead); this package follows the
// decode-then-classify shape of go-delve/delve's pkg/proc/arm64_disasm.go,
// substituted onto the arm64 sibling package of the same module the teacher
// already depends on.
package disasm

import (
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/aarch64rdbg/engine/rerr"
)

// Class is the coarse instruction category spec.md §4.4 names.
type Class int

const (
	Other Class = iota
	Syscall
	Interrupt
	ExceptionReturn
	UnconditionalBranch
	ConditionalBranch
	AuthenticatedBranch
)

func (c Class) String() string {
	switch c {
	case Syscall:
		return "syscall"
	case Interrupt:
		return "interrupt"
	case ExceptionReturn:
		return "exception-return"
	case UnconditionalBranch:
		return "unconditional-branch"
	case ConditionalBranch:
		return "conditional-branch"
	case AuthenticatedBranch:
		return "authenticated-branch"
	default:
		return "other"
	}
}

// Instruction is one decoded, fixed-width (4-byte) AArch64 instruction.
type Instruction struct {
	Address rerr.VirtualAddress
	Raw     [4]byte
	Op      arm64asm.Op
	Class   Class
	Text    string // GNU syntax, matching objdump/gdb output
}

// classify maps an arm64asm.Op to the coarse class spec.md §4.4 defines.
// Grounded on delve's arm64_disasm.go switch shape, but matched against
// spec.md's own table rather than delve's CallInstruction/JmpInstruction
// split.
func classify(op arm64asm.Op) Class {
	switch op {
	case arm64asm.SVC, arm64asm.HVC, arm64asm.SMC:
		return Syscall
	case arm64asm.BRK, arm64asm.HLT:
		return Interrupt
	case arm64asm.ERET, arm64asm.RET:
		return ExceptionReturn
	case arm64asm.B, arm64asm.BR, arm64asm.BL, arm64asm.BLR:
		return UnconditionalBranch
	case arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		return ConditionalBranch
	}

	name := op.String()
	switch {
	case strings.HasPrefix(name, "SYS"):
		return Syscall
	case strings.HasPrefix(name, "B.") || name == "BC":
		// Op names of the B.<cond>/BC family classify as conditional branch.
		// arm64asm decodes B.EQ, B.NE, ... as op B with a Cond first
		// argument; Decode reclassifies those, since the op alone cannot.
		return ConditionalBranch
	case strings.Contains(name, "RETA") || strings.Contains(name, "BRAA") ||
		strings.Contains(name, "BRAB") || strings.Contains(name, "BLRA"):
		// Pointer-authenticated branch/return variants (BRAA, BLRAA, RETAA, ...)
		// are recognized by name rather than an exhaustive constant list,
		// since the exact set varies by x/arch version.
		return AuthenticatedBranch
	default:
		return Other
	}
}

// Decode decodes exactly one 4-byte instruction at addr from mem (which
// must contain at least 4 bytes). AArch64 instructions are fixed-width, so
// unlike the teacher's variable-length x86 decoder this never needs a
// multi-instruction lookahead buffer.
func Decode(addr rerr.VirtualAddress, mem []byte) (Instruction, error) {
	if len(mem) < 4 {
		return Instruction{}, rerr.New(rerr.InvalidFormat, "disassemble", fmt.Errorf("need 4 bytes, got %d", len(mem)))
	}

	inst, err := arm64asm.Decode(mem[:4])
	if err != nil {
		return Instruction{}, rerr.New(rerr.InvalidFormat, "disassemble", err)
	}

	result := Instruction{
		Address: addr,
		Op:      inst.Op,
		Class:   classify(inst.Op),
		Text:    arm64asm.GNUSyntax(inst),
	}
	if inst.Op == arm64asm.B {
		if _, ok := inst.Args[0].(arm64asm.Cond); ok {
			result.Class = ConditionalBranch
		}
	}
	copy(result.Raw[:], mem[:4])

	return result, nil
}

// DecodeN decodes up to count consecutive instructions starting at addr.
// Decoding stops without error when mem holds fewer than count*4 bytes
// (a trailing partial instruction is ignored), and stops early (returning
// the instructions decoded so far and the error) on the first invalid
// opcode.
func DecodeN(addr rerr.VirtualAddress, mem []byte, count int) ([]Instruction, error) {
	var out []Instruction
	for i := 0; i < count; i++ {
		offset := i * 4
		if offset+4 > len(mem) {
			break
		}

		inst, err := Decode(addr+rerr.VirtualAddress(offset), mem[offset:offset+4])
		if err != nil {
			return out, err
		}
		out = append(out, inst)
	}
	return out, nil
}
