// Package registers implements the AArch64 register controller: fresh,
// uncached reads and writes of general-purpose, floating point/SIMD, and
// hardware debug registers against a traced thread.
//
// Grounded on the teacher's debugger/registers/value.go generic Value
// abstraction (kept verbatim in value.go) and go-delve/delve's
// pkg/proc/linutil/regs_arm64_arch.go register table shape.
package registers

import (
	"fmt"

	"github.com/aarch64rdbg/engine/ptrace"
	"github.com/aarch64rdbg/engine/rerr"
)

// Kind classifies which register file a name belongs to.
type Kind int

const (
	GPR Kind = iota
	FPR
	HWBreakDebug
	HWWatchDebug
)

// Spec describes one addressable register: its name, the file it lives in,
// and its width in bytes.
type Spec struct {
	Name string
	Kind Kind
	Size int
}

var gprSpecs []Spec

func init() {
	for i := 0; i < 31; i++ {
		gprSpecs = append(gprSpecs, Spec{Name: fmt.Sprintf("x%d", i), Kind: GPR, Size: 8})
	}
	gprSpecs = append(gprSpecs,
		Spec{Name: "sp", Kind: GPR, Size: 8},
		Spec{Name: "pc", Kind: GPR, Size: 8},
		Spec{Name: "pstate", Kind: GPR, Size: 8},
	)
}

// ByName looks up a register by its canonical lowercase name (x0..x30, sp,
// pc, pstate, v0..v31, fpsr, fpcr).
func ByName(name string) (Spec, bool) {
	for _, spec := range gprSpecs {
		if spec.Name == name {
			return spec, true
		}
	}
	for i := 0; i < 32; i++ {
		if name == fmt.Sprintf("v%d", i) {
			return Spec{Name: name, Kind: FPR, Size: 16}, true
		}
	}
	if name == "fpsr" || name == "fpcr" {
		return Spec{Name: name, Kind: FPR, Size: 4}, true
	}
	return Spec{}, false
}

// AllGPRNames lists x0..x30, sp, pc, pstate in register order.
func AllGPRNames() []Spec {
	out := make([]Spec, len(gprSpecs))
	copy(out, gprSpecs)
	return out
}

// Controller is the register controller for a single traced thread. It
// never caches a value across calls: every Get/Set round-trips through
// ptrace against the live tracee, per spec.md's explicit no-caching note.
type Controller struct {
	tracer *ptrace.Tracer
}

func New(tracer *ptrace.Tracer) *Controller {
	return &Controller{tracer: tracer}
}

// GetAllGPR returns a full copy of the general-purpose register file.
func (c *Controller) GetAllGPR() (*ptrace.UserRegs, error) {
	regs, err := c.tracer.GetGeneralRegisters()
	if err != nil {
		return nil, rerr.New(rerr.IoFailure, "get_all_gpr", err)
	}
	return regs, nil
}

// SetAllGPR writes the entire general-purpose register file back.
func (c *Controller) SetAllGPR(regs *ptrace.UserRegs) error {
	err := c.tracer.SetGeneralRegisters(regs)
	if err != nil {
		return rerr.New(rerr.IoFailure, "set_all_gpr", err)
	}
	return nil
}

// GetGPR reads a single named general-purpose register (x0..x30, sp, pc,
// pstate) as a generic Value.
func (c *Controller) GetGPR(name string) (Value, error) {
	spec, ok := ByName(name)
	if !ok || spec.Kind != GPR {
		return nil, rerr.New(rerr.InvalidArgument, "get_gpr", fmt.Errorf("no such register %q", name))
	}

	regs, err := c.GetAllGPR()
	if err != nil {
		return nil, err
	}

	return U64(gprFieldValue(regs, spec.Name)), nil
}

// SetGPR writes a single named general-purpose register, leaving the rest
// of the register file untouched (read-modify-write, since AArch64 has no
// per-register ptrace set operation).
func (c *Controller) SetGPR(name string, value Value) error {
	spec, ok := ByName(name)
	if !ok || spec.Kind != GPR {
		return rerr.New(rerr.InvalidArgument, "set_gpr", fmt.Errorf("no such register %q", name))
	}

	regs, err := c.GetAllGPR()
	if err != nil {
		return err
	}

	setGPRField(regs, spec.Name, value.ToUint64())

	return c.SetAllGPR(regs)
}

func gprFieldValue(regs *ptrace.UserRegs, name string) uint64 {
	switch name {
	case "sp":
		return regs.Sp
	case "pc":
		return regs.Pc
	case "pstate":
		return regs.Pstate
	default:
		var n int
		fmt.Sscanf(name, "x%d", &n)
		return regs.Regs[n]
	}
}

func setGPRField(regs *ptrace.UserRegs, name string, value uint64) {
	switch name {
	case "sp":
		regs.Sp = value
	case "pc":
		regs.Pc = value
	case "pstate":
		regs.Pstate = value
	default:
		var n int
		fmt.Sscanf(name, "x%d", &n)
		regs.Regs[n] = value
	}
}

// GetFPR reads a single named floating point/SIMD register (v0..v31 as a
// 128-bit value, fpsr/fpcr as 32-bit).
func (c *Controller) GetFPR(name string) (Value, error) {
	spec, ok := ByName(name)
	if !ok || spec.Kind != FPR {
		return nil, rerr.New(rerr.InvalidArgument, "get_fpr", fmt.Errorf("no such register %q", name))
	}

	fpregs, err := c.tracer.GetFloatingPointRegisters()
	if err != nil {
		return nil, rerr.New(rerr.IoFailure, "get_fpr", err)
	}

	switch name {
	case "fpsr":
		return U32(fpregs.Fpsr), nil
	case "fpcr":
		return U32(fpregs.Fpcr), nil
	default:
		var n int
		fmt.Sscanf(name, "v%d", &n)
		return U128(fpregs.Vregs[n][1], fpregs.Vregs[n][0]), nil
	}
}

// SetFPR writes a single named floating point/SIMD register.
func (c *Controller) SetFPR(name string, value Value) error {
	spec, ok := ByName(name)
	if !ok || spec.Kind != FPR {
		return rerr.New(rerr.InvalidArgument, "set_fpr", fmt.Errorf("no such register %q", name))
	}

	fpregs, err := c.tracer.GetFloatingPointRegisters()
	if err != nil {
		return rerr.New(rerr.IoFailure, "set_fpr", err)
	}

	switch name {
	case "fpsr":
		fpregs.Fpsr = value.ToUint32()
	case "fpcr":
		fpregs.Fpcr = value.ToUint32()
	default:
		var n int
		fmt.Sscanf(name, "v%d", &n)
		u128 := value.ToUint128()
		fpregs.Vregs[n][0] = u128.Low
		fpregs.Vregs[n][1] = u128.High
	}

	err = c.tracer.SetFloatingPointRegisters(fpregs)
	if err != nil {
		return rerr.New(rerr.IoFailure, "set_fpr", err)
	}
	return nil
}

// GetDebugRegister reads hardware debug register slot idx from the
// breakpoint (isWatch=false) or watchpoint (isWatch=true) file.
func (c *Controller) GetDebugRegister(isWatch bool, idx int) (addr uint64, ctrl uint32, err error) {
	state, err := c.tracer.GetHardwareDebugRegisters(isWatch)
	if err != nil {
		return 0, 0, rerr.New(rerr.IoFailure, "get_dbg", err)
	}
	if idx < 0 || idx >= state.NumSlots() {
		return 0, 0, rerr.New(rerr.InvalidArgument, "get_dbg", fmt.Errorf("slot %d out of range", idx))
	}
	return state.Regs[idx].Addr, state.Regs[idx].Ctrl, nil
}

// SetDebugRegister writes hardware debug register slot idx.
func (c *Controller) SetDebugRegister(isWatch bool, idx int, addr uint64, ctrl uint32) error {
	state, err := c.tracer.GetHardwareDebugRegisters(isWatch)
	if err != nil {
		return rerr.New(rerr.IoFailure, "set_dbg", err)
	}
	if idx < 0 || idx >= state.NumSlots() {
		return rerr.New(rerr.NoHardwareSlot, "set_dbg", fmt.Errorf("slot %d out of range", idx))
	}

	state.Regs[idx].Addr = addr
	state.Regs[idx].Ctrl = ctrl

	err = c.tracer.SetHardwareDebugRegisters(isWatch, state)
	if err != nil {
		return rerr.New(rerr.IoFailure, "set_dbg", err)
	}
	return nil
}

// NumHardwareSlots reports how many hardware breakpoint (isWatch=false) or
// watchpoint (isWatch=true) register pairs this CPU implements.
func (c *Controller) NumHardwareSlots(isWatch bool) (int, error) {
	state, err := c.tracer.GetHardwareDebugRegisters(isWatch)
	if err != nil {
		return 0, rerr.New(rerr.IoFailure, "probe_hw_slots", err)
	}
	return state.NumSlots(), nil
}
