// Package breakpoint implements the breakpoint manager: software (BRK-patch)
// and hardware (debug-register) breakpoints/watchpoints, addressed directly
// by (tid, address, type) rather than the teacher's symbolic multi-site
// resolver.
//
// Grounded on debugger/stoppoint/{stop_point.go, software_stop_site.go,
// hardware_stop_site.go}'s Enable/Disable/Remove method shapes and error
// wrapping style; the AArch64 trap semantics and debug-register layout are
// new (the teacher is x86-only).
package breakpoint

import (
	"fmt"
	"sync"

	"github.com/aarch64rdbg/engine/memory"
	"github.com/aarch64rdbg/engine/registers"
	"github.com/aarch64rdbg/engine/rerr"
)

// Type is the four-way breakpoint taxonomy from
// original_source/src/breakpoint_manager.hpp's BreakpointType: a software
// BRK-patch, or one of three hardware debug-register encodings
// distinguished by which memory access traps it (instruction fetch, store,
// or either).
type Type int

const (
	Software Type = iota
	HwExecution
	HwWrite
	HwReadWrite
)

func (t Type) String() string {
	switch t {
	case HwExecution:
		return "hw_execution"
	case HwWrite:
		return "hw_write"
	case HwReadWrite:
		return "hw_readwrite"
	default:
		return "software"
	}
}

// isWatchpoint reports whether kind is backed by the watchpoint debug
// register file (DBGWVR/DBGWCR) rather than the breakpoint file
// (DBGBVR/DBGBCR). HwExecution is the only hardware kind that isn't.
func (t Type) isWatchpoint() bool {
	return t == HwWrite || t == HwReadWrite
}

// brkInstruction is the 4-byte AArch64 BRK #0 opcode used to patch software
// breakpoint sites. PC lands directly on the breakpoint address once the
// trap is taken: unlike x86's INT3, there is no "trap lands one byte past"
// correction to make.
var brkInstruction = [4]byte{0x00, 0x00, 0x20, 0xd4}

// Condition is a simple register-comparison predicate, deliberately far
// short of a general expression language (symbolic DWARF expression
// evaluation is an explicit non-goal): "stop only when register OP value".
type Condition struct {
	Register string
	Op       CompareOp
	Value    uint64
}

type CompareOp int

const (
	Eq CompareOp = iota
	Ne
	Lt
	Gt
)

func (c Condition) Evaluate(regs *registers.Controller) (bool, error) {
	v, err := regs.GetGPR(c.Register)
	if err != nil {
		return false, err
	}
	actual := v.ToUint64()

	switch c.Op {
	case Eq:
		return actual == c.Value, nil
	case Ne:
		return actual != c.Value, nil
	case Lt:
		return actual < c.Value, nil
	case Gt:
		return actual > c.Value, nil
	default:
		return false, fmt.Errorf("unknown comparison operator %d", c.Op)
	}
}

// Breakpoint is one installed stop site.
type Breakpoint struct {
	ID      int64
	Tid     int
	Address rerr.VirtualAddress
	Type    Type
	Enabled bool

	Condition *Condition // nil means unconditional

	// Software sites only: the instruction bytes originally at Address.
	originalInstruction [4]byte

	// Hardware sites only: which DBGBVR/DBGWVR slot this occupies.
	hwSlot int
}

// Manager owns every installed breakpoint for one process. Its public
// methods take manager.mutex exactly once each and never call one another
// directly, since sync.Mutex is not reentrant.
type Manager struct {
	mutex sync.Mutex

	mem  *memory.VirtualMemory
	regs map[int]*registers.Controller // tid -> controller

	nextID int64
	points map[int64]*Breakpoint
	byTid  map[int][]int64

	// used hardware slots, per tid, per file (breakpoint vs watchpoint)
	hwSlotsUsed map[int]map[bool]map[int]bool
}

func NewManager(mem *memory.VirtualMemory, regsByTid map[int]*registers.Controller) *Manager {
	return &Manager{
		mem:         mem,
		regs:        regsByTid,
		points:      map[int64]*Breakpoint{},
		byTid:       map[int][]int64{},
		hwSlotsUsed: map[int]map[bool]map[int]bool{},
	}
}

// RegisterThread adds (or replaces) the register controller used to
// evaluate conditions and arm hardware slots for tid. Called once per
// newly attached thread.
func (m *Manager) RegisterThread(tid int, regs *registers.Controller) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.regs[tid] = regs
}

func (m *Manager) controller(tid int) (*registers.Controller, error) {
	c, ok := m.regs[tid]
	if !ok {
		return nil, rerr.New(rerr.NotFound, "breakpoint", fmt.Errorf("no such thread %d", tid))
	}
	return c, nil
}

// SetSoftware installs (but does not yet enable) a software breakpoint at
// addr for tid.
func (m *Manager) SetSoftware(tid int, addr rerr.VirtualAddress, cond *Condition) (*Breakpoint, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, bp := range m.points {
		if bp.Tid == tid && bp.Address == addr && bp.Type == Software {
			return nil, rerr.New(rerr.Duplicate, "set_breakpoint", fmt.Errorf("breakpoint already exists at %s", addr))
		}
	}

	m.nextID++
	bp := &Breakpoint{
		ID:        m.nextID,
		Tid:       tid,
		Address:   addr,
		Type:      Software,
		Condition: cond,
	}
	m.points[bp.ID] = bp
	m.byTid[tid] = append(m.byTid[tid], bp.ID)
	return bp, nil
}

// SetHardware installs a hardware breakpoint or watchpoint, claiming the
// first free debug register slot. kind must be one of HwExecution,
// HwWrite, or HwReadWrite.
func (m *Manager) SetHardware(tid int, addr rerr.VirtualAddress, kind Type, cond *Condition) (*Breakpoint, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if kind == Software {
		return nil, rerr.New(rerr.InvalidArgument, "set_breakpoint", fmt.Errorf("kind must be a hardware breakpoint type"))
	}

	for _, bp := range m.points {
		if bp.Tid == tid && bp.Address == addr && bp.Type == kind {
			return nil, rerr.New(rerr.Duplicate, "set_breakpoint", fmt.Errorf("breakpoint already exists at %s", addr))
		}
	}

	isWatch := kind.isWatchpoint()

	regs, err := m.controller(tid)
	if err != nil {
		return nil, err
	}

	numSlots, err := regs.NumHardwareSlots(isWatch)
	if err != nil {
		return nil, err
	}

	used := m.hwSlotsUsed[tid]
	if used == nil {
		used = map[bool]map[int]bool{false: {}, true: {}}
		m.hwSlotsUsed[tid] = used
	}

	slot := -1
	for i := 0; i < numSlots; i++ {
		if !used[isWatch][i] {
			slot = i
			break
		}
	}
	if slot == -1 {
		return nil, rerr.New(rerr.NoHardwareSlot, "set_breakpoint", fmt.Errorf("no free hardware slot"))
	}

	used[isWatch][slot] = true

	m.nextID++
	bp := &Breakpoint{
		ID:        m.nextID,
		Tid:       tid,
		Address:   addr,
		Type:      kind,
		Condition: cond,
		hwSlot:    slot,
	}
	m.points[bp.ID] = bp
	m.byTid[tid] = append(m.byTid[tid], bp.ID)
	return bp, nil
}

// Enable arms a previously-installed breakpoint.
func (m *Manager) Enable(id int64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	bp, ok := m.points[id]
	if !ok {
		return rerr.New(rerr.NotFound, "enable_breakpoint", fmt.Errorf("no such breakpoint %d", id))
	}
	if bp.Enabled {
		return nil
	}

	if bp.Type == Software {
		var original [4]byte
		_, err := m.mem.Read(bp.Address, original[:])
		if err != nil {
			return err
		}
		bp.originalInstruction = original

		_, err = m.mem.Write(bp.Address, brkInstruction[:])
		if err != nil {
			return err
		}
	} else {
		regs, err := m.controller(bp.Tid)
		if err != nil {
			return err
		}

		ctrl := hardwareControlWord(bp.Type)
		err = regs.SetDebugRegister(bp.Type.isWatchpoint(), bp.hwSlot, uint64(bp.Address), ctrl)
		if err != nil {
			return err
		}
	}

	bp.Enabled = true
	return nil
}

// Disable un-arms a breakpoint without removing it from the manager.
func (m *Manager) Disable(id int64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.disableLocked(id)
}

func (m *Manager) disableLocked(id int64) error {
	bp, ok := m.points[id]
	if !ok {
		return rerr.New(rerr.NotFound, "disable_breakpoint", fmt.Errorf("no such breakpoint %d", id))
	}
	if !bp.Enabled {
		return nil
	}

	if bp.Type == Software {
		_, err := m.mem.Write(bp.Address, bp.originalInstruction[:])
		if err != nil {
			return err
		}
	} else {
		regs, err := m.controller(bp.Tid)
		if err != nil {
			return err
		}
		err = regs.SetDebugRegister(bp.Type.isWatchpoint(), bp.hwSlot, 0, 0)
		if err != nil {
			return err
		}
	}

	bp.Enabled = false
	return nil
}

// Remove disables (if needed, fail-closed: an error here aborts the
// removal rather than silently dropping bookkeeping) and deletes a
// breakpoint.
func (m *Manager) Remove(id int64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	bp, ok := m.points[id]
	if !ok {
		return rerr.New(rerr.NotFound, "remove_breakpoint", fmt.Errorf("no such breakpoint %d", id))
	}

	if bp.Enabled {
		err := m.disableLocked(id)
		if err != nil {
			return err
		}
	}

	if bp.Type != Software {
		if used := m.hwSlotsUsed[bp.Tid]; used != nil {
			delete(used[bp.Type.isWatchpoint()], bp.hwSlot)
		}
	}

	delete(m.points, id)

	ids := m.byTid[bp.Tid]
	for i, existing := range ids {
		if existing == id {
			m.byTid[bp.Tid] = append(ids[:i], ids[i+1:]...)
			break
		}
	}

	return nil
}

// Get returns the breakpoint with the given id.
func (m *Manager) Get(id int64) (*Breakpoint, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	bp, ok := m.points[id]
	if !ok {
		return nil, rerr.New(rerr.NotFound, "get_breakpoint", fmt.Errorf("no such breakpoint %d", id))
	}
	return bp, nil
}

// All lists every installed breakpoint, across all threads.
func (m *Manager) All() []*Breakpoint {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	out := make([]*Breakpoint, 0, len(m.points))
	for _, bp := range m.points {
		out = append(out, bp)
	}
	return out
}

// ByTid lists every breakpoint installed for a specific thread.
func (m *Manager) ByTid(tid int) []*Breakpoint {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	ids := m.byTid[tid]
	out := make([]*Breakpoint, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.points[id])
	}
	return out
}

// AtAddress finds the enabled breakpoint for tid at addr, used to look up
// which site a trap landed on.
func (m *Manager) AtAddress(tid int, addr rerr.VirtualAddress) *Breakpoint {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, id := range m.byTid[tid] {
		bp := m.points[id]
		if bp.Enabled && bp.Address == addr {
			return bp
		}
	}
	return nil
}

// CheckCondition evaluates bp's condition (if any) against the current
// register state of its owning thread. An unconditional breakpoint always
// reports true.
func (m *Manager) CheckCondition(bp *Breakpoint) (bool, error) {
	if bp.Condition == nil {
		return true, nil
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	regs, err := m.controller(bp.Tid)
	if err != nil {
		return false, err
	}

	return bp.Condition.Evaluate(regs)
}

// hardwareControlWord builds the AArch64 debug-register control word per
// original_source/src/breakpoint_manager.hpp's DBGBCR_TYPE_* constants:
// bit 0 enable, bits[2:1] type (00 exec, 01 write, 10 read/write), bit 6
// EL0-enable, bits[13:12] MATCH_FULL (00).
func hardwareControlWord(kind Type) uint32 {
	const (
		enable    = 1 << 0
		el0Enable = 1 << 6
	)

	var typeBits uint32
	switch kind {
	case HwWrite:
		typeBits = 0b01 << 1
	case HwReadWrite:
		typeBits = 0b10 << 1
	default: // HwExecution
		typeBits = 0b00 << 1
	}

	return enable | el0Enable | typeBits
}
