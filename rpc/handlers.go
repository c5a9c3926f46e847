package rpc

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/aarch64rdbg/engine/breakpoint"
	"github.com/aarch64rdbg/engine/rdbg"
	"github.com/aarch64rdbg/engine/registers"
	"github.com/aarch64rdbg/engine/rerr"
)

// splitFields splits content into n whitespace-delimited fields, with the
// last field taking whatever remains (so a trailing field may itself
// contain spaces or raw bytes, e.g. write_memory's payload).
func splitFields(content []byte, n int) []string {
	fields := make([]string, 0, n)
	rest := content
	for i := 0; i < n-1; i++ {
		rest = trimLeadingSpace(rest)
		idx := indexSpace(rest)
		if idx == -1 {
			fields = append(fields, string(rest))
			return fields
		}
		fields = append(fields, string(rest[:idx]))
		rest = rest[idx:]
	}
	fields = append(fields, string(trimLeadingSpace(rest)))
	return fields
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) && b[i] == ' ' {
		i++
	}
	return b[i:]
}

func indexSpace(b []byte) int {
	for i, c := range b {
		if c == ' ' {
			return i
		}
	}
	return -1
}

func requireDebugger(dbg *rdbg.Debugger) error {
	if dbg == nil {
		return rerr.New(rerr.InvalidArgument, "rpc", fmt.Errorf("no active debugger; launch or attach first"))
	}
	return nil
}

func parseAddr(s string) (rerr.VirtualAddress, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, rerr.New(rerr.InvalidArgument, "rpc", fmt.Errorf("invalid address %q: %w", s, err))
	}
	return rerr.VirtualAddress(v), nil
}

// parseCondition parses an optional breakpoint predicate of the form
// "<register> <op> <value>" (op one of eq/ne/lt/gt), the wire encoding of
// spec.md §1's "breakpoints with optional predicates".
func parseCondition(s string) (*breakpoint.Condition, error) {
	parts := strings.Fields(s)
	if len(parts) != 3 {
		return nil, rerr.New(rerr.InvalidArgument, "set_breakpoint", fmt.Errorf("expected condition as <register> <op> <value>, got %q", s))
	}

	var op breakpoint.CompareOp
	switch parts[1] {
	case "eq":
		op = breakpoint.Eq
	case "ne":
		op = breakpoint.Ne
	case "lt":
		op = breakpoint.Lt
	case "gt":
		op = breakpoint.Gt
	default:
		return nil, rerr.New(rerr.InvalidArgument, "set_breakpoint", fmt.Errorf("unknown comparison operator %q", parts[1]))
	}

	value, err := strconv.ParseUint(strings.TrimPrefix(parts[2], "0x"), 16, 64)
	if err != nil {
		return nil, rerr.New(rerr.InvalidArgument, "set_breakpoint", err)
	}

	return &breakpoint.Condition{Register: parts[0], Op: op, Value: value}, nil
}

// RegisterDebuggerHandlers wires every spec.md §6 debugger command into
// server against whatever *rdbg.Debugger is currently installed via
// server.SetDebugger.
func RegisterDebuggerHandlers(server *Server) {
	server.Register("launch", func(dbg *rdbg.Debugger, content []byte) ([]byte, error) {
		fields := splitFields(content, 2)
		if len(fields) < 1 {
			return nil, rerr.New(rerr.InvalidArgument, "launch", fmt.Errorf("missing launch kind"))
		}

		var desc rdbg.LaunchDescriptor
		switch fields[0] {
		case "binary":
			if len(fields) < 2 {
				return nil, rerr.New(rerr.InvalidArgument, "launch", fmt.Errorf("missing binary path"))
			}
			parts := strings.Fields(fields[1])
			if len(parts) == 0 {
				return nil, rerr.New(rerr.InvalidArgument, "launch", fmt.Errorf("empty binary path"))
			}
			desc = rdbg.LaunchBinary{Path: parts[0], Args: parts[1:]}
		case "app":
			parts := strings.Fields(fields[1])
			if len(parts) != 2 {
				return nil, rerr.New(rerr.InvalidArgument, "launch", fmt.Errorf("expected <package> <activity>"))
			}
			desc = rdbg.LaunchApp{Package: parts[0], Activity: parts[1]}
		default:
			return nil, rerr.New(rerr.InvalidArgument, "launch", fmt.Errorf("unknown launch kind %q", fields[0]))
		}

		newDbg, err := rdbg.Launch(desc)
		if err != nil {
			return nil, err
		}
		server.SetDebugger(newDbg)
		return []byte(strconv.Itoa(newDbg.Pid())), nil
	})

	server.Register("attach", func(_ *rdbg.Debugger, content []byte) ([]byte, error) {
		pid, err := strconv.Atoi(strings.TrimSpace(string(content)))
		if err != nil {
			return nil, rerr.New(rerr.InvalidArgument, "attach", err)
		}
		newDbg, err := rdbg.Attach(pid)
		if err != nil {
			return nil, err
		}
		server.SetDebugger(newDbg)
		return []byte(strconv.Itoa(newDbg.Pid())), nil
	})

	server.Register("detach", func(dbg *rdbg.Debugger, _ []byte) ([]byte, error) {
		if err := requireDebugger(dbg); err != nil {
			return nil, err
		}
		if err := dbg.Detach(); err != nil {
			return nil, err
		}
		server.SetDebugger(nil)
		return nil, nil
	})

	server.Register("run", func(dbg *rdbg.Debugger, _ []byte) ([]byte, error) {
		if err := requireDebugger(dbg); err != nil {
			return nil, err
		}
		return nil, dbg.Run()
	})

	server.Register("step", func(dbg *rdbg.Debugger, content []byte) ([]byte, error) {
		if err := requireDebugger(dbg); err != nil {
			return nil, err
		}
		tid := 0
		if s := strings.TrimSpace(string(content)); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				return nil, rerr.New(rerr.InvalidArgument, "step", err)
			}
			tid = n
		}
		return nil, dbg.StepInto(tid)
	})

	server.Register("read_memory", func(dbg *rdbg.Debugger, content []byte) ([]byte, error) {
		if err := requireDebugger(dbg); err != nil {
			return nil, err
		}
		fields := splitFields(content, 2)
		if len(fields) != 2 {
			return nil, rerr.New(rerr.InvalidArgument, "read_memory", fmt.Errorf("expected <addr> <size>"))
		}
		addr, err := parseAddr(fields[0])
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, rerr.New(rerr.InvalidArgument, "read_memory", err)
		}
		return dbg.Memory().Dump(addr, size)
	})

	server.Register("write_memory", func(dbg *rdbg.Debugger, content []byte) ([]byte, error) {
		if err := requireDebugger(dbg); err != nil {
			return nil, err
		}
		fields := splitFields(content, 2)
		if len(fields) != 2 {
			return nil, rerr.New(rerr.InvalidArgument, "write_memory", fmt.Errorf("expected <addr> <data>"))
		}
		addr, err := parseAddr(fields[0])
		if err != nil {
			return nil, err
		}
		n, err := dbg.Memory().Write(addr, []byte(fields[1]))
		if err != nil {
			return nil, err
		}
		return []byte(strconv.Itoa(n)), nil
	})

	server.Register("read_register", func(dbg *rdbg.Debugger, content []byte) ([]byte, error) {
		if err := requireDebugger(dbg); err != nil {
			return nil, err
		}
		fields := splitFields(content, 2)
		if len(fields) != 2 {
			return nil, rerr.New(rerr.InvalidArgument, "read_register", fmt.Errorf("expected <tid> <name>"))
		}
		tid, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, rerr.New(rerr.InvalidArgument, "read_register", err)
		}
		regs, err := dbg.Registers(tid)
		if err != nil {
			return nil, err
		}

		spec, ok := registers.ByName(fields[1])
		if !ok {
			return nil, rerr.New(rerr.InvalidArgument, "read_register", fmt.Errorf("no such register %q", fields[1]))
		}

		var value registers.Value
		if spec.Kind == registers.GPR {
			value, err = regs.GetGPR(fields[1])
		} else {
			value, err = regs.GetFPR(fields[1])
		}
		if err != nil {
			return nil, err
		}
		return []byte(value.String()), nil
	})

	server.Register("write_register", func(dbg *rdbg.Debugger, content []byte) ([]byte, error) {
		if err := requireDebugger(dbg); err != nil {
			return nil, err
		}
		fields := splitFields(content, 3)
		if len(fields) != 3 {
			return nil, rerr.New(rerr.InvalidArgument, "write_register", fmt.Errorf("expected <tid> <name> <value>"))
		}
		tid, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, rerr.New(rerr.InvalidArgument, "write_register", err)
		}
		regs, err := dbg.Registers(tid)
		if err != nil {
			return nil, err
		}

		spec, ok := registers.ByName(fields[1])
		if !ok {
			return nil, rerr.New(rerr.InvalidArgument, "write_register", fmt.Errorf("no such register %q", fields[1]))
		}

		raw, err := strconv.ParseUint(strings.TrimPrefix(fields[2], "0x"), 16, 64)
		if err != nil {
			return nil, rerr.New(rerr.InvalidArgument, "write_register", err)
		}

		if spec.Kind == registers.GPR {
			err = regs.SetGPR(fields[1], registers.U64(raw))
		} else {
			err = regs.SetFPR(fields[1], registers.U64(raw))
		}
		return nil, err
	})

	server.Register("set_breakpoint", func(dbg *rdbg.Debugger, content []byte) ([]byte, error) {
		if err := requireDebugger(dbg); err != nil {
			return nil, err
		}
		fields := splitFields(content, 4)
		if len(fields) < 3 {
			return nil, rerr.New(rerr.InvalidArgument, "set_breakpoint", fmt.Errorf("expected <tid> <addr> <kind> [register op value]"))
		}
		tid, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, rerr.New(rerr.InvalidArgument, "set_breakpoint", err)
		}
		addr, err := parseAddr(fields[1])
		if err != nil {
			return nil, err
		}

		var cond *breakpoint.Condition
		if len(fields) == 4 && strings.TrimSpace(fields[3]) != "" {
			cond, err = parseCondition(fields[3])
			if err != nil {
				return nil, err
			}
		}

		var bp *breakpoint.Breakpoint
		switch fields[2] {
		case "software":
			bp, err = dbg.Breakpoints().SetSoftware(tid, addr, cond)
		case "hardware", "hw_execution":
			bp, err = dbg.Breakpoints().SetHardware(tid, addr, breakpoint.HwExecution, cond)
		case "hw_write":
			bp, err = dbg.Breakpoints().SetHardware(tid, addr, breakpoint.HwWrite, cond)
		case "watch", "hw_readwrite":
			bp, err = dbg.Breakpoints().SetHardware(tid, addr, breakpoint.HwReadWrite, cond)
		default:
			return nil, rerr.New(rerr.InvalidArgument, "set_breakpoint", fmt.Errorf("unknown breakpoint kind %q", fields[2]))
		}
		if err != nil {
			return nil, err
		}

		if err := dbg.Breakpoints().Enable(bp.ID); err != nil {
			return nil, err
		}
		return []byte(strconv.FormatInt(bp.ID, 10)), nil
	})

	server.Register("remove_breakpoint", breakpointIDHandler(func(dbg *rdbg.Debugger, id int64) error {
		return dbg.Breakpoints().Remove(id)
	}))
	server.Register("enable_breakpoint", breakpointIDHandler(func(dbg *rdbg.Debugger, id int64) error {
		return dbg.Breakpoints().Enable(id)
	}))
	server.Register("disable_breakpoint", breakpointIDHandler(func(dbg *rdbg.Debugger, id int64) error {
		return dbg.Breakpoints().Disable(id)
	}))

	server.Register("list_breakpoints", func(dbg *rdbg.Debugger, _ []byte) ([]byte, error) {
		if err := requireDebugger(dbg); err != nil {
			return nil, err
		}
		var sb strings.Builder
		for _, bp := range dbg.Breakpoints().All() {
			fmt.Fprintf(&sb, "%d %s %s %v\n", bp.ID, bp.Address, bp.Type, bp.Enabled)
		}
		return []byte(sb.String()), nil
	})

	server.Register("search_memory", func(dbg *rdbg.Debugger, content []byte) ([]byte, error) {
		if err := requireDebugger(dbg); err != nil {
			return nil, err
		}
		pattern, err := hex.DecodeString(strings.TrimSpace(string(content)))
		if err != nil {
			return nil, rerr.New(rerr.InvalidArgument, "search_memory", err)
		}
		matches, err := dbg.Memory().Search(pattern)
		if err != nil {
			return nil, err
		}
		var sb strings.Builder
		for _, m := range matches {
			fmt.Fprintf(&sb, "%s\n", m)
		}
		return []byte(sb.String()), nil
	})

	server.Register("dump_memory", func(dbg *rdbg.Debugger, content []byte) ([]byte, error) {
		if err := requireDebugger(dbg); err != nil {
			return nil, err
		}
		fields := splitFields(content, 2)
		if len(fields) != 2 {
			return nil, rerr.New(rerr.InvalidArgument, "dump_memory", fmt.Errorf("expected <addr> <size>"))
		}
		addr, err := parseAddr(fields[0])
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, rerr.New(rerr.InvalidArgument, "dump_memory", err)
		}
		return dbg.Memory().Dump(addr, size)
	})

	server.Register("allocate_memory", func(dbg *rdbg.Debugger, content []byte) ([]byte, error) {
		if err := requireDebugger(dbg); err != nil {
			return nil, err
		}
		fields := splitFields(content, 3)
		if len(fields) != 3 {
			return nil, rerr.New(rerr.InvalidArgument, "allocate_memory", fmt.Errorf("expected <size> <hint_addr> <prot>"))
		}
		size, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return nil, rerr.New(rerr.InvalidArgument, "allocate_memory", err)
		}
		hintAddr, err := parseAddr(fields[1])
		if err != nil {
			return nil, err
		}
		prot, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, rerr.New(rerr.InvalidArgument, "allocate_memory", err)
		}

		addr, err := dbg.Memory().Allocate(size, hintAddr, prot)
		if err != nil {
			return nil, err
		}
		return []byte(addr.String()), nil
	})

	server.Register("free_memory", func(dbg *rdbg.Debugger, content []byte) ([]byte, error) {
		if err := requireDebugger(dbg); err != nil {
			return nil, err
		}
		fields := splitFields(content, 2)
		if len(fields) != 2 {
			return nil, rerr.New(rerr.InvalidArgument, "free_memory", fmt.Errorf("expected <addr> <size>"))
		}
		addr, err := parseAddr(fields[0])
		if err != nil {
			return nil, err
		}
		size, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, rerr.New(rerr.InvalidArgument, "free_memory", err)
		}
		return nil, dbg.Memory().Free(addr, size)
	})

	server.Register("disassemble", func(dbg *rdbg.Debugger, content []byte) ([]byte, error) {
		if err := requireDebugger(dbg); err != nil {
			return nil, err
		}
		fields := splitFields(content, 2)
		if len(fields) != 2 {
			return nil, rerr.New(rerr.InvalidArgument, "disassemble", fmt.Errorf("expected <addr> <count>"))
		}
		addr, err := parseAddr(fields[0])
		if err != nil {
			return nil, err
		}
		count, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, rerr.New(rerr.InvalidArgument, "disassemble", err)
		}

		instructions, err := dbg.Disassemble(addr, count)
		if err != nil {
			return nil, err
		}
		var sb strings.Builder
		for _, inst := range instructions {
			fmt.Fprintf(&sb, "%s: %s (%s)\n", inst.Address, inst.Text, inst.Class)
		}
		return []byte(sb.String()), nil
	})

	server.Register("inject_elf", func(dbg *rdbg.Debugger, content []byte) ([]byte, error) {
		if err := requireDebugger(dbg); err != nil {
			return nil, err
		}
		id, img, err := dbg.InjectELF(content)
		if err != nil {
			return nil, err
		}
		return []byte(fmt.Sprintf("%d %s", id, img.EntryPoint())), nil
	})
}

func breakpointIDHandler(fn func(dbg *rdbg.Debugger, id int64) error) Handler {
	return func(dbg *rdbg.Debugger, content []byte) ([]byte, error) {
		if err := requireDebugger(dbg); err != nil {
			return nil, err
		}
		id, err := strconv.ParseInt(strings.TrimSpace(string(content)), 10, 64)
		if err != nil {
			return nil, rerr.New(rerr.InvalidArgument, "breakpoint", err)
		}
		if err := fn(dbg, id); err != nil {
			return nil, err
		}
		return nil, nil
	}
}
