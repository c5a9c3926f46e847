// Package logflags configures one independently-levelled logrus logger
// per subsystem, selected by a comma-separated --log flag value.
//
// Grounded on go-delve/delve's pkg/logflags/logflags.go: the
// flag/makeLogger/per-subsystem-constructor shape is kept nearly
// verbatim, substituting this module's subsystem set (ptrace, memory,
// breakpoint, elf, loader, rpc, debugger) for delve's (gdbwire, rpc,
// minidump, ...).
package logflags

import (
	"errors"
	"log"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	ptraceEnabled     = false
	memoryEnabled     = false
	breakpointEnabled = false
	elfEnabled        = false
	loaderEnabled     = false
	rpcEnabled        = false
	debuggerEnabled   = false
)

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

func Ptrace() bool { return ptraceEnabled }

func PtraceLogger() *logrus.Entry {
	return makeLogger(ptraceEnabled, logrus.Fields{"layer": "ptrace"})
}

func Memory() bool { return memoryEnabled }

func MemoryLogger() *logrus.Entry {
	return makeLogger(memoryEnabled, logrus.Fields{"layer": "memory"})
}

func Breakpoint() bool { return breakpointEnabled }

func BreakpointLogger() *logrus.Entry {
	return makeLogger(breakpointEnabled, logrus.Fields{"layer": "breakpoint"})
}

func Elf() bool { return elfEnabled }

func ElfLogger() *logrus.Entry {
	return makeLogger(elfEnabled, logrus.Fields{"layer": "elf"})
}

func Loader() bool { return loaderEnabled }

func LoaderLogger() *logrus.Entry {
	return makeLogger(loaderEnabled, logrus.Fields{"layer": "loader"})
}

func RPC() bool { return rpcEnabled }

func RPCLogger() *logrus.Entry {
	return makeLogger(rpcEnabled, logrus.Fields{"layer": "rpc"})
}

func Debugger() bool { return debuggerEnabled }

func DebuggerLogger() *logrus.Entry {
	return makeLogger(debuggerEnabled, logrus.Fields{"layer": "debugger"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup enables the subsystems named in logstr (comma-separated) when
// logFlag is set, following delve's Setup(logFlag, logstr) contract.
func Setup(logFlag bool, logstr string, out io.Writer) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if out != nil {
		log.SetOutput(out)
	}

	if logstr == "" {
		logstr = "debugger"
	}
	for _, name := range strings.Split(logstr, ",") {
		switch name {
		case "ptrace":
			ptraceEnabled = true
		case "memory":
			memoryEnabled = true
		case "breakpoint":
			breakpointEnabled = true
		case "elf":
			elfEnabled = true
		case "loader":
			loaderEnabled = true
		case "rpc":
			rpcEnabled = true
		case "debugger":
			debuggerEnabled = true
		}
	}
	return nil
}
