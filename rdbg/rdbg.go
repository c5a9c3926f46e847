// Package rdbg implements the top-level debugger controller (spec.md
// §4.8): launching or attaching to a target, tracking its threads, and
// wiring together the registers/memory/breakpoint/disasm/loader packages
// into the operations the rpc layer exposes.
//
// Grounded on debugger/debugger.go's AttachTo/StartAndAttachTo/Close
// shape and its multi-TID wait-loop idea, scaled down to the subset
// spec.md names: no DWARF, no expression evaluation, no call-stack
// unwinding, no shared-library rendezvous tracking (all explicit
// non-goals or out of spec.md's scope).
package rdbg

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/aarch64rdbg/engine/breakpoint"
	"github.com/aarch64rdbg/engine/disasm"
	"github.com/aarch64rdbg/engine/elf"
	"github.com/aarch64rdbg/engine/loader"
	"github.com/aarch64rdbg/engine/logflags"
	"github.com/aarch64rdbg/engine/memory"
	"github.com/aarch64rdbg/engine/procfs"
	"github.com/aarch64rdbg/engine/ptrace"
	"github.com/aarch64rdbg/engine/registers"
	"github.com/aarch64rdbg/engine/rerr"
)

// LaunchDescriptor is a sealed two-case union: either start a binary
// directly, or start a platform app by package/activity and attach once
// the activity-manager helper has stopped it.
type LaunchDescriptor interface {
	isLaunchDescriptor()
}

type LaunchBinary struct {
	Path string
	Args []string
}

func (LaunchBinary) isLaunchDescriptor() {}

type LaunchApp struct {
	Package  string
	Activity string
}

func (LaunchApp) isLaunchDescriptor() {}

// defaultPtraceOptions mirrors spec.md §4.8's attach/launch option set:
// trace exit, clone, exec, fork, vfork, vfork-done.
const defaultPtraceOptions = ptrace.O_TRACEEXIT | ptrace.O_TRACECLONE |
	ptrace.O_TRACEEXEC | ptrace.O_TRACEFORK | ptrace.O_TRACEVFORK |
	ptrace.O_TRACEVFORKDONE

// thread is everything tracked per traced tid.
type thread struct {
	tid     int
	tracer  *ptrace.Tracer
	regs    *registers.Controller
}

// Debugger is the top-level controller for one traced (or launched)
// process.
type Debugger struct {
	mutex sync.Mutex

	pid         int
	leadTid     int
	ownsProcess bool
	cmd         *exec.Cmd

	threads map[int]*thread

	mem         *memory.VirtualMemory
	breakpoints *breakpoint.Manager
	images      map[uint64]*loader.Image
	nextImageID uint64
}

// Launch starts a new target per desc and attaches to it.
func Launch(desc LaunchDescriptor) (*Debugger, error) {
	switch d := desc.(type) {
	case LaunchBinary:
		return launchBinary(d)
	case LaunchApp:
		return launchApp(d)
	default:
		return nil, rerr.New(rerr.InvalidArgument, "launch", fmt.Errorf("unknown launch descriptor %T", desc))
	}
}

func launchBinary(d LaunchBinary) (*Debugger, error) {
	if d.Path == "" {
		return nil, rerr.New(rerr.InvalidArgument, "launch", fmt.Errorf("empty binary path"))
	}

	var tracer *ptrace.Tracer
	var cmd *exec.Cmd
	var err error

	const maxRetries = 3
	for attempt := 0; attempt < maxRetries; attempt++ {
		cmd = exec.Command(d.Path, d.Args...)
		tracer, err = ptrace.StartAndAttachToProcess(cmd)
		if err == nil {
			break
		}
		if !isTextBusy(err) {
			return nil, rerr.New(rerr.IoFailure, "launch", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		return nil, rerr.New(rerr.IoFailure, "launch", err)
	}

	pid := tracer.Pid
	if _, err := waitStopped(pid); err != nil {
		return nil, rerr.New(rerr.IoFailure, "launch", err)
	}
	if err := tracer.SetOptions(defaultPtraceOptions); err != nil {
		return nil, rerr.New(rerr.IoFailure, "launch", err)
	}

	dbg := newDebugger(pid, true)
	dbg.cmd = cmd
	dbg.addThread(pid, tracer)
	logflags.DebuggerLogger().Debugf("launched pid %d (%s)", pid, d.Path)
	return dbg, nil
}

func isTextBusy(err error) bool {
	return errors.Is(err, syscall.ETXTBSY)
}

// launchApp starts the platform activity-manager helper in a stopped
// state and polls for the resulting process, matching spec.md §4.8's
// "am start -D" + poll-for-stopped-cmdline behavior. The helper itself is
// always killed once the search concludes (success or failure), since its
// only job is to hand off to the app process.
func launchApp(d LaunchApp) (*Debugger, error) {
	if d.Package == "" || d.Activity == "" {
		return nil, rerr.New(rerr.InvalidArgument, "launch", fmt.Errorf("empty package/activity"))
	}

	component := d.Package + "/" + d.Activity
	helper := exec.Command("am", "start", "-D", "-n", component)
	if err := helper.Start(); err != nil {
		return nil, rerr.New(rerr.IoFailure, "launch", err)
	}
	defer func() {
		_ = helper.Process.Kill()
		_, _ = helper.Process.Wait()
	}()

	const pollInterval = 100 * time.Millisecond
	const maxPolls = 20

	var foundPid int
	for i := 0; i < maxPolls; i++ {
		time.Sleep(pollInterval)

		pid, ok, err := findStoppedAppProcess(d.Package)
		if err != nil {
			continue
		}
		if ok {
			foundPid = pid
			break
		}
	}

	if foundPid == 0 {
		return nil, rerr.New(rerr.NotFound, "launch", fmt.Errorf("no stopped process found for package %s", d.Package))
	}

	return Attach(foundPid)
}

// findStoppedAppProcess walks every numeric pid under /proc, matching
// cmdline/comm against pkg and requiring a stopped ("T"/"t") state, per
// spec.md §4.8.
func findStoppedAppProcess(pkg string) (int, bool, error) {
	pids, err := listAllProcesses()
	if err != nil {
		return 0, false, err
	}

	for _, pid := range pids {
		cmdline, err := procfs.Cmdline(pid)
		if err != nil {
			continue
		}
		comm, _ := procfs.Comm(pid)

		if !containsPackage(cmdline, pkg) && !containsPackage(comm, pkg) {
			continue
		}

		status, err := procfs.GetProcessStatus(pid)
		if err != nil {
			continue
		}
		if status.State == procfs.TracingStop {
			return pid, true, nil
		}
	}

	return 0, false, nil
}

func containsPackage(haystack, pkg string) bool {
	if haystack == "" || pkg == "" {
		return false
	}
	return indexOf(haystack, pkg) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

// Attach enumerates pid's current tasks and attaches to every numeric
// tid, succeeding if at least one attach succeeds.
func Attach(pid int) (*Debugger, error) {
	tids, err := procfs.ListTasks(pid)
	if err != nil {
		return nil, rerr.New(rerr.IoFailure, "attach", err)
	}
	if len(tids) == 0 {
		tids = []int{pid}
	}

	dbg := newDebugger(pid, false)

	var lastErr error
	attached := 0
	for _, tid := range tids {
		tracer, err := ptrace.AttachToProcess(tid)
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := waitStopped(tid); err != nil {
			lastErr = err
			continue
		}
		if err := tracer.SetOptions(defaultPtraceOptions); err != nil {
			lastErr = err
			continue
		}

		dbg.addThread(tid, tracer)
		attached++
	}

	if attached == 0 {
		return nil, rerr.New(rerr.IoFailure, "attach", fmt.Errorf("failed to attach to any thread of %d: %w", pid, lastErr))
	}

	logflags.DebuggerLogger().Debugf("attached to pid %d (%d/%d threads)", pid, attached, len(tids))
	return dbg, nil
}

func newDebugger(pid int, ownsProcess bool) *Debugger {
	return &Debugger{
		pid:         pid,
		leadTid:     pid,
		ownsProcess: ownsProcess,
		threads:     map[int]*thread{},
		images:      map[uint64]*loader.Image{},
	}
}

func (dbg *Debugger) addThread(tid int, tracer *ptrace.Tracer) {
	dbg.mutex.Lock()
	defer dbg.mutex.Unlock()

	regs := registers.New(tracer)
	dbg.threads[tid] = &thread{tid: tid, tracer: tracer, regs: regs}

	if dbg.mem == nil {
		dbg.mem = memory.New(dbg.pid, tracer, regs)
		regsByTid := map[int]*registers.Controller{tid: regs}
		dbg.breakpoints = breakpoint.NewManager(dbg.mem, regsByTid)
	} else {
		dbg.breakpoints.RegisterThread(tid, regs)
	}
}

func waitStopped(pid int) (syscall.WaitStatus, error) {
	var status syscall.WaitStatus
	_, err := syscall.Wait4(pid, &status, 0, nil)
	if err != nil {
		return status, fmt.Errorf("wait4 failed for %d: %w", pid, err)
	}
	if !status.Stopped() {
		return status, fmt.Errorf("pid %d did not stop (status %v)", pid, status)
	}
	return status, nil
}

// Detach detaches from every tracked tid. Failures are reported, but
// per-thread state is only cleared for threads that detached
// successfully, so a partial failure leaves the remainder attached and
// inspectable.
func (dbg *Debugger) Detach() error {
	dbg.mutex.Lock()
	defer dbg.mutex.Unlock()

	var firstErr error
	for tid, th := range dbg.threads {
		if err := th.tracer.Detach(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delete(dbg.threads, tid)
	}

	if firstErr != nil {
		return rerr.New(rerr.IoFailure, "detach", firstErr)
	}
	return nil
}

// Run continues every tracked tid, succeeding if any one resumes.
func (dbg *Debugger) Run() error {
	dbg.mutex.Lock()
	threads := make([]*thread, 0, len(dbg.threads))
	for _, th := range dbg.threads {
		threads = append(threads, th)
	}
	dbg.mutex.Unlock()

	var lastErr error
	resumed := 0
	for _, th := range threads {
		if err := th.tracer.Resume(0); err != nil {
			lastErr = err
			continue
		}
		resumed++
	}

	if resumed == 0 {
		return rerr.New(rerr.IoFailure, "run", fmt.Errorf("failed to resume any thread: %w", lastErr))
	}
	return nil
}

// StepInto single-steps tid (defaulting to the lead tid when tid == 0)
// and waits for the resulting stop.
func (dbg *Debugger) StepInto(tid int) error {
	if tid == 0 {
		tid = dbg.leadTid
	}

	dbg.mutex.Lock()
	th, ok := dbg.threads[tid]
	dbg.mutex.Unlock()
	if !ok {
		return rerr.New(rerr.NotFound, "step_into", fmt.Errorf("no such thread %d", tid))
	}

	if err := th.tracer.SingleStep(); err != nil {
		return rerr.New(rerr.IoFailure, "step_into", err)
	}
	if _, err := waitStopped(tid); err != nil {
		return rerr.New(rerr.IoFailure, "step_into", err)
	}
	return nil
}

// StepOver is not yet specified by spec.md; treated as unsupported.
func (dbg *Debugger) StepOver() error {
	return rerr.New(rerr.Unsupported, "step_over", fmt.Errorf("step_over is not specified"))
}

func (dbg *Debugger) Memory() *memory.VirtualMemory {
	return dbg.mem
}

func (dbg *Debugger) Breakpoints() *breakpoint.Manager {
	return dbg.breakpoints
}

// Registers returns the register controller for tid (0 = lead thread).
func (dbg *Debugger) Registers(tid int) (*registers.Controller, error) {
	if tid == 0 {
		tid = dbg.leadTid
	}

	dbg.mutex.Lock()
	defer dbg.mutex.Unlock()

	th, ok := dbg.threads[tid]
	if !ok {
		return nil, rerr.New(rerr.NotFound, "registers", fmt.Errorf("no such thread %d", tid))
	}
	return th.regs, nil
}

// Disassemble decodes count instructions starting at addr.
func (dbg *Debugger) Disassemble(addr rerr.VirtualAddress, count int) ([]disasm.Instruction, error) {
	mem := make([]byte, count*4)
	n, err := dbg.mem.Read(addr, mem)
	if err != nil {
		return nil, err
	}
	return disasm.DecodeN(addr, mem[:n], count)
}

// InjectELF parses and loads an ELF image into the tracee, returning an
// opaque image id used by UnloadELF.
func (dbg *Debugger) InjectELF(content []byte) (uint64, *loader.Image, error) {
	file, err := elf.ParseBytes(content)
	if err != nil {
		return 0, nil, rerr.New(rerr.InvalidFormat, "inject_elf", err)
	}

	img, err := loader.Load(dbg.mem, file)
	if err != nil {
		return 0, nil, err
	}

	dbg.mutex.Lock()
	dbg.nextImageID++
	id := dbg.nextImageID
	dbg.images[id] = img
	dbg.mutex.Unlock()

	return id, img, nil
}

// UnloadELF frees every region a previously injected image occupies.
func (dbg *Debugger) UnloadELF(id uint64) error {
	dbg.mutex.Lock()
	img, ok := dbg.images[id]
	if ok {
		delete(dbg.images, id)
	}
	dbg.mutex.Unlock()

	if !ok {
		return rerr.New(rerr.NotFound, "unload_elf", fmt.Errorf("no such image %d", id))
	}
	return img.Unload(dbg.mem)
}

// Pid returns the traced process's main pid.
func (dbg *Debugger) Pid() int {
	return dbg.pid
}

// Threads lists every currently-tracked tid.
func (dbg *Debugger) Threads() []int {
	dbg.mutex.Lock()
	defer dbg.mutex.Unlock()

	out := make([]int, 0, len(dbg.threads))
	for tid := range dbg.threads {
		out = append(out, tid)
	}
	return out
}

// listAllProcesses enumerates every numeric /proc/<pid> entry, the
// process-wide analogue of procfs.ListTasks (which walks one process's
// /proc/<pid>/task/<tid> instead).
func listAllProcesses() ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("failed to read /proc: %w", err)
	}

	var pids []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}
