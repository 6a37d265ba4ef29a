// Package proc provides functions for launching and manipulating a
// traced process during the debug session.
package proc

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"github.com/sirupsen/logrus"
	sys "golang.org/x/sys/unix"

	"github.com/tinydbg/tinydbg/pkg/logflags"
)

const (
	personalityGetPersonality = 0xffffffff // argument to pass to personality syscall to get the current personality
	_ADDR_NO_RANDOMIZE        = 0x0040000  // ADDR_NO_RANDOMIZE linux constant
)

// processState tracks where the tracee is in its lifecycle.
type processState int

const (
	// stateLaunched means the child has been forked and has exec'd
	// but the engine has not yet observed the post-exec stop.
	stateLaunched processState = iota
	// stateStopped means the tracee is stopped and may be inspected
	// and modified. All operator commands run in this state.
	stateStopped
	// stateRunning means the tracee is executing and the engine is
	// blocked in wait.
	stateRunning
	// stateDead means the tracee has exited or been killed.
	stateDead
)

// Process represents the traced process. It owns the pid, the load
// address, the breakpoint map and the caches of the DWARF facade and
// the disassembly index.
type Process struct {
	Pid         int
	LoadAddr    uint64
	BinInfo     *BinaryInfo
	Disasm      *DisasmIndex
	Breakpoints map[uint64]*Breakpoint

	state  processState
	status int
	logger *logrus.Entry
}

// ProcessExitedError indicates that the tracee has exited and contains
// both process id and exit status.
type ProcessExitedError struct {
	Pid    int
	Status int
}

func (pe ProcessExitedError) Error() string {
	return fmt.Sprintf("process %d has exited with status %d", pe.Pid, pe.Status)
}

// Launch creates and begins debugging a new process. The first entry in
// cmd is the program to run, the rest are its arguments. Address-space
// layout randomization is disabled for the child by flipping the
// engine's own personality around the fork; the child inherits it.
func Launch(cmd []string) (*Process, error) {
	// All ptrace requests must come from the thread that attached.
	runtime.LockOSThread()

	oldPersonality, _, perr := syscall.Syscall(sys.SYS_PERSONALITY, personalityGetPersonality, 0, 0)
	if perr == syscall.Errno(0) {
		newPersonality := oldPersonality | _ADDR_NO_RANDOMIZE
		syscall.Syscall(sys.SYS_PERSONALITY, newPersonality, 0, 0)
		defer syscall.Syscall(sys.SYS_PERSONALITY, oldPersonality, 0, 0)
	}

	process := exec.Command(cmd[0])
	process.Args = cmd
	process.Stdout = os.Stdout
	process.Stderr = os.Stderr
	process.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := process.Start(); err != nil {
		return nil, err
	}

	p := &Process{
		Pid:         process.Process.Pid,
		Breakpoints: make(map[uint64]*Breakpoint),
		state:       stateLaunched,
		logger:      logflags.DebuggerLogger(),
	}

	// First stop at exec.
	if _, err := wait(p.Pid); err != nil {
		return nil, fmt.Errorf("waiting for target execve failed: %v", err)
	}
	p.state = stateStopped

	bi, err := LoadBinaryInfo(cmd[0])
	if err != nil {
		p.Kill()
		return nil, err
	}
	p.BinInfo = bi

	if bi.ElfType == elf.ET_DYN {
		loadAddr, err := runtimeLoadAddress(p.Pid)
		if err != nil {
			p.Kill()
			return nil, fmt.Errorf("could not read load address: %v", err)
		}
		p.LoadAddr = loadAddr
	}

	disasm, err := LoadDisasm(cmd[0], p.LoadAddr)
	if err != nil {
		p.Kill()
		return nil, err
	}
	p.Disasm = disasm

	p.logger.Debugf("launched pid %d load address %#x", p.Pid, p.LoadAddr)
	return p, nil
}

// Exited reports whether the tracee is gone.
func (p *Process) Exited() bool {
	return p.state == stateDead
}

// ExitStatus returns the tracee's exit status once it is dead.
func (p *Process) ExitStatus() int {
	return p.status
}

// Kill stops the tracee with SIGKILL and reaps it.
func (p *Process) Kill() error {
	if p.state == stateDead {
		return nil
	}
	if err := sys.Kill(p.Pid, sys.SIGKILL); err != nil {
		return err
	}
	status, err := wait(p.Pid)
	if err != nil {
		return err
	}
	p.state = stateDead
	if status.Exited() {
		p.status = status.ExitStatus()
	}
	return nil
}

// ToLiveAddress converts a DWARF-relative address to a live tracee
// address.
func (p *Process) ToLiveAddress(addr uint64) uint64 {
	return addr + p.LoadAddr
}

// ToDwarfAddress converts a live tracee address to a DWARF-relative one.
func (p *Process) ToDwarfAddress(addr uint64) uint64 {
	return addr - p.LoadAddr
}

// PC returns the tracee's instruction pointer.
func (p *Process) PC() (uint64, error) {
	return GetRegister(p.Pid, Rip)
}

// SetPC writes the tracee's instruction pointer.
func (p *Process) SetPC(pc uint64) error {
	return SetRegister(p.Pid, Rip, pc)
}

// FramePointer returns the tracee's rbp.
func (p *Process) FramePointer() (uint64, error) {
	return GetRegister(p.Pid, Rbp)
}

// StackPointer returns the tracee's rsp.
func (p *Process) StackPointer() (uint64, error) {
	return GetRegister(p.Pid, Rsp)
}

// CurrentLine returns the source line number for the current PC.
func (p *Process) CurrentLine() (int, error) {
	entry, err := p.CurrentLineEntry()
	if err != nil {
		return 0, err
	}
	return entry.Line, nil
}

// CurrentLineEntry returns the DWARF line table entry for the current
// PC.
func (p *Process) CurrentLineEntry() (dwarf.LineEntry, error) {
	pc, err := p.PC()
	if err != nil {
		return dwarf.LineEntry{}, err
	}
	return p.BinInfo.LineEntryForPC(p.ToDwarfAddress(pc))
}

// handleStop classifies the wait status and the delivered signal after
// every wait. A breakpoint trap leaves the PC one past the trap byte,
// so it is moved back onto the breakpoint's address.
func (p *Process) handleStop(status sys.WaitStatus) error {
	if status.Exited() {
		p.state = stateDead
		p.status = status.ExitStatus()
		return ProcessExitedError{Pid: p.Pid, Status: p.status}
	}
	if status.Signaled() {
		p.state = stateDead
		p.status = 128 + int(status.Signal())
		return ProcessExitedError{Pid: p.Pid, Status: p.status}
	}
	p.state = stateStopped
	sig := status.StopSignal()
	switch sig {
	case sys.SIGTRAP:
		si, err := ptraceGetSiginfo(p.Pid)
		if err != nil {
			return err
		}
		switch si.code {
		case siKernel, trapBrkpt:
			pc, err := p.PC()
			if err != nil {
				return err
			}
			if err := p.SetPC(pc - 1); err != nil {
				return err
			}
			p.logger.Debugf("hit breakpoint at %#x", pc-1)
		case trapTrace:
			// Single-step trap, nothing to adjust.
		default:
			p.logger.Debugf("SIGTRAP with si_code %d", si.code)
		}
	case sys.SIGSEGV:
		fmt.Fprintf(os.Stderr, "tracee received SIGSEGV (%s)\n", segvReason(p.Pid))
	default:
		fmt.Fprintf(os.Stderr, "tracee received signal %s\n", sig)
	}
	return nil
}

func segvReason(pid int) string {
	si, err := ptraceGetSiginfo(pid)
	if err != nil {
		return "unknown"
	}
	switch si.code {
	case 1:
		return "address not mapped"
	case 2:
		return "invalid permissions"
	}
	return fmt.Sprintf("si_code %d", si.code)
}

// stepInstructionRaw issues one hardware single-step and waits. It
// makes no assumption about breakpoints.
func (p *Process) stepInstructionRaw() error {
	if err := ptraceSingleStep(p.Pid); err != nil {
		return err
	}
	p.state = stateRunning
	status, err := wait(p.Pid)
	if err != nil {
		return err
	}
	return p.handleStop(status)
}

// stepOverBreakpoint transparently executes the instruction hidden
// behind an enabled breakpoint at the current PC: disable, single-step,
// re-enable. If the PC is not on an enabled breakpoint it does nothing.
// The breakpoint map is unchanged in either case.
func (p *Process) stepOverBreakpoint() error {
	pc, err := p.PC()
	if err != nil {
		return err
	}
	bp, ok := p.Breakpoints[pc]
	if !ok || !bp.Enabled() {
		return nil
	}
	if err := bp.Disable(p.Pid); err != nil {
		return err
	}
	stepErr := p.stepInstructionRaw()
	if p.state != stateDead {
		if err := bp.Enable(p.Pid); err != nil {
			return err
		}
	}
	return stepErr
}

// StepInstruction advances the tracee by exactly one instruction,
// transparently handling a breakpoint at the current PC.
func (p *Process) StepInstruction() error {
	if p.state == stateDead {
		return ProcessExitedError{Pid: p.Pid, Status: p.status}
	}
	pc, err := p.PC()
	if err != nil {
		return err
	}
	if bp, ok := p.Breakpoints[pc]; ok && bp.Enabled() {
		return p.stepOverBreakpoint()
	}
	return p.stepInstructionRaw()
}

// Continue resumes the tracee until the next stop.
func (p *Process) Continue() error {
	if p.state == stateDead {
		return ProcessExitedError{Pid: p.Pid, Status: p.status}
	}
	if err := p.stepOverBreakpoint(); err != nil {
		return err
	}
	if p.state == stateDead {
		return ProcessExitedError{Pid: p.Pid, Status: p.status}
	}
	if err := ptraceCont(p.Pid, 0); err != nil {
		return err
	}
	p.state = stateRunning
	status, err := wait(p.Pid)
	if err != nil {
		return err
	}
	return p.handleStop(status)
}

// Step advances the tracee to a different source line, descending into
// callees. PC ranges not covered by any compilation unit are stepped
// through without failing the command.
func (p *Process) Step() error {
	startLine := -1
	if entry, err := p.CurrentLineEntry(); err == nil {
		startLine = entry.Line
	}
	for {
		if err := p.StepInstruction(); err != nil {
			return err
		}
		entry, err := p.CurrentLineEntry()
		if err != nil {
			// Uncovered PC (library code), keep going.
			continue
		}
		if entry.Line != startLine {
			return nil
		}
	}
}

// Next advances the tracee to the next line table entry of the current
// compilation unit without entering callees, using a one-shot
// breakpoint. When the current line is the last entry of its sequence
// it behaves like StepOut.
func (p *Process) Next() error {
	pc, err := p.PC()
	if err != nil {
		return err
	}
	next, ok, err := p.BinInfo.NextLineEntry(p.ToDwarfAddress(pc))
	if err != nil {
		return err
	}
	if !ok {
		return p.StepOut()
	}
	return p.continueToAddress(p.ToLiveAddress(next.Address))
}

// StepOut resumes the tracee until the current function returns, using
// a one-shot breakpoint on the return address found in the frame's
// return slot.
func (p *Process) StepOut() error {
	fp, err := p.FramePointer()
	if err != nil {
		return err
	}
	retAddr, err := PeekMemory(p.Pid, fp+8)
	if err != nil {
		return err
	}
	return p.continueToAddress(retAddr)
}

// continueToAddress continues to target behind a one-shot breakpoint.
// An operator breakpoint already present at target is reused and never
// removed.
func (p *Process) continueToAddress(target uint64) error {
	ours := false
	if _, exists := p.Breakpoints[target]; !exists {
		if err := p.setBreakpoint(target); err != nil {
			return err
		}
		ours = true
	}
	contErr := p.Continue()
	if ours {
		if p.state == stateDead {
			// The tracee is gone, there is no memory to
			// restore.
			delete(p.Breakpoints, target)
		} else if err := p.ClearBreakpoint(target); err != nil {
			return err
		}
	}
	return contErr
}

// SetBreakpointAtAddress sets a breakpoint at an operator-supplied
// address, which is relative to the link-time base.
func (p *Process) SetBreakpointAtAddress(addr uint64) (uint64, error) {
	live := p.ToLiveAddress(addr)
	return live, p.setBreakpoint(live)
}

// SetBreakpointAtLine sets a breakpoint at the statement boundary of a
// source line.
func (p *Process) SetBreakpointAtLine(file string, line int) (uint64, error) {
	addr, err := p.BinInfo.LineAddr(file, line)
	if err != nil {
		return 0, err
	}
	live := p.ToLiveAddress(addr)
	return live, p.setBreakpoint(live)
}

// SetBreakpointAtFunction sets a breakpoint past the prologue of the
// named function.
func (p *Process) SetBreakpointAtFunction(name string) (uint64, error) {
	addr, err := p.BinInfo.FuncEntryAddr(name)
	if err != nil {
		return 0, err
	}
	live := p.ToLiveAddress(addr)
	return live, p.setBreakpoint(live)
}

func (p *Process) setBreakpoint(addr uint64) error {
	if _, exists := p.Breakpoints[addr]; exists {
		return BreakpointExistsError{Addr: addr}
	}
	bp := &Breakpoint{Addr: addr}
	if err := bp.Enable(p.Pid); err != nil {
		return err
	}
	p.Breakpoints[addr] = bp
	p.logger.Debugf("set breakpoint at %#x", addr)
	return nil
}

// ClearBreakpoint disables the breakpoint at addr and removes it from
// the map.
func (p *Process) ClearBreakpoint(addr uint64) error {
	bp, ok := p.Breakpoints[addr]
	if !ok {
		return NoBreakpointError{Addr: addr}
	}
	if err := bp.Disable(p.Pid); err != nil {
		return err
	}
	delete(p.Breakpoints, addr)
	return nil
}
