package proc_test

import (
	"strings"
	"testing"

	"github.com/tinydbg/tinydbg/pkg/dwarf/regnum"
	"github.com/tinydbg/tinydbg/pkg/proc"
	"github.com/tinydbg/tinydbg/pkg/proc/test"
)

func withTestProcess(name string, t *testing.T, fn func(p *proc.Process)) {
	t.Helper()
	binary := test.BuildFixture(t, name)
	p, err := proc.Launch([]string{binary})
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skip("ptrace not permitted")
		}
		t.Fatal(err)
	}
	defer p.Kill()
	fn(p)
}

func assertNoError(t *testing.T, err error, context string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", context, err)
	}
}

func currentPC(t *testing.T, p *proc.Process) uint64 {
	t.Helper()
	pc, err := p.PC()
	assertNoError(t, err, "PC()")
	return pc
}

func TestLoadAddressRoundTrip(t *testing.T) {
	p := &proc.Process{LoadAddr: 0x555555554000}
	for _, addr := range []uint64{0, 0x1129, 0xffffffff} {
		if got := p.ToDwarfAddress(p.ToLiveAddress(addr)); got != addr {
			t.Errorf("round trip of %#x through live address = %#x", addr, got)
		}
		live := addr + p.LoadAddr
		if got := p.ToLiveAddress(p.ToDwarfAddress(live)); got != live {
			t.Errorf("round trip of %#x through dwarf address = %#x", live, got)
		}
	}
}

func TestBreakpointTransparency(t *testing.T) {
	withTestProcess("basic", t, func(p *proc.Process) {
		addr, err := p.BinInfo.FuncEntryAddr("main")
		assertNoError(t, err, "FuncEntryAddr(main)")
		live := p.ToLiveAddress(addr)

		orig, err := proc.PeekMemory(p.Pid, live)
		assertNoError(t, err, "PeekMemory before insert")

		setAddr, err := p.SetBreakpointAtFunction("main")
		assertNoError(t, err, "SetBreakpointAtFunction(main)")
		if setAddr != live {
			t.Fatalf("breakpoint set at %#x, want %#x", setAddr, live)
		}

		patched, err := proc.PeekMemory(p.Pid, live)
		assertNoError(t, err, "PeekMemory after insert")
		if patched&0xff != 0xCC {
			t.Errorf("low byte after insert = %#x, want 0xCC", patched&0xff)
		}
		if patched>>8 != orig>>8 {
			t.Errorf("insert disturbed bytes beyond the trap byte")
		}

		assertNoError(t, p.ClearBreakpoint(live), "ClearBreakpoint")
		restored, err := proc.PeekMemory(p.Pid, live)
		assertNoError(t, err, "PeekMemory after remove")
		if restored != orig {
			t.Errorf("memory after remove = %#x, want %#x", restored, orig)
		}
		if len(p.Breakpoints) != 0 {
			t.Errorf("breakpoint map has %d entries after remove", len(p.Breakpoints))
		}
	})
}

func TestContinueToBreakpointAndExit(t *testing.T) {
	withTestProcess("basic", t, func(p *proc.Process) {
		addr, err := p.SetBreakpointAtLine("basic.c", 3)
		assertNoError(t, err, "SetBreakpointAtLine(basic.c:3)")

		assertNoError(t, p.Continue(), "Continue to breakpoint")
		if pc := currentPC(t, p); pc != addr {
			t.Fatalf("stopped at %#x, want breakpoint address %#x", pc, addr)
		}
		line, err := p.CurrentLine()
		assertNoError(t, err, "CurrentLine")
		if line != 3 {
			t.Errorf("stopped at line %d, want 3", line)
		}

		word, err := proc.PeekMemory(p.Pid, addr)
		assertNoError(t, err, "PeekMemory at breakpoint")
		if word&0xff != 0xCC {
			t.Errorf("breakpoint byte while stopped = %#x, want 0xCC", word&0xff)
		}

		err = p.Continue()
		exited, ok := err.(proc.ProcessExitedError)
		if !ok {
			t.Fatalf("second continue returned %v, want process exit", err)
		}
		if exited.Status != 7 {
			t.Errorf("exit status = %d, want 7", exited.Status)
		}
	})
}

func TestStepOverBreakpointAtomicity(t *testing.T) {
	withTestProcess("basic", t, func(p *proc.Process) {
		addr, err := p.SetBreakpointAtFunction("main")
		assertNoError(t, err, "SetBreakpointAtFunction(main)")
		assertNoError(t, p.Continue(), "Continue to breakpoint")
		if pc := currentPC(t, p); pc != addr {
			t.Fatalf("stopped at %#x, want %#x", pc, addr)
		}

		assertNoError(t, p.StepInstruction(), "StepInstruction over breakpoint")
		if pc := currentPC(t, p); pc <= addr {
			t.Errorf("PC did not advance past the breakpoint: %#x", pc)
		}
		word, err := proc.PeekMemory(p.Pid, addr)
		assertNoError(t, err, "PeekMemory after step")
		if word&0xff != 0xCC {
			t.Errorf("breakpoint not re-enabled after step, byte = %#x", word&0xff)
		}
		if len(p.Breakpoints) != 1 {
			t.Errorf("breakpoint map has %d entries, want 1", len(p.Breakpoints))
		}
	})
}

func TestTransparentReHit(t *testing.T) {
	withTestProcess("loop", t, func(p *proc.Process) {
		addr, err := p.SetBreakpointAtFunction("inc")
		assertNoError(t, err, "SetBreakpointAtFunction(inc)")

		assertNoError(t, p.Continue(), "first continue")
		if pc := currentPC(t, p); pc != addr {
			t.Fatalf("first hit at %#x, want %#x", pc, addr)
		}
		assertNoError(t, p.Continue(), "second continue")
		if pc := currentPC(t, p); pc != addr {
			t.Fatalf("second hit at %#x, want %#x", pc, addr)
		}

		err = p.Continue()
		exited, ok := err.(proc.ProcessExitedError)
		if !ok {
			t.Fatalf("third continue returned %v, want process exit", err)
		}
		// Both calls to inc must have executed the instruction
		// hidden behind the breakpoint exactly once.
		if exited.Status != 2 {
			t.Errorf("exit status = %d, want 2", exited.Status)
		}
	})
}

func TestNext(t *testing.T) {
	withTestProcess("basic", t, func(p *proc.Process) {
		_, err := p.SetBreakpointAtLine("basic.c", 3)
		assertNoError(t, err, "SetBreakpointAtLine(basic.c:3)")
		assertNoError(t, p.Continue(), "Continue to breakpoint")

		assertNoError(t, p.Next(), "Next")
		line, err := p.CurrentLine()
		assertNoError(t, err, "CurrentLine after next")
		if line != 4 {
			t.Errorf("line after next = %d, want 4", line)
		}
		if len(p.Breakpoints) != 1 {
			t.Errorf("one-shot breakpoint left behind, map has %d entries", len(p.Breakpoints))
		}
	})
}

func TestStep(t *testing.T) {
	withTestProcess("basic", t, func(p *proc.Process) {
		_, err := p.SetBreakpointAtLine("basic.c", 2)
		assertNoError(t, err, "SetBreakpointAtLine(basic.c:2)")
		assertNoError(t, p.Continue(), "Continue to breakpoint")

		assertNoError(t, p.Step(), "Step")
		line, err := p.CurrentLine()
		assertNoError(t, err, "CurrentLine after step")
		if line == 2 {
			t.Errorf("step did not leave line 2")
		}
	})
}

func TestVariableRead(t *testing.T) {
	withTestProcess("vars", t, func(p *proc.Process) {
		_, err := p.SetBreakpointAtFunction("f")
		assertNoError(t, err, "SetBreakpointAtFunction(f)")
		assertNoError(t, p.Continue(), "Continue to breakpoint")
		// The breakpoint lands before the initializer runs, step
		// past it.
		assertNoError(t, p.Next(), "Next over the initializer")

		val, err := p.ReadVariable("v")
		assertNoError(t, err, "ReadVariable(v)")
		if val != 42 {
			t.Fatalf("v = %d, want 42", val)
		}

		loc, err := p.VariableLocation("v")
		assertNoError(t, err, "VariableLocation(v)")
		if loc.InRegister {
			t.Fatalf("v lives in a register, expected memory for -O0")
		}
		assertNoError(t, proc.PokeMemory(p.Pid, loc.Addr, 99), "PokeMemory")

		val, err = p.ReadVariable("v")
		assertNoError(t, err, "ReadVariable(v) after poke")
		if val != 99 {
			t.Errorf("v = %d after poke, want 99", val)
		}

		if _, err := p.ReadVariable("nosuchvar"); err == nil {
			t.Errorf("reading an unknown variable did not fail")
		}
	})
}

func TestBacktrace(t *testing.T) {
	withTestProcess("stack", t, func(p *proc.Process) {
		_, err := p.SetBreakpointAtFunction("c")
		assertNoError(t, err, "SetBreakpointAtFunction(c)")
		assertNoError(t, p.Continue(), "Continue to breakpoint")

		frames, err := p.Backtrace()
		assertNoError(t, err, "Backtrace")

		want := []string{"c", "b", "a", "main"}
		if len(frames) != len(want) {
			t.Fatalf("backtrace has %d frames, want %d: %+v", len(frames), len(want), frames)
		}
		for i, name := range want {
			if frames[i].Name != name {
				t.Errorf("frame %d is %q, want %q", i, frames[i].Name, name)
			}
			fn := p.Disasm.FunctionContaining(frames[i].Start)
			if fn.EndAddr == 0 || fn.StartAddr != frames[i].Start {
				t.Errorf("frame %d start %#x not a function start in the disassembly index", i, frames[i].Start)
			}
		}
	})
}

func TestFinish(t *testing.T) {
	withTestProcess("stack", t, func(p *proc.Process) {
		_, err := p.SetBreakpointAtFunction("c")
		assertNoError(t, err, "SetBreakpointAtFunction(c)")
		assertNoError(t, p.Continue(), "Continue to breakpoint")

		assertNoError(t, p.StepOut(), "StepOut")
		fn := p.Disasm.FunctionContaining(currentPC(t, p))
		if fn.Name != "b" {
			t.Errorf("finish stopped in %q, want b", fn.Name)
		}
		if len(p.Breakpoints) != 1 {
			t.Errorf("one-shot return breakpoint left behind, map has %d entries", len(p.Breakpoints))
		}
	})
}

func TestFinishPreservesOperatorBreakpoint(t *testing.T) {
	withTestProcess("stack", t, func(p *proc.Process) {
		_, err := p.SetBreakpointAtFunction("c")
		assertNoError(t, err, "SetBreakpointAtFunction(c)")
		assertNoError(t, p.Continue(), "Continue to breakpoint")

		fp, err := p.FramePointer()
		assertNoError(t, err, "FramePointer")
		retAddr, err := proc.PeekMemory(p.Pid, fp+8)
		assertNoError(t, err, "PeekMemory of return slot")

		// Operator breakpoint that happens to coincide with the
		// return address. The fixture is a fixed-load-address
		// binary, so the live address is also the link address.
		_, err = p.SetBreakpointAtAddress(p.ToDwarfAddress(retAddr))
		assertNoError(t, err, "SetBreakpointAtAddress at return address")

		assertNoError(t, p.StepOut(), "StepOut")
		if pc := currentPC(t, p); pc != retAddr {
			t.Fatalf("finish stopped at %#x, want return address %#x", pc, retAddr)
		}
		bp, ok := p.Breakpoints[retAddr]
		if !ok {
			t.Fatalf("operator breakpoint at the return address was removed by finish")
		}
		if !bp.Enabled() {
			t.Errorf("operator breakpoint at the return address is disabled")
		}
	})
}

func TestRegisterTableConsistency(t *testing.T) {
	withTestProcess("basic", t, func(p *proc.Process) {
		for name, dwarfNum := range regnum.AMD64NameToDwarf {
			reg, err := proc.LookupRegister(name)
			assertNoError(t, err, "LookupRegister("+name+")")
			direct, err := proc.GetRegister(p.Pid, reg)
			assertNoError(t, err, "GetRegister("+name+")")
			byDwarf, err := proc.GetRegisterByDwarf(p.Pid, dwarfNum)
			assertNoError(t, err, "GetRegisterByDwarf("+name+")")
			if direct != byDwarf {
				t.Errorf("%s: direct read %#x, dwarf read %#x", name, direct, byDwarf)
			}
		}

		// rip and orig_rax have no DWARF number.
		if _, err := proc.GetRegisterByDwarf(p.Pid, -1); err == nil {
			t.Errorf("GetRegisterByDwarf(-1) did not fail")
		}
		if _, err := proc.GetRegisterByDwarf(p.Pid, 1000); err == nil {
			t.Errorf("GetRegisterByDwarf(1000) did not fail")
		}
	})
}

func TestSymbolLookup(t *testing.T) {
	withTestProcess("basic", t, func(p *proc.Process) {
		syms := p.BinInfo.LookupSymbols("main")
		if len(syms) == 0 {
			t.Fatal("no symbols named main")
		}
		found := false
		for _, sym := range syms {
			if sym.Kind == "func" && sym.Addr != 0 {
				found = true
			}
		}
		if !found {
			t.Errorf("no func symbol for main: %+v", syms)
		}
	})
}

func TestDuplicateBreakpoint(t *testing.T) {
	withTestProcess("basic", t, func(p *proc.Process) {
		addr, err := p.SetBreakpointAtFunction("main")
		assertNoError(t, err, "SetBreakpointAtFunction(main)")
		_, err = p.SetBreakpointAtFunction("main")
		if _, ok := err.(proc.BreakpointExistsError); !ok {
			t.Errorf("duplicate insert returned %v, want BreakpointExistsError", err)
		}
		if len(p.Breakpoints) != 1 {
			t.Errorf("breakpoint map has %d entries, want 1", len(p.Breakpoints))
		}
		assertNoError(t, p.ClearBreakpoint(addr), "ClearBreakpoint")
		if err := p.ClearBreakpoint(addr); err == nil {
			t.Errorf("removing a missing breakpoint did not fail")
		}
	})
}
