// Package terminal implements functions for responding to user
// input and dispatching to appropriate backend commands.
package terminal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/tinydbg/tinydbg/pkg/proc"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases []string
	cmdFn   cmdfunc
	helpMsg string
}

// match returns true if cmdstr is a nonempty prefix of one of the
// command's aliases.
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if strings.HasPrefix(v, cmdstr) {
			return true
		}
	}
	return false
}

// Commands represents the commands for the debugger terminal process.
// The table is scanned linearly in declared order, so a prefix shared
// by two verbs always resolves to the earlier one.
type Commands struct {
	cmds []command
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"break"}, cmdFn: breakpoint, helpMsg: "break <0xaddr|file:line|function>. Set a breakpoint."},
		{aliases: []string{"continue"}, cmdFn: cont, helpMsg: "Run until breakpoint or program termination."},
		{aliases: []string{"register"}, cmdFn: register, helpMsg: "register {dump | read <name> | write <name> 0x<value>}."},
		{aliases: []string{"symbol"}, cmdFn: symbol, helpMsg: "symbol <name>. Look up a symbol in the ELF tables."},
		{aliases: []string{"memory"}, cmdFn: memory, helpMsg: "memory {read 0x<addr> | write 0x<addr> 0x<value>}."},
		{aliases: []string{"si"}, cmdFn: stepInstruction, helpMsg: "Single step a single cpu instruction."},
		{aliases: []string{"step"}, cmdFn: step, helpMsg: "Single step through program, entering function calls."},
		{aliases: []string{"next"}, cmdFn: next, helpMsg: "Step over to next source line."},
		{aliases: []string{"finish"}, cmdFn: finish, helpMsg: "Run until the current function returns."},
		{aliases: []string{"backtrace", "bt"}, cmdFn: backtrace, helpMsg: "Print the frame-pointer backtrace."},
		{aliases: []string{"ls"}, cmdFn: listSource, helpMsg: "Show source around the current line."},
		{aliases: []string{"stack"}, cmdFn: stack, helpMsg: "Dump the stack region around the stack pointer."},
		{aliases: []string{"quit", "exit"}, cmdFn: quit, helpMsg: "Kill the tracee and exit the debugger."},
		{aliases: []string{"help"}, cmdFn: c.help, helpMsg: "Prints the help message."},
	}

	return c
}

// Merge takes aliases defined in the config struct and merges them with
// the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

// find returns the first command in declared order matching cmdstr, or
// nil.
func (c *Commands) find(cmdstr string) *command {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			return &c.cmds[i]
		}
	}
	return nil
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}
	if cmd := c.find(cmdstr); cmd != nil {
		return cmd.cmdFn
	}
	return noCmdAvailable
}

// Call dispatches one operator command line.
func (c *Commands) Call(cmdstr, args string, t *Term) error {
	return c.Find(cmdstr)(t, args)
}

// ExitRequestError is returned when the user exits the debugger.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func noCmdAvailable(t *Term, args string) error {
	return errors.New("command not available")
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	fmt.Fprintln(t.stdout, "The following commands are available:")
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 0, '-', 0)
	for _, cmd := range c.cmds {
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), cmd.helpMsg)
		} else {
			fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], cmd.helpMsg)
		}
	}
	return w.Flush()
}

func breakpoint(t *Term, args string) error {
	args = strings.TrimSpace(args)
	if args == "" {
		return errors.New("break requires a location")
	}
	var (
		addr uint64
		err  error
	)
	switch {
	case strings.HasPrefix(args, "0x"):
		var n uint64
		n, err = strconv.ParseUint(args[2:], 16, 64)
		if err != nil {
			return fmt.Errorf("invalid address %q", args)
		}
		addr, err = t.p.SetBreakpointAtAddress(n)
	case strings.ContainsRune(args, ':'):
		fl := strings.SplitN(args, ":", 2)
		var line int
		line, err = strconv.Atoi(fl[1])
		if err != nil {
			return fmt.Errorf("invalid line number %q", fl[1])
		}
		addr, err = t.p.SetBreakpointAtLine(fl[0], line)
	default:
		addr, err = t.p.SetBreakpointAtFunction(args)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Breakpoint set at %#x\n", addr)
	return nil
}

func cont(t *Term, args string) error {
	if err := t.p.Continue(); err != nil {
		return reportResume(t, err)
	}
	return t.printStopInfo()
}

func stepInstruction(t *Term, args string) error {
	if err := t.p.StepInstruction(); err != nil {
		return reportResume(t, err)
	}
	pc, err := t.p.PC()
	if err != nil {
		return err
	}
	if inst, ok := t.p.Disasm.InstructionAt(pc); ok {
		fmt.Fprintf(t.stdout, "%#x\t%s\n", inst.Addr, inst.Text)
	}
	return t.printStopInfo()
}

func step(t *Term, args string) error {
	if err := t.p.Step(); err != nil {
		return reportResume(t, err)
	}
	return t.printStopInfo()
}

func next(t *Term, args string) error {
	if err := t.p.Next(); err != nil {
		return reportResume(t, err)
	}
	return t.printStopInfo()
}

func finish(t *Term, args string) error {
	if err := t.p.StepOut(); err != nil {
		return reportResume(t, err)
	}
	return t.printStopInfo()
}

// reportResume prints process termination as a plain report instead of
// a command failure.
func reportResume(t *Term, err error) error {
	if exited, ok := err.(proc.ProcessExitedError); ok {
		fmt.Fprintf(t.stdout, "Process %d has exited with status %d\n", exited.Pid, exited.Status)
		return nil
	}
	return err
}

func register(t *Term, args string) error {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return errors.New("register requires {dump | read | write}")
	}
	sub, rest := fields[0], fields[1:]
	switch {
	case strings.HasPrefix("dump", sub):
		regs, err := proc.DumpRegisters(t.p.Pid)
		if err != nil {
			return err
		}
		for _, r := range regs {
			fmt.Fprintf(t.stdout, "%-8s 0x%016x\n", r.Name, r.Value)
		}
		return nil
	case strings.HasPrefix("read", sub):
		if len(rest) != 1 {
			return errors.New("register read <name>")
		}
		reg, err := proc.LookupRegister(rest[0])
		if err != nil {
			return err
		}
		val, err := proc.GetRegister(t.p.Pid, reg)
		if err != nil {
			return err
		}
		fmt.Fprintf(t.stdout, "%d\n", val)
		return nil
	case strings.HasPrefix("write", sub):
		if len(rest) != 2 {
			return errors.New("register write <name> 0x<value>")
		}
		reg, err := proc.LookupRegister(rest[0])
		if err != nil {
			return err
		}
		val, err := parseHex(rest[1])
		if err != nil {
			return err
		}
		return proc.SetRegister(t.p.Pid, reg, val)
	}
	return fmt.Errorf("unknown register subcommand %q", sub)
}

func symbol(t *Term, args string) error {
	name := strings.TrimSpace(args)
	if name == "" {
		return errors.New("symbol requires a name")
	}
	for _, sym := range t.p.BinInfo.LookupSymbols(name) {
		fmt.Fprintf(t.stdout, "%s %s 0x%x\n", sym.Name, sym.Kind, sym.Addr)
	}
	return nil
}

func memory(t *Term, args string) error {
	fields := strings.Fields(args)
	if len(fields) < 2 {
		return errors.New("memory {read 0x<addr> | write 0x<addr> 0x<value>}")
	}
	sub := fields[0]
	addr, err := parseHex(fields[1])
	if err != nil {
		return err
	}
	switch {
	case strings.HasPrefix("read", sub):
		val, err := proc.PeekMemory(t.p.Pid, addr)
		if err != nil {
			return err
		}
		fmt.Fprintf(t.stdout, "%#x\n", val)
		return nil
	case strings.HasPrefix("write", sub):
		if len(fields) != 3 {
			return errors.New("memory write 0x<addr> 0x<value>")
		}
		val, err := parseHex(fields[2])
		if err != nil {
			return err
		}
		return proc.PokeMemory(t.p.Pid, addr, val)
	}
	return fmt.Errorf("unknown memory subcommand %q", sub)
}

func backtrace(t *Term, args string) error {
	frames, err := t.p.Backtrace()
	if err != nil {
		return err
	}
	for i, frame := range frames {
		fmt.Fprintf(t.stdout, "frame #%d: %#x %s\n", i, frame.Start, frame.Name)
	}
	return nil
}

const stackWindowBelow = 32
const stackWindowAbove = 88

func stack(t *Term, args string) error {
	sp, err := t.p.StackPointer()
	if err != nil {
		return err
	}
	lo, hi := sp-stackWindowBelow, sp+stackWindowAbove
	data, err := t.p.DumpMemoryRegion(lo, hi)
	if err != nil {
		return err
	}
	for off := 0; off+8 <= len(data); off += 8 {
		addr := lo + uint64(off)
		marker := "  "
		if addr == sp {
			marker = "=>"
		}
		fmt.Fprintf(t.stdout, "%s 0x%016x: % x\n", marker, addr, data[off:off+8])
	}
	return nil
}

func listSource(t *Term, args string) error {
	return t.printSourceContext()
}

func quit(t *Term, args string) error {
	return ExitRequestError{}
}

func parseHex(s string) (uint64, error) {
	if !strings.HasPrefix(s, "0x") {
		return 0, fmt.Errorf("expected hex literal, got %q", s)
	}
	n, err := strconv.ParseUint(s[2:], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid hex literal %q", s)
	}
	return n, nil
}
