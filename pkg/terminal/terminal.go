package terminal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"

	"github.com/tinydbg/tinydbg/pkg/config"
	"github.com/tinydbg/tinydbg/pkg/proc"
)

const (
	sourceContext = 5
	currentMarker = "> "

	ansiYellow = "\x1b[33m"
	ansiReset  = "\x1b[0m"
)

// Term represents the interactive operator terminal. It drives the
// engine synchronously: while the tracee runs, the prompt blocks.
type Term struct {
	p        *proc.Process
	cmds     *Commands
	conf     *config.Config
	prompt   string
	line     *liner.State
	stdout   io.Writer
	useColor bool
}

// New builds a terminal over the traced process.
func New(p *proc.Process, conf *config.Config) *Term {
	if conf == nil {
		conf = &config.Config{}
	}
	cmds := DebugCommands()
	cmds.Merge(conf.Aliases)

	useColor := isatty.IsTerminal(os.Stdout.Fd())
	var stdout io.Writer = os.Stdout
	if useColor {
		stdout = colorable.NewColorableStdout()
	}

	t := &Term{
		p:        p,
		cmds:     cmds,
		conf:     conf,
		prompt:   "(tinydbg) ",
		line:     liner.NewLiner(),
		stdout:   stdout,
		useColor: useColor,
	}
	t.line.SetCompleter(t.complete)
	return t
}

// complete offers completions over command verbs and the names of
// functions in the target binary.
func (t *Term) complete(line string) []string {
	completions := trie.New()
	for _, cmd := range t.cmds.cmds {
		for _, alias := range cmd.aliases {
			completions.Add(alias, nil)
		}
	}
	if strings.HasPrefix(line, "break ") {
		for _, fe := range t.p.BinInfo.Functions() {
			completions.Add("break "+fe.Name, nil)
		}
	}
	return completions.PrefixSearch(line)
}

// Run reads and dispatches operator commands until exit or EOF. The
// returned status is the process exit code for the session.
func (t *Term) Run() (error, int) {
	defer t.line.Close()

	historyPath, err := config.HistoryFilePath()
	if err == nil {
		if f, err := os.Open(historyPath); err == nil {
			t.line.ReadHistory(f)
			f.Close()
		}
	}

	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")
	if err := t.printStopInfo(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit(historyPath)
			}
			return fmt.Errorf("prompt for input failed: %v", err), 1
		}

		cmdstr, args := parseCommand(cmdstr)
		if err := t.cmds.Call(cmdstr, args, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit(historyPath)
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit(historyPath string) (error, int) {
	if historyPath != "" {
		if f, err := os.OpenFile(historyPath, os.O_RDWR|os.O_CREATE, 0600); err == nil {
			t.line.WriteHistory(f)
			f.Close()
		}
	}
	if !t.p.Exited() {
		if err := t.p.Kill(); err != nil {
			return err, 1
		}
	}
	return nil, 0
}

// parseCommand splits one operator line into the verb and the argument
// rest. Quoting is honored so that future argument forms survive it.
func parseCommand(cmdstr string) (string, string) {
	vals, err := argv.Argv(cmdstr,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil || len(vals) == 0 || len(vals[0]) == 0 {
		fields := strings.Fields(cmdstr)
		if len(fields) == 0 {
			return "", ""
		}
		return fields[0], strings.Join(fields[1:], " ")
	}
	words := vals[0]
	return words[0], strings.Join(words[1:], " ")
}

// printStopInfo reports where the tracee stopped: PC, source position
// and the surrounding source lines.
func (t *Term) printStopInfo() error {
	if t.p.Exited() {
		return nil
	}
	pc, err := t.p.PC()
	if err != nil {
		return err
	}
	entry, err := t.p.CurrentLineEntry()
	if err != nil {
		if _, ok := err.(proc.NoSourceForPCError); ok {
			fmt.Fprintf(t.stdout, "stopped at %#x (no source)\n", pc)
			return nil
		}
		return err
	}
	fmt.Fprintf(t.stdout, "stopped at %#x %s:%d\n", pc, entry.File.Name, entry.Line)
	return t.printSourceContext()
}

// printSourceContext prints the source lines around the current line,
// marking the current one.
func (t *Term) printSourceContext() error {
	entry, err := t.p.CurrentLineEntry()
	if err != nil {
		return err
	}
	f, err := os.Open(entry.File.Name)
	if err != nil {
		return fmt.Errorf("could not open source file: %v", err)
	}
	defer f.Close()

	start := entry.Line - sourceContext
	if start < 1 {
		start = 1
	}
	end := entry.Line + sourceContext

	scanner := bufio.NewScanner(f)
	for lineno := 1; scanner.Scan(); lineno++ {
		if lineno < start {
			continue
		}
		if lineno > end {
			break
		}
		marker := "  "
		if lineno == entry.Line {
			marker = currentMarker
		}
		text := scanner.Text()
		if lineno == entry.Line && t.useColor {
			fmt.Fprintf(t.stdout, "%s%s%4d %s%s\n", ansiYellow, marker, lineno, text, ansiReset)
		} else {
			fmt.Fprintf(t.stdout, "%s%4d %s\n", marker, lineno, text)
		}
	}
	return scanner.Err()
}
