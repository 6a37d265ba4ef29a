package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinydbg/tinydbg/pkg/config"
	"github.com/tinydbg/tinydbg/pkg/logflags"
	"github.com/tinydbg/tinydbg/pkg/proc"
	"github.com/tinydbg/tinydbg/pkg/terminal"
)

const version string = "0.1.0"

var (
	logFlag   bool
	logOutput string
)

func main() {
	rootCommand := &cobra.Command{
		Use:   "tinydbg <program>",
		Short: "tinydbg is a source-level debugger for native executables on linux/amd64.",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(args))
		},
	}
	rootCommand.PersistentFlags().BoolVarP(&logFlag, "log", "", false, "Enable debugger logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of logging subsystems (debugger, disasm, dwarf, ptrace).")

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("tinydbg version: " + version)
		},
	}
	rootCommand.AddCommand(versionCommand)

	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}

func execute(processArgs []string) int {
	if err := logflags.Setup(logFlag, logOutput); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	p, err := proc.Launch(processArgs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	// Start the session stopped at main rather than in the dynamic
	// loader.
	if addr, err := p.SetBreakpointAtFunction("main"); err != nil {
		fmt.Fprintf(os.Stderr, "could not set breakpoint on main: %v\n", err)
	} else {
		if err := p.Continue(); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		if err := p.ClearBreakpoint(addr); err != nil && !p.Exited() {
			fmt.Fprintln(os.Stderr, err)
		}
	}

	term := terminal.New(p, config.LoadConfig())
	err, status := term.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return status
}
