// Package logflags routes diagnostic logging for the debugger
// subsystems. Operator-facing output never goes through here.
package logflags

import (
	"errors"
	"io/ioutil"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var debugger = false
var disasm = false
var dwarf = false
var ptrace = false

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Debugger returns true if the control engine should log.
func Debugger() bool {
	return debugger
}

// DebuggerLogger returns a logger for the control engine.
func DebuggerLogger() *logrus.Entry {
	return makeLogger(debugger, logrus.Fields{"layer": "debugger"})
}

// Disasm returns true if the disassembly index should log.
func Disasm() bool {
	return disasm
}

// DisasmLogger returns a logger for the disassembly index.
func DisasmLogger() *logrus.Entry {
	return makeLogger(disasm, logrus.Fields{"layer": "disasm"})
}

// Dwarf returns true if the DWARF facade should log its recoverable
// errors.
func Dwarf() bool {
	return dwarf
}

// DwarfLogger returns a logger for the DWARF facade.
func DwarfLogger() *logrus.Entry {
	return makeLogger(dwarf, logrus.Fields{"layer": "dwarf"})
}

// Ptrace returns true if every tracing syscall should be logged.
func Ptrace() bool {
	return ptrace
}

// PtraceLogger returns a logger for the tracing syscall layer.
func PtraceLogger() *logrus.Entry {
	return makeLogger(ptrace, logrus.Fields{"layer": "ptrace"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "debugger"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "debugger":
			debugger = true
		case "disasm":
			disasm = true
		case "dwarf":
			dwarf = true
		case "ptrace":
			ptrace = true
		}
	}
	return nil
}
