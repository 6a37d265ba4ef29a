package proc

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/tinydbg/tinydbg/pkg/logflags"
)

// AsmInstruction is one line of disassembly text: the instruction
// address, the machine bytes as printed by the disassembler, the
// mnemonic text and an optional trailing comment.
type AsmInstruction struct {
	Addr    uint64
	Bytes   string
	Text    string
	Comment string
}

// AsmFunction groups the instructions of one function. EndAddr is the
// address of the last instruction in the block, not one past it. The
// zero AsmFunction (EndAddr == 0) is the "no such function" sentinel.
type AsmFunction struct {
	StartAddr    uint64
	EndAddr      uint64
	Name         string
	Instructions []AsmInstruction
}

// DisasmIndex is the in-memory table of disassembled functions, built
// once at attach time from the objdump sidecar file and rebased by the
// load address. It is used for display and for "which function does
// this PC belong to" lookups only.
type DisasmIndex struct {
	Funcs []AsmFunction
}

// generateSidecar runs the external disassembler on the binary and
// persists its output, minus the three-line objdump preamble, to
// path.asm next to the binary. It returns the sidecar path.
func generateSidecar(path string) (string, error) {
	out, err := exec.Command("objdump", "-d", path).Output()
	if err != nil {
		return "", fmt.Errorf("objdump failed: %v", err)
	}
	lines := strings.SplitN(string(out), "\n", 4)
	body := ""
	if len(lines) == 4 {
		body = lines[3]
	}
	sidecar := path + ".asm"
	if err := os.WriteFile(sidecar, []byte(body), 0644); err != nil {
		return "", err
	}
	return sidecar, nil
}

// LoadDisasm generates the disassembly sidecar for the binary at path,
// parses it and rebases every address by loadAddr.
func LoadDisasm(path string, loadAddr uint64) (*DisasmIndex, error) {
	sidecar, err := generateSidecar(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(sidecar)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	idx := &DisasmIndex{Funcs: parseDisasm(f)}
	idx.rebase(loadAddr)
	logflags.DisasmLogger().Debugf("loaded %d functions from %s", len(idx.Funcs), sidecar)
	return idx, nil
}

// parseDisasm classifies each line of disassembler output as a function
// header (no tab and not a section banner), an instruction (contains a
// tab) or ignored.
func parseDisasm(r io.Reader) []AsmFunction {
	var funcs []AsmFunction
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if !strings.ContainsRune(line, '\t') {
			if strings.HasPrefix(line, "Disassembly") {
				continue
			}
			if fn, ok := parseFunctionHeader(line); ok {
				if len(funcs) > 0 {
					funcs[len(funcs)-1].close()
				}
				funcs = append(funcs, fn)
			}
			continue
		}
		if len(funcs) == 0 {
			continue
		}
		funcs[len(funcs)-1].Instructions = append(funcs[len(funcs)-1].Instructions, parseInstruction(line))
	}
	if len(funcs) > 0 {
		funcs[len(funcs)-1].close()
	}
	return funcs
}

// parseFunctionHeader parses a "0000000000401106 <main>:" line.
func parseFunctionHeader(line string) (AsmFunction, bool) {
	fields := strings.SplitN(strings.TrimSpace(line), " ", 2)
	if len(fields) != 2 {
		return AsmFunction{}, false
	}
	addr, err := strconv.ParseUint(fields[0], 16, 64)
	if err != nil {
		return AsmFunction{}, false
	}
	name := strings.TrimSuffix(strings.TrimSpace(fields[1]), ":")
	name = strings.TrimPrefix(name, "<")
	name = strings.TrimSuffix(name, ">")
	return AsmFunction{StartAddr: addr, Name: name}, true
}

// parseInstruction splits an instruction line on tabs into up to four
// fields: address, machine bytes, mnemonic text and an optional comment
// introduced by '#' in the last field. Lines with fewer than three
// fields become empty records.
func parseInstruction(line string) AsmInstruction {
	fields := strings.SplitN(line, "\t", 3)
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if len(fields) < 3 {
		return AsmInstruction{}
	}
	addr, err := strconv.ParseUint(strings.TrimSuffix(fields[0], ":"), 16, 64)
	if err != nil {
		return AsmInstruction{}
	}
	inst := AsmInstruction{Addr: addr, Bytes: fields[1], Text: fields[2]}
	if i := strings.IndexByte(inst.Text, '#'); i >= 0 {
		inst.Comment = strings.TrimSpace(inst.Text[i+1:])
		inst.Text = strings.TrimSpace(inst.Text[:i])
	}
	return inst
}

// close sets the function's end address to its last instruction.
func (fn *AsmFunction) close() {
	if len(fn.Instructions) > 0 {
		fn.EndAddr = fn.Instructions[len(fn.Instructions)-1].Addr
	}
}

func (idx *DisasmIndex) rebase(loadAddr uint64) {
	for i := range idx.Funcs {
		fn := &idx.Funcs[i]
		fn.StartAddr += loadAddr
		if fn.EndAddr != 0 {
			fn.EndAddr += loadAddr
		}
		for j := range fn.Instructions {
			if fn.Instructions[j].Addr != 0 {
				fn.Instructions[j].Addr += loadAddr
			}
		}
	}
}

// FunctionContaining returns the first function whose [StartAddr,
// EndAddr] range contains pc, or the sentinel zero AsmFunction.
func (idx *DisasmIndex) FunctionContaining(pc uint64) AsmFunction {
	for _, fn := range idx.Funcs {
		if fn.EndAddr != 0 && pc >= fn.StartAddr && pc <= fn.EndAddr {
			return fn
		}
	}
	return AsmFunction{}
}

// InstructionAt returns the disassembly line for the given address, if
// present in the index.
func (idx *DisasmIndex) InstructionAt(pc uint64) (AsmInstruction, bool) {
	fn := idx.FunctionContaining(pc)
	if fn.EndAddr == 0 {
		return AsmInstruction{}, false
	}
	for _, inst := range fn.Instructions {
		if inst.Addr == pc {
			return inst, true
		}
	}
	return AsmInstruction{}, false
}
