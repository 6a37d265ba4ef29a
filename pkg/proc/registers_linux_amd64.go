package proc

import (
	"fmt"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/tinydbg/tinydbg/pkg/dwarf/regnum"
)

// Register identifies one of the general purpose, segment, instruction
// pointer and flags registers exposed by the kernel's user register
// block on linux/amd64.
type Register int

// Registers in the order in which they appear in the kernel's
// user_regs_struct. The position of a register in this enumeration is
// also its index in the register block.
const (
	R15 Register = iota
	R14
	R13
	R12
	Rbp
	Rbx
	R11
	R10
	R9
	R8
	Rax
	Rcx
	Rdx
	Rsi
	Rdi
	OrigRax
	Rip
	Cs
	Eflags
	Rsp
	Ss
	FsBase
	GsBase
	Ds
	Es
	Fs
	Gs
)

const numRegisters = 27

type registerDescriptor struct {
	reg      Register
	name     string
	dwarfNum int
}

// registerTable is the sole source of truth for the three register
// mappings: enum tag, position in the kernel register block and DWARF
// register number. A DWARF number of -1 marks a register with no DWARF
// mapping.
var registerTable = [numRegisters]registerDescriptor{
	{R15, "r15", regnum.AMD64_R15},
	{R14, "r14", regnum.AMD64_R14},
	{R13, "r13", regnum.AMD64_R13},
	{R12, "r12", regnum.AMD64_R12},
	{Rbp, "rbp", regnum.AMD64_Rbp},
	{Rbx, "rbx", regnum.AMD64_Rbx},
	{R11, "r11", regnum.AMD64_R11},
	{R10, "r10", regnum.AMD64_R10},
	{R9, "r9", regnum.AMD64_R9},
	{R8, "r8", regnum.AMD64_R8},
	{Rax, "rax", regnum.AMD64_Rax},
	{Rcx, "rcx", regnum.AMD64_Rcx},
	{Rdx, "rdx", regnum.AMD64_Rdx},
	{Rsi, "rsi", regnum.AMD64_Rsi},
	{Rdi, "rdi", regnum.AMD64_Rdi},
	{OrigRax, "orig_rax", -1},
	{Rip, "rip", -1},
	{Cs, "cs", regnum.AMD64_Cs},
	{Eflags, "eflags", regnum.AMD64_Rflags},
	{Rsp, "rsp", regnum.AMD64_Rsp},
	{Ss, "ss", regnum.AMD64_Ss},
	{FsBase, "fs_base", regnum.AMD64_Fs_base},
	{GsBase, "gs_base", regnum.AMD64_Gs_base},
	{Ds, "ds", regnum.AMD64_Ds},
	{Es, "es", regnum.AMD64_Es},
	{Fs, "fs", regnum.AMD64_Fs},
	{Gs, "gs", regnum.AMD64_Gs},
}

// UnknownRegisterError is returned for register names or DWARF register
// numbers that have no row in the register table.
type UnknownRegisterError struct {
	Name     string
	DwarfNum int
}

func (e UnknownRegisterError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("unknown register %q", e.Name)
	}
	return fmt.Sprintf("no register with DWARF number %d", e.DwarfNum)
}

// RegisterValue pairs a register name with its current 64-bit content.
type RegisterValue struct {
	Name  string
	Value uint64
}

func regBlock(regs *sys.PtraceRegs) *[numRegisters]uint64 {
	return (*[numRegisters]uint64)(unsafe.Pointer(regs))
}

// GetRegister reads one register of the stopped tracee.
func GetRegister(pid int, reg Register) (uint64, error) {
	var regs sys.PtraceRegs
	if err := ptraceGetRegs(pid, &regs); err != nil {
		return 0, err
	}
	return regBlock(&regs)[reg], nil
}

// SetRegister writes one register of the stopped tracee. The whole
// register block is read, patched at the register's table position and
// written back.
func SetRegister(pid int, reg Register, value uint64) error {
	var regs sys.PtraceRegs
	if err := ptraceGetRegs(pid, &regs); err != nil {
		return err
	}
	regBlock(&regs)[reg] = value
	return ptraceSetRegs(pid, &regs)
}

// GetRegisterByDwarf reads the register with the given DWARF number.
// Registers without a DWARF mapping (rip, orig_rax) are never returned.
func GetRegisterByDwarf(pid int, dwarfNum int) (uint64, error) {
	for _, desc := range registerTable {
		if desc.dwarfNum >= 0 && desc.dwarfNum == dwarfNum {
			return GetRegister(pid, desc.reg)
		}
	}
	return 0, UnknownRegisterError{DwarfNum: dwarfNum}
}

// RegisterName returns the kernel name of reg.
func RegisterName(reg Register) string {
	return registerTable[reg].name
}

// LookupRegister resolves a register name to its enum tag.
func LookupRegister(name string) (Register, error) {
	for _, desc := range registerTable {
		if desc.name == name {
			return desc.reg, nil
		}
	}
	return 0, UnknownRegisterError{Name: name}
}

// DumpRegisters returns every register of the stopped tracee in table
// order.
func DumpRegisters(pid int) ([]RegisterValue, error) {
	var regs sys.PtraceRegs
	if err := ptraceGetRegs(pid, &regs); err != nil {
		return nil, err
	}
	block := regBlock(&regs)
	out := make([]RegisterValue, numRegisters)
	for i, desc := range registerTable {
		out[i] = RegisterValue{Name: desc.name, Value: block[i]}
	}
	return out, nil
}
