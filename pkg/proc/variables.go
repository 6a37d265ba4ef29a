package proc

import (
	"bytes"
	"debug/dwarf"
	"fmt"

	"github.com/tinydbg/tinydbg/pkg/dwarf/op"
	"github.com/tinydbg/tinydbg/pkg/dwarf/util"
)

// NoVariableError is returned when the function containing PC has no
// local or parameter with the requested name.
type NoVariableError struct {
	Name string
}

func (e NoVariableError) Error() string {
	return fmt.Sprintf("no variable named %q in the current function", e.Name)
}

// OptimizedOutError is returned for a variable DIE without a location
// attribute.
type OptimizedOutError struct {
	Name string
}

func (e OptimizedOutError) Error() string {
	return fmt.Sprintf("variable %q is optimized out", e.Name)
}

// UnsupportedLocationError is returned when a location expression
// evaluates to something other than an address or a single register.
type UnsupportedLocationError struct {
	Name string
}

func (e UnsupportedLocationError) Error() string {
	return fmt.Sprintf("unsupported location expression for %q", e.Name)
}

// VariableLocation is the resolved place a variable lives at the
// current PC: either a live tracee address or a DWARF register number.
type VariableLocation struct {
	InRegister bool
	Addr       uint64
	RegNum     uint64
}

// ptraceExprContext satisfies the location evaluator's capability set
// against the live tracee. Addresses crossing this boundary are
// DWARF-relative.
type ptraceExprContext struct {
	p         *Process
	frameBase int64
	fbErr     error
}

func (ctx *ptraceExprContext) GetReg(num uint64) (uint64, error) {
	return GetRegisterByDwarf(ctx.p.Pid, int(num))
}

func (ctx *ptraceExprContext) PC() (uint64, error) {
	pc, err := ctx.p.PC()
	if err != nil {
		return 0, err
	}
	return ctx.p.ToDwarfAddress(pc), nil
}

// ReadMemory rebases the DWARF-relative address, refuses addresses that
// are not mapped in the tracee and reads one 8-byte word. Only 8-byte
// operand sizes are supported; the size argument is accepted for
// conformance.
func (ctx *ptraceExprContext) ReadMemory(addr uint64, size int) (uint64, error) {
	live := ctx.p.ToLiveAddress(addr)
	if !ValidAddress(ctx.p.Pid, live) {
		return 0, InvalidAddressError{Address: live}
	}
	return PeekMemory(ctx.p.Pid, live)
}

func (ctx *ptraceExprContext) FrameBase() (int64, error) {
	return ctx.frameBase, ctx.fbErr
}

// ReadVariable resolves a named local or parameter of the function
// containing the current PC and reads its 64-bit value.
func (p *Process) ReadVariable(name string) (uint64, error) {
	loc, err := p.VariableLocation(name)
	if err != nil {
		return 0, err
	}
	if loc.InRegister {
		return GetRegisterByDwarf(p.Pid, int(loc.RegNum))
	}
	if !ValidAddress(p.Pid, loc.Addr) {
		return 0, InvalidAddressError{Address: loc.Addr}
	}
	return PeekMemory(p.Pid, loc.Addr)
}

// VariableLocation evaluates the location expression of the named
// variable against the live tracee. The returned address, if any, is a
// live tracee address.
func (p *Process) VariableLocation(name string) (VariableLocation, error) {
	pc, err := p.PC()
	if err != nil {
		return VariableLocation{}, err
	}
	fe, ok := p.BinInfo.FindFunction(p.ToDwarfAddress(pc))
	if !ok {
		return VariableLocation{}, NoSourceForPCError{PC: p.ToDwarfAddress(pc)}
	}

	locExpr, err := p.BinInfo.variableLocationExpr(fe, name)
	if err != nil {
		return VariableLocation{}, err
	}

	ctx := &ptraceExprContext{p: p}
	ctx.frameBase, ctx.fbErr = p.frameBase(fe)

	addr, pieces, err := op.ExecuteStackProgram(ctx, locExpr)
	if err != nil {
		return VariableLocation{}, err
	}
	if pieces != nil {
		if len(pieces) != 1 || !pieces[0].IsRegister {
			return VariableLocation{}, UnsupportedLocationError{Name: name}
		}
		return VariableLocation{InRegister: true, RegNum: pieces[0].RegNum}, nil
	}
	return VariableLocation{Addr: p.ToLiveAddress(uint64(addr))}, nil
}

// frameBase resolves the frame-base expression of a subprogram DIE
// without recursing through the expression machine. Unoptimized C
// compiles to one of three forms: the canonical frame address, a plain
// register, or register plus offset. The canonical frame address for
// frame-pointer code is rbp+16 (saved rbp and return address above the
// frame pointer).
func (p *Process) frameBase(fe FunctionEntry) (int64, error) {
	expr, err := p.BinInfo.frameBaseExpr(fe)
	if err != nil {
		return 0, err
	}
	if len(expr) == 0 {
		return 0, fmt.Errorf("no frame base for %s", fe.Name)
	}
	opcode := op.Opcode(expr[0])
	switch {
	case opcode == op.DW_OP_call_frame_cfa:
		rbp, err := GetRegister(p.Pid, Rbp)
		if err != nil {
			return 0, err
		}
		return int64(rbp) + 16, nil
	case opcode >= op.DW_OP_reg0 && opcode <= op.DW_OP_reg31:
		val, err := GetRegisterByDwarf(p.Pid, int(opcode-op.DW_OP_reg0))
		if err != nil {
			return 0, err
		}
		return int64(val), nil
	case opcode >= op.DW_OP_breg0 && opcode <= op.DW_OP_breg31:
		offset, _ := util.DecodeSLEB128(bytes.NewBuffer(expr[1:]))
		val, err := GetRegisterByDwarf(p.Pid, int(opcode-op.DW_OP_breg0))
		if err != nil {
			return 0, err
		}
		return int64(val) + offset, nil
	}
	return 0, fmt.Errorf("unsupported frame base expression for %s", fe.Name)
}

// variableLocationExpr scans the subtree of the subprogram DIE for a
// variable or formal parameter with the given name and returns its
// location expression.
func (bi *BinaryInfo) variableLocationExpr(fe FunctionEntry, name string) ([]byte, error) {
	reader := bi.dw.Reader()
	reader.Seek(fe.Offset)
	subprogram, err := reader.Next()
	if err != nil {
		return nil, err
	}
	if subprogram == nil || !subprogram.Children {
		return nil, NoVariableError{Name: name}
	}
	depth := 1
	for depth > 0 {
		entry, err := reader.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}
		if entry.Tag == 0 {
			depth--
			continue
		}
		if entry.Children {
			depth++
		}
		if entry.Tag != dwarf.TagVariable && entry.Tag != dwarf.TagFormalParameter {
			continue
		}
		entryName, _ := entry.Val(dwarf.AttrName).(string)
		if entryName != name {
			continue
		}
		loc, ok := entry.Val(dwarf.AttrLocation).([]byte)
		if !ok {
			return nil, OptimizedOutError{Name: name}
		}
		return loc, nil
	}
	return nil, NoVariableError{Name: name}
}

// frameBaseExpr returns the frame-base expression of the subprogram DIE.
func (bi *BinaryInfo) frameBaseExpr(fe FunctionEntry) ([]byte, error) {
	reader := bi.dw.Reader()
	reader.Seek(fe.Offset)
	subprogram, err := reader.Next()
	if err != nil {
		return nil, err
	}
	if subprogram == nil {
		return nil, NoFunctionError{Name: fe.Name}
	}
	expr, _ := subprogram.Val(dwarf.AttrFrameBase).([]byte)
	return expr, nil
}
