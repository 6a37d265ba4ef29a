// Package op implements a DWARF location expression evaluator. The
// expression machine runs against a live tracee through the Context
// capability set; the package itself never touches ptrace.
package op

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinydbg/tinydbg/pkg/dwarf/util"
)

// Opcode represents a DWARF stack program instruction.
type Opcode byte

// Context is the capability set a location expression needs from the
// surrounding debugger: live register values, the current DWARF-relative
// PC, dereferences of tracee memory and the frame base of the selected
// function. Addresses exchanged through Context are DWARF-relative; the
// implementation is responsible for rebasing and validity checking.
type Context interface {
	GetReg(num uint64) (uint64, error)
	PC() (uint64, error)
	ReadMemory(addr uint64, size int) (uint64, error)
	FrameBase() (int64, error)
}

type stackfn func(Opcode, *context) error

type context struct {
	buf    *bytes.Buffer
	stack  []int64
	pieces []Piece
	reg    bool

	Context
}

// Piece is a part of a location that does not evaluate to a memory
// address, currently always a register.
type Piece struct {
	Size       int
	RegNum     uint64
	IsRegister bool
}

// ErrStackEmpty is returned for expressions that terminate with nothing
// on the value stack.
var ErrStackEmpty = errors.New("empty OP stack")

// ExecuteStackProgram executes a DWARF location expression against ctx
// and returns either an address (DWARF-relative, as pushed by the
// program) or a non-empty slice of Pieces for register locations.
func ExecuteStackProgram(ctx Context, instructions []byte) (int64, []Piece, error) {
	ctxt := &context{
		buf:     bytes.NewBuffer(instructions),
		stack:   make([]int64, 0, 3),
		Context: ctx,
	}

	for {
		opcodeByte, err := ctxt.buf.ReadByte()
		if err != nil {
			break
		}
		opcode := Opcode(opcodeByte)
		fn, ok := oplut[opcode]
		if !ok {
			return 0, nil, fmt.Errorf("invalid instruction %#v", opcode)
		}

		err = fn(opcode, ctxt)
		if err != nil {
			return 0, nil, err
		}
	}

	if ctxt.pieces != nil {
		return 0, ctxt.pieces, nil
	}

	if len(ctxt.stack) == 0 {
		return 0, nil, ErrStackEmpty
	}

	return ctxt.stack[len(ctxt.stack)-1], nil, nil
}

func addr(opcode Opcode, ctxt *context) error {
	buf := ctxt.buf.Next(8)
	if len(buf) < 8 {
		return errors.New("truncated DW_OP_addr operand")
	}
	ctxt.stack = append(ctxt.stack, int64(binary.LittleEndian.Uint64(buf)))
	return nil
}

func deref(opcode Opcode, ctxt *context) error {
	size := 8
	if opcode == DW_OP_deref_size {
		sz, err := ctxt.buf.ReadByte()
		if err != nil {
			return errors.New("truncated DW_OP_deref_size operand")
		}
		size = int(sz)
	}
	if len(ctxt.stack) == 0 {
		return ErrStackEmpty
	}
	a := uint64(ctxt.stack[len(ctxt.stack)-1])
	val, err := ctxt.ReadMemory(a, size)
	if err != nil {
		return err
	}
	ctxt.stack[len(ctxt.stack)-1] = int64(val)
	return nil
}

func constnu(opcode Opcode, ctxt *context) error {
	var num uint64
	buf := ctxt.buf.Next(opcodeSize(opcode))
	switch len(buf) {
	case 1:
		num = uint64(buf[0])
	case 2:
		num = uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		num = uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		num = binary.LittleEndian.Uint64(buf)
	default:
		return errors.New("truncated constant operand")
	}
	ctxt.stack = append(ctxt.stack, int64(num))
	return nil
}

func constns(opcode Opcode, ctxt *context) error {
	var num int64
	buf := ctxt.buf.Next(opcodeSize(opcode))
	switch len(buf) {
	case 1:
		num = int64(int8(buf[0]))
	case 2:
		num = int64(int16(binary.LittleEndian.Uint16(buf)))
	case 4:
		num = int64(int32(binary.LittleEndian.Uint32(buf)))
	case 8:
		num = int64(binary.LittleEndian.Uint64(buf))
	default:
		return errors.New("truncated constant operand")
	}
	ctxt.stack = append(ctxt.stack, num)
	return nil
}

func constu(opcode Opcode, ctxt *context) error {
	num, _ := util.DecodeULEB128(ctxt.buf)
	ctxt.stack = append(ctxt.stack, int64(num))
	return nil
}

func consts(opcode Opcode, ctxt *context) error {
	num, _ := util.DecodeSLEB128(ctxt.buf)
	ctxt.stack = append(ctxt.stack, num)
	return nil
}

func literal(opcode Opcode, ctxt *context) error {
	ctxt.stack = append(ctxt.stack, int64(opcode-DW_OP_lit0))
	return nil
}

func dup(opcode Opcode, ctxt *context) error {
	if len(ctxt.stack) == 0 {
		return ErrStackEmpty
	}
	ctxt.stack = append(ctxt.stack, ctxt.stack[len(ctxt.stack)-1])
	return nil
}

func drop(opcode Opcode, ctxt *context) error {
	if len(ctxt.stack) == 0 {
		return ErrStackEmpty
	}
	ctxt.stack = ctxt.stack[:len(ctxt.stack)-1]
	return nil
}

func plus(opcode Opcode, ctxt *context) error {
	if len(ctxt.stack) < 2 {
		return ErrStackEmpty
	}
	var (
		slen   = len(ctxt.stack)
		digits = ctxt.stack[slen-2 : slen]
		st     = ctxt.stack[:slen-2]
	)

	ctxt.stack = append(st, digits[0]+digits[1])
	return nil
}

func minus(opcode Opcode, ctxt *context) error {
	if len(ctxt.stack) < 2 {
		return ErrStackEmpty
	}
	var (
		slen   = len(ctxt.stack)
		digits = ctxt.stack[slen-2 : slen]
		st     = ctxt.stack[:slen-2]
	)

	ctxt.stack = append(st, digits[0]-digits[1])
	return nil
}

func plusuconst(opcode Opcode, ctxt *context) error {
	if len(ctxt.stack) == 0 {
		return ErrStackEmpty
	}
	slen := len(ctxt.stack)
	num, _ := util.DecodeULEB128(ctxt.buf)
	ctxt.stack[slen-1] = ctxt.stack[slen-1] + int64(num)
	return nil
}

func framebase(opcode Opcode, ctxt *context) error {
	num, _ := util.DecodeSLEB128(ctxt.buf)
	fb, err := ctxt.FrameBase()
	if err != nil {
		return err
	}
	ctxt.stack = append(ctxt.stack, fb+num)
	return nil
}

func register(opcode Opcode, ctxt *context) error {
	ctxt.reg = true
	if opcode == DW_OP_regx {
		n, _ := util.DecodeULEB128(ctxt.buf)
		ctxt.pieces = append(ctxt.pieces, Piece{IsRegister: true, RegNum: n})
	} else {
		ctxt.pieces = append(ctxt.pieces, Piece{IsRegister: true, RegNum: uint64(opcode - DW_OP_reg0)})
	}
	return nil
}

func bregister(opcode Opcode, ctxt *context) error {
	var regnum uint64
	if opcode == DW_OP_bregx {
		regnum, _ = util.DecodeULEB128(ctxt.buf)
	} else {
		regnum = uint64(opcode - DW_OP_breg0)
	}
	offset, _ := util.DecodeSLEB128(ctxt.buf)
	regval, err := ctxt.GetReg(regnum)
	if err != nil {
		return err
	}
	ctxt.stack = append(ctxt.stack, int64(regval)+offset)
	return nil
}

func callframecfa(opcode Opcode, ctxt *context) error {
	fb, err := ctxt.FrameBase()
	if err != nil {
		return err
	}
	ctxt.stack = append(ctxt.stack, fb)
	return nil
}
