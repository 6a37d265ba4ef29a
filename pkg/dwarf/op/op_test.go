package op

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinydbg/tinydbg/pkg/dwarf/util"
)

type fakeContext struct {
	regs      map[uint64]uint64
	memory    map[uint64]uint64
	pc        uint64
	frameBase int64
	fbErr     error
}

func (ctx *fakeContext) GetReg(num uint64) (uint64, error) {
	val, ok := ctx.regs[num]
	if !ok {
		return 0, errors.New("no such register")
	}
	return val, nil
}

func (ctx *fakeContext) PC() (uint64, error) {
	return ctx.pc, nil
}

func (ctx *fakeContext) ReadMemory(addr uint64, size int) (uint64, error) {
	val, ok := ctx.memory[addr]
	if !ok {
		return 0, errors.New("invalid address")
	}
	return val, nil
}

func (ctx *fakeContext) FrameBase() (int64, error) {
	return ctx.frameBase, ctx.fbErr
}

func execute(t *testing.T, ctx Context, instructions []byte) (int64, []Piece) {
	t.Helper()
	addr, pieces, err := ExecuteStackProgram(ctx, instructions)
	if err != nil {
		t.Fatalf("ExecuteStackProgram(% x): %v", instructions, err)
	}
	return addr, pieces
}

func TestAddr(t *testing.T) {
	addr, pieces := execute(t, &fakeContext{}, []byte{byte(DW_OP_addr), 0x00, 0x10, 0x40, 0, 0, 0, 0, 0})
	if pieces != nil {
		t.Fatalf("unexpected pieces %+v", pieces)
	}
	if addr != 0x401000 {
		t.Errorf("DW_OP_addr = %#x, want 0x401000", addr)
	}
}

func TestConstsPlus(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(DW_OP_consts))
	util.EncodeSLEB128(&buf, 16)
	buf.WriteByte(byte(DW_OP_consts))
	util.EncodeSLEB128(&buf, -4)
	buf.WriteByte(byte(DW_OP_plus))

	addr, _ := execute(t, &fakeContext{}, buf.Bytes())
	if addr != 12 {
		t.Errorf("16 + (-4) = %d, want 12", addr)
	}
}

func TestPlusUconst(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(DW_OP_lit0) + 9)
	buf.WriteByte(byte(DW_OP_plus_uconst))
	util.EncodeULEB128(&buf, 23)

	addr, _ := execute(t, &fakeContext{}, buf.Bytes())
	if addr != 32 {
		t.Errorf("9 + 23 = %d, want 32", addr)
	}
}

func TestRegisterPiece(t *testing.T) {
	_, pieces := execute(t, &fakeContext{}, []byte{byte(DW_OP_reg0) + 5})
	if len(pieces) != 1 || !pieces[0].IsRegister || pieces[0].RegNum != 5 {
		t.Errorf("DW_OP_reg5 = %+v, want register piece 5", pieces)
	}
}

func TestRegx(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(DW_OP_regx))
	util.EncodeULEB128(&buf, 14)

	_, pieces := execute(t, &fakeContext{}, buf.Bytes())
	if len(pieces) != 1 || !pieces[0].IsRegister || pieces[0].RegNum != 14 {
		t.Errorf("DW_OP_regx 14 = %+v", pieces)
	}
}

func TestBreg(t *testing.T) {
	ctx := &fakeContext{regs: map[uint64]uint64{6: 0x7fffffffe000}}
	var buf bytes.Buffer
	buf.WriteByte(byte(DW_OP_breg0) + 6)
	util.EncodeSLEB128(&buf, -16)

	addr, _ := execute(t, ctx, buf.Bytes())
	if uint64(addr) != 0x7fffffffe000-16 {
		t.Errorf("DW_OP_breg6 -16 = %#x", addr)
	}
}

func TestFbreg(t *testing.T) {
	ctx := &fakeContext{frameBase: 0x7fffffffe010}
	var buf bytes.Buffer
	buf.WriteByte(byte(DW_OP_fbreg))
	util.EncodeSLEB128(&buf, -24)

	addr, _ := execute(t, ctx, buf.Bytes())
	if addr != 0x7fffffffe010-24 {
		t.Errorf("DW_OP_fbreg -24 = %#x", addr)
	}
}

func TestFbregWithoutFrameBase(t *testing.T) {
	ctx := &fakeContext{fbErr: errors.New("no frame base")}
	var buf bytes.Buffer
	buf.WriteByte(byte(DW_OP_fbreg))
	util.EncodeSLEB128(&buf, -24)

	if _, _, err := ExecuteStackProgram(ctx, buf.Bytes()); err == nil {
		t.Error("fbreg without a frame base did not fail")
	}
}

func TestDeref(t *testing.T) {
	ctx := &fakeContext{memory: map[uint64]uint64{0x401000: 0xcafe}}
	program := []byte{byte(DW_OP_addr), 0x00, 0x10, 0x40, 0, 0, 0, 0, 0, byte(DW_OP_deref)}

	addr, _ := execute(t, ctx, program)
	if addr != 0xcafe {
		t.Errorf("deref = %#x, want 0xcafe", addr)
	}
}

func TestDerefInvalidAddress(t *testing.T) {
	ctx := &fakeContext{memory: map[uint64]uint64{}}
	program := []byte{byte(DW_OP_addr), 0x00, 0x10, 0x40, 0, 0, 0, 0, 0, byte(DW_OP_deref)}

	if _, _, err := ExecuteStackProgram(ctx, program); err == nil {
		t.Error("deref of an unmapped address did not fail")
	}
}

func TestInvalidOpcode(t *testing.T) {
	if _, _, err := ExecuteStackProgram(&fakeContext{}, []byte{0xff}); err == nil {
		t.Error("invalid opcode did not fail")
	}
}

func TestEmptyProgram(t *testing.T) {
	if _, _, err := ExecuteStackProgram(&fakeContext{}, nil); err != ErrStackEmpty {
		t.Errorf("empty program returned %v, want ErrStackEmpty", err)
	}
}
