package op

// Subset of the DWARF v4 location expression opcodes that a debugger for
// unoptimized C code actually encounters: direct addresses, constants,
// simple arithmetic, register and register-relative locations, frame-base
// relative locations and memory dereferences.
const (
	DW_OP_addr           Opcode = 0x03
	DW_OP_deref          Opcode = 0x06
	DW_OP_const1u        Opcode = 0x08
	DW_OP_const1s        Opcode = 0x09
	DW_OP_const2u        Opcode = 0x0a
	DW_OP_const2s        Opcode = 0x0b
	DW_OP_const4u        Opcode = 0x0c
	DW_OP_const4s        Opcode = 0x0d
	DW_OP_const8u        Opcode = 0x0e
	DW_OP_const8s        Opcode = 0x0f
	DW_OP_constu         Opcode = 0x10
	DW_OP_consts         Opcode = 0x11
	DW_OP_dup            Opcode = 0x12
	DW_OP_drop           Opcode = 0x13
	DW_OP_minus          Opcode = 0x1c
	DW_OP_plus           Opcode = 0x22
	DW_OP_plus_uconst    Opcode = 0x23
	DW_OP_lit0           Opcode = 0x30
	DW_OP_lit31          Opcode = 0x4f
	DW_OP_reg0           Opcode = 0x50
	DW_OP_reg31          Opcode = 0x6f
	DW_OP_breg0          Opcode = 0x70
	DW_OP_breg31         Opcode = 0x8f
	DW_OP_regx           Opcode = 0x90
	DW_OP_fbreg          Opcode = 0x91
	DW_OP_bregx          Opcode = 0x92
	DW_OP_deref_size     Opcode = 0x94
	DW_OP_call_frame_cfa Opcode = 0x9c
)

var oplut = map[Opcode]stackfn{
	DW_OP_addr:           addr,
	DW_OP_deref:          deref,
	DW_OP_const1u:        constnu,
	DW_OP_const1s:        constns,
	DW_OP_const2u:        constnu,
	DW_OP_const2s:        constns,
	DW_OP_const4u:        constnu,
	DW_OP_const4s:        constns,
	DW_OP_const8u:        constnu,
	DW_OP_const8s:        constns,
	DW_OP_constu:         constu,
	DW_OP_consts:         consts,
	DW_OP_dup:            dup,
	DW_OP_drop:           drop,
	DW_OP_minus:          minus,
	DW_OP_plus:           plus,
	DW_OP_plus_uconst:    plusuconst,
	DW_OP_regx:           register,
	DW_OP_fbreg:          framebase,
	DW_OP_bregx:          bregister,
	DW_OP_deref_size:     deref,
	DW_OP_call_frame_cfa: callframecfa,
}

func init() {
	for op := DW_OP_lit0; op <= DW_OP_lit31; op++ {
		oplut[op] = literal
	}
	for op := DW_OP_reg0; op <= DW_OP_reg31; op++ {
		oplut[op] = register
	}
	for op := DW_OP_breg0; op <= DW_OP_breg31; op++ {
		oplut[op] = bregister
	}
}

func opcodeSize(op Opcode) int {
	switch op {
	case DW_OP_const1u, DW_OP_const1s:
		return 1
	case DW_OP_const2u, DW_OP_const2s:
		return 2
	case DW_OP_const4u, DW_OP_const4s:
		return 4
	default:
		return 8
	}
}
