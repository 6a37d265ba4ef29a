package proc

import (
	"testing"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

func TestRegisterTableShape(t *testing.T) {
	if unsafe.Sizeof(sys.PtraceRegs{}) != numRegisters*8 {
		t.Fatalf("register table has %d rows but the kernel block holds %d words",
			numRegisters, unsafe.Sizeof(sys.PtraceRegs{})/8)
	}

	names := make(map[string]bool)
	dwarfNums := make(map[int]bool)
	for i, desc := range registerTable {
		if int(desc.reg) != i {
			t.Errorf("row %d: enum tag %d does not match table position", i, desc.reg)
		}
		if names[desc.name] {
			t.Errorf("duplicate register name %q", desc.name)
		}
		names[desc.name] = true
		if desc.dwarfNum >= 0 {
			if dwarfNums[desc.dwarfNum] {
				t.Errorf("duplicate DWARF number %d", desc.dwarfNum)
			}
			dwarfNums[desc.dwarfNum] = true
		}
	}

	for _, name := range []string{"rip", "orig_rax"} {
		reg, err := LookupRegister(name)
		if err != nil {
			t.Fatalf("LookupRegister(%s): %v", name, err)
		}
		if registerTable[reg].dwarfNum != -1 {
			t.Errorf("%s has DWARF number %d, want -1", name, registerTable[reg].dwarfNum)
		}
	}
}

func TestLookupRegisterRoundTrip(t *testing.T) {
	for _, desc := range registerTable {
		reg, err := LookupRegister(desc.name)
		if err != nil {
			t.Fatalf("LookupRegister(%s): %v", desc.name, err)
		}
		if reg != desc.reg {
			t.Errorf("LookupRegister(%s) = %d, want %d", desc.name, reg, desc.reg)
		}
		if got := RegisterName(desc.reg); got != desc.name {
			t.Errorf("RegisterName(%d) = %q, want %q", desc.reg, got, desc.name)
		}
	}

	if _, err := LookupRegister("xmm0"); err == nil {
		t.Error("LookupRegister of an unknown name did not fail")
	}
}
