package proc

import (
	"strings"
	"testing"
)

const sampleDisasm = `basic:     file format elf64-x86-64

Disassembly of section .init:

0000000000401000 <_init>:
  401000:	f3 0f 1e fa          	endbr64
  401004:	48 83 ec 08          	sub    $0x8,%rsp

Disassembly of section .text:

0000000000401106 <main>:
  401106:	55                   	push   %rbp
  401107:	48 89 e5             	mov    %rsp,%rbp
  40110a:	c7 45 f8 03 00 00 00 	movl   $0x3,-0x8(%rbp)
  401111:	8b 45 f8             	mov    -0x8(%rbp),%eax
  401114:	83 c0 04             	add    $0x4,%eax
  401117:	89 45 fc             	mov    %eax,-0x4(%rbp)
  40111a:	8b 45 fc             	mov    -0x4(%rbp),%eax
  40111d:	5d                   	pop    %rbp
  40111e:	c3                   	ret

0000000000401120 <helper>:
  401120:	ff 25 d2 2e 00 00    	jmp    *0x2ed2(%rip)        # 403ff8 <helper+0x2ed8>
`

func TestParseDisasm(t *testing.T) {
	funcs := parseDisasm(strings.NewReader(sampleDisasm))
	if len(funcs) != 3 {
		t.Fatalf("parsed %d functions, want 3", len(funcs))
	}

	main := funcs[1]
	if main.Name != "main" || main.StartAddr != 0x401106 {
		t.Errorf("second function = %q at %#x, want main at 0x401106", main.Name, main.StartAddr)
	}
	if len(main.Instructions) != 9 {
		t.Fatalf("main has %d instructions, want 9", len(main.Instructions))
	}
	if main.EndAddr != 0x40111e {
		t.Errorf("main end address = %#x, want address of last instruction 0x40111e", main.EndAddr)
	}

	first := main.Instructions[0]
	if first.Addr != 0x401106 || first.Bytes != "55" || first.Text != "push   %rbp" {
		t.Errorf("unexpected first instruction: %+v", first)
	}

	helper := funcs[2]
	if got := helper.Instructions[0].Comment; got != "403ff8 <helper+0x2ed8>" {
		t.Errorf("comment = %q", got)
	}
	if got := helper.Instructions[0].Text; strings.ContainsRune(got, '#') {
		t.Errorf("comment not split from mnemonic text: %q", got)
	}
}

// Every instruction of every function must fall inside the function's
// address range, and the end address is the last instruction's.
func TestDisasmBounds(t *testing.T) {
	funcs := parseDisasm(strings.NewReader(sampleDisasm))
	for _, fn := range funcs {
		if len(fn.Instructions) == 0 {
			continue
		}
		for _, inst := range fn.Instructions {
			if inst.Addr < fn.StartAddr || inst.Addr > fn.EndAddr {
				t.Errorf("%s: instruction %#x outside [%#x, %#x]", fn.Name, inst.Addr, fn.StartAddr, fn.EndAddr)
			}
		}
		if last := fn.Instructions[len(fn.Instructions)-1].Addr; fn.EndAddr != last {
			t.Errorf("%s: end address %#x != last instruction %#x", fn.Name, fn.EndAddr, last)
		}
	}
}

func TestDisasmRebase(t *testing.T) {
	idx := &DisasmIndex{Funcs: parseDisasm(strings.NewReader(sampleDisasm))}
	const loadAddr = 0x555555554000
	idx.rebase(loadAddr)

	fn := idx.FunctionContaining(loadAddr + 0x401111)
	if fn.EndAddr == 0 || fn.Name != "main" {
		t.Fatalf("FunctionContaining after rebase = %+v", fn)
	}
	if fn.StartAddr != loadAddr+0x401106 {
		t.Errorf("rebased start = %#x", fn.StartAddr)
	}
}

func TestFunctionContainingSentinel(t *testing.T) {
	idx := &DisasmIndex{Funcs: parseDisasm(strings.NewReader(sampleDisasm))}
	if fn := idx.FunctionContaining(0xdeadbeef); fn.EndAddr != 0 {
		t.Errorf("expected sentinel for unknown pc, got %+v", fn)
	}
}

func TestParseInstructionShortLine(t *testing.T) {
	inst := parseInstruction("  401136:\t90")
	if inst.Addr != 0 {
		t.Errorf("line with fewer than three fields should produce an empty record, got %+v", inst)
	}
}
