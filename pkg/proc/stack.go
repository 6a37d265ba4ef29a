package proc

import "encoding/binary"

// Stackframe is one frame of a backtrace: the start address and name of
// the function, as recorded in the disassembly index.
type Stackframe struct {
	Start uint64
	Name  string
}

// Backtrace walks the frame-pointer chain of the stopped tracee. Frames
// are emitted in call order, deepest first; the walk stops at main or
// when the PC no longer belongs to a known function. It assumes the
// tracee was compiled without frame-pointer omission.
func (p *Process) Backtrace() ([]Stackframe, error) {
	pc, err := p.PC()
	if err != nil {
		return nil, err
	}
	fn := p.Disasm.FunctionContaining(pc)
	if fn.EndAddr == 0 {
		return nil, nil
	}
	frames := []Stackframe{{Start: fn.StartAddr, Name: fn.Name}}
	if fn.Name == "main" {
		return frames, nil
	}

	fp, err := p.FramePointer()
	if err != nil {
		return nil, err
	}
	for {
		retAddr, err := PeekMemory(p.Pid, fp+8)
		if err != nil {
			return frames, nil
		}
		fn = p.Disasm.FunctionContaining(retAddr)
		if fn.EndAddr == 0 {
			return frames, nil
		}
		frames = append(frames, Stackframe{Start: fn.StartAddr, Name: fn.Name})
		if fn.Name == "main" {
			return frames, nil
		}
		fp, err = PeekMemory(p.Pid, fp)
		if err != nil {
			return frames, nil
		}
	}
}

// DumpMemoryRegion reads [lo, hi) of the tracee word by word and
// explodes each 8-byte word into little-endian bytes.
func (p *Process) DumpMemoryRegion(lo, hi uint64) ([]byte, error) {
	var out []byte
	word := make([]byte, 8)
	for addr := lo; addr < hi; addr += 8 {
		val, err := PeekMemory(p.Pid, addr)
		if err != nil {
			return out, err
		}
		binary.LittleEndian.PutUint64(word, val)
		out = append(out, word...)
	}
	return out, nil
}
