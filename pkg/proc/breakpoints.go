package proc

import "fmt"

const breakpointInstruction = 0xCC

// Breakpoint represents one software breakpoint: the 0xCC trap byte at
// Addr and the original instruction byte it displaced. While enabled,
// OriginalByte is the only copy of the overwritten byte, so an enabled
// breakpoint must stay at its address in the breakpoint map.
type Breakpoint struct {
	Addr         uint64
	OriginalByte byte
	enabled      bool
}

func (bp *Breakpoint) String() string {
	return fmt.Sprintf("breakpoint at %#x", bp.Addr)
}

// Enabled reports whether the trap byte is currently installed.
func (bp *Breakpoint) Enabled() bool {
	return bp.enabled
}

// Enable saves the low byte of the word at bp.Addr and replaces it with
// the trap instruction.
func (bp *Breakpoint) Enable(pid int) error {
	word, err := PeekMemory(pid, bp.Addr)
	if err != nil {
		return err
	}
	bp.OriginalByte = byte(word & 0xff)
	patched := (word &^ 0xff) | breakpointInstruction
	if err := PokeMemory(pid, bp.Addr, patched); err != nil {
		return err
	}
	bp.enabled = true
	return nil
}

// Disable restores the saved instruction byte.
func (bp *Breakpoint) Disable(pid int) error {
	word, err := PeekMemory(pid, bp.Addr)
	if err != nil {
		return err
	}
	restored := (word &^ 0xff) | uint64(bp.OriginalByte)
	if err := PokeMemory(pid, bp.Addr, restored); err != nil {
		return err
	}
	bp.enabled = false
	return nil
}

// BreakpointExistsError is returned when trying to set a breakpoint at
// an address that already has one.
type BreakpointExistsError struct {
	Addr uint64
}

func (bpe BreakpointExistsError) Error() string {
	return fmt.Sprintf("breakpoint exists at %#x", bpe.Addr)
}

// NoBreakpointError is returned when clearing an address that has no
// breakpoint.
type NoBreakpointError struct {
	Addr uint64
}

func (nbp NoBreakpointError) Error() string {
	return fmt.Sprintf("no breakpoint at %#x", nbp.Addr)
}
