package proc

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tinydbg/tinydbg/pkg/logflags"
)

// BinaryInfo is the facade over the binary's ELF sections and DWARF
// debugging records. Every PC it accepts or returns is DWARF-relative:
// the caller adjusts by the load address when talking to the tracee.
type BinaryInfo struct {
	Path    string
	ElfType elf.Type

	elfFile *elf.File
	dw      *dwarf.Data

	// functions is an interval table of subprogram DIEs sorted by
	// entry address, so that "function containing PC" is a binary
	// search and never depends on the disassembly index agreeing
	// with DWARF on names.
	functions []FunctionEntry

	lineCache *lru.Cache
}

// FunctionEntry describes one subprogram DIE.
type FunctionEntry struct {
	LowPC  uint64
	HighPC uint64
	Name   string
	Offset dwarf.Offset
}

// Symbol is one entry of the ELF symbol or dynamic-symbol table.
type Symbol struct {
	Name string
	Kind string
	Addr uint64
}

// NoSourceForPCError is returned when no compilation unit's line table
// covers the given PC, which routinely happens inside library code.
type NoSourceForPCError struct {
	PC uint64
}

func (e NoSourceForPCError) Error() string {
	return fmt.Sprintf("no source line information for %#x", e.PC)
}

// NoLineError is returned when a file:line location has no statement
// boundary in the line tables.
type NoLineError struct {
	File string
	Line int
}

func (e NoLineError) Error() string {
	return fmt.Sprintf("could not find %s:%d", e.File, e.Line)
}

// NoFunctionError is returned for function names with no subprogram DIE.
type NoFunctionError struct {
	Name string
}

func (e NoFunctionError) Error() string {
	return fmt.Sprintf("no function named %q", e.Name)
}

const lineCacheSize = 256

// LoadBinaryInfo opens the binary read-only and indexes its subprogram
// DIEs.
func LoadBinaryInfo(path string) (*BinaryInfo, error) {
	elfFile, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %v", path, err)
	}
	dw, err := elfFile.DWARF()
	if err != nil {
		elfFile.Close()
		return nil, fmt.Errorf("could not read debug info from %s: %v", path, err)
	}
	cache, err := lru.New(lineCacheSize)
	if err != nil {
		elfFile.Close()
		return nil, err
	}
	bi := &BinaryInfo{
		Path:      path,
		ElfType:   elfFile.Type,
		elfFile:   elfFile,
		dw:        dw,
		lineCache: cache,
	}
	if err := bi.loadFunctions(); err != nil {
		elfFile.Close()
		return nil, err
	}
	logflags.DwarfLogger().Debugf("indexed %d functions in %s", len(bi.functions), path)
	return bi, nil
}

// Close releases the mapped binary.
func (bi *BinaryInfo) Close() error {
	return bi.elfFile.Close()
}

func (bi *BinaryInfo) loadFunctions() error {
	reader := bi.dw.Reader()
	for {
		entry, err := reader.Next()
		if err != nil {
			return err
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}
		name, _ := entry.Val(dwarf.AttrName).(string)
		lowpc, ok := entry.Val(dwarf.AttrLowpc).(uint64)
		if !ok || name == "" {
			continue
		}
		fe := FunctionEntry{LowPC: lowpc, Name: name, Offset: entry.Offset}
		// DW_AT_high_pc is either an address or an offset from
		// the entry address.
		switch highpc := entry.Val(dwarf.AttrHighpc).(type) {
		case uint64:
			fe.HighPC = highpc
		case int64:
			fe.HighPC = lowpc + uint64(highpc)
		default:
			fe.HighPC = lowpc
		}
		bi.functions = append(bi.functions, fe)
	}
	sort.Slice(bi.functions, func(i, j int) bool {
		return bi.functions[i].LowPC < bi.functions[j].LowPC
	})
	return nil
}

// FindFunction returns the subprogram whose [LowPC, HighPC) range
// contains pc.
func (bi *BinaryInfo) FindFunction(pc uint64) (FunctionEntry, bool) {
	i := sort.Search(len(bi.functions), func(i int) bool {
		return bi.functions[i].LowPC > pc
	})
	if i == 0 {
		return FunctionEntry{}, false
	}
	fe := bi.functions[i-1]
	if pc >= fe.LowPC && pc < fe.HighPC {
		return fe, true
	}
	return FunctionEntry{}, false
}

// FindFunctionByName returns the subprogram with the given name.
func (bi *BinaryInfo) FindFunctionByName(name string) (FunctionEntry, bool) {
	for _, fe := range bi.functions {
		if fe.Name == name {
			return fe, true
		}
	}
	return FunctionEntry{}, false
}

// Functions returns every indexed subprogram in address order.
func (bi *BinaryInfo) Functions() []FunctionEntry {
	return bi.functions
}

// LineEntryForPC returns the line table entry covering pc. Lookups are
// cached; the tables themselves never change after load.
func (bi *BinaryInfo) LineEntryForPC(pc uint64) (dwarf.LineEntry, error) {
	if cached, ok := bi.lineCache.Get(pc); ok {
		return cached.(dwarf.LineEntry), nil
	}
	entry, _, err := bi.lineEntryAndReader(pc)
	if err != nil {
		return dwarf.LineEntry{}, err
	}
	bi.lineCache.Add(pc, entry)
	return entry, nil
}

// NextLineEntry returns the line table entry immediately after the one
// covering pc, inside the same compilation unit. The boolean result is
// false when the entry for pc is the last one in its sequence.
func (bi *BinaryInfo) NextLineEntry(pc uint64) (dwarf.LineEntry, bool, error) {
	_, lr, err := bi.lineEntryAndReader(pc)
	if err != nil {
		return dwarf.LineEntry{}, false, err
	}
	var next dwarf.LineEntry
	if err := lr.Next(&next); err != nil || next.EndSequence {
		return dwarf.LineEntry{}, false, nil
	}
	return next, true, nil
}

// lineEntryAndReader walks the compilation units for one whose line
// table covers pc and leaves the returned reader positioned just past
// the matching entry.
func (bi *BinaryInfo) lineEntryAndReader(pc uint64) (dwarf.LineEntry, *dwarf.LineReader, error) {
	reader := bi.dw.Reader()
	for {
		cu, err := reader.Next()
		if err != nil {
			return dwarf.LineEntry{}, nil, err
		}
		if cu == nil {
			break
		}
		if cu.Tag != dwarf.TagCompileUnit {
			reader.SkipChildren()
			continue
		}
		reader.SkipChildren()
		lr, err := bi.dw.LineReader(cu)
		if err != nil || lr == nil {
			continue
		}
		var entry dwarf.LineEntry
		err = lr.SeekPC(pc, &entry)
		if err == dwarf.ErrUnknownPC {
			continue
		}
		if err != nil {
			return dwarf.LineEntry{}, nil, err
		}
		return entry, lr, nil
	}
	return dwarf.LineEntry{}, nil, NoSourceForPCError{PC: pc}
}

// LineAddr returns the address of the statement boundary for the given
// source line. The compilation unit is selected by matching the unit
// name against the basename of file.
func (bi *BinaryInfo) LineAddr(file string, line int) (uint64, error) {
	base := filepath.Base(file)
	reader := bi.dw.Reader()
	for {
		cu, err := reader.Next()
		if err != nil {
			return 0, err
		}
		if cu == nil {
			break
		}
		if cu.Tag != dwarf.TagCompileUnit {
			reader.SkipChildren()
			continue
		}
		reader.SkipChildren()
		name, _ := cu.Val(dwarf.AttrName).(string)
		if !strings.HasSuffix(name, base) {
			continue
		}
		lr, err := bi.dw.LineReader(cu)
		if err != nil || lr == nil {
			continue
		}
		var entry dwarf.LineEntry
		for {
			if err := lr.Next(&entry); err != nil {
				break
			}
			if entry.EndSequence {
				continue
			}
			if entry.Line == line && entry.IsStmt {
				return entry.Address, nil
			}
		}
	}
	return 0, NoLineError{File: file, Line: line}
}

// FuncEntryAddr returns the address at which a breakpoint on the named
// function should land: one line-table entry past the function's first
// source line, stepping over the prologue.
func (bi *BinaryInfo) FuncEntryAddr(name string) (uint64, error) {
	fe, ok := bi.FindFunctionByName(name)
	if !ok {
		return 0, NoFunctionError{Name: name}
	}
	_, lr, err := bi.lineEntryAndReader(fe.LowPC)
	if err != nil {
		// No line table for the function, fall back to its
		// entry address.
		return fe.LowPC, nil
	}
	var next dwarf.LineEntry
	if err := lr.Next(&next); err != nil || next.EndSequence {
		return fe.LowPC, nil
	}
	return next.Address, nil
}

// EntryFile returns the source file of the line table entry at the
// given function's entry address.
func (bi *BinaryInfo) EntryFile(funcName string) (string, error) {
	fe, ok := bi.FindFunctionByName(funcName)
	if !ok {
		return "", NoFunctionError{Name: funcName}
	}
	entry, err := bi.LineEntryForPC(fe.LowPC)
	if err != nil {
		return "", err
	}
	return entry.File.Name, nil
}

var symbolKinds = map[elf.SymType]string{
	elf.STT_NOTYPE:  "notype",
	elf.STT_OBJECT:  "object",
	elf.STT_FUNC:    "func",
	elf.STT_SECTION: "section",
	elf.STT_FILE:    "file",
}

// LookupSymbols returns the deduplicated symbol and dynamic-symbol
// table entries with the given name.
func (bi *BinaryInfo) LookupSymbols(name string) []Symbol {
	var out []Symbol
	seen := make(map[Symbol]bool)
	add := func(syms []elf.Symbol) {
		for _, sym := range syms {
			if sym.Name != name {
				continue
			}
			kind, ok := symbolKinds[elf.ST_TYPE(sym.Info)]
			if !ok {
				kind = "notype"
			}
			s := Symbol{Name: sym.Name, Kind: kind, Addr: sym.Value}
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	if syms, err := bi.elfFile.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := bi.elfFile.DynamicSymbols(); err == nil {
		add(syms)
	}
	return out
}
