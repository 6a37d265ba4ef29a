package proc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	sys "golang.org/x/sys/unix"
)

// InvalidAddressError represents an attempt to dereference an address
// that is not mapped in the tracee.
type InvalidAddressError struct {
	Address uint64
}

func (iae InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid address %#x", iae.Address)
}

// PeekMemory reads the 8-byte word at addr in the tracee. The address
// is not checked for validity; callers dereferencing operator- or
// DWARF-derived addresses must call ValidAddress first.
func PeekMemory(pid int, addr uint64) (uint64, error) {
	word := make([]byte, 8)
	_, err := sys.PtracePeekData(pid, uintptr(addr), word)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(word), nil
}

// PokeMemory writes an 8-byte word at addr in the tracee.
func PokeMemory(pid int, addr, value uint64) error {
	word := make([]byte, 8)
	binary.LittleEndian.PutUint64(word, value)
	_, err := sys.PtracePokeData(pid, uintptr(addr), word)
	return err
}

// ValidAddress reports whether addr falls inside one of the tracee's
// mapped ranges. The memory map is read afresh on every call, it
// changes whenever the tracee maps memory.
func ValidAddress(pid int, addr uint64) bool {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return false
	}
	defer f.Close()
	return mapsContain(f, addr)
}

// mapsContain scans /proc/<pid>/maps content line by line for a range
// [lo, hi) containing addr.
func mapsContain(r io.Reader, addr uint64) bool {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lo, hi, err := parseMapsRange(scanner.Text())
		if err != nil {
			continue
		}
		if addr >= lo && addr < hi {
			return true
		}
	}
	return false
}

// firstMappingStart returns the low end of the first range in
// /proc/<pid>/maps content.
func firstMappingStart(r io.Reader) (uint64, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return 0, fmt.Errorf("empty memory map")
	}
	lo, _, err := parseMapsRange(scanner.Text())
	return lo, err
}

func parseMapsRange(line string) (lo, hi uint64, err error) {
	rng := line
	if i := strings.IndexByte(rng, ' '); i >= 0 {
		rng = rng[:i]
	}
	dash := strings.IndexByte(rng, '-')
	if dash < 0 {
		return 0, 0, fmt.Errorf("malformed maps line %q", line)
	}
	lo, err = strconv.ParseUint(rng[:dash], 16, 64)
	if err != nil {
		return 0, 0, err
	}
	hi, err = strconv.ParseUint(rng[dash+1:], 16, 64)
	if err != nil {
		return 0, 0, err
	}
	return lo, hi, nil
}

// runtimeLoadAddress reads the base at which the tracee's main object
// was mapped from the first line of /proc/<pid>/maps.
func runtimeLoadAddress(pid int) (uint64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return firstMappingStart(f)
}
