package proc

import (
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// Values of the si_code field of a siginfo block delivered with SIGTRAP.
const (
	siKernel  = 0x80 // kernel generated, includes int3
	trapBrkpt = 1    // breakpoint trap
	trapTrace = 2    // single-step trap
)

// siginfo mirrors the prefix of the kernel's siginfo_t on linux/amd64.
// The total size of siginfo_t is 128 bytes, the padding covers the union
// fields the engine does not inspect.
type siginfo struct {
	signo int32
	errno int32
	code  int32
	pad   [116]byte
}

func ptraceCont(pid, sig int) error {
	return sys.PtraceCont(pid, sig)
}

func ptraceSingleStep(pid int) error {
	return sys.PtraceSingleStep(pid)
}

func ptraceGetRegs(pid int, regs *sys.PtraceRegs) error {
	return sys.PtraceGetRegs(pid, regs)
}

func ptraceSetRegs(pid int, regs *sys.PtraceRegs) error {
	return sys.PtraceSetRegs(pid, regs)
}

// ptraceGetSiginfo retrieves the signal-info block describing the signal
// that stopped the tracee.
func ptraceGetSiginfo(pid int) (*siginfo, error) {
	var si siginfo
	_, _, err := syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_GETSIGINFO, uintptr(pid), 0, uintptr(unsafe.Pointer(&si)), 0, 0)
	if err != syscall.Errno(0) {
		return nil, err
	}
	return &si, nil
}

// wait blocks until the tracee changes state and returns its wait status.
func wait(pid int) (sys.WaitStatus, error) {
	var status sys.WaitStatus
	_, err := sys.Wait4(pid, &status, sys.WALL, nil)
	return status, err
}
