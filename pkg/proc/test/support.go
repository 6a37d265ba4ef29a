// Package test provides helpers for building the C fixture programs
// the live debugger tests run against.
package test

import (
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
)

// BuildFixture compiles _fixtures/<name>.c with debug info, no
// optimization, a frame pointer and a fixed load address, and returns
// the path of the produced binary. Tests are skipped when no C
// compiler is available.
func BuildFixture(t *testing.T, name string) string {
	t.Helper()

	cc, err := exec.LookPath("gcc")
	if err != nil {
		if cc, err = exec.LookPath("cc"); err != nil {
			t.Skip("no C compiler in PATH")
		}
	}
	if _, err := exec.LookPath("objdump"); err != nil {
		t.Skip("no objdump in PATH")
	}

	source := filepath.Join(FixturesDir(), name+".c")
	out := filepath.Join(t.TempDir(), name)
	cmd := exec.Command(cc, "-g", "-O0", "-fno-omit-frame-pointer", "-no-pie", "-o", out, source)
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("could not build fixture %s: %v\n%s", name, err, output)
	}
	return out
}

// FixturesDir returns the repository's _fixtures directory.
func FixturesDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "_fixtures")
}
