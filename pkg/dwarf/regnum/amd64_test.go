package regnum

import "testing"

func TestNameNumberRoundTrip(t *testing.T) {
	for name, num := range AMD64NameToDwarf {
		if got := AMD64ToName(num); got != name {
			t.Errorf("AMD64ToName(%d) = %q, want %q", num, got, name)
		}
	}
}

func TestKnownNumbers(t *testing.T) {
	for _, tc := range []struct {
		name string
		num  int
	}{
		{"rax", 0},
		{"rbp", 6},
		{"rsp", 7},
		{"r15", 15},
		{"eflags", 49},
		{"gs_base", 59},
	} {
		if got := AMD64NameToDwarf[tc.name]; got != tc.num {
			t.Errorf("%s = %d, want %d", tc.name, got, tc.num)
		}
	}
}

func TestMaxRegNum(t *testing.T) {
	if got := AMD64MaxRegNum(); got != AMD64_Gs_base {
		t.Errorf("AMD64MaxRegNum() = %d, want %d", got, AMD64_Gs_base)
	}
}

func TestUnknownName(t *testing.T) {
	if got := AMD64ToName(1000); got != "unknown1000" {
		t.Errorf("AMD64ToName(1000) = %q", got)
	}
}
