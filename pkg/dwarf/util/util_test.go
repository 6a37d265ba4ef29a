package util

import (
	"bytes"
	"testing"
)

func TestULEB128RoundTrip(t *testing.T) {
	for _, want := range []uint64{0, 1, 127, 128, 624485, 1<<63 - 1} {
		var buf bytes.Buffer
		EncodeULEB128(&buf, want)
		got, length := DecodeULEB128(&buf)
		if got != want {
			t.Errorf("ULEB128 round trip of %d = %d", want, got)
		}
		if length == 0 {
			t.Errorf("ULEB128 decode of %d reported zero length", want)
		}
	}
}

func TestSLEB128RoundTrip(t *testing.T) {
	for _, want := range []int64{0, 1, -1, 63, -64, 127, -128, 624485, -624485} {
		var buf bytes.Buffer
		EncodeSLEB128(&buf, want)
		got, length := DecodeSLEB128(&buf)
		if got != want {
			t.Errorf("SLEB128 round trip of %d = %d", want, got)
		}
		if length == 0 {
			t.Errorf("SLEB128 decode of %d reported zero length", want)
		}
	}
}

func TestDecodeKnownValues(t *testing.T) {
	// Example from the DWARF standard.
	if got, _ := DecodeULEB128(bytes.NewBuffer([]byte{0xe5, 0x8e, 0x26})); got != 624485 {
		t.Errorf("DecodeULEB128(e5 8e 26) = %d, want 624485", got)
	}
	if got, _ := DecodeSLEB128(bytes.NewBuffer([]byte{0x7f})); got != -1 {
		t.Errorf("DecodeSLEB128(7f) = %d, want -1", got)
	}
}
