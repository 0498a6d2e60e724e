// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package encode

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"lukechampine.com/uint128"
)

func TestLEB128(t *testing.T) {
	tests := []struct {
		v   uint64
		enc []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{624485, []byte{0xe5, 0x8e, 0x26}},
		{math.MaxUint64, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01}},
	}
	for _, tt := range tests {
		enc := AppendLEB128(nil, tt.v)
		if !bytes.Equal(enc, tt.enc) {
			t.Fatalf("AppendLEB128(%d) = %x, wanted %x", tt.v, enc, tt.enc)
		}
		v, n, err := ReadLEB128(append(enc, 0xaa))
		if err != nil {
			t.Fatalf("ReadLEB128(%x): %v", enc, err)
		}
		if v != tt.v || n != len(enc) {
			t.Fatalf("ReadLEB128(%x) = (%d, %d), wanted (%d, %d)", enc, v, n, tt.v, len(enc))
		}
	}

	if _, _, err := ReadLEB128([]byte{0x80, 0x80}); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
	over := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x02}
	if _, _, err := ReadLEB128(over); !errors.Is(err, ErrVarIntOverflow) {
		t.Fatalf("expected ErrVarIntOverflow, got %v", err)
	}
}

func TestU128(t *testing.T) {
	b := make([]byte, 16)
	v := uint128.New(0xdeadbeef, 0x01)
	PutU128(b, v)
	if b[7] != 0x01 || b[15] != 0xef {
		t.Fatalf("not big-endian: %x", b)
	}
	if !U128(b).Equals(v) {
		t.Fatalf("round trip mismatch")
	}
	PutID(b, 42)
	if ID(b) != 42 || !U128(b).Equals64(42) {
		t.Fatalf("id encoding mismatch: %x", b)
	}
}
