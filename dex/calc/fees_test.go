// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package calc

import (
	"testing"

	"lukechampine.com/uint128"
)

func u(v uint64) uint128.Uint128 { return uint128.From64(v) }

func TestTradeFeeCycles(t *testing.T) {
	const T = 1_000_000_000_000
	tests := []struct {
		name         string
		prior, match uint128.Uint128
		want         uint128.Uint128
	}{
		{"first tier", u(0), u(1_111_100_000), u(5_555_500)},
		{"zero volume", u(0), u(0), u(0)},
		{"tiny slice rounds down", u(0), u(9_999), u(0)},
		{
			name:  "crosses first tier",
			prior: u(999 * T),
			match: u(2 * T),
			// 1 T at 50 bp + 1 T at 30 bp
			want: u(T/10_000*50 + T/10_000*30),
		},
		{
			name:  "top tier",
			prior: u(200_000 * T),
			match: u(10 * T),
			want:  u(10 * T / 10_000),
		},
	}
	for _, tt := range tests {
		got := TradeFeeCycles(DefaultFeeTiers, tt.prior, tt.match)
		if !got.Equals(tt.want) {
			t.Errorf("%s: wanted fee %s, got %s", tt.name, tt.want, got)
		}
	}
}

func TestSaturating(t *testing.T) {
	if !SatAdd(uint128.Max, u(1)).Equals(uint128.Max) {
		t.Fatalf("SatAdd did not saturate")
	}
	if !SatSub(u(1), u(2)).IsZero() {
		t.Fatalf("SatSub did not clamp at zero")
	}
	if !SatMul(uint128.Max, u(2)).Equals(uint128.Max) {
		t.Fatalf("SatMul did not saturate")
	}
	if !SatMul(u(3), u(5)).Equals64(15) {
		t.Fatalf("SatMul wrong product")
	}
	if !Div(u(10), uint128.Zero).IsZero() {
		t.Fatalf("Div by zero should be zero")
	}
}

func TestMidpoint(t *testing.T) {
	for _, tt := range [][3]uint64{{100, 120, 110}, {120, 100, 110}, {100, 101, 100}, {7, 7, 7}} {
		got := Midpoint(u(tt[0]), u(tt[1]))
		if !got.Equals64(tt[2]) {
			t.Errorf("Midpoint(%d, %d) = %s, wanted %d", tt[0], tt[1], got, tt[2])
		}
		// |2*r - a - b| <= 1
		two := got.Mul64(2)
		sum := u(tt[0] + tt[1])
		if SatSub(sum, two).Cmp64(1) > 0 || SatSub(two, sum).Cmp64(1) > 0 {
			t.Errorf("Midpoint(%d, %d) out of bound", tt[0], tt[1])
		}
	}
}
