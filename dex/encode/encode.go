// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package encode holds the byte-level codecs shared by the log records, the
// payout memos and the storage index.
package encode

import (
	"encoding/binary"
	"errors"
	"time"

	"lukechampine.com/uint128"
)

// IntCoder is the byte order for every multi-byte integer in a log record.
var IntCoder = binary.BigEndian

// ErrVarIntOverflow is returned when a LEB128 value does not fit a uint64.
var ErrVarIntOverflow = errors.New("leb128 value overflows uint64")

// ErrShortBuffer is returned when a LEB128 value is truncated.
var ErrShortBuffer = errors.New("leb128 value truncated")

// Uint16Bytes converts the uint16 to a length-2, big-endian encoded byte slice.
func Uint16Bytes(i uint16) []byte {
	b := make([]byte, 2)
	IntCoder.PutUint16(b, i)
	return b
}

// Uint64Bytes converts the uint64 to a length-8, big-endian encoded byte slice.
func Uint64Bytes(i uint64) []byte {
	b := make([]byte, 8)
	IntCoder.PutUint64(b, i)
	return b
}

// PutU128 writes v big-endian into b[:16].
func PutU128(b []byte, v uint128.Uint128) {
	v.PutBytesBE(b[:16])
}

// U128 reads a big-endian u128 from b[:16].
func U128(b []byte) uint128.Uint128 {
	return uint128.FromBytesBE(b[:16])
}

// PutID writes a 64-bit id as a 16-byte big-endian u128.
func PutID(b []byte, id uint64) {
	IntCoder.PutUint64(b[:8], 0)
	IntCoder.PutUint64(b[8:16], id)
}

// ID reads a 16-byte big-endian u128 id. The high half must be zero for the
// id to have been written by PutID; the low half is returned.
func ID(b []byte) uint64 {
	return IntCoder.Uint64(b[8:16])
}

// IDBytes returns the 16-byte encoding of an id.
func IDBytes(id uint64) []byte {
	b := make([]byte, 16)
	PutID(b, id)
	return b
}

// AppendLEB128 appends the unsigned LEB128 encoding of v to b.
func AppendLEB128(b []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b = append(b, c|0x80)
			continue
		}
		return append(b, c)
	}
}

// ReadLEB128 decodes an unsigned LEB128 value, returning it and the number of
// bytes consumed.
func ReadLEB128(b []byte) (uint64, int, error) {
	var v uint64
	var shift uint
	for i, c := range b {
		if shift == 63 && c > 1 {
			return 0, 0, ErrVarIntOverflow
		}
		v |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
		if shift > 63 {
			return 0, 0, ErrVarIntOverflow
		}
	}
	return 0, 0, ErrShortBuffer
}

// Bool returns the one-byte encoding of b.
func Bool(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// UnixNanos returns the time as unsigned nanoseconds since the epoch.
func UnixNanos(t time.Time) uint64 {
	return uint64(t.UnixNano())
}

// NanosTime converts unsigned epoch nanoseconds to a time.Time.
func NanosTime(nanos uint64) time.Time {
	return time.Unix(0, int64(nanos))
}

// ClearBytes zeroes the byte slice.
func ClearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
