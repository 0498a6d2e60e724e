// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package icrc defines the account identities used on the cycles and token
// ledgers: principals, 32-byte subaccounts, and owner/subaccount pairs.
package icrc

import (
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
)

const (
	// MaxPrincipalLen is the longest principal in bytes.
	MaxPrincipalLen = 29
	// PrincipalEncodedLen is the fixed length of a principal inside a log
	// record: one length byte followed by the zero-padded principal.
	PrincipalEncodedLen = 30
	// SubaccountLen is the fixed length of a subaccount.
	SubaccountLen = 32
)

var (
	ErrPrincipalTooLong = errors.New("principal longer than 29 bytes")
	ErrBadPrincipalText = errors.New("malformed principal text")
	ErrBadSubaccount    = errors.New("subaccount must be 32 bytes")
)

var principalBase32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Principal is the raw byte form of an identity. It is held as a string so it
// can key maps directly.
type Principal string

// PrincipalFromBytes validates and wraps raw principal bytes.
func PrincipalFromBytes(b []byte) (Principal, error) {
	if len(b) > MaxPrincipalLen {
		return "", ErrPrincipalTooLong
	}
	return Principal(b), nil
}

// Bytes returns the raw principal bytes.
func (p Principal) Bytes() []byte {
	return []byte(p)
}

// String returns the textual form: base32 of a big-endian CRC32 checksum
// followed by the bytes, lowercased and grouped by five with dashes.
func (p Principal) String() string {
	raw := make([]byte, 4+len(p))
	binary.BigEndian.PutUint32(raw, crc32.ChecksumIEEE([]byte(p)))
	copy(raw[4:], p)
	enc := strings.ToLower(principalBase32.EncodeToString(raw))
	var sb strings.Builder
	for i := 0; i < len(enc); i += 5 {
		if i > 0 {
			sb.WriteByte('-')
		}
		end := i + 5
		if end > len(enc) {
			end = len(enc)
		}
		sb.WriteString(enc[i:end])
	}
	return sb.String()
}

// ParsePrincipal parses the textual form produced by String.
func ParsePrincipal(s string) (Principal, error) {
	enc := strings.ToUpper(strings.ReplaceAll(s, "-", ""))
	raw, err := principalBase32.DecodeString(enc)
	if err != nil || len(raw) < 4 {
		return "", ErrBadPrincipalText
	}
	p, err := PrincipalFromBytes(raw[4:])
	if err != nil {
		return "", err
	}
	if crc32.ChecksumIEEE(raw[4:]) != binary.BigEndian.Uint32(raw[:4]) {
		return "", fmt.Errorf("%w: checksum mismatch", ErrBadPrincipalText)
	}
	if p.String() != strings.ToLower(s) {
		return "", fmt.Errorf("%w: not in canonical form", ErrBadPrincipalText)
	}
	return p, nil
}

// Encode30 returns the 30-byte record encoding of the principal.
func (p Principal) Encode30() [PrincipalEncodedLen]byte {
	var b [PrincipalEncodedLen]byte
	b[0] = byte(len(p))
	copy(b[1:], p)
	return b
}

// PutEncoded30 writes the 30-byte encoding into b[:30].
func (p Principal) PutEncoded30(b []byte) {
	enc := p.Encode30()
	copy(b[:PrincipalEncodedLen], enc[:])
}

// DecodePrincipal30 reads a principal from its 30-byte record encoding.
func DecodePrincipal30(b []byte) (Principal, error) {
	if len(b) < PrincipalEncodedLen {
		return "", fmt.Errorf("principal encoding too short: %d", len(b))
	}
	n := int(b[0])
	if n > MaxPrincipalLen {
		return "", ErrPrincipalTooLong
	}
	return Principal(b[1 : 1+n]), nil
}

// Subaccount is a 32-byte ledger subaccount.
type Subaccount [SubaccountLen]byte

// SubaccountFromBytes copies a 32-byte slice into a Subaccount.
func SubaccountFromBytes(b []byte) (*Subaccount, error) {
	if len(b) != SubaccountLen {
		return nil, ErrBadSubaccount
	}
	var s Subaccount
	copy(s[:], b)
	return &s, nil
}

// ParseSubaccount decodes a hex subaccount. The empty string is a nil
// subaccount.
func ParseSubaccount(s string) (*Subaccount, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrBadSubaccount
	}
	return SubaccountFromBytes(b)
}

// String is the hex encoding.
func (s Subaccount) String() string {
	return hex.EncodeToString(s[:])
}

// IsZero is true for the default subaccount.
func (s *Subaccount) IsZero() bool {
	return s == nil || *s == Subaccount{}
}

// PrincipalSubaccount derives a user's deposit subaccount under the exchange:
// the principal's length, its bytes, then zero padding.
func PrincipalSubaccount(p Principal) Subaccount {
	var s Subaccount
	s[0] = byte(len(p))
	copy(s[1:], p)
	return s
}

// PositionsSubaccount is the exchange's escrow subaccount backing every
// resting position and every unpaid payout.
var PositionsSubaccount = func() Subaccount {
	var s Subaccount
	copy(s[:], "cycles-market-positions")
	s[SubaccountLen-1] = 0x01
	return s
}()

// Account is an owner and optional subaccount. An absent subaccount is the
// zero subaccount for identity and hashing.
type Account struct {
	Owner      Principal
	Subaccount *Subaccount
}

// Key returns a comparable identity for the account.
func (a Account) Key() string {
	var sub Subaccount
	if a.Subaccount != nil {
		sub = *a.Subaccount
	}
	return string(a.Owner) + string(sub[:])
}

// Equal compares two accounts treating nil and zero subaccounts alike.
func (a Account) Equal(b Account) bool {
	return a.Key() == b.Key()
}

func (a Account) String() string {
	if a.Subaccount.IsZero() {
		return a.Owner.String()
	}
	return a.Owner.String() + "." + a.Subaccount.String()
}
