// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import "errors"

// ArchiveError is the error type used by the stores for certain recognized
// errors. Not all returned errors will be of this type.
type ArchiveError struct {
	Code   uint16
	Detail string
}

// The possible Code values in an ArchiveError.
const (
	ErrGeneralFailure uint16 = iota
	ErrNoState
	ErrBadStateVersion
	ErrUnknownTrade
)

func (ae ArchiveError) Error() string {
	desc := "unrecognized error"
	switch ae.Code {
	case ErrGeneralFailure:
		desc = "general failure"
	case ErrNoState:
		desc = "no saved state"
	case ErrBadStateVersion:
		desc = "unsupported state version"
	case ErrUnknownTrade:
		desc = "unknown trade"
	}

	if ae.Detail == "" {
		return desc
	}
	return desc + ": " + ae.Detail
}

// IsErrNoState returns true if the error is of type ArchiveError and has code
// ErrNoState.
func IsErrNoState(err error) bool {
	var errA ArchiveError
	if errors.As(err, &errA) {
		return errA.Code == ErrNoState
	}
	return false
}

// IsErrTradeUnknown returns true if the error is of type ArchiveError and has
// code ErrUnknownTrade.
func IsErrTradeUnknown(err error) bool {
	var errA ArchiveError
	if errors.As(err, &errA) {
		return errA.Code == ErrUnknownTrade
	}
	return false
}
