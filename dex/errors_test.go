// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"errors"
	"testing"

	"github.com/decred/slog"
)

func TestNewError(t *testing.T) {
	const errBusy = ErrorKind("busy")
	err := NewError(errBusy, "payout tick in progress")
	if !errors.Is(err, errBusy) {
		t.Fatalf("errors.Is failed for %v", err)
	}
	if err.Error() != "busy: payout tick in progress" {
		t.Fatalf("wrong message %q", err.Error())
	}
}

func TestErrorCloser(t *testing.T) {
	log := StdOutLogger("TEST", slog.LevelOff)

	var order []int
	ec := NewErrorCloser()
	ec.Add(func() error { order = append(order, 1); return nil })
	ec.Add(func() error { order = append(order, 2); return errors.New("close failed") })
	ec.Done(log)
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("closers ran out of order: %v", order)
	}

	order = nil
	ec = NewErrorCloser()
	ec.Add(func() error { order = append(order, 1); return nil })
	ec.Success()
	ec.Done(log)
	if len(order) != 0 {
		t.Fatalf("closers ran after Success: %v", order)
	}
}
