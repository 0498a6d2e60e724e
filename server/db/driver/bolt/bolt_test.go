// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bolt

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"decred.org/cyclesmarket/server/db"
)

func TestStateStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	store, err := db.Open(ctx, "bolt", &Config{Path: path})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if _, err := store.LoadState(ctx); !db.IsErrNoState(err) {
		t.Fatalf("expected ErrNoState, got %v", err)
	}
	for _, state := range [][]byte{{1, 2, 3}, {4, 5}} {
		if err := store.SaveState(ctx, state); err != nil {
			t.Fatalf("SaveState error: %v", err)
		}
		got, err := store.LoadState(ctx)
		if err != nil {
			t.Fatalf("LoadState error: %v", err)
		}
		if !bytes.Equal(got, state) {
			t.Fatalf("wrong state %x, wanted %x", got, state)
		}
	}
	if err := store.(*BoltDB).Backup(); err != nil {
		t.Fatalf("Backup error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, backupDir, "state.db")); err != nil {
		t.Fatalf("no backup: %v", err)
	}
	store.Close()

	// Reopen.
	bdb, err := NewDB(path)
	if err != nil {
		t.Fatalf("NewDB error: %v", err)
	}
	defer bdb.Close()
	got, err := bdb.LoadState(ctx)
	if err != nil || !bytes.Equal(got, []byte{4, 5}) {
		t.Fatalf("state lost on reopen: %x, %v", got, err)
	}
}
