// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package bolt is a bbolt-backed db.StateStore.
package bolt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/encode"
	"decred.org/cyclesmarket/server/db"
)

// Bolt works on []byte keys and values. These are some commonly used key and
// value encodings.
var (
	stateBucket = []byte("state")
	stateKey    = []byte("snapshot")
	stampKey    = []byte("stamp")
	versionKey  = []byte("version")
	backupDir   = "backup"

	uint64Bytes = encode.Uint64Bytes
)

const dbVersion uint16 = 1

var log = dex.Disabled

// Config is the bolt store configuration.
type Config struct {
	Path string
}

// Driver registers the store with the db package.
type Driver struct{}

// Open creates the store. cfg must be a *Config or Config.
func (d *Driver) Open(_ context.Context, cfg interface{}) (db.StateStore, error) {
	switch c := cfg.(type) {
	case *Config:
		return NewDB(c.Path)
	case Config:
		return NewDB(c.Path)
	default:
		return nil, fmt.Errorf("invalid config type %T", cfg)
	}
}

// UseLogger sets the package logger.
func (d *Driver) UseLogger(logger dex.Logger) {
	log = logger
}

func init() {
	db.Register("bolt", &Driver{})
}

// BoltDB is a bbolt-based snapshot store.
type BoltDB struct {
	*bbolt.DB
}

var _ db.StateStore = (*BoltDB)(nil)

// NewDB is a constructor for a *BoltDB.
func NewDB(dbPath string) (*BoltDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, err
	}
	bdb, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = bdb.Update(func(tx *bbolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(stateBucket)
		if err != nil {
			return fmt.Errorf("failed to create state bucket: %w", err)
		}
		if bkt.Get(versionKey) == nil {
			return bkt.Put(versionKey, encode.Uint16Bytes(dbVersion))
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}
	log.Debugf("Opened state db %s", dbPath)
	return &BoltDB{DB: bdb}, nil
}

// SaveState stores the snapshot and its time stamp.
func (bdb *BoltDB) SaveState(_ context.Context, state []byte) error {
	return bdb.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(stateBucket)
		if err := bkt.Put(stateKey, state); err != nil {
			return err
		}
		return bkt.Put(stampKey, uint64Bytes(uint64(time.Now().UnixMilli())))
	})
}

// LoadState retrieves the snapshot saved with SaveState.
func (bdb *BoltDB) LoadState(_ context.Context) ([]byte, error) {
	var state []byte
	return state, bdb.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(stateBucket)
		v := bkt.Get(stateKey)
		if v == nil {
			return db.ArchiveError{Code: db.ErrNoState}
		}
		state = append([]byte(nil), v...)
		return nil
	})
}

// Backup copies the database file into a backup directory beside it.
func (bdb *BoltDB) Backup() error {
	dir := filepath.Join(filepath.Dir(bdb.Path()), backupDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("unable to create backup directory: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(bdb.Path()))
	return bdb.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(path, 0600)
	})
}
